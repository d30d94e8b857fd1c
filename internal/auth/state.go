// Package auth implements the account sign-in state machine: session token
// reuse, the SRP handshake, two-factor and two-step challenges, and session
// trust. It owns the SessionRecord; the request pipeline only reads
// snapshots of it.
package auth

import (
	"fmt"

	"github.com/tonimelisma/icloud-go/internal/cloud"
)

// Phase is a position in the authentication lifecycle.
type Phase int

// Phases, in the order a fresh login visits them. Failed is terminal until
// the next Authenticate call.
const (
	Unauthenticated Phase = iota
	ValidatingToken
	Handshaking
	ChallengePending
	Trusting
	Authenticated
	Failed
)

var phaseNames = [...]string{
	Unauthenticated:  "unauthenticated",
	ValidatingToken:  "validating_token",
	Handshaking:      "handshaking",
	ChallengePending: "challenge_pending",
	Trusting:         "trusting",
	Authenticated:    "authenticated",
	Failed:           "failed",
}

func (p Phase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return fmt.Sprintf("phase(%d)", int(p))
	}

	return phaseNames[p]
}

// ChallengeKind tags a ChallengePending state.
type ChallengeKind int

const (
	NoChallenge ChallengeKind = iota
	// TwoFactor is a code pushed to a trusted device (hsaVersion 2).
	TwoFactor
	// TwoStep is a code sent to a device the user picks from a list.
	TwoStep
)

func (k ChallengeKind) String() string {
	switch k {
	case TwoFactor:
		return "two_factor"
	case TwoStep:
		return "two_step"
	default:
		return "none"
	}
}

// State is the machine's single source of truth. Challenge is set only in
// ChallengePending; Reason only in Failed.
type State struct {
	Phase     Phase
	Challenge ChallengeKind
	Reason    cloud.Code
}

func (s State) String() string {
	switch s.Phase {
	case ChallengePending:
		return fmt.Sprintf("%s(%s)", s.Phase, s.Challenge)
	case Failed:
		return fmt.Sprintf("%s(%s)", s.Phase, s.Reason)
	default:
		return s.Phase.String()
	}
}

func pending(kind ChallengeKind) State { return State{Phase: ChallengePending, Challenge: kind} }

func failed(reason cloud.Code) State { return State{Phase: Failed, Reason: reason} }
