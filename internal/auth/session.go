package auth

import (
	"encoding/json"
	"maps"
	"net/http"

	"github.com/tonimelisma/icloud-go/internal/cloud"
)

// Response headers the service uses to hand out session material.
const (
	headerAccountCountry = "X-Apple-ID-Account-Country"
	headerSessionID      = "X-Apple-ID-Session-Id"
	headerSessionToken   = "X-Apple-Session-Token"
	headerTrustToken     = "X-Apple-TwoSV-Trust-Token"
	headerSequenceToken  = "scnt"
)

// SessionRecord is the minimal persisted session. It is safe to serialize;
// it never contains the account secret.
type SessionRecord struct {
	SessionToken     string            `json:"session_token,omitempty"`
	TrustToken       string            `json:"trust_token,omitempty"`
	SessionID        string            `json:"session_id,omitempty"`
	SequenceToken    string            `json:"scnt,omitempty"`
	AccountCountry   string            `json:"account_country,omitempty"`
	DSID             string            `json:"dsid,omitempty"`
	ServiceEndpoints map[string]string `json:"service_endpoints,omitempty"`
}

// Clone returns a deep copy.
func (r SessionRecord) Clone() SessionRecord {
	r.ServiceEndpoints = maps.Clone(r.ServiceEndpoints)
	return r
}

// Empty reports whether the record carries no session token.
func (r SessionRecord) Empty() bool {
	return r.SessionToken == ""
}

// Endpoint returns the base URL of a named service.
func (r SessionRecord) Endpoint(service string) (string, bool) {
	u, ok := r.ServiceEndpoints[service]
	return u, ok && u != ""
}

// capture copies session headers from a response into r. Headers that are
// absent leave the stored value untouched.
func (r *SessionRecord) capture(h http.Header) bool {
	changed := false

	set := func(dst *string, name string) {
		if v := h.Get(name); v != "" && v != *dst {
			*dst = v
			changed = true
		}
	}

	set(&r.AccountCountry, headerAccountCountry)
	set(&r.SessionID, headerSessionID)
	set(&r.SessionToken, headerSessionToken)
	set(&r.TrustToken, headerTrustToken)
	set(&r.SequenceToken, headerSequenceToken)

	return changed
}

// AccountInfo is the part of the account data worth showing a user.
type AccountInfo struct {
	DSID         string
	AppleID      string
	FullName     string
	PrimaryEmail string
	HSAVersion   int
	Trusted      bool
}

// accountData is the body returned by validate and accountLogin.
type accountData struct {
	DSInfo struct {
		DSID         string `json:"dsid"`
		AppleID      string `json:"appleId"`
		FullName     string `json:"fullName"`
		PrimaryEmail string `json:"primaryEmail"`
		HSAVersion   int    `json:"hsaVersion"`
	} `json:"dsInfo"`
	HSAChallengeRequired bool `json:"hsaChallengeRequired"`
	HSATrustedBrowser    bool `json:"hsaTrustedBrowser"`
	Webservices          map[string]struct {
		URL    string `json:"url"`
		Status string `json:"status"`
	} `json:"webservices"`
	Apps map[string]struct {
		CanLaunchWithOneFactor bool `json:"canLaunchWithOneFactor"`
	} `json:"apps"`
}

func parseAccountData(body []byte) (*accountData, error) {
	var d accountData
	if err := json.Unmarshal(body, &d); err != nil {
		return nil, cloud.NewSemanticError(cloud.CodeMalformedResponse, "account data is not valid JSON", nil).
			WithCause(err)
	}

	if d.DSInfo.DSID == "" && len(d.Webservices) == 0 {
		return nil, cloud.NewSemanticError(cloud.CodeMalformedResponse, "account data has no dsInfo", nil)
	}

	return &d, nil
}

// challenge returns the pending challenge kind, or NoChallenge.
func (d *accountData) challenge() ChallengeKind {
	if d.DSInfo.HSAVersion < 1 || (!d.HSAChallengeRequired && d.HSATrustedBrowser) {
		return NoChallenge
	}

	if d.DSInfo.HSAVersion == 2 {
		return TwoFactor
	}

	return TwoStep
}

// challengeAfterCode is challenge for a session that just passed a code: an
// untrusted browser alone no longer blocks it, only an explicit demand does.
func (d *accountData) challengeAfterCode() ChallengeKind {
	if !d.HSAChallengeRequired {
		return NoChallenge
	}

	return d.challenge()
}

func (d *accountData) endpoints() map[string]string {
	out := make(map[string]string, len(d.Webservices))
	for name, ws := range d.Webservices {
		if ws.URL != "" {
			out[name] = ws.URL
		}
	}

	return out
}

func (d *accountData) info() AccountInfo {
	return AccountInfo{
		DSID:         d.DSInfo.DSID,
		AppleID:      d.DSInfo.AppleID,
		FullName:     d.DSInfo.FullName,
		PrimaryEmail: d.DSInfo.PrimaryEmail,
		HSAVersion:   d.DSInfo.HSAVersion,
		Trusted:      d.HSATrustedBrowser,
	}
}

func (d *accountData) canLaunchWithOneFactor(service string) bool {
	app, ok := d.Apps[service]
	return ok && app.CanLaunchWithOneFactor
}
