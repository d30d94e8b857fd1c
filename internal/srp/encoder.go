package srp

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync/atomic"

	"golang.org/x/crypto/pbkdf2"
)

// Password-derivation protocols offered by the handshake.
const (
	ProtocolS2K   = "s2k"
	ProtocolS2KFO = "s2k_fo"
)

// Protocols lists the protocols the client advertises, in preference order.
var Protocols = []string{ProtocolS2K, ProtocolS2KFO}

// Sentinel errors returned by Encode.
var (
	ErrInvalidCredential   = errors.New("srp: credential has an empty secret")
	ErrParametersConsumed  = errors.New("srp: handshake parameters already used")
	ErrUnsupportedProtocol = errors.New("srp: unsupported password protocol")
	ErrInvalidParameters   = errors.New("srp: invalid handshake parameters")
)

// HandshakeParameters are the key-derivation inputs the server returns from
// signin/init. They are valid for exactly one Encode call.
type HandshakeParameters struct {
	Salt       []byte
	Iterations int
	KeyLength  int
	Protocol   string

	consumed atomic.Bool
}

// NewHandshakeParameters returns unconsumed parameters.
func NewHandshakeParameters(salt []byte, iterations, keyLength int, protocol string) *HandshakeParameters {
	return &HandshakeParameters{
		Salt:       append([]byte(nil), salt...),
		Iterations: iterations,
		KeyLength:  keyLength,
		Protocol:   protocol,
	}
}

// Consumed reports whether the parameters were already used.
func (p *HandshakeParameters) Consumed() bool {
	return p.consumed.Load()
}

// Encoder derives the handshake password key from a secret. It holds no
// state and is safe for concurrent use.
type Encoder struct{}

// NewEncoder returns an Encoder.
func NewEncoder() *Encoder {
	return &Encoder{}
}

// Encode returns PBKDF2-HMAC-SHA256(SHA256(secret), salt, iterations,
// keyLength). For s2k_fo the digest is hex-encoded before key stretching.
// Parameters are marked consumed even when validation fails.
func (e *Encoder) Encode(cred Credential, params *HandshakeParameters) ([]byte, error) {
	if params == nil {
		return nil, fmt.Errorf("%w: nil", ErrInvalidParameters)
	}

	if params.consumed.Swap(true) {
		return nil, ErrParametersConsumed
	}

	if cred.Empty() {
		return nil, ErrInvalidCredential
	}

	if params.Iterations <= 0 || params.KeyLength <= 0 || len(params.Salt) == 0 {
		return nil, fmt.Errorf("%w: iterations=%d key_length=%d salt_len=%d",
			ErrInvalidParameters, params.Iterations, params.KeyLength, len(params.Salt))
	}

	digest := sha256.Sum256(cred.Secret)
	p := digest[:]

	switch params.Protocol {
	case ProtocolS2K:
	case ProtocolS2KFO:
		p = []byte(hex.EncodeToString(digest[:]))
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedProtocol, params.Protocol)
	}

	return pbkdf2.Key(p, params.Salt, params.Iterations, params.KeyLength, sha256.New), nil
}
