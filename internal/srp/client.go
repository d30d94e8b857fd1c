package srp

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"math/big"
	"strings"
)

// groupPrimeHex is the 2048-bit group from RFC 5054 appendix A; the
// generator is 2.
const groupPrimeHex = "" +
	"AC6BDB41324A9A9BF166DE5E1389582FAF72B6651987EE07FC3192943DB56050" +
	"A37329CBB4A099ED8193E0757767A13DD52312AB4B03310DCD7F48A9DA04FD50" +
	"E8083969EDB767B0CF6095179A163AB3661A05FBD5FAAAE82918A9962F0B93B8" +
	"55F97993EC975EEAA80D740ADBF4FF747359D041D5C33EA71D281E446B14773B" +
	"CA97B43A23FB801676BD207A436C6481F1D2B9078717461A5B9D32E688F87748" +
	"544523B524B0D57D5EA77A2775D2ECFA032CFBDBF52FB3786160279004E57AE6" +
	"AF874E7303CE53299CCC041C7BC308D82A5698F3A8D0C38271AE35F8E9DBFBB6" +
	"94B5C803D89F7AE435DE236D525F54759B65E372FCD68EF20FA7111F9E4AFF73"

// privateKeyBytes is the size of the ephemeral secret a.
const privateKeyBytes = 32

var (
	groupN = mustParseHex(groupPrimeHex)
	groupG = big.NewInt(2)

	groupLen = len(groupN.Bytes())
)

// ErrInvalidServerKey is returned when the server's public value is zero
// modulo N or yields a zero scrambling parameter.
var ErrInvalidServerKey = errors.New("srp: invalid server public key")

// Client holds one handshake's ephemeral key pair. Use a fresh Client for
// every sign-in attempt.
type Client struct {
	a *big.Int
	A *big.Int
}

// Proof carries the client evidence M1 and the expected server evidence M2.
type Proof struct {
	M1 []byte
	M2 []byte
}

// NewClient draws an ephemeral secret from random (crypto/rand when nil).
func NewClient(random io.Reader) (*Client, error) {
	if random == nil {
		random = rand.Reader
	}

	buf := make([]byte, privateKeyBytes)

	for {
		if _, err := io.ReadFull(random, buf); err != nil {
			return nil, fmt.Errorf("srp: reading ephemeral secret: %w", err)
		}

		a := new(big.Int).SetBytes(buf)
		if a.Sign() > 0 {
			return newClient(a), nil
		}
	}
}

func newClient(a *big.Int) *Client {
	return &Client{a: a, A: new(big.Int).Exp(groupG, a, groupN)}
}

// PublicKey returns A in big-endian form without padding.
func (c *Client) PublicKey() []byte {
	return c.A.Bytes()
}

// Proof computes M1 and M2 for the server's challenge. derivedKey is the
// Encoder output; identifier is the account name sent to signin/init.
func (c *Client) Proof(identifier string, derivedKey, salt, serverPublic []byte) (Proof, error) {
	B := new(big.Int).SetBytes(serverPublic)
	if B.Cmp(groupN) >= 0 || new(big.Int).Mod(B, groupN).Sign() == 0 {
		return Proof{}, ErrInvalidServerKey
	}

	u := hashInt(pad(c.A), pad(B))
	if u.Sign() == 0 {
		return Proof{}, ErrInvalidServerKey
	}

	k := hashInt(groupN.Bytes(), pad(groupG))
	x := hashInt(salt, hash([]byte(":"), derivedKey))

	// S = (B - k*g^x) ^ (a + u*x) mod N
	gx := new(big.Int).Exp(groupG, x, groupN)
	base := new(big.Int).Sub(B, new(big.Int).Mul(k, gx))
	base.Mod(base, groupN)

	exp := new(big.Int).Add(c.a, new(big.Int).Mul(u, x))
	S := new(big.Int).Exp(base, exp, groupN)

	K := hash(S.Bytes())

	hN := hash(groupN.Bytes())
	hG := hash(pad(groupG))

	for i := range hN {
		hN[i] ^= hG[i]
	}

	m1 := hash(hN, hash([]byte(identifier)), salt, c.A.Bytes(), B.Bytes(), K)
	m2 := hash(c.A.Bytes(), m1, K)

	return Proof{M1: m1, M2: m2}, nil
}

func hash(parts ...[]byte) []byte {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
	}

	return h.Sum(nil)
}

func hashInt(parts ...[]byte) *big.Int {
	return new(big.Int).SetBytes(hash(parts...))
}

// pad left-pads n to the byte length of the group prime.
func pad(n *big.Int) []byte {
	return n.FillBytes(make([]byte, groupLen))
}

func mustParseHex(s string) *big.Int {
	n, ok := new(big.Int).SetString(strings.TrimSpace(s), 16)
	if !ok {
		panic("srp: bad group constant")
	}

	return n
}
