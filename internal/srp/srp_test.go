package srp

import (
	"bytes"
	"encoding/hex"
	"log/slog"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustHex(t *testing.T, s string) []byte {
	t.Helper()

	b, err := hex.DecodeString(s)
	require.NoError(t, err)

	return b
}

func TestEncoder_GoldenVectors(t *testing.T) {
	tests := []struct {
		name       string
		secret     string
		salt       []byte
		iterations int
		keyLength  int
		protocol   string
		want       string
	}{
		{
			name:       "s2k",
			secret:     "correct horse battery staple",
			salt:       mustHex(t, "00112233445566778899aabbccddeeff"),
			iterations: 20000,
			keyLength:  32,
			protocol:   ProtocolS2K,
			want:       "fd43e3eb15197dedab15a1dfb72643fa75883625a5e8705764591187b1e2aeff",
		},
		{
			name:       "s2k_fo",
			secret:     "correct horse battery staple",
			salt:       mustHex(t, "00112233445566778899aabbccddeeff"),
			iterations: 20000,
			keyLength:  32,
			protocol:   ProtocolS2KFO,
			want:       "6ca84b7733540f06de7966e0b0aa166c25c064c9203ed910d4f7538a6562f3d1",
		},
		{
			name:       "short key",
			secret:     "hunter2",
			salt:       []byte("saltsalt"),
			iterations: 1000,
			keyLength:  16,
			protocol:   ProtocolS2K,
			want:       "431550a7b302180732949fa4682f942c",
		},
	}

	enc := NewEncoder()

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			params := NewHandshakeParameters(tt.salt, tt.iterations, tt.keyLength, tt.protocol)

			got, err := enc.Encode(NewCredential("jane@example.com", []byte(tt.secret)), params)
			require.NoError(t, err)
			assert.Equal(t, tt.want, hex.EncodeToString(got))
			assert.True(t, params.Consumed())
		})
	}
}

func TestEncoder_Deterministic(t *testing.T) {
	enc := NewEncoder()
	cred := NewCredential("jane@example.com", []byte("pw"))

	a, err := enc.Encode(cred, NewHandshakeParameters([]byte("salt"), 10, 32, ProtocolS2K))
	require.NoError(t, err)

	b, err := enc.Encode(cred, NewHandshakeParameters([]byte("salt"), 10, 32, ProtocolS2K))
	require.NoError(t, err)

	assert.Equal(t, a, b)
}

func TestEncoder_ParametersAreSingleUse(t *testing.T) {
	enc := NewEncoder()
	params := NewHandshakeParameters([]byte("salt"), 10, 32, ProtocolS2K)
	cred := NewCredential("jane@example.com", []byte("pw"))

	_, err := enc.Encode(cred, params)
	require.NoError(t, err)

	_, err = enc.Encode(cred, params)
	assert.ErrorIs(t, err, ErrParametersConsumed)
}

func TestEncoder_Rejects(t *testing.T) {
	enc := NewEncoder()
	cred := NewCredential("jane@example.com", []byte("pw"))

	_, err := enc.Encode(NewCredential("jane@example.com", nil), NewHandshakeParameters([]byte("s"), 10, 32, ProtocolS2K))
	assert.ErrorIs(t, err, ErrInvalidCredential)

	_, err = enc.Encode(cred, NewHandshakeParameters([]byte("s"), 10, 32, "s2k_unknown"))
	assert.ErrorIs(t, err, ErrUnsupportedProtocol)

	_, err = enc.Encode(cred, NewHandshakeParameters([]byte("s"), 0, 32, ProtocolS2K))
	assert.ErrorIs(t, err, ErrInvalidParameters)

	_, err = enc.Encode(cred, NewHandshakeParameters(nil, 10, 32, ProtocolS2K))
	assert.ErrorIs(t, err, ErrInvalidParameters)

	_, err = enc.Encode(cred, nil)
	assert.ErrorIs(t, err, ErrInvalidParameters)
}

func TestClient_GoldenProof(t *testing.T) {
	a := new(big.Int).SetBytes(mustHex(t, "0102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f20"))
	c := newClient(a)

	assert.Equal(t, "630acdff5d334462d92a29e0b7fa6e20", hex.EncodeToString(c.PublicKey()[:16]))

	serverB := mustHex(t, "9947485bf109d19ce13b28ed7e1627e0d31b81bbbb57b9f9d4ad33d6646a5e17"+
		"c5240b170ee95f8b42b8def0ac60c9b0931b15c9a6333b178d7bb059d964fdc2"+
		"89de0a473ef36c1c8213cdfe501605c5178d9b0126823fc1f821f20045a58c15"+
		"6db5c009d4837ca77ca7f915d4bfdae3992c1396764dda09dfa32c732c875f38"+
		"0c534c647bf984766f8db60b07c7b2b9cbeb03a188c865d396dcdd078fd2d817"+
		"9c5379247bcd37d7c7cb8b4d0ba93cab593b818a119d736eadff997dd6434103"+
		"a99a9686f66305df42b8747f9bc2e96270373ab1ea9a3b0af55f65e7de4ca36a"+
		"497257a6d12c021b1b2e99e61cf50826f9afff6d3d0b23189e2ad7042421e497")

	key := mustHex(t, "fd43e3eb15197dedab15a1dfb72643fa75883625a5e8705764591187b1e2aeff")
	salt := mustHex(t, "00112233445566778899aabbccddeeff")

	proof, err := c.Proof("jane@example.com", key, salt, serverB)
	require.NoError(t, err)
	assert.Equal(t, "f92621c0e25300949d1b78fb8b9d22dcaa884479044cf7596cadf2d9eaa07ed9", hex.EncodeToString(proof.M1))
	assert.Equal(t, "04dc52206b0d6e5ec10d8ec25a5e70c0b052e067f4a7a406529a739aaf85ad8e", hex.EncodeToString(proof.M2))
}

// TestClient_AgreesWithServer plays the server side of SRP-6a with a
// verifier derived from the same key and checks both sides reach the same
// session key.
func TestClient_AgreesWithServer(t *testing.T) {
	c, err := NewClient(nil)
	require.NoError(t, err)

	salt := []byte("0123456789abcdef")
	key := []byte("derived-password-key")
	identifier := "jane@example.com"

	x := hashInt(salt, hash([]byte(":"), key))
	v := new(big.Int).Exp(groupG, x, groupN)
	k := hashInt(groupN.Bytes(), pad(groupG))
	b := big.NewInt(0x5eed5eed)

	B := new(big.Int).Mul(k, v)
	B.Add(B, new(big.Int).Exp(groupG, b, groupN))
	B.Mod(B, groupN)

	proof, err := c.Proof(identifier, key, salt, B.Bytes())
	require.NoError(t, err)

	// Server: S = (A * v^u)^b
	u := hashInt(pad(c.A), pad(B))
	S := new(big.Int).Exp(v, u, groupN)
	S.Mul(S, c.A)
	S.Exp(S, b, groupN)
	K := hash(S.Bytes())

	hN := hash(groupN.Bytes())
	hG := hash(pad(groupG))

	for i := range hN {
		hN[i] ^= hG[i]
	}

	wantM1 := hash(hN, hash([]byte(identifier)), salt, c.A.Bytes(), B.Bytes(), K)
	assert.Equal(t, wantM1, proof.M1)
	assert.Equal(t, hash(c.A.Bytes(), wantM1, K), proof.M2)

	wrong, err := c.Proof(identifier, []byte("other key"), salt, B.Bytes())
	require.NoError(t, err)
	assert.NotEqual(t, proof.M1, wrong.M1)
}

func TestClient_RejectsDegenerateServerKey(t *testing.T) {
	c, err := NewClient(nil)
	require.NoError(t, err)

	for _, B := range [][]byte{{0}, groupN.Bytes(), new(big.Int).Lsh(groupN, 1).Bytes()} {
		_, err := c.Proof("jane@example.com", []byte("k"), []byte("s"), B)
		assert.ErrorIs(t, err, ErrInvalidServerKey)
	}
}

func TestNewClient_ReadError(t *testing.T) {
	_, err := NewClient(bytes.NewReader([]byte{1, 2, 3}))
	assert.Error(t, err)
}

func TestNormalizeIdentifier(t *testing.T) {
	assert.Equal(t, "jane@example.com", NormalizeIdentifier("  Jane@Example.COM \n"))
	// Decomposed e + combining acute becomes the precomposed form.
	assert.Equal(t, "jos\u00e9@example.com", NormalizeIdentifier("Jose\u0301@example.com"))
}

func TestCredential_WipeAndLog(t *testing.T) {
	buf := []byte("s3cret")
	cred := NewCredential("Jane@example.com", buf)

	assert.Equal(t, "jane@example.com", cred.Identifier)

	var out bytes.Buffer
	slog.New(slog.NewTextHandler(&out, nil)).Info("login", slog.Any("cred", cred))
	assert.NotContains(t, out.String(), "s3cret")
	assert.Contains(t, out.String(), "has_secret=true")
	assert.NotContains(t, cred.String(), "s3cret")

	inner := cred.Secret
	cred.Wipe()
	assert.True(t, cred.Empty())
	assert.Equal(t, make([]byte, len(inner)), inner)
	assert.Equal(t, "s3cret", string(buf))
}
