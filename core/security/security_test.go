package security

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateNonce(t *testing.T) {
	a, err := GenerateNonce(16)
	require.NoError(t, err)
	b, err := GenerateNonce(16)
	require.NoError(t, err)

	assert.Len(t, a, 32)
	assert.NotEqual(t, a, b)
}

func TestHash(t *testing.T) {
	assert.Equal(t,
		"e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
		Hash(""))
	assert.Equal(t, Hash("abc"), Hash("abc"))
}

func TestVerifySignature(t *testing.T) {
	sig := Sign("payload", "secret")

	assert.True(t, VerifySignature("payload", sig, "secret"))
	assert.False(t, VerifySignature("payload", sig, "other"))
	assert.False(t, VerifySignature("tampered", sig, "secret"))
	assert.False(t, VerifySignature("payload", sig[:10], "secret"))
}

func TestParseExpiry(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{in: "3600", want: time.Hour},
		{in: "24h", want: 24 * time.Hour},
		{in: "0", want: 0},
		{in: "", wantErr: true},
		{in: "h", wantErr: true},
		{in: "10m", wantErr: true},
		{in: "1.5h", wantErr: true},
		{in: "-5", wantErr: true},
		{in: "5hh", wantErr: true},
		{in: " 5", wantErr: true},
		{in: "2562047h", want: 2562047 * time.Hour},
		{in: "2562048h", wantErr: true},
		{in: "9223372036", want: 9223372036 * time.Second},
		{in: "9223372037", wantErr: true},
		{in: "99999999999999999999h", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseExpiry(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidDuration)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func fixedIssuer(secret string, at time.Time) *TokenIssuer {
	issuer := NewTokenIssuer(secret)
	issuer.now = func() time.Time { return at }
	return issuer
}

func TestToken_RoundTrip(t *testing.T) {
	token, err := GenerateToken(map[string]interface{}{"sub": "alice", "role": "admin"}, "s3cret", "1h")
	require.NoError(t, err)
	assert.Len(t, strings.Split(token, "."), 3)
	assert.NotContains(t, token, "=")

	claims, err := VerifyToken(token, "s3cret")
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Subject())
	assert.Equal(t, "admin", claims["role"])
}

func TestToken_FlippedSignatureRejected(t *testing.T) {
	token, err := GenerateToken(map[string]interface{}{"sub": "alice"}, "s3cret", "60")
	require.NoError(t, err)

	last := token[len(token)-1]
	flipped := byte('A')
	if last == 'A' {
		flipped = 'B'
	}
	tampered := token[:len(token)-1] + string(flipped)

	_, err = VerifyToken(tampered, "s3cret")
	assert.ErrorIs(t, err, ErrInvalidSignature)

	_, err = VerifyToken(token, "wrong")
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestToken_Expired(t *testing.T) {
	issuedAt := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	token, err := fixedIssuer("k", issuedAt).Generate(map[string]interface{}{"sub": "bob"}, "10")
	require.NoError(t, err)

	_, err = fixedIssuer("k", issuedAt.Add(5*time.Second)).Verify(token)
	assert.NoError(t, err)

	_, err = fixedIssuer("k", issuedAt.Add(11*time.Second)).Verify(token)
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestToken_Malformed(t *testing.T) {
	_, err := VerifyToken("not-a-token", "k")
	assert.ErrorIs(t, err, ErrMalformedToken)

	_, err = GenerateToken(nil, "k", "1d")
	assert.ErrorIs(t, err, ErrInvalidDuration)
}

func TestGenerateToken_RejectsOverflowingLifetime(t *testing.T) {
	_, err := GenerateToken(map[string]interface{}{"sub": "alice"}, "s3cret", "2562048h")
	assert.ErrorIs(t, err, ErrInvalidDuration)

	at := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	token, err := fixedIssuer("s3cret", at).Generate(map[string]interface{}{"sub": "alice"}, "2562047h")
	require.NoError(t, err)
	claims, err := fixedIssuer("s3cret", at).Verify(token)
	require.NoError(t, err)
	exp, ok := claims.ExpiresAt()
	require.True(t, ok)
	assert.True(t, exp.After(at))
}
