// Package security holds the small crypto helpers used by the API: nonces
// for request ids, hashing, HMAC verification and a compact HS256 token.
package security

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrMalformedToken is returned for tokens that do not have three
	// decodable segments
	ErrMalformedToken = errors.New("malformed token")
	// ErrInvalidSignature is returned when the signature does not match
	ErrInvalidSignature = errors.New("invalid token signature")
	// ErrTokenExpired is returned when exp is in the past
	ErrTokenExpired = errors.New("token expired")
	// ErrInvalidDuration is returned for expiry strings outside the grammar
	ErrInvalidDuration = errors.New("invalid duration")
)

var durationPattern = regexp.MustCompile(`^[0-9]+h?$`)

var tokenEncoding = base64.RawURLEncoding

// Claims is a decoded token payload
type Claims map[string]interface{}

// Subject returns the "sub" claim, or "" when absent
func (c Claims) Subject() string {
	s, _ := c["sub"].(string)
	return s
}

// ExpiresAt returns the "exp" claim as a time
func (c Claims) ExpiresAt() (time.Time, bool) {
	switch v := c["exp"].(type) {
	case float64:
		return time.Unix(int64(v), 0), true
	case int64:
		return time.Unix(v, 0), true
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return time.Time{}, false
		}
		return time.Unix(n, 0), true
	}
	return time.Time{}, false
}

// GenerateNonce returns n random bytes hex encoded
func GenerateNonce(n int) (string, error) {
	if n <= 0 {
		n = 16
	}
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// Hash returns the hex SHA-256 digest of s
func Hash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// Sign returns the hex HMAC-SHA256 of payload under secret
func Sign(payload, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether signature is the hex HMAC-SHA256 of
// payload under secret
func VerifySignature(payload, signature, secret string) bool {
	return constantTimeEqual(Sign(payload, secret), signature)
}

func constantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// ParseExpiry parses the token lifetime grammar: digits with an optional
// trailing "h". Bare digits are seconds.
func ParseExpiry(s string) (time.Duration, error) {
	if !durationPattern.MatchString(s) {
		return 0, fmt.Errorf("%w: %q", ErrInvalidDuration, s)
	}

	unit := time.Second
	digits := s
	if strings.HasSuffix(s, "h") {
		unit = time.Hour
		digits = strings.TrimSuffix(s, "h")
	}

	n, err := strconv.ParseInt(digits, 10, 64)
	if err != nil || n > math.MaxInt64/int64(unit) {
		return 0, fmt.Errorf("%w: %q", ErrInvalidDuration, s)
	}
	return time.Duration(n) * unit, nil
}

// TokenIssuer signs and verifies tokens with a shared secret
type TokenIssuer struct {
	secret []byte
	now    func() time.Time
}

// NewTokenIssuer creates an issuer for secret
func NewTokenIssuer(secret string) *TokenIssuer {
	return &TokenIssuer{secret: []byte(secret), now: time.Now}
}

// GenerateToken signs payload with the default clock
func GenerateToken(payload map[string]interface{}, secret, expiresIn string) (string, error) {
	return NewTokenIssuer(secret).Generate(payload, expiresIn)
}

// VerifyToken checks token with the default clock
func VerifyToken(token, secret string) (Claims, error) {
	return NewTokenIssuer(secret).Verify(token)
}

// Generate returns header.payload.signature with iat and exp claims added
func (t *TokenIssuer) Generate(payload map[string]interface{}, expiresIn string) (string, error) {
	ttl, err := ParseExpiry(expiresIn)
	if err != nil {
		return "", err
	}

	now := t.now()
	claims := make(map[string]interface{}, len(payload)+2)
	for k, v := range payload {
		claims[k] = v
	}
	claims["iat"] = now.Unix()
	claims["exp"] = now.Add(ttl).Unix()

	header, err := json.Marshal(map[string]string{"alg": "HS256", "typ": "JWT"})
	if err != nil {
		return "", err
	}
	body, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("failed to encode token payload: %w", err)
	}

	signingInput := tokenEncoding.EncodeToString(header) + "." + tokenEncoding.EncodeToString(body)
	return signingInput + "." + t.sign(signingInput), nil
}

// Verify recomputes the signature, compares it in constant time and
// rejects expired tokens
func (t *TokenIssuer) Verify(token string) (Claims, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, ErrMalformedToken
	}

	expected := t.sign(parts[0] + "." + parts[1])
	if !constantTimeEqual(expected, parts[2]) {
		return nil, ErrInvalidSignature
	}

	body, err := tokenEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, ErrMalformedToken
	}

	var claims Claims
	if err := json.Unmarshal(body, &claims); err != nil {
		return nil, ErrMalformedToken
	}

	exp, ok := claims.ExpiresAt()
	if !ok {
		return nil, ErrMalformedToken
	}
	if t.now().After(exp) {
		return nil, ErrTokenExpired
	}
	return claims, nil
}

func (t *TokenIssuer) sign(input string) string {
	mac := hmac.New(sha256.New, t.secret)
	mac.Write([]byte(input))
	return tokenEncoding.EncodeToString(mac.Sum(nil))
}
