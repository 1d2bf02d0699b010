package claims

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Lifetime is the validity window of a signed token.
const Lifetime = 5 * time.Minute

// ErrTokenInvalid indicates a token whose signature or structure could not
// be verified.
var ErrTokenInvalid = errors.New("could not verify user")

// ErrTokenExpired indicates a structurally valid token past its expiry.
var ErrTokenExpired = errors.New("request token has expired")

// signingRoles are the internal roles permitted to request a signature.
var signingRoles = map[string]struct{}{
	"db":     {},
	"schema": {},
	"auth":   {},
	"logger": {},
}

// GenerateSecret mints a fresh signing secret. The auth service calls this
// every time it joins the router; tokens signed under a previous secret
// become invalid.
func GenerateSecret() []byte {
	raw := strings.ReplaceAll(uuid.NewString()+uuid.NewString(), "-", "")
	return []byte(raw)
}

// Signer signs and verifies claim tokens with a per-process secret.
//
// Now is the clock used for issuance and expiry checks; tests override it
// to move time. The zero value is not usable, construct with NewSigner.
type Signer struct {
	secret []byte

	Now func() time.Time
}

// NewSigner returns a Signer over the given secret.
func NewSigner(secret []byte) *Signer {
	return &Signer{secret: secret, Now: time.Now}
}

// Secret returns the signing secret.
func (s *Signer) Secret() []byte {
	return s.secret
}

// Sign returns a signed token for the given claims on behalf of role.
// Only the internal roles db, schema, auth and logger may sign; the signer
// overwrites username with the role, groups with the vendor group, and
// stamps the expiry at Lifetime from now. The input claims are not mutated.
func (s *Signer) Sign(c Claims, role string) (string, error) {
	if _, ok := signingRoles[role]; !ok {
		return "", fmt.Errorf("role %q is not allowed to sign claims", role)
	}

	signed := c.Clone()
	signed["username"] = role
	signed["groups"] = []string{VendorGroup}
	signed["exp"] = s.Now().Add(Lifetime).Unix()

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims(signed))
	out, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign claims: %w", err)
	}
	return out, nil
}

// Verify checks the signature and expiry of a token and returns its claims.
// The returned error is ErrTokenExpired for structurally valid tokens past
// their expiry and ErrTokenInvalid for everything else.
func (s *Signer) Verify(token string) (Claims, error) {
	parsed, err := jwt.ParseWithClaims(token, jwt.MapClaims{}, func(*jwt.Token) (any, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(func() time.Time {
		return s.Now()
	}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrTokenInvalid
	}

	mc, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrTokenInvalid
	}
	return Claims(mc), nil
}
