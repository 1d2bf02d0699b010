package claims

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	signer := NewSigner(GenerateSecret())
	issued := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	signer.Now = func() time.Time { return issued }

	token, err := signer.Sign(Claims{"foo": 1}, "db")
	require.NoError(t, err)

	got, err := signer.Verify(token)
	require.NoError(t, err)

	// JSON round-trips numbers as float64.
	assert.Equal(t, float64(1), got["foo"])
	assert.Equal(t, "db", got.Username())
	assert.Equal(t, []string{VendorGroup}, got.Groups())
	assert.Equal(t, float64(issued.Add(Lifetime).Unix()), got["exp"])
}

func TestSignDoesNotMutateInput(t *testing.T) {
	signer := NewSigner(GenerateSecret())

	in := Claims{"username": "alice", "groups": []string{"md"}}
	_, err := signer.Sign(in, "schema")
	require.NoError(t, err)

	assert.Equal(t, "alice", in.Username())
	assert.Equal(t, []string{"md"}, in.Groups())
}

func TestSignRejectsExternalRoles(t *testing.T) {
	signer := NewSigner(GenerateSecret())

	for _, role := range []string{"", "user", "admin", "public", "oauth"} {
		_, err := signer.Sign(Claims{}, role)
		assert.Error(t, err, "role %q must not sign", role)
	}

	for _, role := range []string{"db", "schema", "auth", "logger"} {
		_, err := signer.Sign(Claims{}, role)
		assert.NoError(t, err, "role %q must sign", role)
	}
}

func TestVerifyExpiredToken(t *testing.T) {
	signer := NewSigner(GenerateSecret())
	issued := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	signer.Now = func() time.Time { return issued }

	token, err := signer.Sign(Claims{}, "db")
	require.NoError(t, err)

	// Six minutes past issuance the five minute lifetime is over.
	signer.Now = func() time.Time { return issued.Add(6 * time.Minute) }

	_, err = signer.Verify(token)
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestVerifyRejectsTamperedToken(t *testing.T) {
	signer := NewSigner(GenerateSecret())

	token, err := signer.Sign(Claims{"foo": "bar"}, "db")
	require.NoError(t, err)

	mutated := []byte(token)
	last := len(mutated) - 1
	if mutated[last] == 'A' {
		mutated[last] = 'B'
	} else {
		mutated[last] = 'A'
	}

	_, err = signer.Verify(string(mutated))
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestVerifyRejectsForeignSecret(t *testing.T) {
	a := NewSigner(GenerateSecret())
	b := NewSigner(GenerateSecret())

	token, err := a.Sign(Claims{}, "auth")
	require.NoError(t, err)

	_, err = b.Verify(token)
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestClaimsAccessors(t *testing.T) {
	c := Claims{
		"username":       "svc",
		"vendor":         "mdstudio",
		"groups":         []any{"mdstudio", "ops"},
		"session_id":     float64(42),
		"connectionType": "group",
		"group":          "ops",
	}

	assert.Equal(t, "svc", c.Username())
	assert.Equal(t, "mdstudio", c.Vendor())
	assert.Equal(t, []string{"mdstudio", "ops"}, c.Groups())
	assert.True(t, c.InGroup("ops"))
	assert.False(t, c.InGroup("admin"))
	assert.Equal(t, int64(42), c.SessionID())
	assert.Equal(t, ConnectionGroup, c.ConnType())
	assert.Equal(t, "ops", c.Group())
}

func TestClaimsConnTypeDefaultsToUser(t *testing.T) {
	assert.Equal(t, ConnectionUser, Claims{}.ConnType())
}
