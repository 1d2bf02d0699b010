package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/mdstudio/mdstudio/claims"
)

// TokenSigner signs outbound call claims.
type TokenSigner interface {
	Sign(ctx context.Context, c claims.Claims) (string, error)
}

// TokenVerifier verifies inbound claims tokens. Expired tokens yield
// claims.ErrTokenExpired, malformed or mis-signed tokens claims.ErrTokenInvalid.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (claims.Claims, error)
}

// LocalTokens signs and verifies with the in-process secret. Only the auth
// service holds one.
type LocalTokens struct {
	Signer *claims.Signer
	Role   string
}

// Sign implements TokenSigner.
func (t *LocalTokens) Sign(_ context.Context, c claims.Claims) (string, error) {
	return t.Signer.Sign(c, t.Role)
}

// Verify implements TokenVerifier.
func (t *LocalTokens) Verify(_ context.Context, token string) (claims.Claims, error) {
	return t.Signer.Verify(token)
}

// signReply is the wire response of the auth sign endpoint.
type signReply struct {
	Token string `json:"token,omitempty"`
	Error string `json:"error,omitempty"`
}

// verifyRequest is the wire request of the auth verify endpoint.
type verifyRequest struct {
	Token string `json:"token"`
}

// verifyReply is the wire response of the auth verify endpoint.
type verifyReply struct {
	Claims  claims.Claims `json:"claims,omitempty"`
	Error   string        `json:"error,omitempty"`
	Expired string        `json:"expired,omitempty"`
}

// RemoteTokens signs and verifies through the auth service endpoints. Every
// component except the auth service itself uses this.
type RemoteTokens struct {
	Conn    *nats.Conn
	Role    string
	Timeout time.Duration
}

func (t *RemoteTokens) timeout() time.Duration {
	if t.Timeout > 0 {
		return t.Timeout
	}
	return 5 * time.Second
}

// Sign implements TokenSigner. The auth service rewrites username and groups
// from the calling role, so the role travels alongside the claims.
func (t *RemoteTokens) Sign(ctx context.Context, c claims.Claims) (string, error) {
	body, err := json.Marshal(map[string]any{
		"claims": map[string]any(c),
		"role":   t.Role,
	})
	if err != nil {
		return "", fmt.Errorf("marshal sign request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout())
	defer cancel()

	msg, err := t.Conn.RequestWithContext(ctx, SignURI, body)
	if err != nil {
		return "", fmt.Errorf("sign request: %w", err)
	}

	var reply signReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return "", fmt.Errorf("unmarshal sign reply: %w", err)
	}
	if reply.Error != "" {
		return "", errors.New(reply.Error)
	}
	return reply.Token, nil
}

// Verify implements TokenVerifier.
func (t *RemoteTokens) Verify(ctx context.Context, token string) (claims.Claims, error) {
	body, err := json.Marshal(verifyRequest{Token: token})
	if err != nil {
		return nil, fmt.Errorf("marshal verify request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout())
	defer cancel()

	msg, err := t.Conn.RequestWithContext(ctx, VerifyURI, body)
	if err != nil {
		return nil, fmt.Errorf("verify request: %w", err)
	}

	var reply verifyReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return nil, fmt.Errorf("unmarshal verify reply: %w", err)
	}
	switch {
	case reply.Expired != "":
		return nil, claims.ErrTokenExpired
	case reply.Error != "":
		return nil, claims.ErrTokenInvalid
	default:
		return reply.Claims, nil
	}
}
