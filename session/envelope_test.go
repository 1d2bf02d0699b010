package session

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mdstudio/mdstudio/claims"
	"github.com/mdstudio/mdstudio/validation"
)

func TestEnvelopeExclusivity(t *testing.T) {
	tests := []struct {
		name    string
		env     Envelope
		wantErr bool
	}{
		{"result only", Envelope{Result: json.RawMessage(`{}`)}, false},
		{"error only", ErrorEnvelope(KindHandlerError, "boom"), false},
		{"expired only", ExpiredEnvelope(), false},
		{"result with warning", Envelope{Result: json.RawMessage(`{}`), Warning: "w"}, false},
		{"empty", Envelope{}, true},
		{"result and error", Envelope{Result: json.RawMessage(`{}`), Error: &APIError{Kind: KindHandlerError}}, true},
		{"result and expired", Envelope{Result: json.RawMessage(`{}`), Expired: "expired"}, true},
		{"error and expired", Envelope{Error: &APIError{Kind: KindHandlerError}, Expired: "expired"}, true},
		{"warning without result", Envelope{Error: &APIError{Kind: KindHandlerError}, Warning: "w"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.env.Check()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestResultEnvelopeCarriesNullForNil(t *testing.T) {
	env, err := ResultEnvelope(nil)
	require.NoError(t, err)
	assert.Equal(t, json.RawMessage(`null`), env.Result)
	assert.NoError(t, env.Check())
}

func TestEnvelopeDecodeResult(t *testing.T) {
	env, err := ResultEnvelope(map[string]any{"count": 3})
	require.NoError(t, err)

	var out struct {
		Count int `json:"count"`
	}
	warning, err := env.Decode(&out)
	require.NoError(t, err)
	assert.Empty(t, warning)
	assert.Equal(t, 3, out.Count)
}

func TestEnvelopeDecodeError(t *testing.T) {
	env := ErrorEnvelope(KindInvalidInput, "input validation failed", validation.Issue{Path: "", Message: "missing x"})

	_, err := env.Decode(nil)
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, KindInvalidInput, apiErr.Kind)
	require.Len(t, apiErr.Issues, 1)
}

func TestEnvelopeDecodeExpired(t *testing.T) {
	_, err := ExpiredEnvelope().Decode(nil)
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, KindExpired, apiErr.Kind)
	assert.Equal(t, "Request token has expired", apiErr.Message)
}

func TestEnvelopeDecodeReturnsWarning(t *testing.T) {
	env, err := ResultEnvelope(map[string]any{"ok": true})
	require.NoError(t, err)
	env.Warning = "invalid_output: shape mismatch"

	warning, err := env.Decode(nil)
	require.NoError(t, err)
	assert.Equal(t, "invalid_output: shape mismatch", warning)
}

func TestEnvelopeWireShape(t *testing.T) {
	env := ExpiredEnvelope()
	data, err := json.Marshal(env)
	require.NoError(t, err)
	assert.JSONEq(t, `{"expired": "Request token has expired"}`, string(data))
}

func TestRegistryRejectsDuplicatesAndAmbiguousHandlers(t *testing.T) {
	reg := NewRegistry()
	echo := func(_ context.Context, _ json.RawMessage, _ claims.Claims) (any, error) { return nil, nil }

	require.NoError(t, reg.Register(Endpoint{
		URI:     "mdstudio.db.endpoint.find_one",
		Handler: echo,
	}))

	err := reg.Register(Endpoint{
		URI:     "mdstudio.db.endpoint.find_one",
		Handler: echo,
	})
	assert.Error(t, err)

	err = reg.Register(Endpoint{URI: "mdstudio.db.endpoint.count"})
	assert.Error(t, err)

	both := Endpoint{
		URI:     "mdstudio.db.endpoint.more",
		Handler: echo,
		Raw:     func(_ context.Context, _ []byte) ([]byte, error) { return nil, nil },
	}
	assert.Error(t, reg.Register(both))
}
