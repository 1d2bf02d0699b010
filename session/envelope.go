package session

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mdstudio/mdstudio/validation"
)

// ErrorKind classifies call failures surfaced to callers.
type ErrorKind string

const (
	KindUnauthenticated ErrorKind = "unauthenticated"
	KindExpired         ErrorKind = "expired"
	KindUnauthorized    ErrorKind = "unauthorized"
	KindInvalidInput    ErrorKind = "invalid_input"
	KindInvalidOutput   ErrorKind = "invalid_output"
	KindInvalidClaims   ErrorKind = "invalid_claims"
	KindSchemaNotFound  ErrorKind = "schema_not_found"
	KindHandlerError    ErrorKind = "handler_error"
	KindTransportError  ErrorKind = "transport_error"
)

// expiredMessage is the fixed expiry notice callers receive.
const expiredMessage = "Request token has expired"

// APIError is the structured error carried inside an envelope.
type APIError struct {
	Kind    ErrorKind          `json:"kind"`
	Message string             `json:"message"`
	Issues  []validation.Issue `json:"issues,omitempty"`
}

// Error implements the error interface so envelope errors can travel through
// normal error returns on the client side.
func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Request is the wire form of every inbound call: the payload plus the
// caller's signed claims token.
type Request struct {
	Request json.RawMessage `json:"request"`
	Claims  string          `json:"claims,omitempty"`
}

// Envelope is the wire form of every call response. Exactly one of Result,
// Error or Expired is set; Warning rides along with a successful Result.
type Envelope struct {
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *APIError       `json:"error,omitempty"`
	Expired string          `json:"expired,omitempty"`
	Warning string          `json:"warning,omitempty"`
}

// ResultEnvelope wraps a handler result. A nil value yields a null result so
// the envelope still carries exactly one variant.
func ResultEnvelope(value any) (Envelope, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal result: %w", err)
	}
	return Envelope{Result: data}, nil
}

// ErrorEnvelope wraps a structured failure.
func ErrorEnvelope(kind ErrorKind, message string, issues ...validation.Issue) Envelope {
	return Envelope{Error: &APIError{Kind: kind, Message: message, Issues: issues}}
}

// ExpiredEnvelope is the response to a call carrying an expired token.
func ExpiredEnvelope() Envelope {
	return Envelope{Expired: expiredMessage}
}

// Check verifies the exclusivity rule: exactly one of result, error or
// expired, and warning only next to a result.
func (e Envelope) Check() error {
	variants := 0
	if e.Result != nil {
		variants++
	}
	if e.Error != nil {
		variants++
	}
	if e.Expired != "" {
		variants++
	}
	if variants != 1 {
		return fmt.Errorf("envelope carries %d variants, want exactly 1", variants)
	}
	if e.Warning != "" && e.Result == nil {
		return errors.New("envelope warning without result")
	}
	return nil
}

// IsExpired reports whether the envelope signals token expiry.
func (e Envelope) IsExpired() bool {
	return e.Expired != ""
}

// Decode unwraps the envelope on the caller side: expired and error variants
// become Go errors, otherwise the result is unmarshalled into out (skipped
// when out is nil). The warning, if any, is returned for the caller to log.
func (e Envelope) Decode(out any) (warning string, err error) {
	if err := e.Check(); err != nil {
		return "", err
	}
	if e.Expired != "" {
		return "", &APIError{Kind: KindExpired, Message: e.Expired}
	}
	if e.Error != nil {
		return "", e.Error
	}
	if out != nil {
		if err := json.Unmarshal(e.Result, out); err != nil {
			return e.Warning, fmt.Errorf("unmarshal result: %w", err)
		}
	}
	return e.Warning, nil
}
