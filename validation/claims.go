package validation

import (
	"context"
	"encoding/json"
)

// defaultClaimSchema is validated against the claims of every request. The
// username, groups and expiry fields must always be present; endpoint claim
// schemas add their own requirements on top.
var defaultClaimSchema = json.RawMessage(`{
	"$schema": "http://json-schema.org/draft-04/schema#",
	"type": "object",
	"properties": {
		"username": {"type": "string", "minLength": 1},
		"groups": {"type": "array", "items": {"type": "string"}},
		"exp": {"type": "number"},
		"vendor": {"type": "string"},
		"session_id": {"type": "number"},
		"connectionType": {"enum": ["user", "group", "groupRole"]},
		"uri": {"type": "string"},
		"action": {"enum": ["call", "publish", "subscribe", "register"]}
	},
	"required": ["username", "groups", "exp"]
}`)

// ValidateClaims validates decoded claims against the platform claim schema
// and then against each endpoint claim schema in turn. The first failure is
// returned.
func (v *Validator) ValidateClaims(ctx context.Context, claimValues map[string]any, endpointSchemas ...json.RawMessage) error {
	if err := v.ValidateBody(ctx, defaultClaimSchema, map[string]any(claimValues)); err != nil {
		return err
	}
	for _, body := range endpointSchemas {
		if len(body) == 0 {
			continue
		}
		if err := v.ValidateBody(ctx, body, map[string]any(claimValues)); err != nil {
			return err
		}
	}
	return nil
}
