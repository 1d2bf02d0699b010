// Package claims implements the platform's bearer token model: the claim
// set attached to every RPC call and the signer that mints and verifies the
// short-lived tokens carrying it.
package claims

// ConnectionType describes how a caller is connected to the platform.
type ConnectionType string

// ConnectionUser, ConnectionGroup and ConnectionGroupRole enumerate the
// supported connection types carried in database claims.
const (
	ConnectionUser      ConnectionType = "user"
	ConnectionGroup     ConnectionType = "group"
	ConnectionGroupRole ConnectionType = "groupRole"
)

// VendorGroup is the group granted to internal platform components.
const VendorGroup = "mdstudio"

// Claims is the decoded contents of a verified token. Arbitrary keys
// round-trip through sign and verify; the accessors below cover the keys
// the platform itself assigns meaning to.
type Claims map[string]any

// Username returns the username claim, or "" when absent.
func (c Claims) Username() string { return c.str("username") }

// Vendor returns the vendor claim, or "" when absent.
func (c Claims) Vendor() string { return c.str("vendor") }

// Group returns the group claim, or "" when absent.
func (c Claims) Group() string { return c.str("group") }

// AccessToken returns the OAuth access token claim, or "" when absent.
func (c Claims) AccessToken() string { return c.str("access_token") }

// URI returns the target URI claim attached by the calling session.
func (c Claims) URI() string { return c.str("uri") }

// Action returns the router action claim (call, publish, subscribe).
func (c Claims) Action() string { return c.str("action") }

// ConnType returns the connection type claim, defaulting to ConnectionUser.
func (c Claims) ConnType() ConnectionType {
	if s := c.str("connectionType"); s != "" {
		return ConnectionType(s)
	}
	return ConnectionUser
}

// Groups returns the groups claim as a string slice.
func (c Claims) Groups() []string {
	raw, ok := c["groups"]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, g := range v {
			if s, ok := g.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// InGroup reports whether the claims carry the given group.
func (c Claims) InGroup(group string) bool {
	for _, g := range c.Groups() {
		if g == group {
			return true
		}
	}
	return false
}

// SessionID returns the router-assigned session id claim, or 0 when absent.
func (c Claims) SessionID() int64 {
	switch v := c["session_id"].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	}
	return 0
}

// Clone returns a shallow copy so callers can amend claims without
// mutating the original.
func (c Claims) Clone() Claims {
	out := make(Claims, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

func (c Claims) str(key string) string {
	if v, ok := c[key].(string); ok {
		return v
	}
	return ""
}
