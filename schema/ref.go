package schema

import (
	"fmt"
	"strconv"
	"strings"
)

// Ref is a parsed schema reference of the form
// endpoint://vendor/component/name/v, claims://… or resource://….
// Version 0 means "latest".
type Ref struct {
	Type      Type
	Vendor    string
	Component string
	Name      string
	Version   int
}

// schemes maps reference schemes to document types. The claims scheme is
// plural on the wire while the document type is singular.
var schemes = map[string]Type{
	"endpoint": TypeEndpoint,
	"resource": TypeResource,
	"claims":   TypeClaim,
}

// IsRef reports whether s looks like a schema reference string.
func IsRef(s string) bool {
	for scheme := range schemes {
		if strings.HasPrefix(s, scheme+"://") {
			return true
		}
	}
	return false
}

// ParseRef parses a schema reference string. The name part may span
// multiple path segments; a trailing integer segment is the version.
func ParseRef(s string) (Ref, error) {
	scheme, rest, ok := strings.Cut(s, "://")
	if !ok {
		return Ref{}, fmt.Errorf("schema reference %q has no scheme", s)
	}
	typ, ok := schemes[scheme]
	if !ok {
		return Ref{}, fmt.Errorf("schema reference scheme %q is not known", scheme)
	}

	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) < 3 {
		return Ref{}, fmt.Errorf("schema reference %q needs vendor/component/name", s)
	}

	ref := Ref{Type: typ, Vendor: parts[0], Component: parts[1]}

	nameParts := parts[2:]
	if len(nameParts) > 1 {
		last := nameParts[len(nameParts)-1]
		if v, err := strconv.Atoi(strings.TrimPrefix(last, "v")); err == nil && v > 0 {
			ref.Version = v
			nameParts = nameParts[:len(nameParts)-1]
		}
	}
	ref.Name = strings.Join(nameParts, "/")
	if ref.Name == "" {
		return Ref{}, fmt.Errorf("schema reference %q has an empty name", s)
	}
	return ref, nil
}

// String renders the reference back to its wire form.
func (r Ref) String() string {
	scheme := string(r.Type)
	if r.Type == TypeClaim {
		scheme = "claims"
	}
	base := fmt.Sprintf("%s://%s/%s/%s", scheme, r.Vendor, r.Component, r.Name)
	if r.Version > 0 {
		return fmt.Sprintf("%s/v%d", base, r.Version)
	}
	return base
}
