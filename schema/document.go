// Package schema implements the versioned registry of JSON-schema documents
// the platform validates every call against: endpoint schemas, resource
// schemas and claim schemas, keyed by (vendor, component, type, name,
// version).
package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cyberphone/json-canonicalization/go/src/webpki.org/jsoncanonicalizer"
)

// Type classifies a schema document.
type Type string

// TypeEndpoint, TypeResource and TypeClaim enumerate the schema document
// types the registry stores.
const (
	TypeEndpoint Type = "endpoint"
	TypeResource Type = "resource"
	TypeClaim    Type = "claim"
)

// ParseType returns the Type for its wire name.
func ParseType(s string) (Type, error) {
	switch Type(s) {
	case TypeEndpoint, TypeResource, TypeClaim:
		return Type(s), nil
	}
	return "", fmt.Errorf("schema type %q is not known", s)
}

// Document is one stored schema version.
type Document struct {
	// Vendor that owns the schema, usually the platform vendor.
	Vendor string `json:"vendor"`

	// Component the schema belongs to.
	Component string `json:"component"`

	// Type of the schema document.
	Type Type `json:"type"`

	// Name of the schema within the component.
	Name string `json:"name"`

	// Version of the schema. Versions for one (vendor, component, type,
	// name) form a dense sequence starting at 1.
	Version int `json:"version"`

	// Body is the JSON-schema document itself.
	Body json.RawMessage `json:"body"`

	// UploadedBy records the username that uploaded this version.
	UploadedBy string `json:"uploaded_by"`

	// UploadedAt records when this version was stored, in UTC.
	UploadedAt time.Time `json:"uploaded_at"`
}

// Key identifies a schema lineage independent of version.
type Key struct {
	Vendor    string
	Component string
	Type      Type
	Name      string
}

// Key returns the lineage key of the document.
func (d *Document) Key() Key {
	return Key{Vendor: d.Vendor, Component: d.Component, Type: d.Type, Name: d.Name}
}

func (k Key) String() string {
	return fmt.Sprintf("%s://%s/%s/%s", k.Type, k.Vendor, k.Component, k.Name)
}

// CanonicalBody returns the RFC 8785 canonical form of the document body.
// Upserts compare canonical forms so key order and whitespace differences
// do not create new versions.
func CanonicalBody(body json.RawMessage) ([]byte, error) {
	out, err := jsoncanonicalizer.Transform(body)
	if err != nil {
		return nil, fmt.Errorf("canonicalize schema body: %w", err)
	}
	return out, nil
}

// EqualBodies reports whether two schema bodies are canonically equal.
func EqualBodies(a, b json.RawMessage) (bool, error) {
	ca, err := CanonicalBody(a)
	if err != nil {
		return false, err
	}
	cb, err := CanonicalBody(b)
	if err != nil {
		return false, err
	}
	return bytes.Equal(ca, cb), nil
}
