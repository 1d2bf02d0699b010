package validation

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/mdstudio/mdstudio/schema"
)

// Resolver resolves mdstudio schema references to their JSON bodies.
type Resolver interface {
	Resolve(ctx context.Context, ref schema.Ref) (json.RawMessage, error)
}

// ResolverFunc adapts a function to the Resolver interface.
type ResolverFunc func(ctx context.Context, ref schema.Ref) (json.RawMessage, error)

// Resolve implements Resolver.
func (f ResolverFunc) Resolve(ctx context.Context, ref schema.Ref) (json.RawMessage, error) {
	return f(ctx, ref)
}

// Validator compiles schema documents and validates decoded JSON values
// against them. Compiled schemas are cached until Invalidate is called.
type Validator struct {
	resolver Resolver

	mu    sync.Mutex
	cache map[string]*jsonschema.Schema
}

// New creates a Validator that resolves endpoint://, resource:// and
// claims:// references through the given resolver.
func New(resolver Resolver) *Validator {
	return &Validator{
		resolver: resolver,
		cache:    make(map[string]*jsonschema.Schema),
	}
}

// Invalidate drops every cached compiled schema. Callers invalidate after a
// schema upload so that versionless references pick up the new latest.
func (v *Validator) Invalidate() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.cache = make(map[string]*jsonschema.Schema)
}

// ValidateRef validates value against the referenced schema. It returns a
// *Error when the value does not conform, or a resolution error (wrapping
// schema.ErrNotFound when the reference names no stored document).
func (v *Validator) ValidateRef(ctx context.Context, ref string, value any) error {
	if _, err := schema.ParseRef(ref); err != nil {
		return err
	}
	compiled, err := v.compile(ctx, ref, nil)
	if err != nil {
		return err
	}
	return v.validate(ref, compiled, value)
}

// ValidateBody validates value against an inline schema body.
func (v *Validator) ValidateBody(ctx context.Context, body json.RawMessage, value any) error {
	canonical, err := schema.CanonicalBody(body)
	if err != nil {
		return fmt.Errorf("schema body is not valid JSON: %w", err)
	}
	sum := sha256.Sum256(canonical)
	key := "inline:" + hex.EncodeToString(sum[:8])
	compiled, err := v.compile(ctx, key, body)
	if err != nil {
		return err
	}
	return v.validate(key, compiled, value)
}

func (v *Validator) compile(ctx context.Context, key string, inline json.RawMessage) (*jsonschema.Schema, error) {
	v.mu.Lock()
	if compiled, ok := v.cache[key]; ok {
		v.mu.Unlock()
		return compiled, nil
	}
	v.mu.Unlock()

	compiler := jsonschema.NewCompiler()
	compiler.DefaultDraft(jsonschema.Draft4)
	compiler.UseLoader(&refLoader{ctx: ctx, resolver: v.resolver})

	loc := key
	if inline != nil {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(inline))
		if err != nil {
			return nil, fmt.Errorf("schema body is not valid JSON: %w", err)
		}
		loc = "inline.json"
		if err := compiler.AddResource(loc, doc); err != nil {
			return nil, fmt.Errorf("register inline schema: %w", err)
		}
	}

	compiled, err := compiler.Compile(loc)
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", key, err)
	}

	v.mu.Lock()
	v.cache[key] = compiled
	v.mu.Unlock()
	return compiled, nil
}

func (v *Validator) validate(ref string, compiled *jsonschema.Schema, value any) error {
	err := compiled.Validate(value)
	if err == nil {
		return nil
	}
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return fmt.Errorf("validate against %s: %w", ref, err)
	}
	return &Error{Ref: ref, Issues: issuesFrom(verr, value)}
}

// refLoader feeds mdstudio schema references to the jsonschema compiler.
type refLoader struct {
	ctx      context.Context
	resolver Resolver
}

// Load implements jsonschema.URLLoader.
func (l *refLoader) Load(rawURL string) (any, error) {
	ref, err := schema.ParseRef(rawURL)
	if err != nil {
		return nil, fmt.Errorf("unsupported schema url %q: %w", rawURL, err)
	}
	body, err := l.resolver.Resolve(l.ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", ref, err)
	}
	return jsonschema.UnmarshalJSON(bytes.NewReader(body))
}

var printer = message.NewPrinter(language.English)

func issuesFrom(verr *jsonschema.ValidationError, instance any) []Issue {
	var issues []Issue
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			issues = append(issues, Issue{
				Path:     jsonPointer(e.InstanceLocation),
				Expected: keywordLocation(e),
				Value:    valueAt(instance, e.InstanceLocation),
				Message:  e.ErrorKind.LocalizedString(printer),
			})
			return
		}
		for _, cause := range e.Causes {
			walk(cause)
		}
	}
	walk(verr)
	return issues
}

func jsonPointer(location []string) string {
	if len(location) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, token := range location {
		sb.WriteByte('/')
		token = strings.ReplaceAll(token, "~", "~0")
		token = strings.ReplaceAll(token, "/", "~1")
		sb.WriteString(token)
	}
	return sb.String()
}

func keywordLocation(e *jsonschema.ValidationError) string {
	path := e.ErrorKind.KeywordPath()
	if len(path) == 0 {
		return e.SchemaURL
	}
	return e.SchemaURL + "#/" + strings.Join(path, "/")
}

func valueAt(instance any, location []string) any {
	current := instance
	for _, token := range location {
		switch node := current.(type) {
		case map[string]any:
			next, ok := node[token]
			if !ok {
				return nil
			}
			current = next
		case []any:
			idx := 0
			if _, err := fmt.Sscanf(token, "%d", &idx); err != nil {
				return nil
			}
			if idx < 0 || idx >= len(node) {
				return nil
			}
			current = node[idx]
		default:
			return nil
		}
	}
	return current
}
