package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/mdstudio/mdstudio/claims"
)

// Metadata describes a component.
type Metadata struct {
	// Name is the component's role and namespace segment, e.g. "db".
	Name string

	// Description explains what the component does.
	Description string

	// Version is the component version.
	Version string
}

// Handler processes a verified, validated call. The raw request body is the
// payload after envelope unwrapping; the claims are the verified caller
// claims. The returned value is validated against the endpoint's output
// schema and wrapped in a result envelope.
type Handler func(ctx context.Context, request json.RawMessage, c claims.Claims) (any, error)

// RawHandler processes a call without the verification pipeline. Used for
// the auth bootstrap surface (sign, verify, login, authorize hooks).
type RawHandler func(ctx context.Context, data []byte) ([]byte, error)

// Endpoint declares one callable URI. Exactly one of Handler or Raw is set.
type Endpoint struct {
	// URI is the full dotted endpoint URI.
	URI string

	// Input is the request schema: an inline JSON-schema body or a quoted
	// reference string such as "endpoint://mdstudio/db/insert-one/request".
	// Empty skips input validation.
	Input json.RawMessage

	// Output is the response schema, same forms as Input. Empty skips
	// output validation.
	Output json.RawMessage

	// Claims is an extra claim schema validated on top of the platform
	// claim schema.
	Claims json.RawMessage

	// Scope names the OAuth scope guarding the endpoint, when any.
	Scope string

	// Handler serves pipeline-wrapped calls.
	Handler Handler

	// Raw serves calls without the pipeline.
	Raw RawHandler
}

// Registry is the declarative endpoint table a component builds at
// construction time. The kernel consumes it when the component starts.
type Registry struct {
	mu        sync.RWMutex
	endpoints map[string]Endpoint
}

// NewRegistry creates an empty endpoint registry.
func NewRegistry() *Registry {
	return &Registry{endpoints: make(map[string]Endpoint)}
}

// Register adds an endpoint. Duplicate URIs and endpoints without exactly
// one handler are rejected.
func (r *Registry) Register(ep Endpoint) error {
	if ep.URI == "" {
		return fmt.Errorf("endpoint has no URI")
	}
	if (ep.Handler == nil) == (ep.Raw == nil) {
		return fmt.Errorf("endpoint %s needs exactly one of Handler or Raw", ep.URI)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.endpoints[ep.URI]; exists {
		return fmt.Errorf("endpoint %s already registered", ep.URI)
	}
	r.endpoints[ep.URI] = ep
	return nil
}

// MustRegister adds an endpoint and panics on error. For use in component
// constructors where a duplicate is a programming error.
func (r *Registry) MustRegister(ep Endpoint) {
	if err := r.Register(ep); err != nil {
		panic(err)
	}
}

// Endpoints returns all registered endpoints sorted by URI.
func (r *Registry) Endpoints() []Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()

	eps := make([]Endpoint, 0, len(r.endpoints))
	for _, ep := range r.endpoints {
		eps = append(eps, ep)
	}
	sort.Slice(eps, func(i, j int) bool { return eps[i].URI < eps[j].URI })
	return eps
}

// Component is the behaviour a kernel drives. Components are composed into
// a kernel rather than inheriting from it.
type Component interface {
	// Meta returns component metadata. Meta().Name is the component's
	// namespace segment and router role.
	Meta() Metadata

	// Endpoints returns the component's declarative endpoint registry.
	Endpoints() *Registry

	// PreInit runs after the router session is established. The component
	// declares its required peers via Kernel.Require and may keep the
	// kernel for outbound calls.
	PreInit(k *Kernel) error

	// OnInit runs once all required peers are online, before endpoints
	// accept traffic.
	OnInit(ctx context.Context) error

	// OnRun runs after endpoints are registered and the component is
	// announced online. It may block for the component's lifetime.
	OnRun(ctx context.Context) error

	// AuthorizeRequest decides whether verified claims may invoke the URI.
	AuthorizeRequest(uri string, c claims.Claims) bool
}
