package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/errgroup"

	"github.com/mdstudio/mdstudio/claims"
	"github.com/mdstudio/mdstudio/schema"
	"github.com/mdstudio/mdstudio/validation"
)

// State is the kernel lifecycle state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateJoined       State = "joined"
	StateWaitingDeps  State = "waiting_deps"
	StateReady        State = "ready"
	StateRunning      State = "running"
	StateTeardown     State = "teardown"
)

// Config configures a kernel.
type Config struct {
	// CallTimeout bounds outbound calls without their own deadline.
	CallTimeout time.Duration

	// DependencyTimeout bounds the wait for required peer components.
	DependencyTimeout time.Duration

	// SchemaDir is the directory holding the component's schema files,
	// uploaded to the schema service once it is online. Empty skips the
	// upload.
	SchemaDir string

	// Requires lists peer components that must be online before the
	// component initializes. PreInit may add more.
	Requires []string
}

// DefaultConfig returns the default kernel configuration.
func DefaultConfig() Config {
	return Config{
		CallTimeout:       10 * time.Second,
		DependencyTimeout: 30 * time.Second,
	}
}

// Dependencies carries the kernel's collaborators.
type Dependencies struct {
	// Conn is the established router connection, shared across kernels in
	// one process. The kernel never closes it.
	Conn *nats.Conn

	// Logger receives kernel and pipeline logs.
	Logger *slog.Logger

	// Signer signs outbound call claims.
	Signer TokenSigner

	// Verifier verifies inbound claims tokens.
	Verifier TokenVerifier

	// Resolver resolves schema references for payload validation. Nil uses
	// the schema service through the kernel's own calls.
	Resolver validation.Resolver

	// Metrics registers kernel metrics when set.
	Metrics prometheus.Registerer
}

// Kernel drives one component's router session: lifecycle, endpoint
// registration, the inbound verification pipeline and signed outbound calls.
type Kernel struct {
	config    Config
	component Component
	name      string
	conn      *nats.Conn
	logger    *slog.Logger
	signer    TokenSigner
	verifier  TokenVerifier
	validator *validation.Validator

	// Lifecycle
	mu        sync.RWMutex
	state     State
	running   bool
	runCtx    context.Context
	cancel    context.CancelFunc
	startTime time.Time
	subs      []*nats.Subscription

	requiresMu sync.Mutex
	requires   map[string]struct{}

	// Metrics
	requestsServed  atomic.Int64
	requestsFailed  atomic.Int64
	callsMade       atomic.Int64
	schemasUploaded atomic.Bool
	requestCounter  *prometheus.CounterVec
	callCounter     *prometheus.CounterVec
}

// New creates a kernel for the component.
func New(config Config, component Component, deps Dependencies) (*Kernel, error) {
	if component == nil {
		return nil, fmt.Errorf("component required")
	}
	if deps.Conn == nil {
		return nil, fmt.Errorf("router connection required")
	}
	if deps.Signer == nil || deps.Verifier == nil {
		return nil, fmt.Errorf("token signer and verifier required")
	}

	defaults := DefaultConfig()
	if config.CallTimeout == 0 {
		config.CallTimeout = defaults.CallTimeout
	}
	if config.DependencyTimeout == 0 {
		config.DependencyTimeout = defaults.DependencyTimeout
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	k := &Kernel{
		config:    config,
		component: component,
		name:      component.Meta().Name,
		conn:      deps.Conn,
		logger:    logger,
		signer:    deps.Signer,
		verifier:  deps.Verifier,
		state:     StateDisconnected,
		requires:  make(map[string]struct{}),
	}
	for _, peer := range config.Requires {
		k.requires[peer] = struct{}{}
	}

	resolver := deps.Resolver
	if resolver == nil {
		resolver = &remoteResolver{kernel: k}
	}
	k.validator = validation.New(resolver)

	if deps.Metrics != nil {
		k.requestCounter = promauto.With(deps.Metrics).NewCounterVec(prometheus.CounterOpts{
			Namespace:   "mdstudio",
			Subsystem:   "kernel",
			Name:        "requests_total",
			Help:        "Inbound endpoint calls by URI and outcome.",
			ConstLabels: prometheus.Labels{"component": k.name},
		}, []string{"uri", "outcome"})
		k.callCounter = promauto.With(deps.Metrics).NewCounterVec(prometheus.CounterOpts{
			Namespace:   "mdstudio",
			Subsystem:   "kernel",
			Name:        "calls_total",
			Help:        "Outbound calls by URI and outcome.",
			ConstLabels: prometheus.Labels{"component": k.name},
		}, []string{"uri", "outcome"})
	}

	return k, nil
}

// Require declares peer components that must be online before OnInit runs.
// Effective only during PreInit.
func (k *Kernel) Require(components ...string) {
	k.requiresMu.Lock()
	defer k.requiresMu.Unlock()
	for _, peer := range components {
		if peer != "" && peer != k.name {
			k.requires[peer] = struct{}{}
		}
	}
}

// Conn returns the underlying router connection, for components that build
// their own waiters or raw subscriptions.
func (k *Kernel) Conn() *nats.Conn {
	return k.conn
}

// Name returns the component name the kernel serves.
func (k *Kernel) Name() string {
	return k.name
}

// State returns the current lifecycle state.
func (k *Kernel) State() State {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.state
}

// IsRunning reports whether the kernel reached the running state and has not
// been stopped.
func (k *Kernel) IsRunning() bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.running && k.state == StateRunning
}

func (k *Kernel) setState(s State) {
	k.mu.Lock()
	prev := k.state
	k.state = s
	k.mu.Unlock()
	if prev != s {
		k.logger.Debug("Session state changed", "component", k.name, "from", string(prev), "to", string(s))
	}
}

// Start walks the component through connect, dependency wait and
// initialization, registers its endpoints and announces it online. OnRun is
// left running in the background.
func (k *Kernel) Start(ctx context.Context) error {
	k.mu.Lock()
	if k.running {
		k.mu.Unlock()
		return fmt.Errorf("kernel already running")
	}
	k.running = true
	k.startTime = time.Now()
	runCtx, cancel := context.WithCancel(ctx)
	k.runCtx = runCtx
	k.cancel = cancel
	k.state = StateConnecting
	k.mu.Unlock()

	if !k.conn.IsConnected() {
		k.rollbackStart(cancel)
		return fmt.Errorf("router connection not established")
	}
	k.setState(StateJoined)
	k.logger.Info("Component joined router", "component", k.name)

	go k.watchConnection(runCtx)

	if err := k.component.PreInit(k); err != nil {
		k.rollbackStart(cancel)
		return fmt.Errorf("pre-init %s: %w", k.name, err)
	}

	k.setState(StateWaitingDeps)
	if err := k.waitForPeers(runCtx); err != nil {
		k.rollbackStart(cancel)
		return err
	}

	k.setState(StateReady)
	if err := k.component.OnInit(runCtx); err != nil {
		k.rollbackStart(cancel)
		return fmt.Errorf("init %s: %w", k.name, err)
	}

	if err := k.registerEndpoints(runCtx); err != nil {
		k.unsubscribeAll()
		k.rollbackStart(cancel)
		return err
	}

	k.setState(StateRunning)
	k.announceOnline()
	k.uploadSchemasWhenReady(runCtx)

	go func() {
		if err := k.component.OnRun(runCtx); err != nil && runCtx.Err() == nil {
			k.logger.Error("Component run failed", "component", k.name, "error", err)
		}
	}()

	k.logger.Info("Component running",
		"component", k.name,
		"endpoints", len(k.component.Endpoints().Endpoints()),
		"requires", len(k.requires))
	return nil
}

func (k *Kernel) rollbackStart(cancel context.CancelFunc) {
	k.mu.Lock()
	k.running = false
	k.cancel = nil
	k.runCtx = nil
	k.state = StateDisconnected
	k.mu.Unlock()
	cancel()
}

// Stop unregisters the component's endpoints and halts background work. The
// shared router connection stays open.
func (k *Kernel) Stop(_ time.Duration) error {
	k.mu.Lock()
	if !k.running {
		k.mu.Unlock()
		return nil
	}
	if k.cancel != nil {
		k.cancel()
	}
	k.running = false
	k.state = StateDisconnected
	k.mu.Unlock()

	k.unsubscribeAll()

	k.logger.Info("Component stopped",
		"component", k.name,
		"requests_served", k.requestsServed.Load(),
		"requests_failed", k.requestsFailed.Load(),
		"calls_made", k.callsMade.Load())
	return nil
}

func (k *Kernel) unsubscribeAll() {
	k.mu.Lock()
	subs := k.subs
	k.subs = nil
	k.mu.Unlock()

	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			k.logger.Debug("Unsubscribe failed", "error", err)
		}
	}
}

// watchConnection mirrors transport faults into the lifecycle state. The
// client re-establishes subscriptions itself, so recovery only needs a
// fresh online announcement.
func (k *Kernel) watchConnection(ctx context.Context) {
	statusCh := k.conn.StatusChanged(nats.DISCONNECTED, nats.RECONNECTING, nats.CONNECTED, nats.CLOSED)
	for {
		select {
		case <-ctx.Done():
			return
		case status, ok := <-statusCh:
			if !ok {
				return
			}
			switch status {
			case nats.DISCONNECTED, nats.RECONNECTING:
				k.logger.Warn("Router connection lost", "component", k.name, "status", status.String())
				k.setState(StateTeardown)
			case nats.CONNECTED:
				k.mu.RLock()
				running := k.running
				k.mu.RUnlock()
				if running {
					k.logger.Info("Router connection restored", "component", k.name)
					k.setState(StateRunning)
					k.announceOnline()
				}
			case nats.CLOSED:
				k.setState(StateDisconnected)
				return
			}
		}
	}
}

func (k *Kernel) waitForPeers(ctx context.Context) error {
	k.requiresMu.Lock()
	peers := make([]string, 0, len(k.requires))
	for peer := range k.requires {
		peers = append(peers, peer)
	}
	k.requiresMu.Unlock()

	if len(peers) == 0 {
		return nil
	}

	waitCtx, cancel := context.WithTimeout(ctx, k.config.DependencyTimeout)
	defer cancel()

	group, groupCtx := errgroup.WithContext(waitCtx)
	for _, peer := range peers {
		group.Go(func() error {
			return NewServiceWaiter(k.conn, peer, k.logger).Wait(groupCtx)
		})
	}
	if err := group.Wait(); err != nil {
		return fmt.Errorf("dependencies for %s: %w", k.name, err)
	}
	return nil
}

func (k *Kernel) registerEndpoints(ctx context.Context) error {
	endpoints := k.component.Endpoints().Endpoints()

	for _, ep := range endpoints {
		if err := k.subscribeEndpoint(ctx, ep); err != nil {
			return fmt.Errorf("register %s: %w", ep.URI, err)
		}
	}

	// Liveness probe endpoint, served outside the pipeline.
	status := Endpoint{URI: StatusURI(k.name), Raw: k.statusHandler}
	if err := k.subscribeEndpoint(ctx, status); err != nil {
		return fmt.Errorf("register %s: %w", status.URI, err)
	}
	return nil
}

func (k *Kernel) subscribeEndpoint(ctx context.Context, ep Endpoint) error {
	sub, err := k.conn.QueueSubscribe(ep.URI, k.name, func(msg *nats.Msg) {
		// Handlers may block on downstream calls; never stall the
		// subscription dispatcher.
		go k.serve(ctx, ep, msg)
	})
	if err != nil {
		return err
	}

	k.mu.Lock()
	k.subs = append(k.subs, sub)
	k.mu.Unlock()
	return nil
}

func (k *Kernel) statusHandler(_ context.Context, _ []byte) ([]byte, error) {
	k.mu.RLock()
	reply := StatusReply{Running: k.running, State: string(k.state)}
	k.mu.RUnlock()
	return json.Marshal(reply)
}

func (k *Kernel) announceOnline() {
	event := OnlineEvent{Component: k.name, Time: time.Now().UTC().Format(time.RFC3339)}
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	if err := k.conn.Publish(EventsOnlineURI(k.name), data); err != nil {
		k.logger.Warn("Online announcement failed", "component", k.name, "error", err)
		return
	}
	k.logger.Debug("Announced online", "component", k.name)
}

// uploadSchemasWhenReady pushes the component's schema directory to the
// schema service as soon as it is online. Upserts are idempotent, so a
// repeat after reconnect is harmless.
func (k *Kernel) uploadSchemasWhenReady(ctx context.Context) {
	if k.config.SchemaDir == "" {
		return
	}

	set, err := schema.ScanDir(k.config.SchemaDir)
	if err != nil {
		k.logger.Error("Schema directory scan failed", "component", k.name, "dir", k.config.SchemaDir, "error", err)
		return
	}
	if set.Empty() {
		return
	}

	go func() {
		waiter := NewServiceWaiter(k.conn, "schema", k.logger)
		err := waiter.RunWhenOnline(ctx, func(ctx context.Context) error {
			request := map[string]any{
				"component": k.name,
				"schemas":   set,
			}
			return k.Call(ctx, EndpointURI("schema", "upload"), request, nil)
		})
		if err != nil {
			if ctx.Err() == nil {
				k.logger.Error("Schema upload failed", "component", k.name, "error", err)
			}
			return
		}
		k.schemasUploaded.Store(true)
		k.logger.Info("Schemas uploaded",
			"component", k.name,
			"endpoints", len(set.Endpoints),
			"resources", len(set.Resources),
			"claims", len(set.Claims))
	}()
}

// SchemasUploaded reports whether the schema directory upload completed.
func (k *Kernel) SchemasUploaded() bool {
	return k.schemasUploaded.Load()
}

// Call invokes a peer endpoint with signed claims and decodes the result
// into out (skipped when nil). Extra claims merge over the base call claims;
// an expired-token response is retried once with a fresh token.
func (k *Kernel) Call(ctx context.Context, uri string, request any, out any, extra ...claims.Claims) error {
	payload, err := json.Marshal(request)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	base := claims.Claims{"uri": uri, "action": "call"}
	for _, c := range extra {
		for key, value := range c {
			base[key] = value
		}
	}

	k.callsMade.Add(1)

	env, err := k.request(ctx, uri, payload, base)
	if err != nil {
		k.countCall(uri, "transport_error")
		return err
	}
	if env.IsExpired() {
		k.logger.Debug("Call token expired, retrying with fresh token", "uri", uri)
		env, err = k.request(ctx, uri, payload, base)
		if err != nil {
			k.countCall(uri, "transport_error")
			return err
		}
	}

	warning, err := env.Decode(out)
	if warning != "" {
		k.logger.Warn("Call returned warning", "uri", uri, "warning", warning)
	}
	if err != nil {
		k.countCall(uri, "error")
		return fmt.Errorf("call %s: %w", uri, err)
	}
	k.countCall(uri, "ok")
	return nil
}

func (k *Kernel) request(ctx context.Context, uri string, payload []byte, c claims.Claims) (Envelope, error) {
	token, err := k.signer.Sign(ctx, c)
	if err != nil {
		return Envelope{}, fmt.Errorf("sign claims for %s: %w", uri, err)
	}

	wire, err := json.Marshal(Request{Request: payload, Claims: token})
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal envelope: %w", err)
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, k.config.CallTimeout)
		defer cancel()
	}

	msg, err := k.conn.RequestWithContext(ctx, uri, wire)
	if err != nil {
		return Envelope{}, &APIError{Kind: KindTransportError, Message: fmt.Sprintf("call %s: %v", uri, err)}
	}

	var env Envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		return Envelope{}, &APIError{Kind: KindTransportError, Message: fmt.Sprintf("malformed reply from %s: %v", uri, err)}
	}
	return env, nil
}

func (k *Kernel) countCall(uri, outcome string) {
	if k.callCounter != nil {
		k.callCounter.WithLabelValues(uri, outcome).Inc()
	}
}

// Publish emits a signed event on the URI.
func (k *Kernel) Publish(ctx context.Context, uri string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	token, err := k.signer.Sign(ctx, claims.Claims{"uri": uri, "action": "publish"})
	if err != nil {
		return fmt.Errorf("sign event claims: %w", err)
	}

	wire, err := json.Marshal(Request{Request: data, Claims: token})
	if err != nil {
		return fmt.Errorf("marshal event envelope: %w", err)
	}
	return k.conn.Publish(uri, wire)
}

// Subscribe delivers events published on the URI. Payloads arrive unwrapped;
// events from outside the platform envelope are passed through as-is.
func (k *Kernel) Subscribe(uri string, handler func(ctx context.Context, payload json.RawMessage)) error {
	k.mu.RLock()
	ctx := k.runCtx
	k.mu.RUnlock()
	if ctx == nil {
		return fmt.Errorf("kernel not started")
	}

	sub, err := k.conn.Subscribe(uri, func(msg *nats.Msg) {
		payload := json.RawMessage(msg.Data)
		var wire Request
		if err := json.Unmarshal(msg.Data, &wire); err == nil && wire.Request != nil {
			payload = wire.Request
		}
		go handler(ctx, payload)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", uri, err)
	}

	k.mu.Lock()
	k.subs = append(k.subs, sub)
	k.mu.Unlock()
	return nil
}

// serve answers one inbound message on an endpoint.
func (k *Kernel) serve(ctx context.Context, ep Endpoint, msg *nats.Msg) {
	k.requestsServed.Add(1)

	if ep.Raw != nil {
		k.serveRaw(ctx, ep, msg)
		return
	}

	env := k.pipeline(ctx, ep, msg.Data)
	outcome := "ok"
	if env.Error != nil {
		outcome = string(env.Error.Kind)
		k.requestsFailed.Add(1)
	} else if env.IsExpired() {
		outcome = string(KindExpired)
		k.requestsFailed.Add(1)
	}
	if k.requestCounter != nil {
		k.requestCounter.WithLabelValues(ep.URI, outcome).Inc()
	}

	k.respond(ep.URI, msg, env)
}

func (k *Kernel) serveRaw(ctx context.Context, ep Endpoint, msg *nats.Msg) {
	data, err := k.invokeRaw(ctx, ep, msg.Data)
	if err != nil {
		k.requestsFailed.Add(1)
		data, _ = json.Marshal(map[string]string{"error": err.Error()})
	}
	if msg.Reply == "" {
		return
	}
	if err := msg.Respond(data); err != nil {
		k.logger.Warn("Reply failed", "uri", ep.URI, "error", err)
	}
}

func (k *Kernel) invokeRaw(ctx context.Context, ep Endpoint, data []byte) (out []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			k.logger.Error("Raw handler panic", "uri", ep.URI, "panic", r)
			err = fmt.Errorf("internal error")
		}
	}()
	return ep.Raw(ctx, data)
}

func (k *Kernel) respond(uri string, msg *nats.Msg, env Envelope) {
	if err := env.Check(); err != nil {
		k.logger.Error("Malformed response envelope", "uri", uri, "error", err)
		env = ErrorEnvelope(KindHandlerError, "internal error")
	}
	data, err := json.Marshal(env)
	if err != nil {
		k.logger.Error("Envelope marshal failed", "uri", uri, "error", err)
		return
	}
	if msg.Reply == "" {
		return
	}
	if err := msg.Respond(data); err != nil {
		k.logger.Warn("Reply failed", "uri", uri, "error", err)
	}
}

/// pipeline runs the per-call verification sequence: token verify, claim
// validation, authorization, input validation, handler, output validation.
func (k *Kernel) pipeline(ctx context.Context, ep Endpoint, data []byte) Envelope {
	var wire Request
	if err := json.Unmarshal(data, &wire); err != nil {
		return ErrorEnvelope(KindInvalidInput, "malformed request envelope")
	}
	if wire.Claims == "" {
		return ErrorEnvelope(KindUnauthenticated, "no claims token presented")
	}

	c, err := k.verifier.Verify(ctx, wire.Claims)
	if err != nil {
		if errors.Is(err, claims.ErrTokenExpired) {
			return ExpiredEnvelope()
		}
		return ErrorEnvelope(KindUnauthenticated, "could not verify user")
	}

	if err := k.validator.ValidateClaims(ctx, c, ep.Claims); err != nil {
		return validationEnvelope(err, KindInvalidClaims, "claims validation failed")
	}

	if !k.component.AuthorizeRequest(ep.URI, c) {
		k.logger.Warn("Request not authorized", "uri", ep.URI, "username", c.Username())
		return ErrorEnvelope(KindUnauthorized, fmt.Sprintf("%s is not authorized for %s", c.Username(), ep.URI))
	}

	value, err := decodeValue(wire.Request)
	if err != nil {
		return ErrorEnvelope(KindInvalidInput, "request body is not valid JSON")
	}
	if len(ep.Input) > 0 {
		if err := k.validateAgainst(ctx, ep.Input, value); err != nil {
			return validationEnvelope(err, KindInvalidInput, "input validation failed")
		}
	}

	result, err := k.invoke(ctx, ep, wire.Request, c)
	if err != nil {
		k.logger.Error("Handler failed", "uri", ep.URI, "error", err)
		return handlerErrorEnvelope(err)
	}

	env, err := ResultEnvelope(result)
	if err != nil {
		k.logger.Error("Result marshal failed", "uri", ep.URI, "error", err)
		return ErrorEnvelope(KindHandlerError, "result not serializable")
	}

	// Output validation failures never discard computed work.
	if len(ep.Output) > 0 && result != nil {
		outValue, err := decodeValue(env.Result)
		if err == nil {
			if err := k.validateAgainst(ctx, ep.Output, outValue); err != nil {
				k.logger.Warn("Output validation failed", "uri", ep.URI, "error", err)
				env.Warning = fmt.Sprintf("%s: %v", KindInvalidOutput, err)
			}
		}
	}
	return env
}

func (k *Kernel) invoke(ctx context.Context, ep Endpoint, request json.RawMessage, c claims.Claims) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			k.logger.Error("Handler panic", "uri", ep.URI, "panic", r)
			err = fmt.Errorf("internal error in handler")
		}
	}()
	return ep.Handler(ctx, request, c)
}

// validateAgainst accepts either an inline schema body or a quoted
// reference string.
func (k *Kernel) validateAgainst(ctx context.Context, spec json.RawMessage, value any) error {
	trimmed := bytes.TrimSpace(spec)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var ref string
		if err := json.Unmarshal(trimmed, &ref); err != nil {
			return fmt.Errorf("malformed schema reference: %w", err)
		}
		return k.validator.ValidateRef(ctx, ref, value)
	}
	return k.validator.ValidateBody(ctx, spec, value)
}

// handlerErrorEnvelope maps a handler failure onto an error kind.
// Structured APIErrors keep their kind, missing schemas surface as
// schema_not_found so resolvers can react, anything else is a plain
// handler error.
func handlerErrorEnvelope(err error) Envelope {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return Envelope{Error: apiErr}
	}
	if errors.Is(err, schema.ErrNotFound) {
		return ErrorEnvelope(KindSchemaNotFound, err.Error())
	}
	return ErrorEnvelope(KindHandlerError, err.Error())
}

func validationEnvelope(err error, kind ErrorKind, message string) Envelope {
	var verr *validation.Error
	if errors.As(err, &verr) {
		return ErrorEnvelope(kind, fmt.Sprintf("%s: %v", message, verr), verr.Issues...)
	}
	if errors.Is(err, schema.ErrNotFound) {
		return ErrorEnvelope(KindSchemaNotFound, err.Error())
	}
	return ErrorEnvelope(kind, fmt.Sprintf("%s: %v", message, err))
}

func decodeValue(raw json.RawMessage) (any, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, err
	}
	return value, nil
}

// getSchemaRequest is the wire request of the schema get endpoint.
type getSchemaRequest struct {
	Vendor    string `json:"vendor,omitempty"`
	Component string `json:"component"`
	Type      string `json:"type"`
	Name      string `json:"name"`
	Version   int    `json:"version,omitempty"`
}

// remoteResolver resolves schema references through the schema service.
type remoteResolver struct {
	kernel *Kernel
}

// Resolve implements validation.Resolver.
func (r *remoteResolver) Resolve(ctx context.Context, ref schema.Ref) (json.RawMessage, error) {
	request := getSchemaRequest{
		Vendor:    ref.Vendor,
		Component: ref.Component,
		Type:      string(ref.Type),
		Name:      ref.Name,
		Version:   ref.Version,
	}

	var body json.RawMessage
	if err := r.kernel.Call(ctx, EndpointURI("schema", "get"), request, &body); err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Kind == KindSchemaNotFound {
			return nil, fmt.Errorf("%w: %s", schema.ErrNotFound, ref)
		}
		return nil, err
	}
	return body, nil
}
