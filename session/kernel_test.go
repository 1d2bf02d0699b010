package session

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mdstudio/mdstudio/claims"
	"github.com/mdstudio/mdstudio/schema"
)

func startRouter(t *testing.T) *nats.Conn {
	t.Helper()

	opts := &server.Options{
		Port:   -1,
		NoLog:  true,
		NoSigs: true,
	}
	ns, err := server.NewServer(opts)
	require.NoError(t, err)

	go ns.Start()
	require.True(t, ns.ReadyForConnections(5*time.Second), "embedded router failed to start")
	t.Cleanup(func() {
		ns.Shutdown()
		ns.WaitForShutdown()
	})

	conn, err := nats.Connect(ns.ClientURL())
	require.NoError(t, err)
	t.Cleanup(conn.Close)
	return conn
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type stubComponent struct {
	name      string
	registry  *Registry
	authorize func(uri string, c claims.Claims) bool
	preInit   func(k *Kernel) error
	onRun     func(ctx context.Context) error
}

func (c *stubComponent) Meta() Metadata {
	return Metadata{Name: c.name, Description: "test component", Version: "0.1.0"}
}

func (c *stubComponent) Endpoints() *Registry { return c.registry }

func (c *stubComponent) PreInit(k *Kernel) error {
	if c.preInit != nil {
		return c.preInit(k)
	}
	return nil
}

func (c *stubComponent) OnInit(_ context.Context) error { return nil }

func (c *stubComponent) OnRun(ctx context.Context) error {
	if c.onRun != nil {
		return c.onRun(ctx)
	}
	return nil
}

func (c *stubComponent) AuthorizeRequest(uri string, cl claims.Claims) bool {
	if c.authorize != nil {
		return c.authorize(uri, cl)
	}
	return true
}

type denyResolver struct{}

func (denyResolver) Resolve(_ context.Context, ref schema.Ref) (json.RawMessage, error) {
	return nil, schema.ErrNotFound
}

// startKernel wires a component onto the router with a locally signed token
// pair and returns the kernel and the shared signer.
func startKernel(t *testing.T, conn *nats.Conn, comp *stubComponent, cfg Config) (*Kernel, *claims.Signer) {
	t.Helper()

	signer := claims.NewSigner(claims.GenerateSecret())
	tokens := &LocalTokens{Signer: signer, Role: comp.name}

	k, err := New(cfg, comp, Dependencies{
		Conn:     conn,
		Logger:   quietLogger(),
		Signer:   tokens,
		Verifier: tokens,
		Resolver: denyResolver{},
	})
	require.NoError(t, err)

	require.NoError(t, k.Start(context.Background()))
	t.Cleanup(func() { _ = k.Stop(time.Second) })
	require.NoError(t, conn.Flush())
	return k, signer
}

func signedWire(t *testing.T, signer *claims.Signer, role, uri, payload string) []byte {
	t.Helper()

	token, err := signer.Sign(claims.Claims{"uri": uri, "action": "call"}, role)
	require.NoError(t, err)

	wire, err := json.Marshal(Request{Request: json.RawMessage(payload), Claims: token})
	require.NoError(t, err)
	return wire
}

func callEnvelope(t *testing.T, conn *nats.Conn, uri string, wire []byte) Envelope {
	t.Helper()

	msg, err := conn.Request(uri, wire, 3*time.Second)
	require.NoError(t, err)

	var env Envelope
	require.NoError(t, json.Unmarshal(msg.Data, &env))
	require.NoError(t, env.Check())
	return env
}

func TestKernelServesValidatedEndpoint(t *testing.T) {
	conn := startRouter(t)
	uri := EndpointURI("db", "echo")

	registry := NewRegistry()
	registry.MustRegister(Endpoint{
		URI:   uri,
		Input: json.RawMessage(`{"type": "object", "required": ["x"]}`),
		Handler: func(_ context.Context, request json.RawMessage, _ claims.Claims) (any, error) {
			var in map[string]any
			if err := json.Unmarshal(request, &in); err != nil {
				return nil, err
			}
			return map[string]any{"echo": in["x"]}, nil
		},
	})

	comp := &stubComponent{name: "db", registry: registry}
	_, signer := startKernel(t, conn, comp, Config{})

	env := callEnvelope(t, conn, uri, signedWire(t, signer, "db", uri, `{"x": 41}`))
	require.Nil(t, env.Error)

	var out map[string]any
	require.NoError(t, json.Unmarshal(env.Result, &out))
	assert.Equal(t, float64(41), out["echo"])
}

func TestPipelineRejectsMissingToken(t *testing.T) {
	conn := startRouter(t)
	uri := EndpointURI("db", "echo")

	registry := NewRegistry()
	registry.MustRegister(Endpoint{
		URI:     uri,
		Handler: func(_ context.Context, _ json.RawMessage, _ claims.Claims) (any, error) { return "ok", nil },
	})
	_, _ = startKernel(t, conn, &stubComponent{name: "db", registry: registry}, Config{})

	wire, err := json.Marshal(Request{Request: json.RawMessage(`{}`)})
	require.NoError(t, err)

	env := callEnvelope(t, conn, uri, wire)
	require.NotNil(t, env.Error)
	assert.Equal(t, KindUnauthenticated, env.Error.Kind)
}

func TestPipelineRejectsForeignToken(t *testing.T) {
	conn := startRouter(t)
	uri := EndpointURI("db", "echo")

	registry := NewRegistry()
	registry.MustRegister(Endpoint{
		URI:     uri,
		Handler: func(_ context.Context, _ json.RawMessage, _ claims.Claims) (any, error) { return "ok", nil },
	})
	_, _ = startKernel(t, conn, &stubComponent{name: "db", registry: registry}, Config{})

	foreign := claims.NewSigner(claims.GenerateSecret())
	env := callEnvelope(t, conn, uri, signedWire(t, foreign, "db", uri, `{}`))
	require.NotNil(t, env.Error)
	assert.Equal(t, KindUnauthenticated, env.Error.Kind)
	assert.Equal(t, "could not verify user", env.Error.Message)
}

func TestPipelineExpiredTokenEnvelope(t *testing.T) {
	conn := startRouter(t)
	uri := EndpointURI("db", "echo")

	registry := NewRegistry()
	registry.MustRegister(Endpoint{
		URI:     uri,
		Handler: func(_ context.Context, _ json.RawMessage, _ claims.Claims) (any, error) { return "ok", nil },
	})
	_, signer := startKernel(t, conn, &stubComponent{name: "db", registry: registry}, Config{})

	// Sign with a clock far enough back that the token is already expired.
	past := claims.NewSigner(signer.Secret())
	past.Now = func() time.Time { return time.Now().Add(-10 * time.Minute) }

	env := callEnvelope(t, conn, uri, signedWire(t, past, "db", uri, `{}`))
	assert.True(t, env.IsExpired())
	assert.Equal(t, "Request token has expired", env.Expired)
}

func TestPipelineInputValidationSkipsHandler(t *testing.T) {
	conn := startRouter(t)
	uri := EndpointURI("db", "insert_one")

	var handlerRan atomic.Bool
	registry := NewRegistry()
	registry.MustRegister(Endpoint{
		URI:   uri,
		Input: json.RawMessage(`{"type": "object", "required": ["x"]}`),
		Handler: func(_ context.Context, _ json.RawMessage, _ claims.Claims) (any, error) {
			handlerRan.Store(true)
			return "ok", nil
		},
	})
	_, signer := startKernel(t, conn, &stubComponent{name: "db", registry: registry}, Config{})

	env := callEnvelope(t, conn, uri, signedWire(t, signer, "db", uri, `{"y": 1}`))
	require.NotNil(t, env.Error)
	assert.Equal(t, KindInvalidInput, env.Error.Kind)
	require.NotEmpty(t, env.Error.Issues)
	assert.Contains(t, env.Error.Issues[0].Expected, "required")
	assert.False(t, handlerRan.Load(), "handler must not run on invalid input")
}

func TestPipelineUnauthorized(t *testing.T) {
	conn := startRouter(t)
	uri := EndpointURI("db", "echo")

	registry := NewRegistry()
	registry.MustRegister(Endpoint{
		URI:     uri,
		Handler: func(_ context.Context, _ json.RawMessage, _ claims.Claims) (any, error) { return "ok", nil },
	})
	comp := &stubComponent{
		name:      "db",
		registry:  registry,
		authorize: func(string, claims.Claims) bool { return false },
	}
	_, signer := startKernel(t, conn, comp, Config{})

	env := callEnvelope(t, conn, uri, signedWire(t, signer, "db", uri, `{}`))
	require.NotNil(t, env.Error)
	assert.Equal(t, KindUnauthorized, env.Error.Kind)
}

func TestPipelineHandlerErrorEnvelope(t *testing.T) {
	conn := startRouter(t)
	uri := EndpointURI("db", "explode")

	registry := NewRegistry()
	registry.MustRegister(Endpoint{
		URI: uri,
		Handler: func(_ context.Context, _ json.RawMessage, _ claims.Claims) (any, error) {
			panic("boom")
		},
	})
	_, signer := startKernel(t, conn, &stubComponent{name: "db", registry: registry}, Config{})

	env := callEnvelope(t, conn, uri, signedWire(t, signer, "db", uri, `{}`))
	require.NotNil(t, env.Error)
	assert.Equal(t, KindHandlerError, env.Error.Kind)
	assert.NotContains(t, env.Error.Message, "boom", "panic details stay inside the process")
}

func TestOutputValidationFailureBecomesWarning(t *testing.T) {
	conn := startRouter(t)
	uri := EndpointURI("db", "count")

	registry := NewRegistry()
	registry.MustRegister(Endpoint{
		URI:    uri,
		Output: json.RawMessage(`{"type": "object", "properties": {"total": {"type": "integer"}}, "required": ["total"]}`),
		Handler: func(_ context.Context, _ json.RawMessage, _ claims.Claims) (any, error) {
			return map[string]any{"total": "many"}, nil
		},
	})
	_, signer := startKernel(t, conn, &stubComponent{name: "db", registry: registry}, Config{})

	env := callEnvelope(t, conn, uri, signedWire(t, signer, "db", uri, `{}`))
	require.Nil(t, env.Error)
	require.NotNil(t, env.Result)
	assert.Contains(t, env.Warning, "invalid_output")
}

func TestKernelCallRoundTrip(t *testing.T) {
	conn := startRouter(t)
	uri := EndpointURI("db", "echo")

	registry := NewRegistry()
	registry.MustRegister(Endpoint{
		URI: uri,
		Handler: func(_ context.Context, request json.RawMessage, c claims.Claims) (any, error) {
			return map[string]any{"caller": c.Username()}, nil
		},
	})
	k, _ := startKernel(t, conn, &stubComponent{name: "db", registry: registry}, Config{})

	var out struct {
		Caller string `json:"caller"`
	}
	require.NoError(t, k.Call(context.Background(), uri, map[string]any{}, &out))
	assert.Equal(t, "db", out.Caller)
}

func TestKernelCallSurfacesAPIError(t *testing.T) {
	conn := startRouter(t)
	uri := EndpointURI("db", "guarded")

	registry := NewRegistry()
	registry.MustRegister(Endpoint{
		URI:     uri,
		Handler: func(_ context.Context, _ json.RawMessage, _ claims.Claims) (any, error) { return "ok", nil },
	})
	comp := &stubComponent{
		name:      "db",
		registry:  registry,
		authorize: func(string, claims.Claims) bool { return false },
	}
	k, _ := startKernel(t, conn, comp, Config{})

	err := k.Call(context.Background(), uri, nil, nil)
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, KindUnauthorized, apiErr.Kind)
}

// flipSigner produces an expired token on the first sign and valid tokens
// afterwards.
type flipSigner struct {
	past  *claims.Signer
	now   *claims.Signer
	role  string
	calls atomic.Int64
}

func (s *flipSigner) Sign(_ context.Context, c claims.Claims) (string, error) {
	if s.calls.Add(1) == 1 {
		return s.past.Sign(c, s.role)
	}
	return s.now.Sign(c, s.role)
}

func TestKernelCallRetriesOnceOnExpired(t *testing.T) {
	conn := startRouter(t)
	uri := EndpointURI("db", "echo")

	var served atomic.Int64
	registry := NewRegistry()
	registry.MustRegister(Endpoint{
		URI: uri,
		Handler: func(_ context.Context, _ json.RawMessage, _ claims.Claims) (any, error) {
			served.Add(1)
			return "ok", nil
		},
	})

	secret := claims.GenerateSecret()
	verifySigner := claims.NewSigner(secret)
	pastSigner := claims.NewSigner(secret)
	pastSigner.Now = func() time.Time { return time.Now().Add(-10 * time.Minute) }

	flip := &flipSigner{past: pastSigner, now: claims.NewSigner(secret), role: "db"}

	comp := &stubComponent{name: "db", registry: registry}
	k, err := New(Config{}, comp, Dependencies{
		Conn:     conn,
		Logger:   quietLogger(),
		Signer:   flip,
		Verifier: &LocalTokens{Signer: verifySigner},
		Resolver: denyResolver{},
	})
	require.NoError(t, err)
	require.NoError(t, k.Start(context.Background()))
	t.Cleanup(func() { _ = k.Stop(time.Second) })
	require.NoError(t, conn.Flush())

	var out string
	require.NoError(t, k.Call(context.Background(), uri, nil, &out))
	assert.Equal(t, "ok", out)
	assert.Equal(t, int64(2), flip.calls.Load(), "expired first attempt then fresh retry")
	assert.Equal(t, int64(1), served.Load())
}

func TestKernelAnnouncesOnlineAndServesStatus(t *testing.T) {
	conn := startRouter(t)

	events := make(chan *nats.Msg, 1)
	sub, err := conn.ChanSubscribe(EventsOnlineURI("db"), events)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Unsubscribe() })
	require.NoError(t, conn.Flush())

	registry := NewRegistry()
	_, _ = startKernel(t, conn, &stubComponent{name: "db", registry: registry}, Config{})

	select {
	case msg := <-events:
		var event OnlineEvent
		require.NoError(t, json.Unmarshal(msg.Data, &event))
		assert.Equal(t, "db", event.Component)
	case <-time.After(3 * time.Second):
		t.Fatal("no online announcement received")
	}

	msg, err := conn.Request(StatusURI("db"), nil, 2*time.Second)
	require.NoError(t, err)

	var status StatusReply
	require.NoError(t, json.Unmarshal(msg.Data, &status))
	assert.True(t, status.Running)
	assert.Equal(t, string(StateRunning), status.State)
}

func TestKernelWaitsForRequiredPeer(t *testing.T) {
	conn := startRouter(t)

	// A fake peer that answers status probes before the kernel starts.
	peerSub, err := conn.Subscribe(StatusURI("schema"), func(msg *nats.Msg) {
		_ = msg.Respond([]byte(`{"running": true, "state": "running"}`))
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = peerSub.Unsubscribe() })
	require.NoError(t, conn.Flush())

	registry := NewRegistry()
	comp := &stubComponent{
		name:     "db",
		registry: registry,
		preInit:  func(k *Kernel) error { k.Require("schema"); return nil },
	}
	k, _ := startKernel(t, conn, comp, Config{DependencyTimeout: 5 * time.Second})
	assert.True(t, k.IsRunning())
}

func TestServiceWaiterSeesAnnouncement(t *testing.T) {
	conn := startRouter(t)

	waiter := NewServiceWaiter(conn, "db", quietLogger())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- waiter.Wait(ctx) }()

	// Publish announcements until the waiter observes one.
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case err := <-done:
			require.NoError(t, err)
			return
		case <-ticker.C:
			data, _ := json.Marshal(OnlineEvent{Component: "db", Time: time.Now().UTC().Format(time.RFC3339)})
			require.NoError(t, conn.Publish(EventsOnlineURI("db"), data))
		case <-ctx.Done():
			t.Fatal("waiter did not observe announcement")
		}
	}
}

func TestKernelStopUnregistersEndpoints(t *testing.T) {
	conn := startRouter(t)
	uri := EndpointURI("db", "echo")

	registry := NewRegistry()
	registry.MustRegister(Endpoint{
		URI:     uri,
		Handler: func(_ context.Context, _ json.RawMessage, _ claims.Claims) (any, error) { return "ok", nil },
	})
	k, _ := startKernel(t, conn, &stubComponent{name: "db", registry: registry}, Config{})

	require.True(t, k.IsRunning())
	require.NoError(t, k.Stop(time.Second))
	require.NoError(t, conn.Flush())

	assert.False(t, k.IsRunning())
	assert.Equal(t, StateDisconnected, k.State())

	_, err := conn.Request(uri, []byte(`{}`), 500*time.Millisecond)
	assert.Error(t, err, "endpoint must not answer after stop")
}
