package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/mdstudio/mdstudio/claims"
	"github.com/mdstudio/mdstudio/config"
	"github.com/mdstudio/mdstudio/schema"
	"github.com/mdstudio/mdstudio/service/authservice"
	"github.com/mdstudio/mdstudio/service/dbservice"
	"github.com/mdstudio/mdstudio/service/logservice"
	"github.com/mdstudio/mdstudio/service/schemaservice"
	"github.com/mdstudio/mdstudio/session"
)

// tokenPair signs and verifies claims tokens for one kernel.
type tokenPair interface {
	session.TokenSigner
	session.TokenVerifier
}

// App wires the platform components onto one router connection.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	embeddedServer *server.Server
	conn           *nats.Conn

	signer  *claims.Signer
	metrics *prometheus.Registry

	mu      sync.Mutex
	kernels map[string]*session.Kernel
	order   []string

	watchers    []*schema.Watcher
	watchCancel context.CancelFunc
}

// NewApp creates a new application instance.
func NewApp(cfg *config.Config, logger *slog.Logger) *App {
	if logger == nil {
		logger = slog.Default()
	}
	return &App{
		cfg:     cfg,
		logger:  logger,
		metrics: prometheus.NewRegistry(),
		kernels: make(map[string]*session.Kernel),
	}
}

// Start brings up the router connection and all platform components. The
// auth component boots first; db, schema and logger come up concurrently,
// ordering themselves through their declared dependencies.
func (a *App) Start(ctx context.Context) error {
	if err := a.startNATS(); err != nil {
		return fmt.Errorf("start NATS: %w", err)
	}

	secret := claims.GenerateSecret()
	if a.cfg.Auth.Secret != "" {
		secret = []byte(a.cfg.Auth.Secret)
	}
	a.signer = claims.NewSigner(secret)

	if err := a.startComponents(ctx); err != nil {
		a.Shutdown(5 * time.Second)
		return err
	}

	if a.cfg.Schema.Watch && a.cfg.Schema.Dir != "" {
		a.startSchemaWatchers(ctx)
	}
	return nil
}

// RouterURL returns the URL components connect to.
func (a *App) RouterURL() string {
	if a.embeddedServer != nil {
		return a.embeddedServer.ClientURL()
	}
	return a.cfg.NATS.URL
}

// Conn returns the shared router connection.
func (a *App) Conn() *nats.Conn {
	return a.conn
}

// Kernel returns a running component kernel by name.
func (a *App) Kernel(name string) *session.Kernel {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.kernels[name]
}

func (a *App) startNATS() error {
	if a.cfg.NATS.URL != "" && !a.cfg.NATS.Embedded {
		a.logger.Info("Connecting to NATS router", "url", a.cfg.NATS.URL)
		var opts []nats.Option
		if a.cfg.NATS.Username != "" {
			opts = append(opts, nats.UserInfo(a.cfg.NATS.Username, a.cfg.NATS.Password))
		}
		conn, err := nats.Connect(a.cfg.NATS.URL, opts...)
		if err != nil {
			return fmt.Errorf("connect to NATS: %w", err)
		}
		a.conn = conn
		return nil
	}

	// Start embedded NATS server
	a.logger.Info("Starting embedded NATS router")
	opts := &server.Options{
		Port:   -1, // Random available port
		NoLog:  true,
		NoSigs: true,
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return fmt.Errorf("create embedded NATS server: %w", err)
	}

	go ns.Start()

	// Wait for server to be ready
	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		return fmt.Errorf("embedded NATS server failed to start")
	}

	a.embeddedServer = ns

	conn, err := nats.Connect(ns.ClientURL())
	if err != nil {
		ns.Shutdown()
		return fmt.Errorf("connect to embedded NATS: %w", err)
	}
	a.conn = conn
	return nil
}

func (a *App) startComponents(ctx context.Context) error {
	authComponent := authservice.New(authservice.Config{
		OnlyLocalhostAccess: a.cfg.Auth.OnlyLocalhostAccess,
		DomainBlacklist:     a.cfg.Auth.DomainBlacklist,
		UnsafeProperties:    a.cfg.Auth.UnsafeProperties,
	}, a.signer, a.logger, a.metrics)

	// The auth component must serve sign and verify before anyone else can
	// authenticate, so it boots alone.
	if err := a.startKernel(ctx, authComponent, &session.LocalTokens{
		Signer: a.signer,
		Role:   "auth",
	}); err != nil {
		return err
	}

	rest := []session.Component{
		dbservice.New(dbservice.NewStore(), a.logger),
		schemaservice.New(nil, a.logger),
		logservice.New(nil, a.logger),
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, comp := range rest {
		g.Go(func() error {
			return a.startKernel(gctx, comp, &session.RemoteTokens{
				Conn:    a.conn,
				Role:    comp.Meta().Name,
				Timeout: a.cfg.Session.CallTimeout,
			})
		})
	}
	return g.Wait()
}

func (a *App) startKernel(ctx context.Context, comp session.Component, tokens tokenPair) error {
	name := comp.Meta().Name
	kcfg := session.Config{
		CallTimeout:       a.cfg.Session.CallTimeout,
		DependencyTimeout: a.cfg.Session.DependencyTimeout,
	}
	if a.cfg.Schema.Dir != "" {
		kcfg.SchemaDir = filepath.Join(a.cfg.Schema.Dir, name)
	}

	k, err := session.New(kcfg, comp, session.Dependencies{
		Conn:     a.conn,
		Logger:   a.logger,
		Signer:   tokens,
		Verifier: tokens,
		Metrics:  a.metrics,
	})
	if err != nil {
		return fmt.Errorf("create %s kernel: %w", name, err)
	}
	if err := k.Start(ctx); err != nil {
		return fmt.Errorf("start %s: %w", name, err)
	}

	a.mu.Lock()
	a.kernels[name] = k
	a.order = append(a.order, name)
	a.mu.Unlock()
	return nil
}

// startSchemaWatchers re-uploads a component's schemas when its files
// change on disk. Each managed component with a schema directory gets its
// own watcher.
func (a *App) startSchemaWatchers(ctx context.Context) {
	watchCtx, cancel := context.WithCancel(ctx)
	a.watchCancel = cancel

	a.mu.Lock()
	names := append([]string(nil), a.order...)
	a.mu.Unlock()

	for _, name := range names {
		dir := filepath.Join(a.cfg.Schema.Dir, name)
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			continue
		}

		w, err := schema.NewWatcher(dir, a.logger)
		if err != nil {
			a.logger.Warn("Schema watcher failed", "component", name, "error", err)
			continue
		}
		if err := w.Start(watchCtx); err != nil {
			a.logger.Warn("Schema watcher failed", "component", name, "error", err)
			_ = w.Stop()
			continue
		}
		a.watchers = append(a.watchers, w)

		go func() {
			for event := range w.Events() {
				a.reuploadSchemas(watchCtx, name, dir, event)
			}
		}()
	}
}

// reuploadSchemas rescans a component's schema directory and pushes the
// result through that component's kernel.
func (a *App) reuploadSchemas(ctx context.Context, name, dir string, event schema.WatchEvent) {
	kernel := a.Kernel(name)
	if kernel == nil {
		return
	}

	set, err := schema.ScanDir(dir)
	if err != nil {
		a.logger.Error("Schema rescan failed", "component", name, "error", err)
		return
	}
	if set.Empty() {
		return
	}

	request := map[string]any{"component": name, "schemas": set}
	if err := kernel.Call(ctx, session.EndpointURI("schema", "upload"), request, nil); err != nil {
		a.logger.Error("Schema re-upload failed", "component", name, "error", err)
		return
	}
	a.logger.Info("Schemas re-uploaded", "component", name, "trigger", event.Path)
}

// Shutdown gracefully stops all components, newest first, then the router.
func (a *App) Shutdown(timeout time.Duration) {
	if a.watchCancel != nil {
		a.watchCancel()
		a.watchCancel = nil
	}
	for _, w := range a.watchers {
		if err := w.Stop(); err != nil {
			a.logger.Debug("Schema watcher stop failed", "error", err)
		}
	}
	a.watchers = nil

	a.mu.Lock()
	order := append([]string(nil), a.order...)
	a.mu.Unlock()

	for i := len(order) - 1; i >= 0; i-- {
		k := a.Kernel(order[i])
		if err := k.Stop(timeout); err != nil {
			a.logger.Warn("Component stop failed", "component", order[i], "error", err)
		}
	}

	if a.conn != nil {
		if err := a.conn.Drain(); err != nil {
			a.logger.Debug("Router drain failed", "error", err)
		}
		a.conn.Close()
		a.conn = nil
	}

	if a.embeddedServer != nil {
		a.embeddedServer.Shutdown()
		a.embeddedServer.WaitForShutdown()
		a.embeddedServer = nil
	}
}
