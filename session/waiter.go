package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// probeTimeout bounds the single liveness probe a waiter sends.
const probeTimeout = 2 * time.Second

// ServiceWaiter blocks until a peer component is online. It subscribes to
// the peer's online announcement before probing its status endpoint once, so
// a peer coming up between probe and subscribe cannot be missed. There is no
// polling; the wait ends on the announcement, a successful probe, or context
// cancellation.
type ServiceWaiter struct {
	conn      *nats.Conn
	component string
	logger    *slog.Logger
}

// NewServiceWaiter creates a waiter for the named peer component.
func NewServiceWaiter(conn *nats.Conn, component string, logger *slog.Logger) *ServiceWaiter {
	return &ServiceWaiter{
		conn:      conn,
		component: component,
		logger:    logger,
	}
}

// Wait blocks until the peer is online or ctx is done.
func (w *ServiceWaiter) Wait(ctx context.Context) error {
	online := make(chan struct{}, 1)

	sub, err := w.conn.Subscribe(EventsOnlineURI(w.component), func(_ *nats.Msg) {
		select {
		case online <- struct{}{}:
		default:
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe to %s announcements: %w", w.component, err)
	}
	defer func() {
		if err := sub.Unsubscribe(); err != nil {
			w.logger.Debug("Unsubscribe failed", "component", w.component, "error", err)
		}
	}()

	// One probe catches peers that were already up before we subscribed.
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	if _, err := w.conn.RequestWithContext(probeCtx, StatusURI(w.component), nil); err == nil {
		w.logger.Debug("Peer already online", "component", w.component)
		return nil
	}

	w.logger.Info("Waiting for peer component", "component", w.component)
	select {
	case <-online:
		w.logger.Debug("Peer announced online", "component", w.component)
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for %s: %w", w.component, ctx.Err())
	}
}

// RunWhenOnline runs fn as soon as the peer is online, on the calling
// goroutine. Login-time side effects that need the database use this; fn
// must be idempotent because an announcement may race the probe.
func (w *ServiceWaiter) RunWhenOnline(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := w.Wait(ctx); err != nil {
		return err
	}
	return fn(ctx)
}
