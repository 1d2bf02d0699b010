package authservice

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/mdstudio/mdstudio/authz"
	"github.com/mdstudio/mdstudio/db"
	"github.com/mdstudio/mdstudio/session"
)

// DBStats persists registration usage rows in the registration_info
// collection. Authorization decisions can arrive before the db component is
// online, so the first write waits for it through the service waiter; once a
// write has gone through, later ones skip the wait. Rows are upserted, so a
// repeated write after a racing announcement is harmless.
type DBStats struct {
	client *db.Client
	waiter *session.ServiceWaiter
	ready  atomic.Bool

	now func() time.Time
}

// NewDBStats creates a recorder over the db client, gated by a waiter bound
// to the db component.
func NewDBStats(client *db.Client, waiter *session.ServiceWaiter) *DBStats {
	return &DBStats{client: client, waiter: waiter, now: time.Now}
}

// RecordRegistration implements authz.Stats.
func (s *DBStats) RecordRegistration(ctx context.Context, uri string, match authz.MatchKind) error {
	stamp := s.now().UTC().Format(time.RFC3339)
	return s.whenOnline(ctx, func(ctx context.Context) error {
		_, err := s.client.UpdateOne(ctx, "registration_info",
			db.Document{"uri": uri, "match": string(match)},
			db.Document{
				"$inc": db.Document{"registrationCount": 1},
				"$set": db.Document{"latestRegistration": stamp},
				"$setOnInsert": db.Document{
					"uri":               uri,
					"match":             string(match),
					"firstRegistration": stamp,
				},
			}, true)
		return err
	})
}

// RecordCall implements authz.Stats.
func (s *DBStats) RecordCall(ctx context.Context, uri string, match authz.MatchKind) error {
	stamp := s.now().UTC().Format(time.RFC3339)
	return s.whenOnline(ctx, func(ctx context.Context) error {
		_, err := s.client.UpdateOne(ctx, "registration_info",
			db.Document{"uri": uri, "match": string(match)},
			db.Document{
				"$inc": db.Document{"callCount": 1},
				"$set": db.Document{"latestCall": stamp},
			}, true)
		return err
	})
}

func (s *DBStats) whenOnline(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.ready.Load() || s.waiter == nil {
		return fn(ctx)
	}
	return s.waiter.RunWhenOnline(ctx, func(ctx context.Context) error {
		s.ready.Store(true)
		return fn(ctx)
	})
}
