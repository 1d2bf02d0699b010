package authz

import (
	"context"
	"sync"
	"time"
)

// Registration is the per-URI usage record kept by the authorizer. One row
// exists per (uri, match) pair.
type Registration struct {
	// URI is the registered or called URI pattern.
	URI string `json:"uri"`

	// Match is how the pattern matches concrete URIs.
	Match MatchKind `json:"match"`

	// FirstRegistration is when the pattern was first registered.
	FirstRegistration time.Time `json:"firstRegistration"`

	// LatestRegistration is when the pattern was last registered.
	LatestRegistration time.Time `json:"latestRegistration"`

	// RegistrationCount counts registrations over the row's lifetime.
	RegistrationCount int `json:"registrationCount"`

	// LatestCall is when the pattern was last called, absent before the
	// first call.
	LatestCall *time.Time `json:"latestCall,omitempty"`

	// CallCount counts calls over the row's lifetime.
	CallCount int `json:"callCount"`
}

// Stats records URI usage. Implementations must tolerate concurrent writers;
// callers treat every write as best-effort.
type Stats interface {
	// RecordRegistration upserts the (uri, match) row and bumps its
	// registration counters.
	RecordRegistration(ctx context.Context, uri string, match MatchKind) error

	// RecordCall upserts the (uri, match) row and bumps its call counters.
	RecordCall(ctx context.Context, uri string, match MatchKind) error
}

type statsKey struct {
	uri   string
	match MatchKind
}

// MemoryStats keeps registration records in memory.
type MemoryStats struct {
	mu   sync.Mutex
	rows map[statsKey]*Registration
	now  func() time.Time
}

// NewMemoryStats creates an empty in-memory stats recorder.
func NewMemoryStats() *MemoryStats {
	return &MemoryStats{
		rows: make(map[statsKey]*Registration),
		now:  time.Now,
	}
}

// RecordRegistration implements Stats.
func (m *MemoryStats) RecordRegistration(_ context.Context, uri string, match MatchKind) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UTC()
	row := m.row(uri, match, now)
	row.LatestRegistration = now
	row.RegistrationCount++
	return nil
}

// RecordCall implements Stats.
func (m *MemoryStats) RecordCall(_ context.Context, uri string, match MatchKind) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UTC()
	row := m.row(uri, match, now)
	row.LatestCall = &now
	row.CallCount++
	return nil
}

// Row returns a copy of the record for (uri, match), or nil when absent.
func (m *MemoryStats) Row(uri string, match MatchKind) *Registration {
	m.mu.Lock()
	defer m.mu.Unlock()

	row, ok := m.rows[statsKey{uri: uri, match: match}]
	if !ok {
		return nil
	}
	copied := *row
	return &copied
}

func (m *MemoryStats) row(uri string, match MatchKind, now time.Time) *Registration {
	key := statsKey{uri: uri, match: match}
	row, ok := m.rows[key]
	if !ok {
		row = &Registration{
			URI:                uri,
			Match:              match,
			FirstRegistration:  now,
			LatestRegistration: now,
		}
		m.rows[key] = row
	}
	return row
}
