package schema

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Store is the versioned schema registry. Implementations must serialize
// concurrent upserts of the same key so versions stay dense.
type Store interface {
	// Upsert stores a new version of the document unless its body is
	// canonically equal to the latest stored version, in which case the
	// existing version number is returned unchanged.
	Upsert(ctx context.Context, doc *Document) (int, error)

	// FindLatest returns the highest stored version of the key not above
	// maxVersion. maxVersion <= 0 means unbounded. Returns ErrNotFound
	// when nothing qualifies.
	FindLatest(ctx context.Context, key Key, maxVersion int) (*Document, error)
}

// MemoryStore is an in-process Store. It backs the schema service; the
// document-store persistence behind it is a deployment concern.
type MemoryStore struct {
	mu   sync.Mutex
	docs map[Key][]*Document

	now func() time.Time
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs: make(map[Key][]*Document),
		now:  time.Now,
	}
}

// Upsert implements Store. Versions for a key are assigned under the store
// lock, so concurrent uploads serialize to distinct monotonic versions.
func (s *MemoryStore) Upsert(_ context.Context, doc *Document) (int, error) {
	canonical, err := CanonicalBody(doc.Body)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := doc.Key()
	versions := s.docs[key]
	if n := len(versions); n > 0 {
		latest, err := CanonicalBody(versions[n-1].Body)
		if err != nil {
			return 0, err
		}
		if string(latest) == string(canonical) {
			return versions[n-1].Version, nil
		}
	}

	stored := *doc
	stored.Version = len(versions) + 1
	stored.UploadedAt = s.now().UTC()
	s.docs[key] = append(versions, &stored)
	return stored.Version, nil
}

// FindLatest implements Store.
func (s *MemoryStore) FindLatest(_ context.Context, key Key, maxVersion int) (*Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	versions := s.docs[key]
	if len(versions) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if maxVersion <= 0 {
		return versions[len(versions)-1], nil
	}
	for i := len(versions) - 1; i >= 0; i-- {
		if versions[i].Version <= maxVersion {
			return versions[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %s at version <= %d", ErrNotFound, key, maxVersion)
}

// Versions returns how many versions are stored for a key.
func (s *MemoryStore) Versions(key Key) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.docs[key])
}
