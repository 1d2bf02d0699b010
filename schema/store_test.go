package schema

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDoc(body string) *Document {
	return &Document{
		Vendor:     "mdstudio",
		Component:  "auth",
		Type:       TypeEndpoint,
		Name:       "login",
		Body:       json.RawMessage(body),
		UploadedBy: "auth",
	}
}

func TestUpsertIsIdempotentForEqualBodies(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	v1, err := store.Upsert(ctx, testDoc(`{"type":"object"}`))
	require.NoError(t, err)
	assert.Equal(t, 1, v1)

	// Same body modulo key order and whitespace collapses to one version.
	again, err := store.Upsert(ctx, testDoc(`{ "type" : "object" }`))
	require.NoError(t, err)
	assert.Equal(t, 1, again)
	assert.Equal(t, 1, store.Versions(testDoc("{}").Key()))
}

func TestUpsertAssignsDenseVersions(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		body := fmt.Sprintf(`{"title":"rev %d"}`, i)
		v, err := store.Upsert(ctx, testDoc(body))
		require.NoError(t, err)
		assert.Equal(t, i, v)
	}

	latest, err := store.FindLatest(ctx, testDoc("{}").Key(), 0)
	require.NoError(t, err)
	assert.Equal(t, 5, latest.Version)
}

func TestFindLatestHonorsMaxVersion(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	_, err := store.Upsert(ctx, testDoc(`{"title":"a"}`))
	require.NoError(t, err)
	_, err = store.Upsert(ctx, testDoc(`{"title":"b"}`))
	require.NoError(t, err)

	key := testDoc("{}").Key()

	latest, err := store.FindLatest(ctx, key, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, latest.Version)
	assert.JSONEq(t, `{"title":"b"}`, string(latest.Body))

	pinned, err := store.FindLatest(ctx, key, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, pinned.Version)
	assert.JSONEq(t, `{"title":"a"}`, string(pinned.Body))
}

func TestFindLatestMissingKey(t *testing.T) {
	store := NewMemoryStore()

	_, err := store.FindLatest(context.Background(), Key{
		Vendor: "mdstudio", Component: "nope", Type: TypeEndpoint, Name: "missing",
	}, 0)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUploadTwiceThenChange(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	key := testDoc("{}").Key()

	// Upload the same body twice: one row, version 1.
	_, err := store.Upsert(ctx, testDoc(`{"v":1}`))
	require.NoError(t, err)
	_, err = store.Upsert(ctx, testDoc(`{"v":1}`))
	require.NoError(t, err)
	assert.Equal(t, 1, store.Versions(key))

	// A different body produces version 2.
	v, err := store.Upsert(ctx, testDoc(`{"v":2}`))
	require.NoError(t, err)
	assert.Equal(t, 2, v)

	latest, err := store.FindLatest(ctx, key, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, latest.Version)

	first, err := store.FindLatest(ctx, key, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Version)
}

func TestConcurrentUpsertsStayDense(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	const writers = 16
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			body := fmt.Sprintf(`{"writer":%d}`, i)
			_, err := store.Upsert(ctx, testDoc(body))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	key := testDoc("{}").Key()
	total := store.Versions(key)
	assert.Equal(t, writers, total)

	// Every version from 1..k is reachable.
	seen := make(map[int]bool)
	for v := 1; v <= total; v++ {
		doc, err := store.FindLatest(ctx, key, v)
		require.NoError(t, err)
		assert.Equal(t, v, doc.Version)
		seen[doc.Version] = true
	}
	assert.Len(t, seen, total)
}
