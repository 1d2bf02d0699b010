package schemaservice

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/mdstudio/mdstudio/db"
	"github.com/mdstudio/mdstudio/schema"
)

// DBStore persists schema documents through the db component, one collection
// per schema type in the schema component's own namespace. Versions for a
// key are assigned under the store lock; the platform runs a single schema
// component so the lock is enough to keep them dense.
type DBStore struct {
	mu     sync.Mutex
	client *db.Client

	now func() time.Time
}

// NewDBStore creates a schema store over the db component.
func NewDBStore(client *db.Client) *DBStore {
	return &DBStore{client: client, now: time.Now}
}

// schemaRecord is the stored document shape. The body is kept as its
// canonical string so equality checks on later uploads compare bytes.
type schemaRecord struct {
	Vendor     string `json:"vendor"`
	Component  string `json:"component"`
	Name       string `json:"name"`
	Version    int    `json:"version"`
	Schema     string `json:"schema"`
	UploadedBy string `json:"uploadedBy,omitempty"`
	UploadedAt string `json:"uploadedAt"`
}

func collectionFor(t schema.Type) string {
	switch t {
	case schema.TypeEndpoint:
		return "endpoints"
	case schema.TypeResource:
		return "resources"
	default:
		return "claims"
	}
}

func keyFilter(key schema.Key) db.Document {
	return db.Document{
		"vendor":    key.Vendor,
		"component": key.Component,
		"name":      key.Name,
	}
}

// Upsert implements schema.Store.
func (s *DBStore) Upsert(ctx context.Context, doc *schema.Document) (int, error) {
	canonical, err := schema.CanonicalBody(doc.Body)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	collection := collectionFor(doc.Type)
	latest, err := s.findLatest(ctx, collection, doc.Key(), 0)
	if err != nil {
		return 0, err
	}
	if latest != nil && latest.Schema == string(canonical) {
		return latest.Version, nil
	}

	version := 1
	if latest != nil {
		version = latest.Version + 1
	}
	record := schemaRecord{
		Vendor:     doc.Vendor,
		Component:  doc.Component,
		Name:       doc.Name,
		Version:    version,
		Schema:     string(canonical),
		UploadedBy: doc.UploadedBy,
		UploadedAt: s.now().UTC().Format(time.RFC3339),
	}
	insert, err := recordDocument(record)
	if err != nil {
		return 0, err
	}
	if _, err := s.client.InsertOne(ctx, collection, insert); err != nil {
		return 0, fmt.Errorf("store schema version %d: %w", version, err)
	}
	return version, nil
}

// FindLatest implements schema.Store.
func (s *DBStore) FindLatest(ctx context.Context, key schema.Key, maxVersion int) (*schema.Document, error) {
	collection := collectionFor(key.Type)
	record, err := s.findLatest(ctx, collection, key, maxVersion)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, fmt.Errorf("%w: %s", schema.ErrNotFound, key)
	}
	return &schema.Document{
		Vendor:     record.Vendor,
		Component:  record.Component,
		Type:       key.Type,
		Name:       record.Name,
		Version:    record.Version,
		Body:       json.RawMessage(record.Schema),
		UploadedBy: record.UploadedBy,
		UploadedAt: parseTime(record.UploadedAt),
	}, nil
}

// findLatest returns the highest stored version within maxVersion, or nil
// when the key has no qualifying version.
func (s *DBStore) findLatest(ctx context.Context, collection string, key schema.Key, maxVersion int) (*schemaRecord, error) {
	filter := keyFilter(key)
	if maxVersion > 0 {
		filter["version"] = db.Document{"$lte": maxVersion}
	}
	result, err := s.client.FindOne(ctx, collection, filter, db.FindOptions{
		Sort: []db.SortKey{{Field: "version", Dir: db.SortDesc}},
	})
	if err != nil {
		return nil, fmt.Errorf("find latest schema %s: %w", key, err)
	}
	if result == nil {
		return nil, nil
	}

	data, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("decode schema record %s: %w", key, err)
	}
	var record schemaRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("decode schema record %s: %w", key, err)
	}
	return &record, nil
}

func recordDocument(record schemaRecord) (db.Document, error) {
	data, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("encode schema record: %w", err)
	}
	var doc db.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("encode schema record: %w", err)
	}
	return doc, nil
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
