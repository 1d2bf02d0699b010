package db

import (
	"encoding/json"
	"fmt"
)

// Document is a JSON document as handled by the store endpoints.
type Document = map[string]any

// SortDir orders a sort key ascending or descending.
type SortDir string

const (
	SortAsc  SortDir = "asc"
	SortDesc SortDir = "desc"
)

// SortKey is one (field, direction) pair. On the wire it is a two-element
// array, e.g. ["name", "desc"].
type SortKey struct {
	Field string
	Dir   SortDir
}

// MarshalJSON implements json.Marshaler.
func (s SortKey) MarshalJSON() ([]byte, error) {
	dir := s.Dir
	if dir == "" {
		dir = SortAsc
	}
	return json.Marshal([2]string{s.Field, string(dir)})
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *SortKey) UnmarshalJSON(data []byte) error {
	var pair []string
	if err := json.Unmarshal(data, &pair); err != nil {
		return fmt.Errorf("sort key must be a [field, direction] pair: %w", err)
	}
	if len(pair) == 0 || pair[0] == "" {
		return fmt.Errorf("sort key has no field")
	}
	s.Field = pair[0]
	s.Dir = SortAsc
	if len(pair) > 1 {
		switch SortDir(pair[1]) {
		case SortAsc, SortDesc:
			s.Dir = SortDir(pair[1])
		default:
			return fmt.Errorf("unknown sort direction %q", pair[1])
		}
	}
	return nil
}

// Projection selects the fields a query returns. True values include, false
// values exclude; the wire format also accepts the Mongo-style 0/1 numbers.
type Projection map[string]bool

// UnmarshalJSON implements json.Unmarshaler.
func (p *Projection) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(Projection, len(raw))
	for field, value := range raw {
		switch v := value.(type) {
		case bool:
			out[field] = v
		case float64:
			out[field] = v != 0
		default:
			return fmt.Errorf("projection value for %q must be a boolean or 0/1", field)
		}
	}
	*p = out
	return nil
}

// Wire requests shared between the client and the db component. Optional
// members are omitted to keep request bodies minimal.

// InsertOneRequest is the insert_one request body.
type InsertOneRequest struct {
	Collection string   `json:"collection"`
	Insert     Document `json:"insert"`
}

// InsertManyRequest is the insert_many request body.
type InsertManyRequest struct {
	Collection string     `json:"collection"`
	Insert     []Document `json:"insert"`
}

// FindRequest is the request body of find_one and find_many. Limit applies
// to find_many only.
type FindRequest struct {
	Collection string     `json:"collection"`
	Filter     Document   `json:"filter,omitempty"`
	Projection Projection `json:"projection,omitempty"`
	Skip       int        `json:"skip,omitempty"`
	Limit      int        `json:"limit,omitempty"`
	Sort       []SortKey  `json:"sort,omitempty"`
}

// UpdateRequest is the request body of update_one and update_many.
type UpdateRequest struct {
	Collection string   `json:"collection"`
	Filter     Document `json:"filter"`
	Update     Document `json:"update"`
	Upsert     bool     `json:"upsert,omitempty"`
}

// ReplaceRequest is the replace_one request body.
type ReplaceRequest struct {
	Collection  string   `json:"collection"`
	Filter      Document `json:"filter"`
	Replacement Document `json:"replacement"`
	Upsert      bool     `json:"upsert,omitempty"`
}

// ModifyRequest is the request body of the find_one_and_* operations.
// Update is set for find_one_and_update, Replacement for
// find_one_and_replace, neither for find_one_and_delete.
type ModifyRequest struct {
	Collection    string     `json:"collection"`
	Filter        Document   `json:"filter"`
	Update        Document   `json:"update,omitempty"`
	Replacement   Document   `json:"replacement,omitempty"`
	Upsert        bool       `json:"upsert,omitempty"`
	Projection    Projection `json:"projection,omitempty"`
	Sort          []SortKey  `json:"sort,omitempty"`
	ReturnUpdated bool       `json:"returnUpdated,omitempty"`
}

// DeleteRequest is the request body of delete_one and delete_many.
type DeleteRequest struct {
	Collection string   `json:"collection"`
	Filter     Document `json:"filter,omitempty"`
}

// CountRequest is the count request body. Either CursorID or the
// collection query members are set.
type CountRequest struct {
	Collection       string   `json:"collection,omitempty"`
	Filter           Document `json:"filter,omitempty"`
	Skip             int      `json:"skip,omitempty"`
	Limit            int      `json:"limit,omitempty"`
	CursorID         string   `json:"cursorId,omitempty"`
	WithLimitAndSkip bool     `json:"withLimitAndSkip,omitempty"`
}

// DistinctRequest is the distinct request body.
type DistinctRequest struct {
	Collection string   `json:"collection"`
	Field      string   `json:"field"`
	Query      Document `json:"query,omitempty"`
}

// AggregateRequest is the aggregate request body.
type AggregateRequest struct {
	Collection string     `json:"collection"`
	Pipeline   []Document `json:"pipeline"`
}

// CursorRequest is the request body of more and rewind.
type CursorRequest struct {
	CursorID string `json:"cursorId"`
}

// Responses.

// InsertOneResponse carries the id assigned by insert_one.
type InsertOneResponse struct {
	ID string `json:"id"`
}

// InsertManyResponse carries the ids assigned by insert_many.
type InsertManyResponse struct {
	IDs []string `json:"ids"`
}

// FindOneResponse carries a single matched document, null when nothing
// matched.
type FindOneResponse struct {
	Result Document `json:"result"`
}

// FindResult is one page of a multi-document query. CursorID is present
// when more results can be fetched through the more endpoint.
type FindResult struct {
	Results  []Document `json:"results"`
	Total    int        `json:"total"`
	Size     int        `json:"size"`
	CursorID string     `json:"cursorId,omitempty"`
}

// UpdateResult reports what an update or replace touched. UpsertedID is set
// when an upsert inserted a new document.
type UpdateResult struct {
	Matched    int    `json:"matched"`
	Modified   int    `json:"modified"`
	UpsertedID string `json:"upsertedId,omitempty"`
}

// CountResponse carries a document count.
type CountResponse struct {
	Total int `json:"total"`
}

// DeleteResponse carries the number of deleted documents.
type DeleteResponse struct {
	Count int `json:"count"`
}

// DistinctResponse carries the distinct values of a field.
type DistinctResponse struct {
	Results []any `json:"results"`
	Total   int   `json:"total"`
}
