// Package dbservice hosts the platform document store component: the
// collection operation surface of the db endpoints served against an
// in-memory namespaced store. A caller's connection type selects its
// namespace, so components only ever see their own collections unless they
// deliberately share a group.
package dbservice

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/mdstudio/mdstudio/db"
)

// maxOpenCursors bounds the cursor table; the oldest cursor is dropped when
// the table overflows.
const maxOpenCursors = 256

// Store holds documents per namespace and collection. A single lock
// serializes every operation, which keeps update-then-read sequences
// coherent the way a single-writer database would.
type Store struct {
	mu         sync.Mutex
	namespaces map[string]map[string][]db.Document
	cursors    map[string]*cursor
	order      []string
}

type cursor struct {
	results []db.Document
	skip    int
	limit   int
	pos     int
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		namespaces: make(map[string]map[string][]db.Document),
		cursors:    make(map[string]*cursor),
	}
}

func (s *Store) coll(ns, name string) []db.Document {
	if space, ok := s.namespaces[ns]; ok {
		return space[name]
	}
	return nil
}

func (s *Store) setColl(ns, name string, docs []db.Document) {
	space, ok := s.namespaces[ns]
	if !ok {
		space = make(map[string][]db.Document)
		s.namespaces[ns] = space
	}
	space[name] = docs
}

// Collections returns the collection names of a namespace, sorted.
func (s *Store) Collections(ns string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	space := s.namespaces[ns]
	names := make([]string, 0, len(space))
	for name := range space {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// InsertOne stores one document and returns its id.
func (s *Store) InsertOne(ns, collection string, doc db.Document) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := cloneDoc(doc)
	id := ensureID(stored)
	s.setColl(ns, collection, append(s.coll(ns, collection), stored))
	return id
}

// InsertMany stores documents and returns their ids in insertion order.
func (s *Store) InsertMany(ns, collection string, docs []db.Document) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := s.coll(ns, collection)
	ids := make([]string, 0, len(docs))
	for _, doc := range docs {
		clone := cloneDoc(doc)
		ids = append(ids, ensureID(clone))
		stored = append(stored, clone)
	}
	s.setColl(ns, collection, stored)
	return ids
}

// FindOne returns the first matching document, nil when nothing matches.
func (s *Store) FindOne(ns string, req db.FindRequest) (db.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	docs := s.coll(ns, req.Collection)
	idx, err := matchingIndexes(docs, req.Filter, req.Sort)
	if err != nil {
		return nil, err
	}
	if req.Skip >= len(idx) {
		return nil, nil
	}
	return project(cloneDoc(docs[idx[req.Skip]]), req.Projection), nil
}

// FindMany returns the matching documents. With a limit smaller than the
// matched set the result is the first page and an open cursor id.
func (s *Store) FindMany(ns string, req db.FindRequest) (db.FindResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	docs := s.coll(ns, req.Collection)
	idx, err := matchingIndexes(docs, req.Filter, req.Sort)
	if err != nil {
		return db.FindResult{}, err
	}

	full := make([]db.Document, 0, len(idx))
	for _, i := range idx {
		full = append(full, project(cloneDoc(docs[i]), req.Projection))
	}

	skip := req.Skip
	if skip > len(full) {
		skip = len(full)
	}
	page := full[skip:]

	result := db.FindResult{Total: len(full)}
	if req.Limit > 0 && req.Limit < len(page) {
		c := &cursor{results: full, skip: skip, limit: req.Limit, pos: skip + req.Limit}
		result.CursorID = s.addCursor(c)
		page = page[:req.Limit]
	}
	result.Results = page
	result.Size = len(page)
	return result, nil
}

// More serves the next page of an open cursor. An exhausted cursor stays
// open for Rewind and serves empty pages.
func (s *Store) More(cursorID string) (db.FindResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.cursors[cursorID]
	if !ok {
		return db.FindResult{}, fmt.Errorf("unknown cursor %q", cursorID)
	}
	return s.servePage(c, cursorID), nil
}

// Rewind restarts an open cursor and serves its first page again.
func (s *Store) Rewind(cursorID string) (db.FindResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.cursors[cursorID]
	if !ok {
		return db.FindResult{}, fmt.Errorf("unknown cursor %q", cursorID)
	}
	c.pos = c.skip
	return s.servePage(c, cursorID), nil
}

func (s *Store) servePage(c *cursor, cursorID string) db.FindResult {
	end := c.pos + c.limit
	if c.limit <= 0 || end > len(c.results) {
		end = len(c.results)
	}
	page := c.results[c.pos:end]
	c.pos = end

	result := db.FindResult{Results: page, Total: len(c.results), Size: len(page)}
	if c.pos < len(c.results) {
		result.CursorID = cursorID
	}
	return result
}

func (s *Store) addCursor(c *cursor) string {
	id := uuid.New().String()
	s.cursors[id] = c
	s.order = append(s.order, id)
	for len(s.order) > maxOpenCursors {
		evicted := s.order[0]
		s.order = s.order[1:]
		delete(s.cursors, evicted)
	}
	return id
}

// Count counts matching documents, or the documents behind an open cursor.
func (s *Store) Count(ns string, req db.CountRequest) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if req.CursorID != "" {
		c, ok := s.cursors[req.CursorID]
		if !ok {
			return 0, fmt.Errorf("unknown cursor %q", req.CursorID)
		}
		if !req.WithLimitAndSkip {
			return len(c.results), nil
		}
		n := len(c.results) - c.skip
		if n < 0 {
			n = 0
		}
		if c.limit > 0 && c.limit < n {
			n = c.limit
		}
		return n, nil
	}

	idx, err := matchingIndexes(s.coll(ns, req.Collection), req.Filter, nil)
	if err != nil {
		return 0, err
	}
	n := len(idx) - req.Skip
	if n < 0 {
		n = 0
	}
	if req.Limit > 0 && req.Limit < n {
		n = req.Limit
	}
	return n, nil
}

// UpdateOne applies update operators to the first matching document, or
// upserts a new one.
func (s *Store) UpdateOne(ns string, req db.UpdateRequest) (db.UpdateResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	docs := s.coll(ns, req.Collection)
	idx, err := matchingIndexes(docs, req.Filter, nil)
	if err != nil {
		return db.UpdateResult{}, err
	}
	if len(idx) == 0 {
		if !req.Upsert {
			return db.UpdateResult{}, nil
		}
		return s.upsert(ns, req.Collection, req.Filter, req.Update)
	}

	changed, err := applyUpdate(docs[idx[0]], req.Update, false)
	if err != nil {
		return db.UpdateResult{}, err
	}
	result := db.UpdateResult{Matched: 1}
	if changed {
		result.Modified = 1
	}
	return result, nil
}

// UpdateMany applies update operators to every matching document, or
// upserts a new one.
func (s *Store) UpdateMany(ns string, req db.UpdateRequest) (db.UpdateResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	docs := s.coll(ns, req.Collection)
	idx, err := matchingIndexes(docs, req.Filter, nil)
	if err != nil {
		return db.UpdateResult{}, err
	}
	if len(idx) == 0 {
		if !req.Upsert {
			return db.UpdateResult{}, nil
		}
		return s.upsert(ns, req.Collection, req.Filter, req.Update)
	}

	result := db.UpdateResult{Matched: len(idx)}
	for _, i := range idx {
		changed, err := applyUpdate(docs[i], req.Update, false)
		if err != nil {
			return result, err
		}
		if changed {
			result.Modified++
		}
	}
	return result, nil
}

func (s *Store) upsert(ns, collection string, filter, update db.Document) (db.UpdateResult, error) {
	doc := baseFromFilter(filter)
	if _, err := applyUpdate(doc, update, true); err != nil {
		return db.UpdateResult{}, err
	}
	id := ensureID(doc)
	s.setColl(ns, collection, append(s.coll(ns, collection), doc))
	return db.UpdateResult{UpsertedID: id}, nil
}

// ReplaceOne replaces the first matching document wholesale, preserving its
// id, or upserts the replacement.
func (s *Store) ReplaceOne(ns string, req db.ReplaceRequest) (db.UpdateResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	docs := s.coll(ns, req.Collection)
	idx, err := matchingIndexes(docs, req.Filter, nil)
	if err != nil {
		return db.UpdateResult{}, err
	}
	if len(idx) == 0 {
		if !req.Upsert {
			return db.UpdateResult{}, nil
		}
		replacement := cloneDoc(req.Replacement)
		id := ensureID(replacement)
		s.setColl(ns, req.Collection, append(docs, replacement))
		return db.UpdateResult{UpsertedID: id}, nil
	}

	i := idx[0]
	replacement := cloneDoc(req.Replacement)
	replacement["_id"] = docs[i]["_id"]

	result := db.UpdateResult{Matched: 1}
	if !jsonEqual(docs[i], replacement) {
		result.Modified = 1
	}
	docs[i] = replacement
	return result, nil
}

// FindOneAndUpdate atomically updates the first matching document and
// returns the document before (or after, with ReturnUpdated) the change.
func (s *Store) FindOneAndUpdate(ns string, req db.ModifyRequest) (db.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	docs := s.coll(ns, req.Collection)
	idx, err := matchingIndexes(docs, req.Filter, req.Sort)
	if err != nil {
		return nil, err
	}
	if len(idx) == 0 {
		if !req.Upsert {
			return nil, nil
		}
		doc := baseFromFilter(req.Filter)
		if _, err := applyUpdate(doc, req.Update, true); err != nil {
			return nil, err
		}
		ensureID(doc)
		s.setColl(ns, req.Collection, append(docs, doc))
		if req.ReturnUpdated {
			return project(cloneDoc(doc), req.Projection), nil
		}
		return nil, nil
	}

	doc := docs[idx[0]]
	before := cloneDoc(doc)
	if _, err := applyUpdate(doc, req.Update, false); err != nil {
		return nil, err
	}
	if req.ReturnUpdated {
		return project(cloneDoc(doc), req.Projection), nil
	}
	return project(before, req.Projection), nil
}

// FindOneAndReplace atomically replaces the first matching document and
// returns the document before (or after, with ReturnUpdated) the change.
func (s *Store) FindOneAndReplace(ns string, req db.ModifyRequest) (db.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	docs := s.coll(ns, req.Collection)
	idx, err := matchingIndexes(docs, req.Filter, req.Sort)
	if err != nil {
		return nil, err
	}
	if len(idx) == 0 {
		if !req.Upsert {
			return nil, nil
		}
		replacement := cloneDoc(req.Replacement)
		ensureID(replacement)
		s.setColl(ns, req.Collection, append(docs, replacement))
		if req.ReturnUpdated {
			return project(cloneDoc(replacement), req.Projection), nil
		}
		return nil, nil
	}

	i := idx[0]
	before := docs[i]
	replacement := cloneDoc(req.Replacement)
	replacement["_id"] = before["_id"]
	docs[i] = replacement

	if req.ReturnUpdated {
		return project(cloneDoc(replacement), req.Projection), nil
	}
	return project(before, req.Projection), nil
}

// FindOneAndDelete atomically removes the first matching document and
// returns it.
func (s *Store) FindOneAndDelete(ns string, req db.ModifyRequest) (db.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	docs := s.coll(ns, req.Collection)
	idx, err := matchingIndexes(docs, req.Filter, req.Sort)
	if err != nil {
		return nil, err
	}
	if len(idx) == 0 {
		return nil, nil
	}

	i := idx[0]
	removed := docs[i]
	s.setColl(ns, req.Collection, append(docs[:i:i], docs[i+1:]...))
	return project(removed, req.Projection), nil
}

// DeleteOne removes the first matching document.
func (s *Store) DeleteOne(ns string, req db.DeleteRequest) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	docs := s.coll(ns, req.Collection)
	idx, err := matchingIndexes(docs, req.Filter, nil)
	if err != nil {
		return 0, err
	}
	if len(idx) == 0 {
		return 0, nil
	}
	i := idx[0]
	s.setColl(ns, req.Collection, append(docs[:i:i], docs[i+1:]...))
	return 1, nil
}

// DeleteMany removes every matching document.
func (s *Store) DeleteMany(ns string, req db.DeleteRequest) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	docs := s.coll(ns, req.Collection)
	idx, err := matchingIndexes(docs, req.Filter, nil)
	if err != nil {
		return 0, err
	}
	if len(idx) == 0 {
		return 0, nil
	}

	drop := make(map[int]struct{}, len(idx))
	for _, i := range idx {
		drop[i] = struct{}{}
	}
	kept := docs[:0:0]
	for i, doc := range docs {
		if _, gone := drop[i]; !gone {
			kept = append(kept, doc)
		}
	}
	s.setColl(ns, req.Collection, kept)
	return len(idx), nil
}

// Distinct returns the distinct values of a field across matching
// documents, in first-seen order.
func (s *Store) Distinct(ns string, req db.DistinctRequest) ([]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	docs := s.coll(ns, req.Collection)
	idx, err := matchingIndexes(docs, req.Query, nil)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{})
	values := make([]any, 0)
	for _, i := range idx {
		v, ok := lookup(docs[i], req.Field)
		if !ok {
			continue
		}
		key, err := json.Marshal(v)
		if err != nil {
			continue
		}
		if _, dup := seen[string(key)]; dup {
			continue
		}
		seen[string(key)] = struct{}{}
		values = append(values, cloneValue(v))
	}
	return values, nil
}

// Aggregate runs a restricted pipeline: $match filters, $group groups on a
// "$field" (or null) id with $sum accumulators.
func (s *Store) Aggregate(ns string, req db.AggregateRequest) (db.FindResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	docs := s.coll(ns, req.Collection)
	current := make([]db.Document, 0, len(docs))
	for _, doc := range docs {
		current = append(current, cloneDoc(doc))
	}

	for _, stage := range req.Pipeline {
		if len(stage) != 1 {
			return db.FindResult{}, fmt.Errorf("aggregate stage must hold exactly one operator")
		}
		for op, arg := range stage {
			spec, ok := arg.(map[string]any)
			if !ok {
				return db.FindResult{}, fmt.Errorf("%s stage needs an object argument", op)
			}
			var err error
			switch op {
			case "$match":
				current, err = matchStage(current, spec)
			case "$group":
				current, err = groupStage(current, spec)
			default:
				err = fmt.Errorf("unsupported aggregate stage %q", op)
			}
			if err != nil {
				return db.FindResult{}, err
			}
		}
	}
	return db.FindResult{Results: current, Total: len(current), Size: len(current)}, nil
}

func matchStage(docs []db.Document, filter map[string]any) ([]db.Document, error) {
	out := docs[:0:0]
	for _, doc := range docs {
		ok, err := matches(doc, filter)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, doc)
		}
	}
	return out, nil
}

func groupStage(docs []db.Document, spec map[string]any) ([]db.Document, error) {
	idExpr, ok := spec["_id"]
	if !ok {
		return nil, fmt.Errorf("$group needs an _id expression")
	}

	type accumulator struct {
		name  string
		field string // "" counts documents
	}
	accumulators := make([]accumulator, 0, len(spec)-1)
	for name, raw := range spec {
		if name == "_id" {
			continue
		}
		accSpec, ok := raw.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("accumulator %q must be an object", name)
		}
		sumArg, ok := accSpec["$sum"]
		if !ok || len(accSpec) != 1 {
			return nil, fmt.Errorf("accumulator %q must be a single $sum", name)
		}
		acc := accumulator{name: name}
		switch v := sumArg.(type) {
		case string:
			if !strings.HasPrefix(v, "$") {
				return nil, fmt.Errorf("$sum field reference %q must start with $", v)
			}
			acc.field = strings.TrimPrefix(v, "$")
		default:
			if n, ok := toNumber(v); !ok || n != 1 {
				return nil, fmt.Errorf("$sum argument must be 1 or a field reference")
			}
		}
		accumulators = append(accumulators, acc)
	}
	sort.Slice(accumulators, func(i, j int) bool { return accumulators[i].name < accumulators[j].name })

	groupField := ""
	if s, ok := idExpr.(string); ok {
		if !strings.HasPrefix(s, "$") {
			return nil, fmt.Errorf("$group _id %q must be null or a field reference", s)
		}
		groupField = strings.TrimPrefix(s, "$")
	} else if idExpr != nil {
		return nil, fmt.Errorf("$group _id must be null or a field reference")
	}

	groups := make(map[string]db.Document)
	orderKeys := make([]string, 0)
	for _, doc := range docs {
		var id any
		if groupField != "" {
			id, _ = lookup(doc, groupField)
		}
		keyData, err := json.Marshal(id)
		if err != nil {
			continue
		}
		key := string(keyData)
		group, ok := groups[key]
		if !ok {
			group = db.Document{"_id": id}
			for _, acc := range accumulators {
				group[acc.name] = 0.0
			}
			groups[key] = group
			orderKeys = append(orderKeys, key)
		}
		for _, acc := range accumulators {
			total, _ := toNumber(group[acc.name])
			if acc.field == "" {
				group[acc.name] = total + 1
				continue
			}
			if v, ok := lookup(doc, acc.field); ok {
				if n, ok := toNumber(v); ok {
					group[acc.name] = total + n
				}
			}
		}
	}

	out := make([]db.Document, 0, len(orderKeys))
	for _, key := range orderKeys {
		out = append(out, groups[key])
	}
	return out, nil
}
