package dbservice

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/mdstudio/mdstudio/db"
)

// matchingIndexes returns the positions of documents matching the filter,
// ordered by the sort keys, in insertion order without them.
func matchingIndexes(docs []db.Document, filter db.Document, keys []db.SortKey) ([]int, error) {
	idx := make([]int, 0, len(docs))
	for i, doc := range docs {
		ok, err := matches(doc, filter)
		if err != nil {
			return nil, err
		}
		if ok {
			idx = append(idx, i)
		}
	}
	if len(keys) > 0 {
		sort.SliceStable(idx, func(a, b int) bool { return docLess(docs[idx[a]], docs[idx[b]], keys) })
	}
	return idx, nil
}

func docLess(a, b db.Document, keys []db.SortKey) bool {
	for _, key := range keys {
		va, _ := lookup(a, key.Field)
		vb, _ := lookup(b, key.Field)
		c, ok := compareValues(va, vb)
		if !ok || c == 0 {
			continue
		}
		if key.Dir == db.SortDesc {
			return c > 0
		}
		return c < 0
	}
	return false
}

// matches evaluates a filter against a document. Conditions are equality
// unless the condition value is an operator document.
func matches(doc db.Document, filter db.Document) (bool, error) {
	for path, cond := range filter {
		value, present := lookup(doc, path)
		if ops, ok := cond.(map[string]any); ok && isOperatorDoc(ops) {
			ok, err := matchOperators(value, present, ops)
			if err != nil || !ok {
				return false, err
			}
			continue
		}
		if !present || !equalValues(value, cond) {
			return false, nil
		}
	}
	return true, nil
}

func isOperatorDoc(m map[string]any) bool {
	for key := range m {
		if strings.HasPrefix(key, "$") {
			return true
		}
	}
	return false
}

func matchOperators(value any, present bool, ops map[string]any) (bool, error) {
	for op, arg := range ops {
		switch op {
		case "$eq":
			if !present || !equalValues(value, arg) {
				return false, nil
			}
		case "$ne":
			if present && equalValues(value, arg) {
				return false, nil
			}
		case "$in":
			list, ok := arg.([]any)
			if !ok {
				return false, fmt.Errorf("$in needs an array argument")
			}
			if !present {
				return false, nil
			}
			found := false
			for _, item := range list {
				if equalValues(value, item) {
					found = true
					break
				}
			}
			if !found {
				return false, nil
			}
		case "$exists":
			want, ok := arg.(bool)
			if !ok {
				return false, fmt.Errorf("$exists needs a boolean argument")
			}
			if present != want {
				return false, nil
			}
		case "$gt", "$gte", "$lt", "$lte":
			if !present {
				return false, nil
			}
			c, comparable := compareValues(value, arg)
			if !comparable {
				return false, nil
			}
			var ok bool
			switch op {
			case "$gt":
				ok = c > 0
			case "$gte":
				ok = c >= 0
			case "$lt":
				ok = c < 0
			case "$lte":
				ok = c <= 0
			}
			if !ok {
				return false, nil
			}
		default:
			return false, fmt.Errorf("unsupported filter operator %q", op)
		}
	}
	return true, nil
}

// applyUpdate mutates doc per the update operators. Only $set, $inc and
// $setOnInsert are supported; $setOnInsert applies when inserted is true.
func applyUpdate(doc db.Document, update db.Document, inserted bool) (bool, error) {
	changed := false
	for op, arg := range update {
		fields, ok := arg.(map[string]any)
		if !ok {
			return changed, fmt.Errorf("update operator %s needs an object argument", op)
		}
		switch op {
		case "$set":
			for path, v := range fields {
				if setField(doc, path, v) {
					changed = true
				}
			}
		case "$inc":
			for path, v := range fields {
				delta, ok := toNumber(v)
				if !ok {
					return changed, fmt.Errorf("$inc value for %q is not numeric", path)
				}
				base := 0.0
				if current, present := lookup(doc, path); present {
					base, ok = toNumber(current)
					if !ok {
						return changed, fmt.Errorf("$inc target %q is not numeric", path)
					}
				}
				setField(doc, path, base+delta)
				changed = true
			}
		case "$setOnInsert":
			if !inserted {
				continue
			}
			for path, v := range fields {
				if setField(doc, path, v) {
					changed = true
				}
			}
		default:
			return changed, fmt.Errorf("unsupported update operator %q", op)
		}
	}
	return changed, nil
}

// baseFromFilter builds the seed document for an upsert from the filter's
// equality conditions.
func baseFromFilter(filter db.Document) db.Document {
	doc := db.Document{}
	for path, cond := range filter {
		if ops, ok := cond.(map[string]any); ok && isOperatorDoc(ops) {
			continue
		}
		setField(doc, path, cond)
	}
	return doc
}

// lookup resolves a dot path inside a document.
func lookup(doc db.Document, path string) (any, bool) {
	var current any = map[string]any(doc)
	for _, part := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// setField sets the value at a dot path, creating intermediate objects, and
// reports whether the stored value changed.
func setField(doc db.Document, path string, v any) bool {
	parts := strings.Split(path, ".")
	current := map[string]any(doc)
	for _, part := range parts[:len(parts)-1] {
		next, ok := current[part].(map[string]any)
		if !ok {
			next = map[string]any{}
			current[part] = next
		}
		current = next
	}

	last := parts[len(parts)-1]
	old, had := current[last]
	current[last] = cloneValue(v)
	return !had || !equalValues(old, v)
}

// project applies a field projection. Any included field switches the
// projection to include mode; otherwise listed fields are excluded.
// Exclusion only handles top-level fields.
func project(doc db.Document, projection db.Projection) db.Document {
	if len(projection) == 0 {
		return doc
	}

	include := false
	for field, keep := range projection {
		if keep && field != "_id" {
			include = true
			break
		}
	}

	out := db.Document{}
	if include {
		for field, keep := range projection {
			if !keep {
				continue
			}
			if v, ok := lookup(doc, field); ok {
				setField(out, field, v)
			}
		}
		if keep, listed := projection["_id"]; !listed || keep {
			if v, ok := doc["_id"]; ok {
				out["_id"] = v
			}
		}
		return out
	}

	for k, v := range doc {
		out[k] = v
	}
	for field, keep := range projection {
		if !keep {
			delete(out, field)
		}
	}
	return out
}

// ensureID assigns a fresh id unless the document carries one.
func ensureID(doc db.Document) string {
	if id, ok := doc["_id"].(string); ok && id != "" {
		return id
	}
	id := uuid.New().String()
	doc["_id"] = id
	return id
}

func cloneDoc(doc db.Document) db.Document {
	out := make(db.Document, len(doc))
	for k, v := range doc {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneDoc(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}

func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// equalValues compares two JSON values, treating all numeric types alike.
func equalValues(a, b any) bool {
	if fa, ok := toNumber(a); ok {
		fb, ok := toNumber(b)
		return ok && fa == fb
	}
	if _, ok := toNumber(b); ok {
		return false
	}
	return reflect.DeepEqual(a, b)
}

// compareValues orders two JSON values when they share a comparable type.
func compareValues(a, b any) (int, bool) {
	if fa, ok := toNumber(a); ok {
		fb, ok := toNumber(b)
		if !ok {
			return 0, false
		}
		switch {
		case fa < fb:
			return -1, true
		case fa > fb:
			return 1, true
		}
		return 0, true
	}
	sa, okA := a.(string)
	sb, okB := b.(string)
	if okA && okB {
		return strings.Compare(sa, sb), true
	}
	return 0, false
}

// jsonEqual compares two documents through their canonical JSON encodings.
func jsonEqual(a, b db.Document) bool {
	ea, errA := json.Marshal(a)
	eb, errB := json.Marshal(b)
	return errA == nil && errB == nil && string(ea) == string(eb)
}
