// Package db is the typed client for the platform document store. Every
// operation is a signed call to a db component endpoint; the client's
// connection type selects the namespace the store serves, so two components
// never see each other's collections unless they share a group.
package db

import (
	"context"
	"fmt"

	"github.com/mdstudio/mdstudio/claims"
	"github.com/mdstudio/mdstudio/session"
)

// Caller issues signed platform calls. *session.Kernel implements it.
type Caller interface {
	Call(ctx context.Context, uri string, request any, out any, extra ...claims.Claims) error
}

// Client calls the db component on behalf of one connection.
type Client struct {
	caller   Caller
	connType claims.ConnectionType
	group    string
}

// New returns a client operating on the calling session's own namespace.
func New(caller Caller) *Client {
	return &Client{caller: caller, connType: claims.ConnectionUser}
}

// NewGroup returns a client operating on the shared namespace of a group.
func NewGroup(caller Caller, group string) *Client {
	return &Client{caller: caller, connType: claims.ConnectionGroup, group: group}
}

// NewGroupRole returns a client operating on the caller's role namespace
// within a group.
func NewGroupRole(caller Caller, group string) *Client {
	return &Client{caller: caller, connType: claims.ConnectionGroupRole, group: group}
}

func (c *Client) call(ctx context.Context, op string, request, out any) error {
	extra := claims.Claims{"connectionType": string(c.connType)}
	if c.connType == claims.ConnectionGroup || c.connType == claims.ConnectionGroupRole {
		if c.group == "" {
			return fmt.Errorf("db %s: group connection without a group", op)
		}
		extra["group"] = c.group
	}
	if err := c.caller.Call(ctx, session.EndpointURI("db", op), request, out, extra); err != nil {
		return fmt.Errorf("db %s: %w", op, err)
	}
	return nil
}

// FindOptions tunes the matched set of a query operation.
type FindOptions struct {
	Projection Projection
	Skip       int
	Limit      int
	Sort       []SortKey
}

// ModifyOptions tunes the find_one_and_update and find_one_and_replace
// operations. ReturnUpdated returns the document after modification instead
// of before.
type ModifyOptions struct {
	Upsert        bool
	Projection    Projection
	Sort          []SortKey
	ReturnUpdated bool
}

func firstFind(opts []FindOptions) FindOptions {
	if len(opts) > 0 {
		return opts[0]
	}
	return FindOptions{}
}

func firstModify(opts []ModifyOptions) ModifyOptions {
	if len(opts) > 0 {
		return opts[0]
	}
	return ModifyOptions{}
}

// InsertOne stores one document and returns its id.
func (c *Client) InsertOne(ctx context.Context, collection string, insert Document) (string, error) {
	var out InsertOneResponse
	err := c.call(ctx, "insert_one", InsertOneRequest{Collection: collection, Insert: insert}, &out)
	return out.ID, err
}

// InsertMany stores documents and returns their ids in insertion order.
func (c *Client) InsertMany(ctx context.Context, collection string, inserts []Document) ([]string, error) {
	var out InsertManyResponse
	err := c.call(ctx, "insert_many", InsertManyRequest{Collection: collection, Insert: inserts}, &out)
	return out.IDs, err
}

// FindOne returns the first document matching the filter, or nil.
func (c *Client) FindOne(ctx context.Context, collection string, filter Document, opts ...FindOptions) (Document, error) {
	o := firstFind(opts)
	request := FindRequest{
		Collection: collection,
		Filter:     filter,
		Projection: o.Projection,
		Skip:       o.Skip,
		Sort:       o.Sort,
	}
	var out FindOneResponse
	err := c.call(ctx, "find_one", request, &out)
	return out.Result, err
}

// FindMany returns the documents matching the filter. With a limit the
// result is the first page and carries a cursor id for More.
func (c *Client) FindMany(ctx context.Context, collection string, filter Document, opts ...FindOptions) (*FindResult, error) {
	o := firstFind(opts)
	request := FindRequest{
		Collection: collection,
		Filter:     filter,
		Projection: o.Projection,
		Skip:       o.Skip,
		Limit:      o.Limit,
		Sort:       o.Sort,
	}
	var out FindResult
	if err := c.call(ctx, "find_many", request, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// More fetches the next page of an open cursor.
func (c *Client) More(ctx context.Context, cursorID string) (*FindResult, error) {
	var out FindResult
	if err := c.call(ctx, "more", CursorRequest{CursorID: cursorID}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Rewind restarts an open cursor and returns its first page again.
func (c *Client) Rewind(ctx context.Context, cursorID string) (*FindResult, error) {
	var out FindResult
	if err := c.call(ctx, "rewind", CursorRequest{CursorID: cursorID}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Count returns the number of documents matching the filter.
func (c *Client) Count(ctx context.Context, collection string, filter Document, opts ...FindOptions) (int, error) {
	o := firstFind(opts)
	request := CountRequest{Collection: collection, Filter: filter, Skip: o.Skip, Limit: o.Limit}
	var out CountResponse
	err := c.call(ctx, "count", request, &out)
	return out.Total, err
}

// CountCursor counts the documents behind an open cursor. With
// withLimitAndSkip the count honours the cursor's original window.
func (c *Client) CountCursor(ctx context.Context, cursorID string, withLimitAndSkip bool) (int, error) {
	request := CountRequest{CursorID: cursorID, WithLimitAndSkip: withLimitAndSkip}
	var out CountResponse
	err := c.call(ctx, "count", request, &out)
	return out.Total, err
}

// UpdateOne applies update operators to the first matching document.
func (c *Client) UpdateOne(ctx context.Context, collection string, filter, update Document, upsert bool) (*UpdateResult, error) {
	request := UpdateRequest{Collection: collection, Filter: filter, Update: update, Upsert: upsert}
	var out UpdateResult
	if err := c.call(ctx, "update_one", request, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateMany applies update operators to every matching document.
func (c *Client) UpdateMany(ctx context.Context, collection string, filter, update Document, upsert bool) (*UpdateResult, error) {
	request := UpdateRequest{Collection: collection, Filter: filter, Update: update, Upsert: upsert}
	var out UpdateResult
	if err := c.call(ctx, "update_many", request, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ReplaceOne replaces the first matching document wholesale.
func (c *Client) ReplaceOne(ctx context.Context, collection string, filter, replacement Document, upsert bool) (*UpdateResult, error) {
	request := ReplaceRequest{Collection: collection, Filter: filter, Replacement: replacement, Upsert: upsert}
	var out UpdateResult
	if err := c.call(ctx, "replace_one", request, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// FindOneAndUpdate atomically updates the first matching document and
// returns it.
func (c *Client) FindOneAndUpdate(ctx context.Context, collection string, filter, update Document, opts ...ModifyOptions) (Document, error) {
	o := firstModify(opts)
	request := ModifyRequest{
		Collection:    collection,
		Filter:        filter,
		Update:        update,
		Upsert:        o.Upsert,
		Projection:    o.Projection,
		Sort:          o.Sort,
		ReturnUpdated: o.ReturnUpdated,
	}
	var out FindOneResponse
	err := c.call(ctx, "find_one_and_update", request, &out)
	return out.Result, err
}

// FindOneAndReplace atomically replaces the first matching document and
// returns it.
func (c *Client) FindOneAndReplace(ctx context.Context, collection string, filter, replacement Document, opts ...ModifyOptions) (Document, error) {
	o := firstModify(opts)
	request := ModifyRequest{
		Collection:    collection,
		Filter:        filter,
		Replacement:   replacement,
		Upsert:        o.Upsert,
		Projection:    o.Projection,
		Sort:          o.Sort,
		ReturnUpdated: o.ReturnUpdated,
	}
	var out FindOneResponse
	err := c.call(ctx, "find_one_and_replace", request, &out)
	return out.Result, err
}

// FindOneAndDelete atomically removes the first matching document and
// returns it.
func (c *Client) FindOneAndDelete(ctx context.Context, collection string, filter Document, opts ...FindOptions) (Document, error) {
	o := firstFind(opts)
	request := ModifyRequest{
		Collection: collection,
		Filter:     filter,
		Projection: o.Projection,
		Sort:       o.Sort,
	}
	var out FindOneResponse
	err := c.call(ctx, "find_one_and_delete", request, &out)
	return out.Result, err
}

// DeleteOne removes the first matching document.
func (c *Client) DeleteOne(ctx context.Context, collection string, filter Document) (int, error) {
	var out DeleteResponse
	err := c.call(ctx, "delete_one", DeleteRequest{Collection: collection, Filter: filter}, &out)
	return out.Count, err
}

// DeleteMany removes every matching document.
func (c *Client) DeleteMany(ctx context.Context, collection string, filter Document) (int, error) {
	var out DeleteResponse
	err := c.call(ctx, "delete_many", DeleteRequest{Collection: collection, Filter: filter}, &out)
	return out.Count, err
}

// Distinct returns the distinct values of a field across matching
// documents.
func (c *Client) Distinct(ctx context.Context, collection, field string, query Document) ([]any, error) {
	var out DistinctResponse
	err := c.call(ctx, "distinct", DistinctRequest{Collection: collection, Field: field, Query: query}, &out)
	return out.Results, err
}

// Aggregate runs a restricted aggregation pipeline.
func (c *Client) Aggregate(ctx context.Context, collection string, pipeline []Document) (*FindResult, error) {
	var out FindResult
	if err := c.call(ctx, "aggregate", AggregateRequest{Collection: collection, Pipeline: pipeline}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
