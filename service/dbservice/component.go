package dbservice

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/mdstudio/mdstudio/claims"
	"github.com/mdstudio/mdstudio/db"
	"github.com/mdstudio/mdstudio/session"
)

// connectionClaims is the extra claim schema every db endpoint demands: the
// caller must state how it is connected so the store can pick a namespace.
var connectionClaims = mustSchema(map[string]any{
	"type":     "object",
	"required": []string{"connectionType"},
	"properties": map[string]any{
		"connectionType": map[string]any{
			"enum": []string{"user", "group", "groupRole"},
		},
	},
})

func mustSchema(body map[string]any) json.RawMessage {
	data, err := json.Marshal(body)
	if err != nil {
		panic(err)
	}
	return data
}

func objectSchema(required ...string) json.RawMessage {
	body := map[string]any{"type": "object"}
	if len(required) > 0 {
		body["required"] = required
	}
	return mustSchema(body)
}

// Component serves the document store endpoints.
type Component struct {
	logger *slog.Logger
	store  *Store
	reg    *session.Registry
}

// New creates the db component over the given store.
func New(store *Store, logger *slog.Logger) *Component {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Component{
		logger: logger.With("component", "db"),
		store:  store,
		reg:    session.NewRegistry(),
	}
	c.registerEndpoints()
	return c
}

// Meta implements session.Component.
func (c *Component) Meta() session.Metadata {
	return session.Metadata{
		Name:        "db",
		Description: "Namespaced document store serving the platform collection operations",
		Version:     "1.0.0",
	}
}

// Endpoints implements session.Component.
func (c *Component) Endpoints() *session.Registry { return c.reg }

// PreInit implements session.Component. The store has no upstream peers.
func (c *Component) PreInit(*session.Kernel) error { return nil }

// OnInit implements session.Component.
func (c *Component) OnInit(context.Context) error { return nil }

// OnRun implements session.Component.
func (c *Component) OnRun(context.Context) error { return nil }

// AuthorizeRequest implements session.Component. Only platform components
// reach the store.
func (c *Component) AuthorizeRequest(_ string, cl claims.Claims) bool {
	return cl.InGroup(claims.VendorGroup)
}

func (c *Component) registerEndpoints() {
	ops := []struct {
		name     string
		required []string
		handler  session.Handler
	}{
		{"insert_one", []string{"collection", "insert"}, c.insertOne},
		{"insert_many", []string{"collection", "insert"}, c.insertMany},
		{"find_one", []string{"collection"}, c.findOne},
		{"find_many", []string{"collection"}, c.findMany},
		{"update_one", []string{"collection", "filter", "update"}, c.updateOne},
		{"update_many", []string{"collection", "filter", "update"}, c.updateMany},
		{"replace_one", []string{"collection", "filter", "replacement"}, c.replaceOne},
		{"delete_one", []string{"collection"}, c.deleteOne},
		{"delete_many", []string{"collection"}, c.deleteMany},
		{"count", nil, c.count},
		{"find_one_and_update", []string{"collection", "filter", "update"}, c.findOneAndUpdate},
		{"find_one_and_replace", []string{"collection", "filter", "replacement"}, c.findOneAndReplace},
		{"find_one_and_delete", []string{"collection", "filter"}, c.findOneAndDelete},
		{"distinct", []string{"collection", "field"}, c.distinct},
		{"aggregate", []string{"collection", "pipeline"}, c.aggregate},
		{"more", []string{"cursorId"}, c.more},
		{"rewind", []string{"cursorId"}, c.rewind},
	}
	for _, op := range ops {
		c.reg.MustRegister(session.Endpoint{
			URI:     session.EndpointURI("db", op.name),
			Input:   objectSchema(op.required...),
			Claims:  connectionClaims,
			Handler: op.handler,
		})
	}
}

// namespaceFor derives the store namespace from the caller's connection
// claims.
func namespaceFor(cl claims.Claims) (string, error) {
	switch cl.ConnType() {
	case claims.ConnectionUser:
		if u := cl.Username(); u != "" {
			return u, nil
		}
		return "", fmt.Errorf("user connection carries no username claim")
	case claims.ConnectionGroup:
		if g := cl.Group(); g != "" {
			return g, nil
		}
		return "", fmt.Errorf("group connection carries no group claim")
	case claims.ConnectionGroupRole:
		g, u := cl.Group(), cl.Username()
		if g != "" && u != "" {
			return g + "." + u, nil
		}
		return "", fmt.Errorf("groupRole connection needs group and username claims")
	}
	return "", fmt.Errorf("unsupported connection type %q", cl.ConnType())
}

func (c *Component) insertOne(_ context.Context, request json.RawMessage, cl claims.Claims) (any, error) {
	var req db.InsertOneRequest
	if err := json.Unmarshal(request, &req); err != nil {
		return nil, fmt.Errorf("decode insert_one request: %w", err)
	}
	ns, err := namespaceFor(cl)
	if err != nil {
		return nil, err
	}
	id := c.store.InsertOne(ns, req.Collection, req.Insert)
	c.logger.Debug("Inserted document", "namespace", ns, "collection", req.Collection, "id", id)
	return db.InsertOneResponse{ID: id}, nil
}

func (c *Component) insertMany(_ context.Context, request json.RawMessage, cl claims.Claims) (any, error) {
	var req db.InsertManyRequest
	if err := json.Unmarshal(request, &req); err != nil {
		return nil, fmt.Errorf("decode insert_many request: %w", err)
	}
	ns, err := namespaceFor(cl)
	if err != nil {
		return nil, err
	}
	ids := c.store.InsertMany(ns, req.Collection, req.Insert)
	c.logger.Debug("Inserted documents", "namespace", ns, "collection", req.Collection, "count", len(ids))
	return db.InsertManyResponse{IDs: ids}, nil
}

func (c *Component) findOne(_ context.Context, request json.RawMessage, cl claims.Claims) (any, error) {
	var req db.FindRequest
	if err := json.Unmarshal(request, &req); err != nil {
		return nil, fmt.Errorf("decode find_one request: %w", err)
	}
	ns, err := namespaceFor(cl)
	if err != nil {
		return nil, err
	}
	doc, err := c.store.FindOne(ns, req)
	if err != nil {
		return nil, err
	}
	return db.FindOneResponse{Result: doc}, nil
}

func (c *Component) findMany(_ context.Context, request json.RawMessage, cl claims.Claims) (any, error) {
	var req db.FindRequest
	if err := json.Unmarshal(request, &req); err != nil {
		return nil, fmt.Errorf("decode find_many request: %w", err)
	}
	ns, err := namespaceFor(cl)
	if err != nil {
		return nil, err
	}
	return c.store.FindMany(ns, req)
}

func (c *Component) updateOne(_ context.Context, request json.RawMessage, cl claims.Claims) (any, error) {
	var req db.UpdateRequest
	if err := json.Unmarshal(request, &req); err != nil {
		return nil, fmt.Errorf("decode update_one request: %w", err)
	}
	ns, err := namespaceFor(cl)
	if err != nil {
		return nil, err
	}
	return c.store.UpdateOne(ns, req)
}

func (c *Component) updateMany(_ context.Context, request json.RawMessage, cl claims.Claims) (any, error) {
	var req db.UpdateRequest
	if err := json.Unmarshal(request, &req); err != nil {
		return nil, fmt.Errorf("decode update_many request: %w", err)
	}
	ns, err := namespaceFor(cl)
	if err != nil {
		return nil, err
	}
	return c.store.UpdateMany(ns, req)
}

func (c *Component) replaceOne(_ context.Context, request json.RawMessage, cl claims.Claims) (any, error) {
	var req db.ReplaceRequest
	if err := json.Unmarshal(request, &req); err != nil {
		return nil, fmt.Errorf("decode replace_one request: %w", err)
	}
	ns, err := namespaceFor(cl)
	if err != nil {
		return nil, err
	}
	return c.store.ReplaceOne(ns, req)
}

func (c *Component) deleteOne(_ context.Context, request json.RawMessage, cl claims.Claims) (any, error) {
	var req db.DeleteRequest
	if err := json.Unmarshal(request, &req); err != nil {
		return nil, fmt.Errorf("decode delete_one request: %w", err)
	}
	ns, err := namespaceFor(cl)
	if err != nil {
		return nil, err
	}
	count, err := c.store.DeleteOne(ns, req)
	if err != nil {
		return nil, err
	}
	return db.DeleteResponse{Count: count}, nil
}

func (c *Component) deleteMany(_ context.Context, request json.RawMessage, cl claims.Claims) (any, error) {
	var req db.DeleteRequest
	if err := json.Unmarshal(request, &req); err != nil {
		return nil, fmt.Errorf("decode delete_many request: %w", err)
	}
	ns, err := namespaceFor(cl)
	if err != nil {
		return nil, err
	}
	count, err := c.store.DeleteMany(ns, req)
	if err != nil {
		return nil, err
	}
	c.logger.Debug("Deleted documents", "namespace", ns, "collection", req.Collection, "count", count)
	return db.DeleteResponse{Count: count}, nil
}

func (c *Component) count(_ context.Context, request json.RawMessage, cl claims.Claims) (any, error) {
	var req db.CountRequest
	if err := json.Unmarshal(request, &req); err != nil {
		return nil, fmt.Errorf("decode count request: %w", err)
	}
	ns := ""
	if req.CursorID == "" {
		var err error
		if ns, err = namespaceFor(cl); err != nil {
			return nil, err
		}
	}
	total, err := c.store.Count(ns, req)
	if err != nil {
		return nil, err
	}
	return db.CountResponse{Total: total}, nil
}

func (c *Component) findOneAndUpdate(_ context.Context, request json.RawMessage, cl claims.Claims) (any, error) {
	var req db.ModifyRequest
	if err := json.Unmarshal(request, &req); err != nil {
		return nil, fmt.Errorf("decode find_one_and_update request: %w", err)
	}
	ns, err := namespaceFor(cl)
	if err != nil {
		return nil, err
	}
	doc, err := c.store.FindOneAndUpdate(ns, req)
	if err != nil {
		return nil, err
	}
	return db.FindOneResponse{Result: doc}, nil
}

func (c *Component) findOneAndReplace(_ context.Context, request json.RawMessage, cl claims.Claims) (any, error) {
	var req db.ModifyRequest
	if err := json.Unmarshal(request, &req); err != nil {
		return nil, fmt.Errorf("decode find_one_and_replace request: %w", err)
	}
	ns, err := namespaceFor(cl)
	if err != nil {
		return nil, err
	}
	doc, err := c.store.FindOneAndReplace(ns, req)
	if err != nil {
		return nil, err
	}
	return db.FindOneResponse{Result: doc}, nil
}

func (c *Component) findOneAndDelete(_ context.Context, request json.RawMessage, cl claims.Claims) (any, error) {
	var req db.ModifyRequest
	if err := json.Unmarshal(request, &req); err != nil {
		return nil, fmt.Errorf("decode find_one_and_delete request: %w", err)
	}
	ns, err := namespaceFor(cl)
	if err != nil {
		return nil, err
	}
	doc, err := c.store.FindOneAndDelete(ns, req)
	if err != nil {
		return nil, err
	}
	return db.FindOneResponse{Result: doc}, nil
}

func (c *Component) distinct(_ context.Context, request json.RawMessage, cl claims.Claims) (any, error) {
	var req db.DistinctRequest
	if err := json.Unmarshal(request, &req); err != nil {
		return nil, fmt.Errorf("decode distinct request: %w", err)
	}
	ns, err := namespaceFor(cl)
	if err != nil {
		return nil, err
	}
	values, err := c.store.Distinct(ns, req)
	if err != nil {
		return nil, err
	}
	return db.DistinctResponse{Results: values, Total: len(values)}, nil
}

func (c *Component) aggregate(_ context.Context, request json.RawMessage, cl claims.Claims) (any, error) {
	var req db.AggregateRequest
	if err := json.Unmarshal(request, &req); err != nil {
		return nil, fmt.Errorf("decode aggregate request: %w", err)
	}
	ns, err := namespaceFor(cl)
	if err != nil {
		return nil, err
	}
	return c.store.Aggregate(ns, req)
}

func (c *Component) more(_ context.Context, request json.RawMessage, _ claims.Claims) (any, error) {
	var req db.CursorRequest
	if err := json.Unmarshal(request, &req); err != nil {
		return nil, fmt.Errorf("decode more request: %w", err)
	}
	return c.store.More(req.CursorID)
}

func (c *Component) rewind(_ context.Context, request json.RawMessage, _ claims.Claims) (any, error) {
	var req db.CursorRequest
	if err := json.Unmarshal(request, &req); err != nil {
		return nil, fmt.Errorf("decode rewind request: %w", err)
	}
	return c.store.Rewind(req.CursorID)
}
