// Package schemaservice hosts the schema registry component. Components
// upload their endpoint, resource and claim schemas when they come online;
// every kernel resolves schema references back through the get endpoint
// while validating calls.
package schemaservice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mdstudio/mdstudio/claims"
	"github.com/mdstudio/mdstudio/db"
	"github.com/mdstudio/mdstudio/schema"
	"github.com/mdstudio/mdstudio/session"
)

// Component serves the schema registry endpoints.
type Component struct {
	logger *slog.Logger
	store  schema.Store
	reg    *session.Registry
	kernel *session.Kernel
}

// New creates the schema component. With a nil store the component
// persists documents through the db component and declares it as a
// dependency.
func New(store schema.Store, logger *slog.Logger) *Component {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Component{
		logger: logger.With("component", "schema"),
		store:  store,
		reg:    session.NewRegistry(),
	}

	c.reg.MustRegister(session.Endpoint{
		URI: session.EndpointURI("schema", "upload"),
		Input: mustSchema(map[string]any{
			"type":     "object",
			"required": []string{"component", "schemas"},
			"properties": map[string]any{
				"component": map[string]any{"type": "string", "minLength": 1},
				"schemas":   map[string]any{"type": "object"},
			},
		}),
		Handler: c.upload,
	})
	c.reg.MustRegister(session.Endpoint{
		URI: session.EndpointURI("schema", "get"),
		Input: mustSchema(map[string]any{
			"type":     "object",
			"required": []string{"component", "type", "name"},
			"properties": map[string]any{
				"vendor":    map[string]any{"type": "string"},
				"component": map[string]any{"type": "string", "minLength": 1},
				"type":      map[string]any{"enum": []string{"endpoint", "resource", "claim"}},
				"name":      map[string]any{"type": "string", "minLength": 1},
				"version":   map[string]any{"type": "integer", "minimum": 0},
			},
		}),
		Handler: c.get,
	})
	return c
}

func mustSchema(body map[string]any) json.RawMessage {
	data, err := json.Marshal(body)
	if err != nil {
		panic(err)
	}
	return data
}

// Meta implements session.Component.
func (c *Component) Meta() session.Metadata {
	return session.Metadata{
		Name:        "schema",
		Description: "Versioned registry of endpoint, resource and claim schemas",
		Version:     "1.0.0",
	}
}

// Endpoints implements session.Component.
func (c *Component) Endpoints() *session.Registry { return c.reg }

// PreInit implements session.Component. Without an injected store the
// registry lives in the db component, which therefore must be online first.
func (c *Component) PreInit(k *session.Kernel) error {
	c.kernel = k
	if c.store == nil {
		c.store = NewDBStore(db.New(k))
		k.Require("db")
	}
	return nil
}

// OnInit implements session.Component.
func (c *Component) OnInit(context.Context) error { return nil }

// OnRun implements session.Component. The component reports itself ready to
// the auth service's ring-0 status registry; a platform without the auth
// component just runs without the status bit.
func (c *Component) OnRun(ctx context.Context) error {
	if c.kernel == nil {
		return nil
	}
	uri := session.EndpointURI("auth", "ring0", "set-status")
	if err := c.kernel.Call(ctx, uri, map[string]any{"status": true}, nil); err != nil {
		c.logger.Warn("Ring-0 status report failed", "error", err)
	}
	return nil
}

// AuthorizeRequest implements session.Component. The status probe is free;
// everything else needs the vendor group.
func (c *Component) AuthorizeRequest(uri string, cl claims.Claims) bool {
	if uri == session.StatusURI("schema") {
		return true
	}
	return cl.InGroup(claims.VendorGroup)
}

// uploadRequest is the wire request of the upload endpoint.
type uploadRequest struct {
	Component string            `json:"component"`
	Schemas   schema.DirSchemas `json:"schemas"`
}

func (c *Component) upload(ctx context.Context, request json.RawMessage, cl claims.Claims) (any, error) {
	var req uploadRequest
	if err := json.Unmarshal(request, &req); err != nil {
		return nil, fmt.Errorf("decode upload request: %w", err)
	}

	vendor := cl.Vendor()
	if vendor == "" {
		vendor = session.Vendor
	}

	stored := 0
	for _, batch := range []struct {
		typ   schema.Type
		files []schema.FileSchema
	}{
		{schema.TypeEndpoint, req.Schemas.Endpoints},
		{schema.TypeResource, req.Schemas.Resources},
		{schema.TypeClaim, req.Schemas.Claims},
	} {
		for _, file := range batch.files {
			doc := &schema.Document{
				Vendor:     vendor,
				Component:  req.Component,
				Type:       batch.typ,
				Name:       file.Name,
				Body:       file.Body,
				UploadedBy: cl.Username(),
			}
			version, err := c.store.Upsert(ctx, doc)
			if err != nil {
				return nil, fmt.Errorf("upsert %s schema %s: %w", batch.typ, file.Name, err)
			}
			stored++
			c.logger.Debug("Schema stored",
				"vendor", vendor,
				"component", req.Component,
				"type", string(batch.typ),
				"name", file.Name,
				"version", version)
		}
	}

	c.logger.Info("Schemas uploaded", "component", req.Component, "count", stored)
	return map[string]any{"stored": stored}, nil
}

// getRequest is the wire request of the get endpoint. A missing version
// asks for the latest stored one.
type getRequest struct {
	Vendor    string `json:"vendor"`
	Component string `json:"component"`
	Type      string `json:"type"`
	Name      string `json:"name"`
	Version   int    `json:"version"`
}

func (c *Component) get(ctx context.Context, request json.RawMessage, cl claims.Claims) (any, error) {
	var req getRequest
	if err := json.Unmarshal(request, &req); err != nil {
		return nil, fmt.Errorf("decode get request: %w", err)
	}

	schemaType, err := schema.ParseType(req.Type)
	if err != nil {
		return nil, err
	}

	vendor := req.Vendor
	if vendor == "" {
		vendor = cl.Vendor()
	}
	if vendor == "" {
		vendor = session.Vendor
	}

	key := schema.Key{Vendor: vendor, Component: req.Component, Type: schemaType, Name: req.Name}
	doc, err := c.store.FindLatest(ctx, key, req.Version)
	if err != nil {
		if errors.Is(err, schema.ErrNotFound) {
			return nil, fmt.Errorf("%w: schema name %q with type %q and version %d on %q was not found",
				schema.ErrNotFound, req.Name, req.Type, req.Version, vendor+"/"+req.Component)
		}
		return nil, err
	}
	return json.RawMessage(doc.Body), nil
}
