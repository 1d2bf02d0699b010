// Package logservice hosts the logger component. Components flush their
// buffered log records here; the service persists them in the document store
// and mirrors them onto the process log.
package logservice

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/mdstudio/mdstudio/claims"
	"github.com/mdstudio/mdstudio/db"
	"github.com/mdstudio/mdstudio/session"
)

// Component serves the logger endpoints.
type Component struct {
	logger *slog.Logger
	mirror *slog.Logger
	client *db.Client
	reg    *session.Registry
	kernel *session.Kernel
}

// New creates the logger component. With a nil client the component
// persists records through the db component and declares it as a
// dependency. Pushed records are mirrored onto the given logger.
func New(client *db.Client, logger *slog.Logger) *Component {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Component{
		logger: logger.With("component", "logger"),
		mirror: logger,
		client: client,
		reg:    session.NewRegistry(),
	}

	c.reg.MustRegister(session.Endpoint{
		URI: session.EndpointURI("logger", "push-logs"),
		Input: mustSchema(map[string]any{
			"type":     "object",
			"required": []string{"logs"},
			"properties": map[string]any{
				"logs": map[string]any{
					"type": "array",
					"items": map[string]any{
						"type":     "object",
						"required": []string{"level", "time", "source", "message"},
						"properties": map[string]any{
							"level":   map[string]any{"enum": []string{"debug", "info", "warn", "warning", "error", "critical"}},
							"time":    map[string]any{"type": []string{"string", "number"}},
							"source":  map[string]any{"type": "string"},
							"message": map[string]any{"type": "string"},
						},
					},
				},
			},
		}),
		Handler: c.pushLogs,
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
		Name:        "logger",
		Description: "Collects and persists component log records",
		Version:     "1.0.0",
	}
}

// Endpoints implements session.Component.
func (c *Component) Endpoints() *session.Registry { return c.reg }

// PreInit implements session.Component.
func (c *Component) PreInit(k *session.Kernel) error {
	c.kernel = k
	if c.client == nil {
		c.client = db.New(k)
		k.Require("db")
	}
	return nil
}

// OnInit implements session.Component.
func (c *Component) OnInit(context.Context) error { return nil }

// OnRun implements session.Component.
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
	if uri == session.StatusURI("logger") {
		return true
	}
	return cl.InGroup(claims.VendorGroup)
}

// Record is one log line as components flush it.
type Record struct {
	Level   string `json:"level"`
	Time    any    `json:"time"`
	Source  string `json:"source"`
	Message string `json:"message"`
}

func (c *Component) pushLogs(ctx context.Context, request json.RawMessage, cl claims.Claims) (any, error) {
	var req struct {
		Logs []Record `json:"logs"`
	}
	if err := json.Unmarshal(request, &req); err != nil {
		return nil, fmt.Errorf("decode push-logs request: %w", err)
	}
	if len(req.Logs) == 0 {
		return map[string]any{"pushed": 0}, nil
	}

	docs := make([]db.Document, 0, len(req.Logs))
	for _, record := range req.Logs {
		docs = append(docs, db.Document{
			"level":   record.Level,
			"time":    record.Time,
			"source":  record.Source,
			"message": record.Message,
		})
		c.mirror.Log(ctx, levelFor(record.Level), record.Message,
			"source", record.Source, "time", record.Time)
	}

	if _, err := c.client.InsertMany(ctx, "logs", docs); err != nil {
		return nil, fmt.Errorf("store %d log records: %w", len(docs), err)
	}

	c.logger.Debug("Log records pushed", "count", len(docs), "by", cl.Username())
	return map[string]any{"pushed": len(docs)}, nil
}

func levelFor(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error", "critical":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
