// Package authservice hosts the auth component: the platform's token
// authority and the router's authentication and authorization backend. It
// serves the sign and verify endpoints every kernel depends on, the login
// and logout hooks, the per-ring authorize hooks and the OAuth client
// management surface.
package authservice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mdstudio/mdstudio/authz"
	"github.com/mdstudio/mdstudio/claims"
	"github.com/mdstudio/mdstudio/db"
	"github.com/mdstudio/mdstudio/session"
)

// Config tunes the login checks.
type Config struct {
	// OnlyLocalhostAccess rejects logins arriving through any domain other
	// than localhost.
	OnlyLocalhostAccess bool `yaml:"only_localhost_access"`

	// DomainBlacklist lists domains denied at login. An entry matches the
	// domain itself and its subdomains.
	DomainBlacklist []string `yaml:"domain_blacklist"`

	// UnsafeProperties are user record fields stripped from login replies.
	UnsafeProperties []string `yaml:"unsafe_properties"`
}

// DefaultConfig returns the default auth configuration.
func DefaultConfig() Config {
	return Config{
		UnsafeProperties: []string{"password"},
	}
}

// Component serves the auth endpoints.
type Component struct {
	logger  *slog.Logger
	cfg     Config
	signer  *claims.Signer
	metrics prometheus.Registerer
	reg     *session.Registry
	kernel  *session.Kernel

	directory  *Directory
	stats      authz.Stats
	authorizer *authz.Authorizer

	statusMu sync.Mutex
	status   map[string]bool
}

// New creates the auth component around the process signer. The metrics
// registerer may be nil.
func New(cfg Config, signer *claims.Signer, logger *slog.Logger, metrics prometheus.Registerer) *Component {
	if logger == nil {
		logger = slog.Default()
	}
	if len(cfg.UnsafeProperties) == 0 {
		cfg.UnsafeProperties = DefaultConfig().UnsafeProperties
	}
	c := &Component{
		logger:  logger.With("component", "auth"),
		cfg:     cfg,
		signer:  signer,
		metrics: metrics,
		reg:     session.NewRegistry(),
		status:  map[string]bool{"auth": true},
	}
	c.registerEndpoints()
	return c
}

func (c *Component) registerEndpoints() {
	raw := []struct {
		uri     string
		handler session.RawHandler
	}{
		{session.SignURI, c.sign},
		{session.VerifyURI, c.verify},
		{session.LoginURI, c.login},
		{session.LogoutURI, c.logout},
	}
	for _, ep := range raw {
		c.reg.MustRegister(session.Endpoint{URI: ep.uri, Raw: ep.handler})
	}

	for _, ring := range []string{"admin", "ring0", "oauth", "user", "public"} {
		c.reg.MustRegister(session.Endpoint{
			URI: session.EndpointURI("auth", "authorize", ring),
			Raw: c.authorizeRing(ring),
		})
	}

	c.reg.MustRegister(session.Endpoint{
		URI: session.EndpointURI("auth", "ring0", "set-status"),
		Input: mustSchema(map[string]any{
			"type":     "object",
			"required": []string{"status"},
			"properties": map[string]any{
				"status": map[string]any{"type": "boolean"},
			},
		}),
		Handler: c.ring0SetStatus,
	})
	c.reg.MustRegister(session.Endpoint{
		URI: session.EndpointURI("auth", "ring0", "get-status"),
		Input: mustSchema(map[string]any{
			"type":     "object",
			"required": []string{"component"},
			"properties": map[string]any{
				"component": map[string]any{"type": "string", "minLength": 1},
			},
		}),
		Handler: c.ring0GetStatus,
	})
	c.reg.MustRegister(session.Endpoint{
		URI: session.EndpointURI("auth", "oauth", "client", "create"),
		Input: mustSchema(map[string]any{
			"type":     "object",
			"required": []string{"scopes"},
			"properties": map[string]any{
				"scopes": map[string]any{
					"type":  "array",
					"items": map[string]any{"type": "string"},
				},
			},
		}),
		Handler: c.oauthClientCreate,
	})
	c.reg.MustRegister(session.Endpoint{
		URI: session.EndpointURI("auth", "oauth", "client", "getusername"),
		Input: mustSchema(map[string]any{
			"type":     "object",
			"required": []string{"clientId"},
			"properties": map[string]any{
				"clientId": map[string]any{"type": "string", "minLength": 1},
			},
		}),
		Handler: c.oauthClientUsername,
	})
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
		Name:        "auth",
		Description: "Token authority, login backend and authorization rings",
		Version:     "1.0.0",
	}
}

// Endpoints implements session.Component.
func (c *Component) Endpoints() *session.Registry { return c.reg }

// PreInit implements session.Component. The auth component declares no
// dependencies: its endpoints must be up before any peer can come online, so
// database-touching work is gated by a waiter instead.
func (c *Component) PreInit(k *session.Kernel) error {
	c.kernel = k
	client := db.New(k)
	c.wire(client, NewDBStats(client, session.NewServiceWaiter(k.Conn(), "db", c.logger)))
	return nil
}

// wire binds the db-backed collaborators. PreInit calls it with the kernel's
// client; tests call it with one of their own.
func (c *Component) wire(client *db.Client, stats authz.Stats) {
	c.directory = NewDirectory(client)
	c.stats = stats
	c.authorizer = authz.New(c.logger, stats, c.directory, c.metrics)
}

// OnInit implements session.Component.
func (c *Component) OnInit(context.Context) error { return nil }

// OnRun implements session.Component.
func (c *Component) OnRun(context.Context) error { return nil }

// AuthorizeRequest implements session.Component. The ring-0 status registry
// is for platform components; OAuth client management is open to any
// authenticated user.
func (c *Component) AuthorizeRequest(uri string, cl claims.Claims) bool {
	switch {
	case strings.HasPrefix(uri, session.EndpointURI("auth", "ring0")):
		return cl.InGroup(claims.VendorGroup)
	case strings.HasPrefix(uri, session.EndpointURI("auth", "oauth", "client")):
		return cl.Username() != ""
	}
	return false
}

// signRequest is the wire request of the sign endpoint. The router discloses
// the caller role; NATS has no router-asserted identity, so the role travels
// in the request and the signer enforces the allowed set.
type signRequest struct {
	Claims claims.Claims `json:"claims"`
	Role   string        `json:"role"`
}

func (c *Component) sign(_ context.Context, data []byte) ([]byte, error) {
	var req signRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("decode sign request: %w", err)
	}
	token, err := c.signer.Sign(req.Claims, req.Role)
	if err != nil {
		c.logger.Warn("Sign request rejected", "role", req.Role, "error", err)
		return json.Marshal(map[string]string{"error": err.Error()})
	}
	return json.Marshal(map[string]string{"token": token})
}

func (c *Component) verify(_ context.Context, data []byte) ([]byte, error) {
	var req struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("decode verify request: %w", err)
	}

	cl, err := c.signer.Verify(req.Token)
	switch {
	case errors.Is(err, claims.ErrTokenExpired):
		return json.Marshal(map[string]string{"expired": "Request token has expired"})
	case err != nil:
		return json.Marshal(map[string]string{"error": "could not verify user"})
	}
	return json.Marshal(map[string]any{"claims": cl})
}

// loginDetails carries the router-provided login context.
type loginDetails struct {
	AuthMethod string            `json:"authmethod"`
	Ticket     string            `json:"ticket,omitempty"`
	Session    int64             `json:"session,omitempty"`
	Headers    map[string]string `json:"http_headers_received,omitempty"`
}

// loginRequest is the wire request of the login endpoint.
type loginRequest struct {
	Realm   string       `json:"realm"`
	AuthID  string       `json:"authid"`
	Details loginDetails `json:"details"`
}

// loginReply is the authentication ticket handed back to the router.
type loginReply struct {
	Realm  string         `json:"realm"`
	Role   string         `json:"role"`
	Extra  map[string]any `json:"extra"`
	Secret string         `json:"secret,omitempty"`
}

func (c *Component) login(ctx context.Context, data []byte) ([]byte, error) {
	var req loginRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("decode login request: %w", err)
	}
	if req.AuthID == "" {
		return nil, errors.New("authentication ID not defined")
	}

	domain := req.Details.Headers["host"]
	c.logger.Info("Authentication request",
		"realm", req.Realm,
		"authid", req.AuthID,
		"authmethod", req.Details.AuthMethod,
		"domain", domain)

	if domain != "" && c.cfg.OnlyLocalhostAccess && domain != "localhost" {
		return nil, fmt.Errorf("access granted only to local users, access via domain %s", domain)
	}
	if domainBlacklisted(domain, c.cfg.DomainBlacklist) {
		c.logger.Info("Access for domain blacklisted", "domain", domain)
		return nil, fmt.Errorf("access from domain %s not allowed", domain)
	}

	username := strings.TrimSpace(req.AuthID)
	secret := strings.TrimSpace(req.Details.Ticket)
	user, err := c.directory.UserByUsername(ctx, username)
	if err != nil {
		return nil, err
	}

	var (
		ticket      loginReply
		userID      string
		accessToken string
	)

	switch req.Details.AuthMethod {
	case "ticket":
		if user != nil && CheckPassword(user.Password, secret) {
			c.logger.Info("Correct login attempt", "user", username)
			ticket = loginReply{Realm: req.Realm, Role: user.Role, Extra: c.safeExtra(user)}
			userID = user.ID
			break
		}
		c.logger.Info("Incorrect login attempt", "user", username)

		// Not a valid user; the authid may name an OAuth client using its
		// secret as the ticket.
		client, err := c.directory.ClientByClientID(ctx, username)
		if err != nil {
			return nil, err
		}
		if client == nil || client.Secret != secret {
			return nil, errors.New("could not authenticate session")
		}
		accessToken = generateSecret()
		ticket = loginReply{
			Realm: req.Realm,
			Role:  "oauthclient",
			Extra: map[string]any{"access_token": accessToken},
		}
		userID = client.ID

	case "wampcra":
		// Challenge-response: the router needs the stored secret to finish
		// the handshake itself.
		if user == nil {
			return nil, errors.New("could not authenticate session")
		}
		ticket = loginReply{Realm: req.Realm, Role: user.Role, Extra: c.safeExtra(user), Secret: user.Password}
		userID = user.ID

	default:
		return nil, fmt.Errorf("no such authentication method known: %s", req.Details.AuthMethod)
	}

	if err := c.directory.StartSession(ctx, userID, req.Details.Session, accessToken); err != nil {
		return nil, err
	}

	c.logger.Info("Access granted", "user", username)
	return json.Marshal(ticket)
}

// logoutRequest is the wire request of the logout endpoint.
type logoutRequest struct {
	AuthID  string `json:"authid"`
	Session int64  `json:"session"`
}

func (c *Component) logout(ctx context.Context, data []byte) ([]byte, error) {
	var req logoutRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("decode logout request: %w", err)
	}

	user, err := c.directory.UserByUsername(ctx, req.AuthID)
	if err != nil {
		return nil, err
	}
	if user != nil {
		c.logger.Info("Logout user", "user", user.Username, "id", user.ID)
		ended, err := c.directory.EndSession(ctx, user.ID, req.Session)
		if err != nil {
			return nil, err
		}
		if ended {
			return json.Marshal(fmt.Sprintf("%s you are now logged out", user.Username))
		}
	}
	return json.Marshal("Unknown user, unable to logout")
}

// authorizeRequest is the wire request of the authorize hooks.
type authorizeRequest struct {
	Session authz.Session `json:"session"`
	URI     string        `json:"uri"`
	Action  string        `json:"action"`
	Options authz.Options `json:"options"`
}

// authorizeRing adapts one ring to the router's authorize hook wire form:
// a decision object when allowed, literal false when denied.
func (c *Component) authorizeRing(ring string) session.RawHandler {
	return func(ctx context.Context, data []byte) ([]byte, error) {
		var req authorizeRequest
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, fmt.Errorf("decode authorize request: %w", err)
		}

		action := authz.Action(req.Action)
		var decision authz.Decision
		switch ring {
		case "admin":
			decision = c.authorizer.Admin(ctx, req.Session, req.URI, action, req.Options)
		case "ring0":
			decision = c.authorizer.Ring0(ctx, req.Session, req.URI, action, req.Options)
		case "oauth":
			decision = c.authorizer.OAuth(ctx, req.Session, req.URI, action, req.Options)
		case "user":
			decision = c.authorizer.User(ctx, req.Session, req.URI, action, req.Options)
		default:
			decision = c.authorizer.Public(ctx, req.Session, req.URI, action, req.Options)
		}
		if !decision.Allow {
			return json.Marshal(false)
		}
		return json.Marshal(decision)
	}
}

func (c *Component) ring0SetStatus(_ context.Context, request json.RawMessage, cl claims.Claims) (any, error) {
	var req struct {
		Status bool `json:"status"`
	}
	if err := json.Unmarshal(request, &req); err != nil {
		return nil, fmt.Errorf("decode set-status request: %w", err)
	}

	c.statusMu.Lock()
	c.status[cl.Username()] = req.Status
	c.statusMu.Unlock()

	c.logger.Debug("Component status set", "component", cl.Username(), "status", req.Status)
	return nil, nil
}

func (c *Component) ring0GetStatus(_ context.Context, request json.RawMessage, _ claims.Claims) (any, error) {
	var req struct {
		Component string `json:"component"`
	}
	if err := json.Unmarshal(request, &req); err != nil {
		return nil, fmt.Errorf("decode get-status request: %w", err)
	}

	c.statusMu.Lock()
	defer c.statusMu.Unlock()
	return c.status[req.Component], nil
}

func (c *Component) oauthClientCreate(ctx context.Context, request json.RawMessage, cl claims.Claims) (any, error) {
	var info db.Document
	if err := json.Unmarshal(request, &info); err != nil {
		return nil, fmt.Errorf("decode client request: %w", err)
	}

	user, err := c.directory.UserByUsername(ctx, cl.Username())
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, fmt.Errorf("no user %q to own the client", cl.Username())
	}

	clientID := generateSecret()
	secret := generateSecret()
	info["userId"] = user.ID
	info["clientId"] = clientID
	info["secret"] = secret

	if _, err := c.directory.CreateClient(ctx, info); err != nil {
		return nil, err
	}

	c.logger.Info("OAuth client created", "user", user.Username, "client_id", clientID)
	return map[string]any{"id": clientID, "secret": secret}, nil
}

func (c *Component) oauthClientUsername(ctx context.Context, request json.RawMessage, _ claims.Claims) (any, error) {
	var req struct {
		ClientID string `json:"clientId"`
	}
	if err := json.Unmarshal(request, &req); err != nil {
		return nil, fmt.Errorf("decode client request: %w", err)
	}

	client, err := c.directory.ClientByClientID(ctx, req.ClientID)
	if err != nil {
		return nil, err
	}
	if client == nil {
		return map[string]any{}, nil
	}

	user, err := c.directory.UserByID(ctx, client.UserID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return map[string]any{}, nil
	}
	return map[string]any{"username": user.Username}, nil
}

// safeExtra returns the user record with the configured unsafe properties
// stripped, as the extra block of a login reply.
func (c *Component) safeExtra(user *User) map[string]any {
	doc, err := encodeDoc(user)
	if err != nil {
		return map[string]any{}
	}
	for _, key := range c.cfg.UnsafeProperties {
		delete(doc, key)
	}
	return doc
}

func domainBlacklisted(domain string, blacklist []string) bool {
	if domain == "" {
		return false
	}
	for _, entry := range blacklist {
		if domain == entry || strings.HasSuffix(domain, "."+entry) {
			return true
		}
	}
	return false
}

func generateSecret() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
