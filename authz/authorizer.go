package authz

import (
	"context"
	"log/slog"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// OAuthClient is the client record the OAuth ring authorizes against.
type OAuthClient struct {
	ID       string   `json:"id"`
	ClientID string   `json:"clientId"`
	UserID   string   `json:"userId"`
	Scopes   []string `json:"scopes"`
}

// ClientDirectory resolves OAuth clients and their live sessions.
type ClientDirectory interface {
	// ClientByAuthID returns the client registered under the authid, or an
	// error when no such client exists.
	ClientByAuthID(ctx context.Context, authid string) (*OAuthClient, error)

	// SessionToken returns the access token stored for the router session,
	// or an error when the session is unknown.
	SessionToken(ctx context.Context, sessionID int64) (string, error)
}

// ring0ACL lists the URI prefixes each platform role may call or subscribe
// to. Registrations and publishes are confined to the role's own namespace.
var ring0ACL = map[string][]string{
	"db": {
		"mdstudio.auth.endpoint.",
		"mdstudio.schema.endpoint.",
		"mdstudio.logger.endpoint.",
	},
	"schema": {
		"mdstudio.auth.endpoint.sign",
		"mdstudio.auth.endpoint.verify",
		"mdstudio.db.endpoint.",
		"mdstudio.logger.endpoint.",
	},
	"auth": {
		"mdstudio.",
	},
	"logger": {
		"mdstudio.auth.endpoint.sign",
		"mdstudio.auth.endpoint.verify",
		"mdstudio.db.endpoint.",
		"mdstudio.schema.endpoint.",
	},
}

// Authorizer implements the per-ring authorization hooks. A nil stats
// recorder disables usage tracking; a nil client directory denies the OAuth
// ring outright.
type Authorizer struct {
	logger  *slog.Logger
	stats   Stats
	clients ClientDirectory

	decisions *prometheus.CounterVec
}

// New creates an Authorizer. The stats recorder, client directory and
// metrics registerer may each be nil.
func New(logger *slog.Logger, stats Stats, clients ClientDirectory, reg prometheus.Registerer) *Authorizer {
	a := &Authorizer{
		logger:  logger,
		stats:   stats,
		clients: clients,
	}
	if reg != nil {
		a.decisions = promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "mdstudio",
			Subsystem: "authz",
			Name:      "decisions_total",
			Help:      "Authorization decisions by ring and outcome.",
		}, []string{"ring", "outcome"})
	}
	return a
}

// Admin authorizes sessions holding the admin role. Calls, subscribes and
// publishes are allowed on any URI; caller identity is disclosed on the
// OAuth management endpoints.
func (a *Authorizer) Admin(ctx context.Context, sess Session, uri string, action Action, opts Options) Decision {
	decision := Deny
	switch action {
	case ActionCall, ActionSubscribe, ActionPublish:
		decision = Decision{Allow: true}
	}

	if decision.Allow && strings.HasPrefix(uri, "mdstudio.auth.endpoint.oauth") {
		decision.Disclose = true
	}

	a.finish(ctx, "admin", sess, uri, action, opts, decision)
	return decision
}

// Ring0 authorizes the platform service roles. Each role registers and
// publishes only inside its own namespace and calls only the prefixes its
// ACL entry grants.
func (a *Authorizer) Ring0(ctx context.Context, sess Session, uri string, action Action, opts Options) Decision {
	prefixes, ok := ring0ACL[sess.AuthRole]
	if !ok {
		a.finish(ctx, "ring0", sess, uri, action, opts, Deny)
		return Deny
	}

	decision := Deny
	switch action {
	case ActionRegister, ActionPublish:
		if strings.HasPrefix(uri, "mdstudio."+sess.AuthRole+".") {
			decision = Decision{Allow: true}
		}
	case ActionCall, ActionSubscribe:
		for _, prefix := range prefixes {
			if uri == strings.TrimSuffix(prefix, ".") || strings.HasPrefix(uri, prefix) {
				decision = Decision{Allow: true}
				break
			}
		}
	}

	a.finish(ctx, "ring0", sess, uri, action, opts, decision)
	return decision
}

// OAuth authorizes client-credential sessions: the client must exist, its
// session must hold an access token, and one of its granted scopes must
// cover the URI.
func (a *Authorizer) OAuth(ctx context.Context, sess Session, uri string, action Action, opts Options) Decision {
	decision := a.oauthDecision(ctx, sess, uri, action)
	a.finish(ctx, "oauth", sess, uri, action, opts, decision)
	return decision
}

func (a *Authorizer) oauthDecision(ctx context.Context, sess Session, uri string, action Action) Decision {
	if a.clients == nil {
		return Deny
	}
	if action == ActionRegister {
		return Deny
	}

	client, err := a.clients.ClientByAuthID(ctx, sess.AuthID)
	if err != nil {
		a.logger.Debug("OAuth client lookup failed", "authid", sess.AuthID, "error", err)
		return Deny
	}

	token, err := a.clients.SessionToken(ctx, sess.ID)
	if err != nil || token == "" {
		a.logger.Debug("OAuth session has no access token", "session_id", sess.ID)
		return Deny
	}

	for _, scope := range client.Scopes {
		if uri == scope || strings.HasPrefix(uri, scope+".") {
			return Decision{Allow: true}
		}
	}
	return Deny
}

// User authorizes plain user sessions. Reserved; denies everything.
func (a *Authorizer) User(ctx context.Context, sess Session, uri string, action Action, opts Options) Decision {
	a.finish(ctx, "user", sess, uri, action, opts, Deny)
	return Deny
}

// Public authorizes anonymous sessions. Reserved; denies everything.
func (a *Authorizer) Public(ctx context.Context, sess Session, uri string, action Action, opts Options) Decision {
	a.finish(ctx, "public", sess, uri, action, opts, Deny)
	return Deny
}

func (a *Authorizer) finish(ctx context.Context, ring string, sess Session, uri string, action Action, opts Options, decision Decision) {
	outcome := "deny"
	if decision.Allow {
		outcome = "allow"
	}
	if a.decisions != nil {
		a.decisions.WithLabelValues(ring, outcome).Inc()
	}

	if !decision.Allow {
		a.logger.Warn("Action not authorized",
			"ring", ring,
			"authid", sess.AuthID,
			"authrole", sess.AuthRole,
			"uri", uri,
			"action", string(action))
		return
	}

	if a.stats == nil {
		return
	}

	// Usage tracking never fails the decision.
	match := matchKind(uri, opts)
	var err error
	if action == ActionRegister {
		err = a.stats.RecordRegistration(ctx, uri, match)
	} else {
		err = a.stats.RecordCall(ctx, uri, match)
	}
	if err != nil {
		a.logger.Debug("Usage tracking failed", "uri", uri, "error", err)
	}
}
