package authz

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeDirectory struct {
	clients map[string]*OAuthClient
	tokens  map[int64]string
}

func (d *fakeDirectory) ClientByAuthID(_ context.Context, authid string) (*OAuthClient, error) {
	client, ok := d.clients[authid]
	if !ok {
		return nil, errors.New("no such client")
	}
	return client, nil
}

func (d *fakeDirectory) SessionToken(_ context.Context, sessionID int64) (string, error) {
	token, ok := d.tokens[sessionID]
	if !ok {
		return "", errors.New("no such session")
	}
	return token, nil
}

func TestRing0ACL(t *testing.T) {
	a := New(testLogger(), nil, nil, nil)
	ctx := context.Background()

	dbSess := Session{ID: 1, AuthID: "db", AuthRole: "db"}
	logSess := Session{ID: 2, AuthID: "logger", AuthRole: "logger"}

	allowed := a.Ring0(ctx, dbSess, "mdstudio.auth.endpoint.ring0.set-status", ActionCall, Options{})
	assert.True(t, allowed.Allow)
	assert.False(t, allowed.Disclose)

	denied := a.Ring0(ctx, logSess, "mdstudio.auth.endpoint.ring0.set-status", ActionCall, Options{})
	assert.False(t, denied.Allow)
}

func TestRing0OwnNamespaceRegistration(t *testing.T) {
	a := New(testLogger(), nil, nil, nil)
	ctx := context.Background()
	sess := Session{ID: 3, AuthID: "schema", AuthRole: "schema"}

	own := a.Ring0(ctx, sess, "mdstudio.schema.endpoint.upload", ActionRegister, Options{})
	assert.True(t, own.Allow)

	foreign := a.Ring0(ctx, sess, "mdstudio.db.endpoint.insert_one", ActionRegister, Options{})
	assert.False(t, foreign.Allow)
}

func TestRing0UnknownRole(t *testing.T) {
	a := New(testLogger(), nil, nil, nil)
	sess := Session{ID: 4, AuthID: "intruder", AuthRole: "compute"}

	decision := a.Ring0(context.Background(), sess, "mdstudio.db.endpoint.find_one", ActionCall, Options{})
	assert.False(t, decision.Allow)
}

func TestAdminAllowsEverythingButRegister(t *testing.T) {
	a := New(testLogger(), nil, nil, nil)
	ctx := context.Background()
	sess := Session{ID: 5, AuthID: "lieadmin", AuthRole: "admin"}

	for _, action := range []Action{ActionCall, ActionSubscribe, ActionPublish} {
		decision := a.Admin(ctx, sess, "mdstudio.db.endpoint.find_many", action, Options{})
		assert.True(t, decision.Allow, string(action))
	}

	register := a.Admin(ctx, sess, "mdstudio.db.endpoint.find_many", ActionRegister, Options{})
	assert.False(t, register.Allow)
}

func TestAdminDisclosesOAuthEndpoints(t *testing.T) {
	a := New(testLogger(), nil, nil, nil)
	ctx := context.Background()
	sess := Session{ID: 6, AuthID: "lieadmin", AuthRole: "admin"}

	oauth := a.Admin(ctx, sess, "mdstudio.auth.endpoint.oauth.client.create", ActionCall, Options{})
	assert.True(t, oauth.Allow)
	assert.True(t, oauth.Disclose)

	plain := a.Admin(ctx, sess, "mdstudio.schema.endpoint.get", ActionCall, Options{})
	assert.True(t, plain.Allow)
	assert.False(t, plain.Disclose)
}

func TestOAuthScopeCheck(t *testing.T) {
	directory := &fakeDirectory{
		clients: map[string]*OAuthClient{
			"cerise-client": {
				ID:       "c1",
				ClientID: "cerise-client",
				UserID:   "u1",
				Scopes:   []string{"mdstudio.cerise.endpoint"},
			},
		},
		tokens: map[int64]string{42: "token-42"},
	}
	a := New(testLogger(), nil, directory, nil)
	ctx := context.Background()
	sess := Session{ID: 42, AuthID: "cerise-client", AuthRole: "oauthclient"}

	inScope := a.OAuth(ctx, sess, "mdstudio.cerise.endpoint.submit", ActionCall, Options{})
	assert.True(t, inScope.Allow)

	outOfScope := a.OAuth(ctx, sess, "mdstudio.db.endpoint.find_one", ActionCall, Options{})
	assert.False(t, outOfScope.Allow)

	noToken := a.OAuth(ctx, Session{ID: 43, AuthID: "cerise-client"}, "mdstudio.cerise.endpoint.submit", ActionCall, Options{})
	assert.False(t, noToken.Allow)

	unknownClient := a.OAuth(ctx, Session{ID: 42, AuthID: "ghost"}, "mdstudio.cerise.endpoint.submit", ActionCall, Options{})
	assert.False(t, unknownClient.Allow)

	register := a.OAuth(ctx, sess, "mdstudio.cerise.endpoint.submit", ActionRegister, Options{})
	assert.False(t, register.Allow)
}

func TestOAuthWithoutDirectoryDenies(t *testing.T) {
	a := New(testLogger(), nil, nil, nil)
	sess := Session{ID: 7, AuthID: "client", AuthRole: "oauthclient"}

	decision := a.OAuth(context.Background(), sess, "mdstudio.cerise.endpoint.submit", ActionCall, Options{})
	assert.False(t, decision.Allow)
}

func TestUserAndPublicDenyAll(t *testing.T) {
	a := New(testLogger(), nil, nil, nil)
	ctx := context.Background()
	sess := Session{ID: 8, AuthID: "someone", AuthRole: "user"}

	assert.False(t, a.User(ctx, sess, "mdstudio.schema.endpoint.get", ActionCall, Options{}).Allow)
	assert.False(t, a.Public(ctx, sess, "mdstudio.schema.endpoint.get", ActionCall, Options{}).Allow)
}

func TestAllowedActionsAreRecorded(t *testing.T) {
	stats := NewMemoryStats()
	a := New(testLogger(), stats, nil, nil)
	ctx := context.Background()
	sess := Session{ID: 9, AuthID: "db", AuthRole: "db"}

	a.Ring0(ctx, sess, "mdstudio.db.endpoint.events.online", ActionPublish, Options{})
	a.Ring0(ctx, sess, "mdstudio.auth.endpoint.sign", ActionCall, Options{})
	a.Ring0(ctx, sess, "mdstudio.auth.endpoint.sign", ActionCall, Options{})

	row := stats.Row("mdstudio.db.endpoint.events.online", MatchExact)
	require.NotNil(t, row)
	assert.Equal(t, 0, row.RegistrationCount)
	assert.Equal(t, 1, row.CallCount)

	row = stats.Row("mdstudio.auth.endpoint.sign", MatchExact)
	require.NotNil(t, row)
	assert.Equal(t, 2, row.CallCount)
	require.NotNil(t, row.LatestCall)
	assert.False(t, row.LatestCall.Before(row.FirstRegistration))
}

func TestDeniedActionsAreNotRecorded(t *testing.T) {
	stats := NewMemoryStats()
	a := New(testLogger(), stats, nil, nil)
	sess := Session{ID: 10, AuthID: "logger", AuthRole: "logger"}

	a.Ring0(context.Background(), sess, "mdstudio.auth.endpoint.ring0.set-status", ActionCall, Options{})
	assert.Nil(t, stats.Row("mdstudio.auth.endpoint.ring0.set-status", MatchExact))
}

func TestRegistrationMatchKinds(t *testing.T) {
	stats := NewMemoryStats()
	a := New(testLogger(), stats, nil, nil)
	ctx := context.Background()
	sess := Session{ID: 11, AuthID: "auth", AuthRole: "auth"}

	a.Ring0(ctx, sess, "mdstudio.auth.endpoint.oauth.>", ActionRegister, Options{})
	a.Ring0(ctx, sess, "mdstudio.auth.endpoint.*.status", ActionRegister, Options{})
	a.Ring0(ctx, sess, "mdstudio.auth.endpoint.login", ActionRegister, Options{})

	assert.NotNil(t, stats.Row("mdstudio.auth.endpoint.oauth.>", MatchPrefix))
	assert.NotNil(t, stats.Row("mdstudio.auth.endpoint.*.status", MatchWildcard))
	assert.NotNil(t, stats.Row("mdstudio.auth.endpoint.login", MatchExact))
}

func TestDecisionMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	a := New(testLogger(), nil, nil, reg)
	sess := Session{ID: 12, AuthID: "db", AuthRole: "db"}

	a.Ring0(context.Background(), sess, "mdstudio.auth.endpoint.sign", ActionCall, Options{})

	families, err := reg.Gather()
	require.NoError(t, err)
	require.Len(t, families, 1)
	assert.Equal(t, "mdstudio_authz_decisions_total", families[0].GetName())
}

func TestClassifyURI(t *testing.T) {
	tests := []struct {
		uri  string
		want MatchKind
	}{
		{"mdstudio.auth.endpoint.login", MatchExact},
		{"mdstudio.auth.endpoint.oauth.>", MatchPrefix},
		{"mdstudio.*.endpoint.status", MatchWildcard},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ClassifyURI(tt.uri), tt.uri)
	}
}
