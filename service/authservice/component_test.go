package authservice

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mdstudio/mdstudio/authz"
	"github.com/mdstudio/mdstudio/claims"
	"github.com/mdstudio/mdstudio/db"
	"github.com/mdstudio/mdstudio/service/dbservice"
	"github.com/mdstudio/mdstudio/session"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func platformClaims(username string) claims.Claims {
	return claims.Claims{
		"username": username,
		"vendor":   "mdstudio",
		"groups":   []any{"mdstudio"},
	}
}

// componentCaller routes client calls straight into the db component's
// handlers, standing in for the router.
type componentCaller struct {
	component *dbservice.Component
	base      claims.Claims
}

func (c *componentCaller) Call(ctx context.Context, uri string, request any, out any, extra ...claims.Claims) error {
	payload, err := json.Marshal(request)
	if err != nil {
		return err
	}
	merged := c.base.Clone()
	for _, e := range extra {
		for k, v := range e {
			merged[k] = v
		}
	}
	for _, ep := range c.component.Endpoints().Endpoints() {
		if ep.URI != uri {
			continue
		}
		result, err := ep.Handler(ctx, payload, merged)
		if err != nil {
			return err
		}
		if out == nil {
			return nil
		}
		data, err := json.Marshal(result)
		if err != nil {
			return err
		}
		return json.Unmarshal(data, out)
	}
	return fmt.Errorf("no endpoint %s", uri)
}

// newTestAuth wires an auth component over an in-memory document store. The
// stats recorder is shared with the returned handle for assertions.
func newTestAuth(t *testing.T, cfg Config) (*Component, *dbservice.Store, *authz.MemoryStats) {
	t.Helper()
	docs := dbservice.NewStore()
	caller := &componentCaller{
		component: dbservice.New(docs, quietLogger()),
		base:      platformClaims("auth"),
	}
	c := New(cfg, claims.NewSigner(claims.GenerateSecret()), quietLogger(), nil)
	stats := authz.NewMemoryStats()
	c.wire(db.New(caller), stats)
	return c, docs, stats
}

func rawCall(t *testing.T, c *Component, uri string, request any) ([]byte, error) {
	t.Helper()
	payload, err := json.Marshal(request)
	require.NoError(t, err)
	for _, ep := range c.Endpoints().Endpoints() {
		if ep.URI == uri {
			require.NotNil(t, ep.Raw, uri)
			return ep.Raw(context.Background(), payload)
		}
	}
	t.Fatalf("no endpoint %s", uri)
	return nil, nil
}

func mustUser(t *testing.T, c *Component, username, role, password string) *User {
	t.Helper()
	user, err := c.directory.CreateUser(context.Background(), User{
		Username: username,
		Role:     role,
		Email:    username + "@example.org",
	}, password)
	require.NoError(t, err)
	return user
}

func loginBody(authid, method, ticket string, sessionID int64, headers map[string]string) map[string]any {
	details := map[string]any{"authmethod": method, "session": sessionID}
	if ticket != "" {
		details["ticket"] = ticket
	}
	if headers != nil {
		details["http_headers_received"] = headers
	}
	return map[string]any{"realm": "mdstudio", "authid": authid, "details": details}
}

func TestEndpointSurface(t *testing.T) {
	c, _, _ := newTestAuth(t, DefaultConfig())

	uris := make(map[string]bool)
	for _, ep := range c.Endpoints().Endpoints() {
		uris[ep.URI] = true
	}
	for _, uri := range []string{
		session.SignURI,
		session.VerifyURI,
		session.LoginURI,
		session.LogoutURI,
		"mdstudio.auth.endpoint.authorize.admin",
		"mdstudio.auth.endpoint.authorize.ring0",
		"mdstudio.auth.endpoint.authorize.oauth",
		"mdstudio.auth.endpoint.authorize.user",
		"mdstudio.auth.endpoint.authorize.public",
		"mdstudio.auth.endpoint.ring0.set-status",
		"mdstudio.auth.endpoint.ring0.get-status",
		"mdstudio.auth.endpoint.oauth.client.create",
		"mdstudio.auth.endpoint.oauth.client.getusername",
	} {
		assert.True(t, uris[uri], uri)
	}
	assert.Len(t, uris, 13)
}

func TestSignVerifyRoundTrip(t *testing.T) {
	c, _, _ := newTestAuth(t, DefaultConfig())

	data, err := rawCall(t, c, session.SignURI, map[string]any{
		"claims": map[string]any{"username": "anything", "task": 42},
		"role":   "db",
	})
	require.NoError(t, err)
	var signed struct {
		Token string `json:"token"`
		Error string `json:"error"`
	}
	require.NoError(t, json.Unmarshal(data, &signed))
	require.Empty(t, signed.Error)
	require.NotEmpty(t, signed.Token)

	data, err = rawCall(t, c, session.VerifyURI, map[string]any{"token": signed.Token})
	require.NoError(t, err)
	var verified struct {
		Claims claims.Claims `json:"claims"`
	}
	require.NoError(t, json.Unmarshal(data, &verified))

	// The signer stamps the platform identity over whatever was requested.
	assert.Equal(t, "db", verified.Claims.Username())
	assert.Contains(t, verified.Claims.Groups(), claims.VendorGroup)
	assert.EqualValues(t, 42, verified.Claims["task"])
}

func TestSignRejectsUnknownRole(t *testing.T) {
	c, _, _ := newTestAuth(t, DefaultConfig())

	data, err := rawCall(t, c, session.SignURI, map[string]any{
		"claims": map[string]any{}, "role": "intruder",
	})
	require.NoError(t, err)
	var reply map[string]string
	require.NoError(t, json.Unmarshal(data, &reply))
	assert.Contains(t, reply["error"], "not allowed to sign")
	assert.Empty(t, reply["token"])
}

func TestVerifyExpiredToken(t *testing.T) {
	c, _, _ := newTestAuth(t, DefaultConfig())
	start := time.Now()
	c.signer.Now = func() time.Time { return start }

	data, err := rawCall(t, c, session.SignURI, map[string]any{
		"claims": map[string]any{}, "role": "schema",
	})
	require.NoError(t, err)
	var signed map[string]string
	require.NoError(t, json.Unmarshal(data, &signed))

	c.signer.Now = func() time.Time { return start.Add(claims.Lifetime + time.Minute) }
	data, err = rawCall(t, c, session.VerifyURI, map[string]any{"token": signed["token"]})
	require.NoError(t, err)
	assert.JSONEq(t, `{"expired": "Request token has expired"}`, string(data))
}

func TestVerifyRejectsGarbage(t *testing.T) {
	c, _, _ := newTestAuth(t, DefaultConfig())

	data, err := rawCall(t, c, session.VerifyURI, map[string]any{"token": "not.a.token"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"error": "could not verify user"}`, string(data))
}

func TestLoginWithTicket(t *testing.T) {
	c, _, _ := newTestAuth(t, DefaultConfig())
	mustUser(t, c, "alice", "user", "hunter2")

	data, err := rawCall(t, c, session.LoginURI, loginBody("alice", "ticket", "hunter2", 101, nil))
	require.NoError(t, err)

	var reply loginReply
	require.NoError(t, json.Unmarshal(data, &reply))
	assert.Equal(t, "mdstudio", reply.Realm)
	assert.Equal(t, "user", reply.Role)
	assert.Equal(t, "alice", reply.Extra["username"])
	assert.NotContains(t, reply.Extra, "password")
	assert.Empty(t, reply.Secret)

	// The login opened a session record.
	sess, err := c.directory.SessionBySessionID(context.Background(), 101)
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.Empty(t, sess.AccessToken)
}

func TestLoginRejectsBadPassword(t *testing.T) {
	c, _, _ := newTestAuth(t, DefaultConfig())
	mustUser(t, c, "alice", "user", "hunter2")

	_, err := rawCall(t, c, session.LoginURI, loginBody("alice", "ticket", "wrong", 102, nil))
	assert.EqualError(t, err, "could not authenticate session")

	_, err = rawCall(t, c, session.LoginURI, loginBody("nobody", "ticket", "hunter2", 103, nil))
	assert.EqualError(t, err, "could not authenticate session")
}

func TestLoginRequiresAuthID(t *testing.T) {
	c, _, _ := newTestAuth(t, DefaultConfig())

	_, err := rawCall(t, c, session.LoginURI, loginBody("", "ticket", "hunter2", 104, nil))
	assert.EqualError(t, err, "authentication ID not defined")
}

func TestLoginLocalhostOnly(t *testing.T) {
	cfg := DefaultConfig()
	cfg.OnlyLocalhostAccess = true
	c, _, _ := newTestAuth(t, cfg)
	mustUser(t, c, "alice", "user", "hunter2")

	_, err := rawCall(t, c, session.LoginURI,
		loginBody("alice", "ticket", "hunter2", 105, map[string]string{"host": "example.com"}))
	assert.EqualError(t, err, "access granted only to local users, access via domain example.com")

	_, err = rawCall(t, c, session.LoginURI,
		loginBody("alice", "ticket", "hunter2", 106, map[string]string{"host": "localhost"}))
	assert.NoError(t, err)
}

func TestLoginDomainBlacklist(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DomainBlacklist = []string{"evil.org"}
	c, _, _ := newTestAuth(t, cfg)
	mustUser(t, c, "alice", "user", "hunter2")

	for _, domain := range []string{"evil.org", "sub.evil.org"} {
		_, err := rawCall(t, c, session.LoginURI,
			loginBody("alice", "ticket", "hunter2", 107, map[string]string{"host": domain}))
		assert.EqualError(t, err, fmt.Sprintf("access from domain %s not allowed", domain))
	}

	_, err := rawCall(t, c, session.LoginURI,
		loginBody("alice", "ticket", "hunter2", 108, map[string]string{"host": "good.org"}))
	assert.NoError(t, err)
}

func TestLoginWithClientCredentials(t *testing.T) {
	c, _, _ := newTestAuth(t, DefaultConfig())
	mustUser(t, c, "bob", "user", "hunter2")
	ctx := context.Background()

	created, err := c.oauthClientCreate(ctx, json.RawMessage(`{"scopes": ["mdstudio.schema.endpoint.get"]}`),
		claims.Claims{"username": "bob"})
	require.NoError(t, err)
	grant := created.(map[string]any)
	clientID := grant["id"].(string)
	secret := grant["secret"].(string)

	data, err := rawCall(t, c, session.LoginURI, loginBody(clientID, "ticket", secret, 200, nil))
	require.NoError(t, err)
	var reply loginReply
	require.NoError(t, json.Unmarshal(data, &reply))
	assert.Equal(t, "oauthclient", reply.Role)
	assert.NotEmpty(t, reply.Extra["access_token"])

	token, err := c.directory.SessionToken(ctx, 200)
	require.NoError(t, err)
	assert.Equal(t, reply.Extra["access_token"], token)
}

func TestLoginWampCRA(t *testing.T) {
	c, _, _ := newTestAuth(t, DefaultConfig())
	user := mustUser(t, c, "alice", "user", "hunter2")

	data, err := rawCall(t, c, session.LoginURI, loginBody("alice", "wampcra", "", 300, nil))
	require.NoError(t, err)
	var reply loginReply
	require.NoError(t, json.Unmarshal(data, &reply))

	// Challenge-response needs the stored secret on the router side.
	assert.Equal(t, user.Password, reply.Secret)
	assert.Equal(t, "user", reply.Role)

	_, err = rawCall(t, c, session.LoginURI, loginBody("nobody", "wampcra", "", 301, nil))
	assert.EqualError(t, err, "could not authenticate session")
}

func TestLoginUnknownMethod(t *testing.T) {
	c, _, _ := newTestAuth(t, DefaultConfig())
	mustUser(t, c, "alice", "user", "hunter2")

	_, err := rawCall(t, c, session.LoginURI, loginBody("alice", "otp", "123456", 400, nil))
	assert.EqualError(t, err, "no such authentication method known: otp")
}

func TestLogout(t *testing.T) {
	c, _, _ := newTestAuth(t, DefaultConfig())
	mustUser(t, c, "alice", "user", "hunter2")

	_, err := rawCall(t, c, session.LoginURI, loginBody("alice", "ticket", "hunter2", 500, nil))
	require.NoError(t, err)

	data, err := rawCall(t, c, session.LogoutURI, map[string]any{"authid": "alice", "session": 500})
	require.NoError(t, err)
	var message string
	require.NoError(t, json.Unmarshal(data, &message))
	assert.Equal(t, "alice you are now logged out", message)

	// The session record is gone, a second logout no longer matches it.
	data, err = rawCall(t, c, session.LogoutURI, map[string]any{"authid": "alice", "session": 500})
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &message))
	assert.Equal(t, "Unknown user, unable to logout", message)

	data, err = rawCall(t, c, session.LogoutURI, map[string]any{"authid": "ghost", "session": 1})
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &message))
	assert.Equal(t, "Unknown user, unable to logout", message)
}

func TestAuthorizeRing0Hook(t *testing.T) {
	c, _, stats := newTestAuth(t, DefaultConfig())
	uri := "mdstudio.auth.endpoint.ring0.set-status"

	// The db service may call into the auth namespace.
	data, err := rawCall(t, c, "mdstudio.auth.endpoint.authorize.ring0", map[string]any{
		"session": map[string]any{"session": 1, "authid": "db", "authrole": "db"},
		"uri":     uri,
		"action":  "call",
	})
	require.NoError(t, err)
	var decision authz.Decision
	require.NoError(t, json.Unmarshal(data, &decision))
	assert.True(t, decision.Allow)

	row := stats.Row(uri, authz.MatchExact)
	require.NotNil(t, row)
	assert.Equal(t, 1, row.CallCount)

	// The logger's ACL does not cover the status registry.
	data, err = rawCall(t, c, "mdstudio.auth.endpoint.authorize.ring0", map[string]any{
		"session": map[string]any{"session": 2, "authid": "logger", "authrole": "logger"},
		"uri":     uri,
		"action":  "call",
	})
	require.NoError(t, err)
	assert.Equal(t, "false", string(data))
}

func TestAuthorizeAdminHook(t *testing.T) {
	c, _, _ := newTestAuth(t, DefaultConfig())

	data, err := rawCall(t, c, "mdstudio.auth.endpoint.authorize.admin", map[string]any{
		"session": map[string]any{"session": 1, "authid": "root", "authrole": "admin"},
		"uri":     "mdstudio.auth.endpoint.oauth.client.create",
		"action":  "call",
	})
	require.NoError(t, err)
	var decision authz.Decision
	require.NoError(t, json.Unmarshal(data, &decision))
	assert.True(t, decision.Allow)
	assert.True(t, decision.Disclose)
}

func TestAuthorizeOAuthHook(t *testing.T) {
	c, _, _ := newTestAuth(t, DefaultConfig())
	mustUser(t, c, "bob", "user", "hunter2")
	ctx := context.Background()

	created, err := c.oauthClientCreate(ctx, json.RawMessage(`{"scopes": ["mdstudio.schema.endpoint.get"]}`),
		claims.Claims{"username": "bob"})
	require.NoError(t, err)
	grant := created.(map[string]any)
	clientID := grant["id"].(string)

	_, err = rawCall(t, c, session.LoginURI, loginBody(clientID, "ticket", grant["secret"].(string), 600, nil))
	require.NoError(t, err)

	hook := func(uri string) []byte {
		data, err := rawCall(t, c, "mdstudio.auth.endpoint.authorize.oauth", map[string]any{
			"session": map[string]any{"session": 600, "authid": clientID, "authrole": "oauthclient"},
			"uri":     uri,
			"action":  "call",
		})
		require.NoError(t, err)
		return data
	}

	var decision authz.Decision
	require.NoError(t, json.Unmarshal(hook("mdstudio.schema.endpoint.get"), &decision))
	assert.True(t, decision.Allow)

	assert.Equal(t, "false", string(hook("mdstudio.db.endpoint.find-one")))
}

func TestRing0StatusRegistry(t *testing.T) {
	c, _, _ := newTestAuth(t, DefaultConfig())
	ctx := context.Background()

	status := func(component string) bool {
		got, err := c.ring0GetStatus(ctx, json.RawMessage(fmt.Sprintf(`{"component": %q}`, component)), platformClaims("db"))
		require.NoError(t, err)
		return got.(bool)
	}

	assert.True(t, status("auth"))
	assert.False(t, status("schema"))

	_, err := c.ring0SetStatus(ctx, json.RawMessage(`{"status": true}`), platformClaims("schema"))
	require.NoError(t, err)
	assert.True(t, status("schema"))

	_, err = c.ring0SetStatus(ctx, json.RawMessage(`{"status": false}`), platformClaims("schema"))
	require.NoError(t, err)
	assert.False(t, status("schema"))
}

func TestOAuthClientUsername(t *testing.T) {
	c, _, _ := newTestAuth(t, DefaultConfig())
	mustUser(t, c, "bob", "user", "hunter2")
	ctx := context.Background()

	created, err := c.oauthClientCreate(ctx, json.RawMessage(`{"scopes": []}`), claims.Claims{"username": "bob"})
	require.NoError(t, err)
	clientID := created.(map[string]any)["id"].(string)

	got, err := c.oauthClientUsername(ctx, json.RawMessage(fmt.Sprintf(`{"clientId": %q}`, clientID)), claims.Claims{})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"username": "bob"}, got)

	got, err = c.oauthClientUsername(ctx, json.RawMessage(`{"clientId": "unknown"}`), claims.Claims{})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{}, got)
}

func TestOAuthClientCreateNeedsUser(t *testing.T) {
	c, _, _ := newTestAuth(t, DefaultConfig())

	_, err := c.oauthClientCreate(context.Background(), json.RawMessage(`{"scopes": []}`),
		claims.Claims{"username": "ghost"})
	assert.ErrorContains(t, err, `no user "ghost"`)
}

func TestAuthorizeRequestPolicy(t *testing.T) {
	c, _, _ := newTestAuth(t, DefaultConfig())

	platform := platformClaims("db")
	outsider := claims.Claims{"username": "mallory", "groups": []any{"guests"}}

	assert.True(t, c.AuthorizeRequest("mdstudio.auth.endpoint.ring0.set-status", platform))
	assert.False(t, c.AuthorizeRequest("mdstudio.auth.endpoint.ring0.set-status", outsider))

	assert.True(t, c.AuthorizeRequest("mdstudio.auth.endpoint.oauth.client.create", outsider))
	assert.False(t, c.AuthorizeRequest("mdstudio.auth.endpoint.oauth.client.create", claims.Claims{}))

	assert.False(t, c.AuthorizeRequest("mdstudio.auth.endpoint.sign", platform))
}

func TestDirectoryUserLifecycle(t *testing.T) {
	c, _, _ := newTestAuth(t, DefaultConfig())
	ctx := context.Background()

	user := mustUser(t, c, "alice", "user", "hunter2")
	assert.NotEmpty(t, user.ID)
	assert.NotEqual(t, "hunter2", user.Password)
	assert.True(t, CheckPassword(user.Password, "hunter2"))
	assert.False(t, CheckPassword(user.Password, "HUNTER2"))

	_, err := c.directory.CreateUser(ctx, User{Username: "alice", Role: "user"}, "other")
	assert.EqualError(t, err, `username "alice" already in use`)

	found, err := c.directory.UserByUsername(ctx, "alice")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, user.ID, found.ID)

	missing, err := c.directory.UserByUsername(ctx, "nobody")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestDBStatsRecords(t *testing.T) {
	docs := dbservice.NewStore()
	caller := &componentCaller{
		component: dbservice.New(docs, quietLogger()),
		base:      platformClaims("auth"),
	}
	stats := NewDBStats(db.New(caller), nil)
	ctx := context.Background()

	uri := "mdstudio.schema.endpoint.get"
	require.NoError(t, stats.RecordRegistration(ctx, uri, authz.MatchExact))
	require.NoError(t, stats.RecordRegistration(ctx, uri, authz.MatchExact))
	require.NoError(t, stats.RecordCall(ctx, uri, authz.MatchExact))

	row, err := docs.FindOne("auth", db.FindRequest{
		Collection: "registration_info",
		Filter:     db.Document{"uri": uri, "match": "exact"},
	})
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.EqualValues(t, 2, row["registrationCount"])
	assert.EqualValues(t, 1, row["callCount"])
	assert.NotEmpty(t, row["firstRegistration"])
	assert.NotEmpty(t, row["latestCall"])
}
