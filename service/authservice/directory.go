package authservice

import (
	"context"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"github.com/mdstudio/mdstudio/authz"
	"github.com/mdstudio/mdstudio/db"
)

// User is a stored platform user. Password holds the bcrypt hash, never the
// plain password.
type User struct {
	ID       string   `json:"_id,omitempty"`
	Username string   `json:"username"`
	Password string   `json:"password,omitempty"`
	Role     string   `json:"role"`
	Email    string   `json:"email,omitempty"`
	Groups   []string `json:"groups,omitempty"`
}

// Client is a stored OAuth client bound to a user.
type Client struct {
	ID       string   `json:"_id,omitempty"`
	ClientID string   `json:"clientId"`
	Secret   string   `json:"secret"`
	UserID   string   `json:"userId"`
	Scopes   []string `json:"scopes,omitempty"`
}

// Session is a live login session, one per (userId, sessionId).
type Session struct {
	UserID      string `json:"userId"`
	SessionID   int64  `json:"sessionId"`
	AccessToken string `json:"accessToken,omitempty"`
}

// HashPassword returns the bcrypt hash stored for a user password.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

// CheckPassword reports whether the password matches the stored hash.
func CheckPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// Directory serves the auth service's user, client and session collections
// through the document store. It also implements authz.ClientDirectory for
// the OAuth ring.
type Directory struct {
	client *db.Client
}

// NewDirectory creates a directory over the given db client.
func NewDirectory(client *db.Client) *Directory {
	return &Directory{client: client}
}

// UserByUsername returns the user, or nil when the username is unknown.
func (d *Directory) UserByUsername(ctx context.Context, username string) (*User, error) {
	return d.findUser(ctx, db.Document{"username": username})
}

// UserByID returns the user, or nil when the id is unknown.
func (d *Directory) UserByID(ctx context.Context, id string) (*User, error) {
	return d.findUser(ctx, db.Document{"_id": id})
}

func (d *Directory) findUser(ctx context.Context, filter db.Document) (*User, error) {
	doc, err := d.client.FindOne(ctx, "users", filter)
	if err != nil {
		return nil, fmt.Errorf("find user: %w", err)
	}
	if doc == nil {
		return nil, nil
	}
	var user User
	if err := decodeDoc(doc, &user); err != nil {
		return nil, fmt.Errorf("decode user: %w", err)
	}
	return &user, nil
}

// CreateUser hashes the password and stores the user unless the username is
// taken. Used by deployment bootstrap and tests; the platform has no public
// signup endpoint.
func (d *Directory) CreateUser(ctx context.Context, user User, password string) (*User, error) {
	existing, err := d.UserByUsername(ctx, user.Username)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, fmt.Errorf("username %q already in use", user.Username)
	}

	hash, err := HashPassword(password)
	if err != nil {
		return nil, err
	}
	user.Password = hash

	doc, err := encodeDoc(user)
	if err != nil {
		return nil, fmt.Errorf("encode user: %w", err)
	}
	id, err := d.client.InsertOne(ctx, "users", doc)
	if err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}
	user.ID = id
	return &user, nil
}

// ClientByClientID returns the OAuth client, or nil when unknown.
func (d *Directory) ClientByClientID(ctx context.Context, clientID string) (*Client, error) {
	doc, err := d.client.FindOne(ctx, "clients", db.Document{"clientId": clientID})
	if err != nil {
		return nil, fmt.Errorf("find client: %w", err)
	}
	if doc == nil {
		return nil, nil
	}
	var client Client
	if err := decodeDoc(doc, &client); err != nil {
		return nil, fmt.Errorf("decode client: %w", err)
	}
	return &client, nil
}

// CreateClient stores a client document and returns its id. The caller has
// already filled clientId, secret and userId.
func (d *Directory) CreateClient(ctx context.Context, doc db.Document) (string, error) {
	id, err := d.client.InsertOne(ctx, "clients", doc)
	if err != nil {
		return "", fmt.Errorf("create client: %w", err)
	}
	return id, nil
}

// StartSession records a login session.
func (d *Directory) StartSession(ctx context.Context, userID string, sessionID int64, accessToken string) error {
	doc, err := encodeDoc(Session{UserID: userID, SessionID: sessionID, AccessToken: accessToken})
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	if _, err := d.client.InsertOne(ctx, "sessions", doc); err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	return nil
}

// EndSession deletes the session keyed by (userId, sessionId) and reports
// whether one existed.
func (d *Directory) EndSession(ctx context.Context, userID string, sessionID int64) (bool, error) {
	count, err := d.client.DeleteOne(ctx, "sessions", db.Document{"userId": userID, "sessionId": sessionID})
	if err != nil {
		return false, fmt.Errorf("end session: %w", err)
	}
	return count > 0, nil
}

// SessionBySessionID returns the session record, or nil when unknown.
func (d *Directory) SessionBySessionID(ctx context.Context, sessionID int64) (*Session, error) {
	doc, err := d.client.FindOne(ctx, "sessions", db.Document{"sessionId": sessionID})
	if err != nil {
		return nil, fmt.Errorf("find session: %w", err)
	}
	if doc == nil {
		return nil, nil
	}
	var sess Session
	if err := decodeDoc(doc, &sess); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &sess, nil
}

// ClientByAuthID implements authz.ClientDirectory.
func (d *Directory) ClientByAuthID(ctx context.Context, authid string) (*authz.OAuthClient, error) {
	client, err := d.ClientByClientID(ctx, authid)
	if err != nil {
		return nil, err
	}
	if client == nil {
		return nil, fmt.Errorf("no client registered as %q", authid)
	}
	return &authz.OAuthClient{
		ID:       client.ID,
		ClientID: client.ClientID,
		UserID:   client.UserID,
		Scopes:   client.Scopes,
	}, nil
}

// SessionToken implements authz.ClientDirectory.
func (d *Directory) SessionToken(ctx context.Context, sessionID int64) (string, error) {
	sess, err := d.SessionBySessionID(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if sess == nil {
		return "", fmt.Errorf("no session %d", sessionID)
	}
	return sess.AccessToken, nil
}

func decodeDoc(doc db.Document, out any) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

func encodeDoc(v any) (db.Document, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var doc db.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}
