// Package authz decides whether a router session may perform an action on a
// URI. Decisions are organised in rings: admin sessions, ring-0 platform
// services, OAuth clients, plain users and anonymous access. The router
// invokes exactly one ring per session based on the session's role.
package authz

import "strings"

// Action is a router-level operation on a URI.
type Action string

const (
	ActionCall      Action = "call"
	ActionSubscribe Action = "subscribe"
	ActionPublish   Action = "publish"
	ActionRegister  Action = "register"
)

// Decision is the outcome of an authorization check. Disclose asks the
// router to reveal the caller identity to the callee.
type Decision struct {
	Allow    bool `json:"allow"`
	Disclose bool `json:"disclose"`
}

// Deny is the zero decision.
var Deny = Decision{}

// Session describes the router session requesting the action.
type Session struct {
	// ID is the router-assigned session id.
	ID int64 `json:"session"`

	// AuthID is the authenticated identity, usually a username or client id.
	AuthID string `json:"authid"`

	// AuthRole is the role assigned at login.
	AuthRole string `json:"authrole"`
}

// Options carries router-provided registration options.
type Options struct {
	// Match is the URI match policy requested at registration, when set one
	// of exact, prefix or wildcard.
	Match string `json:"match,omitempty"`
}

// MatchKind classifies how a URI pattern matches concrete URIs.
type MatchKind string

const (
	MatchExact    MatchKind = "exact"
	MatchPrefix   MatchKind = "prefix"
	MatchWildcard MatchKind = "wildcard"
)

// ClassifyURI derives the match kind from the URI pattern itself. A trailing
// full-wildcard token marks a prefix registration, a single-token wildcard
// anywhere marks a wildcard registration.
func ClassifyURI(uri string) MatchKind {
	if strings.HasSuffix(uri, ".>") {
		return MatchPrefix
	}
	for _, token := range strings.Split(uri, ".") {
		if token == "*" {
			return MatchWildcard
		}
	}
	return MatchExact
}

func matchKind(uri string, opts Options) MatchKind {
	switch opts.Match {
	case string(MatchExact):
		return MatchExact
	case string(MatchPrefix):
		return MatchPrefix
	case string(MatchWildcard):
		return MatchWildcard
	default:
		return ClassifyURI(uri)
	}
}
