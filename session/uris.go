// Package session connects a platform component to the message router. The
// kernel drives the component lifecycle, registers its endpoints, wraps every
// inbound call in the verification pipeline and signs every outbound call.
package session

import "strings"

// Vendor is the platform namespace all component URIs live under.
const Vendor = "mdstudio"

// Well-known auth service URIs. Sign, verify, login and the authorize hooks
// are raw registrations consumed by the router and the kernels themselves.
const (
	SignURI   = "mdstudio.auth.endpoint.sign"
	VerifyURI = "mdstudio.auth.endpoint.verify"
	LoginURI  = "mdstudio.auth.endpoint.login"
	LogoutURI = "mdstudio.auth.endpoint.logout"
)

// EndpointURI builds a component endpoint URI from its dotted name parts.
func EndpointURI(component string, parts ...string) string {
	return Vendor + "." + component + ".endpoint." + strings.Join(parts, ".")
}

// EventsOnlineURI is the subject a component announces itself on when it
// reaches the running state.
func EventsOnlineURI(component string) string {
	return EndpointURI(component, "events", "online")
}

// StatusURI is the subject a running component answers liveness probes on.
func StatusURI(component string) string {
	return EndpointURI(component, "status")
}

// OnlineEvent is the announcement payload published on EventsOnlineURI.
type OnlineEvent struct {
	Component string `json:"component"`
	Time      string `json:"time"`
}

// StatusReply is the liveness probe response served on StatusURI.
type StatusReply struct {
	Running bool   `json:"running"`
	State   string `json:"state"`
}
