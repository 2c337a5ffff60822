// Package classify maps incoming requests to the strategy that fulfills them.
package classify

import (
	"net/http"
	"net/url"
	"strings"
)

type Class int

const (
	// Bypass requests (non-GET) are never looked at by the agent.
	Bypass Class = iota
	// Excluded requests are live API or health endpoints, always sent to the network.
	Excluded
	// Navigation requests are top-level page loads.
	Navigation
	// StaticAsset is every other GET request.
	StaticAsset
)

func (c Class) String() string {
	switch c {
	case Bypass:
		return "bypass"
	case Excluded:
		return "excluded"
	case Navigation:
		return "navigation"
	case StaticAsset:
		return "static-asset"
	}
	return "unknown"
}

// Mode is the request mode as sent by browsers in the Sec-Fetch-Mode header.
type Mode string

const (
	ModeNavigate   Mode = "navigate"
	ModeSameOrigin Mode = "same-origin"
	ModeNoCORS     Mode = "no-cors"
	ModeCORS       Mode = "cors"
)

// ModeOf returns the mode of the request.
func ModeOf(r *http.Request) Mode {
	return Mode(strings.ToLower(strings.TrimSpace(r.Header.Get("Sec-Fetch-Mode"))))
}

// Classifier holds the reserved paths.
// The zero value excludes nothing.
type Classifier struct {
	// Path prefixes of live endpoints, e.g. "/api/".
	ExcludedPrefixes []string
	// Exact paths of live endpoints, e.g. "/health".
	ExcludedPaths []string
}

// Classify returns the class of a request.
// It depends only on its arguments, never on what is stored.
func (c Classifier) Classify(method string, u *url.URL, mode Mode) Class {
	if method != http.MethodGet {
		return Bypass
	}
	if c.excluded(u.Path) {
		return Excluded
	}
	if mode == ModeNavigate {
		return Navigation
	}
	return StaticAsset
}

// ClassifyRequest is a shorthand for Classify on the parts of r.
func (c Classifier) ClassifyRequest(r *http.Request) Class {
	return c.Classify(r.Method, r.URL, ModeOf(r))
}

func (c Classifier) excluded(path string) bool {
	for _, p := range c.ExcludedPaths {
		if path == p {
			return true
		}
	}
	for _, prefix := range c.ExcludedPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}
