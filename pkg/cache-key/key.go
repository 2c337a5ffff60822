package cachekey

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

var ErrorMethodNotSupported = fmt.Errorf("Method not supported")

const methodSeparator = ":"

// GetKey returns the request identity used to address a snapshot in a generation.
// It depends only on the method and the request URI (path and query), so the same
// resource requested through different hosts of the same scope maps to one entry.
// Only GET requests have an identity; other methods return ErrorMethodNotSupported.
func GetKey(r *http.Request) (string, error) {
	if r.Method != http.MethodGet {
		return "", ErrorMethodNotSupported
	}
	return http.MethodGet + methodSeparator + r.URL.RequestURI(), nil
}

// PathKey returns the identity of a GET request for a root-relative path,
// e.g. an entry of the precache manifest.
func PathKey(path string) (string, error) {
	u, err := url.Parse(path)
	if err != nil {
		return "", fmt.Errorf("Malformed path %q: %w", path, err)
	}
	if u.IsAbs() || u.Host != "" {
		return "", fmt.Errorf("Path %q is not root-relative", path)
	}
	if !strings.HasPrefix(u.Path, "/") {
		u.Path = "/" + u.Path
	}
	return http.MethodGet + methodSeparator + u.RequestURI(), nil
}

// GetRequestFromKey generates a request equal, caching-wise, to the one that
// resulted in the provided key.
func GetRequestFromKey(key string) (*http.Request, error) {
	method, uri, found := strings.Cut(key, methodSeparator)
	if !found {
		return nil, fmt.Errorf("Malformed key: %s", key)
	}
	if method != http.MethodGet {
		return nil, ErrorMethodNotSupported
	}
	return http.NewRequest(method, uri, nil)
}

// GetPathFromKey returns the request URI part of a key.
func GetPathFromKey(key string) string {
	_, uri, _ := strings.Cut(key, methodSeparator)
	return uri
}
