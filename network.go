package offlinecache

import (
	"context"
	"crypto/tls"
	"net/http"
	"net/url"
	"time"

	perrors "github.com/jmgilman/go/errors"

	tee "github.com/always-cache/offline-cache/pkg/response-writer-tee"
	"github.com/always-cache/offline-cache/pkg/snapshot"
)

// Network issues requests on behalf of the agent.
// A non-nil error means no response was received at all.
type Network interface {
	Fetch(ctx context.Context, r *http.Request) (*http.Response, error)
}

// OriginNetwork sends requests to an origin server over HTTP.
// Only the request URI is kept, so requests never reach any other host.
type OriginNetwork struct {
	originURL  url.URL
	originHost string
	httpClient http.Client
}

// NewOriginNetwork creates a network for the given origin.
// originHost, if not empty, is used as the Host header and TLS server name,
// e.g. when the origin URL is just an IP address.
func NewOriginNetwork(originURL url.URL, originHost string, timeout time.Duration) *OriginNetwork {
	n := &OriginNetwork{
		originURL:  originURL,
		originHost: originHost,
		httpClient: http.Client{
			Timeout: timeout,
			// do not follow redirects
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
	if originHost != "" {
		n.httpClient.Transport = &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			TLSClientConfig: &tls.Config{
				ServerName: originHost,
			},
		}
	}
	return n
}

func (n *OriginNetwork) Fetch(ctx context.Context, r *http.Request) (*http.Response, error) {
	// always send to the origin, whatever host the request names
	uri := n.originURL.Scheme + "://" + n.originURL.Host + r.URL.RequestURI()
	// need to specifically set body to nil on the outgoing request if content is zero length
	// see https://github.com/golang/go/issues/16036
	body := r.Body
	if r.ContentLength == 0 {
		body = nil
	}
	req, err := http.NewRequestWithContext(ctx, r.Method, uri, body)
	if err != nil {
		return nil, perrors.Wrapf(err, perrors.CodeInvalidInput, "could not create request for %s", uri)
	}
	req.ContentLength = r.ContentLength
	if n.originHost != "" {
		req.Host = n.originHost
	}
	copyHeader(req.Header, r.Header)
	// do not forward connection header, this causes trouble
	req.Header.Del("Connection")

	res, err := n.httpClient.Do(req)
	if err != nil {
		return nil, perrors.Wrapf(err, perrors.CodeNetwork, "could not fetch %s", uri)
	}
	return res, nil
}

// HandlerNetwork treats a downstream http.Handler as the network,
// so that the agent can be used as middleware in front of an application.
type HandlerNetwork struct {
	next http.Handler
}

func NewHandlerNetwork(next http.Handler) *HandlerNetwork {
	return &HandlerNetwork{next: next}
}

func (n *HandlerNetwork) Fetch(ctx context.Context, r *http.Request) (res *http.Response, err error) {
	req := r.Clone(ctx)
	rs := tee.NewResponseSaver()
	defer func() {
		if p := recover(); p != nil {
			res = nil
			err = perrors.Newf(perrors.CodeNetwork, "handler for %s panicked: %v", r.URL.Path, p)
		}
	}()
	n.next.ServeHTTP(rs, req)
	return rs.Result(req), nil
}

// responseType tells if a response came from within the scope of the agent.
// Responses for requests without an absolute URL are always in scope.
func responseType(scope url.URL, res *http.Response) snapshot.Type {
	if res.Request == nil || res.Request.URL == nil || !res.Request.URL.IsAbs() || scope.Host == "" {
		return snapshot.TypeBasic
	}
	u := res.Request.URL
	if u.Host == scope.Host && u.Scheme == scope.Scheme {
		return snapshot.TypeBasic
	}
	if res.Header.Get("Access-Control-Allow-Origin") != "" {
		return snapshot.TypeCORS
	}
	return snapshot.TypeOpaque
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		// this is a workaround to remove default headers sent by an upstream proxy
		// some servers do not like the presence of these headers in the downstream request
		if k != "X-Forwarded-For" && k != "X-Forwarded-Proto" && k != "X-Forwarded-Host" {
			for _, v := range vv {
				dst.Add(k, v)
			}
		}
	}
}

