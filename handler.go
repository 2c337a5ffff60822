package offlinecache

import (
	"errors"
	"io"
	"net/http"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/always-cache/offline-cache/rfc9211"
)

// ServeHTTP implements the http.Handler interface.
// Until the agent has been activated, and for every non-GET request,
// requests are passed to the network untouched.
func (a *Agent) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer a.recover(w, r)

	if !a.inScope(r) {
		a.log.Warn().Str("url", r.URL.String()).Msg("Refusing request outside of scope")
		http.Error(w, "Request outside of scope", http.StatusBadGateway)
		return
	}

	if !a.Controlling() {
		a.passThrough(w, r)
		return
	}

	res, cs, err := a.fetch(r.Context(), r)
	switch {
	case errors.Is(err, ErrIgnored):
		a.passThrough(w, r)
	case errors.Is(err, ErrNoResponse):
		a.logRequest(r, cs, http.StatusGatewayTimeout)
		http.Error(w, "Offline and no stored response", http.StatusGatewayTimeout)
	case err != nil:
		a.log.Error().Err(err).Str("url", r.URL.String()).Msg("Could not fetch response from network")
		a.logRequest(r, cs, http.StatusBadGateway)
		http.Error(w, "Error contacting origin", http.StatusBadGateway)
	default:
		a.send(w, r, res, &cs)
	}
}

// inScope reports whether the request targets the scope of the agent.
// Requests in origin form (just a path) always do.
func (a *Agent) inScope(r *http.Request) bool {
	if !r.URL.IsAbs() || a.scope.Host == "" {
		return true
	}
	return r.URL.Host == a.scope.Host
}

// recover recovers from panics and sends the request to the escape hatch if needed.
func (a *Agent) recover(w http.ResponseWriter, r *http.Request) {
	if err := recover(); err != nil {
		a.log.WithLevel(zerolog.PanicLevel).Interface("error", err).Msg("Panic in cache handler")
		a.passThrough(w, r)
	}
}

// passThrough is a fallback handler that just sends the request to the network.
// Neither the request nor the response is modified, and the store is not used.
func (a *Agent) passThrough(w http.ResponseWriter, r *http.Request) {
	res, err := a.network.Fetch(r.Context(), r)
	if err != nil {
		a.log.Error().Err(err).Msg("Error connecting to origin")
		http.Error(w, "Could not connect to origin", http.StatusBadGateway)
		return
	}
	a.send(w, r, res, nil)
}

// send writes the response to the client.
// The Cache-Status header is only added when status is not nil.
func (a *Agent) send(w http.ResponseWriter, r *http.Request, res *http.Response, status *rfc9211.CacheStatus) {
	if res.Body != nil {
		defer res.Body.Close()
	}
	for k, vv := range res.Header {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	if status != nil {
		w.Header().Add("Cache-Status", status.String())
		a.logRequest(r, *status, res.StatusCode)
	}
	w.WriteHeader(res.StatusCode)
	if res.Body == nil {
		return
	}
	bytesWritten, err := io.Copy(w, res.Body)
	if err != nil {
		a.log.Error().Err(err).Msg("Could not write response body to client")
	}
	a.log.Trace().Msgf("Wrote body (%d bytes)", bytesWritten)
}

func (a *Agent) logRequest(r *http.Request, cs rfc9211.CacheStatus, statusCode int) {
	isHit := 0
	if cs.Status == rfc9211.StatusHit {
		isHit = 1
	}
	a.requestLogger(r).Debug().
		Str("method", r.Method).
		Str("url", r.URL.String()).
		Str("status", string(cs.Status)).
		Str("fwd", string(cs.FwdReason)).
		Bool("stored", cs.Stored).
		Int("code", statusCode).
		Int("hit", isHit).
		Msg("Sending response to client")
}

// requestLogger returns the logger from the request context, e.g. one set up by hlog.NewHandler.
// If no logger is found, the agent logger is used.
func (a *Agent) requestLogger(r *http.Request) *zerolog.Logger {
	logger := hlog.FromRequest(r)
	if logger.GetLevel() == zerolog.Disabled {
		return &a.log
	}
	return logger
}
