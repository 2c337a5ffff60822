package offlinecache

import (
	"context"
	"net/http"

	"github.com/always-cache/offline-cache/classify"
	cachekey "github.com/always-cache/offline-cache/pkg/cache-key"
	"github.com/always-cache/offline-cache/pkg/snapshot"
	"github.com/always-cache/offline-cache/rfc9211"
)

// Fetch answers a request according to its class.
// Non-GET requests return ErrIgnored and must be sent to the network unmodified.
// When neither the store nor the network can produce a response, ErrNoResponse is returned.
// Requests for excluded paths return the network error as-is.
func (a *Agent) Fetch(ctx context.Context, r *http.Request) (*http.Response, error) {
	res, _, err := a.fetch(ctx, r)
	return res, err
}

func (a *Agent) fetch(ctx context.Context, r *http.Request) (*http.Response, rfc9211.CacheStatus, error) {
	class := a.classifier.ClassifyRequest(r)
	a.log.Trace().Str("class", class.String()).Msgf("Incoming request: %s %s", r.Method, r.URL.Path)
	switch class {
	case classify.Bypass:
		var cs rfc9211.CacheStatus
		cs.Forward(rfc9211.FwdReasonMethod)
		return nil, cs, ErrIgnored
	case classify.Excluded:
		return a.networkOnly(ctx, r)
	case classify.Navigation:
		return a.navigate(ctx, r)
	default:
		return a.cacheFirst(ctx, r)
	}
}

// networkOnly never touches the store.
func (a *Agent) networkOnly(ctx context.Context, r *http.Request) (*http.Response, rfc9211.CacheStatus, error) {
	var cs rfc9211.CacheStatus
	cs.Forward(rfc9211.FwdReasonBypass)
	res, err := a.network.Fetch(ctx, r)
	if err == nil && res != nil {
		cs.FwdStatus = res.StatusCode
	}
	return res, cs, err
}

// navigate serves the root document from the store if it is there.
// Otherwise it goes to the network, falling back to the stored root document
// if the network fails. The network response is never stored.
func (a *Agent) navigate(ctx context.Context, r *http.Request) (*http.Response, rfc9211.CacheStatus, error) {
	var cs rfc9211.CacheStatus
	if res, ok := a.match(ctx, a.rootKey, r); ok {
		cs.Hit()
		return res, cs, nil
	}

	cs.Forward(rfc9211.FwdReasonUriMiss)
	res, err := a.network.Fetch(ctx, r)
	if err == nil && res != nil && responseType(a.scope, res) != snapshot.TypeOpaque {
		cs.FwdStatus = res.StatusCode
		return res, cs, nil
	}
	if err == nil && res != nil {
		res.Body.Close()
		a.log.Warn().Str("url", r.URL.String()).Msg("Opaque navigation response")
	} else {
		a.log.Warn().Err(err).Str("url", r.URL.String()).Msg("Network failed for navigation")
	}

	if fallback, ok := a.match(ctx, a.rootKey, r); ok {
		cs.Hit()
		cs.Detail = "fallback"
		return fallback, cs, nil
	}
	return nil, cs, ErrNoResponse
}

// cacheFirst serves stored snapshots without contacting the network.
// On a miss the network response is returned, and stored in the background if cacheable.
func (a *Agent) cacheFirst(ctx context.Context, r *http.Request) (*http.Response, rfc9211.CacheStatus, error) {
	var cs rfc9211.CacheStatus
	key, err := cachekey.GetKey(r)
	if err != nil {
		cs.Forward(rfc9211.FwdReasonMethod)
		return nil, cs, ErrIgnored
	}

	cached, ok := a.match(ctx, key, r)
	if ok {
		cs.Hit()
		return cached, cs, nil
	}

	cs.Forward(rfc9211.FwdReasonUriMiss)
	res, err := a.network.Fetch(ctx, r)
	if err != nil || res == nil {
		a.log.Warn().Err(err).Str("key", key).Msg("Network failed, nothing stored")
		// the lookup above already missed, so there is nothing to fall back to
		return cached, cs, ErrNoResponse
	}
	cs.FwdStatus = res.StatusCode

	typ := responseType(a.scope, res)
	if !cacheable(res, typ) {
		a.log.Trace().Str("key", key).Int("status", res.StatusCode).Str("type", string(typ)).Msg("Response not cacheable")
		return res, cs, nil
	}

	// capture before the response is handed out, the body can only be read once
	s, err := snapshot.Capture(res, typ)
	if err != nil {
		a.log.Warn().Err(err).Str("key", key).Msg("Could not read response from network")
		return cached, cs, ErrNoResponse
	}
	a.store(ctx, key, s)
	cs.Stored = true
	return res, cs, nil
}

// cacheable reports whether a network response may be stored.
// Opaque responses cannot be told apart from errors and are never stored.
func cacheable(res *http.Response, typ snapshot.Type) bool {
	return res != nil && res.StatusCode == http.StatusOK && typ == snapshot.TypeBasic
}

// match looks up a snapshot in the current generation.
// Store errors count as misses.
func (a *Agent) match(ctx context.Context, key string, r *http.Request) (*http.Response, bool) {
	gen, err := a.current(ctx)
	if err != nil {
		a.log.Error().Err(err).Msg("Could not open generation")
		return nil, false
	}
	b, ok, err := gen.Match(ctx, key)
	if err != nil {
		a.log.Error().Err(err).Str("key", key).Msg("Could not retrieve from cache")
		return nil, false
	}
	if !ok {
		return nil, false
	}
	s, err := snapshot.Decode(b)
	if err != nil {
		a.log.Error().Err(err).Str("key", key).Msg("Could not decode stored snapshot")
		return nil, false
	}
	return s.Response(r), true
}

// store writes the snapshot in the background.
// The response does not wait for the write, and a failed write is only logged.
func (a *Agent) store(ctx context.Context, key string, s snapshot.Snapshot) {
	ctx = context.WithoutCancel(ctx)
	a.writes.Add(1)
	go func() {
		defer a.writes.Done()
		b, err := snapshot.Encode(s)
		if err != nil {
			a.log.Error().Err(err).Str("key", key).Msg("Could not encode snapshot")
			return
		}
		gen, err := a.current(ctx)
		if err != nil {
			a.log.Error().Err(err).Msg("Could not open generation")
			return
		}
		if err := gen.Put(ctx, key, b); err != nil {
			a.log.Warn().Err(err).Str("key", key).Msg("Could not write to cache")
			return
		}
		a.log.Trace().Str("key", key).Msg("Cache write")
	}()
}
