package offlinecache

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"

	perrors "github.com/jmgilman/go/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/always-cache/offline-cache/cache"
	"github.com/always-cache/offline-cache/classify"
	cachekey "github.com/always-cache/offline-cache/pkg/cache-key"
	"github.com/always-cache/offline-cache/pkg/snapshot"
)

type Config struct {
	// Storage for cache generations.
	Storage cache.Storage
	// Network used for everything not served from storage.
	Network Network
	// Receiver of the control directives. A Controller is used if nil.
	Host Host
	// Name of the current generation. Changing it is the only way to invalidate stored content.
	Version string
	// Root-relative paths stored on install.
	Manifest []string
	// Reserved paths that always go to the network.
	Classifier classify.Classifier
	// Path of the document used for navigation requests. Defaults to "/".
	RootDocument string
	// URL of the scope the agent serves. Responses from other origins are not stored.
	Scope url.URL
	// Logger to use. A console logger is used if nil.
	Logger *zerolog.Logger
}

type Agent struct {
	storage      cache.Storage
	network      Network
	host         Host
	version      string
	manifest     []string
	manifestKeys []string
	classifier   classify.Classifier
	rootKey      string
	scope        url.URL
	log          zerolog.Logger

	mutex       sync.Mutex
	generation  cache.Generation
	installed   bool
	controlling atomic.Bool

	// background snapshot writes
	writes sync.WaitGroup
}

// New creates an agent. Nothing is stored or served until Install and Activate have run.
func New(config Config) (*Agent, error) {
	if config.Storage == nil {
		return nil, perrors.New(perrors.CodeInvalidConfig, "storage is required")
	}
	if config.Network == nil {
		return nil, perrors.New(perrors.CodeInvalidConfig, "network is required")
	}
	if config.Version == "" {
		return nil, perrors.New(perrors.CodeInvalidConfig, "version is required")
	}

	// use console logger if not specified in config
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter()).With().Timestamp().Logger()
	} else {
		logger = *config.Logger
	}
	logger = logger.With().Str("version", config.Version).Logger()

	a := &Agent{
		storage:    config.Storage,
		network:    config.Network,
		host:       config.Host,
		version:    config.Version,
		manifest:   append([]string(nil), config.Manifest...),
		classifier: config.Classifier,
		scope:      config.Scope,
		log:        logger,
	}
	if a.host == nil {
		a.host = &Controller{}
	}

	for _, path := range a.manifest {
		key, err := cachekey.PathKey(path)
		if err != nil {
			return nil, perrors.Wrap(err, perrors.CodeInvalidConfig, "invalid manifest entry")
		}
		a.manifestKeys = append(a.manifestKeys, key)
	}

	root := config.RootDocument
	if root == "" {
		root = "/"
	}
	rootKey, err := cachekey.PathKey(root)
	if err != nil {
		return nil, perrors.Wrap(err, perrors.CodeInvalidConfig, "invalid root document")
	}
	a.rootKey = rootKey

	return a, nil
}

// Version returns the name of the current generation.
func (a *Agent) Version() string {
	return a.version
}

// Controlling reports whether the agent has been activated and serves requests.
func (a *Agent) Controlling() bool {
	return a.controlling.Load()
}

// Install fetches a fresh snapshot of every manifest entry and stores them in the current generation.
// It is all or nothing: if any entry cannot be fetched, nothing is stored and an error is returned.
func (a *Agent) Install(ctx context.Context) error {
	a.log.Info().Int("entries", len(a.manifest)).Msg("Installing generation")

	entries, err := a.precache(ctx)
	if err != nil {
		a.log.Error().Err(err).Msg("Install failed, generation not ready")
		code := perrors.GetCode(err)
		if code == perrors.CodeUnknown {
			code = perrors.CodeNetwork
		}
		return perrors.Wrap(err, code, "could not fetch precache manifest")
	}

	// the generation only appears once everything is fetched
	gen, err := a.storage.Open(ctx, a.version)
	if err != nil {
		return perrors.Wrap(err, perrors.CodeDatabase, "could not open generation")
	}
	if err := gen.PutAll(ctx, entries); err != nil {
		a.log.Error().Err(err).Msg("Install failed, generation not ready")
		return perrors.Wrap(err, perrors.CodeDatabase, "could not store precache manifest")
	}

	a.mutex.Lock()
	a.generation = gen
	a.installed = true
	a.mutex.Unlock()

	a.host.SkipWaiting()
	a.log.Info().Msg("Generation installed")
	return nil
}

// precache fetches all manifest entries concurrently.
// The first failure cancels the remaining fetches.
func (a *Agent) precache(ctx context.Context) ([]cache.Entry, error) {
	entries := make([]cache.Entry, len(a.manifest))
	g, gctx := errgroup.WithContext(ctx)
	for i := range a.manifest {
		g.Go(func() error {
			path := a.manifest[i]
			req, err := cachekey.GetRequestFromKey(a.manifestKeys[i])
			if err != nil {
				return perrors.Wrapf(err, perrors.CodeInvalidConfig, "invalid manifest entry %s", path)
			}
			req = req.WithContext(gctx)
			// bypass any intermediate HTTP cache
			req.Header.Set("Cache-Control", "no-cache")
			res, err := a.network.Fetch(gctx, req)
			if err != nil {
				return err
			}
			defer res.Body.Close()
			if res.StatusCode < 200 || res.StatusCode >= 300 {
				return perrors.Newf(perrors.CodeNetwork, "fetching %s returned status %d", path, res.StatusCode)
			}
			s, err := snapshot.Capture(res, responseType(a.scope, res))
			if err != nil {
				return perrors.Wrapf(err, perrors.CodeNetwork, "could not read %s", path)
			}
			b, err := snapshot.Encode(s)
			if err != nil {
				return perrors.Wrapf(err, perrors.CodeInternal, "could not encode %s", path)
			}
			a.log.Trace().Str("key", a.manifestKeys[i]).Msg("Precached")
			entries[i] = cache.Entry{Key: a.manifestKeys[i], Bytes: b}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return entries, nil
}

// Activate deletes every generation other than the current one and takes control.
// It is the only way stored content is ever removed.
func (a *Agent) Activate(ctx context.Context) error {
	a.mutex.Lock()
	installed := a.installed
	a.mutex.Unlock()
	if !installed {
		return ErrNotInstalled
	}

	names, err := a.storage.Keys(ctx)
	if err != nil {
		return perrors.Wrap(err, perrors.CodeDatabase, "could not list generations")
	}
	var errs []error
	for _, name := range staleGenerations(a.version, names) {
		deleted, err := a.storage.Delete(ctx, name)
		if err != nil {
			a.log.Error().Err(err).Str("generation", name).Msg("Could not delete generation")
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		if deleted {
			a.log.Info().Str("generation", name).Msg("Deleted stale generation")
		}
	}
	if err := errors.Join(errs...); err != nil {
		return perrors.Wrap(err, perrors.CodeDatabase, "could not delete stale generations")
	}

	a.host.Claim()
	a.controlling.Store(true)
	a.log.Info().Msg("Generation activated")
	return nil
}

// staleGenerations returns the generations that activation removes.
// The current generation is never part of the result.
func staleGenerations(current string, existing []string) []string {
	stale := make([]string, 0, len(existing))
	for _, name := range existing {
		if name != current {
			stale = append(stale, name)
		}
	}
	return stale
}

// current returns the generation fetch-time reads and writes go to.
func (a *Agent) current(ctx context.Context) (cache.Generation, error) {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	if a.generation != nil {
		return a.generation, nil
	}
	gen, err := a.storage.Open(ctx, a.version)
	if err != nil {
		return nil, err
	}
	a.generation = gen
	return gen, nil
}

// Wait blocks until all background snapshot writes have finished.
func (a *Agent) Wait() {
	a.writes.Wait()
}

type GenerationInfo struct {
	Name    string   `json:"name"`
	Current bool     `json:"current"`
	Paths   []string `json:"paths"`
}

// Generations lists the stored generations and the paths each one holds.
func (a *Agent) Generations(ctx context.Context) ([]GenerationInfo, error) {
	names, err := a.storage.Keys(ctx)
	if err != nil {
		return nil, perrors.Wrap(err, perrors.CodeDatabase, "could not list generations")
	}
	infos := make([]GenerationInfo, 0, len(names))
	for _, name := range names {
		gen, err := a.storage.Open(ctx, name)
		if err != nil {
			return nil, perrors.Wrap(err, perrors.CodeDatabase, "could not open generation")
		}
		keys, err := gen.Keys(ctx)
		if err != nil {
			return nil, perrors.Wrap(err, perrors.CodeDatabase, "could not list entries")
		}
		info := GenerationInfo{Name: name, Current: name == a.version, Paths: make([]string, 0, len(keys))}
		for _, key := range keys {
			info.Paths = append(info.Paths, cachekey.GetPathFromKey(key))
		}
		infos = append(infos, info)
	}
	return infos, nil
}
