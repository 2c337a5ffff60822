package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	offlinecache "github.com/always-cache/offline-cache"
	"github.com/always-cache/offline-cache/cache"
	"github.com/always-cache/offline-cache/classify"
	"github.com/always-cache/offline-cache/config"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	perrors "github.com/jmgilman/go/errors"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/rs/zerolog/log"
)

var (
	// CLI flags
	configFlag         string
	portFlag           int
	originFlag         string
	addrFlag           string
	hostFlag           string
	storeFlag          string
	dbFilenameFlag     string
	cacheVersionFlag   string
	verbosityTraceFlag bool
	logFilenameFlag    string

	// this is set by goreleaser
	version string
)

func init() {
	flag.StringVar(&configFlag, "config", "", "Config file to use (YAML)")
	flag.StringVar(&originFlag, "origin", "", "Origin URL to proxy to (overrides addr and host)")
	flag.StringVar(&addrFlag, "addr", "", "Origin IP address to proxy to")
	flag.StringVar(&hostFlag, "host", "", "Hostname of origin")
	flag.IntVar(&portFlag, "port", 0, "Port to listen on")
	flag.StringVar(&storeFlag, "store", "", "Store to use: memory, sqlite or redis")
	flag.StringVar(&dbFilenameFlag, "db", "", "Cache DB file name (sqlite store only)")
	flag.StringVar(&cacheVersionFlag, "version", "", "Cache version, stored content of other versions is deleted on start")
	flag.BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
	flag.StringVar(&logFilenameFlag, "log-file", "", "Log file to use (in addition to stdout)")

	if version == "" {
		version = "DEV"
	}
}

func main() {
	flag.Parse()

	// set log level
	logLevel := zerolog.DebugLevel
	if verbosityTraceFlag {
		logLevel = zerolog.TraceLevel
	}

	// set up log output to stdout
	// also output to logfile if specified
	logOutputs := make([]io.Writer, 0)
	logOutputs = append(logOutputs, zerolog.ConsoleWriter{Out: os.Stdout})
	if logFilenameFlag != "" {
		if logFileOutput, err := os.OpenFile(logFilenameFlag, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644); err != nil {
			log.Fatal().Err(err).Msg("Cannot open log file")
		} else {
			logOutputs = append(logOutputs, logFileOutput)
		}
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter).
		With().Str("build", version).Logger()

	cfg, err := config.Load(configFlag)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not load config")
	}
	applyFlags(&cfg)
	if cfg.Version == "" {
		cfg.Version = version
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid config")
	}

	originURL, err := url.Parse(cfg.Origin)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not parse origin url")
	}

	storage, err := openStorage(cfg)
	if err != nil {
		log.Fatal().Err(err).Str("store", cfg.Store).Msg("Could not open store")
	}
	defer storage.Close()

	logger := log.Logger.With().Str("origin", originURL.Host).Logger()
	agent, err := offlinecache.New(offlinecache.Config{
		Storage:  storage,
		Network:  offlinecache.NewOriginNetwork(*originURL, cfg.OriginHost, cfg.NetworkTimeout),
		Version:  cfg.Version,
		Manifest: cfg.Manifest,
		Classifier: classify.Classifier{
			ExcludedPrefixes: cfg.ExcludedPrefixes,
			ExcludedPaths:    cfg.ExcludedPaths,
		},
		RootDocument: cfg.RootDocument,
		Scope:        *originURL,
		Logger:       &logger,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Could not create agent")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	startAgent(ctx, agent)

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: router(agent),
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Could not shut down server")
		}
	}()

	log.Info().Msgf("Proxying port %v to %s (with hostname '%s')", cfg.Port, originURL.String(), cfg.OriginHost)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("Server failed")
	}

	// let pending cache writes finish
	agent.Wait()
}

// startAgent installs and activates the configured version.
// If install fails, requests are passed to the origin until an install through
// the admin endpoint succeeds.
func startAgent(ctx context.Context, agent *offlinecache.Agent) {
	if err := agent.Install(ctx); err != nil {
		log.Error().Err(err).Msg("Could not install cache version, passing requests through")
		return
	}
	if err := agent.Activate(ctx); err != nil {
		log.Error().Err(err).Msg("Activation incomplete, stale versions remain")
	}
}

// applyFlags overrides the config with the flags that were set.
func applyFlags(cfg *config.Config) {
	if originFlag != "" {
		cfg.Origin = originFlag
	} else if addrFlag != "" {
		cfg.Origin = "https://" + addrFlag
		cfg.OriginHost = hostFlag
	}
	if hostFlag != "" {
		cfg.OriginHost = hostFlag
	}
	if portFlag != 0 {
		cfg.Port = portFlag
	}
	if storeFlag != "" {
		cfg.Store = storeFlag
	}
	if dbFilenameFlag != "" {
		cfg.DB = dbFilenameFlag
	}
	if cacheVersionFlag != "" {
		cfg.Version = cacheVersionFlag
	}
}

func openStorage(cfg config.Config) (cache.Storage, error) {
	switch cfg.Store {
	case config.StoreMemory:
		return cache.NewMemStorage(), nil
	case config.StoreRedis:
		return cache.NewRedisStorage(cache.RedisConfig{
			Client:      goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr}),
			Prefix:      cfg.RedisPrefix,
			CloseClient: true,
		})
	default:
		return cache.NewSQLiteStorage(cfg.DB)
	}
}

// router mounts the admin endpoints next to the agent.
func router(agent *offlinecache.Agent) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(hlog.NewHandler(log.Logger))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Trace().
			Str("method", r.Method).
			Stringer("url", r.URL).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("Request")
	}))

	r.Route("/.offline", func(r chi.Router) {
		r.Get("/generations", func(w http.ResponseWriter, r *http.Request) {
			generations, err := agent.Generations(r.Context())
			if err != nil {
				writeError(w, r, err)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			if err := json.NewEncoder(w).Encode(generations); err != nil {
				hlog.FromRequest(r).Error().Err(err).Msg("Could not write response")
			}
		})
		r.Post("/install", func(w http.ResponseWriter, r *http.Request) {
			if err := agent.Install(r.Context()); err != nil {
				writeError(w, r, err)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		})
		r.Post("/activate", func(w http.ResponseWriter, r *http.Request) {
			if err := agent.Activate(r.Context()); err != nil {
				writeError(w, r, err)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		})
	})
	r.Handle("/*", agent)
	return r
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	hlog.FromRequest(r).Error().Err(err).Msg("Admin request failed")
	status := http.StatusInternalServerError
	switch perrors.GetCode(err) {
	case perrors.CodeNetwork:
		status = http.StatusBadGateway
	case perrors.CodeConflict:
		status = http.StatusConflict
	}
	http.Error(w, err.Error(), status)
}
