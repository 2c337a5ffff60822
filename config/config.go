// Package config loads the agent configuration from a YAML file and the environment.
package config

import (
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	perrors "github.com/jmgilman/go/errors"
	"gopkg.in/yaml.v3"
)

const (
	StoreMemory = "memory"
	StoreSQLite = "sqlite"
	StoreRedis  = "redis"
)

type Config struct {
	// Cache generation identifier. Changing it is the only way to invalidate stored content.
	Version string `yaml:"version" env:"OFFLINE_CACHE_VERSION"`
	// URL of the network origin. Origins with paths are not supported.
	Origin string `yaml:"origin" env:"OFFLINE_CACHE_ORIGIN"`
	// Hostname to use for HTTP requests and TLS negotiation with the origin.
	OriginHost string `yaml:"originHost" env:"OFFLINE_CACHE_ORIGIN_HOST"`
	Port       int    `yaml:"port" env:"OFFLINE_CACHE_PORT"`

	Store       string `yaml:"store" env:"OFFLINE_CACHE_STORE"`
	DB          string `yaml:"db" env:"OFFLINE_CACHE_DB"`
	RedisAddr   string `yaml:"redisAddr" env:"OFFLINE_CACHE_REDIS_ADDR"`
	RedisPrefix string `yaml:"redisPrefix" env:"OFFLINE_CACHE_REDIS_PREFIX"`

	// Root-relative paths that must be stored before a generation is ready.
	Manifest         []string `yaml:"manifest" env:"OFFLINE_CACHE_MANIFEST" envSeparator:","`
	ExcludedPrefixes []string `yaml:"excludedPrefixes" env:"OFFLINE_CACHE_EXCLUDED_PREFIXES" envSeparator:","`
	ExcludedPaths    []string `yaml:"excludedPaths" env:"OFFLINE_CACHE_EXCLUDED_PATHS" envSeparator:","`
	// Document served as the navigation fallback.
	RootDocument string `yaml:"rootDocument" env:"OFFLINE_CACHE_ROOT_DOCUMENT"`

	// Zero means no timeout.
	NetworkTimeout time.Duration `yaml:"networkTimeout" env:"OFFLINE_CACHE_NETWORK_TIMEOUT"`
}

// Default returns the configuration used when nothing else is specified.
func Default() Config {
	return Config{
		Port:             8080,
		Store:            StoreSQLite,
		DB:               "cache.db",
		RedisPrefix:      "offline-cache:",
		Manifest:         []string{"/"},
		ExcludedPrefixes: []string{"/api/"},
		ExcludedPaths:    []string{"/health"},
		RootDocument:     "/",
	}
}

// Load reads the config file (if filename is not empty) on top of the defaults,
// and then applies environment overrides.
func Load(filename string) (Config, error) {
	config := Default()
	if filename != "" {
		configBytes, err := os.ReadFile(filename)
		if err != nil {
			return config, perrors.Wrapf(err, perrors.CodeInvalidConfig, "could not read config file %s", filename)
		}
		if err := yaml.Unmarshal(configBytes, &config); err != nil {
			return config, perrors.Wrapf(err, perrors.CodeInvalidConfig, "could not parse config file %s", filename)
		}
	}
	if err := env.Parse(&config); err != nil {
		return config, perrors.Wrap(err, perrors.CodeInvalidConfig, "could not parse environment")
	}
	return config, nil
}

// Validate checks that the configuration can be used to run the agent.
func (c Config) Validate() error {
	if c.Version == "" {
		return perrors.New(perrors.CodeInvalidConfig, "version is required")
	}
	if c.Origin == "" {
		return perrors.New(perrors.CodeInvalidConfig, "origin is required")
	}
	originURL, err := url.Parse(c.Origin)
	if err != nil {
		return perrors.Wrap(err, perrors.CodeInvalidConfig, "malformed origin")
	}
	if originURL.Scheme == "" || originURL.Host == "" {
		return perrors.Newf(perrors.CodeInvalidConfig, "origin %q must be an absolute URL", c.Origin)
	}
	if originURL.Path != "" && originURL.Path != "/" {
		return perrors.Newf(perrors.CodeInvalidConfig, "origin %q must not have a path", c.Origin)
	}
	if c.Port <= 0 {
		return perrors.Newf(perrors.CodeInvalidConfig, "invalid port %d", c.Port)
	}
	switch c.Store {
	case StoreMemory, StoreSQLite:
	case StoreRedis:
		if c.RedisAddr == "" {
			return perrors.New(perrors.CodeInvalidConfig, "redis store needs redisAddr")
		}
	default:
		return perrors.Newf(perrors.CodeInvalidConfig, "unsupported store %q", c.Store)
	}
	if !strings.HasPrefix(c.RootDocument, "/") {
		return perrors.Newf(perrors.CodeInvalidConfig, "root document %q must be root-relative", c.RootDocument)
	}
	for _, path := range c.Manifest {
		if !strings.HasPrefix(path, "/") {
			return perrors.Newf(perrors.CodeInvalidConfig, "manifest entry %q must be root-relative", path)
		}
	}
	return nil
}
