// Package config loads the relay's configuration: a YAML file overlaid with
// environment overrides, unmarshaled with koanf/v2 into a typed Config.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvSignalingPort, if set, supersedes the configured HTTP/HTTPS port and
// forces plain HTTP — TLS is deactivated even if an HTTPS block is
// configured. This mirrors a common container/PaaS convention of injecting
// the listen port at the environment level.
const EnvSignalingPort = "AWRTC_SIGNALING_PORT"

// envPrefix is the prefix recognized by the env-override layer. Variables
// are named AWRTC_<SECTION>_<KEY>, e.g. AWRTC_HTTP_ADDR -> http.addr. Every
// underscore becomes a key separator, so keys whose own names contain an
// underscore (max_payload, rate_limit.burst, https.cert_file, ...) cannot be
// set this way.
const envPrefix = "AWRTC_"

// App describes one configured application namespace.
type App struct {
	Name           string `koanf:"name"`
	Path           string `koanf:"path"`
	AddressSharing bool   `koanf:"address_sharing"`
}

// HTTPConfig is a plain HTTP listener endpoint.
type HTTPConfig struct {
	Addr string `koanf:"addr"`
}

// HTTPSConfig is a TLS listener endpoint; CertFile/KeyFile must both be set
// for TLS to be enabled.
type HTTPSConfig struct {
	Addr     string `koanf:"addr"`
	CertFile string `koanf:"cert_file"`
	KeyFile  string `koanf:"key_file"`
}

// RateLimitConfig bounds how many signaling frames one connection may send
// per second, in tokens (messages) with a burst allowance. A
// MessagesPerSecond of 0 disables the limiter entirely.
type RateLimitConfig struct {
	MessagesPerSecond float64 `koanf:"messages_per_second"`
	Burst             int     `koanf:"burst"`
}

// Config is the complete relay configuration.
type Config struct {
	ListenAddr string `koanf:"listen_addr"`
	Apps       []App  `koanf:"apps"`
	MaxPayload int    `koanf:"max_payload"`
	LogVerbose bool   `koanf:"log_verbose"`
	AdminToken string `koanf:"admin_token"`

	HTTP      HTTPConfig      `koanf:"http"`
	HTTPS     HTTPSConfig     `koanf:"https"`
	RateLimit RateLimitConfig `koanf:"rate_limit"`
}

// TLSEnabled reports whether both halves of the TLS material are configured.
func (c Config) TLSEnabled() bool {
	return c.HTTPS.CertFile != "" && c.HTTPS.KeyFile != ""
}

// DefaultConfig returns a Config populated with sensible defaults for an
// unauthenticated, plain-HTTP deployment. It configures no apps, so Validate
// rejects it until at least one is added.
func DefaultConfig() *Config {
	return &Config{
		ListenAddr: ":8080",
		MaxPayload: 64 * 1024,
		LogVerbose: false,
		RateLimit:  RateLimitConfig{MessagesPerSecond: 50, Burst: 100},
	}
}

// Load reads configuration from the YAML file at path, overlays
// AWRTC_-prefixed environment variables, and applies the
// AWRTC_SIGNALING_PORT port override. Missing fields inherit DefaultConfig.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	resolveListenAddrs(cfg)
	applyPortOverride(cfg)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config from %s: %w", path, err)
	}

	return cfg, nil
}

// resolveListenAddrs makes ListenAddr the source of truth for HTTP.Addr and
// HTTPS.Addr: either one left unset in the file/env layers falls back to
// ListenAddr, so a deployer who only sets the documented top-level
// listen_addr gets a working listener on both the plain and TLS paths.
func resolveListenAddrs(cfg *Config) {
	if cfg.HTTP.Addr == "" {
		cfg.HTTP.Addr = cfg.ListenAddr
	}
	if cfg.HTTPS.Addr == "" {
		cfg.HTTPS.Addr = cfg.ListenAddr
	}
}

// applyPortOverride implements the AWRTC_SIGNALING_PORT convention: when set,
// it sets HTTP.Addr to ":<port>" (any configured host is dropped) and clears
// the HTTPS block, deactivating TLS and forcing plain HTTP on that port.
func applyPortOverride(cfg *Config) {
	port, ok := os.LookupEnv(EnvSignalingPort)
	if !ok || strings.TrimSpace(port) == "" {
		return
	}
	cfg.HTTP.Addr = ":" + strings.TrimSpace(port)
	cfg.HTTPS = HTTPSConfig{}
}

// envKeyMapper transforms AWRTC_HTTP_ADDR -> http.addr.
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.ReplaceAll(s, "_", ".")
}

func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"listen_addr":                    defaults.ListenAddr,
		"max_payload":                    defaults.MaxPayload,
		"log_verbose":                    defaults.LogVerbose,
		"rate_limit.messages_per_second": defaults.RateLimit.MessagesPerSecond,
		"rate_limit.burst":               defaults.RateLimit.Burst,
	}
	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}
	return nil
}

// Validation errors.
var (
	ErrNoApps            = errors.New("config: at least one app must be configured")
	ErrEmptyAppPath      = errors.New("config: app path must not be empty")
	ErrEmptyAppName      = errors.New("config: app name must not be empty")
	ErrDuplicateAppPath  = errors.New("config: duplicate app path")
	ErrInvalidMaxPayload = errors.New("config: max_payload must be > 0")
	ErrIncompleteTLS     = errors.New("config: https requires both cert_file and key_file")
)

// Validate checks cfg for logical errors beyond what unmarshaling catches.
func Validate(cfg *Config) error {
	if len(cfg.Apps) == 0 {
		return ErrNoApps
	}
	if cfg.MaxPayload <= 0 {
		return ErrInvalidMaxPayload
	}

	seen := make(map[string]struct{}, len(cfg.Apps))
	for i, app := range cfg.Apps {
		if app.Name == "" {
			return fmt.Errorf("apps[%d]: %w", i, ErrEmptyAppName)
		}
		if app.Path == "" {
			return fmt.Errorf("apps[%d]: %w", i, ErrEmptyAppPath)
		}
		if _, dup := seen[app.Path]; dup {
			return fmt.Errorf("apps[%d] path %q: %w", i, app.Path, ErrDuplicateAppPath)
		}
		seen[app.Path] = struct{}{}
	}

	if (cfg.HTTPS.CertFile != "") != (cfg.HTTPS.KeyFile != "") {
		return ErrIncompleteTLS
	}

	return nil
}

// NewLogger builds the process-wide structured logger: JSON at info level by
// default, text with debug level when LogVerbose is set.
func NewLogger(cfg Config) *slog.Logger {
	level := slog.LevelInfo
	var handler slog.Handler
	if cfg.LogVerbose {
		level = slog.LevelDebug
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}
	return slog.New(handler)
}
