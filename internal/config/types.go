package config

import (
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"
)

// Config holds every daemon-level option plus the precache manifest once it is resolved.
type Config struct {
	Server   ServerConfig  `koanf:"server"`
	Worker   WorkerConfig  `koanf:"worker"`
	Push     PushConfig    `koanf:"push"`
	Backend  BackendConfig `koanf:"backend"`
	Manifest Manifest      `koanf:"manifest"`

	// ManifestSource records where the effective manifest came from: the inline
	// config block or the path of the external manifest file.
	ManifestSource string `koanf:"-"`
}

// ServerConfig collects the bootstrap knobs of the worker host.
type ServerConfig struct {
	Listen    ListenConfig      `koanf:"listen"`
	Logging   LoggingConfig     `koanf:"logging"`
	Templates TemplatesConfig   `koanf:"templates"`
	Cache     ServerCacheConfig `koanf:"cache"`
}

// ListenConfig instructs the HTTP listener about bind address and port.
type ListenConfig struct {
	Address string `koanf:"address"`
	Port    int    `koanf:"port"`
}

// LoggingConfig expresses log level, format, and correlation ID wiring.
type LoggingConfig struct {
	Level             string `koanf:"level"`
	Format            string `koanf:"format"`
	CorrelationHeader string `koanf:"correlationHeader"`
}

// TemplatesConfig captures the template sandbox root used for the offline page.
type TemplatesConfig struct {
	TemplatesFolder     string   `koanf:"templatesFolder"`
	TemplatesAllowEnv   bool     `koanf:"templatesAllowEnv"`
	TemplatesAllowedEnv []string `koanf:"templatesAllowedEnv"`
	OfflinePage         string   `koanf:"offlinePage"`
}

// ServerCacheConfig selects the generation storage backend.
type ServerCacheConfig struct {
	Backend string                   `koanf:"backend"`
	LevelDB ServerLevelDBCacheConfig `koanf:"leveldb"`
	Redis   ServerRedisCacheConfig   `koanf:"redis"`
}

type ServerLevelDBCacheConfig struct {
	Path string `koanf:"path"`
}

type ServerRedisCacheConfig struct {
	Address   string               `koanf:"address"`
	Username  string               `koanf:"username"`
	Password  string               `koanf:"password"`
	DB        int                  `koanf:"db"`
	Namespace string               `koanf:"namespace"`
	TLS       ServerRedisTLSConfig `koanf:"tls"`
}

type ServerRedisTLSConfig struct {
	Enabled bool   `koanf:"enabled"`
	CAFile  string `koanf:"caFile"`
}

// WorkerConfig describes the intercepted origin and how requests reach it.
type WorkerConfig struct {
	// Origin is the upstream the page traffic is fetched from, e.g. https://events.example.edu.
	Origin              string   `koanf:"origin"`
	ScriptPath          string   `koanf:"scriptPath"`
	Scope               string   `koanf:"scope"`
	ManifestFile        string   `koanf:"manifestFile"`
	NetworkTimeout      string   `koanf:"networkTimeout"`
	PrecacheConcurrency int      `koanf:"precacheConcurrency"`
	Bypass              []string `koanf:"bypass"`
}

// PushConfig shapes notifications built from push payloads.
type PushConfig struct {
	DefaultTitle         string `koanf:"defaultTitle"`
	Icon                 string `koanf:"icon"`
	Badge                string `koanf:"badge"`
	AllowExternalURLs    bool   `koanf:"allowExternalURLs"`
	ApplicationServerKey string `koanf:"applicationServerKey"`
}

// BackendConfig points at the REST API that records subscriptions.
type BackendConfig struct {
	APIURL  string `koanf:"apiUrl"`
	Timeout string `koanf:"timeout"`
}

// Manifest is the precache set of one cache generation. Assets are absolute
// paths kept in declaration order.
type Manifest struct {
	Generation string   `koanf:"generation"`
	Assets     []string `koanf:"assets"`
}

// Equal reports whether both manifests name the same generation and assets in the same order.
func (m Manifest) Equal(other Manifest) bool {
	if m.Generation != other.Generation || len(m.Assets) != len(other.Assets) {
		return false
	}
	for i := range m.Assets {
		if m.Assets[i] != other.Assets[i] {
			return false
		}
	}
	return true
}

// Validate checks the generation name and that every asset is an absolute path.
func (m Manifest) Validate() error {
	if strings.TrimSpace(m.Generation) == "" {
		return errors.New("config: manifest.generation required")
	}
	seen := make(map[string]struct{}, len(m.Assets))
	for i, asset := range m.Assets {
		if !strings.HasPrefix(asset, "/") {
			return fmt.Errorf("config: manifest.assets[%d] must be an absolute path: %q", i, asset)
		}
		if _, dup := seen[asset]; dup {
			return fmt.Errorf("config: manifest.assets[%d] duplicated: %q", i, asset)
		}
		seen[asset] = struct{}{}
	}
	return nil
}

// NetworkTimeoutDuration returns the configured network timeout, zero meaning none.
func (w WorkerConfig) NetworkTimeoutDuration() time.Duration {
	return parseDurationOrZero(w.NetworkTimeout)
}

// TimeoutDuration returns the backend client timeout, zero meaning none.
func (b BackendConfig) TimeoutDuration() time.Duration {
	return parseDurationOrZero(b.Timeout)
}

func parseDurationOrZero(value string) time.Duration {
	if strings.TrimSpace(value) == "" {
		return 0
	}
	d, err := time.ParseDuration(value)
	if err != nil || d < 0 {
		return 0
	}
	return d
}

// Validate enforces invariants that keep the runtime predictable before serving traffic.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config: nil")
	}
	if c.Server.Listen.Port <= 0 || c.Server.Listen.Port > 65535 {
		return fmt.Errorf("config: listen.port invalid: %d", c.Server.Listen.Port)
	}
	backend := strings.TrimSpace(strings.ToLower(c.Server.Cache.Backend))
	switch backend {
	case "", "memory":
	case "leveldb":
		if strings.TrimSpace(c.Server.Cache.LevelDB.Path) == "" {
			return errors.New("config: server.cache.leveldb.path required for leveldb backend")
		}
	case "redis":
		if strings.TrimSpace(c.Server.Cache.Redis.Address) == "" {
			return errors.New("config: server.cache.redis.address required for redis backend")
		}
	default:
		return fmt.Errorf("config: server.cache.backend unsupported: %s", c.Server.Cache.Backend)
	}

	origin, err := url.Parse(strings.TrimSpace(c.Worker.Origin))
	if err != nil || origin.Host == "" || (origin.Scheme != "http" && origin.Scheme != "https") {
		return fmt.Errorf("config: worker.origin must be an absolute http(s) URL: %q", c.Worker.Origin)
	}
	if !strings.HasPrefix(c.Worker.ScriptPath, "/") {
		return fmt.Errorf("config: worker.scriptPath must be absolute: %q", c.Worker.ScriptPath)
	}
	if err := validateScope(c.Worker.ScriptPath, c.Worker.Scope); err != nil {
		return err
	}
	if c.Worker.PrecacheConcurrency < 0 {
		return fmt.Errorf("config: worker.precacheConcurrency invalid: %d", c.Worker.PrecacheConcurrency)
	}
	if err := validateDuration("worker.networkTimeout", c.Worker.NetworkTimeout); err != nil {
		return err
	}
	if err := validateDuration("backend.timeout", c.Backend.Timeout); err != nil {
		return err
	}
	for i, rule := range c.Worker.Bypass {
		if strings.TrimSpace(rule) == "" {
			return fmt.Errorf("config: worker.bypass[%d] empty", i)
		}
	}
	if api := strings.TrimSpace(c.Backend.APIURL); api != "" {
		parsed, err := url.Parse(api)
		if err != nil || parsed.Host == "" {
			return fmt.Errorf("config: backend.apiUrl must be an absolute URL: %q", c.Backend.APIURL)
		}
	}
	if c.Worker.ManifestFile == "" {
		if err := c.Manifest.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// validateScope applies the registration rule that a script may only control
// paths inside its own directory.
func validateScope(scriptPath, scope string) error {
	if !strings.HasPrefix(scope, "/") {
		return fmt.Errorf("config: worker.scope must be absolute: %q", scope)
	}
	maxScope := path.Dir(scriptPath)
	if !strings.HasSuffix(maxScope, "/") {
		maxScope += "/"
	}
	if !strings.HasPrefix(scope, maxScope) {
		return fmt.Errorf("config: worker.scope %q outside script directory %q", scope, maxScope)
	}
	return nil
}

func validateDuration(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("config: %s invalid: %w", field, err)
	}
	if d < 0 {
		return fmt.Errorf("config: %s must not be negative", field)
	}
	return nil
}

// DefaultConfig returns the baseline values used when nothing overrides them.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Listen: ListenConfig{
				Address: "0.0.0.0",
				Port:    8080,
			},
			Logging: LoggingConfig{
				Level:             "info",
				Format:            "json",
				CorrelationHeader: "X-Request-ID",
			},
			Templates: TemplatesConfig{
				TemplatesFolder:   "./templates",
				TemplatesAllowEnv: false,
			},
			Cache: ServerCacheConfig{
				Backend: "memory",
				LevelDB: ServerLevelDBCacheConfig{Path: "./data/cache"},
				Redis:   ServerRedisCacheConfig{Namespace: "campusworker:cache"},
			},
		},
		Worker: WorkerConfig{
			ScriptPath:          "/sw.js",
			Scope:               "/",
			PrecacheConcurrency: 4,
		},
		Push: PushConfig{
			DefaultTitle: "New notification",
			Icon:         "/icons/icon-192x192.png",
			Badge:        "/icons/icon-72x72.png",
		},
		Manifest: Manifest{
			Generation: "campus-v1",
			Assets: []string{
				"/icons/icon-192x192.png",
				"/icons/icon-512x512.png",
			},
		},
	}
}
