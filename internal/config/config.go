package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	yaml "github.com/goccy/go-yaml"
)

// DefaultPath is read when --config is not given and the file exists.
const DefaultPath = "devpair.yaml"

var (
	errLogFormatUnknown          = errors.New("log.format must be json or console")
	errDiscoveryServiceEmpty     = errors.New("discovery.service cannot be empty")
	errDiscoveryIntervalInvalid  = errors.New("discovery.query_interval_ms must be positive")
	errDiscoveryRestartInvalid   = errors.New("discovery.restart_delay_ms must be positive")
	errIntentTimeoutNegative     = errors.New("worker.intent_timeout_seconds must be non-negative")
	errAssetsDirEmpty            = errors.New("assets.dir cannot be empty")
	errAddressMustBeHostPort     = errors.New("address must be host:port or :port")
	errHTTPRateInvalid           = errors.New("http.rate_per_second and http.burst must be non-negative")
	errTSSURLInvalid             = errors.New("tss.url must be an absolute http or https URL")
	errTSSTimeoutNegative        = errors.New("tss.timeout_seconds must be non-negative")
	errAppNameCannotBeEmpty      = errors.New("app name cannot be empty")
	errDuplicateAppName          = errors.New("duplicate app name")
	errAppPathCannotBeEmpty      = errors.New("app path cannot be empty")
	errAppPathMustBeBareFileName = errors.New("app path must be a bare file name")
)

const (
	defaultQueryInterval    = 1000
	defaultRestartDelay     = 2000
	defaultIntentTimeout    = 60
	defaultTSSTimeout       = 30
	defaultHTTPReadTimeout  = 30 * time.Second
	defaultHTTPWriteTimeout = 30 * time.Second
	defaultHTTPIdleTimeout  = 120 * time.Second
	defaultMaxHeaderBytes   = 1024 * 1024 // 1MB
	defaultRatePerSecond    = 20
	defaultBurst            = 40
)

// LogConfig defines logging configuration.
type LogConfig struct {
	Level  string `yaml:"level,omitempty"`
	Format string `yaml:"format,omitempty"` // json or console
}

// MuxConfig points at the host multiplexing service.
type MuxConfig struct {
	// Address overrides the platform default ("UNIX:/path", "/path" or host:port).
	Address string `yaml:"address,omitempty"`
	Label   string `yaml:"label,omitempty"`
}

// DiscoveryConfig controls the mDNS presence watcher.
type DiscoveryConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Service         string `yaml:"service,omitempty"`
	Interface       string `yaml:"interface,omitempty"`
	QueryIntervalMs int    `yaml:"query_interval_ms,omitempty"`
	RestartDelayMs  int    `yaml:"restart_delay_ms,omitempty"`
}

func (d DiscoveryConfig) QueryInterval() time.Duration {
	return time.Duration(d.QueryIntervalMs) * time.Millisecond
}

func (d DiscoveryConfig) RestartDelay() time.Duration {
	return time.Duration(d.RestartDelayMs) * time.Millisecond
}

// AssetsConfig locates the bundled developer disk image.
type AssetsConfig struct {
	Dir   string `yaml:"dir,omitempty"`
	Watch bool   `yaml:"watch"`
}

// WorkerConfig tunes the command worker.
type WorkerConfig struct {
	// IntentTimeoutSeconds bounds one intent; 0 disables the bound.
	IntentTimeoutSeconds int `yaml:"intent_timeout_seconds"`
}

func (w WorkerConfig) IntentTimeout() time.Duration {
	return time.Duration(w.IntentTimeoutSeconds) * time.Second
}

// TSSConfig points at the ticket signing server used to personalize the
// developer disk image. Disabled, only already mounted images are accepted.
type TSSConfig struct {
	Enabled bool `yaml:"enabled"`
	// URL overrides the public signing endpoint.
	URL            string `yaml:"url,omitempty"`
	TimeoutSeconds int    `yaml:"timeout_seconds,omitempty"`
}

func (t TSSConfig) Timeout() time.Duration {
	return time.Duration(t.TimeoutSeconds) * time.Second
}

// HTTPConfig defines the local HTTP/websocket bridge.
type HTTPConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Listen         string        `yaml:"listen,omitempty"`
	ReadTimeout    time.Duration `yaml:"read_timeout,omitempty"`
	WriteTimeout   time.Duration `yaml:"write_timeout,omitempty"`
	IdleTimeout    time.Duration `yaml:"idle_timeout,omitempty"`
	MaxHeaderBytes int           `yaml:"max_header_bytes,omitempty"`
	RatePerSecond  float64       `yaml:"rate_per_second,omitempty"`
	Burst          int           `yaml:"burst,omitempty"`
}

// AppConfig names an app that accepts a pairing file and where it expects it,
// relative to the app's Documents directory.
type AppConfig struct {
	Name string `json:"name" yaml:"name"`
	Path string `json:"path" yaml:"path"`
}

// Config is the main application configuration.
type Config struct {
	AppName   string          `yaml:"app_name,omitempty"`
	Log       LogConfig       `yaml:"log,omitempty"`
	Mux       MuxConfig       `yaml:"mux,omitempty"`
	Discovery DiscoveryConfig `yaml:"discovery,omitempty"`
	Assets    AssetsConfig    `yaml:"assets,omitempty"`
	TSS       TSSConfig       `yaml:"tss,omitempty"`
	Worker    WorkerConfig    `yaml:"worker,omitempty"`
	HTTP      HTTPConfig      `yaml:"http,omitempty"`
	// Apps replaces the built-in supported app table when non-empty.
	Apps []AppConfig `yaml:"apps,omitempty"`
	Path string      `yaml:"-"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		AppName: "devpair",
		Log:     LogConfig{Level: "info", Format: "console"},
		Mux:     MuxConfig{Label: "devpair"},
		Discovery: DiscoveryConfig{
			Enabled:         true,
			Service:         "_apple-mobdev2._tcp.local.",
			QueryIntervalMs: defaultQueryInterval,
			RestartDelayMs:  defaultRestartDelay,
		},
		Assets: AssetsConfig{Dir: "DDI", Watch: true},
		TSS:    TSSConfig{Enabled: true, TimeoutSeconds: defaultTSSTimeout},
		Worker: WorkerConfig{IntentTimeoutSeconds: defaultIntentTimeout},
		HTTP: HTTPConfig{
			Enabled:        false,
			Listen:         "127.0.0.1:47824",
			ReadTimeout:    defaultHTTPReadTimeout,
			WriteTimeout:   defaultHTTPWriteTimeout,
			IdleTimeout:    defaultHTTPIdleTimeout,
			MaxHeaderBytes: defaultMaxHeaderBytes,
			RatePerSecond:  defaultRatePerSecond,
			Burst:          defaultBurst,
		},
	}
}

// Load reads path on top of Default. An empty path, or the default path
// when it does not exist, yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		return cfg, nil
	}

	b, err := os.ReadFile(path) //nolint:gosec // config file path comes from the operator
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && path == DefaultPath {
			return cfg, nil
		}

		return nil, err
	}

	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	cfg.Path = path
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyDefaults restores defaults for string and duration fields a file
// set to their zero value.
func (c *Config) applyDefaults() {
	def := Default()

	if c.AppName == "" {
		c.AppName = def.AppName
	}

	if c.Log.Level == "" {
		c.Log.Level = def.Log.Level
	}

	if c.Log.Format == "" {
		c.Log.Format = def.Log.Format
	}

	if c.Mux.Label == "" {
		c.Mux.Label = def.Mux.Label
	}

	if c.Discovery.Service == "" {
		c.Discovery.Service = def.Discovery.Service
	}

	if !strings.HasSuffix(c.Discovery.Service, ".") {
		c.Discovery.Service += "."
	}

	if c.Assets.Dir == "" {
		c.Assets.Dir = def.Assets.Dir
	}

	if c.HTTP.Listen == "" {
		c.HTTP.Listen = def.HTTP.Listen
	}

	if c.HTTP.ReadTimeout == 0 {
		c.HTTP.ReadTimeout = def.HTTP.ReadTimeout
	}

	if c.HTTP.WriteTimeout == 0 {
		c.HTTP.WriteTimeout = def.HTTP.WriteTimeout
	}

	if c.HTTP.IdleTimeout == 0 {
		c.HTTP.IdleTimeout = def.HTTP.IdleTimeout
	}

	if c.HTTP.MaxHeaderBytes == 0 {
		c.HTTP.MaxHeaderBytes = def.HTTP.MaxHeaderBytes
	}
}

func (c *Config) Validate() error { //nolint:cyclop
	switch c.Log.Format {
	case "", "json", "console":
	default:
		return fmt.Errorf("%w: %q", errLogFormatUnknown, c.Log.Format)
	}

	if c.Discovery.Enabled {
		if c.Discovery.Service == "" {
			return errDiscoveryServiceEmpty
		}

		if c.Discovery.QueryIntervalMs <= 0 {
			return errDiscoveryIntervalInvalid
		}

		if c.Discovery.RestartDelayMs <= 0 {
			return errDiscoveryRestartInvalid
		}
	}

	if c.Worker.IntentTimeoutSeconds < 0 {
		return errIntentTimeoutNegative
	}

	if c.Assets.Dir == "" {
		return errAssetsDirEmpty
	}

	if c.TSS.TimeoutSeconds < 0 {
		return errTSSTimeoutNegative
	}

	if c.TSS.URL != "" {
		u, err := url.Parse(c.TSS.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("%w: %s", errTSSURLInvalid, c.TSS.URL)
		}
	}

	if c.HTTP.Enabled {
		if err := validateAddr(c.HTTP.Listen); err != nil {
			return fmt.Errorf("invalid http.listen: %w", err)
		}

		if c.HTTP.RatePerSecond < 0 || c.HTTP.Burst < 0 {
			return errHTTPRateInvalid
		}
	}

	names := map[string]struct{}{}

	for _, app := range c.Apps {
		if app.Name == "" {
			return errAppNameCannotBeEmpty
		}

		if _, ok := names[app.Name]; ok {
			return fmt.Errorf("%w: %s", errDuplicateAppName, app.Name)
		}

		names[app.Name] = struct{}{}

		if app.Path == "" {
			return fmt.Errorf("app '%s': %w", app.Name, errAppPathCannotBeEmpty)
		}

		if strings.ContainsAny(app.Path, `/\`) || app.Path == "." || app.Path == ".." {
			return fmt.Errorf("app '%s': %w: %s", app.Name, errAppPathMustBeBareFileName, app.Path)
		}
	}

	return nil
}

func validateAddr(addr string) error {
	if !strings.Contains(addr, ":") {
		return errAddressMustBeHostPort
	}

	_, _, err := net.SplitHostPort(addr)

	return err
}
