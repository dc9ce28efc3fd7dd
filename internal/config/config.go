package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"gitlab.com/gitlab-org/opcorrelator/internal/opcontext"
)

const (
	configFile = "config.yml"

	defaultReadTimeoutSeconds = 300
	defaultRetryMax           = 2
)

var (
	DefaultServerConfig = ServerConfig{
		Listen:                  "[::]:8080",
		ConcurrentRequestsLimit: 100,
		GracePeriod:             YamlDuration(10 * time.Second),
		ProxyHeaderTimeout:      YamlDuration(500 * time.Millisecond),
		ReadinessProbe:          "/start",
		LivenessProbe:           "/health",
	}
)

// YamlDuration is a time.Duration read from either a Go duration string
// ("10s") or a number of seconds.
type YamlDuration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *YamlDuration) UnmarshalYAML(value *yaml.Node) error {
	var seconds int64
	if err := value.Decode(&seconds); err == nil {
		*d = YamlDuration(time.Duration(seconds) * time.Second)
		return nil
	}

	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}

	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = YamlDuration(dur)

	return nil
}

type ServerConfig struct {
	Listen                  string       `yaml:"listen"`
	ProxyProtocol           bool         `yaml:"proxy_protocol"`
	ProxyPolicy             string       `yaml:"proxy_policy"`
	ProxyAllowed            []string     `yaml:"proxy_allowed"`
	ProxyHeaderTimeout      YamlDuration `yaml:"proxy_header_timeout"`
	WebListen               string       `yaml:"web_listen"`
	ConcurrentRequestsLimit int64        `yaml:"concurrent_requests_limit"`
	GracePeriod             YamlDuration `yaml:"grace_period"`
	ReadinessProbe          string       `yaml:"readiness_probe"`
	LivenessProbe           string       `yaml:"liveness_probe"`
	// UpstreamHealthPath, when set, is requested from the upstream by the
	// readiness probe.
	UpstreamHealthPath string `yaml:"upstream_health_path"`
}

type CorrelationConfig struct {
	ParentIDHeader    string `yaml:"parent_id_header"`
	BaggageHeader     string `yaml:"baggage_header"`
	MaxBaggageEntries int    `yaml:"max_baggage_entries"`
	// SetHeaders turns outbound header propagation off when explicitly false.
	SetHeaders     *bool    `yaml:"set_headers"`
	ExcludeDomains []string `yaml:"exclude_domains"`
}

// PropagateHeaders reports whether outbound calls carry the correlation headers.
func (c CorrelationConfig) PropagateHeaders() bool {
	return c.SetHeaders == nil || *c.SetHeaders
}

// Headers returns the configured header names, defaults filling the gaps.
func (c CorrelationConfig) Headers() opcontext.Headers {
	h := opcontext.DefaultHeaders()
	if c.ParentIDHeader != "" {
		h.ParentID = c.ParentIDHeader
	}
	if c.BaggageHeader != "" {
		h.Baggage = c.BaggageHeader
	}

	return h
}

type HTTPSettingsConfig struct {
	ReadTimeoutSeconds uint64 `yaml:"read_timeout"`
	CaFile             string `yaml:"ca_file"`
	CaPath             string `yaml:"ca_path"`
	// RetryMax is how often a failed upstream call is retried, 0 disables
	// retries.
	RetryMax *int `yaml:"retry_max"`
}

// Retries returns RetryMax, the default when it is unset.
func (h HTTPSettingsConfig) Retries() int {
	if h.RetryMax == nil {
		return defaultRetryMax
	}

	return *h.RetryMax
}

type Config struct {
	RootDir      string             `yaml:"-"`
	UpstreamURL  string             `yaml:"upstream_url"`
	LogFile      string             `yaml:"log_file"`
	LogFormat    string             `yaml:"log_format"`
	LogLevel     string             `yaml:"log_level"`
	Tracing      string             `yaml:"tracing"`
	Server       ServerConfig       `yaml:",inline"`
	Correlation  CorrelationConfig  `yaml:"correlation"`
	HTTPSettings HTTPSettingsConfig `yaml:"http_settings"`
}

// NewFromDir returns a new config given a root directory. It looks for the config file name in the
// given directory and reads the config from it. It doesn't apply any defaults.
func NewFromDir(dir string) (*Config, error) {
	return newFromFile(filepath.Join(dir, configFile))
}

// newFromFile reads a new Config instance from the given file path. It doesn't apply any defaults.
func newFromFile(path string) (*Config, error) {
	cfg := &Config{RootDir: filepath.Dir(path)}

	configBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(configBytes, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	return cfg, nil
}

// ApplyDefaults fills every unset value that has a sensible default.
func (cfg *Config) ApplyDefaults() {
	if cfg.LogFormat == "" {
		cfg.LogFormat = "text"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if len(cfg.LogFile) > 0 && !filepath.IsAbs(cfg.LogFile) && cfg.RootDir != "" {
		cfg.LogFile = filepath.Join(cfg.RootDir, cfg.LogFile)
	}

	cfg.Server.applyDefaults()

	if cfg.HTTPSettings.ReadTimeoutSeconds == 0 {
		cfg.HTTPSettings.ReadTimeoutSeconds = defaultReadTimeoutSeconds
	}
	if cfg.HTTPSettings.RetryMax == nil {
		retryMax := defaultRetryMax
		cfg.HTTPSettings.RetryMax = &retryMax
	}
}

func (sc *ServerConfig) applyDefaults() {
	if sc.Listen == "" {
		sc.Listen = DefaultServerConfig.Listen
	}
	if sc.ConcurrentRequestsLimit == 0 {
		sc.ConcurrentRequestsLimit = DefaultServerConfig.ConcurrentRequestsLimit
	}
	if sc.GracePeriod == 0 {
		sc.GracePeriod = DefaultServerConfig.GracePeriod
	}
	if sc.ProxyHeaderTimeout == 0 {
		sc.ProxyHeaderTimeout = DefaultServerConfig.ProxyHeaderTimeout
	}
	if sc.ReadinessProbe == "" {
		sc.ReadinessProbe = DefaultServerConfig.ReadinessProbe
	}
	if sc.LivenessProbe == "" {
		sc.LivenessProbe = DefaultServerConfig.LivenessProbe
	}
}

// IsSane checks if the given config fulfills the minimum requirements to be able to run.
// Any error returned by this function should be a startup error. On the other hand
// if this function returns nil, this doesn't guarantee the config will work, but it's
// at least worth a try.
func (cfg *Config) IsSane() error {
	if cfg.UpstreamURL == "" {
		return errors.New("upstream_url is required")
	}

	u, err := url.Parse(cfg.UpstreamURL)
	if err != nil {
		return fmt.Errorf("upstream_url is invalid: %w", err)
	}
	switch u.Scheme {
	case "http", "https", "http+unix":
	default:
		return fmt.Errorf("upstream_url has unsupported scheme %q", u.Scheme)
	}

	if cfg.Server.ConcurrentRequestsLimit < 0 {
		return errors.New("concurrent_requests_limit must not be negative")
	}
	if cfg.HTTPSettings.Retries() < 0 {
		return errors.New("http_settings.retry_max must not be negative")
	}
	if cfg.Correlation.MaxBaggageEntries < 0 {
		return errors.New("correlation.max_baggage_entries must not be negative")
	}

	return nil
}

// CorrelatorOptions returns the options building the request correlator.
func (cfg *Config) CorrelatorOptions() []opcontext.Option {
	return []opcontext.Option{
		opcontext.WithHeaders(cfg.Correlation.Headers()),
		opcontext.WithMaxBaggageEntries(cfg.Correlation.MaxBaggageEntries),
	}
}
