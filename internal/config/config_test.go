package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/gitlab-org/opcorrelator/internal/opcontext"
	"gitlab.com/gitlab-org/opcorrelator/internal/testhelper"
)

func parse(t *testing.T, content string) *Config {
	t.Helper()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, configFile), []byte(content), 0o600))

	cfg, err := NewFromDir(dir)
	require.NoError(t, err)

	return cfg
}

func TestNewFromDir(t *testing.T) {
	testCases := []struct {
		desc     string
		upstream string
		expected string
	}{
		{desc: "configured upstream", expected: "http://localhost:3000"},
		{desc: "replaced upstream", upstream: "http+unix:///tmp/upstream.sock", expected: "http+unix:///tmp/upstream.sock"},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			dir := testhelper.PrepareConfigDir(t, tc.upstream)

			cfg, err := NewFromDir(dir)
			require.NoError(t, err)

			cfg.ApplyDefaults()

			require.Equal(t, dir, cfg.RootDir)
			require.Equal(t, "127.0.0.1:0", cfg.Server.Listen)
			require.Equal(t, tc.expected, cfg.UpstreamURL)
			require.Equal(t, "json", cfg.LogFormat)
			require.Equal(t, []string{"core.windows.net"}, cfg.Correlation.ExcludeDomains)
			require.Equal(t, opcontext.DefaultHeaders(), cfg.Correlation.Headers())
			require.True(t, cfg.Correlation.PropagateHeaders())
			require.NoError(t, cfg.IsSane())
		})
	}
}

func TestNewFromDirMissingFile(t *testing.T) {
	_, err := NewFromDir(t.TempDir())
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestNewFromDirInvalidYAML(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, configFile), []byte("listen: [unterminated"), 0o600))

	_, err := NewFromDir(dir)
	require.Error(t, err)
}

func TestParseConfig(t *testing.T) {
	testCases := []struct {
		desc   string
		yaml   string
		verify func(t *testing.T, cfg *Config)
	}{
		{
			desc: "defaults",
			yaml: "",
			verify: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "text", cfg.LogFormat)
				assert.Equal(t, "info", cfg.LogLevel)
				assert.Empty(t, cfg.LogFile)
				assert.Equal(t, DefaultServerConfig, cfg.Server)
				assert.Equal(t, uint64(300), cfg.HTTPSettings.ReadTimeoutSeconds)
				assert.Equal(t, 2, cfg.HTTPSettings.Retries())
			},
		},
		{
			desc: "relative log file",
			yaml: "log_file: my-log.log",
			verify: func(t *testing.T, cfg *Config) {
				assert.Equal(t, filepath.Join(cfg.RootDir, "my-log.log"), cfg.LogFile)
			},
		},
		{
			desc: "absolute log file",
			yaml: "log_file: /qux/my-log.log",
			verify: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "/qux/my-log.log", cfg.LogFile)
			},
		},
		{
			desc: "server settings",
			yaml: "listen: 0.0.0.0:9000\nproxy_protocol: true\nproxy_policy: require\nconcurrent_requests_limit: 5\ngrace_period: 30\nweb_listen: localhost:9100\nupstream_health_path: /-/readiness",
			verify: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "0.0.0.0:9000", cfg.Server.Listen)
				assert.True(t, cfg.Server.ProxyProtocol)
				assert.Equal(t, "require", cfg.Server.ProxyPolicy)
				assert.Equal(t, int64(5), cfg.Server.ConcurrentRequestsLimit)
				assert.Equal(t, YamlDuration(30*time.Second), cfg.Server.GracePeriod)
				assert.Equal(t, "localhost:9100", cfg.Server.WebListen)
				assert.Equal(t, "/-/readiness", cfg.Server.UpstreamHealthPath)
			},
		},
		{
			desc: "duration strings",
			yaml: "grace_period: 1m30s\nproxy_header_timeout: 2s",
			verify: func(t *testing.T, cfg *Config) {
				assert.Equal(t, YamlDuration(90*time.Second), cfg.Server.GracePeriod)
				assert.Equal(t, YamlDuration(2*time.Second), cfg.Server.ProxyHeaderTimeout)
			},
		},
		{
			desc: "correlation settings",
			yaml: "correlation:\n  parent_id_header: X-Parent\n  max_baggage_entries: 8\n  set_headers: false",
			verify: func(t *testing.T, cfg *Config) {
				assert.Equal(t, opcontext.Headers{ParentID: "X-Parent", Baggage: opcontext.DefaultBaggageHeader}, cfg.Correlation.Headers())
				assert.Equal(t, 8, cfg.Correlation.MaxBaggageEntries)
				assert.False(t, cfg.Correlation.PropagateHeaders())
				assert.Len(t, cfg.CorrelatorOptions(), 2)
			},
		},
		{
			desc: "http settings",
			yaml: "http_settings:\n  read_timeout: 500\n  ca_file: /etc/ssl/cert.pem\n  ca_path: /etc/pki/tls/certs\n  retry_max: 5",
			verify: func(t *testing.T, cfg *Config) {
				assert.Equal(t, uint64(500), cfg.HTTPSettings.ReadTimeoutSeconds)
				assert.Equal(t, "/etc/ssl/cert.pem", cfg.HTTPSettings.CaFile)
				assert.Equal(t, "/etc/pki/tls/certs", cfg.HTTPSettings.CaPath)
				assert.Equal(t, 5, cfg.HTTPSettings.Retries())
			},
		},
		{
			desc: "retries disabled",
			yaml: "http_settings:\n  retry_max: 0",
			verify: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 0, cfg.HTTPSettings.Retries())
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			cfg := parse(t, tc.yaml)
			cfg.ApplyDefaults()

			tc.verify(t, cfg)
		})
	}
}

func TestInvalidDuration(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, configFile), []byte("grace_period: soon"), 0o600))

	_, err := NewFromDir(dir)
	require.ErrorContains(t, err, `invalid duration "soon"`)
}

func TestIsSane(t *testing.T) {
	negative := -1

	testCases := []struct {
		desc string
		cfg  Config
		err  string
	}{
		{
			desc: "valid http",
			cfg:  Config{UpstreamURL: "http://localhost:3000"},
		},
		{
			desc: "valid socket",
			cfg:  Config{UpstreamURL: "http+unix:///var/run/upstream.sock"},
		},
		{
			desc: "missing upstream",
			cfg:  Config{},
			err:  "upstream_url is required",
		},
		{
			desc: "unsupported scheme",
			cfg:  Config{UpstreamURL: "ftp://localhost"},
			err:  `upstream_url has unsupported scheme "ftp"`,
		},
		{
			desc: "negative limit",
			cfg:  Config{UpstreamURL: "http://localhost", Server: ServerConfig{ConcurrentRequestsLimit: -1}},
			err:  "concurrent_requests_limit must not be negative",
		},
		{
			desc: "negative baggage cap",
			cfg:  Config{UpstreamURL: "http://localhost", Correlation: CorrelationConfig{MaxBaggageEntries: -1}},
			err:  "correlation.max_baggage_entries must not be negative",
		},
		{
			desc: "negative retries",
			cfg:  Config{UpstreamURL: "http://localhost", HTTPSettings: HTTPSettingsConfig{RetryMax: &negative}},
			err:  "http_settings.retry_max must not be negative",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			err := tc.cfg.IsSane()
			if tc.err == "" {
				require.NoError(t, err)
				return
			}
			require.EqualError(t, err, tc.err)
		})
	}
}
