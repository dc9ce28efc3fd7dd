package testhelper

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/otiai10/copy"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

const configFile = "config.yml"

// SetEnv sets every variable in env for the duration of the test.
func SetEnv(t *testing.T, env map[string]string) {
	t.Helper()

	for key, value := range env {
		t.Setenv(key, value)
	}
}

// PrepareConfigDir copies the test configuration into a temporary directory
// and returns that directory. A non-empty upstreamURL replaces the configured
// upstream, so the config can point at a server started by the test.
func PrepareConfigDir(t *testing.T, upstreamURL string) string {
	t.Helper()

	dir := t.TempDir()
	require.NoError(t, copy.Copy(testRootDir(t), dir))

	if upstreamURL != "" {
		setUpstream(t, filepath.Join(dir, configFile), upstreamURL)
	}

	return dir
}

func setUpstream(t *testing.T, path, upstreamURL string) {
	t.Helper()

	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	settings := map[string]any{}
	require.NoError(t, yaml.Unmarshal(raw, &settings))
	settings["upstream_url"] = upstreamURL

	raw, err = yaml.Marshal(settings)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, raw, 0o600))
}

func testRootDir(t *testing.T) string {
	t.Helper()

	_, currentFile, _, ok := runtime.Caller(0)
	require.True(t, ok, "could not locate the test data")

	return filepath.Join(filepath.Dir(currentFile), "testdata", "testroot")
}
