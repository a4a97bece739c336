package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "127.0.0.1:8888", cfg.Listen)
	assert.Equal(t, "logs", cfg.LogDir)
	assert.False(t, cfg.Verbose)
	assert.Equal(t, ".", cfg.DataDir)
	assert.Equal(t, "ca.crt", cfg.CA.Cert)
	assert.Equal(t, "ca.key", cfg.CA.Key)
	assert.Equal(t, 5*time.Second, cfg.Timeouts.Shutdown.Duration)
	assert.Equal(t, 10*time.Second, cfg.Timeouts.Connect.Duration)
	assert.Equal(t, 30*time.Second, cfg.Timeouts.Request.Duration)
	assert.Equal(t, 10*time.Second, cfg.Timeouts.ReadHeader.Duration)
	assert.Equal(t, 30*time.Minute, cfg.Timeouts.SessionIdle.Duration)
	assert.Equal(t, 5*time.Minute, cfg.Timeouts.GCInterval.Duration)
	assert.Equal(t, 8192, cfg.Timeouts.CertCacheSize)
}

func TestDuration_UnmarshalYAML(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    time.Duration
		wantErr bool
	}{
		{name: "seconds", input: `"5s"`, want: 5 * time.Second},
		{name: "minutes", input: `"1m"`, want: time.Minute},
		{name: "compound", input: `"2m30s"`, want: 2*time.Minute + 30*time.Second},
		{name: "milliseconds", input: `"500ms"`, want: 500 * time.Millisecond},
		{name: "invalid", input: `"bogus"`, wantErr: true},
		{name: "number", input: `42`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var d Duration
			err := yaml.Unmarshal([]byte(tt.input), &d)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, d.Duration)
		})
	}
}

func TestDuration_MarshalYAML(t *testing.T) {
	d := Duration{5 * time.Second}
	out, err := yaml.Marshal(d)
	require.NoError(t, err)
	assert.Equal(t, "5s\n", string(out))
}

func TestLoad_ExplicitPath(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "test.yml")
	content := `
listen: "127.0.0.1:9090"
verbose: true
data_dir: "/tmp/data"
profiles:
  - Chrome-131
  - Safari-18.2
timeouts:
  shutdown: "10s"
  connect: "30s"
  read_header: "5s"
`
	require.NoError(t, os.WriteFile(cfgPath, []byte(content), 0o600))

	cfg, loaded, err := Load(cfgPath)
	require.NoError(t, err)
	assert.Equal(t, cfgPath, loaded)

	assert.Equal(t, "127.0.0.1:9090", cfg.Listen)
	assert.True(t, cfg.Verbose)
	assert.Equal(t, "/tmp/data", cfg.DataDir)
	assert.Equal(t, []string{"Chrome-131", "Safari-18.2"}, cfg.Profiles)
	assert.Equal(t, 10*time.Second, cfg.Timeouts.Shutdown.Duration)
	assert.Equal(t, 30*time.Second, cfg.Timeouts.Connect.Duration)
	assert.Equal(t, 5*time.Second, cfg.Timeouts.ReadHeader.Duration)
}

func TestLoad_PartialOverride(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "partial.yml")
	content := `
listen: "127.0.0.1:3000"
verbose: true
`
	require.NoError(t, os.WriteFile(cfgPath, []byte(content), 0o600))

	cfg, _, err := Load(cfgPath)
	require.NoError(t, err)

	// Overridden values.
	assert.Equal(t, "127.0.0.1:3000", cfg.Listen)
	assert.True(t, cfg.Verbose)

	// Defaults preserved for unspecified fields.
	assert.Equal(t, "logs", cfg.LogDir)
	assert.Equal(t, ".", cfg.DataDir)
	assert.Equal(t, 5*time.Second, cfg.Timeouts.Shutdown.Duration)
}

func TestLoad_AutoDiscover(t *testing.T) {
	dir := t.TempDir()
	origDir, err := os.Getwd()
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.Chdir(origDir) })

	require.NoError(t, os.Chdir(dir))

	content := `listen: "127.0.0.1:4000"`
	require.NoError(t, os.WriteFile("ghostwire.yml", []byte(content), 0o600))

	cfg, loaded, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "ghostwire.yml", loaded)
	assert.Equal(t, "127.0.0.1:4000", cfg.Listen)
}

func TestLoad_AutoDiscoverYAMLExtension(t *testing.T) {
	dir := t.TempDir()
	origDir, err := os.Getwd()
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.Chdir(origDir) })

	require.NoError(t, os.Chdir(dir))

	content := `listen: "127.0.0.1:5000"`
	require.NoError(t, os.WriteFile("ghostwire.yaml", []byte(content), 0o600))

	cfg, loaded, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "ghostwire.yaml", loaded)
	assert.Equal(t, "127.0.0.1:5000", cfg.Listen)
}

func TestLoad_NoConfigFile(t *testing.T) {
	dir := t.TempDir()
	origDir, err := os.Getwd()
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.Chdir(origDir) })

	require.NoError(t, os.Chdir(dir))

	cfg, loaded, err := Load("")
	require.NoError(t, err)
	assert.Empty(t, loaded)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_MissingExplicitPath(t *testing.T) {
	_, _, err := Load("/nonexistent/ghostwire.yml")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "read config")
}

func TestLoad_InvalidYAML(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "bad.yml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("listen: [invalid"), 0o600))

	_, _, err := Load(cfgPath)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "parse config")
}

func TestMerge(t *testing.T) {
	cfg := Default()

	addr := "127.0.0.1:9999"
	verbose := true

	cfg.Merge(CLIOverrides{
		Addr:    &addr,
		Verbose: &verbose,
	})

	assert.Equal(t, "127.0.0.1:9999", cfg.Listen)
	assert.True(t, cfg.Verbose)

	// Unset overrides should not change anything.
	assert.Equal(t, "logs", cfg.LogDir)
	assert.Equal(t, ".", cfg.DataDir)
}

func TestMerge_EmptyOverrides(t *testing.T) {
	cfg := Default()
	original := Default()
	cfg.Merge(CLIOverrides{})
	assert.Equal(t, original, cfg)
}

func TestValidate_Valid(t *testing.T) {
	cfg := Default()
	assert.NoError(t, cfg.Validate())
}

func TestValidate_InvalidListen(t *testing.T) {
	cfg := Default()
	cfg.Listen = "not-a-valid-address"
	err := cfg.Validate()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "listen:")
}

func TestValidate_NegativeDuration(t *testing.T) {
	cfg := Default()
	cfg.Timeouts.Shutdown = Duration{-1 * time.Second}
	err := cfg.Validate()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "timeouts.shutdown:")
}

func TestValidate_NegativeCertCacheSize(t *testing.T) {
	cfg := Default()
	cfg.Timeouts.CertCacheSize = -1
	err := cfg.Validate()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "cert_cache_size")
}

func TestDump(t *testing.T) {
	cfg := Default()
	cfg.Profiles = []string{"Chrome-131"}

	out, err := cfg.Dump()
	require.NoError(t, err)

	var parsed Config
	require.NoError(t, yaml.Unmarshal(out, &parsed))
	assert.Equal(t, cfg.Listen, parsed.Listen)
	assert.Equal(t, cfg.Profiles, parsed.Profiles)
	assert.Equal(t, cfg.Timeouts.Shutdown.Duration, parsed.Timeouts.Shutdown.Duration)
}
