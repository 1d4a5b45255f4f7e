package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleHCL = `
listen_addr   = "127.0.0.1:9000"
database_path = "/tmp/wayout-test.db"
dry_run       = true

log {
  level  = "debug"
  format = "json"
}

apply {
  abort_threshold  = 5
  adapter_timeout  = "10s"
  retain_snapshots = 3
}

policy {
  unique_group_vlan = true
}
`

func TestLoadHCL(t *testing.T) {
	cfg, err := LoadHCL([]byte(sampleHCL), "test.hcl")
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9000", cfg.ListenAddr)
	assert.True(t, cfg.DryRun)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 5, cfg.Apply.AbortThreshold)
	assert.Equal(t, 3, cfg.Apply.RetainSnapshots)
	assert.True(t, cfg.Policy.UniqueGroupVLAN)

	// Unset fields pick up defaults.
	d, err := cfg.AdapterTimeout()
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, d)
	d, err = cfg.ApplyTimeout()
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, d)
	assert.Equal(t, "1.1.1.1", cfg.Monitor.PingTarget)
}

func TestLoadHCLRejectsBadValues(t *testing.T) {
	tests := []struct {
		name string
		hcl  string
	}{
		{"bad log level", `log { level = "verbose" }`},
		{"bad duration", `apply { apply_timeout = "soon" }`},
		{"bad ping target", `monitor { ping_target = "nowhere" }`},
		{"unknown attribute", `listne_addr = ":1"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadHCL([]byte(tt.hcl), "test.hcl")
			assert.Error(t, err)
		})
	}
}

func TestLoadJSON(t *testing.T) {
	cfg, err := LoadJSON([]byte(`{"listen_addr": ":7000", "apply": {"abort_threshold": 1}}`))
	require.NoError(t, err)
	assert.Equal(t, ":7000", cfg.ListenAddr)
	assert.Equal(t, 1, cfg.Apply.AbortThreshold)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoadFileByExtension(t *testing.T) {
	dir := t.TempDir()

	hclPath := filepath.Join(dir, "wayout.hcl")
	require.NoError(t, os.WriteFile(hclPath, []byte(sampleHCL), 0644))
	cfg, err := LoadFile(hclPath)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9000", cfg.ListenAddr)

	jsonPath := filepath.Join(dir, "wayout.json")
	require.NoError(t, os.WriteFile(jsonPath, []byte(`{"dry_run": true}`), 0644))
	cfg, err = LoadFile(jsonPath)
	require.NoError(t, err)
	assert.True(t, cfg.DryRun)
}

func TestGenerateHCLRoundTrip(t *testing.T) {
	cfg := Default()
	cfg.Policy.UniqueGroupVLAN = true

	out := GenerateHCL(cfg)
	parsed, err := LoadHCL(out, "generated.hcl")
	require.NoError(t, err)
	assert.Equal(t, cfg.ListenAddr, parsed.ListenAddr)
	assert.True(t, parsed.Policy.UniqueGroupVLAN)
}

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
}
