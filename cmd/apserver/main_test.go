package main

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, args ...string) (code int, stdout, stderr string) {
	t.Helper()
	var out, errOut bytes.Buffer
	code = execute(append([]string{"--env-file", filepath.Join(t.TempDir(), "missing.env")}, args...), &out, &errOut)
	return code, out.String(), errOut.String()
}

func TestVersion(t *testing.T) {
	code, out, _ := run(t, "version")
	assert.Equal(t, 0, code)
	assert.Equal(t, "dev\n", out)
}

func TestMigrate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meta.sqlite")
	t.Setenv("META_DB_PATH", path)
	t.Setenv("ROLE", "")

	code, out, errOut := run(t, "migrate")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, path+" at schema version")

	// A second run is a no-op.
	code, again, _ := run(t, "migrate")
	require.Equal(t, 0, code)
	assert.Equal(t, out, again)
}

func TestEdgeRequiresBridgeAddress(t *testing.T) {
	t.Setenv("ROLE", "")
	t.Setenv("BRIDGE_RPC_ADDR", "")
	t.Setenv("META_DB_PATH", filepath.Join(t.TempDir(), "meta.sqlite"))

	code, _, errOut := run(t, "edge")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "BRIDGE_RPC_ADDR is required")
}

func TestUnknownCommand(t *testing.T) {
	code, _, errOut := run(t, "replicate")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "unknown command")
}

func TestOverridesApplyOnlyChangedFlags(t *testing.T) {
	t.Setenv("ROLE", "")
	t.Setenv("LISTEN_ADDR", ":8080")
	t.Setenv("DATA_SOURCES_FILE", "seed.yaml")

	var o overrides
	fs := pflag.NewFlagSet("bridge", pflag.ContinueOnError)
	o.bind(fs)
	require.NoError(t, fs.Parse([]string{"--listen", "127.0.0.1:9999"}))
	require.NoError(t, o.apply(fs))

	cfg, err := loadConfig("bridge")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9999", cfg.ListenAddr)
	assert.Equal(t, "seed.yaml", cfg.DataSourcesFile)
	assert.Equal(t, "bridge", cfg.Role)
}
