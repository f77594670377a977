package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConfigValidateCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 9191\nqueue:\n  backend: redis\n"), 0o600))

	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"config", "validate", "--config", path})
	require.NoError(t, cmd.Execute())
	require.Contains(t, out.String(), "port=9191")
	require.Contains(t, out.String(), "queue=redis")
}

func TestConfigValidateRejectsBadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("storage:\n  backend: sqlite\n"), 0o600))

	cmd := newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"config", "validate", "--config", path})
	require.ErrorContains(t, cmd.Execute(), "storage.backend")
}

func TestServeFailsOnMissingConfig(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"serve", "--config", filepath.Join(t.TempDir(), "absent.yaml")})
	require.ErrorContains(t, cmd.Execute(), "config load failed")
}
