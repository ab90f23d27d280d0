package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/greenclawdbot/mission-control-sub000/internal/config"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := config.Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 5*time.Minute, cfg.StaleAfter())
	assert.Equal(t, "clawdbot", cfg.Work.DefaultAssignee)
	assert.NotEmpty(t, cfg.Instructions("anyone"))
}

func TestFromYAMLKeepsDefaults(t *testing.T) {
	cfg, err := config.FromYAML([]byte(`
lease:
  staleAfterMinutes: 10
work:
  instructions:
    reviewer: "Read the diff."
webhooks:
  - url: http://localhost:9000/hook
    events: [task:ready]
`))
	require.NoError(t, err)
	assert.Equal(t, 10*time.Minute, cfg.StaleAfter())
	assert.Equal(t, time.Minute, cfg.Lease.HeartbeatInterval)
	assert.Equal(t, "Read the diff.", cfg.Instructions("reviewer"))
	require.Len(t, cfg.Webhooks, 1)
	assert.True(t, cfg.Webhooks[0].Active())
}

func TestValidate(t *testing.T) {
	tests := map[string]string{
		"Unknown driver":               "store:\n  driver: mysql\n",
		"Stale threshold below minute": "lease:\n  staleAfterMinutes: 0\n",
		"Heartbeat slower than reaper": "lease:\n  staleAfterMinutes: 1\n  heartbeatInterval: 2m\n",
		"Bad webhook url":              "webhooks:\n  - url: ftp://example.com\n",
		"Bad log format":               "log:\n  format: xml\n",
		"Relative base path":           "server:\n  basePath: api\n",
	}
	for name, data := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := config.FromYAML([]byte(data))
			assert.Error(t, err)
		})
	}
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := config.LoadOptional(dir)
	require.NoError(t, err)
	assert.Equal(t, config.Default(), cfg)

	_, err = config.Load(dir)
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, config.FileName), []byte("server:\n  addr: \":9090\"\n"), 0o644))
	cfg, err = config.Load(dir)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Server.Addr)
}
