package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hodei.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadFullConfig(t *testing.T) {
	path := writeConfig(t, `
server:
  grpcAddr: 0.0.0.0:9090
  httpAddr: 0.0.0.0:8080
  dataDir: /var/lib/hodei
log:
  level: debug
  json: true
scheduler:
  strategy: least-loaded
  tickInterval: 2s
  weights:
    cpu: 2
    memory: 1
    workers: 0.5
registry:
  heartbeatInterval: 5s
  missedBeats: 4
engine:
  provisionTimeout: 90s
  cancelGrace: 15s
pools:
  - id: pool-a
    name: general
    provider: local
    maxWorkers: 8
    labels: [linux, docker]
    templateId: tpl-small
    templates:
      - id: tpl-small
        cpu: "2"
        memory: 4Gi
        labels: [linux]
  - id: pool-eph
    provider: static
    maxWorkers: 2
    ephemeral: true
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9090", cfg.Server.GRPCAddr)
	assert.Equal(t, "/var/lib/hodei", cfg.Server.DataDir)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.True(t, cfg.Log.JSON)
	assert.Equal(t, "least-loaded", cfg.Scheduler.Strategy)
	assert.Equal(t, 2*time.Second, cfg.Scheduler.TickInterval.Std())
	assert.Equal(t, 2.0, cfg.Scheduler.Weights.CPU)
	assert.Equal(t, 0.5, cfg.Scheduler.Weights.Workers)
	assert.Equal(t, 5*time.Second, cfg.Registry.HeartbeatInterval.Std())
	assert.Equal(t, 90*time.Second, cfg.Engine.ProvisionTimeout.Std())
	require.Len(t, cfg.Pools, 2)

	pool := cfg.Pools[0].Pool()
	assert.Equal(t, "general", pool.Name)
	assert.Equal(t, "local", pool.ProviderKind)
	assert.Equal(t, 8, pool.MaxWorkers)

	tpl, err := cfg.Pools[0].Templates[0].Template("pool-a")
	require.NoError(t, err)
	assert.Equal(t, "pool-a", tpl.PoolID)
	assert.Equal(t, int64(2), tpl.CPU.Value())

	assert.True(t, cfg.Pools[1].Pool().Ephemeral)
	assert.Equal(t, "pool-eph", cfg.Pools[1].Pool().Name)
}

func TestLoadDefaultsApply(t *testing.T) {
	path := writeConfig(t, `
server:
  grpcAddr: 127.0.0.1:7000
  httpAddr: 127.0.0.1:7001
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Empty(t, cfg.Pools)
}

func TestLoadRejectsBadConfig(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			"missing http addr",
			"server:\n  grpcAddr: 127.0.0.1:7000\n  httpAddr: \"\"\n",
			"invalid config",
		},
		{
			"unknown strategy",
			"scheduler:\n  strategy: fastest\n",
			"invalid config",
		},
		{
			"unknown provider",
			"pools:\n  - id: p\n    provider: kubernetes\n    maxWorkers: 1\n",
			"invalid config",
		},
		{
			"zero max workers",
			"pools:\n  - id: p\n    provider: static\n    maxWorkers: 0\n",
			"invalid config",
		},
		{
			"bad duration",
			"scheduler:\n  tickInterval: soon\n",
			"invalid duration",
		},
		{
			"duplicate pool id",
			"pools:\n  - id: p\n    provider: static\n    maxWorkers: 1\n  - id: p\n    provider: static\n    maxWorkers: 1\n",
			"duplicate pool id",
		},
		{
			"bad template quantity",
			"pools:\n  - id: p\n    provider: static\n    maxWorkers: 1\n    templates:\n      - id: t\n        cpu: lots\n",
			"template t",
		},
		{
			"unknown default template",
			"pools:\n  - id: p\n    provider: static\n    maxWorkers: 1\n    templateId: missing\n",
			"unknown default template",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorContains(t, err, "read config")
}
