package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	assert.NoError(t, Default().Validate())
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "failover.yaml")
	data := []byte(`
ft_detailed_trace_interval: 5s
job_queue:
  max_queue_size: 16
  worker_count: 2
message_retry:
  policy: exponential
  retry_interval: 2s
  max_retry_interval: 30s
raft:
  node_id: fm-1
  bootstrap: true
`)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 5*time.Second, cfg.FTDetailedTraceInterval)
	assert.Equal(t, 16, cfg.JobQueue.MaxQueueSize)
	assert.Equal(t, 2, cfg.JobQueue.WorkerCount)
	// untouched fields keep their defaults
	assert.Equal(t, 30*time.Second, cfg.JobQueue.ItemTimeout)
	assert.Equal(t, 3, cfg.JobQueue.MaxRetryCount)
	assert.Equal(t, RetryPolicyExponential, cfg.MessageRetry.Policy)
	assert.Equal(t, 30*time.Second, cfg.MessageRetry.MaxRetryInterval)
	assert.Equal(t, "fm-1", cfg.Raft.NodeID)
	assert.True(t, cfg.Raft.Bootstrap)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{name: "zero queue size", mutate: func(c *Config) { c.JobQueue.MaxQueueSize = 0 }, wantErr: true},
		{name: "negative job retries", mutate: func(c *Config) { c.JobQueue.MaxRetryCount = -1 }, wantErr: true},
		{name: "no job retries", mutate: func(c *Config) { c.JobQueue.MaxRetryCount = 0 }},
		{name: "zero workers", mutate: func(c *Config) { c.JobQueue.WorkerCount = 0 }, wantErr: true},
		{name: "unknown policy", mutate: func(c *Config) { c.MessageRetry.Policy = "linear" }, wantErr: true},
		{
			name: "exponential max below base",
			mutate: func(c *Config) {
				c.MessageRetry.Policy = RetryPolicyExponential
				c.MessageRetry.MaxRetryInterval = time.Millisecond
			},
			wantErr: true,
		},
		{name: "negative commit retries", mutate: func(c *Config) { c.Upgrade.CommitRetryCount = -1 }, wantErr: true},
		{name: "negative trace interval", mutate: func(c *Config) { c.FTDetailedTraceInterval = -time.Second }, wantErr: true},
		{name: "zero replicas per message", mutate: func(c *Config) { c.MessageRetry.MaxReplicasPerMessage = 0 }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if tt.wantErr {
				assert.Error(t, cfg.Validate())
			} else {
				assert.NoError(t, cfg.Validate())
			}
		})
	}
}

func TestComponentUpdateNotifiesObservers(t *testing.T) {
	c := NewComponent(nil)

	var seen []time.Duration
	c.Subscribe(func(cfg *Config) { seen = append(seen, cfg.MessageRetry.RetryInterval) })
	c.Subscribe(func(cfg *Config) { seen = append(seen, cfg.MessageRetry.RetryInterval*2) })

	next := Default()
	next.MessageRetry.RetryInterval = 3 * time.Second
	require.NoError(t, c.Update(next))

	assert.Equal(t, []time.Duration{3 * time.Second, 6 * time.Second}, seen)
	assert.Same(t, next, c.Get())

	bad := Default()
	bad.JobQueue.WorkerCount = 0
	assert.Error(t, c.Update(bad))
	assert.Same(t, next, c.Get())
	assert.Len(t, seen, 2)
}
