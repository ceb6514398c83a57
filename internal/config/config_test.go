package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/fetch-orchestrator/internal/backend"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "thread", cfg.Orchestrator.Backend)
	assert.Equal(t, 8, cfg.Orchestrator.PoolSize)
	assert.Zero(t, cfg.Orchestrator.OverallDeadline)
	assert.Equal(t, 15*time.Second, cfg.Orchestrator.RequestTimeout)
	assert.Equal(t, 5*time.Second, cfg.Orchestrator.ShutdownGrace)
	assert.InDelta(t, 2.0, cfg.RateLimit.PerHostRPS, 0)
	assert.Equal(t, 1, cfg.RateLimit.Burst)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, 250*time.Millisecond, cfg.Retry.BaseDelay)
	assert.Equal(t, 5*time.Second, cfg.Retry.MaxDelay)
	assert.InDelta(t, 0.2, cfg.Retry.JitterFraction, 1e-9)
	assert.Equal(t, FetcherHTTP, cfg.Fetcher.Kind)
	assert.True(t, cfg.Sinks.Log)
	assert.True(t, cfg.Sinks.Table)
	assert.False(t, cfg.Sinks.Progress)
	assert.False(t, cfg.Sinks.PubSub.Enabled())
	assert.True(t, cfg.Logging.Development)
}

func TestLoadWithFileOverrides(t *testing.T) {
	path := writeConfig(t, `
orchestrator:
  backend: process
  pool_size: 4
  overall_deadline: 30s
  request_timeout: 2s
ratelimit:
  per_host_rps: 0.5
  burst: 3
  acquire_timeout: 1s
retry:
  max_attempts: 5
  base_delay: 100ms
  max_delay: 1s
  jitter_fraction: 0
process:
  command: ["/usr/local/bin/fetchd", "worker"]
fetcher:
  kind: headless
  user_agent: test-agent
  headless_max_parallel: 1
sinks:
  table: false
  pubsub:
    project_id: proj
    topic: results
metrics:
  addr: ":9100"
logging:
  development: false
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "process", cfg.Orchestrator.Backend)
	assert.Equal(t, 30*time.Second, cfg.Orchestrator.OverallDeadline)
	assert.Equal(t, time.Second, cfg.RateLimit.AcquireTimeout)
	assert.Equal(t, []string{"/usr/local/bin/fetchd", "worker"}, cfg.Process.Command)
	assert.Equal(t, FetcherHeadless, cfg.Fetcher.Kind)
	assert.Equal(t, "test-agent", cfg.Fetcher.UserAgent)
	assert.False(t, cfg.Sinks.Table)
	assert.True(t, cfg.Sinks.PubSub.Enabled())
	assert.Equal(t, ":9100", cfg.Metrics.Addr)
	assert.False(t, cfg.Logging.Development)

	oc := cfg.ToOrchestrator([]string{"ignored"})
	assert.Equal(t, backend.KindProcess, oc.Backend)
	assert.Equal(t, 5, oc.Retry.MaxAttempts)
	assert.Equal(t, []string{"/usr/local/bin/fetchd", "worker"}, oc.Process.Command)
	assert.Equal(t, 2*time.Second, oc.Process.RequestTimeout)
	require.NoError(t, oc.Validate())
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("FETCHD_ORCHESTRATOR_POOL_SIZE", "16")
	t.Setenv("FETCHD_ORCHESTRATOR_BACKEND", "async")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 16, cfg.Orchestrator.PoolSize)
	assert.Equal(t, backend.KindAsync, cfg.ToOrchestrator(nil).Backend)
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.ErrorContains(t, err, "read config")
}

func TestValidateCollectsEveryProblem(t *testing.T) {
	path := writeConfig(t, `
orchestrator:
  backend: fibers
  pool_size: 0
ratelimit:
  per_host_rps: 0
  burst: 0
retry:
  max_attempts: 0
fetcher:
  kind: ftp
sinks:
  pubsub:
    topic: only-topic
`)
	_, err := Load(path)
	require.Error(t, err)

	keys := map[string]bool{}
	var joined interface{ Unwrap() []error }
	require.True(t, errors.As(err, &joined))
	for _, e := range joined.Unwrap() {
		var ve *ValidationError
		if errors.As(e, &ve) {
			keys[ve.Key] = true
		}
	}
	for _, key := range []string{
		"orchestrator.backend",
		"orchestrator.pool_size",
		"ratelimit.per_host_rps",
		"ratelimit.burst",
		"fetcher.kind",
		"sinks.pubsub",
	} {
		assert.True(t, keys[key], "missing %s in %v", key, err)
	}
	assert.ErrorContains(t, err, "retry.max_attempts must be >= 1")
}

func TestToOrchestratorFallsBackToGivenCommand(t *testing.T) {
	t.Parallel()

	cfg := Config{Orchestrator: OrchestratorConfig{Backend: "Process"}}
	oc := cfg.ToOrchestrator([]string{"/bin/fetchd", "worker"})
	assert.Equal(t, backend.KindProcess, oc.Backend)
	assert.Equal(t, []string{"/bin/fetchd", "worker"}, oc.Process.Command)
}
