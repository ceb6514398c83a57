package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/fetch-orchestrator/internal/config"
)

const testConfig = `
ratelimit:
  per_host_rps: 100
  burst: 10
retry:
  max_attempts: 2
  base_delay: 10ms
  max_delay: 50ms
orchestrator:
  request_timeout: 2s
sinks:
  log: false
  table: true
logging:
  development: false
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func testServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/missing") {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	root := newRootCmd()
	root.SetArgs(args)
	root.SetIn(strings.NewReader(stdin))
	root.SetOut(&out)
	root.SetErr(&errOut)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestRunPrintsReport(t *testing.T) {
	color.NoColor = true
	srv := testServer(t)
	cfgPath := writeFile(t, "config.yaml", testConfig)
	targetsPath := writeFile(t, "targets.txt", "# hosts\n\n"+srv.URL+"/missing\n")

	out, err := execute(t, "",
		"run", "--config", cfgPath, "--targets-file", targetsPath, "--backend", "async",
		srv.URL+"/ok", "http://",
	)
	require.NoError(t, err)

	assert.Contains(t, out, "summary total=3 succeeded=1 failed=2 cancelled=0")
	assert.Contains(t, out, "terminal_client")
	assert.Contains(t, out, "malformed_target")
}

func TestRunRejectsInvalidConfiguration(t *testing.T) {
	cfgPath := writeFile(t, "config.yaml", testConfig)

	_, err := execute(t, "", "run", "--config", cfgPath, "--pool-size", "0", "https://example.com")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "orchestrator.pool_size")
}

func TestWorkerServesProtocol(t *testing.T) {
	srv := testServer(t)
	cfgPath := writeFile(t, "config.yaml", testConfig)

	var in strings.Builder
	enc := json.NewEncoder(&in)
	require.NoError(t, enc.Encode(map[string]any{"seq": 1, "id": "a", "target": srv.URL + "/ok", "attempt": 1}))
	require.NoError(t, enc.Encode(map[string]any{"seq": 2, "id": "b", "target": srv.URL + "/missing", "attempt": 1}))

	out, err := execute(t, in.String(), "worker", "--config", cfgPath)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)

	var first, second struct {
		Seq        uint64 `json:"seq"`
		StatusCode int    `json:"status_code"`
		Bytes      int    `json:"bytes"`
		Error      *struct {
			Kind string `json:"kind"`
			Code int    `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &second))
	assert.Equal(t, uint64(1), first.Seq)
	assert.Equal(t, http.StatusOK, first.StatusCode)
	assert.Equal(t, 2, first.Bytes)
	assert.Nil(t, first.Error)
	require.NotNil(t, second.Error)
	assert.Equal(t, "terminal_client", second.Error.Kind)
	assert.Equal(t, http.StatusNotFound, second.Error.Code)
}

func TestCollectTargets(t *testing.T) {
	t.Parallel()

	path := writeFile(t, "targets.txt", "a.example\n  # comment\n\n b.example \n")
	got, err := collectTargets([]string{"first"}, path, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "a.example", "b.example"}, got)

	got, err = collectTargets(nil, "-", strings.NewReader("c.example\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"c.example"}, got)

	_, err = collectTargets(nil, filepath.Join(t.TempDir(), "absent"), nil)
	require.Error(t, err)
}

func TestApplyRunFlagsOnlyOverridesChanged(t *testing.T) {
	t.Parallel()

	cmd := newRunCmd()
	require.NoError(t, cmd.Flags().Parse([]string{"--deadline", "3s"}))
	base, err := config.Load("")
	require.NoError(t, err)
	got := applyRunFlags(cmd, base, runFlags{deadline: 3 * time.Second, poolSize: 99, backend: "process"})
	assert.Equal(t, 3*time.Second, got.Orchestrator.OverallDeadline)
	assert.Equal(t, base.Orchestrator.PoolSize, got.Orchestrator.PoolSize)
	assert.Equal(t, base.Orchestrator.Backend, got.Orchestrator.Backend)
}

func TestWorkerCommandIncludesConfig(t *testing.T) {
	t.Parallel()

	cmd, err := workerCommand("/etc/fetchd.yaml")
	require.NoError(t, err)
	require.Len(t, cmd, 4)
	assert.Equal(t, []string{"worker", "--config", "/etc/fetchd.yaml"}, cmd[1:])
}
