package cmd

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
)

const testRule = "name: lily-warning-spike\ntype: frequency\nnum_events: 12\n"

type testEnv struct {
	dir        string
	configPath string
	rulePath   string
	statePath  string
	auditPath  string
	promPath   string
}

// newFakeElasticsearch answers every search with one bucket per count.
func newFakeElasticsearch(t *testing.T, counts ...int64) string {
	t.Helper()

	buckets := make([]map[string]any, 0, len(counts))
	for i, c := range counts {
		buckets = append(buckets, map[string]any{"key": int64(i) * 3600000, "doc_count": c})
	}
	reply, _ := json.Marshal(map[string]any{
		"aggregations": map[string]any{"per_hour": map[string]any{"buckets": buckets}},
	})

	r := chi.NewRouter()
	r.HandleFunc("/{index}/_search", func(w http.ResponseWriter, req *http.Request) {
		_, _ = io.Copy(io.Discard, req.Body)
		w.Header().Set("X-Elastic-Product", "Elasticsearch")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(reply)
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv.URL
}

func setupTestEnv(t *testing.T, esURL string) *testEnv {
	t.Helper()
	dir := t.TempDir()
	env := &testEnv{
		dir:        dir,
		configPath: filepath.Join(dir, "blazetune.yaml"),
		rulePath:   filepath.Join(dir, "rules", "warning.yaml"),
		statePath:  filepath.Join(dir, "ema", "ema.txt"),
		auditPath:  filepath.Join(dir, "ema", "log.txt"),
		promPath:   filepath.Join(dir, "textfile", "blazetune.prom"),
	}

	if err := os.MkdirAll(filepath.Dir(env.rulePath), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(env.rulePath, []byte(testRule), 0o644); err != nil {
		t.Fatalf("write rule: %v", err)
	}

	cfg := fmt.Sprintf(`source:
  backend: elasticsearch
  elasticsearch:
    addresses: [%q]
query:
  severity: Warning
  hosts: [lily]
  lookback_hours: 168
threshold:
  period: 3
  k: 1.5
rule:
  path: %q
state:
  path: %q
audit:
  path: %q
metrics:
  textfile: %q
logging:
  level: error
`, esURL, env.rulePath, env.statePath, env.auditPath, env.promPath)
	if err := os.WriteFile(env.configPath, []byte(cfg), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return env
}

// executeCommand runs the root command with args and returns stdout.
func executeCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Cleanup(func() {
		configPath, verbose, output = "", false, "table"
		runDryRun, historyLimit = false, 10
	})

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return string(data)
}

func TestRunCommand(t *testing.T) {
	env := setupTestEnv(t, newFakeElasticsearch(t, 0, 4, 5, 6))

	out, err := executeCommand(t, "run", "--config", env.configPath, "-o", "plain")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out != "Updated threshold: 6.25\n" {
		t.Errorf("output = %q", out)
	}

	if got := readFile(t, env.rulePath); !strings.Contains(got, "num_events: 6\n") {
		t.Errorf("rule not updated:\n%s", got)
	}
	if got := readFile(t, env.statePath); !strings.HasSuffix(got, "] EMA: 4.75\n") {
		t.Errorf("state file = %q", got)
	}
	if got := readFile(t, env.auditPath); !strings.HasSuffix(got, "] EMA: 4.75, StdDev: 1.00, Threshold: 6.25\n") {
		t.Errorf("audit log = %q", got)
	}
	prom := readFile(t, env.promPath)
	for _, want := range []string{"blazetune_threshold 6.25", `blazetune_run_status{outcome="success"} 1`} {
		if !strings.Contains(prom, want) {
			t.Errorf("metrics textfile missing %q", want)
		}
	}
}

func TestRunCommand_InsufficientData(t *testing.T) {
	env := setupTestEnv(t, newFakeElasticsearch(t, 5, 7))

	out, err := executeCommand(t, "run", "--config", env.configPath)
	if err != nil {
		t.Fatalf("run: %v, want nil for insufficient data", err)
	}
	if out != insufficientDataMessage+"\n" {
		t.Errorf("output = %q", out)
	}
	if got := readFile(t, env.rulePath); got != testRule {
		t.Errorf("rule modified:\n%s", got)
	}
	for _, p := range []string{env.statePath, env.auditPath} {
		if _, err := os.Stat(p); !os.IsNotExist(err) {
			t.Errorf("%s was written", p)
		}
	}
	if !strings.Contains(readFile(t, env.promPath), `blazetune_run_status{outcome="insufficient_data"} 1`) {
		t.Error("insufficient_data outcome not exported")
	}
}

func TestRunCommand_BackendDown(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()
	env := setupTestEnv(t, url)

	if _, err := executeCommand(t, "run", "--config", env.configPath); err == nil {
		t.Fatal("expected error when the backend is unreachable")
	}
	if got := readFile(t, env.rulePath); got != testRule {
		t.Errorf("rule modified:\n%s", got)
	}
}

func TestRunCommand_DryRunJSON(t *testing.T) {
	env := setupTestEnv(t, newFakeElasticsearch(t, 0, 4, 5, 6))

	out, err := executeCommand(t, "run", "--config", env.configPath, "--dry-run", "-o", "json")
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	var report struct {
		DryRun               bool `json:"dry_run"`
		TriggerCount         int  `json:"trigger_count"`
		PreviousTriggerCount *int `json:"previous_trigger_count"`
	}
	if err := json.Unmarshal([]byte(out), &report); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, out)
	}
	if !report.DryRun || report.TriggerCount != 6 || report.PreviousTriggerCount == nil || *report.PreviousTriggerCount != 12 {
		t.Errorf("report = %+v", report)
	}
	if got := readFile(t, env.rulePath); got != testRule {
		t.Errorf("dry run modified the rule:\n%s", got)
	}
}

func TestHistoryCommand(t *testing.T) {
	env := setupTestEnv(t, newFakeElasticsearch(t, 0, 4, 5, 6))

	out, err := executeCommand(t, "history", "--config", env.configPath)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if out != "No EMA history.\n" {
		t.Errorf("empty history output = %q", out)
	}

	for i := 0; i < 2; i++ {
		if _, err := executeCommand(t, "run", "--config", env.configPath); err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
	}

	out, err = executeCommand(t, "history", "--config", env.configPath, "-n", "0", "-o", "plain")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 2 || !strings.HasSuffix(lines[0], "\t4.75") || !strings.HasSuffix(lines[1], "\t5.05") {
		t.Errorf("history lines = %q", lines)
	}
}

func TestCheckCommand(t *testing.T) {
	env := setupTestEnv(t, "http://127.0.0.1:9")

	out, err := executeCommand(t, "check", "--config", env.configPath, "-o", "plain")
	if err != nil {
		t.Fatalf("check: %v\n%s", err, out)
	}
	for _, want := range []string{"config: ok", "rule: ok " + env.rulePath + ": num_events = 12", "state: ok"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestCheckCommand_MissingField(t *testing.T) {
	env := setupTestEnv(t, "http://127.0.0.1:9")
	if err := os.WriteFile(env.rulePath, []byte("name: x\ntype: any\n"), 0o644); err != nil {
		t.Fatalf("write rule: %v", err)
	}

	out, err := executeCommand(t, "check", "--config", env.configPath, "-o", "plain")
	if !errors.Is(err, errCheckFailed) {
		t.Fatalf("check error = %v, want errCheckFailed", err)
	}
	if !strings.Contains(out, "rule: fail") {
		t.Errorf("output = %q", out)
	}
}

func TestCheckCommand_DisabledBlazeLogRule(t *testing.T) {
	env := setupTestEnv(t, "http://127.0.0.1:9")
	rules := `rules:
  - name: error-spike
    type: threshold
    enabled: false
    condition:
      field: level
      value: error
      threshold: 20
      window: 1h
    severity: high
`
	if err := os.WriteFile(env.rulePath, []byte(rules), 0o644); err != nil {
		t.Fatalf("write rules: %v", err)
	}

	t.Setenv("BLAZETUNE_RULE_FORMAT", "blazelog")
	t.Setenv("BLAZETUNE_RULE_NAME", "error-spike")
	out, err := executeCommand(t, "check", "--config", env.configPath, "-o", "plain")
	if err != nil {
		t.Fatalf("check: %v\n%s", err, out)
	}
	for _, want := range []string{"error-spike.condition.threshold = 20", `rule.enabled: warn rule "error-spike" is disabled`} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestCheckCommand_ClickHouseSeverityCase(t *testing.T) {
	env := setupTestEnv(t, "http://127.0.0.1:9")
	t.Setenv("BLAZETUNE_SOURCE_BACKEND", "clickhouse")

	out, err := executeCommand(t, "check", "--config", env.configPath, "-o", "plain")
	if err != nil {
		t.Fatalf("check: %v\n%s", err, out)
	}
	if !strings.Contains(out, `query.severity: warn "Warning" never matches`) {
		t.Errorf("output missing severity warning:\n%s", out)
	}

	t.Setenv("BLAZETUNE_QUERY_SEVERITY", "warning")
	out, err = executeCommand(t, "check", "--config", env.configPath, "-o", "plain")
	if err != nil {
		t.Fatalf("check: %v\n%s", err, out)
	}
	if strings.Contains(out, "query.severity") {
		t.Errorf("lowercase severity still warned:\n%s", out)
	}
}

func TestVersionCommand(t *testing.T) {
	out, err := executeCommand(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.HasPrefix(out, "blazetune") {
		t.Errorf("version output = %q", out)
	}
}
