package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/m-mizutani/gt"
)

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "ctxmgr.yaml")
	content := `
log_level: error
store:
  backend: duckdb
  duckdb_path: ` + filepath.Join(dir, "ctx.duckdb") + `
  embedding_dim: 4
embedding:
  provider: none
summarizer:
  strategies:
    - type: extractive
`
	gt.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var buf bytes.Buffer
	err := newRoot(&buf).Run(context.Background(), append([]string{"ctxmgr"}, args...))
	return buf.String(), err
}

func TestAddAssembleFeedback(t *testing.T) {
	cfg := writeConfig(t)

	out, err := run(t, "add", "--config", cfg, "--agent", "bot", "--kind", "long_term_memory",
		"--id", "m1", "--tag", "ops", "the staging cluster restarts nightly")
	gt.NoError(t, err)
	var added map[string]any
	gt.NoError(t, json.Unmarshal([]byte(out), &added))
	gt.Equal(t, added["outcome"], "created")

	_, err = run(t, "record", "profile", "--config", cfg, "--agent", "bot", "timezone", "UTC")
	gt.NoError(t, err)

	_, err = run(t, "record", "task", "--config", cfg, "--agent", "bot", "--task", "t1",
		"--name", "Rotate keys", "--result", "rotated 4 keys")
	gt.NoError(t, err)

	out, err = run(t, "feedback", "--config", cfg, "--component", "m1", "--delta", "0.5")
	gt.NoError(t, err)
	var fb map[string]any
	gt.NoError(t, json.Unmarshal([]byte(out), &fb))
	gt.Number(t, fb["score"].(float64)).GreaterOrEqual(0.49)

	out, err = run(t, "assemble", "--config", cfg, "--agent", "bot", "--budget", "500", "--text")
	gt.NoError(t, err)
	gt.S(t, out).Contains("restarts nightly")
	gt.S(t, out).Contains("timezone: UTC")
	gt.S(t, out).Contains("Rotate keys")

	out, err = run(t, "assemble", "--config", cfg, "--agent", "bot", "--budget", "500", "--tag", "ops")
	gt.NoError(t, err)
	var assembled map[string]any
	gt.NoError(t, json.Unmarshal([]byte(out), &assembled))
	gt.Equal(t, assembled["included"], any([]any{"m1"}))
}

func TestCommandErrors(t *testing.T) {
	cfg := writeConfig(t)

	tests := []struct {
		name string
		args []string
	}{
		{name: "missing config file", args: []string{"assemble", "--config", "/nonexistent/ctxmgr.yaml", "--agent", "bot"}},
		{name: "zero budget", args: []string{"assemble", "--config", cfg, "--agent", "bot", "--budget", "0"}},
		{name: "unknown kind", args: []string{"add", "--config", cfg, "--agent", "bot", "--kind", "diary", "x"}},
		{name: "feedback for missing component", args: []string{"feedback", "--config", cfg, "--component", "nope", "--delta", "1"}},
		{name: "delta out of range", args: []string{"feedback", "--config", cfg, "--component", "nope", "--delta", "3"}},
		{name: "profile without value", args: []string{"record", "profile", "--config", cfg, "--agent", "bot", "tz"}},
		{name: "search without embedder", args: []string{"search", "--config", cfg, "--agent", "bot", "anything"}},
		{name: "progress for unknown goal", args: []string{"record", "progress", "--config", cfg, "--agent", "bot", "--id", "nope", "--progress", "0.5"}},
		{name: "bad deadline", args: []string{"record", "goal", "--config", cfg, "--agent", "bot", "--id", "g", "-d", "x", "--deadline", "soon"}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := run(t, tc.args...)
			gt.Error(t, err)
		})
	}
}

func TestFeedbackOwnership(t *testing.T) {
	cfg := writeConfig(t)
	_, err := run(t, "add", "--config", cfg, "--agent", "alice", "--kind", "other", "--id", "secret-1", "private note")
	gt.NoError(t, err)

	_, err = run(t, "feedback", "--config", cfg, "--component", "secret-1", "--agent", "mallory", "--delta", "-1")
	gt.Error(t, err)

	out, err := run(t, "feedback", "--config", cfg, "--component", "secret-1", "--agent", "alice", "--delta", "0.5")
	gt.NoError(t, err)
	var fb map[string]any
	gt.NoError(t, json.Unmarshal([]byte(out), &fb))
	gt.Number(t, fb["score"].(float64)).GreaterOrEqual(0.49)
}

func TestGoalsAndStats(t *testing.T) {
	cfg := writeConfig(t)

	_, err := run(t, "record", "goal", "--config", cfg, "--agent", "bot", "--id", "launch",
		"-d", "Launch the beta", "--priority", "2", "--deadline", "2025-07-01", "--tag", "release")
	gt.NoError(t, err)
	_, err = run(t, "record", "goal", "--config", cfg, "--agent", "bot", "--id", "docs", "-d", "Write docs")
	gt.NoError(t, err)

	out, err := run(t, "record", "progress", "--config", cfg, "--agent", "bot", "--id", "docs", "--progress", "1")
	gt.NoError(t, err)
	var goal map[string]any
	gt.NoError(t, json.Unmarshal([]byte(out), &goal))
	gt.Equal(t, goal["progress"], 1.0)

	out, err = run(t, "goals", "--config", cfg, "--agent", "bot")
	gt.NoError(t, err)
	var goals []map[string]any
	gt.NoError(t, json.Unmarshal([]byte(out), &goals))
	gt.A(t, goals).Length(1)
	gt.Equal(t, goals[0]["goal_id"], "launch")
	gt.S(t, goals[0]["deadline"].(string)).HasPrefix("2025-07-01")

	_, err = run(t, "record", "task", "--config", cfg, "--agent", "bot", "--task", "t1", "--result", "shipped", "--failed")
	gt.NoError(t, err)

	out, err = run(t, "stats", "--config", cfg, "--agent", "bot")
	gt.NoError(t, err)
	var stats map[string]any
	gt.NoError(t, json.Unmarshal([]byte(out), &stats))
	gt.Equal(t, stats["components"], 3.0)
	gt.Equal(t, stats["active_goals"], 1.0)
	gt.Equal(t, stats["completed_goals"], 1.0)
	gt.Equal(t, stats["failed_tasks"], 1.0)
}
