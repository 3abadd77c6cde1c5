package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/autopilot/internal/corpus"
	"github.com/banshee-data/autopilot/internal/fsutil"
	"github.com/banshee-data/autopilot/internal/status"
)

// testConfig writes a config using the debug board with all state under dir.
func testConfig(t *testing.T, dir string, extra string) string {
	t.Helper()
	body := fmt.Sprintf(`{
		"debug": true,
		"status_dir": %q,
		"time_delay": "5ms",
		"max_iter": 20%s
	}`, dir, extra)
	path := filepath.Join(dir, "pilot.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

// testCorpus writes a small corpus with the debug board's feature width.
func testCorpus(t *testing.T, dir string) string {
	t.Helper()
	var b strings.Builder
	labels := [][2]int{{-1, 1}, {0, 1}, {1, 1}, {0, 0}, {-1, -1}, {1, -1}}
	for i := 0; i < 18; i++ {
		l := labels[i%len(labels)]
		fmt.Fprintf(&b, "%d\t%d\t%d\t%d\t%d\t%d\t0.2\t0.1\t1.0\t1.5\n",
			l[0], l[1], 100+i, 120-i, 90+2*i, 150-i)
	}
	path := filepath.Join(dir, "Training.txt")
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0644))
	return path
}

func run(t *testing.T, ctx context.Context, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	err := dispatch(ctx, args, &out)
	return out.String(), err
}

func TestVersionAndHelp(t *testing.T) {
	out, err := run(t, context.Background(), "version")
	require.NoError(t, err)
	assert.Contains(t, out, "pilot version dev")

	out, err = run(t, context.Background(), "help")
	require.NoError(t, err)
	assert.Contains(t, out, "Usage: pilot")
}

func TestUsageErrors(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, dir, "")

	tests := []struct {
		name string
		args []string
	}{
		{"no command", nil},
		{"bad global flag", []string{"--nope", "run"}},
		{"unknown command", []string{"--config", cfg, "fly"}},
		{"config without action", []string{"--config", cfg, "config"}},
		{"exclusive modes", []string{"--config", cfg, "train", "-R", "-C"}},
		{"bad subcommand flag", []string{"--config", cfg, "train", "--bogus"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := run(t, context.Background(), tt.args...)
			require.Error(t, err)
			assert.True(t, errors.Is(err, errUsage), "got %v", err)
		})
	}
}

func TestConfigInitAndShow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pilot.json")

	out, err := run(t, context.Background(), "--config", path, "config", "init")
	require.NoError(t, err)
	assert.Contains(t, out, "Wrote default configuration")

	out, err = run(t, context.Background(), "--config", path, "config", "init")
	require.NoError(t, err)
	assert.Contains(t, out, "already exists")

	out, err = run(t, context.Background(), "--config", path, "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, `"time_delay": "250ms"`)
	assert.Contains(t, out, `"sync_time_limit": "20s"`)
}

func TestMissingConfigIsCreated(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pilot.json")

	_, err := run(t, context.Background(), "--config", path, "config", "show")
	require.NoError(t, err)
	assert.FileExists(t, path)
}

func TestTrainWritesBundleAndReport(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, dir, "")
	corpusPath := testCorpus(t, dir)
	plot := filepath.Join(dir, "loss.png")

	out, err := run(t, context.Background(), "--config", cfg, "train", "--plot", plot, corpusPath)
	require.NoError(t, err)
	assert.Contains(t, out, "Trained "+filepath.Join(dir, "Training.nnModelC")+" (classifier): 18 examples")
	assert.Contains(t, out, "Wrote training report")

	assert.FileExists(t, filepath.Join(dir, "Training.nnModelC.json"))
	assert.FileExists(t, plot)
}

func TestTrainReportFailureKeepsBundle(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, dir, "")
	corpusPath := testCorpus(t, dir)

	out, err := run(t, context.Background(), "--config", cfg, "train", "--plot", filepath.Join(dir, "loss.svgz"), corpusPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported report format")
	assert.Contains(t, out, "Trained ")
	assert.NotContains(t, out, "Wrote training report")
	assert.FileExists(t, filepath.Join(dir, "Training.nnModelC.json"))
}

func TestTrainRegressorOverride(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, dir, "")
	corpusPath := testCorpus(t, dir)

	out, err := run(t, context.Background(), "--config", cfg, "train", "-R", corpusPath)
	require.NoError(t, err)
	assert.Contains(t, out, "(regressor)")
	assert.FileExists(t, filepath.Join(dir, "Training.nnModelR.json"))
}

func TestTrainEmptyCorpus(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, dir, "")
	corpusPath := filepath.Join(dir, "Empty.txt")
	require.NoError(t, os.WriteFile(corpusPath, nil, 0644))

	_, err := run(t, context.Background(), "--config", cfg, "train", corpusPath)
	require.Error(t, err)
}

func TestModelsListsSQLiteBundles(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "models.db")
	cfg := testConfig(t, dir, fmt.Sprintf(`, "model_store": "sqlite", "model_db": %q`, dbPath))
	corpusPath := testCorpus(t, dir)

	_, err := run(t, context.Background(), "--config", cfg, "train", corpusPath)
	require.NoError(t, err)
	assert.NoFileExists(t, filepath.Join(dir, "Training.nnModelC.json"))

	key := filepath.Join(dir, "Training.nnModelC")
	out, err := run(t, context.Background(), "--config", cfg, "models", "--runs", key)
	require.NoError(t, err)
	assert.Contains(t, out, key)
	assert.Contains(t, out, "classifier")
	assert.Contains(t, out, "Training runs for "+key)
	assert.Contains(t, out, "forced")
}

func TestModelsNeedsSQLite(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, dir, "")

	_, err := run(t, context.Background(), "--config", cfg, "models")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sqlite")
}

func TestCollectWithDebugBoard(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, dir, "")
	corpusPath := filepath.Join(dir, "Collected.txt")

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	out, err := run(t, ctx, "--config", cfg, "collect", "--corpus", corpusPath)
	require.NoError(t, err)
	assert.Contains(t, out, "Collected ")

	examples, err := corpus.ReadAll(fsutil.OSFileSystem{}, corpusPath)
	require.NoError(t, err)
	require.NotEmpty(t, examples)
	assert.Len(t, examples[0].Features, 8)
}

func TestRunWithDebugBoard(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, dir, `, "save_new_training_data": true`)
	corpusPath := testCorpus(t, dir)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := run(t, ctx, "--config", cfg, "run", corpusPath)
	require.NoError(t, err)

	assert.FileExists(t, filepath.Join(dir, "Training.nnModelC.json"))

	steer, err := os.ReadFile(filepath.Join(dir, status.SteerFile))
	require.NoError(t, err)
	assert.Equal(t, "ZERO", string(steer))
	power, err := os.ReadFile(filepath.Join(dir, status.PowerFile))
	require.NoError(t, err)
	assert.Equal(t, "STOP", string(power))

	data, err := os.ReadFile(corpusPath)
	require.NoError(t, err)
	assert.Greater(t, strings.Count(string(data), "\n"), 18, "driving should append predictions to the corpus")
}

func TestServeAdminStopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	wait := serveAdmin(ctx, "127.0.0.1:0", http.NewServeMux())
	cancel()

	done := make(chan struct{})
	go func() {
		wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("admin server did not shut down")
	}
}
