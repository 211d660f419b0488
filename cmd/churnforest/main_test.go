package main

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YuminosukeSato/churnforest/internal/cfg"
	"github.com/YuminosukeSato/churnforest/internal/tracking"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		cfg.EnvConfigFile, cfg.EnvTrackingURI, cfg.EnvExperiment, cfg.EnvHTTPTimeout, cfg.EnvDataPath, cfg.EnvLabel,
		cfg.EnvTestSize, cfg.EnvRandomState, cfg.EnvRunPrefix, cfg.EnvNJobs, cfg.EnvLogLevel, cfg.EnvMetricsFile,
	} {
		t.Setenv(k, "")
	}
}

func writeCSV(t *testing.T, dir string, n int) string {
	t.Helper()
	var b strings.Builder
	b.WriteString("tenure,Contract,Churn\n")
	for i := 0; i < n; i++ {
		churn := 0
		if i%60 < 20 {
			churn = 1
		}
		fmt.Fprintf(&b, "%d,%d,%d\n", i%60, i%2, churn)
	}
	path := filepath.Join(dir, "churn.csv")
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0o600))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestRunPredictAndList(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	data := writeCSV(t, dir, 120)
	dbPath := filepath.Join(dir, "mlruns.db")
	uri := "bolt://" + dbPath
	metricsFile := filepath.Join(dir, "churnforest.prom")

	out, err := execute(t, "run", "8", "4",
		"--data", data,
		"--tracking-uri", uri,
		"--log-level", "error",
		"--metrics-file", metricsFile,
	)
	require.NoError(t, err)
	assert.Contains(t, out, "run elastic_search_8_4")
	assert.Contains(t, out, "accuracy=")

	prom, err := os.ReadFile(metricsFile)
	require.NoError(t, err)
	assert.Contains(t, string(prom), `churnforest_runs_total{status="finished"} 1`)
	assert.Contains(t, string(prom), "churnforest_trees_fitted_total 8")

	out, err = execute(t, "runs", "--tracking-uri", uri, "--log-level", "error")
	require.NoError(t, err)
	assert.Contains(t, out, "elastic_search_8_4")
	assert.Contains(t, out, "FINISHED")

	// Pull model.json out of the run log and score the training file with it.
	store, err := tracking.OpenStore(context.Background(), dbPath, cfg.DefaultExperiment)
	require.NoError(t, err)
	runs, err := store.Runs()
	require.NoError(t, err)
	require.Len(t, runs, 1)
	modelJSON, err := store.Artifact(runs[0].ID, "model/model.json")
	require.NoError(t, err)
	require.NoError(t, store.Close())

	modelPath := filepath.Join(dir, "model.json")
	require.NoError(t, os.WriteFile(modelPath, modelJSON, 0o600))
	predictions := filepath.Join(dir, "predictions.csv")

	_, err = execute(t, "predict", "--model", modelPath, "--data", data, "--label", "Churn", "-o", predictions, "--log-level", "error")
	require.NoError(t, err)

	f, err := os.Open(predictions)
	require.NoError(t, err)
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 121)
	assert.Equal(t, []string{"prediction", "proba_0", "proba_1"}, records[0])
}

func TestRunMissingLabel(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	data := writeCSV(t, dir, 30)
	uri := "bolt://" + filepath.Join(dir, "mlruns.db")

	_, err := execute(t, "run", "--data", data, "--tracking-uri", uri, "--label", "Exited", "--log-level", "error")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Exited")

	store, err := tracking.OpenStore(context.Background(), filepath.Join(dir, "mlruns.db"), cfg.DefaultExperiment)
	require.NoError(t, err)
	defer store.Close()
	runs, err := store.Runs()
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, tracking.StatusFailed, runs[0].Status)
	assert.Equal(t, "elastic_search_505_37", runs[0].Name)
}

func TestRunArgumentErrors(t *testing.T) {
	clearEnv(t)

	_, err := execute(t, "run", "a", "b", "c")
	assert.Error(t, err)

	uri := "bolt://" + filepath.Join(t.TempDir(), "mlruns.db")
	_, err = execute(t, "run", "many", "--tracking-uri", uri, "--log-level", "error")
	assert.Error(t, err)

	_, err = execute(t, "run", "--tracking-uri", "ftp://nowhere")
	assert.Error(t, err)
}

func TestFlagOverridesInvalidEnvironment(t *testing.T) {
	clearEnv(t)
	t.Setenv(cfg.EnvTrackingURI, "databricks")
	dir := t.TempDir()
	data := writeCSV(t, dir, 40)
	uri := "bolt://" + filepath.Join(dir, "r.db")

	out, err := execute(t, "run", "3", "2", "--data", data, "--tracking-uri", uri, "--log-level", "error")
	require.NoError(t, err)
	assert.Contains(t, out, "run elastic_search_3_2")

	// Without the flag the environment value is what gets validated.
	_, err = execute(t, "run", "3", "2", "--data", data, "--log-level", "error")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "databricks")
}

func TestRunRejectsNonNumericEnvironment(t *testing.T) {
	clearEnv(t)
	t.Setenv(cfg.EnvRandomState, "abc")
	uri := "bolt://" + filepath.Join(t.TempDir(), "r.db")

	_, err := execute(t, "run", "--tracking-uri", uri, "--log-level", "error")
	require.Error(t, err)
	assert.Contains(t, err.Error(), cfg.EnvRandomState)
}

func TestRunsRejectsServer(t *testing.T) {
	clearEnv(t)
	_, err := execute(t, "runs", "--tracking-uri", "http://127.0.0.1:1/", "--log-level", "error")
	assert.Error(t, err)
}

func TestPredictRequiresFlags(t *testing.T) {
	clearEnv(t)
	_, err := execute(t, "predict")
	assert.Error(t, err)
}
