package cfg

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YuminosukeSato/churnforest/pkg/errors"
)

var allEnvKeys = []string{
	EnvConfigFile, EnvTrackingURI, EnvExperiment, EnvHTTPTimeout, EnvToken, EnvUsername, EnvPassword, EnvDataPath, EnvLabel,
	EnvTestSize, EnvRandomState, EnvRunPrefix, EnvNJobs, EnvLogLevel, EnvMetricsFile,
}

// isolate clears every recognised variable and moves into an empty directory
// so a developer's .env cannot leak into the test.
func isolate(t *testing.T) {
	t.Helper()
	for _, k := range allEnvKeys {
		t.Setenv(k, "")
	}
	t.Chdir(t.TempDir())
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name        string
		envVars     map[string]string
		wantErr     bool
		wantInvalid bool
		validate    func(t *testing.T, s Settings)
	}{
		{
			name: "defaults",
			validate: func(t *testing.T, s Settings) {
				assert.Equal(t, DefaultTrackingURI, s.TrackingURI)
				assert.Equal(t, "Logging Model", s.Experiment)
				assert.Equal(t, DefaultDataPath, s.DataPath)
				assert.Equal(t, "Churn", s.Label)
				assert.Equal(t, 0.2, s.TestSize)
				assert.Equal(t, uint64(42), s.RandomState)
				assert.Equal(t, "elastic_search", s.RunPrefix)
				assert.Equal(t, 505, s.NEstimators)
				assert.Equal(t, 37, s.MaxDepth)
				assert.Equal(t, 30*time.Second, s.HTTPTimeout)
				assert.True(t, s.LogModel)
				assert.True(t, s.LogConfidence)
				assert.True(t, s.Autolog)
				assert.Empty(t, s.ConfigFile)
			},
		},
		{
			name: "environment overrides",
			envVars: map[string]string{
				EnvTrackingURI: "https://mlflow.example.com",
				EnvExperiment:  "churn",
				EnvDataPath:    "/data/churn.csv",
				EnvRandomState: "7",
				EnvTestSize:    "0.25",
				EnvHTTPTimeout: "5",
				EnvNJobs:       "4",
				EnvToken:       "t0k3n",
			},
			validate: func(t *testing.T, s Settings) {
				assert.Equal(t, "https://mlflow.example.com", s.TrackingURI)
				assert.Equal(t, "churn", s.Experiment)
				assert.Equal(t, "/data/churn.csv", s.DataPath)
				assert.Equal(t, uint64(7), s.RandomState)
				assert.Equal(t, 0.25, s.TestSize)
				assert.Equal(t, 5*time.Second, s.HTTPTimeout)
				assert.Equal(t, 4, s.NJobs)
				assert.Equal(t, "t0k3n", s.TrackingToken)
			},
		},
		{
			name:    "duration timeout",
			envVars: map[string]string{EnvHTTPTimeout: "1500ms"},
			validate: func(t *testing.T, s Settings) {
				assert.Equal(t, 1500*time.Millisecond, s.HTTPTimeout)
			},
		},
		{
			name:    "non-numeric random state",
			envVars: map[string]string{EnvRandomState: "abc"},
			wantErr: true,
		},
		{
			name:    "negative random state",
			envVars: map[string]string{EnvRandomState: "-1"},
			wantErr: true,
		},
		{
			name:    "non-numeric test size",
			envVars: map[string]string{EnvTestSize: "lots"},
			wantErr: true,
		},
		{
			name:    "non-numeric n jobs",
			envVars: map[string]string{EnvNJobs: "all"},
			wantErr: true,
		},
		{
			name:    "bad timeout",
			envVars: map[string]string{EnvHTTPTimeout: "soon"},
			wantErr: true,
		},
		{
			name:        "unsupported scheme loads but fails validation",
			envVars:     map[string]string{EnvTrackingURI: "databricks"},
			wantInvalid: true,
		},
		{
			name:        "test size out of range",
			envVars:     map[string]string{EnvTestSize: "1.5"},
			wantInvalid: true,
		},
		{
			name:        "invalid log level",
			envVars:     map[string]string{EnvLogLevel: "verbose"},
			wantInvalid: true,
		},
		{
			name:    "missing config file",
			envVars: map[string]string{EnvConfigFile: "/nonexistent/config.yaml"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			isolate(t)
			for k, v := range tt.envVars {
				t.Setenv(k, v)
			}

			s, err := Load("")
			if tt.wantErr {
				var ve *errors.ValidationError
				if tt.envVars[EnvConfigFile] == "" {
					assert.True(t, errors.As(err, &ve), "want ValidationError, got %v", err)
				} else {
					assert.Error(t, err)
				}
				return
			}
			require.NoError(t, err)
			if tt.wantInvalid {
				assert.Error(t, Validate(&s))
				return
			}
			require.NoError(t, Validate(&s))
			if tt.validate != nil {
				tt.validate(t, s)
			}
		})
	}
}

func TestLoadYAML(t *testing.T) {
	isolate(t)

	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
tracking:
  uri: file:///tmp/mlruns.db
  experiment: yaml-experiment
  timeout: 10s
data:
  path: data.csv
  label: Exited
  testSize: 0.3
  randomState: 0
model:
  nEstimators: 10
  maxDepth: 0
run:
  prefix: grid
  logModel: false
  autolog: false
system:
  logLevel: debug
  metricsFile: /tmp/churn.prom
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	s, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, path, s.ConfigFile)
	assert.Equal(t, "file:///tmp/mlruns.db", s.TrackingURI)
	assert.Equal(t, "yaml-experiment", s.Experiment)
	assert.Equal(t, 10*time.Second, s.HTTPTimeout)
	assert.Equal(t, "data.csv", s.DataPath)
	assert.Equal(t, "Exited", s.Label)
	assert.Equal(t, 0.3, s.TestSize)
	assert.Equal(t, uint64(0), s.RandomState)
	assert.Equal(t, 10, s.NEstimators)
	assert.Equal(t, 0, s.MaxDepth)
	assert.Equal(t, "grid", s.RunPrefix)
	assert.False(t, s.LogModel)
	assert.True(t, s.LogConfidence)
	assert.False(t, s.Autolog)
	assert.Equal(t, "debug", s.LogLevel)
	assert.Equal(t, "/tmp/churn.prom", s.MetricsFile)

	t.Run("environment wins over file", func(t *testing.T) {
		t.Setenv(EnvExperiment, "from-env")
		s, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, "from-env", s.Experiment)
		assert.Equal(t, "Exited", s.Label)
	})
}

func TestLoadDotEnv(t *testing.T) {
	isolate(t)

	require.NoError(t, os.WriteFile(".env", []byte("MLFLOW_EXPERIMENT_NAME=dotenv-experiment\n"), 0o600))
	// isolate registered a restore for the variable; unset it so godotenv may fill it.
	require.NoError(t, os.Unsetenv(EnvExperiment))

	s, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "dotenv-experiment", s.Experiment)
}

func TestLoadInvalidYAML(t *testing.T) {
	isolate(t)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("tracking: [unclosed"), 0o600))

	_, err := Load(path)
	assert.Error(t, err)

	path = filepath.Join(t.TempDir(), "timeout.yaml")
	require.NoError(t, os.WriteFile(path, []byte("tracking:\n  timeout: soon\n"), 0o600))
	_, err = Load(path)
	var ve *errors.ValidationError
	assert.True(t, errors.As(err, &ve))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(s *Settings)
		wantErr bool
	}{
		{name: "defaults", mutate: func(s *Settings) {}},
		{name: "bolt scheme", mutate: func(s *Settings) { s.TrackingURI = "bolt:///tmp/runs.db" }},
		{name: "empty uri", mutate: func(s *Settings) { s.TrackingURI = "" }, wantErr: true},
		{name: "blank experiment", mutate: func(s *Settings) { s.Experiment = "  " }, wantErr: true},
		{name: "zero timeout", mutate: func(s *Settings) { s.HTTPTimeout = 0 }, wantErr: true},
		{name: "empty data path", mutate: func(s *Settings) { s.DataPath = "" }, wantErr: true},
		{name: "empty label", mutate: func(s *Settings) { s.Label = "" }, wantErr: true},
		{name: "zero test size", mutate: func(s *Settings) { s.TestSize = 0 }, wantErr: true},
		{name: "empty prefix", mutate: func(s *Settings) { s.RunPrefix = "" }, wantErr: true},
		// Hyperparameters are the estimator's concern.
		{name: "negative depth accepted", mutate: func(s *Settings) { s.MaxDepth = -3 }},
		{name: "zero estimators accepted", mutate: func(s *Settings) { s.NEstimators = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := Defaults()
			tt.mutate(&s)
			err := Validate(&s)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
