package runner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YuminosukeSato/churnforest/internal/artifact"
	"github.com/YuminosukeSato/churnforest/internal/telemetry"
	"github.com/YuminosukeSato/churnforest/internal/tracking"
	"github.com/YuminosukeSato/churnforest/pkg/errors"
)

type loggedMetric struct {
	key   string
	value float64
}

// fakeTracker records every call in memory.
type fakeTracker struct {
	mu      sync.Mutex
	ops     []string
	runName string
	params  map[string]string
	tags    map[string]string
	metrics []loggedMetric
	models  []*tracking.Model
	status  tracking.RunStatus

	startErr error
	endErr   error
}

func newFakeTracker() *fakeTracker {
	return &fakeTracker{params: map[string]string{}, tags: map[string]string{}}
}

func (f *fakeTracker) record(op string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops = append(f.ops, op)
}

func (f *fakeTracker) ExperimentID() string { return "0" }

func (f *fakeTracker) StartRun(_ context.Context, name string, _ map[string]string) (*tracking.Run, error) {
	f.record("StartRun")
	if f.startErr != nil {
		return nil, f.startErr
	}
	f.runName = name
	return &tracking.Run{ID: "run-1", Name: name, Status: tracking.StatusRunning}, nil
}

func (f *fakeTracker) LogParams(_ context.Context, _ string, params map[string]string) error {
	f.record("LogParams")
	for k, v := range params {
		f.params[k] = v
	}
	return nil
}

func (f *fakeTracker) LogMetric(_ context.Context, _ string, key string, value float64) error {
	f.record("LogMetric")
	f.metrics = append(f.metrics, loggedMetric{key, value})
	return nil
}

func (f *fakeTracker) LogMetrics(_ context.Context, _ string, metrics map[string]float64) error {
	f.record("LogMetrics")
	for k, v := range metrics {
		f.metrics = append(f.metrics, loggedMetric{k, v})
	}
	return nil
}

func (f *fakeTracker) SetTags(_ context.Context, _ string, tags map[string]string) error {
	f.record("SetTags")
	for k, v := range tags {
		f.tags[k] = v
	}
	return nil
}

func (f *fakeTracker) LogArtifact(_ context.Context, _, _ string, _ []byte) error {
	f.record("LogArtifact")
	return nil
}

func (f *fakeTracker) LogModel(_ context.Context, _ string, model *tracking.Model) error {
	f.record("LogModel")
	f.models = append(f.models, model)
	return nil
}

func (f *fakeTracker) EndRun(_ context.Context, _ string, status tracking.RunStatus) error {
	f.record("EndRun")
	f.status = status
	return f.endErr
}

func (f *fakeTracker) Close() error { return nil }

func (f *fakeTracker) count(key string) int {
	n := 0
	for _, m := range f.metrics {
		if m.key == key {
			n++
		}
	}
	return n
}

func (f *fakeTracker) metric(key string) (float64, bool) {
	for _, m := range f.metrics {
		if m.key == key {
			return m.value, true
		}
	}
	return 0, false
}

// writeChurnCSV writes n rows where churn follows short tenure on monthly
// contracts. noisy flips every 17th row to churn so the classes overlap.
func writeChurnCSV(t *testing.T, n int, withLabel, noisy bool) string {
	t.Helper()
	var b strings.Builder
	if withLabel {
		b.WriteString("tenure,MonthlyCharges,Contract,Churn\n")
	} else {
		b.WriteString("tenure,MonthlyCharges,Contract\n")
	}
	for i := 0; i < n; i++ {
		tenure := i % 72
		contract := i % 3
		charges := 20 + float64((i*37)%100)
		churn := 0
		if tenure < 24 && contract == 0 || noisy && i%17 == 0 {
			churn = 1
		}
		if withLabel {
			fmt.Fprintf(&b, "%d,%.2f,%d,%d\n", tenure, charges, contract, churn)
		} else {
			fmt.Fprintf(&b, "%d,%.2f,%d\n", tenure, charges, contract)
		}
	}
	path := filepath.Join(t.TempDir(), "churn.csv")
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0o600))
	return path
}

func testOptions(path string) Options {
	return Options{
		DataPath:      path,
		Label:         "Churn",
		TestSize:      0.2,
		RandomState:   42,
		RunPrefix:     "elastic_search",
		NJobs:         2,
		LogModel:      true,
		LogConfidence: true,
		Autolog:       true,
	}
}

func TestRun(t *testing.T) {
	path := writeChurnCSV(t, 200, true, true)
	tracker := newFakeTracker()
	m := telemetry.New()

	res, err := New(tracker, testOptions(path), m).Run(context.Background(), Params{NEstimators: 10, MaxDepth: 5})
	require.NoError(t, err)

	assert.Equal(t, "elastic_search_10_5", tracker.runName)
	assert.Equal(t, "elastic_search_10_5", res.RunName)
	assert.Equal(t, tracking.StatusFinished, tracker.status)
	assert.Equal(t, tracking.StatusFinished, res.Status)
	assert.Equal(t, "StartRun", tracker.ops[0])
	assert.Equal(t, "EndRun", tracker.ops[len(tracker.ops)-1])
	assert.Equal(t, 160, res.TrainSamples)
	assert.Equal(t, 40, res.TestSamples)

	assert.Equal(t, 1, tracker.count(MetricAccuracy))
	acc, _ := tracker.metric(MetricAccuracy)
	assert.GreaterOrEqual(t, acc, 0.0)
	assert.LessOrEqual(t, acc, 1.0)
	assert.Equal(t, acc, res.Metrics[MetricAccuracy])

	c0, ok0 := tracker.metric(ConfidenceMetricPrefix + "0")
	c1, ok1 := tracker.metric(ConfidenceMetricPrefix + "1")
	require.True(t, ok0)
	require.True(t, ok1)
	assert.InDelta(t, 1.0, c0+c1, 1e-9)

	for _, key := range []string{MetricPrecision, MetricRecall, MetricF1, MetricROCAUC, MetricLogLoss} {
		assert.Equal(t, 1, tracker.count(key), key)
	}
	for _, key := range []string{
		"training_accuracy_score", "training_score", "training_precision_score",
		"training_recall_score", "training_f1_score", "training_roc_auc", "training_log_loss",
	} {
		assert.Equal(t, 1, tracker.count(key), key)
	}

	assert.Equal(t, "10", tracker.params["n_estimators"])
	assert.Equal(t, "5", tracker.params["max_depth"])
	assert.Equal(t, "true", tracker.params["bootstrap"])
	assert.Equal(t, "42", tracker.params["random_state"])
	assert.Equal(t, "RandomForestClassifier", tracker.tags[TagEstimatorName])
	assert.Equal(t, "github.com/YuminosukeSato/churnforest/sklearn/ensemble.RandomForestClassifier", tracker.tags[TagEstimatorClass])

	require.Len(t, tracker.models, 1)
	bundle := tracker.models[0]
	assert.Equal(t, artifact.ArtifactPath, bundle.ArtifactPath)
	for _, name := range []string{artifact.MLmodelFile, artifact.ModelFile, artifact.InputExampleFile, artifact.ImportanceFile} {
		assert.Contains(t, bundle.Files, name)
	}
	assert.Contains(t, string(bundle.Files[artifact.InputExampleFile]), `"tenure"`)
	assert.NotContains(t, string(bundle.Files[artifact.InputExampleFile]), "Churn")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.RunsTotal.WithLabelValues(telemetry.StatusFinished)))
	assert.Equal(t, 10.0, testutil.ToFloat64(m.TreesFitted))
	assert.Equal(t, 200.0, testutil.ToFloat64(m.DatasetRows))
	assert.Equal(t, acc, testutil.ToFloat64(m.TestAccuracy))
}

func TestRunReproducible(t *testing.T) {
	path := writeChurnCSV(t, 150, true, true)
	p := Params{NEstimators: 5, MaxDepth: 4}

	first, err := New(newFakeTracker(), testOptions(path), nil).Run(context.Background(), p)
	require.NoError(t, err)
	second, err := New(newFakeTracker(), testOptions(path), nil).Run(context.Background(), p)
	require.NoError(t, err)

	assert.Equal(t, first.Metrics, second.Metrics)
}

func TestRunSwitchesOff(t *testing.T) {
	path := writeChurnCSV(t, 100, true, true)
	tracker := newFakeTracker()
	opts := testOptions(path)
	opts.LogModel = false
	opts.LogConfidence = false
	opts.Autolog = false

	_, err := New(tracker, opts, nil).Run(context.Background(), Params{NEstimators: 3, MaxDepth: 3})
	require.NoError(t, err)

	assert.Empty(t, tracker.models)
	assert.Empty(t, tracker.tags)
	assert.Equal(t, map[string]string{"n_estimators": "3", "max_depth": "3"}, tracker.params)
	assert.Equal(t, 1, tracker.count(MetricAccuracy))
	for _, m := range tracker.metrics {
		assert.False(t, strings.HasPrefix(m.key, ConfidenceMetricPrefix), m.key)
		assert.False(t, strings.HasPrefix(m.key, TrainingMetricPrefix), m.key)
	}
}

func TestRunFailures(t *testing.T) {
	tests := []struct {
		name   string
		path   func(t *testing.T) string
		params Params
		check  func(t *testing.T, err error, tracker *fakeTracker)
	}{
		{
			name:   "missing label",
			path:   func(t *testing.T) string { return writeChurnCSV(t, 20, false, true) },
			params: DefaultParams(),
			check: func(t *testing.T, err error, tracker *fakeTracker) {
				var se *errors.SchemaError
				require.True(t, errors.As(err, &se))
				assert.Equal(t, "Churn", se.Column)
				// Nothing is logged before the schema check.
				assert.Equal(t, []string{"StartRun", "EndRun"}, tracker.ops)
			},
		},
		{
			name:   "missing file",
			path:   func(t *testing.T) string { return filepath.Join(t.TempDir(), "nope.csv") },
			params: DefaultParams(),
			check: func(t *testing.T, err error, tracker *fakeTracker) {
				assert.Equal(t, []string{"StartRun", "EndRun"}, tracker.ops)
			},
		},
		{
			name:   "negative depth",
			path:   func(t *testing.T) string { return writeChurnCSV(t, 30, true, true) },
			params: Params{NEstimators: 3, MaxDepth: -1},
			check: func(t *testing.T, err error, tracker *fakeTracker) {
				var ve *errors.ValidationError
				require.True(t, errors.As(err, &ve))
				assert.Equal(t, "max_depth", ve.ParamName)
				assert.Zero(t, tracker.count(MetricAccuracy))
			},
		},
		{
			name:   "zero estimators",
			path:   func(t *testing.T) string { return writeChurnCSV(t, 30, true, true) },
			params: Params{NEstimators: 0, MaxDepth: 3},
			check: func(t *testing.T, err error, tracker *fakeTracker) {
				var ve *errors.ValidationError
				require.True(t, errors.As(err, &ve))
				assert.Equal(t, "n_estimators", ve.ParamName)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tracker := newFakeTracker()
			m := telemetry.New()

			res, err := New(tracker, testOptions(tt.path(t)), m).Run(context.Background(), tt.params)
			require.Error(t, err)
			assert.Nil(t, res)
			assert.Equal(t, tracking.StatusFailed, tracker.status)
			assert.Equal(t, 1.0, testutil.ToFloat64(m.RunsTotal.WithLabelValues(telemetry.StatusFailed)))
			tt.check(t, err, tracker)
		})
	}
}

func TestRunStartFailure(t *testing.T) {
	tracker := newFakeTracker()
	tracker.startErr = errors.NewTrackingError("runs/create", 503, "", "unavailable", nil)
	m := telemetry.New()

	_, err := New(tracker, testOptions("unused.csv"), m).Run(context.Background(), DefaultParams())
	require.Error(t, err)
	var te *errors.TrackingError
	assert.True(t, errors.As(err, &te))
	assert.Equal(t, []string{"StartRun"}, tracker.ops)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RunsTotal.WithLabelValues(telemetry.StatusFailed)))
}

func TestRunEndFailure(t *testing.T) {
	tracker := newFakeTracker()
	tracker.endErr = errors.NewTrackingError("runs/update", 500, "INTERNAL_ERROR", "", nil)

	res, err := New(tracker, testOptions(writeChurnCSV(t, 40, true, true)), nil).Run(context.Background(), Params{NEstimators: 2, MaxDepth: 2})
	require.Error(t, err)
	assert.Nil(t, res)
	assert.True(t, errors.IsTrackingCode(err, "INTERNAL_ERROR"))
	assert.Equal(t, tracking.StatusFinished, tracker.status)
}

func TestRunCanceled(t *testing.T) {
	tracker := newFakeTracker()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := New(tracker, testOptions(writeChurnCSV(t, 40, true, true)), nil).Run(ctx, Params{NEstimators: 2, MaxDepth: 2})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, tracking.StatusFailed, tracker.status)
}

func TestRunWithStore(t *testing.T) {
	ctx := context.Background()
	store, err := tracking.OpenStore(ctx, filepath.Join(t.TempDir(), "mlruns.db"), "Logging Model")
	require.NoError(t, err)
	defer store.Close()

	res, err := New(store, testOptions(writeChurnCSV(t, 120, true, true)), nil).Run(ctx, Params{NEstimators: 4, MaxDepth: 6})
	require.NoError(t, err)

	details, err := store.Run(res.RunID)
	require.NoError(t, err)
	assert.Equal(t, tracking.StatusFinished, details.Status)
	assert.Equal(t, "elastic_search_4_6", details.Name)
	assert.Equal(t, "4", details.Params["n_estimators"])
	assert.Contains(t, details.Artifacts, "model/MLmodel")
	assert.Contains(t, details.Artifacts, "model/model.json")
	assert.NotEmpty(t, details.Tags[tracking.TagLogModelHistory])

	accuracies := 0
	for _, m := range details.Metrics {
		if m.Key == MetricAccuracy {
			accuracies++
		}
	}
	assert.Equal(t, 1, accuracies)
}

// A dataset the size of the Telco churn file splits into 5634/1409 and logs
// a single accuracy under the default run name.
func TestRunTelcoShape(t *testing.T) {
	if testing.Short() {
		t.Skip("fits 505 trees")
	}
	tracker := newFakeTracker()
	opts := testOptions(writeChurnCSV(t, 7043, true, false))
	opts.NJobs = 0

	p, err := ParseArgs(nil, DefaultParams())
	require.NoError(t, err)
	res, err := New(tracker, opts, nil).Run(context.Background(), p)
	require.NoError(t, err)

	assert.Equal(t, "elastic_search_505_37", res.RunName)
	assert.Equal(t, 5634, res.TrainSamples)
	assert.Equal(t, 1409, res.TestSamples)
	assert.Equal(t, 1, tracker.count(MetricAccuracy))
	assert.Len(t, tracker.models, 1)
}
