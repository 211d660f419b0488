// Package runner drives one training run: load the CSV, split, fit the
// forest, evaluate on the held-out rows and record everything on a tracking
// run.
package runner

import (
	"context"
	"fmt"
	"reflect"
	"strconv"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/churnforest/internal/artifact"
	"github.com/YuminosukeSato/churnforest/internal/dataset"
	"github.com/YuminosukeSato/churnforest/internal/telemetry"
	"github.com/YuminosukeSato/churnforest/internal/tracking"
	"github.com/YuminosukeSato/churnforest/metrics"
	"github.com/YuminosukeSato/churnforest/pkg/errors"
	"github.com/YuminosukeSato/churnforest/pkg/log"
	"github.com/YuminosukeSato/churnforest/sklearn/ensemble"
	"github.com/YuminosukeSato/churnforest/sklearn/model_selection"
)

// Metric and tag names written to the run.
const (
	MetricAccuracy         = "accuracy"
	MetricPrecision        = "precision"
	MetricRecall           = "recall"
	MetricF1               = "f1"
	MetricROCAUC           = "roc_auc"
	MetricLogLoss          = "log_loss"
	ConfidenceMetricPrefix = "avg_confidence_class_"
	TrainingMetricPrefix   = "training_"

	TagEstimatorName  = "estimator_name"
	TagEstimatorClass = "estimator_class"

	DefaultExampleRows = 5
)

// Options configure everything about a run except the forest shape.
type Options struct {
	DataPath    string
	Label       string
	TestSize    float64
	RandomState uint64
	RunPrefix   string
	NJobs       int

	LogModel      bool
	LogConfidence bool
	Autolog       bool

	// ExampleRows is the size of the logged input example; 0 uses DefaultExampleRows.
	ExampleRows int
}

// Result summarises a completed run.
type Result struct {
	RunID        string
	RunName      string
	Status       tracking.RunStatus
	TrainSamples int
	TestSamples  int
	Metrics      map[string]float64
	Model        *ensemble.RandomForestClassifier
}

type Runner struct {
	tracker   tracking.Tracker
	telemetry *telemetry.Metrics
	opts      Options
	logger    log.Logger
}

// New returns a Runner writing to tracker. m may be nil.
func New(tracker tracking.Tracker, opts Options, m *telemetry.Metrics) *Runner {
	if opts.ExampleRows <= 0 {
		opts.ExampleRows = DefaultExampleRows
	}
	return &Runner{
		tracker:   tracker,
		telemetry: m,
		opts:      opts,
		logger:    log.GetLoggerWithName("runner"),
	}
}

// RunName is the tracking run name for p, e.g. "elastic_search_505_37".
func RunName(prefix string, p Params) string {
	return fmt.Sprintf("%s_%d_%d", prefix, p.NEstimators, p.MaxDepth)
}

// Run executes one training run. The tracking run is opened first and is
// always ended: FINISHED when Run returns nil, FAILED otherwise.
func (r *Runner) Run(ctx context.Context, p Params) (res *Result, err error) {
	name := RunName(r.opts.RunPrefix, p)
	logger := r.logger.With(log.RunNameKey, name)

	run, err := r.tracker.StartRun(ctx, name, nil)
	if err != nil {
		r.runEnded(err)
		return nil, errors.Wrap(err, "failed to start run")
	}
	logger = logger.With(log.RunIDKey, run.ID)

	defer func() {
		status := tracking.StatusFinished
		if err != nil {
			status = tracking.StatusFailed
		}
		// The run must be closed even when ctx was canceled.
		endErr := r.tracker.EndRun(context.WithoutCancel(ctx), run.ID, status)
		switch {
		case endErr != nil && err == nil:
			err = errors.Wrap(endErr, "failed to end run")
			res = nil
		case endErr != nil:
			logger.Warn("Failed to end run", log.ErrorTypeKey, endErr.Error())
		}
		if err != nil {
			logger.Error("Run failed", err, log.RunStatusKey, string(tracking.StatusFailed))
		} else {
			res.Status = status
			logger.Info("Run finished",
				log.RunStatusKey, string(status),
				log.AccuracyKey, res.Metrics[MetricAccuracy],
			)
		}
		r.runEnded(err)
	}()
	defer errors.Recover(&err, "runner.Run")

	res, err = r.train(ctx, run, p, logger)
	return res, err
}

func (r *Runner) train(ctx context.Context, run *tracking.Run, p Params, logger log.Logger) (*Result, error) {
	res := &Result{
		RunID:   run.ID,
		RunName: run.Name,
		Metrics: make(map[string]float64),
	}

	ds, err := dataset.LoadCSV(r.opts.DataPath, r.opts.Label)
	if err != nil {
		return nil, err
	}
	if r.telemetry != nil {
		r.telemetry.DatasetRows.Set(float64(ds.Rows()))
	}

	split, err := model_selection.TrainTestSplit(ds.X, ds.Y, r.opts.TestSize, r.opts.RandomState)
	if err != nil {
		return nil, err
	}
	res.TrainSamples = len(split.TrainIndices)
	res.TestSamples = len(split.TestIndices)
	logger.Info("Dataset split",
		log.SourceKey, ds.Source,
		log.FeaturesKey, len(ds.FeatureNames),
		log.TrainSamplesKey, res.TrainSamples,
		log.TestSamplesKey, res.TestSamples,
	)

	opts := []ensemble.RandomForestOption{
		ensemble.WithNEstimators(p.NEstimators),
		ensemble.WithMaxDepth(p.MaxDepth),
		ensemble.WithRandomState(int64(r.opts.RandomState)),
		ensemble.WithNJobs(r.opts.NJobs),
	}
	if r.telemetry != nil {
		opts = append(opts, ensemble.WithOnTreeFitted(func(int) { r.telemetry.TreesFitted.Inc() }))
	}
	rf := ensemble.NewRandomForestClassifier(opts...)
	res.Model = rf

	if err := r.logParams(ctx, run.ID, p, rf); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	start := time.Now()
	if err := rf.Fit(split.XTrain, split.YTrain); err != nil {
		return nil, err
	}
	elapsed := time.Since(start)
	if r.telemetry != nil {
		r.telemetry.FitDuration.Observe(elapsed.Seconds())
	}
	logger.Info("Model fitted",
		log.ModelNameKey, "RandomForestClassifier",
		log.NEstimatorsKey, p.NEstimators,
		log.MaxDepthKey, p.MaxDepth,
		log.DurationMsKey, elapsed.Milliseconds(),
	)

	if r.opts.Autolog {
		training, err := r.evaluate(rf, split.XTrain, split.YTrain)
		if err != nil {
			return nil, err
		}
		if err := r.tracker.LogMetrics(ctx, run.ID, training); err != nil {
			return nil, err
		}
		for k, v := range training {
			res.Metrics[k] = v
		}
	}

	if r.opts.LogModel {
		if err := r.logModel(ctx, run.ID, rf, ds.FeatureNames, split.XTrain); err != nil {
			return nil, err
		}
	}

	yPred, err := rf.Predict(split.XTest)
	if err != nil {
		return nil, err
	}
	proba, err := rf.PredictProba(split.XTest)
	if err != nil {
		return nil, err
	}

	yTrue, err := metrics.Column("accuracy", split.YTest, 0)
	if err != nil {
		return nil, err
	}
	predVec, err := metrics.Column("accuracy", yPred, 0)
	if err != nil {
		return nil, err
	}
	accuracy, err := metrics.Accuracy(yTrue, predVec)
	if err != nil {
		return nil, err
	}
	if err := r.tracker.LogMetric(ctx, run.ID, MetricAccuracy, accuracy); err != nil {
		return nil, err
	}
	res.Metrics[MetricAccuracy] = accuracy
	if r.telemetry != nil {
		r.telemetry.TestAccuracy.Set(accuracy)
	}

	if r.opts.LogConfidence {
		confidences, err := confidenceMetrics(proba, rf.Classes())
		if err != nil {
			return nil, err
		}
		if err := r.tracker.LogMetrics(ctx, run.ID, confidences); err != nil {
			return nil, err
		}
		for k, v := range confidences {
			res.Metrics[k] = v
		}
	}

	test, err := binaryMetrics(yTrue, predVec, proba, rf.Classes(), "")
	if err != nil {
		return nil, err
	}
	if len(test) > 0 {
		if err := r.tracker.LogMetrics(ctx, run.ID, test); err != nil {
			return nil, err
		}
		for k, v := range test {
			res.Metrics[k] = v
		}
	}

	return res, nil
}

// logParams records the run configuration. With autolog every estimator
// parameter is recorded along with the estimator tags.
func (r *Runner) logParams(ctx context.Context, runID string, p Params, rf *ensemble.RandomForestClassifier) error {
	params := map[string]string{
		"n_estimators": strconv.Itoa(p.NEstimators),
		"max_depth":    strconv.Itoa(p.MaxDepth),
	}
	if r.opts.Autolog {
		for k, v := range rf.GetParams() {
			params[k] = fmt.Sprint(v)
		}
		t := reflect.TypeOf(rf).Elem()
		tags := map[string]string{
			TagEstimatorName:  t.Name(),
			TagEstimatorClass: t.PkgPath() + "." + t.Name(),
		}
		if err := r.tracker.SetTags(ctx, runID, tags); err != nil {
			return err
		}
	}
	return r.tracker.LogParams(ctx, runID, params)
}

// evaluate computes the metrics autologging records on the training set.
func (r *Runner) evaluate(rf *ensemble.RandomForestClassifier, X, y mat.Matrix) (map[string]float64, error) {
	yPred, err := rf.Predict(X)
	if err != nil {
		return nil, err
	}
	proba, err := rf.PredictProba(X)
	if err != nil {
		return nil, err
	}
	yTrue, err := metrics.Column("evaluate", y, 0)
	if err != nil {
		return nil, err
	}
	predVec, err := metrics.Column("evaluate", yPred, 0)
	if err != nil {
		return nil, err
	}

	acc, err := metrics.Accuracy(yTrue, predVec)
	if err != nil {
		return nil, err
	}
	out := map[string]float64{
		TrainingMetricPrefix + "accuracy_score": acc,
		TrainingMetricPrefix + "score":          acc,
	}

	binary, err := binaryMetrics(yTrue, predVec, proba, rf.Classes(), "_score")
	if err != nil {
		return nil, err
	}
	for k, v := range binary {
		out[TrainingMetricPrefix+k] = v
	}
	return out, nil
}

// binaryMetrics returns precision, recall, f1, roc_auc and log_loss with the
// larger class as positive, or nothing unless there are exactly two classes.
// suffix is appended to the three thresholded scores.
func binaryMetrics(yTrue, yPred *mat.VecDense, proba mat.Matrix, classes []float64, suffix string) (map[string]float64, error) {
	if len(classes) != 2 {
		return nil, nil
	}
	pos := classes[1]

	precision, recall, f1, err := metrics.PrecisionRecallF1(yTrue, yPred, pos)
	if err != nil {
		return nil, err
	}

	score, err := metrics.Column("binaryMetrics", proba, 1)
	if err != nil {
		return nil, err
	}
	// AUC and log loss expect 0/1 labels.
	labels := mat.NewVecDense(yTrue.Len(), nil)
	for i := 0; i < yTrue.Len(); i++ {
		if yTrue.AtVec(i) == pos {
			labels.SetVec(i, 1)
		}
	}
	auc, err := metrics.AUC(labels, score)
	if err != nil {
		return nil, err
	}
	logLoss, err := metrics.BinaryLogLoss(labels, score)
	if err != nil {
		return nil, err
	}

	return map[string]float64{
		MetricPrecision + suffix: precision,
		MetricRecall + suffix:    recall,
		MetricF1 + suffix:        f1,
		MetricROCAUC:             auc,
		MetricLogLoss:            logLoss,
	}, nil
}

// confidenceMetrics averages each probability column over the test rows.
func confidenceMetrics(proba mat.Matrix, classes []float64) (map[string]float64, error) {
	means, err := metrics.MeanClassProbabilities(proba)
	if err != nil {
		return nil, err
	}
	out := make(map[string]float64, len(means))
	for j, m := range means {
		out[ConfidenceMetricPrefix+FormatLabel(classes[j])] = m
	}
	return out, nil
}

// FormatLabel renders a class label the way it appears in metric names:
// 0 not 0.000000.
func FormatLabel(label float64) string {
	return strconv.FormatFloat(label, 'f', -1, 64)
}

func (r *Runner) logModel(ctx context.Context, runID string, rf *ensemble.RandomForestClassifier, features []string, XTrain mat.Matrix) error {
	weights, err := rf.ExportWeights()
	if err != nil {
		return err
	}
	weights.Features = append([]string(nil), features...)

	example := artifact.NewInputExample(features, dataset.SampleRows(features, XTrain, r.opts.ExampleRows))
	bundle, err := artifact.Build(runID, weights, example)
	if err != nil {
		return err
	}
	return r.tracker.LogModel(ctx, runID, bundle)
}

func (r *Runner) runEnded(err error) {
	if r.telemetry != nil {
		r.telemetry.RunEnded(err)
	}
}
