// Package log defines standard attribute keys for training runs.
//
// Keys follow a hierarchical naming convention (e.g. "model.name",
// "data.samples") so log lines can be filtered by category.

package log

// Model and Operation Context
const (
	// ModelNameKey identifies the type of machine learning model.
	// Examples: "RandomForestClassifier", "DecisionTreeClassifier"
	ModelNameKey = "model.name"

	// EstimatorIDKey provides a unique identifier for a specific model instance,
	// such as the index of a tree inside a forest.
	EstimatorIDKey = "estimator.id"

	// OperationKey specifies the operation being performed.
	// Standard values: "fit", "predict", "score", "split", "load"
	OperationKey = "ml.operation"

	// ComponentKey identifies which component or package is performing the operation.
	ComponentKey = "ml.component"

	// PhaseKey indicates the phase of model lifecycle.
	PhaseKey = "ml.phase"
)

// Data Shape and Characteristics
const (
	// SamplesKey indicates the number of samples (rows) in the dataset.
	SamplesKey = "data.samples"

	// FeaturesKey indicates the number of features (columns) in the dataset.
	FeaturesKey = "data.features"

	// ClassesKey indicates the number of distinct target classes.
	ClassesKey = "data.classes"

	// SourceKey is the path or URI the data was read from.
	SourceKey = "data.source"

	// TrainSamplesKey and TestSamplesKey record split sizes.
	TrainSamplesKey = "data.train_samples"
	TestSamplesKey  = "data.test_samples"
)

// Performance Metrics
const (
	// DurationMsKey records the execution time of an operation in milliseconds.
	DurationMsKey = "perf.duration_ms"

	// AccuracyKey records model accuracy for evaluation operations.
	// Range [0.0, 1.0] for classification accuracy.
	AccuracyKey = "metrics.accuracy"

	// LossKey records loss value during evaluation.
	LossKey = "metrics.loss"

	// MetricNameKey and MetricValueKey describe a single tracked metric.
	MetricNameKey  = "metrics.name"
	MetricValueKey = "metrics.value"
)

// Prediction and Output Context
const (
	// PredsKey indicates the number of predictions made.
	PredsKey = "preds.count"

	// ConfidenceKey records a prediction confidence or mean class probability.
	ConfidenceKey = "preds.confidence"
)

// Error and Warning Context
const (
	// ErrorCodeKey provides a structured error code for programmatic handling.
	ErrorCodeKey = "error.code"

	// ErrorTypeKey categorizes the type of error encountered.
	ErrorTypeKey = "error.type"

	// StacktraceKey contains stack trace information for debugging.
	StacktraceKey = "error.stacktrace"

	// SuggestionKey provides helpful suggestions for resolving issues.
	SuggestionKey = "error.suggestion"
)

// Hyperparameters and Configuration
const (
	// HyperParamsKey contains model hyperparameters as a structured object.
	HyperParamsKey = "model.hyperparams"

	// NEstimatorsKey and MaxDepthKey record the forest shape.
	NEstimatorsKey = "hyperparams.n_estimators"
	MaxDepthKey    = "hyperparams.max_depth"

	// RandomSeedKey records the random seed for reproducibility.
	RandomSeedKey = "config.random_seed"

	// ConfigFileKey records which configuration file was loaded, if any.
	ConfigFileKey = "config.file"
)

// Experiment Tracking
const (
	// TrackingURIKey is the URI of the tracking sink.
	TrackingURIKey = "tracking.uri"

	// ExperimentKey is the experiment name runs are recorded under.
	ExperimentKey = "tracking.experiment"

	// RunIDKey and RunNameKey identify a tracking run.
	RunIDKey   = "tracking.run_id"
	RunNameKey = "tracking.run_name"

	// RunStatusKey is the terminal status of a run ("FINISHED", "FAILED").
	RunStatusKey = "tracking.run_status"

	// ArtifactPathKey is the run-relative path of a logged artifact.
	ArtifactPathKey = "tracking.artifact_path"

	// EndpointKey is the REST endpoint of a tracking request.
	EndpointKey = "tracking.endpoint"
)

// Standard attribute value constants for common operations.
const (
	// Standard ML operations
	OperationFit     = "fit"
	OperationPredict = "predict"
	OperationScore   = "score"
	OperationSplit   = "split"
	OperationLoad    = "load"
	OperationLog     = "log"

	// Standard ML phases
	PhaseTraining      = "training"
	PhaseTesting       = "testing"
	PhaseInference     = "inference"
	PhasePreprocessing = "preprocessing"
	PhaseTracking      = "tracking"

	// Standard error codes
	ErrorNotFitted         = "NOT_FITTED"
	ErrorDimensionMismatch = "DIMENSION_MISMATCH"
	ErrorEmptyData         = "EMPTY_DATA"
	ErrorInvalidInput      = "INVALID_INPUT"
	ErrorSchema            = "SCHEMA"
	ErrorTracking          = "TRACKING"
)
