// Package tracking records training runs: parameters, metrics, tags and
// artifacts. Runs go to an MLflow tracking server over its REST API or to an
// embedded bbolt run log, selected by the scheme of the tracking URI.
package tracking

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/YuminosukeSato/churnforest/pkg/errors"
)

type RunStatus string

const (
	StatusRunning  RunStatus = "RUNNING"
	StatusFinished RunStatus = "FINISHED"
	StatusFailed   RunStatus = "FAILED"
	StatusKilled   RunStatus = "KILLED"
)

// Error codes shared by both backends, named as the MLflow server names them.
const (
	CodeResourceDoesNotExist  = "RESOURCE_DOES_NOT_EXIST"
	CodeResourceAlreadyExists = "RESOURCE_ALREADY_EXISTS"
	CodeInvalidParameterValue = "INVALID_PARAMETER_VALUE"
)

// Tag keys MLflow clients set on runs.
const (
	TagRunName         = "mlflow.runName"
	TagSource          = "mlflow.source.name"
	TagSourceType      = "mlflow.source.type"
	TagUser            = "mlflow.user"
	TagLogModelHistory = "mlflow.log-model.history"
)

type Run struct {
	ID           string
	ExperimentID string
	Name         string
	Status       RunStatus
	StartTime    time.Time
	EndTime      time.Time
	ArtifactURI  string
}

type Metric struct {
	Key       string  `json:"key"`
	Value     float64 `json:"value"`
	Timestamp int64   `json:"timestamp"` // milliseconds since the epoch
	Step      int64   `json:"step"`
}

// Model is a model artifact bundle. Files are written under ArtifactPath and
// Descriptor is recorded in the run's model history.
type Model struct {
	ArtifactPath string
	Files        map[string][]byte
	Descriptor   map[string]any
}

// Tracker is the sink a training run writes to. One Tracker is bound to one
// experiment.
type Tracker interface {
	ExperimentID() string
	StartRun(ctx context.Context, name string, tags map[string]string) (*Run, error)
	LogParams(ctx context.Context, runID string, params map[string]string) error
	LogMetric(ctx context.Context, runID, key string, value float64) error
	LogMetrics(ctx context.Context, runID string, metrics map[string]float64) error
	SetTags(ctx context.Context, runID string, tags map[string]string) error
	LogArtifact(ctx context.Context, runID, artifactPath string, data []byte) error
	LogModel(ctx context.Context, runID string, model *Model) error
	EndRun(ctx context.Context, runID string, status RunStatus) error
	Close() error
}

// RequestObserver receives one call per tracking request.
type RequestObserver interface {
	ObserveTrackingRequest(endpoint string, statusCode int, elapsed time.Duration)
}

type Config struct {
	URI        string
	Experiment string
	Timeout    time.Duration

	// Token or Username/Password authenticate against an MLflow server.
	Token    string
	Username string
	Password string

	Observer RequestObserver
}

// Open connects to the sink named by cfg.URI and resolves cfg.Experiment,
// creating it when it does not exist.
func Open(ctx context.Context, cfg Config) (Tracker, error) {
	if cfg.Experiment == "" {
		return nil, errors.NewValidationError("experiment", "cannot be empty", cfg.Experiment)
	}
	u, err := url.Parse(cfg.URI)
	if err != nil {
		return nil, errors.NewValidationError("tracking_uri", "invalid URI", cfg.URI)
	}

	switch u.Scheme {
	case "http", "https":
		c, err := NewMLflowClient(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return c, nil
	case "file", "bolt":
		path := localPath(u)
		if path == "" {
			return nil, errors.NewValidationError("tracking_uri", "missing file path", cfg.URI)
		}
		s, err := OpenStore(ctx, path, cfg.Experiment)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, errors.NewValidationError("tracking_uri", "unsupported scheme", cfg.URI)
	}
}

// localPath accepts file:///abs/path, file://rel/path and file:rel/path.
func localPath(u *url.URL) string {
	if u.Opaque != "" {
		return u.Opaque
	}
	return u.Host + u.Path
}

// newRunID strips the dashes from a UUID, giving MLflow-style 32 character ids.
func newRunID(id string) string {
	return strings.ReplaceAll(id, "-", "")
}

func millis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func validStatus(s RunStatus) bool {
	switch s {
	case StatusRunning, StatusFinished, StatusFailed, StatusKilled:
		return true
	}
	return false
}
