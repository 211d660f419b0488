package tracking

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"

	"github.com/YuminosukeSato/churnforest/pkg/errors"
	"github.com/YuminosukeSato/churnforest/pkg/log"
)

var (
	experimentsBucket = []byte("experiments")
	runsBucket        = []byte("runs")
	paramsBucket      = []byte("params")
	metricsBucket     = []byte("metrics")
	artifactsBucket   = []byte("artifacts")
)

var _ Tracker = (*Store)(nil)

type experimentRecord struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CreatedAt int64  `json:"created_at"`
}

type runRecord struct {
	ID           string            `json:"id"`
	ExperimentID string            `json:"experiment_id"`
	Name         string            `json:"name"`
	Status       RunStatus         `json:"status"`
	StartTime    int64             `json:"start_time"`
	EndTime      int64             `json:"end_time,omitempty"`
	ArtifactURI  string            `json:"artifact_uri"`
	Tags         map[string]string `json:"tags"`
}

func (r *runRecord) toRun() Run {
	return Run{
		ID:           r.ID,
		ExperimentID: r.ExperimentID,
		Name:         r.Name,
		Status:       r.Status,
		StartTime:    fromMillis(r.StartTime),
		EndTime:      fromMillis(r.EndTime),
		ArtifactURI:  r.ArtifactURI,
	}
}

// RunDetails is everything the store holds for one run.
type RunDetails struct {
	Run
	Tags      map[string]string
	Params    map[string]string
	Metrics   []Metric // in logging order
	Artifacts []string // sorted paths
}

// Store is an embedded run log backed by bbolt. Params, metrics and
// artifacts live in one nested bucket per run.
type Store struct {
	db           *bbolt.DB
	path         string
	experimentID string
	logger       log.Logger
}

// OpenStore opens or creates the run log at dbPath and resolves experiment.
func OpenStore(ctx context.Context, dbPath, experiment string) (*Store, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrapf(err, "failed to create directory for %s", dbPath)
		}
	}

	db, err := bbolt.Open(dbPath, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open run log %s", dbPath)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, bucket := range [][]byte{experimentsBucket, runsBucket, paramsBucket, metricsBucket, artifactsBucket} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to create buckets")
	}

	s := &Store{
		db:     db,
		path:   dbPath,
		logger: log.GetLoggerWithName("tracking").With(log.TrackingURIKey, "bolt://"+dbPath),
	}
	if s.experimentID, err = s.experiment(experiment); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// experiment returns the id of the named experiment, creating it if needed.
func (s *Store) experiment(name string) (string, error) {
	var id string
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(experimentsBucket)
		if data := b.Get([]byte(name)); data != nil {
			var rec experimentRecord
			if err := json.Unmarshal(data, &rec); err != nil {
				return err
			}
			id = rec.ID
			return nil
		}

		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		rec := experimentRecord{ID: strconv.FormatUint(seq, 10), Name: name, CreatedAt: millis(time.Now())}
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		id = rec.ID
		return b.Put([]byte(name), data)
	})
	if err != nil {
		return "", errors.Wrapf(err, "failed to resolve experiment %q", name)
	}
	return id, nil
}

func (s *Store) ExperimentID() string {
	return s.experimentID
}

func (s *Store) StartRun(ctx context.Context, name string, tags map[string]string) (*Run, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	id := newRunID(uuid.NewString())
	rec := &runRecord{
		ID:           id,
		ExperimentID: s.experimentID,
		Name:         name,
		Status:       StatusRunning,
		StartTime:    millis(time.Now()),
		ArtifactURI:  fmt.Sprintf("bolt://%s#%s/%s/artifacts", s.path, s.experimentID, id),
		Tags:         runTags(name, tags),
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		for _, bucket := range [][]byte{paramsBucket, metricsBucket, artifactsBucket} {
			if _, err := tx.Bucket(bucket).CreateBucket([]byte(id)); err != nil {
				return err
			}
		}
		return putRun(tx, rec)
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create run")
	}

	s.logger.Info("Run started", log.RunIDKey, id, log.RunNameKey, name)
	run := rec.toRun()
	return &run, nil
}

func (s *Store) LogParams(ctx context.Context, runID string, params map[string]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := runBucket(tx, paramsBucket, runID, "log-params")
		if err != nil {
			return err
		}
		for _, key := range sortedKeys(params) {
			value := params[key]
			if old := b.Get([]byte(key)); old != nil && string(old) != value {
				return errors.NewTrackingError("log-params", 0, CodeInvalidParameterValue,
					fmt.Sprintf("param %q already logged with value %q, got %q", key, old, value), nil)
			}
			if err := b.Put([]byte(key), []byte(value)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) LogMetric(ctx context.Context, runID, key string, value float64) error {
	return s.LogMetrics(ctx, runID, map[string]float64{key: value})
}

func (s *Store) LogMetrics(ctx context.Context, runID string, metrics map[string]float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	now := millis(time.Now())
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := runBucket(tx, metricsBucket, runID, "log-metric")
		if err != nil {
			return err
		}
		for _, key := range sortedKeys(metrics) {
			seq, err := b.NextSequence()
			if err != nil {
				return err
			}
			data, err := json.Marshal(Metric{Key: key, Value: metrics[key], Timestamp: now})
			if err != nil {
				return err
			}
			if err := b.Put(seqKey(seq), data); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) SetTags(ctx context.Context, runID string, tags map[string]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.updateRun(runID, "set-tag", func(rec *runRecord) error {
		for k, v := range tags {
			rec.Tags[k] = v
		}
		return nil
	})
}

func (s *Store) LogArtifact(ctx context.Context, runID, artifactPath string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key := path.Clean("/" + artifactPath)[1:]
	if key == "" {
		return errors.NewValidationError("artifact_path", "cannot be empty", artifactPath)
	}
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b, err := runBucket(tx, artifactsBucket, runID, "log-artifact")
		if err != nil {
			return err
		}
		return b.Put([]byte(key), data)
	})
	if err != nil {
		return err
	}
	s.logger.Debug("Artifact stored", log.RunIDKey, runID, log.ArtifactPathKey, key)
	return nil
}

// LogModel stores the bundle files and appends the descriptor to the run's
// model history tag.
func (s *Store) LogModel(ctx context.Context, runID string, model *Model) error {
	if model == nil || model.ArtifactPath == "" {
		return errors.NewValidationError("model", "artifact path cannot be empty", model)
	}
	for _, name := range sortedKeys(model.Files) {
		if err := s.LogArtifact(ctx, runID, path.Join(model.ArtifactPath, name), model.Files[name]); err != nil {
			return err
		}
	}

	err := s.updateRun(runID, "log-model", func(rec *runRecord) error {
		var history []map[string]any
		if raw := rec.Tags[TagLogModelHistory]; raw != "" {
			if err := json.Unmarshal([]byte(raw), &history); err != nil {
				return errors.Wrap(err, "corrupt model history")
			}
		}
		history = append(history, modelHistoryEntry(runID, model))
		data, err := json.Marshal(history)
		if err != nil {
			return err
		}
		rec.Tags[TagLogModelHistory] = string(data)
		return nil
	})
	if err != nil {
		return err
	}
	s.logger.Info("Model logged", log.RunIDKey, runID, log.ArtifactPathKey, model.ArtifactPath)
	return nil
}

func (s *Store) EndRun(ctx context.Context, runID string, status RunStatus) error {
	if !validStatus(status) {
		return errors.NewValidationError("status", "unknown run status", status)
	}
	err := s.updateRun(runID, "update-run", func(rec *runRecord) error {
		rec.Status = status
		rec.EndTime = millis(time.Now())
		return nil
	})
	if err != nil {
		return err
	}
	s.logger.Info("Run ended", log.RunIDKey, runID, log.RunStatusKey, string(status))
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Run returns the stored state of runID.
func (s *Store) Run(runID string) (*RunDetails, error) {
	details := &RunDetails{Params: map[string]string{}}
	err := s.db.View(func(tx *bbolt.Tx) error {
		rec, err := getRun(tx, runID, "get-run")
		if err != nil {
			return err
		}
		details.Run = rec.toRun()
		details.Tags = rec.Tags

		if err := tx.Bucket(paramsBucket).Bucket([]byte(runID)).ForEach(func(k, v []byte) error {
			details.Params[string(k)] = string(v)
			return nil
		}); err != nil {
			return err
		}
		if err := tx.Bucket(metricsBucket).Bucket([]byte(runID)).ForEach(func(_, v []byte) error {
			var m Metric
			if err := json.Unmarshal(v, &m); err != nil {
				return err
			}
			details.Metrics = append(details.Metrics, m)
			return nil
		}); err != nil {
			return err
		}
		return tx.Bucket(artifactsBucket).Bucket([]byte(runID)).ForEach(func(k, _ []byte) error {
			details.Artifacts = append(details.Artifacts, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return details, nil
}

// Artifact returns the content stored at artifactPath of runID.
func (s *Store) Artifact(runID, artifactPath string) ([]byte, error) {
	var data []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		b, err := runBucket(tx, artifactsBucket, runID, "get-artifact")
		if err != nil {
			return err
		}
		v := b.Get([]byte(artifactPath))
		if v == nil {
			return errors.NewTrackingError("get-artifact", 0, CodeResourceDoesNotExist,
				"artifact "+artifactPath+" not found", nil)
		}
		data = append([]byte(nil), v...)
		return nil
	})
	return data, err
}

// Runs lists the runs of the bound experiment, oldest first.
func (s *Store) Runs() ([]Run, error) {
	var runs []Run
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(runsBucket).ForEach(func(_, v []byte) error {
			var rec runRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if rec.ExperimentID == s.experimentID {
				runs = append(runs, rec.toRun())
			}
			return nil
		})
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to list runs")
	}
	sortRuns(runs)
	return runs, nil
}

func (s *Store) updateRun(runID, op string, fn func(rec *runRecord) error) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		rec, err := getRun(tx, runID, op)
		if err != nil {
			return err
		}
		if rec.Tags == nil {
			rec.Tags = map[string]string{}
		}
		if err := fn(rec); err != nil {
			return err
		}
		return putRun(tx, rec)
	})
}

func getRun(tx *bbolt.Tx, runID, op string) (*runRecord, error) {
	data := tx.Bucket(runsBucket).Get([]byte(runID))
	if data == nil {
		return nil, errors.NewTrackingError(op, 0, CodeResourceDoesNotExist, "run "+runID+" not found", nil)
	}
	var rec runRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, errors.Wrapf(err, "corrupt run record %s", runID)
	}
	return &rec, nil
}

func putRun(tx *bbolt.Tx, rec *runRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return tx.Bucket(runsBucket).Put([]byte(rec.ID), data)
}

func runBucket(tx *bbolt.Tx, parent []byte, runID, op string) (*bbolt.Bucket, error) {
	b := tx.Bucket(parent).Bucket([]byte(runID))
	if b == nil {
		return nil, errors.NewTrackingError(op, 0, CodeResourceDoesNotExist, "run "+runID+" not found", nil)
	}
	return b, nil
}

// seqKey encodes a sequence number so that byte order matches numeric order.
func seqKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%020d", seq))
}

func sortRuns(runs []Run) {
	slices.SortStableFunc(runs, func(a, b Run) int {
		return a.StartTime.Compare(b.StartTime)
	})
}
