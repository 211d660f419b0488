package tracking

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"os"
	"path"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/YuminosukeSato/churnforest/pkg/errors"
	"github.com/YuminosukeSato/churnforest/pkg/log"
)

const (
	apiPrefix         = "/api/2.0/mlflow/"
	artifactsPrefix   = "/api/2.0/mlflow-artifacts/artifacts"
	defaultTimeout    = 30 * time.Second
	maxParamsPerBatch = 100
	maxTagsPerBatch   = 100
	maxMetricsBatch   = 1000
	maxParamValueLen  = 6000
	maxErrorBodyLen   = 512
)

var _ Tracker = (*MLflowClient)(nil)

// apiError is the error body returned by the MLflow server.
type apiError struct {
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
}

type keyValue struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type runInfo struct {
	RunID        string `json:"run_id"`
	ExperimentID string `json:"experiment_id"`
	RunName      string `json:"run_name"`
	Status       string `json:"status"`
	StartTime    int64  `json:"start_time"`
	EndTime      int64  `json:"end_time"`
	ArtifactURI  string `json:"artifact_uri"`
}

type runResponse struct {
	Run struct {
		Info runInfo `json:"info"`
	} `json:"run"`
}

// MLflowClient talks to an MLflow tracking server over its REST API.
type MLflowClient struct {
	rest         *resty.Client
	experimentID string
	observer     RequestObserver
	logger       log.Logger

	mu           sync.Mutex
	artifactURIs map[string]string // run id -> artifact root
}

// NewMLflowClient resolves cfg.Experiment on the server at cfg.URI, creating
// the experiment if needed.
func NewMLflowClient(ctx context.Context, cfg Config) (*MLflowClient, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	rest := resty.New().
		SetBaseURL(strings.TrimRight(cfg.URI, "/")).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", "churnforest")
	switch {
	case cfg.Token != "":
		rest.SetAuthToken(cfg.Token)
	case cfg.Username != "":
		rest.SetBasicAuth(cfg.Username, cfg.Password)
	}

	c := &MLflowClient{
		rest:         rest,
		observer:     cfg.Observer,
		logger:       log.GetLoggerWithName("tracking").With(log.TrackingURIKey, cfg.URI),
		artifactURIs: make(map[string]string),
	}

	id, err := c.experimentByName(ctx, cfg.Experiment)
	if errors.IsTrackingCode(err, CodeResourceDoesNotExist) {
		id, err = c.createExperiment(ctx, cfg.Experiment)
		if errors.IsTrackingCode(err, CodeResourceAlreadyExists) {
			// Created concurrently by another client.
			id, err = c.experimentByName(ctx, cfg.Experiment)
		}
	}
	if err != nil {
		return nil, err
	}
	c.experimentID = id

	c.logger.Info("Tracking experiment resolved",
		log.ExperimentKey, cfg.Experiment,
		"tracking.experiment_id", id,
	)
	return c, nil
}

func (c *MLflowClient) ExperimentID() string {
	return c.experimentID
}

func (c *MLflowClient) experimentByName(ctx context.Context, name string) (string, error) {
	var result struct {
		Experiment struct {
			ExperimentID string `json:"experiment_id"`
		} `json:"experiment"`
	}
	req := c.request(ctx).
		SetQueryParam("experiment_name", name).
		SetResult(&result)
	if err := c.execute(req, http.MethodGet, "experiments/get-by-name", apiPrefix+"experiments/get-by-name"); err != nil {
		return "", err
	}
	return result.Experiment.ExperimentID, nil
}

func (c *MLflowClient) createExperiment(ctx context.Context, name string) (string, error) {
	var result struct {
		ExperimentID string `json:"experiment_id"`
	}
	req := c.request(ctx).
		SetBody(map[string]string{"name": name}).
		SetResult(&result)
	if err := c.post(req, "experiments/create"); err != nil {
		return "", err
	}
	return result.ExperimentID, nil
}

func (c *MLflowClient) StartRun(ctx context.Context, name string, tags map[string]string) (*Run, error) {
	start := time.Now()
	body := map[string]any{
		"experiment_id": c.experimentID,
		"run_name":      name,
		"start_time":    millis(start),
		"tags":          toKeyValues(runTags(name, tags)),
	}

	var result runResponse
	req := c.request(ctx).SetBody(body).SetResult(&result)
	if err := c.post(req, "runs/create"); err != nil {
		return nil, err
	}

	info := result.Run.Info
	c.mu.Lock()
	c.artifactURIs[info.RunID] = info.ArtifactURI
	c.mu.Unlock()

	c.logger.Info("Run started", log.RunIDKey, info.RunID, log.RunNameKey, name)
	return info.toRun(), nil
}

func (c *MLflowClient) LogParams(ctx context.Context, runID string, params map[string]string) error {
	kvs := toKeyValues(params)
	for i := range kvs {
		if len(kvs[i].Value) > maxParamValueLen {
			kvs[i].Value = kvs[i].Value[:maxParamValueLen]
		}
	}
	for batch := range slices.Chunk(kvs, maxParamsPerBatch) {
		if err := c.logBatch(ctx, runID, nil, batch, nil); err != nil {
			return err
		}
	}
	return nil
}

func (c *MLflowClient) LogMetric(ctx context.Context, runID, key string, value float64) error {
	body := map[string]any{
		"run_id":    runID,
		"key":       key,
		"value":     value,
		"timestamp": millis(time.Now()),
		"step":      0,
	}
	return c.post(c.request(ctx).SetBody(body), "runs/log-metric")
}

func (c *MLflowClient) LogMetrics(ctx context.Context, runID string, metrics map[string]float64) error {
	now := millis(time.Now())
	all := make([]Metric, 0, len(metrics))
	for _, key := range sortedKeys(metrics) {
		all = append(all, Metric{Key: key, Value: metrics[key], Timestamp: now})
	}
	for batch := range slices.Chunk(all, maxMetricsBatch) {
		if err := c.logBatch(ctx, runID, batch, nil, nil); err != nil {
			return err
		}
	}
	return nil
}

func (c *MLflowClient) SetTags(ctx context.Context, runID string, tags map[string]string) error {
	for batch := range slices.Chunk(toKeyValues(tags), maxTagsPerBatch) {
		if err := c.logBatch(ctx, runID, nil, nil, batch); err != nil {
			return err
		}
	}
	return nil
}

func (c *MLflowClient) logBatch(ctx context.Context, runID string, metrics []Metric, params, tags []keyValue) error {
	body := map[string]any{"run_id": runID}
	if len(metrics) > 0 {
		body["metrics"] = metrics
	}
	if len(params) > 0 {
		body["params"] = params
	}
	if len(tags) > 0 {
		body["tags"] = tags
	}
	return c.post(c.request(ctx).SetBody(body), "runs/log-batch")
}

// LogArtifact uploads data through the server's artifact proxy. The run's
// artifact root must be an mlflow-artifacts URI.
func (c *MLflowClient) LogArtifact(ctx context.Context, runID, artifactPath string, data []byte) error {
	root, err := c.artifactURI(ctx, runID)
	if err != nil {
		return err
	}
	u, err := url.Parse(root)
	if err != nil || u.Scheme != "mlflow-artifacts" {
		return errors.NewTrackingError("mlflow-artifacts", 0, "UNSUPPORTED_ARTIFACT_STORE",
			"artifact root "+root+" is not served by the tracking server", err)
	}

	target := artifactsPrefix + strings.TrimRight(u.Path, "/") + "/" + escapePath(artifactPath)
	req := c.request(ctx).
		SetHeader("Content-Type", "application/octet-stream").
		SetBody(data)
	if err := c.execute(req, http.MethodPut, "mlflow-artifacts", target); err != nil {
		return err
	}

	c.logger.Debug("Artifact uploaded", log.RunIDKey, runID, log.ArtifactPathKey, artifactPath)
	return nil
}

func (c *MLflowClient) artifactURI(ctx context.Context, runID string) (string, error) {
	c.mu.Lock()
	uri, ok := c.artifactURIs[runID]
	c.mu.Unlock()
	if ok {
		return uri, nil
	}

	var result runResponse
	req := c.request(ctx).SetQueryParam("run_id", runID).SetResult(&result)
	if err := c.execute(req, http.MethodGet, "runs/get", apiPrefix+"runs/get"); err != nil {
		return "", err
	}
	uri = result.Run.Info.ArtifactURI

	c.mu.Lock()
	c.artifactURIs[runID] = uri
	c.mu.Unlock()
	return uri, nil
}

// LogModel uploads the bundle files, then records the model on the run.
func (c *MLflowClient) LogModel(ctx context.Context, runID string, model *Model) error {
	if model == nil || model.ArtifactPath == "" {
		return errors.NewValidationError("model", "artifact path cannot be empty", model)
	}
	for _, name := range sortedKeys(model.Files) {
		if err := c.LogArtifact(ctx, runID, path.Join(model.ArtifactPath, name), model.Files[name]); err != nil {
			return err
		}
	}

	descriptor, err := json.Marshal(modelHistoryEntry(runID, model))
	if err != nil {
		return errors.Wrap(err, "failed to encode model descriptor")
	}
	body := map[string]any{
		"run_id":     runID,
		"model_json": string(descriptor),
	}
	if err := c.post(c.request(ctx).SetBody(body), "runs/log-model"); err != nil {
		return err
	}

	c.logger.Info("Model logged", log.RunIDKey, runID, log.ArtifactPathKey, model.ArtifactPath)
	return nil
}

func (c *MLflowClient) EndRun(ctx context.Context, runID string, status RunStatus) error {
	if !validStatus(status) {
		return errors.NewValidationError("status", "unknown run status", status)
	}
	body := map[string]any{
		"run_id":   runID,
		"status":   status,
		"end_time": millis(time.Now()),
	}
	if err := c.post(c.request(ctx).SetBody(body), "runs/update"); err != nil {
		return err
	}
	c.logger.Info("Run ended", log.RunIDKey, runID, log.RunStatusKey, string(status))
	return nil
}

func (c *MLflowClient) Close() error {
	return nil
}

func (c *MLflowClient) request(ctx context.Context) *resty.Request {
	return c.rest.R().SetContext(ctx).SetError(&apiError{})
}

func (c *MLflowClient) post(req *resty.Request, endpoint string) error {
	req.SetHeader("Content-Type", "application/json")
	return c.execute(req, http.MethodPost, endpoint, apiPrefix+endpoint)
}

// execute sends req and converts transport failures and error statuses into
// TrackingErrors named after endpoint.
func (c *MLflowClient) execute(req *resty.Request, method, endpoint, target string) error {
	start := time.Now()
	resp, err := req.Execute(method, target)
	elapsed := time.Since(start)

	status := 0
	if resp != nil {
		status = resp.StatusCode()
	}
	if c.observer != nil {
		c.observer.ObserveTrackingRequest(endpoint, status, elapsed)
	}

	if err != nil {
		return errors.NewTrackingError(endpoint, status, "", "", err)
	}
	if resp.IsError() {
		code, message := "", ""
		if apiErr, ok := resp.Error().(*apiError); ok && apiErr != nil {
			code, message = apiErr.ErrorCode, apiErr.Message
		}
		if code == "" && message == "" {
			message = truncate(strings.TrimSpace(resp.String()), maxErrorBodyLen)
		}
		return errors.NewTrackingError(endpoint, status, code, message, nil)
	}

	c.logger.Debug("Tracking request",
		log.EndpointKey, endpoint,
		"http.status_code", status,
		log.DurationMsKey, elapsed.Milliseconds(),
	)
	return nil
}

func (ri runInfo) toRun() *Run {
	return &Run{
		ID:           ri.RunID,
		ExperimentID: ri.ExperimentID,
		Name:         ri.RunName,
		Status:       RunStatus(ri.Status),
		StartTime:    fromMillis(ri.StartTime),
		EndTime:      fromMillis(ri.EndTime),
		ArtifactURI:  ri.ArtifactURI,
	}
}

// runTags adds the tags MLflow clients attach to every new run. Caller tags
// take precedence.
func runTags(name string, tags map[string]string) map[string]string {
	out := map[string]string{
		TagRunName:    name,
		TagSourceType: "LOCAL",
	}
	if len(os.Args) > 0 {
		out[TagSource] = os.Args[0]
	}
	if user := os.Getenv("USER"); user != "" {
		out[TagUser] = user
	}
	for k, v := range tags {
		out[k] = v
	}
	return out
}

// modelHistoryEntry is the JSON form of a logged model as stored in the
// mlflow.log-model.history tag.
func modelHistoryEntry(runID string, model *Model) map[string]any {
	entry := make(map[string]any, len(model.Descriptor)+3)
	for k, v := range model.Descriptor {
		entry[k] = v
	}
	entry["run_id"] = runID
	entry["artifact_path"] = model.ArtifactPath
	if _, ok := entry["utc_time_created"]; !ok {
		entry["utc_time_created"] = time.Now().UTC().Format("2006-01-02 15:04:05.000000")
	}
	return entry
}

func toKeyValues(m map[string]string) []keyValue {
	out := make([]keyValue, 0, len(m))
	for _, k := range sortedKeys(m) {
		out = append(out, keyValue{Key: k, Value: m[k]})
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func escapePath(p string) string {
	parts := strings.Split(strings.Trim(p, "/"), "/")
	for i, s := range parts {
		parts[i] = url.PathEscape(s)
	}
	return strings.Join(parts, "/")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
