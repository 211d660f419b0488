// Package cfg loads run settings from defaults, an optional YAML file, a .env
// file and environment variables, in that order of precedence (later wins).
package cfg

import (
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/YuminosukeSato/churnforest/pkg/errors"
	"github.com/YuminosukeSato/churnforest/pkg/log"
)

// Environment variables recognised by Load.
const (
	EnvConfigFile  = "CHURN_CONFIG_FILE"
	EnvTrackingURI = "MLFLOW_TRACKING_URI"
	EnvExperiment  = "MLFLOW_EXPERIMENT_NAME"
	EnvHTTPTimeout = "MLFLOW_HTTP_REQUEST_TIMEOUT" // seconds, as MLflow clients read it
	EnvToken       = "MLFLOW_TRACKING_TOKEN"
	EnvUsername    = "MLFLOW_TRACKING_USERNAME"
	EnvPassword    = "MLFLOW_TRACKING_PASSWORD"
	EnvDataPath    = "CHURN_DATA_PATH"
	EnvLabel       = "CHURN_LABEL"
	EnvTestSize    = "CHURN_TEST_SIZE"
	EnvRandomState = "CHURN_RANDOM_STATE"
	EnvRunPrefix   = "CHURN_RUN_PREFIX"
	EnvNJobs       = "CHURN_N_JOBS"
	EnvLogLevel    = "LOG_LEVEL"
	EnvMetricsFile = "CHURN_METRICS_FILE"
)

// Default values of a training run.
const (
	DefaultTrackingURI = "http://127.0.0.1:8080/"
	DefaultExperiment  = "Logging Model"
	DefaultDataPath    = "Membangun_model/WA_Fn-UseC_-Telco-Customer-Churn_preprocessing.csv"
	DefaultLabel       = "Churn"
	DefaultTestSize    = 0.2
	DefaultRandomState = 42
	DefaultRunPrefix   = "elastic_search"
	DefaultNEstimators = 505
	DefaultMaxDepth    = 37
	DefaultHTTPTimeout = 30 * time.Second
	DefaultLogLevel    = "info"
)

type Settings struct {
	TrackingURI string
	Experiment  string
	HTTPTimeout time.Duration

	// Credentials are read from the environment only.
	TrackingToken    string
	TrackingUsername string
	TrackingPassword string

	DataPath    string
	Label       string
	TestSize    float64
	RandomState uint64

	RunPrefix   string
	NEstimators int
	MaxDepth    int
	NJobs       int

	LogModel      bool
	LogConfidence bool
	Autolog       bool

	LogLevel    string
	MetricsFile string

	// ConfigFile is the YAML file the settings were read from, if any.
	ConfigFile string
}

type ConfigFile struct {
	Tracking struct {
		URI        string `yaml:"uri"`
		Experiment string `yaml:"experiment"`
		Timeout    string `yaml:"timeout"`
	} `yaml:"tracking"`

	Data struct {
		Path        string  `yaml:"path"`
		Label       string  `yaml:"label"`
		TestSize    float64 `yaml:"testSize"`
		RandomState *uint64 `yaml:"randomState"`
	} `yaml:"data"`

	Model struct {
		NEstimators *int `yaml:"nEstimators"`
		MaxDepth    *int `yaml:"maxDepth"`
		NJobs       int  `yaml:"nJobs"`
	} `yaml:"model"`

	Run struct {
		Prefix        string `yaml:"prefix"`
		LogModel      *bool  `yaml:"logModel"`
		LogConfidence *bool  `yaml:"logConfidence"`
		Autolog       *bool  `yaml:"autolog"`
	} `yaml:"run"`

	System struct {
		LogLevel    string `yaml:"logLevel"`
		MetricsFile string `yaml:"metricsFile"`
	} `yaml:"system"`
}

// Defaults returns the settings used when nothing is configured.
func Defaults() Settings {
	return Settings{
		TrackingURI:   DefaultTrackingURI,
		Experiment:    DefaultExperiment,
		HTTPTimeout:   DefaultHTTPTimeout,
		DataPath:      DefaultDataPath,
		Label:         DefaultLabel,
		TestSize:      DefaultTestSize,
		RandomState:   DefaultRandomState,
		RunPrefix:     DefaultRunPrefix,
		NEstimators:   DefaultNEstimators,
		MaxDepth:      DefaultMaxDepth,
		LogModel:      true,
		LogConfidence: true,
		Autolog:       true,
		LogLevel:      DefaultLogLevel,
	}
}

// Load builds Settings. configPath overrides CHURN_CONFIG_FILE; an empty
// path with no variable set skips the YAML layer. A .env file in the working
// directory is loaded first without overriding variables already set.
// The result is not validated: callers apply their own overrides and then
// call Validate.
func Load(configPath string) (Settings, error) {
	if err := loadDotEnv(".env"); err != nil {
		return Settings{}, err
	}

	s := Defaults()

	if configPath == "" {
		configPath = os.Getenv(EnvConfigFile)
	}
	if configPath != "" {
		if err := applyYAML(&s, configPath); err != nil {
			return Settings{}, err
		}
	}

	if err := applyEnv(&s); err != nil {
		return Settings{}, err
	}

	log.GetLoggerWithName("cfg").Debug("Settings loaded",
		log.ConfigFileKey, s.ConfigFile,
		log.TrackingURIKey, s.TrackingURI,
		log.ExperimentKey, s.Experiment,
		log.SourceKey, s.DataPath,
	)
	return s, nil
}

func loadDotEnv(path string) error {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrapf(err, "stat %s", path)
	}
	if err := godotenv.Load(path); err != nil {
		return errors.Wrapf(err, "failed to load %s", path)
	}
	return nil
}

func applyYAML(s *Settings, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "failed to read config file %s", path)
	}

	var config ConfigFile
	if err := yaml.Unmarshal(data, &config); err != nil {
		return errors.Wrapf(err, "failed to parse config file %s", path)
	}

	s.ConfigFile = path
	setString(&s.TrackingURI, config.Tracking.URI)
	setString(&s.Experiment, config.Tracking.Experiment)
	if config.Tracking.Timeout != "" {
		d, err := time.ParseDuration(config.Tracking.Timeout)
		if err != nil {
			return errors.NewValidationError("tracking.timeout", "invalid duration", config.Tracking.Timeout)
		}
		s.HTTPTimeout = d
	}

	setString(&s.DataPath, config.Data.Path)
	setString(&s.Label, config.Data.Label)
	if config.Data.TestSize != 0 {
		s.TestSize = config.Data.TestSize
	}
	if config.Data.RandomState != nil {
		s.RandomState = *config.Data.RandomState
	}

	if config.Model.NEstimators != nil {
		s.NEstimators = *config.Model.NEstimators
	}
	if config.Model.MaxDepth != nil {
		s.MaxDepth = *config.Model.MaxDepth
	}
	if config.Model.NJobs != 0 {
		s.NJobs = config.Model.NJobs
	}

	setString(&s.RunPrefix, config.Run.Prefix)
	setBool(&s.LogModel, config.Run.LogModel)
	setBool(&s.LogConfidence, config.Run.LogConfidence)
	setBool(&s.Autolog, config.Run.Autolog)

	setString(&s.LogLevel, config.System.LogLevel)
	setString(&s.MetricsFile, config.System.MetricsFile)
	return nil
}

func applyEnv(s *Settings) error {
	s.TrackingURI = getEnvOrDefault(EnvTrackingURI, s.TrackingURI)
	s.Experiment = getEnvOrDefault(EnvExperiment, s.Experiment)
	s.TrackingToken = os.Getenv(EnvToken)
	s.TrackingUsername = os.Getenv(EnvUsername)
	s.TrackingPassword = os.Getenv(EnvPassword)
	s.DataPath = getEnvOrDefault(EnvDataPath, s.DataPath)
	s.Label = getEnvOrDefault(EnvLabel, s.Label)
	s.RunPrefix = getEnvOrDefault(EnvRunPrefix, s.RunPrefix)
	s.LogLevel = getEnvOrDefault(EnvLogLevel, s.LogLevel)
	s.MetricsFile = getEnvOrDefault(EnvMetricsFile, s.MetricsFile)

	var err error
	if s.HTTPTimeout, err = getSecondsOrDefault(EnvHTTPTimeout, s.HTTPTimeout); err != nil {
		return err
	}
	if s.TestSize, err = getFloatOrDefault(EnvTestSize, s.TestSize); err != nil {
		return err
	}
	if s.RandomState, err = getUintOrDefault(EnvRandomState, s.RandomState); err != nil {
		return err
	}
	if s.NJobs, err = getIntOrDefault(EnvNJobs, s.NJobs); err != nil {
		return err
	}
	return nil
}

// Validate checks tracking and data settings. Hyperparameters are left to
// the estimator, which rejects invalid values when fitting.
func Validate(s *Settings) error {
	if s.TrackingURI == "" {
		return errors.NewValidationError("tracking_uri", "cannot be empty", s.TrackingURI)
	}
	u, err := url.Parse(s.TrackingURI)
	if err != nil {
		return errors.NewValidationError("tracking_uri", "invalid URI", s.TrackingURI)
	}
	switch u.Scheme {
	case "http", "https", "file", "bolt":
	default:
		return errors.NewValidationError("tracking_uri", "scheme must be http, https, file or bolt", s.TrackingURI)
	}
	if strings.TrimSpace(s.Experiment) == "" {
		return errors.NewValidationError("experiment", "cannot be empty", s.Experiment)
	}
	if s.HTTPTimeout <= 0 {
		return errors.NewValidationError("http_timeout", "must be positive", s.HTTPTimeout)
	}
	if s.DataPath == "" {
		return errors.NewValidationError("data_path", "cannot be empty", s.DataPath)
	}
	if s.Label == "" {
		return errors.NewValidationError("label", "cannot be empty", s.Label)
	}
	if s.TestSize <= 0 || s.TestSize >= 1 {
		return errors.NewValidationError("test_size", "must be in (0, 1)", s.TestSize)
	}
	if s.RunPrefix == "" {
		return errors.NewValidationError("run_prefix", "cannot be empty", s.RunPrefix)
	}
	if _, err := log.ParseLevel(s.LogLevel); err != nil {
		return err
	}
	return nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getSecondsOrDefault(key string, defaultValue time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue, nil
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d, nil
	}
	secs, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, errors.NewValidationError(key, "must be seconds or a duration", v)
	}
	return time.Duration(secs * float64(time.Second)), nil
}

func getIntOrDefault(key string, defaultValue int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return 0, errors.NewValidationError(key, "must be an integer", v)
	}
	return i, nil
}

func getUintOrDefault(key string, defaultValue uint64) (uint64, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue, nil
	}
	i, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, errors.NewValidationError(key, "must be a non-negative integer", v)
	}
	return i, nil
}

func getFloatOrDefault(key string, defaultValue float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, errors.NewValidationError(key, "must be a number", v)
	}
	return f, nil
}
