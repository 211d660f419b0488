package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/YuminosukeSato/churnforest/internal/cfg"
	"github.com/YuminosukeSato/churnforest/internal/runner"
	"github.com/YuminosukeSato/churnforest/internal/telemetry"
	"github.com/YuminosukeSato/churnforest/internal/tracking"
	"github.com/YuminosukeSato/churnforest/pkg/log"
)

type runFlags struct {
	data         string
	trackingURI  string
	experiment   string
	label        string
	metricsFile  string
	nJobs        int
	noConfidence bool
	noModel      bool
	noAutolog    bool
}

func newRunCmd(g *globalFlags) *cobra.Command {
	f := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run [n_estimators] [max_depth]",
		Short: "Fit a random forest on the churn CSV and log it to the tracking sink",
		Long: `Fit a RandomForestClassifier on an 80/20 split of the churn CSV and log
parameters, metrics and the model artifact to a tracking run named
<prefix>_<n_estimators>_<max_depth>.

n_estimators defaults to 505 and max_depth to 37.`,
		Args: cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadSettings(g, func(s *cfg.Settings) { f.apply(cmd, s) })
			if err != nil {
				return err
			}
			params, err := runner.ParseArgs(args, runner.Params{NEstimators: s.NEstimators, MaxDepth: s.MaxDepth})
			if err != nil {
				return err
			}
			return runTraining(cmd, s, params)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&f.data, "data", "", "training CSV (default "+cfg.DefaultDataPath+")")
	flags.StringVar(&f.trackingURI, "tracking-uri", "", "http(s):// MLflow server or file:// / bolt:// run log")
	flags.StringVar(&f.experiment, "experiment", "", "experiment name")
	flags.StringVar(&f.label, "label", "", "label column")
	flags.StringVar(&f.metricsFile, "metrics-file", "", "write Prometheus metrics to this textfile")
	flags.IntVar(&f.nJobs, "n-jobs", 0, "trees fitted in parallel, 0 uses every core")
	flags.BoolVar(&f.noConfidence, "no-confidence", false, "do not log per-class mean confidence")
	flags.BoolVar(&f.noModel, "no-model", false, "do not log the model artifact")
	flags.BoolVar(&f.noAutolog, "no-autolog", false, "log only n_estimators, max_depth and test metrics")
	return cmd
}

// apply copies flags the user actually passed over s.
func (f *runFlags) apply(cmd *cobra.Command, s *cfg.Settings) {
	flags := cmd.Flags()
	if flags.Changed("data") {
		s.DataPath = f.data
	}
	if flags.Changed("tracking-uri") {
		s.TrackingURI = f.trackingURI
	}
	if flags.Changed("experiment") {
		s.Experiment = f.experiment
	}
	if flags.Changed("label") {
		s.Label = f.label
	}
	if flags.Changed("metrics-file") {
		s.MetricsFile = f.metricsFile
	}
	if flags.Changed("n-jobs") {
		s.NJobs = f.nJobs
	}
	if f.noConfidence {
		s.LogConfidence = false
	}
	if f.noModel {
		s.LogModel = false
	}
	if f.noAutolog {
		s.Autolog = false
	}
}

func runTraining(cmd *cobra.Command, s cfg.Settings, params runner.Params) (err error) {
	ctx := cmd.Context()
	logger := log.GetLoggerWithName("cli")
	m := telemetry.New()

	if s.MetricsFile != "" {
		defer func() {
			if werr := m.WriteTextfile(s.MetricsFile); werr != nil {
				logger.Warn("Failed to write metrics file", log.ErrorTypeKey, werr.Error())
			}
		}()
	}

	tracker, err := tracking.Open(ctx, tracking.Config{
		URI:        s.TrackingURI,
		Experiment: s.Experiment,
		Timeout:    s.HTTPTimeout,
		Token:      s.TrackingToken,
		Username:   s.TrackingUsername,
		Password:   s.TrackingPassword,
		Observer:   m,
	})
	if err != nil {
		m.RunEnded(err)
		return err
	}
	defer func() {
		if cerr := tracker.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	logger.Info("Starting run",
		log.TrackingURIKey, s.TrackingURI,
		log.ExperimentKey, s.Experiment,
		log.SourceKey, s.DataPath,
		log.NEstimatorsKey, params.NEstimators,
		log.MaxDepthKey, params.MaxDepth,
		log.RandomSeedKey, s.RandomState,
	)

	start := time.Now()
	res, err := runner.New(tracker, runner.Options{
		DataPath:      s.DataPath,
		Label:         s.Label,
		TestSize:      s.TestSize,
		RandomState:   s.RandomState,
		RunPrefix:     s.RunPrefix,
		NJobs:         s.NJobs,
		LogModel:      s.LogModel,
		LogConfidence: s.LogConfidence,
		Autolog:       s.Autolog,
	}, m).Run(ctx, params)
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "run %s (%s) finished in %s: accuracy=%.4f train=%d test=%d\n",
		res.RunName, res.RunID, time.Since(start).Round(time.Millisecond),
		res.Metrics[runner.MetricAccuracy], res.TrainSamples, res.TestSamples)
	return nil
}
