package main

import (
	"fmt"
	"net/url"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/YuminosukeSato/churnforest/internal/cfg"
	"github.com/YuminosukeSato/churnforest/internal/runner"
	"github.com/YuminosukeSato/churnforest/internal/tracking"
	"github.com/YuminosukeSato/churnforest/pkg/errors"
)

func newRunsCmd(g *globalFlags) *cobra.Command {
	var trackingURI, experiment string
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List runs recorded in a local run log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := loadSettings(g, func(s *cfg.Settings) {
				if cmd.Flags().Changed("tracking-uri") {
					s.TrackingURI = trackingURI
				}
				if cmd.Flags().Changed("experiment") {
					s.Experiment = experiment
				}
			})
			if err != nil {
				return err
			}

			u, err := url.Parse(s.TrackingURI)
			if err != nil || (u.Scheme != "file" && u.Scheme != "bolt") {
				return errors.NewValidationError("tracking_uri", "runs lists file:// or bolt:// run logs; use the MLflow UI for servers", s.TrackingURI)
			}
			tracker, err := tracking.Open(cmd.Context(), tracking.Config{URI: s.TrackingURI, Experiment: s.Experiment})
			if err != nil {
				return err
			}
			defer tracker.Close()

			store, ok := tracker.(*tracking.Store)
			if !ok {
				return errors.Newf("unexpected tracker %T", tracker)
			}
			return listRuns(cmd, store)
		},
	}
	cmd.Flags().StringVar(&trackingURI, "tracking-uri", "", "file:// or bolt:// run log")
	cmd.Flags().StringVar(&experiment, "experiment", "", "experiment name")
	return cmd
}

func listRuns(cmd *cobra.Command, store *tracking.Store) error {
	runs, err := store.Runs()
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "RUN ID\tNAME\tSTATUS\tSTARTED\tACCURACY")
	for _, run := range runs {
		details, err := store.Run(run.ID)
		if err != nil {
			return err
		}
		accuracy := "-"
		for _, m := range details.Metrics {
			if m.Key == runner.MetricAccuracy {
				accuracy = fmt.Sprintf("%.4f", m.Value)
			}
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			run.ID, run.Name, run.Status, run.StartTime.Format(time.RFC3339), accuracy)
	}
	return w.Flush()
}
