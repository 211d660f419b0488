package main

import (
	"encoding/csv"
	"io"
	"os"
	"strconv"

	"github.com/spf13/cobra"
	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/churnforest/core/model"
	"github.com/YuminosukeSato/churnforest/internal/dataset"
	"github.com/YuminosukeSato/churnforest/internal/runner"
	"github.com/YuminosukeSato/churnforest/metrics"
	"github.com/YuminosukeSato/churnforest/pkg/errors"
	"github.com/YuminosukeSato/churnforest/pkg/log"
	"github.com/YuminosukeSato/churnforest/sklearn/ensemble"
)

type predictFlags struct {
	model  string
	data   string
	label  string
	output string
}

func newPredictCmd(g *globalFlags) *cobra.Command {
	f := &predictFlags{}
	cmd := &cobra.Command{
		Use:   "predict --model model.json --data rows.csv",
		Short: "Score a CSV with an exported model",
		Long: `Score every row of a CSV with a model.json taken from a logged model
artifact. Columns are matched to the model's features by name. When --label
names a column of the file, the accuracy against it is logged.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := loadSettings(g, nil); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if f.output != "" {
				file, err := os.Create(f.output)
				if err != nil {
					return errors.Wrapf(err, "failed to create %s", f.output)
				}
				defer file.Close()
				out = file
			}
			return predict(f, out)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&f.model, "model", "", "model.json exported with the run")
	flags.StringVar(&f.data, "data", "", "CSV to score")
	flags.StringVar(&f.label, "label", "", "optional label column to evaluate against")
	flags.StringVarP(&f.output, "output", "o", "", "write predictions here instead of stdout")
	_ = cmd.MarkFlagRequired("model")
	_ = cmd.MarkFlagRequired("data")
	return cmd
}

func predict(f *predictFlags, out io.Writer) error {
	logger := log.GetLoggerWithName("predict")

	weights, err := model.LoadWeights(f.model)
	if err != nil {
		return err
	}
	rf := ensemble.NewRandomForestClassifier()
	if err := rf.ImportWeights(weights); err != nil {
		return err
	}

	ds, err := dataset.LoadCSV(f.data, f.label)
	if err != nil {
		return err
	}
	X := ds.X
	if len(weights.Features) > 0 {
		if X, err = ds.Select(weights.Features); err != nil {
			return err
		}
	}

	proba, err := rf.PredictProba(X)
	if err != nil {
		return err
	}
	yPred, err := rf.Predict(X)
	if err != nil {
		return err
	}

	if err := writePredictions(out, rf.Classes(), yPred, proba); err != nil {
		return err
	}

	if ds.Y != nil {
		yTrue, err := metrics.Column("predict", ds.Y, 0)
		if err != nil {
			return err
		}
		predVec, err := metrics.Column("predict", yPred, 0)
		if err != nil {
			return err
		}
		acc, err := metrics.Accuracy(yTrue, predVec)
		if err != nil {
			return err
		}
		logger.Info("Scored labelled data", log.SamplesKey, ds.Rows(), log.AccuracyKey, acc)
	}
	return nil
}

// writePredictions writes one row per sample: the predicted label followed by
// the probability of each class.
func writePredictions(out io.Writer, classes []float64, yPred, proba mat.Matrix) error {
	w := csv.NewWriter(out)
	header := []string{"prediction"}
	for _, c := range classes {
		header = append(header, "proba_"+runner.FormatLabel(c))
	}
	if err := w.Write(header); err != nil {
		return errors.Wrap(err, "failed to write predictions")
	}

	rows, _ := proba.Dims()
	record := make([]string, len(header))
	for i := 0; i < rows; i++ {
		record[0] = runner.FormatLabel(yPred.At(i, 0))
		for j := range classes {
			record[j+1] = strconv.FormatFloat(proba.At(i, j), 'f', 6, 64)
		}
		if err := w.Write(record); err != nil {
			return errors.Wrap(err, "failed to write predictions")
		}
	}
	w.Flush()
	return errors.Wrap(w.Error(), "failed to write predictions")
}
