// Package churnforest trains a random forest churn classifier on tabular CSV
// data and records each training run in an experiment tracker.
//
// The library half offers a scikit-learn-like API on top of gonum matrices.
// The internal packages and the churnforest command wire it to a tracking
// backend (an MLflow server or a local bbolt file).
//
// # Installation
//
//	go install github.com/YuminosukeSato/churnforest/cmd/churnforest@latest
//
// # Quick Start
//
// Train with the default hyperparameters (505 trees, depth 37) and log the
// run to a local store:
//
//	churnforest run --data WA_Fn-UseC_-Telco-Customer-Churn.csv \
//	    --tracking-uri bolt://./mlruns.db
//
// Positional arguments override the hyperparameters:
//
//	churnforest run 200 12
//
// Using the forest directly:
//
//	package main
//
//	import (
//	    "fmt"
//	    "log"
//
//	    "github.com/YuminosukeSato/churnforest/sklearn/ensemble"
//	    "github.com/YuminosukeSato/churnforest/sklearn/model_selection"
//	    "gonum.org/v1/gonum/mat"
//	)
//
//	func main() {
//	    X := mat.NewDense(6, 2, []float64{1, 10, 2, 11, 3, 12, 7, 1, 8, 2, 9, 3})
//	    y := mat.NewDense(6, 1, []float64{0, 0, 0, 1, 1, 1})
//
//	    split, err := model_selection.TrainTestSplit(X, y, 0.33, 42)
//	    if err != nil {
//	        log.Fatal(err)
//	    }
//
//	    forest := ensemble.NewRandomForestClassifier(
//	        ensemble.WithNEstimators(100),
//	        ensemble.WithMaxDepth(8),
//	        ensemble.WithRandomState(42),
//	    )
//	    if err := forest.Fit(split.XTrain, split.YTrain); err != nil {
//	        log.Fatal(err)
//	    }
//	    fmt.Println("accuracy:", forest.Score(split.XTest, split.YTest))
//	}
//
// # Packages
//
//   - sklearn/tree: CART DecisionTreeClassifier
//   - sklearn/ensemble: RandomForestClassifier with bootstrap and soft voting
//   - sklearn/model_selection: seeded train/test split
//   - metrics: accuracy, precision, recall, F1, ROC AUC, log loss
//   - core/model: state management, parameter coercion, weight export
//   - core/parallel: bounded worker fan-out
//   - pkg/errors: typed errors on cockroachdb/errors
//   - pkg/log: slog and zerolog front ends
package churnforest
