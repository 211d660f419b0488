// Package model_selection provides utilities to split datasets for evaluation.
package model_selection

import (
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/YuminosukeSato/churnforest/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// Split holds the partitions produced by TrainTestSplit. TrainIndices and
// TestIndices refer to rows of the original X.
type Split struct {
	XTrain, XTest *mat.Dense
	YTrain, YTest *mat.Dense

	TrainIndices []int
	TestIndices  []int
}

// TrainTestSplit shuffles the rows of X and y with a PCG generator seeded by
// randomState and holds out ceil(n*testSize) rows for testing. The same seed
// always yields the same partition; no row appears in both.
func TrainTestSplit(X, y mat.Matrix, testSize float64, randomState uint64) (*Split, error) {
	if X == nil || y == nil {
		return nil, errors.NewValueError("TrainTestSplit", "X and y must not be nil")
	}
	if testSize <= 0 || testSize >= 1 || math.IsNaN(testSize) {
		return nil, errors.NewValidationError("test_size", "must be in (0, 1)", testSize)
	}

	nSamples, nFeatures := X.Dims()
	if nSamples == 0 || nFeatures == 0 {
		return nil, errors.Wrap(errors.ErrEmptyData, "TrainTestSplit")
	}
	yRows, yCols := y.Dims()
	if yRows != nSamples {
		return nil, errors.NewDimensionError("TrainTestSplit", nSamples, yRows, 0)
	}

	nTest := int(math.Ceil(float64(nSamples) * testSize))
	nTrain := nSamples - nTest
	if nTest == 0 || nTrain == 0 {
		return nil, errors.NewValueError("TrainTestSplit",
			fmt.Sprintf("n_samples=%d with test_size=%v leaves an empty partition", nSamples, testSize))
	}

	indices := make([]int, nSamples)
	for i := range indices {
		indices[i] = i
	}
	r := rand.New(rand.NewPCG(randomState, randomState))
	r.Shuffle(len(indices), func(i, j int) {
		indices[i], indices[j] = indices[j], indices[i]
	})

	testIdx := append([]int(nil), indices[:nTest]...)
	trainIdx := append([]int(nil), indices[nTest:]...)

	return &Split{
		XTrain:       takeRows(X, trainIdx, nFeatures),
		XTest:        takeRows(X, testIdx, nFeatures),
		YTrain:       takeRows(y, trainIdx, yCols),
		YTest:        takeRows(y, testIdx, yCols),
		TrainIndices: trainIdx,
		TestIndices:  testIdx,
	}, nil
}

func takeRows(m mat.Matrix, rows []int, cols int) *mat.Dense {
	out := mat.NewDense(len(rows), cols, nil)
	for i, r := range rows {
		for j := 0; j < cols; j++ {
			out.Set(i, j, m.At(r, j))
		}
	}
	return out
}
