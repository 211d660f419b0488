// Package ensemble provides tree ensembles with a scikit-learn-shaped API.
package ensemble

import (
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/YuminosukeSato/churnforest/core/model"
	"github.com/YuminosukeSato/churnforest/core/parallel"
	"github.com/YuminosukeSato/churnforest/pkg/errors"
	"github.com/YuminosukeSato/churnforest/pkg/log"
	"github.com/YuminosukeSato/churnforest/sklearn/tree"
	"gonum.org/v1/gonum/mat"
)

const modelName = "RandomForestClassifier"

var (
	_ model.Classifier         = (*RandomForestClassifier)(nil)
	_ model.ParameterGetter    = (*RandomForestClassifier)(nil)
	_ model.ParameterSetter    = (*RandomForestClassifier)(nil)
	_ model.WeightExporter     = (*RandomForestClassifier)(nil)
	_ model.FeatureImportancer = (*RandomForestClassifier)(nil)
)

// RandomForestClassifier fits decision trees on bootstrap samples and averages
// their class probabilities (soft voting), like scikit-learn's
// RandomForestClassifier.
type RandomForestClassifier struct {
	state *model.StateManager // State management (composition)

	// Hyperparameters
	nEstimators     int    // Number of trees
	criterion       string // "gini" or "entropy"
	maxDepth        int    // 0 means unlimited
	minSamplesSplit int
	minSamplesLeaf  int
	maxFeatures     string // "sqrt", "log2" or "all"
	bootstrap       bool
	randomState     int64 // negative means random
	nJobs           int   // worker bound, <= 0 uses every core

	onTreeFitted func(index int)

	// Fitted attributes
	estimators_         []*tree.DecisionTreeClassifier
	classes_            []float64
	nClasses_           int
	nFeatures_          int
	featureImportances_ []float64
}

// RandomForestOption is a functional option for RandomForestClassifier
type RandomForestOption func(*RandomForestClassifier)

// NewRandomForestClassifier creates a new RandomForestClassifier
func NewRandomForestClassifier(opts ...RandomForestOption) *RandomForestClassifier {
	rf := &RandomForestClassifier{
		state:           model.NewStateManager(),
		nEstimators:     100,
		criterion:       "gini",
		maxDepth:        0,
		minSamplesSplit: 2,
		minSamplesLeaf:  1,
		maxFeatures:     "sqrt",
		bootstrap:       true,
		randomState:     -1,
		nJobs:           0,
	}

	for _, opt := range opts {
		opt(rf)
	}

	return rf
}

// WithNEstimators sets the number of trees
func WithNEstimators(n int) RandomForestOption {
	return func(rf *RandomForestClassifier) {
		rf.nEstimators = n
	}
}

// WithCriterion sets the split criterion of every tree
func WithCriterion(criterion string) RandomForestOption {
	return func(rf *RandomForestClassifier) {
		rf.criterion = criterion
	}
}

// WithMaxDepth sets the maximum depth of every tree; 0 means unlimited
func WithMaxDepth(depth int) RandomForestOption {
	return func(rf *RandomForestClassifier) {
		rf.maxDepth = depth
	}
}

// WithMinSamplesSplit sets the minimum number of samples to split a node
func WithMinSamplesSplit(n int) RandomForestOption {
	return func(rf *RandomForestClassifier) {
		rf.minSamplesSplit = n
	}
}

// WithMinSamplesLeaf sets the minimum number of samples in a leaf
func WithMinSamplesLeaf(n int) RandomForestOption {
	return func(rf *RandomForestClassifier) {
		rf.minSamplesLeaf = n
	}
}

// WithMaxFeatures sets how many features each split considers: "sqrt", "log2" or "all"
func WithMaxFeatures(strategy string) RandomForestOption {
	return func(rf *RandomForestClassifier) {
		rf.maxFeatures = strategy
	}
}

// WithBootstrap toggles bootstrap sampling of the training rows
func WithBootstrap(bootstrap bool) RandomForestOption {
	return func(rf *RandomForestClassifier) {
		rf.bootstrap = bootstrap
	}
}

// WithRandomState sets the random seed
func WithRandomState(seed int64) RandomForestOption {
	return func(rf *RandomForestClassifier) {
		rf.randomState = seed
	}
}

// WithNJobs bounds the number of trees fitted concurrently
func WithNJobs(n int) RandomForestOption {
	return func(rf *RandomForestClassifier) {
		rf.nJobs = n
	}
}

// WithOnTreeFitted registers a callback invoked after each tree is fitted.
// It may be called concurrently from several workers.
func WithOnTreeFitted(fn func(index int)) RandomForestOption {
	return func(rf *RandomForestClassifier) {
		rf.onTreeFitted = fn
	}
}

func (rf *RandomForestClassifier) validateParams() error {
	if rf.nEstimators < 1 {
		return errors.NewValidationError("n_estimators", "must be >= 1", rf.nEstimators)
	}
	if rf.maxDepth < 0 {
		return errors.NewValidationError("max_depth", "must be >= 0 (0 means unlimited)", rf.maxDepth)
	}
	switch rf.maxFeatures {
	case "sqrt", "log2", "all":
	default:
		return errors.NewValidationError("max_features", "must be 'sqrt', 'log2' or 'all'", rf.maxFeatures)
	}
	return nil
}

// resolveMaxFeatures turns the max_features strategy into a feature count.
func (rf *RandomForestClassifier) resolveMaxFeatures(nFeatures int) int {
	var k int
	switch rf.maxFeatures {
	case "sqrt":
		k = int(math.Sqrt(float64(nFeatures)))
	case "log2":
		k = int(math.Log2(float64(nFeatures)))
	default:
		k = nFeatures
	}
	return max(1, min(k, nFeatures))
}

// Fit grows nEstimators trees. Per-tree seeds are drawn from random_state
// before the trees are distributed to workers, so the fitted forest does
// not depend on scheduling.
func (rf *RandomForestClassifier) Fit(X, y mat.Matrix) error {
	if err := rf.validateParams(); err != nil {
		return err
	}
	if X == nil || y == nil {
		return errors.NewValueError("RandomForestClassifier.Fit", "X and y must not be nil")
	}
	nSamples, nFeatures := X.Dims()
	if nSamples == 0 || nFeatures == 0 {
		return errors.Wrap(errors.ErrEmptyData, "RandomForestClassifier.Fit")
	}
	if yRows, _ := y.Dims(); yRows != nSamples {
		return errors.NewDimensionError("RandomForestClassifier.Fit", nSamples, yRows, 0)
	}

	logger := log.GetLoggerWithName("ensemble").With(log.ModelNameKey, modelName)
	start := time.Now()

	seed := uint64(rf.randomState)
	if rf.randomState < 0 {
		seed = rand.Uint64()
	}
	rng := rand.New(rand.NewPCG(seed, seed))
	seeds := make([]uint64, rf.nEstimators)
	for i := range seeds {
		seeds[i] = rng.Uint64()
	}

	maxFeatures := rf.resolveMaxFeatures(nFeatures)
	estimators := make([]*tree.DecisionTreeClassifier, rf.nEstimators)
	errs := make([]error, rf.nEstimators)

	parallel.ParallelizeN(rf.nEstimators, rf.nJobs, func(lo, hi int) {
		for i := lo; i < hi; i++ {
			errs[i] = errors.SafeExecute(fmt.Sprintf("RandomForestClassifier.Fit tree %d", i), func() error {
				est, err := rf.fitTree(X, y, nSamples, maxFeatures, seeds[i])
				if err != nil {
					return err
				}
				estimators[i] = est
				if rf.onTreeFitted != nil {
					rf.onTreeFitted(i)
				}
				return nil
			})
		}
	})
	for i, err := range errs {
		if err != nil {
			return errors.Wrapf(err, "fitting tree %d", i)
		}
	}

	rf.state.Reset()
	rf.estimators_ = estimators
	rf.classes_ = estimators[0].Classes()
	rf.nClasses_ = len(rf.classes_)
	rf.nFeatures_ = nFeatures
	rf.featureImportances_ = averageImportances(estimators, nFeatures)
	rf.state.SetDimensions(nFeatures, nSamples)
	rf.state.SetFitted()

	logger.Info("Forest fitted",
		log.OperationKey, log.OperationFit,
		log.SamplesKey, nSamples,
		log.FeaturesKey, nFeatures,
		log.ClassesKey, rf.nClasses_,
		log.NEstimatorsKey, rf.nEstimators,
		log.MaxDepthKey, rf.maxDepth,
		log.DurationMsKey, time.Since(start).Milliseconds(),
	)
	return nil
}

func (rf *RandomForestClassifier) fitTree(X, y mat.Matrix, nSamples, maxFeatures int, seed uint64) (*tree.DecisionTreeClassifier, error) {
	est := tree.NewDecisionTreeClassifier(
		tree.WithCriterion(rf.criterion),
		tree.WithMaxDepth(rf.maxDepth),
		tree.WithMinSamplesSplit(rf.minSamplesSplit),
		tree.WithMinSamplesLeaf(rf.minSamplesLeaf),
		tree.WithMaxFeatures(maxFeatures),
		tree.WithRandomState(int64(seed>>1)),
	)

	var weights []float64
	if rf.bootstrap {
		weights = make([]float64, nSamples)
		brng := rand.New(rand.NewPCG(seed, ^seed))
		for j := 0; j < nSamples; j++ {
			weights[brng.IntN(nSamples)]++
		}
	}

	if err := est.FitWeighted(X, y, weights); err != nil {
		return nil, err
	}
	return est, nil
}

func averageImportances(estimators []*tree.DecisionTreeClassifier, nFeatures int) []float64 {
	sum := make([]float64, nFeatures)
	for _, est := range estimators {
		for j, v := range est.GetFeatureImportances() {
			sum[j] += v
		}
	}
	total := 0.0
	for _, v := range sum {
		total += v
	}
	if total > 0 {
		for j := range sum {
			sum[j] /= total
		}
	}
	return sum
}

// PredictProba averages the class probabilities of all trees.
func (rf *RandomForestClassifier) PredictProba(X mat.Matrix) (mat.Matrix, error) {
	if err := rf.state.RequireFitted(modelName, "PredictProba"); err != nil {
		return nil, err
	}
	nSamples, nFeatures := X.Dims()
	if err := rf.state.RequireFeatures("RandomForestClassifier.PredictProba", nFeatures); err != nil {
		return nil, err
	}

	probas := make([]mat.Matrix, len(rf.estimators_))
	errs := make([]error, len(rf.estimators_))
	parallel.ParallelizeN(len(rf.estimators_), rf.nJobs, func(lo, hi int) {
		for i := lo; i < hi; i++ {
			probas[i], errs[i] = rf.estimators_[i].PredictProba(X)
		}
	})

	out := mat.NewDense(nSamples, rf.nClasses_, nil)
	for i, p := range probas {
		if errs[i] != nil {
			return nil, errors.Wrapf(errs[i], "tree %d", i)
		}
		out.Add(out, p)
	}
	out.Scale(1/float64(len(rf.estimators_)), out)
	return out, nil
}

// Predict returns the class with the highest averaged probability.
func (rf *RandomForestClassifier) Predict(X mat.Matrix) (mat.Matrix, error) {
	proba, err := rf.PredictProba(X)
	if err != nil {
		return nil, err
	}
	return tree.ArgmaxLabels(proba, rf.classes_), nil
}

// Score returns the mean accuracy on the given test data and labels.
func (rf *RandomForestClassifier) Score(X, y mat.Matrix) float64 {
	predictions, err := rf.Predict(X)
	if err != nil {
		return 0.0
	}

	nSamples, _ := X.Dims()
	if nSamples == 0 {
		return 0.0
	}
	correct := 0
	for i := 0; i < nSamples; i++ {
		if predictions.At(i, 0) == y.At(i, 0) {
			correct++
		}
	}
	return float64(correct) / float64(nSamples)
}

// Classes returns the sorted class labels seen during Fit.
func (rf *RandomForestClassifier) Classes() []float64 {
	return append([]float64(nil), rf.classes_...)
}

// FeatureImportances returns the mean impurity decrease per feature, normalized to sum to 1.
func (rf *RandomForestClassifier) FeatureImportances() []float64 {
	return append([]float64(nil), rf.featureImportances_...)
}

// Estimators returns the fitted trees.
func (rf *RandomForestClassifier) Estimators() []*tree.DecisionTreeClassifier {
	return append([]*tree.DecisionTreeClassifier(nil), rf.estimators_...)
}

// GetParams returns the hyperparameters of the forest.
func (rf *RandomForestClassifier) GetParams() map[string]interface{} {
	return map[string]interface{}{
		"n_estimators":      rf.nEstimators,
		"criterion":         rf.criterion,
		"max_depth":         rf.maxDepth,
		"min_samples_split": rf.minSamplesSplit,
		"min_samples_leaf":  rf.minSamplesLeaf,
		"max_features":      rf.maxFeatures,
		"bootstrap":         rf.bootstrap,
		"random_state":      rf.randomState,
		"n_jobs":            rf.nJobs,
	}
}

// SetParams sets hyperparameters by name. Values are not range-checked until Fit.
func (rf *RandomForestClassifier) SetParams(params map[string]interface{}) error {
	var err error
	for key, value := range params {
		switch key {
		case "n_estimators":
			rf.nEstimators, err = model.ParamInt(key, value)
		case "criterion":
			rf.criterion, err = model.ParamString(key, value)
		case "max_depth":
			rf.maxDepth, err = model.ParamInt(key, value)
		case "min_samples_split":
			rf.minSamplesSplit, err = model.ParamInt(key, value)
		case "min_samples_leaf":
			rf.minSamplesLeaf, err = model.ParamInt(key, value)
		case "max_features":
			rf.maxFeatures, err = model.ParamString(key, value)
		case "bootstrap":
			rf.bootstrap, err = model.ParamBool(key, value)
		case "random_state":
			rf.randomState, err = model.ParamInt64(key, value)
		case "n_jobs":
			rf.nJobs, err = model.ParamInt(key, value)
		default:
			return errors.NewValidationError(key, "unknown parameter", value)
		}
		if err != nil {
			return err
		}
	}
	return nil
}
