package tree

import (
	"math/rand/v2"
	"sort"

	"github.com/YuminosukeSato/churnforest/core/model"
	"github.com/YuminosukeSato/churnforest/pkg/errors"
	"github.com/YuminosukeSato/churnforest/pkg/log"
	"gonum.org/v1/gonum/mat"
)

const modelName = "DecisionTreeClassifier"

var (
	_ model.Classifier         = (*DecisionTreeClassifier)(nil)
	_ model.ParameterGetter    = (*DecisionTreeClassifier)(nil)
	_ model.ParameterSetter    = (*DecisionTreeClassifier)(nil)
	_ model.WeightExporter     = (*DecisionTreeClassifier)(nil)
	_ model.FeatureImportancer = (*DecisionTreeClassifier)(nil)
)

// DecisionTreeClassifier is a CART classification tree compatible with
// scikit-learn's DecisionTreeClassifier.
type DecisionTreeClassifier struct {
	state *model.StateManager // State management (composition)

	// Hyperparameters
	criterion       string // "gini" or "entropy"
	maxDepth        int    // 0 means unlimited
	minSamplesSplit int    // Minimum samples required to split an internal node
	minSamplesLeaf  int    // Minimum samples required in each leaf
	maxFeatures     int    // Features considered per split, 0 means all
	randomState     int64  // Seed for feature sampling, negative means random

	// Fitted attributes
	nodes_              []model.TreeNode
	classes_            []float64
	nClasses_           int
	nFeatures_          int
	featureImportances_ []float64
	depth_              int
	nLeaves_            int
}

// DecisionTreeOption is a functional option for DecisionTreeClassifier
type DecisionTreeOption func(*DecisionTreeClassifier)

// NewDecisionTreeClassifier creates a new DecisionTreeClassifier
func NewDecisionTreeClassifier(opts ...DecisionTreeOption) *DecisionTreeClassifier {
	dt := &DecisionTreeClassifier{
		state:           model.NewStateManager(),
		criterion:       "gini",
		maxDepth:        0,
		minSamplesSplit: 2,
		minSamplesLeaf:  1,
		maxFeatures:     0,
		randomState:     -1,
	}

	for _, opt := range opts {
		opt(dt)
	}

	return dt
}

// WithCriterion sets the impurity measure ("gini" or "entropy")
func WithCriterion(criterion string) DecisionTreeOption {
	return func(dt *DecisionTreeClassifier) {
		dt.criterion = criterion
	}
}

// WithMaxDepth sets the maximum depth of the tree; 0 grows until leaves are pure
func WithMaxDepth(depth int) DecisionTreeOption {
	return func(dt *DecisionTreeClassifier) {
		dt.maxDepth = depth
	}
}

// WithMinSamplesSplit sets the minimum number of samples to split a node
func WithMinSamplesSplit(n int) DecisionTreeOption {
	return func(dt *DecisionTreeClassifier) {
		dt.minSamplesSplit = n
	}
}

// WithMinSamplesLeaf sets the minimum number of samples in a leaf
func WithMinSamplesLeaf(n int) DecisionTreeOption {
	return func(dt *DecisionTreeClassifier) {
		dt.minSamplesLeaf = n
	}
}

// WithMaxFeatures sets the number of features drawn at each split
func WithMaxFeatures(n int) DecisionTreeOption {
	return func(dt *DecisionTreeClassifier) {
		dt.maxFeatures = n
	}
}

// WithRandomState sets the random seed
func WithRandomState(seed int64) DecisionTreeOption {
	return func(dt *DecisionTreeClassifier) {
		dt.randomState = seed
	}
}

// Fit builds the tree from the training set (X, y).
func (dt *DecisionTreeClassifier) Fit(X, y mat.Matrix) error {
	return dt.FitWeighted(X, y, nil)
}

// FitWeighted builds the tree with per-sample weights. Rows with zero weight
// only contribute their label to Classes(). A nil sampleWeight weights every
// row by one; bootstrap counts are the typical non-trivial input.
func (dt *DecisionTreeClassifier) FitWeighted(X, y mat.Matrix, sampleWeight []float64) error {
	if err := dt.validateParams(); err != nil {
		return err
	}

	ts, err := newTrainingSet("DecisionTreeClassifier.Fit", X, y)
	if err != nil {
		return err
	}

	weights := sampleWeight
	if weights == nil {
		weights = make([]float64, ts.n)
		for i := range weights {
			weights[i] = 1
		}
	}
	if len(weights) != ts.n {
		return errors.NewDimensionError("DecisionTreeClassifier.Fit", ts.n, len(weights), 0)
	}

	idx := make([]int, 0, ts.n)
	for i, w := range weights {
		if w < 0 {
			return errors.NewValidationError("sample_weight", "must be non-negative", w)
		}
		if w > 0 {
			idx = append(idx, i)
		}
	}
	if len(idx) == 0 {
		return errors.NewValueError("DecisionTreeClassifier.Fit", "sample weights sum to zero")
	}

	seed := uint64(dt.randomState)
	if dt.randomState < 0 {
		seed = rand.Uint64()
	}

	b := &builder{
		ts:              ts,
		w:               weights,
		criterion:       dt.criterion,
		maxDepth:        dt.maxDepth,
		minSamplesSplit: dt.minSamplesSplit,
		minSamplesLeaf:  dt.minSamplesLeaf,
		maxFeatures:     dt.maxFeatures,
		rng:             rand.New(rand.NewPCG(seed, seed)),
		importances:     make([]float64, ts.d),
	}
	b.build(idx, 0)

	dt.state.Reset()
	dt.nodes_ = b.nodes
	dt.classes_ = ts.classes
	dt.nClasses_ = len(ts.classes)
	dt.nFeatures_ = ts.d
	dt.depth_ = b.depth
	dt.nLeaves_ = b.leaves
	dt.featureImportances_ = normalize(b.importances)
	dt.state.SetDimensions(ts.d, len(idx))
	dt.state.SetFitted()

	log.GetLoggerWithName("tree").Debug("Tree fitted",
		log.ModelNameKey, modelName,
		log.SamplesKey, len(idx),
		log.FeaturesKey, ts.d,
		"tree.depth", dt.depth_,
		"tree.leaves", dt.nLeaves_,
	)
	return nil
}

func (dt *DecisionTreeClassifier) validateParams() error {
	if dt.criterion != "gini" && dt.criterion != "entropy" {
		return errors.NewValidationError("criterion", "must be 'gini' or 'entropy'", dt.criterion)
	}
	if dt.maxDepth < 0 {
		return errors.NewValidationError("max_depth", "must be >= 0 (0 means unlimited)", dt.maxDepth)
	}
	if dt.minSamplesSplit < 2 {
		return errors.NewValidationError("min_samples_split", "must be >= 2", dt.minSamplesSplit)
	}
	if dt.minSamplesLeaf < 1 {
		return errors.NewValidationError("min_samples_leaf", "must be >= 1", dt.minSamplesLeaf)
	}
	if dt.maxFeatures < 0 {
		return errors.NewValidationError("max_features", "must be >= 0", dt.maxFeatures)
	}
	return nil
}

// Predict returns the most probable class label for each row of X.
func (dt *DecisionTreeClassifier) Predict(X mat.Matrix) (mat.Matrix, error) {
	proba, err := dt.PredictProba(X)
	if err != nil {
		return nil, err
	}
	return ArgmaxLabels(proba, dt.classes_), nil
}

// PredictProba returns the class distribution of the leaf each row falls in.
// Columns follow Classes().
func (dt *DecisionTreeClassifier) PredictProba(X mat.Matrix) (mat.Matrix, error) {
	if err := dt.state.RequireFitted(modelName, "PredictProba"); err != nil {
		return nil, err
	}
	nSamples, nFeatures := X.Dims()
	if err := dt.state.RequireFeatures("DecisionTreeClassifier.PredictProba", nFeatures); err != nil {
		return nil, err
	}

	probas := mat.NewDense(nSamples, dt.nClasses_, nil)
	for i := 0; i < nSamples; i++ {
		probas.SetRow(i, dt.leaf(X, i).Value)
	}
	return probas, nil
}

// leaf walks row i of X down to its leaf.
func (dt *DecisionTreeClassifier) leaf(X mat.Matrix, i int) *model.TreeNode {
	node := &dt.nodes_[0]
	for !node.IsLeaf() {
		if X.At(i, node.Feature) <= node.Threshold {
			node = &dt.nodes_[node.Left]
		} else {
			node = &dt.nodes_[node.Right]
		}
	}
	return node
}

// Score returns the mean accuracy on the given test data and labels.
func (dt *DecisionTreeClassifier) Score(X, y mat.Matrix) float64 {
	predictions, err := dt.Predict(X)
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
func (dt *DecisionTreeClassifier) Classes() []float64 {
	return append([]float64(nil), dt.classes_...)
}

// GetFeatureImportances returns the normalized impurity decrease per feature.
func (dt *DecisionTreeClassifier) GetFeatureImportances() []float64 {
	return append([]float64(nil), dt.featureImportances_...)
}

// FeatureImportances implements model.FeatureImportancer.
func (dt *DecisionTreeClassifier) FeatureImportances() []float64 {
	return dt.GetFeatureImportances()
}

// GetDepth returns the depth of the fitted tree; a single leaf has depth 0.
func (dt *DecisionTreeClassifier) GetDepth() int {
	return dt.depth_
}

// GetNLeaves returns the number of leaves of the fitted tree.
func (dt *DecisionTreeClassifier) GetNLeaves() int {
	return dt.nLeaves_
}

// GetParams returns the hyperparameters of the tree.
func (dt *DecisionTreeClassifier) GetParams() map[string]interface{} {
	return map[string]interface{}{
		"criterion":         dt.criterion,
		"max_depth":         dt.maxDepth,
		"min_samples_split": dt.minSamplesSplit,
		"min_samples_leaf":  dt.minSamplesLeaf,
		"max_features":      dt.maxFeatures,
		"random_state":      dt.randomState,
	}
}

// SetParams sets hyperparameters by name. Values are not range-checked until Fit.
func (dt *DecisionTreeClassifier) SetParams(params map[string]interface{}) error {
	var err error
	for key, value := range params {
		switch key {
		case "criterion":
			dt.criterion, err = model.ParamString(key, value)
		case "max_depth":
			dt.maxDepth, err = model.ParamInt(key, value)
		case "min_samples_split":
			dt.minSamplesSplit, err = model.ParamInt(key, value)
		case "min_samples_leaf":
			dt.minSamplesLeaf, err = model.ParamInt(key, value)
		case "max_features":
			dt.maxFeatures, err = model.ParamInt(key, value)
		case "random_state":
			dt.randomState, err = model.ParamInt64(key, value)
		default:
			return errors.NewValidationError(key, "unknown parameter", value)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// ArgmaxLabels maps each row of an (n, n_classes) probability matrix to the
// label of its largest column. Ties go to the smaller label.
func ArgmaxLabels(proba mat.Matrix, classes []float64) *mat.Dense {
	rows, cols := proba.Dims()
	out := mat.NewDense(rows, 1, nil)
	for i := 0; i < rows; i++ {
		best := 0
		for j := 1; j < cols; j++ {
			if proba.At(i, j) > proba.At(i, best) {
				best = j
			}
		}
		out.Set(i, 0, classes[best])
	}
	return out
}

// UniqueLabels returns the sorted distinct values of column 0 of y.
func UniqueLabels(y mat.Matrix) []float64 {
	rows, _ := y.Dims()
	seen := make(map[float64]struct{})
	for i := 0; i < rows; i++ {
		seen[y.At(i, 0)] = struct{}{}
	}
	classes := make([]float64, 0, len(seen))
	for c := range seen {
		classes = append(classes, c)
	}
	sort.Float64s(classes)
	return classes
}

func normalize(v []float64) []float64 {
	out := make([]float64, len(v))
	total := 0.0
	for _, x := range v {
		total += x
	}
	for i, x := range v {
		out[i] = errors.SafeDivide(x, total)
	}
	return out
}
