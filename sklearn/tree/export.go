package tree

import (
	"github.com/YuminosukeSato/churnforest/core/model"
	"github.com/YuminosukeSato/churnforest/pkg/errors"
)

// ExportTree returns a deep copy of the fitted node array.
func (dt *DecisionTreeClassifier) ExportTree() (*model.TreeWeights, error) {
	if err := dt.state.RequireFitted(modelName, "ExportTree"); err != nil {
		return nil, err
	}
	nodes := make([]model.TreeNode, len(dt.nodes_))
	for i, n := range dt.nodes_ {
		n.Value = append([]float64(nil), n.Value...)
		nodes[i] = n
	}
	return &model.TreeWeights{Nodes: nodes}, nil
}

// ImportTree restores a fitted tree from its node array. classes and
// nFeatures describe the training data the nodes were grown on.
func (dt *DecisionTreeClassifier) ImportTree(tw *model.TreeWeights, classes []float64, nFeatures int) error {
	if tw == nil || len(tw.Nodes) == 0 {
		return errors.NewValueError("DecisionTreeClassifier.ImportTree", "tree has no nodes")
	}
	w := &model.ModelWeights{
		ModelType: modelName,
		Version:   model.WeightsVersion,
		Classes:   classes,
		NFeatures: nFeatures,
		Trees:     []model.TreeWeights{*tw},
		IsFitted:  true,
	}
	if err := w.Validate(); err != nil {
		return errors.Wrap(err, "DecisionTreeClassifier.ImportTree")
	}

	nodes := make([]model.TreeNode, len(tw.Nodes))
	copy(nodes, tw.Nodes)

	dt.nodes_ = nodes
	dt.classes_ = append([]float64(nil), classes...)
	dt.nClasses_ = len(classes)
	dt.nFeatures_ = nFeatures
	dt.depth_, dt.nLeaves_ = treeShape(nodes, 0, 0)
	dt.featureImportances_ = normalize(importancesFromNodes(nodes, nFeatures))
	dt.state.Reset()
	dt.state.SetDimensions(nFeatures, int(nodes[0].Samples))
	dt.state.SetFitted()
	return nil
}

// ExportWeights implements model.WeightExporter.
func (dt *DecisionTreeClassifier) ExportWeights() (*model.ModelWeights, error) {
	tw, err := dt.ExportTree()
	if err != nil {
		return nil, err
	}
	return &model.ModelWeights{
		ModelType:          modelName,
		Version:            model.WeightsVersion,
		Classes:            dt.Classes(),
		NFeatures:          dt.nFeatures_,
		Trees:              []model.TreeWeights{*tw},
		FeatureImportances: dt.GetFeatureImportances(),
		Hyperparameters:    dt.GetParams(),
		IsFitted:           true,
	}, nil
}

// ImportWeights implements model.WeightExporter.
func (dt *DecisionTreeClassifier) ImportWeights(weights *model.ModelWeights) error {
	if weights == nil {
		return errors.NewValueError("DecisionTreeClassifier.ImportWeights", "weights are nil")
	}
	if weights.ModelType != modelName {
		return errors.NewValidationError("model_type", "expected "+modelName, weights.ModelType)
	}
	if len(weights.Trees) != 1 {
		return errors.NewValidationError("trees", "a decision tree has exactly one tree", len(weights.Trees))
	}
	if len(weights.Hyperparameters) > 0 {
		if err := dt.SetParams(weights.Hyperparameters); err != nil {
			return err
		}
	}
	return dt.ImportTree(&weights.Trees[0], weights.Classes, weights.NFeatures)
}

func treeShape(nodes []model.TreeNode, id, depth int) (maxDepth, leaves int) {
	n := nodes[id]
	if n.IsLeaf() {
		return depth, 1
	}
	ld, ll := treeShape(nodes, n.Left, depth+1)
	rd, rl := treeShape(nodes, n.Right, depth+1)
	return max(ld, rd), ll + rl
}

func importancesFromNodes(nodes []model.TreeNode, nFeatures int) []float64 {
	imp := make([]float64, nFeatures)
	for _, n := range nodes {
		if n.IsLeaf() {
			continue
		}
		l, r := nodes[n.Left], nodes[n.Right]
		imp[n.Feature] += n.Samples*n.Impurity - l.Samples*l.Impurity - r.Samples*r.Impurity
	}
	return imp
}
