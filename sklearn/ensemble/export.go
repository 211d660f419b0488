package ensemble

import (
	"fmt"

	"github.com/YuminosukeSato/churnforest/core/model"
	"github.com/YuminosukeSato/churnforest/pkg/errors"
	"github.com/YuminosukeSato/churnforest/sklearn/tree"
)

// ExportWeights implements model.WeightExporter.
func (rf *RandomForestClassifier) ExportWeights() (*model.ModelWeights, error) {
	if err := rf.state.RequireFitted(modelName, "ExportWeights"); err != nil {
		return nil, err
	}

	trees := make([]model.TreeWeights, len(rf.estimators_))
	for i, est := range rf.estimators_ {
		tw, err := est.ExportTree()
		if err != nil {
			return nil, errors.NewModelError("RandomForestClassifier.ExportWeights", fmt.Sprintf("export tree %d", i), err)
		}
		trees[i] = *tw
	}

	_, nSamples := rf.state.GetDimensions()
	return &model.ModelWeights{
		ModelType:          modelName,
		Version:            model.WeightsVersion,
		Classes:            rf.Classes(),
		NFeatures:          rf.nFeatures_,
		Trees:              trees,
		FeatureImportances: rf.FeatureImportances(),
		Hyperparameters:    rf.GetParams(),
		Metadata:           map[string]interface{}{"n_samples": nSamples},
		IsFitted:           true,
	}, nil
}

// ImportWeights implements model.WeightExporter.
func (rf *RandomForestClassifier) ImportWeights(weights *model.ModelWeights) error {
	if weights == nil {
		return errors.NewValueError("RandomForestClassifier.ImportWeights", "weights are nil")
	}
	if weights.ModelType != modelName {
		return errors.NewValidationError("model_type", "expected "+modelName, weights.ModelType)
	}
	if err := weights.Validate(); err != nil {
		return errors.NewModelError("RandomForestClassifier.ImportWeights", "invalid weights", err)
	}
	if len(weights.Hyperparameters) > 0 {
		if err := rf.SetParams(weights.Hyperparameters); err != nil {
			return err
		}
	}

	estimators := make([]*tree.DecisionTreeClassifier, len(weights.Trees))
	for i := range weights.Trees {
		est := tree.NewDecisionTreeClassifier()
		if err := est.ImportTree(&weights.Trees[i], weights.Classes, weights.NFeatures); err != nil {
			return errors.NewModelError("RandomForestClassifier.ImportWeights", fmt.Sprintf("import tree %d", i), err)
		}
		estimators[i] = est
	}

	nSamples := 0
	if v, ok := weights.Metadata["n_samples"]; ok {
		nSamples, _ = model.ParamInt("n_samples", v)
	}

	rf.state.Reset()
	rf.estimators_ = estimators
	rf.nEstimators = len(estimators)
	rf.classes_ = append([]float64(nil), weights.Classes...)
	rf.nClasses_ = len(weights.Classes)
	rf.nFeatures_ = weights.NFeatures
	if len(weights.FeatureImportances) == weights.NFeatures {
		rf.featureImportances_ = append([]float64(nil), weights.FeatureImportances...)
	} else {
		rf.featureImportances_ = averageImportances(estimators, weights.NFeatures)
	}
	rf.state.SetDimensions(weights.NFeatures, nSamples)
	rf.state.SetFitted()
	return nil
}
