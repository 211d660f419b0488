package model

import (
	"bytes"
	"path/filepath"
	"testing"
)

func sampleWeights() *ModelWeights {
	return &ModelWeights{
		ModelType: "DecisionTreeClassifier",
		Version:   WeightsVersion,
		Classes:   []float64{0, 1},
		NFeatures: 2,
		Features:  []string{"tenure", "MonthlyCharges"},
		Trees: []TreeWeights{{Nodes: []TreeNode{
			{Feature: 0, Threshold: 12.5, Left: 1, Right: 2, Value: []float64{0.5, 0.5}, Impurity: 0.5, Samples: 4},
			{Feature: -1, Value: []float64{0, 1}, Samples: 2},
			{Feature: -1, Value: []float64{1, 0}, Samples: 2},
		}}},
		FeatureImportances: []float64{1, 0},
		Hyperparameters:    map[string]interface{}{"criterion": "gini", "max_depth": 3},
		IsFitted:           true,
	}
}

func TestModelWeightsValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*ModelWeights)
		wantErr bool
	}{
		{"valid", func(*ModelWeights) {}, false},
		{"missing type", func(w *ModelWeights) { w.ModelType = "" }, true},
		{"missing version", func(w *ModelWeights) { w.Version = "" }, true},
		{"fitted without trees", func(w *ModelWeights) { w.Trees = nil }, true},
		{"unfitted with trees", func(w *ModelWeights) { w.IsFitted = false }, true},
		{"no classes", func(w *ModelWeights) { w.Classes = nil }, true},
		{"value width", func(w *ModelWeights) { w.Trees[0].Nodes[1].Value = []float64{1} }, true},
		{"feature out of range", func(w *ModelWeights) { w.Trees[0].Nodes[0].Feature = 5 }, true},
		{"child points backwards", func(w *ModelWeights) { w.Trees[0].Nodes[0].Left = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := sampleWeights()
			tt.mutate(w)
			err := w.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestModelWeightsCloneIsDeep(t *testing.T) {
	w := sampleWeights()
	c := w.Clone()

	c.Trees[0].Nodes[1].Value[0] = 42
	c.Classes[0] = 7
	c.Hyperparameters["criterion"] = "entropy"

	if w.Trees[0].Nodes[1].Value[0] != 0 {
		t.Error("clone shares node values with original")
	}
	if w.Classes[0] != 0 {
		t.Error("clone shares classes with original")
	}
	if w.Hyperparameters["criterion"] != "gini" {
		t.Error("clone shares hyperparameters with original")
	}
}

func TestModelWeightsHashStable(t *testing.T) {
	h1, err := sampleWeights().Hash()
	if err != nil {
		t.Fatal(err)
	}
	h2, _ := sampleWeights().Hash()
	if h1 != h2 {
		t.Errorf("hash not deterministic: %s vs %s", h1, h2)
	}

	w := sampleWeights()
	w.Trees[0].Nodes[0].Threshold = 13
	h3, _ := w.Hash()
	if h3 == h1 {
		t.Error("hash did not change with threshold")
	}
}

func TestWriteReadWeights(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteWeights(&buf, sampleWeights()); err != nil {
		t.Fatalf("WriteWeights: %v", err)
	}

	got, err := ReadWeights(&buf)
	if err != nil {
		t.Fatalf("ReadWeights: %v", err)
	}
	if got.ModelType != "DecisionTreeClassifier" || len(got.Trees[0].Nodes) != 3 {
		t.Errorf("unexpected weights after read: %+v", got)
	}
	if got.Trees[0].Nodes[0].Threshold != 12.5 {
		t.Errorf("threshold lost: %v", got.Trees[0].Nodes[0].Threshold)
	}
}

func TestReadWeightsRejectsInvalid(t *testing.T) {
	if _, err := ReadWeights(bytes.NewBufferString(`{"model_type":""}`)); err == nil {
		t.Error("expected validation error")
	}
	if _, err := ReadWeights(bytes.NewBufferString(`not json`)); err == nil {
		t.Error("expected decode error")
	}
}

func TestSaveLoadWeights(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.json")
	if err := SaveWeights(sampleWeights(), path); err != nil {
		t.Fatalf("SaveWeights: %v", err)
	}
	got, err := LoadWeights(path)
	if err != nil {
		t.Fatalf("LoadWeights: %v", err)
	}
	if got.Features[1] != "MonthlyCharges" {
		t.Errorf("features lost: %v", got.Features)
	}

	if _, err := LoadWeights(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestParamConversions(t *testing.T) {
	if v, err := ParamInt("max_depth", 37); err != nil || v != 37 {
		t.Errorf("ParamInt(int) = %v, %v", v, err)
	}
	if v, err := ParamInt("max_depth", 37.0); err != nil || v != 37 {
		t.Errorf("ParamInt(float64) = %v, %v", v, err)
	}
	if _, err := ParamInt("max_depth", 3.5); err == nil {
		t.Error("ParamInt should reject fractional values")
	}
	if _, err := ParamInt("max_depth", "deep"); err == nil {
		t.Error("ParamInt should reject strings")
	}
	if v, err := ParamInt64("random_state", 42.0); err != nil || v != 42 {
		t.Errorf("ParamInt64 = %v, %v", v, err)
	}
	if _, err := ParamString("criterion", 1); err == nil {
		t.Error("ParamString should reject numbers")
	}
	if v, err := ParamBool("bootstrap", true); err != nil || !v {
		t.Errorf("ParamBool = %v, %v", v, err)
	}
}
