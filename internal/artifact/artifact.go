// Package artifact assembles the model artifact bundle logged with a run:
// the MLmodel descriptor, the exported forest, an input example and a
// feature importance chart.
package artifact

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/YuminosukeSato/churnforest/core/model"
	"github.com/YuminosukeSato/churnforest/internal/tracking"
	"github.com/YuminosukeSato/churnforest/pkg/errors"
)

// Bundle layout under the run's artifact root.
const (
	ArtifactPath     = "model"
	MLmodelFile      = "MLmodel"
	ModelFile        = "model.json"
	InputExampleFile = "input_example.json"
	ImportanceFile   = "feature_importance.png"

	FlavorName = "churnforest"
)

// ColumnSpec describes one column of a model signature.
type ColumnSpec struct {
	Type     string `json:"type"`
	Name     string `json:"name,omitempty"`
	Required bool   `json:"required"`
}

// Signature is the input/output schema recorded in MLmodel.
type Signature struct {
	Inputs  []ColumnSpec
	Outputs []ColumnSpec
}

// InferSignature derives the schema from an input example: every feature is
// a double, and the output is the predicted label.
func InferSignature(example *InputExample) Signature {
	sig := Signature{
		Inputs:  make([]ColumnSpec, len(example.Columns)),
		Outputs: []ColumnSpec{{Type: "double", Required: true}},
	}
	for i, name := range example.Columns {
		sig.Inputs[i] = ColumnSpec{Type: "double", Name: name, Required: true}
	}
	return sig
}

// InputExample holds sample model inputs in pandas "split" orientation.
type InputExample struct {
	Columns []string    `json:"columns"`
	Data    [][]float64 `json:"data"`
}

// NewInputExample lays out rows in the order of columns.
func NewInputExample(columns []string, rows []map[string]float64) *InputExample {
	ex := &InputExample{
		Columns: append([]string(nil), columns...),
		Data:    make([][]float64, len(rows)),
	}
	for i, row := range rows {
		ex.Data[i] = make([]float64, len(columns))
		for j, c := range columns {
			ex.Data[i][j] = row[c]
		}
	}
	return ex
}

type signatureDoc struct {
	Inputs  string `yaml:"inputs" json:"inputs"`
	Outputs string `yaml:"outputs" json:"outputs"`
}

type exampleInfo struct {
	ArtifactPath string `yaml:"artifact_path" json:"artifact_path"`
	Type         string `yaml:"type" json:"type"`
	PandasOrient string `yaml:"pandas_orient" json:"pandas_orient"`
}

// MLmodel is the descriptor file MLflow reads to load a logged model.
type MLmodel struct {
	ArtifactPath          string                    `yaml:"artifact_path" json:"artifact_path"`
	Flavors               map[string]map[string]any `yaml:"flavors" json:"flavors"`
	ModelUUID             string                    `yaml:"model_uuid" json:"model_uuid"`
	RunID                 string                    `yaml:"run_id,omitempty" json:"run_id,omitempty"`
	SavedInputExampleInfo *exampleInfo              `yaml:"saved_input_example_info,omitempty" json:"saved_input_example_info,omitempty"`
	Signature             *signatureDoc             `yaml:"signature,omitempty" json:"signature,omitempty"`
	UTCTimeCreated        string                    `yaml:"utc_time_created" json:"utc_time_created"`
}

// Build serialises a fitted model into the bundle logged by
// tracking.Tracker.LogModel. example may be nil; the chart is omitted when
// the weights carry no feature importances.
func Build(runID string, weights *model.ModelWeights, example *InputExample) (*tracking.Model, error) {
	if weights == nil {
		return nil, errors.NewValueError("artifact.Build", "nil model weights")
	}
	if err := weights.Validate(); err != nil {
		return nil, err
	}

	modelJSON, err := weights.ToJSON()
	if err != nil {
		return nil, err
	}
	hash, err := weights.Hash()
	if err != nil {
		return nil, err
	}

	mlmodel := &MLmodel{
		ArtifactPath: ArtifactPath,
		Flavors: map[string]map[string]any{
			FlavorName: {
				"model_type":     weights.ModelType,
				"model_format":   "json",
				"data":           ModelFile,
				"weights_hash":   hash,
				"format_version": weights.Version,
			},
		},
		ModelUUID:      uuid.NewString(),
		RunID:          runID,
		UTCTimeCreated: time.Now().UTC().Format("2006-01-02 15:04:05.000000"),
	}

	files := map[string][]byte{ModelFile: modelJSON}

	if example != nil {
		data, err := json.Marshal(example)
		if err != nil {
			return nil, errors.Wrap(err, "failed to encode input example")
		}
		files[InputExampleFile] = data
		mlmodel.SavedInputExampleInfo = &exampleInfo{
			ArtifactPath: InputExampleFile,
			Type:         "dataframe",
			PandasOrient: "split",
		}
		if mlmodel.Signature, err = encodeSignature(InferSignature(example)); err != nil {
			return nil, err
		}
	}

	if len(weights.FeatureImportances) > 0 {
		png, err := ImportancePlot(featureNames(weights), weights.FeatureImportances, DefaultTopFeatures)
		if err != nil {
			return nil, err
		}
		files[ImportanceFile] = png
	}

	descriptor, err := yaml.Marshal(mlmodel)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode MLmodel")
	}
	files[MLmodelFile] = descriptor

	asMap, err := mlmodel.toMap()
	if err != nil {
		return nil, err
	}

	return &tracking.Model{
		ArtifactPath: ArtifactPath,
		Files:        files,
		Descriptor:   asMap,
	}, nil
}

// ParseMLmodel decodes an MLmodel file.
func ParseMLmodel(data []byte) (*MLmodel, error) {
	var m MLmodel
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, errors.Wrap(err, "failed to parse MLmodel")
	}
	return &m, nil
}

// InputSchema decodes the input column specs of the signature.
func (m *MLmodel) InputSchema() ([]ColumnSpec, error) {
	if m.Signature == nil {
		return nil, nil
	}
	var cols []ColumnSpec
	if err := json.Unmarshal([]byte(m.Signature.Inputs), &cols); err != nil {
		return nil, errors.Wrap(err, "invalid signature inputs")
	}
	return cols, nil
}

func (m *MLmodel) toMap() (map[string]any, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode MLmodel")
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, errors.Wrap(err, "failed to encode MLmodel")
	}
	return out, nil
}

// featureNames falls back to positional names when the weights were exported
// without column names.
func featureNames(w *model.ModelWeights) []string {
	if len(w.Features) == len(w.FeatureImportances) {
		return w.Features
	}
	names := make([]string, len(w.FeatureImportances))
	for i := range names {
		names[i] = "feature_" + strconv.Itoa(i)
	}
	return names
}

func encodeSignature(sig Signature) (*signatureDoc, error) {
	inputs, err := json.Marshal(sig.Inputs)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode signature")
	}
	outputs, err := json.Marshal(sig.Outputs)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode signature")
	}
	return &signatureDoc{Inputs: string(inputs), Outputs: string(outputs)}, nil
}
