// Package dataset loads the tabular training data into gonum matrices.
package dataset

import (
	"encoding/csv"
	"io"
	"math"
	"os"
	"slices"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/churnforest/pkg/errors"
	"github.com/YuminosukeSato/churnforest/pkg/log"
)

// Dataset is a feature matrix and its label column. It is not modified after
// loading.
type Dataset struct {
	Source       string
	Label        string
	FeatureNames []string
	X            *mat.Dense // rows x features
	Y            *mat.Dense // rows x 1, nil when loaded without a label
}

// LoadCSV reads path and separates the label column from the features.
func LoadCSV(path, label string) (*Dataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open dataset %s", path)
	}
	defer f.Close()

	return ReadCSV(f, path, label)
}

// ReadCSV parses a header row followed by numeric records. Every column other
// than label becomes a feature, in file order. An empty label loads features
// only, which is what scoring needs.
func ReadCSV(r io.Reader, source, label string) (*Dataset, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	reader.ReuseRecord = true

	header, err := reader.Read()
	if err == io.EOF {
		return nil, errors.Wrapf(errors.ErrEmptyData, "dataset %s has no header", source)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read header of %s", source)
	}
	header = slices.Clone(header)
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], "\ufeff")
	}

	labelCol := -1
	if label != "" {
		labelCol = slices.Index(header, label)
		if labelCol < 0 {
			return nil, errors.NewSchemaError(source, label, "label column not found")
		}
	}

	features := make([]int, 0, len(header))
	names := make([]string, 0, len(header))
	for i, name := range header {
		if i == labelCol {
			continue
		}
		features = append(features, i)
		names = append(names, name)
	}
	if len(features) == 0 {
		return nil, errors.NewSchemaError(source, "", "no feature columns")
	}

	var xData, yData []float64
	rows := 0
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read %s", source)
		}
		for _, c := range features {
			v, err := parseCell(record[c])
			if err != nil {
				return nil, errors.NewSchemaError(source, header[c], "row "+strconv.Itoa(rows+1)+": "+err.Error())
			}
			xData = append(xData, v)
		}
		if labelCol >= 0 {
			v, err := parseCell(record[labelCol])
			if err == nil && (math.IsNaN(v) || math.IsInf(v, 0)) {
				err = errors.Newf("label must be finite, got %v", v)
			}
			if err != nil {
				return nil, errors.NewSchemaError(source, label, "row "+strconv.Itoa(rows+1)+": "+err.Error())
			}
			yData = append(yData, v)
		}
		rows++
	}
	if rows == 0 {
		return nil, errors.Wrapf(errors.ErrEmptyData, "dataset %s has no rows", source)
	}

	ds := &Dataset{
		Source:       source,
		Label:        label,
		FeatureNames: names,
		X:            mat.NewDense(rows, len(features), xData),
	}
	if labelCol >= 0 {
		ds.Y = mat.NewDense(rows, 1, yData)
	}
	if err := errors.CheckMatrix("dataset.ReadCSV", ds.X, rows, len(features)); err != nil {
		return nil, err
	}

	log.GetLoggerWithName("dataset").Debug("Dataset loaded",
		log.SourceKey, source,
		log.SamplesKey, rows,
		log.FeaturesKey, len(features),
	)
	return ds, nil
}

// parseCell accepts numbers and the boolean spellings pandas writes for
// one-hot columns.
func parseCell(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("empty value")
	}
	if v, err := strconv.ParseFloat(s, 64); err == nil {
		return v, nil
	}
	switch strings.ToLower(s) {
	case "true", "yes":
		return 1, nil
	case "false", "no":
		return 0, nil
	}
	return 0, errors.Newf("non-numeric value %q", s)
}

// Rows returns the number of samples.
func (d *Dataset) Rows() int {
	r, _ := d.X.Dims()
	return r
}

// Sample returns the first n feature rows keyed by feature name, used as a
// model input example. n is capped at the dataset size.
func (d *Dataset) Sample(n int) []map[string]float64 {
	return SampleRows(d.FeatureNames, d.X, n)
}

// SampleRows returns the first n rows of X keyed by names.
func SampleRows(names []string, X mat.Matrix, n int) []map[string]float64 {
	rows, _ := X.Dims()
	n = min(max(n, 0), rows)
	out := make([]map[string]float64, n)
	for i := 0; i < n; i++ {
		row := make(map[string]float64, len(names))
		for j, name := range names {
			row[name] = X.At(i, j)
		}
		out[i] = row
	}
	return out
}

// Select returns a copy of X restricted to the named features, in the given
// order. It is used to align a scoring file with a model's training columns.
func (d *Dataset) Select(names []string) (*mat.Dense, error) {
	cols := make([]int, len(names))
	for i, name := range names {
		cols[i] = slices.Index(d.FeatureNames, name)
		if cols[i] < 0 {
			return nil, errors.NewSchemaError(d.Source, name, "feature column not found")
		}
	}
	rows := d.Rows()
	out := mat.NewDense(rows, len(names), nil)
	for j, c := range cols {
		for i := 0; i < rows; i++ {
			out.Set(i, j, d.X.At(i, c))
		}
	}
	return out, nil
}
