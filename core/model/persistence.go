package model

import (
	"encoding/json"
	"io"
	"os"

	"github.com/YuminosukeSato/churnforest/pkg/errors"
)

// WriteWeights はモデルの重みをJSONとしてio.Writerに書き出す
func WriteWeights(w io.Writer, weights *ModelWeights) error {
	data, err := weights.ToJSON()
	if err != nil {
		return errors.Wrap(err, "failed to encode model weights")
	}
	if _, err := w.Write(data); err != nil {
		return errors.Wrap(err, "failed to write model weights")
	}
	return nil
}

// ReadWeights はio.ReaderからJSON形式の重みを読み込み、検証する
func ReadWeights(r io.Reader) (*ModelWeights, error) {
	var weights ModelWeights
	dec := json.NewDecoder(r)
	if err := dec.Decode(&weights); err != nil {
		return nil, errors.Wrap(err, "failed to decode model weights")
	}
	if err := weights.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid model weights")
	}
	return &weights, nil
}

// SaveWeights はモデルの重みをファイルに保存する
//
// 使用例:
//
//	weights, _ := forest.ExportWeights()
//	err := model.SaveWeights(weights, "model.json")
func SaveWeights(weights *ModelWeights, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return errors.Wrapf(err, "failed to create %s", filename)
	}
	if err := WriteWeights(file, weights); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

// LoadWeights はファイルからモデルの重みを読み込む
func LoadWeights(filename string) (*ModelWeights, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %s", filename)
	}
	defer file.Close()
	return ReadWeights(file)
}
