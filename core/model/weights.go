package model

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// WeightsVersion は現在のシリアライズ形式のバージョン
const WeightsVersion = "1.0"

// TreeNode は決定木の1ノード（フラット配列表現）
//
// Feature が -1 のノードは葉。内部ノードは X[Feature] <= Threshold のとき Left、
// それ以外は Right の子に進む。
type TreeNode struct {
	Feature   int       `json:"feature"`
	Threshold float64   `json:"threshold"`
	Left      int       `json:"left"`
	Right     int       `json:"right"`
	Value     []float64 `json:"value"`    // クラス確率（Classes の順）
	Impurity  float64   `json:"impurity"` // ノードの不純度
	Samples   float64   `json:"samples"`  // 重み付きサンプル数
}

// IsLeaf reports whether the node has no children.
func (n *TreeNode) IsLeaf() bool {
	return n.Feature < 0
}

// TreeWeights は1本の決定木の重み
type TreeWeights struct {
	Nodes []TreeNode `json:"nodes"`
}

// ModelWeights はモデルの重みを表す構造体（シリアライゼーション用）
type ModelWeights struct {
	// ModelType はモデルの種類（RandomForestClassifier, DecisionTreeClassifier）
	ModelType string `json:"model_type"`

	// Version はモデルのバージョン（互換性チェック用）
	Version string `json:"version"`

	// Classes は学習時のクラスラベル（昇順）
	Classes []float64 `json:"classes"`

	// NFeatures は学習時の特徴量数
	NFeatures int `json:"n_features"`

	// Features は特徴量の名前（オプション）
	Features []string `json:"features,omitempty"`

	// Trees は木ごとの重み
	Trees []TreeWeights `json:"trees"`

	// FeatureImportances は正規化済みの特徴量重要度
	FeatureImportances []float64 `json:"feature_importances,omitempty"`

	// Hyperparameters はモデルのハイパーパラメータ
	Hyperparameters map[string]interface{} `json:"hyperparameters"`

	// Metadata は追加のメタデータ（学習時の統計等）
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	// IsFitted はモデルが学習済みかどうか
	IsFitted bool `json:"is_fitted"`
}

// ToJSON はModelWeightsをJSON形式にシリアライズ
func (mw *ModelWeights) ToJSON() ([]byte, error) {
	return json.MarshalIndent(mw, "", "  ")
}

// FromJSON はJSON形式からModelWeightsをデシリアライズ
func (mw *ModelWeights) FromJSON(data []byte) error {
	return json.Unmarshal(data, mw)
}

// Validate はModelWeightsの妥当性を検証
func (mw *ModelWeights) Validate() error {
	if mw.ModelType == "" {
		return fmt.Errorf("model_type is required")
	}

	if mw.Version == "" {
		return fmt.Errorf("version is required")
	}

	if !mw.IsFitted && len(mw.Trees) > 0 {
		return fmt.Errorf("unfitted model should not have trees")
	}

	if mw.IsFitted && len(mw.Trees) == 0 {
		return fmt.Errorf("fitted model must have trees")
	}

	if mw.IsFitted && len(mw.Classes) == 0 {
		return fmt.Errorf("fitted model must have classes")
	}

	for t, tree := range mw.Trees {
		if len(tree.Nodes) == 0 {
			return fmt.Errorf("tree %d has no nodes", t)
		}
		for i, n := range tree.Nodes {
			if len(n.Value) != len(mw.Classes) {
				return fmt.Errorf("tree %d node %d: value has %d entries, want %d", t, i, len(n.Value), len(mw.Classes))
			}
			if n.IsLeaf() {
				continue
			}
			if n.Feature >= mw.NFeatures {
				return fmt.Errorf("tree %d node %d: feature %d out of range", t, i, n.Feature)
			}
			if n.Left <= i || n.Right <= i || n.Left >= len(tree.Nodes) || n.Right >= len(tree.Nodes) {
				return fmt.Errorf("tree %d node %d: invalid children (%d, %d)", t, i, n.Left, n.Right)
			}
		}
	}

	return nil
}

// Hash は重みのハッシュ値を計算（検証用）
func (mw *ModelWeights) Hash() (string, error) {
	data, err := json.Marshal(mw)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Clone はModelWeightsのディープコピーを作成
func (mw *ModelWeights) Clone() *ModelWeights {
	clone := &ModelWeights{
		ModelType:          mw.ModelType,
		Version:            mw.Version,
		NFeatures:          mw.NFeatures,
		IsFitted:           mw.IsFitted,
		Classes:            append([]float64(nil), mw.Classes...),
		Features:           append([]string(nil), mw.Features...),
		FeatureImportances: append([]float64(nil), mw.FeatureImportances...),
		Trees:              make([]TreeWeights, len(mw.Trees)),
		Hyperparameters:    make(map[string]interface{}, len(mw.Hyperparameters)),
		Metadata:           make(map[string]interface{}, len(mw.Metadata)),
	}

	for i, tree := range mw.Trees {
		nodes := make([]TreeNode, len(tree.Nodes))
		for j, n := range tree.Nodes {
			n.Value = append([]float64(nil), n.Value...)
			nodes[j] = n
		}
		clone.Trees[i] = TreeWeights{Nodes: nodes}
	}

	for k, v := range mw.Hyperparameters {
		clone.Hyperparameters[k] = v
	}

	for k, v := range mw.Metadata {
		clone.Metadata[k] = v
	}

	return clone
}
