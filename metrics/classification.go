package metrics

import (
	"math"
	"sort"

	"github.com/YuminosukeSato/churnforest/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// logLossEps はlog(0)を避けるための確率のクリップ幅
const logLossEps = 1e-15

// checkPair は2つのベクトルが空でなく同じ長さであることを検証する
func checkPair(op string, yTrue, yPred *mat.VecDense) (int, error) {
	if yTrue == nil || yPred == nil || yTrue.Len() == 0 {
		return 0, errors.NewValueError(op, "empty vector")
	}
	n := yTrue.Len()
	if yPred.Len() != n {
		return 0, errors.NewDimensionError(op, n, yPred.Len(), 0)
	}
	return n, nil
}

// checkBinary はラベルが0または1のみであることを検証する
func checkBinary(op string, y *mat.VecDense) error {
	for i := 0; i < y.Len(); i++ {
		v := y.AtVec(i)
		if v != 0 && v != 1 {
			return errors.NewValueError(op, "labels must be 0 or 1")
		}
	}
	return nil
}

// Accuracy は正解率（予測が一致したサンプルの割合）を計算する
func Accuracy(yTrue, yPred *mat.VecDense) (float64, error) {
	n, err := checkPair("Accuracy", yTrue, yPred)
	if err != nil {
		return 0, err
	}

	correct := 0
	for i := 0; i < n; i++ {
		if yTrue.AtVec(i) == yPred.AtVec(i) {
			correct++
		}
	}
	return float64(correct) / float64(n), nil
}

// ClassificationError は誤分類率（1 - Accuracy）を計算する
func ClassificationError(yTrue, yPred *mat.VecDense) (float64, error) {
	acc, err := Accuracy(yTrue, yPred)
	if err != nil {
		return 0, errors.Wrap(err, "ClassificationError")
	}
	return 1 - acc, nil
}

// AUC はROC曲線下面積を計算する。
// yTrueは0/1のラベル、yScoreは陽性クラスのスコア。同順位は平均順位で扱う
// （Mann-Whitney U統計量）。片方のクラスしか存在しない場合は0.5を返し、
// UndefinedMetricWarningを発行する。
func AUC(yTrue, yScore *mat.VecDense) (float64, error) {
	n, err := checkPair("AUC", yTrue, yScore)
	if err != nil {
		return 0, err
	}
	if err := checkBinary("AUC", yTrue); err != nil {
		return 0, err
	}

	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return yScore.AtVec(order[a]) < yScore.AtVec(order[b])
	})

	// 同順位グループに平均順位（1始まり）を割り当てる
	ranks := make([]float64, n)
	for i := 0; i < n; {
		j := i
		for j+1 < n && yScore.AtVec(order[j+1]) == yScore.AtVec(order[i]) {
			j++
		}
		avg := float64(i+j)/2 + 1
		for k := i; k <= j; k++ {
			ranks[order[k]] = avg
		}
		i = j + 1
	}

	var nPos, nNeg, rankSum float64
	for i := 0; i < n; i++ {
		if yTrue.AtVec(i) == 1 {
			nPos++
			rankSum += ranks[i]
		} else {
			nNeg++
		}
	}

	if nPos == 0 || nNeg == 0 {
		errors.Warn(errors.NewUndefinedMetricWarning("roc_auc", "only one class present in y_true", 0.5))
		return 0.5, nil
	}

	u := rankSum - nPos*(nPos+1)/2
	return u / (nPos * nNeg), nil
}

// AUCMatrix は行列形式の入力に対してAUCを計算する（先頭列を使用）
func AUCMatrix(yTrue, yScore mat.Matrix) (float64, error) {
	yTrueVec, err := Column("AUCMatrix", yTrue, 0)
	if err != nil {
		return 0, err
	}
	yScoreVec, err := Column("AUCMatrix", yScore, 0)
	if err != nil {
		return 0, err
	}
	return AUC(yTrueVec, yScoreVec)
}

// BinaryLogLoss は二値分類の対数損失（交差エントロピー）を計算する。
// 予測確率は[eps, 1-eps]にクリップされる。
func BinaryLogLoss(yTrue, yProb *mat.VecDense) (float64, error) {
	n, err := checkPair("BinaryLogLoss", yTrue, yProb)
	if err != nil {
		return 0, err
	}
	if err := checkBinary("BinaryLogLoss", yTrue); err != nil {
		return 0, err
	}

	var sum float64
	for i := 0; i < n; i++ {
		p := errors.ClipValue(yProb.AtVec(i), logLossEps, 1-logLossEps)
		if yTrue.AtVec(i) == 1 {
			sum -= math.Log(p)
		} else {
			sum -= math.Log(1 - p)
		}
	}
	return sum / float64(n), nil
}

// PrecisionRecallF1 はposLabelを陽性クラスとした適合率・再現率・F1を計算する。
// 分母が0になる指標は0とし、UndefinedMetricWarningを発行する。
func PrecisionRecallF1(yTrue, yPred *mat.VecDense, posLabel float64) (precision, recall, f1 float64, err error) {
	n, err := checkPair("PrecisionRecallF1", yTrue, yPred)
	if err != nil {
		return 0, 0, 0, err
	}

	var tp, fp, fn float64
	for i := 0; i < n; i++ {
		t, p := yTrue.AtVec(i) == posLabel, yPred.AtVec(i) == posLabel
		switch {
		case t && p:
			tp++
		case !t && p:
			fp++
		case t && !p:
			fn++
		}
	}

	if tp+fp == 0 {
		errors.Warn(errors.NewUndefinedMetricWarning("precision", "no predicted samples", 0))
	} else {
		precision = tp / (tp + fp)
	}
	if tp+fn == 0 {
		errors.Warn(errors.NewUndefinedMetricWarning("recall", "no true samples", 0))
	} else {
		recall = tp / (tp + fn)
	}
	f1 = errors.SafeDivide(2*precision*recall, precision+recall)
	return precision, recall, f1, nil
}

// MeanClassProbabilities は確率行列の列ごとの平均（クラスごとの平均確信度）を返す
func MeanClassProbabilities(proba mat.Matrix) ([]float64, error) {
	if proba == nil {
		return nil, errors.NewValueError("MeanClassProbabilities", "nil matrix")
	}
	rows, cols := proba.Dims()
	if rows == 0 || cols == 0 {
		return nil, errors.NewValueError("MeanClassProbabilities", "empty matrix")
	}

	means := make([]float64, cols)
	for j := 0; j < cols; j++ {
		var sum float64
		for i := 0; i < rows; i++ {
			sum += proba.At(i, j)
		}
		means[j] = sum / float64(rows)
	}
	return means, nil
}

// Column は行列のj列目をVecDenseとして取り出す
func Column(op string, m mat.Matrix, j int) (*mat.VecDense, error) {
	if m == nil {
		return nil, errors.NewValueError(op, "nil matrix")
	}
	rows, cols := m.Dims()
	if rows == 0 || cols == 0 {
		return nil, errors.NewValueError(op, "empty matrix")
	}
	if j < 0 || j >= cols {
		return nil, errors.NewDimensionError(op, cols, j+1, 1)
	}
	return mat.NewVecDense(rows, mat.Col(nil, j, m)), nil
}
