package tree

import (
	"math"
	"math/rand/v2"
	"slices"

	"github.com/YuminosukeSato/churnforest/core/model"
	"github.com/YuminosukeSato/churnforest/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// trainingSet is a row-major copy of X with labels mapped to class indices.
type trainingSet struct {
	x       []float64
	n, d    int
	y       []int
	classes []float64
}

func (ts *trainingSet) at(row, col int) float64 {
	return ts.x[row*ts.d+col]
}

func newTrainingSet(op string, X, y mat.Matrix) (*trainingSet, error) {
	if X == nil || y == nil {
		return nil, errors.NewValueError(op, "X and y must not be nil")
	}
	n, d := X.Dims()
	if n == 0 || d == 0 {
		return nil, errors.Wrap(errors.ErrEmptyData, op)
	}
	yRows, yCols := y.Dims()
	if yRows != n {
		return nil, errors.NewDimensionError(op, n, yRows, 0)
	}
	if yCols != 1 {
		return nil, errors.NewDimensionError(op, 1, yCols, 1)
	}
	if err := errors.CheckMatrix(op, X, n, d); err != nil {
		return nil, err
	}
	if err := errors.CheckMatrix(op, y, n, 1); err != nil {
		return nil, err
	}

	classes := UniqueLabels(y)
	index := make(map[float64]int, len(classes))
	for i, c := range classes {
		index[c] = i
	}

	ts := &trainingSet{
		x:       make([]float64, n*d),
		n:       n,
		d:       d,
		y:       make([]int, n),
		classes: classes,
	}
	for i := 0; i < n; i++ {
		for j := 0; j < d; j++ {
			ts.x[i*d+j] = X.At(i, j)
		}
		ts.y[i] = index[y.At(i, 0)]
	}
	return ts, nil
}

// builder grows a tree depth-first into a flat node slice.
type builder struct {
	ts              *trainingSet
	w               []float64
	criterion       string
	maxDepth        int
	minSamplesSplit int
	minSamplesLeaf  int
	maxFeatures     int
	rng             *rand.Rand

	nodes       []model.TreeNode
	importances []float64
	depth       int
	leaves      int
}

type split struct {
	feature   int
	threshold float64
	score     float64 // weighted child impurity, lower is better
	leftImp   float64
	rightImp  float64
	leftW     float64
	rightW    float64
}

func (b *builder) impurity(counts []float64, total float64) float64 {
	if total <= 0 {
		return 0
	}
	switch b.criterion {
	case "entropy":
		h := 0.0
		for _, c := range counts {
			if c > 0 {
				p := c / total
				h -= p * math.Log2(p)
			}
		}
		return h
	default:
		g := 1.0
		for _, c := range counts {
			p := c / total
			g -= p * p
		}
		return g
	}
}

func (b *builder) classCounts(idx []int) ([]float64, float64) {
	counts := make([]float64, len(b.ts.classes))
	total := 0.0
	for _, r := range idx {
		counts[b.ts.y[r]] += b.w[r]
		total += b.w[r]
	}
	return counts, total
}

// build grows the subtree for rows idx and returns its node index.
func (b *builder) build(idx []int, depth int) int {
	counts, total := b.classCounts(idx)
	imp := b.impurity(counts, total)

	value := make([]float64, len(counts))
	for i, c := range counts {
		value[i] = c / total
	}

	id := len(b.nodes)
	b.nodes = append(b.nodes, model.TreeNode{
		Feature:  -1,
		Value:    value,
		Impurity: imp,
		Samples:  total,
	})
	if depth > b.depth {
		b.depth = depth
	}

	isLeaf := (b.maxDepth > 0 && depth >= b.maxDepth) ||
		len(idx) < b.minSamplesSplit ||
		len(idx) < 2*b.minSamplesLeaf ||
		imp <= 1e-12

	var best split
	found := false
	if !isLeaf {
		best, found = b.bestSplit(idx, counts)
	}
	if !found {
		b.leaves++
		return id
	}

	// Partition in place: rows going left first.
	mid := 0
	for i, r := range idx {
		if b.ts.at(r, best.feature) <= best.threshold {
			idx[i], idx[mid] = idx[mid], idx[i]
			mid++
		}
	}

	b.importances[best.feature] += total*imp - best.leftW*best.leftImp - best.rightW*best.rightImp

	left := b.build(idx[:mid], depth+1)
	right := b.build(idx[mid:], depth+1)

	node := &b.nodes[id]
	node.Feature = best.feature
	node.Threshold = best.threshold
	node.Left = left
	node.Right = right
	return id
}

// bestSplit scans candidate features in random order. It evaluates at least
// maxFeatures of them and keeps drawing until a valid split is found.
func (b *builder) bestSplit(idx []int, counts []float64) (split, bool) {
	d := b.ts.d
	features := b.rng.Perm(d)
	limit := d
	if b.maxFeatures > 0 && b.maxFeatures < d {
		limit = b.maxFeatures
	}

	nClasses := len(counts)
	leftCounts := make([]float64, nClasses)
	rightCounts := make([]float64, nClasses)
	sorted := make([]int, len(idx))

	best := split{score: math.Inf(1)}
	found := false

	for k, f := range features {
		if k >= limit && found {
			break
		}

		copy(sorted, idx)
		slices.SortFunc(sorted, func(a, c int) int {
			va, vc := b.ts.at(a, f), b.ts.at(c, f)
			switch {
			case va < vc:
				return -1
			case va > vc:
				return 1
			}
			return a - c
		})
		if b.ts.at(sorted[0], f) == b.ts.at(sorted[len(sorted)-1], f) {
			continue
		}

		for c := range leftCounts {
			leftCounts[c] = 0
		}
		leftW := 0.0
		totalW := 0.0
		for _, c := range counts {
			totalW += c
		}

		n := len(sorted)
		for i := 0; i < n-1; i++ {
			r := sorted[i]
			leftCounts[b.ts.y[r]] += b.w[r]
			leftW += b.w[r]

			cur, next := b.ts.at(r, f), b.ts.at(sorted[i+1], f)
			if cur == next {
				continue
			}
			nLeft := i + 1
			if nLeft < b.minSamplesLeaf || n-nLeft < b.minSamplesLeaf {
				continue
			}

			rightW := totalW - leftW
			for c := range rightCounts {
				rightCounts[c] = counts[c] - leftCounts[c]
			}
			leftImp := b.impurity(leftCounts, leftW)
			rightImp := b.impurity(rightCounts, rightW)
			score := leftW*leftImp + rightW*rightImp

			if score < best.score-1e-12 {
				threshold := cur + (next-cur)/2
				if threshold >= next {
					threshold = cur
				}
				best = split{
					feature:   f,
					threshold: threshold,
					score:     score,
					leftImp:   leftImp,
					rightImp:  rightImp,
					leftW:     leftW,
					rightW:    rightW,
				}
				found = true
			}
		}
	}
	return best, found
}
