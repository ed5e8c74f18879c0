package risk

import (
	"errors"
	"math"
	"math/rand"
)

// Scaler standardizes feature vectors to zero mean and unit variance.
// Fields are exported for gob persistence.
type Scaler struct {
	Mean []float64
	Std  []float64
}

func FitScaler(data [][]float64) (*Scaler, error) {
	if len(data) == 0 {
		return nil, errors.New("no samples to fit scaler")
	}
	dim := len(data[0])
	sc := &Scaler{Mean: make([]float64, dim), Std: make([]float64, dim)}
	for _, row := range data {
		for j, x := range row {
			sc.Mean[j] += x
		}
	}
	n := float64(len(data))
	for j := range sc.Mean {
		sc.Mean[j] /= n
	}
	for _, row := range data {
		for j, x := range row {
			d := x - sc.Mean[j]
			sc.Std[j] += d * d
		}
	}
	for j := range sc.Std {
		sc.Std[j] = math.Sqrt(sc.Std[j] / n)
		if sc.Std[j] == 0 {
			sc.Std[j] = 1
		}
	}
	return sc, nil
}

func (sc *Scaler) Transform(v []float64) []float64 {
	out := make([]float64, len(v))
	for j, x := range v {
		out[j] = (x - sc.Mean[j]) / sc.Std[j]
	}
	return out
}

// ForestNode is one node of an isolation tree, stored as a flat slice so
// gob encoding stays simple. Leaf nodes carry Size; internal nodes carry
// the split and child indexes.
type ForestNode struct {
	Feature int
	Split   float64
	Left    int
	Right   int
	Size    int
	Leaf    bool
}

type isolationTree struct {
	Nodes []ForestNode
}

// Forest is an isolation forest over standardized feature vectors. The
// anomaly score follows the standard formulation: 2^(-E(h)/c(n)), where
// c(n) is the expected path length of an unsuccessful BST search.
type Forest struct {
	Trees     []isolationTree
	Subsample int
}

func avgPathLength(n int) float64 {
	if n <= 1 {
		return 0
	}
	f := float64(n)
	return 2*(math.Log(f-1)+0.5772156649) - 2*(f-1)/f
}

// FitForest builds an isolation forest. rng drives subsampling and
// split selection so training is reproducible under a fixed seed.
func FitForest(data [][]float64, trees, subsample int, rng *rand.Rand) (*Forest, error) {
	if len(data) == 0 {
		return nil, errors.New("no samples to fit forest")
	}
	if trees <= 0 {
		trees = 100
	}
	if subsample <= 0 || subsample > len(data) {
		subsample = len(data)
		if subsample > 256 {
			subsample = 256
		}
	}
	heightLimit := int(math.Ceil(math.Log2(float64(subsample))))
	if heightLimit < 1 {
		heightLimit = 1
	}
	f := &Forest{Trees: make([]isolationTree, 0, trees), Subsample: subsample}
	for t := 0; t < trees; t++ {
		sample := make([][]float64, subsample)
		for i := range sample {
			sample[i] = data[rng.Intn(len(data))]
		}
		tree := isolationTree{}
		buildNode(&tree, sample, 0, heightLimit, rng)
		f.Trees = append(f.Trees, tree)
	}
	return f, nil
}

// buildNode appends the subtree for sample and returns its node index.
func buildNode(tree *isolationTree, sample [][]float64, depth, heightLimit int, rng *rand.Rand) int {
	idx := len(tree.Nodes)
	if depth >= heightLimit || len(sample) <= 1 || allIdentical(sample) {
		tree.Nodes = append(tree.Nodes, ForestNode{Leaf: true, Size: len(sample)})
		return idx
	}
	feature := rng.Intn(len(sample[0]))
	lo, hi := sample[0][feature], sample[0][feature]
	for _, row := range sample[1:] {
		if row[feature] < lo {
			lo = row[feature]
		}
		if row[feature] > hi {
			hi = row[feature]
		}
	}
	if lo == hi {
		tree.Nodes = append(tree.Nodes, ForestNode{Leaf: true, Size: len(sample)})
		return idx
	}
	split := lo + rng.Float64()*(hi-lo)
	var left, right [][]float64
	for _, row := range sample {
		if row[feature] < split {
			left = append(left, row)
		} else {
			right = append(right, row)
		}
	}
	tree.Nodes = append(tree.Nodes, ForestNode{Feature: feature, Split: split})
	leftIdx := buildNode(tree, left, depth+1, heightLimit, rng)
	rightIdx := buildNode(tree, right, depth+1, heightLimit, rng)
	tree.Nodes[idx].Left = leftIdx
	tree.Nodes[idx].Right = rightIdx
	return idx
}

func allIdentical(sample [][]float64) bool {
	for _, row := range sample[1:] {
		for j, x := range row {
			if x != sample[0][j] {
				return false
			}
		}
	}
	return true
}

func (t *isolationTree) pathLength(v []float64) float64 {
	idx := 0
	depth := 0.0
	for {
		node := t.Nodes[idx]
		if node.Leaf {
			return depth + avgPathLength(node.Size)
		}
		if v[node.Feature] < node.Split {
			idx = node.Left
		} else {
			idx = node.Right
		}
		depth++
	}
}

// Score returns the anomaly score in (0, 1). Values near 1 indicate
// isolation in few splits; values near 0.5 are unremarkable.
func (f *Forest) Score(v []float64) float64 {
	if len(f.Trees) == 0 {
		return 0.5
	}
	sum := 0.0
	for i := range f.Trees {
		sum += f.Trees[i].pathLength(v)
	}
	mean := sum / float64(len(f.Trees))
	c := avgPathLength(f.Subsample)
	if c == 0 {
		return 0.5
	}
	return math.Pow(2, -mean/c)
}
