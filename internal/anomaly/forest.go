// Package anomaly scores feature vectors with an isolation forest that is
// retrained in the background and swapped in atomically.
package anomaly

import (
	"errors"
	"math"
	"math/rand/v2"
	"sort"

	"sentinel-siem/internal/features"
)

// eulerGamma is the Euler–Mascheroni constant used by the average path
// length of an unsuccessful binary search tree lookup.
const eulerGamma = 0.5772156649015329

// ErrNoSamples is returned when fitting on an empty batch.
var ErrNoSamples = errors.New("anomaly: no training samples")

// ForestConfig holds isolation forest parameters.
type ForestConfig struct {
	Trees         int     `json:"trees"`
	SampleSize    int     `json:"sample_size"`
	Contamination float64 `json:"contamination"`
	Seed          int64   `json:"seed"`
}

// DefaultForestConfig returns 100 trees of 256 samples with 5% expected
// outliers.
func DefaultForestConfig() ForestConfig {
	return ForestConfig{
		Trees:         100,
		SampleSize:    256,
		Contamination: 0.05,
		Seed:          42,
	}
}

// node is one tree node. Leaves have Feature -1 and carry the number of
// training samples that reached them.
type node struct {
	Feature int     `json:"f"`
	Split   float64 `json:"s,omitempty"`
	Left    int32   `json:"l,omitempty"`
	Right   int32   `json:"r,omitempty"`
	Size    int     `json:"n,omitempty"`
}

// tree is a flattened isolation tree; node 0 is the root.
type tree struct {
	Nodes []node `json:"nodes"`
}

// Forest is a fitted isolation forest. It is immutable after Fit and safe
// for concurrent scoring.
type Forest struct {
	Config     ForestConfig `json:"config"`
	Trees      []tree       `json:"trees"`
	SampleSize int          `json:"psi"`
	// Offset is the raw score at the contamination quantile of the
	// training set. Decision values below zero are outliers.
	Offset float64 `json:"offset"`
}

// Fit builds a forest over samples.
func Fit(cfg ForestConfig, samples []features.Vector) (*Forest, error) {
	if len(samples) == 0 {
		return nil, ErrNoSamples
	}
	if cfg.Trees <= 0 {
		cfg.Trees = DefaultForestConfig().Trees
	}
	if cfg.SampleSize <= 0 {
		cfg.SampleSize = DefaultForestConfig().SampleSize
	}

	psi := min(cfg.SampleSize, len(samples))
	maxDepth := int(math.Ceil(math.Log2(float64(max(psi, 2)))))
	seed := uint64(cfg.Seed)
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))

	f := &Forest{
		Config:     cfg,
		Trees:      make([]tree, cfg.Trees),
		SampleSize: psi,
	}

	idx := make([]int, len(samples))
	for i := range idx {
		idx[i] = i
	}
	for t := range f.Trees {
		// Partial Fisher-Yates: the first psi entries are a sample without
		// replacement.
		for i := 0; i < psi; i++ {
			j := i + rng.IntN(len(idx)-i)
			idx[i], idx[j] = idx[j], idx[i]
		}
		b := builder{samples: samples, rng: rng, maxDepth: maxDepth}
		b.build(append([]int(nil), idx[:psi]...), 0)
		f.Trees[t] = tree{Nodes: b.nodes}
	}

	scores := make([]float64, len(samples))
	for i, s := range samples {
		scores[i] = f.raw(s)
	}
	f.Offset = quantile(scores, cfg.Contamination)

	return f, nil
}

type builder struct {
	samples  []features.Vector
	rng      *rand.Rand
	maxDepth int
	nodes    []node
}

// build appends the subtree over rows and returns its node index.
func (b *builder) build(rows []int, depth int) int32 {
	id := int32(len(b.nodes))
	b.nodes = append(b.nodes, node{Feature: -1, Size: len(rows)})

	if depth >= b.maxDepth || len(rows) <= 1 {
		return id
	}

	// Pick a random feature among those that still vary.
	var candidates [features.Size]int
	var lo, hi [features.Size]float64
	n := 0
	for f := 0; f < features.Size; f++ {
		minV, maxV := b.samples[rows[0]][f], b.samples[rows[0]][f]
		for _, r := range rows[1:] {
			v := b.samples[r][f]
			minV = math.Min(minV, v)
			maxV = math.Max(maxV, v)
		}
		if maxV > minV {
			candidates[n] = f
			lo[n], hi[n] = minV, maxV
			n++
		}
	}
	if n == 0 {
		return id
	}

	k := b.rng.IntN(n)
	feature := candidates[k]
	split := lo[k] + b.rng.Float64()*(hi[k]-lo[k])

	var left, right []int
	for _, r := range rows {
		if b.samples[r][feature] < split {
			left = append(left, r)
		} else {
			right = append(right, r)
		}
	}

	l := b.build(left, depth+1)
	r := b.build(right, depth+1)
	b.nodes[id] = node{Feature: feature, Split: split, Left: l, Right: r}
	return id
}

// pathLength returns the depth at which x is isolated, adjusted by the
// expected remaining depth of the leaf it lands in.
func (t *tree) pathLength(x features.Vector) float64 {
	var depth float64
	i := int32(0)
	for {
		n := &t.Nodes[i]
		if n.Feature < 0 {
			return depth + averagePathLength(n.Size)
		}
		if x[n.Feature] < n.Split {
			i = n.Left
		} else {
			i = n.Right
		}
		depth++
	}
}

// raw returns the opposite of the anomaly score: values near -1 are
// isolated quickly, values near -0.5 are normal.
func (f *Forest) raw(x features.Vector) float64 {
	var total float64
	for i := range f.Trees {
		total += f.Trees[i].pathLength(x)
	}
	mean := total / float64(len(f.Trees))
	norm := averagePathLength(f.SampleSize)
	if norm == 0 {
		return -0.5
	}
	return -math.Pow(2, -mean/norm)
}

// Score returns the decision value for x. Negative values are outliers.
func (f *Forest) Score(x features.Vector) float64 {
	return f.raw(x) - f.Offset
}

// averagePathLength is c(n), the average path length of an unsuccessful
// search in a binary search tree of n nodes.
func averagePathLength(n int) float64 {
	switch {
	case n <= 1:
		return 0
	case n == 2:
		return 1
	}
	fn := float64(n)
	return 2*(math.Log(fn-1)+eulerGamma) - 2*(fn-1)/fn
}

// quantile returns the q-quantile of values with linear interpolation.
func quantile(values []float64, q float64) float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	q = math.Min(math.Max(q, 0), 1)
	pos := q * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	return sorted[lo] + (pos-float64(lo))*(sorted[hi]-sorted[lo])
}
