package gbdt

import (
	"encoding/json"
	"fmt"
	"io"
)

// Node is an internal split. Rows with x[Feature] <= Threshold go Left.
// A child index >= 0 points at another node; a negative index i points at
// leaf ^i.
type Node struct {
	Feature   int     `json:"feature"`
	Threshold float64 `json:"threshold"`
	Bin       int     `json:"bin"`
	Left      int     `json:"left"`
	Right     int     `json:"right"`
}

// Tree is a regression tree. A tree without nodes is a single leaf.
type Tree struct {
	Nodes  []Node    `json:"nodes,omitempty"`
	Leaves []float64 `json:"leaves"`
}

// Predict evaluates the tree on a raw feature vector.
func (t *Tree) Predict(x []float64) float64 {
	if len(t.Nodes) == 0 {
		return t.Leaves[0]
	}
	i := 0
	for {
		n := t.Nodes[i]
		next := n.Right
		if x[n.Feature] <= n.Threshold {
			next = n.Left
		}
		if next < 0 {
			return t.Leaves[^next]
		}
		i = next
	}
}

func (t *Tree) predictBinned(d *Dataset, row int) float64 {
	if len(t.Nodes) == 0 {
		return t.Leaves[0]
	}
	i := 0
	for {
		n := t.Nodes[i]
		next := n.Right
		if int(d.bins[n.Feature][row]) <= n.Bin {
			next = n.Left
		}
		if next < 0 {
			return t.Leaves[^next]
		}
		i = next
	}
}

// Booster is an additive ensemble: InitScore plus the sum of tree outputs.
type Booster struct {
	InitScore    float64  `json:"init_score"`
	FeatureNames []string `json:"feature_names"`
	Trees        []*Tree  `json:"trees"`
}

// Predict scores one raw feature vector.
func (b *Booster) Predict(x []float64) float64 {
	score := b.InitScore
	for _, t := range b.Trees {
		score += t.Predict(x)
	}
	return score
}

// NumTrees returns the number of boosting rounds kept.
func (b *Booster) NumTrees() int {
	return len(b.Trees)
}

// Truncate keeps only the first n trees.
func (b *Booster) Truncate(n int) {
	if n < 0 {
		n = 0
	}
	if n < len(b.Trees) {
		b.Trees = b.Trees[:n]
	}
}

// Save writes the booster as JSON.
func (b *Booster) Save(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(b); err != nil {
		return fmt.Errorf("failed to encode booster: %w", err)
	}
	return nil
}

// LoadBooster reads a booster written by Save.
func LoadBooster(r io.Reader) (*Booster, error) {
	var b Booster
	if err := json.NewDecoder(r).Decode(&b); err != nil {
		return nil, fmt.Errorf("failed to decode booster: %w", err)
	}
	for i, t := range b.Trees {
		if t == nil || len(t.Leaves) == 0 {
			return nil, fmt.Errorf("tree %d has no leaves", i)
		}
	}
	return &b, nil
}
