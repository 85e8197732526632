package gbdt

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"slices"

	"golang.org/x/sync/errgroup"
)

const minGainToSplit = 1e-12

// Trainer fits a Booster one round at a time on a fixed dataset.
// It is not safe for concurrent use.
type Trainer struct {
	params  Params
	data    *Dataset
	booster *Booster

	scores []float64
	grad   []float64
	bag    []int
	rng    *rand.Rand
	round  int
}

// NewTrainer starts a booster from the label mean.
func NewTrainer(params Params, data *Dataset, featureNames []string) (*Trainer, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if data == nil || data.rows == 0 {
		return nil, fmt.Errorf("dataset has no rows")
	}
	if len(featureNames) != data.features {
		return nil, fmt.Errorf("have %d feature names for %d features", len(featureNames), data.features)
	}

	var sum float64
	for _, y := range data.labels {
		sum += y
	}
	base := sum / float64(data.rows)

	scores := make([]float64, data.rows)
	bag := make([]int, data.rows)
	for i := range scores {
		scores[i] = base
		bag[i] = i
	}

	return &Trainer{
		params: params,
		data:   data,
		booster: &Booster{
			InitScore:    base,
			FeatureNames: slices.Clone(featureNames),
		},
		scores: scores,
		grad:   make([]float64, data.rows),
		bag:    bag,
		rng:    rand.New(rand.NewPCG(params.Seed, params.Seed^0x9e3779b97f4a7c15)),
	}, nil
}

// Step runs one boosting round and returns the tree it added.
func (t *Trainer) Step(ctx context.Context) (*Tree, error) {
	if t.params.BaggingFreq > 0 && t.params.BaggingFraction < 1 && t.round%t.params.BaggingFreq == 0 {
		t.resample()
	}

	// squared error: gradient is the residual, hessian is 1
	for i, s := range t.scores {
		t.grad[i] = s - t.data.labels[i]
	}

	tree, err := t.grow(ctx, t.sampleFeatures())
	if err != nil {
		return nil, err
	}

	for i := range t.scores {
		t.scores[i] += tree.predictBinned(t.data, i)
	}
	t.booster.Trees = append(t.booster.Trees, tree)
	t.round++
	return tree, nil
}

// Rounds returns the number of rounds run so far.
func (t *Trainer) Rounds() int {
	return t.round
}

// TrainRMSE is the in-sample error of the current ensemble.
func (t *Trainer) TrainRMSE() float64 {
	var sum float64
	for i, s := range t.scores {
		d := s - t.data.labels[i]
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(t.scores)))
}

// Booster returns the ensemble being built. The trainer keeps appending to
// it on later steps.
func (t *Trainer) Booster() *Booster {
	return t.booster
}

func (t *Trainer) resample() {
	n := t.data.rows
	k := max(1, int(float64(n)*t.params.BaggingFraction))
	bag := t.rng.Perm(n)[:k]
	slices.Sort(bag)
	t.bag = bag
}

func (t *Trainer) sampleFeatures() []int {
	n := t.data.features
	if t.params.FeatureFraction >= 1 {
		all := make([]int, n)
		for i := range all {
			all[i] = i
		}
		return all
	}
	k := max(1, int(float64(n)*t.params.FeatureFraction))
	picked := t.rng.Perm(n)[:k]
	slices.Sort(picked)
	return picked
}

type candidate struct {
	feature int
	bin     int
	gain    float64
	ok      bool
}

type leaf struct {
	rows   []int
	sumG   float64
	sumH   float64
	split  candidate
	parent int
	isLeft bool
}

func (t *Trainer) newLeaf(rows []int, parent int, isLeft bool) *leaf {
	l := &leaf{rows: rows, parent: parent, isLeft: isLeft}
	for _, r := range rows {
		l.sumG += t.grad[r]
	}
	l.sumH = float64(len(rows))
	return l
}

// grow builds one tree leaf-wise: the leaf with the largest gain is split
// next until NumLeaves is reached or no leaf has a positive gain.
func (t *Trainer) grow(ctx context.Context, features []int) (*Tree, error) {
	root := t.newLeaf(slices.Clone(t.bag), -1, false)
	if err := t.findSplit(ctx, root, features); err != nil {
		return nil, err
	}

	leaves := []*leaf{root}
	tree := &Tree{}
	for len(leaves) < t.params.NumLeaves {
		best := -1
		for i, l := range leaves {
			if l.split.ok && (best < 0 || l.split.gain > leaves[best].split.gain) {
				best = i
			}
		}
		if best < 0 {
			break
		}

		l := leaves[best]
		nodeIdx := len(tree.Nodes)
		tree.Nodes = append(tree.Nodes, Node{
			Feature:   l.split.feature,
			Threshold: t.data.mappers[l.split.feature].Upper[l.split.bin],
			Bin:       l.split.bin,
			Left:      ^best,
			Right:     ^len(leaves),
		})
		if l.parent >= 0 {
			if l.isLeft {
				tree.Nodes[l.parent].Left = nodeIdx
			} else {
				tree.Nodes[l.parent].Right = nodeIdx
			}
		}

		leftRows, rightRows := t.partition(l)
		left := t.newLeaf(leftRows, nodeIdx, true)
		right := t.newLeaf(rightRows, nodeIdx, false)
		leaves[best] = left
		leaves = append(leaves, right)

		if err := t.findSplit(ctx, left, features); err != nil {
			return nil, err
		}
		if err := t.findSplit(ctx, right, features); err != nil {
			return nil, err
		}
	}

	tree.Leaves = make([]float64, len(leaves))
	for i, l := range leaves {
		tree.Leaves[i] = -l.sumG / (l.sumH + t.params.Lambda) * t.params.LearningRate
	}
	return tree, nil
}

func (t *Trainer) partition(l *leaf) (left, right []int) {
	col := t.data.bins[l.split.feature]
	for _, r := range l.rows {
		if int(col[r]) <= l.split.bin {
			left = append(left, r)
		} else {
			right = append(right, r)
		}
	}
	return left, right
}

// findSplit searches every sampled feature concurrently. Results land in
// per-feature slots and are reduced in feature order, so the chosen split
// does not depend on goroutine scheduling.
func (t *Trainer) findSplit(ctx context.Context, l *leaf, features []int) error {
	l.split = candidate{}
	if len(l.rows) < 2*t.params.MinDataInLeaf {
		return nil
	}

	results := make([]candidate, len(features))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(t.params.workers())
	for i, f := range features {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = t.bestSplitForFeature(l, f)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for _, c := range results {
		if c.ok && (!l.split.ok || c.gain > l.split.gain) {
			l.split = c
		}
	}
	return nil
}

func (t *Trainer) bestSplitForFeature(l *leaf, feature int) candidate {
	nb := t.data.mappers[feature].NumBins()
	if nb < 2 {
		return candidate{}
	}

	histG := make([]float64, nb)
	histC := make([]int, nb)
	col := t.data.bins[feature]
	for _, r := range l.rows {
		b := col[r]
		histG[b] += t.grad[r]
		histC[b]++
	}

	lambda := t.params.Lambda
	minData := t.params.MinDataInLeaf
	parent := l.sumG * l.sumG / (l.sumH + lambda)
	total := len(l.rows)

	best := candidate{feature: feature}
	var gl float64
	var cl int
	for b := 0; b < nb-1; b++ {
		gl += histG[b]
		cl += histC[b]
		cr := total - cl
		if cl < minData {
			continue
		}
		if cr < minData {
			break
		}
		hl, hr := float64(cl), float64(cr)
		if hl < t.params.MinSumHessian || hr < t.params.MinSumHessian {
			continue
		}
		gr := l.sumG - gl
		gain := gl*gl/(hl+lambda) + gr*gr/(hr+lambda) - parent
		if gain > minGainToSplit && (!best.ok || gain > best.gain) {
			best = candidate{feature: feature, bin: b, gain: gain, ok: true}
		}
	}
	return best
}
