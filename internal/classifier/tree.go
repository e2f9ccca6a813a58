package classifier

import (
	"math"
	"math/rand"
	"sort"
)

// treeNode is a single node of a decision tree. Classification trees carry a
// class distribution in Dist; gradient trees carry a raw-score value in Value.
// Both are populated at internal nodes too, which is what makes additive
// decision-path attribution possible at predict time.
type treeNode struct {
	Feature   int       `json:"f,omitempty"`
	Threshold float64   `json:"t,omitempty"`
	Left      *treeNode `json:"l,omitempty"`
	Right     *treeNode `json:"r,omitempty"`
	Leaf      bool      `json:"leaf,omitempty"`
	Dist      []float64 `json:"d,omitempty"`
	Value     float64   `json:"v,omitempty"`
}

// leafFor walks the tree for one sample.
func (n *treeNode) leafFor(x []float64) *treeNode {
	cur := n
	for !cur.Leaf {
		if x[cur.Feature] <= cur.Threshold {
			cur = cur.Left
		} else {
			cur = cur.Right
		}
	}
	return cur
}

const minSplitGain = 1e-12

// ---------------------------------------------------------------------------
// Classification trees (gini), used by the random forest
// ---------------------------------------------------------------------------

type classTreeBuilder struct {
	x              [][]float64
	y              []int
	maxDepth       int
	minSamplesLeaf int
	maxFeatures    int // 0 = all features
	rng            *rand.Rand
	importance     []float64
}

func (b *classTreeBuilder) build(idx []int, depth int) *treeNode {
	dist := classDistribution(b.y, idx)
	node := &treeNode{Dist: dist}

	if depth >= b.maxDepth || len(idx) < 2*b.minSamplesLeaf || isPure(dist) {
		node.Leaf = true
		return node
	}

	feature, threshold, gain, ok := b.bestSplit(idx)
	if !ok {
		node.Leaf = true
		return node
	}

	left, right := partition(b.x, idx, feature, threshold)
	b.importance[feature] += gain * float64(len(idx))

	node.Feature = feature
	node.Threshold = threshold
	node.Left = b.build(left, depth+1)
	node.Right = b.build(right, depth+1)
	return node
}

func (b *classTreeBuilder) bestSplit(idx []int) (feature int, threshold, gain float64, ok bool) {
	parent := gini(classCounts(b.y, idx), len(idx))

	features := b.candidateFeatures()
	bestGain := minSplitGain

	sorted := make([]int, len(idx))
	for _, f := range features {
		copy(sorted, idx)
		sort.Slice(sorted, func(i, j int) bool { return b.x[sorted[i]][f] < b.x[sorted[j]][f] })

		leftCounts := make([]int, NumClasses)
		rightCounts := classCounts(b.y, idx)
		n := len(sorted)

		for i := 1; i < n; i++ {
			cls := b.y[sorted[i-1]]
			leftCounts[cls]++
			rightCounts[cls]--

			if b.x[sorted[i-1]][f] == b.x[sorted[i]][f] {
				continue
			}
			if i < b.minSamplesLeaf || n-i < b.minSamplesLeaf {
				continue
			}

			w := float64(i) / float64(n)
			g := parent - w*gini(leftCounts, i) - (1-w)*gini(rightCounts, n-i)
			if g > bestGain {
				bestGain = g
				feature = f
				threshold = (b.x[sorted[i-1]][f] + b.x[sorted[i]][f]) / 2
				ok = true
			}
		}
	}
	return feature, threshold, bestGain, ok
}

func (b *classTreeBuilder) candidateFeatures() []int {
	d := len(b.x[0])
	if b.maxFeatures <= 0 || b.maxFeatures >= d {
		all := make([]int, d)
		for i := range all {
			all[i] = i
		}
		return all
	}
	perm := b.rng.Perm(d)[:b.maxFeatures]
	sort.Ints(perm)
	return perm
}

func classCounts(y []int, idx []int) []int {
	counts := make([]int, NumClasses)
	for _, i := range idx {
		counts[y[i]]++
	}
	return counts
}

func classDistribution(y []int, idx []int) []float64 {
	counts := classCounts(y, idx)
	dist := make([]float64, NumClasses)
	for c, n := range counts {
		dist[c] = float64(n) / float64(len(idx))
	}
	return dist
}

func isPure(dist []float64) bool {
	for _, p := range dist {
		if p == 1 {
			return true
		}
	}
	return false
}

func gini(counts []int, total int) float64 {
	if total == 0 {
		return 0
	}
	impurity := 1.0
	for _, c := range counts {
		p := float64(c) / float64(total)
		impurity -= p * p
	}
	return impurity
}

func partition(x [][]float64, idx []int, feature int, threshold float64) (left, right []int) {
	for _, i := range idx {
		if x[i][feature] <= threshold {
			left = append(left, i)
		} else {
			right = append(right, i)
		}
	}
	return left, right
}

// ---------------------------------------------------------------------------
// Gradient trees (newton steps on gradient/hessian), used by the boosters
// ---------------------------------------------------------------------------

type growthStrategy int

const (
	growthDepthwise growthStrategy = iota
	growthLeafwise
)

type gradTreeBuilder struct {
	x              [][]float64
	grad           []float64 // first-order gradients per sample
	hess           []float64 // second-order (non-negative) per sample
	lambda         float64   // L2 leaf regularization
	maxDepth       int
	maxLeaves      int // leafwise growth budget
	minSamplesLeaf int
	importance     []float64
}

func (b *gradTreeBuilder) leafValue(idx []int) float64 {
	var g, h float64
	for _, i := range idx {
		g += b.grad[i]
		h += b.hess[i]
	}
	return g / (h + b.lambda)
}

// score is the structure score -G²/(H+λ) negated: higher is better.
func (b *gradTreeBuilder) score(g, h float64) float64 {
	return g * g / (h + b.lambda)
}

type gradSplit struct {
	feature   int
	threshold float64
	gain      float64
	ok        bool
}

func (b *gradTreeBuilder) bestSplit(idx []int) gradSplit {
	var totalG, totalH float64
	for _, i := range idx {
		totalG += b.grad[i]
		totalH += b.hess[i]
	}
	parent := b.score(totalG, totalH)

	best := gradSplit{gain: minSplitGain}
	sorted := make([]int, len(idx))
	d := len(b.x[0])
	n := len(idx)

	for f := 0; f < d; f++ {
		copy(sorted, idx)
		sort.Slice(sorted, func(i, j int) bool { return b.x[sorted[i]][f] < b.x[sorted[j]][f] })

		var leftG, leftH float64
		for i := 1; i < n; i++ {
			leftG += b.grad[sorted[i-1]]
			leftH += b.hess[sorted[i-1]]

			if b.x[sorted[i-1]][f] == b.x[sorted[i]][f] {
				continue
			}
			if i < b.minSamplesLeaf || n-i < b.minSamplesLeaf {
				continue
			}

			gain := b.score(leftG, leftH) + b.score(totalG-leftG, totalH-leftH) - parent
			if gain > best.gain {
				best = gradSplit{
					feature:   f,
					threshold: (b.x[sorted[i-1]][f] + b.x[sorted[i]][f]) / 2,
					gain:      gain,
					ok:        true,
				}
			}
		}
	}
	return best
}

func (b *gradTreeBuilder) build(idx []int) *treeNode {
	if b.maxLeaves > 0 {
		return b.buildLeafwise(idx)
	}
	return b.buildDepthwise(idx, 0)
}

func (b *gradTreeBuilder) buildDepthwise(idx []int, depth int) *treeNode {
	node := &treeNode{Value: b.leafValue(idx)}
	if depth >= b.maxDepth || len(idx) < 2*b.minSamplesLeaf {
		node.Leaf = true
		return node
	}
	split := b.bestSplit(idx)
	if !split.ok {
		node.Leaf = true
		return node
	}
	left, right := partition(b.x, idx, split.feature, split.threshold)
	b.importance[split.feature] += split.gain

	node.Feature = split.feature
	node.Threshold = split.threshold
	node.Left = b.buildDepthwise(left, depth+1)
	node.Right = b.buildDepthwise(right, depth+1)
	return node
}

// buildLeafwise grows the tree best-first: the expandable leaf with the
// highest split gain is split next, up to maxLeaves leaves.
func (b *gradTreeBuilder) buildLeafwise(idx []int) *treeNode {
	type pending struct {
		node  *treeNode
		idx   []int
		depth int
		split gradSplit
	}

	root := &treeNode{Value: b.leafValue(idx), Leaf: true}
	open := []pending{{node: root, idx: idx, split: b.bestSplit(idx)}}
	leaves := 1

	for leaves < b.maxLeaves {
		best := -1
		for i, p := range open {
			if !p.split.ok {
				continue
			}
			if best == -1 || p.split.gain > open[best].split.gain {
				best = i
			}
		}
		if best == -1 {
			break
		}

		p := open[best]
		open = append(open[:best], open[best+1:]...)

		left, right := partition(b.x, p.idx, p.split.feature, p.split.threshold)
		b.importance[p.split.feature] += p.split.gain

		p.node.Leaf = false
		p.node.Feature = p.split.feature
		p.node.Threshold = p.split.threshold
		p.node.Left = &treeNode{Value: b.leafValue(left), Leaf: true}
		p.node.Right = &treeNode{Value: b.leafValue(right), Leaf: true}
		leaves++

		if p.depth+1 < b.maxDepth {
			open = append(open,
				pending{node: p.node.Left, idx: left, depth: p.depth + 1, split: b.bestSplit(left)},
				pending{node: p.node.Right, idx: right, depth: p.depth + 1, split: b.bestSplit(right)},
			)
		}
	}
	return root
}

// pathContribution accumulates, into contrib, the additive change in the
// node quantity (class probability or raw score) attributed to each decision
// along the root→leaf path for x.
func pathContribution(root *treeNode, x []float64, class int, useDist bool, contrib []float64) {
	cur := root
	for !cur.Leaf {
		var next *treeNode
		if x[cur.Feature] <= cur.Threshold {
			next = cur.Left
		} else {
			next = cur.Right
		}
		if useDist {
			contrib[cur.Feature] += next.Dist[class] - cur.Dist[class]
		} else {
			contrib[cur.Feature] += next.Value - cur.Value
		}
		cur = next
	}
}

func normalize(values []float64) {
	var sum float64
	for _, v := range values {
		sum += math.Abs(v)
	}
	if sum == 0 {
		return
	}
	for i := range values {
		values[i] /= sum
	}
}
