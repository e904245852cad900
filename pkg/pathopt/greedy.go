package pathopt

import (
	"cmp"
	"fmt"
	"math"
	"slices"

	flatbush "github.com/bmharper/flatbush-go"
	"github.com/paulmach/orb/planar"
)

// Greedy repeatedly travels to the nearest unvisited stop among the K nearest
// neighbours of the current stop. When all K are visited, it jumps to the
// nearest unvisited stop overall. Ties go to the lowest id.
type Greedy struct {
	K    int
	Seed uint32 // First stop. 0 means the lowest id.
}

func (g *Greedy) Name() string {
	return StrategyGreedy
}

func (g *Greedy) Order(stops []Stop) (VisitOrder, error) {
	sorted, err := sortedStops(stops)
	if err != nil {
		return nil, err
	}
	n := len(sorted)
	if n == 0 {
		return VisitOrder{}, nil
	}

	cur := 0
	if g.Seed != 0 {
		cur, _ = slices.BinarySearchFunc(sorted, g.Seed, func(s Stop, id uint32) int {
			return cmp.Compare(s.ID, id)
		})
		if cur == n || sorted[cur].ID != g.Seed {
			return nil, fmt.Errorf("%w: seed %v", ErrUnknownStop, g.Seed)
		}
	}

	idx := newPointIndex(sorted)
	knn := make([][]int, n)
	for i := range sorted {
		knn[i] = idx.nearest(i, g.K, nil)
	}

	visited := make([]bool, n)
	isVisited := func(j int) bool { return visited[j] }
	order := make(VisitOrder, 0, n)
	for {
		visited[cur] = true
		order = append(order, sorted[cur].ID)
		if len(order) == n {
			break
		}
		next := -1
		for _, j := range knn[cur] {
			if !visited[j] {
				next = j
				break
			}
		}
		if next < 0 {
			next = idx.nearest(cur, 1, isVisited)[0]
		}
		cur = next
	}
	return order, nil
}

// pointIndex answers nearest neighbour queries with expanding box searches over a flatbush index
type pointIndex struct {
	stops     []Stop // Ascending id, so index order is id order
	fb        *flatbush.Flatbush[float64]
	radius    float64 // Initial search half-width
	maxRadius float64 // Every stop is within this distance of every other
	found     []int
}

func newPointIndex(stops []Stop) *pointIndex {
	fb := flatbush.NewFlatbush[float64]()
	fb.Reserve(len(stops))
	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)
	for _, s := range stops {
		fb.Add(s.Point[0], s.Point[1], s.Point[0], s.Point[1])
		minX, maxX = min(minX, s.Point[0]), max(maxX, s.Point[0])
		minY, maxY = min(minY, s.Point[1]), max(maxY, s.Point[1])
	}
	fb.Finish()

	w, h := maxX-minX, maxY-minY
	ix := &pointIndex{
		stops:     stops,
		fb:        fb,
		maxRadius: math.Hypot(w, h),
	}
	// Roughly the spacing between stops, if they were evenly spread
	ix.radius = math.Sqrt(max(w, 1) * max(h, 1) / float64(len(stops)))
	return ix
}

// nearest returns up to k stops closest to stop i, excluding i and any stop
// for which skip returns true. Sorted by distance, then id.
func (ix *pointIndex) nearest(i, k int, skip func(j int) bool) []int {
	p := ix.stops[i].Point
	type cand struct {
		j    int
		dist float64
	}
	cands := []cand{}
	for r := ix.radius; ; r *= 2 {
		ix.found = ix.fb.SearchFast(p[0]-r, p[1]-r, p[0]+r, p[1]+r, ix.found[:0])
		cands = cands[:0]
		for _, j := range ix.found {
			if j == i || (skip != nil && skip(j)) {
				continue
			}
			// Outside the inscribed circle, a closer stop might lie beyond the box
			if d := planar.Distance(p, ix.stops[j].Point); d <= r {
				cands = append(cands, cand{j, d})
			}
		}
		if len(cands) >= k || r >= ix.maxRadius {
			break
		}
	}
	slices.SortFunc(cands, func(a, b cand) int {
		if c := cmp.Compare(a.dist, b.dist); c != 0 {
			return c
		}
		return cmp.Compare(a.j, b.j)
	})
	out := make([]int, 0, min(k, len(cands)))
	for _, c := range cands[:min(k, len(cands))] {
		out = append(out, c.j)
	}
	return out
}
