package segment

import (
	"container/heap"
	"math"
	"slices"

	"github.com/Swarchal/scPortrait/pkg/labels"
	"gonum.org/v1/gonum/stat"
)

var offsets4 = [4][2]int{{-1, 0}, {1, 0}, {0, -1}, {0, 1}}

// quantileStretch maps the [lower,upper] quantiles of v onto [0,1], clamping outside values.
// A flat channel maps to zero.
func quantileStretch(v []float32, lower, upper float64) []float32 {
	sorted := make([]float64, len(v))
	for i, x := range v {
		sorted[i] = float64(x)
	}
	slices.Sort(sorted)
	lo := stat.Quantile(lower, stat.Empirical, sorted, nil)
	hi := stat.Quantile(upper, stat.Empirical, sorted, nil)
	out := make([]float32, len(v))
	if hi <= lo {
		return out
	}
	scale := 1 / (hi - lo)
	for i, x := range v {
		out[i] = float32(math.Min(1, math.Max(0, (float64(x)-lo)*scale)))
	}
	return out
}

// medianFilter uses a size x size window. Only pixels inside the image take part at the edges.
func medianFilter(v []float32, width, height, size int) []float32 {
	r := size / 2
	out := make([]float32, len(v))
	window := make([]float32, 0, size*size)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			window = window[:0]
			for wy := max(0, y-r); wy <= min(height-1, y+r); wy++ {
				for wx := max(0, x-r); wx <= min(width-1, x+r); wx++ {
					window = append(window, v[wy*width+wx])
				}
			}
			slices.Sort(window)
			out[y*width+x] = window[len(window)/2]
		}
	}
	return out
}

func disk(radius int) [][2]int {
	d := [][2]int{}
	for dy := -radius; dy <= radius; dy++ {
		for dx := -radius; dx <= radius; dx++ {
			if dx*dx+dy*dy <= radius*radius {
				d = append(d, [2]int{dx, dy})
			}
		}
	}
	return d
}

// erode keeps a pixel if its whole disk is set. Pixels outside the image count as set,
// so that objects cut by the tile edge do not shrink away from it.
func erode(mask []bool, width, height, radius int) []bool {
	d := disk(radius)
	out := make([]bool, len(mask))
	for p, on := range mask {
		if !on {
			continue
		}
		x, y := p%width, p/width
		keep := true
		for _, o := range d {
			nx, ny := x+o[0], y+o[1]
			if nx >= 0 && ny >= 0 && nx < width && ny < height && !mask[ny*width+nx] {
				keep = false
				break
			}
		}
		out[p] = keep
	}
	return out
}

func dilate(mask []bool, width, height, radius int) []bool {
	d := disk(radius)
	out := make([]bool, len(mask))
	for p, on := range mask {
		if !on {
			continue
		}
		x, y := p%width, p/width
		for _, o := range d {
			nx, ny := x+o[0], y+o[1]
			if nx >= 0 && ny >= 0 && nx < width && ny < height {
				out[ny*width+nx] = true
			}
		}
	}
	return out
}

// distanceToBackground is the 4-neighbour step count from each foreground pixel to the
// nearest background pixel. Returns nil if the mask has no background.
func distanceToBackground(mask []bool, width, height int) []int32 {
	dist := make([]int32, len(mask))
	queue := []int{}
	for p, on := range mask {
		if on {
			dist[p] = -1
		} else {
			queue = append(queue, p)
		}
	}
	if len(queue) == 0 {
		return nil
	}
	for len(queue) != 0 {
		p := queue[0]
		queue = queue[1:]
		x, y := p%width, p/width
		for _, o := range offsets4 {
			nx, ny := x+o[0], y+o[1]
			if nx < 0 || ny < 0 || nx >= width || ny >= height {
				continue
			}
			np := ny*width + nx
			if dist[np] == -1 {
				dist[np] = dist[p] + 1
				queue = append(queue, np)
			}
		}
	}
	return dist
}

// splitTouching divides the components of comp along valleys of the distance transform.
// Seeds are distance maxima within a Chebyshev window of minDistance, and no two seeds of
// one component lie within minDistance of each other. Each component keeps at least one seed.
// Ids of the result are arbitrary. Also returns the seed pixel of each id.
func splitTouching(comp *labels.Array, mask []bool, minDistance int) (*labels.Array, map[uint32]int) {
	width, height := comp.Width, comp.Height
	dist := distanceToBackground(mask, width, height)
	if dist == nil {
		seeds := map[uint32]int{}
		for p, id := range comp.Pix {
			if _, ok := seeds[id]; !ok && id != labels.Background {
				seeds[id] = p
			}
		}
		return comp, seeds
	}

	peaks := []int{}
	for p, on := range mask {
		if !on {
			continue
		}
		x, y := p%width, p/width
		isPeak := true
		for wy := max(0, y-minDistance); wy <= min(height-1, y+minDistance) && isPeak; wy++ {
			for wx := max(0, x-minDistance); wx <= min(width-1, x+minDistance); wx++ {
				if dist[wy*width+wx] > dist[p] {
					isPeak = false
					break
				}
			}
		}
		if isPeak {
			peaks = append(peaks, p)
		}
	}
	// Highest first, raster order among equals (the sort is stable)
	slices.SortStableFunc(peaks, func(a, b int) int { return int(dist[b] - dist[a]) })

	out := labels.New(width, height)
	q := &floodQueue{}
	seeds := []int{}
	seedOf := map[uint32]int{}
	for _, p := range peaks {
		x, y := p%width, p/width
		near := false
		for _, s := range seeds {
			sx, sy := s%width, s/width
			if comp.Pix[s] == comp.Pix[p] && max(abs(sx-x), abs(sy-y)) <= minDistance {
				near = true
				break
			}
		}
		if near {
			continue
		}
		seeds = append(seeds, p)
		out.Pix[p] = uint32(len(seeds))
		seedOf[out.Pix[p]] = p
		q.pushNeighbours(mask, out, dist, p)
	}

	for q.Len() != 0 {
		e := heap.Pop(q).(floodEntry)
		if out.Pix[e.pixel] != labels.Background {
			continue
		}
		out.Pix[e.pixel] = e.label
		q.pushNeighbours(mask, out, dist, e.pixel)
	}
	return out, seedOf
}

// limitReach clears pixels that are more than maxSteps 4-neighbour steps from the seed
// of their instance, walking only within the instance.
func limitReach(a *labels.Array, seeds map[uint32]int, maxSteps int) {
	steps := make([]int32, len(a.Pix))
	for i := range steps {
		steps[i] = -1
	}
	queue := []int{}
	for _, p := range seeds {
		steps[p] = 0
		queue = append(queue, p)
	}
	for len(queue) != 0 {
		p := queue[0]
		queue = queue[1:]
		x, y := p%a.Width, p/a.Width
		for _, o := range offsets4 {
			nx, ny := x+o[0], y+o[1]
			if nx < 0 || ny < 0 || nx >= a.Width || ny >= a.Height {
				continue
			}
			np := ny*a.Width + nx
			if steps[np] == -1 && a.Pix[np] == a.Pix[p] {
				steps[np] = steps[p] + 1
				queue = append(queue, np)
			}
		}
	}
	for p, s := range steps {
		if s == -1 || s > int32(maxSteps) {
			a.Pix[p] = labels.Background
		}
	}
}

// filterSizes drops instances outside [minSize, maxSize] pixels and renumbers the rest
// 1,2,3... in raster order of their first pixel. Zero bounds are open.
func filterSizes(a *labels.Array, minSize, maxSize int) int {
	counts := map[uint32]int{}
	for _, v := range a.Pix {
		if v != labels.Background {
			counts[v]++
		}
	}
	remap := map[uint32]uint32{}
	next := uint32(0)
	for _, v := range a.Pix {
		if v == labels.Background {
			continue
		}
		if _, seen := remap[v]; seen {
			continue
		}
		n := counts[v]
		if n < minSize || (maxSize > 0 && n > maxSize) {
			remap[v] = labels.Background
			continue
		}
		next++
		remap[v] = next
	}
	a.Relabel(remap)
	return int(next)
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

type floodEntry struct {
	dist  int32
	order int
	pixel int
	label uint32
}

// floodQueue pops the entry of highest distance, oldest first among equals
type floodQueue struct {
	entries []floodEntry
	pushed  int
}

func (q *floodQueue) Len() int { return len(q.entries) }
func (q *floodQueue) Less(i, j int) bool {
	a, b := q.entries[i], q.entries[j]
	if a.dist != b.dist {
		return a.dist > b.dist
	}
	return a.order < b.order
}
func (q *floodQueue) Swap(i, j int) { q.entries[i], q.entries[j] = q.entries[j], q.entries[i] }
func (q *floodQueue) Push(x any)   { q.entries = append(q.entries, x.(floodEntry)) }
func (q *floodQueue) Pop() any {
	last := q.entries[len(q.entries)-1]
	q.entries = q.entries[:len(q.entries)-1]
	return last
}

func (q *floodQueue) pushNeighbours(mask []bool, out *labels.Array, dist []int32, p int) {
	x, y := p%out.Width, p/out.Width
	for _, o := range offsets4 {
		nx, ny := x+o[0], y+o[1]
		if nx < 0 || ny < 0 || nx >= out.Width || ny >= out.Height {
			continue
		}
		np := ny*out.Width + nx
		if mask[np] && out.Pix[np] == labels.Background {
			q.pushed++
			heap.Push(q, floodEntry{dist: dist[np], order: q.pushed, pixel: np, label: out.Pix[p]})
		}
	}
}
