package pathopt

import (
	"cmp"
	"math"
	"slices"
)

// Hilbert sorts stops by their position along a Hilbert curve over the bounding square of all stops
type Hilbert struct {
	Level int // The grid is 2^Level on each side
}

func (h *Hilbert) Name() string {
	return StrategyHilbert
}

func (h *Hilbert) Order(stops []Stop) (VisitOrder, error) {
	sorted, err := sortedStops(stops)
	if err != nil {
		return nil, err
	}
	if len(sorted) == 0 {
		return VisitOrder{}, nil
	}

	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)
	for _, s := range sorted {
		minX, maxX = min(minX, s.Point[0]), max(maxX, s.Point[0])
		minY, maxY = min(minY, s.Point[1]), max(maxY, s.Point[1])
	}
	span := max(maxX-minX, maxY-minY)
	n := uint64(1) << h.Level

	type keyed struct {
		id uint32
		d  uint64
	}
	keys := make([]keyed, len(sorted))
	for i, s := range sorted {
		var gx, gy uint64
		if span > 0 {
			gx = min(n-1, uint64((s.Point[0]-minX)/span*float64(n)))
			gy = min(n-1, uint64((s.Point[1]-minY)/span*float64(n)))
		}
		keys[i] = keyed{id: s.ID, d: HilbertIndex(n, gx, gy)}
	}
	slices.SortStableFunc(keys, func(a, b keyed) int {
		if c := cmp.Compare(a.d, b.d); c != 0 {
			return c
		}
		return cmp.Compare(a.id, b.id)
	})

	order := make(VisitOrder, len(keys))
	for i, k := range keys {
		order[i] = k.id
	}
	return order, nil
}

// HilbertIndex maps (x,y) on an n x n grid (n a power of 2) to its distance along the Hilbert curve
func HilbertIndex(n, x, y uint64) uint64 {
	var d uint64
	for s := n / 2; s > 0; s /= 2 {
		var rx, ry uint64
		if x&s != 0 {
			rx = 1
		}
		if y&s != 0 {
			ry = 1
		}
		d += s * s * ((3 * rx) ^ ry)
		// Rotate the quadrant
		if ry == 0 {
			if rx == 1 {
				x = n - 1 - x
				y = n - 1 - y
			}
			x, y = y, x
		}
	}
	return d
}
