// Package shape turns cell masks into simplified polygons that a laser
// microdissection instrument can cut.
package shape

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"sync"

	"github.com/Swarchal/scPortrait/pkg/labels"
	"github.com/Swarchal/scPortrait/pkg/match"
	"github.com/cyclopcam/logs"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
	"github.com/paulmach/orb/simplify"
	"golang.org/x/sync/errgroup"
)

var ErrEmptyMask = errors.New("Cell has no pixels left in the mask")
var ErrInvalidOptions = errors.New("Invalid shape options")

type Options struct {
	Dilation          int     `json:"dilation" yaml:"dilation"`                   // Disk radius, in pixels
	SmoothingKernel   int     `json:"smoothingKernel" yaml:"smoothingKernel"`     // Majority filter size. Odd. 1 disables.
	CompressionFactor float64 `json:"compressionFactor" yaml:"compressionFactor"` // Target vertex reduction. 1 disables simplification.
	MaxAreaDeviation  float64 `json:"maxAreaDeviation" yaml:"maxAreaDeviation"`   // Max relative area change caused by simplification
	Concurrency       int     `json:"concurrency" yaml:"concurrency"`
}

func DefaultOptions() Options {
	return Options{
		Dilation:          0,
		SmoothingKernel:   3,
		CompressionFactor: 30,
		MaxAreaDeviation:  0.05,
		Concurrency:       4,
	}
}

func (o *Options) Validate() error {
	if o.Dilation < 0 {
		return fmt.Errorf("%w: dilation must not be negative", ErrInvalidOptions)
	}
	if o.SmoothingKernel < 1 || o.SmoothingKernel%2 == 0 {
		return fmt.Errorf("%w: smoothing kernel %v must be a positive odd number", ErrInvalidOptions, o.SmoothingKernel)
	}
	if o.CompressionFactor < 1 {
		return fmt.Errorf("%w: compression factor must be at least 1", ErrInvalidOptions)
	}
	if o.MaxAreaDeviation < 0 {
		return fmt.Errorf("%w: max area deviation must not be negative", ErrInvalidOptions)
	}
	if o.Concurrency <= 0 {
		return fmt.Errorf("%w: concurrency must be positive", ErrInvalidOptions)
	}
	return nil
}

// Polygon is the cutting outline of one cell, in image pixel coordinates
type Polygon struct {
	CellID   uint32    `json:"cellId"`
	Ring     orb.Ring  `json:"ring"` // Closed: first point == last point
	Area     float64   `json:"area"`
	Centroid orb.Point `json:"centroid"`

	// Vertex count of the traced boundary before simplification
	TracedVertices int `json:"tracedVertices"`

	// False if the area bound stopped simplification before the vertex target was reached
	ReachedTarget bool `json:"reachedTarget"`
}

// Vertices returns the number of distinct vertices
func (p *Polygon) Vertices() int {
	return max(0, len(p.Ring)-1)
}

type Selector struct {
	log  logs.Log
	opts Options
}

func NewSelector(log logs.Log, opts Options) (*Selector, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return &Selector{log: log, opts: opts}, nil
}

// Polygon builds the outline of the pixels labelled cell inside bbox.
// bbox must cover the cell's pixels, but may extend past the mask.
func (s *Selector) Polygon(mask *labels.Array, cell uint32, bbox labels.Rect) (*Polygon, error) {
	pad := s.opts.Dilation + s.opts.SmoothingKernel/2 + 1
	win := bbox.Inflate(pad)

	bin := newBitmap(win.Width, win.Height)
	for y := 0; y < win.Height; y++ {
		for x := 0; x < win.Width; x++ {
			bin.pix[y*win.Width+x] = mask.AtOrBackground(win.X+x, win.Y+y) == cell
		}
	}
	if bin.count() == 0 {
		return nil, fmt.Errorf("%w: cell %v", ErrEmptyMask, cell)
	}

	bin = dilate(bin, s.opts.Dilation)
	bin = smooth(bin, s.opts.SmoothingKernel)
	bin.pix = labels.Largest(bin.pix, bin.w, bin.h)
	if bin.count() == 0 {
		return nil, fmt.Errorf("%w: cell %v vanished after smoothing", ErrEmptyMask, cell)
	}

	trace := traceBoundary(bin)
	ring := make(orb.Ring, 0, len(trace))
	for _, p := range trace {
		ring = append(ring, orb.Point{float64(win.X+p[0]) + 0.5, float64(win.Y+p[1]) + 0.5})
	}
	if len(ring) < 4 {
		// One or two pixels. Use the outline of the pixels themselves.
		ring = pixelOutline(bin, win)
	}

	poly := &Polygon{CellID: cell, TracedVertices: len(ring) - 1}
	poly.Ring, poly.ReachedTarget = s.simplify(ring)
	poly.Centroid, poly.Area = planar.CentroidArea(poly.Ring)
	poly.Area = math.Abs(poly.Area)
	return poly, nil
}

// pixelOutline is the rectangle around the set pixels, in pixel edge coordinates
func pixelOutline(b *bitmap, win labels.Rect) orb.Ring {
	x1, y1, x2, y2 := b.w, b.h, -1, -1
	for y := 0; y < b.h; y++ {
		for x := 0; x < b.w; x++ {
			if b.pix[y*b.w+x] {
				x1, y1 = min(x1, x), min(y1, y)
				x2, y2 = max(x2, x), max(y2, y)
			}
		}
	}
	fx1, fy1 := float64(win.X+x1), float64(win.Y+y1)
	fx2, fy2 := float64(win.X+x2+1), float64(win.Y+y2+1)
	return orb.Ring{{fx1, fy1}, {fx2, fy1}, {fx2, fy2}, {fx1, fy2}, {fx1, fy1}}
}

func ringArea(r orb.Ring) float64 {
	if len(r) < 4 {
		return 0
	}
	return math.Abs(planar.Area(r))
}

// simplify reduces the ring to at most ceil(n / CompressionFactor) vertices,
// unless that would change the area by more than MaxAreaDeviation. In that case
// it simplifies as far as the area bound allows, and returns false.
func (s *Selector) simplify(ring orb.Ring) (orb.Ring, bool) {
	n := len(ring) - 1
	target := max(3, int(math.Ceil(float64(n)/s.opts.CompressionFactor)))
	if n <= target {
		return ring, true
	}
	area := ringArea(ring)
	bound := ring.Bound()
	hi := math.Hypot(bound.Max[0]-bound.Min[0], bound.Max[1]-bound.Min[1])

	run := func(eps float64) (orb.Ring, int, float64) {
		out := simplify.DouglasPeucker(eps).Ring(ring.Clone())
		if len(out) < 4 {
			return out, len(out) - 1, math.Inf(1)
		}
		dev := 0.0
		if area > 0 {
			dev = math.Abs(ringArea(out)-area) / area
		}
		return out, len(out) - 1, dev
	}

	const iterations = 40

	// Smallest epsilon that reaches the vertex target
	lo, up := 0.0, hi
	for i := 0; i < iterations; i++ {
		mid := (lo + up) / 2
		if _, v, _ := run(mid); v <= target {
			up = mid
		} else {
			lo = mid
		}
	}
	if out, v, dev := run(up); v >= 3 && v <= target && dev <= s.opts.MaxAreaDeviation {
		return out, true
	}

	// Largest epsilon that respects the area bound
	best := ring
	lo = 0
	for i := 0; i < iterations; i++ {
		mid := (lo + up) / 2
		if out, v, dev := run(mid); v >= 3 && dev <= s.opts.MaxAreaDeviation {
			best = out
			lo = mid
		} else {
			up = mid
		}
	}
	return best, false
}

// Selection is the outcome of Select
type Selection struct {
	Polygons []Polygon // Ascending cell id
	Empty    []uint32  // Cells whose mask was empty, or vanished during smoothing
}

// Select builds polygons for many cells. mask is labelled with cell ids.
func (s *Selector) Select(ctx context.Context, mask *labels.Array, cells []match.CellRecord) (*Selection, error) {
	polys := make([]*Polygon, len(cells))
	var emptyLock sync.Mutex
	sel := &Selection{}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Concurrency)
	for i := range cells {
		cell := &cells[i]
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			p, err := s.Polygon(mask, cell.ID, cell.BBox)
			if errors.Is(err, ErrEmptyMask) {
				emptyLock.Lock()
				sel.Empty = append(sel.Empty, cell.ID)
				emptyLock.Unlock()
				return nil
			} else if err != nil {
				return err
			}
			polys[i] = p
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for _, p := range polys {
		if p != nil {
			sel.Polygons = append(sel.Polygons, *p)
		}
	}
	slices.SortFunc(sel.Polygons, func(a, b Polygon) int {
		return cmp.Compare(a.CellID, b.CellID)
	})
	slices.Sort(sel.Empty)
	if len(sel.Empty) != 0 {
		s.log.Warnf("%v cells have no usable mask pixels: %v", len(sel.Empty), sel.Empty)
	}
	s.log.Infof("Built %v cutting polygons", len(sel.Polygons))
	return sel, nil
}
