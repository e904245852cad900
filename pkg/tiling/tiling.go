// Package tiling splits a large image into overlapping tiles.
//
// Every tile has a core region and a padded region. The core regions partition
// the image exactly: no gaps and no overlaps. The padded region extends the core
// by the overlap margin on every side, clipped to the image. Objects that straddle
// a core boundary are seen whole by at least one tile, provided the object is
// smaller than the margin. Larger objects may be cut, and it is up to the stitcher
// to glue them back together.
package tiling

import (
	"errors"
	"fmt"
	"math"
	"slices"

	"github.com/Swarchal/scPortrait/pkg/labels"
	"github.com/bmharper/flatbush-go"
)

var ErrInvalidParams = errors.New("Invalid tiling parameters")

// Extent is the size of the full image
type Extent struct {
	Height int `json:"height"`
	Width  int `json:"width"`
}

func (e Extent) Rect() labels.Rect {
	return labels.Rect{Width: e.Width, Height: e.Height}
}

func (e Extent) Pixels() int {
	return e.Width * e.Height
}

// Tile is one unit of segmentation work
type Tile struct {
	ID     int         `json:"id"`
	GridX  int         `json:"gridX"`
	GridY  int         `json:"gridY"`
	Bounds labels.Rect `json:"bounds"` // Padded region, which is what the model sees
	Core   labels.Rect `json:"core"`   // Region that this tile is authoritative for
	Margin int         `json:"margin"`
	Slot   int         `json:"slot"`   // Worker slot, assigned round-robin
	Device int         `json:"device"` // Accelerator device, assigned round-robin
}

// Params controls Schedule
type Params struct {
	Extent        Extent
	MaxTilePixels int // Upper bound on the pixel count of a core region
	Overlap       int // Margin in pixels added to every side of the core
	Concurrency   int // Number of worker slots
	Devices       int // Number of accelerator devices. Zero is treated as 1.
}

func (p *Params) validate() error {
	if p.Extent.Width <= 0 || p.Extent.Height <= 0 {
		return fmt.Errorf("%w: extent %v x %v", ErrInvalidParams, p.Extent.Width, p.Extent.Height)
	}
	if p.MaxTilePixels <= 0 {
		return fmt.Errorf("%w: tile pixel budget must be positive", ErrInvalidParams)
	}
	if p.Overlap < 0 {
		return fmt.Errorf("%w: overlap must not be negative", ErrInvalidParams)
	}
	if p.Concurrency <= 0 {
		return fmt.Errorf("%w: concurrency must be positive", ErrInvalidParams)
	}
	if p.Devices < 0 {
		return fmt.Errorf("%w: device count must not be negative", ErrInvalidParams)
	}
	return nil
}

// Schedule produces a regular grid of tiles in row-major order.
// The core edge length is the largest square that fits inside the pixel budget,
// then shrunk so that the cores divide the image into near-equal parts.
func Schedule(p Params) ([]Tile, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	edge := max(1, int(math.Sqrt(float64(p.MaxTilePixels))))
	xs := splitAxis(p.Extent.Width, edge)
	ys := splitAxis(p.Extent.Height, edge)

	tiles := make([]Tile, 0, len(xs)*len(ys))
	for gy, yr := range ys {
		for gx, xr := range xs {
			core := labels.MakeRect(xr[0], yr[0], xr[1], yr[1])
			tiles = append(tiles, Tile{
				ID:     len(tiles),
				GridX:  gx,
				GridY:  gy,
				Core:   core,
				Bounds: core.Inflate(p.Overlap).Intersection(p.Extent.Rect()),
				Margin: p.Overlap,
			})
		}
	}
	Assign(tiles, p.Concurrency, p.Devices)
	return tiles, nil
}

// splitAxis divides [0, length) into the fewest equal-ish runs no longer than maxRun
func splitAxis(length, maxRun int) [][2]int {
	n := (length + maxRun - 1) / maxRun
	run := (length + n - 1) / n
	n = (length + run - 1) / run
	out := make([][2]int, n)
	for i := range out {
		out[i] = [2]int{i * run, min((i+1)*run, length)}
	}
	return out
}

// Assign distributes tiles round-robin across worker slots and devices, in tile order.
func Assign(tiles []Tile, concurrency, devices int) {
	concurrency = max(concurrency, 1)
	devices = max(devices, 1)
	for i := range tiles {
		tiles[i].Slot = tiles[i].ID % concurrency
		tiles[i].Device = tiles[i].ID % devices
	}
}

// OnOuterEdge is true if (x,y) lies on the outermost ring of the tile's padded region,
// excluding sides that coincide with the image border. Objects touching such a pixel
// may continue beyond what the tile could see.
func (t *Tile) OnOuterEdge(x, y int, extent Extent) bool {
	b := t.Bounds
	if x == b.X && b.X != 0 {
		return true
	}
	if y == b.Y && b.Y != 0 {
		return true
	}
	if x == b.X2()-1 && b.X2() != extent.Width {
		return true
	}
	if y == b.Y2()-1 && b.Y2() != extent.Height {
		return true
	}
	return false
}

// Overlap returns the region seen by both tiles
func Overlap(a, b *Tile) (labels.Rect, bool) {
	r := a.Bounds.Intersection(b.Bounds)
	return r, !r.Empty()
}

// Neighbours returns all pairs of tiles whose padded regions overlap, with the
// lower tile index first. Pairs are sorted by (first, second).
func Neighbours(tiles []Tile) [][2]int {
	if len(tiles) < 2 {
		return nil
	}
	fb := flatbush.NewFlatbush[int32]()
	fb.Reserve(len(tiles))
	for _, t := range tiles {
		fb.Add(int32(t.Bounds.X), int32(t.Bounds.Y), int32(t.Bounds.X2()), int32(t.Bounds.Y2()))
	}
	fb.Finish()

	pairs := [][2]int{}
	found := []int{}
	for i, t := range tiles {
		// The search includes tiles that merely touch, so filter for real overlap below
		found = fb.SearchFast(int32(t.Bounds.X), int32(t.Bounds.Y), int32(t.Bounds.X2()), int32(t.Bounds.Y2()), found[:0])
		js := []int{}
		for _, j := range found {
			if j > i {
				if _, ok := Overlap(&tiles[i], &tiles[j]); ok {
					js = append(js, j)
				}
			}
		}
		slices.Sort(js)
		for _, j := range js {
			pairs = append(pairs, [2]int{i, j})
		}
	}
	return pairs
}
