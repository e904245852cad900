package tiling

import (
	"fmt"

	"github.com/Swarchal/scPortrait/pkg/labels"
	"github.com/bmharper/tiledinference"
)

// ScheduleForModel produces tiles whose padded size matches a fixed model input size.
// This is for models that cannot accept arbitrary input dimensions.
// Tile placement comes from tiledinference. Core regions are obtained by cutting
// every overlap between horizontally or vertically adjacent tiles at its midpoint,
// so the cores still partition the image.
func ScheduleForModel(extent Extent, modelWidth, modelHeight, minPadding, concurrency, devices int) ([]Tile, error) {
	if extent.Width <= 0 || extent.Height <= 0 {
		return nil, fmt.Errorf("%w: extent %v x %v", ErrInvalidParams, extent.Width, extent.Height)
	}
	if modelWidth <= 0 || modelHeight <= 0 {
		return nil, fmt.Errorf("%w: model size %v x %v", ErrInvalidParams, modelWidth, modelHeight)
	}
	// tiledinference panics on this
	if minPadding < 0 || minPadding*2 >= min(modelWidth, modelHeight) {
		return nil, fmt.Errorf("%w: padding %v is too large for model size %v x %v", ErrInvalidParams, minPadding, modelWidth, modelHeight)
	}

	tiling := tiledinference.MakeTiling(extent.Width, extent.Height, modelWidth, modelHeight, minPadding)
	bounds := func(tx, ty int) labels.Rect {
		r := tiling.TileRect(tx, ty)
		return labels.MakeRect(int(r.X1), int(r.Y1), int(r.X2), int(r.Y2)).Intersection(extent.Rect())
	}

	// Cut positions along each axis. cutsX[i] is the left edge of the cores in column i.
	cutsX := make([]int, tiling.NumX+1)
	cutsX[tiling.NumX] = extent.Width
	for tx := 1; tx < tiling.NumX; tx++ {
		prev, cur := bounds(tx-1, 0), bounds(tx, 0)
		cutsX[tx] = (prev.X2() + cur.X) / 2
	}
	cutsY := make([]int, tiling.NumY+1)
	cutsY[tiling.NumY] = extent.Height
	for ty := 1; ty < tiling.NumY; ty++ {
		prev, cur := bounds(0, ty-1), bounds(0, ty)
		cutsY[ty] = (prev.Y2() + cur.Y) / 2
	}

	tiles := make([]Tile, 0, tiling.NumX*tiling.NumY)
	for ty := 0; ty < tiling.NumY; ty++ {
		for tx := 0; tx < tiling.NumX; tx++ {
			b := bounds(tx, ty)
			core := labels.MakeRect(cutsX[tx], cutsY[ty], cutsX[tx+1], cutsY[ty+1])
			if core.Empty() || !b.ContainsRect(core) {
				return nil, fmt.Errorf("%w: model tiling produced a core %v outside its tile %v", ErrInvalidParams, core, b)
			}
			margin := interiorMargin(b, core, extent)
			tiles = append(tiles, Tile{
				ID:     len(tiles),
				GridX:  tx,
				GridY:  ty,
				Bounds: b,
				Core:   core,
				Margin: margin,
			})
		}
	}
	Assign(tiles, concurrency, devices)
	return tiles, nil
}

// interiorMargin is the smallest distance between core and bounds, ignoring sides on the image border
func interiorMargin(b, core labels.Rect, extent Extent) int {
	m := -1
	consider := func(d int, onBorder bool) {
		if !onBorder && (m < 0 || d < m) {
			m = d
		}
	}
	consider(core.X-b.X, core.X == 0)
	consider(core.Y-b.Y, core.Y == 0)
	consider(b.X2()-core.X2(), core.X2() == extent.Width)
	consider(b.Y2()-core.Y2(), core.Y2() == extent.Height)
	return max(m, 0)
}
