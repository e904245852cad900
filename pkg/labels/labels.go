// Package labels holds 2D instance label arrays and the per-instance
// statistics that are derived from them.
package labels

import (
	"errors"
	"fmt"
	"slices"
)

// Background is the label value for pixels that belong to no instance
const Background uint32 = 0

var ErrSizeMismatch = errors.New("Label array size mismatch")

// Array is a dense, row-major 2D array of instance ids.
// Zero is background. Positive values are instance ids, whose scope
// (tile-local or global) depends on who produced the array.
type Array struct {
	Width  int
	Height int
	Pix    []uint32
}

func New(width, height int) *Array {
	return &Array{
		Width:  width,
		Height: height,
		Pix:    make([]uint32, width*height),
	}
}

// Wrap an existing pixel buffer. len(pix) must equal width*height.
func Wrap(width, height int, pix []uint32) (*Array, error) {
	if len(pix) != width*height {
		return nil, fmt.Errorf("%w: %v pixels for %v x %v", ErrSizeMismatch, len(pix), width, height)
	}
	return &Array{Width: width, Height: height, Pix: pix}, nil
}

func (a *Array) Bounds() Rect {
	return Rect{Width: a.Width, Height: a.Height}
}

func (a *Array) At(x, y int) uint32 {
	return a.Pix[y*a.Width+x]
}

func (a *Array) Set(x, y int, v uint32) {
	a.Pix[y*a.Width+x] = v
}

// AtOrBackground returns Background for coordinates outside the array
func (a *Array) AtOrBackground(x, y int) uint32 {
	if x < 0 || y < 0 || x >= a.Width || y >= a.Height {
		return Background
	}
	return a.Pix[y*a.Width+x]
}

func (a *Array) Clone() *Array {
	return &Array{Width: a.Width, Height: a.Height, Pix: slices.Clone(a.Pix)}
}

// Crop returns a copy of the region r, which must lie inside the array
func (a *Array) Crop(r Rect) *Array {
	out := New(r.Width, r.Height)
	for y := 0; y < r.Height; y++ {
		src := a.Pix[(r.Y+y)*a.Width+r.X : (r.Y+y)*a.Width+r.X+r.Width]
		copy(out.Pix[y*r.Width:(y+1)*r.Width], src)
	}
	return out
}

// Paste copies the region srcRect of src into a, with the top-left of srcRect landing at (dstX, dstY).
// If remap is not nil, every non-background value is passed through it.
func (a *Array) Paste(src *Array, srcRect Rect, dstX, dstY int, remap func(uint32) uint32) {
	for y := 0; y < srcRect.Height; y++ {
		srow := src.Pix[(srcRect.Y+y)*src.Width+srcRect.X : (srcRect.Y+y)*src.Width+srcRect.X+srcRect.Width]
		drow := a.Pix[(dstY+y)*a.Width+dstX : (dstY+y)*a.Width+dstX+srcRect.Width]
		if remap == nil {
			copy(drow, srow)
			continue
		}
		for i, v := range srow {
			if v != Background {
				v = remap(v)
			}
			drow[i] = v
		}
	}
}

// IDs returns the distinct non-background ids in ascending order
func (a *Array) IDs() []uint32 {
	seen := map[uint32]bool{}
	for _, v := range a.Pix {
		if v != Background {
			seen[v] = true
		}
	}
	ids := make([]uint32, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (a *Array) MaxID() uint32 {
	m := uint32(0)
	for _, v := range a.Pix {
		m = max(m, v)
	}
	return m
}

// Relabel rewrites every pixel through the mapping. Ids missing from the map become background.
func (a *Array) Relabel(mapping map[uint32]uint32) {
	for i, v := range a.Pix {
		if v != Background {
			a.Pix[i] = mapping[v]
		}
	}
}

// SamePartition returns true if a and b group pixels identically, ignoring the actual id values.
// Background must match exactly.
func SamePartition(a, b *Array) bool {
	if a.Width != b.Width || a.Height != b.Height {
		return false
	}
	ab := map[uint32]uint32{}
	ba := map[uint32]uint32{}
	for i := range a.Pix {
		va, vb := a.Pix[i], b.Pix[i]
		if (va == Background) != (vb == Background) {
			return false
		}
		if va == Background {
			continue
		}
		if m, ok := ab[va]; ok && m != vb {
			return false
		}
		if m, ok := ba[vb]; ok && m != va {
			return false
		}
		ab[va] = vb
		ba[vb] = va
	}
	return true
}
