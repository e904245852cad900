package chunkstore

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
)

const metaPrefix = "m/"

// Array is a named N-dimensional array inside a Store.
// Geometry is immutable after creation.
type Array struct {
	store      *Store
	name       string
	shape      []int
	chunkShape []int
	dtype      DType
	chunkBytes int
	gridShape  []int // number of chunks along each axis
}

type arrayMeta struct {
	Shape      []int `json:"shape"`
	ChunkShape []int `json:"chunkShape"`
	DType      DType `json:"dtype"`
}

func (m *arrayMeta) validate() error {
	if len(m.Shape) == 0 {
		return errors.New("Array must have at least one dimension")
	}
	if len(m.Shape) != len(m.ChunkShape) {
		return fmt.Errorf("%w: shape %v and chunk shape %v have different rank", ErrShapeMismatch, m.Shape, m.ChunkShape)
	}
	for i := range m.Shape {
		if m.Shape[i] <= 0 || m.ChunkShape[i] <= 0 {
			return fmt.Errorf("%w: shape %v and chunk shape %v must be positive", ErrShapeMismatch, m.Shape, m.ChunkShape)
		}
	}
	if m.DType.Size() == 0 {
		return fmt.Errorf("Unknown dtype '%v'", m.DType)
	}
	return nil
}

func (m *arrayMeta) equal(b *arrayMeta) bool {
	return slices.Equal(m.Shape, b.Shape) && slices.Equal(m.ChunkShape, b.ChunkShape) && m.DType == b.DType
}

func newArray(s *Store, name string, meta *arrayMeta) *Array {
	a := &Array{
		store:      s,
		name:       name,
		shape:      slices.Clone(meta.Shape),
		chunkShape: slices.Clone(meta.ChunkShape),
		dtype:      meta.DType,
	}
	a.chunkBytes = volume(a.chunkShape) * a.dtype.Size()
	a.gridShape = make([]int, len(a.shape))
	for i := range a.shape {
		a.gridShape[i] = (a.shape[i] + a.chunkShape[i] - 1) / a.chunkShape[i]
	}
	return a
}

func (a *Array) Name() string       { return a.name }
func (a *Array) Shape() []int       { return slices.Clone(a.shape) }
func (a *Array) ChunkShape() []int  { return slices.Clone(a.chunkShape) }
func (a *Array) DType() DType       { return a.dtype }
func (a *Array) Rank() int          { return len(a.shape) }
func (a *Array) Whole() Region      { return Region{Start: make([]int, len(a.shape)), Stop: slices.Clone(a.shape)} }
func (a *Array) NumChunks() int     { return volume(a.gridShape) }
func (a *Array) ChunkByteSize() int { return a.chunkBytes }

// Region is a half-open hyper-rectangle [Start, Stop) in array coordinates
type Region struct {
	Start []int
	Stop  []int
}

// RegionAt builds a region from an origin and a size
func RegionAt(start []int, size []int) Region {
	stop := make([]int, len(start))
	for i := range start {
		stop[i] = start[i] + size[i]
	}
	return Region{Start: slices.Clone(start), Stop: stop}
}

func (r Region) Shape() []int {
	s := make([]int, len(r.Start))
	for i := range r.Start {
		s[i] = r.Stop[i] - r.Start[i]
	}
	return s
}

func (r Region) Volume() int {
	return volume(r.Shape())
}

func (r Region) String() string {
	return fmt.Sprintf("%v:%v", r.Start, r.Stop)
}

func (r Region) intersect(b Region) (Region, bool) {
	out := Region{Start: make([]int, len(r.Start)), Stop: make([]int, len(r.Start))}
	for i := range r.Start {
		out.Start[i] = max(r.Start[i], b.Start[i])
		out.Stop[i] = min(r.Stop[i], b.Stop[i])
		if out.Stop[i] <= out.Start[i] {
			return out, false
		}
	}
	return out, true
}

// checkRegion verifies that r is a non-empty region inside the array
func (a *Array) checkRegion(r Region) error {
	if len(r.Start) != len(a.shape) || len(r.Stop) != len(a.shape) {
		return fmt.Errorf("%w: region %v has rank %v, array '%v' has rank %v", ErrShapeMismatch, r, len(r.Start), a.name, len(a.shape))
	}
	for i := range a.shape {
		if r.Start[i] < 0 || r.Stop[i] > a.shape[i] || r.Stop[i] <= r.Start[i] {
			return fmt.Errorf("%w: region %v is outside array '%v' of shape %v", ErrShapeMismatch, r, a.name, a.shape)
		}
	}
	return nil
}

// chunkCoord identifies one chunk by its position in the chunk grid
type chunkCoord []int

// chunksOf returns the grid coordinates of all chunks that intersect r, in ascending key order
func (a *Array) chunksOf(r Region) []chunkCoord {
	lo := make([]int, len(r.Start))
	hi := make([]int, len(r.Start))
	for i := range r.Start {
		lo[i] = r.Start[i] / a.chunkShape[i]
		hi[i] = (r.Stop[i] - 1) / a.chunkShape[i]
	}
	out := []chunkCoord{}
	cur := slices.Clone(lo)
	for {
		out = append(out, slices.Clone(cur))
		d := len(cur) - 1
		for ; d >= 0; d-- {
			cur[d]++
			if cur[d] <= hi[d] {
				break
			}
			cur[d] = lo[d]
		}
		if d < 0 {
			break
		}
	}
	return out
}

// chunkRegion is the region covered by a chunk, which may extend past the array edge
func (a *Array) chunkRegion(c chunkCoord) Region {
	r := Region{Start: make([]int, len(c)), Stop: make([]int, len(c))}
	for i := range c {
		r.Start[i] = c[i] * a.chunkShape[i]
		r.Stop[i] = r.Start[i] + a.chunkShape[i]
	}
	return r
}

func (a *Array) chunkKey(c chunkCoord) string {
	var b strings.Builder
	b.WriteString(string(chunkPrefix(a.name)))
	for i, v := range c {
		if i != 0 {
			b.WriteByte('.')
		}
		// Zero padding keeps lexical order equal to numeric order
		b.WriteString(fmt.Sprintf("%08d", v))
	}
	return b.String()
}

func metaKey(name string) []byte {
	return []byte(metaPrefix + name)
}

func chunkPrefix(name string) []byte {
	return []byte("c/" + strconv.Itoa(len(name)) + "/" + name + "/")
}

func volume(shape []int) int {
	v := 1
	for _, s := range shape {
		v *= s
	}
	return v
}

func strides(shape []int) []int {
	s := make([]int, len(shape))
	acc := 1
	for i := len(shape) - 1; i >= 0; i-- {
		s[i] = acc
		acc *= shape[i]
	}
	return s
}
