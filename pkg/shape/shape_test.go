package shape

import (
	"context"
	"math"
	"testing"

	"github.com/Swarchal/scPortrait/pkg/labels"
	"github.com/Swarchal/scPortrait/pkg/match"
	"github.com/cyclopcam/logs"
	"github.com/google/go-cmp/cmp"
	"github.com/paulmach/orb"
	"github.com/stretchr/testify/require"
)

func fillRect(a *labels.Array, r labels.Rect, id uint32) {
	for y := r.Y; y < r.Y2(); y++ {
		for x := r.X; x < r.X2(); x++ {
			a.Set(x, y, id)
		}
	}
}

func fillDisc(a *labels.Array, cx, cy, r int, id uint32) labels.Rect {
	for y := cy - r; y <= cy+r; y++ {
		for x := cx - r; x <= cx+r; x++ {
			if (x-cx)*(x-cx)+(y-cy)*(y-cy) <= r*r {
				a.Set(x, y, id)
			}
		}
	}
	return labels.MakeRect(cx-r, cy-r, cx+r+1, cy+r+1)
}

func newSelector(t *testing.T, mutate func(o *Options)) *Selector {
	opts := DefaultOptions()
	mutate(&opts)
	s, err := NewSelector(logs.NewTestingLog(t), opts)
	require.NoError(t, err)
	return s
}

func TestTraceSquare(t *testing.T) {
	b := newBitmap(4, 4)
	for _, p := range [][2]int{{1, 1}, {2, 1}, {1, 2}, {2, 2}} {
		b.pix[p[1]*4+p[0]] = true
	}
	require.Equal(t, [][2]int{{1, 1}, {2, 1}, {2, 2}, {1, 2}, {1, 1}}, traceBoundary(b))

	single := newBitmap(3, 3)
	single.pix[4] = true
	require.Equal(t, [][2]int{{1, 1}, {1, 1}}, traceBoundary(single))
	require.Nil(t, traceBoundary(newBitmap(2, 2)))
}

func TestTraceLShape(t *testing.T) {
	// ##
	// #.
	// ##
	b := newBitmap(2, 3)
	for _, p := range [][2]int{{0, 0}, {1, 0}, {0, 1}, {0, 2}, {1, 2}} {
		b.pix[p[1]*2+p[0]] = true
	}
	trace := traceBoundary(b)
	require.Equal(t, trace[0], trace[len(trace)-1])
	// Every set pixel is on the boundary
	seen := map[[2]int]bool{}
	for _, p := range trace {
		seen[p] = true
	}
	require.Len(t, seen, 5)
}

func TestSquarePolygon(t *testing.T) {
	mask := labels.New(30, 30)
	fillRect(mask, labels.MakeRect(5, 7, 15, 17), 3)
	s := newSelector(t, func(o *Options) {
		o.SmoothingKernel = 1
		o.CompressionFactor = 9
	})
	p, err := s.Polygon(mask, 3, labels.MakeRect(5, 7, 15, 17))
	require.NoError(t, err)
	require.EqualValues(t, 3, p.CellID)
	require.Equal(t, 36, p.TracedVertices)
	require.Equal(t, 4, p.Vertices())
	require.True(t, p.ReachedTarget)
	require.InDelta(t, 81, p.Area, 1e-9)
	require.InDelta(t, 10.0, p.Centroid[0], 1e-9)
	require.InDelta(t, 12.0, p.Centroid[1], 1e-9)
	want := orb.Ring{{5.5, 7.5}, {14.5, 7.5}, {14.5, 16.5}, {5.5, 16.5}, {5.5, 7.5}}
	if diff := cmp.Diff(want, p.Ring); diff != "" {
		t.Fatalf("ring mismatch (-want +got):\n%v", diff)
	}
}

func TestDilation(t *testing.T) {
	mask := labels.New(20, 20)
	fillRect(mask, labels.MakeRect(5, 5, 10, 10), 1)
	s := newSelector(t, func(o *Options) {
		o.Dilation = 1
		o.SmoothingKernel = 1
		o.CompressionFactor = 1
	})
	p, err := s.Polygon(mask, 1, labels.MakeRect(5, 5, 10, 10))
	require.NoError(t, err)
	// 7x7 block with the corners missing. The pixel-centre outline has area 6*6 - 4*0.5.
	require.InDelta(t, 34, p.Area, 1e-9)
	b := p.Ring.Bound()
	require.Equal(t, orb.Point{4.5, 4.5}, b.Min)
	require.Equal(t, orb.Point{10.5, 10.5}, b.Max)
}

func TestSmoothingRemovesSpur(t *testing.T) {
	plain := labels.New(20, 20)
	fillRect(plain, labels.MakeRect(5, 5, 12, 12), 1)
	spur := plain.Clone()
	spur.Set(12, 8, 1)

	s := newSelector(t, func(o *Options) {
		o.CompressionFactor = 1
	})
	a, err := s.Polygon(plain, 1, labels.MakeRect(5, 5, 12, 12))
	require.NoError(t, err)
	b, err := s.Polygon(spur, 1, labels.MakeRect(5, 5, 13, 12))
	require.NoError(t, err)
	require.Equal(t, a.Ring, b.Ring)
}

func TestLargestComponentOnly(t *testing.T) {
	mask := labels.New(40, 20)
	fillRect(mask, labels.MakeRect(2, 2, 10, 10), 1)
	fillRect(mask, labels.MakeRect(30, 10, 33, 13), 1)
	s := newSelector(t, func(o *Options) {
		o.SmoothingKernel = 1
	})
	p, err := s.Polygon(mask, 1, labels.MakeRect(2, 2, 33, 13))
	require.NoError(t, err)
	b := p.Ring.Bound()
	require.Less(t, b.Max[0], 10.0)
	require.InDelta(t, 6, p.Centroid[0], 1e-9)
}

func TestAreaBoundLimitsSimplification(t *testing.T) {
	mask := labels.New(60, 60)
	bbox := fillDisc(mask, 30, 30, 20, 1)

	strict := newSelector(t, func(o *Options) {
		o.SmoothingKernel = 1
		o.CompressionFactor = 1000
		o.MaxAreaDeviation = 0.05
	})
	p, err := strict.Polygon(mask, 1, bbox)
	require.NoError(t, err)
	require.False(t, p.ReachedTarget)
	require.Greater(t, p.Vertices(), 4)
	traced, err := newSelector(t, func(o *Options) {
		o.SmoothingKernel = 1
		o.CompressionFactor = 1
	}).Polygon(mask, 1, bbox)
	require.NoError(t, err)
	require.LessOrEqual(t, math.Abs(p.Area-traced.Area)/traced.Area, 0.05)

	loose := newSelector(t, func(o *Options) {
		o.SmoothingKernel = 1
		o.CompressionFactor = 10
		o.MaxAreaDeviation = 0.5
	})
	p, err = loose.Polygon(mask, 1, bbox)
	require.NoError(t, err)
	require.True(t, p.ReachedTarget)
	require.LessOrEqual(t, p.Vertices(), int(math.Ceil(float64(p.TracedVertices)/10)))
	require.Less(t, p.Vertices(), p.TracedVertices)
}

func TestSelect(t *testing.T) {
	mask := labels.New(60, 30)
	fillRect(mask, labels.MakeRect(2, 2, 12, 12), 1)
	fillRect(mask, labels.MakeRect(30, 5, 40, 15), 3)
	mask.Set(50, 20, 4) // Single pixel, vanishes under majority smoothing

	cells := []match.CellRecord{
		{ID: 3, BBox: labels.MakeRect(30, 5, 40, 15)},
		{ID: 1, BBox: labels.MakeRect(2, 2, 12, 12)},
		{ID: 2, BBox: labels.MakeRect(20, 20, 25, 25)}, // Not in the mask
		{ID: 4, BBox: labels.MakeRect(50, 20, 51, 21)},
	}
	s := newSelector(t, func(o *Options) {})
	sel, err := s.Select(context.Background(), mask, cells)
	require.NoError(t, err)
	require.Len(t, sel.Polygons, 2)
	require.EqualValues(t, 1, sel.Polygons[0].CellID)
	require.EqualValues(t, 3, sel.Polygons[1].CellID)
	require.Equal(t, []uint32{2, 4}, sel.Empty)

	_, err = s.Polygon(mask, 2, labels.MakeRect(20, 20, 25, 25))
	require.ErrorIs(t, err, ErrEmptyMask)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.Select(ctx, mask, cells)
	require.ErrorIs(t, err, context.Canceled)
}

func TestInvalidOptions(t *testing.T) {
	for _, mutate := range []func(o *Options){
		func(o *Options) { o.SmoothingKernel = 4 },
		func(o *Options) { o.SmoothingKernel = 0 },
		func(o *Options) { o.Dilation = -1 },
		func(o *Options) { o.CompressionFactor = 0.5 },
		func(o *Options) { o.Concurrency = 0 },
	} {
		opts := DefaultOptions()
		mutate(&opts)
		_, err := NewSelector(logs.NewTestingLog(t), opts)
		require.ErrorIs(t, err, ErrInvalidOptions)
	}
}
