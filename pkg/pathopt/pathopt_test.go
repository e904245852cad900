package pathopt

import (
	"math/rand"
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/require"
)

func randomStops(rng *rand.Rand, n int) []Stop {
	stops := make([]Stop, n)
	ids := rng.Perm(n)
	for i := range stops {
		stops[i] = Stop{ID: uint32(ids[i] + 1), Point: orb.Point{rng.Float64() * 1000, rng.Float64() * 1000}}
	}
	return stops
}

func TestHilbertIndex(t *testing.T) {
	require.EqualValues(t, 0, HilbertIndex(2, 0, 0))
	require.EqualValues(t, 1, HilbertIndex(2, 0, 1))
	require.EqualValues(t, 2, HilbertIndex(2, 1, 1))
	require.EqualValues(t, 3, HilbertIndex(2, 1, 0))

	// Every cell gets a distinct index, and consecutive indices are adjacent cells
	const n = 16
	cells := make([][2]uint64, n*n)
	seen := map[uint64]bool{}
	for y := uint64(0); y < n; y++ {
		for x := uint64(0); x < n; x++ {
			d := HilbertIndex(n, x, y)
			require.Less(t, d, uint64(n*n))
			require.False(t, seen[d])
			seen[d] = true
			cells[d] = [2]uint64{x, y}
		}
	}
	for d := 1; d < n*n; d++ {
		a, b := cells[d-1], cells[d]
		dx := int(a[0]) - int(b[0])
		dy := int(a[1]) - int(b[1])
		require.Equal(t, 1, dx*dx+dy*dy, "step %v", d)
	}
}

func TestHilbertIsPermutation(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	s, err := NewStrategy(StrategyHilbert, DefaultParams())
	require.NoError(t, err)
	require.Equal(t, StrategyHilbert, s.Name())
	for trial := 0; trial < 50; trial++ {
		stops := randomStops(rng, 1+rng.Intn(200))
		order, err := s.Order(stops)
		require.NoError(t, err)
		require.NoError(t, Validate(stops, order))
	}
}

func TestHilbertTiesByID(t *testing.T) {
	s, err := NewStrategy(StrategyHilbert, Params{HilbertOrder: 2})
	require.NoError(t, err)
	stops := []Stop{
		{ID: 9, Point: orb.Point{0, 0}},
		{ID: 4, Point: orb.Point{0, 0}},
		{ID: 7, Point: orb.Point{10, 10}},
		{ID: 2, Point: orb.Point{0.1, 0.1}},
	}
	order, err := s.Order(stops)
	require.NoError(t, err)
	require.Equal(t, VisitOrder{2, 4, 9, 7}, order)

	// All stops on the same spot
	order, err = s.Order([]Stop{{ID: 3}, {ID: 1}, {ID: 2}})
	require.NoError(t, err)
	require.Equal(t, VisitOrder{1, 2, 3}, order)
}

func TestGreedyLine(t *testing.T) {
	stops := []Stop{}
	for i := 10; i >= 1; i-- {
		stops = append(stops, Stop{ID: uint32(i), Point: orb.Point{float64(i), 0}})
	}
	s, err := NewStrategy(StrategyGreedy, Params{K: 2})
	require.NoError(t, err)
	order, err := s.Order(stops)
	require.NoError(t, err)
	require.Equal(t, VisitOrder{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, order)

	// From the middle, ties go left first, then we jump back to the nearest unvisited stop
	s, err = NewStrategy(StrategyGreedy, Params{K: 2, Seed: 5})
	require.NoError(t, err)
	order, err = s.Order(stops)
	require.NoError(t, err)
	require.Equal(t, VisitOrder{5, 4, 3, 2, 1, 6, 7, 8, 9, 10}, order)

	s, err = NewStrategy(StrategyGreedy, Params{K: 2, Seed: 11})
	require.NoError(t, err)
	_, err = s.Order(stops)
	require.ErrorIs(t, err, ErrUnknownStop)
}

func TestGreedyBeatsArbitraryOrder(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	s, err := NewStrategy(StrategyGreedy, DefaultParams())
	require.NoError(t, err)
	const trials = 100
	wins := 0
	for trial := 0; trial < trials; trial++ {
		stops := randomStops(rng, 20+rng.Intn(100))
		order, err := s.Order(stops)
		require.NoError(t, err)
		require.NoError(t, Validate(stops, order))

		arbitrary := make(VisitOrder, len(stops))
		for i, j := range rng.Perm(len(stops)) {
			arbitrary[i] = stops[j].ID
		}
		greedyLen, err := PathLength(stops, order)
		require.NoError(t, err)
		arbitraryLen, err := PathLength(stops, arbitrary)
		require.NoError(t, err)
		if greedyLen <= arbitraryLen {
			wins++
		}
	}
	require.GreaterOrEqual(t, wins, trials*95/100)
}

func TestGreedySmallK(t *testing.T) {
	// K=1 forces frequent global jumps
	rng := rand.New(rand.NewSource(3))
	s, err := NewStrategy(StrategyGreedy, Params{K: 1})
	require.NoError(t, err)
	for trial := 0; trial < 20; trial++ {
		stops := randomStops(rng, 1+rng.Intn(60))
		order, err := s.Order(stops)
		require.NoError(t, err)
		require.NoError(t, Validate(stops, order))
	}
}

func TestPathLength(t *testing.T) {
	stops := []Stop{
		{ID: 1, Point: orb.Point{0, 0}},
		{ID: 2, Point: orb.Point{3, 0}},
		{ID: 3, Point: orb.Point{3, 4}},
	}
	l, err := PathLength(stops, VisitOrder{1, 2, 3})
	require.NoError(t, err)
	require.InDelta(t, 7, l, 1e-12)
	l, err = PathLength(stops, VisitOrder{1, 3, 2})
	require.NoError(t, err)
	require.InDelta(t, 9, l, 1e-12)
	_, err = PathLength(stops, VisitOrder{1, 4})
	require.ErrorIs(t, err, ErrUnknownStop)

	require.Error(t, Validate(stops, VisitOrder{1, 1, 2}))
	require.Error(t, Validate(stops, VisitOrder{1, 2}))
}

func TestStrategyErrors(t *testing.T) {
	_, err := NewStrategy("annealing", DefaultParams())
	require.ErrorIs(t, err, ErrUnknownStrategy)
	_, err = NewStrategy(StrategyHilbert, Params{HilbertOrder: 0})
	require.ErrorIs(t, err, ErrInvalidParams)
	_, err = NewStrategy(StrategyGreedy, Params{K: 0})
	require.ErrorIs(t, err, ErrInvalidParams)

	for _, name := range Strategies() {
		s, err := NewStrategy(name, DefaultParams())
		require.NoError(t, err)
		_, err = s.Order([]Stop{{ID: 1}, {ID: 1}})
		require.ErrorIs(t, err, ErrDuplicateStop)
		order, err := s.Order(nil)
		require.NoError(t, err)
		require.Empty(t, order)
	}
}
