// Package pathopt orders the cutting stops of a laser microdissection run,
// to keep the stage travel short.
package pathopt

import (
	"cmp"
	"errors"
	"fmt"
	"slices"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
)

var ErrUnknownStrategy = errors.New("Unknown ordering strategy")
var ErrInvalidParams = errors.New("Invalid ordering parameters")
var ErrDuplicateStop = errors.New("Duplicate stop id")
var ErrUnknownStop = errors.New("Unknown stop id")

// Stop is one place to visit, usually the centroid of a cell's polygon
type Stop struct {
	ID    uint32
	Point orb.Point
}

// VisitOrder is a permutation of stop ids
type VisitOrder []uint32

// Strategy computes a visiting order
type Strategy interface {
	Name() string
	Order(stops []Stop) (VisitOrder, error)
}

type Params struct {
	HilbertOrder int    `json:"hilbertOrder" yaml:"hilbertOrder"` // The Hilbert grid is 2^HilbertOrder on each side
	K            int    `json:"k" yaml:"k"`                       // Number of nearest neighbours considered by greedy
	Seed         uint32 `json:"seed" yaml:"seed"`                 // First stop for greedy. 0 means the lowest id.
}

func DefaultParams() Params {
	return Params{
		HilbertOrder: 16,
		K:            10,
	}
}

const (
	StrategyHilbert = "hilbert"
	StrategyGreedy  = "greedy"
)

// Strategies returns the names accepted by NewStrategy
func Strategies() []string {
	return []string{StrategyGreedy, StrategyHilbert}
}

func NewStrategy(name string, p Params) (Strategy, error) {
	switch name {
	case StrategyHilbert:
		if p.HilbertOrder < 1 || p.HilbertOrder > 31 {
			return nil, fmt.Errorf("%w: hilbert order %v must be between 1 and 31", ErrInvalidParams, p.HilbertOrder)
		}
		return &Hilbert{Level: p.HilbertOrder}, nil
	case StrategyGreedy:
		if p.K < 1 {
			return nil, fmt.Errorf("%w: k must be at least 1", ErrInvalidParams)
		}
		return &Greedy{K: p.K, Seed: p.Seed}, nil
	}
	return nil, fmt.Errorf("%w: '%v'", ErrUnknownStrategy, name)
}

// sortedStops returns a copy of stops in ascending id order, rejecting duplicates
func sortedStops(stops []Stop) ([]Stop, error) {
	s := slices.Clone(stops)
	slices.SortFunc(s, func(a, b Stop) int {
		return cmp.Compare(a.ID, b.ID)
	})
	for i := 1; i < len(s); i++ {
		if s[i].ID == s[i-1].ID {
			return nil, fmt.Errorf("%w: %v", ErrDuplicateStop, s[i].ID)
		}
	}
	return s, nil
}

// PathLength is the total Euclidean length of the path that visits stops in the given order
func PathLength(stops []Stop, order VisitOrder) (float64, error) {
	byID := make(map[uint32]orb.Point, len(stops))
	for _, s := range stops {
		byID[s.ID] = s.Point
	}
	total := 0.0
	for i, id := range order {
		p, ok := byID[id]
		if !ok {
			return 0, fmt.Errorf("%w: %v", ErrUnknownStop, id)
		}
		if i > 0 {
			total += planar.Distance(byID[order[i-1]], p)
		}
	}
	return total, nil
}

// Validate checks that order visits every stop exactly once
func Validate(stops []Stop, order VisitOrder) error {
	if len(order) != len(stops) {
		return fmt.Errorf("Visit order has %v entries, but there are %v stops", len(order), len(stops))
	}
	want := map[uint32]bool{}
	for _, s := range stops {
		want[s.ID] = true
	}
	for _, id := range order {
		if !want[id] {
			return fmt.Errorf("Stop %v is missing or visited twice", id)
		}
		delete(want, id)
	}
	return nil
}
