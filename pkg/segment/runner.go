package segment

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Swarchal/scPortrait/pkg/imgsrc"
	"github.com/Swarchal/scPortrait/pkg/labels"
	"github.com/Swarchal/scPortrait/pkg/perfstats"
	"github.com/Swarchal/scPortrait/pkg/tiling"
	"github.com/cyclopcam/logs"
	"golang.org/x/sync/errgroup"
)

// FailurePolicy decides what happens when the model fails on one tile
type FailurePolicy string

const (
	FailAbort FailurePolicy = "abort" // Cancel the whole run
	FailSkip  FailurePolicy = "skip"  // Treat the tile as all background, and carry on
)

func (p FailurePolicy) Valid() bool {
	return p == FailAbort || p == FailSkip
}

// Results of a segmentation run
type Results struct {
	// Labels[class][tileID] is the local label array of that tile
	Labels map[string]map[int]*labels.Array

	// Failed model calls that were skipped under FailSkip, sorted by tile and class
	Failures []*SegmentationFailedError
}

// Runner dispatches one model call per (tile, mask class)
type Runner struct {
	log    logs.Log
	models []Segmenter // One per device
	policy FailurePolicy
	stats  *perfstats.Stages
}

// NewRunner creates a runner. models[d] serves the tiles assigned to device d.
// stats may be nil.
func NewRunner(log logs.Log, models []Segmenter, policy FailurePolicy, stats *perfstats.Stages) (*Runner, error) {
	if len(models) == 0 {
		return nil, errors.New("Segmentation runner needs at least one model")
	}
	if !policy.Valid() {
		return nil, fmt.Errorf("Invalid segmentation failure policy '%v'", policy)
	}
	if stats == nil {
		stats = perfstats.NewStages()
	}
	return &Runner{
		log:    log,
		models: models,
		policy: policy,
		stats:  stats,
	}, nil
}

// Run segments every tile for every class.
// Tiles are processed by one worker per slot, in tile order within each slot.
// A tile is always served by the model of its assigned device.
func (r *Runner) Run(ctx context.Context, src imgsrc.Source, tiles []tiling.Tile, classes []string) (*Results, error) {
	res := &Results{Labels: map[string]map[int]*labels.Array{}}
	for _, c := range classes {
		res.Labels[c] = map[int]*labels.Array{}
	}

	slots := map[int][]*tiling.Tile{}
	for i := range tiles {
		t := &tiles[i]
		if t.Device >= len(r.models) {
			return nil, fmt.Errorf("Tile %v is assigned to device %v, but only %v model instances exist", t.ID, t.Device, len(r.models))
		}
		slots[t.Slot] = append(slots[t.Slot], t)
	}

	var resLock sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for slot, queue := range slots {
		g.Go(func() error {
			for _, tile := range queue {
				if err := gctx.Err(); err != nil {
					return err
				}
				out, failures, err := r.segmentTile(gctx, src, tile, classes)
				if err != nil {
					return err
				}
				resLock.Lock()
				for class, arr := range out {
					res.Labels[class][tile.ID] = arr
				}
				res.Failures = append(res.Failures, failures...)
				resLock.Unlock()
			}
			r.log.Debugf("Segmentation slot %v finished %v tiles", slot, len(queue))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(res.Failures, func(i, j int) bool {
		a, b := res.Failures[i], res.Failures[j]
		if a.TileID != b.TileID {
			return a.TileID < b.TileID
		}
		return a.Class < b.Class
	})
	return res, nil
}

func (r *Runner) segmentTile(ctx context.Context, src imgsrc.Source, tile *tiling.Tile, classes []string) (map[string]*labels.Array, []*SegmentationFailedError, error) {
	pixels, err := src.ReadRegion(ctx, tile.Bounds)
	if err != nil {
		return nil, nil, fmt.Errorf("Failed to read tile %v: %w", tile.ID, err)
	}

	model := r.models[tile.Device]
	out := map[string]*labels.Array{}
	failures := []*SegmentationFailedError{}
	for _, class := range classes {
		start := time.Now()
		arr, err := model.Segment(ctx, pixels, class)
		r.stats.Add("segment "+class, time.Since(start))
		if err != nil {
			if ctx.Err() != nil {
				return nil, nil, ctx.Err()
			}
			failed := &SegmentationFailedError{TileID: tile.ID, Class: class, Err: err}
			if r.policy == FailAbort {
				return nil, nil, failed
			}
			r.log.Warnf("%v. Treating the tile as background.", failed)
			failures = append(failures, failed)
			arr = labels.New(tile.Bounds.Width, tile.Bounds.Height)
		}
		if arr.Width != tile.Bounds.Width || arr.Height != tile.Bounds.Height {
			return nil, nil, fmt.Errorf("%w: model '%v' returned %v x %v for tile %v of %v x %v", ErrShapeMismatch, model.Name(), arr.Width, arr.Height, tile.ID, tile.Bounds.Width, tile.Bounds.Height)
		}
		out[class] = arr
	}
	return out, failures, nil
}
