// Package stitch merges per-tile instance label arrays into one global label array.
//
// Every tile-local label first gets a fresh global id. Then, for every pair of
// tiles whose padded regions overlap, labels that cover the same pixels in the
// overlap are considered the same physical object, and their ids are merged.
// Finally, each tile contributes the pixels of its core region to the output.
//
// Merges are transitive. If A~B and B~C then A, B and C become one instance,
// even if A and C do not overlap at all. For long thin objects that span many
// tiles this is what we want, but pathological geometry can unify objects that
// are physically distinct. We don't try to detect that.
package stitch

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/Swarchal/scPortrait/pkg/idgen"
	"github.com/Swarchal/scPortrait/pkg/labels"
	"github.com/Swarchal/scPortrait/pkg/tiling"
	"github.com/cyclopcam/logs"
)

var ErrShapeMismatch = errors.New("Local label array does not match its tile")
var ErrMissingTile = errors.New("No label array for tile")

const DefaultMergeThreshold = 0.5

type Options struct {
	// Two labels are merged if the pixels they share inside an overlap region,
	// divided by the smaller of their pixel counts inside that region, exceed this.
	MergeThreshold float64 `json:"mergeThreshold" yaml:"mergeThreshold"`
}

func DefaultOptions() Options {
	return Options{MergeThreshold: DefaultMergeThreshold}
}

// Result of stitching one mask class
type Result struct {
	Labels *labels.Array

	// Instances that were never merged with a neighbouring tile's instance,
	// but touch the outer edge of the tile that saw them, so they may be truncated.
	LowConfidence map[uint32]bool

	Merges    int // Number of successful pairwise merges
	Instances int // Number of distinct ids in Labels
}

type pairKey struct {
	a, b uint32
}

// Stitch merges the local label arrays of one mask class.
// local is keyed by tile ID. alloc supplies the global ids, and must be private to this pipeline run.
func Stitch(ctx context.Context, log logs.Log, alloc *idgen.Allocator, extent tiling.Extent, tiles []tiling.Tile, local map[int]*labels.Array, opts Options) (*Result, error) {
	for i := range tiles {
		t := &tiles[i]
		arr := local[t.ID]
		if arr == nil {
			return nil, fmt.Errorf("%w %v", ErrMissingTile, t.ID)
		}
		if arr.Width != t.Bounds.Width || arr.Height != t.Bounds.Height {
			return nil, fmt.Errorf("%w: tile %v is %v x %v, label array is %v x %v", ErrShapeMismatch, t.ID, t.Bounds.Width, t.Bounds.Height, arr.Width, arr.Height)
		}
	}

	// Process tiles in ID order, so that id assignment does not depend on the order of the input slice
	order := make([]int, len(tiles))
	for i := range order {
		order[i] = i
	}
	slices.SortFunc(order, func(a, b int) int { return tiles[a].ID - tiles[b].ID })

	// 1. Fresh global id for every local label
	globalOf := make([]map[uint32]uint32, len(tiles))
	for _, i := range order {
		ids := local[tiles[i].ID].IDs()
		first, err := alloc.Reserve(len(ids))
		if err != nil {
			return nil, err
		}
		m := make(map[uint32]uint32, len(ids))
		for k, id := range ids {
			m[id] = first + uint32(k)
		}
		globalOf[i] = m
	}

	// 2. Pairwise merges inside every overlap region
	uf := newUnionFind()
	merges := 0
	for _, pair := range tiling.Neighbours(tiles) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ta, tb := &tiles[pair[0]], &tiles[pair[1]]
		ov, _ := tiling.Overlap(ta, tb)
		la, lb := local[ta.ID], local[tb.ID]
		ga, gb := globalOf[pair[0]], globalOf[pair[1]]

		areaA := map[uint32]int{}
		areaB := map[uint32]int{}
		shared := map[pairKey]int{}
		for y := ov.Y; y < ov.Y2(); y++ {
			for x := ov.X; x < ov.X2(); x++ {
				va := la.At(x-ta.Bounds.X, y-ta.Bounds.Y)
				vb := lb.At(x-tb.Bounds.X, y-tb.Bounds.Y)
				if va != labels.Background {
					areaA[va]++
				}
				if vb != labels.Background {
					areaB[vb]++
				}
				if va != labels.Background && vb != labels.Background {
					shared[pairKey{va, vb}]++
				}
			}
		}

		keys := make([]pairKey, 0, len(shared))
		for k := range shared {
			keys = append(keys, k)
		}
		slices.SortFunc(keys, func(x, y pairKey) int {
			if x.a != y.a {
				return cmp.Compare(x.a, y.a)
			}
			return cmp.Compare(x.b, y.b)
		})
		for _, k := range keys {
			smaller := min(areaA[k.a], areaB[k.b])
			if float64(shared[k])/float64(smaller) > opts.MergeThreshold {
				if uf.union(ga[k.a], gb[k.b]) {
					merges++
				}
			}
		}
	}

	// 3. Assemble the cores, with every id replaced by the root of its set
	out := labels.New(extent.Width, extent.Height)
	for _, i := range order {
		t := &tiles[i]
		g := globalOf[i]
		src := t.Core
		src.Offset(-t.Bounds.X, -t.Bounds.Y)
		out.Paste(local[t.ID], src, t.Core.X, t.Core.Y, func(v uint32) uint32 {
			return uf.find(g[v])
		})
	}
	present := map[uint32]bool{}
	for _, v := range out.Pix {
		if v != labels.Background {
			present[v] = true
		}
	}

	// 4. Unmerged instances that touch a tile's outer edge may be truncated
	lowConf := map[uint32]bool{}
	for _, i := range order {
		t := &tiles[i]
		arr := local[t.ID]
		g := globalOf[i]
		flagEdge := func(x, y int) {
			v := arr.At(x, y)
			if v == labels.Background {
				return
			}
			id := g[v]
			if !uf.merged(id) && present[id] && t.OnOuterEdge(x+t.Bounds.X, y+t.Bounds.Y, extent) {
				lowConf[id] = true
			}
		}
		for x := 0; x < arr.Width; x++ {
			flagEdge(x, 0)
			flagEdge(x, arr.Height-1)
		}
		for y := 0; y < arr.Height; y++ {
			flagEdge(0, y)
			flagEdge(arr.Width-1, y)
		}
	}

	log.Debugf("Stitched %v tiles: %v ids allocated, %v merges, %v instances, %v low confidence", len(tiles), alloc.Issued(), merges, len(present), len(lowConf))

	return &Result{
		Labels:        out,
		LowConfidence: lowConf,
		Merges:        merges,
		Instances:     len(present),
	}, nil
}

// Split cuts a global label array into per-tile local arrays.
// Local ids are renumbered densely from 1 within each tile.
// With a non-zero overlap, Stitch(Split(g)) equals g up to relabeling.
func Split(global *labels.Array, tiles []tiling.Tile) map[int]*labels.Array {
	out := map[int]*labels.Array{}
	for _, t := range tiles {
		arr := global.Crop(t.Bounds)
		remap := map[uint32]uint32{}
		for k, id := range arr.IDs() {
			remap[id] = uint32(k + 1)
		}
		arr.Relabel(remap)
		out[t.ID] = arr
	}
	return out
}
