package pipeline

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/Swarchal/scPortrait/pipeline/config"
	"github.com/Swarchal/scPortrait/pkg/chunkstore"
	"github.com/Swarchal/scPortrait/pkg/extract"
	"github.com/Swarchal/scPortrait/pkg/idgen"
	"github.com/Swarchal/scPortrait/pkg/imgsrc"
	"github.com/Swarchal/scPortrait/pkg/labels"
	"github.com/Swarchal/scPortrait/pkg/match"
	"github.com/Swarchal/scPortrait/pkg/pathopt"
	"github.com/Swarchal/scPortrait/pkg/segment"
	"github.com/Swarchal/scPortrait/pkg/shape"
	"github.com/Swarchal/scPortrait/pkg/stitch"
	"github.com/Swarchal/scPortrait/pkg/tiling"
)

// Edge length of the square chunks of persisted label arrays
const labelChunkEdge = 1024

// LabelArrayName is the chunk store array that holds the stitched labels of a class
func LabelArrayName(class string) string {
	return "labels/" + class
}

func (p *Pipeline) segmentStep(ctx context.Context, src imgsrc.Source, labelStore *chunkstore.Store, res *Result) error {
	cfg := p.Config
	extent := src.Extent()
	tiles, err := tiling.Schedule(tiling.Params{
		Extent:        extent,
		MaxTilePixels: cfg.Tiling.MaxTilePixels,
		Overlap:       cfg.Tiling.Overlap,
		Concurrency:   cfg.Tiling.Concurrency,
		Devices:       cfg.Tiling.Devices,
	})
	if err != nil {
		return err
	}
	res.Tiles = tiles
	p.Log.Infof("Segmenting %v tiles with %v workers", len(tiles), cfg.Tiling.Concurrency)

	models, err := segment.Load(p.Log, &cfg.Segmentation.Model, cfg.Tiling.Devices)
	if err != nil {
		return err
	}
	defer func() {
		for _, m := range models {
			m.Close()
		}
	}()

	runner, err := segment.NewRunner(p.Log, models, cfg.Segmentation.FailurePolicy, p.Stats)
	if err != nil {
		return err
	}
	seg, err := runner.Run(ctx, src, tiles, cfg.Classes())
	if err != nil {
		return err
	}

	// One allocator for every class keeps ids unique across the whole run
	alloc := idgen.NewAllocator()
	res.Stitched = map[string]*stitch.Result{}
	for _, class := range cfg.Classes() {
		st, err := stitch.Stitch(ctx, p.Log, alloc, extent, tiles, seg.Labels[class], cfg.Stitch)
		if err != nil {
			return fmt.Errorf("Failed to stitch '%v': %w", class, err)
		}
		p.Log.Infof("Stitched '%v': %v instances, %v merges, %v low confidence", class, st.Instances, st.Merges, len(st.LowConfidence))
		if err := writeLabels(ctx, labelStore, LabelArrayName(class), st.Labels); err != nil {
			return fmt.Errorf("Failed to persist '%v' labels: %w", class, err)
		}
		st.Labels = nil
		res.Stitched[class] = st
	}
	return nil
}

func writeLabels(ctx context.Context, store *chunkstore.Store, name string, arr *labels.Array) error {
	if err := store.DeleteArray(name); err != nil {
		return err
	}
	edge := labelChunkEdge
	out, err := store.CreateArray(name, []int{arr.Height, arr.Width}, []int{min(edge, arr.Height), min(edge, arr.Width)}, chunkstore.Uint32)
	if err != nil {
		return err
	}
	// Write in bands of whole chunk rows, so that a single transaction never holds the whole array
	for y := 0; y < arr.Height; y += edge {
		band := labels.MakeRect(0, y, arr.Width, min(y+edge, arr.Height))
		region := chunkstore.RegionAt([]int{band.Y, 0}, []int{band.Height, band.Width})
		if err := chunkstore.Write(ctx, out, region, arr.Crop(band).Pix); err != nil {
			return err
		}
	}
	return nil
}

// ReadLabels loads a label array that was written by the segmentation step
func ReadLabels(ctx context.Context, store *chunkstore.Store, name string) (*labels.Array, error) {
	arr, err := store.OpenArray(name)
	if err != nil {
		return nil, err
	}
	dims := arr.Shape()
	if len(dims) != 2 || arr.DType() != chunkstore.Uint32 {
		return nil, fmt.Errorf("%w: '%v' is not a 2D uint32 array", chunkstore.ErrShapeMismatch, name)
	}
	pix, err := chunkstore.Read[uint32](ctx, arr, arr.Whole())
	if err != nil {
		return nil, err
	}
	return labels.Wrap(dims[1], dims[0], pix)
}

func (p *Pipeline) matchStep(ctx context.Context, labelStore *chunkstore.Store, res *Result) error {
	arrays := map[string]*labels.Array{}
	for _, class := range p.Config.Classes() {
		arr, err := ReadLabels(ctx, labelStore, LabelArrayName(class))
		if err != nil {
			return fmt.Errorf("Failed to load '%v' labels: %w", class, err)
		}
		arrays[class] = arr
	}
	m, err := match.Match(ctx, p.Log, arrays, p.Config.Match)
	if err != nil {
		return err
	}
	res.Match = m
	return nil
}

func (p *Pipeline) extractStep(ctx context.Context, src imgsrc.Source, res *Result) error {
	cfg := p.Config
	dir, err := p.prepareStep(config.ExtractionDir)
	if err != nil {
		return err
	}
	store, err := chunkstore.Open(p.Log, filepath.Join(dir, config.StoreDir), cfg.Cache.Settings())
	if err != nil {
		return fmt.Errorf("Failed to open extraction store: %w", err)
	}
	defer store.Close()

	masks := map[string]*labels.Array{}
	for _, class := range cfg.Extract.MaskClasses {
		if masks[class], err = res.Match.Relabel(class); err != nil {
			return err
		}
	}
	ex, err := extract.NewExtractor(p.Log, cfg.Extract, p.Stats)
	if err != nil {
		return err
	}
	res.Extract, err = ex.Run(ctx, src, res.Match.Cells, masks, store)
	return err
}

func (p *Pipeline) selectStep(ctx context.Context, res *Result) error {
	cfg := p.Config
	if _, err := p.prepareStep(config.SelectionDir); err != nil {
		return err
	}
	mask, err := res.Match.Relabel(cfg.Selection.Class)
	if err != nil {
		return err
	}
	selector, err := shape.NewSelector(p.Log, cfg.Shape)
	if err != nil {
		return err
	}
	sel, err := selector.Select(ctx, mask, res.Match.Cells)
	if err != nil {
		return err
	}
	res.Selection = sel
	if len(sel.Empty) != 0 {
		p.Log.Warnf("%v cells have no '%v' shape", len(sel.Empty), cfg.Selection.Class)
	}

	strategy, err := pathopt.NewStrategy(cfg.Selection.Strategy, cfg.Selection.Params)
	if err != nil {
		return err
	}
	stops := make([]pathopt.Stop, len(sel.Polygons))
	for i, poly := range sel.Polygons {
		stops[i] = pathopt.Stop{ID: poly.CellID, Point: poly.Centroid}
	}
	if res.Order, err = strategy.Order(stops); err != nil {
		return err
	}
	if res.PathLength, err = pathopt.PathLength(stops, res.Order); err != nil {
		return err
	}
	p.Log.Infof("Selected %v shapes, %v path length %.0f px", len(sel.Polygons), strategy.Name(), res.PathLength)

	res.ExportURL, err = p.writeExport(res)
	return err
}
