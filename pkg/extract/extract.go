// Package extract cuts a fixed size window around every cell out of the raw
// image, and writes the crops into the chunk store.
package extract

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/Swarchal/scPortrait/pkg/chunkstore"
	"github.com/Swarchal/scPortrait/pkg/imgsrc"
	"github.com/Swarchal/scPortrait/pkg/labels"
	"github.com/Swarchal/scPortrait/pkg/match"
	"github.com/Swarchal/scPortrait/pkg/perfstats"
	"github.com/cyclopcam/logs"
	"golang.org/x/sync/errgroup"
)

var ErrBoundaryOverflow = errors.New("Crop window extends past the image")
var ErrInvalidOptions = errors.New("Invalid extraction options")
var ErrMissingMask = errors.New("Mask class not provided")

// Default names of the output arrays
const (
	DataArray  = "single_cell_data"  // [N, C, S, S] float32
	IndexArray = "single_cell_index" // [N] uint32, row -> cell id
)

// CellClass is the class recorded on discards of whole cells
const CellClass = "cell"

type Center string

const (
	CenterBBox    Center = "bbox"    // Center of the union bounding box of all members
	CenterPrimary Center = "primary" // Centroid of the primary member
)

type BoundaryPolicy string

const (
	BoundaryPad  BoundaryPolicy = "pad"  // Pixels beyond the image are zero
	BoundaryDrop BoundaryPolicy = "drop" // The cell is dropped
)

type Options struct {
	Size          int            `json:"size" yaml:"size"` // Edge length of the square crop
	Center        Center         `json:"center" yaml:"center"`
	PrimaryClass  string         `json:"primaryClass" yaml:"primaryClass"` // Needed for CenterPrimary
	Boundary      BoundaryPolicy `json:"boundary" yaml:"boundary"`
	Normalization Normalization  `json:"normalization" yaml:"normalization"`

	// For each class listed, a binary channel holding the cell's own pixels is
	// placed before the image channels.
	MaskClasses []string `json:"maskClasses" yaml:"maskClasses"`

	CellsPerChunk int    `json:"cellsPerChunk" yaml:"cellsPerChunk"`
	Concurrency   int    `json:"concurrency" yaml:"concurrency"`
	DataArray     string `json:"dataArray" yaml:"dataArray"`
	IndexArray    string `json:"indexArray" yaml:"indexArray"`
}

func DefaultOptions() Options {
	return Options{
		Size:          128,
		Center:        CenterBBox,
		PrimaryClass:  "nucleus",
		Boundary:      BoundaryDrop,
		Normalization: DefaultNormalization(),
		CellsPerChunk: 16,
		Concurrency:   4,
		DataArray:     DataArray,
		IndexArray:    IndexArray,
	}
}

func (o *Options) Validate() error {
	if o.Size <= 0 {
		return fmt.Errorf("%w: crop size must be positive", ErrInvalidOptions)
	}
	if o.CellsPerChunk <= 0 || o.Concurrency <= 0 {
		return fmt.Errorf("%w: cellsPerChunk and concurrency must be positive", ErrInvalidOptions)
	}
	switch o.Center {
	case CenterBBox:
	case CenterPrimary:
		if o.PrimaryClass == "" {
			return fmt.Errorf("%w: primary centering needs primaryClass", ErrInvalidOptions)
		}
	default:
		return fmt.Errorf("%w: unknown center '%v'", ErrInvalidOptions, o.Center)
	}
	if o.Boundary != BoundaryPad && o.Boundary != BoundaryDrop {
		return fmt.Errorf("%w: unknown boundary policy '%v'", ErrInvalidOptions, o.Boundary)
	}
	if o.DataArray == "" || o.IndexArray == "" || o.DataArray == o.IndexArray {
		return fmt.Errorf("%w: output array names must be distinct and non-empty", ErrInvalidOptions)
	}
	return o.Normalization.Validate()
}

type Result struct {
	Rows     int             // Number of crops written
	Channels int             // Channels per crop, including mask channels
	Index    []uint32        // Row -> cell id
	Dropped  []match.Discard // Cells dropped by BoundaryDrop
	Global   []Range         // Per image channel, when using global normalization
}

type Extractor struct {
	log   logs.Log
	opts  Options
	stats *perfstats.Stages
}

// NewExtractor validates opts. stats may be nil.
func NewExtractor(log logs.Log, opts Options, stats *perfstats.Stages) (*Extractor, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if stats == nil {
		stats = perfstats.NewStages()
	}
	return &Extractor{log: log, opts: opts, stats: stats}, nil
}

// Window returns the crop rectangle of a cell.
// Centers are in pixel edge coordinates, where pixel x spans [x, x+1).
func (e *Extractor) Window(cell *match.CellRecord) (labels.Rect, error) {
	var c labels.Point
	switch e.opts.Center {
	case CenterPrimary:
		inst, ok := cell.Instance(e.opts.PrimaryClass)
		if !ok {
			return labels.Rect{}, fmt.Errorf("Cell %v has no '%v' instance", cell.ID, e.opts.PrimaryClass)
		}
		// Centroids are means of pixel indices
		c = labels.Point{X: inst.Centroid.X + 0.5, Y: inst.Centroid.Y + 0.5}
	default:
		c = cell.BBox.Center()
	}
	s := e.opts.Size
	return labels.Rect{
		X:      int(math.Round(c.X)) - s/2,
		Y:      int(math.Round(c.Y)) - s/2,
		Width:  s,
		Height: s,
	}, nil
}

type job struct {
	row    int
	cell   *match.CellRecord
	window labels.Rect
}

// Run extracts one crop per cell. Rows are assigned in ascending cell id
// order among the cells that are kept. masks holds the cell-id labelled mask
// of every class in MaskClasses (see match.Result.Relabel).
// Existing output arrays are replaced.
func (e *Extractor) Run(ctx context.Context, src imgsrc.Source, cells []match.CellRecord, masks map[string]*labels.Array, store *chunkstore.Store) (*Result, error) {
	opts := &e.opts
	extent := src.Extent()
	for _, class := range opts.MaskClasses {
		m := masks[class]
		if m == nil {
			return nil, fmt.Errorf("%w: '%v'", ErrMissingMask, class)
		}
		if m.Width != extent.Width || m.Height != extent.Height {
			return nil, fmt.Errorf("%w: mask '%v' is %v x %v, image is %v x %v", chunkstore.ErrShapeMismatch, class, m.Width, m.Height, extent.Width, extent.Height)
		}
	}

	sorted := make([]*match.CellRecord, len(cells))
	for i := range cells {
		sorted[i] = &cells[i]
	}
	slices.SortFunc(sorted, func(a, b *match.CellRecord) int {
		return cmp.Compare(a.ID, b.ID)
	})

	res := &Result{Channels: len(opts.MaskClasses) + src.Channels()}
	jobs := []job{}
	for _, cell := range sorted {
		w, err := e.Window(cell)
		if err != nil {
			return nil, err
		}
		if !extent.Rect().ContainsRect(w) && opts.Boundary == BoundaryDrop {
			res.Dropped = append(res.Dropped, match.Discard{Class: CellClass, ID: cell.ID, Reason: match.ReasonBoundary})
			continue
		}
		jobs = append(jobs, job{row: len(jobs), cell: cell, window: w})
		res.Index = append(res.Index, cell.ID)
	}
	res.Rows = len(jobs)
	if len(res.Dropped) != 0 {
		e.log.Infof("Dropped %v cells whose crop window extends past the image", len(res.Dropped))
	}

	if opts.Normalization.Mode == NormalizeGlobal {
		start := time.Now()
		ranges, err := GlobalRanges(ctx, src, opts.Normalization)
		if err != nil {
			return nil, fmt.Errorf("Failed to compute global intensity quantiles: %w", err)
		}
		e.stats.Add("extract.quantiles", time.Since(start))
		res.Global = ranges
	}

	for _, name := range []string{opts.DataArray, opts.IndexArray} {
		if err := store.DeleteArray(name); err != nil {
			return nil, err
		}
	}
	if res.Rows == 0 {
		e.log.Warnf("No cells to extract")
		return res, nil
	}

	s, nc := opts.Size, res.Channels
	data, err := store.CreateArray(opts.DataArray, []int{res.Rows, nc, s, s}, []int{opts.CellsPerChunk, nc, s, s}, chunkstore.Float32)
	if err != nil {
		return nil, err
	}
	index, err := store.CreateArray(opts.IndexArray, []int{res.Rows}, []int{opts.CellsPerChunk}, chunkstore.Uint32)
	if err != nil {
		return nil, err
	}

	// One unit of work fills exactly one chunk of rows, so workers never contend for a chunk
	var doneLock sync.Mutex
	done := 0
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Concurrency)
	for first := 0; first < len(jobs); first += opts.CellsPerChunk {
		batch := jobs[first:min(first+opts.CellsPerChunk, len(jobs))]
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			if err := e.writeBatch(gctx, src, masks, res.Global, batch, data, index); err != nil {
				return err
			}
			doneLock.Lock()
			done += len(batch)
			doneLock.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	e.log.Infof("Extracted %v cells (%v channels, %v x %v)", done, nc, s, s)
	return res, nil
}

func (e *Extractor) writeBatch(ctx context.Context, src imgsrc.Source, masks map[string]*labels.Array, global []Range, batch []job, data, index *chunkstore.Array) error {
	opts := &e.opts
	s := opts.Size
	nc := len(opts.MaskClasses) + src.Channels()
	cropLen := nc * s * s
	buf := make([]float32, len(batch)*cropLen)
	ids := make([]uint32, len(batch))

	for i, j := range batch {
		if err := ctx.Err(); err != nil {
			return err
		}
		start := time.Now()
		crop, err := e.Crop(ctx, src, masks, global, j.cell, j.window)
		if err != nil {
			return fmt.Errorf("Failed to crop cell %v: %w", j.cell.ID, err)
		}
		copy(buf[i*cropLen:(i+1)*cropLen], crop.Pix)
		ids[i] = j.cell.ID
		e.stats.Add("extract.crop", time.Since(start))
	}

	row := batch[0].row
	start := time.Now()
	if err := chunkstore.Write(ctx, data, chunkstore.RegionAt([]int{row, 0, 0, 0}, []int{len(batch), nc, s, s}), buf); err != nil {
		return err
	}
	if err := chunkstore.Write(ctx, index, chunkstore.RegionAt([]int{row}, []int{len(batch)}), ids); err != nil {
		return err
	}
	e.stats.Add("extract.write", time.Since(start))
	return nil
}

// Crop produces the normalized crop of one cell: mask channels first, then the image channels.
// global is only consulted for NormalizeGlobal.
func (e *Extractor) Crop(ctx context.Context, src imgsrc.Source, masks map[string]*labels.Array, global []Range, cell *match.CellRecord, window labels.Rect) (*imgsrc.Image, error) {
	opts := &e.opts
	if !src.Extent().Rect().ContainsRect(window) && opts.Boundary == BoundaryDrop {
		return nil, fmt.Errorf("%w: cell %v window %+v", ErrBoundaryOverflow, cell.ID, window)
	}
	pixels, err := imgsrc.ReadPadded(ctx, src, window)
	if err != nil {
		return nil, err
	}
	switch opts.Normalization.Mode {
	case NormalizeGlobal:
		for c := 0; c < pixels.Channels; c++ {
			global[c].Apply(pixels.Channel(c))
		}
	case NormalizePerCrop:
		for c := 0; c < pixels.Channels; c++ {
			ch := pixels.Channel(c)
			QuantileRange(ch, opts.Normalization.Lower, opts.Normalization.Upper).Apply(ch)
		}
	}
	if len(opts.MaskClasses) == 0 {
		return pixels, nil
	}

	nm := len(opts.MaskClasses)
	out := imgsrc.NewImage(nm+pixels.Channels, window.Width, window.Height)
	for m, class := range opts.MaskClasses {
		mask := masks[class]
		ch := out.Channel(m)
		for y := 0; y < window.Height; y++ {
			for x := 0; x < window.Width; x++ {
				if mask.AtOrBackground(window.X+x, window.Y+y) == cell.ID {
					ch[y*window.Width+x] = 1
				}
			}
		}
	}
	copy(out.Pix[nm*window.Width*window.Height:], pixels.Pix)
	return out, nil
}

// ReadCrop reads one row back from the output array
func ReadCrop(ctx context.Context, data *chunkstore.Array, row int) (*imgsrc.Image, error) {
	shape := data.Shape()
	if len(shape) != 4 || row < 0 || row >= shape[0] {
		return nil, fmt.Errorf("%w: row %v of array with shape %v", chunkstore.ErrShapeMismatch, row, shape)
	}
	pix, err := chunkstore.Read[float32](ctx, data, chunkstore.RegionAt([]int{row, 0, 0, 0}, []int{1, shape[1], shape[2], shape[3]}))
	if err != nil {
		return nil, err
	}
	return &imgsrc.Image{Channels: shape[1], Height: shape[2], Width: shape[3], Pix: pix}, nil
}
