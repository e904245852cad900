package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/Swarchal/scPortrait/pipeline/config"
	"github.com/Swarchal/scPortrait/pipeline/resultdb"
	"github.com/Swarchal/scPortrait/pipeline/storage"
	"github.com/Swarchal/scPortrait/pkg/chunkstore"
	"github.com/Swarchal/scPortrait/pkg/extract"
	"github.com/Swarchal/scPortrait/pkg/imgsrc"
	"github.com/Swarchal/scPortrait/pkg/labels"
	"github.com/Swarchal/scPortrait/pkg/match"
	"github.com/Swarchal/scPortrait/pkg/pathopt"
	"github.com/Swarchal/scPortrait/pkg/segment"
	"github.com/cyclopcam/logs"
	"github.com/stretchr/testify/require"
)

type disc struct {
	cx, cy  int
	nucleus int // Radius
	cytosol int // Radius
}

// synthImage has the nuclear stain in channel 0 and the cytosol stain in channel 1.
// The cytosol covers the nucleus, like a whole cell stain does.
func synthImage(width, height int, discs []disc) *imgsrc.Image {
	img := imgsrc.NewImage(2, width, height)
	for _, d := range discs {
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				dx, dy := x-d.cx, y-d.cy
				r2 := dx*dx + dy*dy
				if r2 <= d.nucleus*d.nucleus {
					img.Set(0, x, y, 1)
				}
				if r2 <= d.cytosol*d.cytosol {
					img.Set(1, x, y, 1)
				}
			}
		}
	}
	return img
}

func testConfig(dir string) *config.Config {
	cfg := config.DefaultConfig()
	cfg.ProjectDir = dir
	cfg.Tiling.MaxTilePixels = 100 * 100
	cfg.Tiling.Overlap = 16
	cfg.Tiling.Concurrency = 2
	cfg.Extract.Size = 64
	cfg.Extract.MaskClasses = []string{"nucleus"}
	cfg.Extract.CellsPerChunk = 4
	cfg.Shape.Concurrency = 2
	cfg.IntermediateOutput = true
	return cfg
}

func runPipeline(t *testing.T, cfg *config.Config, img *imgsrc.Image) (*Pipeline, *Result, error) {
	p, err := New(logs.NewTestingLog(t), cfg)
	require.NoError(t, err)
	t.Cleanup(p.Close)
	res, err := p.Run(context.Background(), imgsrc.NewMemory(img))
	return p, res, err
}

// A nucleus that sits on the corner shared by four tiles becomes exactly one cell
func TestStraddlingCellEndToEnd(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	img := synthImage(200, 200, []disc{{cx: 100, cy: 100, nucleus: 15, cytosol: 35}})
	p, res, err := runPipeline(t, cfg, img)
	require.NoError(t, err)

	require.Len(t, res.Tiles, 4)
	require.Equal(t, 1, res.Stitched["nucleus"].Instances)
	require.Equal(t, 1, res.Stitched["cytosol"].Instances)
	require.Len(t, res.Match.Cells, 1)
	cell := res.Match.Cells[0]
	require.Equal(t, uint32(1), cell.ID)
	require.Contains(t, cell.Instances, "nucleus")
	require.Contains(t, cell.Instances, "cytosol")
	require.InDelta(t, 100, cell.Instances["nucleus"].Centroid.X, 0.5)
	require.InDelta(t, 100, cell.Instances["nucleus"].Centroid.Y, 0.5)

	require.Equal(t, 1, res.Extract.Rows)
	require.Equal(t, 3, res.Extract.Channels)
	require.Empty(t, res.Extract.Dropped)

	require.Len(t, res.Selection.Polygons, 1)
	require.Equal(t, pathopt.VisitOrder{1}, res.Order)
	require.Equal(t, 0.0, res.PathLength)

	// Crops
	store, err := chunkstore.Open(logs.NewTestingLog(t), filepath.Join(cfg.StepDir(config.ExtractionDir), config.StoreDir), chunkstore.DefaultSettings())
	require.NoError(t, err)
	data, err := store.OpenArray(extract.DataArray)
	require.NoError(t, err)
	crop, err := extract.ReadCrop(context.Background(), data, 0)
	require.NoError(t, err)
	require.Equal(t, 3, crop.Channels)
	// Mask channel at the centre of the crop belongs to the cell, and so does the nuclear stain
	require.Equal(t, float32(1), crop.At(0, 32, 32))
	require.Equal(t, float32(1), crop.At(1, 32, 32))
	require.NoError(t, store.Close())

	// Intermediate label arrays
	labelStore, err := chunkstore.Open(logs.NewTestingLog(t), filepath.Join(cfg.StepDir(config.SegmentationDir), config.StoreDir), chunkstore.DefaultSettings())
	require.NoError(t, err)
	nuclei, err := ReadLabels(context.Background(), labelStore, LabelArrayName("nucleus"))
	require.NoError(t, err)
	require.Len(t, nuclei.IDs(), 1)
	require.NoError(t, labelStore.Close())

	// Export
	fs, err := storage.NewStorageFS(logs.NewTestingLog(t), cfg.StepDir(config.SelectionDir))
	require.NoError(t, err)
	ex, err := ReadExport(fs, config.ShapesFile)
	require.NoError(t, err)
	require.Equal(t, p.RunID, ex.RunID)
	require.Len(t, ex.Shapes, 1)
	require.Equal(t, uint32(1), ex.Shapes[0].CellID)
	require.Greater(t, ex.Shapes[0].Area, 3000.0)
	require.Contains(t, res.ExportURL, config.ShapesFile)

	// Result DB
	run, err := p.ResultDB().GetRun(p.RunID)
	require.NoError(t, err)
	require.Equal(t, resultdb.RunStatusFinished, run.Status)
	require.Equal(t, 1, run.Summary.Data.Cells)
	require.Equal(t, 1, run.Summary.Data.Crops)
	cells, err := p.ResultDB().Cells(p.RunID)
	require.NoError(t, err)
	require.Len(t, cells, 1)
	require.Equal(t, 0, cells[0].CropRow)
	order, err := p.ResultDB().VisitOrder(p.RunID)
	require.NoError(t, err)
	require.Equal(t, res.Order, order)
}

func TestManyCells(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	cfg.IntermediateOutput = false
	cfg.Match.DefaultSize = match.SizeRange{Min: 100}
	discs := []disc{
		{cx: 40, cy: 40, nucleus: 8, cytosol: 20},
		{cx: 150, cy: 50, nucleus: 8, cytosol: 20},
		{cx: 60, cy: 160, nucleus: 8, cytosol: 20},
		{cx: 150, cy: 150, nucleus: 8, cytosol: 20},
		{cx: 100, cy: 100, nucleus: 3, cytosol: 12}, // Nucleus too small
		{cx: 10, cy: 100, nucleus: 7, cytosol: 9},   // Crop window leaves the image
	}
	img := synthImage(200, 200, discs)
	p, res, err := runPipeline(t, cfg, img)
	require.NoError(t, err)

	require.Len(t, res.Match.Cells, 5)
	// The small nucleus and its cytosol
	require.Equal(t, 2, res.Match.Counts[match.ReasonSize])
	require.Len(t, res.Extract.Dropped, 1)
	require.Equal(t, match.ReasonBoundary, res.Extract.Dropped[0].Reason)
	require.Equal(t, 4, res.Extract.Rows)
	require.Len(t, res.Selection.Polygons, 5)
	require.NoError(t, pathopt.Validate(stopsOf(res), res.Order))

	counts, err := p.ResultDB().DiscardCounts(p.RunID)
	require.NoError(t, err)
	require.Equal(t, 2, counts[match.ReasonSize])
	require.Equal(t, 1, counts[match.ReasonBoundary])

	// Without intermediate output, the labels only lived in scratch
	require.NoDirExists(t, cfg.StepDir(config.ScratchDir))
	require.NoDirExists(t, filepath.Join(cfg.StepDir(config.SegmentationDir), config.StoreDir))
}

func stopsOf(res *Result) []pathopt.Stop {
	stops := []pathopt.Stop{}
	for _, poly := range res.Selection.Polygons {
		stops = append(stops, pathopt.Stop{ID: poly.CellID, Point: poly.Centroid})
	}
	return stops
}

func TestOverwrite(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	img := synthImage(120, 120, []disc{{cx: 60, cy: 60, nucleus: 10, cytosol: 25}})
	_, _, err := runPipeline(t, cfg, img)
	require.NoError(t, err)

	p, _, err := runPipeline(t, cfg, img)
	require.ErrorIs(t, err, ErrStepOutputExists)
	run, err := p.ResultDB().GetRun(p.RunID)
	require.NoError(t, err)
	require.Equal(t, resultdb.RunStatusFailed, run.Status)

	cfg.Overwrite = true
	p, res, err := runPipeline(t, cfg, img)
	require.NoError(t, err)
	require.Len(t, res.Match.Cells, 1)
	runs, err := p.ResultDB().Runs()
	require.NoError(t, err)
	require.Len(t, runs, 3)
}

func TestCancelledRun(t *testing.T) {
	cfg := testConfig(t.TempDir())
	p, err := New(logs.NewTestingLog(t), cfg)
	require.NoError(t, err)
	defer p.Close()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	img := synthImage(120, 120, []disc{{cx: 60, cy: 60, nucleus: 10, cytosol: 25}})
	_, err = p.Run(ctx, imgsrc.NewMemory(img))
	require.ErrorIs(t, err, context.Canceled)
}

const emptyFailsModel = "threshold-empty-fails"

func init() {
	segment.Register(emptyFailsModel, func(log logs.Log, config *segment.ModelConfig, device int) (segment.Segmenter, error) {
		inner, err := segment.NewThresholdModel(log, config, device)
		if err != nil {
			return nil, err
		}
		return &emptyFails{Segmenter: inner}, nil
	})
}

// emptyFails is the threshold model, except that it fails on tiles without any signal
type emptyFails struct {
	segment.Segmenter
}

func (m *emptyFails) Segment(ctx context.Context, tile *imgsrc.Image, class string) (*labels.Array, error) {
	for _, v := range tile.Pix {
		if v != 0 {
			return m.Segmenter.Segment(ctx, tile, class)
		}
	}
	return nil, errors.New("Empty tile")
}

// warnLog records every warning
type warnLog struct {
	logs.Log
	lock     sync.Mutex
	warnings []string
}

func (l *warnLog) Warnf(format string, a ...any) {
	l.lock.Lock()
	l.warnings = append(l.warnings, fmt.Sprintf(format, a...))
	l.lock.Unlock()
	l.Log.Warnf(format, a...)
}

func TestSkippedTilesLoggedOnce(t *testing.T) {
	cfg := testConfig(t.TempDir())
	cfg.Segmentation.Model.Name = emptyFailsModel
	cfg.Segmentation.FailurePolicy = segment.FailSkip
	img := synthImage(200, 200, []disc{{cx: 40, cy: 40, nucleus: 8, cytosol: 20}})

	log := &warnLog{Log: logs.NewTestingLog(t)}
	p, err := New(log, cfg)
	require.NoError(t, err)
	defer p.Close()
	res, err := p.Run(context.Background(), imgsrc.NewMemory(img))
	require.NoError(t, err)
	require.Len(t, res.Match.Cells, 1)

	seen := map[string]int{}
	for _, w := range log.warnings {
		if strings.HasPrefix(w, "Segmentation of tile") {
			seen[w]++
		}
	}
	require.NotEmpty(t, seen)
	for w, n := range seen {
		require.Equal(t, 1, n, w)
	}
}
