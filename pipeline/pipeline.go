// Package pipeline runs the whole chain for one image: sharded segmentation,
// stitching, matching, single cell extraction, and shape selection.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/Swarchal/scPortrait/pipeline/config"
	"github.com/Swarchal/scPortrait/pipeline/resultdb"
	"github.com/Swarchal/scPortrait/pipeline/storage"
	"github.com/Swarchal/scPortrait/pkg/chunkstore"
	"github.com/Swarchal/scPortrait/pkg/extract"
	"github.com/Swarchal/scPortrait/pkg/imgsrc"
	"github.com/Swarchal/scPortrait/pkg/match"
	"github.com/Swarchal/scPortrait/pkg/pathopt"
	"github.com/Swarchal/scPortrait/pkg/perfstats"
	"github.com/Swarchal/scPortrait/pkg/shape"
	"github.com/Swarchal/scPortrait/pkg/stitch"
	"github.com/Swarchal/scPortrait/pkg/tiling"
	"github.com/cyclopcam/logs"
	"github.com/google/uuid"
)

var ErrStepOutputExists = errors.New("Step output already exists (set overwrite to replace it)")

// Pipeline owns the resources of one run
type Pipeline struct {
	Log    logs.Log
	Config *config.Config
	RunID  string
	Stats  *perfstats.Stages

	db         *resultdb.ResultDB
	export     storage.Storage
	exportName string
}

// Result holds everything a run produced
type Result struct {
	RunID      string
	Tiles      []tiling.Tile
	Stitched   map[string]*stitch.Result // Per class. Labels is nil after the arrays are persisted.
	Match      *match.Result
	Extract    *extract.Result
	Selection  *shape.Selection
	Order      pathopt.VisitOrder
	PathLength float64
	ExportURL  string
}

// New validates the config, and opens the result DB and the export store
func New(log logs.Log, cfg *config.Config) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.ProjectDir, 0755); err != nil {
		return nil, fmt.Errorf("Failed to create project directory '%v': %w", cfg.ProjectDir, err)
	}

	p := &Pipeline{
		Log:    log,
		Config: cfg,
		RunID:  uuid.NewString(),
		Stats:  perfstats.NewStages(),
	}

	db, err := resultdb.Open(log, cfg.ResultDBConfig())
	if err != nil {
		return nil, err
	}
	p.db = db

	// The default export lives inside the project, which already identifies the run.
	// A shared export store gets one directory per run.
	p.exportName = config.ShapesFile
	if cfg.Export.Filesystem != nil || cfg.Export.GCS != nil {
		p.exportName = p.RunID + "/" + config.ShapesFile
	}
	p.export, err = storage.Open(log, cfg.Export, cfg.StepDir(config.SelectionDir))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("Failed to open export storage: %w", err)
	}
	return p, nil
}

func (p *Pipeline) Close() {
	if err := p.db.Close(); err != nil {
		p.Log.Warnf("Failed to close result DB: %v", err)
	}
}

// ResultDB exposes the database that the run is recorded in
func (p *Pipeline) ResultDB() *resultdb.ResultDB {
	return p.db
}

// Run executes every step on src, and records the outcome in the result DB
func (p *Pipeline) Run(ctx context.Context, src imgsrc.Source) (_ *Result, err error) {
	cfg := p.Config
	p.Log.Infof("Starting run %v on a %v x %v image with %v channels", p.RunID, src.Extent().Width, src.Extent().Height, src.Channels())

	cfgYAML, err := cfg.YAML()
	if err != nil {
		return nil, err
	}
	if err := cfg.Save(filepath.Join(cfg.ProjectDir, config.ConfigFile)); err != nil {
		return nil, fmt.Errorf("Failed to save config: %w", err)
	}
	if err := p.db.CreateRun(p.RunID, cfg.ProjectDir, string(cfgYAML)); err != nil {
		return nil, fmt.Errorf("Failed to record run: %w", err)
	}

	out := &Result{RunID: p.RunID}
	defer func() {
		p.Stats.Log(p.Log)
		if dbErr := p.db.FinishRun(p.RunID, p.summary(out), err); dbErr != nil {
			p.Log.Errorf("Failed to record end of run %v: %v", p.RunID, dbErr)
		}
		if err != nil {
			p.Log.Errorf("Run %v failed: %v", p.RunID, err)
		} else {
			p.Log.Infof("Run %v finished", p.RunID)
		}
	}()

	scratch := cfg.StepDir(config.ScratchDir)
	if err := os.MkdirAll(scratch, 0755); err != nil {
		return nil, fmt.Errorf("Failed to create scratch directory: %w", err)
	}
	defer os.RemoveAll(scratch)

	labelStore, err := p.openLabelStore()
	if err != nil {
		return nil, err
	}
	defer labelStore.Close()

	if err := p.Stats.Time("segmentation", func() error {
		return p.segmentStep(ctx, src, labelStore, out)
	}); err != nil {
		return nil, err
	}

	if err := p.Stats.Time("matching", func() error {
		return p.matchStep(ctx, labelStore, out)
	}); err != nil {
		return nil, err
	}

	if err := p.Stats.Time("extraction", func() error {
		return p.extractStep(ctx, src, out)
	}); err != nil {
		return nil, err
	}

	cropRows := map[uint32]int{}
	for row, id := range out.Extract.Index {
		cropRows[id] = row
	}
	if err := p.db.SaveMatch(p.RunID, out.Match, cropRows); err != nil {
		return nil, err
	}
	if err := p.db.SaveDiscards(p.RunID, out.Extract.Dropped); err != nil {
		return nil, err
	}

	if err := p.Stats.Time("selection", func() error {
		return p.selectStep(ctx, out)
	}); err != nil {
		return nil, err
	}
	if err := p.db.SaveSelection(p.RunID, out.Selection.Polygons, out.Order); err != nil {
		return nil, err
	}
	return out, nil
}

// prepareStep makes sure the output directory of a step exists and is empty
func (p *Pipeline) prepareStep(step string) (string, error) {
	dir := p.Config.StepDir(step)
	entries, err := os.ReadDir(dir)
	if err == nil && len(entries) != 0 {
		if !p.Config.Overwrite {
			return "", fmt.Errorf("%w: %v", ErrStepOutputExists, dir)
		}
		p.Log.Infof("Overwriting existing output in %v", dir)
		if err := os.RemoveAll(dir); err != nil {
			return "", fmt.Errorf("Failed to clear %v: %w", dir, err)
		}
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("Failed to create %v: %w", dir, err)
	}
	return dir, nil
}

// The stitched label arrays are handed from segmentation to matching through a chunk store.
// With intermediate output the store is part of the project, otherwise it lives in scratch.
func (p *Pipeline) openLabelStore() (*chunkstore.Store, error) {
	cfg := p.Config
	dir, err := p.prepareStep(config.SegmentationDir)
	if err != nil {
		return nil, err
	}
	path := filepath.Join(cfg.StepDir(config.ScratchDir), "labels")
	if cfg.IntermediateOutput {
		path = filepath.Join(dir, config.StoreDir)
	}
	store, err := chunkstore.Open(p.Log, path, cfg.Cache.Settings())
	if err != nil {
		return nil, fmt.Errorf("Failed to open label store: %w", err)
	}
	return store, nil
}

func (p *Pipeline) summary(res *Result) resultdb.RunSummary {
	s := resultdb.RunSummary{
		Tiles:       len(res.Tiles),
		Instances:   map[string]int{},
		Discards:    map[string]int{},
		PathLength:  res.PathLength,
		ExportURL:   res.ExportURL,
		StageTimesS: map[string]float64{},
	}
	for class, st := range res.Stitched {
		s.Instances[class] = st.Instances
	}
	if res.Match != nil {
		s.Cells = len(res.Match.Cells)
		for reason, n := range res.Match.Counts {
			s.Discards[string(reason)] += n
		}
	}
	if res.Extract != nil {
		s.Crops = res.Extract.Rows
		s.Discards[string(match.ReasonBoundary)] += len(res.Extract.Dropped)
	}
	if res.Selection != nil {
		s.Polygons = len(res.Selection.Polygons)
	}
	for _, name := range p.Stats.Names() {
		s.StageTimesS[name] = p.Stats.Get(name).Total.Round(time.Millisecond).Seconds()
	}
	return s
}
