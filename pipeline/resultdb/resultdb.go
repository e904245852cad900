// Package resultdb records pipeline runs and their per-cell results in a SQL database
package resultdb

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/Swarchal/scPortrait/pkg/match"
	"github.com/Swarchal/scPortrait/pkg/pathopt"
	"github.com/Swarchal/scPortrait/pkg/shape"
	"github.com/cyclopcam/dbh"
	"github.com/cyclopcam/logs"
	"gorm.io/gorm"
)

var ErrRunNotFound = errors.New("Run not found")

// Number of rows per INSERT statement
const batchSize = 500

type ResultDB struct {
	Log logs.Log
	DB  *gorm.DB
}

// Open or create a result DB
func Open(log logs.Log, config dbh.DBConfig) (*ResultDB, error) {
	log.Infof("Opening result DB %v", config.LogSafeDescription())
	db, err := dbh.OpenDB(log, config, Migrations(log), 0)
	if err != nil {
		return nil, fmt.Errorf("Failed to open result database: %w", err)
	}
	return &ResultDB{
		Log: log,
		DB:  db,
	}, nil
}

func (r *ResultDB) Close() error {
	sqlDB, err := r.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (r *ResultDB) CreateRun(id, projectDir, configYAML string) error {
	run := Run{
		ID:         id,
		ProjectDir: projectDir,
		StartedAt:  dbh.MakeIntTime(time.Now()),
		Status:     RunStatusRunning,
		Config:     configYAML,
	}
	return r.DB.Create(&run).Error
}

// FinishRun marks the run as finished, or failed if runErr is not nil
func (r *ResultDB) FinishRun(id string, summary RunSummary, runErr error) error {
	status := RunStatusFinished
	if runErr != nil {
		status = RunStatusFailed
		summary.Error = runErr.Error()
	}
	summaryJSON := dbh.MakeJSONField(summary)
	res := r.DB.Model(&Run{}).Where("id = ?", id).Updates(map[string]any{
		"finished_at": dbh.MakeIntTime(time.Now()),
		"status":      status,
		"summary":     summaryJSON,
	})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %v", ErrRunNotFound, id)
	}
	return nil
}

func (r *ResultDB) GetRun(id string) (*Run, error) {
	run := Run{}
	res := r.DB.Where("id = ?", id).Limit(1).Find(&run)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, fmt.Errorf("%w: %v", ErrRunNotFound, id)
	}
	return &run, nil
}

// Runs returns all runs, newest first
func (r *ResultDB) Runs() ([]Run, error) {
	runs := []Run{}
	if err := r.DB.Order("started_at DESC, id").Find(&runs).Error; err != nil {
		return nil, err
	}
	return runs, nil
}

// SaveMatch stores the cells of a run, with the crop row of each cell (if any), and every discard
func (r *ResultDB) SaveMatch(runID string, res *match.Result, cropRows map[uint32]int) error {
	cells := make([]Cell, 0, len(res.Cells))
	instances := []CellInstance{}
	for _, c := range res.Cells {
		row, ok := cropRows[c.ID]
		if !ok {
			row = -1
		}
		cells = append(cells, Cell{
			RunID:      runID,
			ID:         c.ID,
			PrimaryID:  c.Primary,
			BBoxX:      c.BBox.X,
			BBoxY:      c.BBox.Y,
			BBoxWidth:  c.BBox.Width,
			BBoxHeight: c.BBox.Height,
			CropRow:    row,
		})
		for _, class := range sortedClasses(c.Instances) {
			inst := c.Instances[class]
			instances = append(instances, CellInstance{
				RunID:             runID,
				CellID:            c.ID,
				Class:             class,
				InstanceID:        inst.ID,
				PixelCount:        inst.PixelCount,
				CentroidX:         inst.Centroid.X,
				CentroidY:         inst.Centroid.Y,
				BackgroundContact: inst.BackgroundContact,
			})
		}
	}
	discards := make([]Discard, 0, len(res.Discards))
	for _, d := range res.Discards {
		discards = append(discards, Discard{RunID: runID, Class: d.Class, InstanceID: d.ID, Reason: string(d.Reason)})
	}

	return r.DB.Transaction(func(tx *gorm.DB) error {
		if err := createAll(tx, cells); err != nil {
			return fmt.Errorf("Failed to save cells: %w", err)
		}
		if err := createAll(tx, instances); err != nil {
			return fmt.Errorf("Failed to save cell instances: %w", err)
		}
		if err := createAll(tx, discards); err != nil {
			return fmt.Errorf("Failed to save discards: %w", err)
		}
		return nil
	})
}

// SaveDiscards stores discards that happen after matching, such as crops dropped at the image edge
func (r *ResultDB) SaveDiscards(runID string, discards []match.Discard) error {
	rows := make([]Discard, 0, len(discards))
	for _, d := range discards {
		rows = append(rows, Discard{RunID: runID, Class: d.Class, InstanceID: d.ID, Reason: string(d.Reason)})
	}
	return createAll(r.DB, rows)
}

// SaveSelection stores the polygons of a run, and the order in which they are visited
func (r *ResultDB) SaveSelection(runID string, polygons []shape.Polygon, order pathopt.VisitOrder) error {
	polys := make([]Polygon, 0, len(polygons))
	for _, p := range polygons {
		ring := dbh.MakeJSONField(p.Ring)
		polys = append(polys, Polygon{
			RunID:          runID,
			CellID:         p.CellID,
			Area:           p.Area,
			CentroidX:      p.Centroid[0],
			CentroidY:      p.Centroid[1],
			TracedVertices: p.TracedVertices,
			ReachedTarget:  p.ReachedTarget,
			Ring:           ring,
		})
	}
	visits := make([]Visit, 0, len(order))
	for i, id := range order {
		visits = append(visits, Visit{RunID: runID, Seq: i, CellID: id})
	}
	return r.DB.Transaction(func(tx *gorm.DB) error {
		if err := createAll(tx, polys); err != nil {
			return fmt.Errorf("Failed to save polygons: %w", err)
		}
		if err := createAll(tx, visits); err != nil {
			return fmt.Errorf("Failed to save visit order: %w", err)
		}
		return nil
	})
}

func (r *ResultDB) Cells(runID string) ([]Cell, error) {
	cells := []Cell{}
	err := r.DB.Where("run_id = ?", runID).Order("id").Find(&cells).Error
	return cells, err
}

func (r *ResultDB) CellInstances(runID string, cellID uint32) ([]CellInstance, error) {
	rows := []CellInstance{}
	err := r.DB.Where("run_id = ? AND cell_id = ?", runID, cellID).Order("class").Find(&rows).Error
	return rows, err
}

// DiscardCounts returns the number of discarded instances per reason
func (r *ResultDB) DiscardCounts(runID string) (map[match.Reason]int, error) {
	type row struct {
		Reason string
		N      int
	}
	rows := []row{}
	err := r.DB.Model(&Discard{}).Select("reason, COUNT(*) AS n").Where("run_id = ?", runID).Group("reason").Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	counts := map[match.Reason]int{}
	for _, rw := range rows {
		counts[match.Reason(rw.Reason)] = rw.N
	}
	return counts, nil
}

func (r *ResultDB) Polygons(runID string) ([]Polygon, error) {
	polys := []Polygon{}
	err := r.DB.Where("run_id = ?", runID).Order("cell_id").Find(&polys).Error
	return polys, err
}

// VisitOrder returns the stored visiting order of a run
func (r *ResultDB) VisitOrder(runID string) (pathopt.VisitOrder, error) {
	visits := []Visit{}
	if err := r.DB.Where("run_id = ?", runID).Order("seq").Find(&visits).Error; err != nil {
		return nil, err
	}
	order := make(pathopt.VisitOrder, len(visits))
	for i, v := range visits {
		order[i] = v.CellID
	}
	return order, nil
}

// DeleteRun removes a run and everything recorded for it
func (r *ResultDB) DeleteRun(runID string) error {
	return r.DB.Transaction(func(tx *gorm.DB) error {
		for _, model := range []any{&Visit{}, &Polygon{}, &Discard{}, &CellInstance{}, &Cell{}} {
			if err := tx.Where("run_id = ?", runID).Delete(model).Error; err != nil {
				return err
			}
		}
		return tx.Where("id = ?", runID).Delete(&Run{}).Error
	})
}

func createAll[T any](tx *gorm.DB, rows []T) error {
	if len(rows) == 0 {
		return nil
	}
	return tx.CreateInBatches(rows, batchSize).Error
}

func sortedClasses[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, cmp.Compare[string])
	return keys
}
