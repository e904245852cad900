package resultdb

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/Swarchal/scPortrait/pkg/labels"
	"github.com/Swarchal/scPortrait/pkg/match"
	"github.com/Swarchal/scPortrait/pkg/pathopt"
	"github.com/Swarchal/scPortrait/pkg/shape"
	"github.com/cyclopcam/dbh"
	"github.com/cyclopcam/logs"
	"github.com/paulmach/orb"
	"github.com/stretchr/testify/require"
)

func createTestDB(t *testing.T) *ResultDB {
	db, err := Open(logs.NewTestingLog(t), dbh.MakeSqliteConfig(filepath.Join(t.TempDir(), "results.sqlite")))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func testMatch() *match.Result {
	return &match.Result{
		Cells: []match.CellRecord{
			{
				ID:      1,
				Primary: 7,
				BBox:    labels.Rect{X: 10, Y: 20, Width: 30, Height: 40},
				Instances: map[string]labels.Instance{
					"nucleus": {ID: 7, Class: "nucleus", PixelCount: 100, Centroid: labels.Point{X: 25, Y: 40}},
					"cytosol": {ID: 3, Class: "cytosol", PixelCount: 900, Centroid: labels.Point{X: 24, Y: 41}, BackgroundContact: 0.5},
				},
			},
			{
				ID:        2,
				Primary:   9,
				BBox:      labels.Rect{X: 100, Y: 100, Width: 5, Height: 5},
				Instances: map[string]labels.Instance{"nucleus": {ID: 9, Class: "nucleus", PixelCount: 20}},
			},
		},
		Discards: []match.Discard{
			{Class: "nucleus", ID: 4, Reason: match.ReasonSize},
			{Class: "nucleus", ID: 5, Reason: match.ReasonSize},
			{Class: "cytosol", ID: 8, Reason: match.ReasonUnmatched},
		},
	}
}

func TestRunLifecycle(t *testing.T) {
	db := createTestDB(t)
	require.NoError(t, db.CreateRun("run-a", "/proj", "projectDir: /proj\n"))
	require.Error(t, db.CreateRun("run-a", "/proj", ""))

	run, err := db.GetRun("run-a")
	require.NoError(t, err)
	require.Equal(t, RunStatusRunning, run.Status)
	require.False(t, run.StartedAt.IsZero())

	summary := RunSummary{Cells: 2, Discards: map[string]int{"size": 2}}
	require.NoError(t, db.FinishRun("run-a", summary, nil))
	run, err = db.GetRun("run-a")
	require.NoError(t, err)
	require.Equal(t, RunStatusFinished, run.Status)
	require.NotNil(t, run.Summary)
	require.Equal(t, 2, run.Summary.Data.Cells)
	require.Equal(t, 2, run.Summary.Data.Discards["size"])

	require.NoError(t, db.CreateRun("run-b", "/proj", ""))
	require.NoError(t, db.FinishRun("run-b", RunSummary{}, errors.New("Out of disk")))
	run, err = db.GetRun("run-b")
	require.NoError(t, err)
	require.Equal(t, RunStatusFailed, run.Status)
	require.Equal(t, "Out of disk", run.Summary.Data.Error)

	runs, err := db.Runs()
	require.NoError(t, err)
	require.Len(t, runs, 2)

	_, err = db.GetRun("nope")
	require.ErrorIs(t, err, ErrRunNotFound)
	require.ErrorIs(t, db.FinishRun("nope", RunSummary{}, nil), ErrRunNotFound)
}

func TestSaveMatch(t *testing.T) {
	db := createTestDB(t)
	require.NoError(t, db.CreateRun("r", "/proj", ""))
	require.NoError(t, db.SaveMatch("r", testMatch(), map[uint32]int{1: 0}))
	require.NoError(t, db.SaveDiscards("r", []match.Discard{{Class: "cell", ID: 2, Reason: match.ReasonBoundary}}))

	cells, err := db.Cells("r")
	require.NoError(t, err)
	require.Len(t, cells, 2)
	require.Equal(t, uint32(7), cells[0].PrimaryID)
	require.Equal(t, 30, cells[0].BBoxWidth)
	require.Equal(t, 0, cells[0].CropRow)
	require.Equal(t, -1, cells[1].CropRow)

	inst, err := db.CellInstances("r", 1)
	require.NoError(t, err)
	require.Len(t, inst, 2)
	require.Equal(t, "cytosol", inst[0].Class)
	require.Equal(t, uint32(3), inst[0].InstanceID)
	require.Equal(t, 0.5, inst[0].BackgroundContact)
	require.Equal(t, "nucleus", inst[1].Class)

	counts, err := db.DiscardCounts("r")
	require.NoError(t, err)
	require.Equal(t, map[match.Reason]int{match.ReasonSize: 2, match.ReasonUnmatched: 1, match.ReasonBoundary: 1}, counts)
}

func TestSaveSelection(t *testing.T) {
	db := createTestDB(t)
	require.NoError(t, db.CreateRun("r", "/proj", ""))
	ring := orb.Ring{{0, 0}, {4, 0}, {4, 4}, {0, 4}, {0, 0}}
	polys := []shape.Polygon{
		{CellID: 1, Ring: ring, Area: 16, Centroid: orb.Point{2, 2}, TracedVertices: 16, ReachedTarget: true},
		{CellID: 2, Ring: ring, Area: 16, Centroid: orb.Point{2, 2}, TracedVertices: 16},
	}
	require.NoError(t, db.SaveSelection("r", polys, pathopt.VisitOrder{2, 1}))

	order, err := db.VisitOrder("r")
	require.NoError(t, err)
	require.Equal(t, pathopt.VisitOrder{2, 1}, order)

	back, err := db.Polygons("r")
	require.NoError(t, err)
	require.Len(t, back, 2)
	require.Equal(t, ring, back[0].Ring.Data)
	require.True(t, back[0].ReachedTarget)
	require.False(t, back[1].ReachedTarget)

	require.NoError(t, db.DeleteRun("r"))
	back, err = db.Polygons("r")
	require.NoError(t, err)
	require.Empty(t, back)
	_, err = db.GetRun("r")
	require.ErrorIs(t, err, ErrRunNotFound)
}
