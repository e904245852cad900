package resultdb

import (
	"github.com/cyclopcam/dbh"
	"github.com/paulmach/orb"
)

const (
	RunStatusRunning  = "running"
	RunStatusFinished = "finished"
	RunStatusFailed   = "failed"
)

// Run is one execution of the pipeline
type Run struct {
	ID         string                     `gorm:"primaryKey" json:"id"` // UUID
	ProjectDir string                     `json:"projectDir"`
	StartedAt  dbh.IntTime                `json:"startedAt"`
	FinishedAt dbh.IntTime                `gorm:"default:null" json:"finishedAt"`
	Status     string                     `json:"status"`
	Config     string                     `json:"config"` // YAML
	Summary    *dbh.JSONField[RunSummary] `json:"summary"`
}

func (Run) TableName() string { return "run" }

// RunSummary is the headline numbers of a finished run
type RunSummary struct {
	Tiles       int                `json:"tiles"`
	Instances   map[string]int     `json:"instances"` // Stitched instances per class
	Cells       int                `json:"cells"`
	Crops       int                `json:"crops"`
	Polygons    int                `json:"polygons"`
	Discards    map[string]int     `json:"discards"` // Per reason
	PathLength  float64            `json:"pathLength"`
	ExportURL   string             `json:"exportUrl"`
	StageTimesS map[string]float64 `json:"stageTimesS"`
	Error       string             `json:"error,omitempty"`
}

type Cell struct {
	RunID      string `gorm:"primaryKey;autoIncrement:false"`
	ID         uint32 `gorm:"primaryKey;autoIncrement:false"`
	PrimaryID  uint32
	BBoxX      int `gorm:"column:bbox_x"`
	BBoxY      int `gorm:"column:bbox_y"`
	BBoxWidth  int `gorm:"column:bbox_width"`
	BBoxHeight int `gorm:"column:bbox_height"`
	CropRow    int // -1 if the cell has no crop
}

func (Cell) TableName() string { return "cell" }

type CellInstance struct {
	RunID             string `gorm:"primaryKey;autoIncrement:false"`
	CellID            uint32 `gorm:"primaryKey;autoIncrement:false"`
	Class             string `gorm:"primaryKey"`
	InstanceID        uint32
	PixelCount        int
	CentroidX         float64
	CentroidY         float64
	BackgroundContact float64
}

func (CellInstance) TableName() string { return "cell_instance" }

type Discard struct {
	RunID      string `gorm:"primaryKey"`
	Class      string `gorm:"primaryKey"`
	InstanceID uint32 `gorm:"primaryKey;autoIncrement:false"`
	Reason     string
}

func (Discard) TableName() string { return "discard" }

type Polygon struct {
	RunID          string `gorm:"primaryKey"`
	CellID         uint32 `gorm:"primaryKey;autoIncrement:false"`
	Area           float64
	CentroidX      float64
	CentroidY      float64
	TracedVertices int
	ReachedTarget  bool
	Ring           *dbh.JSONField[orb.Ring]
}

func (Polygon) TableName() string { return "polygon" }

type Visit struct {
	RunID  string `gorm:"primaryKey"`
	Seq    int    `gorm:"primaryKey;autoIncrement:false"`
	CellID uint32
}

func (Visit) TableName() string { return "visit" }
