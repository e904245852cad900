package pipeline

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/Swarchal/scPortrait/pipeline/storage"
	"github.com/paulmach/orb"
)

// ShapesExport is the content of shapes.json: the cutting shapes in visiting order
type ShapesExport struct {
	RunID      string        `json:"runId"`
	Class      string        `json:"class"` // Mask class that the shapes were traced from
	Strategy   string        `json:"strategy"`
	PathLength float64       `json:"pathLength"`
	Shapes     []ExportShape `json:"shapes"`
}

type ExportShape struct {
	Visit    int       `json:"visit"` // Position in the visiting order, from 0
	CellID   uint32    `json:"cellId"`
	Centroid orb.Point `json:"centroid"`
	Area     float64   `json:"area"`
	Polygon  orb.Ring  `json:"polygon"` // Closed ring, pixel coordinates
}

func (p *Pipeline) buildExport(res *Result) (*ShapesExport, error) {
	byID := map[uint32]int{}
	for i, poly := range res.Selection.Polygons {
		byID[poly.CellID] = i
	}
	ex := &ShapesExport{
		RunID:      res.RunID,
		Class:      p.Config.Selection.Class,
		Strategy:   p.Config.Selection.Strategy,
		PathLength: res.PathLength,
		Shapes:     make([]ExportShape, 0, len(res.Order)),
	}
	for visit, id := range res.Order {
		i, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("Visit order names cell %v, which has no shape", id)
		}
		poly := &res.Selection.Polygons[i]
		ex.Shapes = append(ex.Shapes, ExportShape{
			Visit:    visit,
			CellID:   id,
			Centroid: poly.Centroid,
			Area:     poly.Area,
			Polygon:  poly.Ring,
		})
	}
	return ex, nil
}

// writeExport writes shapes.json, and returns its location
func (p *Pipeline) writeExport(res *Result) (string, error) {
	ex, err := p.buildExport(res)
	if err != nil {
		return "", err
	}
	raw, err := json.MarshalIndent(ex, "", "\t")
	if err != nil {
		return "", err
	}
	if err := storage.WriteFile(p.export, p.exportName, bytes.NewReader(raw)); err != nil {
		return "", fmt.Errorf("Failed to write %v: %w", p.exportName, err)
	}
	return p.export.URL(p.exportName)
}

// ReadExport loads a shapes.json file
func ReadExport(s storage.Storage, name string) (*ShapesExport, error) {
	raw, err := storage.ReadFile(s, name)
	if err != nil {
		return nil, err
	}
	ex := &ShapesExport{}
	if err := json.Unmarshal(raw, ex); err != nil {
		return nil, fmt.Errorf("Failed to parse %v: %w", name, err)
	}
	return ex, nil
}
