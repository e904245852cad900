package labels

import (
	"cmp"
	"slices"
)

// Instance summarizes one labelled object
type Instance struct {
	ID         uint32 `json:"id"`
	Class      string `json:"class"`
	PixelCount int    `json:"pixelCount"`
	BBox       Rect   `json:"bbox"`
	Centroid   Point  `json:"centroid"`

	// Number of pixels of the instance with at least one 4-neighbour outside the instance
	BoundaryPixels int `json:"boundaryPixels"`

	// Fraction of boundary pixels that touch background. Pixels beyond the array edge count as background.
	BackgroundContact float64 `json:"backgroundContact"`
}

type instanceAcc struct {
	count       int
	x1, y1      int
	x2, y2      int
	sumX, sumY  float64
	boundary    int
	bgNeighbour int
}

// Instances computes statistics for every instance in the array, in ascending id order.
func Instances(a *Array, class string) []Instance {
	accs := map[uint32]*instanceAcc{}
	for y := 0; y < a.Height; y++ {
		row := a.Pix[y*a.Width : (y+1)*a.Width]
		for x, v := range row {
			if v == Background {
				continue
			}
			acc := accs[v]
			if acc == nil {
				acc = &instanceAcc{x1: x, y1: y, x2: x, y2: y}
				accs[v] = acc
			}
			acc.count++
			acc.x1 = min(acc.x1, x)
			acc.y1 = min(acc.y1, y)
			acc.x2 = max(acc.x2, x)
			acc.y2 = max(acc.y2, y)
			acc.sumX += float64(x)
			acc.sumY += float64(y)

			isBoundary := false
			touchesBackground := false
			for _, d := range neighbours4 {
				n := a.AtOrBackground(x+d[0], y+d[1])
				if n != v {
					isBoundary = true
					if n == Background {
						touchesBackground = true
					}
				}
			}
			if isBoundary {
				acc.boundary++
			}
			if touchesBackground {
				acc.bgNeighbour++
			}
		}
	}

	out := make([]Instance, 0, len(accs))
	for id, acc := range accs {
		inst := Instance{
			ID:             id,
			Class:          class,
			PixelCount:     acc.count,
			BBox:           MakeRect(acc.x1, acc.y1, acc.x2+1, acc.y2+1),
			Centroid:       Point{X: acc.sumX / float64(acc.count), Y: acc.sumY / float64(acc.count)},
			BoundaryPixels: acc.boundary,
		}
		if acc.boundary != 0 {
			inst.BackgroundContact = float64(acc.bgNeighbour) / float64(acc.boundary)
		}
		out = append(out, inst)
	}
	slices.SortFunc(out, func(a, b Instance) int {
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

// InstanceMap is Instances keyed by id
func InstanceMap(a *Array, class string) map[uint32]*Instance {
	list := Instances(a, class)
	m := make(map[uint32]*Instance, len(list))
	for i := range list {
		m[list[i].ID] = &list[i]
	}
	return m
}

var neighbours4 = [4][2]int{{-1, 0}, {1, 0}, {0, -1}, {0, 1}}
