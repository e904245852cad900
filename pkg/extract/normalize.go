package extract

import (
	"context"
	"fmt"
	"slices"

	"github.com/Swarchal/scPortrait/pkg/imgsrc"
	"github.com/Swarchal/scPortrait/pkg/labels"
	"github.com/chewxy/math32"
	"gonum.org/v1/gonum/stat"
)

type NormalizeMode string

const (
	NormalizeNone    NormalizeMode = "none"
	NormalizeGlobal  NormalizeMode = "global"  // Quantiles over the whole image, per channel
	NormalizePerCrop NormalizeMode = "percrop" // Quantiles over each crop, per channel
)

// Normalization configures the quantile stretch (v - lo) / (hi - lo), clamped to [0,1]
type Normalization struct {
	Mode  NormalizeMode `json:"mode" yaml:"mode"`
	Lower float64       `json:"lower" yaml:"lower"` // Quantile that maps to 0
	Upper float64       `json:"upper" yaml:"upper"` // Quantile that maps to 1

	// Global quantiles are computed from every SampleStride'th pixel in x and y,
	// reading the image in square blocks of TileSize.
	SampleStride int `json:"sampleStride" yaml:"sampleStride"`
	TileSize     int `json:"tileSize" yaml:"tileSize"`
}

func DefaultNormalization() Normalization {
	return Normalization{
		Mode:         NormalizeNone,
		Lower:        0.001,
		Upper:        0.999,
		SampleStride: 4,
		TileSize:     1024,
	}
}

func (n *Normalization) Validate() error {
	switch n.Mode {
	case NormalizeNone:
		return nil
	case NormalizeGlobal, NormalizePerCrop:
	default:
		return fmt.Errorf("%w: unknown normalization mode '%v'", ErrInvalidOptions, n.Mode)
	}
	if n.Lower < 0 || n.Upper > 1 || n.Lower >= n.Upper {
		return fmt.Errorf("%w: normalization quantiles [%v, %v]", ErrInvalidOptions, n.Lower, n.Upper)
	}
	if n.Mode == NormalizeGlobal && (n.SampleStride <= 0 || n.TileSize <= 0) {
		return fmt.Errorf("%w: sampleStride and tileSize must be positive", ErrInvalidOptions)
	}
	return nil
}

// Range is an intensity interval that is stretched to [0,1]
type Range struct {
	Lo float32 `json:"lo"`
	Hi float32 `json:"hi"`
}

// Apply stretches v in place. A degenerate range maps everything to 0.
func (r Range) Apply(v []float32) {
	span := r.Hi - r.Lo
	if span <= 0 {
		clear(v)
		return
	}
	for i, x := range v {
		v[i] = math32.Max(0, math32.Min(1, (x-r.Lo)/span))
	}
}

// QuantileRange computes the lower and upper quantiles of v
func QuantileRange(v []float32, lower, upper float64) Range {
	if len(v) == 0 {
		return Range{}
	}
	x := make([]float64, len(v))
	for i, f := range v {
		x[i] = float64(f)
	}
	slices.Sort(x)
	return Range{
		Lo: float32(stat.Quantile(lower, stat.Empirical, x, nil)),
		Hi: float32(stat.Quantile(upper, stat.Empirical, x, nil)),
	}
}

// GlobalRanges computes per-channel quantile ranges over the whole image.
// The image is streamed block by block, so only the subsample is resident.
func GlobalRanges(ctx context.Context, src imgsrc.Source, n Normalization) ([]Range, error) {
	extent := src.Extent()
	stride, tile := n.SampleStride, n.TileSize
	// Keep the sampling grid aligned across blocks
	tile = max(stride, tile-tile%stride)

	samples := make([][]float32, src.Channels())
	for y := 0; y < extent.Height; y += tile {
		for x := 0; x < extent.Width; x += tile {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			block := labels.MakeRect(x, y, min(x+tile, extent.Width), min(y+tile, extent.Height))
			img, err := src.ReadRegion(ctx, block)
			if err != nil {
				return nil, err
			}
			for c := range samples {
				ch := img.Channel(c)
				for by := 0; by < block.Height; by += stride {
					for bx := 0; bx < block.Width; bx += stride {
						samples[c] = append(samples[c], ch[by*block.Width+bx])
					}
				}
			}
		}
	}

	ranges := make([]Range, len(samples))
	for c, s := range samples {
		ranges[c] = QuantileRange(s, n.Lower, n.Upper)
	}
	return ranges, nil
}
