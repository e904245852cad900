package match

import (
	"fmt"

	"github.com/Swarchal/scPortrait/pkg/labels"
)

// Downsample makes Match decide on reduced copies of the masks.
// Each Factor x Factor block is represented by its top-left pixel. The relabeled
// masks are scaled back up by repeating pixels, and optionally smoothed by an
// opening (erosion then dilation) with a disk of radius SmoothingKernel.
type Downsample struct {
	Factor          int  `json:"factor" yaml:"factor"` // 0 or 1 disables downsampling
	ErosionDilation bool `json:"erosionDilation" yaml:"erosionDilation"`
	SmoothingKernel int  `json:"smoothingKernel" yaml:"smoothingKernel"`
}

func (d *Downsample) enabled() bool {
	return d.Factor > 1
}

func (d *Downsample) Validate() error {
	if d.Factor < 0 {
		return fmt.Errorf("%w: downsample factor %v is negative", ErrInvalidOptions, d.Factor)
	}
	if d.SmoothingKernel < 0 || (d.enabled() && d.ErosionDilation && d.SmoothingKernel == 0) {
		return fmt.Errorf("%w: smoothing kernel %v must be positive", ErrInvalidOptions, d.SmoothingKernel)
	}
	return nil
}

// restore turns a relabeled reduced mask back into a full resolution mask
func (d *Downsample) restore(a *labels.Array, width, height int) *labels.Array {
	out := upscale(a, d.Factor, width, height)
	if d.ErosionDilation {
		out = rankFilter(out, d.SmoothingKernel, func(a, b uint32) bool { return a < b })
		out = rankFilter(out, d.SmoothingKernel, func(a, b uint32) bool { return a > b })
	}
	return out
}

func downsample(a *labels.Array, factor int) *labels.Array {
	out := labels.New((a.Width+factor-1)/factor, (a.Height+factor-1)/factor)
	for y := 0; y < out.Height; y++ {
		for x := 0; x < out.Width; x++ {
			out.Set(x, y, a.At(x*factor, y*factor))
		}
	}
	return out
}

// upscale repeats every pixel factor times in both directions, cropped to width x height
func upscale(a *labels.Array, factor, width, height int) *labels.Array {
	out := labels.New(width, height)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			out.Set(x, y, a.At(x/factor, y/factor))
		}
	}
	return out
}

// rankFilter replaces each pixel by the value within a disk of the given radius that
// wins under better. Min gives grey erosion, max gives grey dilation.
// Only pixels inside the array take part.
func rankFilter(a *labels.Array, radius int, better func(a, b uint32) bool) *labels.Array {
	disk := [][2]int{}
	for dy := -radius; dy <= radius; dy++ {
		for dx := -radius; dx <= radius; dx++ {
			if dx*dx+dy*dy <= radius*radius {
				disk = append(disk, [2]int{dx, dy})
			}
		}
	}
	out := labels.New(a.Width, a.Height)
	for y := 0; y < a.Height; y++ {
		for x := 0; x < a.Width; x++ {
			v := a.At(x, y)
			for _, d := range disk {
				nx, ny := x+d[0], y+d[1]
				if nx < 0 || ny < 0 || nx >= a.Width || ny >= a.Height {
					continue
				}
				if n := a.At(nx, ny); better(n, v) {
					v = n
				}
			}
			out.Set(x, y, v)
		}
	}
	return out
}
