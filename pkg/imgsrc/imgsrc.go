// Package imgsrc provides access to the raw multi-channel microscopy image.
// The pipeline only ever reads rectangular regions, so the whole image never
// needs to be resident in memory.
package imgsrc

import (
	"context"
	"errors"
	"fmt"

	"github.com/Swarchal/scPortrait/pkg/labels"
	"github.com/Swarchal/scPortrait/pkg/tiling"
)

var ErrOutOfBounds = errors.New("Region is outside the image")

// Image is a multi-channel float32 raster, stored channel-major:
// Pix[c*Width*Height + y*Width + x]
type Image struct {
	Channels int
	Width    int
	Height   int
	Pix      []float32
}

func NewImage(channels, width, height int) *Image {
	return &Image{
		Channels: channels,
		Width:    width,
		Height:   height,
		Pix:      make([]float32, channels*width*height),
	}
}

func (im *Image) At(c, x, y int) float32 {
	return im.Pix[c*im.Width*im.Height+y*im.Width+x]
}

func (im *Image) Set(c, x, y int, v float32) {
	im.Pix[c*im.Width*im.Height+y*im.Width+x] = v
}

// Channel returns the pixels of one channel. The slice aliases the image.
func (im *Image) Channel(c int) []float32 {
	n := im.Width * im.Height
	return im.Pix[c*n : (c+1)*n]
}

// Crop returns a copy of the region r, which must lie inside the image
func (im *Image) Crop(r labels.Rect) *Image {
	out := NewImage(im.Channels, r.Width, r.Height)
	for c := 0; c < im.Channels; c++ {
		src := im.Channel(c)
		dst := out.Channel(c)
		for y := 0; y < r.Height; y++ {
			copy(dst[y*r.Width:(y+1)*r.Width], src[(r.Y+y)*im.Width+r.X:])
		}
	}
	return out
}

// Source is the raw image provider
type Source interface {
	Extent() tiling.Extent
	Channels() int
	// ReadRegion returns the pixels inside r, which must lie inside the extent
	ReadRegion(ctx context.Context, r labels.Rect) (*Image, error)
}

// ReadPadded reads r from src. Parts of r that fall outside the image are zero.
func ReadPadded(ctx context.Context, src Source, r labels.Rect) (*Image, error) {
	inside := r.Intersection(src.Extent().Rect())
	if inside == r {
		return src.ReadRegion(ctx, r)
	}
	out := NewImage(src.Channels(), r.Width, r.Height)
	if inside.Empty() {
		return out, nil
	}
	part, err := src.ReadRegion(ctx, inside)
	if err != nil {
		return nil, err
	}
	dx, dy := inside.X-r.X, inside.Y-r.Y
	for c := 0; c < out.Channels; c++ {
		src := part.Channel(c)
		dst := out.Channel(c)
		for y := 0; y < inside.Height; y++ {
			copy(dst[(dy+y)*r.Width+dx:(dy+y)*r.Width+dx+inside.Width], src[y*inside.Width:(y+1)*inside.Width])
		}
	}
	return out, nil
}

func checkRegion(src Source, r labels.Rect) error {
	if r.Empty() || !src.Extent().Rect().ContainsRect(r) {
		return fmt.Errorf("%w: %+v", ErrOutOfBounds, r)
	}
	return nil
}

// Memory is a Source backed by an in-memory image.
// It exists for tests and small images.
type Memory struct {
	img *Image
}

func NewMemory(img *Image) *Memory {
	return &Memory{img: img}
}

func (m *Memory) Extent() tiling.Extent {
	return tiling.Extent{Height: m.img.Height, Width: m.img.Width}
}

func (m *Memory) Channels() int {
	return m.img.Channels
}

func (m *Memory) ReadRegion(ctx context.Context, r labels.Rect) (*Image, error) {
	if err := checkRegion(m, r); err != nil {
		return nil, err
	}
	return m.img.Crop(r), nil
}
