package imgsrc

import (
	"context"
	"fmt"

	"github.com/Swarchal/scPortrait/pkg/chunkstore"
	"github.com/Swarchal/scPortrait/pkg/labels"
	"github.com/Swarchal/scPortrait/pkg/tiling"
)

// ChunkSource reads the image from a [channels, height, width] array in a chunk store.
// Any element type is accepted, and converted to float32.
type ChunkSource struct {
	arr *chunkstore.Array
}

func OpenChunkSource(store *chunkstore.Store, name string) (*ChunkSource, error) {
	arr, err := store.OpenArray(name)
	if err != nil {
		return nil, err
	}
	if arr.Rank() != 3 {
		return nil, fmt.Errorf("%w: image array '%v' must have 3 dimensions (channel, y, x), but has shape %v", chunkstore.ErrShapeMismatch, name, arr.Shape())
	}
	return &ChunkSource{arr: arr}, nil
}

func (s *ChunkSource) Extent() tiling.Extent {
	shape := s.arr.Shape()
	return tiling.Extent{Height: shape[1], Width: shape[2]}
}

func (s *ChunkSource) Channels() int {
	return s.arr.Shape()[0]
}

func (s *ChunkSource) ReadRegion(ctx context.Context, r labels.Rect) (*Image, error) {
	if err := checkRegion(s, r); err != nil {
		return nil, err
	}
	region := chunkstore.RegionAt([]int{0, r.Y, r.X}, []int{s.Channels(), r.Height, r.Width})
	img := &Image{Channels: s.Channels(), Width: r.Width, Height: r.Height}
	var err error
	switch s.arr.DType() {
	case chunkstore.Float32:
		img.Pix, err = chunkstore.Read[float32](ctx, s.arr, region)
	case chunkstore.Uint8:
		img.Pix, err = readConvert[uint8](ctx, s.arr, region)
	case chunkstore.Uint16:
		img.Pix, err = readConvert[uint16](ctx, s.arr, region)
	case chunkstore.Uint32:
		img.Pix, err = readConvert[uint32](ctx, s.arr, region)
	case chunkstore.Float64:
		img.Pix, err = readConvert[float64](ctx, s.arr, region)
	default:
		err = fmt.Errorf("Unsupported image dtype %v", s.arr.DType())
	}
	if err != nil {
		return nil, err
	}
	return img, nil
}

func readConvert[T chunkstore.Element](ctx context.Context, arr *chunkstore.Array, region chunkstore.Region) ([]float32, error) {
	raw, err := chunkstore.Read[T](ctx, arr, region)
	if err != nil {
		return nil, err
	}
	out := make([]float32, len(raw))
	for i, v := range raw {
		out[i] = float32(v)
	}
	return out, nil
}

// StoreImage writes img into a new [channels, height, width] float32 array, with square spatial chunks.
// The image is written in horizontal bands, so a single transaction never holds the whole image.
func StoreImage(ctx context.Context, store *chunkstore.Store, name string, img *Image, chunkEdge int) (*chunkstore.Array, error) {
	arr, err := store.CreateArray(name, []int{img.Channels, img.Height, img.Width}, []int{1, chunkEdge, chunkEdge}, chunkstore.Float32)
	if err != nil {
		return nil, err
	}
	for y := 0; y < img.Height; y += chunkEdge {
		band := labels.MakeRect(0, y, img.Width, min(y+chunkEdge, img.Height))
		part := img.Crop(band)
		region := chunkstore.RegionAt([]int{0, band.Y, 0}, []int{img.Channels, band.Height, band.Width})
		if err := chunkstore.Write(ctx, arr, region, part.Pix); err != nil {
			return nil, fmt.Errorf("Failed to store image band at y=%v: %w", y, err)
		}
	}
	return arr, nil
}
