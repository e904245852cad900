package imgsrc

import (
	"context"
	"testing"

	"github.com/Swarchal/scPortrait/pkg/chunkstore"
	"github.com/Swarchal/scPortrait/pkg/labels"
	"github.com/cyclopcam/logs"
	"github.com/stretchr/testify/require"
)

func gradient(channels, w, h int) *Image {
	img := NewImage(channels, w, h)
	for c := 0; c < channels; c++ {
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				img.Set(c, x, y, float32(c*10000+y*100+x))
			}
		}
	}
	return img
}

func TestMemoryAndPadding(t *testing.T) {
	ctx := context.Background()
	src := NewMemory(gradient(2, 10, 8))
	require.Equal(t, 10, src.Extent().Width)

	part, err := src.ReadRegion(ctx, labels.MakeRect(2, 3, 5, 5))
	require.NoError(t, err)
	require.Equal(t, float32(302), part.At(0, 0, 0))
	require.Equal(t, float32(10404), part.At(1, 2, 1))

	_, err = src.ReadRegion(ctx, labels.MakeRect(8, 0, 12, 2))
	require.ErrorIs(t, err, ErrOutOfBounds)

	padded, err := ReadPadded(ctx, src, labels.MakeRect(-2, -1, 3, 2))
	require.NoError(t, err)
	require.Equal(t, 5, padded.Width)
	require.Equal(t, float32(0), padded.At(0, 0, 0))
	require.Equal(t, float32(0), padded.At(0, 1, 1))
	require.Equal(t, float32(0), padded.At(0, 2, 1))
	require.Equal(t, float32(2), padded.At(0, 4, 1))
	require.Equal(t, float32(10100), padded.At(1, 2, 2))
}

func TestChunkSource(t *testing.T) {
	ctx := context.Background()
	store, err := chunkstore.Open(logs.NewTestingLog(t), "", chunkstore.Settings{InMemory: true, CacheBytes: 1 << 20, CacheSlots: 64})
	require.NoError(t, err)
	defer store.Close()

	img := gradient(3, 37, 21)
	_, err = StoreImage(ctx, store, "image", img, 8)
	require.NoError(t, err)

	src, err := OpenChunkSource(store, "image")
	require.NoError(t, err)
	require.Equal(t, 3, src.Channels())
	require.Equal(t, 21, src.Extent().Height)

	r := labels.MakeRect(5, 6, 30, 20)
	fromStore, err := src.ReadRegion(ctx, r)
	require.NoError(t, err)
	require.Equal(t, img.Crop(r), fromStore)
}
