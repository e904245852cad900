package segment

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/Swarchal/scPortrait/pkg/imgsrc"
	"github.com/Swarchal/scPortrait/pkg/labels"
	"github.com/Swarchal/scPortrait/pkg/tiling"
	"github.com/cyclopcam/logs"
	"github.com/stretchr/testify/require"
)

const failMarker = 999

// dummyModel labels everything as background, fails on tiles whose top-left pixel
// holds failMarker, and records the origins of the tiles it saw.
type dummyModel struct {
	name    string
	shrink  int
	lock    sync.Mutex
	origins []float32
}

func (d *dummyModel) Name() string { return d.name }
func (d *dummyModel) Close()       {}

func (d *dummyModel) Segment(ctx context.Context, tile *imgsrc.Image, class string) (*labels.Array, error) {
	d.lock.Lock()
	d.origins = append(d.origins, tile.At(0, 0, 0))
	d.lock.Unlock()
	if tile.At(0, 0, 0) == failMarker {
		return nil, errors.New("model exploded")
	}
	return labels.New(tile.Width-d.shrink, tile.Height), nil
}

// testImage has a unique value at the origin of every tile's padded bounds
func testImage(tiles []tiling.Tile, extent tiling.Extent) *imgsrc.Image {
	img := imgsrc.NewImage(1, extent.Width, extent.Height)
	for _, t := range tiles {
		img.Set(0, t.Bounds.X, t.Bounds.Y, float32(100+t.ID))
	}
	return img
}

func testTiles(t *testing.T, devices int) ([]tiling.Tile, tiling.Extent) {
	extent := tiling.Extent{Height: 40, Width: 40}
	tiles, err := tiling.Schedule(tiling.Params{Extent: extent, MaxTilePixels: 20 * 20, Overlap: 4, Concurrency: 2, Devices: devices})
	require.NoError(t, err)
	require.Len(t, tiles, 4)
	return tiles, extent
}

func TestRunnerThresholdModel(t *testing.T) {
	log := logs.NewTestingLog(t)
	tiles, extent := testTiles(t, 1)
	img := imgsrc.NewImage(2, extent.Width, extent.Height)
	// A 3x3 bright square on channel 1, inside tile 0's core
	for y := 5; y < 8; y++ {
		for x := 5; x < 8; x++ {
			img.Set(1, x, y, 10)
		}
	}
	models, err := Load(log, &ModelConfig{
		Name: ThresholdModelName,
		Classes: map[string]ClassParams{
			"nucleus": {Channel: 1, Threshold: 5},
			"cytosol": {Channel: 0, Threshold: 5},
		},
	}, 1)
	require.NoError(t, err)

	r, err := NewRunner(log, models, FailAbort, nil)
	require.NoError(t, err)
	res, err := r.Run(context.Background(), imgsrc.NewMemory(img), tiles, []string{"nucleus", "cytosol"})
	require.NoError(t, err)
	require.Len(t, res.Labels["nucleus"], 4)
	require.Len(t, res.Labels["cytosol"], 4)
	require.Empty(t, res.Failures)

	n0 := res.Labels["nucleus"][0]
	require.Equal(t, tiles[0].Bounds.Width, n0.Width)
	require.Equal(t, []uint32{1}, n0.IDs())
	require.Equal(t, uint32(1), n0.At(6, 6))
	require.Empty(t, res.Labels["cytosol"][0].IDs())
	require.Empty(t, res.Labels["nucleus"][3].IDs())
}

func TestRunnerFailurePolicy(t *testing.T) {
	log := logs.NewTestingLog(t)
	tiles, extent := testTiles(t, 1)
	img := testImage(tiles, extent)
	img.Set(0, tiles[2].Bounds.X, tiles[2].Bounds.Y, failMarker)
	src := imgsrc.NewMemory(img)

	// Skip: the failure is reported, and the tile becomes background
	r, err := NewRunner(log, []Segmenter{&dummyModel{name: "dummy"}}, FailSkip, nil)
	require.NoError(t, err)
	res, err := r.Run(context.Background(), src, tiles, []string{"nucleus"})
	require.NoError(t, err)
	require.Len(t, res.Failures, 1)
	require.Equal(t, 2, res.Failures[0].TileID)
	require.Equal(t, "nucleus", res.Failures[0].Class)
	require.ErrorIs(t, res.Failures[0], ErrSegmentationFailed)
	require.Len(t, res.Labels["nucleus"], 4)
	require.Equal(t, tiles[2].Bounds.Width, res.Labels["nucleus"][2].Width)

	// Abort: the run fails with the tile's error
	r, err = NewRunner(log, []Segmenter{&dummyModel{name: "dummy"}}, FailAbort, nil)
	require.NoError(t, err)
	_, err = r.Run(context.Background(), src, tiles, []string{"nucleus"})
	require.ErrorIs(t, err, ErrSegmentationFailed)
	var failed *SegmentationFailedError
	require.True(t, errors.As(err, &failed))
	require.Equal(t, 2, failed.TileID)

	_, err = NewRunner(log, []Segmenter{&dummyModel{}}, FailurePolicy("sometimes"), nil)
	require.Error(t, err)
}

func TestRunnerShapeMismatch(t *testing.T) {
	tiles, extent := testTiles(t, 1)
	r, err := NewRunner(logs.NewTestingLog(t), []Segmenter{&dummyModel{name: "short", shrink: 1}}, FailSkip, nil)
	require.NoError(t, err)
	_, err = r.Run(context.Background(), imgsrc.NewMemory(testImage(tiles, extent)), tiles, []string{"nucleus"})
	require.ErrorIs(t, err, ErrShapeMismatch)
}

func TestRunnerDeviceAssignment(t *testing.T) {
	tiles, extent := testTiles(t, 2)
	dev0 := &dummyModel{name: "d0"}
	dev1 := &dummyModel{name: "d1"}
	r, err := NewRunner(logs.NewTestingLog(t), []Segmenter{dev0, dev1}, FailAbort, nil)
	require.NoError(t, err)
	_, err = r.Run(context.Background(), imgsrc.NewMemory(testImage(tiles, extent)), tiles, []string{"a", "b"})
	require.NoError(t, err)

	require.ElementsMatch(t, []float32{100, 100, 102, 102}, dev0.origins)
	require.ElementsMatch(t, []float32{101, 101, 103, 103}, dev1.origins)
}

func TestRegistry(t *testing.T) {
	log := logs.NewTestingLog(t)
	_, err := Load(log, &ModelConfig{Name: "no-such-model"}, 1)
	require.ErrorIs(t, err, ErrUnknownModel)
	require.Contains(t, Models(), ThresholdModelName)

	_, err = Load(log, &ModelConfig{Name: ThresholdModelName}, 1)
	require.Error(t, err)

	models, err := Load(log, &ModelConfig{Name: ThresholdModelName, Classes: map[string]ClassParams{"x": {}}}, 3)
	require.NoError(t, err)
	require.Len(t, models, 3)
}

// segmentOne runs the threshold model with a single class "n" over img
func segmentOne(t *testing.T, img *imgsrc.Image, params ClassParams) *labels.Array {
	m, err := NewThresholdModel(logs.NewTestingLog(t), &ModelConfig{Classes: map[string]ClassParams{"n": params}}, 0)
	require.NoError(t, err)
	arr, err := m.Segment(context.Background(), img, "n")
	require.NoError(t, err)
	return arr
}

func countPixels(a *labels.Array, id uint32) int {
	n := 0
	for _, v := range a.Pix {
		if v == id {
			n++
		}
	}
	return n
}

// fillDisc sets every pixel within radius r of (cx,cy) to v
func fillDisc(img *imgsrc.Image, cx, cy, r int, v float32) {
	for y := 0; y < img.Height; y++ {
		for x := 0; x < img.Width; x++ {
			if (x-cx)*(x-cx)+(y-cy)*(y-cy) <= r*r {
				img.Set(0, x, y, v)
			}
		}
	}
}

func TestThresholdSizeBounds(t *testing.T) {
	img := imgsrc.NewImage(1, 6, 1)
	copy(img.Pix, []float32{1, 0, 1, 1, 1, 0})
	arr := segmentOne(t, img, ClassParams{Threshold: 0.5, MinSize: 2})
	require.Equal(t, []uint32{0, 0, 1, 1, 1, 0}, arr.Pix)

	// Blobs of 1, 4 and 9 pixels. Only the 4 pixel blob fits [2,5].
	img = imgsrc.NewImage(1, 12, 4)
	img.Set(0, 0, 0, 1)
	for y := 0; y < 2; y++ {
		for x := 2; x < 4; x++ {
			img.Set(0, x, y, 1)
		}
	}
	for y := 0; y < 3; y++ {
		for x := 6; x < 9; x++ {
			img.Set(0, x, y, 1)
		}
	}
	arr = segmentOne(t, img, ClassParams{Threshold: 0.5, MinSize: 2, MaxSize: 5})
	require.Equal(t, []uint32{1}, arr.IDs())
	require.Equal(t, 4, countPixels(arr, 1))
	require.Equal(t, uint32(1), arr.At(2, 0))
	require.Equal(t, labels.Background, arr.At(0, 0))
	require.Equal(t, labels.Background, arr.At(7, 1))

	m, err := NewThresholdModel(logs.NewTestingLog(t), &ModelConfig{Classes: map[string]ClassParams{"n": {Threshold: 0.5}}}, 0)
	require.NoError(t, err)
	_, err = m.Segment(context.Background(), img, "other")
	require.Error(t, err)
}

func TestThresholdQuantileNormalization(t *testing.T) {
	img := imgsrc.NewImage(1, 8, 8)
	for i := range img.Pix {
		img.Pix[i] = 100
	}
	for y := 2; y < 5; y++ {
		for x := 2; x < 5; x++ {
			img.Set(0, x, y, 200)
		}
	}
	// Raw values are all above the threshold
	arr := segmentOne(t, img, ClassParams{Threshold: 0.5})
	require.Equal(t, 64, countPixels(arr, 1))

	arr = segmentOne(t, img, ClassParams{Threshold: 0.5, LowerQuantile: 0.01, UpperQuantile: 0.99})
	require.Equal(t, []uint32{1}, arr.IDs())
	require.Equal(t, 9, countPixels(arr, 1))
	require.Equal(t, uint32(1), arr.At(3, 3))
	// The input tile is not modified
	require.Equal(t, float32(200), img.At(0, 3, 3))
}

func TestThresholdMedianFilter(t *testing.T) {
	img := imgsrc.NewImage(1, 9, 5)
	img.Set(0, 1, 2, 1)
	for y := 1; y < 4; y++ {
		for x := 5; x < 8; x++ {
			img.Set(0, x, y, 1)
		}
	}
	arr := segmentOne(t, img, ClassParams{Threshold: 0.5})
	require.Len(t, arr.IDs(), 2)

	arr = segmentOne(t, img, ClassParams{Threshold: 0.5, MedianFilter: 3})
	require.Equal(t, []uint32{1}, arr.IDs())
	require.Equal(t, labels.Background, arr.At(1, 2))
	require.Equal(t, uint32(1), arr.At(6, 2))
}

func TestThresholdErosion(t *testing.T) {
	img := imgsrc.NewImage(1, 9, 9)
	for y := 2; y < 7; y++ {
		for x := 2; x < 7; x++ {
			img.Set(0, x, y, 1)
		}
	}
	arr := segmentOne(t, img, ClassParams{Threshold: 0.5, Erosion: 1})
	require.Equal(t, 9, countPixels(arr, 1))
	require.Equal(t, labels.Background, arr.At(2, 2))
	require.Equal(t, uint32(1), arr.At(3, 3))
	require.Equal(t, uint32(1), arr.At(5, 5))

	// Outside the tile counts as foreground, so a blob on the edge keeps its edge pixels
	img = imgsrc.NewImage(1, 5, 5)
	for y := 0; y < 5; y++ {
		img.Set(0, 0, y, 1)
		img.Set(0, 1, y, 1)
	}
	arr = segmentOne(t, img, ClassParams{Threshold: 0.5, Erosion: 1})
	require.Equal(t, 5, countPixels(arr, 1))
	require.Equal(t, uint32(1), arr.At(0, 2))
	require.Equal(t, labels.Background, arr.At(1, 2))
}

func TestThresholdDilation(t *testing.T) {
	img := imgsrc.NewImage(1, 7, 7)
	img.Set(0, 3, 3, 1)
	arr := segmentOne(t, img, ClassParams{Threshold: 0.5, Dilation: 1})
	require.Equal(t, 5, countPixels(arr, 1))
	require.Equal(t, uint32(1), arr.At(3, 2))
	require.Equal(t, uint32(1), arr.At(4, 3))
	require.Equal(t, labels.Background, arr.At(4, 4))

	// Erosion runs first, so an opening removes the speck and keeps the block
	img.Set(0, 3, 3, 0)
	img.Set(0, 0, 0, 1)
	for y := 3; y < 7; y++ {
		for x := 3; x < 7; x++ {
			img.Set(0, x, y, 1)
		}
	}
	arr = segmentOne(t, img, ClassParams{Threshold: 0.5, Erosion: 1, Dilation: 1})
	require.Equal(t, []uint32{1}, arr.IDs())
	require.Equal(t, labels.Background, arr.At(0, 0))
	require.Equal(t, uint32(1), arr.At(5, 5))
}

func TestThresholdMinDistanceSplitsTouching(t *testing.T) {
	img := imgsrc.NewImage(1, 21, 13)
	fillDisc(img, 6, 6, 5, 1)
	fillDisc(img, 14, 6, 5, 1)

	arr := segmentOne(t, img, ClassParams{Threshold: 0.5})
	require.Equal(t, []uint32{1}, arr.IDs())

	arr = segmentOne(t, img, ClassParams{Threshold: 0.5, MinDistance: 3})
	require.Len(t, arr.IDs(), 2)
	left, right := arr.At(6, 6), arr.At(14, 6)
	require.NotEqual(t, labels.Background, left)
	require.NotEqual(t, labels.Background, right)
	require.NotEqual(t, left, right)
	// Renumbered in raster order, and the split loses no pixels
	require.Equal(t, uint32(1), left)
	for i, v := range img.Pix {
		require.Equal(t, v > 0.5, arr.Pix[i] != labels.Background)
	}
	require.Equal(t, left, arr.At(3, 6))
	require.Equal(t, right, arr.At(17, 6))
}

func TestThresholdMaxDistance(t *testing.T) {
	img := imgsrc.NewImage(1, 11, 11)
	fillDisc(img, 5, 5, 4, 1)

	arr := segmentOne(t, img, ClassParams{Threshold: 0.5, MinDistance: 3})
	require.Equal(t, []uint32{1}, arr.IDs())
	require.Equal(t, uint32(1), arr.At(9, 5))

	arr = segmentOne(t, img, ClassParams{Threshold: 0.5, MinDistance: 3, MaxDistance: 3})
	require.Equal(t, []uint32{1}, arr.IDs())
	require.Equal(t, uint32(1), arr.At(5, 5))
	require.Equal(t, uint32(1), arr.At(8, 5))
	require.Equal(t, labels.Background, arr.At(9, 5))
	require.Equal(t, labels.Background, arr.At(5, 1))
}

func TestClassParamsValidate(t *testing.T) {
	good := DefaultClassParams(2)
	require.NoError(t, good.Validate())
	require.Equal(t, 2, good.Channel)

	bad := []ClassParams{
		{Channel: -1},
		{LowerQuantile: 0.9, UpperQuantile: 0.1},
		{LowerQuantile: 0.1, UpperQuantile: 1.5},
		{MedianFilter: 4},
		{MedianFilter: -3},
		{Erosion: -1},
		{Dilation: -1},
		{MaxDistance: 3},
		{MinSize: 10, MaxSize: 5},
	}
	for _, p := range bad {
		require.ErrorIs(t, p.Validate(), ErrInvalidParams, "%+v", p)
	}

	_, err := NewThresholdModel(logs.NewTestingLog(t), &ModelConfig{Classes: map[string]ClassParams{"n": {MedianFilter: 2}}}, 0)
	require.ErrorIs(t, err, ErrInvalidParams)
}
