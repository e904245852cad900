package segment

import (
	"context"
	"fmt"

	"github.com/Swarchal/scPortrait/pkg/imgsrc"
	"github.com/Swarchal/scPortrait/pkg/labels"
	"github.com/cyclopcam/logs"
)

// ThresholdModelName is the name of the built-in classical model
const ThresholdModelName = "threshold"

func init() {
	Register(ThresholdModelName, NewThresholdModel)
}

// ThresholdModel is a classical segmenter: pixels of the class channel above the
// threshold are foreground, and each 4-connected foreground component becomes an
// instance. The channel is optionally quantile normalized and median filtered first,
// and the mask is optionally eroded, dilated and split at narrow necks. It is useful for synthetic data, and as a reference implementation of Segmenter.
type ThresholdModel struct {
	classes map[string]ClassParams
}

func NewThresholdModel(log logs.Log, config *ModelConfig, device int) (Segmenter, error) {
	if len(config.Classes) == 0 {
		return nil, fmt.Errorf("The threshold model needs at least one mask class")
	}
	for class, params := range config.Classes {
		if err := params.Validate(); err != nil {
			return nil, fmt.Errorf("Mask class '%v': %w", class, err)
		}
	}
	return &ThresholdModel{classes: config.Classes}, nil
}

func (m *ThresholdModel) Name() string {
	return ThresholdModelName
}

func (m *ThresholdModel) Close() {
}

func (m *ThresholdModel) Segment(ctx context.Context, tile *imgsrc.Image, class string) (*labels.Array, error) {
	params, ok := m.classes[class]
	if !ok {
		return nil, fmt.Errorf("No threshold settings for mask class '%v'", class)
	}
	if params.Channel < 0 || params.Channel >= tile.Channels {
		return nil, fmt.Errorf("Channel %v out of range for a %v channel tile", params.Channel, tile.Channels)
	}
	w, h := tile.Width, tile.Height
	pix := tile.Channel(params.Channel)
	if params.LowerQuantile != 0 || params.UpperQuantile != 0 {
		pix = quantileStretch(pix, params.LowerQuantile, params.UpperQuantile)
	}
	if params.MedianFilter > 1 {
		pix = medianFilter(pix, w, h, params.MedianFilter)
	}
	mask := make([]bool, len(pix))
	for i, v := range pix {
		mask[i] = float64(v) > params.Threshold
	}
	if params.Erosion > 0 {
		mask = erode(mask, w, h, params.Erosion)
	}
	if params.Dilation > 0 {
		mask = dilate(mask, w, h, params.Dilation)
	}

	comp, _ := labels.Components(mask, w, h)
	if params.MinDistance > 0 {
		var seeds map[uint32]int
		comp, seeds = splitTouching(comp, mask, params.MinDistance)
		if params.MaxDistance > 0 {
			limitReach(comp, seeds, params.MaxDistance)
		}
	}
	filterSizes(comp, params.MinSize, params.MaxSize)
	return comp, nil
}
