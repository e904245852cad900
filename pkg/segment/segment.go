// Package segment is the interface layer to segmentation models.
// A model is a black box that turns the pixels of one tile into an instance
// label array for one mask class. Models are loaded by name from a registry,
// so the rest of the pipeline never knows which implementation it is talking to.
package segment

import (
	"context"
	"errors"
	"fmt"

	"github.com/Swarchal/scPortrait/pkg/imgsrc"
	"github.com/Swarchal/scPortrait/pkg/labels"
)

var ErrSegmentationFailed = errors.New("Segmentation failed")
var ErrUnknownModel = errors.New("Unknown segmentation model")
var ErrShapeMismatch = errors.New("Model output does not match the tile size")
var ErrInvalidParams = errors.New("Invalid mask class parameters")

// Segmenter is a segmentation model.
// Implementations must be safe for concurrent use, because several worker slots
// may share the model instance of one device.
type Segmenter interface {
	// Name of the model, as registered
	Name() string
	// Segment returns a label array of the same width and height as the tile.
	// Ids in the output are local to the tile.
	Segment(ctx context.Context, tile *imgsrc.Image, class string) (*labels.Array, error)
	// Release any resources held by the model
	Close()
}

// ClassParams are the per mask class settings passed to a model.
// Models use the subset that makes sense for them. Zero disables an optional step.
type ClassParams struct {
	Channel   int     `json:"channel" yaml:"channel"`     // Input channel that the class is segmented from
	Threshold float64 `json:"threshold" yaml:"threshold"` // Model specific decision threshold

	// Quantile stretch of the channel to [0,1], before Threshold is applied. Both zero disables it.
	LowerQuantile float64 `json:"lowerQuantile" yaml:"lowerQuantile"`
	UpperQuantile float64 `json:"upperQuantile" yaml:"upperQuantile"`

	MedianFilter int `json:"medianFilter" yaml:"medianFilter"` // Edge of the square median window (odd)
	Erosion      int `json:"erosion" yaml:"erosion"`           // Disk radius. Erosion runs before dilation.
	Dilation     int `json:"dilation" yaml:"dilation"`         // Disk radius

	// Touching objects are split along valleys of the distance transform, starting from
	// distance maxima that are at least MinDistance apart.
	MinDistance int `json:"minDistance" yaml:"minDistance"`
	// Pixels that are more than MaxDistance steps away from their seed become background.
	// Only meaningful together with MinDistance.
	MaxDistance int `json:"maxDistance" yaml:"maxDistance"`

	MinSize int `json:"minSize" yaml:"minSize"` // Drop instances with fewer pixels
	MaxSize int `json:"maxSize" yaml:"maxSize"` // Drop instances with more pixels
}

// DefaultClassParams suit a stain image that is already scaled to [0,1]
func DefaultClassParams(channel int) ClassParams {
	return ClassParams{
		Channel:   channel,
		Threshold: 0.5,
		MinSize:   10,
	}
}

func (p *ClassParams) Validate() error {
	switch {
	case p.Channel < 0:
		return fmt.Errorf("%w: negative channel %v", ErrInvalidParams, p.Channel)
	case p.LowerQuantile != 0 || p.UpperQuantile != 0:
		if p.LowerQuantile < 0 || p.UpperQuantile > 1 || p.LowerQuantile >= p.UpperQuantile {
			return fmt.Errorf("%w: quantiles must satisfy 0 <= lower < upper <= 1 (got %v, %v)", ErrInvalidParams, p.LowerQuantile, p.UpperQuantile)
		}
	}
	if p.MedianFilter < 0 || (p.MedianFilter > 1 && p.MedianFilter%2 == 0) {
		return fmt.Errorf("%w: median filter size %v must be odd", ErrInvalidParams, p.MedianFilter)
	}
	if p.Erosion < 0 || p.Dilation < 0 || p.MinDistance < 0 || p.MaxDistance < 0 {
		return fmt.Errorf("%w: erosion, dilation and distances must not be negative", ErrInvalidParams)
	}
	if p.MaxDistance > 0 && p.MinDistance == 0 {
		return fmt.Errorf("%w: maxDistance needs minDistance", ErrInvalidParams)
	}
	if p.MinSize < 0 || p.MaxSize < 0 || (p.MaxSize != 0 && p.MaxSize < p.MinSize) {
		return fmt.Errorf("%w: size bounds [%v, %v] are invalid", ErrInvalidParams, p.MinSize, p.MaxSize)
	}
	return nil
}

// ModelConfig identifies a model and its settings
type ModelConfig struct {
	Name        string                 `json:"name" yaml:"name"`
	InputWidth  int                    `json:"inputWidth" yaml:"inputWidth"`   // Fixed input width, or zero if the model accepts any size
	InputHeight int                    `json:"inputHeight" yaml:"inputHeight"` // Fixed input height, or zero if the model accepts any size
	Classes     map[string]ClassParams `json:"classes" yaml:"classes"`
}

// SegmentationFailedError is the error for one failed (tile, class) model call
type SegmentationFailedError struct {
	TileID int
	Class  string
	Err    error
}

func (e *SegmentationFailedError) Error() string {
	return fmt.Sprintf("Segmentation of tile %v, class '%v' failed: %v", e.TileID, e.Class, e.Err)
}

func (e *SegmentationFailedError) Unwrap() []error {
	return []error{ErrSegmentationFailed, e.Err}
}
