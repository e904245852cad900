// Package match pairs instances from independently segmented mask classes
// (eg nucleus and cytosol) into cells, and filters those cells by size and
// background contact.
package match

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/Swarchal/scPortrait/pkg/labels"
	"github.com/cyclopcam/logs"
)

var ErrShapeMismatch = errors.New("Mask classes have different dimensions")
var ErrMissingClass = errors.New("Mask class not provided")
var ErrInvalidOptions = errors.New("Invalid matching options")

// Reason explains why an instance is not part of the final cell set.
// These are filtering outcomes, not errors.
type Reason string

const (
	ReasonUnmatched Reason = "unmatched" // No qualifying cross-class partner
	ReasonSize      Reason = "size"      // Pixel area outside the allowed range
	ReasonContact   Reason = "contact"   // Too much of the boundary touches background
	ReasonShared    Reason = "shared"    // Secondary instance claimed by more than one primary
	ReasonBoundary  Reason = "boundary"  // Crop window extends past the image (see package extract)
)

// Reasons in reporting order
var Reasons = []Reason{ReasonUnmatched, ReasonSize, ReasonContact, ReasonShared, ReasonBoundary}

// SizeRange is an inclusive pixel area range. Max = 0 means no upper bound.
type SizeRange struct {
	Min int `json:"min" yaml:"min"`
	Max int `json:"max" yaml:"max"`
}

func (r SizeRange) Contains(area int) bool {
	if area < r.Min {
		return false
	}
	return r.Max == 0 || area <= r.Max
}

type Options struct {
	Primary   string   `json:"primary" yaml:"primary"`     // The class that defines cell identity
	Secondary []string `json:"secondary" yaml:"secondary"` // Classes matched against Primary

	// A secondary instance is accepted if the fraction of the primary's pixels
	// that it covers is strictly greater than this.
	MatchThreshold float64 `json:"matchThreshold" yaml:"matchThreshold"`

	// If true, a primary without an accepted match in every secondary class is discarded.
	// If false, it is kept without the missing classes.
	MatchRequired bool `json:"matchRequired" yaml:"matchRequired"`

	DefaultSize SizeRange            `json:"defaultSize" yaml:"defaultSize"`
	Size        map[string]SizeRange `json:"size" yaml:"size,omitempty"` // Per-class override of DefaultSize

	// A cell is discarded if any member's BackgroundContact exceeds this.
	// 1 disables the filter.
	MaxBackgroundContact float64 `json:"maxBackgroundContact" yaml:"maxBackgroundContact"`

	// If true, a secondary instance claimed by more than one primary causes all
	// of its claimants to be discarded. If false, the lowest primary id keeps it,
	// and the others treat that class as unmatched.
	DiscardShared bool `json:"discardShared" yaml:"discardShared"`

	// Classes listed here get their size range fitted from the data, replacing Size/DefaultSize
	AutoSize map[string]AutoSize `json:"autoSize" yaml:"autoSize,omitempty"`

	// Overlap and background contact are measured on reduced masks. Sizes are always
	// measured at full resolution.
	Downsample Downsample `json:"downsample" yaml:"downsample"`
}

func DefaultOptions() Options {
	return Options{
		Primary:              "nucleus",
		Secondary:            []string{"cytosol"},
		MatchThreshold:       0.5,
		MatchRequired:        true,
		MaxBackgroundContact: 1,
		DiscardShared:        true,
	}
}

func (o *Options) Validate() error {
	if o.Primary == "" {
		return fmt.Errorf("%w: no primary class", ErrInvalidOptions)
	}
	seen := map[string]bool{o.Primary: true}
	for _, s := range o.Secondary {
		if seen[s] {
			return fmt.Errorf("%w: class '%v' listed twice", ErrInvalidOptions, s)
		}
		seen[s] = true
	}
	if o.MatchThreshold < 0 || o.MatchThreshold >= 1 {
		return fmt.Errorf("%w: match threshold %v must be in [0,1)", ErrInvalidOptions, o.MatchThreshold)
	}
	if o.MaxBackgroundContact < 0 || o.MaxBackgroundContact > 1 {
		return fmt.Errorf("%w: max background contact %v must be in [0,1]", ErrInvalidOptions, o.MaxBackgroundContact)
	}
	for class, r := range o.Size {
		if r.Min < 0 || (r.Max != 0 && r.Max < r.Min) {
			return fmt.Errorf("%w: size range %+v for class '%v'", ErrInvalidOptions, r, class)
		}
	}
	if o.DefaultSize.Min < 0 || (o.DefaultSize.Max != 0 && o.DefaultSize.Max < o.DefaultSize.Min) {
		return fmt.Errorf("%w: default size range %+v", ErrInvalidOptions, o.DefaultSize)
	}
	if err := o.Downsample.Validate(); err != nil {
		return err
	}
	for class, a := range o.AutoSize {
		if err := a.Validate(); err != nil {
			return fmt.Errorf("Auto size for class '%v': %w", class, err)
		}
	}
	return nil
}

func (o *Options) classes() []string {
	return append([]string{o.Primary}, o.Secondary...)
}

func (o *Options) sizeRange(class string) SizeRange {
	if r, ok := o.Size[class]; ok {
		return r
	}
	return o.DefaultSize
}

// CellRecord is one canonical cell. Records are never mutated after Match returns.
type CellRecord struct {
	ID        uint32                     `json:"id"`
	Primary   uint32                     `json:"primary"` // Global id of the primary instance
	Instances map[string]labels.Instance `json:"instances"`
	BBox      labels.Rect                `json:"bbox"` // Union of all member bounding boxes
}

// Instance returns the member of the given class, if the cell has one
func (c *CellRecord) Instance(class string) (labels.Instance, bool) {
	inst, ok := c.Instances[class]
	return inst, ok
}

// Discard records one instance that did not make it into the cell set
type Discard struct {
	Class  string `json:"class"`
	ID     uint32 `json:"id"` // Global instance id
	Reason Reason `json:"reason"`
}

type Result struct {
	Cells    []CellRecord
	Discards []Discard
	Counts   map[Reason]int       // Number of discarded instances per reason
	Sizes    map[string]SizeRange // Effective size range per class

	arrays     map[string]*labels.Array
	reduced    map[string]*labels.Array // Only when downsampling
	downsample Downsample
	members    map[string]map[uint32]uint32 // class -> global instance id -> cell id
}

// Relabel returns a copy of the class's mask, in which every pixel carries its
// cell id, and pixels of discarded instances are background.
// When matching was downsampled, the mask is the reduced mask scaled back up.
func (r *Result) Relabel(class string) (*labels.Array, error) {
	arr := r.arrays[class]
	if arr == nil {
		return nil, fmt.Errorf("%w: '%v'", ErrMissingClass, class)
	}
	if reduced := r.reduced[class]; reduced != nil {
		out := reduced.Clone()
		out.Relabel(r.members[class])
		return r.downsample.restore(out, arr.Width, arr.Height), nil
	}
	out := arr.Clone()
	out.Relabel(r.members[class])
	return out, nil
}

// CellByID returns the cell with the given id. Cell ids are dense from 1.
func (r *Result) CellByID(id uint32) *CellRecord {
	if id == 0 || int(id) > len(r.Cells) {
		return nil
	}
	return &r.Cells[id-1]
}

func (r *Result) discard(class string, id uint32, reason Reason) {
	r.Discards = append(r.Discards, Discard{Class: class, ID: id, Reason: reason})
	r.Counts[reason]++
}

type pairKey struct {
	primary, secondary uint32
}

// candidate is a primary instance on its way to becoming a cell
type candidate struct {
	primary *labels.Instance
	partner map[string]uint32 // secondary class -> accepted secondary id
	reason  Reason            // Empty if the candidate survives
}

// Match builds the cell set from one global label array per class.
// Primary instances are visited in ascending id order, so identical input
// produces identical cell ids.
func Match(ctx context.Context, log logs.Log, arrays map[string]*labels.Array, opts Options) (*Result, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	var width, height int
	for i, class := range opts.classes() {
		arr := arrays[class]
		if arr == nil {
			return nil, fmt.Errorf("%w: '%v'", ErrMissingClass, class)
		}
		if i == 0 {
			width, height = arr.Width, arr.Height
		} else if arr.Width != width || arr.Height != height {
			return nil, fmt.Errorf("%w: '%v' is %v x %v, but '%v' is %v x %v", ErrShapeMismatch, class, arr.Width, arr.Height, opts.Primary, width, height)
		}
	}

	res := &Result{
		Counts:     map[Reason]int{},
		Sizes:      map[string]SizeRange{},
		arrays:     map[string]*labels.Array{},
		reduced:    map[string]*labels.Array{},
		downsample: opts.Downsample,
		members:    map[string]map[uint32]uint32{},
	}

	// view holds the masks that overlap and contact are measured on
	instances := map[string]map[uint32]*labels.Instance{}
	view := map[string]*labels.Array{}
	viewInstances := map[string]map[uint32]*labels.Instance{}
	for _, class := range opts.classes() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res.arrays[class] = arrays[class]
		res.members[class] = map[uint32]uint32{}
		instances[class] = labels.InstanceMap(arrays[class], class)
		view[class] = arrays[class]
		viewInstances[class] = instances[class]
		if opts.Downsample.enabled() {
			view[class] = downsample(arrays[class], opts.Downsample.Factor)
			viewInstances[class] = labels.InstanceMap(view[class], class)
			res.reduced[class] = view[class]
		}
		res.Sizes[class] = opts.sizeRange(class)
		if auto, ok := opts.AutoSize[class]; ok && auto.Enabled {
			r, err := auto.Fit(areas(instances[class]))
			if err != nil {
				log.Warnf("Automatic size range for '%v' failed, using configured range %+v: %v", class, res.Sizes[class], err)
			} else {
				log.Infof("Automatic size range for '%v': %v .. %v pixels", class, r.Min, r.Max)
				res.Sizes[class] = r
			}
		}
	}

	primaryIDs := sortedKeys(instances[opts.Primary])
	cands := make([]*candidate, len(primaryIDs))
	for i, id := range primaryIDs {
		cands[i] = &candidate{
			primary: instances[opts.Primary][id],
			partner: map[string]uint32{},
		}
	}
	byPrimary := make(map[uint32]*candidate, len(cands))
	for _, c := range cands {
		byPrimary[c.primary.ID] = c
	}

	// Accepted claims per secondary class, so we can find shared secondaries
	claimed := map[string]map[uint32][]uint32{}

	// A primary that vanished from the reduced mask is too small to match
	for _, c := range cands {
		if viewInstances[opts.Primary][c.primary.ID] == nil {
			c.reason = ReasonSize
		}
	}

	primary := view[opts.Primary]
	for _, class := range opts.Secondary {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		secondary := view[class]
		overlap := map[pairKey]int{}
		for i, p := range primary.Pix {
			s := secondary.Pix[i]
			if p != labels.Background && s != labels.Background {
				overlap[pairKey{p, s}]++
			}
		}
		// For each primary, the best secondary by overlap. Ties go to the lowest secondary id.
		best := map[uint32]pairKey{}
		for _, k := range sortedPairs(overlap) {
			if cur, ok := best[k.primary]; !ok || overlap[k] > overlap[cur] {
				best[k.primary] = k
			}
		}
		claimed[class] = map[uint32][]uint32{}
		for _, c := range cands {
			k, ok := best[c.primary.ID]
			if !ok {
				continue
			}
			frac := float64(overlap[k]) / float64(viewInstances[opts.Primary][k.primary].PixelCount)
			if frac > opts.MatchThreshold {
				c.partner[class] = k.secondary
				claimed[class][k.secondary] = append(claimed[class][k.secondary], c.primary.ID)
			}
		}
	}

	// Shared secondaries. Claimant lists are in ascending primary order.
	for _, class := range opts.Secondary {
		for _, sid := range sortedKeys(claimed[class]) {
			claimants := claimed[class][sid]
			if len(claimants) < 2 {
				continue
			}
			for i, pid := range claimants {
				c := byPrimary[pid]
				if opts.DiscardShared {
					if c.reason == "" {
						c.reason = ReasonShared
					}
				} else if i != 0 {
					delete(c.partner, class)
				}
			}
		}
	}

	for _, c := range cands {
		if c.reason != "" {
			continue
		}
		if opts.MatchRequired && len(c.partner) != len(opts.Secondary) {
			c.reason = ReasonUnmatched
			continue
		}
		for _, m := range c.members(opts, instances) {
			if !res.Sizes[m.Class].Contains(m.PixelCount) {
				c.reason = ReasonSize
				break
			}
		}
		if c.reason != "" {
			continue
		}
		for _, m := range c.members(opts, viewInstances) {
			if m.BackgroundContact > opts.MaxBackgroundContact {
				c.reason = ReasonContact
				break
			}
		}
	}

	// Survivors become cells, and every member of a discarded candidate is recorded once
	recorded := map[string]map[uint32]bool{}
	for _, class := range opts.classes() {
		recorded[class] = map[uint32]bool{}
	}
	for _, c := range cands {
		members := c.members(opts, instances)
		if c.reason != "" {
			for _, m := range members {
				if !recorded[m.Class][m.ID] {
					recorded[m.Class][m.ID] = true
					res.discard(m.Class, m.ID, c.reason)
				}
			}
			continue
		}
		cell := CellRecord{
			ID:        uint32(len(res.Cells) + 1),
			Primary:   c.primary.ID,
			Instances: map[string]labels.Instance{},
		}
		for _, m := range members {
			cell.Instances[m.Class] = *m
			cell.BBox = cell.BBox.Union(m.BBox)
			res.members[m.Class][m.ID] = cell.ID
			recorded[m.Class][m.ID] = true
		}
		res.Cells = append(res.Cells, cell)
	}

	// Secondaries that no primary accepted
	for _, class := range opts.Secondary {
		for _, id := range sortedKeys(instances[class]) {
			if !recorded[class][id] {
				recorded[class][id] = true
				res.discard(class, id, ReasonUnmatched)
			}
		}
	}

	log.Infof("Matched %v cells from %v '%v' instances (%v)", len(res.Cells), len(cands), opts.Primary, res.CountsString())
	return res, nil
}

// members returns the primary followed by its accepted partners, in secondary class order
func (c *candidate) members(opts Options, instances map[string]map[uint32]*labels.Instance) []*labels.Instance {
	out := []*labels.Instance{c.primary}
	for _, class := range opts.Secondary {
		if id, ok := c.partner[class]; ok {
			out = append(out, instances[class][id])
		}
	}
	return out
}

// CountsString formats the discard counts in reporting order
func (r *Result) CountsString() string {
	s := ""
	for _, reason := range Reasons {
		if s != "" {
			s += ", "
		}
		s += fmt.Sprintf("%v: %v", reason, r.Counts[reason])
	}
	return s
}

func areas(instances map[uint32]*labels.Instance) []float64 {
	out := make([]float64, 0, len(instances))
	for _, id := range sortedKeys(instances) {
		out = append(out, float64(instances[id].PixelCount))
	}
	return out
}

func sortedKeys[V any](m map[uint32]V) []uint32 {
	keys := make([]uint32, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func sortedPairs(m map[pairKey]int) []pairKey {
	keys := make([]pairKey, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(a, b pairKey) int {
		if c := cmp.Compare(a.primary, b.primary); c != 0 {
			return c
		}
		return cmp.Compare(a.secondary, b.secondary)
	})
	return keys
}
