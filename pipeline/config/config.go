// Package config is the typed configuration of a pipeline run.
// A config file is YAML, and any key that is omitted keeps its default value.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"slices"

	"github.com/Swarchal/scPortrait/pkg/chunkstore"
	"github.com/Swarchal/scPortrait/pkg/extract"
	"github.com/Swarchal/scPortrait/pkg/kibi"
	"github.com/Swarchal/scPortrait/pkg/match"
	"github.com/Swarchal/scPortrait/pkg/pathopt"
	"github.com/Swarchal/scPortrait/pkg/segment"
	"github.com/Swarchal/scPortrait/pkg/shape"
	"github.com/Swarchal/scPortrait/pkg/stitch"
	"github.com/cyclopcam/dbh"
	"gopkg.in/yaml.v3"
)

var ErrInvalidConfig = errors.New("Invalid config")

type Config struct {
	ProjectDir         string `yaml:"projectDir"`         // All outputs of the run go here
	Overwrite          bool   `yaml:"overwrite"`          // Wipe the output of a step before running it. Otherwise a step with existing output fails.
	IntermediateOutput bool   `yaml:"intermediateOutput"` // Persist the stitched label arrays

	Input        InputConfig        `yaml:"input"`
	Cache        CacheConfig        `yaml:"cache"`
	Tiling       TilingConfig       `yaml:"tiling"`
	Segmentation SegmentationConfig `yaml:"segmentation"`
	Stitch       stitch.Options     `yaml:"stitch"`
	Match        match.Options      `yaml:"match"`
	Extract      extract.Options    `yaml:"extract"`
	Shape        shape.Options      `yaml:"shape"`
	Selection    SelectionConfig    `yaml:"selection"`

	// Result database. An empty driver means a sqlite file inside the project directory.
	ResultDB dbh.DBConfig `yaml:"resultDB"`

	// Where the selection export (shapes.json) goes. If neither option is set,
	// it is written to the selection directory of the project.
	Export StorageConfig `yaml:"export"`
}

// InputConfig points at a [C,H,W] image array inside a chunk store
type InputConfig struct {
	Store string `yaml:"store"`
	Array string `yaml:"array"`
}

type CacheConfig struct {
	Bytes      kibi.ByteSize `yaml:"bytes"` // Read cache budget, eg "512 MB"
	Slots      int           `yaml:"slots"`
	SyncWrites bool          `yaml:"syncWrites"`
}

func (c *CacheConfig) Settings() chunkstore.Settings {
	return chunkstore.Settings{
		CacheBytes: int64(c.Bytes),
		CacheSlots: c.Slots,
		SyncWrites: c.SyncWrites,
	}
}

type TilingConfig struct {
	MaxTilePixels int `yaml:"maxTilePixels"`
	Overlap       int `yaml:"overlap"`
	Concurrency   int `yaml:"concurrency"`
	Devices       int `yaml:"devices"`
}

type SegmentationConfig struct {
	Model         segment.ModelConfig   `yaml:"model"`
	FailurePolicy segment.FailurePolicy `yaml:"failurePolicy"`
}

// SelectionConfig chooses the mask that polygons are traced from, and how the cutting path is ordered
type SelectionConfig struct {
	Class    string         `yaml:"class"`
	Strategy string         `yaml:"strategy"`
	Params   pathopt.Params `yaml:"params"`
}

// One of the storage options may be configured (i.e. either 'filesystem' or 'gcs')
type StorageConfig struct {
	Filesystem *StorageConfigFS  `yaml:"filesystem"`
	GCS        *StorageConfigGCS `yaml:"gcs"`
}

type StorageConfigFS struct {
	Root string `yaml:"root"` // Path to the root of the filesystem
}

type StorageConfigGCS struct {
	Bucket string `yaml:"bucket"` // Name of the GCS bucket
	Prefix string `yaml:"prefix"` // Prepended to every object name
	Public bool   `yaml:"public"` // Whether the bucket is public, so that we can hand out direct URLs
}

func DefaultConfig() *Config {
	workers := max(1, runtime.NumCPU()/2)
	extractOpts := extract.DefaultOptions()
	extractOpts.Concurrency = workers
	shapeOpts := shape.DefaultOptions()
	shapeOpts.Concurrency = workers
	return &Config{
		ProjectDir: "scportrait-project",
		Input: InputConfig{
			Array: "image",
		},
		Cache: CacheConfig{
			Bytes: kibi.ByteSize(chunkstore.DefaultSettings().CacheBytes),
			Slots: chunkstore.DefaultSettings().CacheSlots,
		},
		Tiling: TilingConfig{
			MaxTilePixels: 2048 * 2048,
			Overlap:       64,
			Concurrency:   workers,
			Devices:       1,
		},
		Segmentation: SegmentationConfig{
			Model: segment.ModelConfig{
				Name: segment.ThresholdModelName,
				Classes: map[string]segment.ClassParams{
					"nucleus": segment.DefaultClassParams(0),
					"cytosol": segment.DefaultClassParams(1),
				},
			},
			FailurePolicy: segment.FailAbort,
		},
		Stitch:  stitch.DefaultOptions(),
		Match:   match.DefaultOptions(),
		Extract: extractOpts,
		Shape:   shapeOpts,
		Selection: SelectionConfig{
			Class:    "cytosol",
			Strategy: pathopt.StrategyGreedy,
			Params:   pathopt.DefaultParams(),
		},
	}
}

// LoadConfig reads a YAML config file over the defaults, and validates the result.
// Unknown keys are an error.
func LoadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("Failed to read config file '%v': %w", path, err)
	}
	cfg, err := ParseConfig(raw)
	if err != nil {
		return nil, fmt.Errorf("Config file '%v': %w", path, err)
	}
	return cfg, nil
}

func ParseConfig(raw []byte) (*Config, error) {
	cfg := DefaultConfig()
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// YAML returns the config as YAML, without the DB password
func (c *Config) YAML() ([]byte, error) {
	redacted := *c
	redacted.ResultDB.Password = ""
	return yaml.Marshal(&redacted)
}

// Save writes the config as YAML, so that a project records the settings it was produced with
func (c *Config) Save(path string) error {
	raw, err := c.YAML()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, raw, 0644)
}

// Classes returns every mask class that the run segments, primary first
func (c *Config) Classes() []string {
	return append([]string{c.Match.Primary}, c.Match.Secondary...)
}

func (c *Config) Validate() error {
	if c.ProjectDir == "" {
		return fmt.Errorf("%w: projectDir is empty", ErrInvalidConfig)
	}
	if c.Cache.Bytes < 0 || c.Cache.Slots <= 0 {
		return fmt.Errorf("%w: cache bytes must not be negative, and slots must be positive", ErrInvalidConfig)
	}
	t := &c.Tiling
	if t.MaxTilePixels <= 0 || t.Overlap < 0 || t.Concurrency <= 0 || t.Devices < 0 {
		return fmt.Errorf("%w: tiling needs a positive tile budget and concurrency, and a non-negative overlap and device count", ErrInvalidConfig)
	}

	if !slices.Contains(segment.Models(), c.Segmentation.Model.Name) {
		return fmt.Errorf("%w: unknown segmentation model '%v' (known models: %v)", ErrInvalidConfig, c.Segmentation.Model.Name, segment.Models())
	}
	if !c.Segmentation.FailurePolicy.Valid() {
		return fmt.Errorf("%w: unknown failure policy '%v'", ErrInvalidConfig, c.Segmentation.FailurePolicy)
	}
	if c.Stitch.MergeThreshold < 0 || c.Stitch.MergeThreshold >= 1 {
		return fmt.Errorf("%w: stitch merge threshold %v must be in [0,1)", ErrInvalidConfig, c.Stitch.MergeThreshold)
	}

	if err := c.Match.Validate(); err != nil {
		return fmt.Errorf("%w: match: %w", ErrInvalidConfig, err)
	}
	for _, class := range c.Classes() {
		params, ok := c.Segmentation.Model.Classes[class]
		if !ok {
			return fmt.Errorf("%w: mask class '%v' has no segmentation settings", ErrInvalidConfig, class)
		}
		if err := params.Validate(); err != nil {
			return fmt.Errorf("%w: segmentation class '%v': %w", ErrInvalidConfig, class, err)
		}
	}

	if err := c.Extract.Validate(); err != nil {
		return fmt.Errorf("%w: extract: %w", ErrInvalidConfig, err)
	}
	if c.Extract.Center == extract.CenterPrimary && c.Extract.PrimaryClass != c.Match.Primary {
		return fmt.Errorf("%w: extract primaryClass '%v' is not the match primary '%v'", ErrInvalidConfig, c.Extract.PrimaryClass, c.Match.Primary)
	}
	for _, class := range c.Extract.MaskClasses {
		if !slices.Contains(c.Classes(), class) {
			return fmt.Errorf("%w: extract mask class '%v' is not segmented", ErrInvalidConfig, class)
		}
	}

	if err := c.Shape.Validate(); err != nil {
		return fmt.Errorf("%w: shape: %w", ErrInvalidConfig, err)
	}
	if !slices.Contains(c.Classes(), c.Selection.Class) {
		return fmt.Errorf("%w: selection class '%v' is not segmented", ErrInvalidConfig, c.Selection.Class)
	}
	if _, err := pathopt.NewStrategy(c.Selection.Strategy, c.Selection.Params); err != nil {
		return fmt.Errorf("%w: selection: %w", ErrInvalidConfig, err)
	}

	if c.Export.Filesystem != nil && c.Export.GCS != nil {
		return fmt.Errorf("%w: export may be either filesystem or gcs, not both", ErrInvalidConfig)
	}
	if c.Export.Filesystem != nil && c.Export.Filesystem.Root == "" {
		return fmt.Errorf("%w: export filesystem root is empty", ErrInvalidConfig)
	}
	if c.Export.GCS != nil && c.Export.GCS.Bucket == "" {
		return fmt.Errorf("%w: export gcs bucket is empty", ErrInvalidConfig)
	}
	if c.ResultDB.Driver != "" && c.ResultDB.Driver != dbh.DriverSqlite && c.ResultDB.Driver != dbh.DriverPostgres {
		return fmt.Errorf("%w: unsupported result DB driver '%v'", ErrInvalidConfig, c.ResultDB.Driver)
	}
	return nil
}

// Project directory layout
const (
	SegmentationDir = "segmentation"
	ExtractionDir   = "extraction"
	SelectionDir    = "selection"
	ScratchDir      = "scratch"
	ConfigFile      = "config.yml"
	ResultDBFile    = "results.sqlite"
	StoreDir        = "store" // Chunk store inside SegmentationDir / ExtractionDir
	ShapesFile      = "shapes.json"
)

func (c *Config) StepDir(step string) string {
	return filepath.Join(c.ProjectDir, step)
}

// ResultDBConfig resolves the default sqlite location
func (c *Config) ResultDBConfig() dbh.DBConfig {
	if c.ResultDB.Driver == "" {
		return dbh.MakeSqliteConfig(filepath.Join(c.ProjectDir, ResultDBFile))
	}
	return c.ResultDB
}
