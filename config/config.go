// Package config holds the deployment configuration of the scene-completion
// network: image resolutions, voxel grid geometry, channel widths and the
// device the model is placed on.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/zebrajack/SATNet/tensor"
)

// ErrInvalidConfig is wrapped by every validation failure, including grid
// mismatches detected when a checkpoint is loaded.
var ErrInvalidConfig = errors.New("invalid configuration")

// OutputStride is the total downsampling of the backbone's deepest stage.
// Working resolutions must be multiples of it so every decoder residual add
// lines up without cropping.
const OutputStride = 32

// Room-scale volumetric convention the released checkpoints were trained at.
var (
	DefaultNativeGrid = [3]int{240, 144, 240}
	DefaultDownsample = 4
)

type Config struct {
	// 2D resolutions
	WorkingWidth  int `json:"working_width"`  // network input width (default: 384)
	WorkingHeight int `json:"working_height"` // network input height (default: 288)
	NativeWidth   int `json:"native_width"`   // correspondence width (default: 640)
	NativeHeight  int `json:"native_height"`  // correspondence height (default: 480)

	// Voxel grid
	NativeGrid [3]int `json:"native_grid"` // label grid (default: 240x144x240)
	Downsample int    `json:"downsample"`  // coarsening factor (default: 4)

	NumClasses int `json:"num_classes"` // classifier width (default: 12)

	// 2D stack
	BackboneWidth  int    `json:"backbone_width"`  // stem width S; stages are 4S..32S (default: 64)
	BackboneBlocks [4]int `json:"backbone_blocks"` // bottlenecks per stage (default: 3,4,23,3)
	StreamChannels int    `json:"stream_channels"` // per-modality output width (default: 32)
	FusionChannels int    `json:"fusion_channels"` // fused 2D/3D feature width (default: 64)
	ASPPRates2D    []int  `json:"aspp_rates_2d"`   // default: 1,3,5,7
	ASPPRates3D    []int  `json:"aspp_rates_3d"`   // default: 1,3,5

	BatchNormEps float32 `json:"batch_norm_eps"` // default: 1e-5

	// Optimization
	BackboneLRMultiplier float64 `json:"backbone_lr_multiplier"` // default: 0.1

	Seed        uint64 `json:"seed"`
	DeviceType  string `json:"device_type"` // "cpu" or "gpu"
	DeviceIndex int    `json:"device_index"`
}

// DefaultConfig returns the configuration of the released NYU model.
func DefaultConfig() *Config {
	return &Config{
		WorkingWidth:         384,
		WorkingHeight:        288,
		NativeWidth:          640,
		NativeHeight:         480,
		NativeGrid:           DefaultNativeGrid,
		Downsample:           DefaultDownsample,
		NumClasses:           12,
		BackboneWidth:        64,
		BackboneBlocks:       [4]int{3, 4, 23, 3},
		StreamChannels:       32,
		FusionChannels:       64,
		ASPPRates2D:          []int{1, 3, 5, 7},
		ASPPRates3D:          []int{1, 3, 5},
		BatchNormEps:         1e-5,
		BackboneLRMultiplier: 0.1,
		Seed:                 1,
		DeviceType:           "cpu",
	}
}

// LoadConfig reads a JSON file over DefaultConfig, so partial files are safe.
func LoadConfig(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", cleanPath, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration as indented JSON.
func (c *Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// ExactDiv divides a by b and fails when the result is not a whole number.
// Channel widths are derived with it so a fractional width is reported as a
// configuration error instead of being truncated.
func ExactDiv(a, b int, what string) (int, error) {
	if b <= 0 {
		return 0, fmt.Errorf("%s: divisor %d must be positive: %w", what, b, ErrInvalidConfig)
	}
	if a%b != 0 {
		return 0, fmt.Errorf("%s: %d is not divisible by %d: %w", what, a, b, ErrInvalidConfig)
	}
	return a / b, nil
}

func (c *Config) Validate() error {
	invalid := func(format string, a ...interface{}) error {
		return fmt.Errorf(format+": %w", append(a, ErrInvalidConfig)...)
	}

	if c.WorkingWidth <= 0 || c.WorkingHeight <= 0 {
		return invalid("working size must be positive, got %dx%d", c.WorkingWidth, c.WorkingHeight)
	}
	if c.NativeWidth <= 0 || c.NativeHeight <= 0 {
		return invalid("native size must be positive, got %dx%d", c.NativeWidth, c.NativeHeight)
	}
	if _, err := ExactDiv(c.WorkingWidth, OutputStride, "working width"); err != nil {
		return err
	}
	if _, err := ExactDiv(c.WorkingHeight, OutputStride, "working height"); err != nil {
		return err
	}
	if c.Downsample <= 0 {
		return invalid("downsample must be positive, got %d", c.Downsample)
	}
	for i, d := range c.NativeGrid {
		if d <= 0 {
			return invalid("native grid dimension %d must be positive, got %d", i, d)
		}
		if _, err := ExactDiv(d, c.Downsample, fmt.Sprintf("native grid dimension %d", i)); err != nil {
			return err
		}
	}
	if c.NumClasses < 1 {
		return invalid("num_classes must be at least 1, got %d", c.NumClasses)
	}
	if c.BackboneWidth < 2 {
		return invalid("backbone_width must be at least 2, got %d", c.BackboneWidth)
	}
	if _, err := ExactDiv(c.BackboneWidth, 2, "backbone_width"); err != nil {
		return err
	}
	for i, b := range c.BackboneBlocks {
		if b < 1 {
			return invalid("backbone stage %d needs at least one block, got %d", i+1, b)
		}
	}
	if c.StreamChannels < 1 || c.FusionChannels < 1 {
		return invalid("stream_channels and fusion_channels must be positive, got %d and %d", c.StreamChannels, c.FusionChannels)
	}
	if err := validateRates(c.ASPPRates2D, "aspp_rates_2d"); err != nil {
		return err
	}
	if err := validateRates(c.ASPPRates3D, "aspp_rates_3d"); err != nil {
		return err
	}
	if c.BatchNormEps <= 0 {
		return invalid("batch_norm_eps must be positive, got %g", c.BatchNormEps)
	}
	if c.BackboneLRMultiplier < 0 {
		return invalid("backbone_lr_multiplier must be non-negative, got %g", c.BackboneLRMultiplier)
	}
	if _, err := c.Device(); err != nil {
		return err
	}
	return nil
}

func validateRates(rates []int, name string) error {
	if len(rates) == 0 {
		return fmt.Errorf("%s must not be empty: %w", name, ErrInvalidConfig)
	}
	for _, r := range rates {
		if r < 1 {
			return fmt.Errorf("%s: dilation %d must be positive: %w", name, r, ErrInvalidConfig)
		}
	}
	return nil
}

// Device resolves the configured placement.
func (c *Config) Device() (tensor.Device, error) {
	switch c.DeviceType {
	case "", "cpu":
		return tensor.Device{Type: tensor.CPU, Index: c.DeviceIndex}, nil
	case "gpu":
		return tensor.Device{Type: tensor.GPU, Index: c.DeviceIndex}, nil
	default:
		return tensor.Device{}, fmt.Errorf("unknown device_type %q: %w", c.DeviceType, ErrInvalidConfig)
	}
}

// CoarseGrid is the voxel grid the refinement network runs at.
func (c *Config) CoarseGrid() [3]int {
	return [3]int{
		c.NativeGrid[0] / c.Downsample,
		c.NativeGrid[1] / c.Downsample,
		c.NativeGrid[2] / c.Downsample,
	}
}

func (c *Config) WorkingPixels() int { return c.WorkingWidth * c.WorkingHeight }

func (c *Config) NativePixels() int { return c.NativeWidth * c.NativeHeight }

// CheckCompatible reports a hard configuration error when other describes a
// different geometry. Used when a checkpoint is loaded into a model.
func (c *Config) CheckCompatible(other *Config) error {
	if c.NativeGrid != other.NativeGrid || c.Downsample != other.Downsample {
		return fmt.Errorf("voxel grid %v/%d does not match checkpoint grid %v/%d: %w",
			c.NativeGrid, c.Downsample, other.NativeGrid, other.Downsample, ErrInvalidConfig)
	}
	if c.WorkingWidth != other.WorkingWidth || c.WorkingHeight != other.WorkingHeight {
		return fmt.Errorf("working size %dx%d does not match checkpoint %dx%d: %w",
			c.WorkingWidth, c.WorkingHeight, other.WorkingWidth, other.WorkingHeight, ErrInvalidConfig)
	}
	if c.NumClasses != other.NumClasses {
		return fmt.Errorf("num_classes %d does not match checkpoint %d: %w", c.NumClasses, other.NumClasses, ErrInvalidConfig)
	}
	return nil
}
