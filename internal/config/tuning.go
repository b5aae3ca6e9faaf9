// Package config loads the tuning parameters for the submap registration
// subsystem from a JSON file, the same shape as the CLI surface described
// for the registration test harness.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// DefaultConfigPath is the tuning defaults file. It holds the same values
// the Get* accessors below return for unset fields; nothing in this package
// loads it automatically.
const DefaultConfigPath = "config/tuning.defaults.json"

// ErrParameterMissing is the error kind for a required parameter that has
// no value and no usable default, e.g. a CLI-required path or id. No
// function in this package returns it.
var ErrParameterMissing = fmt.Errorf("required parameter missing")

// TuningConfig is the root configuration for registration tuning. Fields
// are pointers so a partial JSON document leaves the rest at their
// defaults via the Get* accessors below.
type TuningConfig struct {
	// submap_registration/param
	OptimizeYaw *bool `json:"optimize_yaw,omitempty"`

	// submap_registration/solver
	MaxNumIterations   *int     `json:"max_num_iterations,omitempty"`
	ParameterTolerance *float64 `json:"parameter_tolerance,omitempty"`
	FunctionTolerance  *float64 `json:"function_tolerance,omitempty"`

	// submap_registration/cost
	MinVoxelWeight     *float64 `json:"min_voxel_weight,omitempty"`
	MaxVoxelDistance    *float64 `json:"max_voxel_distance,omitempty"`
	NoCorrespondenceCost *float64 `json:"no_correspondence_cost,omitempty"`
	UseESDFDistance     *bool    `json:"use_esdf_distance,omitempty"`
	CostFunctionType    *string  `json:"cost_function_type,omitempty"` // "analytic" | "numeric"

	// Grid geometry, identical across all submaps in a run.
	VoxelSize       *float64 `json:"voxel_size,omitempty"`
	VoxelsPerSide   *int     `json:"voxels_per_side,omitempty"`

	// SubmapCollection timing.
	SubmapCreationIntervalNanos *int64 `json:"submap_creation_interval_nanos,omitempty"`
	PoseQueryTimeoutNanos       *int64 `json:"pose_query_timeout_nanos,omitempty"`
}

// EmptyTuningConfig returns a TuningConfig with all fields unset.
func EmptyTuningConfig() *TuningConfig {
	return &TuningConfig{}
}

// LoadTuningConfig loads a TuningConfig from a JSON file. Fields omitted
// from the file keep their defaults, so partial configs are safe.
func LoadTuningConfig(path string) (*TuningConfig, error) {
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

	cfg := EmptyTuningConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that set fields hold admissible values.
func (c *TuningConfig) Validate() error {
	if c.MaxNumIterations != nil && *c.MaxNumIterations <= 0 {
		return fmt.Errorf("max_num_iterations must be positive, got %d", *c.MaxNumIterations)
	}
	if c.ParameterTolerance != nil && *c.ParameterTolerance < 0 {
		return fmt.Errorf("parameter_tolerance must be non-negative, got %f", *c.ParameterTolerance)
	}
	if c.FunctionTolerance != nil && *c.FunctionTolerance < 0 {
		return fmt.Errorf("function_tolerance must be non-negative, got %f", *c.FunctionTolerance)
	}
	if c.MinVoxelWeight != nil && *c.MinVoxelWeight < 0 {
		return fmt.Errorf("min_voxel_weight must be non-negative, got %f", *c.MinVoxelWeight)
	}
	if c.MaxVoxelDistance != nil && *c.MaxVoxelDistance <= 0 {
		return fmt.Errorf("max_voxel_distance must be positive, got %f", *c.MaxVoxelDistance)
	}
	if c.VoxelSize != nil && *c.VoxelSize <= 0 {
		return fmt.Errorf("voxel_size must be positive, got %f", *c.VoxelSize)
	}
	if c.VoxelsPerSide != nil && *c.VoxelsPerSide <= 0 {
		return fmt.Errorf("voxels_per_side must be positive, got %d", *c.VoxelsPerSide)
	}
	if c.CostFunctionType != nil {
		switch *c.CostFunctionType {
		case "analytic", "numeric":
		default:
			return fmt.Errorf("cost_function_type must be \"analytic\" or \"numeric\", got %q", *c.CostFunctionType)
		}
	}
	return nil
}

// Get* accessors apply the defaults documented in the CLI surface.

func (c *TuningConfig) GetOptimizeYaw() bool {
	if c.OptimizeYaw == nil {
		return true
	}
	return *c.OptimizeYaw
}

func (c *TuningConfig) GetMaxNumIterations() int {
	if c.MaxNumIterations == nil {
		return 40
	}
	return *c.MaxNumIterations
}

func (c *TuningConfig) GetParameterTolerance() float64 {
	if c.ParameterTolerance == nil {
		return 3e-9
	}
	return *c.ParameterTolerance
}

func (c *TuningConfig) GetFunctionTolerance() float64 {
	if c.FunctionTolerance == nil {
		return 1e-9
	}
	return *c.FunctionTolerance
}

func (c *TuningConfig) GetMinVoxelWeight() float64 {
	if c.MinVoxelWeight == nil {
		return 1e-6
	}
	return *c.MinVoxelWeight
}

func (c *TuningConfig) GetMaxVoxelDistance() float64 {
	if c.MaxVoxelDistance == nil {
		return 0.6
	}
	return *c.MaxVoxelDistance
}

func (c *TuningConfig) GetNoCorrespondenceCost() float64 {
	if c.NoCorrespondenceCost == nil {
		return 0.0
	}
	return *c.NoCorrespondenceCost
}

func (c *TuningConfig) GetUseESDFDistance() bool {
	if c.UseESDFDistance == nil {
		return true
	}
	return *c.UseESDFDistance
}

func (c *TuningConfig) GetCostFunctionType() string {
	if c.CostFunctionType == nil {
		return "analytic"
	}
	return *c.CostFunctionType
}

func (c *TuningConfig) GetVoxelSize() float64 {
	if c.VoxelSize == nil {
		return 0.1
	}
	return *c.VoxelSize
}

func (c *TuningConfig) GetVoxelsPerSide() int {
	if c.VoxelsPerSide == nil {
		return 16
	}
	return *c.VoxelsPerSide
}

func (c *TuningConfig) GetSubmapCreationIntervalNanos() int64 {
	if c.SubmapCreationIntervalNanos == nil {
		return int64(10e9) // 10s
	}
	return *c.SubmapCreationIntervalNanos
}

func (c *TuningConfig) GetPoseQueryTimeoutNanos() int64 {
	if c.PoseQueryTimeoutNanos == nil {
		return int64(80e6) // 80ms, per §6
	}
	return *c.PoseQueryTimeoutNanos
}
