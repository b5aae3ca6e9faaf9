// Package timeline implements the SubmapCollection: the owner of all
// sub-maps by stable id, the active/finished lifecycle transition, and the
// drift-compensation handoff back to the caller's odometry frame (spec §4.5).
package timeline

import (
	"errors"
	"fmt"
	"time"

	"github.com/banshee-data/submapgraph/internal/spatial"
	"github.com/banshee-data/submapgraph/internal/submap"
	"github.com/banshee-data/submapgraph/internal/voxel"
)

// ErrUnknownSubmap is returned by any id-keyed lookup against an id the
// collection has never seen (spec §7).
var ErrUnknownSubmap = errors.New("timeline: unknown submap")

// ErrPoseQueryTimeout is returned by a PoseSource when the most recent pose
// sample is older than the 80ms staleness budget (spec §6).
var ErrPoseQueryTimeout = errors.New("timeline: pose query stale")

// ErrNoActiveSubmap is returned when an operation needs an active submap
// and the collection has none (the initial state, before the first
// CreateNewSubmap call).
var ErrNoActiveSubmap = errors.New("timeline: no active submap")

// ESDFBuilder is the external ESDF-generation collaborator (spec §6): a
// pure function from a sealed TSDF grid to its Euclidean distance field
// over the same block partition.
type ESDFBuilder interface {
	GenerateESDF(tsdf *voxel.TSDFGrid) (*voxel.ESDFGrid, error)
}

// TSDFIntegrator is the external per-frame fusion collaborator (spec §6),
// opaque to the core; SubmapCollection never calls it directly, but a
// mapper driving the collection needs the shape to fuse into the active
// submap's grid between CreateNewSubmap calls.
type TSDFIntegrator interface {
	Integrate(points []spatial.Vec3, sensorPose spatial.Pose, grid *voxel.TSDFGrid) error
}

// PoseSource answers T_world_robot(t) queries against a parallel odometry
// stream, failing closed when the freshest sample is more than 80ms stale
// (spec §6 Timeline input).
type PoseSource interface {
	PoseAt(t time.Time) (spatial.Pose, error)
}

const poseStaleness = 80 * time.Millisecond

// SubmapCollection owns every sub-map by stable id, tracks which one is
// active, and applies the seal/ESDF/promote transition on creation (spec
// §4.5, §3 invariant 3).
type SubmapCollection struct {
	VoxelSize            float64
	VoxelsPerSide         int
	SubmapCreationInterval uint64
	MinVoxelWeight        float64
	MaxVoxelDistance      float64
	ESDFBuilder           ESDFBuilder

	submaps  map[uint32]*submap.Submap
	activeID uint32
	hasActive bool
	nextID   uint32
}

// New creates an empty collection. submapCreationInterval is in the same
// timestamp units CreateNewSubmap's t argument uses.
func New(voxelSize float64, voxelsPerSide int, submapCreationInterval uint64, minVoxelWeight, maxVoxelDistance float64, esdfBuilder ESDFBuilder) *SubmapCollection {
	return &SubmapCollection{
		VoxelSize:              voxelSize,
		VoxelsPerSide:          voxelsPerSide,
		SubmapCreationInterval: submapCreationInterval,
		MinVoxelWeight:         minVoxelWeight,
		MaxVoxelDistance:       maxVoxelDistance,
		ESDFBuilder:            esdfBuilder,
		submaps:                make(map[uint32]*submap.Submap),
	}
}

// Get returns the submap for id, or ErrUnknownSubmap.
func (c *SubmapCollection) Get(id uint32) (*submap.Submap, error) {
	s, ok := c.submaps[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownSubmap, id)
	}
	return s, nil
}

// ActiveID returns the currently active submap's id, or ErrNoActiveSubmap.
func (c *SubmapCollection) ActiveID() (uint32, error) {
	if !c.hasActive {
		return 0, ErrNoActiveSubmap
	}
	return c.activeID, nil
}

// Active returns the currently active submap, or ErrNoActiveSubmap.
func (c *SubmapCollection) Active() (*submap.Submap, error) {
	if !c.hasActive {
		return nil, ErrNoActiveSubmap
	}
	return c.submaps[c.activeID], nil
}

// ShouldCreateNewSubmap reports whether t has advanced far enough past the
// active submap's creation timestamp to roll over, or whether there is no
// active submap at all (spec §4.5).
func (c *SubmapCollection) ShouldCreateNewSubmap(t uint64) bool {
	if !c.hasActive {
		return true
	}
	active := c.submaps[c.activeID]
	return t-active.CreationTimestamp >= c.SubmapCreationInterval
}

// CreateNewSubmap seals the previous active submap (spec §3 invariant 3),
// generates its ESDF if an ESDFBuilder is configured, then allocates a
// fresh submap at pose worldRobot with id = max_id + 1 and marks it active
// (spec §4.5).
func (c *SubmapCollection) CreateNewSubmap(worldRobot spatial.Pose, t uint64) (*submap.Submap, error) {
	if c.hasActive {
		prev := c.submaps[c.activeID]
		if err := prev.Seal(c.MinVoxelWeight, c.MaxVoxelDistance); err != nil {
			return nil, fmt.Errorf("timeline: sealing submap %d: %w", prev.ID, err)
		}
		if c.ESDFBuilder != nil {
			if err := prev.GenerateESDF(c.ESDFBuilder.GenerateESDF); err != nil {
				return nil, fmt.Errorf("timeline: generating esdf for submap %d: %w", prev.ID, err)
			}
		}
	}

	id := c.nextID
	c.nextID++
	fresh := submap.New(id, worldRobot, c.VoxelSize, c.VoxelsPerSide, t, id == 0)
	c.submaps[id] = fresh
	c.activeID = id
	c.hasActive = true
	return fresh, nil
}

// GenerateESDFByID delegates to the configured ESDFBuilder and marks the
// submap's ESDF present (spec §4.5).
func (c *SubmapCollection) GenerateESDFByID(id uint32) error {
	s, err := c.Get(id)
	if err != nil {
		return err
	}
	if c.ESDFBuilder == nil {
		return fmt.Errorf("timeline: no ESDFBuilder configured for submap %d", id)
	}
	return s.GenerateESDF(c.ESDFBuilder.GenerateESDF)
}

// SetSubmapPose overwrites id's pose and refreshes its bounding geometry
// (spec §4.5).
func (c *SubmapCollection) SetSubmapPose(id uint32, p spatial.Pose) error {
	s, err := c.Get(id)
	if err != nil {
		return err
	}
	s.SetPose(p)
	return nil
}

// GetSubmapPose returns id's current pose (spec §4.5).
func (c *SubmapCollection) GetSubmapPose(id uint32) (spatial.Pose, error) {
	s, err := c.Get(id)
	if err != nil {
		return spatial.Pose{}, err
	}
	return s.Pose, nil
}

// DuplicateSubmap deep-copies src's voxel data and bounding geometry into a
// new submap stored under dst, used by the registration harness when
// source and target ids are equal (spec §4.5).
func (c *SubmapCollection) DuplicateSubmap(src, dst uint32) (*submap.Submap, error) {
	s, err := c.Get(src)
	if err != nil {
		return nil, err
	}
	dup := submap.Duplicate(s, dst)
	c.submaps[dst] = dup
	if dst >= c.nextID {
		c.nextID = dst + 1
	}
	return dup, nil
}

// ComputeDriftCompensation returns ΔT = T_new · T_old⁻¹, the transform the
// caller applies to its odometry origin so the next incoming observation
// remains continuous with the optimized world frame (spec §4.5 "Drift
// compensation on optimization").
func ComputeDriftCompensation(oldActivePose, newActivePose spatial.Pose) spatial.Pose {
	return newActivePose.Compose(oldActivePose.Inverse())
}

// InsertSubmap adds an already-constructed submap (typically one decoded
// from a persisted container, spec §6) directly into the collection,
// advancing the id counter so a subsequent CreateNewSubmap never collides
// with it. It does not change which submap is active.
func (c *SubmapCollection) InsertSubmap(s *submap.Submap) {
	c.submaps[s.ID] = s
	if s.ID >= c.nextID {
		c.nextID = s.ID + 1
	}
}

// AllSubmaps returns every submap the collection holds, keyed by id. The
// returned map aliases the collection's live submaps; callers must not
// retain it past the next mutating call.
func (c *SubmapCollection) AllSubmaps() map[uint32]*submap.Submap {
	return c.submaps
}
