// Package submap implements the Submap data model: a rigid local volumetric
// fragment holding TSDF/ESDF grids, its derived relevant-voxel index, and
// the bounding geometry used by the overlap predicate (spec §3, §4.2).
package submap

import (
	"errors"
	"math"

	"github.com/banshee-data/submapgraph/internal/spatial"
	"github.com/banshee-data/submapgraph/internal/voxel"
)

// ErrNotSealed is returned by GenerateESDF when the submap has not been
// sealed yet.
var ErrNotSealed = errors.New("submap: not sealed")

// ErrAlreadySealed is returned by Seal when called twice.
var ErrAlreadySealed = errors.New("submap: already sealed")

// ErrNoESDF names the state where ESDF distances are requested before
// GenerateESDF has run (spec §3 invariant 5). No function in this module
// returns it: the registration cost reports no correspondence instead.
var ErrNoESDF = errors.New("submap: esdf not generated")

// AABB is an axis-aligned bounding box in world coordinates.
type AABB struct {
	Min, Max [3]float64
}

// Overlaps reports whether a and b intersect (closed intervals on every axis).
func (a AABB) Overlaps(b AABB) bool {
	for i := 0; i < 3; i++ {
		if a.Max[i] < b.Min[i] || b.Max[i] < a.Min[i] {
			return false
		}
	}
	return true
}

// OBB is a 7-DOF oriented bounding box in the XY-plane with a separate Z
// extent, mirroring the planar-PCA box the rest of the corpus computes for
// clustered point sets (spec §3's surface_obb, adapted for voxel surfaces).
type OBB struct {
	CenterX, CenterY, CenterZ float64
	Length, Width, Height     float64 // Length ~ principal axis, Width ~ perpendicular
	HeadingRad                float64
}

// halfExtent returns half the box's planar diagonal, used by the
// permissive centroid-distance overlap test.
func (o OBB) halfExtent() float64 {
	return 0.5 * math.Hypot(o.Length, o.Width)
}

func (o OBB) centroid() spatial.Vec3 {
	return spatial.Vec3{X: o.CenterX, Y: o.CenterY, Z: o.CenterZ}
}

// axes returns the two unit vectors of the OBB's planar orientation.
func (o OBB) axes() (along, perp [2]float64) {
	c, s := math.Cos(o.HeadingRad), math.Sin(o.HeadingRad)
	return [2]float64{c, s}, [2]float64{-s, c}
}

// Submap is a rigid local volumetric fragment: a pose plus its TSDF/ESDF
// grids, relevant-voxel index and cached bounding geometry (spec §3).
type Submap struct {
	ID                uint32
	CreationTimestamp  uint64
	IsConstant         bool
	InitialPose        spatial.Pose // basis for ToParam4/FromParam4 substitution
	Pose               spatial.Pose // current T_world_submap
	TSDF               *voxel.TSDFGrid
	ESDF               *voxel.ESDFGrid
	RelevantVoxelIndex map[voxel.BlockIndex][]voxel.LocalIndex

	SurfaceOBB  OBB
	SubmapAABB  AABB

	active  bool
	sealed  bool
	hasESDF bool
}

// New creates an active submap at the given world pose, ready to accumulate
// voxel updates (spec §3 Lifecycle).
func New(id uint32, pose spatial.Pose, voxelSize float64, voxelsPerSide int, creationTimestamp uint64, isConstant bool) *Submap {
	return &Submap{
		ID:                id,
		CreationTimestamp: creationTimestamp,
		IsConstant:        isConstant,
		InitialPose:       pose,
		Pose:              pose,
		TSDF:              voxel.NewGrid[voxel.TSDFVoxel](voxelSize, voxelsPerSide),
		ESDF:              voxel.NewGrid[voxel.ESDFVoxel](voxelSize, voxelsPerSide),
		active:            true,
	}
}

// IsActive reports whether the submap still accepts observations.
func (s *Submap) IsActive() bool { return s.active }

// IsSealed reports whether the submap has transitioned to finished.
func (s *Submap) IsSealed() bool { return s.sealed }

// HasESDF reports whether GenerateESDF has run.
func (s *Submap) HasESDF() bool { return s.hasESDF }

// Seal transitions the submap from active to finished: it builds the
// relevant-voxel index and recomputes bounding geometry (spec §3 invariant
// 3, §4.2). IsActive reports false afterwards; the TSDF grid itself is not
// locked, and later SetVoxel calls still change it.
func (s *Submap) Seal(minVoxelWeight, maxVoxelDistance float64) error {
	if s.sealed {
		return ErrAlreadySealed
	}
	s.active = false
	s.sealed = true
	s.buildRelevantVoxelIndex(minVoxelWeight, maxVoxelDistance)
	s.refreshBoundingGeometry()
	return nil
}

// GenerateESDF invokes the ESDF builder collaborator and stores the result.
// Requires the submap to be sealed (spec §3 invariant 5, §6).
func (s *Submap) GenerateESDF(build func(*voxel.TSDFGrid) (*voxel.ESDFGrid, error)) error {
	if !s.sealed {
		return ErrNotSealed
	}
	esdf, err := build(s.TSDF)
	if err != nil {
		return err
	}
	s.ESDF = esdf
	s.hasESDF = true
	return nil
}

// buildRelevantVoxelIndex enumerates all TSDF voxels and keeps those that
// are observed, within truncation distance, and above the minimum weight,
// grouped by block index (spec §4.2).
func (s *Submap) buildRelevantVoxelIndex(minVoxelWeight, maxVoxelDistance float64) {
	index := make(map[voxel.BlockIndex][]voxel.LocalIndex)
	s.TSDF.ForEachBlock(func(bi voxel.BlockIndex, b *voxel.Block[voxel.TSDFVoxel]) {
		var relevant []voxel.LocalIndex
		b.ForEachVoxel(func(li voxel.LocalIndex, v *voxel.TSDFVoxel) {
			if !v.Observed {
				return
			}
			if float64(v.Weight) < minVoxelWeight {
				return
			}
			if math.Abs(float64(v.Distance)) > maxVoxelDistance {
				return
			}
			relevant = append(relevant, li)
		})
		if len(relevant) > 0 {
			index[bi] = relevant
		}
	})
	s.RelevantVoxelIndex = index
}

// VoxelCenterLocal returns the local-frame center of the voxel at (bi, li),
// per spec §3's "(global_index + 0.5)*v" rule.
func (s *Submap) VoxelCenterLocal(bi voxel.BlockIndex, li voxel.LocalIndex) spatial.Vec3 {
	side := int64(s.TSDF.VoxelsPerSide())
	v := s.TSDF.VoxelSize()
	gx := int64(bi.BX)*side + int64(li.IX)
	gy := int64(bi.BY)*side + int64(li.IY)
	gz := int64(bi.BZ)*side + int64(li.IZ)
	return spatial.Vec3{
		X: (float64(gx) + 0.5) * v,
		Y: (float64(gy) + 0.5) * v,
		Z: (float64(gz) + 0.5) * v,
	}
}

// SetPose updates the submap's world pose and refreshes its cached bounding
// geometry, as required before the next overlap query (spec §3 invariant 2).
func (s *Submap) SetPose(p spatial.Pose) {
	s.Pose = p
	s.refreshBoundingGeometry()
}

// refreshBoundingGeometry recomputes SurfaceOBB and SubmapAABB in world
// coordinates from the relevant-voxel index, using a planar PCA for heading
// plus a separate Z extent — the same shape the corpus's cluster-OBB
// estimator uses, applied here to voxel centers instead of point clusters.
func (s *Submap) refreshBoundingGeometry() {
	if len(s.RelevantVoxelIndex) == 0 {
		s.SurfaceOBB = OBB{}
		s.SubmapAABB = AABB{}
		return
	}

	var worldPoints []spatial.Vec3
	for bi, locals := range s.RelevantVoxelIndex {
		for _, li := range locals {
			worldPoints = append(worldPoints, s.Pose.Transform(s.VoxelCenterLocal(bi, li)))
		}
	}

	s.SubmapAABB = computeAABB(worldPoints)
	s.SurfaceOBB = computeOBB(worldPoints)
}

func computeAABB(points []spatial.Vec3) AABB {
	min := [3]float64{math.MaxFloat64, math.MaxFloat64, math.MaxFloat64}
	max := [3]float64{-math.MaxFloat64, -math.MaxFloat64, -math.MaxFloat64}
	for _, p := range points {
		v := [3]float64{p.X, p.Y, p.Z}
		for i := 0; i < 3; i++ {
			if v[i] < min[i] {
				min[i] = v[i]
			}
			if v[i] > max[i] {
				max[i] = v[i]
			}
		}
	}
	return AABB{Min: min, Max: max}
}

const obbCovarianceEpsilon = 1e-9

// computeOBB builds a planar-PCA oriented box: covariance on X-Y determines
// heading, points are projected onto the principal/perpendicular axes for
// length/width, and Z extent is taken independently.
func computeOBB(points []spatial.Vec3) OBB {
	n := float64(len(points))
	var sumX, sumY float64
	for _, p := range points {
		sumX += p.X
		sumY += p.Y
	}
	meanX, meanY := sumX/n, sumY/n

	var c00, c01, c11 float64
	for _, p := range points {
		dx, dy := p.X-meanX, p.Y-meanY
		c00 += dx * dx
		c01 += dx * dy
		c11 += dy * dy
	}
	c00 /= n
	c01 /= n
	c11 /= n

	trace := c00 + c11
	det := c00*c11 - c01*c01
	discriminant := trace*trace - 4*det

	var lambda1 float64
	if discriminant < 0 {
		lambda1 = c00
	} else {
		lambda1 = (trace + math.Sqrt(discriminant)) / 2
	}

	var evX, evY float64
	if math.Abs(c01) > obbCovarianceEpsilon {
		evX, evY = c01, lambda1-c00
		mag := math.Hypot(evX, evY)
		if mag > obbCovarianceEpsilon {
			evX, evY = evX/mag, evY/mag
		} else {
			evX, evY = 1, 0
		}
	} else if c00 >= c11 {
		evX, evY = 1, 0
	} else {
		evX, evY = 0, 1
	}
	heading := math.Atan2(evY, evX)

	minProj, maxProj := math.MaxFloat64, -math.MaxFloat64
	minPerp, maxPerp := math.MaxFloat64, -math.MaxFloat64
	minZ, maxZ := math.MaxFloat64, -math.MaxFloat64
	for _, p := range points {
		dx, dy := p.X-meanX, p.Y-meanY
		projAlong := dx*evX + dy*evY
		projPerp := dx*(-evY) + dy*evX
		if projAlong < minProj {
			minProj = projAlong
		}
		if projAlong > maxProj {
			maxProj = projAlong
		}
		if projPerp < minPerp {
			minPerp = projPerp
		}
		if projPerp > maxPerp {
			maxPerp = projPerp
		}
		if p.Z < minZ {
			minZ = p.Z
		}
		if p.Z > maxZ {
			maxZ = p.Z
		}
	}

	return OBB{
		CenterX:    meanX,
		CenterY:    meanY,
		CenterZ:    (minZ + maxZ) / 2,
		Length:     maxProj - minProj,
		Width:      maxPerp - minPerp,
		Height:     maxZ - minZ,
		HeadingRad: heading,
	}
}

// OverlapsWith is the permissive overlap predicate of spec §4.2: AABB
// overlap AND (OBB separating-axis test not-separated, OR centroid
// distance below the sum of half-extents).
func (s *Submap) OverlapsWith(other *Submap) bool {
	if !s.SubmapAABB.Overlaps(other.SubmapAABB) {
		return false
	}
	if obbSeparatingAxisOverlap(s.SurfaceOBB, other.SurfaceOBB) {
		return true
	}
	d := s.SurfaceOBB.centroid().Sub(other.SurfaceOBB.centroid())
	planar := math.Hypot(d.X, d.Y)
	return planar < s.SurfaceOBB.halfExtent()+other.SurfaceOBB.halfExtent()
}

// obbSeparatingAxisOverlap runs the 2D separating-axis test for two
// oriented boxes projected onto the XY plane (their four combined axes).
func obbSeparatingAxisOverlap(a, b OBB) bool {
	aAlong, aPerp := a.axes()
	bAlong, bPerp := b.axes()
	axes := [][2]float64{aAlong, aPerp, bAlong, bPerp}

	corners := func(o OBB) [4][2]float64 {
		along, perp := o.axes()
		hl, hw := o.Length/2, o.Width/2
		var c [4][2]float64
		signs := [4][2]float64{{1, 1}, {1, -1}, {-1, 1}, {-1, -1}}
		for i, sgn := range signs {
			c[i] = [2]float64{
				o.CenterX + sgn[0]*hl*along[0] + sgn[1]*hw*perp[0],
				o.CenterY + sgn[0]*hl*along[1] + sgn[1]*hw*perp[1],
			}
		}
		return c
	}
	ca, cb := corners(a), corners(b)

	for _, axis := range axes {
		minA, maxA := projectOnto(ca, axis)
		minB, maxB := projectOnto(cb, axis)
		if maxA < minB || maxB < minA {
			return false
		}
	}
	return true
}

func projectOnto(corners [4][2]float64, axis [2]float64) (min, max float64) {
	min, max = math.MaxFloat64, -math.MaxFloat64
	for _, c := range corners {
		d := c[0]*axis[0] + c[1]*axis[1]
		if d < min {
			min = d
		}
		if d > max {
			max = d
		}
	}
	return min, max
}

// Duplicate deep-copies src into a new submap under id dst, independently
// mutable in pose (spec §4.9 "Duplicate sub-map", used only by the test
// harness scenario "same id twice").
func Duplicate(src *Submap, dst uint32) *Submap {
	out := &Submap{
		ID:                dst,
		CreationTimestamp: src.CreationTimestamp,
		IsConstant:        src.IsConstant,
		InitialPose:       src.InitialPose,
		Pose:              src.Pose,
		active:            src.active,
		sealed:            src.sealed,
		hasESDF:           src.hasESDF,
		SurfaceOBB:        src.SurfaceOBB,
		SubmapAABB:        src.SubmapAABB,
	}
	out.TSDF = copyGrid(src.TSDF)
	out.ESDF = copyESDFGrid(src.ESDF)
	if src.RelevantVoxelIndex != nil {
		out.RelevantVoxelIndex = make(map[voxel.BlockIndex][]voxel.LocalIndex, len(src.RelevantVoxelIndex))
		for bi, locals := range src.RelevantVoxelIndex {
			cp := make([]voxel.LocalIndex, len(locals))
			copy(cp, locals)
			out.RelevantVoxelIndex[bi] = cp
		}
	}
	return out
}

func copyGrid(src *voxel.TSDFGrid) *voxel.TSDFGrid {
	dst := voxel.NewGrid[voxel.TSDFVoxel](src.VoxelSize(), src.VoxelsPerSide())
	side := int64(src.VoxelsPerSide())
	src.ForEachBlock(func(bi voxel.BlockIndex, b *voxel.Block[voxel.TSDFVoxel]) {
		b.ForEachVoxel(func(li voxel.LocalIndex, v *voxel.TSDFVoxel) {
			gx := int64(bi.BX)*side + int64(li.IX)
			gy := int64(bi.BY)*side + int64(li.IY)
			gz := int64(bi.BZ)*side + int64(li.IZ)
			dst.SetVoxel(gx, gy, gz, *v)
		})
	})
	return dst
}

func copyESDFGrid(src *voxel.ESDFGrid) *voxel.ESDFGrid {
	dst := voxel.NewGrid[voxel.ESDFVoxel](src.VoxelSize(), src.VoxelsPerSide())
	side := int64(src.VoxelsPerSide())
	src.ForEachBlock(func(bi voxel.BlockIndex, b *voxel.Block[voxel.ESDFVoxel]) {
		b.ForEachVoxel(func(li voxel.LocalIndex, v *voxel.ESDFVoxel) {
			gx := int64(bi.BX)*side + int64(li.IX)
			gy := int64(bi.BY)*side + int64(li.IY)
			gz := int64(bi.BZ)*side + int64(li.IZ)
			dst.SetVoxel(gx, gy, gz, *v)
		})
	})
	return dst
}
