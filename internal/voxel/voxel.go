// Package voxel implements the block-partitioned TSDF/ESDF grids and the
// trilinear sampler that registration residuals are built from.
package voxel

import (
	"errors"
	"math"
)

// ErrNotObserved is returned when a sampled point resolves to at least one
// corner voxel that has never been observed.
var ErrNotObserved = errors.New("voxel: not observed")

// ErrOutOfBounds is returned when a sampled point's cell has no backing
// block at all (absent from the grid).
var ErrOutOfBounds = errors.New("voxel: point outside any block")

// BlockIndex identifies a cubic block of S^3 voxels within a grid.
type BlockIndex struct {
	BX, BY, BZ int32
}

// LocalIndex identifies a voxel within its block, each component in [0, S).
type LocalIndex struct {
	IX, IY, IZ int
}

// TSDFVoxel is a single truncated signed-distance voxel.
type TSDFVoxel struct {
	Distance float32
	Weight   float32
	Observed bool
}

// ESDFVoxel is a single Euclidean signed-distance voxel.
type ESDFVoxel struct {
	Distance float32
	Fixed    bool
	Observed bool
}

// Block is a cubic array of S^3 voxels.
type Block[V any] struct {
	voxels []V
	side   int
}

func newBlock[V any](side int) *Block[V] {
	return &Block[V]{voxels: make([]V, side*side*side), side: side}
}

func (b *Block[V]) at(li LocalIndex) *V {
	idx := (li.IZ*b.side+li.IY)*b.side + li.IX
	return &b.voxels[idx]
}

func inBounds(li LocalIndex, side int) bool {
	return li.IX >= 0 && li.IX < side && li.IY >= 0 && li.IY < side &&
		li.IZ >= 0 && li.IZ < side
}

// Grid is a block-sparse voxel grid keyed by BlockIndex. It is shared by
// TSDF and ESDF grids (instantiated as TSDFGrid and ESDFGrid below) since
// the block/index bookkeeping is identical for both voxel kinds.
type Grid[V any] struct {
	blocks        map[BlockIndex]*Block[V]
	voxelSize     float64
	voxelsPerSide int
}

// NewGrid constructs an empty grid with the given voxel size (metres) and
// block side length in voxels.
func NewGrid[V any](voxelSize float64, voxelsPerSide int) *Grid[V] {
	return &Grid[V]{
		blocks:        make(map[BlockIndex]*Block[V]),
		voxelSize:     voxelSize,
		voxelsPerSide: voxelsPerSide,
	}
}

// TSDFGrid and ESDFGrid are the two concrete instantiations used by Submap.
type TSDFGrid = Grid[TSDFVoxel]
type ESDFGrid = Grid[ESDFVoxel]

// VoxelSize returns the grid's voxel side length in metres.
func (g *Grid[V]) VoxelSize() float64 { return g.voxelSize }

// VoxelsPerSide returns the number of voxels along one block edge.
func (g *Grid[V]) VoxelsPerSide() int { return g.voxelsPerSide }

// BlockSize returns the block's side length in metres (B = S*v).
func (g *Grid[V]) BlockSize() float64 {
	return float64(g.voxelsPerSide) * g.voxelSize
}

// BlockByIndex returns the block at bi, or nil if absent.
func (g *Grid[V]) BlockByIndex(bi BlockIndex) *Block[V] {
	return g.blocks[bi]
}

// blockAndLocal decomposes a global voxel index into its owning block index
// and local-within-block index.
func (g *Grid[V]) blockAndLocal(gx, gy, gz int64) (BlockIndex, LocalIndex) {
	s := int64(g.voxelsPerSide)
	bx, lx := floorDivMod(gx, s)
	by, ly := floorDivMod(gy, s)
	bz, lz := floorDivMod(gz, s)
	return BlockIndex{int32(bx), int32(by), int32(bz)}, LocalIndex{int(lx), int(ly), int(lz)}
}

func floorDivMod(a, b int64) (q, r int64) {
	q = a / b
	r = a % b
	if r < 0 {
		q--
		r += b
	}
	return q, r
}

// VoxelAt returns the voxel at the given global index, or nil if its block
// does not exist.
func (g *Grid[V]) VoxelAt(gx, gy, gz int64) *V {
	bi, li := g.blockAndLocal(gx, gy, gz)
	b := g.blocks[bi]
	if b == nil {
		return nil
	}
	return b.at(li)
}

// EnsureBlock returns the block at bi, allocating it (zero-valued) if
// absent. Used by grid builders (TSDF integration, ESDF generation) when
// populating voxels.
func (g *Grid[V]) EnsureBlock(bi BlockIndex) *Block[V] {
	b := g.blocks[bi]
	if b == nil {
		b = newBlock[V](g.voxelsPerSide)
		g.blocks[bi] = b
	}
	return b
}

// SetVoxel writes v at the given global index, allocating its block if
// necessary.
func (g *Grid[V]) SetVoxel(gx, gy, gz int64, v V) {
	bi, li := g.blockAndLocal(gx, gy, gz)
	*g.EnsureBlock(bi).at(li) = v
}

// ForEachBlock calls fn for every allocated block. Iteration order is
// unspecified, matching the spec's "keys unique, order irrelevant".
func (g *Grid[V]) ForEachBlock(fn func(bi BlockIndex, b *Block[V])) {
	for bi, b := range g.blocks {
		fn(bi, b)
	}
}

// ForEachVoxel calls fn for every voxel in b with its local index.
func (b *Block[V]) ForEachVoxel(fn func(li LocalIndex, v *V)) {
	s := b.side
	for iz := 0; iz < s; iz++ {
		for iy := 0; iy < s; iy++ {
			for ix := 0; ix < s; ix++ {
				li := LocalIndex{ix, iy, iz}
				fn(li, b.at(li))
			}
		}
	}
}

// interpB is the constant 8x8 matrix from the trilinear sampler (spec
// §4.1), row-major, applied as w = B^T * q.
var interpB = [8][8]float64{
	{1, 0, 0, 0, 0, 0, 0, 0},
	{-1, 0, 0, 0, 1, 0, 0, 0},
	{-1, 0, 1, 0, 0, 0, 0, 0},
	{-1, 1, 0, 0, 0, 0, 0, 0},
	{1, 0, -1, 0, -1, 0, 1, 0},
	{1, -1, -1, 1, 0, 0, 0, 0},
	{1, -1, 0, 0, -1, 1, 0, 0},
	{-1, 1, 1, -1, 1, -1, -1, 1},
}

// cornerOffsets lists the 8 corners of the unit cell in the order interpB
// expects: corner index = u0*4 + u1*2 + u2, i.e. standard binary with the
// x offset as the most significant bit and z as the least.
var cornerOffsets = [8][3]int64{
	{0, 0, 0}, {0, 0, 1}, {0, 1, 0}, {0, 1, 1},
	{1, 0, 0}, {1, 0, 1}, {1, 1, 0}, {1, 1, 1},
}

// interpWeights evaluates q = [1, u0, u1, u2, u0u1, u1u2, u2u0, u0u1u2] and
// returns w = q * B, the length-8 corner-weight vector from spec §4.1.
func interpWeights(u [3]float64) [8]float64 {
	q := [8]float64{
		1, u[0], u[1], u[2],
		u[0] * u[1], u[1] * u[2], u[2] * u[0],
		u[0] * u[1] * u[2],
	}
	var w [8]float64
	for j := 0; j < 8; j++ {
		var sum float64
		for i := 0; i < 8; i++ {
			sum += q[i] * interpB[i][j]
		}
		w[j] = sum
	}
	return w
}

// dqDu returns the partial derivative of q = [1, u0, u1, u2, u0u1, u1u2,
// u2u0, u0u1u2] with respect to u[axis], the construction the analytic
// Jacobian reuses per spec §4.3's "same B-matrix construction ... with q
// replaced by its partial derivatives in u".
func dqDu(u [3]float64, axis int) [8]float64 {
	switch axis {
	case 0:
		return [8]float64{0, 1, 0, 0, u[1], 0, u[2], u[1] * u[2]}
	case 1:
		return [8]float64{0, 0, 1, 0, u[0], u[2], 0, u[0] * u[2]}
	default:
		return [8]float64{0, 0, 0, 1, 0, u[1], u[0], u[0] * u[1]}
	}
}

// SampleGradient performs trilinear interpolation of the TSDF grid at p
// like Sample, and additionally returns the distance gradient with respect
// to p in the grid's local frame (per metre), used by the registration
// cost's analytic Jacobian.
func (g *TSDFGrid) SampleGradient(p [3]float64) (distance, weight float64, grad [3]float64, ok bool) {
	return sampleGridGradient(g, p, func(v TSDFVoxel) (float64, float64, bool) {
		if !v.Observed {
			return 0, 0, false
		}
		return float64(v.Distance), float64(v.Weight), true
	})
}

// SampleGradient is Sample's ESDF counterpart with a distance gradient.
func (g *ESDFGrid) SampleGradient(p [3]float64) (distance, weight float64, grad [3]float64, ok bool) {
	return sampleGridGradient(g, p, func(v ESDFVoxel) (float64, float64, bool) {
		if !v.Observed {
			return 0, 0, false
		}
		return float64(v.Distance), 1, true
	})
}

func sampleGridGradient[V any](g *Grid[V], p [3]float64, project func(V) (float64, float64, bool)) (distance, weight float64, grad [3]float64, ok bool) {
	v := g.voxelSize

	var base [3]int64
	var frac [3]float64
	for i := 0; i < 3; i++ {
		x := p[i]/v - 0.5
		fl := math.Floor(x)
		base[i] = int64(fl)
		frac[i] = x - fl
	}

	var d, w [8]float64
	for c := 0; c < 8; c++ {
		gx := base[0] + cornerOffsets[c][0]
		gy := base[1] + cornerOffsets[c][1]
		gz := base[2] + cornerOffsets[c][2]
		voxel := g.VoxelAt(gx, gy, gz)
		if voxel == nil {
			return 0, 0, grad, false
		}
		dist, wt, observed := project(*voxel)
		if !observed {
			return 0, 0, grad, false
		}
		d[c], w[c] = dist, wt
	}

	weights := interpWeights(frac)
	for c := 0; c < 8; c++ {
		distance += weights[c] * d[c]
		weight += weights[c] * w[c]
	}

	for axis := 0; axis < 3; axis++ {
		dq := dqDu(frac, axis)
		var dwAxis [8]float64
		for j := 0; j < 8; j++ {
			var sum float64
			for i := 0; i < 8; i++ {
				sum += dq[i] * interpB[i][j]
			}
			dwAxis[j] = sum
		}
		var ddist float64
		for c := 0; c < 8; c++ {
			ddist += dwAxis[c] * d[c]
		}
		grad[axis] = ddist / v
	}
	return distance, weight, grad, true
}

// Sample performs trilinear interpolation of the TSDF grid at p, a point in
// the sub-map's local frame. ok is false if any of the 8 corner voxels is
// missing or unobserved (spec §4.1 step 2); callers that need to tell the
// two cases apart should use SampleErr.
func (g *TSDFGrid) Sample(p [3]float64) (distance, weight float64, ok bool) {
	distance, weight, err := g.SampleErr(p)
	return distance, weight, err == nil
}

// SampleErr is Sample but distinguishes a missing block (ErrOutOfBounds)
// from an unobserved corner voxel (ErrNotObserved), the split the
// registration cost's error-recovery policy (spec §7) is defined over.
func (g *TSDFGrid) SampleErr(p [3]float64) (distance, weight float64, err error) {
	return sampleGrid(g, p, func(v TSDFVoxel) (float64, float64, bool) {
		if !v.Observed {
			return 0, 0, false
		}
		return float64(v.Distance), float64(v.Weight), true
	})
}

// Sample performs trilinear interpolation of the ESDF grid at p, returning
// the interpolated distance and a synthetic weight of 1 for every observed
// corner (ESDF voxels carry no native weight field).
func (g *ESDFGrid) Sample(p [3]float64) (distance, weight float64, ok bool) {
	distance, weight, err := g.SampleErr(p)
	return distance, weight, err == nil
}

// SampleErr is Sample but surfaces ErrOutOfBounds / ErrNotObserved.
func (g *ESDFGrid) SampleErr(p [3]float64) (distance, weight float64, err error) {
	return sampleGrid(g, p, func(v ESDFVoxel) (float64, float64, bool) {
		if !v.Observed {
			return 0, 0, false
		}
		return float64(v.Distance), 1, true
	})
}

// sampleGrid is the shared implementation of the §4.1 sampling algorithm,
// parameterized over the voxel-kind-specific (distance, weight, observed)
// projection so TSDF and ESDF grids share one code path.
func sampleGrid[V any](g *Grid[V], p [3]float64, project func(V) (float64, float64, bool)) (distance, weight float64, err error) {
	v := g.voxelSize

	// base = floor(p/v - 0.5), per voxel.
	var base [3]int64
	var frac [3]float64
	for i := 0; i < 3; i++ {
		x := p[i]/v - 0.5
		fl := math.Floor(x)
		base[i] = int64(fl)
		frac[i] = x - fl
	}

	var d, w [8]float64
	for c := 0; c < 8; c++ {
		gx := base[0] + cornerOffsets[c][0]
		gy := base[1] + cornerOffsets[c][1]
		gz := base[2] + cornerOffsets[c][2]
		voxel := g.VoxelAt(gx, gy, gz)
		if voxel == nil {
			return 0, 0, ErrOutOfBounds
		}
		dist, wt, observed := project(*voxel)
		if !observed {
			return 0, 0, ErrNotObserved
		}
		d[c], w[c] = dist, wt
	}

	weights := interpWeights(frac)
	for c := 0; c < 8; c++ {
		distance += weights[c] * d[c]
		weight += weights[c] * w[c]
	}
	return distance, weight, nil
}
