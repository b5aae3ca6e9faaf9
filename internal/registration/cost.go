// Package registration implements the submap-to-submap alignment cost:
// residuals computed by trilinear interpolation of one submap's distance
// field at points sampled from another submap's relevant-voxel surface,
// with analytic and central-difference Jacobian variants (spec §4.3).
package registration

import (
	"math"

	"github.com/banshee-data/submapgraph/internal/spatial"
	"github.com/banshee-data/submapgraph/internal/submap"
)

// Variant selects between the analytic and numeric Jacobian computation.
// Modeled as a tagged variant rather than an inheritance chain (spec §9
// "Polymorphic solver cost variants"): both share the same Evaluate
// contract and differ only in how the Jacobian columns are produced.
type Variant int

const (
	Analytic Variant = iota
	Numeric
)

// Params are the subset of tuning configuration the cost needs per
// evaluation (spec §6 submap_registration/cost).
type Params struct {
	MaxVoxelDistance     float64
	NoCorrespondenceCost float64
	UseESDFDistance      bool
}

// Cost computes residuals and Jacobians for one ordered (reference,
// reading) submap pair. It holds read-only views into both submaps;
// per spec §9 it must not be retained beyond a single optimize() call.
type Cost struct {
	Reference *submap.Submap
	Reading   *submap.Submap
	Params    Params
	Variant   Variant
}

// New constructs a registration cost for the ordered pair (reference,
// reading). Both submaps must be sealed.
func New(reference, reading *submap.Submap, params Params, variant Variant) *Cost {
	return &Cost{Reference: reference, Reading: reading, Params: params, Variant: variant}
}

// NumResiduals returns the fixed residual count: one per relevant voxel in
// the reference submap.
func (c *Cost) NumResiduals() int {
	n := 0
	for _, locals := range c.Reference.RelevantVoxelIndex {
		n += len(locals)
	}
	return n
}

// Evaluate computes the residual vector and, for the Analytic variant, the
// Jacobians with respect to the reference and reading 4-vectors
// (each residual-count x 4). The Numeric variant returns jRef/jRead
// computed by central difference over the same residual function and is
// used only for verification (spec §4.3).
func (c *Cost) Evaluate(refParam, readParam [4]float64) (residuals []float64, jRef, jRead [][4]float64) {
	n := c.NumResiduals()
	residuals = make([]float64, 0, n)
	jRef = make([][4]float64, 0, n)
	jRead = make([][4]float64, 0, n)

	refPose := spatial.FromParam4(c.Reference.InitialPose, refParam)
	readPose := spatial.FromParam4(c.Reading.InitialPose, readParam)

	for bi, locals := range c.Reference.RelevantVoxelIndex {
		for _, li := range locals {
			side := int64(c.Reference.TSDF.VoxelsPerSide())
			gx := int64(bi.BX)*side + int64(li.IX)
			gy := int64(bi.BY)*side + int64(li.IY)
			gz := int64(bi.BZ)*side + int64(li.IZ)
			refVoxel := c.Reference.TSDF.VoxelAt(gx, gy, gz)
			if refVoxel == nil || !refVoxel.Observed {
				continue
			}

			centerR := c.Reference.VoxelCenterLocal(bi, li)
			r, jr, jm := c.evaluateOne(refPose, readPose, refParam, readParam, centerR, float64(refVoxel.Distance), float64(refVoxel.Weight))
			residuals = append(residuals, r)
			jRef = append(jRef, jr)
			jRead = append(jRead, jm)
		}
	}
	return residuals, jRef, jRead
}

// evaluateOne computes one residual and its Jacobian row for a single
// reference voxel center.
func (c *Cost) evaluateOne(refPose, readPose spatial.Pose, refParam, readParam [4]float64, centerR spatial.Vec3, dR, wR float64) (r float64, jRef, jRead [4]float64) {
	pW := refPose.Transform(centerR)
	pM := readPose.Inverse().Transform(pW)
	localPM := [3]float64{pM.X, pM.Y, pM.Z}

	dM, wM, gradM, ok := c.sampleReading(localPM)
	if !ok {
		return c.Params.NoCorrespondenceCost, [4]float64{}, [4]float64{}
	}

	weight := math.Sqrt(wR * wM)
	if weight > 1 {
		weight = 1
	}
	r = weight * (dR - dM)

	if c.Variant == Numeric {
		jRef = c.numericJacobian(refParam, readParam, centerR, dR, wR, true)
		jRead = c.numericJacobian(refParam, readParam, centerR, dR, wR, false)
		return r, jRef, jRead
	}

	jRef, jRead = c.analyticJacobian(refPose, readPose, refParam, readParam, centerR, pW, gradM, weight)
	return r, jRef, jRead
}

// sampleReading samples the reading submap's distance field at a local
// point, honoring UseESDFDistance and MaxVoxelDistance truncation (spec
// §4.3's distance-source rule).
func (c *Cost) sampleReading(p [3]float64) (distance, weight float64, grad [3]float64, ok bool) {
	tsdfDist, tsdfWeight, tsdfGrad, tsdfOK := c.Reading.TSDF.SampleGradient(p)
	if !tsdfOK || math.IsNaN(float64(tsdfDist)) {
		return 0, 0, grad, false
	}
	if !c.Params.UseESDFDistance {
		d := tsdfDist
		if d > c.Params.MaxVoxelDistance {
			d = c.Params.MaxVoxelDistance
			tsdfGrad = [3]float64{}
		} else if d < -c.Params.MaxVoxelDistance {
			d = -c.Params.MaxVoxelDistance
			tsdfGrad = [3]float64{}
		}
		return d, tsdfWeight, tsdfGrad, true
	}
	if c.Reading.ESDF == nil {
		return 0, 0, grad, false
	}
	esdfDist, _, esdfGrad, esdfOK := c.Reading.ESDF.SampleGradient(p)
	if !esdfOK || math.IsNaN(float64(esdfDist)) {
		return 0, 0, grad, false
	}
	return esdfDist, tsdfWeight, esdfGrad, true
}

// analyticJacobian implements spec §4.3's analytic variant: ∂d_R/∂p_R ≈ 0,
// so the reference-side Jacobian flows entirely through p_W's dependence
// on the reference 4-vector; the reading-side Jacobian flows through
// p_M's dependence on the reading 4-vector, composed with the reading
// grid's own distance gradient. Both poses are assumed to hold zero
// initial pitch/roll (a planar initial orientation), matching spec's
// explicit use of the planar rotation derivative R'(ψ)=R(ψ+π/2) rather
// than a general SO(3) derivative; every scenario in spec §8 is planar.
func (c *Cost) analyticJacobian(refPose, readPose spatial.Pose, refParam, readParam [4]float64, centerR spatial.Vec3, pW spatial.Vec3, gradM [3]float64, weight float64) (jRef, jRead [4]float64) {
	yawR := refParam[3]
	yawM := readParam[3]

	// dPw/dParamR: translation columns are identity; yaw column is the
	// planar rotation derivative applied to the local center's (x,y).
	rPrimeR := spatial.YawRotationDerivative(yawR)
	dPwDYawR := [3]float64{
		rPrimeR[0][0]*centerR.X + rPrimeR[0][1]*centerR.Y,
		rPrimeR[1][0]*centerR.X + rPrimeR[1][1]*centerR.Y,
		0,
	}

	// R_M^T, needed to push a p_W perturbation into the reading's local frame.
	rM := spatial.PlanarRotation(yawM)
	rMT := [2][2]float64{{rM[0][0], rM[1][0]}, {rM[0][1], rM[1][1]}}

	dPmDParamR := [4][3]float64{}
	for axis := 0; axis < 3; axis++ {
		var dPw [3]float64
		dPw[axis] = 1
		dPmDParamR[axis] = rotateByRMT(rMT, dPw)
	}
	dPmDParamR[3] = rotateByRMT(rMT, dPwDYawR)

	for i := 0; i < 4; i++ {
		ddM := gradM[0]*dPmDParamR[i][0] + gradM[1]*dPmDParamR[i][1] + gradM[2]*dPmDParamR[i][2]
		jRef[i] = weight * (0 - ddM) // ∂d_R/∂p_R ≈ 0
	}

	// dPm/dParamM: translation columns are -R_M^T; yaw column is the
	// derivative of R_M(yaw)^T applied to (p_W - t_M).
	tM := readPose.Translation
	relative := [2]float64{pW.X - tM.X, pW.Y - tM.Y}
	c_, s_ := math.Cos(yawM), math.Sin(yawM)
	// R_M^T(yaw) = [[cos,sin],[-sin,cos]]; d/dyaw = [[-sin,cos],[-cos,-sin]]
	dRmtDyaw := [2][2]float64{{-s_, c_}, {-c_, -s_}}
	dPmDYawM := [3]float64{
		dRmtDyaw[0][0]*relative[0] + dRmtDyaw[0][1]*relative[1],
		dRmtDyaw[1][0]*relative[0] + dRmtDyaw[1][1]*relative[1],
		0,
	}

	dPmDParamM := [4][3]float64{
		{-rMT[0][0], -rMT[1][0], 0},
		{-rMT[0][1], -rMT[1][1], 0},
		{0, 0, -1},
		dPmDYawM,
	}

	for i := 0; i < 4; i++ {
		ddM := gradM[0]*dPmDParamM[i][0] + gradM[1]*dPmDParamM[i][1] + gradM[2]*dPmDParamM[i][2]
		jRead[i] = -weight * ddM
	}
	return jRef, jRead
}

func rotateByRMT(rMT [2][2]float64, v [3]float64) [3]float64 {
	return [3]float64{
		rMT[0][0]*v[0] + rMT[0][1]*v[1],
		rMT[1][0]*v[0] + rMT[1][1]*v[1],
		v[2],
	}
}

const jacobianStep = 1e-6

// numericJacobian computes one Jacobian column set by central difference,
// used by the Numeric variant for verification against Analytic (spec §4.3,
// §8 scenario 5).
func (c *Cost) numericJacobian(refParam, readParam [4]float64, centerR spatial.Vec3, dR, wR float64, wrtRef bool) [4]float64 {
	var jac [4]float64
	eval := func(rp, dp [4]float64) float64 {
		refPose := spatial.FromParam4(c.Reference.InitialPose, rp)
		readPose := spatial.FromParam4(c.Reading.InitialPose, dp)
		pW := refPose.Transform(centerR)
		pM := readPose.Inverse().Transform(pW)
		dM, wM, _, ok := c.sampleReading([3]float64{pM.X, pM.Y, pM.Z})
		if !ok {
			return c.Params.NoCorrespondenceCost
		}
		weight := math.Sqrt(wR * wM)
		if weight > 1 {
			weight = 1
		}
		return weight * (dR - dM)
	}

	for i := 0; i < 4; i++ {
		plusRef, plusRead := refParam, readParam
		minusRef, minusRead := refParam, readParam
		if wrtRef {
			plusRef[i] += jacobianStep
			minusRef[i] -= jacobianStep
		} else {
			plusRead[i] += jacobianStep
			minusRead[i] -= jacobianStep
		}
		rPlus := eval(plusRef, plusRead)
		rMinus := eval(minusRef, minusRead)
		jac[i] = (rPlus - rMinus) / (2 * jacobianStep)
	}
	return jac
}
