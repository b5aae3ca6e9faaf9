package posegraph

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/submapgraph/internal/registration"
	"github.com/banshee-data/submapgraph/internal/spatial"
	"github.com/banshee-data/submapgraph/internal/submap"
	"github.com/banshee-data/submapgraph/internal/voxel"
)

const (
	testVoxelSize     = 0.1
	testVoxelsPerSide = 8
)

// planarSlab builds a sealed submap with d(x,y,z)=z over a neighborhood of
// blocks around the origin (spec §8's planar test fixtures).
func planarSlab(id uint32, pose spatial.Pose, constant bool) *submap.Submap {
	s := submap.New(id, pose, testVoxelSize, testVoxelsPerSide, 0, constant)
	for gx := int64(-8); gx <= 8; gx++ {
		for gy := int64(-8); gy <= 8; gy++ {
			for gz := int64(-8); gz <= 8; gz++ {
				z := (float64(gz) + 0.5) * testVoxelSize
				s.TSDF.SetVoxel(gx, gy, gz, voxel.TSDFVoxel{
					Distance: float32(z),
					Weight:   1,
					Observed: true,
				})
			}
		}
	}
	_ = s.Seal(1e-6, 0.3)
	return s
}

func identityInfo() *mat.SymDense {
	return mat.NewSymDense(4, []float64{
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0,
		0, 0, 0, 1,
	})
}

func scaledInfo(k2 float64) *mat.SymDense {
	return mat.NewSymDense(4, []float64{
		k2, 0, 0, 0,
		0, k2, 0, 0,
		0, 0, k2, 0,
		0, 0, 0, k2,
	})
}

var defaultSolver = SolverParams{
	MaxNumIterations:   50,
	ParameterTolerance: 1e-10,
	FunctionTolerance:  1e-12,
	OptimizeYaw:        true,
}

// TestYawOnlyMisalignmentConverges grounds spec §8 scenario 2: two
// submaps overlapping with a small yaw-only misalignment should converge
// with the second node's recovered pose close to the reference.
func TestYawOnlyMisalignmentConverges(t *testing.T) {
	ref := planarSlab(0, spatial.Identity(), true)
	perturbed := spatial.Pose{Rotation: spatial.FromAxisAngle(spatial.Vec3{Z: 1}, 0.05), Translation: spatial.Vec3{}}
	reading := submap.Duplicate(ref, 1)
	reading.SetPose(perturbed)

	g := New()
	g.AddNode(ref, true)
	g.AddNode(reading, false)
	if err := g.AddConstraint(RegistrationConstraint{
		FirstID: 0, SecondID: 1,
		Information: identityInfo(),
		Params:      registration.Params{MaxVoxelDistance: 0.6},
		Variant:     registration.Analytic,
	}); err != nil {
		t.Fatalf("AddConstraint: %v", err)
	}
	require.NoError(t, g.Initialize())

	summary, err := g.Optimize(context.Background(), defaultSolver)
	require.NoError(t, err)
	require.True(t, summary.IsSolutionUsable, "expected usable solution, got %+v", summary)

	poses := g.SubmapPoses()
	got := spatial.ToParam4(poses[1])
	for i, v := range got {
		if math.Abs(v) > 1e-3 {
			t.Errorf("param[%d] = %v, want ~0 (converged toward identity)", i, v)
		}
	}
}

// TestNoOverlapLeavesPosesUnchanged grounds spec §8 scenario 3: a
// constraint between non-overlapping submaps should contribute nothing,
// leaving the free node essentially at its initial guess.
func TestNoOverlapLeavesPosesUnchanged(t *testing.T) {
	ref := planarSlab(0, spatial.Identity(), true)
	far := spatial.Pose{Rotation: spatial.QuatIdentity(), Translation: spatial.Vec3{X: 1000}}
	reading := planarSlab(1, far, false)
	initialParam := spatial.ToParam4(reading.Pose)

	g := New()
	g.AddNode(ref, true)
	g.AddNode(reading, false)
	if err := g.AddConstraint(RegistrationConstraint{
		FirstID: 0, SecondID: 1,
		Information: identityInfo(),
		Params:      registration.Params{MaxVoxelDistance: 0.6, NoCorrespondenceCost: 0},
		Variant:     registration.Analytic,
	}); err != nil {
		t.Fatalf("AddConstraint: %v", err)
	}
	require.NoError(t, g.Initialize())

	summary, err := g.Optimize(context.Background(), defaultSolver)
	require.NoError(t, err)
	require.True(t, summary.IsSolutionUsable, "expected usable solution, got %+v", summary)

	poses := g.SubmapPoses()
	got := spatial.ToParam4(poses[1])
	for i := range got {
		if math.Abs(got[i]-initialParam[i]) > 1e-9 {
			t.Errorf("param[%d] moved from %v to %v with zero-gradient constraint", i, initialParam[i], got[i])
		}
	}
}

// TestThreeSubmapLoopOptimizes grounds spec §8 scenario 4: a three-node
// loop of pairwise constraints should still converge to a usable solution
// with the constant node untouched.
func TestThreeSubmapLoopOptimizes(t *testing.T) {
	a := planarSlab(0, spatial.Identity(), true)
	bPose := spatial.Pose{Translation: spatial.Vec3{X: 0.15}, Rotation: spatial.QuatIdentity()}
	b := submap.Duplicate(a, 1)
	b.SetPose(bPose)
	cPose := spatial.Pose{Translation: spatial.Vec3{X: 0.3}, Rotation: spatial.QuatIdentity()}
	c := submap.Duplicate(a, 2)
	c.SetPose(cPose)

	g := New()
	g.AddNode(a, true)
	g.AddNode(b, false)
	g.AddNode(c, false)

	pairs := [][2]uint32{{0, 1}, {1, 2}, {0, 2}}
	for _, p := range pairs {
		if err := g.AddConstraint(RegistrationConstraint{
			FirstID: p[0], SecondID: p[1],
			Information: identityInfo(),
			Params:      registration.Params{MaxVoxelDistance: 0.6},
			Variant:     registration.Analytic,
		}); err != nil {
			t.Fatalf("AddConstraint(%v): %v", p, err)
		}
	}
	require.NoError(t, g.Initialize())

	summary, err := g.Optimize(context.Background(), defaultSolver)
	require.NoError(t, err)
	require.True(t, summary.IsSolutionUsable, "expected usable solution for loop graph, got %+v", summary)

	poses := g.SubmapPoses()
	constantParam := spatial.ToParam4(poses[0])
	for i, v := range constantParam {
		if math.Abs(v) > 1e-12 {
			t.Errorf("constant node moved: param[%d] = %v", i, v)
		}
	}
}

// TestSolverCancelRevertsPoses grounds spec §8 scenario 6 and §5's
// cancellation contract: canceling mid-solve must restore every free
// node's pre-call parameters exactly.
func TestSolverCancelRevertsPoses(t *testing.T) {
	ref := planarSlab(0, spatial.Identity(), true)
	perturbedPose := spatial.Pose{Translation: spatial.Vec3{X: 0.1, Z: 0.02}, Rotation: spatial.QuatIdentity()}
	reading := submap.Duplicate(ref, 1)
	reading.SetPose(perturbedPose)
	preCall := spatial.ToParam4(reading.Pose)

	g := New()
	g.AddNode(ref, true)
	g.AddNode(reading, false)
	if err := g.AddConstraint(RegistrationConstraint{
		FirstID: 0, SecondID: 1,
		Information: identityInfo(),
		Params:      registration.Params{MaxVoxelDistance: 0.6},
		Variant:     registration.Analytic,
	}); err != nil {
		t.Fatalf("AddConstraint: %v", err)
	}
	require.NoError(t, g.Initialize())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	summary, err := g.Optimize(ctx, defaultSolver)
	require.NoError(t, err)
	require.False(t, summary.IsSolutionUsable, "expected a canceled solve to report unusable, got %+v", summary)

	poses := g.SubmapPoses()
	got := spatial.ToParam4(poses[1])
	assert.Equal(t, preCall, got, "param after cancel should revert to pre-call snapshot")
}

// TestInformationScalingMatchesTrace grounds spec §8's "Information
// scaling" property: replacing the information matrix with k^2*I scales
// the accumulated cost by exactly k^2.
func TestInformationScalingMatchesTrace(t *testing.T) {
	info1 := identityInfo()
	info2 := scaledInfo(9) // k=3
	s1 := informationScale(info1)
	s2 := informationScale(info2)
	if math.Abs(s2/s1-3) > 1e-9 {
		t.Errorf("scale ratio = %v, want 3", s2/s1)
	}
}

// TestAddConstraintRejectsSelfEdge grounds spec §4.4's edge validation.
func TestAddConstraintRejectsSelfEdge(t *testing.T) {
	g := New()
	err := g.AddConstraint(RegistrationConstraint{FirstID: 5, SecondID: 5, Information: identityInfo()})
	require.ErrorIs(t, err, ErrSelfEdge)
}

// TestAddConstraintRejectsDuplicatePair grounds spec §4.4's duplicate-edge
// rejection, keeping the first added constraint.
func TestAddConstraintRejectsDuplicatePair(t *testing.T) {
	g := New()
	base := RegistrationConstraint{FirstID: 1, SecondID: 2, Information: identityInfo()}
	require.NoError(t, g.AddConstraint(base))
	reversed := RegistrationConstraint{FirstID: 2, SecondID: 1, Information: identityInfo()}
	require.ErrorIs(t, g.AddConstraint(reversed), ErrDuplicateConstraint)
}

// TestInitializeFailsOnUnknownNode grounds spec §7's ErrUnknownNode
// fail-fast behavior, deferred to Initialize rather than AddConstraint.
func TestInitializeFailsOnUnknownNode(t *testing.T) {
	ref := planarSlab(0, spatial.Identity(), true)
	g := New()
	g.AddNode(ref, true)
	err := g.AddConstraint(RegistrationConstraint{FirstID: 0, SecondID: 99, Information: identityInfo()})
	require.NoError(t, err, "AddConstraint should not validate endpoints")
	require.ErrorIs(t, g.Initialize(), ErrUnknownNode)
}

// TestFirstAddedNodeForcedConstant grounds spec §4.4's "first sub-map
// added is forced constant" rule.
func TestFirstAddedNodeForcedConstant(t *testing.T) {
	s := planarSlab(0, spatial.Identity(), false)
	g := New()
	node := g.AddNode(s, false)
	assert.True(t, node.Constant, "first added node must be forced constant regardless of the requested flag")
}

// TestIdempotentOptimization grounds spec §8's "Idempotent optimization"
// property: re-running Optimize on an already-converged graph should not
// move the poses further.
func TestIdempotentOptimization(t *testing.T) {
	ref := planarSlab(0, spatial.Identity(), true)
	perturbedPose := spatial.Pose{Translation: spatial.Vec3{X: 0.1}, Rotation: spatial.QuatIdentity()}
	reading := submap.Duplicate(ref, 1)
	reading.SetPose(perturbedPose)

	g := New()
	g.AddNode(ref, true)
	g.AddNode(reading, false)
	if err := g.AddConstraint(RegistrationConstraint{
		FirstID: 0, SecondID: 1,
		Information: identityInfo(),
		Params:      registration.Params{MaxVoxelDistance: 0.6},
		Variant:     registration.Analytic,
	}); err != nil {
		t.Fatalf("AddConstraint: %v", err)
	}
	require.NoError(t, g.Initialize())

	_, err := g.Optimize(context.Background(), defaultSolver)
	require.NoError(t, err, "first Optimize")
	afterFirst := spatial.ToParam4(g.SubmapPoses()[1])

	summary, err := g.Optimize(context.Background(), defaultSolver)
	require.NoError(t, err, "second Optimize")
	require.True(t, summary.IsSolutionUsable, "expected usable solution on re-optimize, got %+v", summary)
	afterSecond := spatial.ToParam4(g.SubmapPoses()[1])

	for i := range afterFirst {
		if math.Abs(afterFirst[i]-afterSecond[i]) > 1e-6 {
			t.Errorf("param[%d] moved from %v to %v on idempotent re-optimize", i, afterFirst[i], afterSecond[i])
		}
	}
}
