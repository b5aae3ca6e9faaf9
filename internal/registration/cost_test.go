package registration

import (
	"math"
	"testing"

	"github.com/banshee-data/submapgraph/internal/spatial"
	"github.com/banshee-data/submapgraph/internal/submap"
	"github.com/banshee-data/submapgraph/internal/voxel"
)

const (
	testVoxelSize     = 0.1
	testVoxelsPerSide = 8
)

// planarSlab builds a sealed submap with d(x,y,z)=z for |z|<=0.3 over a
// small neighborhood of blocks around the origin (spec §8 scenario 1).
func planarSlab(id uint32, pose spatial.Pose) *submap.Submap {
	s := submap.New(id, pose, testVoxelSize, testVoxelsPerSide, 0, id == 0)
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

func TestIdentityAlignmentHasNearZeroResidual(t *testing.T) {
	r := planarSlab(0, spatial.Identity())
	m := submap.Duplicate(r, 1)

	cost := New(r, m, Params{MaxVoxelDistance: 0.6, UseESDFDistance: false}, Analytic)
	residuals, _, _ := cost.Evaluate(spatial.ToParam4(r.Pose), spatial.ToParam4(m.Pose))

	var sumSq float64
	for _, res := range residuals {
		sumSq += res * res
	}
	if sumSq > 1e-10 {
		t.Errorf("identity alignment residual norm^2 = %v, want ~0", sumSq)
	}
}

func TestNoCorrespondenceForDisjointSubmaps(t *testing.T) {
	r := planarSlab(0, spatial.Identity())
	far := spatial.Pose{Rotation: spatial.QuatIdentity(), Translation: spatial.Vec3{X: 1000}}
	m := planarSlab(1, far)

	cost := New(r, m, Params{MaxVoxelDistance: 0.6, NoCorrespondenceCost: 0, UseESDFDistance: false}, Analytic)
	residuals, _, jRead := cost.Evaluate(spatial.ToParam4(r.Pose), spatial.ToParam4(m.Pose))

	for i, res := range residuals {
		if res != 0 {
			t.Errorf("residual[%d] = %v, want no_correspondence_cost=0", i, res)
		}
		if jRead[i] != ([4]float64{}) {
			t.Errorf("jRead[%d] = %v, want zero row for no-correspondence", i, jRead[i])
		}
	}
}

func TestNumericVsAnalyticAgreement(t *testing.T) {
	r := planarSlab(0, spatial.Identity())
	perturbedPose := spatial.Pose{
		Rotation:    spatial.QuatIdentity(),
		Translation: spatial.Vec3{X: 0.2, Z: 0.05},
	}
	m := submap.Duplicate(r, 1)
	m.SetPose(perturbedPose)

	refParam := spatial.ToParam4(r.Pose)
	readParam := spatial.ToParam4(m.Pose)

	analytic := New(r, m, Params{MaxVoxelDistance: 0.6, UseESDFDistance: false}, Analytic)
	numeric := New(r, m, Params{MaxVoxelDistance: 0.6, UseESDFDistance: false}, Numeric)

	rA, jRefA, jReadA := analytic.Evaluate(refParam, readParam)
	rN, jRefN, jReadN := numeric.Evaluate(refParam, readParam)

	if len(rA) != len(rN) {
		t.Fatalf("residual count mismatch: analytic=%d numeric=%d", len(rA), len(rN))
	}
	for i := range rA {
		if math.Abs(rA[i]-rN[i]) > 1e-5 {
			t.Errorf("residual[%d]: analytic=%v numeric=%v", i, rA[i], rN[i])
		}
		for k := 0; k < 4; k++ {
			if math.Abs(jRefA[i][k]-jRefN[i][k]) > 1e-3 {
				t.Errorf("jRef[%d][%d]: analytic=%v numeric=%v", i, k, jRefA[i][k], jRefN[i][k])
			}
			if math.Abs(jReadA[i][k]-jReadN[i][k]) > 1e-3 {
				t.Errorf("jRead[%d][%d]: analytic=%v numeric=%v", i, k, jReadA[i][k], jReadN[i][k])
			}
		}
	}
}

func TestUseESDFDistanceRequiresGeneratedESDF(t *testing.T) {
	r := planarSlab(0, spatial.Identity())
	m := submap.Duplicate(r, 1)
	// ESDF has not been generated on m; every lookup should fail closed.
	cost := New(r, m, Params{MaxVoxelDistance: 0.6, NoCorrespondenceCost: 5, UseESDFDistance: true}, Analytic)
	residuals, _, _ := cost.Evaluate(spatial.ToParam4(r.Pose), spatial.ToParam4(m.Pose))
	for i, res := range residuals {
		if res != 5 {
			t.Errorf("residual[%d] = %v, want no_correspondence_cost=5 (no ESDF)", i, res)
		}
	}
}
