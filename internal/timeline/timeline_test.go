package timeline

import (
	"errors"
	"testing"
	"time"

	"github.com/banshee-data/submapgraph/internal/spatial"
	"github.com/banshee-data/submapgraph/internal/voxel"
)

const (
	testVoxelSize     = 0.1
	testVoxelsPerSide = 8
)

type fakeESDFBuilder struct{ calls int }

func (f *fakeESDFBuilder) GenerateESDF(tsdf *voxel.TSDFGrid) (*voxel.ESDFGrid, error) {
	f.calls++
	return voxel.NewGrid[voxel.ESDFVoxel](testVoxelSize, testVoxelsPerSide), nil
}

func TestShouldCreateNewSubmapWithNoActive(t *testing.T) {
	c := New(testVoxelSize, testVoxelsPerSide, 100, 1e-6, 0.6, nil)
	if !c.ShouldCreateNewSubmap(0) {
		t.Fatal("expected true with no active submap")
	}
}

func TestCreateNewSubmapAllocatesSequentialIDs(t *testing.T) {
	c := New(testVoxelSize, testVoxelsPerSide, 100, 1e-6, 0.6, nil)
	first, err := c.CreateNewSubmap(spatial.Identity(), 0)
	if err != nil {
		t.Fatalf("CreateNewSubmap: %v", err)
	}
	if first.ID != 0 || !first.IsConstant {
		t.Fatalf("first submap = %+v, want id=0 constant=true", first)
	}

	second, err := c.CreateNewSubmap(spatial.Identity(), 150)
	if err != nil {
		t.Fatalf("CreateNewSubmap: %v", err)
	}
	if second.ID != 1 {
		t.Fatalf("second.ID = %d, want 1", second.ID)
	}
	if !first.IsSealed() {
		t.Fatal("creating a new active submap must seal the previous one")
	}

	active, err := c.ActiveID()
	if err != nil || active != 1 {
		t.Fatalf("ActiveID() = %v, %v, want 1, nil", active, err)
	}
}

func TestShouldCreateNewSubmapRespectsInterval(t *testing.T) {
	c := New(testVoxelSize, testVoxelsPerSide, 100, 1e-6, 0.6, nil)
	if _, err := c.CreateNewSubmap(spatial.Identity(), 0); err != nil {
		t.Fatalf("CreateNewSubmap: %v", err)
	}
	if c.ShouldCreateNewSubmap(50) {
		t.Fatal("should not roll over before the creation interval elapses")
	}
	if !c.ShouldCreateNewSubmap(100) {
		t.Fatal("should roll over once the creation interval elapses")
	}
}

func TestCreateNewSubmapGeneratesESDFWhenConfigured(t *testing.T) {
	builder := &fakeESDFBuilder{}
	c := New(testVoxelSize, testVoxelsPerSide, 100, 1e-6, 0.6, builder)
	first, err := c.CreateNewSubmap(spatial.Identity(), 0)
	if err != nil {
		t.Fatalf("CreateNewSubmap: %v", err)
	}
	_ = first
	if _, err := c.CreateNewSubmap(spatial.Identity(), 200); err != nil {
		t.Fatalf("second CreateNewSubmap: %v", err)
	}
	if builder.calls != 1 {
		t.Fatalf("ESDFBuilder.GenerateESDF calls = %d, want 1", builder.calls)
	}
}

func TestGetUnknownSubmapFails(t *testing.T) {
	c := New(testVoxelSize, testVoxelsPerSide, 100, 1e-6, 0.6, nil)
	if _, err := c.Get(42); !errors.Is(err, ErrUnknownSubmap) {
		t.Fatalf("Get(42) error = %v, want ErrUnknownSubmap", err)
	}
}

func TestSetAndGetSubmapPose(t *testing.T) {
	c := New(testVoxelSize, testVoxelsPerSide, 100, 1e-6, 0.6, nil)
	if _, err := c.CreateNewSubmap(spatial.Identity(), 0); err != nil {
		t.Fatalf("CreateNewSubmap: %v", err)
	}
	moved := spatial.Pose{Rotation: spatial.QuatIdentity(), Translation: spatial.Vec3{X: 1, Y: 2, Z: 3}}
	if err := c.SetSubmapPose(0, moved); err != nil {
		t.Fatalf("SetSubmapPose: %v", err)
	}
	got, err := c.GetSubmapPose(0)
	if err != nil {
		t.Fatalf("GetSubmapPose: %v", err)
	}
	if got.Translation != moved.Translation {
		t.Errorf("GetSubmapPose = %+v, want %+v", got, moved)
	}
}

func TestDuplicateSubmapTracksNextID(t *testing.T) {
	c := New(testVoxelSize, testVoxelsPerSide, 100, 1e-6, 0.6, nil)
	if _, err := c.CreateNewSubmap(spatial.Identity(), 0); err != nil {
		t.Fatalf("CreateNewSubmap: %v", err)
	}
	dup, err := c.DuplicateSubmap(0, 0)
	if err != nil {
		t.Fatalf("DuplicateSubmap: %v", err)
	}
	if dup.ID != 0 {
		t.Fatalf("dup.ID = %d, want 0 (self-duplicate per spec §4.5)", dup.ID)
	}

	next, err := c.CreateNewSubmap(spatial.Identity(), 500)
	if err != nil {
		t.Fatalf("CreateNewSubmap after duplicate: %v", err)
	}
	if next.ID != 1 {
		t.Fatalf("next.ID = %d, want 1", next.ID)
	}
}

func TestComputeDriftCompensationIdentityWhenUnchanged(t *testing.T) {
	p := spatial.Pose{Rotation: spatial.QuatIdentity(), Translation: spatial.Vec3{X: 5, Y: -2}}
	delta := ComputeDriftCompensation(p, p)
	if delta.Translation.Sub(spatial.Vec3{}).Norm() > 1e-9 {
		t.Errorf("delta.Translation = %+v, want ~0", delta.Translation)
	}
}

func TestComputeDriftCompensationAppliesNewOffset(t *testing.T) {
	old := spatial.Identity()
	moved := spatial.Pose{Rotation: spatial.QuatIdentity(), Translation: spatial.Vec3{X: 1}}
	delta := ComputeDriftCompensation(old, moved)
	if delta.Translation != (spatial.Vec3{X: 1}) {
		t.Errorf("delta.Translation = %+v, want (1,0,0)", delta.Translation)
	}
}

func TestSampledPoseSourceReturnsMostRecentSample(t *testing.T) {
	src := NewSampledPoseSource()
	base := time.Unix(1000, 0)
	src.Push(base, spatial.Identity())
	src.Push(base.Add(50*time.Millisecond), spatial.Pose{Rotation: spatial.QuatIdentity(), Translation: spatial.Vec3{X: 1}})

	got, err := src.PoseAt(base.Add(60 * time.Millisecond))
	if err != nil {
		t.Fatalf("PoseAt: %v", err)
	}
	if got.Translation != (spatial.Vec3{X: 1}) {
		t.Errorf("PoseAt = %+v, want the second sample", got)
	}
}

func TestSampledPoseSourceTimesOutOnStaleSample(t *testing.T) {
	src := NewSampledPoseSource()
	base := time.Unix(1000, 0)
	src.Push(base, spatial.Identity())

	_, err := src.PoseAt(base.Add(81 * time.Millisecond))
	if !errors.Is(err, ErrPoseQueryTimeout) {
		t.Fatalf("PoseAt error = %v, want ErrPoseQueryTimeout", err)
	}
}

func TestSampledPoseSourceAcceptsExactlyAtBudget(t *testing.T) {
	src := NewSampledPoseSource()
	base := time.Unix(1000, 0)
	src.Push(base, spatial.Identity())

	if _, err := src.PoseAt(base.Add(80 * time.Millisecond)); err != nil {
		t.Fatalf("PoseAt at exactly the staleness budget should succeed: %v", err)
	}
}

func TestSampledPoseSourceFailsBeforeAnySample(t *testing.T) {
	src := NewSampledPoseSource()
	_, err := src.PoseAt(time.Unix(1000, 0))
	if !errors.Is(err, ErrPoseQueryTimeout) {
		t.Fatalf("PoseAt before any sample error = %v, want ErrPoseQueryTimeout", err)
	}
}
