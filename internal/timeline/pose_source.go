package timeline

import (
	"fmt"
	"sort"
	"time"

	"github.com/banshee-data/submapgraph/internal/spatial"
)

// sample is one odometry observation in a SampledPoseSource's stream.
type sample struct {
	at   time.Time
	pose spatial.Pose
}

// SampledPoseSource is a PoseSource backed by a timestamped odometry
// stream, used by tests to stand in for the real odometry
// collaborator (spec §6 "Timeline input"). PoseAt returns the most recent
// sample at or before t, failing with ErrPoseQueryTimeout if that sample
// is more than 80ms stale.
type SampledPoseSource struct {
	samples []sample
}

// NewSampledPoseSource returns an empty pose source; samples are added
// with Push.
func NewSampledPoseSource() *SampledPoseSource {
	return &SampledPoseSource{}
}

// Push appends a new odometry sample. Samples must be pushed in
// nondecreasing time order.
func (s *SampledPoseSource) Push(at time.Time, pose spatial.Pose) {
	s.samples = append(s.samples, sample{at: at, pose: pose})
}

// PoseAt returns the most recent sample at or before t. If none exists, or
// the most recent one is more than 80ms older than t, it returns
// ErrPoseQueryTimeout (spec §6).
func (s *SampledPoseSource) PoseAt(t time.Time) (spatial.Pose, error) {
	idx := sort.Search(len(s.samples), func(i int) bool {
		return s.samples[i].at.After(t)
	})
	if idx == 0 {
		return spatial.Pose{}, fmt.Errorf("%w: no sample at or before %v", ErrPoseQueryTimeout, t)
	}
	latest := s.samples[idx-1]
	if t.Sub(latest.at) > poseStaleness {
		return spatial.Pose{}, fmt.Errorf("%w: sample at %v is %v stale", ErrPoseQueryTimeout, latest.at, t.Sub(latest.at))
	}
	return latest.pose, nil
}
