// Package harness implements the perturb-and-solve registration test
// harness (spec §8 disturbance sweeps, §6 CLI test_range/*): for a chosen
// reference/reading submap pair it duplicates the reading submap, applies
// a disturbance to its pose, solves a one-constraint pose graph, and
// records how much of the disturbance the solver recovered.
package harness

import (
	"context"
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/submapgraph/internal/posegraph"
	"github.com/banshee-data/submapgraph/internal/registration"
	"github.com/banshee-data/submapgraph/internal/spatial"
	"github.com/banshee-data/submapgraph/internal/timeline"
)

// DisturbanceRange is the CLI's test_range/{x,y,z,yaw,pitch,roll} sweep
// input (spec §6): one list of perturbation magnitudes per axis.
type DisturbanceRange struct {
	X, Y, Z, Yaw, Pitch, Roll []float64
}

// Disturbance is one sampled perturbation, varying exactly one axis and
// holding the rest at zero (a one-factor-at-a-time sweep, the simplest
// reading of spec §6's "lists of floats" that stays linear in the number
// of samples rather than a full cross-product).
type Disturbance struct {
	Axis  string
	Value float64
	DX, DY, DZ, DYaw, DPitch, DRoll float64
}

// pose builds the local-frame perturbation transform this disturbance
// represents (applied as T_perturbed = T_true ⊕ delta, spec §4.3's
// composition direction for a local pose offset).
func (d Disturbance) pose() spatial.Pose {
	rot := spatial.FromAxisAngle(spatial.Vec3{Z: 1}, d.DYaw).
		Mul(spatial.FromAxisAngle(spatial.Vec3{Y: 1}, d.DPitch)).
		Mul(spatial.FromAxisAngle(spatial.Vec3{X: 1}, d.DRoll))
	return spatial.Pose{
		Rotation:    rot.Normalize(),
		Translation: spatial.Vec3{X: d.DX, Y: d.DY, Z: d.DZ},
	}
}

// expand turns a DisturbanceRange into the flat list of one-axis-at-a-time
// Disturbance samples.
func (r DisturbanceRange) expand() []Disturbance {
	var out []Disturbance
	axis := func(values []float64, set func(v float64) Disturbance) {
		for _, v := range values {
			out = append(out, set(v))
		}
	}
	axis(r.X, func(v float64) Disturbance { return Disturbance{Axis: "x", Value: v, DX: v} })
	axis(r.Y, func(v float64) Disturbance { return Disturbance{Axis: "y", Value: v, DY: v} })
	axis(r.Z, func(v float64) Disturbance { return Disturbance{Axis: "z", Value: v, DZ: v} })
	axis(r.Yaw, func(v float64) Disturbance { return Disturbance{Axis: "yaw", Value: v, DYaw: v} })
	axis(r.Pitch, func(v float64) Disturbance { return Disturbance{Axis: "pitch", Value: v, DPitch: v} })
	axis(r.Roll, func(v float64) Disturbance { return Disturbance{Axis: "roll", Value: v, DRoll: v} })
	return out
}

// SolveResult is the outcome of registering one disturbed pose back
// against the reference.
type SolveResult struct {
	Disturbance    Disturbance
	Summary        *posegraph.Summary
	RecoveredError [4]float64 // solved pose param − true pose param
}

// SweepReport collects one SolveResult per requested disturbance (spec §8).
type SweepReport struct {
	ReferenceID, ReadingID uint32
	Results                []SolveResult
}

// tempIDBase keeps the harness's scratch duplicate ids well clear of any
// id a real submap collection is likely to use.
const tempIDBase = 1 << 20

// RunSweep applies each disturbance in testRange to a duplicate of the
// reading submap, solves a one-constraint pose graph against the
// reference submap, and records the recovered-vs-true pose error (spec
// §4.10, §8).
func RunSweep(ctx context.Context, collection *timeline.SubmapCollection, referenceID, readingID uint32, testRange DisturbanceRange, costParams registration.Params, variant registration.Variant, solverParams posegraph.SolverParams) (*SweepReport, error) {
	reference, err := collection.Get(referenceID)
	if err != nil {
		return nil, fmt.Errorf("harness: reference submap: %w", err)
	}
	reading, err := collection.Get(readingID)
	if err != nil {
		return nil, fmt.Errorf("harness: reading submap: %w", err)
	}
	trueParam := spatial.ToParam4(reading.Pose)

	identity := mat.NewSymDense(4, []float64{
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0,
		0, 0, 0, 1,
	})

	disturbances := testRange.expand()
	results := make([]SolveResult, 0, len(disturbances))

	for i, d := range disturbances {
		tempID := uint32(tempIDBase + i)
		dup, err := collection.DuplicateSubmap(readingID, tempID)
		if err != nil {
			return nil, fmt.Errorf("harness: duplicating reading submap for disturbance %d (%s=%v): %w", i, d.Axis, d.Value, err)
		}
		dup.SetPose(reading.Pose.Compose(d.pose()))

		g := posegraph.New()
		g.AddNode(reference, true)
		g.AddNode(dup, false)
		if err := g.AddConstraint(posegraph.RegistrationConstraint{
			FirstID:     reference.ID,
			SecondID:    dup.ID,
			Information: identity,
			Params:      costParams,
			Variant:     variant,
		}); err != nil {
			return nil, fmt.Errorf("harness: building constraint for disturbance %d: %w", i, err)
		}
		if err := g.Initialize(); err != nil {
			return nil, fmt.Errorf("harness: initializing pose graph for disturbance %d: %w", i, err)
		}

		summary, err := g.Optimize(ctx, solverParams)
		if err != nil {
			return nil, fmt.Errorf("harness: optimizing disturbance %d: %w", i, err)
		}

		solvedParam := spatial.ToParam4(g.SubmapPoses()[dup.ID])
		var errParam [4]float64
		for k := range errParam {
			errParam[k] = solvedParam[k] - trueParam[k]
		}
		errParam[3] = spatial.WrapAngle(errParam[3])

		results = append(results, SolveResult{Disturbance: d, Summary: summary, RecoveredError: errParam})
	}

	return &SweepReport{ReferenceID: referenceID, ReadingID: readingID, Results: results}, nil
}
