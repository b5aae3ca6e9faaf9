// Package submapio decodes the persisted submap-collection container (spec
// §6 "Persisted state layout"): a little-endian binary format holding a
// collection header, one entry per sub-map (pose + TSDF blocks), and a
// trailing constraint list. Only the decoder is in scope; the writer/
// integration path is an external collaborator (spec §1).
package submapio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/submapgraph/internal/spatial"
	"github.com/banshee-data/submapgraph/internal/submap"
	"github.com/banshee-data/submapgraph/internal/timeline"
	"github.com/banshee-data/submapgraph/internal/voxel"
)

// ErrMalformedContainer wraps any decode failure: truncated input, a
// version this decoder does not understand, or a block/voxel count that
// does not fit the declared voxels-per-side.
var ErrMalformedContainer = errors.New("submapio: malformed container")

// FormatVersion is the only container version this decoder accepts.
const FormatVersion uint16 = 1

// DecodedConstraint is one trailing registration constraint read from the
// container, in the format decodeConstraint below reads.
type DecodedConstraint struct {
	FirstID, SecondID uint32
	Information       *mat.SymDense
}

// Container is the fully decoded persisted state: a ready-to-use
// SubmapCollection plus the constraint list a caller wires into a
// posegraph.PoseGraph.
type Container struct {
	Collection  *timeline.SubmapCollection
	Constraints []DecodedConstraint
}

// sealMinVoxelWeight and sealMaxVoxelDistance are the Seal() parameters
// applied to every decoded sub-map: a decoded sub-map is, by construction,
// already finished (only finished sub-maps are written out, per spec §1's
// writer-side scope cut), so every observed voxel in the persisted TSDF
// with a non-negative weight is indexed as relevant (unobserved voxels are
// still skipped), and truncation is effectively disabled since the writer is
// assumed to have already truncated distances before persisting. Callers
// that need different relevance thresholds should re-run
// buildRelevantVoxelIndex-equivalent logic themselves; this decoder only
// guarantees a structurally valid, queryable Submap.
const (
	sealMinVoxelWeight   = 0
	sealMaxVoxelDistance = math.MaxFloat32
)

// Decode reads one persisted submap-collection container from r (spec §6).
func Decode(r io.Reader) (*Container, error) {
	var version uint16
	if err := binary.Read(r, binary.LittleEndian, &version); err != nil {
		return nil, fmt.Errorf("%w: header version: %v", ErrMalformedContainer, err)
	}
	if version != FormatVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrMalformedContainer, version)
	}

	var voxelSize float32
	if err := binary.Read(r, binary.LittleEndian, &voxelSize); err != nil {
		return nil, fmt.Errorf("%w: header voxel_size: %v", ErrMalformedContainer, err)
	}
	var voxelsPerSide uint16
	if err := binary.Read(r, binary.LittleEndian, &voxelsPerSide); err != nil {
		return nil, fmt.Errorf("%w: header voxels_per_side: %v", ErrMalformedContainer, err)
	}
	var nSubmaps uint32
	if err := binary.Read(r, binary.LittleEndian, &nSubmaps); err != nil {
		return nil, fmt.Errorf("%w: header n_submaps: %v", ErrMalformedContainer, err)
	}

	collection := timeline.New(float64(voxelSize), int(voxelsPerSide), 0, sealMinVoxelWeight, sealMaxVoxelDistance, nil)

	for i := uint32(0); i < nSubmaps; i++ {
		s, err := decodeSubmap(r, float64(voxelSize), int(voxelsPerSide))
		if err != nil {
			return nil, fmt.Errorf("%w: submap %d: %v", ErrMalformedContainer, i, err)
		}
		collection.InsertSubmap(s)
	}

	var nConstraints uint32
	if err := binary.Read(r, binary.LittleEndian, &nConstraints); err != nil {
		return nil, fmt.Errorf("%w: n_constraints: %v", ErrMalformedContainer, err)
	}
	constraints := make([]DecodedConstraint, 0, nConstraints)
	for i := uint32(0); i < nConstraints; i++ {
		c, err := decodeConstraint(r)
		if err != nil {
			return nil, fmt.Errorf("%w: constraint %d: %v", ErrMalformedContainer, i, err)
		}
		constraints = append(constraints, c)
	}

	return &Container{Collection: collection, Constraints: constraints}, nil
}

// decodeSubmap reads one {id, pose[7], n_blocks, blocks[...]} entry and
// builds a finished Submap from it.
func decodeSubmap(r io.Reader, voxelSize float64, voxelsPerSide int) (*submap.Submap, error) {
	var id uint32
	if err := binary.Read(r, binary.LittleEndian, &id); err != nil {
		return nil, fmt.Errorf("id: %w", err)
	}

	var pose7 [7]float32
	if err := binary.Read(r, binary.LittleEndian, &pose7); err != nil {
		return nil, fmt.Errorf("pose: %w", err)
	}
	pose := spatial.Pose{
		Rotation: spatial.Quat{X: float64(pose7[0]), Y: float64(pose7[1]), Z: float64(pose7[2]), W: float64(pose7[3])}.Normalize(),
		Translation: spatial.Vec3{
			X: float64(pose7[4]), Y: float64(pose7[5]), Z: float64(pose7[6]),
		},
	}

	var nBlocks uint32
	if err := binary.Read(r, binary.LittleEndian, &nBlocks); err != nil {
		return nil, fmt.Errorf("n_blocks: %w", err)
	}

	s := submap.New(id, pose, voxelSize, voxelsPerSide, 0, false)
	side := int64(voxelsPerSide)

	for b := uint32(0); b < nBlocks; b++ {
		var idx [3]int32
		if err := binary.Read(r, binary.LittleEndian, &idx); err != nil {
			return nil, fmt.Errorf("block %d index: %w", b, err)
		}
		voxelsInBlock := voxelsPerSide * voxelsPerSide * voxelsPerSide
		for v := 0; v < voxelsInBlock; v++ {
			var distance, weight float32
			var observed uint8
			if err := binary.Read(r, binary.LittleEndian, &distance); err != nil {
				return nil, fmt.Errorf("block %d voxel %d distance: %w", b, v, err)
			}
			if err := binary.Read(r, binary.LittleEndian, &weight); err != nil {
				return nil, fmt.Errorf("block %d voxel %d weight: %w", b, v, err)
			}
			if err := binary.Read(r, binary.LittleEndian, &observed); err != nil {
				return nil, fmt.Errorf("block %d voxel %d observed: %w", b, v, err)
			}
			lx := int64(v) / (side * side)
			ly := (int64(v) / side) % side
			lz := int64(v) % side
			gx := int64(idx[0])*side + lx
			gy := int64(idx[1])*side + ly
			gz := int64(idx[2])*side + lz
			s.TSDF.SetVoxel(gx, gy, gz, voxel.TSDFVoxel{
				Distance: distance,
				Weight:   weight,
				Observed: observed != 0,
			})
		}
	}

	if err := s.Seal(sealMinVoxelWeight, sealMaxVoxelDistance); err != nil {
		return nil, fmt.Errorf("sealing decoded submap: %w", err)
	}
	return s, nil
}

// decodeConstraint reads one {first_id, second_id, info[16]} entry. The
// information matrix is persisted as its full row-major 4x4 float32 form;
// only the upper triangle is consumed when building the SymDense, which
// is the representation posegraph.RegistrationConstraint.Information
// expects.
func decodeConstraint(r io.Reader) (DecodedConstraint, error) {
	var firstID, secondID uint32
	if err := binary.Read(r, binary.LittleEndian, &firstID); err != nil {
		return DecodedConstraint{}, fmt.Errorf("first_id: %w", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &secondID); err != nil {
		return DecodedConstraint{}, fmt.Errorf("second_id: %w", err)
	}
	var info [16]float32
	if err := binary.Read(r, binary.LittleEndian, &info); err != nil {
		return DecodedConstraint{}, fmt.Errorf("information: %w", err)
	}

	data := make([]float64, 16)
	for i, v := range info {
		data[i] = float64(v)
	}
	sym := mat.NewSymDense(4, data)
	return DecodedConstraint{FirstID: firstID, SecondID: secondID, Information: sym}, nil
}
