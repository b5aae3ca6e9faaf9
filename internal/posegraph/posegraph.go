// Package posegraph implements the nonlinear least-squares pose graph that
// aggregates registration costs over overlapping submap pairs and jointly
// refines their poses (spec §4.4).
package posegraph

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/submapgraph/internal/registration"
	"github.com/banshee-data/submapgraph/internal/spatial"
	"github.com/banshee-data/submapgraph/internal/submap"
)

// ErrUnknownNode is returned by Initialize when a constraint references a
// submap id that was never added via AddNode.
var ErrUnknownNode = errors.New("posegraph: unknown node")

// ErrDuplicateConstraint is returned by AddConstraint for a repeated
// unordered (first, second) pair; the first added constraint is kept.
var ErrDuplicateConstraint = errors.New("posegraph: duplicate constraint")

// ErrSelfEdge is returned by AddConstraint when first == second.
var ErrSelfEdge = errors.New("posegraph: self-edge not allowed")

// ErrNotInitialized is returned by Optimize before Initialize has run.
var ErrNotInitialized = errors.New("posegraph: not initialized")

// SubmapNode is one pose-graph node backed by a submap. pose_param is the
// canonical optimization variable; T_world_submap is reconstructed from it
// via spatial.FromParam4 against the submap's initial pose (spec §3).
type SubmapNode struct {
	SubmapID uint32
	Param    [4]float64
	Constant bool

	submap      *submap.Submap
	initialPose spatial.Pose
}

// ReferenceFrameNode is a placeholder for future odometry-frame anchoring
// (spec §3): it exists as a structure but is never consumed by a
// constraint in this implementation. Its id is drawn from an independent
// uuid-seeded counter, distinct from submap ids (spec §9 "stray
// addSubmapNode counter").
type ReferenceFrameNode struct {
	ID    string
	Param [4]float64
}

// RegistrationConstraint ties two submap nodes together with a weighting
// information matrix (spec §3).
type RegistrationConstraint struct {
	FirstID, SecondID uint32
	Information       *mat.SymDense // 4x4, inverse covariance
	Params            registration.Params
	Variant           registration.Variant
}

// SolverParams configures the Levenberg-Marquardt loop (spec §6
// submap_registration/solver).
type SolverParams struct {
	MaxNumIterations   int
	ParameterTolerance float64
	FunctionTolerance  float64
	OptimizeYaw        bool
}

// Summary reports the outcome of one Optimize call (spec §4.4).
type Summary struct {
	IsSolutionUsable bool
	Converged        bool
	FinalCost        float64
	Iterations       int
	WallTime         time.Duration
}

// PoseGraph owns the node and constraint sets and drives the nonlinear
// solver (spec §4.4).
type PoseGraph struct {
	nodes       map[uint32]*SubmapNode
	order       []uint32
	constraints []RegistrationConstraint
	refFrames   []*ReferenceFrameNode
	refCounter  *uuidCounter

	initialized    bool
	residualBlocks []residualBlock
}

type residualBlock struct {
	constraint RegistrationConstraint
	cost       *registration.Cost
	first      *SubmapNode
	second     *SubmapNode
	infoScale  float64
}

// New creates an empty pose graph.
func New() *PoseGraph {
	return &PoseGraph{
		nodes:      make(map[uint32]*SubmapNode),
		refCounter: newUUIDCounter(),
	}
}

// AddNode registers s as a pose-graph node, idempotent by submap id. The
// very first node ever added to the graph is forced constant (spec §3
// "sub-map 0 is constant"; §4.4 "the first sub-map added is forced
// constant = true").
func (g *PoseGraph) AddNode(s *submap.Submap, constant bool) *SubmapNode {
	if existing, ok := g.nodes[s.ID]; ok {
		return existing
	}
	if len(g.order) == 0 {
		constant = true
	}
	node := &SubmapNode{
		SubmapID:    s.ID,
		Param:       spatial.ToParam4(s.Pose),
		Constant:    constant,
		submap:      s,
		initialPose: s.Pose,
	}
	g.nodes[s.ID] = node
	g.order = append(g.order, s.ID)
	return node
}

// AddReferenceFrameNode allocates a new ReferenceFrameNode with an id from
// the independent uuid-seeded counter (spec §9).
func (g *PoseGraph) AddReferenceFrameNode() *ReferenceFrameNode {
	node := &ReferenceFrameNode{ID: g.refCounter.next()}
	g.refFrames = append(g.refFrames, node)
	return node
}

// AddConstraint adds a registration constraint between two existing node
// ids, forbidding self-edges and duplicate unordered pairs (spec §4.4).
func (g *PoseGraph) AddConstraint(c RegistrationConstraint) error {
	if c.FirstID == c.SecondID {
		return fmt.Errorf("%w: submap %d", ErrSelfEdge, c.FirstID)
	}
	for _, existing := range g.constraints {
		if samePair(existing, c) {
			return fmt.Errorf("%w: (%d, %d)", ErrDuplicateConstraint, c.FirstID, c.SecondID)
		}
	}
	g.constraints = append(g.constraints, c)
	return nil
}

func samePair(a, b RegistrationConstraint) bool {
	return (a.FirstID == b.FirstID && a.SecondID == b.SecondID) ||
		(a.FirstID == b.SecondID && a.SecondID == b.FirstID)
}

// Initialize materializes one RegistrationCost per constraint and checks
// that every referenced node exists (spec §4.4; §7 ErrUnknownNode is
// fatal here).
func (g *PoseGraph) Initialize() error {
	blocks := make([]residualBlock, 0, len(g.constraints))
	for _, c := range g.constraints {
		first, ok := g.nodes[c.FirstID]
		if !ok {
			return fmt.Errorf("%w: submap %d", ErrUnknownNode, c.FirstID)
		}
		second, ok := g.nodes[c.SecondID]
		if !ok {
			return fmt.Errorf("%w: submap %d", ErrUnknownNode, c.SecondID)
		}
		cost := registration.New(first.submap, second.submap, c.Params, c.Variant)
		blocks = append(blocks, residualBlock{
			constraint: c,
			cost:       cost,
			first:      first,
			second:     second,
			infoScale:  informationScale(c.Information),
		})
	}
	g.residualBlocks = blocks
	g.initialized = true
	return nil
}

// informationScale derives the single isotropic scale factor k such that
// the identity-scaled property "replacing the information matrix by
// k^2*I scales cost by exactly k^2" (spec §8) holds: k = sqrt(trace/4),
// which is exact whenever the matrix is itself isotropic (k^2*I) and is
// the best isotropic fit otherwise, since the constraint's default and
// configured matrices are never required to be anything but isotropic
// (spec §9's information-matrix open question).
func informationScale(info *mat.SymDense) float64 {
	if info == nil {
		return 1
	}
	n, _ := info.Dims()
	var trace float64
	for i := 0; i < n; i++ {
		trace += info.At(i, i)
	}
	return math.Sqrt(trace / float64(n))
}

// SubmapPoses reconstructs full SE(3) poses from the current optimized
// 4-vectors (spec §4.4).
func (g *PoseGraph) SubmapPoses() map[uint32]spatial.Pose {
	out := make(map[uint32]spatial.Pose, len(g.nodes))
	for id, node := range g.nodes {
		out[id] = spatial.FromParam4(node.initialPose, node.Param)
	}
	return out
}

// freeNodes returns the non-constant nodes in stable order, each assigned
// a 4-wide block of the optimization vector.
func (g *PoseGraph) freeNodes() []*SubmapNode {
	free := make([]*SubmapNode, 0, len(g.order))
	for _, id := range g.order {
		n := g.nodes[id]
		if !n.Constant {
			free = append(free, n)
		}
	}
	return free
}

// Optimize runs the Levenberg-Marquardt solver to convergence or
// max_num_iterations, honoring ctx cancellation by discarding partial
// progress (spec §4.4, §5).
func (g *PoseGraph) Optimize(ctx context.Context, params SolverParams) (*Summary, error) {
	if !g.initialized {
		return nil, ErrNotInitialized
	}
	start := time.Now()

	free := g.freeNodes()
	index := make(map[uint32]int, len(free))
	for i, n := range free {
		index[n.SubmapID] = i
	}
	dim := 4 * len(free)

	preCallParams := make(map[uint32][4]float64, len(free))
	for _, n := range free {
		preCallParams[n.SubmapID] = n.Param
	}

	summary := &Summary{}
	if dim == 0 || len(g.residualBlocks) == 0 {
		summary.IsSolutionUsable = true
		summary.Converged = true
		summary.WallTime = time.Since(start)
		return summary, nil
	}

	lambda := 1e-3
	prevCost := math.Inf(1)

	converged := false
	usable := true
	iter := 0
	for ; iter < params.MaxNumIterations; iter++ {
		select {
		case <-ctx.Done():
			g.revertParams(preCallParams)
			summary.Iterations = iter
			summary.IsSolutionUsable = false
			summary.Converged = false
			summary.WallTime = time.Since(start)
			return summary, nil
		default:
		}

		_, jtjJtr := g.evaluateAll(free, index, dim, params.OptimizeYaw)
		jtj, jtr := jtjJtr.jtj, jtjJtr.jtr

		delta, ok := solveDamped(jtj, jtr, lambda)
		if !ok {
			usable = false
			break
		}

		deltaNorm := mat.Norm(delta, 2)
		g.applyDelta(free, index, delta)
		newCost, _ := g.evaluateAll(free, index, dim, params.OptimizeYaw)

		if newCost > prevCost {
			// Reject the step: undo and increase damping.
			g.applyDelta(free, index, negate(delta))
			lambda *= 10
			if lambda > 1e12 {
				usable = math.IsFinite(prevCost)
				break
			}
			continue
		}

		lambda = math.Max(lambda/10, 1e-12)
		costDelta := prevCost - newCost
		prevCost = newCost

		if deltaNorm < params.ParameterTolerance || costDelta < params.FunctionTolerance {
			converged = true
			iter++
			break
		}
	}

	summary.Iterations = iter
	summary.FinalCost = prevCost
	summary.Converged = converged
	summary.IsSolutionUsable = usable && math.IsFinite(prevCost)
	summary.WallTime = time.Since(start)

	if !summary.IsSolutionUsable {
		g.revertParams(preCallParams)
	}
	return summary, nil
}

func negate(v *mat.VecDense) *mat.VecDense {
	n := v.Len()
	out := mat.NewVecDense(n, nil)
	out.ScaleVec(-1, v)
	return out
}

func (g *PoseGraph) revertParams(pre map[uint32][4]float64) {
	for id, p := range pre {
		g.nodes[id].Param = p
	}
}

type normalEquations struct {
	jtj *mat.SymDense
	jtr *mat.VecDense
}

// evaluateAll evaluates every residual block concurrently over a bounded
// worker pool (spec §5: "the nonlinear solver may use a bounded worker
// pool to evaluate residual blocks in parallel"), then assembles the
// total cost and the Gauss-Newton normal equations over the free
// parameter vector.
func (g *PoseGraph) evaluateAll(free []*SubmapNode, index map[uint32]int, dim int, optimizeYaw bool) (float64, normalEquations) {
	type blockResult struct {
		residuals  []float64
		jRef, jRead [][4]float64
		block      residualBlock
	}

	results := make([]blockResult, len(g.residualBlocks))
	workers := runtime.NumCPU()
	if workers < 1 {
		workers = 1
	}
	if workers > len(g.residualBlocks) {
		workers = len(g.residualBlocks)
	}
	if workers == 0 {
		workers = 1
	}

	var wg sync.WaitGroup
	jobs := make(chan int)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				b := g.residualBlocks[i]
				r, jr, jm := b.cost.Evaluate(b.first.Param, b.second.Param)
				results[i] = blockResult{residuals: r, jRef: jr, jRead: jm, block: b}
			}
		}()
	}
	for i := range g.residualBlocks {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	jtj := mat.NewSymDense(dim, nil)
	jtr := mat.NewVecDense(dim, nil)
	var totalCost float64

	for _, res := range results {
		scale := res.block.infoScale
		firstIdx, firstFree := index[res.block.first.SubmapID]
		secondIdx, secondFree := index[res.block.second.SubmapID]

		for k, r := range res.residuals {
			sr := scale * r
			totalCost += sr * sr

			var jRow [8]float64 // 4 for first node, 4 for second node, combined sparse row
			if firstFree {
				for c := 0; c < 4; c++ {
					jRow[c] = scale * res.jRef[k][c]
				}
			}
			if secondFree {
				for c := 0; c < 4; c++ {
					jRow[4+c] = scale * res.jRead[k][c]
				}
			}
			if !optimizeYaw {
				jRow[3] = 0
				jRow[7] = 0
			}

			accumulateNormalEquations(jtj, jtr, jRow, sr, firstIdx, firstFree, secondIdx, secondFree)
		}
	}

	return totalCost, normalEquations{jtj: jtj, jtr: jtr}
}

// accumulateNormalEquations adds one residual row's contribution
// (J^T J and J^T r) into the running dense accumulators at the offsets
// for the first/second free-node blocks.
func accumulateNormalEquations(jtj *mat.SymDense, jtr *mat.VecDense, jRow [8]float64, r float64, firstIdx int, firstFree bool, secondIdx int, secondFree bool) {
	type block struct {
		offset int
		active bool
		cols   [4]float64
	}
	blocks := [2]block{
		{offset: 4 * firstIdx, active: firstFree, cols: [4]float64{jRow[0], jRow[1], jRow[2], jRow[3]}},
		{offset: 4 * secondIdx, active: secondFree, cols: [4]float64{jRow[4], jRow[5], jRow[6], jRow[7]}},
	}

	// Accumulate -J^T r so solveDamped's solution is the downhill step
	// directly: (JtJ + lambda*D) * delta = -J^T r.
	for _, b := range blocks {
		if !b.active {
			continue
		}
		for c := 0; c < 4; c++ {
			jtr.SetVec(b.offset+c, jtr.AtVec(b.offset+c)-b.cols[c]*r)
		}
	}

	for _, a := range blocks {
		if !a.active {
			continue
		}
		for _, b := range blocks {
			if !b.active {
				continue
			}
			for i := 0; i < 4; i++ {
				for j := 0; j < 4; j++ {
					row, col := a.offset+i, b.offset+j
					if row > col {
						continue // SymDense only stores the upper triangle
					}
					jtj.SetSym(row, col, jtj.At(row, col)+a.cols[i]*b.cols[j])
				}
			}
		}
	}
}

// solveDamped solves (JTJ + lambda*diag(JTJ)) * delta = JTr (note the sign:
// delta moves the free parameters downhill, since JTr already carries the
// residual-weighted gradient). Returns ok=false if the damped system is
// singular.
func solveDamped(jtj *mat.SymDense, jtr *mat.VecDense, lambda float64) (*mat.VecDense, bool) {
	n, _ := jtj.Dims()
	damped := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			v := jtj.At(i, j)
			if i == j {
				v += lambda * jtj.At(i, i)
				if v == 0 {
					v = lambda
				}
			}
			damped.SetSym(i, j, v)
		}
	}

	var chol mat.Cholesky
	if ok := chol.Factorize(damped); !ok {
		return nil, false
	}
	delta := mat.NewVecDense(n, nil)
	if err := chol.SolveVecTo(delta, jtr); err != nil {
		return nil, false
	}
	return delta, true
}

// applyDelta moves every free node's param by delta using the local
// parameterization plus-operator (spec §4.3 PlusParam4).
func (g *PoseGraph) applyDelta(free []*SubmapNode, index map[uint32]int, delta *mat.VecDense) {
	for _, n := range free {
		i := index[n.SubmapID] * 4
		d := [4]float64{delta.AtVec(i), delta.AtVec(i + 1), delta.AtVec(i + 2), delta.AtVec(i + 3)}
		n.Param = spatial.PlusParam4(n.Param, d)
	}
}

// uuidCounter produces ids for reference-frame nodes, seeded from a uuid
// so they are distinct from submap ids without colliding across runs
// (spec §9 "stray addSubmapNode counter" — reproduced only for
// ReferenceFrameNode, never consumed by a constraint).
type uuidCounter struct {
	seed    string
	counter uint64
}

func newUUIDCounter() *uuidCounter {
	return &uuidCounter{seed: uuid.NewString()}
}

func (c *uuidCounter) next() string {
	c.counter++
	return fmt.Sprintf("%s-%d", c.seed, c.counter)
}
