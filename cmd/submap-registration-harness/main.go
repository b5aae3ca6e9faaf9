// Command submap-registration-harness runs the disturbance-sweep test
// harness (spec §6, §8): it loads a persisted submap collection, perturbs
// a reading submap across a configured test_range, solves a one-constraint
// pose graph for each disturbance, and reports how much of the disturbance
// the solver recovered.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/banshee-data/submapgraph/internal/config"
	"github.com/banshee-data/submapgraph/internal/harness"
	"github.com/banshee-data/submapgraph/internal/posegraph"
	"github.com/banshee-data/submapgraph/internal/registration"
	"github.com/banshee-data/submapgraph/internal/submapio"
)

// exit codes, per spec §6.
const (
	exitOK               = 0
	exitSomeNotUsable    = 2
	exitParameterMissing = 64
)

// parseCSVFloatSlice parses a comma-separated list of floats, the same
// convention cmd/sweep uses for its own CSV-list flags.
func parseCSVFloatSlice(s string) ([]float64, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make([]float64, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		v, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid float %q: %w", p, err)
		}
		out = append(out, v)
	}
	return out, nil
}

func main() {
	os.Exit(run())
}

func run() int {
	collectionPath := flag.String("submap_collection_file_path", "", "path to the persisted submap collection container (required)")
	configPath := flag.String("config", "", "path to a tuning config JSON file (optional, overlays defaults)")
	referenceID := flag.Int("reference_submap_id", -1, "id of the reference submap (required)")
	readingID := flag.Int("reading_submap_id", -1, "id of the reading submap (required)")

	xList := flag.String("test_range.x", "", "comma-separated x translation disturbances (meters)")
	yList := flag.String("test_range.y", "", "comma-separated y translation disturbances (meters)")
	zList := flag.String("test_range.z", "", "comma-separated z translation disturbances (meters)")
	yawList := flag.String("test_range.yaw", "", "comma-separated yaw disturbances (radians)")
	pitchList := flag.String("test_range.pitch", "", "comma-separated pitch disturbances (radians)")
	rollList := flag.String("test_range.roll", "", "comma-separated roll disturbances (radians)")

	chartPath := flag.String("report_chart_path", "", "optional path to write a PNG sweep chart")

	flag.Parse()

	if *collectionPath == "" {
		log.Printf("missing required parameter: submap_collection_file_path")
		return exitParameterMissing
	}
	if *referenceID < 0 {
		log.Printf("missing required parameter: reference_submap_id")
		return exitParameterMissing
	}
	if *readingID < 0 {
		log.Printf("missing required parameter: reading_submap_id")
		return exitParameterMissing
	}

	cfg := config.EmptyTuningConfig()
	if *configPath != "" {
		loaded, err := config.LoadTuningConfig(*configPath)
		if err != nil {
			log.Printf("loading config: %v", err)
			return exitParameterMissing
		}
		cfg = loaded
	}

	testRange, err := buildDisturbanceRange(*xList, *yList, *zList, *yawList, *pitchList, *rollList)
	if err != nil {
		log.Printf("parsing test_range: %v", err)
		return exitParameterMissing
	}

	f, err := os.Open(*collectionPath)
	if err != nil {
		log.Printf("opening submap collection: %v", err)
		return exitParameterMissing
	}
	defer f.Close()

	container, err := submapio.Decode(f)
	if err != nil {
		log.Printf("decoding submap collection: %v", err)
		return exitParameterMissing
	}

	variant := registration.Analytic
	if cfg.GetCostFunctionType() == "numeric" {
		variant = registration.Numeric
	}
	costParams := registration.Params{
		MaxVoxelDistance:     cfg.GetMaxVoxelDistance(),
		NoCorrespondenceCost: cfg.GetNoCorrespondenceCost(),
		UseESDFDistance:      cfg.GetUseESDFDistance(),
	}
	solverParams := posegraph.SolverParams{
		MaxNumIterations:   cfg.GetMaxNumIterations(),
		ParameterTolerance: cfg.GetParameterTolerance(),
		FunctionTolerance:  cfg.GetFunctionTolerance(),
		OptimizeYaw:        cfg.GetOptimizeYaw(),
	}

	report, err := harness.RunSweep(context.Background(), container.Collection,
		uint32(*referenceID), uint32(*readingID), testRange, costParams, variant, solverParams)
	if err != nil {
		log.Printf("running sweep: %v", err)
		return exitParameterMissing
	}

	log.Printf("ran %d disturbance trials for submaps %d vs %d", len(report.Results), *referenceID, *readingID)

	allUsable := true
	for _, res := range report.Results {
		status := "ok"
		if !res.Summary.IsSolutionUsable {
			status = "NOT USABLE"
			allUsable = false
		}
		log.Printf("  %-6s %-10v iterations=%-4d cost=%-12.6g %s",
			res.Disturbance.Axis, res.Disturbance.Value, res.Summary.Iterations, res.Summary.FinalCost, status)
	}

	if *chartPath != "" {
		if err := harness.WriteReportChart(report, *chartPath); err != nil {
			log.Printf("writing report chart: %v", err)
			return exitParameterMissing
		}
		log.Printf("wrote sweep chart to %s", *chartPath)
	}

	if !allUsable {
		return exitSomeNotUsable
	}
	return exitOK
}

func buildDisturbanceRange(x, y, z, yaw, pitch, roll string) (harness.DisturbanceRange, error) {
	var r harness.DisturbanceRange
	var err error
	if r.X, err = parseCSVFloatSlice(x); err != nil {
		return r, fmt.Errorf("test_range.x: %w", err)
	}
	if r.Y, err = parseCSVFloatSlice(y); err != nil {
		return r, fmt.Errorf("test_range.y: %w", err)
	}
	if r.Z, err = parseCSVFloatSlice(z); err != nil {
		return r, fmt.Errorf("test_range.z: %w", err)
	}
	if r.Yaw, err = parseCSVFloatSlice(yaw); err != nil {
		return r, fmt.Errorf("test_range.yaw: %w", err)
	}
	if r.Pitch, err = parseCSVFloatSlice(pitch); err != nil {
		return r, fmt.Errorf("test_range.pitch: %w", err)
	}
	if r.Roll, err = parseCSVFloatSlice(roll); err != nil {
		return r, fmt.Errorf("test_range.roll: %w", err)
	}
	return r, nil
}
