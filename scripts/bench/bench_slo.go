// bench_slo.go: latency SLOs for the analytics tools over an existing database.
// Run: go run ./scripts/bench [--db path] [--iterations N] [--out report.json]
//
// Generates a JSON report with p50/p95/p99 latencies per tool.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/hurttlocker/capmap/internal/analytics"
	"github.com/hurttlocker/capmap/internal/store"
)

type BenchResult struct {
	Command    string  `json:"command"`
	Iterations int     `json:"iterations"`
	Errors     int     `json:"errors"`
	P50Ms      float64 `json:"p50_ms"`
	P95Ms      float64 `json:"p95_ms"`
	P99Ms      float64 `json:"p99_ms"`
	MinMs      float64 `json:"min_ms"`
	MaxMs      float64 `json:"max_ms"`
	MeanMs     float64 `json:"mean_ms"`
	Pass       bool    `json:"pass"`
	SLOMs      float64 `json:"slo_ms"`
}

type BenchReport struct {
	GeneratedAt string        `json:"generated_at"`
	DBPath      string        `json:"db_path"`
	Facilities  int64         `json:"facilities"`
	Extractions int64         `json:"extractions"`
	Results     []BenchResult `json:"results"`
	AllPass     bool          `json:"all_pass"`
}

// toolCall is one representative analytics call.
type toolCall struct {
	tool  string
	args  analytics.Args
	sloMs float64
}

// workload covers every tool with arguments that match the rule extractor's
// vocabulary, so calls do real work on an ingested corpus.
func workload() []toolCall {
	return []toolCall{
		{analytics.ToolCountByCapability, analytics.Args{"capability": "cardiology"}, 50},
		{analytics.ToolCountByCapability, analytics.Args{"capability": "maternity", "region": "North"}, 50},
		{analytics.ToolFindFacilitiesByService, analytics.Args{"service": "surgery"}, 50},
		{analytics.ToolRegionRanking, analytics.Args{"metric": "c_section"}, 50},
		{analytics.ToolGeoWithinKm, analytics.Args{"condition_or_service": "surgery", "lat": 5.6, "lon": -0.19, "km": 50.0}, 100},
		{analytics.ToolGeoColdSpots, analytics.Args{"service_or_bundle": "dialysis"}, 100},
		{analytics.ToolBreadthAnomalies, analytics.Args{}, 50},
		{analytics.ToolCorrelationFeatureMovement, analytics.Args{"features": []string{"services.surgery", "procedures.cardiology"}}, 100},
		{analytics.ToolWorkforceWherePracticing, analytics.Args{"subspecialty": "anesthesiology"}, 50},
		{analytics.ToolScarcityDependencyOnFew, analytics.Args{"procedure": "dialysis"}, 50},
		{analytics.ToolOversupplyVsScarcity, analytics.Args{"low_complexity_set": []string{"appendectomy"}, "high_complexity_set": []string{"dialysis"}}, 100},
		{analytics.ToolNGOGapMap, analytics.Args{}, 100},
		{analytics.ToolFacilitiesMissingEquipment, analytics.Args{"required_equipment": []string{"anesthesia_machine"}, "service": "surgery"}, 50},
	}
}

func main() {
	dbPath := flag.String("db", store.DefaultDBPath, "Path to capmap.db")
	iterations := flag.Int("iterations", 20, "Number of iterations per tool")
	outFile := flag.String("out", "", "Output JSON file (default: stdout)")
	flag.Parse()

	s, err := store.NewStore(store.Config{DSN: *dbPath})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening store: %v\n", err)
		os.Exit(1)
	}
	defer s.Close()

	ctx := context.Background()

	stats, err := s.Stats(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error getting stats: %v\n", err)
		os.Exit(1)
	}

	report := BenchReport{
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
		DBPath:      *dbPath,
		Facilities:  stats.Facilities,
		Extractions: stats.Extractions,
		AllPass:     true,
	}

	fmt.Fprintf(os.Stderr, "capmap SLO Benchmark\n")
	fmt.Fprintf(os.Stderr, "  DB: %s\n", *dbPath)
	fmt.Fprintf(os.Stderr, "  Facilities: %d, Extractions: %d\n", stats.Facilities, stats.Extractions)
	fmt.Fprintf(os.Stderr, "  Iterations: %d\n\n", *iterations)

	// Cold load first; every timed call below reads the cached snapshot.
	engine := analytics.NewEngine(s)
	start := time.Now()
	if _, err := engine.Snapshot(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error loading corpus: %v\n", err)
		os.Exit(1)
	}
	load := computeResult("corpus_load", []float64{msSince(start)}, 2000)
	report.Results = append(report.Results, load)

	for _, c := range workload() {
		times, errs := benchmarkTool(ctx, engine, c, *iterations)
		r := computeResult(c.tool, times, c.sloMs)
		r.Errors = errs
		report.Results = append(report.Results, r)
	}

	for _, r := range report.Results {
		if !r.Pass {
			report.AllPass = false
		}
		status := "PASS"
		if !r.Pass {
			status = "FAIL"
		}
		fmt.Fprintf(os.Stderr, "  %-40s p50=%.2fms p95=%.2fms p99=%.2fms (SLO: %.0fms) %s\n",
			r.Command, r.P50Ms, r.P95Ms, r.P99Ms, r.SLOMs, status)
	}

	if report.AllPass {
		fmt.Fprintf(os.Stderr, "\nAll SLOs met\n")
	} else {
		fmt.Fprintf(os.Stderr, "\nSome SLOs missed\n")
	}

	jsonBytes, _ := json.MarshalIndent(report, "", "  ")
	if *outFile != "" {
		if err := os.WriteFile(*outFile, jsonBytes, 0o644); err != nil {
			fmt.Fprintf(os.Stderr, "Error writing report: %v\n", err)
			os.Exit(1)
		}
		fmt.Fprintf(os.Stderr, "\nReport written to %s\n", *outFile)
	} else {
		fmt.Println(string(jsonBytes))
	}
	if !report.AllPass {
		os.Exit(1)
	}
}

// benchmarkTool times c.iterations calls. Validation errors still count as
// samples; they are reported so a broken workload is visible.
func benchmarkTool(ctx context.Context, e *analytics.Engine, c toolCall, iterations int) ([]float64, int) {
	times := make([]float64, 0, iterations)
	errs := 0
	for i := 0; i < iterations; i++ {
		start := time.Now()
		if _, err := e.Run(ctx, c.tool, c.args); err != nil {
			errs++
		}
		times = append(times, msSince(start))
	}
	return times, errs
}

func msSince(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000.0
}

func computeResult(name string, times []float64, sloMs float64) BenchResult {
	sort.Float64s(times)
	n := len(times)
	if n == 0 {
		return BenchResult{Command: name, SLOMs: sloMs}
	}

	sum := 0.0
	for _, t := range times {
		sum += t
	}

	p95 := times[int(float64(n)*0.95)]
	return BenchResult{
		Command:    name,
		Iterations: n,
		P50Ms:      times[n/2],
		P95Ms:      p95,
		P99Ms:      times[int(float64(n)*0.99)],
		MinMs:      times[0],
		MaxMs:      times[n-1],
		MeanMs:     sum / float64(n),
		SLOMs:      sloMs,
		Pass:       p95 <= sloMs,
	}
}
