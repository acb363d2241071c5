package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hurttlocker/capmap/internal/analytics"
	"github.com/hurttlocker/capmap/internal/extract"
	"github.com/hurttlocker/capmap/internal/ingest"
	"github.com/hurttlocker/capmap/internal/pipeline"
	"github.com/hurttlocker/capmap/internal/planner"
	"github.com/hurttlocker/capmap/internal/store"
)

func newIngestCmd(g *globalFlags) *cobra.Command {
	var (
		skipAnomalies bool
		progress      bool
	)
	cmd := &cobra.Command{
		Use:   "ingest <file.csv>",
		Short: "Extract and store profiles for every row of a CSV/TSV file",
		Long: `Reads a facility file, runs the extraction pipeline on every row and stores
the facility, a new extraction and its evidence spans. Anomalies are rebuilt
afterwards unless --skip-anomalies is set.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(g)
			if err != nil {
				return err
			}
			defer a.Close()
			ctx := cmd.Context()

			records, err := ingest.ReadFile(ctx, args[0])
			if err != nil {
				return err
			}

			ecfg := extract.Config{Mode: a.cfg.Extractor.Value, Logger: a.log}
			if strings.EqualFold(a.cfg.Extractor.Value, extract.ModeLLM) {
				if ecfg.Provider, err = a.llmProvider(); err != nil {
					return eris.Wrap(err, "llm extractor")
				}
			}
			ex, err := extract.New(ecfg)
			if err != nil {
				return err
			}
			strict, err := a.cfg.Strict()
			if err != nil {
				return err
			}
			runner, err := pipeline.New(pipeline.Config{
				Extractor:   ex,
				StrictPaths: strict,
				Logger:      a.log,
				Metrics:     a.metrics,
			})
			if err != nil {
				return err
			}

			in := ingest.New(a.store, runner,
				ingest.WithRebuilder(a.rebuilder()),
				ingest.WithInvalidator(a.engine),
				ingest.WithLogger(a.log),
				ingest.WithMetrics(a.metrics))

			opts := ingest.Options{SkipAnomalies: skipAnomalies}
			if progress {
				errOut := cmd.ErrOrStderr()
				opts.ProgressFn = func(current, total int, rowID string) {
					fmt.Fprintf(errOut, "\r  [%d/%d] %s", current, total, rowID)
					if current == total {
						fmt.Fprintln(errOut)
					}
				}
			}
			res, err := in.Ingest(ctx, records, opts)
			if res != nil {
				if werr := writeJSON(cmd.OutOrStdout(), res); werr != nil && err == nil {
					err = werr
				}
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&skipAnomalies, "skip-anomalies", false, "do not rebuild anomalies after the batch")
	cmd.Flags().BoolVar(&progress, "progress", false, "print per-row progress to stderr")
	return cmd
}

func newRebuildAnomaliesCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "rebuild-anomalies",
		Short: "Clear and recompute the anomaly table from the latest profiles",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(g)
			if err != nil {
				return err
			}
			defer a.Close()
			summary, err := a.rebuilder().Rebuild(cmd.Context())
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), summary)
		},
	}
}

func newProfileCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "profile <facility-id-or-name>",
		Short: "Show the latest profile, evidence and anomalies of one facility",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(g)
			if err != nil {
				return err
			}
			defer a.Close()
			query := strings.Join(args, " ")
			res, err := a.engine.FacilityProfile(cmd.Context(), query)
			if err != nil {
				return err
			}
			if res.Facility == nil {
				return eris.Wrapf(store.ErrNotFound, "facility %q", query)
			}
			return writeJSON(cmd.OutOrStdout(), res)
		},
	}
}

// toolOutput is what `capmap tool` prints.
type toolOutput struct {
	Tool      string         `json:"tool"`
	Args      analytics.Args `json:"args"`
	Result    any            `json:"result"`
	Citations any            `json:"citations"`
}

func newToolCmd(g *globalFlags) *cobra.Command {
	var (
		pairs    []string
		argsJSON string
	)
	cmd := &cobra.Command{
		Use:   "tool <name>",
		Short: "Run one analytics tool",
		Example: `  capmap tool count_by_capability --arg capability=cardiology --arg region=North
  capmap tool geo_within_km --arg condition_or_service=surgery --arg lat=5.6 --arg lon=-0.19 --arg km=25
  capmap tool oversupply_vs_scarcity --json '{"low_complexity_set":["appendectomy"],"high_complexity_set":["dialysis"]}'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			toolArgs, err := parseToolArgs(argsJSON, pairs)
			if err != nil {
				return err
			}
			a, err := openApp(g)
			if err != nil {
				return err
			}
			defer a.Close()

			resp, runErr := a.engine.Run(cmd.Context(), args[0], toolArgs)
			trace := &store.ToolTrace{Kind: store.TraceKindTool, Tool: args[0]}
			if runErr != nil {
				trace.Error = runErr.Error()
			} else {
				trace.Tool = resp.Tool
				trace.Citations = resp.Citations
			}
			if err := recordToolTrace(cmd.Context(), a.store, trace, toolArgs, resp.Result); err != nil {
				a.log.Warn("recording tool trace failed", zap.Error(err))
			}
			if runErr != nil {
				return runErr
			}
			return writeJSON(cmd.OutOrStdout(), toolOutput{Tool: resp.Tool, Args: resp.Args, Result: resp.Result, Citations: resp.Citations})
		},
	}
	cmd.Flags().StringArrayVar(&pairs, "arg", nil, "tool argument as key=value (repeatable; lists are comma separated)")
	cmd.Flags().StringVar(&argsJSON, "json", "", "tool arguments as a JSON object")
	return cmd
}

func newToolsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "List the analytics tool vocabulary",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			for _, spec := range analytics.Tools() {
				params := make([]string, 0, len(spec.Params))
				for _, p := range spec.Params {
					s := p.Name + ":" + string(p.Type)
					if p.Required {
						s += "!"
					}
					params = append(params, s)
				}
				fmt.Fprintf(out, "%s(%s)\n    %s\n", spec.Name, strings.Join(params, ", "), spec.Description)
			}
			return nil
		},
	}
}

func newAskCmd(g *globalFlags) *cobra.Command {
	var (
		req        planner.Request
		lat, lon   float64
		km         float64
		llmRouter  bool
		llmExplain bool
	)
	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Answer a question by routing it to one analytics tool",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(g)
			if err != nil {
				return err
			}
			defer a.Close()

			var (
				router planner.Router
				opts   = []planner.Option{planner.WithTraceStore(a.store), planner.WithLogger(a.log)}
			)
			if llmRouter || llmExplain {
				p, err := a.llmProvider()
				if err != nil {
					return err
				}
				if llmRouter {
					router = planner.NewLLMRouter(p, planner.WithRouterLogger(a.log))
				}
				if llmExplain {
					opts = append(opts, planner.WithExplainer(planner.NewLLMExplainer(p)))
				}
			}

			req.Question = strings.Join(args, " ")
			if cmd.Flags().Changed("lat") {
				req.Lat = &lat
			}
			if cmd.Flags().Changed("lon") {
				req.Lon = &lon
			}
			if cmd.Flags().Changed("km") {
				req.Km = &km
			}

			ans, err := planner.New(router, a.engine, opts...).Ask(cmd.Context(), req)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), ans)
		},
	}
	f := cmd.Flags()
	f.StringVar(&req.Filters.Region, "region", "", "region filter")
	f.StringVar(&req.Filters.District, "district", "", "district filter")
	f.StringVar(&req.Filters.FacilityType, "facility-type", "", "facility type filter")
	f.StringVar(&req.Facility, "facility", "", "facility the question is about")
	f.Float64Var(&lat, "lat", 0, "latitude for radius questions")
	f.Float64Var(&lon, "lon", 0, "longitude for radius questions")
	f.Float64Var(&km, "km", 0, "radius in kilometres")
	f.BoolVar(&llmRouter, "llm-router", false, "route with the configured LLM (falls back to keywords)")
	f.BoolVar(&llmExplain, "llm-explain", false, "explain with the configured LLM (falls back to the template)")
	return cmd
}

func newTracesCmd(g *globalFlags) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "traces [trace-id]",
		Short: "List recent tool calls and questions, or show one",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(g)
			if err != nil {
				return err
			}
			defer a.Close()
			if len(args) == 1 {
				t, err := a.store.GetToolTrace(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), t)
			}
			traces, err := a.store.ListToolTraces(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), traces)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of traces to list")
	return cmd
}

func newStatsCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show stored row counts and anomaly counts by type",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(g)
			if err != nil {
				return err
			}
			defer a.Close()
			ctx := cmd.Context()
			stats, err := a.store.Stats(ctx)
			if err != nil {
				return err
			}
			anomalies, err := a.store.ListAnomalies(ctx)
			if err != nil {
				return err
			}
			byType := map[string]int{}
			for _, an := range anomalies {
				byType[an.Type]++
			}
			types := make([]string, 0, len(byType))
			for t := range byType {
				types = append(types, t)
			}
			sort.Strings(types)

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "driver:          %s\n", a.store.Driver())
			fmt.Fprintf(out, "facilities:      %d\n", stats.Facilities)
			fmt.Fprintf(out, "extractions:     %d\n", stats.Extractions)
			fmt.Fprintf(out, "evidence spans:  %d\n", stats.EvidenceSpans)
			fmt.Fprintf(out, "anomalies:       %d\n", stats.Anomalies)
			for _, t := range types {
				fmt.Fprintf(out, "  %-30s %d\n", t, byType[t])
			}
			fmt.Fprintf(out, "traces:          %d\n", stats.ToolTraces)
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "capmap %s\n", version)
		},
	}
}
