// Package mcp provides a Model Context Protocol server for capmap.
//
// Every analytics tool of the fixed vocabulary is exposed as one MCP tool,
// alongside facility_profile, run_tool (dispatch by name, including legacy
// "sql_" names) and ask (planner). Corpus statistics, the anomaly table and
// recent traces are exposed as resources. Tool validation failures are
// returned as tool-result errors, never as JSON-RPC faults.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/hurttlocker/capmap/internal/analytics"
	"github.com/hurttlocker/capmap/internal/logging"
	"github.com/hurttlocker/capmap/internal/model"
	"github.com/hurttlocker/capmap/internal/planner"
	"github.com/hurttlocker/capmap/internal/store"
)

// Engine runs analytics tools and facility lookups.
type Engine interface {
	Run(ctx context.Context, tool string, args analytics.Args) (analytics.Response, error)
	FacilityProfile(ctx context.Context, nameOrID string) (analytics.FacilityProfileResult, error)
}

// Asker answers natural-language questions.
type Asker interface {
	Ask(ctx context.Context, req planner.Request) (*planner.Answer, error)
}

// Store backs the resources and records direct tool calls.
type Store interface {
	Stats(ctx context.Context) (*store.Stats, error)
	ListAnomalies(ctx context.Context) ([]model.Anomaly, error)
	ListToolTraces(ctx context.Context, limit int) ([]*store.ToolTrace, error)
	AddToolTrace(ctx context.Context, t *store.ToolTrace) error
}

// ServerConfig holds configuration for the MCP server.
type ServerConfig struct {
	Engine  Engine
	Planner Asker // optional; without it the ask tool is not registered
	Store   Store // optional; without it resources are not registered
	Version string
	Logger  *zap.Logger
}

// toolPayload is the text body of a successful analytics tool result.
type toolPayload struct {
	Tool      string           `json:"tool"`
	Args      analytics.Args   `json:"args"`
	Result    any              `json:"result"`
	Citations []model.Citation `json:"citations"`
}

type handlers struct {
	engine  Engine
	planner Asker
	store   Store
	log     *zap.Logger
}

// NewServer creates a configured MCP server with all capmap tools and
// resources.
func NewServer(cfg ServerConfig) *server.MCPServer {
	ver := cfg.Version
	if ver == "" {
		ver = "dev"
	}

	s := server.NewMCPServer(
		"capmap",
		ver,
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(true, false),
	)

	h := &handlers{engine: cfg.Engine, planner: cfg.Planner, store: cfg.Store, log: logging.OrNop(cfg.Logger)}

	for _, spec := range analytics.Tools() {
		s.AddTool(analyticsTool(spec), h.runTool(spec.Name))
	}
	registerRunTool(s, h)
	registerFacilityProfileTool(s, h)
	if cfg.Planner != nil {
		registerAskTool(s, h)
	}

	if cfg.Store != nil {
		registerStatsResource(s, cfg.Store)
		registerAnomaliesResource(s, cfg.Store)
		registerTracesResource(s, cfg.Store)
	}
	registerToolsResource(s)

	return s
}

// --- Tools ---

// analyticsTool maps a tool spec onto an MCP tool definition.
func analyticsTool(spec analytics.ToolSpec) mcp.Tool {
	opts := []mcp.ToolOption{
		mcp.WithDescription(spec.Description),
		mcp.WithReadOnlyHintAnnotation(true),
	}
	for _, p := range spec.Params {
		popts := []mcp.PropertyOption{mcp.Description(p.Description)}
		if p.Required {
			popts = append(popts, mcp.Required())
		}
		switch p.Type {
		case analytics.ParamNumber:
			opts = append(opts, mcp.WithNumber(p.Name, popts...))
		case analytics.ParamList:
			popts = append(popts, mcp.Items(map[string]any{"type": "string"}))
			opts = append(opts, mcp.WithArray(p.Name, popts...))
		default:
			opts = append(opts, mcp.WithString(p.Name, popts...))
		}
	}
	return mcp.NewTool(spec.Name, opts...)
}

func (h *handlers) runTool(name string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return h.call(ctx, name, analytics.Args(req.GetArguments())), nil
	}
}

// call runs one tool and records it as a trace when a store is configured.
func (h *handlers) call(ctx context.Context, name string, args analytics.Args) *mcp.CallToolResult {
	start := time.Now()
	if args == nil {
		args = analytics.Args{}
	}
	resp, err := h.engine.Run(ctx, name, args)
	if err != nil {
		h.trace(ctx, name, args, nil, err, start)
		return mcp.NewToolResultError(fmt.Sprintf("%s: %v", name, err))
	}

	payload := toolPayload{Tool: resp.Tool, Args: resp.Args, Result: resp.Result, Citations: resp.Citations}
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("encoding %s result: %v", name, err))
	}
	h.trace(ctx, resp.Tool, resp.Args, &resp, nil, start)
	return mcp.NewToolResultText(string(data))
}

func (h *handlers) trace(ctx context.Context, name string, args analytics.Args, resp *analytics.Response, callErr error, start time.Time) {
	if h.store == nil {
		return
	}
	t := &store.ToolTrace{
		Kind:       store.TraceKindTool,
		Tool:       name,
		DurationMs: time.Since(start).Milliseconds(),
		Citations:  []model.Citation{},
	}
	if raw, err := json.Marshal(args); err == nil {
		t.Args = raw
	}
	if resp != nil {
		if raw, err := json.Marshal(resp.Result); err == nil {
			t.Result = raw
		}
		t.Citations = resp.Citations
	}
	if callErr != nil {
		t.Error = callErr.Error()
	}
	if err := h.store.AddToolTrace(ctx, t); err != nil {
		h.log.Warn("could not record tool trace", zap.String("tool", name), zap.Error(err))
	}
}

func registerRunTool(s *server.MCPServer, h *handlers) {
	tool := mcp.NewTool("run_tool",
		mcp.WithDescription("Run any analytics tool by name. Legacy names with a sql_ prefix are accepted; unknown names are rejected."),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithString("tool",
			mcp.Required(),
			mcp.Description("Tool name, e.g. count_by_capability"),
		),
		mcp.WithObject("args",
			mcp.Description("Tool arguments"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		name, err := req.RequireString("tool")
		if err != nil {
			return mcp.NewToolResultError("tool is required"), nil
		}
		var args analytics.Args
		if raw, ok := req.GetArguments()["args"].(map[string]any); ok {
			args = analytics.Args(raw)
		}
		return h.call(ctx, name, args), nil
	})
}

func registerFacilityProfileTool(s *server.MCPServer, h *handlers) {
	tool := mcp.NewTool("facility_profile",
		mcp.WithDescription("Latest capability profile of one facility with its evidence spans and anomalies."),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithString("facility_name_or_id",
			mcp.Required(),
			mcp.Description("Facility id or part of its name"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("facility_name_or_id")
		if err != nil {
			return mcp.NewToolResultError("facility_name_or_id is required"), nil
		}
		res, err := h.engine.FacilityProfile(ctx, query)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("profile error: %v", err)), nil
		}
		if res.Facility == nil {
			return mcp.NewToolResultError(fmt.Sprintf("no facility matches %q", query)), nil
		}
		data, _ := json.MarshalIndent(res, "", "  ")
		return mcp.NewToolResultText(string(data)), nil
	})
}

func registerAskTool(s *server.MCPServer, h *handlers) {
	tool := mcp.NewTool("ask",
		mcp.WithDescription("Answer a question about facility capabilities. The question is routed to one analytics tool and the answer cites the tool's evidence."),
		mcp.WithReadOnlyHintAnnotation(false),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithString("question",
			mcp.Required(),
			mcp.Description("Natural-language question"),
		),
		mcp.WithString("region", mcp.Description("Region filter")),
		mcp.WithString("district", mcp.Description("District filter")),
		mcp.WithString("facility_type", mcp.Description("Facility type filter")),
		mcp.WithString("facility", mcp.Description("Facility the question is about")),
		mcp.WithNumber("lat", mcp.Description("Latitude for radius questions")),
		mcp.WithNumber("lon", mcp.Description("Longitude for radius questions")),
		mcp.WithNumber("km", mcp.Description("Radius in kilometres")),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		question, err := req.RequireString("question")
		if err != nil {
			return mcp.NewToolResultError("question is required"), nil
		}
		preq := planner.Request{
			Question: question,
			Filters: analytics.Filters{
				Region:       req.GetString("region", ""),
				District:     req.GetString("district", ""),
				FacilityType: req.GetString("facility_type", ""),
			},
			Facility: req.GetString("facility", ""),
			Lat:      optionalFloat(req, "lat"),
			Lon:      optionalFloat(req, "lon"),
			Km:       optionalFloat(req, "km"),
		}

		ans, err := h.planner.Ask(ctx, preq)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("ask error: %v", err)), nil
		}
		data, _ := json.MarshalIndent(ans, "", "  ")
		return mcp.NewToolResultText(string(data)), nil
	})
}

func optionalFloat(req mcp.CallToolRequest, key string) *float64 {
	v, err := req.RequireFloat(key)
	if err != nil {
		return nil
	}
	return &v
}
