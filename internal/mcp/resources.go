package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/hurttlocker/capmap/internal/analytics"
)

// recentTraceLimit is how many traces capmap://traces/recent lists.
const recentTraceLimit = 20

func registerStatsResource(s *server.MCPServer, st Store) {
	resource := mcp.NewResource(
		"capmap://stats",
		"Corpus Statistics",
		mcp.WithResourceDescription("Row counts for facilities, extractions, evidence spans, anomalies and traces."),
		mcp.WithMIMEType("application/json"),
	)

	s.AddResource(resource, func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		stats, err := st.Stats(ctx)
		if err != nil {
			return nil, fmt.Errorf("getting stats: %w", err)
		}
		return jsonContents(req.Params.URI, stats)
	})
}

func registerAnomaliesResource(s *server.MCPServer, st Store) {
	resource := mcp.NewResource(
		"capmap://anomalies",
		"Anomalies",
		mcp.WithResourceDescription("The anomaly table as of the last rebuild."),
		mcp.WithMIMEType("application/json"),
	)

	s.AddResource(resource, func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		anomalies, err := st.ListAnomalies(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing anomalies: %w", err)
		}
		return jsonContents(req.Params.URI, anomalies)
	})
}

func registerTracesResource(s *server.MCPServer, st Store) {
	resource := mcp.NewResource(
		"capmap://traces/recent",
		"Recent Traces",
		mcp.WithResourceDescription(fmt.Sprintf("The %d most recent tool calls and questions.", recentTraceLimit)),
		mcp.WithMIMEType("application/json"),
	)

	s.AddResource(resource, func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		traces, err := st.ListToolTraces(ctx, recentTraceLimit)
		if err != nil {
			return nil, fmt.Errorf("listing traces: %w", err)
		}
		return jsonContents(req.Params.URI, traces)
	})
}

// toolDoc describes one analytics tool in capmap://tools.
type toolDoc struct {
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Params      []analytics.Param `json:"params"`
}

func registerToolsResource(s *server.MCPServer) {
	resource := mcp.NewResource(
		"capmap://tools",
		"Analytics Tools",
		mcp.WithResourceDescription("The fixed analytics tool vocabulary and parameters."),
		mcp.WithMIMEType("application/json"),
	)

	s.AddResource(resource, func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		specs := analytics.Tools()
		docs := make([]toolDoc, 0, len(specs))
		for _, spec := range specs {
			params := spec.Params
			if params == nil {
				params = []analytics.Param{}
			}
			docs = append(docs, toolDoc{Name: spec.Name, Description: spec.Description, Params: params})
		}
		return jsonContents(req.Params.URI, docs)
	})
}

func jsonContents(uri string, v any) ([]mcp.ResourceContents, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding %s: %w", uri, err)
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}
