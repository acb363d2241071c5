package mcp

import (
	"context"
	"encoding/json"
	"testing"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hurttlocker/capmap/internal/analytics"
	"github.com/hurttlocker/capmap/internal/model"
	"github.com/hurttlocker/capmap/internal/planner"
	"github.com/hurttlocker/capmap/internal/store"
)

type staticLoader struct{ corpus *model.Corpus }

func (l staticLoader) LoadCorpus(context.Context) (*model.Corpus, error) { return l.corpus, nil }

func testCorpus() *model.Corpus {
	north := &model.Profile{Procedures: []string{"cardiology"}}
	north.Services.Maternity.Available = true
	south := &model.Profile{Procedures: []string{"appendectomy"}}

	return &model.Corpus{
		Facilities: []model.FacilityRecord{
			{
				Facility:     model.Facility{ID: 1, Name: "North Valley Hospital", Region: "North"},
				ExtractionID: 10,
				Profile:      north,
				Evidence: []model.EvidenceSpan{
					{ID: 101, FacilityID: 1, ExtractionID: 10, SourceRowID: "r-1", SourceField: "procedure_notes", Quote: "Cardiology clinic", SupportsPath: "procedures.cardiology"},
				},
			},
			{
				Facility:     model.Facility{ID: 2, Name: "South Clinic", Region: "South"},
				ExtractionID: 20,
				Profile:      south,
			},
		},
	}
}

// helper: a server over the test corpus with a :memory: store for traces
func setupTestServer(t *testing.T) (*server.MCPServer, *store.SQLStore) {
	t.Helper()
	st, err := store.NewStore(store.Config{DSN: ":memory:"})
	if err != nil {
		t.Fatalf("creating test store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	engine := analytics.NewEngine(staticLoader{corpus: testCorpus()})
	p := planner.New(nil, engine, planner.WithTraceStore(st))
	srv := NewServer(ServerConfig{Engine: engine, Planner: p, Store: st, Version: "test"})
	if srv == nil {
		t.Fatal("NewServer returned nil")
	}
	return srv, st
}

// callTool is a helper that invokes an MCP tool through the JSON-RPC entry
// point.
func callTool(t *testing.T, srv *server.MCPServer, name string, args map[string]interface{}) *mcplib.CallToolResult {
	t.Helper()

	result := srv.HandleMessage(context.Background(), mustMarshal(t, map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "tools/call",
		"params": map[string]interface{}{
			"name":      name,
			"arguments": args,
		},
	}))

	respBytes, err := json.Marshal(result)
	if err != nil {
		t.Fatalf("marshal response: %v", err)
	}

	var resp struct {
		Result struct {
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
			IsError bool `json:"isError"`
		} `json:"result"`
		Error *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(respBytes, &resp); err != nil {
		t.Fatalf("unmarshal response: %v\nraw: %s", err, string(respBytes))
	}
	if resp.Error != nil {
		t.Fatalf("JSON-RPC error: %d %s", resp.Error.Code, resp.Error.Message)
	}

	callResult := &mcplib.CallToolResult{IsError: resp.Result.IsError}
	for _, c := range resp.Result.Content {
		if c.Type == "text" {
			callResult.Content = append(callResult.Content, mcplib.NewTextContent(c.Text))
		}
	}
	return callResult
}

func readResource(t *testing.T, srv *server.MCPServer, uri string) string {
	t.Helper()

	result := srv.HandleMessage(context.Background(), mustMarshal(t, map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "resources/read",
		"params":  map[string]interface{}{"uri": uri},
	}))
	respBytes, err := json.Marshal(result)
	if err != nil {
		t.Fatalf("marshal response: %v", err)
	}
	var resp struct {
		Result struct {
			Contents []struct {
				URI  string `json:"uri"`
				Text string `json:"text"`
			} `json:"contents"`
		} `json:"result"`
	}
	if err := json.Unmarshal(respBytes, &resp); err != nil {
		t.Fatalf("unmarshal response: %v\nraw: %s", err, string(respBytes))
	}
	if len(resp.Result.Contents) != 1 {
		t.Fatalf("expected 1 resource content, raw: %s", string(respBytes))
	}
	return resp.Result.Contents[0].Text
}

func resultText(t *testing.T, r *mcplib.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, r.Content)
	tc, ok := r.Content[0].(mcplib.TextContent)
	require.True(t, ok)
	return tc.Text
}

func mustMarshal(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

func TestNewServer_ListsEveryAnalyticsTool(t *testing.T) {
	srv, _ := setupTestServer(t)

	result := srv.HandleMessage(context.Background(), mustMarshal(t, map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "tools/list",
	}))
	raw, err := json.Marshal(result)
	require.NoError(t, err)

	var resp struct {
		Result struct {
			Tools []struct {
				Name string `json:"name"`
			} `json:"tools"`
		} `json:"result"`
	}
	require.NoError(t, json.Unmarshal(raw, &resp))

	names := map[string]bool{}
	for _, tool := range resp.Result.Tools {
		names[tool.Name] = true
	}
	for _, name := range analytics.Vocabulary() {
		assert.True(t, names[name], name)
	}
	for _, name := range []string{"run_tool", "facility_profile", "ask"} {
		assert.True(t, names[name], name)
	}
	assert.Len(t, names, len(analytics.Tools())+3)
}

func TestAnalyticsTool_CountWithCitations(t *testing.T) {
	srv, st := setupTestServer(t)

	r := callTool(t, srv, analytics.ToolCountByCapability, map[string]interface{}{
		"capability": "cardiology",
		"region":     "north",
	})
	require.False(t, r.IsError, resultText(t, r))

	var payload struct {
		Tool      string                `json:"tool"`
		Result    analytics.CountResult `json:"result"`
		Citations []model.Citation      `json:"citations"`
	}
	require.NoError(t, json.Unmarshal([]byte(resultText(t, r)), &payload))
	assert.Equal(t, analytics.ToolCountByCapability, payload.Tool)
	assert.Equal(t, 1, payload.Result.Count)
	require.Len(t, payload.Citations, 1)
	assert.Equal(t, int64(101), payload.Citations[0].EvidenceSpanID)

	traces, err := st.ListToolTraces(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, traces, 1)
	assert.Equal(t, store.TraceKindTool, traces[0].Kind)
	assert.Equal(t, analytics.ToolCountByCapability, traces[0].Tool)
	assert.Empty(t, traces[0].Error)
}

func TestAnalyticsTool_MissingGeoIsToolError(t *testing.T) {
	srv, st := setupTestServer(t)

	r := callTool(t, srv, analytics.ToolGeoWithinKm, map[string]interface{}{
		"condition_or_service": "surgery",
		"km":                   10,
	})
	assert.True(t, r.IsError)
	assert.Contains(t, resultText(t, r), "MISSING_GEO")

	traces, err := st.ListToolTraces(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, traces, 1)
	assert.Contains(t, traces[0].Error, "MISSING_GEO")
}

func TestAnalyticsTool_ColdSpotsIgnoreKm(t *testing.T) {
	srv, _ := setupTestServer(t)

	r := callTool(t, srv, analytics.ToolGeoColdSpots, map[string]interface{}{
		"service_or_bundle": "maternity",
		"km":                50,
	})
	require.False(t, r.IsError, resultText(t, r))

	var payload struct {
		Result analytics.ColdSpotResult `json:"result"`
	}
	require.NoError(t, json.Unmarshal([]byte(resultText(t, r)), &payload))
	assert.Equal(t, []string{"South"}, payload.Result.ColdSpots)
	assert.False(t, payload.Result.KmApplied)
}

func TestRunTool(t *testing.T) {
	srv, _ := setupTestServer(t)

	r := callTool(t, srv, "run_tool", map[string]interface{}{
		"tool": "sql_region_ranking",
		"args": map[string]interface{}{"metric": "cardiology"},
	})
	require.False(t, r.IsError, resultText(t, r))
	var payload struct {
		Tool   string                        `json:"tool"`
		Result analytics.RegionRankingResult `json:"result"`
	}
	require.NoError(t, json.Unmarshal([]byte(resultText(t, r)), &payload))
	assert.Equal(t, analytics.ToolRegionRanking, payload.Tool)
	require.Len(t, payload.Result.Ranking, 1)
	assert.Equal(t, "North", payload.Result.Ranking[0].Region)

	r = callTool(t, srv, "run_tool", map[string]interface{}{"tool": "drop_tables"})
	assert.True(t, r.IsError)
	assert.Contains(t, resultText(t, r), "unknown analytics tool")

	r = callTool(t, srv, "run_tool", map[string]interface{}{})
	assert.True(t, r.IsError)
}

func TestFacilityProfileTool(t *testing.T) {
	srv, _ := setupTestServer(t)

	r := callTool(t, srv, "facility_profile", map[string]interface{}{"facility_name_or_id": "1"})
	require.False(t, r.IsError, resultText(t, r))
	var res analytics.FacilityProfileResult
	require.NoError(t, json.Unmarshal([]byte(resultText(t, r)), &res))
	require.NotNil(t, res.Facility)
	assert.Equal(t, "North Valley Hospital", res.Facility.Name)
	assert.Equal(t, int64(10), res.ExtractionID)

	r = callTool(t, srv, "facility_profile", map[string]interface{}{"facility_name_or_id": "nowhere"})
	assert.True(t, r.IsError)
}

func TestAskTool(t *testing.T) {
	srv, st := setupTestServer(t)

	r := callTool(t, srv, "ask", map[string]interface{}{"question": "How many hospitals have cardiology?"})
	require.False(t, r.IsError, resultText(t, r))

	var ans struct {
		TraceID   string           `json:"trace_id"`
		Tool      string           `json:"tool"`
		Text      string           `json:"answer_text"`
		Citations []model.Citation `json:"citations"`
	}
	require.NoError(t, json.Unmarshal([]byte(resultText(t, r)), &ans))
	assert.Equal(t, analytics.ToolCountByCapability, ans.Tool)
	assert.Equal(t, "1 facility offers cardiology.", ans.Text)
	assert.Len(t, ans.Citations, 1)

	trace, err := st.GetToolTrace(context.Background(), ans.TraceID)
	require.NoError(t, err)
	assert.Equal(t, store.TraceKindAsk, trace.Kind)

	r = callTool(t, srv, "ask", map[string]interface{}{
		"question": "Which facilities within 20 km offer surgery?",
	})
	assert.True(t, r.IsError)
	assert.Contains(t, resultText(t, r), "MISSING_GEO")

	r = callTool(t, srv, "ask", map[string]interface{}{
		"question": "Which facilities within 20 km offer cardiology?",
		"lat":      0.0,
		"lon":      0.0,
	})
	require.False(t, r.IsError, resultText(t, r))
}

func TestResources(t *testing.T) {
	srv, _ := setupTestServer(t)
	callTool(t, srv, analytics.ToolNGOGapMap, map[string]interface{}{})

	var stats store.Stats
	require.NoError(t, json.Unmarshal([]byte(readResource(t, srv, "capmap://stats")), &stats))
	assert.Equal(t, int64(1), stats.ToolTraces)

	var docs []toolDoc
	require.NoError(t, json.Unmarshal([]byte(readResource(t, srv, "capmap://tools")), &docs))
	assert.Len(t, docs, len(analytics.Tools()))

	var traces []store.ToolTrace
	require.NoError(t, json.Unmarshal([]byte(readResource(t, srv, "capmap://traces/recent")), &traces))
	require.Len(t, traces, 1)
	assert.Equal(t, analytics.ToolNGOGapMap, traces[0].Tool)

	var anomalies []model.Anomaly
	require.NoError(t, json.Unmarshal([]byte(readResource(t, srv, "capmap://anomalies")), &anomalies))
	assert.Empty(t, anomalies)
}

func TestNewServer_WithoutPlannerOrStore(t *testing.T) {
	engine := analytics.NewEngine(staticLoader{corpus: testCorpus()})
	srv := NewServer(ServerConfig{Engine: engine})

	r := callTool(t, srv, analytics.ToolScarcityDependencyOnFew, map[string]interface{}{"procedure": "cardiology"})
	require.False(t, r.IsError, resultText(t, r))
	assert.Contains(t, resultText(t, r), `"dependency": true`)
}
