package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hurttlocker/capmap/internal/analytics"
	"github.com/hurttlocker/capmap/internal/ingest"
	"github.com/hurttlocker/capmap/internal/metrics"
	"github.com/hurttlocker/capmap/internal/store"
)

const facilitiesCSV = `source_row_id,name,region,district,lat,lon,facility_type,bed_count,operating_rooms,procedure_notes,equipment_notes
r-1,North General,North,N1,9.4,-0.85,hospital,200,1,"Cardiology clinic, maternity ward","Oxygen, ultrasound"
r-2,South Clinic,South,S1,5.1,-1.2,clinic,10,0,Basic lab,
`

// cliEnv isolates a test from the host config and environment.
type cliEnv struct {
	dir    string
	dbPath string
	cfg    string
}

func newCLIEnv(t *testing.T) *cliEnv {
	t.Helper()
	for _, k := range []string{
		"CAPMAP_DB_DRIVER", "CAPMAP_DB", "CAPMAP_DB_PATH", "CAPMAP_DSN", "CAPMAP_EXTRACTOR",
		"CAPMAP_LLM", "CAPMAP_LOG_LEVEL", "CAPMAP_LOG_FORMAT", "CAPMAP_METRICS_ADDR", "CAPMAP_STRICT_PATHS",
		"CAPMAP_SNAPSHOT_TTL",
	} {
		t.Setenv(k, "")
	}
	dir := t.TempDir()
	return &cliEnv{dir: dir, dbPath: filepath.Join(dir, "capmap.db"), cfg: filepath.Join(dir, "absent.yaml")}
}

// run executes one capmap command and returns its stdout.
func (e *cliEnv) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(append([]string{"--config", e.cfg, "--db", e.dbPath, "--log-level", "error"}, args...))
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func (e *cliEnv) mustRun(t *testing.T, args ...string) string {
	t.Helper()
	out, err := e.run(t, args...)
	require.NoError(t, err, "capmap %v", args)
	return out
}

func (e *cliEnv) writeCSV(t *testing.T) string {
	t.Helper()
	path := filepath.Join(e.dir, "facilities.csv")
	require.NoError(t, os.WriteFile(path, []byte(facilitiesCSV), 0o600))
	return path
}

func TestCLI_IngestThenQuery(t *testing.T) {
	env := newCLIEnv(t)

	var res ingest.Result
	require.NoError(t, json.Unmarshal([]byte(env.mustRun(t, "ingest", env.writeCSV(t))), &res))
	assert.Equal(t, 2, res.Rows)
	assert.Equal(t, 2, res.Ingested)
	assert.Zero(t, res.Failed)
	require.NotNil(t, res.Anomalies, "anomalies are rebuilt after ingest")
	assert.Equal(t, 2, res.Anomalies.Facilities)

	var count struct {
		Tool      string                `json:"tool"`
		Result    analytics.CountResult `json:"result"`
		Citations []json.RawMessage     `json:"citations"`
	}
	out := env.mustRun(t, "tool", "count_by_capability", "--arg", "capability=cardiology", "--arg", "region=north")
	require.NoError(t, json.Unmarshal([]byte(out), &count))
	assert.Equal(t, analytics.ToolCountByCapability, count.Tool)
	assert.Equal(t, 1, count.Result.Count)
	assert.NotEmpty(t, count.Citations)

	out = env.mustRun(t, "tool", "sql_oversupply_vs_scarcity", "--json", `{"low_complexity_set":["appendectomy"],"high_complexity_set":["dialysis"]}`)
	var supply struct {
		Result analytics.SupplyResult `json:"result"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &supply))
	assert.Nil(t, supply.Result.Ratio, "no high-complexity listings means no ratio")

	_, err := env.run(t, "tool", "geo_within_km", "--arg", "condition_or_service=surgery", "--arg", "km=10")
	assert.ErrorIs(t, err, analytics.ErrMissingGeo)

	_, err = env.run(t, "tool", "drop_tables")
	assert.ErrorIs(t, err, analytics.ErrUnknownTool)

	var prof analytics.FacilityProfileResult
	require.NoError(t, json.Unmarshal([]byte(env.mustRun(t, "profile", "North", "General")), &prof))
	require.NotNil(t, prof.Facility)
	assert.Equal(t, "r-1", prof.Facility.SourceRowID)
	require.NotNil(t, prof.Profile)
	assert.Contains(t, prof.Profile.Procedures, "cardiology")

	_, err = env.run(t, "profile", "nowhere")
	assert.ErrorIs(t, err, store.ErrNotFound)

	var ans struct {
		TraceID string `json:"trace_id"`
		Tool    string `json:"tool"`
		Text    string `json:"answer_text"`
	}
	require.NoError(t, json.Unmarshal([]byte(env.mustRun(t, "ask", "How many hospitals have cardiology?")), &ans))
	assert.Equal(t, analytics.ToolCountByCapability, ans.Tool)
	assert.Equal(t, "1 facility offers cardiology.", ans.Text)

	var trace store.ToolTrace
	require.NoError(t, json.Unmarshal([]byte(env.mustRun(t, "traces", ans.TraceID)), &trace))
	assert.Equal(t, store.TraceKindAsk, trace.Kind)

	var traces []store.ToolTrace
	require.NoError(t, json.Unmarshal([]byte(env.mustRun(t, "traces", "--limit", "10")), &traces))
	require.Len(t, traces, 5, "four tool calls and one question")
	assert.Equal(t, store.TraceKindAsk, traces[0].Kind, "newest first")
	var failed int
	for _, tr := range traces {
		if tr.Error != "" {
			failed++
		}
	}
	assert.Equal(t, 2, failed)

	stats := env.mustRun(t, "stats")
	assert.Contains(t, stats, "facilities:      2")
	assert.Contains(t, stats, "extractions:     2")
}

func TestCLI_ReingestAppendsExtractions(t *testing.T) {
	env := newCLIEnv(t)
	csv := env.writeCSV(t)
	env.mustRun(t, "ingest", "--skip-anomalies", csv)
	out := env.mustRun(t, "ingest", "--skip-anomalies", csv)

	var res ingest.Result
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Nil(t, res.Anomalies)

	stats := env.mustRun(t, "stats")
	assert.Contains(t, stats, "facilities:      2")
	assert.Contains(t, stats, "extractions:     4")
	assert.Contains(t, stats, "anomalies:       0")

	var summary struct {
		Facilities int `json:"facilities"`
	}
	require.NoError(t, json.Unmarshal([]byte(env.mustRun(t, "rebuild-anomalies")), &summary))
	assert.Equal(t, 2, summary.Facilities)
}

func TestCLI_IngestRejectsUnknownFileType(t *testing.T) {
	env := newCLIEnv(t)
	path := filepath.Join(env.dir, "facilities.json")
	require.NoError(t, os.WriteFile(path, []byte("[]"), 0o600))
	_, err := env.run(t, "ingest", path)
	require.Error(t, err)
}

func TestCLI_ToolsAndVersion(t *testing.T) {
	env := newCLIEnv(t)

	out := env.mustRun(t, "tools")
	for _, name := range analytics.Vocabulary() {
		assert.Contains(t, out, name+"(")
	}
	assert.Contains(t, out, "geo_within_km(condition_or_service:string!, lat:number!, lon:number!, km:number!)")

	assert.Equal(t, "capmap "+version+"\n", env.mustRun(t, "version"))
}

func TestCLI_ConfigShow(t *testing.T) {
	env := newCLIEnv(t)
	t.Setenv("CAPMAP_EXTRACTOR", "llm")
	t.Setenv("OPENAI_API_KEY", "sk-test-0123456789")

	var shown struct {
		DBPath struct {
			Value  string `json:"value"`
			Source string `json:"source"`
			From   string `json:"from"`
		} `json:"db_path"`
		Extractor struct {
			Value  string `json:"value"`
			Source string `json:"source"`
		} `json:"extractor"`
		LLMKeys map[string]struct {
			Value string `json:"value"`
		} `json:"llm_keys"`
	}
	require.NoError(t, json.Unmarshal([]byte(env.mustRun(t, "config", "show")), &shown))
	assert.Equal(t, env.dbPath, shown.DBPath.Value)
	assert.Equal(t, "cli", shown.DBPath.Source)
	assert.Equal(t, "--db", shown.DBPath.From)
	assert.Equal(t, "llm", shown.Extractor.Value)
	assert.Equal(t, "env", shown.Extractor.Source)
	assert.Equal(t, "sk-t****6789", shown.LLMKeys["openai"].Value)
}

func TestCLI_RejectsBadSnapshotTTL(t *testing.T) {
	env := newCLIEnv(t)
	t.Setenv("CAPMAP_SNAPSHOT_TTL", "soon")
	_, err := env.run(t, "stats")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "snapshot_ttl")
}

func TestParseToolArgs(t *testing.T) {
	args, err := parseToolArgs(`{"features":["services.surgery"],"km":5}`, []string{"km=25", "region = North "})
	require.NoError(t, err)
	assert.Equal(t, "25", args["km"], "pairs override JSON")
	assert.Equal(t, "North", args["region"])
	assert.Equal(t, []string{"services.surgery"}, args.StringList("features"))

	_, err = parseToolArgs("", []string{"novalue"})
	assert.Error(t, err)
	_, err = parseToolArgs("{not json", nil)
	assert.Error(t, err)
}

type fakePinger struct{ err error }

func (p fakePinger) Ping(context.Context) error { return p.err }

func TestOpsRouter(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	m.ObserveRow(metrics.OutcomeOK)

	srv := httptest.NewServer(newOpsRouter(fakePinger{}, m.Handler()))
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "capmap_")

	down := httptest.NewServer(newOpsRouter(fakePinger{err: errors.New("database is locked")}, m.Handler()))
	t.Cleanup(down.Close)
	resp, err = http.Get(down.URL + "/healthz")
	require.NoError(t, err)
	var payload map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "database is locked", payload["error"])
}
