package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/hurttlocker/capmap/internal/model"
)

// Trace kinds.
const (
	TraceKindTool = "tool"
	TraceKindAsk  = "ask"
)

// ToolTrace records one tool call or planner question.
type ToolTrace struct {
	ID         string           `json:"id"`
	Kind       string           `json:"kind"`
	Question   string           `json:"question,omitempty"`
	Tool       string           `json:"tool"`
	Router     string           `json:"router,omitempty"`
	Args       json.RawMessage  `json:"args"`
	Result     json.RawMessage  `json:"result"`
	Answer     string           `json:"answer,omitempty"`
	Citations  []model.Citation `json:"citations"`
	Error      string           `json:"error,omitempty"`
	DurationMs int64            `json:"duration_ms"`
	CreatedAt  time.Time        `json:"created_at"`
}

// AddToolTrace persists t, assigning an id and timestamp when missing.
func (s *SQLStore) AddToolTrace(ctx context.Context, t *ToolTrace) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Kind == "" {
		t.Kind = TraceKindTool
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	citations, err := marshalJSON(t.Citations, "[]")
	if err != nil {
		return eris.Wrap(err, "encoding citations")
	}
	_, err = s.exec(ctx, s.db, `INSERT INTO tool_traces
			(id, kind, question, tool, router, args_json, result_json, answer, citations_json, error, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Kind, t.Question, t.Tool, t.Router, rawOr(t.Args, "{}"), rawOr(t.Result, "null"),
		t.Answer, citations, t.Error, t.DurationMs, t.CreatedAt.UTC().Format(timeFormat))
	return eris.Wrapf(err, "inserting trace %s", t.ID)
}

const traceColumns = `id, kind, question, tool, router, args_json, result_json, answer, citations_json, error, duration_ms, created_at`

// GetToolTrace returns one trace or ErrNotFound.
func (s *SQLStore) GetToolTrace(ctx context.Context, id string) (*ToolTrace, error) {
	t, err := scanTrace(s.queryRow(ctx, s.db, "SELECT "+traceColumns+" FROM tool_traces WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "trace %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "reading trace %s", id)
	}
	return t, nil
}

// ListToolTraces returns the most recent traces, newest first.
func (s *SQLStore) ListToolTraces(ctx context.Context, limit int) ([]*ToolTrace, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.query(ctx, s.db,
		"SELECT "+traceColumns+" FROM tool_traces ORDER BY created_at DESC, id LIMIT ?", limit)
	if err != nil {
		return nil, eris.Wrap(err, "listing traces")
	}
	defer rows.Close()

	var out []*ToolTrace
	for rows.Next() {
		t, err := scanTrace(rows)
		if err != nil {
			return nil, eris.Wrap(err, "scanning trace")
		}
		out = append(out, t)
	}
	return out, eris.Wrap(rows.Err(), "iterating traces")
}

func scanTrace(sc scanner) (*ToolTrace, error) {
	var (
		t                       ToolTrace
		args, result, citations string
		created                 string
	)
	err := sc.Scan(&t.ID, &t.Kind, &t.Question, &t.Tool, &t.Router, &args, &result,
		&t.Answer, &citations, &t.Error, &t.DurationMs, &created)
	if err != nil {
		return nil, err
	}
	t.Args = json.RawMessage(args)
	t.Result = json.RawMessage(result)
	if err := unmarshalJSON(citations, &t.Citations); err != nil {
		return nil, eris.Wrapf(err, "decoding citations of trace %s", t.ID)
	}
	if t.CreatedAt, err = time.Parse(timeFormat, created); err != nil {
		return nil, eris.Wrapf(err, "parsing created_at of trace %s", t.ID)
	}
	return &t, nil
}

func rawOr(raw json.RawMessage, empty string) string {
	if len(raw) == 0 {
		return empty
	}
	return string(raw)
}
