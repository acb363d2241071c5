// Package planner answers natural-language questions by routing them to one
// deterministic analytics tool and explaining the tool's output.
//
// The router only picks a tool and its arguments; every number in an answer
// comes from the analytics engine. Explanations restate that output and
// carry exactly the tool's citations. Every question, answered or not, is
// persisted as a trace.
package planner

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/hurttlocker/capmap/internal/analytics"
	"github.com/hurttlocker/capmap/internal/logging"
	"github.com/hurttlocker/capmap/internal/model"
	"github.com/hurttlocker/capmap/internal/store"
)

// ErrEmptyQuestion is returned for a blank question.
var ErrEmptyQuestion = eris.New("question is required")

// ToolRunner executes analytics tools.
type ToolRunner interface {
	Run(ctx context.Context, tool string, args analytics.Args) (analytics.Response, error)
}

// TraceStore persists question traces.
type TraceStore interface {
	AddToolTrace(ctx context.Context, t *store.ToolTrace) error
}

// Answer is the planner's reply to one question.
type Answer struct {
	TraceID   string           `json:"trace_id"`
	Question  string           `json:"question"`
	Tool      string           `json:"tool"`
	Args      analytics.Args   `json:"args"`
	Router    string           `json:"router"`
	Rationale string           `json:"rationale,omitempty"`
	Result    any              `json:"result"`
	Text      string           `json:"answer_text"`
	Explainer string           `json:"explainer"`
	Citations []model.Citation `json:"citations"`
	Degraded  bool             `json:"degraded"`
	Reason    string           `json:"reason,omitempty"`
}

// Planner wires a router, the analytics engine and an explainer.
type Planner struct {
	router    Router
	tools     ToolRunner
	explainer Explainer
	traces    TraceStore
	log       *zap.Logger
}

// Option configures a Planner.
type Option func(*Planner)

// WithExplainer replaces the template explainer.
func WithExplainer(e Explainer) Option {
	return func(p *Planner) {
		if e != nil {
			p.explainer = e
		}
	}
}

// WithTraceStore persists every question.
func WithTraceStore(ts TraceStore) Option {
	return func(p *Planner) { p.traces = ts }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(p *Planner) { p.log = logging.OrNop(l) }
}

// New creates a Planner. A nil router means the keyword router.
func New(r Router, tools ToolRunner, opts ...Option) *Planner {
	if r == nil {
		r = NewKeywordRouter()
	}
	p := &Planner{router: r, tools: tools, explainer: TemplateExplainer{}, log: zap.NewNop()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Ask routes, runs and explains one question. Routing and validation errors
// (unknown tool, MISSING_GEO, bad arguments) are returned after the failed
// attempt is traced. A failing explainer degrades to the template text.
func (p *Planner) Ask(ctx context.Context, req Request) (*Answer, error) {
	req.Question = strings.TrimSpace(req.Question)
	if req.Question == "" {
		return nil, ErrEmptyQuestion
	}
	start := time.Now()

	d, err := p.router.Route(ctx, req)
	if err != nil {
		p.record(ctx, req, Decision{Router: p.router.Name()}, nil, err, start)
		return nil, eris.Wrap(err, "routing question")
	}

	resp, err := p.tools.Run(ctx, d.Tool, d.Args)
	if err != nil {
		p.record(ctx, req, d, nil, err, start)
		return nil, eris.Wrapf(err, "running %s", d.Tool)
	}

	ans := &Answer{
		Question:  req.Question,
		Tool:      resp.Tool,
		Args:      resp.Args,
		Router:    d.Router,
		Rationale: d.Rationale,
		Result:    resp.Result,
		Explainer: p.explainer.Name(),
		Citations: resp.Citations,
	}
	text, err := p.explainer.Explain(ctx, req.Question, resp)
	if err != nil {
		p.log.Warn("explanation failed, using template",
			zap.String("explainer", p.explainer.Name()),
			zap.Error(err))
		text = describe(resp)
		ans.Explainer = TemplateExplainer{}.Name()
		ans.Degraded = true
		ans.Reason = "explainer_error"
	}
	ans.Text = text

	ans.TraceID, err = p.record(ctx, req, d, ans, nil, start)
	if err != nil {
		return ans, err
	}
	return ans, nil
}

// record persists one trace. Without a trace store it is a no-op.
func (p *Planner) record(ctx context.Context, req Request, d Decision, ans *Answer, askErr error, start time.Time) (string, error) {
	if p.traces == nil {
		return "", nil
	}
	t := &store.ToolTrace{
		Kind:       store.TraceKindAsk,
		Question:   req.Question,
		Tool:       d.Tool,
		Router:     d.Router,
		DurationMs: time.Since(start).Milliseconds(),
		Citations:  []model.Citation{},
	}
	args := d.Args
	if ans != nil {
		args = ans.Args
	}
	if args != nil {
		if raw, err := json.Marshal(args); err == nil {
			t.Args = raw
		}
	}
	if ans != nil {
		raw, err := json.Marshal(ans.Result)
		if err != nil {
			return "", eris.Wrap(err, "encoding tool result")
		}
		t.Result = raw
		t.Answer = ans.Text
		t.Citations = ans.Citations
	}
	if askErr != nil {
		t.Error = askErr.Error()
	}
	if err := p.traces.AddToolTrace(ctx, t); err != nil {
		if askErr != nil {
			p.log.Warn("could not record failed question", zap.Error(err))
			return "", nil
		}
		return "", eris.Wrap(err, "recording question trace")
	}
	return t.ID, nil
}
