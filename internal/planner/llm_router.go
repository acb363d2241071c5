package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/hurttlocker/capmap/internal/analytics"
	"github.com/hurttlocker/capmap/internal/llm"
	"github.com/hurttlocker/capmap/internal/logging"
)

// routeTimeout bounds a single routing completion.
const routeTimeout = 30 * time.Second

// missingGeoMarker is what the model puts in args when a distance question
// arrives without coordinates.
const missingGeoMarker = "MISSING_GEO"

const routeSystemPrompt = `You route questions about health facilities to exactly one deterministic analytics tool.
Do NOT compute answers. Do NOT infer results.

Return ONLY a JSON object:
{"tool": "tool name", "args": {}, "rationale": "short reason"}

If the question needs a distance search but lat, lon or km is missing, return
{"tool": "geo_within_km", "args": {"error": "MISSING_GEO"}}.

Tools:
%s`

// LLMRouter asks an OpenAI-compatible model to pick the tool. Any failure
// other than a missing-coordinates verdict falls back to another router.
type LLMRouter struct {
	provider llm.Provider
	fallback Router
	log      *zap.Logger
}

// LLMRouterOption configures an LLMRouter.
type LLMRouterOption func(*LLMRouter)

// WithRouterLogger sets the logger used for fallbacks.
func WithRouterLogger(l *zap.Logger) LLMRouterOption {
	return func(r *LLMRouter) { r.log = logging.OrNop(l) }
}

// NewLLMRouter creates a model-backed router.
func NewLLMRouter(p llm.Provider, opts ...LLMRouterOption) *LLMRouter {
	r := &LLMRouter{provider: p, fallback: NewKeywordRouter(), log: zap.NewNop()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Name implements Router.
func (r *LLMRouter) Name() string { return RouterLLM + "/" + r.provider.Name() }

type routeReply struct {
	Tool      string         `json:"tool"`
	Args      map[string]any `json:"args"`
	Rationale string         `json:"rationale"`
}

// Route implements Router.
func (r *LLMRouter) Route(ctx context.Context, req Request) (Decision, error) {
	d, err := r.route(ctx, req)
	if err == nil {
		return d, nil
	}
	if eris.Is(err, analytics.ErrMissingGeo) || ctx.Err() != nil {
		return Decision{}, err
	}
	r.log.Warn("llm routing failed, using fallback router",
		zap.String("fallback", r.fallback.Name()),
		zap.Error(err))
	return r.fallback.Route(ctx, req)
}

func (r *LLMRouter) route(ctx context.Context, req Request) (Decision, error) {
	cctx, cancel := context.WithTimeout(ctx, routeTimeout)
	defer cancel()

	reply, err := r.provider.Complete(cctx, routePrompt(req), llm.CompletionOpts{
		System:      fmt.Sprintf(routeSystemPrompt, toolCatalog()),
		Format:      "json",
		Temperature: 0,
	})
	if err != nil {
		return Decision{}, eris.Wrap(err, "routing completion")
	}

	var rr routeReply
	if err := json.Unmarshal([]byte(stripFence(reply)), &rr); err != nil {
		return Decision{}, eris.Wrap(err, "decoding routing reply")
	}
	spec, err := analytics.Lookup(rr.Tool)
	if err != nil {
		return Decision{}, err
	}
	args := analytics.Args(rr.Args)
	if args == nil {
		args = analytics.Args{}
	}
	if marker, _ := args["error"].(string); strings.EqualFold(marker, missingGeoMarker) {
		return Decision{}, eris.Wrap(analytics.ErrMissingGeo, "lat, lon and km are required for distance questions")
	}
	delete(args, "error")

	// Structured context from the request wins over what the model echoed.
	if spec.Name == analytics.ToolGeoWithinKm {
		setIfPresent(args, "lat", req.Lat)
		setIfPresent(args, "lon", req.Lon)
		setIfPresent(args, "km", req.Km)
	}
	if takesFilters(spec) {
		withFilters(args, req.Filters)
	}

	return Decision{
		Tool:      spec.Name,
		Args:      args,
		Rationale: strings.TrimSpace(rr.Rationale),
		Router:    RouterLLM,
	}, nil
}

func routePrompt(req Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Question: %s\n", req.Question)
	if f, err := json.Marshal(req.Filters); err == nil {
		fmt.Fprintf(&b, "Filters: %s\n", f)
	}
	if req.Facility != "" {
		fmt.Fprintf(&b, "Facility: %s\n", req.Facility)
	}
	fmt.Fprintf(&b, "Lat: %s\nLon: %s\nKm: %s\n", fmtOpt(req.Lat), fmtOpt(req.Lon), fmtOpt(req.Km))
	return b.String()
}

// toolCatalog renders the tool vocabulary with parameter names for the
// system prompt.
func toolCatalog() string {
	var b strings.Builder
	for _, t := range analytics.Tools() {
		params := make([]string, 0, len(t.Params))
		for _, p := range t.Params {
			s := p.Name + ":" + string(p.Type)
			if p.Required {
				s += "!"
			}
			params = append(params, s)
		}
		fmt.Fprintf(&b, "- %s(%s): %s\n", t.Name, strings.Join(params, ", "), t.Description)
	}
	return b.String()
}

func takesFilters(spec analytics.ToolSpec) bool {
	for _, p := range spec.Params {
		if p.Name == "district" {
			return true
		}
	}
	return false
}

func setIfPresent(args analytics.Args, key string, v *float64) {
	if v != nil {
		args[key] = *v
	}
}

func fmtOpt(v *float64) string {
	if v == nil {
		return "none"
	}
	return fmt.Sprintf("%g", *v)
}

func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
