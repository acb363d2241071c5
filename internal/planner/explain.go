package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/hurttlocker/capmap/internal/analytics"
	"github.com/hurttlocker/capmap/internal/llm"
)

// Explainer turns a tool response into prose. It must not add facts; the
// citations of the response are the only citations of the answer.
type Explainer interface {
	Explain(ctx context.Context, question string, resp analytics.Response) (string, error)
	Name() string
}

// maxListed caps how many names a template sentence enumerates.
const maxListed = 5

// TemplateExplainer writes one deterministic summary per tool.
type TemplateExplainer struct{}

// Name implements Explainer.
func (TemplateExplainer) Name() string { return "template" }

// Explain implements Explainer. It never fails.
func (TemplateExplainer) Explain(_ context.Context, _ string, resp analytics.Response) (string, error) {
	return describe(resp), nil
}

func describe(resp analytics.Response) string {
	switch r := resp.Result.(type) {
	case analytics.CountResult:
		return fmt.Sprintf("%d %s %s%s.", r.Count, plural(r.Count, "facility offers", "facilities offer"), r.Capability, filterPhrase(r.Filters))
	case analytics.FacilityServicesResult:
		if r.Facility == nil {
			return fmt.Sprintf("No facility matches %q.", r.Query)
		}
		var offered []string
		for name, ok := range r.Services {
			if ok {
				offered = append(offered, name)
			}
		}
		return fmt.Sprintf("%s offers services %s and procedures %s.",
			r.Facility.Name, listOrNone(sortedCopy(offered)), listOrNone(r.Procedures))
	case analytics.ServiceFacilitiesResult:
		return fmt.Sprintf("%d %s %s%s: %s.", len(r.Facilities), plural(len(r.Facilities), "facility offers", "facilities offer"),
			r.Service, filterPhrase(r.Filters), listOrNone(refNames(r.Facilities)))
	case analytics.RegionRankingResult:
		if len(r.Ranking) == 0 {
			return fmt.Sprintf("No region has a facility listing %s.", r.Metric)
		}
		top := r.Ranking[0]
		return fmt.Sprintf("%s leads for %s with %d %s.", top.Region, r.Metric, top.Count, plural(top.Count, "facility", "facilities"))
	case analytics.GeoWithinResult:
		if len(r.Facilities) == 0 {
			return fmt.Sprintf("No facility offering %s lies within %g km.", r.Term, r.Km)
		}
		nearest := r.Facilities[0]
		return fmt.Sprintf("%d %s offering %s lie within %g km; the nearest is %s at %g km.",
			len(r.Facilities), plural(len(r.Facilities), "facility", "facilities"), r.Term, r.Km, nearest.Name, nearest.DistanceKm)
	case analytics.ColdSpotResult:
		return fmt.Sprintf("%d %s with no facility offering %s: %s.", len(r.ColdSpots), plural(len(r.ColdSpots), r.RegionLevel, r.RegionLevel+"s"),
			r.Service, listOrNone(r.ColdSpots))
	case analytics.BreadthAnomalyResult:
		return fmt.Sprintf("%d %s flagged for procedure breadth beyond listed equipment.",
			len(r.Facilities), plural(len(r.Facilities), "facility is", "facilities are"))
	case analytics.CorrelationResult:
		return fmt.Sprintf("Features %s observed across %d %s.", strings.Join(r.Features, ", "),
			len(r.Observations), plural(len(r.Observations), "facility", "facilities"))
	case analytics.WorkforceResult:
		return fmt.Sprintf("%s specialists practice at %d %s: %s.", r.Subspecialty, len(r.Facilities),
			plural(len(r.Facilities), "facility", "facilities"), listOrNone(refNames(r.Facilities)))
	case analytics.ScarcityResult:
		verdict := "is not"
		if r.Dependency {
			verdict = "is"
		}
		return fmt.Sprintf("%s is offered by %d %s and %s dependent on a few providers.",
			r.Procedure, r.ProviderCount, plural(r.ProviderCount, "facility", "facilities"), verdict)
	case analytics.SupplyResult:
		ratio := "undefined"
		if r.Ratio != nil {
			ratio = fmt.Sprintf("%.2f", *r.Ratio)
		}
		return fmt.Sprintf("Low-complexity listings: %d; high-complexity listings: %d; ratio %s.", r.LowCount, r.HighCount, ratio)
	case analytics.NGOGapResult:
		return fmt.Sprintf("%d %s without facility notes mentioning %q: %s.", len(r.GapRegions),
			plural(len(r.GapRegions), "region", "regions"), r.ProxyKeyword, listOrNone(r.GapRegions))
	case analytics.MissingEquipmentResult:
		return fmt.Sprintf("%d %s offering %s lack required equipment (%s).", len(r.Facilities),
			plural(len(r.Facilities), "facility", "facilities"), r.Service, strings.Join(r.RequiredEquipment, ", "))
	}
	return fmt.Sprintf("%s returned a result.", resp.Tool)
}

// LLMExplainer asks a model to restate the deterministic result.
type LLMExplainer struct {
	provider llm.Provider
}

// NewLLMExplainer creates a model-backed explainer.
func NewLLMExplainer(p llm.Provider) *LLMExplainer {
	return &LLMExplainer{provider: p}
}

// Name implements Explainer.
func (e *LLMExplainer) Name() string { return "llm/" + e.provider.Name() }

const explainSystemPrompt = `Explain deterministic results in plain language.
Do NOT add new facts. Do NOT compute new metrics.
Use only the provided tool output. Answer in at most four sentences.`

// explainTimeout bounds a single explanation completion.
const explainTimeout = 30 * time.Second

// Explain implements Explainer.
func (e *LLMExplainer) Explain(ctx context.Context, question string, resp analytics.Response) (string, error) {
	out, err := json.Marshal(resp.Result)
	if err != nil {
		return "", eris.Wrap(err, "encoding tool output")
	}
	ctx, cancel := context.WithTimeout(ctx, explainTimeout)
	defer cancel()

	prompt := fmt.Sprintf("Question: %s\nTool: %s\nToolOutput: %s", question, resp.Tool, out)
	text, err := e.provider.Complete(ctx, prompt, llm.CompletionOpts{
		System:      explainSystemPrompt,
		Temperature: 0.1,
		MaxTokens:   400,
	})
	if err != nil {
		return "", eris.Wrap(err, "explanation completion")
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", eris.New("empty explanation")
	}
	return text, nil
}

func filterPhrase(fl analytics.Filters) string {
	var parts []string
	if fl.Region != "" {
		parts = append(parts, "region "+fl.Region)
	}
	if fl.District != "" {
		parts = append(parts, "district "+fl.District)
	}
	if fl.FacilityType != "" {
		parts = append(parts, "type "+fl.FacilityType)
	}
	if len(parts) == 0 {
		return ""
	}
	return " in " + strings.Join(parts, ", ")
}

func refNames(refs []analytics.FacilityRef) []string {
	out := make([]string, 0, len(refs))
	for _, r := range refs {
		out = append(out, r.Name)
	}
	return out
}

func listOrNone(items []string) string {
	if len(items) == 0 {
		return "none"
	}
	if len(items) > maxListed {
		return strings.Join(items[:maxListed], ", ") + fmt.Sprintf(" and %d more", len(items)-maxListed)
	}
	return strings.Join(items, ", ")
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}

func sortedCopy(items []string) []string {
	out := append([]string{}, items...)
	sort.Strings(out)
	return out
}
