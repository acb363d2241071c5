package planner

import (
	"context"
	"strings"

	"github.com/hurttlocker/capmap/internal/analytics"
)

// Router names.
const (
	RouterKeyword = "keyword"
	RouterLLM     = "llm"
)

// Fallback arguments used when a question routes to a tool but names none of
// the terms it needs.
var (
	defaultCriticalService = "emergency_care"
	defaultScarceProcedure = "cardiology"
	defaultLowComplexity   = []string{"appendectomy", "c_section"}
	defaultHighComplexity  = []string{"cardiology", "dialysis", "orthopedic_surgery"}
	defaultFeatures        = []string{"services.surgery", "services.emergency_care", "procedures.c_section"}
)

// Request is one natural-language question plus the structured context that
// came with it.
type Request struct {
	Question string            `json:"question"`
	Filters  analytics.Filters `json:"filters"`
	Facility string            `json:"facility,omitempty"`
	Lat      *float64          `json:"lat,omitempty"`
	Lon      *float64          `json:"lon,omitempty"`
	Km       *float64          `json:"km,omitempty"`
}

// Decision is a routed question: which tool to run and with what arguments.
type Decision struct {
	Tool      string         `json:"tool"`
	Args      analytics.Args `json:"args"`
	Rationale string         `json:"rationale,omitempty"`
	Router    string         `json:"router"`
}

// Router picks the analytics tool for a question. It never computes answers.
type Router interface {
	Route(ctx context.Context, req Request) (Decision, error)
	Name() string
}

// intentRule is one row of the keyword intent table.
type intentRule struct {
	rationale string
	match     func(q string, t Terms) bool
	build     func(req Request, t Terms) (tool string, args analytics.Args)
}

// KeywordRouter is the deterministic router: an ordered keyword table over
// the lower-cased question. The first matching rule wins; questions no rule
// claims become capability counts.
type KeywordRouter struct{}

// NewKeywordRouter returns the keyword router.
func NewKeywordRouter() *KeywordRouter { return &KeywordRouter{} }

// Name implements Router.
func (*KeywordRouter) Name() string { return RouterKeyword }

// Route implements Router. It never fails; argument problems surface when
// the tool validates its arguments.
func (r *KeywordRouter) Route(_ context.Context, req Request) (Decision, error) {
	q := strings.ToLower(req.Question)
	terms := ParseQuestion(req.Question)
	for _, rule := range intentRules {
		if rule.match(q, terms) {
			tool, args := rule.build(req, terms)
			return Decision{Tool: tool, Args: args, Rationale: rule.rationale, Router: RouterKeyword}, nil
		}
	}
	tool, args := buildCount(req, terms)
	return Decision{Tool: tool, Args: args, Rationale: "default count query", Router: RouterKeyword}, nil
}

var intentRules = []intentRule{
	{
		rationale: "cold spot detection",
		match: func(q string, _ Terms) bool {
			return containsAny(q, "cold spot", "absent within", "no facility")
		},
		build: buildColdSpots,
	},
	{
		rationale: "geo within distance",
		match: func(q string, _ Terms) bool {
			return strings.Contains(q, "within") && strings.Contains(q, "km")
		},
		build: buildGeoWithin,
	},
	{
		rationale: "facilities missing equipment",
		match: func(q string, t Terms) bool {
			return len(t.Equipment) > 0 && containsAny(q, "lack", "missing", "without")
		},
		build: buildMissingEquipment,
	},
	{
		rationale: "region ranking",
		match: func(q string, _ Terms) bool {
			return strings.Contains(q, "most") && strings.Contains(q, "region")
		},
		build: func(req Request, t Terms) (string, analytics.Args) {
			return analytics.ToolRegionRanking, analytics.Args{"metric": t.Capability()}
		},
	},
	{
		rationale: "facility services lookup",
		match: func(q string, _ Terms) bool {
			return containsAny(q, "services does", "offer")
		},
		build: buildLookup,
	},
	{
		rationale: "clinic lookup",
		match: func(q string, _ Terms) bool {
			return strings.Contains(q, "clinic") && (hasWord(q, "do") || strings.Contains(q, "offer"))
		},
		build: buildLookup,
	},
	{
		rationale: "workforce distribution",
		match: func(q string, _ Terms) bool {
			return containsAny(q, "workforce", "practicing", "practising", "where is")
		},
		build: func(req Request, t Terms) (string, analytics.Args) {
			args := analytics.Args{}
			if len(t.Specialists) > 0 {
				args["subspecialty"] = t.Specialists[0]
			}
			return analytics.ToolWorkforceWherePracticing, withFilters(args, req.Filters)
		},
	},
	{
		rationale: "scarcity dependency",
		match: func(q string, _ Terms) bool {
			return containsAny(q, "depend on", "few facilities")
		},
		build: func(req Request, t Terms) (string, analytics.Args) {
			procedure := t.Capability()
			if procedure == "" {
				procedure = defaultScarceProcedure
			}
			args := analytics.Args{"procedure": procedure}
			if req.Filters.Region != "" {
				args["region"] = req.Filters.Region
			}
			return analytics.ToolScarcityDependencyOnFew, args
		},
	},
	{
		rationale: "oversupply vs scarcity",
		match: func(q string, _ Terms) bool {
			return containsAny(q, "oversupply", "scarcity")
		},
		build: buildSupply,
	},
	{
		rationale: "correlation analysis",
		match: func(q string, _ Terms) bool {
			return containsAny(q, "correlation", "move together")
		},
		build: func(req Request, t Terms) (string, analytics.Args) {
			var features []string
			for _, p := range t.Procedures {
				features = append(features, "procedures."+p)
			}
			for _, s := range t.Services {
				features = append(features, "services."+s)
			}
			if len(features) == 0 {
				features = append(features, defaultFeatures...)
			}
			return analytics.ToolCorrelationFeatureMovement, analytics.Args{"features": features}
		},
	},
	{
		rationale: "breadth vs infrastructure",
		match: func(q string, _ Terms) bool {
			return containsAny(q, "unrealistic", "breadth")
		},
		build: func(Request, Terms) (string, analytics.Args) {
			return analytics.ToolBreadthAnomalies, analytics.Args{}
		},
	},
	{
		rationale: "ngo gap map",
		match: func(q string, _ Terms) bool {
			return containsAny(q, "gap", "development map")
		},
		build: func(Request, Terms) (string, analytics.Args) {
			return analytics.ToolNGOGapMap, analytics.Args{}
		},
	},
}

func buildCount(req Request, t Terms) (string, analytics.Args) {
	args := analytics.Args{}
	if c := t.Capability(); c != "" {
		args["capability"] = c
	}
	return analytics.ToolCountByCapability, withFilters(args, req.Filters)
}

func buildColdSpots(req Request, t Terms) (string, analytics.Args) {
	service := t.Capability()
	if service == "" {
		service = defaultCriticalService
	}
	args := analytics.Args{"service_or_bundle": service}
	if t.District {
		args["region_level"] = "district"
	}
	if km := firstKm(req.Km, t.Km); km != nil {
		args["km"] = *km
	}
	return analytics.ToolGeoColdSpots, args
}

// buildGeoWithin copies whatever coordinates the request carries. Missing
// ones are left out so the tool rejects the call as MISSING_GEO.
func buildGeoWithin(req Request, t Terms) (string, analytics.Args) {
	args := analytics.Args{}
	if c := t.Capability(); c != "" {
		args["condition_or_service"] = c
	}
	if req.Lat != nil {
		args["lat"] = *req.Lat
	}
	if req.Lon != nil {
		args["lon"] = *req.Lon
	}
	if km := firstKm(req.Km, t.Km); km != nil {
		args["km"] = *km
	}
	return analytics.ToolGeoWithinKm, args
}

func buildMissingEquipment(req Request, t Terms) (string, analytics.Args) {
	args := analytics.Args{"required_equipment": append([]string{}, t.Equipment...)}
	if c := t.Capability(); c != "" {
		args["service"] = c
	}
	return analytics.ToolFacilitiesMissingEquipment, withFilters(args, req.Filters)
}

// buildLookup answers "what does X offer" with the facility's services and
// "which clinics do X" with the facilities offering X.
func buildLookup(req Request, t Terms) (string, analytics.Args) {
	name := t.Facility
	if name == "" {
		name = strings.TrimSpace(req.Facility)
	}
	if name != "" {
		return analytics.ToolFacilityServices, analytics.Args{"facility_name_or_id": name}
	}
	args := analytics.Args{}
	if c := t.Capability(); c != "" {
		args["service"] = c
	}
	return analytics.ToolFindFacilitiesByService, withFilters(args, req.Filters)
}

// buildSupply splits "X vs Y" questions into the low and high sets.
func buildSupply(req Request, t Terms) (string, analytics.Args) {
	low, high := defaultLowComplexity, defaultHighComplexity
	q := strings.ToLower(req.Question)
	for _, sep := range []string{" versus ", " vs. ", " vs ", " compared to "} {
		left, right, ok := strings.Cut(q, sep)
		if !ok {
			continue
		}
		if l := ParseQuestion(left).Capabilities(); len(l) > 0 {
			low = l
		}
		if h := ParseQuestion(right).Capabilities(); len(h) > 0 {
			high = h
		}
		break
	}
	return analytics.ToolOversupplyVsScarcity, analytics.Args{
		"low_complexity_set":  append([]string{}, low...),
		"high_complexity_set": append([]string{}, high...),
	}
}

func withFilters(args analytics.Args, fl analytics.Filters) analytics.Args {
	if fl.Region != "" {
		args["region"] = fl.Region
	}
	if fl.District != "" {
		args["district"] = fl.District
	}
	if fl.FacilityType != "" {
		args["facility_type"] = fl.FacilityType
	}
	return args
}

func firstKm(vals ...*float64) *float64 {
	for _, v := range vals {
		if v != nil {
			return v
		}
	}
	return nil
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func hasWord(s, word string) bool {
	for _, f := range strings.FieldsFunc(s, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '\'')
	}) {
		if f == word {
			return true
		}
	}
	return false
}
