package analytics

import (
	"sort"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/hurttlocker/capmap/internal/geo"
	"github.com/hurttlocker/capmap/internal/model"
)

var (
	// ErrUnknownTool is returned for a tool name outside the fixed vocabulary.
	ErrUnknownTool = eris.New("unknown analytics tool")
	// ErrMissingGeo is returned when a radius query lacks lat, lon or km.
	ErrMissingGeo = eris.New("MISSING_GEO")
	// ErrInvalidArgument is returned for a missing or malformed argument.
	ErrInvalidArgument = eris.New("invalid argument")
)

// Tool names.
const (
	ToolCountByCapability          = "count_by_capability"
	ToolFacilityServices           = "facility_services"
	ToolFindFacilitiesByService    = "find_facilities_by_service"
	ToolRegionRanking              = "region_ranking"
	ToolGeoWithinKm                = "geo_within_km"
	ToolGeoColdSpots               = "geo_cold_spots"
	ToolBreadthAnomalies           = "anomaly_unrealistic_procedure_breadth"
	ToolCorrelationFeatureMovement = "correlation_feature_movement"
	ToolWorkforceWherePracticing   = "workforce_where_practicing"
	ToolScarcityDependencyOnFew    = "scarcity_dependency_on_few"
	ToolOversupplyVsScarcity       = "oversupply_vs_scarcity"
	ToolNGOGapMap                  = "ngo_gap_map"
	ToolFacilitiesMissingEquipment = "anomaly_facilities_missing_equipment"
)

// legacyToolPrefix is accepted in front of any tool name.
const legacyToolPrefix = "sql_"

// ParamType is the JSON type of a tool parameter.
type ParamType string

const (
	ParamString ParamType = "string"
	ParamNumber ParamType = "number"
	ParamList   ParamType = "array"
)

// Param describes one tool argument.
type Param struct {
	Name        string    `json:"name"`
	Type        ParamType `json:"type"`
	Required    bool      `json:"required"`
	Description string    `json:"description"`
}

type runFunc func(c *model.Corpus, a Args) (result any, cites []model.Citation, err error)

// ToolSpec is one entry of the fixed tool vocabulary.
type ToolSpec struct {
	Name        string
	Description string
	Params      []Param
	run         runFunc
}

var filterParams = []Param{
	{Name: "region", Type: ParamString, Description: "Region filter (case-insensitive)"},
	{Name: "district", Type: ParamString, Description: "District filter (case-insensitive)"},
	{Name: "facility_type", Type: ParamString, Description: "Facility type filter (case-insensitive)"},
}

func withFilters(params ...Param) []Param {
	return append(params, filterParams...)
}

var tools = []ToolSpec{
	{
		Name:        ToolCountByCapability,
		Description: "Count facilities that offer a capability, optionally filtered by region, district or facility type.",
		Params: withFilters(
			Param{Name: "capability", Type: ParamString, Required: true, Description: "Canonical capability, e.g. cardiology"},
		),
		run: func(c *model.Corpus, a Args) (any, []model.Citation, error) {
			r := CountByCapability(c, a.String("capability"), FiltersFrom(a))
			return r, r.Citations, nil
		},
	},
	{
		Name:        ToolFacilityServices,
		Description: "List the services and procedures of one facility, matched by id or by name.",
		Params: []Param{
			{Name: "facility_name_or_id", Type: ParamString, Required: true, Description: "Facility id or part of its name"},
		},
		run: func(c *model.Corpus, a Args) (any, []model.Citation, error) {
			r := FacilityServices(c, a.String("facility_name_or_id"))
			return r, r.Citations, nil
		},
	},
	{
		Name:        ToolFindFacilitiesByService,
		Description: "Find facilities offering a service, optionally filtered by region, district or facility type.",
		Params: withFilters(
			Param{Name: "service", Type: ParamString, Required: true, Description: "Canonical service or procedure"},
		),
		run: func(c *model.Corpus, a Args) (any, []model.Citation, error) {
			r := FindFacilitiesByService(c, a.String("service"), FiltersFrom(a))
			return r, r.Citations, nil
		},
	},
	{
		Name:        ToolRegionRanking,
		Description: "Rank regions by how many facilities list a procedure.",
		Params: []Param{
			{Name: "metric", Type: ParamString, Required: true, Description: "Canonical procedure to count"},
		},
		run: func(c *model.Corpus, a Args) (any, []model.Citation, error) {
			r := RegionRanking(c, a.String("metric"))
			return r, r.Citations, nil
		},
	},
	{
		Name:        ToolGeoWithinKm,
		Description: "Find facilities offering a service within km of a point, nearest first.",
		Params: []Param{
			{Name: "condition_or_service", Type: ParamString, Required: true, Description: "Canonical service or procedure"},
			{Name: "lat", Type: ParamNumber, Required: true, Description: "Latitude of the origin"},
			{Name: "lon", Type: ParamNumber, Required: true, Description: "Longitude of the origin"},
			{Name: "km", Type: ParamNumber, Required: true, Description: "Search radius in kilometres"},
		},
		run: runGeoWithin,
	},
	{
		Name:        ToolGeoColdSpots,
		Description: "List regions or districts where no facility offers a service. The km radius is echoed but not applied.",
		Params: []Param{
			{Name: "service_or_bundle", Type: ParamString, Required: true, Description: "Canonical service or procedure"},
			{Name: "km", Type: ParamNumber, Description: "Accepted for symmetry with geo_within_km; not applied"},
			{Name: "region_level", Type: ParamString, Description: "region (default) or district"},
		},
		run: func(c *model.Corpus, a Args) (any, []model.Citation, error) {
			km, _, err := a.Float("km")
			if err != nil {
				return nil, nil, err
			}
			r := GeoColdSpots(c, a.String("service_or_bundle"), km, a.String("region_level"))
			return r, r.Citations, nil
		},
	},
	{
		Name:        ToolBreadthAnomalies,
		Description: "Facilities flagged for many procedures with minimal equipment, as of the last anomaly rebuild.",
		run: func(c *model.Corpus, _ Args) (any, []model.Citation, error) {
			r := BreadthAnomalies(c)
			return r, r.Citations, nil
		},
	},
	{
		Name:        ToolCorrelationFeatureMovement,
		Description: "Per-facility boolean observations of several features, aligned for correlation.",
		Params: []Param{
			{Name: "features", Type: ParamList, Required: true, Description: "Features such as procedures.cardiology or services.surgery"},
		},
		run: func(c *model.Corpus, a Args) (any, []model.Citation, error) {
			r := CorrelationFeatureMovement(c, a.StringList("features"))
			return r, r.Citations, nil
		},
	},
	{
		Name:        ToolWorkforceWherePracticing,
		Description: "Facilities where a specialist is practicing.",
		Params: withFilters(
			Param{Name: "subspecialty", Type: ParamString, Required: true, Description: "Specialist token, e.g. anesthesiology"},
		),
		run: func(c *model.Corpus, a Args) (any, []model.Citation, error) {
			r := WorkforceWherePracticing(c, a.String("subspecialty"), FiltersFrom(a))
			return r, r.Citations, nil
		},
	},
	{
		Name:        ToolScarcityDependencyOnFew,
		Description: "Whether a procedure depends on two or fewer providers.",
		Params: []Param{
			{Name: "procedure", Type: ParamString, Required: true, Description: "Canonical procedure"},
			{Name: "region", Type: ParamString, Description: "Region filter (case-insensitive)"},
		},
		run: func(c *model.Corpus, a Args) (any, []model.Citation, error) {
			r := ScarcityDependencyOnFew(c, a.String("procedure"), a.String("region"))
			return r, r.Citations, nil
		},
	},
	{
		Name:        ToolOversupplyVsScarcity,
		Description: "Compare how often low- and high-complexity procedures are present across all facilities.",
		Params: []Param{
			{Name: "low_complexity_set", Type: ParamList, Required: true, Description: "Low-complexity procedures"},
			{Name: "high_complexity_set", Type: ParamList, Required: true, Description: "High-complexity procedures"},
		},
		run: func(c *model.Corpus, a Args) (any, []model.Citation, error) {
			r := OversupplyVsScarcity(c, a.StringList("low_complexity_set"), a.StringList("high_complexity_set"))
			return r, r.Citations, nil
		},
	},
	{
		Name:        ToolNGOGapMap,
		Description: "Regions with no facility note mentioning a partner keyword.",
		Params: []Param{
			{Name: "proxy_keyword", Type: ParamString, Description: "Keyword searched in facility notes (default ngo)"},
		},
		run: func(c *model.Corpus, a Args) (any, []model.Citation, error) {
			r := NGOGapMap(c, a.String("proxy_keyword"))
			return r, r.Citations, nil
		},
	},
	{
		Name:        ToolFacilitiesMissingEquipment,
		Description: "Facilities that offer a service but lack required equipment.",
		Params: withFilters(
			Param{Name: "required_equipment", Type: ParamList, Required: true, Description: "Equipment flags, e.g. anesthesia_machine"},
			Param{Name: "service", Type: ParamString, Required: true, Description: "Canonical service or procedure"},
		),
		run: func(c *model.Corpus, a Args) (any, []model.Citation, error) {
			r := FacilitiesMissingEquipment(c, a.StringList("required_equipment"), a.String("service"), FiltersFrom(a))
			return r, r.Citations, nil
		},
	},
}

var toolIndex = func() map[string]*ToolSpec {
	m := make(map[string]*ToolSpec, len(tools))
	for i := range tools {
		m[tools[i].Name] = &tools[i]
	}
	return m
}()

// Tools returns the tool vocabulary in registration order.
func Tools() []ToolSpec {
	out := make([]ToolSpec, len(tools))
	copy(out, tools)
	return out
}

// Vocabulary returns the sorted tool names.
func Vocabulary() []string {
	names := make([]string, 0, len(tools))
	for _, t := range tools {
		names = append(names, t.Name)
	}
	sort.Strings(names)
	return names
}

// Lookup resolves a tool name. Names are matched case-insensitively and may
// carry the legacy "sql_" prefix.
func Lookup(name string) (ToolSpec, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	key = strings.TrimPrefix(key, legacyToolPrefix)
	spec, ok := toolIndex[key]
	if !ok {
		return ToolSpec{}, eris.Wrapf(ErrUnknownTool, "%q", name)
	}
	return *spec, nil
}

// Validate checks args against the tool's parameters without touching any
// data.
func (t ToolSpec) Validate(a Args) error {
	switch t.Name {
	case ToolGeoWithinKm:
		if err := validateGeo(a); err != nil {
			return err
		}
	case ToolGeoColdSpots:
		if err := validateRegionLevel(a); err != nil {
			return err
		}
	}
	for _, p := range t.Params {
		if !a.Has(p.Name) {
			if p.Required {
				return eris.Wrapf(ErrInvalidArgument, "%s requires %q", t.Name, p.Name)
			}
			continue
		}
		switch p.Type {
		case ParamNumber:
			if _, _, err := a.Float(p.Name); err != nil {
				return err
			}
		case ParamList:
			if len(a.StringList(p.Name)) == 0 && p.Required {
				return eris.Wrapf(ErrInvalidArgument, "%s requires a non-empty %q", t.Name, p.Name)
			}
		}
	}
	return nil
}

func validateGeo(a Args) error {
	var missing []string
	for _, key := range []string{"lat", "lon", "km"} {
		if !a.Has(key) {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return eris.Wrapf(ErrMissingGeo, "missing %s", strings.Join(missing, ", "))
	}
	lat, _, err := a.Float("lat")
	if err != nil {
		return err
	}
	lon, _, err := a.Float("lon")
	if err != nil {
		return err
	}
	km, _, err := a.Float("km")
	if err != nil {
		return err
	}
	if !(geo.Point{Lat: lat, Lon: lon}).Valid() {
		return eris.Wrapf(ErrInvalidArgument, "coordinates out of range: %v, %v", lat, lon)
	}
	if km < 0 {
		return eris.Wrapf(ErrInvalidArgument, "km must not be negative, got %v", km)
	}
	return nil
}

// validateRegionLevel accepts an absent region_level, "region" or "district".
func validateRegionLevel(a Args) error {
	if !a.Has("region_level") {
		return nil
	}
	switch strings.ToLower(a.String("region_level")) {
	case "region", "district":
		return nil
	}
	return eris.Wrapf(ErrInvalidArgument, "region_level must be region or district, got %q", a.String("region_level"))
}

func runGeoWithin(c *model.Corpus, a Args) (any, []model.Citation, error) {
	lat, _, _ := a.Float("lat")
	lon, _, _ := a.Float("lon")
	km, _, _ := a.Float("km")
	r := GeoWithinKm(c, a.String("condition_or_service"), geo.Point{Lat: lat, Lon: lon}, km)
	return r, r.Citations, nil
}

// Call validates args and runs the tool over c.
func (t ToolSpec) Call(c *model.Corpus, a Args) (any, []model.Citation, error) {
	if err := t.Validate(a); err != nil {
		return nil, nil, err
	}
	return t.run(c, a)
}
