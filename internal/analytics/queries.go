// Package analytics answers fixed, evidence-cited questions over a corpus
// snapshot. Every query is a pure function of the snapshot and its
// arguments; none of them fails on an empty corpus.
package analytics

import (
	"sort"
	"strconv"
	"strings"

	"github.com/hurttlocker/capmap/internal/geo"
	"github.com/hurttlocker/capmap/internal/model"
)

// DefaultNGOKeyword is the proxy keyword used by NGOGapMap when none is given.
const DefaultNGOKeyword = "ngo"

// DependencyMaxProviders is the provider count at or below which a procedure
// depends on few facilities.
const DependencyMaxProviders = 2

// FacilityRef names one facility in a result list.
type FacilityRef struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

func refOf(f model.Facility) FacilityRef {
	return FacilityRef{ID: f.ID, Name: f.Name}
}

func servicePath(name string) string   { return model.PathServices + "." + name }
func procedurePath(name string) string { return model.PathProcedures + "." + name }

// citations converts the spans of rec supporting any of paths.
func citations(rec model.FacilityRecord, paths ...string) []model.Citation {
	spans := rec.EvidenceFor(paths...)
	out := make([]model.Citation, 0, len(spans))
	for _, s := range spans {
		out = append(out, s.Citation())
	}
	return out
}

func normTerm(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// CountResult answers count_by_capability.
type CountResult struct {
	Capability string           `json:"capability"`
	Filters    Filters          `json:"filters"`
	Count      int              `json:"count"`
	Facilities []FacilityRef    `json:"facilities"`
	Citations  []model.Citation `json:"citations"`
}

// CountByCapability counts facilities that list capability as a procedure or
// have it as an available service.
func CountByCapability(c *model.Corpus, capability string, fl Filters) CountResult {
	capability = normTerm(capability)
	res := CountResult{Capability: capability, Filters: fl, Facilities: []FacilityRef{}, Citations: []model.Citation{}}
	for _, rec := range profiled(c, fl) {
		if !rec.Profile.Offers(capability) {
			continue
		}
		res.Count++
		res.Facilities = append(res.Facilities, refOf(rec.Facility))
		res.Citations = append(res.Citations, citations(rec, procedurePath(capability), servicePath(capability))...)
	}
	return res
}

// FacilityServicesResult answers facility_services. Facility is nil when
// nothing matched.
type FacilityServicesResult struct {
	Query      string           `json:"query"`
	Facility   *FacilityRef     `json:"facility"`
	Services   map[string]bool  `json:"services"`
	Procedures []string         `json:"procedures"`
	Citations  []model.Citation `json:"citations"`
}

// matchFacility resolves a name-or-id. An exact id wins over a
// case-insensitive substring match on the name; the first match is used.
func matchFacility(records []model.FacilityRecord, nameOrID string) (model.FacilityRecord, bool) {
	nameOrID = strings.TrimSpace(nameOrID)
	if nameOrID == "" {
		return model.FacilityRecord{}, false
	}
	if id, err := strconv.ParseInt(nameOrID, 10, 64); err == nil {
		for _, rec := range records {
			if rec.Facility.ID == id {
				return rec, true
			}
		}
	}
	needle := strings.ToLower(nameOrID)
	for _, rec := range records {
		if strings.Contains(strings.ToLower(rec.Facility.Name), needle) {
			return rec, true
		}
	}
	return model.FacilityRecord{}, false
}

// FacilityServices lists what one facility offers.
func FacilityServices(c *model.Corpus, nameOrID string) FacilityServicesResult {
	res := FacilityServicesResult{
		Query:      strings.TrimSpace(nameOrID),
		Services:   map[string]bool{},
		Procedures: []string{},
		Citations:  []model.Citation{},
	}
	rec, ok := matchFacility(c.Profiled(), nameOrID)
	if !ok {
		return res
	}
	ref := refOf(rec.Facility)
	res.Facility = &ref
	for _, name := range model.ServiceNames {
		res.Services[name] = rec.Profile.ServiceAvailable(name)
	}
	res.Procedures = append(res.Procedures, rec.Profile.Procedures...)
	for _, s := range rec.Evidence {
		res.Citations = append(res.Citations, s.Citation())
	}
	return res
}

// ServiceFacilitiesResult answers find_facilities_by_service.
type ServiceFacilitiesResult struct {
	Service    string           `json:"service"`
	Filters    Filters          `json:"filters"`
	Facilities []FacilityRef    `json:"facilities"`
	Citations  []model.Citation `json:"citations"`
}

// FindFacilitiesByService lists facilities offering service.
func FindFacilitiesByService(c *model.Corpus, service string, fl Filters) ServiceFacilitiesResult {
	service = normTerm(service)
	res := ServiceFacilitiesResult{Service: service, Filters: fl, Facilities: []FacilityRef{}, Citations: []model.Citation{}}
	for _, rec := range profiled(c, fl) {
		if !rec.Profile.Offers(service) {
			continue
		}
		res.Facilities = append(res.Facilities, refOf(rec.Facility))
		res.Citations = append(res.Citations, citations(rec, servicePath(service), procedurePath(service))...)
	}
	return res
}

// RegionCount is one row of a region ranking.
type RegionCount struct {
	Region string `json:"region"`
	Count  int    `json:"count"`
}

// RegionRankingResult answers region_ranking.
type RegionRankingResult struct {
	Metric    string           `json:"metric"`
	Ranking   []RegionCount    `json:"ranking"`
	Citations []model.Citation `json:"citations"`
}

// RegionRanking ranks regions by how many facilities list metric as a
// procedure. Ties keep first-seen order.
func RegionRanking(c *model.Corpus, metric string) RegionRankingResult {
	metric = normTerm(metric)
	res := RegionRankingResult{Metric: metric, Ranking: []RegionCount{}, Citations: []model.Citation{}}
	index := map[string]int{}
	for _, rec := range c.Profiled() {
		region := rec.Facility.GroupKey("region")
		if region == "" || !rec.Profile.HasProcedure(metric) {
			continue
		}
		i, ok := index[region]
		if !ok {
			i = len(res.Ranking)
			index[region] = i
			res.Ranking = append(res.Ranking, RegionCount{Region: region})
		}
		res.Ranking[i].Count++
		res.Citations = append(res.Citations, citations(rec, procedurePath(metric))...)
	}
	sort.SliceStable(res.Ranking, func(i, j int) bool {
		return res.Ranking[i].Count > res.Ranking[j].Count
	})
	return res
}

// NearbyFacility is one hit of a radius search.
type NearbyFacility struct {
	FacilityRef
	DistanceKm float64 `json:"distance_km"`
}

// GeoWithinResult answers geo_within_km.
type GeoWithinResult struct {
	Term       string           `json:"condition_or_service"`
	Origin     geo.Point        `json:"origin"`
	Km         float64          `json:"km"`
	Facilities []NearbyFacility `json:"facilities"`
	Citations  []model.Citation `json:"citations"`
}

// GeoWithinKm finds facilities offering term within km of origin, nearest
// first. Facilities without coordinates are skipped.
func GeoWithinKm(c *model.Corpus, term string, origin geo.Point, km float64) GeoWithinResult {
	term = normTerm(term)
	res := GeoWithinResult{Term: term, Origin: origin, Km: km, Facilities: []NearbyFacility{}, Citations: []model.Citation{}}
	for _, rec := range c.Profiled() {
		f := rec.Facility
		if !f.HasCoordinates() || !rec.Profile.Offers(term) {
			continue
		}
		d := geo.HaversineKm(origin, geo.Point{Lat: *f.Lat, Lon: *f.Lon})
		if d > km {
			continue
		}
		res.Facilities = append(res.Facilities, NearbyFacility{FacilityRef: refOf(f), DistanceKm: geo.Round2(d)})
		res.Citations = append(res.Citations, citations(rec, procedurePath(term), servicePath(term))...)
	}
	sort.SliceStable(res.Facilities, func(i, j int) bool {
		return res.Facilities[i].DistanceKm < res.Facilities[j].DistanceKm
	})
	return res
}

// ColdSpotResult answers geo_cold_spots. KmApplied is always false: groups
// are checked for presence only, the radius is echoed but never used.
type ColdSpotResult struct {
	Service     string           `json:"service_or_bundle"`
	RegionLevel string           `json:"region_level"`
	Km          float64          `json:"km"`
	KmApplied   bool             `json:"km_applied"`
	ColdSpots   []string         `json:"cold_spots"`
	Covered     []string         `json:"covered"`
	Citations   []model.Citation `json:"citations"`
}

// GeoColdSpots groups facilities by region or district and returns the groups
// where no facility offers service.
func GeoColdSpots(c *model.Corpus, service string, km float64, level string) ColdSpotResult {
	service = normTerm(service)
	level = normTerm(level)
	if level != "district" {
		level = "region"
	}
	res := ColdSpotResult{Service: service, RegionLevel: level, Km: km, ColdSpots: []string{}, Covered: []string{}, Citations: []model.Citation{}}

	covered := map[string]bool{}
	for _, rec := range c.Profiled() {
		key := rec.Facility.GroupKey(level)
		if key == "" {
			continue
		}
		if rec.Profile.Offers(service) {
			covered[key] = true
			res.Citations = append(res.Citations, citations(rec, servicePath(service), procedurePath(service))...)
		} else if _, seen := covered[key]; !seen {
			covered[key] = false
		}
	}
	for key, ok := range covered {
		if ok {
			res.Covered = append(res.Covered, key)
		} else {
			res.ColdSpots = append(res.ColdSpots, key)
		}
	}
	sort.Strings(res.ColdSpots)
	sort.Strings(res.Covered)
	return res
}

// AnomalyFacility is one persisted anomaly joined to its facility.
type AnomalyFacility struct {
	FacilityRef
	Type        string                `json:"type"`
	Severity    model.AnomalySeverity `json:"severity"`
	Description string                `json:"description"`
}

// BreadthAnomalyResult answers anomaly_unrealistic_procedure_breadth.
type BreadthAnomalyResult struct {
	Facilities []AnomalyFacility `json:"facilities"`
	Citations  []model.Citation  `json:"citations"`
}

// BreadthAnomalies reads the stored unrealistic-breadth anomalies. The answer
// is only as fresh as the last anomaly rebuild.
func BreadthAnomalies(c *model.Corpus) BreadthAnomalyResult {
	res := BreadthAnomalyResult{Facilities: []AnomalyFacility{}, Citations: []model.Citation{}}
	if c == nil {
		return res
	}
	for _, a := range c.Anomalies {
		if a.Type != model.AnomalyUnrealisticBreadth {
			continue
		}
		rec, ok := c.Lookup(a.FacilityID)
		if !ok {
			continue
		}
		res.Facilities = append(res.Facilities, AnomalyFacility{
			FacilityRef: refOf(rec.Facility),
			Type:        a.Type,
			Severity:    a.Severity,
			Description: a.Description,
		})
		for _, s := range rec.EvidenceWithPrefix(model.PathProcedures+".", model.PathEquipment+".") {
			res.Citations = append(res.Citations, s.Citation())
		}
	}
	return res
}

// FeatureRow is one facility's aligned feature observations. A nil value
// means the feature could not be resolved against the profile schema.
type FeatureRow struct {
	FacilityRef
	Values map[string]*bool `json:"values"`
}

// CorrelationResult answers correlation_feature_movement.
type CorrelationResult struct {
	Features     []string         `json:"features"`
	Observations []FeatureRow     `json:"observations"`
	Citations    []model.Citation `json:"citations"`
}

// resolveFeature reads one feature from a profile. "procedures.x" is
// membership and "services.x" is availability. A bare name is a service when
// it is one, otherwise a procedure.
func resolveFeature(p model.Profile, feature string) (value *bool, path string) {
	root, leaf, dotted := strings.Cut(feature, ".")
	if !dotted {
		leaf = root
		root = model.PathProcedures
		if model.IsService(leaf) {
			root = model.PathServices
		}
	}
	var v bool
	switch root {
	case model.PathProcedures:
		v = p.HasProcedure(leaf)
	case model.PathServices:
		if !model.IsService(leaf) {
			return nil, ""
		}
		v = p.ServiceAvailable(leaf)
	default:
		return nil, ""
	}
	return &v, root + "." + leaf
}

// CorrelationFeatureMovement returns, per facility, a boolean vector over
// features for the caller to correlate. No coefficient is computed here.
func CorrelationFeatureMovement(c *model.Corpus, features []string) CorrelationResult {
	res := CorrelationResult{Features: []string{}, Observations: []FeatureRow{}, Citations: []model.Citation{}}
	for _, f := range features {
		if f = normTerm(f); f != "" {
			res.Features = append(res.Features, f)
		}
	}
	for _, rec := range c.Profiled() {
		row := FeatureRow{FacilityRef: refOf(rec.Facility), Values: make(map[string]*bool, len(res.Features))}
		for _, f := range res.Features {
			v, path := resolveFeature(*rec.Profile, f)
			row.Values[f] = v
			if v != nil && *v {
				res.Citations = append(res.Citations, citations(rec, path)...)
			}
		}
		res.Observations = append(res.Observations, row)
	}
	return res
}

// WorkforceResult answers workforce_where_practicing.
type WorkforceResult struct {
	Subspecialty string           `json:"subspecialty"`
	Filters      Filters          `json:"filters"`
	Facilities   []FacilityRef    `json:"facilities"`
	Citations    []model.Citation `json:"citations"`
}

// WorkforceWherePracticing lists facilities whose specialist list holds the
// subspecialty token.
func WorkforceWherePracticing(c *model.Corpus, subspecialty string, fl Filters) WorkforceResult {
	subspecialty = normTerm(subspecialty)
	res := WorkforceResult{Subspecialty: subspecialty, Filters: fl, Facilities: []FacilityRef{}, Citations: []model.Citation{}}
	for _, rec := range profiled(c, fl) {
		if subspecialty == "" || !rec.Profile.HasSpecialist(subspecialty) {
			continue
		}
		res.Facilities = append(res.Facilities, refOf(rec.Facility))
		res.Citations = append(res.Citations, specialistCitations(rec, subspecialty)...)
	}
	return res
}

// specialistCitations prefers specialist spans that mention the token, and
// falls back to every specialist span.
func specialistCitations(rec model.FacilityRecord, token string) []model.Citation {
	spans := rec.EvidenceFor(model.PathSpecialists)
	needle := strings.ReplaceAll(token, "_", " ")
	var out []model.Citation
	for _, s := range spans {
		q := strings.ToLower(s.Quote)
		if strings.Contains(q, token) || strings.Contains(q, needle) {
			out = append(out, s.Citation())
		}
	}
	if len(out) > 0 {
		return out
	}
	out = make([]model.Citation, 0, len(spans))
	for _, s := range spans {
		out = append(out, s.Citation())
	}
	return out
}

// ScarcityResult answers scarcity_dependency_on_few.
type ScarcityResult struct {
	Procedure     string           `json:"procedure"`
	Region        string           `json:"region,omitempty"`
	ProviderCount int              `json:"provider_count"`
	Providers     []FacilityRef    `json:"providers"`
	Dependency    bool             `json:"dependency"`
	Citations     []model.Citation `json:"citations"`
}

// ScarcityDependencyOnFew reports whether procedure rests on at most
// DependencyMaxProviders facilities.
func ScarcityDependencyOnFew(c *model.Corpus, procedure, region string) ScarcityResult {
	procedure = normTerm(procedure)
	region = strings.TrimSpace(region)
	res := ScarcityResult{Procedure: procedure, Region: region, Providers: []FacilityRef{}, Citations: []model.Citation{}}
	for _, rec := range profiled(c, Filters{Region: region}) {
		if !rec.Profile.HasProcedure(procedure) {
			continue
		}
		res.Providers = append(res.Providers, refOf(rec.Facility))
		res.Citations = append(res.Citations, citations(rec, procedurePath(procedure))...)
	}
	res.ProviderCount = len(res.Providers)
	res.Dependency = res.ProviderCount <= DependencyMaxProviders
	return res
}

// SupplyResult answers oversupply_vs_scarcity. Ratio is nil when no
// high-complexity procedure is present anywhere.
type SupplyResult struct {
	LowSet    []string         `json:"low_complexity_set"`
	HighSet   []string         `json:"high_complexity_set"`
	LowCount  int              `json:"low_count"`
	HighCount int              `json:"high_count"`
	Ratio     *float64         `json:"ratio"`
	Citations []model.Citation `json:"citations"`
}

// OversupplyVsScarcity sums present low- and high-complexity procedures over
// all facilities.
func OversupplyVsScarcity(c *model.Corpus, low, high []string) SupplyResult {
	res := SupplyResult{LowSet: normList(low), HighSet: normList(high), Citations: []model.Citation{}}
	for _, rec := range c.Profiled() {
		for _, p := range res.LowSet {
			if rec.Profile.HasProcedure(p) {
				res.LowCount++
				res.Citations = append(res.Citations, citations(rec, procedurePath(p))...)
			}
		}
		for _, p := range res.HighSet {
			if rec.Profile.HasProcedure(p) {
				res.HighCount++
				res.Citations = append(res.Citations, citations(rec, procedurePath(p))...)
			}
		}
	}
	if res.HighCount > 0 {
		r := float64(res.LowCount) / float64(res.HighCount)
		res.Ratio = &r
	}
	return res
}

func normList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = normTerm(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// NGOGapResult answers ngo_gap_map.
type NGOGapResult struct {
	ProxyKeyword   string           `json:"proxy_keyword"`
	Note           string           `json:"note"`
	CoveredRegions []string         `json:"covered_regions"`
	GapRegions     []string         `json:"regions_without_ngo_mentions"`
	Citations      []model.Citation `json:"citations"`
}

const ngoGapNote = "NGO presence is not recorded directly; regions are covered when a facility note mentions the proxy keyword."

// NGOGapMap returns regions where no facility's notes mention the proxy
// keyword.
func NGOGapMap(c *model.Corpus, keyword string) NGOGapResult {
	keyword = normTerm(keyword)
	if keyword == "" {
		keyword = DefaultNGOKeyword
	}
	res := NGOGapResult{ProxyKeyword: keyword, Note: ngoGapNote, CoveredRegions: []string{}, GapRegions: []string{}, Citations: []model.Citation{}}

	covered := map[string]bool{}
	for _, rec := range c.Profiled() {
		region := rec.Facility.GroupKey("region")
		if region == "" {
			continue
		}
		if !covered[region] {
			covered[region] = rec.Profile.NotesContain(keyword)
		}
		if rec.Profile.NotesContain(keyword) {
			for _, s := range rec.Evidence {
				if strings.Contains(strings.ToLower(s.Quote), keyword) {
					res.Citations = append(res.Citations, s.Citation())
				}
			}
		}
	}
	for region, ok := range covered {
		if ok {
			res.CoveredRegions = append(res.CoveredRegions, region)
		} else {
			res.GapRegions = append(res.GapRegions, region)
		}
	}
	sort.Strings(res.CoveredRegions)
	sort.Strings(res.GapRegions)
	return res
}

// MissingEquipmentFacility is a facility offering a service without a device
// it needs.
type MissingEquipmentFacility struct {
	FacilityRef
	Missing []string `json:"missing"`
}

// MissingEquipmentResult answers anomaly_facilities_missing_equipment.
type MissingEquipmentResult struct {
	Service           string                     `json:"service"`
	RequiredEquipment []string                   `json:"required_equipment"`
	Facilities        []MissingEquipmentFacility `json:"facilities"`
	Citations         []model.Citation           `json:"citations"`
}

// FacilitiesMissingEquipment lists facilities that offer service but lack at
// least one required device. Devices without an equipment flag always count
// as missing.
func FacilitiesMissingEquipment(c *model.Corpus, required []string, service string, fl Filters) MissingEquipmentResult {
	service = normTerm(service)
	res := MissingEquipmentResult{
		Service:           service,
		RequiredEquipment: normList(required),
		Facilities:        []MissingEquipmentFacility{},
		Citations:         []model.Citation{},
	}
	for _, rec := range profiled(c, fl) {
		if !rec.Profile.Offers(service) {
			continue
		}
		var missing []string
		for _, device := range res.RequiredEquipment {
			if !rec.Profile.Equipment.Has(device) {
				missing = append(missing, device)
			}
		}
		if len(missing) == 0 {
			continue
		}
		res.Facilities = append(res.Facilities, MissingEquipmentFacility{FacilityRef: refOf(rec.Facility), Missing: missing})
		res.Citations = append(res.Citations, citations(rec, servicePath(service), procedurePath(service))...)
	}
	return res
}

// FacilityProfileResult is the full stored view of one facility.
type FacilityProfileResult struct {
	Facility     *model.Facility  `json:"facility"`
	ExtractionID int64            `json:"extraction_id,omitempty"`
	Profile      *model.Profile   `json:"profile"`
	Anomalies    []model.Anomaly  `json:"anomalies"`
	Citations    []model.Citation `json:"citations"`
}

// FacilityProfile returns the latest profile, anomalies and evidence of one
// facility. Facility is nil when nothing matched; Profile is nil for a
// facility that was never extracted.
func FacilityProfile(c *model.Corpus, nameOrID string) FacilityProfileResult {
	res := FacilityProfileResult{Anomalies: []model.Anomaly{}, Citations: []model.Citation{}}
	var records []model.FacilityRecord
	if c != nil {
		records = c.Facilities
	}
	rec, ok := matchFacility(records, nameOrID)
	if !ok {
		return res
	}
	f := rec.Facility
	res.Facility = &f
	res.ExtractionID = rec.ExtractionID
	res.Profile = rec.Profile
	if a := c.AnomaliesFor(f.ID); a != nil {
		res.Anomalies = a
	}
	for _, s := range rec.Evidence {
		res.Citations = append(res.Citations, s.Citation())
	}
	return res
}
