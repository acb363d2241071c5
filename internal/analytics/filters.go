package analytics

import (
	"strings"

	"github.com/hurttlocker/capmap/internal/model"
)

// Filters narrows a query to one area or facility type. Empty fields match
// everything. Matching ignores case.
type Filters struct {
	Region       string `json:"region,omitempty"`
	District     string `json:"district,omitempty"`
	FacilityType string `json:"facility_type,omitempty"`
}

// FiltersFrom reads the standard filter keys from args.
func FiltersFrom(a Args) Filters {
	return Filters{
		Region:       a.String("region"),
		District:     a.String("district"),
		FacilityType: a.String("facility_type"),
	}
}

// Match reports whether f passes every set filter.
func (fl Filters) Match(f model.Facility) bool {
	return matchField(fl.Region, f.Region) &&
		matchField(fl.District, f.District) &&
		matchField(fl.FacilityType, f.FacilityType)
}

func matchField(want, got string) bool {
	want = strings.TrimSpace(want)
	return want == "" || strings.EqualFold(want, strings.TrimSpace(got))
}

// profiled yields the records with a profile that pass fl, in corpus order.
func profiled(c *model.Corpus, fl Filters) []model.FacilityRecord {
	var out []model.FacilityRecord
	for _, rec := range c.Profiled() {
		if fl.Match(rec.Facility) {
			out = append(out, rec)
		}
	}
	return out
}
