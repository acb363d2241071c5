package model

import "strings"

// FacilityRecord pairs a facility with its latest profile and that
// extraction's evidence. Profile is nil when the facility was never extracted.
type FacilityRecord struct {
	Facility     Facility       `json:"facility"`
	ExtractionID int64          `json:"extraction_id,omitempty"`
	Profile      *Profile       `json:"profile,omitempty"`
	Evidence     []EvidenceSpan `json:"evidence,omitempty"`
}

// EvidenceFor returns spans whose path equals one of paths, in stored order.
func (r FacilityRecord) EvidenceFor(paths ...string) []EvidenceSpan {
	var out []EvidenceSpan
	for _, ev := range r.Evidence {
		for _, p := range paths {
			if ev.SupportsPath == p {
				out = append(out, ev)
				break
			}
		}
	}
	return out
}

// EvidenceWithPrefix returns spans whose path starts with one of prefixes.
func (r FacilityRecord) EvidenceWithPrefix(prefixes ...string) []EvidenceSpan {
	var out []EvidenceSpan
	for _, ev := range r.Evidence {
		for _, p := range prefixes {
			if strings.HasPrefix(ev.SupportsPath, p) {
				out = append(out, ev)
				break
			}
		}
	}
	return out
}

// Corpus is a read-only snapshot of every facility, its latest profile, and
// the current anomaly set.
type Corpus struct {
	Facilities []FacilityRecord `json:"facilities"`
	Anomalies  []Anomaly        `json:"anomalies"`
}

// Profiled returns records that have a profile, in corpus order.
func (c *Corpus) Profiled() []FacilityRecord {
	if c == nil {
		return nil
	}
	out := make([]FacilityRecord, 0, len(c.Facilities))
	for _, r := range c.Facilities {
		if r.Profile != nil {
			out = append(out, r)
		}
	}
	return out
}

// Lookup finds a facility record by id.
func (c *Corpus) Lookup(id int64) (FacilityRecord, bool) {
	if c == nil {
		return FacilityRecord{}, false
	}
	for _, r := range c.Facilities {
		if r.Facility.ID == id {
			return r, true
		}
	}
	return FacilityRecord{}, false
}

// AnomaliesFor returns the anomalies recorded for one facility.
func (c *Corpus) AnomaliesFor(id int64) []Anomaly {
	if c == nil {
		return nil
	}
	var out []Anomaly
	for _, a := range c.Anomalies {
		if a.FacilityID == id {
			out = append(out, a)
		}
	}
	return out
}
