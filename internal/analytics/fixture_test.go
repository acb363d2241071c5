package analytics

import "github.com/hurttlocker/capmap/internal/model"

func span(id int64, path, field, quote string) model.EvidenceSpan {
	return model.EvidenceSpan{ID: id, SupportsPath: path, SourceField: field, Quote: quote}
}

func record(id int64, name, region, district string, p *model.Profile, spans ...model.EvidenceSpan) model.FacilityRecord {
	for i := range spans {
		spans[i].FacilityID = id
		spans[i].ExtractionID = id * 10
	}
	return model.FacilityRecord{
		Facility:     model.Facility{ID: id, Name: name, Region: region, District: district},
		ExtractionID: id * 10,
		Profile:      p,
		Evidence:     spans,
	}
}

func procedures(names ...string) *model.Profile {
	return &model.Profile{Procedures: names}
}

func withMaternity(p *model.Profile) *model.Profile {
	p.Services.Maternity.Available = true
	return p
}

func floatPtr(v float64) *float64 { return &v }

func corpus(records ...model.FacilityRecord) *model.Corpus {
	return &model.Corpus{Facilities: records}
}

func citedFacilities(cites []model.Citation) map[int64]bool {
	out := map[int64]bool{}
	for _, c := range cites {
		out[c.FacilityID] = true
	}
	return out
}
