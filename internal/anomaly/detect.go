// Package anomaly derives structural, corpus-level anomalies from the latest
// profile of every facility and replaces the stored anomaly set wholesale.
package anomaly

import (
	"github.com/hurttlocker/capmap/internal/model"
)

// Thresholds of the structural rules.
const (
	BreadthMinProcedures  = 4
	BreadthMaxEquipment   = 1
	LargeFacilityBeds     = 150
	MinRoomsForLargeBeds  = 1
	microscopeSupportPath = "equipment.operating_microscope"
)

type rule struct {
	anomalyType string
	severity    model.AnomalySeverity
	description string
	fires       func(f model.Facility, p model.Profile) bool
	evidence    func(rec model.FacilityRecord) []model.EvidenceSpan
}

var rules = []rule{
	{
		anomalyType: model.AnomalyUnrealisticBreadth,
		severity:    model.SeverityHigh,
		description: "High procedure breadth with minimal equipment listed.",
		fires: func(_ model.Facility, p model.Profile) bool {
			return len(p.Procedures) >= BreadthMinProcedures && p.Equipment.TrueCount() <= BreadthMaxEquipment
		},
		evidence: func(rec model.FacilityRecord) []model.EvidenceSpan {
			return rec.EvidenceWithPrefix(model.PathProcedures+".", model.PathEquipment+".")
		},
	},
	{
		anomalyType: model.AnomalySizeVsSurgery,
		severity:    model.SeverityMedium,
		description: "Large bed count but minimal operating rooms.",
		fires: func(f model.Facility, _ model.Profile) bool {
			if f.BedCount == nil || *f.BedCount < LargeFacilityBeds {
				return false
			}
			return f.OperatingRooms == nil || *f.OperatingRooms <= MinRoomsForLargeBeds
		},
		// Bed and room counts are structured columns and have no quoted spans.
		evidence: func(model.FacilityRecord) []model.EvidenceSpan { return nil },
	},
	{
		anomalyType: model.AnomalyEquipmentMismatch,
		severity:    model.SeverityLow,
		description: "Operating microscope listed without anesthesia machine.",
		fires: func(_ model.Facility, p model.Profile) bool {
			return p.Equipment.OperatingMicroscope && !p.Equipment.AnesthesiaMachine
		},
		evidence: func(rec model.FacilityRecord) []model.EvidenceSpan {
			return rec.EvidenceFor(microscopeSupportPath)
		},
	},
}

// Types lists every anomaly type the detector produces, in rule order.
func Types() []string {
	out := make([]string, 0, len(rules))
	for _, r := range rules {
		out = append(out, r.anomalyType)
	}
	return out
}

// DetectFacility evaluates every rule against one facility record.
// Records without a profile produce nothing.
func DetectFacility(rec model.FacilityRecord) []model.Anomaly {
	if rec.Profile == nil {
		return nil
	}
	var out []model.Anomaly
	for _, r := range rules {
		if !r.fires(rec.Facility, *rec.Profile) {
			continue
		}
		ids := []int64{}
		for _, span := range r.evidence(rec) {
			ids = append(ids, span.ID)
		}
		out = append(out, model.Anomaly{
			FacilityID:      rec.Facility.ID,
			Type:            r.anomalyType,
			Severity:        r.severity,
			Description:     r.description,
			EvidenceSpanIDs: ids,
		})
	}
	return out
}
