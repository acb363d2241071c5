package profile

import "github.com/hurttlocker/capmap/internal/model"

// Consistency flag types.
const (
	FlagCSectionMissingAnesthesia = "c_section_missing_anesthesia"
	FlagICUWithoutSupport         = "icu_claim_without_support"
	FlagCTWithoutDevice           = "ct_claim_without_device"
)

// flagRule is one minimum-requirement check over a finalized profile.
type flagRule struct {
	flagType      string
	severity      model.FlagSeverity
	description   string
	evidencePaths []string
	fires         func(p model.Profile) bool
}

var flagRules = []flagRule{
	{
		flagType:      FlagCSectionMissingAnesthesia,
		severity:      model.FlagWarning,
		description:   "C-section listed without anesthesia equipment.",
		evidencePaths: []string{"equipment.anesthesia_machine"},
		fires: func(p model.Profile) bool {
			return p.HasProcedure("c_section") && !p.Equipment.Has(model.EquipAnesthesiaMachine)
		},
	},
	{
		flagType:      FlagICUWithoutSupport,
		severity:      model.FlagCritical,
		description:   "ICU claim without ventilator or monitoring equipment.",
		evidencePaths: []string{"equipment.ventilator", "equipment.monitors"},
		fires: func(p model.Profile) bool {
			return p.HasProcedure("icu") &&
				!p.Equipment.Has(model.EquipVentilator) && !p.Equipment.Has(model.EquipMonitors)
		},
	},
	{
		// There is no CT device flag, so a listed CT service is never
		// confirmed. The flag points at the claim itself.
		flagType:      FlagCTWithoutDevice,
		severity:      model.FlagWarning,
		description:   "CT service listed without CT equipment confirmed.",
		evidencePaths: []string{"procedures.ct"},
		fires: func(p model.Profile) bool {
			return p.HasProcedure(model.EquipCT) && !p.Equipment.Has(model.EquipCT)
		},
	},
}

// ComputeFlags evaluates every rule once. All firing rules produce a flag.
func ComputeFlags(p model.Profile) []model.ConsistencyFlag {
	flags := []model.ConsistencyFlag{}
	for _, r := range flagRules {
		if !r.fires(p) {
			continue
		}
		flags = append(flags, model.ConsistencyFlag{
			Type:          r.flagType,
			Severity:      r.severity,
			Description:   r.description,
			EvidencePaths: append([]string(nil), r.evidencePaths...),
		})
	}
	return flags
}

// FlagTypes lists every flag the rule table can produce.
func FlagTypes() []string {
	out := make([]string, 0, len(flagRules))
	for _, r := range flagRules {
		out = append(out, r.flagType)
	}
	return out
}
