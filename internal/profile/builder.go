// Package profile folds normalized signals into a frozen capability profile
// and evaluates the consistency-flag rules over it.
package profile

import (
	"strings"

	"github.com/hurttlocker/capmap/internal/model"
)

const claimedUnverifiedDetail = "claimed unverified"

// Builder accumulates signals into a draft profile. A Builder is not safe
// for concurrent use; the profile it returns from Build is an independent
// value.
type Builder struct {
	draft      model.Profile
	procedures map[string]bool
	specialist map[string]bool
	notes      []string
}

// NewBuilder returns an empty builder.
func NewBuilder() *Builder {
	return &Builder{
		procedures: map[string]bool{},
		specialist: map[string]bool{},
	}
}

// Add folds one signal into the draft. Signals without a canonical name are
// skipped. Facts only accumulate: a later signal never clears an equipment
// flag, a procedure, or an available service set by an earlier one.
func (b *Builder) Add(sig model.ExtractedSignal) {
	name := sig.CanonicalName
	if name == "" {
		return
	}

	switch sig.Kind {
	case model.KindEquipment:
		if sig.Status.Available() && !b.draft.Equipment.Set(name) {
			b.addProcedure(name)
		}
	case model.KindCapability, model.KindInfrastructure:
		if slot := b.draft.Services.Slot(name); slot != nil {
			mergeService(slot, sig)
		} else if sig.Status != model.StatusAbsent {
			b.addProcedure(name)
		}
	case model.KindStaffing:
		if sig.Status != model.StatusAbsent && !b.specialist[name] {
			b.specialist[name] = true
			b.draft.Staffing.Specialists = append(b.draft.Staffing.Specialists, name)
		}
	}

	b.notes = append(b.notes, sig.Constraints...)
}

// AddAll folds signals in order.
func (b *Builder) AddAll(signals []model.ExtractedSignal) {
	for _, s := range signals {
		b.Add(s)
	}
}

// SetStaffCounts records structured doctor and nurse counts.
func (b *Builder) SetStaffCounts(doctors, nurses *int) {
	if doctors != nil {
		v := *doctors
		b.draft.Staffing.Doctors = &v
	}
	if nurses != nil {
		v := *nurses
		b.draft.Staffing.Nurses = &v
	}
}

func (b *Builder) addProcedure(name string) {
	if b.procedures[name] {
		return
	}
	b.procedures[name] = true
	b.draft.Procedures = append(b.draft.Procedures, name)
}

// Build finalizes the draft: notes become a sorted set and the flag rules
// run once. The builder may keep accumulating afterwards; earlier results
// are unaffected.
func (b *Builder) Build() model.Profile {
	p := model.Profile{
		Services:  cloneServices(b.draft.Services),
		Equipment: b.draft.Equipment,
		Staffing: model.Staffing{
			Doctors:     cloneInt(b.draft.Staffing.Doctors),
			Nurses:      cloneInt(b.draft.Staffing.Nurses),
			Specialists: append([]string{}, b.draft.Staffing.Specialists...),
		},
		Procedures: append([]string{}, b.draft.Procedures...),
		Notes:      model.MergeSorted(nil, b.notes...),
	}
	p.Flags = ComputeFlags(p)
	return p
}

// Derive builds the profile for one row from its normalized, capped signals.
func Derive(row model.RawRow, signals []model.ExtractedSignal) model.Profile {
	b := NewBuilder()
	b.AddAll(signals)
	b.SetStaffCounts(row.Doctors, row.Nurses)
	return b.Build()
}

// mergeService applies a capability signal to a structured service slot.
// Details follow the signal that made the service available; otherwise they
// only fill an empty slot.
func mergeService(slot *model.Service, sig model.ExtractedSignal) {
	details := serviceDetails(sig)
	switch {
	case slot.Available:
		if slot.Details == nil {
			slot.Details = details
		}
	case sig.Status.Available():
		slot.Available = true
		slot.Details = details
	case slot.Details == nil:
		slot.Details = details
	}
}

func serviceDetails(sig model.ExtractedSignal) *string {
	var d string
	switch {
	case sig.Status == model.StatusConditional && len(sig.Constraints) > 0:
		d = strings.Join(sig.Constraints, ", ")
	case sig.Status == model.StatusClaimedUnverified:
		d = claimedUnverifiedDetail
	default:
		return nil
	}
	return &d
}

func cloneServices(s model.Services) model.Services {
	out := s
	for _, name := range model.ServiceNames {
		slot := out.Slot(name)
		if slot.Details != nil {
			d := *slot.Details
			slot.Details = &d
		}
	}
	return out
}

func cloneInt(p *int) *int {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
