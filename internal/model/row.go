package model

import (
	"strconv"
	"strings"
)

// Free-text fields of a raw row, in combined-text order.
const (
	FieldProcedures          = "procedures"
	FieldEquipment           = "equipment"
	FieldNotes               = "notes"
	FieldStaffingNotes       = "staffing_notes"
	FieldInfrastructureNotes = "infrastructure_notes"
	FieldCapabilityNotes     = "capability_notes"
	FieldEquipmentNotes      = "equipment_notes"
	FieldProcedureNotes      = "procedure_notes"
	FieldNGONotes            = "ngo_notes"
)

// TextFields is the fixed order in which free-text fields are combined.
var TextFields = []string{
	FieldProcedures,
	FieldEquipment,
	FieldNotes,
	FieldStaffingNotes,
	FieldInfrastructureNotes,
	FieldCapabilityNotes,
	FieldEquipmentNotes,
	FieldProcedureNotes,
	FieldNGONotes,
}

// FieldSpecialties is the structured specialty list column.
const FieldSpecialties = "specialties"

// UnknownRowID is used when a row carries no identifier at all.
const UnknownRowID = "unknown"

// RawRow is one facility record as handed to an extractor.
// It is treated as immutable once built.
type RawRow struct {
	SourceRowID    string            `json:"source_row_id,omitempty"`
	FacilityID     int64             `json:"facility_id,omitempty"`
	FacilityType   string            `json:"facility_type,omitempty"`
	BedCount       *int              `json:"bed_count,omitempty"`
	OperatingRooms *int              `json:"operating_rooms,omitempty"`
	Doctors        *int              `json:"doctors,omitempty"`
	Nurses         *int              `json:"nurses,omitempty"`
	Specialties    []string          `json:"specialties,omitempty"`
	Text           map[string]string `json:"text,omitempty"` // keyed by TextFields names
}

// Field returns a trimmed free-text field value.
func (r RawRow) Field(name string) string {
	if r.Text == nil {
		return ""
	}
	return strings.TrimSpace(r.Text[name])
}

// RowID resolves the identifier stamped onto evidence:
// source row id, then facility id, then "unknown".
func (r RawRow) RowID() string {
	if id := strings.TrimSpace(r.SourceRowID); id != "" {
		return id
	}
	if r.FacilityID > 0 {
		return strconv.FormatInt(r.FacilityID, 10)
	}
	return UnknownRowID
}

// CombinedText joins the non-empty free-text fields as "field: value" lines.
func (r RawRow) CombinedText() string {
	var b strings.Builder
	for _, name := range TextFields {
		v := r.Field(name)
		if v == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(name)
		b.WriteString(": ")
		b.WriteString(v)
	}
	return b.String()
}

// Clone returns a copy that shares no mutable state with r.
func (r RawRow) Clone() RawRow {
	out := r
	out.BedCount = cloneInt(r.BedCount)
	out.OperatingRooms = cloneInt(r.OperatingRooms)
	out.Doctors = cloneInt(r.Doctors)
	out.Nurses = cloneInt(r.Nurses)
	if r.Specialties != nil {
		out.Specialties = append([]string(nil), r.Specialties...)
	}
	if r.Text != nil {
		out.Text = make(map[string]string, len(r.Text))
		for k, v := range r.Text {
			out.Text[k] = v
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

// IntPtr is a small helper for optional integer fields.
func IntPtr(v int) *int { return &v }
