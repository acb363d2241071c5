package model

import "strings"

// Facility is a stored facility record.
type Facility struct {
	ID             int64             `json:"id"`
	Name           string            `json:"name"`
	Country        string            `json:"country,omitempty"`
	Region         string            `json:"region,omitempty"`
	District       string            `json:"district,omitempty"`
	Lat            *float64          `json:"lat,omitempty"`
	Lon            *float64          `json:"lon,omitempty"`
	SourceRowID    string            `json:"source_row_id,omitempty"`
	FacilityType   string            `json:"facility_type,omitempty"`
	BedCount       *int              `json:"bed_count,omitempty"`
	OperatingRooms *int              `json:"operating_rooms,omitempty"`
	Structured     map[string]string `json:"structured,omitempty"` // raw structured columns
	Text           map[string]string `json:"text,omitempty"`       // raw free-text columns
}

// HasCoordinates reports whether both lat and lon are known.
func (f Facility) HasCoordinates() bool {
	return f.Lat != nil && f.Lon != nil
}

// GroupKey returns the region or district used for geographic grouping.
func (f Facility) GroupKey(level string) string {
	if strings.EqualFold(level, "district") {
		return strings.TrimSpace(f.District)
	}
	return strings.TrimSpace(f.Region)
}

// Extraction is one stored extraction event for a facility.
type Extraction struct {
	ID           int64              `json:"id"`
	FacilityID   int64              `json:"facility_id"`
	Profile      Profile            `json:"profile"`
	Confidence   map[string]float64 `json:"confidence"` // supports_path -> highest signal confidence
	Warnings     []string           `json:"warnings"`
	ModelVersion string             `json:"model_version"`
}

// EvidenceSpan is a stored evidence row, keyed by the extraction that produced it.
type EvidenceSpan struct {
	ID           int64  `json:"id"`
	FacilityID   int64  `json:"facility_id"`
	ExtractionID int64  `json:"extraction_id"`
	SourceRowID  string `json:"source_row_id"`
	SourceField  string `json:"source_field"`
	Quote        string `json:"quote"`
	SupportsPath string `json:"supports_path"`
	StartChar    *int   `json:"start_char,omitempty"`
	EndChar      *int   `json:"end_char,omitempty"`
}

// Citation is an evidence reference surfaced to callers.
type Citation struct {
	FacilityID     int64  `json:"facility_id"`
	EvidenceSpanID int64  `json:"evidence_span_id"`
	SupportsPath   string `json:"supports_path"`
	SourceField    string `json:"source_field"`
	Quote          string `json:"quote"`
	StartChar      *int   `json:"start_char,omitempty"`
	EndChar        *int   `json:"end_char,omitempty"`
}

// Citation converts a stored span into a citation.
func (e EvidenceSpan) Citation() Citation {
	return Citation{
		FacilityID:     e.FacilityID,
		EvidenceSpanID: e.ID,
		SupportsPath:   e.SupportsPath,
		SourceField:    e.SourceField,
		Quote:          e.Quote,
		StartChar:      e.StartChar,
		EndChar:        e.EndChar,
	}
}

// AnomalySeverity grades a corpus-level anomaly.
type AnomalySeverity string

const (
	SeverityLow    AnomalySeverity = "low"
	SeverityMedium AnomalySeverity = "medium"
	SeverityHigh   AnomalySeverity = "high"
)

// Anomaly types produced by the batch detector.
const (
	AnomalyUnrealisticBreadth = "unrealistic_breadth_vs_infra"
	AnomalySizeVsSurgery      = "size_vs_surgery_mismatch"
	AnomalyEquipmentMismatch  = "equipment_mismatch"
)

// Anomaly is a structural finding about one facility.
type Anomaly struct {
	ID              int64           `json:"id"`
	FacilityID      int64           `json:"facility_id"`
	Type            string          `json:"type"`
	Severity        AnomalySeverity `json:"severity"`
	Description     string          `json:"description"`
	EvidenceSpanIDs []int64         `json:"evidence_span_ids"`
}
