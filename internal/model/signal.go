// Package model holds the records shared by the capmap extraction pipeline,
// the store, and the analytics tools.
//
// Signals and evidence are produced per facility row by an extractor, then
// normalized, capped, and folded into a frozen capability Profile. Stored
// facilities, evidence spans and anomalies are what the analytics tools read.
package model

import (
	"sort"
	"strings"
	"unicode/utf8"
)

// Kind is the category of an extracted signal.
type Kind string

const (
	KindCapability     Kind = "capability"
	KindEquipment      Kind = "equipment"
	KindStaffing       Kind = "staffing"
	KindInfrastructure Kind = "infrastructure"
)

// Valid reports whether k is one of the known signal kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindCapability, KindEquipment, KindStaffing, KindInfrastructure:
		return true
	}
	return false
}

// Status is the confidence tier of a signal or derived fact.
type Status string

const (
	StatusPresent           Status = "present"
	StatusConditional       Status = "conditional"
	StatusAbsent            Status = "absent"
	StatusClaimedUnverified Status = "claimed_unverified"
)

// Rank orders statuses from least to most conservative.
// Downgrades may only move a signal to a higher rank.
func (s Status) Rank() int {
	switch s {
	case StatusClaimedUnverified:
		return 1
	case StatusConditional:
		return 2
	case StatusAbsent:
		return 3
	default:
		return 0
	}
}

// Available reports whether a fact with this status counts as offered.
func (s Status) Available() bool {
	return s == StatusPresent || s == StatusConditional
}

// Downgrade returns the more conservative of s and to.
func (s Status) Downgrade(to Status) Status {
	if to.Rank() > s.Rank() {
		return to
	}
	return s
}

// ParseStatus maps loosely formatted status text onto a Status.
// Unknown values are treated as present.
func ParseStatus(raw string) Status {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "conditional":
		return StatusConditional
	case "absent":
		return StatusAbsent
	case "claimed_unverified", "claimed unverified", "claimed":
		return StatusClaimedUnverified
	default:
		return StatusPresent
	}
}

// Constraint tags explain why a fact is conditional.
const (
	ConstraintStaffingDependent    = "staffing_dependent"
	ConstraintReferralOnly         = "referral_only"
	ConstraintTemporary            = "temporary"
	ConstraintMaintenanceDependent = "maintenance_dependent"
	ConstraintPowerDependent       = "power_dependent"
	ConstraintNGOPartner           = "ngo_partner"
)

// Pipeline warnings.
const (
	WarningExtractionFailed = "EXTRACTION_FAILED"
	unmappedWarningPrefix   = "UNMAPPED_SIGNAL:"
)

// UnmappedWarning is the warning recorded for a signal with no canonical name.
func UnmappedWarning(mention string) string {
	return unmappedWarningPrefix + mention
}

// MaxQuoteLength caps evidence quotes, in characters.
const MaxQuoteLength = 240

// TruncateQuote trims q to MaxQuoteLength characters.
func TruncateQuote(q string) string {
	if utf8.RuneCountInString(q) <= MaxQuoteLength {
		return q
	}
	runes := []rune(q)
	return string(runes[:MaxQuoteLength])
}

// EvidenceItem ties one derived fact to a quoted span of source text.
type EvidenceItem struct {
	SupportsPath string `json:"supports_path"`        // dotted profile path, e.g. "procedures.c_section"
	SourceField  string `json:"source_field"`         // raw row field the quote came from
	RowID        string `json:"row_id"`               // source row identifier
	StartChar    *int   `json:"start_char,omitempty"` // character offset into the combined text
	EndChar      *int   `json:"end_char,omitempty"`
	Quote        string `json:"quote"`
}

// Anchored reports whether the quote was located in the combined text.
func (e EvidenceItem) Anchored() bool {
	return e.StartChar != nil && e.EndChar != nil
}

// ExtractedSignal is one claim about a facility before it is folded into a profile.
type ExtractedSignal struct {
	Kind          Kind           `json:"kind"`
	RawMention    string         `json:"raw_mention"`
	CanonicalName string         `json:"canonical_name,omitempty"` // empty when unresolved
	Status        Status         `json:"status"`
	Confidence    float64        `json:"confidence"`
	Constraints   []string       `json:"constraints,omitempty"` // sorted, unique
	Evidence      []EvidenceItem `json:"evidence"`
}

// AddConstraints merges tags into the signal's sorted constraint set.
func (s *ExtractedSignal) AddConstraints(tags ...string) {
	s.Constraints = MergeSorted(s.Constraints, tags...)
}

// HasConstraint reports whether tag is in the constraint set.
func (s ExtractedSignal) HasConstraint(tag string) bool {
	for _, c := range s.Constraints {
		if c == tag {
			return true
		}
	}
	return false
}

// Clone returns a deep copy so callers can hand signals off by value.
func (s ExtractedSignal) Clone() ExtractedSignal {
	out := s
	if s.Constraints != nil {
		out.Constraints = append([]string(nil), s.Constraints...)
	}
	if s.Evidence != nil {
		out.Evidence = make([]EvidenceItem, len(s.Evidence))
		for i, ev := range s.Evidence {
			out.Evidence[i] = ev
			if ev.StartChar != nil {
				v := *ev.StartChar
				out.Evidence[i].StartChar = &v
			}
			if ev.EndChar != nil {
				v := *ev.EndChar
				out.Evidence[i].EndChar = &v
			}
		}
	}
	return out
}

// CloneSignals deep-copies a signal list.
func CloneSignals(in []ExtractedSignal) []ExtractedSignal {
	if in == nil {
		return nil
	}
	out := make([]ExtractedSignal, len(in))
	for i, s := range in {
		out[i] = s.Clone()
	}
	return out
}

// ExtractionOutput is what an extractor hands back for one row.
type ExtractionOutput struct {
	Signals  []ExtractedSignal `json:"signals"`
	Warnings []string          `json:"warnings"`
}

// FailedExtraction is the minimal output used when an extractor gives up.
func FailedExtraction() ExtractionOutput {
	return ExtractionOutput{Signals: []ExtractedSignal{}, Warnings: []string{WarningExtractionFailed}}
}

// MergeSorted adds values to a sorted unique set, dropping blanks.
func MergeSorted(set []string, values ...string) []string {
	seen := make(map[string]struct{}, len(set)+len(values))
	out := make([]string, 0, len(set)+len(values))
	for _, v := range append(append([]string(nil), set...), values...) {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
