package extract

import (
	"strings"

	"github.com/hurttlocker/capmap/internal/model"
)

// NormalizeResult is the normalized signal list plus pipeline warnings.
type NormalizeResult struct {
	Signals  []model.ExtractedSignal
	Warnings []string
}

// Normalize canonicalizes, classifies and anchors raw signals for one row.
// Input signals are copied, never modified. Running Normalize on its own
// output yields the same signals.
func Normalize(row model.RawRow, combined string, signals []model.ExtractedSignal) NormalizeResult {
	rowID := row.RowID()
	constraints := DetectConstraints(combined)

	res := NormalizeResult{Signals: make([]model.ExtractedSignal, 0, len(signals))}
	for _, raw := range signals {
		sig := raw.Clone()

		if !sig.Kind.Valid() {
			sig.Kind = model.KindCapability
		}
		sig.Status = model.ParseStatus(string(sig.Status))
		sig.Confidence = clampConfidence(sig.Confidence)

		sig.CanonicalName = strings.ToLower(strings.TrimSpace(sig.CanonicalName))
		if !ValidCanonical(sig.Kind, sig.CanonicalName) {
			sig.CanonicalName = Canonicalize(sig.RawMention, sig.Kind)
		}

		constraints.Apply(&sig)

		if len(sig.Evidence) == 0 && strings.TrimSpace(sig.RawMention) != "" {
			sig.Evidence = []model.EvidenceItem{{
				SourceField: fieldContaining(row, sig.RawMention),
				Quote:       sig.RawMention,
			}}
		}
		path := model.SupportsPath(sig.Kind, sig.CanonicalName)
		for i := range sig.Evidence {
			ev := &sig.Evidence[i]
			if strings.TrimSpace(ev.RowID) == "" {
				ev.RowID = rowID
			}
			ev.SupportsPath = path
			ev.Quote = model.TruncateQuote(ev.Quote)
			if ev.Quote != "" {
				anchorEvidence(ev, combined)
			} else {
				ev.StartChar, ev.EndChar = nil, nil
			}
		}

		if sig.CanonicalName == "" {
			res.Warnings = appendUnique(res.Warnings, model.UnmappedWarning(sig.RawMention))
		}
		res.Signals = append(res.Signals, sig)
	}
	return res
}

// fieldContaining names the first free-text field that mentions text.
func fieldContaining(row model.RawRow, text string) string {
	needle := strings.ToLower(strings.TrimSpace(text))
	for _, f := range model.TextFields {
		if strings.Contains(strings.ToLower(row.Field(f)), needle) {
			return f
		}
	}
	return "combined_text"
}

func appendUnique(list []string, v string) []string {
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}
