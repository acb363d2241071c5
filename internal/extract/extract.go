// Package extract turns one raw facility row into normalized capability
// signals.
//
// Extraction is split into tiers that share one contract:
//   - RuleExtractor scans free-text fields clause by clause with ordered
//     synonym tables (no network, deterministic)
//   - LLMExtractor asks an OpenAI-compatible model for candidate signals
//
// Whatever an extractor proposes passes through Normalize (canonical names,
// row-scoped constraint detection, evidence anchoring) and the confidence
// Governor before a profile is derived from it.
package extract

import (
	"context"
	"regexp"
	"sort"
	"strings"

	"github.com/hurttlocker/capmap/internal/model"
)

// Base confidences assigned by the rule tier.
const (
	ruleConfidence        = 0.8
	claimedConfidence     = 0.6
	negatedConfidence     = 0.9
	specialtiesConfidence = 0.9
)

// ruleExtractionMethod is the model/version tag of rule-based extraction events.
const ruleExtractionMethod = "rules/v1"

// fieldScan says which tables to scan a free-text field with, and the kind
// each table's matches are recorded as.
type fieldScan struct {
	table synonymTable
	kind  model.Kind
}

// RuleExtractor is the deterministic tier.
type RuleExtractor struct {
	scans map[string][]fieldScan
}

// NewRuleExtractor creates the deterministic extractor.
func NewRuleExtractor() *RuleExtractor {
	capability := fieldScan{table: capabilityTable, kind: model.KindCapability}
	equipment := fieldScan{table: equipmentTable, kind: model.KindEquipment}
	staffing := fieldScan{table: staffingTable, kind: model.KindStaffing}
	infrastructure := fieldScan{table: capabilityTable, kind: model.KindInfrastructure}

	return &RuleExtractor{
		scans: map[string][]fieldScan{
			model.FieldProcedures:          {capability},
			model.FieldProcedureNotes:      {capability},
			model.FieldCapabilityNotes:     {capability},
			model.FieldNotes:               {capability, staffing},
			model.FieldEquipment:           {equipment},
			model.FieldEquipmentNotes:      {equipment},
			model.FieldInfrastructureNotes: {equipment, infrastructure},
			model.FieldStaffingNotes:       {staffing},
		},
	}
}

// Name implements Extractor.
func (e *RuleExtractor) Name() string { return ruleExtractionMethod }

// clauseSplitRE separates clauses; commas stay inside a clause so that
// "Basic beds, no monitors listed" keeps its negation context.
var clauseSplitRE = regexp.MustCompile(`[.;\n]+`)

// negationBeforeRE matches a negation shortly before a mention.
var negationBeforeRE = regexp.MustCompile(`(?i)\b(?:no|not|without|lacks?|lacking|zero|never)\s+(?:[\w-]+\s+){0,2}$`)

// negationAfterRE matches a negation right after a mention.
var negationAfterRE = regexp.MustCompile(`(?i)^\s*(?:is\s+|are\s+)?(?:not available|unavailable|absent|missing|none)\b`)

// claimRE marks statements nobody has confirmed.
var claimRE = regexp.MustCompile(`(?i)\b(?:claims?|claimed|reportedly|advertised|advertises|purportedly|said to)\b`)

// Extract implements Extractor. It never fails.
func (e *RuleExtractor) Extract(ctx context.Context, row model.RawRow, combined string) (model.ExtractionOutput, error) {
	out := model.ExtractionOutput{Signals: []model.ExtractedSignal{}}

	for _, field := range model.TextFields {
		scans := e.scans[field]
		value := row.Field(field)
		if len(scans) == 0 || value == "" {
			continue
		}
		for _, clause := range clauseSplitRE.Split(value, -1) {
			clause = strings.TrimSpace(clause)
			if clause == "" {
				continue
			}
			for _, scan := range scans {
				out.Signals = append(out.Signals, scanClause(clause, field, scan)...)
			}
		}
		if err := ctx.Err(); err != nil {
			return out, err
		}
	}

	out.Signals = append(out.Signals, specialtySignals(row.Specialties)...)
	return out, nil
}

type clauseMatch struct {
	canonical  string
	start, end int // byte offsets into the clause
}

// scanClause finds every table entry mentioned in clause. When two matches
// overlap the longer one wins, so "orthopedic surgeon" is not also a
// general surgeon.
func scanClause(clause, field string, scan fieldScan) []model.ExtractedSignal {
	var matches []clauseMatch
	for _, entry := range scan.table {
		if entry.scan == nil {
			continue
		}
		for _, loc := range entry.scan.FindAllStringIndex(clause, -1) {
			matches = append(matches, clauseMatch{canonical: entry.canonical, start: loc[0], end: loc[1]})
		}
	}
	if len(matches) == 0 {
		return nil
	}

	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].end-matches[i].start > matches[j].end-matches[j].start
	})
	var kept []clauseMatch
	seen := map[string]bool{}
	for _, m := range matches {
		if overlapsAny(m, kept) || seen[m.canonical] {
			continue
		}
		kept = append(kept, m)
		seen[m.canonical] = true
	}
	sort.SliceStable(kept, func(i, j int) bool { return kept[i].start < kept[j].start })

	quote := model.TruncateQuote(clause)
	claimed := claimRE.MatchString(clause)
	signals := make([]model.ExtractedSignal, 0, len(kept))
	for _, m := range kept {
		status, confidence := model.StatusPresent, ruleConfidence
		switch {
		case negated(clause, m):
			status, confidence = model.StatusAbsent, negatedConfidence
		case claimed:
			status, confidence = model.StatusClaimedUnverified, claimedConfidence
		}
		signals = append(signals, model.ExtractedSignal{
			Kind:          scan.kind,
			RawMention:    clause[m.start:m.end],
			CanonicalName: m.canonical,
			Status:        status,
			Confidence:    confidence,
			Evidence: []model.EvidenceItem{{
				SupportsPath: model.SupportsPath(scan.kind, m.canonical),
				SourceField:  field,
				Quote:        quote,
			}},
		})
	}
	return signals
}

func overlapsAny(m clauseMatch, kept []clauseMatch) bool {
	for _, k := range kept {
		if m.start < k.end && k.start < m.end {
			return true
		}
	}
	return false
}

func negated(clause string, m clauseMatch) bool {
	return negationBeforeRE.MatchString(clause[:m.start]) || negationAfterRE.MatchString(clause[m.end:])
}

// specialtySignals turns the structured specialty list into staffing signals.
// Unknown specialties keep a slug of their own name.
func specialtySignals(specialties []string) []model.ExtractedSignal {
	var out []model.ExtractedSignal
	for _, raw := range specialties {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		canonical := Canonicalize(raw, model.KindStaffing)
		if canonical == "" {
			canonical = slugify(raw)
		}
		out = append(out, model.ExtractedSignal{
			Kind:          model.KindStaffing,
			RawMention:    raw,
			CanonicalName: canonical,
			Status:        model.StatusPresent,
			Confidence:    specialtiesConfidence,
			Evidence: []model.EvidenceItem{{
				SupportsPath: model.PathSpecialists,
				SourceField:  model.FieldSpecialties,
				Quote:        model.TruncateQuote(raw),
			}},
		})
	}
	return out
}
