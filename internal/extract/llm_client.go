package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/hurttlocker/capmap/internal/llm"
	"github.com/hurttlocker/capmap/internal/model"
)

// ErrMalformedPayload is returned when the model's reply is not a usable
// signal list, even after the repair attempt.
var ErrMalformedPayload = eris.New("malformed extraction payload")

const (
	// llmExtractTimeout bounds a single completion call.
	llmExtractTimeout = 60 * time.Second

	// maxRepairAttempts is the retry/repair budget per row.
	maxRepairAttempts = 1

	// defaultLLMConfidence is used when the model omits a confidence.
	defaultLLMConfidence = 0.5
)

const extractSystemPrompt = `You extract facility capability signals from hospital records.

Return ONLY a JSON object:
{
  "signals": [
    {
      "kind": "capability|equipment|staffing|infrastructure",
      "raw_mention": "exact words from the record",
      "canonical_name": "identifier or null",
      "status": "present|conditional|absent|claimed_unverified",
      "confidence": 0.0,
      "constraints": [],
      "evidence": [{"source_field": "field name", "quote": "verbatim text from that field"}]
    }
  ],
  "warnings": []
}

RULES:
- Quote source text verbatim; never paraphrase a quote
- Use "absent" when the record says something is missing
- Use "claimed_unverified" for unconfirmed claims
- Leave canonical_name null when unsure`

const repairPromptTemplate = `Your previous reply could not be parsed (%s).
Reply again with ONLY the JSON object described in the instructions.

Previous reply:
%s`

// LLMExtractor asks an OpenAI-compatible model for candidate signals.
type LLMExtractor struct {
	provider llm.Provider
	log      *zap.Logger
}

// LLMOption configures an LLMExtractor.
type LLMOption func(*LLMExtractor)

// WithLogger sets the logger used for repair attempts.
func WithLogger(l *zap.Logger) LLMOption {
	return func(e *LLMExtractor) {
		if l != nil {
			e.log = l
		}
	}
}

// NewLLMExtractor creates an LLM-backed extractor.
func NewLLMExtractor(p llm.Provider, opts ...LLMOption) *LLMExtractor {
	e := &LLMExtractor{provider: p, log: zap.NewNop()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name implements Extractor.
func (e *LLMExtractor) Name() string {
	return "llm/" + e.provider.Name()
}

// llmPayload mirrors the JSON reply format.
type llmPayload struct {
	Signals  *[]llmSignal `json:"signals"`
	Warnings []string     `json:"warnings"`
}

type llmSignal struct {
	Kind          string        `json:"kind"`
	RawMention    string        `json:"raw_mention"`
	CanonicalName *string       `json:"canonical_name"`
	Status        string        `json:"status"`
	Confidence    *float64      `json:"confidence"`
	Constraints   []string      `json:"constraints"`
	Evidence      []llmEvidence `json:"evidence"`
}

type llmEvidence struct {
	SupportsPath string `json:"supports_path"`
	SourceField  string `json:"source_field"`
	Quote        string `json:"quote"`
	RowID        string `json:"row_id"`
}

// Extract implements Extractor. A failed call or unparseable reply gets one
// repair attempt before the error is returned.
func (e *LLMExtractor) Extract(ctx context.Context, row model.RawRow, combined string) (model.ExtractionOutput, error) {
	prompt := buildExtractPrompt(row, combined)

	var lastErr error
	for attempt := 0; attempt <= maxRepairAttempts; attempt++ {
		reply, err := e.complete(ctx, prompt)
		if err == nil {
			out, perr := parseExtractPayload(reply)
			if perr == nil {
				return out, nil
			}
			err = perr
			prompt = fmt.Sprintf(repairPromptTemplate, perr.Error(), truncateReply(reply))
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		if attempt < maxRepairAttempts {
			e.log.Warn("llm extraction attempt failed, repairing",
				zap.String("row_id", row.RowID()),
				zap.Int("attempt", attempt+1),
				zap.Error(err))
		}
	}
	return model.ExtractionOutput{}, eris.Wrapf(lastErr, "llm extraction for row %s", row.RowID())
}

func (e *LLMExtractor) complete(ctx context.Context, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, llmExtractTimeout)
	defer cancel()
	return e.provider.Complete(ctx, prompt, llm.CompletionOpts{
		System:      extractSystemPrompt,
		Format:      "json",
		Temperature: 0,
	})
}

func buildExtractPrompt(row model.RawRow, combined string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Row id: %s\n", row.RowID())
	if row.FacilityType != "" {
		fmt.Fprintf(&b, "Facility type: %s\n", row.FacilityType)
	}
	if row.BedCount != nil {
		fmt.Fprintf(&b, "Beds: %d\n", *row.BedCount)
	}
	if row.OperatingRooms != nil {
		fmt.Fprintf(&b, "Operating rooms: %d\n", *row.OperatingRooms)
	}
	if len(row.Specialties) > 0 {
		fmt.Fprintf(&b, "Specialties: %s\n", strings.Join(row.Specialties, ", "))
	}
	b.WriteString("\nRecord:\n")
	b.WriteString(combined)
	return b.String()
}

// parseExtractPayload decodes a model reply, tolerating markdown fences.
func parseExtractPayload(reply string) (model.ExtractionOutput, error) {
	reply = stripCodeFence(reply)
	var payload llmPayload
	if err := json.Unmarshal([]byte(reply), &payload); err != nil {
		return model.ExtractionOutput{}, eris.Wrap(ErrMalformedPayload, err.Error())
	}
	if payload.Signals == nil {
		return model.ExtractionOutput{}, eris.Wrap(ErrMalformedPayload, "missing signals list")
	}

	out := model.ExtractionOutput{
		Signals:  make([]model.ExtractedSignal, 0, len(*payload.Signals)),
		Warnings: payload.Warnings,
	}
	for _, s := range *payload.Signals {
		if strings.TrimSpace(s.RawMention) == "" && s.CanonicalName == nil {
			continue
		}
		sig := model.ExtractedSignal{
			Kind:        model.Kind(strings.ToLower(strings.TrimSpace(s.Kind))),
			RawMention:  strings.TrimSpace(s.RawMention),
			Status:      model.ParseStatus(s.Status),
			Confidence:  defaultLLMConfidence,
			Constraints: model.MergeSorted(nil, s.Constraints...),
		}
		if s.CanonicalName != nil {
			sig.CanonicalName = *s.CanonicalName
		}
		if s.Confidence != nil {
			sig.Confidence = *s.Confidence
		}
		for _, ev := range s.Evidence {
			sig.Evidence = append(sig.Evidence, model.EvidenceItem{
				SupportsPath: ev.SupportsPath,
				SourceField:  ev.SourceField,
				RowID:        ev.RowID,
				Quote:        ev.Quote,
			})
		}
		out.Signals = append(out.Signals, sig)
	}
	return out, nil
}

func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

func truncateReply(s string) string {
	const maxReply = 2000
	if len(s) <= maxReply {
		return s
	}
	return s[:maxReply]
}
