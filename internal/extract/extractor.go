package extract

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/hurttlocker/capmap/internal/llm"
	"github.com/hurttlocker/capmap/internal/model"
)

// Extractor proposes raw signals for one facility row.
// Implementations may fail; the pipeline boundary turns failures into an
// EXTRACTION_FAILED result.
type Extractor interface {
	Extract(ctx context.Context, row model.RawRow, combined string) (model.ExtractionOutput, error)
	// Name is recorded as the model/version tag of the extraction event.
	Name() string
}

// Extractor modes.
const (
	ModeRules = "rules"
	ModeLLM   = "llm"
)

// Config selects and configures an extractor.
type Config struct {
	Mode     string       // "rules" (default) or "llm"
	Provider llm.Provider // required for "llm"
	Logger   *zap.Logger  // optional
}

// New builds the extractor named by cfg.Mode.
func New(cfg Config) (Extractor, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Mode)) {
	case "", ModeRules:
		return NewRuleExtractor(), nil
	case ModeLLM:
		if cfg.Provider == nil {
			return nil, eris.New("llm extractor requires an LLM provider")
		}
		return NewLLMExtractor(cfg.Provider, WithLogger(cfg.Logger)), nil
	default:
		return nil, eris.Errorf("unknown extractor mode %q (supported: rules, llm)", cfg.Mode)
	}
}
