// Package pipeline runs one raw facility row through extraction,
// normalization, the confidence policy and profile derivation.
package pipeline

import (
	"context"
	"fmt"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/hurttlocker/capmap/internal/extract"
	"github.com/hurttlocker/capmap/internal/logging"
	"github.com/hurttlocker/capmap/internal/metrics"
	"github.com/hurttlocker/capmap/internal/model"
	"github.com/hurttlocker/capmap/internal/profile"
)

// Config wires a Runner.
type Config struct {
	Extractor extract.Extractor // required
	Governor  *extract.GovernorConfig
	// StrictPaths turns an evidence path outside the profile schema into an
	// error. Off, the offending evidence item is logged and dropped.
	StrictPaths bool
	Logger      *zap.Logger
	Metrics     *metrics.Metrics
}

// Runner processes rows. It holds no per-row state and is safe for
// concurrent use when its extractor is.
type Runner struct {
	extractor extract.Extractor
	governor  *extract.Governor
	strict    bool
	log       *zap.Logger
	metrics   *metrics.Metrics
}

// Result is everything derived from one row.
type Result struct {
	RowID        string
	Output       model.ExtractionOutput // normalized, capped signals plus all warnings
	Profile      model.Profile
	Confidence   map[string]float64 // supports_path -> highest signal confidence
	ModelVersion string
	Failed       bool // the extractor failed and the result is the flagged empty profile
}

// New builds a Runner.
func New(cfg Config) (*Runner, error) {
	if cfg.Extractor == nil {
		return nil, eris.New("pipeline requires an extractor")
	}
	gov := extract.DefaultGovernorConfig()
	if cfg.Governor != nil {
		gov = *cfg.Governor
	}
	return &Runner{
		extractor: cfg.Extractor,
		governor:  extract.NewGovernor(gov),
		strict:    cfg.StrictPaths,
		log:       logging.OrNop(cfg.Logger),
		metrics:   cfg.Metrics,
	}, nil
}

// Process derives the profile for one row. Extractor failures never surface
// as errors; the only error is a schema violation in strict mode.
func (r *Runner) Process(ctx context.Context, row model.RawRow) (Result, error) {
	row = row.Clone()
	rowID := row.RowID()
	combined := row.CombinedText()

	out, failed := r.runExtractor(ctx, row, combined)
	warnings := append([]string(nil), out.Warnings...)

	norm := extract.Normalize(row, combined, out.Signals)
	warnings = append(warnings, norm.Warnings...)
	signals := r.governor.Apply(norm.Signals)

	signals, err := r.checkPaths(rowID, signals)
	if err != nil {
		return Result{}, err
	}

	prof := profile.Derive(row, signals)

	for _, s := range signals {
		r.metrics.ObserveSignal(string(s.Kind), string(s.Status), s.CanonicalName == "")
		if s.CanonicalName == "" {
			r.log.Debug("unmapped signal", zap.String("row_id", rowID), zap.String("mention", s.RawMention))
		}
	}
	for _, f := range prof.Flags {
		r.metrics.ObserveFlag(f.Type)
	}

	if warnings == nil {
		warnings = []string{}
	}
	return Result{
		RowID:        rowID,
		Output:       model.ExtractionOutput{Signals: signals, Warnings: warnings},
		Profile:      prof,
		Confidence:   confidenceByPath(signals),
		ModelVersion: r.extractor.Name(),
		Failed:       failed,
	}, nil
}

// runExtractor is the failure boundary around the pluggable extractor.
// Errors and panics both degrade to the flagged empty output.
func (r *Runner) runExtractor(ctx context.Context, row model.RawRow, combined string) (out model.ExtractionOutput, failed bool) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Warn("extractor panicked",
				zap.String("row_id", row.RowID()),
				zap.String("extractor", r.extractor.Name()),
				zap.String("panic", fmt.Sprint(rec)))
			r.metrics.ObserveExtractionFailure()
			out, failed = model.FailedExtraction(), true
		}
	}()

	out, err := r.extractor.Extract(ctx, row, combined)
	if err != nil {
		r.log.Warn("extraction failed",
			zap.String("row_id", row.RowID()),
			zap.String("extractor", r.extractor.Name()),
			zap.Error(err))
		r.metrics.ObserveExtractionFailure()
		return model.FailedExtraction(), true
	}
	if out.Signals == nil {
		out.Signals = []model.ExtractedSignal{}
	}
	return out, false
}

// checkPaths validates every evidence path against the profile schema.
// Unmapped signals carry no path and are not checked.
func (r *Runner) checkPaths(rowID string, signals []model.ExtractedSignal) ([]model.ExtractedSignal, error) {
	for i := range signals {
		kept := signals[i].Evidence[:0]
		for _, ev := range signals[i].Evidence {
			if ev.SupportsPath == "" {
				kept = append(kept, ev)
				continue
			}
			if err := model.ValidatePath(ev.SupportsPath); err != nil {
				if r.strict {
					return nil, eris.Wrapf(err, "row %s", rowID)
				}
				r.log.Error("dropping evidence with invalid path",
					zap.String("row_id", rowID),
					zap.String("path", ev.SupportsPath),
					zap.Error(err))
				continue
			}
			kept = append(kept, ev)
		}
		signals[i].Evidence = kept
	}
	return signals, nil
}

func confidenceByPath(signals []model.ExtractedSignal) map[string]float64 {
	out := map[string]float64{}
	for _, s := range signals {
		for _, ev := range s.Evidence {
			if ev.SupportsPath == "" {
				continue
			}
			if c, ok := out[ev.SupportsPath]; !ok || s.Confidence > c {
				out[ev.SupportsPath] = s.Confidence
			}
		}
	}
	return out
}
