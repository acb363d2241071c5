// Package ingest loads facility rows from delimited files, runs each row
// through the extraction pipeline and persists the facility, the extraction
// event and its evidence.
//
// Rows are isolated from each other: a row that fails to store, or whose
// processing panics, is recorded in the result and the batch moves on. When
// the batch is done the anomaly set is rebuilt, since anomalies are only as
// fresh as the last rebuild.
package ingest

import (
	"context"
	"fmt"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/hurttlocker/capmap/internal/anomaly"
	"github.com/hurttlocker/capmap/internal/logging"
	"github.com/hurttlocker/capmap/internal/metrics"
	"github.com/hurttlocker/capmap/internal/model"
	"github.com/hurttlocker/capmap/internal/pipeline"
)

// Store is the persistence ingestion writes to.
type Store interface {
	UpsertFacility(ctx context.Context, f *model.Facility) (int64, error)
	SaveExtraction(ctx context.Context, ext *model.Extraction, evidence []model.EvidenceItem) ([]model.EvidenceSpan, error)
}

// Processor derives a profile from one raw row.
type Processor interface {
	Process(ctx context.Context, row model.RawRow) (pipeline.Result, error)
}

// Rebuilder refreshes the stored anomaly set.
type Rebuilder interface {
	Rebuild(ctx context.Context) (anomaly.Summary, error)
}

// Options controls one ingest run.
type Options struct {
	SkipAnomalies bool
	ProgressFn    func(current, total int, rowID string)
}

// RowError records a row that could not be ingested.
type RowError struct {
	Line    int    `json:"line"`
	RowID   string `json:"row_id"`
	Message string `json:"message"`
}

// Result summarizes an ingest run.
type Result struct {
	Rows       int              `json:"rows"`
	Ingested   int              `json:"ingested"`
	Degraded   int              `json:"degraded"` // stored with the EXTRACTION_FAILED profile
	Failed     int              `json:"failed"`
	Facilities []int64          `json:"facility_ids"`
	Errors     []RowError       `json:"errors,omitempty"`
	Anomalies  *anomaly.Summary `json:"anomalies,omitempty"`
}

// Invalidator is told when stored data changed.
type Invalidator interface {
	Invalidate()
}

// Ingester runs the batch loop.
type Ingester struct {
	store     Store
	proc      Processor
	rebuilder Rebuilder
	notify    []Invalidator
	log       *zap.Logger
	metrics   *metrics.Metrics
}

// Option configures an Ingester.
type Option func(*Ingester)

// WithRebuilder sets the anomaly rebuilder run after each batch.
func WithRebuilder(r Rebuilder) Option {
	return func(in *Ingester) { in.rebuilder = r }
}

// WithInvalidator registers a cache to drop after each batch.
func WithInvalidator(inv Invalidator) Option {
	return func(in *Ingester) {
		if inv != nil {
			in.notify = append(in.notify, inv)
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(in *Ingester) { in.log = logging.OrNop(l) }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(in *Ingester) { in.metrics = m }
}

// New creates an Ingester.
func New(s Store, p Processor, opts ...Option) *Ingester {
	in := &Ingester{store: s, proc: p, log: zap.NewNop()}
	for _, opt := range opts {
		opt(in)
	}
	return in
}

// Ingest stores every record. Row failures are collected in the result; the
// returned error is reserved for cancellation and a failed anomaly rebuild.
func (in *Ingester) Ingest(ctx context.Context, records []Record, opts Options) (*Result, error) {
	res := &Result{Rows: len(records), Facilities: []int64{}}

	for i, rec := range records {
		if err := ctx.Err(); err != nil {
			in.invalidate()
			return res, eris.Wrapf(err, "ingest stopped after %d of %d rows", i, len(records))
		}
		if opts.ProgressFn != nil {
			opts.ProgressFn(i+1, len(records), rec.Row.RowID())
		}

		id, degraded, err := in.ingestOne(ctx, rec)
		if err != nil {
			res.Failed++
			res.Errors = append(res.Errors, RowError{Line: rec.Line, RowID: rec.Row.RowID(), Message: err.Error()})
			in.metrics.ObserveRow(metrics.OutcomeFailed)
			in.log.Warn("row ingest failed",
				zap.Int("line", rec.Line),
				zap.String("row_id", rec.Row.RowID()),
				zap.Error(err))
			continue
		}
		res.Ingested++
		if degraded {
			res.Degraded++
		}
		res.Facilities = append(res.Facilities, id)
		in.metrics.ObserveRow(metrics.OutcomeOK)
	}

	in.log.Info("ingest finished",
		zap.Int("rows", res.Rows),
		zap.Int("ingested", res.Ingested),
		zap.Int("degraded", res.Degraded),
		zap.Int("failed", res.Failed))

	if in.rebuilder != nil && !opts.SkipAnomalies && res.Ingested > 0 {
		summary, err := in.rebuilder.Rebuild(ctx)
		if err != nil {
			in.invalidate()
			return res, eris.Wrap(err, "rebuilding anomalies after ingest")
		}
		res.Anomalies = &summary
	}
	in.invalidate()
	return res, nil
}

// ingestOne stores one record. Panics anywhere in the row's path become
// that row's error.
func (in *Ingester) ingestOne(ctx context.Context, rec Record) (id int64, degraded bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = eris.Errorf("panic: %s", fmt.Sprint(r))
		}
	}()

	f := rec.Facility
	id, err = in.store.UpsertFacility(ctx, &f)
	if err != nil {
		return 0, false, eris.Wrap(err, "storing facility")
	}

	row := rec.Row.Clone()
	row.FacilityID = id
	out, err := in.proc.Process(ctx, row)
	if err != nil {
		return 0, false, eris.Wrap(err, "processing row")
	}

	ext := &model.Extraction{
		FacilityID:   id,
		Profile:      out.Profile,
		Confidence:   out.Confidence,
		Warnings:     out.Output.Warnings,
		ModelVersion: out.ModelVersion,
	}
	if _, err := in.store.SaveExtraction(ctx, ext, evidenceOf(out.Output.Signals)); err != nil {
		return 0, false, eris.Wrap(err, "storing extraction")
	}
	return id, out.Failed, nil
}

// evidenceOf flattens signal evidence, skipping exact repeats so a quote
// backing two signals on the same path is stored once.
func evidenceOf(signals []model.ExtractedSignal) []model.EvidenceItem {
	type key struct{ path, field, quote string }
	seen := map[key]bool{}
	var out []model.EvidenceItem
	for _, s := range signals {
		for _, ev := range s.Evidence {
			k := key{ev.SupportsPath, ev.SourceField, ev.Quote}
			if seen[k] {
				continue
			}
			seen[k] = true
			out = append(out, ev)
		}
	}
	return out
}

func (in *Ingester) invalidate() {
	for _, inv := range in.notify {
		inv.Invalidate()
	}
}
