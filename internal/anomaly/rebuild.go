package anomaly

import (
	"context"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/hurttlocker/capmap/internal/logging"
	"github.com/hurttlocker/capmap/internal/metrics"
	"github.com/hurttlocker/capmap/internal/model"
)

// Store is the persistence the rebuild needs. ReplaceAnomalies must delete
// the old set and insert the new one atomically.
type Store interface {
	LoadCorpus(ctx context.Context) (*model.Corpus, error)
	ReplaceAnomalies(ctx context.Context, anomalies []model.Anomaly) error
}

// Invalidator is told when the stored anomaly set changed.
type Invalidator interface {
	Invalidate()
}

// Summary reports one rebuild pass.
type Summary struct {
	Facilities int            `json:"facilities"` // facilities with a profile
	Skipped    int            `json:"skipped"`    // facilities never extracted
	Failed     int            `json:"failed"`     // facilities whose detection panicked
	Total      int            `json:"total"`
	ByType     map[string]int `json:"by_type"`
}

// Rebuilder runs the exclusive clear-and-rebuild pass.
type Rebuilder struct {
	store   Store
	log     *zap.Logger
	metrics *metrics.Metrics
	notify  []Invalidator

	mu sync.Mutex
}

// Option configures a Rebuilder.
type Option func(*Rebuilder)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Rebuilder) { r.log = logging.OrNop(l) }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Rebuilder) { r.metrics = m }
}

// WithInvalidator registers a cache to drop after a successful rebuild.
func WithInvalidator(inv Invalidator) Option {
	return func(r *Rebuilder) {
		if inv != nil {
			r.notify = append(r.notify, inv)
		}
	}
}

// NewRebuilder creates a Rebuilder over s.
func NewRebuilder(s Store, opts ...Option) *Rebuilder {
	r := &Rebuilder{store: s, log: zap.NewNop()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Rebuild recomputes the whole anomaly set from each facility's latest
// profile. Rebuilds are serialized; the store swaps the set in one
// transaction so readers never see a partial set.
func (r *Rebuilder) Rebuild(ctx context.Context) (Summary, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	corpus, err := r.store.LoadCorpus(ctx)
	if err != nil {
		r.metrics.ObserveRebuildFailure()
		return Summary{}, eris.Wrap(err, "loading corpus for anomaly rebuild")
	}

	sum := Summary{ByType: map[string]int{}}
	var found []model.Anomaly
	for _, rec := range corpus.Facilities {
		if err := ctx.Err(); err != nil {
			r.metrics.ObserveRebuildFailure()
			return Summary{}, err
		}
		if rec.Profile == nil {
			sum.Skipped++
			continue
		}
		sum.Facilities++
		anomalies, err := detectIsolated(rec)
		if err != nil {
			sum.Failed++
			r.log.Error("anomaly detection failed for facility",
				zap.Int64("facility_id", rec.Facility.ID), zap.Error(err))
			continue
		}
		for _, a := range anomalies {
			sum.ByType[a.Type]++
		}
		found = append(found, anomalies...)
	}
	sum.Total = len(found)

	if err := r.store.ReplaceAnomalies(ctx, found); err != nil {
		r.metrics.ObserveRebuildFailure()
		return Summary{}, eris.Wrap(err, "replacing anomalies")
	}
	for _, inv := range r.notify {
		inv.Invalidate()
	}
	r.metrics.SetAnomalies(sum.ByType, Types())

	fields := []zap.Field{
		zap.Int("facilities", sum.Facilities),
		zap.Int("skipped", sum.Skipped),
		zap.Int("failed", sum.Failed),
		zap.Int("total", sum.Total),
	}
	for _, t := range Types() {
		fields = append(fields, zap.Int(t, sum.ByType[t]))
	}
	r.log.Info("anomalies rebuilt", fields...)
	return sum, nil
}

// detectIsolated keeps one bad record from aborting the batch.
func detectIsolated(rec model.FacilityRecord) (out []model.Anomaly, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = eris.Errorf("panic: %v", p)
		}
	}()
	return DetectFacility(rec), nil
}
