package analytics

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/hurttlocker/capmap/internal/logging"
	"github.com/hurttlocker/capmap/internal/metrics"
	"github.com/hurttlocker/capmap/internal/model"
)

const (
	snapshotKey             = "corpus"
	defaultSnapshotTTL      = 5 * time.Minute
	snapshotCleanupInterval = 10 * time.Minute
)

// CorpusLoader reads a consistent corpus snapshot.
type CorpusLoader interface {
	LoadCorpus(ctx context.Context) (*model.Corpus, error)
}

// Response is the outcome of one tool call.
type Response struct {
	Tool      string           `json:"tool"`
	Args      Args             `json:"args"`
	Result    any              `json:"result"`
	Citations []model.Citation `json:"-"`
}

// Engine runs tools over a cached corpus snapshot. A snapshot is never
// modified; Invalidate drops it so the next call loads a fresh one.
type Engine struct {
	loader  CorpusLoader
	cache   *gocache.Cache
	ttl     time.Duration
	log     *zap.Logger
	metrics *metrics.Metrics
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.log = logging.OrNop(l) }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithSnapshotTTL bounds how long a snapshot is reused without an
// invalidation. Zero keeps it until invalidated.
func WithSnapshotTTL(d time.Duration) Option {
	return func(e *Engine) {
		if d <= 0 {
			d = gocache.NoExpiration
		}
		e.ttl = d
	}
}

// NewEngine creates an Engine reading from loader.
func NewEngine(loader CorpusLoader, opts ...Option) *Engine {
	e := &Engine{
		loader: loader,
		ttl:    defaultSnapshotTTL,
		log:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.cache = gocache.New(e.ttl, snapshotCleanupInterval)
	return e
}

// Invalidate drops the cached snapshot.
func (e *Engine) Invalidate() {
	e.cache.Delete(snapshotKey)
}

// Snapshot returns the cached corpus, loading it on a miss.
func (e *Engine) Snapshot(ctx context.Context) (*model.Corpus, error) {
	if v, ok := e.cache.Get(snapshotKey); ok {
		return v.(*model.Corpus), nil
	}
	c, err := e.loader.LoadCorpus(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "loading corpus snapshot")
	}
	if c == nil {
		c = &model.Corpus{}
	}
	e.cache.Set(snapshotKey, c, gocache.DefaultExpiration)
	e.log.Debug("corpus snapshot loaded",
		zap.Int("facilities", len(c.Facilities)),
		zap.Int("anomalies", len(c.Anomalies)))
	return c, nil
}

// Run validates and executes one tool. Validation errors are returned before
// the corpus is read.
func (e *Engine) Run(ctx context.Context, tool string, args Args) (Response, error) {
	start := time.Now()
	if args == nil {
		args = Args{}
	}
	spec, err := Lookup(tool)
	if err != nil {
		e.observe("unknown", metrics.OutcomeInvalid, start)
		return Response{}, err
	}
	if err := spec.Validate(args); err != nil {
		e.observe(spec.Name, metrics.OutcomeInvalid, start)
		return Response{}, err
	}

	c, err := e.Snapshot(ctx)
	if err != nil {
		e.observe(spec.Name, metrics.OutcomeFailed, start)
		return Response{}, err
	}
	result, cites, err := spec.run(c, args)
	if err != nil {
		e.observe(spec.Name, metrics.OutcomeInvalid, start)
		return Response{}, err
	}
	e.observe(spec.Name, metrics.OutcomeOK, start)
	if cites == nil {
		cites = []model.Citation{}
	}
	return Response{Tool: spec.Name, Args: args.Clone(), Result: result, Citations: cites}, nil
}

// FacilityProfile returns the stored view of one facility.
func (e *Engine) FacilityProfile(ctx context.Context, nameOrID string) (FacilityProfileResult, error) {
	c, err := e.Snapshot(ctx)
	if err != nil {
		return FacilityProfileResult{}, err
	}
	return FacilityProfile(c, nameOrID), nil
}

func (e *Engine) observe(tool, outcome string, start time.Time) {
	d := time.Since(start)
	e.metrics.ObserveTool(tool, outcome, d)
	e.log.Debug("analytics tool call",
		zap.String("tool", tool),
		zap.String("outcome", outcome),
		zap.Duration("duration", d))
}
