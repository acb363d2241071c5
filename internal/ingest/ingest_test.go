package ingest

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hurttlocker/capmap/internal/analytics"
	"github.com/hurttlocker/capmap/internal/anomaly"
	"github.com/hurttlocker/capmap/internal/extract"
	"github.com/hurttlocker/capmap/internal/model"
	"github.com/hurttlocker/capmap/internal/pipeline"
	"github.com/hurttlocker/capmap/internal/store"
)

func newRunner(t *testing.T, ex extract.Extractor) *pipeline.Runner {
	t.Helper()
	r, err := pipeline.New(pipeline.Config{Extractor: ex})
	require.NoError(t, err)
	return r
}

func sampleRecords(t *testing.T) []Record {
	t.Helper()
	records, err := Read(context.Background(), strings.NewReader(sampleCSV), ',')
	require.NoError(t, err)
	return records
}

func findRecord(t *testing.T, c *model.Corpus, name string) model.FacilityRecord {
	t.Helper()
	for _, rec := range c.Facilities {
		if rec.Facility.Name == name {
			return rec
		}
	}
	t.Fatalf("facility %q not in corpus", name)
	return model.FacilityRecord{}
}

func TestIngest_EndToEnd(t *testing.T) {
	ctx := context.Background()
	st, err := store.NewStore(store.Config{DSN: ":memory:"})
	require.NoError(t, err)
	defer st.Close()

	engine := analytics.NewEngine(st)
	rebuilder := anomaly.NewRebuilder(st, anomaly.WithInvalidator(engine))
	in := New(st, newRunner(t, extract.NewRuleExtractor()),
		WithRebuilder(rebuilder), WithInvalidator(engine))

	// Load an empty snapshot first so the test sees the cache being dropped.
	before, err := engine.Snapshot(ctx)
	require.NoError(t, err)
	assert.Empty(t, before.Facilities)

	var progress []string
	res, err := in.Ingest(ctx, sampleRecords(t), Options{
		ProgressFn: func(current, total int, rowID string) {
			progress = append(progress, rowID)
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Rows)
	assert.Equal(t, 2, res.Ingested)
	assert.Zero(t, res.Failed)
	assert.Zero(t, res.Degraded)
	assert.Len(t, res.Facilities, 2)
	assert.Equal(t, []string{"r-1", "r-2"}, progress)
	require.NotNil(t, res.Anomalies)
	assert.Equal(t, 1, res.Anomalies.ByType[model.AnomalySizeVsSurgery])

	c, err := st.LoadCorpus(ctx)
	require.NoError(t, err)
	require.Len(t, c.Facilities, 2)

	north := findRecord(t, c, "North General")
	require.NotNil(t, north.Profile)
	assert.True(t, north.Profile.ServiceAvailable("maternity"))
	assert.True(t, north.Profile.HasProcedure("cardiology"))
	assert.True(t, north.Profile.Equipment.Oxygen)
	assert.True(t, north.Profile.Equipment.Ultrasound)
	assert.True(t, north.Profile.NotesContain("ngo"))
	assert.NotEmpty(t, north.Evidence)
	for _, span := range north.Evidence {
		assert.Equal(t, north.ExtractionID, span.ExtractionID)
		assert.Equal(t, "r-1", span.SourceRowID)
	}

	unnamed := findRecord(t, c, UnknownFacilityName)
	require.NotNil(t, unnamed.Profile)
	assert.True(t, unnamed.Profile.ServiceAvailable("lab"))

	resp, err := engine.Run(ctx, analytics.ToolCountByCapability, analytics.Args{
		"capability": "cardiology",
		"region":     "north",
	})
	require.NoError(t, err)
	count, ok := resp.Result.(analytics.CountResult)
	require.True(t, ok)
	assert.Equal(t, 1, count.Count)
	assert.NotEmpty(t, resp.Citations)

	// Re-ingesting the same rows updates facilities in place and appends a
	// second extraction event.
	res, err = in.Ingest(ctx, sampleRecords(t), Options{SkipAnomalies: true})
	require.NoError(t, err)
	assert.Nil(t, res.Anomalies)

	facilities, err := st.ListFacilities(ctx)
	require.NoError(t, err)
	assert.Len(t, facilities, 2)
	n, err := st.ExtractionCount(ctx, north.Facility.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

// fakeStore hands out increasing ids and fails for chosen facility names.
type fakeStore struct {
	failOn      string
	nextID      int64
	extractions []*model.Extraction
	evidence    [][]model.EvidenceItem
}

func (s *fakeStore) UpsertFacility(_ context.Context, f *model.Facility) (int64, error) {
	if f.Name == s.failOn {
		return 0, errors.New("disk full")
	}
	s.nextID++
	return s.nextID, nil
}

func (s *fakeStore) SaveExtraction(_ context.Context, ext *model.Extraction, evidence []model.EvidenceItem) ([]model.EvidenceSpan, error) {
	s.extractions = append(s.extractions, ext)
	s.evidence = append(s.evidence, evidence)
	return nil, nil
}

type panicProcessor struct {
	inner   Processor
	panicOn string
}

func (p *panicProcessor) Process(ctx context.Context, row model.RawRow) (pipeline.Result, error) {
	if row.RowID() == p.panicOn {
		panic("boom")
	}
	return p.inner.Process(ctx, row)
}

type countingRebuilder struct {
	calls int
	err   error
}

func (r *countingRebuilder) Rebuild(context.Context) (anomaly.Summary, error) {
	r.calls++
	return anomaly.Summary{}, r.err
}

type countingInvalidator struct{ calls int }

func (i *countingInvalidator) Invalidate() { i.calls++ }

type failingExtractor struct{}

func (failingExtractor) Name() string { return "failing" }

func (failingExtractor) Extract(context.Context, model.RawRow, string) (model.ExtractionOutput, error) {
	return model.ExtractionOutput{}, errors.New("model unavailable")
}

func TestIngest_StoreFailureIsolated(t *testing.T) {
	st := &fakeStore{failOn: "North General"}
	rb := &countingRebuilder{}
	inv := &countingInvalidator{}
	in := New(st, newRunner(t, extract.NewRuleExtractor()), WithRebuilder(rb), WithInvalidator(inv))

	res, err := in.Ingest(context.Background(), sampleRecords(t), Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Ingested)
	assert.Equal(t, 1, res.Failed)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, "r-1", res.Errors[0].RowID)
	assert.Equal(t, 2, res.Errors[0].Line)
	assert.Contains(t, res.Errors[0].Message, "disk full")
	assert.Equal(t, 1, rb.calls)
	assert.Equal(t, 1, inv.calls)

	require.Len(t, st.extractions, 1)
	assert.Equal(t, int64(1), st.extractions[0].FacilityID)
}

func TestIngest_PanicIsolated(t *testing.T) {
	st := &fakeStore{}
	proc := &panicProcessor{inner: newRunner(t, extract.NewRuleExtractor()), panicOn: "r-2"}
	in := New(st, proc)

	res, err := in.Ingest(context.Background(), sampleRecords(t), Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Ingested)
	assert.Equal(t, 1, res.Failed)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, "r-2", res.Errors[0].RowID)
	assert.Contains(t, res.Errors[0].Message, "boom")
}

func TestIngest_ExtractorFailureDegrades(t *testing.T) {
	st := &fakeStore{}
	in := New(st, newRunner(t, failingExtractor{}))

	res, err := in.Ingest(context.Background(), sampleRecords(t)[:1], Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Ingested)
	assert.Equal(t, 1, res.Degraded)
	require.Len(t, st.extractions, 1)
	assert.Contains(t, st.extractions[0].Warnings, model.WarningExtractionFailed)
	assert.Equal(t, "failing", st.extractions[0].ModelVersion)
	assert.Empty(t, st.evidence[0])
}

func TestIngest_SkipAnomalies(t *testing.T) {
	rb := &countingRebuilder{}
	in := New(&fakeStore{}, newRunner(t, extract.NewRuleExtractor()), WithRebuilder(rb))

	res, err := in.Ingest(context.Background(), sampleRecords(t), Options{SkipAnomalies: true})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Ingested)
	assert.Zero(t, rb.calls)
	assert.Nil(t, res.Anomalies)
}

func TestIngest_NothingIngestedSkipsRebuild(t *testing.T) {
	rb := &countingRebuilder{}
	in := New(&fakeStore{}, newRunner(t, extract.NewRuleExtractor()), WithRebuilder(rb))

	res, err := in.Ingest(context.Background(), nil, Options{})
	require.NoError(t, err)
	assert.Zero(t, res.Rows)
	assert.Empty(t, res.Facilities)
	assert.Zero(t, rb.calls)
}

func TestIngest_RebuildError(t *testing.T) {
	rb := &countingRebuilder{err: errors.New("locked")}
	inv := &countingInvalidator{}
	in := New(&fakeStore{}, newRunner(t, extract.NewRuleExtractor()), WithRebuilder(rb), WithInvalidator(inv))

	res, err := in.Ingest(context.Background(), sampleRecords(t), Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rebuilding anomalies")
	assert.Equal(t, 2, res.Ingested)
	assert.Equal(t, 1, inv.calls)
}

func TestIngest_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	inv := &countingInvalidator{}
	in := New(&fakeStore{}, newRunner(t, extract.NewRuleExtractor()), WithInvalidator(inv))

	res, err := in.Ingest(ctx, sampleRecords(t), Options{})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, res)
	assert.Zero(t, res.Ingested)
	assert.Equal(t, 1, inv.calls)
}

func TestEvidenceOf_Dedupes(t *testing.T) {
	item := model.EvidenceItem{SupportsPath: "procedures.cardiology", SourceField: "procedure_notes", Quote: "Cardiology"}
	other := model.EvidenceItem{SupportsPath: "services.maternity", SourceField: "procedure_notes", Quote: "Cardiology"}
	signals := []model.ExtractedSignal{
		{Evidence: []model.EvidenceItem{item}},
		{Evidence: []model.EvidenceItem{item, other}},
	}
	assert.Equal(t, []model.EvidenceItem{item, other}, evidenceOf(signals))
	assert.Nil(t, evidenceOf(nil))
}
