package analytics

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hurttlocker/capmap/internal/metrics"
	"github.com/hurttlocker/capmap/internal/model"
)

type countingLoader struct {
	corpus *model.Corpus
	err    error
	loads  int
}

func (l *countingLoader) LoadCorpus(context.Context) (*model.Corpus, error) {
	l.loads++
	return l.corpus, l.err
}

func northSouthCorpus() *model.Corpus {
	return corpus(
		record(1, "North Maternity", "North", "", withMaternity(procedures("cardiology")),
			span(11, "services.maternity", "procedures", "Maternity ward"),
			span(12, "procedures.cardiology", "procedures", "Cardiology")),
		record(2, "South Clinic", "South", "", procedures("lab")),
	)
}

func TestEngine_Run(t *testing.T) {
	loader := &countingLoader{corpus: northSouthCorpus()}
	e := NewEngine(loader)

	resp, err := e.Run(context.Background(), "count_by_capability", Args{"capability": "cardiology", "region": "north"})
	require.NoError(t, err)
	assert.Equal(t, ToolCountByCapability, resp.Tool)
	res, ok := resp.Result.(CountResult)
	require.True(t, ok)
	assert.Equal(t, 1, res.Count)
	assert.Len(t, resp.Citations, 1)
	assert.Equal(t, "north", resp.Args["region"])

	cold, err := e.Run(context.Background(), ToolGeoColdSpots, Args{"service_or_bundle": "maternity", "km": 50, "region_level": "region"})
	require.NoError(t, err)
	assert.Equal(t, []string{"South"}, cold.Result.(ColdSpotResult).ColdSpots)

	assert.Equal(t, 1, loader.loads, "snapshot is reused")
}

func TestEngine_LegacyPrefix(t *testing.T) {
	e := NewEngine(&countingLoader{corpus: northSouthCorpus()})
	resp, err := e.Run(context.Background(), "sql_ngo_gap_map", nil)
	require.NoError(t, err)
	assert.Equal(t, ToolNGOGapMap, resp.Tool)
}

func TestEngine_ValidationBeforeLoad(t *testing.T) {
	tests := []struct {
		name string
		tool string
		args Args
		want error
	}{
		{"unknown tool", "drop_tables", nil, ErrUnknownTool},
		{"missing lat", ToolGeoWithinKm, Args{"condition_or_service": "dialysis", "lon": 1.0, "km": 5.0}, ErrMissingGeo},
		{"missing everything geo", ToolGeoWithinKm, Args{"condition_or_service": "dialysis"}, ErrMissingGeo},
		{"blank km", ToolGeoWithinKm, Args{"condition_or_service": "dialysis", "lat": 1.0, "lon": 1.0, "km": " "}, ErrMissingGeo},
		{"bad number", ToolGeoWithinKm, Args{"condition_or_service": "dialysis", "lat": "north", "lon": 1.0, "km": 5.0}, ErrInvalidArgument},
		{"out of range", ToolGeoWithinKm, Args{"condition_or_service": "dialysis", "lat": 91.0, "lon": 1.0, "km": 5.0}, ErrInvalidArgument},
		{"negative km", ToolGeoWithinKm, Args{"condition_or_service": "dialysis", "lat": 1.0, "lon": 1.0, "km": -1.0}, ErrInvalidArgument},
		{"missing capability", ToolCountByCapability, Args{"region": "North"}, ErrInvalidArgument},
		{"empty features", ToolCorrelationFeatureMovement, Args{"features": []any{}}, ErrInvalidArgument},
		{"misspelt region level", ToolGeoColdSpots, Args{"service_or_bundle": "maternity", "region_level": "distrcit"}, ErrInvalidArgument},
		{"unsupported region level", ToolGeoColdSpots, Args{"service_or_bundle": "maternity", "region_level": "country"}, ErrInvalidArgument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			loader := &countingLoader{corpus: northSouthCorpus()}
			_, err := NewEngine(loader).Run(context.Background(), tt.tool, tt.args)
			require.Error(t, err)
			assert.True(t, eris.Is(err, tt.want), "got %v", err)
			assert.Zero(t, loader.loads)
		})
	}
}

func TestEngine_ColdSpotsRegionLevelCaseInsensitive(t *testing.T) {
	e := NewEngine(&countingLoader{corpus: northSouthCorpus()})
	resp, err := e.Run(context.Background(), ToolGeoColdSpots, Args{"service_or_bundle": "maternity", "region_level": " District "})
	require.NoError(t, err)
	assert.Equal(t, "district", resp.Result.(ColdSpotResult).RegionLevel)
}

func TestEngine_GeoWithinAcceptsStrings(t *testing.T) {
	c := northSouthCorpus()
	c.Facilities[0].Facility.Lat, c.Facilities[0].Facility.Lon = floatPtr(5.6), floatPtr(-0.2)
	e := NewEngine(&countingLoader{corpus: c})
	resp, err := e.Run(context.Background(), ToolGeoWithinKm, Args{
		"condition_or_service": "maternity",
		"lat":                  "5.6",
		"lon":                  json.Number("-0.2"),
		"km":                   10,
	})
	require.NoError(t, err)
	res := resp.Result.(GeoWithinResult)
	require.Len(t, res.Facilities, 1)
	assert.Zero(t, res.Facilities[0].DistanceKm)
}

func TestEngine_Invalidate(t *testing.T) {
	loader := &countingLoader{corpus: northSouthCorpus()}
	e := NewEngine(loader, WithSnapshotTTL(0))

	_, err := e.Snapshot(context.Background())
	require.NoError(t, err)
	_, err = e.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, loader.loads)

	e.Invalidate()
	_, err = e.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, loader.loads)
}

func TestEngine_LoadError(t *testing.T) {
	boom := errors.New("disk on fire")
	e := NewEngine(&countingLoader{err: boom})
	_, err := e.Run(context.Background(), ToolNGOGapMap, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)

	_, err = e.FacilityProfile(context.Background(), "1")
	assert.ErrorIs(t, err, boom)
}

func TestEngine_NilCorpusIsEmpty(t *testing.T) {
	e := NewEngine(&countingLoader{})
	resp, err := e.Run(context.Background(), ToolCountByCapability, Args{"capability": "lab"})
	require.NoError(t, err)
	assert.Zero(t, resp.Result.(CountResult).Count)
	assert.NotNil(t, resp.Citations)
}

func TestEngine_Metrics(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	e := NewEngine(&countingLoader{corpus: northSouthCorpus()}, WithMetrics(m))

	_, err := e.Run(context.Background(), ToolRegionRanking, Args{"metric": "cardiology"})
	require.NoError(t, err)
	_, err = e.Run(context.Background(), ToolRegionRanking, Args{})
	require.Error(t, err)
	_, err = e.Run(context.Background(), "nope", nil)
	require.Error(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ToolCalls.WithLabelValues(ToolRegionRanking, metrics.OutcomeOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ToolCalls.WithLabelValues(ToolRegionRanking, metrics.OutcomeInvalid)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ToolCalls.WithLabelValues("unknown", metrics.OutcomeInvalid)))
}

func TestTools_EveryToolRunsOnEmptyCorpus(t *testing.T) {
	valid := map[string]Args{
		ToolCountByCapability:          {"capability": "lab"},
		ToolFacilityServices:           {"facility_name_or_id": "1"},
		ToolFindFacilitiesByService:    {"service": "lab"},
		ToolRegionRanking:              {"metric": "lab"},
		ToolGeoWithinKm:                {"condition_or_service": "lab", "lat": 0.0, "lon": 0.0, "km": 10.0},
		ToolGeoColdSpots:               {"service_or_bundle": "lab"},
		ToolBreadthAnomalies:           {},
		ToolCorrelationFeatureMovement: {"features": []string{"lab"}},
		ToolWorkforceWherePracticing:   {"subspecialty": "pediatrics"},
		ToolScarcityDependencyOnFew:    {"procedure": "lab"},
		ToolOversupplyVsScarcity:       {"low_complexity_set": "lab,radiology", "high_complexity_set": []any{"dialysis"}},
		ToolNGOGapMap:                  {},
		ToolFacilitiesMissingEquipment: {"required_equipment": []string{"oxygen"}, "service": "surgery"},
	}
	require.Len(t, Tools(), len(valid))
	for _, spec := range Tools() {
		args, ok := valid[spec.Name]
		require.Truef(t, ok, "no fixture for %s", spec.Name)
		for _, c := range []*model.Corpus{nil, {}} {
			result, cites, err := spec.Call(c, args)
			require.NoErrorf(t, err, "tool %s", spec.Name)
			assert.NotNil(t, result)
			assert.NotNil(t, cites)
		}
	}
}

func TestVocabularyAndLookup(t *testing.T) {
	names := Vocabulary()
	assert.Len(t, names, 13)
	assert.IsIncreasing(t, names)
	for _, name := range names {
		spec, err := Lookup("SQL_" + name)
		require.NoError(t, err)
		assert.Equal(t, name, spec.Name)
	}
	_, err := Lookup("")
	assert.True(t, eris.Is(err, ErrUnknownTool))
}

func TestArgs(t *testing.T) {
	a := Args{
		"s":     "  North ",
		"n":     json.Number("2.5"),
		"i":     3,
		"str":   "4.25",
		"bad":   "four",
		"list":  []any{" lab ", "", 3, "xray"},
		"comma": "lab, ,radiology",
		"blank": "   ",
	}
	assert.Equal(t, "North", a.String("s"))
	assert.Equal(t, "3", a.String("i"))
	assert.False(t, a.Has("blank"))
	assert.False(t, a.Has("missing"))

	v, ok, err := a.Float("n")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 2.5, v)

	v, _, err = a.Float("str")
	require.NoError(t, err)
	assert.Equal(t, 4.25, v)

	v, _, err = a.Float("i")
	require.NoError(t, err)
	assert.Equal(t, 3.0, v)

	_, ok, err = a.Float("missing")
	require.NoError(t, err)
	assert.False(t, ok)

	_, _, err = a.Float("bad")
	assert.True(t, eris.Is(err, ErrInvalidArgument))

	assert.Equal(t, []string{"lab", "xray"}, a.StringList("list"))
	assert.Equal(t, []string{"lab", "radiology"}, a.StringList("comma"))
	assert.Empty(t, a.StringList("missing"))

	clone := a.Clone()
	clone["s"] = "South"
	assert.Equal(t, "  North ", a["s"])
}
