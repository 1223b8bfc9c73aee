package retrieval

import (
	"context"
	"math"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/torii-ai/sekisho/internal/model"
	"github.com/torii-ai/sekisho/internal/storage"
)

func TestRankFusesThreeLegs(t *testing.T) {
	a := uuid.MustParse("00000000-0000-0000-0000-00000000000a")
	b := uuid.MustParse("00000000-0000-0000-0000-00000000000b")

	semantic := []storage.CaseScore{
		{CaseID: a, Score: 0.9},
		{CaseID: b, Score: 0.5},
	}
	keyword := []storage.CaseScore{
		{CaseID: a, Score: 0.1},
		{CaseID: b, Score: 0.3},
	}
	fingerprints := map[uuid.UUID][]string{
		a: {"AIRPORT_HAS_FAA_DISRUPTION", "AIRPORT_WEATHER_RISK"},
		b: {"AIRPORT_HAS_NWS_ALERT"},
	}

	ranked := Rank(semantic, keyword, []string{"AIRPORT_HAS_FAA_DISRUPTION", "AIRPORT_WEATHER_RISK"}, fingerprints)
	require.Len(t, ranked, 2)

	// a: keyword min-max normalizes to 0, graph Jaccard is a perfect 1.
	assert.Equal(t, a, ranked[0].CaseID)
	assert.InDelta(t, 0.5*0.9+0.3*0+0.2*1, ranked[0].FinalScore, 1e-9)

	// b: keyword normalizes to 1, no shared edge types.
	assert.Equal(t, b, ranked[1].CaseID)
	assert.InDelta(t, 0.5*0.5+0.3*1+0.2*0, ranked[1].FinalScore, 1e-9)
}

func TestRankWithoutContextSkipsGraphLeg(t *testing.T) {
	a := uuid.New()
	ranked := Rank([]storage.CaseScore{{CaseID: a, Score: 0.8}}, nil, nil, nil)
	require.Len(t, ranked, 1)
	assert.Zero(t, ranked[0].Graph)
	assert.InDelta(t, 0.5*0.8, ranked[0].FinalScore, 1e-9)
}

func TestRankTiesBreakOnAscendingID(t *testing.T) {
	lo := uuid.MustParse("00000000-0000-0000-0000-000000000001")
	hi := uuid.MustParse("ffffffff-0000-0000-0000-000000000001")

	// Same semantic score, both keyword ranks equal and positive so both
	// normalize to 1: identical final scores.
	semantic := []storage.CaseScore{
		{CaseID: hi, Score: 0.7},
		{CaseID: lo, Score: 0.7},
	}
	keyword := []storage.CaseScore{
		{CaseID: hi, Score: 0.2},
		{CaseID: lo, Score: 0.2},
	}

	ranked := Rank(semantic, keyword, nil, nil)
	require.Len(t, ranked, 2)
	assert.Equal(t, ranked[0].FinalScore, ranked[1].FinalScore)
	assert.Equal(t, lo, ranked[0].CaseID)
	assert.Equal(t, hi, ranked[1].CaseID)
}

func TestRankIsDeterministic(t *testing.T) {
	semantic := []storage.CaseScore{
		{CaseID: uuid.MustParse("00000000-0000-0000-0000-000000000003"), Score: 0.61},
		{CaseID: uuid.MustParse("00000000-0000-0000-0000-000000000001"), Score: 0.83},
		{CaseID: uuid.MustParse("00000000-0000-0000-0000-000000000002"), Score: 0.72},
	}
	keyword := []storage.CaseScore{
		{CaseID: uuid.MustParse("00000000-0000-0000-0000-000000000002"), Score: 0.05},
		{CaseID: uuid.MustParse("00000000-0000-0000-0000-000000000004"), Score: 0.02},
	}

	first := Rank(semantic, keyword, nil, nil)
	second := Rank(semantic, keyword, nil, nil)
	require.Equal(t, len(first), len(second))
	for i := range first {
		assert.Equal(t, first[i].CaseID, second[i].CaseID)
		assert.Equal(t, first[i].FinalScore, second[i].FinalScore)
	}
}

func TestNormalizeKeyword(t *testing.T) {
	a, b, c := uuid.New(), uuid.New(), uuid.New()

	out := normalizeKeyword([]storage.CaseScore{
		{CaseID: a, Score: 0.1},
		{CaseID: b, Score: 0.3},
		{CaseID: c, Score: 0.2},
	})
	assert.InDelta(t, 0.0, out[a], 1e-9)
	assert.InDelta(t, 1.0, out[b], 1e-9)
	assert.InDelta(t, 0.5, out[c], 1e-9)

	// All equal and positive: every member gets full credit.
	out = normalizeKeyword([]storage.CaseScore{
		{CaseID: a, Score: 0.4},
		{CaseID: b, Score: 0.4},
	})
	assert.InDelta(t, 1.0, out[a], 1e-9)
	assert.InDelta(t, 1.0, out[b], 1e-9)

	assert.Empty(t, normalizeKeyword(nil))
}

func TestJaccard(t *testing.T) {
	tests := []struct {
		name string
		a, b []string
		want float64
	}{
		{"identical", []string{"x", "y"}, []string{"y", "x"}, 1},
		{"disjoint", []string{"x"}, []string{"y"}, 0},
		{"partial", []string{"x", "y"}, []string{"y", "z"}, 1.0 / 3},
		{"duplicates ignored", []string{"x"}, []string{"x", "x"}, 1},
		{"both empty", nil, nil, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, jaccard(tt.a, tt.b), 1e-9)
		})
	}
}

func TestHashEmbedderDeterministic(t *testing.T) {
	ctx := context.Background()
	var e HashEmbedder

	first, err := e.Embed(ctx, "ground stop at KJFK due to weather")
	require.NoError(t, err)
	second, err := e.Embed(ctx, "ground stop at KJFK due to weather")
	require.NoError(t, err)
	assert.Equal(t, first, second)
	require.Len(t, first, Dims)

	var norm float64
	for _, v := range first {
		norm += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, math.Sqrt(norm), 1e-5, "non-empty text embeds to a unit vector")

	other, err := e.Embed(ctx, "completely unrelated text")
	require.NoError(t, err)
	assert.NotEqual(t, first, other)

	empty, err := e.Embed(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, make([]float32, Dims), empty)
}

func TestParseQdrantURL(t *testing.T) {
	tests := []struct {
		name     string
		url      string
		wantHost string
		wantPort int
		wantTLS  bool
		wantErr  bool
	}{
		{"https with REST port maps to gRPC", "https://xyz.cloud.qdrant.io:6333", "xyz.cloud.qdrant.io", 6334, true, false},
		{"http localhost REST port", "http://localhost:6333", "localhost", 6334, false, false},
		{"explicit gRPC port kept", "http://localhost:6334", "localhost", 6334, false, false},
		{"custom port kept", "https://host:9999", "host", 9999, true, false},
		{"no port defaults to gRPC", "http://host", "host", 6334, false, false},
		{"garbage", "::::", "", 0, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			host, port, useTLS, err := parseQdrantURL(tt.url)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantHost, host)
			assert.Equal(t, tt.wantPort, port)
			assert.Equal(t, tt.wantTLS, useTLS)
		})
	}
}

func TestIndexText(t *testing.T) {
	c := model.Case{
		CaseType: model.CaseTypeAirportDisruption,
		Scope:    map[string]any{"airport": "KORD"},
	}
	claims := []model.Claim{
		{Text: "ground stop in effect", Status: model.StatusFact},
		{Text: "stale reading", Status: model.StatusRetracted},
	}

	text := indexText(c, claims)
	assert.Contains(t, text, "AIRPORT_DISRUPTION")
	assert.Contains(t, text, "KORD")
	assert.Contains(t, text, "ground stop in effect")
	assert.NotContains(t, text, "stale reading", "retracted claims do not feed the index")
}
