package packets

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/torii-ai/sekisho/internal/model"
)

func TestGroupBySource(t *testing.T) {
	evidence := []model.Evidence{
		{SourceSystem: "FAA_NAS"},
		{SourceSystem: "METAR"},
		{SourceSystem: "FAA_NAS"},
	}
	grouped := groupBySource(evidence)
	assert.Len(t, grouped["FAA_NAS"], 2)
	assert.Len(t, grouped["METAR"], 1)
}

func TestEarliestRetrieval(t *testing.T) {
	base := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	evidence := []model.Evidence{
		{RetrievedAt: base.Add(2 * time.Minute)},
		{RetrievedAt: base},
		{RetrievedAt: base.Add(time.Minute)},
	}
	assert.Equal(t, base, earliestRetrieval(evidence))
	assert.True(t, earliestRetrieval(nil).IsZero())
}

func TestTopClaimsRanking(t *testing.T) {
	base := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	claims := []model.Claim{
		{Confidence: 0.5, IngestedAt: base},
		{Confidence: 0.9, IngestedAt: base},
		{Confidence: 0.9, IngestedAt: base.Add(time.Minute)},
		{Confidence: 0.7, IngestedAt: base},
	}

	top := topClaims(claims, 3)
	require.Len(t, top, 3)
	assert.InDelta(t, 0.9, float64(top[0].Confidence), 1e-6)
	assert.Equal(t, base.Add(time.Minute), top[0].IngestedAt, "ties break on recency")
	assert.InDelta(t, 0.7, float64(top[2].Confidence), 1e-6)

	// Input order untouched.
	assert.InDelta(t, 0.5, float64(claims[0].Confidence), 1e-6)
}

func TestPDLIsComputedFromPersistedTimestamps(t *testing.T) {
	first := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	emitted := first.Add(42 * time.Second)

	m := Metrics{FirstSignalAt: &first, PostureEmittedAt: &emitted}
	pdl := m.PostureEmittedAt.Sub(*m.FirstSignalAt).Seconds()
	assert.InDelta(t, 42.0, pdl, 1e-9)
}

func TestStringSliceCoercion(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, stringSlice([]string{"a", "b"}))
	assert.Equal(t, []string{"a", "b"}, stringSlice([]any{"a", "b", 7}))
	assert.Nil(t, stringSlice("not a slice"))
}

func TestTimeAttrParsesRFC3339(t *testing.T) {
	attrs := map[string]any{
		"good": "2026-03-14T12:00:00.123456Z",
		"bad":  "tomorrow-ish",
	}
	parsed, ok := timeAttr(attrs, "good")
	require.True(t, ok)
	assert.Equal(t, 2026, parsed.Year())

	_, ok = timeAttr(attrs, "bad")
	assert.False(t, ok)
	_, ok = timeAttr(attrs, "absent")
	assert.False(t, ok)
}

func TestFloatAttr(t *testing.T) {
	attrs := map[string]any{"f": 12.5, "i": 3, "s": "nope"}

	v, ok := floatAttr(attrs, "f")
	require.True(t, ok)
	assert.InDelta(t, 12.5, v, 1e-9)

	v, ok = floatAttr(attrs, "i")
	require.True(t, ok)
	assert.InDelta(t, 3.0, v, 1e-9)

	_, ok = floatAttr(attrs, "s")
	assert.False(t, ok)
}

func TestUniqueSrc(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	edges := []model.Edge{{Src: a}, {Src: b}, {Src: a}}
	assert.Len(t, uniqueSrc(edges), 2)
}
