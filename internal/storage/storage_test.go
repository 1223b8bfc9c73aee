package storage_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/torii-ai/sekisho/internal/model"
	"github.com/torii-ai/sekisho/internal/storage"
	"github.com/torii-ai/sekisho/internal/testutil"
	"github.com/torii-ai/sekisho/internal/tracewal"
)

// testDB holds a shared test database connection for all tests in this package.
var testDB *storage.DB

func TestMain(m *testing.M) {
	tc := testutil.MustStartPostgres()
	defer tc.Terminate()

	var err error
	testDB, err = tc.NewTestDB(context.Background(), testutil.TestLogger())
	if err != nil {
		tc.Terminate()
		os.Exit(1)
	}

	code := m.Run()
	tc.Terminate()
	os.Exit(code)
}

func newCase(t *testing.T, airport string) model.Case {
	t.Helper()
	c, err := testDB.CreateCase(context.Background(), model.CaseTypeAirportDisruption,
		map[string]any{"airport": airport})
	require.NoError(t, err)
	return c
}

func TestCaseLifecycle(t *testing.T) {
	ctx := context.Background()
	c := newCase(t, "KJFK")
	assert.Equal(t, model.CaseOpen, c.Status)
	assert.Equal(t, "KJFK", c.Airport())

	got, err := testDB.GetCase(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, c.ID, got.ID)

	require.NoError(t, testDB.UpdateCaseStatus(ctx, c.ID, model.CaseResolved))
	got, err = testDB.GetCase(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CaseResolved, got.Status)

	resolved := model.CaseResolved
	cases, err := testDB.ListCases(ctx, &resolved, 10)
	require.NoError(t, err)
	require.NotEmpty(t, cases)
	for _, lc := range cases {
		assert.Equal(t, model.CaseResolved, lc.Status)
	}

	_, err = testDB.GetCase(ctx, uuid.New())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestEvidenceContentAddressing(t *testing.T) {
	ctx := context.Background()
	content := []byte(`{"delay":true,"delay_type":"Ground Stop"}`)

	first, err := testDB.InsertEvidence(ctx, model.Evidence{
		SourceSystem: "FAA_NAS",
		URI:          "https://nasstatus.faa.gov/api/airport-status-information",
		Excerpt:      `{"status":"has_data","source":"FAA_NAS"}`,
	}, content)
	require.NoError(t, err)

	// Same payload from the same source dedups to the existing row.
	second, err := testDB.InsertEvidence(ctx, model.Evidence{
		SourceSystem: "FAA_NAS",
		URI:          "https://nasstatus.faa.gov/api/airport-status-information",
		Excerpt:      `{"status":"has_data","source":"FAA_NAS"}`,
	}, content)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	// A different source with the same payload gets its own row.
	other, err := testDB.InsertEvidence(ctx, model.Evidence{
		SourceSystem: "METAR",
		URI:          "sim://test",
		Excerpt:      `{"status":"has_data","source":"METAR"}`,
	}, content)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, other.ID)

	// Same source and payload retrieved from a different location is a
	// distinct retrieval, not a duplicate.
	mirror, err := testDB.InsertEvidence(ctx, model.Evidence{
		SourceSystem: "FAA_NAS",
		URI:          "https://mirror.example.com/airport-status-information",
		Excerpt:      `{"status":"has_data","source":"FAA_NAS"}`,
	}, content)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, mirror.ID)
}

func TestEdgeBiTemporalVisibility(t *testing.T) {
	ctx := context.Background()
	node, err := testDB.UpsertNode(ctx, model.NodeAirport, "KVIS")
	require.NoError(t, err)

	eventTime := time.Now().UTC().Add(-time.Hour)
	edge, err := testDB.InsertEdge(ctx, model.Edge{
		Src:            node.ID,
		Dst:            node.ID,
		Type:           model.EdgeWeatherRisk,
		Attrs:          map[string]any{"severity": "HIGH"},
		Confidence:     0.9,
		SourceSystem:   "METAR",
		EventTimeStart: &eventTime,
	})
	require.NoError(t, err)

	// DRAFT edges are invisible to the canonical predicate.
	visible, err := testDB.VisibleEdges(ctx, storage.Now(time.Now().UTC()),
		storage.EdgeFilter{DstNodeID: &node.ID})
	require.NoError(t, err)
	assert.Empty(t, visible)

	ev, err := testDB.InsertEvidence(ctx, model.Evidence{
		SourceSystem: "METAR",
		URI:          "sim://kvis-metar",
	}, []byte("KVIS 241751Z observation"))
	require.NoError(t, err)
	require.NoError(t, testDB.BindEdgeEvidence(ctx, edge.ID, ev.ID))
	require.NoError(t, testDB.PromoteEdge(ctx, edge.ID))
	visible, err = testDB.VisibleEdges(ctx, storage.Now(time.Now().UTC()),
		storage.EdgeFilter{DstNodeID: &node.ID})
	require.NoError(t, err)
	require.Len(t, visible, 1)
	assert.Equal(t, model.StatusFact, visible[0].Status)

	// Querying before the edge's event time hides it again.
	before := storage.AsOf{
		EventTime:  eventTime.Add(-time.Minute),
		IngestTime: time.Now().UTC(),
	}
	visible, err = testDB.VisibleEdges(ctx, before, storage.EdgeFilter{DstNodeID: &node.ID})
	require.NoError(t, err)
	assert.Empty(t, visible)

	// Retraction removes it at every point in time going forward.
	require.NoError(t, testDB.RetractEdge(ctx, edge.ID))
	visible, err = testDB.VisibleEdges(ctx, storage.Now(time.Now().UTC()),
		storage.EdgeFilter{DstNodeID: &node.ID})
	require.NoError(t, err)
	assert.Empty(t, visible)
}

func TestPromotionRequiresEvidenceBinding(t *testing.T) {
	ctx := context.Background()
	node, err := testDB.UpsertNode(ctx, model.NodeAirport, "KBND")
	require.NoError(t, err)

	edge, err := testDB.InsertEdge(ctx, model.Edge{
		Src: node.ID, Dst: node.ID,
		Type:         model.EdgeFAADisruption,
		Attrs:        map[string]any{"status": "DISRUPTED"},
		Confidence:   0.9,
		SourceSystem: "FAA_NAS",
	})
	require.NoError(t, err)

	// An unsupported assertion cannot become FACT.
	err = testDB.PromoteEdge(ctx, edge.ID)
	assert.ErrorIs(t, err, storage.ErrEvidenceWithoutBinding)

	visible, err := testDB.VisibleEdges(ctx, storage.Now(time.Now().UTC()),
		storage.EdgeFilter{SrcNodeID: &node.ID})
	require.NoError(t, err)
	assert.Empty(t, visible, "edge stays DRAFT without evidence")

	ev, err := testDB.InsertEvidence(ctx, model.Evidence{
		SourceSystem: "FAA_NAS",
		URI:          "sim://kbnd-status",
	}, []byte(`{"delay":true}`))
	require.NoError(t, err)
	require.NoError(t, testDB.BindEdgeEvidence(ctx, edge.ID, ev.ID))
	require.NoError(t, testDB.PromoteEdge(ctx, edge.ID))

	ids, err := testDB.EdgeEvidenceIDs(ctx, edge.ID)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{ev.ID}, ids)

	claim, err := testDB.InsertClaim(ctx, model.Claim{
		SubjectNodeID: node.ID,
		Predicate:     "signal:AIRPORT_HAS_FAA_DISRUPTION",
		Text:          "FAA reports a ground stop at the airport",
		Confidence:    0.9,
	})
	require.NoError(t, err)

	err = testDB.PromoteClaim(ctx, claim.ID)
	assert.ErrorIs(t, err, storage.ErrEvidenceWithoutBinding)

	require.NoError(t, testDB.BindEvidence(ctx, claim.ID, ev.ID))
	require.NoError(t, testDB.PromoteClaim(ctx, claim.ID))

	got, err := testDB.GetClaim(ctx, claim.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFact, got.Status)
}

func TestContradictionReferencesClaims(t *testing.T) {
	ctx := context.Background()
	node, err := testDB.UpsertNode(ctx, model.NodeAirport, "KCON")
	require.NoError(t, err)

	claimA, err := testDB.InsertClaim(ctx, model.Claim{
		SubjectNodeID: node.ID,
		Predicate:     "signal:AIRPORT_HAS_FAA_DISRUPTION",
		Text:          "FAA reports a ground stop at the airport",
		Confidence:    0.95,
	})
	require.NoError(t, err)
	claimB, err := testDB.InsertClaim(ctx, model.Claim{
		SubjectNodeID: node.ID,
		Predicate:     "signal:AIRPORT_MOVEMENT_COLLAPSE",
		Text:          "80 aircraft are moving at the airport",
		Confidence:    0.70,
	})
	require.NoError(t, err)

	con, err := testDB.InsertContradiction(ctx, model.Contradiction{
		ClaimA:   claimA.ID,
		ClaimB:   claimB.ID,
		Type:     model.ContradictionFAAMovement,
		Severity: "HIGH",
	})
	require.NoError(t, err)
	assert.Equal(t, "OPEN", con.ResolutionStatus)

	// Both sides resolve to real claim rows.
	a, err := testDB.GetClaim(ctx, con.ClaimA)
	require.NoError(t, err)
	assert.Equal(t, model.StatusDraft, a.Status, "contested claims stay DRAFT")
	_, err = testDB.GetClaim(ctx, con.ClaimB)
	require.NoError(t, err)

	// Referencing a non-claim row is rejected outright.
	_, err = testDB.InsertContradiction(ctx, model.Contradiction{
		ClaimA:   uuid.New(),
		ClaimB:   claimB.ID,
		Type:     model.ContradictionFAAMovement,
		Severity: "HIGH",
	})
	assert.Error(t, err)
}

func TestResolveMissingEvidenceRecordsResolver(t *testing.T) {
	ctx := context.Background()
	c := newCase(t, "KBOS")

	req, err := testDB.CreateMissingEvidenceRequest(ctx, model.MissingEvidenceRequest{
		CaseID:       c.ID,
		SourceSystem: "METAR",
		RequestType:  "source_fetch",
		Reason:       "fetch timed out",
		Criticality:  "BLOCKING",
	})
	require.NoError(t, err)

	open, err := testDB.OpenMissingEvidenceRequests(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Nil(t, open[0].ResolvedByEvidenceID)

	ev, err := testDB.InsertEvidence(ctx, model.Evidence{
		SourceSystem: "METAR",
		URI:          "sim://kbos-metar",
	}, []byte("KBOS 241751Z observation"))
	require.NoError(t, err)
	require.NoError(t, testDB.ResolveMissingEvidenceRequests(ctx, c.ID, "METAR", ev.ID))

	open, err = testDB.OpenMissingEvidenceRequests(ctx, c.ID)
	require.NoError(t, err)
	assert.Empty(t, open)

	var resolvedBy uuid.UUID
	err = testDB.Pool().QueryRow(ctx,
		`SELECT resolved_by_evidence_id FROM missing_evidence_request WHERE id = $1`,
		req.ID).Scan(&resolvedBy)
	require.NoError(t, err)
	assert.Equal(t, ev.ID, resolvedBy)
}

func TestNodeVersionSupersession(t *testing.T) {
	ctx := context.Background()
	node, err := testDB.UpsertNode(ctx, model.NodeFlight, "XX123")
	require.NoError(t, err)

	t0 := time.Now().UTC().Add(-2 * time.Hour)
	t1 := time.Now().UTC().Add(-time.Hour)

	_, err = testDB.UpsertNodeVersion(ctx, node.ID, map[string]any{"status": "SCHEDULED"}, t0)
	require.NoError(t, err)
	_, err = testDB.UpsertNodeVersion(ctx, node.ID, map[string]any{"status": "CANCELLED"}, t1)
	require.NoError(t, err)

	early, err := testDB.GetNodeVersionAsOf(ctx, node.ID, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, "SCHEDULED", early.Attrs["status"])

	late, err := testDB.GetNodeVersionAsOf(ctx, node.ID, time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, "CANCELLED", late.Attrs["status"])
}

func TestActionTransitionCAS(t *testing.T) {
	ctx := context.Background()
	c := newCase(t, "KORD")

	a, err := testDB.CreateAction(ctx, model.Action{
		CaseID:    c.ID,
		Type:      model.ActionSetPosture,
		Args:      map[string]any{"posture": "HOLD", "airport": "KORD"},
		State:     model.ActionProposed,
		RiskLevel: model.RiskHigh,
	})
	require.NoError(t, err)

	moved, err := testDB.TransitionAction(ctx, a.ID, model.ActionProposed, model.ActionApproved)
	require.NoError(t, err)
	assert.Equal(t, model.ActionApproved, moved.State)

	// The CAS guard rejects a transition from a stale state.
	_, err = testDB.TransitionAction(ctx, a.ID, model.ActionProposed, model.ActionApproved)
	assert.ErrorIs(t, err, storage.ErrInvalidTransition)

	_, err = testDB.TransitionAction(ctx, uuid.New(), model.ActionProposed, model.ActionApproved)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestTraceSeqContiguity(t *testing.T) {
	ctx := context.Background()
	c := newCase(t, "KLAX")

	for i := 0; i < 5; i++ {
		_, err := testDB.AppendTraceEvent(ctx, model.TraceEvent{
			CaseID:    c.ID,
			EventType: model.TraceStateEnter,
			RefType:   "state",
			Meta:      map[string]any{"i": i},
		})
		require.NoError(t, err)
	}

	events, err := testDB.CaseTrace(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, events, 5)
	for i, ev := range events {
		assert.Equal(t, int64(i+1), ev.Seq, "seq is contiguous from 1")
	}
}

func TestFlushTraceEventsIdempotent(t *testing.T) {
	ctx := context.Background()
	c := newCase(t, "KSEA")

	events := []model.TraceEvent{
		{ID: uuid.New(), CaseID: c.ID, Seq: 1, EventType: model.TraceToolCall,
			RefType: "source", Meta: map[string]any{"source": "METAR"}, CreatedAt: time.Now().UTC()},
		{ID: uuid.New(), CaseID: c.ID, Seq: 2, EventType: model.TraceToolResult,
			RefType: "source", Meta: map[string]any{"source": "METAR"}, CreatedAt: time.Now().UTC()},
	}

	n, err := testDB.FlushTraceEvents(ctx, events)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// Replaying the same batch writes nothing new.
	n, err = testDB.FlushTraceEvents(ctx, events)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	stored, err := testDB.CaseTrace(ctx, c.ID)
	require.NoError(t, err)
	assert.Len(t, stored, 2)
}

func TestTraceJournalWriteThrough(t *testing.T) {
	ctx := context.Background()
	c := newCase(t, "KPHX")

	journal, err := tracewal.Open(t.TempDir() + "/trace.db")
	require.NoError(t, err)
	defer journal.Close()

	testDB.AttachTraceJournal(journal)
	defer testDB.AttachTraceJournal(nil)

	for i := 0; i < 3; i++ {
		_, err := testDB.AppendTraceEvent(ctx, model.TraceEvent{
			CaseID:    c.ID,
			EventType: model.TraceStateEnter,
			RefType:   "state",
			Meta:      map[string]any{"i": i},
		})
		require.NoError(t, err)
	}

	// The happy path lands in Postgres and acks the journal entry.
	events, err := testDB.CaseTrace(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, events, 3)
	for i, ev := range events {
		assert.Equal(t, int64(i+1), ev.Seq)
	}
	depth, err := journal.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, depth, "acked events leave the journal")

	// An event stuck in the journal alone replays into Postgres on flush.
	stranded := model.TraceEvent{
		ID:        uuid.New(),
		CaseID:    c.ID,
		Seq:       4,
		EventType: model.TraceStateExit,
		RefType:   "state",
		Meta:      map[string]any{"i": 3},
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, journal.Append(ctx, stranded))

	flusher := tracewal.NewFlusher(journal, testDB, time.Second, 256, testutil.TestLogger())
	n, err := flusher.FlushOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	events, err = testDB.CaseTrace(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, events, 4)
	assert.Equal(t, int64(4), events[3].Seq)

	depth, err = journal.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, depth)
}

func TestOperatorUpsert(t *testing.T) {
	ctx := context.Background()

	_, err := testDB.GetOperator(ctx, "night-shift")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	op, err := testDB.UpsertOperator(ctx, "night-shift", "salt$hash-v1")
	require.NoError(t, err)

	// A second upsert rotates the key but keeps the identity.
	rotated, err := testDB.UpsertOperator(ctx, "night-shift", "salt$hash-v2")
	require.NoError(t, err)
	assert.Equal(t, op.ID, rotated.ID)
	assert.Equal(t, "salt$hash-v2", rotated.KeyHash)
}

func TestCaseEmbeddingOutbox(t *testing.T) {
	ctx := context.Background()
	c := newCase(t, "KMIA")

	vec := make([]float32, 384)
	vec[0] = 1
	embedding := pgvector.NewVector(vec)

	err := testDB.UpsertCaseEmbedding(ctx, storage.CaseEmbedding{
		CaseID:    c.ID,
		Text:      "AIRPORT_DISRUPTION KMIA ground stop thunderstorms",
		Signals:   []string{"AIRPORT_HAS_FAA_DISRUPTION", "AIRPORT_WEATHER_RISK"},
		Embedding: &embedding,
	})
	require.NoError(t, err)

	// The upsert enqueued exactly one outbox entry for the mirror.
	var pending int
	err = testDB.Pool().QueryRow(ctx,
		`SELECT COUNT(*) FROM search_outbox WHERE entity = 'case' AND entity_id = $1`,
		c.ID).Scan(&pending)
	require.NoError(t, err)
	assert.Equal(t, 1, pending)

	fps, err := testDB.CaseSignalFingerprints(ctx, []uuid.UUID{c.ID})
	require.NoError(t, err)
	assert.Equal(t, []string{"AIRPORT_HAS_FAA_DISRUPTION", "AIRPORT_WEATHER_RISK"}, fps[c.ID])

	matches, err := testDB.SemanticCaseMatches(ctx, embedding, 10)
	require.NoError(t, err)
	require.NotEmpty(t, matches)
	assert.Equal(t, c.ID, matches[0].CaseID)
	assert.InDelta(t, 1.0, matches[0].Score, 1e-6, "identical vectors score 1")

	kw, err := testDB.KeywordCaseMatches(ctx, "thunderstorms", 10)
	require.NoError(t, err)
	found := false
	for _, m := range kw {
		if m.CaseID == c.ID {
			found = true
			assert.Greater(t, m.Score, 0.0)
		}
	}
	assert.True(t, found)
}

func TestPlaybookUsageStats(t *testing.T) {
	ctx := context.Background()

	pb, err := testDB.CreatePlaybook(ctx, model.Playbook{
		Name: "hold on ground stop",
		Pattern: map[string]any{
			"case_type": model.CaseTypeAirportDisruption,
			"signals":   []string{"AIRPORT_HAS_FAA_DISRUPTION"},
		},
		ActionTemplate: map[string]any{"type": "SET_POSTURE", "posture": "HOLD"},
	})
	require.NoError(t, err)

	require.NoError(t, testDB.RecordPlaybookUsage(ctx, pb.ID, true))
	require.NoError(t, testDB.RecordPlaybookUsage(ctx, pb.ID, false))

	got, err := testDB.GetPlaybook(ctx, pb.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Stats.UseCount)
	assert.Equal(t, 1, got.Stats.SuccessCount)
}
