package storage

import (
	"fmt"
	"time"
)

// EdgeVisibleSQL returns the canonical bi-temporal visibility predicate for
// edges, parameterized only by table alias. An edge is visible at a given
// (event time, ingest time) pair iff its event window covers the event time,
// it was ingested by the ingest time, its validity window covers the event
// time, and no superseding edge had been ingested by the ingest time.
//
// Every as-of query in the system must build its predicate through this
// function. Placeholders: $<eventArg> = event time, $<ingestArg> = ingest time.
func EdgeVisibleSQL(alias string, eventArg, ingestArg int) string {
	return fmt.Sprintf(`(
		(%[1]s.event_time_start IS NULL OR %[1]s.event_time_start <= $%[2]d)
		AND (%[1]s.event_time_end IS NULL OR %[1]s.event_time_end > $%[2]d)
		AND %[1]s.ingested_at <= $%[3]d
		AND (%[1]s.valid_from IS NULL OR %[1]s.valid_from <= $%[2]d)
		AND (%[1]s.valid_to IS NULL OR %[1]s.valid_to > $%[2]d)
		AND %[1]s.status <> 'RETRACTED'
		AND NOT EXISTS (
			SELECT 1 FROM edge sup
			WHERE sup.supersedes_edge_id = %[1]s.id
			  AND sup.ingested_at <= $%[3]d
		)
	)`, alias, eventArg, ingestArg)
}

// NodeVersionVisibleSQL returns the predicate selecting the node_version row
// current at the given event time, parameterized by table alias.
func NodeVersionVisibleSQL(alias string, eventArg int) string {
	return fmt.Sprintf(`(
		%[1]s.valid_from <= $%[2]d
		AND (%[1]s.valid_to IS NULL OR %[1]s.valid_to > $%[2]d)
	)`, alias, eventArg)
}

// AsOf pairs the two time axes of a bi-temporal query: when things happened
// in the world versus when the system learned about them.
type AsOf struct {
	EventTime  time.Time
	IngestTime time.Time
}

// Now returns an AsOf with both axes at t.
func Now(t time.Time) AsOf {
	return AsOf{EventTime: t, IngestTime: t}
}
