// Package retrieval implements hybrid case search: a semantic leg over
// pgvector embeddings, a keyword leg over Postgres full-text rank, and a
// graph leg comparing edge-type fingerprints. Postgres is the source of
// truth; an optional Qdrant mirror is kept in sync through an outbox.
package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"

	"github.com/torii-ai/sekisho/internal/storage"
)

const (
	semanticWeight = 0.5
	keywordWeight  = 0.3
	graphWeight    = 0.2

	// candidatePool is how many cases each leg contributes before fusion.
	candidatePool = 50
)

// Ranked is one case in a hybrid search result, with the fused score and
// its three components.
type Ranked struct {
	CaseID     uuid.UUID `json:"case_id"`
	FinalScore float64   `json:"final_score"`
	Semantic   float64   `json:"semantic"`
	Keyword    float64   `json:"keyword"`
	Graph      float64   `json:"graph"`
}

// Retriever runs hybrid searches against the embedding_case projection.
type Retriever struct {
	db     *storage.DB
	embed  Embedder
	logger *slog.Logger
}

func NewRetriever(db *storage.DB, embed Embedder, logger *slog.Logger) *Retriever {
	return &Retriever{db: db, embed: embed, logger: logger}
}

// Search returns up to limit cases ranked by the fused score
// 0.5*semantic + 0.3*keyword + 0.2*graph. The graph component compares each
// candidate's edge-type fingerprint to the context case's; with no context
// case it contributes zero. Ties break on ascending case id, so a fixed
// corpus always yields the same order.
func (r *Retriever) Search(ctx context.Context, query string, contextCase *uuid.UUID, limit int) ([]Ranked, error) {
	if limit <= 0 {
		limit = 10
	}

	vec, err := r.embed.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("retrieval: embed query: %w", err)
	}

	semantic, err := r.db.SemanticCaseMatches(ctx, pgvector.NewVector(vec), candidatePool)
	if err != nil {
		return nil, err
	}
	keyword, err := r.db.KeywordCaseMatches(ctx, query, candidatePool)
	if err != nil {
		return nil, err
	}

	candidateIDs := unionIDs(semantic, keyword)
	var ctxSignals []string
	if contextCase != nil {
		lookup := append(candidateIDs, *contextCase)
		fingerprints, err := r.db.CaseSignalFingerprints(ctx, lookup)
		if err != nil {
			return nil, err
		}
		ctxSignals = fingerprints[*contextCase]
		return truncate(Rank(semantic, keyword, ctxSignals, fingerprints), limit), nil
	}

	return truncate(Rank(semantic, keyword, nil, nil), limit), nil
}

// Rank fuses the three score legs. Semantic scores arrive already on [0, 1];
// keyword ranks are min-max normalized within the result set; graph is the
// Jaccard index between the context fingerprint and each candidate's.
// Results are sorted by final score descending, ties by ascending case id.
func Rank(semantic, keyword []storage.CaseScore, ctxSignals []string, fingerprints map[uuid.UUID][]string) []Ranked {
	semByID := make(map[uuid.UUID]float64, len(semantic))
	for _, s := range semantic {
		semByID[s.CaseID] = s.Score
	}
	kwByID := normalizeKeyword(keyword)

	out := make([]Ranked, 0, len(semByID)+len(kwByID))
	for _, id := range unionIDs(semantic, keyword) {
		r := Ranked{
			CaseID:   id,
			Semantic: semByID[id],
			Keyword:  kwByID[id],
		}
		if len(ctxSignals) > 0 {
			r.Graph = jaccard(ctxSignals, fingerprints[id])
		}
		r.FinalScore = semanticWeight*r.Semantic + keywordWeight*r.Keyword + graphWeight*r.Graph
		out = append(out, r)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].FinalScore != out[j].FinalScore {
			return out[i].FinalScore > out[j].FinalScore
		}
		return out[i].CaseID.String() < out[j].CaseID.String()
	})
	return out
}

// normalizeKeyword maps raw ts_rank values onto [0, 1] within the result
// set. A set of identical positive ranks normalizes to 1 for every member.
func normalizeKeyword(keyword []storage.CaseScore) map[uuid.UUID]float64 {
	out := make(map[uuid.UUID]float64, len(keyword))
	if len(keyword) == 0 {
		return out
	}
	lo, hi := keyword[0].Score, keyword[0].Score
	for _, k := range keyword[1:] {
		lo = min(lo, k.Score)
		hi = max(hi, k.Score)
	}
	for _, k := range keyword {
		switch {
		case hi == lo:
			if hi > 0 {
				out[k.CaseID] = 1
			}
		default:
			out[k.CaseID] = (k.Score - lo) / (hi - lo)
		}
	}
	return out
}

// jaccard is |a ∩ b| / |a ∪ b| over two string sets.
func jaccard(a, b []string) float64 {
	inA := make(map[string]bool, len(a))
	for _, s := range a {
		inA[s] = true
	}
	intersection, union := 0, len(inA)
	seen := make(map[string]bool, len(b))
	for _, s := range b {
		if seen[s] {
			continue
		}
		seen[s] = true
		if inA[s] {
			intersection++
		} else {
			union++
		}
	}
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

func unionIDs(semantic, keyword []storage.CaseScore) []uuid.UUID {
	seen := make(map[uuid.UUID]bool, len(semantic)+len(keyword))
	var ids []uuid.UUID
	for _, s := range semantic {
		if !seen[s.CaseID] {
			seen[s.CaseID] = true
			ids = append(ids, s.CaseID)
		}
	}
	for _, k := range keyword {
		if !seen[k.CaseID] {
			seen[k.CaseID] = true
			ids = append(ids, k.CaseID)
		}
	}
	return ids
}

func truncate(ranked []Ranked, limit int) []Ranked {
	if len(ranked) > limit {
		return ranked[:limit]
	}
	return ranked
}
