package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"

	"github.com/torii-ai/sekisho/internal/model"
	"github.com/torii-ai/sekisho/internal/storage"
)

// Indexer builds the searchable projection of a case: the text that gets
// embedded and the edge-type fingerprint of its scope airport.
type Indexer struct {
	db     *storage.DB
	embed  Embedder
	logger *slog.Logger
}

func NewIndexer(db *storage.DB, embed Embedder, logger *slog.Logger) *Indexer {
	return &Indexer{db: db, embed: embed, logger: logger}
}

// IndexCase writes the case's projection into embedding_case and enqueues
// the external index sync. Safe to call repeatedly; the projection is
// replaced each time.
func (ix *Indexer) IndexCase(ctx context.Context, caseID uuid.UUID) error {
	c, err := ix.db.GetCase(ctx, caseID)
	if err != nil {
		return fmt.Errorf("retrieval: load case for indexing: %w", err)
	}

	claims, err := ix.db.CaseClaims(ctx, caseID)
	if err != nil {
		return fmt.Errorf("retrieval: load claims for indexing: %w", err)
	}
	text := indexText(c, claims)

	signals, err := ix.caseFingerprint(ctx, c)
	if err != nil {
		return err
	}

	vec, err := ix.embed.Embed(ctx, text)
	if err != nil {
		return fmt.Errorf("retrieval: embed case text: %w", err)
	}
	embedding := pgvector.NewVector(vec)

	if err := ix.db.UpsertCaseEmbedding(ctx, storage.CaseEmbedding{
		CaseID:    caseID,
		Text:      text,
		Signals:   signals,
		Embedding: &embedding,
	}); err != nil {
		return err
	}

	ix.logger.Debug("case indexed", "case_id", caseID, "signals", len(signals), "text_len", len(text))
	return nil
}

// caseFingerprint is the sorted set of edge types currently visible on the
// case's scope airport. Cases without an airport scope get an empty print.
func (ix *Indexer) caseFingerprint(ctx context.Context, c model.Case) ([]string, error) {
	airport := c.Airport()
	if airport == "" {
		return nil, nil
	}
	node, err := ix.db.GetNode(ctx, model.NodeAirport, airport)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("retrieval: airport node for fingerprint: %w", err)
	}

	edges, err := ix.db.VisibleEdges(ctx, storage.Now(time.Now().UTC()), storage.EdgeFilter{DstNodeID: &node.ID})
	if err != nil {
		return nil, fmt.Errorf("retrieval: edges for fingerprint: %w", err)
	}

	seen := make(map[string]bool)
	var types []string
	for _, e := range edges {
		if t := string(e.Type); !seen[t] {
			seen[t] = true
			types = append(types, t)
		}
	}
	sort.Strings(types)
	return types, nil
}

// indexText concatenates the case's type, scope, and claim texts into the
// document that both the embedding and the full-text index cover.
func indexText(c model.Case, claims []model.Claim) string {
	var b strings.Builder
	b.WriteString(c.CaseType)
	if airport := c.Airport(); airport != "" {
		b.WriteString(" ")
		b.WriteString(airport)
	}
	for _, cl := range claims {
		if cl.Status == model.StatusRetracted {
			continue
		}
		b.WriteString("\n")
		b.WriteString(cl.Text)
	}
	return b.String()
}
