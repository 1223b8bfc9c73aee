package retrieval

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"
)

// Dims is the embedding dimensionality across the whole system: the pgvector
// columns, the external index collection, and every Embedder must agree.
const Dims = 384

// Embedder turns text into a unit-length vector of Dims floats.
// Implementations must be safe for concurrent use.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// OllamaEmbedder calls an Ollama-compatible HTTP embedding endpoint.
type OllamaEmbedder struct {
	baseURL string
	model   string
	client  *http.Client
}

// NewOllamaEmbedder creates an embedder against baseURL (e.g.
// "http://localhost:11434") using the given model name.
func NewOllamaEmbedder(baseURL, model string) *OllamaEmbedder {
	return &OllamaEmbedder{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (o *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(map[string]string{"model": o.model, "prompt": text})
	if err != nil {
		return nil, fmt.Errorf("retrieval: marshal embed request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("retrieval: build embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("retrieval: embed request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("retrieval: embed endpoint returned %d", resp.StatusCode)
	}

	var out struct {
		Embedding []float64 `json:"embedding"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("retrieval: decode embed response: %w", err)
	}
	if len(out.Embedding) != Dims {
		return nil, fmt.Errorf("retrieval: model %q returned %d dims, want %d", o.model, len(out.Embedding), Dims)
	}

	vec := make([]float32, Dims)
	for i, v := range out.Embedding {
		vec[i] = float32(v)
	}
	normalize(vec)
	return vec, nil
}

// HashEmbedder is a deterministic, dependency-free embedder: each token is
// hashed into a handful of signed buckets. It carries no semantics beyond
// token overlap, but identical text always yields the identical vector,
// which is what tests and offline runs need.
type HashEmbedder struct{}

func (HashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, Dims)
	for _, token := range strings.Fields(strings.ToLower(text)) {
		sum := sha256.Sum256([]byte(token))
		for i := 0; i < 4; i++ {
			chunk := sum[i*8 : i*8+8]
			idx := binary.BigEndian.Uint32(chunk[:4]) % Dims
			if chunk[4]&1 == 0 {
				vec[idx]++
			} else {
				vec[idx]--
			}
		}
	}
	normalize(vec)
	return vec, nil
}

// normalize scales vec to unit length in place. The zero vector stays zero.
func normalize(vec []float32) {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return
	}
	norm := float32(math.Sqrt(sum))
	for i := range vec {
		vec[i] /= norm
	}
}
