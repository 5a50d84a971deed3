package vectorstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/embeddings"

	"label-rag/internal/models"
)

// Index is an exact nearest-neighbor index over the chunks of one document.
// Search is safe for concurrent use; Build and Load swap the whole state
// under the write lock so readers never see a partial index.
type Index struct {
	embedder embeddings.Embedder
	model    string

	mu      sync.RWMutex
	built   bool
	dim     int
	chunks  []models.Chunk
	vectors [][]float32
}

// New returns an empty index. model identifies the embedding model and is
// persisted with the index so a reload can detect a model change.
func New(embedder embeddings.Embedder, model string) *Index {
	return &Index{embedder: embedder, model: model}
}

func (x *Index) Model() string { return x.model }

// Count is the number of indexed chunks.
func (x *Index) Count() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.chunks)
}

// Dimension is the vector dimension recorded at build time, 0 for an empty index.
func (x *Index) Dimension() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.dim
}

func (x *Index) Built() bool {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.built
}

// Chunks returns a copy of the indexed chunks in insertion order.
func (x *Index) Chunks() []models.Chunk {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return append([]models.Chunk(nil), x.chunks...)
}

// Build embeds every chunk and replaces the index contents. The embedding
// calls run without holding the lock.
func (x *Index) Build(ctx context.Context, chunks []models.Chunk) error {
	const op = "vectorstore.Build"

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}

	var vectors [][]float32
	if len(texts) > 0 {
		var err error
		vectors, err = x.embedder.EmbedDocuments(ctx, texts)
		if err != nil {
			return models.ExternalCallError(op, "embedding chunks failed", err)
		}
		if len(vectors) != len(chunks) {
			return models.ExternalCallError(op, fmt.Sprintf("embedder returned %d vectors for %d chunks", len(vectors), len(chunks)), nil)
		}
	}

	dim := 0
	for i, v := range vectors {
		if i == 0 {
			dim = len(v)
		}
		if len(v) == 0 || len(v) != dim {
			return models.ConfigurationError(op, fmt.Sprintf("chunk %d has dimension %d, expected %d", i, len(v), dim), nil)
		}
	}

	x.set(append([]models.Chunk(nil), chunks...), vectors, dim)
	log.Debug().Int("chunks", len(chunks)).Int("dimension", dim).Str("model", x.model).Msg("Index built")
	return nil
}

func (x *Index) set(chunks []models.Chunk, vectors [][]float32, dim int) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.chunks = chunks
	x.vectors = vectors
	x.dim = dim
	x.built = true
}

// Search returns the topK chunks nearest to query, ranked from 1.
func (x *Index) Search(ctx context.Context, query string, topK int) ([]models.SearchResult, error) {
	const op = "vectorstore.Search"
	if topK <= 0 {
		return nil, models.ValidationError(op, fmt.Sprintf("top_k must be positive, got %d", topK))
	}
	if !x.Built() {
		return nil, models.NotBuiltError(op)
	}

	qv, err := x.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, models.ExternalCallError(op, "embedding query failed", err)
	}

	x.mu.RLock()
	defer x.mu.RUnlock()
	if len(x.chunks) == 0 {
		return []models.SearchResult{}, nil
	}
	if len(qv) != x.dim {
		return nil, models.ConfigurationError(op, fmt.Sprintf("query dimension %d does not match index dimension %d", len(qv), x.dim), nil)
	}

	type hit struct {
		pos  int
		dist float64
	}
	hits := make([]hit, len(x.vectors))
	for i, v := range x.vectors {
		hits[i] = hit{pos: i, dist: squaredL2(qv, v)}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].dist < hits[j].dist })

	if topK > len(hits) {
		topK = len(hits)
	}
	results := make([]models.SearchResult, topK)
	for i := 0; i < topK; i++ {
		results[i] = models.SearchResult{
			Chunk:      x.chunks[hits[i].pos],
			Similarity: 1 / (1 + hits[i].dist),
			Rank:       i + 1,
		}
	}
	return results, nil
}

// SearchWithBoost over-fetches 2*topK candidates, applies BoostResults and
// truncates to topK.
func (x *Index) SearchWithBoost(ctx context.Context, query string, topK int) ([]models.SearchResult, error) {
	if topK <= 0 {
		return nil, models.ValidationError("vectorstore.SearchWithBoost", fmt.Sprintf("top_k must be positive, got %d", topK))
	}
	results, err := x.Search(ctx, query, 2*topK)
	if err != nil {
		return nil, err
	}
	results = BoostResults(results, query)
	if len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

var (
	dosageTerms = []string{"dosage", "dose", "mg", "administration"}
	safetyTerms = []string{"warning", "contraindication", "adverse", "risk", "safety"}
	boxedTerms  = []string{"boxed", "black box"}
)

// BoostFactor is the multiplicative adjustment for one chunk given the query.
// The boxed-warning factor stacks with the dosage and safety factors.
func BoostFactor(query string, meta models.ChunkMetadata) float64 {
	q := strings.ToLower(query)
	section := strings.ToLower(meta.Section)
	factor := 1.0

	if containsAny(q, dosageTerms) {
		if containsAny(section, []string{"dosage", "administration"}) {
			factor *= 1.5
		}
		// Tables carry the dose schedules whatever section they sit in.
		if meta.HasTable {
			factor *= 1.3
		}
	}
	if containsAny(q, safetyTerms) && containsAny(section, []string{"warning", "contraindication", "adverse"}) {
		factor *= 1.5
	}
	if containsAny(q, boxedTerms) && containsAny(section, []string{"boxed", "warning"}) {
		factor *= 2.0
	}
	return factor
}

// BoostResults returns a copy of results with boosted similarities, sorted
// descending (stable on ties) and re-ranked from 1.
func BoostResults(results []models.SearchResult, query string) []models.SearchResult {
	out := make([]models.SearchResult, len(results))
	for i, r := range results {
		r.Similarity *= BoostFactor(query, r.Chunk.Metadata)
		out[i] = r
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Similarity > out[j].Similarity })
	for i := range out {
		out[i].Rank = i + 1
	}
	return out
}

func containsAny(s string, terms []string) bool {
	for _, t := range terms {
		if strings.Contains(s, t) {
			return true
		}
	}
	return false
}

func squaredL2(a, b []float32) float64 {
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return sum
}
