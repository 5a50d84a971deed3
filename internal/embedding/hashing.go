package embedding

import (
	"context"
	"hash/fnv"
	"math"
	"regexp"
	"strings"
)

const defaultHashingDimension = 384

var tokenRe = regexp.MustCompile(`[\p{L}\p{N}]+`)

// HashingEmbedder maps text to an L2-normalized bag-of-words vector using
// feature hashing. It needs no model and no network, so vectors are stable
// across processes.
type HashingEmbedder struct {
	dim int
}

func NewHashingEmbedder(dim int) *HashingEmbedder {
	if dim <= 0 {
		dim = defaultHashingDimension
	}
	return &HashingEmbedder{dim: dim}
}

func (h *HashingEmbedder) Dimension() int { return h.dim }

func (h *HashingEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for _, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out = append(out, h.vector(text))
	}
	return out, nil
}

func (h *HashingEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return h.vector(text), nil
}

func (h *HashingEmbedder) vector(text string) []float32 {
	vec := make([]float32, h.dim)
	for _, tok := range tokenRe.FindAllString(strings.ToLower(text), -1) {
		f := fnv.New32a()
		_, _ = f.Write([]byte(tok))
		vec[f.Sum32()%uint32(h.dim)]++
	}
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return vec
	}
	inv := float32(1 / math.Sqrt(sum))
	for i := range vec {
		vec[i] *= inv
	}
	return vec
}
