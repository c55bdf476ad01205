package entity

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

const hashEmbedderDim = 256

// HashEmbedder produces deterministic local embeddings by feature-hashing
// word tokens into a fixed-width vector. It keeps similarity linking and
// hybrid search working without an embeddings provider; swap in a real
// provider through the Embedder interface when one is configured.
type HashEmbedder struct {
	dim int
}

func NewHashEmbedder() *HashEmbedder {
	return &HashEmbedder{dim: hashEmbedderDim}
}

func (h *HashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, h.dim)
	for _, token := range tokenize(text) {
		hasher := fnv.New64a()
		hasher.Write([]byte(token))
		sum := hasher.Sum64()
		bucket := int(sum % uint64(h.dim))
		// Sign hashing keeps the expected dot product of unrelated
		// token sets near zero.
		if sum&(1<<63) == 0 {
			vec[bucket]++
		} else {
			vec[bucket]--
		}
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		scale := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= scale
		}
	}
	return vec, nil
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
