package engine

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// StubDimension is the vector length produced by StubEmbedder.
const StubDimension = 64

// StubEmbedder hashes words into a fixed number of buckets. It needs no
// service, and texts that share words land close to each other, which is
// enough for offline runs and tests.
type StubEmbedder struct{}

func (StubEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if err := checkText(text); err != nil {
		return nil, err
	}
	v := make([]float32, StubDimension)
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, w := range words {
		h := fnv.New32a()
		h.Write([]byte(w))
		v[h.Sum32()%StubDimension]++
	}
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	if sum == 0 {
		// Only punctuation: a fixed direction keeps the vector usable.
		v[0] = 1
		return v, nil
	}
	n := float32(math.Sqrt(sum))
	for i := range v {
		v[i] /= n
	}
	return v, nil
}

func (s StubEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	return s.Embed(ctx, text)
}

func (StubEmbedder) Model() string { return "stub/fnv" }
