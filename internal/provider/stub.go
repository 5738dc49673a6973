package provider

import (
	"context"
	"hash/fnv"
	"math"
	"sync"
)

// StubProvider is a deterministic in-process provider for tests and dry
// runs. Completions are served from a queue; embeddings are derived
// from a hash of the text, so identical text always embeds identically
// and different text lands elsewhere on the unit sphere.
type StubProvider struct {
	mu      sync.Mutex
	Replies []string

	// Calls records every conversation passed to Complete, oldest
	// first, so tests can assert on what was sent.
	Calls [][]Message
	// Embedded records every text passed to Embed.
	Embedded []string

	dimensions int
}

func NewStubProvider(replies ...string) *StubProvider {
	return &StubProvider{
		Replies:    replies,
		dimensions: 384,
	}
}

func (p *StubProvider) Name() string {
	return "stub"
}

// Complete pops the next canned reply; once exhausted it declines every
// event with a skip block.
func (p *StubProvider) Complete(ctx context.Context, messages []Message) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	copied := make([]Message, len(messages))
	copy(copied, messages)
	p.Calls = append(p.Calls, copied)

	if len(p.Replies) == 0 {
		return "<skip><reason>stub exhausted</reason></skip>", nil
	}
	reply := p.Replies[0]
	p.Replies = p.Replies[1:]
	return reply, nil
}

// Embed hashes the text into a deterministic unit vector.
func (p *StubProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	p.mu.Lock()
	p.Embedded = append(p.Embedded, text)
	p.mu.Unlock()

	h := fnv.New64a()
	h.Write([]byte(text))
	seed := h.Sum64()

	embedding := make([]float32, p.dimensions)
	for i := range embedding {
		// LCG keeps the generation dependency-free and reproducible.
		seed = seed*6364136223846793005 + 1442695040888963407
		embedding[i] = float32(int64(seed)) / float32(math.MaxInt64)
	}
	return normalize(embedding), nil
}

func normalize(vec []float32) []float32 {
	var norm float32
	for _, v := range vec {
		norm += v * v
	}
	if norm == 0 {
		return vec
	}
	norm = float32(math.Sqrt(float64(norm)))
	for i, v := range vec {
		vec[i] = v / norm
	}
	return vec
}
