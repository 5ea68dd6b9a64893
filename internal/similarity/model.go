// Package similarity scores error messages for likeness. The default model is
// a token-frequency (TF-IDF) cosine scorer trained from a historical corpus;
// it hides the technique behind score/train operations so a different backend
// can be swapped in without touching the clustering engine.
package similarity

import (
	"context"
	"math"
	"strings"
	"sync"
	"unicode"

	"github.com/faultlinehq/faultline/internal/utils"
)

// Scorer is the similarity contract consumed by the clustering engine.
type Scorer interface {
	// Score returns a similarity in [0,1] for two normalized messages.
	// Returns ErrModelUnavailable until a corpus has been trained.
	Score(a, b string) (float64, error)
	// Train rebuilds the model vocabulary from a historical corpus. Training
	// never mutates existing cluster assignments; it only affects future scores.
	Train(ctx context.Context, corpus []string) error
	// Ready reports whether the model can score.
	Ready() bool
}

// vocabulary is an immutable training snapshot. Assignment calls during a
// retrain read the previous snapshot; the pointer swaps atomically at the end.
type vocabulary struct {
	idf  map[string]float64
	docs int
}

// Model is the TF-IDF cosine implementation of Scorer.
type Model struct {
	trainMu sync.Mutex   // serializes Train; one in-flight training per instance
	mu      sync.RWMutex // guards vocab pointer
	vocab   *vocabulary
}

// NewModel returns an untrained model. Scoring before Train returns
// ErrModelUnavailable so callers can degrade to exact matching.
func NewModel() *Model {
	return &Model{}
}

// Ready reports whether a vocabulary snapshot exists.
func (m *Model) Ready() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.vocab != nil
}

// Train builds document frequencies over the corpus. Idempotent: the same
// corpus always produces the same vocabulary and therefore the same scores.
func (m *Model) Train(ctx context.Context, corpus []string) error {
	m.trainMu.Lock()
	defer m.trainMu.Unlock()

	df := make(map[string]int)
	docs := 0
	for i, doc := range corpus {
		if i%256 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		tokens := Tokenize(doc)
		if len(tokens) == 0 {
			continue
		}
		docs++
		seen := make(map[string]struct{}, len(tokens))
		for _, tok := range tokens {
			if _, ok := seen[tok]; ok {
				continue
			}
			seen[tok] = struct{}{}
			df[tok]++
		}
	}

	idf := make(map[string]float64, len(df))
	for tok, count := range df {
		idf[tok] = math.Log(1 + float64(docs)/float64(1+count))
	}

	m.mu.Lock()
	m.vocab = &vocabulary{idf: idf, docs: docs}
	m.mu.Unlock()
	return nil
}

// Score computes cosine similarity between the TF-IDF vectors of a and b.
func (m *Model) Score(a, b string) (float64, error) {
	m.mu.RLock()
	vocab := m.vocab
	m.mu.RUnlock()
	if vocab == nil {
		return 0, utils.ErrModelUnavailable
	}

	va := vocab.vectorize(a)
	vb := vocab.vectorize(b)
	return cosine(va, vb), nil
}

func (v *vocabulary) vectorize(text string) map[string]float64 {
	tokens := Tokenize(text)
	if len(tokens) == 0 {
		return nil
	}
	tf := make(map[string]float64, len(tokens))
	for _, tok := range tokens {
		tf[tok]++
	}
	vec := make(map[string]float64, len(tf))
	for tok, count := range tf {
		weight, ok := v.idf[tok]
		if !ok {
			// Unseen token: treat as maximally informative.
			weight = math.Log(1 + float64(v.docs))
		}
		vec[tok] = (count / float64(len(tokens))) * weight
	}
	return vec
}

func cosine(a, b map[string]float64) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for tok, wa := range a {
		normA += wa * wa
		if wb, ok := b[tok]; ok {
			dot += wa * wb
		}
	}
	for _, wb := range b {
		normB += wb * wb
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// Tokenize lower-cases and splits on non-alphanumeric runes, dropping
// single-character fragments.
func Tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	tokens := make([]string, 0, len(fields))
	for _, f := range fields {
		if len(f) < 2 {
			continue
		}
		tokens = append(tokens, f)
	}
	return tokens
}
