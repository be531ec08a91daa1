// Package interest scores how interesting a message is to the bot, as
// a rate in [0,1] consumed by the reply gate.
package interest

import (
	"context"
	"sort"
	"strings"
)

// Topic is a keyword and the activation it contributes when present.
type Topic struct {
	Keyword string  `yaml:"keyword"`
	Weight  float64 `yaml:"weight"`
}

// KeywordScorer activates on configured topic keywords.
type KeywordScorer struct {
	topics []Topic
}

// NewKeywordScorer creates a scorer. Keywords are matched
// case-insensitively; topics with an empty keyword or non-positive
// weight are ignored.
func NewKeywordScorer(topics []Topic) *KeywordScorer {
	kept := make([]Topic, 0, len(topics))
	for _, t := range topics {
		kw := strings.ToLower(strings.TrimSpace(t.Keyword))
		if kw == "" || t.Weight <= 0 {
			continue
		}
		kept = append(kept, Topic{Keyword: kw, Weight: t.Weight})
	}
	// Longest first so the debug listing reads naturally; the score
	// itself is order independent.
	sort.SliceStable(kept, func(i, j int) bool { return len(kept[i].Keyword) > len(kept[j].Keyword) })
	return &KeywordScorer{topics: kept}
}

// Activation returns min(1, sum of the weights of every topic found in
// text). fast is accepted for callers that distinguish a quick lookup
// from a full retrieval; keyword matching is always quick.
func (s *KeywordScorer) Activation(ctx context.Context, text string, fast bool) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	lower := strings.ToLower(text)
	var total float64
	for _, t := range s.topics {
		if strings.Contains(lower, t.Keyword) {
			total += t.Weight
		}
	}
	return min(total, 1), nil
}

// Matches returns the keywords found in text.
func (s *KeywordScorer) Matches(text string) []string {
	lower := strings.ToLower(text)
	var out []string
	for _, t := range s.topics {
		if strings.Contains(lower, t.Keyword) {
			out = append(out, t.Keyword)
		}
	}
	return out
}
