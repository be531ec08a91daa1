// Package banfilter rejects inbound messages that contain blocked words
// or match blocked patterns. It runs before a message is persisted or
// scored, so rejected content costs nothing downstream.
package banfilter

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"
)

// RuleKind distinguishes literal word rules from regex rules.
type RuleKind string

const (
	KindWord  RuleKind = "word"
	KindRegex RuleKind = "regex"
)

// Rule is the blocklist entry that matched a message.
type Rule struct {
	Kind  RuleKind
	Value string
}

// Filter holds compiled blocklists. It is immutable after construction
// and safe for concurrent use.
type Filter struct {
	words    []string
	patterns []*regexp.Regexp
	logger   *slog.Logger
}

// New compiles the given blocklists. Words are matched as case-sensitive
// substrings of the processed text; patterns are matched anywhere in the
// raw message. Empty words are ignored.
func New(words, patterns []string, logger *slog.Logger) (*Filter, error) {
	if logger == nil {
		logger = slog.Default()
	}
	f := &Filter{logger: logger}
	for _, w := range words {
		if w != "" {
			f.words = append(f.words, w)
		}
	}
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("compile ban pattern %q: %w", p, err)
		}
		f.patterns = append(f.patterns, re)
	}
	return f, nil
}

// Match returns the first rule that text or raw trips. Word rules are
// checked before pattern rules, each in configuration order.
func (f *Filter) Match(text, raw string) (Rule, bool) {
	if f == nil {
		return Rule{}, false
	}
	for _, w := range f.words {
		if strings.Contains(text, w) {
			return Rule{Kind: KindWord, Value: w}, true
		}
	}
	for _, re := range f.patterns {
		if re.MatchString(raw) {
			return Rule{Kind: KindRegex, Value: re.String()}, true
		}
	}
	return Rule{}, false
}

// IsBanned reports whether the message should be dropped, logging the
// rule that fired.
func (f *Filter) IsBanned(text, raw string) bool {
	rule, ok := f.Match(text, raw)
	if !ok {
		return false
	}
	f.logger.Info("message filtered",
		"rule", rule.Kind,
		"match", rule.Value,
	)
	return true
}

// Size returns the number of word and pattern rules.
func (f *Filter) Size() (words, patterns int) {
	if f == nil {
		return 0, 0
	}
	return len(f.words), len(f.patterns)
}
