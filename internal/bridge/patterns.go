package bridge

import "strings"

// PatternSet is an immutable set of substrings marking benign stderr output.
type PatternSet struct {
	patterns []string
}

// NewPatternSet builds a set from the given substrings. Empty entries are
// skipped since they would match every chunk.
func NewPatternSet(patterns ...string) PatternSet {
	kept := make([]string, 0, len(patterns))
	for _, p := range patterns {
		if p == "" {
			continue
		}
		kept = append(kept, p)
	}
	return PatternSet{patterns: kept}
}

// DefaultIgnoredPatterns returns the TensorFlow start-up notices the analysis
// scripts are known to print on stderr.
func DefaultIgnoredPatterns() PatternSet {
	return NewPatternSet(
		"oneDNN custom operations are on",
		"slightly different numerical results",
		"The name tf.losses.sparse_softmax_cross_entropy is deprecated",
	)
}

// Match reports whether text contains any pattern of the set (case-sensitive).
func (s PatternSet) Match(text string) bool {
	for _, p := range s.patterns {
		if strings.Contains(text, p) {
			return true
		}
	}
	return false
}

// Patterns returns a copy of the substrings in the set.
func (s PatternSet) Patterns() []string {
	return append([]string(nil), s.patterns...)
}

// Len returns the number of patterns.
func (s PatternSet) Len() int {
	return len(s.patterns)
}
