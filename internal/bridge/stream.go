package bridge

import (
	"bytes"
	"fmt"
	"strings"
)

// FilterMode selects the granularity at which stderr is matched against the
// ignored patterns.
type FilterMode int

const (
	// FilterChunks matches each write from the stream copier as one unit.
	// A chunk holding an ignored notice is dropped whole, even if it also
	// carries other text.
	FilterChunks FilterMode = iota
	// FilterLines buffers stderr and matches complete lines.
	FilterLines
)

// String implements fmt.Stringer.
func (m FilterMode) String() string {
	switch m {
	case FilterLines:
		return "line"
	default:
		return "chunk"
	}
}

// ParseFilterMode converts a configuration value into a FilterMode.
func ParseFilterMode(value string) (FilterMode, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "chunk", "chunks":
		return FilterChunks, nil
	case "line", "lines":
		return FilterLines, nil
	default:
		return FilterChunks, fmt.Errorf("unknown stderr filter mode %q", value)
	}
}

// stderrFilter accumulates the stderr text of a single invocation, keeping
// only what no ignored pattern matches. It is written by the exec stream
// copier and read once after Wait returns.
type stderrFilter struct {
	patterns PatternSet
	mode     FilterMode
	kept     bytes.Buffer
	pending  []byte
	dropped  int
}

func newStderrFilter(patterns PatternSet, mode FilterMode) *stderrFilter {
	return &stderrFilter{patterns: patterns, mode: mode}
}

func (f *stderrFilter) Write(p []byte) (int, error) {
	if f.mode != FilterLines {
		f.accept(p)
		return len(p), nil
	}

	f.pending = append(f.pending, p...)
	for {
		idx := bytes.IndexByte(f.pending, '\n')
		if idx < 0 {
			break
		}
		f.accept(f.pending[:idx+1])
		f.pending = f.pending[idx+1:]
	}
	return len(p), nil
}

// flush feeds a trailing partial line, if any. Called once at process exit.
func (f *stderrFilter) flush() {
	if len(f.pending) == 0 {
		return
	}
	f.accept(f.pending)
	f.pending = nil
}

func (f *stderrFilter) accept(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	if f.patterns.Match(string(chunk)) {
		f.dropped++
		return
	}
	f.kept.Write(chunk)
}

func (f *stderrFilter) String() string {
	return f.kept.String()
}
