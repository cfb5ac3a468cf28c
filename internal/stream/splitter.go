// Package stream cuts a model's delta stream into deliverable chunks.
package stream

import (
	"iter"
	"strings"

	"arcbot/internal/tags"
)

// Splitter buffers deltas and emits trimmed, non-empty chunks. Each round
// cuts at the first send delimiter in the buffer; only when there is none
// does it cut at a newline. Neither cuts inside an open long block. A
// Splitter serves one response stream.
type Splitter struct {
	buf string
}

// NewSplitter returns an empty Splitter.
func NewSplitter() *Splitter { return &Splitter{} }

// Feed appends a delta and returns every chunk completed by it.
func (s *Splitter) Feed(delta string) []string {
	s.buf = strings.ReplaceAll(s.buf+delta, "\r\n", "\n")

	var out []string
	for {
		if i := s.boundary(tags.SendDelimiter); i >= 0 {
			out = s.cut(out, i, len(tags.SendDelimiter))
			continue
		}
		if i := s.boundary("\n"); i >= 0 {
			out = s.cut(out, i, 1)
			continue
		}
		return out
	}
}

// boundary returns the index of the first sep in buf that is not inside an
// open long block, or -1.
func (s *Splitter) boundary(sep string) int {
	from := 0
	for {
		i := strings.Index(s.buf[from:], sep)
		if i < 0 {
			return -1
		}
		i += from
		if !tags.HasOpenLongBlock(s.buf[:i]) {
			return i
		}
		from = i + len(sep)
	}
}

// Flush returns whatever is buffered as a final chunk and resets the
// Splitter. An open long block is flushed as is.
func (s *Splitter) Flush() []string {
	out := appendChunk(nil, s.buf)
	s.buf = ""
	return out
}

// cut emits buf[:i] and drops the delimiter of width n after it.
func (s *Splitter) cut(out []string, i, n int) []string {
	out = appendChunk(out, s.buf[:i])
	s.buf = s.buf[i+n:]
	return out
}

func appendChunk(out []string, chunk string) []string {
	if c := strings.TrimSpace(chunk); c != "" {
		out = append(out, c)
	}
	return out
}

// Chunks adapts a delta sequence into a chunk sequence. A delta error is
// yielded after the chunks completed before it, and ends the sequence
// without flushing.
func Chunks(deltas iter.Seq2[string, error]) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		s := NewSplitter()
		for delta, err := range deltas {
			if err != nil {
				yield("", err)
				return
			}
			for _, c := range s.Feed(delta) {
				if !yield(c, nil) {
					return
				}
			}
		}
		for _, c := range s.Flush() {
			if !yield(c, nil) {
				return
			}
		}
	}
}
