package tokenizer

import (
	"fmt"
	"unicode/utf8"

	tiktoken "github.com/pkoukk/tiktoken-go"

	"arcbot/internal/domain"
)

// Heuristic estimates two tokens for every three runes. It is fast and
// deterministic and needs no vocabulary files.
type Heuristic struct{}

// Estimate returns (runes*2)/3 + 1, or 0 for empty text.
func (Heuristic) Estimate(text string) int {
	if text == "" {
		return 0
	}
	return utf8.RuneCountInString(text)*2/3 + 1
}

// TikToken wraps tiktoken-go to implement domain.TokenEstimator.
type TikToken struct {
	encoding *tiktoken.Tiktoken
}

// getEncoding is swapped in tests to avoid fetching BPE ranks.
var getEncoding = tiktoken.GetEncoding

// NewTikToken creates a TikToken estimator with the given encoding name.
// Common encodings: "cl100k_base", "o200k_base".
func NewTikToken(encodingName string) (*TikToken, error) {
	enc, err := getEncoding(encodingName)
	if err != nil {
		return nil, fmt.Errorf("tokenizer: unknown encoding %q: %w", encodingName, err)
	}
	return &TikToken{encoding: enc}, nil
}

// Estimate returns the number of BPE tokens in text.
func (t *TikToken) Estimate(text string) int {
	if text == "" {
		return 0
	}
	return len(t.encoding.Encode(text, nil, nil))
}

// New picks an estimator by name. Unknown names and an empty name fall back
// to the heuristic.
func New(kind, encoding string) (domain.TokenEstimator, error) {
	if kind != "tiktoken" {
		return Heuristic{}, nil
	}
	if encoding == "" {
		encoding = "cl100k_base"
	}
	tok, err := NewTikToken(encoding)
	if err != nil {
		return nil, err
	}
	return tok, nil
}

var (
	_ domain.TokenEstimator = Heuristic{}
	_ domain.TokenEstimator = (*TikToken)(nil)
)
