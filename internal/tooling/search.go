package tooling

import (
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"arcbot/internal/domain"
)

// Scoring weights for history search.
const (
	scoreExact     = 100
	scoreFuzzy     = 50
	scoreUsername  = 30
	scoreSimilar   = 40 // multiplied by the similarity ratio
	scoreWord      = 15
	scorePartial   = 10
	similarityGate = 0.3
)

// ScoredMessage is a search hit with its relevance and highlighted content.
type ScoredMessage struct {
	domain.HistoryMessage
	Score       int
	Highlighted string
}

// SearchMessages ranks messages against query and returns at most limit hits,
// best first. Messages scoring zero are dropped.
func SearchMessages(messages []domain.HistoryMessage, query string, limit int) []ScoredMessage {
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return nil
	}
	queryWords := strings.Fields(query)
	fuzzy := fuzzyPattern(query)

	var hits []ScoredMessage
	for _, msg := range messages {
		content := strings.ToLower(msg.Content)
		score := 0
		if strings.Contains(content, query) {
			score += scoreExact
		}
		if fuzzy.MatchString(content) {
			score += scoreFuzzy
		}
		if strings.Contains(strings.ToLower(msg.UserName), query) {
			score += scoreUsername
		}
		if sim := similarity(query, content); sim > similarityGate {
			score += int(sim * scoreSimilar)
		}
		contentWords := strings.Fields(content)
		for _, w := range queryWords {
			if containsWord(contentWords, w) {
				score += scoreWord
			}
		}
		for _, w := range queryWords {
			if utf8.RuneCountInString(w) > 2 && strings.Contains(content, w) {
				score += scorePartial
			}
		}
		if score > 0 {
			hits = append(hits, ScoredMessage{
				HistoryMessage: msg,
				Score:          score,
				Highlighted:    highlight(msg.Content, queryWords),
			})
		}
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits
}

// fuzzyPattern matches the query's runes in order with anything between.
func fuzzyPattern(query string) *regexp.Regexp {
	parts := make([]string, 0, len(query))
	for _, r := range query {
		parts = append(parts, regexp.QuoteMeta(string(r)))
	}
	return regexp.MustCompile(strings.Join(parts, ".*"))
}

func containsWord(words []string, w string) bool {
	for _, cw := range words {
		if cw == w {
			return true
		}
	}
	return false
}

// highlight wraps every case-insensitive occurrence of each query word
// longer than one rune in 【】.
func highlight(content string, words []string) string {
	out := content
	for _, w := range words {
		if utf8.RuneCountInString(w) <= 1 {
			continue
		}
		re := regexp.MustCompile("(?i)" + regexp.QuoteMeta(w))
		out = re.ReplaceAllString(out, "【"+w+"】")
	}
	return out
}

// similarity is the Ratcliff/Obershelp ratio 2*M/T over runes, where M is
// the total size of recursively found longest common blocks.
func similarity(a, b string) float64 {
	ra, rb := []rune(a), []rune(b)
	total := len(ra) + len(rb)
	if total == 0 {
		return 1
	}
	return 2 * float64(matchingRunes(ra, rb)) / float64(total)
}

func matchingRunes(a, b []rune) int {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	i, j, size := longestCommonBlock(a, b)
	if size == 0 {
		return 0
	}
	return size + matchingRunes(a[:i], b[:j]) + matchingRunes(a[i+size:], b[j+size:])
}

// longestCommonBlock returns the earliest longest common substring of a and b.
func longestCommonBlock(a, b []rune) (int, int, int) {
	bestI, bestJ, best := 0, 0, 0
	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)
	for i := 1; i <= len(a); i++ {
		for j := 1; j <= len(b); j++ {
			if a[i-1] == b[j-1] {
				cur[j] = prev[j-1] + 1
				if cur[j] > best {
					best = cur[j]
					bestI, bestJ = i-cur[j], j-cur[j]
				}
			} else {
				cur[j] = 0
			}
		}
		prev, cur = cur, prev
	}
	return bestI, bestJ, best
}

// truncateRunes shortens s to max runes, replacing the tail with "...".
func truncateRunes(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	r := []rune(s)
	return string(r[:max-3]) + "..."
}
