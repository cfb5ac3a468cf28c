// Package tags defines the bracket markup the model writes in-band:
// [name] or [name:arg1:arg2...], closed by the next "]". The longtext kind
// captures everything up to its close verbatim, newlines included; every
// other kind is single-line.
package tags

import "strings"

// Tag names. Names are case-sensitive.
const (
	Reply     = "reply"
	MentionQQ = "@qq"
	CQ        = "CQ"
	Poke      = "poke"
	Emoji     = "emoji"
	Music     = "music"
	LongText  = "longtext"
	Note      = "note"
	SetRole   = "setrole"
	Event     = "event"
	EventEnd  = "event_end"
)

const (
	// SendDelimiter forces a chunk boundary in the reply stream.
	SendDelimiter = "[send]"
	// LongBlockOpen starts a verbatim block that newlines do not split.
	LongBlockOpen = "[" + LongText + ":"
	// Close ends any tag.
	Close = ']'
)

var silent = map[string]bool{
	Note:     true,
	SetRole:  true,
	Event:    true,
	EventEnd: true,
}

var visible = map[string]bool{
	MentionQQ: true,
	CQ:        true,
	Poke:      true,
	Emoji:     true,
	Music:     true,
	LongText:  true,
}

// IsSilent reports whether the tag produces a side effect and no output.
func IsSilent(name string) bool { return silent[name] }

// IsVisible reports whether the tag becomes an output segment.
func IsVisible(name string) bool { return visible[name] }

// Tag is one bracketed marker found in a text. Start and End are byte
// offsets of "[" and one past "]".
type Tag struct {
	Name  string
	Body  string
	Start int
	End   int
	// HasBody is false for the bare [name] form.
	HasBody bool
}

// Args splits the body on ":" into at most n parts (n < 0 means all).
func (t Tag) Args(n int) []string {
	if !t.HasBody {
		return nil
	}
	return strings.SplitN(t.Body, ":", n)
}

// Raw returns the tag exactly as written in src.
func (t Tag) Raw(src string) string { return src[t.Start:t.End] }

// Scan returns every well-formed tag in text, left to right. Text that only
// looks like the start of a tag (no name, no close, or a newline inside a
// single-line tag) is skipped.
func Scan(text string) []Tag {
	var out []Tag
	for i := 0; i < len(text); {
		if text[i] != '[' {
			i++
			continue
		}
		tag, ok := parseAt(text, i)
		if !ok {
			i++
			continue
		}
		out = append(out, tag)
		i = tag.End
	}
	return out
}

// parseAt tries to read one tag starting at the "[" at position start.
func parseAt(text string, start int) (Tag, bool) {
	j := start + 1
	for j < len(text) && isNameByte(text[j]) {
		j++
	}
	if j == start+1 || j >= len(text) {
		return Tag{}, false
	}
	name := text[start+1 : j]
	switch text[j] {
	case Close:
		return Tag{Name: name, Start: start, End: j + 1}, true
	case ':':
	default:
		return Tag{}, false
	}

	bodyStart := j + 1
	end := strings.IndexByte(text[bodyStart:], Close)
	if end < 0 {
		return Tag{}, false
	}
	body := text[bodyStart : bodyStart+end]
	if name != LongText && strings.ContainsRune(body, '\n') {
		return Tag{}, false
	}
	return Tag{Name: name, Body: body, Start: start, End: bodyStart + end + 1, HasBody: true}, true
}

func isNameByte(c byte) bool {
	return c == '_' || c == '@' ||
		(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

// Remove deletes the given tags from text. Tags must come from Scan(text).
func Remove(text string, found []Tag) string {
	if len(found) == 0 {
		return text
	}
	var b strings.Builder
	b.Grow(len(text))
	last := 0
	for _, t := range found {
		b.WriteString(text[last:t.Start])
		last = t.End
	}
	b.WriteString(text[last:])
	return b.String()
}

// Filter returns the tags for which keep returns true.
func Filter(found []Tag, keep func(Tag) bool) []Tag {
	var out []Tag
	for _, t := range found {
		if keep(t) {
			out = append(out, t)
		}
	}
	return out
}

// HasOpenLongBlock reports whether text ends inside an unterminated
// long block.
func HasOpenLongBlock(text string) bool {
	open := strings.LastIndex(text, LongBlockOpen)
	if open < 0 {
		return false
	}
	return strings.IndexByte(text[open+len(LongBlockOpen):], Close) < 0
}

// CleanContent collapses runs of whitespace into single spaces.
func CleanContent(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
