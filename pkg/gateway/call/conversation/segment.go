package conversation

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Segmenter cuts an append-only stream of model text into sentences at '.',
// '!' and '?'. Runs of terminal punctuation and closing quotes stay with the
// sentence they end.
type Segmenter struct {
	buf strings.Builder
}

// Push appends delta and returns every sentence completed by it, trimmed and
// in order.
func (s *Segmenter) Push(delta string) []string {
	if delta == "" {
		return nil
	}
	s.buf.WriteString(delta)

	var out []string
	for {
		buf := s.buf.String()
		cut := sentenceCut(buf)
		if cut <= 0 {
			return out
		}
		s.buf.Reset()
		s.buf.WriteString(buf[cut:])
		if sentence := strings.TrimSpace(buf[:cut]); speakable(sentence) {
			out = append(out, sentence)
		} else if sentence != "" && len(out) > 0 {
			out[len(out)-1] += sentence
		}
	}
}

// Flush returns the trimmed remainder and resets the segmenter.
func (s *Segmenter) Flush() string {
	rest := strings.TrimSpace(s.buf.String())
	s.buf.Reset()
	if !speakable(rest) {
		return ""
	}
	return rest
}

// sentenceCut returns the byte offset just past the first sentence boundary
// in s, or 0 if s holds no complete sentence yet. A '.' directly after a
// digit at the very end of s is held back until the next rune shows whether
// it is a decimal point.
func sentenceCut(s string) int {
	var prev rune
	for i := 0; i < len(s); {
		r, size := utf8.DecodeRuneInString(s[i:])
		if !isTerminal(r) {
			prev = r
			i += size
			continue
		}
		j := i + size
		if r == '.' && unicode.IsDigit(prev) {
			if j == len(s) {
				return 0
			}
			if next, _ := utf8.DecodeRuneInString(s[j:]); unicode.IsDigit(next) {
				prev = r
				i = j
				continue
			}
		}
		for j < len(s) {
			r2, sz := utf8.DecodeRuneInString(s[j:])
			if !isTerminal(r2) && !isCloser(r2) {
				break
			}
			j += sz
		}
		return j
	}
	return 0
}

func isTerminal(r rune) bool {
	return r == '.' || r == '!' || r == '?'
}

func isCloser(r rune) bool {
	switch r {
	case '"', '\'', ')', ']', '”', '’':
		return true
	}
	return false
}

// speakable reports whether s has anything a voice could say.
func speakable(s string) bool {
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return true
		}
	}
	return false
}
