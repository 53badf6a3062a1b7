package streamer

import "strings"

const (
	thinkingOpenTag  = "<thinking>"
	thinkingCloseTag = "</thinking>"
)

// ThinkingSplitter incrementally separates <thinking> spans from the
// surrounding text. Tags may be split across chunk boundaries; a partial
// tag at the end of a chunk is held back until the next Feed or Flush.
type ThinkingSplitter struct {
	pending    string
	inThinking bool
}

// Feed consumes one chunk and returns the plain-text and thinking
// portions ready to emit. Either may be empty.
func (s *ThinkingSplitter) Feed(chunk string) (text, thinking string) {
	s.pending += chunk

	var textOut, thinkingOut strings.Builder
	for {
		if s.inThinking {
			if i := strings.Index(s.pending, thinkingCloseTag); i >= 0 {
				thinkingOut.WriteString(s.pending[:i])
				s.pending = s.pending[i+len(thinkingCloseTag):]
				s.inThinking = false
				continue
			}
			hold := partialTagSuffix(s.pending, thinkingCloseTag)
			thinkingOut.WriteString(s.pending[:len(s.pending)-hold])
			s.pending = s.pending[len(s.pending)-hold:]
			break
		}

		if i := strings.Index(s.pending, thinkingOpenTag); i >= 0 {
			textOut.WriteString(s.pending[:i])
			s.pending = s.pending[i+len(thinkingOpenTag):]
			s.inThinking = true
			continue
		}
		hold := partialTagSuffix(s.pending, thinkingOpenTag)
		textOut.WriteString(s.pending[:len(s.pending)-hold])
		s.pending = s.pending[len(s.pending)-hold:]
		break
	}
	return textOut.String(), thinkingOut.String()
}

// Flush releases anything still held back. An unterminated thinking span
// is emitted as thinking.
func (s *ThinkingSplitter) Flush() (text, thinking string) {
	out := s.pending
	s.pending = ""
	if s.inThinking {
		return "", out
	}
	return out, ""
}

// SplitThinking separates every <thinking> span from a complete output.
func SplitThinking(content string) (text, thinking string) {
	var s ThinkingSplitter
	t1, th1 := s.Feed(content)
	t2, th2 := s.Flush()
	return t1 + t2, th1 + th2
}

// partialTagSuffix reports the length of the longest suffix of s that is
// a proper prefix of tag.
func partialTagSuffix(s, tag string) int {
	max := len(tag) - 1
	if max > len(s) {
		max = len(s)
	}
	for n := max; n > 0; n-- {
		if strings.HasSuffix(s, tag[:n]) {
			return n
		}
	}
	return 0
}
