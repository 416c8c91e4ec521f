package inference

import "unicode/utf8"

// textStream turns token pieces into valid UTF-8 text. A byte-level token can
// end inside a multi-byte rune; those bytes are held until the rune completes.
type textStream struct {
	pending []byte
	out     StreamFunc
}

func (s *textStream) write(piece string) string {
	s.pending = append(s.pending, piece...)
	n := completePrefix(s.pending)
	if n == 0 {
		return ""
	}
	text := string(s.pending[:n])
	s.pending = append(s.pending[:0], s.pending[n:]...)
	if s.out != nil {
		s.out(text)
	}
	return text
}

// flush emits whatever is left, invalid or not.
func (s *textStream) flush() string {
	if len(s.pending) == 0 {
		return ""
	}
	text := string(s.pending)
	s.pending = s.pending[:0]
	if s.out != nil {
		s.out(text)
	}
	return text
}

// completePrefix returns the length of b without a trailing incomplete rune.
// Invalid bytes that can never complete are passed through.
func completePrefix(b []byte) int {
	n := len(b)
	for i := 1; i <= utf8.UTFMax && i <= n; i++ {
		c := b[n-i]
		if !utf8.RuneStart(c) {
			continue
		}
		if !utf8.FullRune(b[n-i:]) {
			return n - i
		}
		return n
	}
	return n
}
