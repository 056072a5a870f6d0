package statement

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Scanner splits SQL text into tokens. Whitespace, "-- line" comments and
// "/* block */" comments are skipped.
type Scanner struct {
	src string
	pos int
}

func NewScanner(src string) *Scanner {
	return &Scanner{src: src}
}

// Offset is the byte offset just past the last scanned token.
func (s *Scanner) Offset() int { return s.pos }

// Scan returns the next token, its starting byte offset and its literal.
// Quoted identifiers and strings are returned unquoted; params without "@".
func (s *Scanner) Scan() (pos int, tok Token, lit string) {
	s.skipWhitespaceAndComments()

	pos = s.pos
	ch, ok := s.peek()
	if !ok {
		return pos, EOF, ""
	}

	switch {
	case isIdentStart(ch):
		return s.scanIdent()
	case ch < utf8.RuneSelf && isDigit(byte(ch)), ch == '.' && isDigit(s.peekAt(1)):
		return s.scanNumber()
	}

	switch ch {
	case '\'':
		return s.scanQuoted('\'', STRING)
	case '"':
		return s.scanQuoted('"', QIDENT)
	case '`':
		return s.scanQuoted('`', QIDENT)
	case '@':
		s.pos++
		start := s.pos
		for {
			r, ok := s.peek()
			if !ok || !isIdentPart(r) {
				break
			}
			s.advance()
		}
		if s.pos == start {
			return pos, ILLEGAL, "@"
		}
		return pos, PARAM, s.src[start:s.pos]
	case '(':
		s.pos++
		return pos, LP, "("
	case ')':
		s.pos++
		return pos, RP, ")"
	case ',':
		s.pos++
		return pos, COMMA, ","
	case '.':
		s.pos++
		return pos, DOT, "."
	case ';':
		s.pos++
		return pos, SEMI, ";"
	case '*':
		s.pos++
		return pos, STAR, "*"
	case '+':
		s.pos++
		return pos, PLUS, "+"
	case '-':
		s.pos++
		return pos, MINUS, "-"
	case '=':
		s.pos++
		return pos, EQ, "="
	case '!':
		if s.peekAt(1) == '=' {
			s.pos += 2
			return pos, NE, "!="
		}
		s.pos++
		return pos, ILLEGAL, "!"
	case '<':
		switch s.peekAt(1) {
		case '=':
			s.pos += 2
			return pos, LE, "<="
		case '>':
			s.pos += 2
			return pos, NE, "<>"
		}
		s.pos++
		return pos, LT, "<"
	case '>':
		if s.peekAt(1) == '=' {
			s.pos += 2
			return pos, GE, ">="
		}
		s.pos++
		return pos, GT, ">"
	}

	s.advance()
	return pos, ILLEGAL, s.src[pos:s.pos]
}

func (s *Scanner) scanIdent() (int, Token, string) {
	start := s.pos
	for {
		r, ok := s.peek()
		if !ok || !isIdentPart(r) {
			break
		}
		s.advance()
	}
	lit := s.src[start:s.pos]
	return start, Lookup(lit), lit
}

func (s *Scanner) scanQuoted(quote rune, tok Token) (int, Token, string) {
	start := s.pos
	s.pos++
	var b strings.Builder
	for {
		r, ok := s.peek()
		if !ok {
			return start, ILLEGAL, s.src[start:s.pos]
		}
		s.advance()
		if r == quote {
			if next, ok := s.peek(); ok && next == quote {
				s.advance()
				b.WriteRune(quote)
				continue
			}
			return start, tok, b.String()
		}
		b.WriteRune(r)
	}
}

func (s *Scanner) scanNumber() (int, Token, string) {
	start := s.pos
	tok := INTEGER
	for isDigit(s.peekAt(0)) {
		s.pos++
	}
	if s.peekAt(0) == '.' {
		tok = FLOAT
		s.pos++
		for isDigit(s.peekAt(0)) {
			s.pos++
		}
	}
	if c := s.peekAt(0); c == 'e' || c == 'E' {
		tok = FLOAT
		s.pos++
		if c := s.peekAt(0); c == '+' || c == '-' {
			s.pos++
		}
		if !isDigit(s.peekAt(0)) {
			return start, ILLEGAL, s.src[start:s.pos]
		}
		for isDigit(s.peekAt(0)) {
			s.pos++
		}
	}
	return start, tok, s.src[start:s.pos]
}

func (s *Scanner) skipWhitespaceAndComments() {
	for s.pos < len(s.src) {
		r, size := utf8.DecodeRuneInString(s.src[s.pos:])
		switch {
		case unicode.IsSpace(r):
			s.pos += size
		case r == '-' && s.peekAt(1) == '-':
			if i := strings.IndexByte(s.src[s.pos:], '\n'); i >= 0 {
				s.pos += i + 1
			} else {
				s.pos = len(s.src)
			}
		case r == '/' && s.peekAt(1) == '*':
			if i := strings.Index(s.src[s.pos+2:], "*/"); i >= 0 {
				s.pos += i + 4
			} else {
				s.pos = len(s.src)
			}
		default:
			return
		}
	}
}

func (s *Scanner) peek() (rune, bool) {
	if s.pos >= len(s.src) {
		return 0, false
	}
	r, _ := utf8.DecodeRuneInString(s.src[s.pos:])
	return r, true
}

// peekAt returns the byte n bytes ahead, or 0 past the end.
func (s *Scanner) peekAt(n int) byte {
	if s.pos+n >= len(s.src) {
		return 0
	}
	return s.src[s.pos+n]
}

func (s *Scanner) advance() {
	_, size := utf8.DecodeRuneInString(s.src[s.pos:])
	s.pos += size
}

func isIdentStart(r rune) bool { return r == '_' || unicode.IsLetter(r) }

func isIdentPart(r rune) bool { return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r) }

func isDigit(c byte) bool { return c >= '0' && c <= '9' }
