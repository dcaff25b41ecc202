package usda

import (
	"fmt"
	"strings"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokNumber
	tokString
	tokAsset
	tokPath
	tokPunct
)

type token struct {
	kind tokenKind
	text string
	line int
}

func (t token) String() string {
	switch t.kind {
	case tokEOF:
		return "end of file"
	case tokString:
		return fmt.Sprintf("string %q", t.text)
	default:
		return fmt.Sprintf("%q", t.text)
	}
}

// lexer splits USDA text into tokens. Comments (# to end of line) are
// dropped, which also discards the "#usda 1.0" header.
type lexer struct {
	src  string
	pos  int
	line int
}

func newLexer(src string) *lexer {
	return &lexer{src: src, line: 1}
}

func (l *lexer) all() ([]token, error) {
	var toks []token
	for {
		t, err := l.next()
		if err != nil {
			return nil, err
		}
		toks = append(toks, t)
		if t.kind == tokEOF {
			return toks, nil
		}
	}
}

func (l *lexer) next() (token, error) {
	l.skipSpace()
	if l.pos >= len(l.src) {
		return token{kind: tokEOF, line: l.line}, nil
	}
	c := l.src[l.pos]
	start, line := l.pos, l.line

	switch {
	case c == '"' || c == '\'':
		s, err := l.quoted(c)
		return token{kind: tokString, text: s, line: line}, err
	case c == '@':
		end := strings.IndexByte(l.src[l.pos+1:], '@')
		if end < 0 {
			return token{}, fmt.Errorf("line %d: unterminated asset path", line)
		}
		l.pos += end + 2
		return token{kind: tokAsset, text: l.src[start+1 : l.pos-1], line: line}, nil
	case c == '<':
		end := strings.IndexByte(l.src[l.pos+1:], '>')
		if end < 0 {
			return token{}, fmt.Errorf("line %d: unterminated path", line)
		}
		l.pos += end + 2
		return token{kind: tokPath, text: l.src[start+1 : l.pos-1], line: line}, nil
	case isDigit(c) || ((c == '-' || c == '+' || c == '.') && l.pos+1 < len(l.src) && (isDigit(l.src[l.pos+1]) || l.src[l.pos+1] == '.')):
		l.pos++
		for l.pos < len(l.src) && isNumberChar(l.src[l.pos], l.src[l.pos-1]) {
			l.pos++
		}
		return token{kind: tokNumber, text: l.src[start:l.pos], line: line}, nil
	case c == '-' && strings.HasPrefix(l.src[l.pos:], "-inf"):
		l.pos += 4
		return token{kind: tokNumber, text: "-inf", line: line}, nil
	case isIdentStart(c):
		l.pos++
		for l.pos < len(l.src) && isIdentChar(l.src[l.pos]) {
			l.pos++
		}
		return token{kind: tokIdent, text: l.src[start:l.pos], line: line}, nil
	case strings.ContainsRune("()[]{}=,;:", rune(c)):
		l.pos++
		return token{kind: tokPunct, text: string(c), line: line}, nil
	}
	return token{}, fmt.Errorf("line %d: unexpected character %q", line, c)
}

func (l *lexer) skipSpace() {
	for l.pos < len(l.src) {
		switch c := l.src[l.pos]; {
		case c == '\n':
			l.line++
			l.pos++
		case c == ' ' || c == '\t' || c == '\r':
			l.pos++
		case c == '#':
			for l.pos < len(l.src) && l.src[l.pos] != '\n' {
				l.pos++
			}
		default:
			return
		}
	}
}

func (l *lexer) quoted(q byte) (string, error) {
	line := l.line
	triple := strings.Repeat(string(q), 3)
	if strings.HasPrefix(l.src[l.pos:], triple) {
		end := strings.Index(l.src[l.pos+3:], triple)
		if end < 0 {
			return "", fmt.Errorf("line %d: unterminated string", line)
		}
		s := l.src[l.pos+3 : l.pos+3+end]
		l.line += strings.Count(s, "\n")
		l.pos += end + 6
		return s, nil
	}

	var b strings.Builder
	for i := l.pos + 1; i < len(l.src); i++ {
		c := l.src[i]
		switch c {
		case '\\':
			if i+1 < len(l.src) {
				i++
				b.WriteByte(unescape(l.src[i]))
			}
		case q:
			l.pos = i + 1
			return b.String(), nil
		case '\n':
			return "", fmt.Errorf("line %d: newline in string", line)
		default:
			b.WriteByte(c)
		}
	}
	return "", fmt.Errorf("line %d: unterminated string", line)
}

func unescape(c byte) byte {
	switch c {
	case 'n':
		return '\n'
	case 't':
		return '\t'
	}
	return c
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func isNumberChar(c, prev byte) bool {
	if isDigit(c) || c == '.' || c == 'e' || c == 'E' {
		return true
	}
	return (c == '-' || c == '+') && (prev == 'e' || prev == 'E')
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

// Identifiers carry namespace separators and property suffixes, so
// "xformOp:translate" and "outputs:surface.connect" are single tokens.
func isIdentChar(c byte) bool {
	return isIdentStart(c) || isDigit(c) || c == ':' || c == '.'
}
