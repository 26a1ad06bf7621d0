package tsql

import (
	"unicode"
	"unicode/utf8"
)

// Tokenize splits sql into tokens. Whitespace is dropped; comments are
// kept so callers can reason about them. Strings, quoted identifiers,
// bracketed identifiers and block comments that run to the end of input
// are returned with Unterminated set.
func Tokenize(sql string) []Token {
	l := lexer{input: sql}
	var tokens []Token
	for {
		tok, ok := l.next()
		if !ok {
			return tokens
		}
		tokens = append(tokens, tok)
	}
}

type lexer struct {
	input string
	pos   int
}

func (l *lexer) peekByte(offset int) byte {
	if l.pos+offset >= len(l.input) {
		return 0
	}
	return l.input[l.pos+offset]
}

func (l *lexer) next() (Token, bool) {
	l.skipSpace()
	if l.pos >= len(l.input) {
		return Token{}, false
	}
	start := l.pos
	ch := l.input[l.pos]

	switch {
	case ch == '-' && l.peekByte(1) == '-':
		for l.pos < len(l.input) && l.input[l.pos] != '\n' {
			l.pos++
		}
		return l.emit(LineComment, start, false), true
	case ch == '/' && l.peekByte(1) == '*':
		return l.blockComment(start), true
	case ch == '\'':
		l.pos++
		terminated := l.until('\'')
		return l.emit(String, start, !terminated), true
	case (ch == 'N' || ch == 'n') && l.peekByte(1) == '\'':
		l.pos += 2
		terminated := l.until('\'')
		return l.emit(String, start, !terminated), true
	case ch == '"':
		l.pos++
		terminated := l.until('"')
		return l.emit(QuotedIdent, start, !terminated), true
	case ch == '[':
		l.pos++
		terminated := l.until(']')
		return l.emit(BracketIdent, start, !terminated), true
	case ch == '@':
		l.pos++
		if l.peekByte(0) == '@' {
			l.pos++
		}
		l.identTail()
		return l.emit(Variable, start, false), true
	case ch == '#':
		l.pos++
		if l.peekByte(0) == '#' {
			l.pos++
		}
		l.identTail()
		return l.emit(TempName, start, false), true
	case isDigit(ch) || (ch == '.' && isDigit(l.peekByte(1))):
		l.number()
		return l.emit(Number, start, false), true
	case ch == '$' && isDigit(l.peekByte(1)):
		l.pos++
		l.number()
		return l.emit(Number, start, false), true
	}

	r, size := utf8.DecodeRuneInString(l.input[l.pos:])
	if r == '_' || unicode.IsLetter(r) {
		l.pos += size
		l.identTail()
		return l.emit(Word, start, false), true
	}

	if l.pos+1 < len(l.input) {
		switch l.input[l.pos : l.pos+2] {
		case "<=", ">=", "<>", "!=", "!<", "!>", "+=", "-=", "*=", "/=", "%=", "&=", "|=", "^=", "::":
			l.pos += 2
			return l.emit(Symbol, start, false), true
		}
	}
	l.pos += size
	return l.emit(Symbol, start, false), true
}

func (l *lexer) emit(kind Kind, start int, unterminated bool) Token {
	return Token{
		Kind:         kind,
		Text:         l.input[start:l.pos],
		Start:        start,
		End:          l.pos,
		Unterminated: unterminated,
	}
}

func (l *lexer) skipSpace() {
	for l.pos < len(l.input) {
		r, size := utf8.DecodeRuneInString(l.input[l.pos:])
		if !unicode.IsSpace(r) {
			return
		}
		l.pos += size
	}
}

// until consumes up to and including the closing delimiter, treating a
// doubled delimiter as an escaped literal.
func (l *lexer) until(closer byte) bool {
	for l.pos < len(l.input) {
		if l.input[l.pos] == closer {
			if l.peekByte(1) == closer {
				l.pos += 2
				continue
			}
			l.pos++
			return true
		}
		l.pos++
	}
	return false
}

func (l *lexer) blockComment(start int) Token {
	l.pos += 2
	depth := 1
	for l.pos < len(l.input) {
		switch {
		case l.input[l.pos] == '/' && l.peekByte(1) == '*':
			depth++
			l.pos += 2
		case l.input[l.pos] == '*' && l.peekByte(1) == '/':
			depth--
			l.pos += 2
			if depth == 0 {
				return l.emit(BlockComment, start, false)
			}
		default:
			l.pos++
		}
	}
	return l.emit(BlockComment, start, true)
}

func (l *lexer) identTail() {
	for l.pos < len(l.input) {
		r, size := utf8.DecodeRuneInString(l.input[l.pos:])
		if r == '_' || r == '@' || r == '$' || r == '#' || unicode.IsLetter(r) || unicode.IsDigit(r) {
			l.pos += size
			continue
		}
		return
	}
}

func (l *lexer) number() {
	for isDigit(l.peekByte(0)) {
		l.pos++
	}
	if l.peekByte(0) == '.' {
		l.pos++
		for isDigit(l.peekByte(0)) {
			l.pos++
		}
	}
	if c := l.peekByte(0); c == 'e' || c == 'E' {
		next := l.peekByte(1)
		if isDigit(next) || ((next == '+' || next == '-') && isDigit(l.peekByte(2))) {
			l.pos += 2
			for isDigit(l.peekByte(0)) {
				l.pos++
			}
		}
	}
}

func isDigit(ch byte) bool {
	return ch >= '0' && ch <= '9'
}
