package tsql

import "strings"

// Kind classifies a token produced by Tokenize.
type Kind int

const (
	Word Kind = iota
	QuotedIdent
	BracketIdent
	String
	Number
	Variable
	TempName
	LineComment
	BlockComment
	Symbol
)

func (k Kind) String() string {
	switch k {
	case Word:
		return "word"
	case QuotedIdent:
		return "quoted_identifier"
	case BracketIdent:
		return "bracket_identifier"
	case String:
		return "string"
	case Number:
		return "number"
	case Variable:
		return "variable"
	case TempName:
		return "temp_name"
	case LineComment:
		return "line_comment"
	case BlockComment:
		return "block_comment"
	case Symbol:
		return "symbol"
	default:
		return "unknown"
	}
}

// Token is one lexical unit. Start and End are byte offsets into the
// source text, End exclusive.
type Token struct {
	Kind         Kind
	Text         string
	Start        int
	End          int
	Unterminated bool
}

// Is reports whether the token is the bare keyword word, case-insensitively.
func (t Token) Is(word string) bool {
	return t.Kind == Word && strings.EqualFold(t.Text, word)
}

// IsAny reports whether the token is any of the given bare keywords.
func (t Token) IsAny(words ...string) bool {
	if t.Kind != Word {
		return false
	}
	for _, w := range words {
		if strings.EqualFold(t.Text, w) {
			return true
		}
	}
	return false
}

func (t Token) IsSymbol(s string) bool {
	return t.Kind == Symbol && t.Text == s
}

func (t Token) IsComment() bool {
	return t.Kind == LineComment || t.Kind == BlockComment
}

// IsIdent reports whether the token can name a column, table or alias.
func (t Token) IsIdent() bool {
	switch t.Kind {
	case Word, QuotedIdent, BracketIdent:
		return true
	}
	return false
}

// Ident returns the identifier value with delimiters removed and
// doubled closing delimiters collapsed.
func (t Token) Ident() string {
	switch t.Kind {
	case BracketIdent:
		inner := strings.TrimPrefix(t.Text, "[")
		if !t.Unterminated {
			inner = strings.TrimSuffix(inner, "]")
		}
		return strings.ReplaceAll(inner, "]]", "]")
	case QuotedIdent:
		inner := strings.TrimPrefix(t.Text, `"`)
		if !t.Unterminated {
			inner = strings.TrimSuffix(inner, `"`)
		}
		return strings.ReplaceAll(inner, `""`, `"`)
	default:
		return t.Text
	}
}

// StringValue returns the contents of a string literal token.
func (t Token) StringValue() string {
	if t.Kind != String {
		return ""
	}
	text := t.Text
	if len(text) > 0 && (text[0] == 'N' || text[0] == 'n') {
		text = text[1:]
	}
	text = strings.TrimPrefix(text, "'")
	if !t.Unterminated {
		text = strings.TrimSuffix(text, "'")
	}
	return strings.ReplaceAll(text, "''", "'")
}

// Significant drops comment tokens.
func Significant(tokens []Token) []Token {
	out := make([]Token, 0, len(tokens))
	for _, tok := range tokens {
		if tok.IsComment() {
			continue
		}
		out = append(out, tok)
	}
	return out
}

var reserved = map[string]struct{}{
	"add": {}, "all": {}, "alter": {}, "and": {}, "any": {}, "apply": {}, "as": {}, "asc": {},
	"backup": {}, "begin": {}, "between": {}, "break": {}, "bulk": {}, "by": {}, "case": {},
	"catch": {}, "close": {}, "continue": {}, "create": {}, "cross": {}, "cursor": {},
	"deallocate": {}, "declare": {}, "delete": {}, "deny": {}, "desc": {}, "distinct": {},
	"drop": {}, "else": {}, "end": {}, "except": {}, "exec": {}, "execute": {}, "exists": {},
	"fetch": {}, "for": {}, "from": {}, "full": {}, "goto": {}, "grant": {}, "group": {},
	"having": {}, "if": {}, "in": {}, "inner": {}, "insert": {}, "intersect": {}, "into": {},
	"is": {}, "join": {}, "left": {}, "like": {}, "limit": {}, "merge": {}, "not": {},
	"null": {}, "offset": {}, "on": {}, "open": {}, "option": {}, "or": {}, "order": {},
	"outer": {}, "over": {}, "percent": {}, "print": {}, "restore": {}, "return": {},
	"revoke": {}, "right": {}, "select": {}, "set": {}, "some": {}, "then": {}, "top": {},
	"truncate": {}, "try": {}, "union": {}, "update": {}, "use": {}, "waitfor": {},
	"when": {}, "where": {}, "while": {}, "with": {},
}

// IsReserved reports whether word cannot be used as a bare alias.
func IsReserved(word string) bool {
	_, ok := reserved[strings.ToLower(word)]
	return ok
}
