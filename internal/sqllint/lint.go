// Package sqllint statically checks user SQL against what the remote
// platform's query engine can run as a query activity.
package sqllint

import (
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/querystudio/querystudio/internal/tsql"
)

type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityPrereq  Severity = "prereq"
)

func (s Severity) rank() int {
	switch s {
	case SeverityError:
		return 3
	case SeverityPrereq:
		return 2
	case SeverityWarning:
		return 1
	default:
		return 0
	}
}

// Blocks reports whether a diagnostic of this severity prevents execution.
func (s Severity) Blocks() bool {
	return s == SeverityError || s == SeverityPrereq
}

// Diagnostic is one finding. Start and End are character offsets into the
// linted text, End exclusive.
type Diagnostic struct {
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
	Start    int      `json:"start_index"`
	End      int      `json:"end_index"`
}

type Field struct {
	Name string `json:"name"`
	Type string `json:"type,omitempty"`
}

type TableMetadata struct {
	Name   string  `json:"name"`
	Fields []Field `json:"fields"`
}

// Context carries optional editor state. Cursor is a character offset.
type Context struct {
	Tables []TableMetadata
	Cursor *int
}

// Rule inspects one input and reports findings with byte offsets.
type Rule func(*Input) []Diagnostic

// Rules is the ordered rule set Lint applies.
var Rules = []Rule{
	prohibitedKeywords,
	tempTablesAndCTE,
	limitOffsetFetch,
	selectShape,
	unaliasedLiterals,
	starUsage,
	joinConditions,
	ambiguousFields,
	unsupportedFunctions,
	groupByConsistency,
	commaHygiene,
	delimiterBalance,
}

// Lint runs every rule against sql and returns merged diagnostics ordered
// by position.
func Lint(sql string, ctx Context) []Diagnostic {
	in := newInput(sql, ctx)
	var diags []Diagnostic
	for _, rule := range Rules {
		diags = append(diags, rule(in)...)
	}
	if in.ParseErr != nil && !Blocking(diags) {
		offset := len(sql)
		if perr, ok := in.ParseErr.(*tsql.Error); ok {
			offset = perr.Offset
		}
		diags = append(diags, Diagnostic{
			Message:  "Query could not be fully analyzed: " + in.ParseErr.Error(),
			Severity: SeverityWarning,
			Start:    offset,
			End:      offset,
		})
	}
	return finalize(sql, diags)
}

// Blocking reports whether any diagnostic prevents execution.
func Blocking(diags []Diagnostic) bool {
	for _, d := range diags {
		if d.Severity.Blocks() {
			return true
		}
	}
	return false
}

// Input is the shared, precomputed view of a SQL text that rules consume.
type Input struct {
	SQL string
	// All holds every token including comments; Tokens only significant ones.
	All      []tsql.Token
	Tokens   []tsql.Token
	Depth    []int
	Scope    []int
	Stmt     *tsql.Select
	ParseErr error
	Tables   map[string]map[string]struct{}
	// Cursor is a byte offset, or -1 when unknown.
	Cursor int
}

func newInput(sql string, ctx Context) *Input {
	all := tsql.Tokenize(sql)
	in := &Input{
		SQL:    sql,
		All:    all,
		Tokens: tsql.Significant(all),
		Tables: map[string]map[string]struct{}{},
		Cursor: -1,
	}
	in.Depth, in.Scope = scopes(in.Tokens)
	in.Stmt, in.ParseErr = tsql.Parse(sql)

	for _, table := range ctx.Tables {
		key := normalizeName(table.Name)
		fields := map[string]struct{}{}
		for _, f := range table.Fields {
			fields[normalizeName(f.Name)] = struct{}{}
		}
		in.Tables[key] = fields
	}
	if ctx.Cursor != nil {
		in.Cursor = byteOffset(sql, *ctx.Cursor)
	}
	return in
}

// scopes assigns every token its parenthesis depth and an id for the
// parenthesized scope it belongs to. Parentheses belong to the outer scope.
func scopes(tokens []tsql.Token) ([]int, []int) {
	depth := make([]int, len(tokens))
	scope := make([]int, len(tokens))
	stack := []int{0}
	next := 1
	for i, tok := range tokens {
		if tok.IsSymbol(")") && len(stack) > 1 {
			stack = stack[:len(stack)-1]
		}
		depth[i] = len(stack) - 1
		scope[i] = stack[len(stack)-1]
		if tok.IsSymbol("(") {
			stack = append(stack, next)
			next++
		}
	}
	return depth, scope
}

func (in *Input) tok(i int) tsql.Token {
	if i < 0 || i >= len(in.Tokens) {
		return tsql.Token{Kind: tsql.Symbol, Start: len(in.SQL), End: len(in.SQL)}
	}
	return in.Tokens[i]
}

func (in *Input) eof(i int) bool {
	return i >= len(in.Tokens)
}

// fields returns the field set for a table name, if known.
func (in *Input) fields(table string) (map[string]struct{}, bool) {
	f, ok := in.Tables[normalizeName(table)]
	return f, ok
}

func normalizeName(name string) string {
	name = strings.TrimSpace(name)
	if strings.HasPrefix(name, "[") && strings.HasSuffix(name, "]") && len(name) >= 2 {
		name = strings.ReplaceAll(name[1:len(name)-1], "]]", "]")
	}
	return strings.ToLower(name)
}

func diag(severity Severity, start, end int, message string) Diagnostic {
	return Diagnostic{Message: message, Severity: severity, Start: start, End: end}
}

func tokenDiag(severity Severity, tok tsql.Token, message string) Diagnostic {
	return diag(severity, tok.Start, tok.End, message)
}

// finalize clamps byte offsets, converts them to character offsets, merges
// findings on identical spans and orders the result.
func finalize(sql string, diags []Diagnostic) []Diagnostic {
	if len(diags) == 0 {
		return []Diagnostic{}
	}
	index := runeIndex(sql)
	type span struct{ start, end int }
	merged := make(map[span]int)
	out := make([]Diagnostic, 0, len(diags))
	for _, d := range diags {
		start := clamp(d.Start, 0, len(sql))
		end := clamp(d.End, start, len(sql))
		d.Start, d.End = index[start], index[end]
		key := span{d.Start, d.End}
		if at, ok := merged[key]; ok {
			prev := out[at]
			switch {
			case d.Severity.rank() > prev.Severity.rank():
				out[at] = d
			case d.Severity.rank() == prev.Severity.rank() && len(d.Message) > len(prev.Message):
				out[at] = d
			}
			continue
		}
		merged[key] = len(out)
		out = append(out, d)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Start != out[j].Start {
			return out[i].Start < out[j].Start
		}
		return out[i].End < out[j].End
	})
	return out
}

// runeIndex maps each byte offset (0..len) to a character offset. Offsets
// inside a multi-byte sequence map to the character that contains them.
func runeIndex(s string) []int {
	index := make([]int, len(s)+1)
	chars := 0
	for i := 0; i < len(s); {
		_, size := utf8.DecodeRuneInString(s[i:])
		for k := 0; k < size; k++ {
			index[i+k] = chars
		}
		i += size
		chars++
	}
	index[len(s)] = chars
	return index
}

func byteOffset(s string, chars int) int {
	if chars <= 0 {
		return 0
	}
	n := 0
	for i := range s {
		if n == chars {
			return i
		}
		n++
	}
	return len(s)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
