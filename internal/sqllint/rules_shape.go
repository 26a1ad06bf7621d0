package sqllint

import (
	"fmt"
	"strings"

	"github.com/querystudio/querystudio/internal/tsql"
)

var clauseKeywords = map[string]struct{}{
	"from": {}, "where": {}, "group": {}, "order": {}, "having": {}, "join": {}, "inner": {},
	"left": {}, "right": {}, "full": {}, "cross": {}, "outer": {}, "union": {}, "except": {},
	"intersect": {}, "offset": {}, "option": {},
}

// isClause reports whether tok starts a clause. LEFT and RIGHT followed by
// "(" are string functions.
func isClause(tok, next tsql.Token) bool {
	if tok.Kind != tsql.Word {
		return false
	}
	if tok.IsAny("LEFT", "RIGHT") && next.IsSymbol("(") {
		return false
	}
	_, ok := clauseKeywords[strings.ToLower(tok.Text)]
	return ok
}

func isAliasToken(tok tsql.Token) bool {
	switch tok.Kind {
	case tsql.BracketIdent, tsql.QuotedIdent:
		return true
	case tsql.Word:
		return !tsql.IsReserved(tok.Text)
	}
	return false
}

// skipSelectModifiers returns the index of the first select-list token
// after DISTINCT, ALL and TOP clauses starting at i.
func (in *Input) skipSelectModifiers(i int) int {
	if in.tok(i).IsAny("DISTINCT", "ALL") {
		i++
	}
	if in.tok(i).Is("TOP") {
		i++
		if in.tok(i).IsSymbol("(") {
			i = in.closing(i) + 1
		} else if !in.eof(i) {
			i++
		}
		if in.tok(i).Is("PERCENT") {
			i++
		}
		if in.tok(i).Is("WITH") && in.tok(i+1).Is("TIES") {
			i += 2
		}
	}
	return i
}

func selectShape(in *Input) []Diagnostic {
	if strings.TrimSpace(in.SQL) == "" || len(in.Tokens) == 0 {
		return []Diagnostic{diag(SeverityPrereq, 0, len(in.SQL), "Enter a SELECT query to run")}
	}

	var out []Diagnostic
	sawSelect := false
	for i, tok := range in.Tokens {
		if !tok.Is("SELECT") {
			continue
		}
		sawSelect = true
		first := in.skipSelectModifiers(i + 1)
		next := in.tok(first)
		if in.eof(first) || next.Is("FROM") || next.IsSymbol(")") || next.IsSymbol(";") ||
			next.IsAny("UNION", "EXCEPT", "INTERSECT") {
			out = append(out, tokenDiag(SeverityPrereq, tok, "Add at least one field to the SELECT list"))
			continue
		}
		if in.Depth[i] != 0 {
			continue
		}
		hasFrom := false
		last := first
		for j := first; j < len(in.Tokens); j++ {
			t := in.Tokens[j]
			if in.Scope[j] != in.Scope[i] {
				last = j
				continue
			}
			if t.IsAny("UNION", "EXCEPT", "INTERSECT", "SELECT") || t.IsSymbol(";") {
				break
			}
			if t.Is("FROM") {
				hasFrom = true
				break
			}
			last = j
		}
		if !hasFrom {
			out = append(out, diag(SeverityPrereq, tok.Start, in.tok(last).End,
				"SELECT requires a FROM clause naming the data extension to read"))
		}
	}
	if !sawSelect {
		return append(out, diag(SeverityPrereq, 0, len(in.SQL), "Query must be a SELECT statement"))
	}

	for i, tok := range in.Tokens {
		if !tok.Is("FROM") {
			continue
		}
		next := in.tok(i + 1)
		if in.eof(i+1) || next.IsSymbol(")") || next.IsSymbol(";") || next.IsSymbol(",") || isClause(next, in.tok(i+2)) {
			out = append(out, tokenDiag(SeverityPrereq, tok, "FROM must name a data extension"))
		}
	}
	return out
}

// chain returns the parsed statement and every query it is combined with.
func (in *Input) chain() []*tsql.Select {
	var out []*tsql.Select
	for sel := in.Stmt; sel != nil; sel = sel.Next {
		out = append(out, sel)
	}
	return out
}

func unaliasedLiterals(in *Input) []Diagnostic {
	var out []Diagnostic
	for _, sel := range in.chain() {
		for _, item := range sel.Items {
			if item.Star || item.Alias != "" || !isLiteral(item.Expr) {
				continue
			}
			text := tsql.Text(in.SQL, item.ExprPos)
			out = append(out, diag(SeverityError, item.ExprPos.Start, item.ExprPos.End, fmt.Sprintf(
				"Literal value %s needs an alias, for example %s AS Label", text, text)))
		}
	}
	return out
}

func isLiteral(e tsql.Expr) bool {
	switch n := tsql.Unparen(e).(type) {
	case *tsql.Literal:
		return true
	case *tsql.Unary:
		return isLiteral(n.Expr)
	}
	return false
}

func starUsage(in *Input) []Diagnostic {
	hasJoin := false
	for i, tok := range in.Tokens {
		if in.Depth[i] == 0 && tok.IsAny("JOIN", "APPLY") {
			hasJoin = true
			break
		}
	}

	var out []Diagnostic
	for i, tok := range in.Tokens {
		if !tok.IsSymbol("*") || in.Depth[i] != 0 || !in.isSelectStar(i) {
			continue
		}
		switch {
		case hasJoin:
			out = append(out, tokenDiag(SeverityError, tok,
				"SELECT * cannot be combined with JOIN; list the fields or qualify the star as table.*"))
		case in.singleUnaliasedTable():
			out = append(out, tokenDiag(SeverityWarning, tok,
				"SELECT * copies every field into the result; list only the fields you need"))
		}
	}
	return out
}

func (in *Input) isSelectStar(i int) bool {
	prev := in.tok(i - 1)
	if i == 0 || prev.IsSymbol(".") {
		return false
	}
	switch {
	case prev.IsAny("SELECT", "DISTINCT", "ALL", "PERCENT", "TIES"), prev.IsSymbol(","):
		return true
	case in.tok(i - 2).Is("TOP"):
		return true
	case prev.IsSymbol(")"):
		open := in.opening(i - 1)
		return open > 0 && in.tok(open-1).Is("TOP")
	}
	return false
}

// opening returns the index of the "(" matching the ")" at close, or -1.
func (in *Input) opening(close int) int {
	depth := 0
	for i := close; i >= 0; i-- {
		switch {
		case in.Tokens[i].IsSymbol(")"):
			depth++
		case in.Tokens[i].IsSymbol("("):
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

func (in *Input) singleUnaliasedTable() bool {
	for i, tok := range in.Tokens {
		if !tok.Is("FROM") || in.Depth[i] != 0 {
			continue
		}
		j := i + 1
		if !in.tok(j).IsIdent() {
			return false
		}
		for in.tok(j+1).IsSymbol(".") && in.tok(j+2).IsIdent() {
			j += 2
		}
		next := in.tok(j + 1)
		if next.Is("AS") || isAliasToken(next) || next.IsSymbol(",") {
			return false
		}
		return true
	}
	return false
}
