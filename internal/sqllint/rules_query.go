package sqllint

import (
	"fmt"
	"strings"

	"github.com/querystudio/querystudio/internal/tsql"
)

func joinConditions(in *Input) []Diagnostic {
	var out []Diagnostic
	for i, tok := range in.Tokens {
		if !tok.Is("JOIN") || in.tok(i-1).Is("CROSS") {
			continue
		}
		if in.hasOnClause(i) || in.typingJoinTarget(i) {
			continue
		}
		end := tok.End
		if next := in.tok(i + 1); !in.eof(i+1) && in.Depth[i+1] == in.Depth[i] && !isClause(next, in.tok(i+2)) &&
			!next.IsSymbol(")") {
			end = next.End
			if next.IsSymbol("(") {
				end = in.tok(in.closing(i + 1)).End
			}
		}
		out = append(out, diag(SeverityError, tok.Start, end, "JOIN is missing its ON condition"))
	}
	return out
}

// hasOnClause scans forward from the JOIN at i within its scope for ON.
func (in *Input) hasOnClause(i int) bool {
	for j := i + 1; j < len(in.Tokens); j++ {
		if in.Depth[j] < in.Depth[i] {
			return false
		}
		if in.Depth[j] > in.Depth[i] || in.Scope[j] != in.Scope[i] {
			continue
		}
		t := in.Tokens[j]
		if t.Is("ON") {
			return true
		}
		if t.IsSymbol(";") {
			return false
		}
		if j > i+1 && isClause(t, in.tok(j+1)) {
			return false
		}
	}
	return false
}

// typingJoinTarget reports whether the editor cursor sits in, or right at
// the end of, the table name that follows the JOIN at i.
func (in *Input) typingJoinTarget(i int) bool {
	if in.Cursor < 0 {
		return false
	}
	if in.eof(i + 1) {
		return in.Cursor >= in.Tokens[i].End
	}
	next := in.Tokens[i+1]
	if !next.IsIdent() {
		return false
	}
	end := next.End
	for j := i + 1; in.tok(j+1).IsSymbol(".") && in.tok(j+2).IsIdent(); j += 2 {
		end = in.tok(j + 2).End
	}
	return in.Cursor >= next.Start && in.Cursor <= end
}

type knownTable struct {
	name   string
	fields map[string]struct{}
}

func ambiguousFields(in *Input) []Diagnostic {
	var out []Diagnostic
	for _, sel := range in.chain() {
		var known []knownTable
		for _, t := range sel.Tables() {
			table, ok := t.(*tsql.TableName)
			if !ok {
				continue
			}
			fields, ok := in.fields(table.Name())
			if !ok {
				continue
			}
			known = append(known, knownTable{name: table.Name(), fields: fields})
		}
		if len(known) < 2 {
			continue
		}

		aliases := map[string]struct{}{}
		for _, item := range sel.Items {
			if item.Alias != "" {
				aliases[strings.ToLower(item.Alias)] = struct{}{}
			}
		}
		var cols []*tsql.ColumnRef
		for _, item := range sel.Items {
			cols = append(cols, collectColumns(item.Expr)...)
		}
		for _, join := range sel.Joins() {
			cols = append(cols, collectColumns(join.On)...)
		}
		cols = append(cols, collectColumns(sel.Where)...)
		for _, g := range sel.GroupBy {
			cols = append(cols, collectColumns(g)...)
		}
		cols = append(cols, collectColumns(sel.Having)...)
		for _, o := range sel.OrderBy {
			for _, c := range collectColumns(o.Expr) {
				if _, isAlias := aliases[strings.ToLower(c.Name())]; isAlias && c.Qualifier() == "" {
					continue
				}
				cols = append(cols, c)
			}
		}

		for _, col := range cols {
			if col.Qualifier() != "" {
				continue
			}
			var owners []string
			for _, t := range known {
				if _, ok := t.fields[strings.ToLower(col.Name())]; ok {
					owners = append(owners, t.name)
				}
			}
			if len(owners) < 2 {
				continue
			}
			out = append(out, diag(SeverityError, col.Start, col.End, fmt.Sprintf(
				"Field %s is ambiguous: it exists in %s and %s. Qualify it with a table name or alias",
				col.Name(), owners[0], owners[1])))
		}
	}
	return out
}

var datePartFuncs = map[string]struct{}{
	"dateadd": {}, "datediff": {}, "datediff_big": {}, "datepart": {}, "datename": {}, "datetrunc": {},
}

// collectColumns returns column references in e, skipping the date part
// keyword that DATEADD and friends take as their first argument.
func collectColumns(e tsql.Expr) []*tsql.ColumnRef {
	var out []*tsql.ColumnRef
	var visit func(tsql.Expr)
	visit = func(root tsql.Expr) {
		tsql.Walk(root, func(n tsql.Expr) bool {
			switch n := n.(type) {
			case *tsql.ColumnRef:
				out = append(out, n)
			case *tsql.FuncCall:
				if _, ok := datePartFuncs[strings.ToLower(n.Name)]; ok && len(n.Args) > 0 {
					for _, arg := range n.Args[1:] {
						visit(arg)
					}
					return false
				}
			}
			return true
		})
	}
	visit(e)
	return out
}

var aggregateFuncs = map[string]struct{}{
	"count": {}, "count_big": {}, "sum": {}, "avg": {}, "min": {}, "max": {}, "stdev": {},
	"stdevp": {}, "var": {}, "varp": {}, "checksum_agg": {}, "grouping": {}, "grouping_id": {},
	"string_agg": {}, "approx_count_distinct": {},
}

// IsAggregate reports whether name is an aggregate function.
func IsAggregate(name string) bool {
	_, ok := aggregateFuncs[strings.ToLower(name)]
	return ok
}

func containsCall(e tsql.Expr, match func(*tsql.FuncCall) bool) bool {
	found := false
	tsql.Walk(e, func(n tsql.Expr) bool {
		if call, ok := n.(*tsql.FuncCall); ok && match(call) {
			found = true
		}
		return !found
	})
	return found
}

func isAggregateCall(call *tsql.FuncCall) bool {
	return call.Over == nil && IsAggregate(call.Name)
}

func isWindowCall(call *tsql.FuncCall) bool {
	return call.Over != nil
}

func groupByConsistency(in *Input) []Diagnostic {
	var out []Diagnostic
	for _, sel := range in.chain() {
		aggregated := false
		for _, item := range sel.Items {
			if !item.Star && containsCall(item.Expr, isAggregateCall) {
				aggregated = true
				break
			}
		}
		if !aggregated && len(sel.GroupBy) == 0 {
			continue
		}

		grouped := map[string]struct{}{}
		for _, g := range sel.GroupBy {
			grouped[normalizeExpr(tsql.Text(in.SQL, g.Span()))] = struct{}{}
		}
		for _, item := range sel.Items {
			if item.Star || isLiteral(item.Expr) {
				continue
			}
			if containsCall(item.Expr, isAggregateCall) || containsCall(item.Expr, isWindowCall) {
				continue
			}
			if _, ok := grouped[normalizeExpr(tsql.Text(in.SQL, item.ExprPos))]; ok {
				continue
			}
			for _, col := range collectColumns(item.Expr) {
				if inGroupBy(col, sel.GroupBy) {
					continue
				}
				out = append(out, diag(SeverityError, col.Start, col.End, fmt.Sprintf(
					"Field %s must appear in GROUP BY or be wrapped in an aggregate function such as MAX(%s)",
					tsql.Text(in.SQL, col.Pos), tsql.Text(in.SQL, col.Pos))))
				break
			}
		}
	}
	return out
}

func inGroupBy(col *tsql.ColumnRef, groups []tsql.Expr) bool {
	for _, g := range groups {
		ref, ok := tsql.Unparen(g).(*tsql.ColumnRef)
		if !ok || !strings.EqualFold(ref.Name(), col.Name()) {
			continue
		}
		if ref.Qualifier() == "" || col.Qualifier() == "" || strings.EqualFold(ref.Qualifier(), col.Qualifier()) {
			return true
		}
	}
	return false
}

func normalizeExpr(text string) string {
	return strings.ToLower(strings.Join(strings.Fields(text), ""))
}

func commaHygiene(in *Input) []Diagnostic {
	var out []Diagnostic
	for i, tok := range in.Tokens {
		if !tok.IsSymbol(",") {
			continue
		}
		prev, next := in.tok(i-1), in.tok(i+1)
		switch {
		case prev.IsSymbol(","):
		case i == 0 || prev.IsAny("SELECT", "DISTINCT", "ALL", "BY", "FROM") || prev.IsSymbol("("):
			out = append(out, tokenDiag(SeverityError, tok, "Leading comma before the first item"))
		case next.IsSymbol(","):
			out = append(out, diag(SeverityError, tok.Start, next.End, "Doubled comma; remove one"))
		case in.eof(i + 1):
			out = append(out, tokenDiag(SeverityError, tok, "Trailing comma at end of query"))
		case next.IsSymbol(")") || next.IsSymbol(";") || isClause(next, in.tok(i+2)):
			out = append(out, tokenDiag(SeverityError, tok, fmt.Sprintf(
				"Trailing comma before %s", strings.ToUpper(next.Text))))
		}
	}
	return out
}

// delimiterBalance reports the first unbalanced bracket, parenthesis,
// string or block comment. Only one finding is emitted since later ones
// are usually consequences of the first.
func delimiterBalance(in *Input) []Diagnostic {
	var issues []Diagnostic
	var open []tsql.Token
	for _, tok := range in.All {
		switch {
		case tok.Unterminated:
			var msg string
			switch tok.Kind {
			case tsql.BracketIdent:
				msg = "Unclosed bracket: [ has no matching ]"
			case tsql.String:
				msg = "Unterminated string literal: missing closing quote"
			case tsql.QuotedIdent:
				msg = `Unterminated quoted identifier: missing closing "`
			default:
				msg = "Unterminated block comment: missing */"
			}
			issues = append(issues, diag(SeverityError, tok.Start, tok.Start+1, msg))
		case tok.IsSymbol("]"):
			issues = append(issues, tokenDiag(SeverityError, tok, "Unmatched bracket: ] has no opening ["))
		case tok.IsSymbol("("):
			open = append(open, tok)
		case tok.IsSymbol(")"):
			if len(open) == 0 {
				issues = append(issues, tokenDiag(SeverityError, tok, "Unmatched parenthesis: ) has no opening ("))
				continue
			}
			open = open[:len(open)-1]
		}
	}
	for _, tok := range open {
		issues = append(issues, tokenDiag(SeverityError, tok, "Unclosed parenthesis: ( has no matching )"))
	}
	if len(issues) == 0 {
		return nil
	}
	first := issues[0]
	for _, d := range issues[1:] {
		if d.Start < first.Start {
			first = d
		}
	}
	return []Diagnostic{first}
}
