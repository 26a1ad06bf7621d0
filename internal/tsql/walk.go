package tsql

import "strings"

// Walk visits e and its sub-expressions depth first. Returning false from
// fn skips the children of that node. Subqueries are not entered.
func Walk(e Expr, fn func(Expr) bool) {
	if e == nil || !fn(e) {
		return
	}
	switch n := e.(type) {
	case *FuncCall:
		for _, arg := range n.Args {
			Walk(arg, fn)
		}
		if n.Over != nil {
			for _, part := range n.Over.PartitionBy {
				Walk(part, fn)
			}
			for _, item := range n.Over.OrderBy {
				Walk(item.Expr, fn)
			}
		}
	case *Cast:
		Walk(n.Expr, fn)
		Walk(n.Style, fn)
	case *Case:
		Walk(n.Operand, fn)
		for _, when := range n.Whens {
			Walk(when.Cond, fn)
			Walk(when.Result, fn)
		}
		Walk(n.Else, fn)
	case *Binary:
		Walk(n.Left, fn)
		Walk(n.Right, fn)
	case *Unary:
		Walk(n.Expr, fn)
	case *Paren:
		Walk(n.Expr, fn)
	case *In:
		Walk(n.Expr, fn)
		for _, item := range n.List {
			Walk(item, fn)
		}
	case *Between:
		Walk(n.Expr, fn)
		Walk(n.Low, fn)
		Walk(n.High, fn)
	case *IsNull:
		Walk(n.Expr, fn)
	}
}

// Unparen strips any number of enclosing parentheses.
func Unparen(e Expr) Expr {
	for {
		paren, ok := e.(*Paren)
		if !ok {
			return e
		}
		e = paren.Expr
	}
}

// Text returns the source text covered by pos.
func Text(sql string, pos Pos) string {
	if pos.Start < 0 || pos.End > len(sql) || pos.Start > pos.End {
		return ""
	}
	return sql[pos.Start:pos.End]
}

// QuoteIdent bracket-quotes name when it is not a plain identifier.
func QuoteIdent(name string) string {
	if IsPlainIdent(name) && !IsReserved(name) {
		return name
	}
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}

// IsPlainIdent reports whether name can appear unquoted: an ASCII letter
// or underscore followed by letters, digits or underscores.
func IsPlainIdent(name string) bool {
	if name == "" {
		return false
	}
	for i, r := range name {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}
