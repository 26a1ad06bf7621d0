package tsql

import (
	"fmt"
	"strconv"
	"strings"
)

// Error is a syntax error with the byte offset it was detected at.
type Error struct {
	Offset int
	Msg    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("syntax error at offset %d: %s", e.Offset, e.Msg)
}

type parser struct {
	input   string
	toks    []Token
	pos     int
	prevEnd int
}

// Parse parses a single SELECT statement, including set-operator chains.
// Common table expressions, SELECT INTO and multiple statements are
// rejected.
func Parse(sql string) (*Select, error) {
	p := &parser{input: sql, toks: Significant(Tokenize(sql))}
	if len(p.toks) == 0 {
		return nil, &Error{Offset: 0, Msg: "empty statement"}
	}
	for _, tok := range p.toks {
		if tok.Unterminated {
			return nil, &Error{Offset: tok.Start, Msg: fmt.Sprintf("unterminated %s", tok.Kind)}
		}
	}
	sel, err := p.parseQuery()
	if err != nil {
		return nil, err
	}
	for p.acceptSymbol(";") {
	}
	if !p.eof() {
		return nil, p.errorf("unexpected %q after end of statement", p.peek().Text)
	}
	return sel, nil
}

func (p *parser) eof() bool {
	return p.pos >= len(p.toks)
}

func (p *parser) peek() Token {
	return p.peekAt(0)
}

func (p *parser) peekAt(n int) Token {
	if p.pos+n >= len(p.toks) {
		return Token{Kind: Symbol, Start: len(p.input), End: len(p.input)}
	}
	return p.toks[p.pos+n]
}

func (p *parser) advance() Token {
	tok := p.peek()
	if !p.eof() {
		p.pos++
		p.prevEnd = tok.End
	}
	return tok
}

func (p *parser) acceptWord(word string) bool {
	if p.peek().Is(word) {
		p.advance()
		return true
	}
	return false
}

func (p *parser) expectWord(word string) error {
	if !p.acceptWord(word) {
		return p.errorf("expected %s", word)
	}
	return nil
}

func (p *parser) acceptSymbol(s string) bool {
	if p.peek().IsSymbol(s) {
		p.advance()
		return true
	}
	return false
}

func (p *parser) expectSymbol(s string) error {
	if !p.acceptSymbol(s) {
		return p.errorf("expected %q", s)
	}
	return nil
}

func (p *parser) errorf(format string, args ...any) error {
	return &Error{Offset: p.peek().Start, Msg: fmt.Sprintf(format, args...)}
}

// bareAlias reports whether tok may stand as an alias without AS.
func bareAlias(tok Token) bool {
	switch tok.Kind {
	case BracketIdent, QuotedIdent:
		return true
	case Word:
		return !IsReserved(tok.Text)
	}
	return false
}

func (p *parser) parseQuery() (*Select, error) {
	if p.peek().Is("WITH") {
		return nil, p.errorf("common table expressions are not supported")
	}
	start := p.peek().Start
	var sel *Select
	if p.peek().IsSymbol("(") {
		p.advance()
		inner, err := p.parseQuery()
		if err != nil {
			return nil, err
		}
		if err := p.expectSymbol(")"); err != nil {
			return nil, err
		}
		sel = inner
	} else {
		spec, err := p.parseSpec()
		if err != nil {
			return nil, err
		}
		sel = spec
	}

	tok := p.peek()
	if tok.IsAny("UNION", "EXCEPT", "INTERSECT") {
		p.advance()
		op := strings.ToUpper(tok.Text)
		if op == "UNION" && p.acceptWord("ALL") {
			op = "UNION ALL"
		}
		next, err := p.parseQuery()
		if err != nil {
			return nil, err
		}
		sel.SetOp = op
		sel.Next = next
	}
	sel.Pos = Pos{Start: start, End: p.prevEnd}
	return sel, nil
}

func (p *parser) parseSpec() (*Select, error) {
	start := p.peek().Start
	if err := p.expectWord("SELECT"); err != nil {
		return nil, err
	}
	sel := &Select{}
	if p.acceptWord("DISTINCT") {
		sel.Distinct = true
	} else {
		p.acceptWord("ALL")
	}
	if p.peek().Is("TOP") {
		top, err := p.parseTop()
		if err != nil {
			return nil, err
		}
		sel.Top = top
	}

	if p.eof() || p.peek().Is("FROM") {
		return nil, p.errorf("empty select list")
	}
	for {
		item, err := p.parseSelectItem()
		if err != nil {
			return nil, err
		}
		sel.Items = append(sel.Items, item)
		if !p.acceptSymbol(",") {
			break
		}
	}

	if p.peek().Is("INTO") {
		return nil, p.errorf("SELECT INTO is not supported")
	}
	if p.acceptWord("FROM") {
		sel.HasFrom = true
		for {
			table, err := p.parseTableExpr()
			if err != nil {
				return nil, err
			}
			sel.From = append(sel.From, table)
			if !p.acceptSymbol(",") {
				break
			}
		}
	}
	if p.acceptWord("WHERE") {
		where, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		sel.Where = where
	}
	if p.peek().Is("GROUP") && p.peekAt(1).Is("BY") {
		p.advance()
		p.advance()
		group, err := p.parseExprList()
		if err != nil {
			return nil, err
		}
		sel.GroupBy = group
	}
	if p.acceptWord("HAVING") {
		having, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		sel.Having = having
	}
	if p.peek().Is("ORDER") && p.peekAt(1).Is("BY") {
		p.advance()
		p.advance()
		order, err := p.parseOrderList()
		if err != nil {
			return nil, err
		}
		sel.OrderBy = order
	}
	if err := p.parseOffsetFetch(sel); err != nil {
		return nil, err
	}
	if p.peek().Is("OPTION") && p.peekAt(1).IsSymbol("(") {
		p.advance()
		if err := p.skipParens(); err != nil {
			return nil, err
		}
	}
	sel.Pos = Pos{Start: start, End: p.prevEnd}
	return sel, nil
}

func (p *parser) parseTop() (*Top, error) {
	p.advance()
	top := &Top{}
	if p.acceptSymbol("(") {
		count, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if err := p.expectSymbol(")"); err != nil {
			return nil, err
		}
		top.Count = count
	} else {
		tok := p.peek()
		if tok.Kind != Number && tok.Kind != Variable {
			return nil, p.errorf("expected row count after TOP")
		}
		count, err := p.parsePrimary()
		if err != nil {
			return nil, err
		}
		top.Count = count
	}
	if p.acceptWord("PERCENT") {
		top.Percent = true
	}
	if p.peek().Is("WITH") && p.peekAt(1).Is("TIES") {
		p.advance()
		p.advance()
		top.WithTies = true
	}
	return top, nil
}

func (p *parser) parseOffsetFetch(sel *Select) error {
	if p.peek().Is("FETCH") {
		return p.errorf("FETCH requires OFFSET")
	}
	if !p.acceptWord("OFFSET") {
		return nil
	}
	offset, err := p.parseExpr()
	if err != nil {
		return err
	}
	sel.Offset = offset
	if !p.acceptWord("ROWS") {
		p.acceptWord("ROW")
	}
	if !p.acceptWord("FETCH") {
		return nil
	}
	if !p.acceptWord("NEXT") && !p.acceptWord("FIRST") {
		return p.errorf("expected NEXT or FIRST")
	}
	fetch, err := p.parseExpr()
	if err != nil {
		return err
	}
	sel.Fetch = fetch
	if !p.acceptWord("ROWS") && !p.acceptWord("ROW") {
		return p.errorf("expected ROWS")
	}
	return p.expectWord("ONLY")
}

func (p *parser) parseSelectItem() (*SelectItem, error) {
	start := p.peek().Start
	if p.peek().IsSymbol("*") {
		p.advance()
		pos := Pos{Start: start, End: p.prevEnd}
		return &SelectItem{Pos: pos, ExprPos: pos, Star: true}, nil
	}
	if n := p.qualifiedStarLen(); n > 0 {
		qualifier := p.peekAt(n - 3).Ident()
		for i := 0; i < n; i++ {
			p.advance()
		}
		pos := Pos{Start: start, End: p.prevEnd}
		return &SelectItem{Pos: pos, ExprPos: pos, Star: true, StarQualifier: qualifier}, nil
	}

	tok := p.peek()
	if (bareAlias(tok) || tok.Kind == String) && p.peekAt(1).IsSymbol("=") {
		p.advance()
		p.advance()
		expr, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		alias := tok.Ident()
		if tok.Kind == String {
			alias = tok.StringValue()
		}
		return &SelectItem{
			Pos:     Pos{Start: start, End: p.prevEnd},
			ExprPos: expr.Span(),
			Expr:    expr,
			Alias:   alias,
		}, nil
	}

	expr, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	item := &SelectItem{Expr: expr, ExprPos: expr.Span()}
	if p.acceptWord("AS") {
		aliasTok := p.peek()
		switch {
		case aliasTok.Kind == String:
			item.Alias = aliasTok.StringValue()
		case aliasTok.IsIdent():
			item.Alias = aliasTok.Ident()
		default:
			return nil, p.errorf("expected alias after AS")
		}
		p.advance()
	} else if aliasTok := p.peek(); bareAlias(aliasTok) || aliasTok.Kind == String {
		p.advance()
		if aliasTok.Kind == String {
			item.Alias = aliasTok.StringValue()
		} else {
			item.Alias = aliasTok.Ident()
		}
	}
	item.Pos = Pos{Start: start, End: p.prevEnd}
	return item, nil
}

// qualifiedStarLen returns the number of tokens in a qualified star such
// as t.* or dbo.t.* at the current position, or 0.
func (p *parser) qualifiedStarLen() int {
	i := 0
	for p.peekAt(i).IsIdent() && p.peekAt(i+1).IsSymbol(".") {
		i += 2
	}
	if i > 0 && p.peekAt(i).IsSymbol("*") {
		return i + 1
	}
	return 0
}

func (p *parser) parseTableExpr() (TableExpr, error) {
	left, err := p.parseTablePrimary()
	if err != nil {
		return nil, err
	}
	for {
		kind, n := p.joinKind()
		if n == 0 {
			return left, nil
		}
		for i := 0; i < n; i++ {
			p.advance()
		}
		right, err := p.parseTablePrimary()
		if err != nil {
			return nil, err
		}
		join := &Join{Kind: kind, Left: left, Right: right}
		if kind != "CROSS" && !join.Apply() && p.acceptWord("ON") {
			on, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			join.On = on
		}
		join.Pos = Pos{Start: left.Span().Start, End: p.prevEnd}
		left = join
	}
}

// joinKind inspects the upcoming tokens for a join operator and returns
// its normalized kind and token length without consuming anything.
func (p *parser) joinKind() (string, int) {
	tok := p.peek()
	hint := func(i int) int {
		if p.peekAt(i).IsAny("LOOP", "HASH", "MERGE", "REMOTE") {
			return i + 1
		}
		return i
	}
	switch {
	case tok.Is("JOIN"):
		return "INNER", 1
	case tok.Is("INNER"):
		i := hint(1)
		if p.peekAt(i).Is("JOIN") {
			return "INNER", i + 1
		}
	case tok.IsAny("LEFT", "RIGHT", "FULL"):
		i := 1
		if p.peekAt(i).Is("OUTER") {
			i++
		}
		i = hint(i)
		if p.peekAt(i).Is("JOIN") {
			return strings.ToUpper(tok.Text), i + 1
		}
	case tok.Is("CROSS"):
		if p.peekAt(1).Is("JOIN") {
			return "CROSS", 2
		}
		if p.peekAt(1).Is("APPLY") {
			return "CROSS APPLY", 2
		}
	case tok.Is("OUTER"):
		if p.peekAt(1).Is("APPLY") {
			return "OUTER APPLY", 2
		}
	}
	return "", 0
}

func (p *parser) parseTablePrimary() (TableExpr, error) {
	tok := p.peek()
	start := tok.Start
	switch {
	case tok.IsSymbol("("):
		if p.peekAt(1).Is("SELECT") || p.peekAt(1).IsSymbol("(") {
			p.advance()
			query, err := p.parseQuery()
			if err != nil {
				return nil, err
			}
			if err := p.expectSymbol(")"); err != nil {
				return nil, err
			}
			table := &DerivedTable{Query: query}
			alias, err := p.parseTableAlias()
			if err != nil {
				return nil, err
			}
			table.Alias = alias
			if p.peek().IsSymbol("(") {
				if err := p.skipParens(); err != nil {
					return nil, err
				}
			}
			table.Pos = Pos{Start: start, End: p.prevEnd}
			return table, nil
		}
		p.advance()
		inner, err := p.parseTableExpr()
		if err != nil {
			return nil, err
		}
		if err := p.expectSymbol(")"); err != nil {
			return nil, err
		}
		return inner, nil
	case tok.Kind == TempName || tok.Kind == Variable || (tok.IsIdent() && bareAlias(tok)):
	default:
		return nil, p.errorf("expected table name")
	}

	parts := []string{p.advance().Ident()}
	for p.peek().IsSymbol(".") {
		p.advance()
		if p.peek().IsSymbol(".") {
			parts = append(parts, "")
			continue
		}
		next := p.peek()
		if !next.IsIdent() && next.Kind != TempName {
			return nil, p.errorf("expected identifier after '.'")
		}
		parts = append(parts, p.advance().Ident())
	}

	if p.peek().IsSymbol("(") {
		call, err := p.parseCallArgs(strings.Join(parts[:len(parts)-1], "."), parts[len(parts)-1], start)
		if err != nil {
			return nil, err
		}
		fn := &TableFunc{Call: call}
		alias, err := p.parseTableAlias()
		if err != nil {
			return nil, err
		}
		fn.Alias = alias
		fn.Pos = Pos{Start: start, End: p.prevEnd}
		return fn, nil
	}

	table := &TableName{Parts: parts}
	alias, err := p.parseTableAlias()
	if err != nil {
		return nil, err
	}
	table.Alias = alias
	if p.peek().Is("WITH") && p.peekAt(1).IsSymbol("(") {
		p.advance()
		if err := p.skipParens(); err != nil {
			return nil, err
		}
	}
	table.Pos = Pos{Start: start, End: p.prevEnd}
	return table, nil
}

func (p *parser) parseTableAlias() (string, error) {
	if p.acceptWord("AS") {
		tok := p.peek()
		if !tok.IsIdent() {
			return "", p.errorf("expected alias after AS")
		}
		p.advance()
		return tok.Ident(), nil
	}
	if tok := p.peek(); bareAlias(tok) {
		p.advance()
		return tok.Ident(), nil
	}
	return "", nil
}

// skipParens consumes a balanced parenthesized group starting at the
// current "(" token.
func (p *parser) skipParens() error {
	if err := p.expectSymbol("("); err != nil {
		return err
	}
	depth := 1
	for !p.eof() {
		tok := p.advance()
		switch {
		case tok.IsSymbol("("):
			depth++
		case tok.IsSymbol(")"):
			depth--
			if depth == 0 {
				return nil
			}
		}
	}
	return p.errorf("unbalanced parenthesis")
}

func (p *parser) parseExprList() ([]Expr, error) {
	var out []Expr
	for {
		expr, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		out = append(out, expr)
		if !p.acceptSymbol(",") {
			return out, nil
		}
	}
}

func (p *parser) parseOrderList() ([]*OrderItem, error) {
	var out []*OrderItem
	for {
		expr, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		item := &OrderItem{Expr: expr}
		if p.acceptWord("DESC") {
			item.Desc = true
		} else {
			p.acceptWord("ASC")
		}
		out = append(out, item)
		if !p.acceptSymbol(",") {
			return out, nil
		}
	}
}

func (p *parser) parseDataType() (DataType, error) {
	tok := p.peek()
	if !tok.IsIdent() {
		return DataType{}, p.errorf("expected data type")
	}
	p.advance()
	dt := DataType{Name: strings.ToLower(tok.Ident())}
	if dt.Name == "double" && p.acceptWord("PRECISION") {
		dt.Name = "double precision"
	}
	if !p.acceptSymbol("(") {
		return dt, nil
	}
	dt.HasLength = true
	for {
		arg := p.peek()
		switch {
		case arg.Is("MAX"):
			dt.Max = true
		case arg.Kind == Number:
			n, err := strconv.Atoi(arg.Text)
			if err != nil {
				return DataType{}, p.errorf("invalid type length %q", arg.Text)
			}
			dt.Args = append(dt.Args, n)
		default:
			return DataType{}, p.errorf("expected type length")
		}
		p.advance()
		if !p.acceptSymbol(",") {
			break
		}
	}
	if err := p.expectSymbol(")"); err != nil {
		return DataType{}, err
	}
	return dt, nil
}
