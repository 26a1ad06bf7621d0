package tsql

import "strings"

// Operator precedence, lowest first: OR, AND, NOT, predicates, additive,
// multiplicative, unary.

func (p *parser) parseExpr() (Expr, error) {
	return p.parseOr()
}

func (p *parser) parseOr() (Expr, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.acceptWord("OR") {
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = p.binary("OR", left, right)
	}
	return left, nil
}

func (p *parser) parseAnd() (Expr, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.acceptWord("AND") {
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = p.binary("AND", left, right)
	}
	return left, nil
}

func (p *parser) parseNot() (Expr, error) {
	start := p.peek().Start
	if p.acceptWord("NOT") {
		inner, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return &Unary{Pos: Pos{Start: start, End: p.prevEnd}, Op: "NOT", Expr: inner}, nil
	}
	return p.parsePredicate()
}

var comparisonOps = map[string]struct{}{
	"=": {}, "<": {}, ">": {}, "<=": {}, ">=": {}, "<>": {}, "!=": {}, "!<": {}, "!>": {},
}

func (p *parser) parsePredicate() (Expr, error) {
	start := p.peek().Start
	if p.acceptWord("EXISTS") {
		query, err := p.parseParenQuery()
		if err != nil {
			return nil, err
		}
		return &Exists{Pos: Pos{Start: start, End: p.prevEnd}, Query: query}, nil
	}

	left, err := p.parseAdditive()
	if err != nil {
		return nil, err
	}

	tok := p.peek()
	if _, ok := comparisonOps[tok.Text]; ok && tok.Kind == Symbol {
		p.advance()
		right, err := p.parseAdditive()
		if err != nil {
			return nil, err
		}
		return p.binary(tok.Text, left, right), nil
	}

	not := false
	if tok.Is("NOT") && p.peekAt(1).IsAny("IN", "LIKE", "BETWEEN") {
		p.advance()
		not = true
		tok = p.peek()
	}
	switch {
	case tok.Is("IN"):
		p.advance()
		in := &In{Expr: left, Not: not}
		if p.peek().IsSymbol("(") && p.peekAt(1).Is("SELECT") {
			query, err := p.parseParenQuery()
			if err != nil {
				return nil, err
			}
			in.Query = query
		} else {
			if err := p.expectSymbol("("); err != nil {
				return nil, err
			}
			list, err := p.parseExprList()
			if err != nil {
				return nil, err
			}
			if err := p.expectSymbol(")"); err != nil {
				return nil, err
			}
			in.List = list
		}
		in.Pos = Pos{Start: start, End: p.prevEnd}
		return in, nil
	case tok.Is("LIKE"):
		p.advance()
		pattern, err := p.parseAdditive()
		if err != nil {
			return nil, err
		}
		if p.acceptWord("ESCAPE") {
			if _, err := p.parsePrimary(); err != nil {
				return nil, err
			}
		}
		op := "LIKE"
		if not {
			op = "NOT LIKE"
		}
		return p.binary(op, left, pattern), nil
	case tok.Is("BETWEEN"):
		p.advance()
		low, err := p.parseAdditive()
		if err != nil {
			return nil, err
		}
		if err := p.expectWord("AND"); err != nil {
			return nil, err
		}
		high, err := p.parseAdditive()
		if err != nil {
			return nil, err
		}
		return &Between{Pos: Pos{Start: start, End: p.prevEnd}, Expr: left, Not: not, Low: low, High: high}, nil
	case tok.Is("IS"):
		p.advance()
		isNull := &IsNull{Expr: left, Not: p.acceptWord("NOT")}
		if err := p.expectWord("NULL"); err != nil {
			return nil, err
		}
		isNull.Pos = Pos{Start: start, End: p.prevEnd}
		return isNull, nil
	}
	return left, nil
}

func (p *parser) parseAdditive() (Expr, error) {
	left, err := p.parseMultiplicative()
	if err != nil {
		return nil, err
	}
	for {
		tok := p.peek()
		if tok.Kind != Symbol || !strings.Contains("+-&|^", tok.Text) || len(tok.Text) != 1 {
			return left, nil
		}
		p.advance()
		right, err := p.parseMultiplicative()
		if err != nil {
			return nil, err
		}
		left = p.binary(tok.Text, left, right)
	}
}

func (p *parser) parseMultiplicative() (Expr, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		tok := p.peek()
		if tok.Kind != Symbol || !strings.Contains("*/%", tok.Text) || len(tok.Text) != 1 {
			return left, nil
		}
		p.advance()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = p.binary(tok.Text, left, right)
	}
}

func (p *parser) parseUnary() (Expr, error) {
	tok := p.peek()
	if tok.Kind == Symbol && (tok.Text == "-" || tok.Text == "+" || tok.Text == "~") {
		p.advance()
		inner, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		if lit, ok := inner.(*Literal); ok && lit.Kind == LitNumber && tok.Text != "~" {
			value := lit.Value
			if tok.Text == "-" {
				value = "-" + value
			}
			return &Literal{Pos: Pos{Start: tok.Start, End: p.prevEnd}, Kind: LitNumber, Value: value}, nil
		}
		return &Unary{Pos: Pos{Start: tok.Start, End: p.prevEnd}, Op: tok.Text, Expr: inner}, nil
	}
	expr, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	if p.acceptWord("COLLATE") {
		if !p.peek().IsIdent() {
			return nil, p.errorf("expected collation name")
		}
		p.advance()
	}
	return expr, nil
}

func (p *parser) parsePrimary() (Expr, error) {
	tok := p.peek()
	if p.eof() {
		return nil, p.errorf("unexpected end of input")
	}
	pos := Pos{Start: tok.Start, End: tok.End}

	switch tok.Kind {
	case Number:
		p.advance()
		return &Literal{Pos: pos, Kind: LitNumber, Value: strings.TrimPrefix(tok.Text, "$")}, nil
	case String:
		p.advance()
		return &Literal{Pos: pos, Kind: LitString, Value: tok.StringValue()}, nil
	case Variable:
		p.advance()
		return &VariableRef{Pos: pos, Name: tok.Text}, nil
	case Symbol:
		if tok.Text != "(" {
			return nil, p.errorf("unexpected %q", tok.Text)
		}
		if p.peekAt(1).Is("SELECT") {
			query, err := p.parseParenQuery()
			if err != nil {
				return nil, err
			}
			return &Subquery{Pos: Pos{Start: tok.Start, End: p.prevEnd}, Query: query}, nil
		}
		p.advance()
		inner, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if err := p.expectSymbol(")"); err != nil {
			return nil, err
		}
		return &Paren{Pos: Pos{Start: tok.Start, End: p.prevEnd}, Expr: inner}, nil
	case Word:
		switch strings.ToUpper(tok.Text) {
		case "NULL":
			p.advance()
			return &Literal{Pos: pos, Kind: LitNull, Value: "NULL"}, nil
		case "TRUE", "FALSE":
			p.advance()
			return &Literal{Pos: pos, Kind: LitBool, Value: strings.ToUpper(tok.Text)}, nil
		case "CASE":
			return p.parseCase()
		case "CAST", "TRY_CAST":
			if p.peekAt(1).IsSymbol("(") {
				return p.parseCast()
			}
		case "CONVERT", "TRY_CONVERT":
			if p.peekAt(1).IsSymbol("(") {
				return p.parseConvert()
			}
		}
		if IsReserved(tok.Text) && !(tok.IsAny("LEFT", "RIGHT") && p.peekAt(1).IsSymbol("(")) {
			return nil, p.errorf("unexpected keyword %s", strings.ToUpper(tok.Text))
		}
	case QuotedIdent, BracketIdent, TempName:
	default:
		return nil, p.errorf("unexpected %q", tok.Text)
	}

	parts := []string{p.advance().Ident()}
	for p.peek().IsSymbol(".") && p.peekAt(1).IsIdent() {
		p.advance()
		parts = append(parts, p.advance().Ident())
	}
	if p.peek().IsSymbol("(") {
		return p.parseCallArgs(strings.Join(parts[:len(parts)-1], "."), parts[len(parts)-1], tok.Start)
	}
	return &ColumnRef{Pos: Pos{Start: tok.Start, End: p.prevEnd}, Parts: parts}, nil
}

func (p *parser) parseParenQuery() (*Select, error) {
	if err := p.expectSymbol("("); err != nil {
		return nil, err
	}
	query, err := p.parseQuery()
	if err != nil {
		return nil, err
	}
	if err := p.expectSymbol(")"); err != nil {
		return nil, err
	}
	return query, nil
}

func (p *parser) parseCallArgs(schema, name string, start int) (*FuncCall, error) {
	if err := p.expectSymbol("("); err != nil {
		return nil, err
	}
	call := &FuncCall{Schema: schema, Name: name}
	switch {
	case p.acceptSymbol(")"):
	case p.peek().IsSymbol("*") && p.peekAt(1).IsSymbol(")"):
		p.advance()
		p.advance()
		call.Star = true
	default:
		if p.acceptWord("DISTINCT") {
			call.Distinct = true
		} else {
			p.acceptWord("ALL")
		}
		args, err := p.parseExprList()
		if err != nil {
			return nil, err
		}
		call.Args = args
		if err := p.expectSymbol(")"); err != nil {
			return nil, err
		}
	}

	if p.peek().Is("WITHIN") && p.peekAt(1).Is("GROUP") {
		p.advance()
		p.advance()
		if err := p.skipParens(); err != nil {
			return nil, err
		}
	}
	if p.acceptWord("OVER") {
		window, err := p.parseWindow()
		if err != nil {
			return nil, err
		}
		call.Over = window
	}
	call.Pos = Pos{Start: start, End: p.prevEnd}
	return call, nil
}

func (p *parser) parseWindow() (*Window, error) {
	if err := p.expectSymbol("("); err != nil {
		return nil, err
	}
	window := &Window{}
	if p.peek().Is("PARTITION") && p.peekAt(1).Is("BY") {
		p.advance()
		p.advance()
		partition, err := p.parseExprList()
		if err != nil {
			return nil, err
		}
		window.PartitionBy = partition
	}
	if p.peek().Is("ORDER") && p.peekAt(1).Is("BY") {
		p.advance()
		p.advance()
		order, err := p.parseOrderList()
		if err != nil {
			return nil, err
		}
		window.OrderBy = order
	}
	depth := 0
	for !p.eof() {
		tok := p.peek()
		if tok.IsSymbol(")") && depth == 0 {
			break
		}
		if tok.IsSymbol("(") {
			depth++
		} else if tok.IsSymbol(")") {
			depth--
		}
		p.advance()
	}
	if err := p.expectSymbol(")"); err != nil {
		return nil, err
	}
	return window, nil
}

func (p *parser) parseCase() (Expr, error) {
	start := p.advance().Start
	c := &Case{}
	if !p.peek().Is("WHEN") {
		operand, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		c.Operand = operand
	}
	for p.acceptWord("WHEN") {
		cond, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if err := p.expectWord("THEN"); err != nil {
			return nil, err
		}
		result, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		c.Whens = append(c.Whens, &When{Cond: cond, Result: result})
	}
	if len(c.Whens) == 0 {
		return nil, p.errorf("CASE requires at least one WHEN")
	}
	if p.acceptWord("ELSE") {
		elseExpr, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		c.Else = elseExpr
	}
	if err := p.expectWord("END"); err != nil {
		return nil, err
	}
	c.Pos = Pos{Start: start, End: p.prevEnd}
	return c, nil
}

func (p *parser) parseCast() (Expr, error) {
	tok := p.advance()
	p.advance()
	inner, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if err := p.expectWord("AS"); err != nil {
		return nil, err
	}
	dt, err := p.parseDataType()
	if err != nil {
		return nil, err
	}
	if err := p.expectSymbol(")"); err != nil {
		return nil, err
	}
	return &Cast{
		Pos:  Pos{Start: tok.Start, End: p.prevEnd},
		Func: strings.ToUpper(tok.Text),
		Expr: inner,
		Type: dt,
	}, nil
}

func (p *parser) parseConvert() (Expr, error) {
	tok := p.advance()
	p.advance()
	dt, err := p.parseDataType()
	if err != nil {
		return nil, err
	}
	if err := p.expectSymbol(","); err != nil {
		return nil, err
	}
	inner, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	cast := &Cast{Func: strings.ToUpper(tok.Text), Expr: inner, Type: dt}
	if p.acceptSymbol(",") {
		style, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		cast.Style = style
	}
	if err := p.expectSymbol(")"); err != nil {
		return nil, err
	}
	cast.Pos = Pos{Start: tok.Start, End: p.prevEnd}
	return cast, nil
}

func (p *parser) binary(op string, left, right Expr) Expr {
	return &Binary{
		Pos:   Pos{Start: left.Span().Start, End: right.Span().End},
		Op:    op,
		Left:  left,
		Right: right,
	}
}
