package tsql

import "strings"

// Pos is the byte span [Start, End) a node covers in the source text.
type Pos struct {
	Start int
	End   int
}

func (p Pos) Span() Pos { return p }

type Node interface {
	Span() Pos
}

type Expr interface {
	Node
	exprNode()
}

type TableExpr interface {
	Node
	tableNode()
}

// Select is a single query specification, optionally chained to further
// specifications through a set operator.
type Select struct {
	Pos
	Distinct bool
	Top      *Top
	Items    []*SelectItem
	HasFrom  bool
	From     []TableExpr
	Where    Expr
	GroupBy  []Expr
	Having   Expr
	OrderBy  []*OrderItem
	Offset   Expr
	Fetch    Expr
	SetOp    string
	Next     *Select
}

type Top struct {
	Count    Expr
	Percent  bool
	WithTies bool
}

// SelectItem is one projected expression. ExprPos covers only the
// expression, without alias.
type SelectItem struct {
	Pos
	ExprPos       Pos
	Expr          Expr
	Alias         string
	Star          bool
	StarQualifier string
}

type OrderItem struct {
	Expr Expr
	Desc bool
}

type TableName struct {
	Pos
	Parts []string
	Alias string
}

// Name returns the unqualified object name.
func (t *TableName) Name() string {
	if len(t.Parts) == 0 {
		return ""
	}
	return t.Parts[len(t.Parts)-1]
}

// RefName returns the name other clauses use to qualify columns of t.
func (t *TableName) RefName() string {
	if t.Alias != "" {
		return t.Alias
	}
	return t.Name()
}

type TableFunc struct {
	Pos
	Call  *FuncCall
	Alias string
}

type DerivedTable struct {
	Pos
	Query *Select
	Alias string
}

type Join struct {
	Pos
	Kind  string
	Left  TableExpr
	Right TableExpr
	On    Expr
}

// Apply reports whether the join is CROSS APPLY or OUTER APPLY.
func (j *Join) Apply() bool {
	return strings.HasSuffix(j.Kind, "APPLY")
}

type LiteralKind int

const (
	LitString LiteralKind = iota
	LitNumber
	LitBool
	LitNull
)

type Literal struct {
	Pos
	Kind  LiteralKind
	Value string
}

// IsInteger reports whether a numeric literal has no fractional or
// exponent part.
func (l *Literal) IsInteger() bool {
	return l.Kind == LitNumber && !strings.ContainsAny(l.Value, ".eE")
}

type ColumnRef struct {
	Pos
	Parts []string
}

func (c *ColumnRef) Name() string {
	return c.Parts[len(c.Parts)-1]
}

// Qualifier returns the table or alias part, if any.
func (c *ColumnRef) Qualifier() string {
	if len(c.Parts) < 2 {
		return ""
	}
	return c.Parts[len(c.Parts)-2]
}

type VariableRef struct {
	Pos
	Name string
}

type FuncCall struct {
	Pos
	Schema   string
	Name     string
	Args     []Expr
	Star     bool
	Distinct bool
	Over     *Window
}

type Window struct {
	PartitionBy []Expr
	OrderBy     []*OrderItem
}

// DataType is a type name as written in CAST or CONVERT.
type DataType struct {
	Name      string
	Max       bool
	Args      []int
	HasLength bool
}

// Cast covers CAST, TRY_CAST, CONVERT and TRY_CONVERT.
type Cast struct {
	Pos
	Func  string
	Expr  Expr
	Type  DataType
	Style Expr
}

type Case struct {
	Pos
	Operand Expr
	Whens   []*When
	Else    Expr
}

type When struct {
	Cond   Expr
	Result Expr
}

type Binary struct {
	Pos
	Op    string
	Left  Expr
	Right Expr
}

type Unary struct {
	Pos
	Op   string
	Expr Expr
}

type Paren struct {
	Pos
	Expr Expr
}

type Subquery struct {
	Pos
	Query *Select
}

type Exists struct {
	Pos
	Query *Select
}

type In struct {
	Pos
	Expr  Expr
	Not   bool
	List  []Expr
	Query *Select
}

type Between struct {
	Pos
	Expr Expr
	Not  bool
	Low  Expr
	High Expr
}

type IsNull struct {
	Pos
	Expr Expr
	Not  bool
}

func (*Literal) exprNode()     {}
func (*ColumnRef) exprNode()   {}
func (*VariableRef) exprNode() {}
func (*FuncCall) exprNode()    {}
func (*Cast) exprNode()        {}
func (*Case) exprNode()        {}
func (*Binary) exprNode()      {}
func (*Unary) exprNode()       {}
func (*Paren) exprNode()       {}
func (*Subquery) exprNode()    {}
func (*Exists) exprNode()      {}
func (*In) exprNode()          {}
func (*Between) exprNode()     {}
func (*IsNull) exprNode()      {}

func (*TableName) tableNode()    {}
func (*TableFunc) tableNode()    {}
func (*DerivedTable) tableNode() {}
func (*Join) tableNode()         {}

// Tables flattens the FROM clause into its leaf table references, in
// source order.
func (s *Select) Tables() []TableExpr {
	var out []TableExpr
	var visit func(TableExpr)
	visit = func(t TableExpr) {
		if j, ok := t.(*Join); ok {
			visit(j.Left)
			visit(j.Right)
			return
		}
		out = append(out, t)
	}
	for _, t := range s.From {
		visit(t)
	}
	return out
}

// Joins returns every join node in the FROM clause.
func (s *Select) Joins() []*Join {
	var out []*Join
	var visit func(TableExpr)
	visit = func(t TableExpr) {
		j, ok := t.(*Join)
		if !ok {
			return
		}
		visit(j.Left)
		out = append(out, j)
		visit(j.Right)
	}
	for _, t := range s.From {
		visit(t)
	}
	return out
}
