package schema

import (
	"context"
	"fmt"
	"strings"

	"github.com/querystudio/querystudio/internal/tsql"
)

// typed is an intermediate inference result. Unset facets are resolved by
// normalize.
type typed struct {
	Type      FieldType
	MaxLength int
	Precision int
	Scale     int
	hasScale  bool
	function  bool
}

var textType = typed{Type: Text}

// Infer returns the output columns of sql in projection order. Stars must
// be expanded first; see ExpandStars.
func Infer(ctx context.Context, sql string, md Metadata) ([]Column, error) {
	sel, err := tsql.Parse(sql)
	if err != nil {
		return nil, &InferenceError{Reason: "query could not be parsed", Err: err}
	}
	inf := newInferrer(ctx, md, sel, map[string]map[string]Column{})

	names := make([]string, 0, len(sel.Items))
	cols := make([]Column, 0, len(sel.Items))
	for _, item := range sel.Items {
		if item.Star {
			return nil, &InferenceError{Reason: "SELECT * must be expanded to a field list first"}
		}
		t, err := inf.expr(item.Expr)
		if err != nil {
			return nil, err
		}
		names = append(names, itemName(item))
		cols = append(cols, normalize(t))
	}
	if len(cols) == 0 {
		return nil, &InferenceError{Reason: "query yields no columns"}
	}

	final, err := uniqueNames(names)
	if err != nil {
		return nil, err
	}
	for i := range cols {
		cols[i].Name = final[i]
	}
	return cols, nil
}

type source struct {
	table   string
	derived *tsql.Select
}

type inferrer struct {
	ctx     context.Context
	md      Metadata
	sources []source
	byName  map[string]source
	cache   map[string]map[string]Column
}

func newInferrer(ctx context.Context, md Metadata, sel *tsql.Select, cache map[string]map[string]Column) *inferrer {
	inf := &inferrer{ctx: ctx, md: md, byName: map[string]source{}, cache: cache}
	for _, t := range sel.Tables() {
		var src source
		var names []string
		switch n := t.(type) {
		case *tsql.TableName:
			src = source{table: n.Name()}
			names = append(names, n.Name())
			if n.Alias != "" {
				names = append(names, n.Alias)
			}
		case *tsql.DerivedTable:
			src = source{derived: n.Query}
			names = append(names, n.Alias)
		default:
			continue
		}
		inf.sources = append(inf.sources, src)
		for _, name := range names {
			if name != "" {
				inf.byName[strings.ToLower(name)] = src
			}
		}
	}
	return inf
}

func (inf *inferrer) fields(table string) (map[string]Column, error) {
	key := strings.ToLower(table)
	if cached, ok := inf.cache[key]; ok {
		return cached, nil
	}
	fields := map[string]Column{}
	if inf.md != nil {
		list, found, err := inf.md.TableFields(inf.ctx, table)
		if err != nil {
			return nil, fmt.Errorf("lookup fields of %s: %w", table, err)
		}
		if found {
			for _, f := range list {
				fields[strings.ToLower(f.Name)] = f
			}
		}
	}
	inf.cache[key] = fields
	return fields, nil
}

func (inf *inferrer) lookup(src source, column string) (typed, bool, error) {
	if src.derived != nil {
		return inf.derivedColumn(src.derived, column)
	}
	fields, err := inf.fields(src.table)
	if err != nil {
		return typed{}, false, err
	}
	f, ok := fields[strings.ToLower(column)]
	if !ok {
		return typed{}, false, nil
	}
	return typed{
		Type:      ParseFieldType(string(f.Type)),
		MaxLength: f.MaxLength,
		Precision: f.Precision,
		Scale:     f.Scale,
		hasScale:  f.Precision > 0,
	}, true, nil
}

func (inf *inferrer) derivedColumn(sel *tsql.Select, column string) (typed, bool, error) {
	inner := newInferrer(inf.ctx, inf.md, sel, inf.cache)
	for _, item := range sel.Items {
		if item.Star {
			continue
		}
		if !strings.EqualFold(itemName(item), column) {
			continue
		}
		t, err := inner.expr(item.Expr)
		return t, err == nil, err
	}
	return typed{}, false, nil
}

func (inf *inferrer) column(ref *tsql.ColumnRef) (typed, error) {
	if q := ref.Qualifier(); q != "" {
		src, ok := inf.byName[strings.ToLower(q)]
		if !ok {
			return textType, nil
		}
		t, found, err := inf.lookup(src, ref.Name())
		if err != nil || !found {
			return textType, err
		}
		return t, nil
	}
	for _, src := range inf.sources {
		t, found, err := inf.lookup(src, ref.Name())
		if err != nil {
			return typed{}, err
		}
		if found {
			return t, nil
		}
	}
	return textType, nil
}

func (inf *inferrer) expr(e tsql.Expr) (typed, error) {
	switch n := tsql.Unparen(e).(type) {
	case *tsql.ColumnRef:
		return inf.column(n)
	case *tsql.Literal:
		return literalType(n), nil
	case *tsql.Unary:
		if n.Op == "NOT" {
			return textType, nil
		}
		return inf.expr(n.Expr)
	case *tsql.FuncCall:
		return inf.function(n)
	case *tsql.Cast:
		return castType(n.Type), nil
	case *tsql.Case:
		return inf.expr(n.Whens[0].Result)
	case *tsql.Binary:
		return inf.binary(n)
	case *tsql.Subquery:
		if len(n.Query.Items) == 0 || n.Query.Items[0].Star {
			return textType, nil
		}
		inner := newInferrer(inf.ctx, inf.md, n.Query, inf.cache)
		return inner.expr(n.Query.Items[0].Expr)
	default:
		return textType, nil
	}
}

func literalType(lit *tsql.Literal) typed {
	switch lit.Kind {
	case tsql.LitNumber:
		if lit.IsInteger() {
			return typed{Type: Number}
		}
		return typed{Type: Decimal}
	case tsql.LitBool:
		return typed{Type: Boolean}
	default:
		return textType
	}
}

func (inf *inferrer) binary(n *tsql.Binary) (typed, error) {
	switch n.Op {
	case "+", "-", "*", "/", "%":
	default:
		return textType, nil
	}
	left, err := inf.expr(n.Left)
	if err != nil {
		return typed{}, err
	}
	right, err := inf.expr(n.Right)
	if err != nil {
		return typed{}, err
	}
	switch {
	case left.Type == Decimal || right.Type == Decimal:
		return typed{Type: Decimal}, nil
	case left.Type == Number || right.Type == Number:
		return typed{Type: Number}, nil
	}
	return typed{Type: Text, function: left.function || right.function}, nil
}

var (
	stringFuncs = set("char", "concat", "concat_ws", "datename", "format", "left", "lower",
		"ltrim", "nchar", "newid", "quotename", "replace", "replicate", "reverse", "right", "rtrim",
		"soundex", "space", "str", "string_escape", "stuff", "substring", "translate", "trim", "upper")
	dateFuncs = set("current_timestamp", "dateadd", "datefromparts", "datetime2fromparts",
		"datetimefromparts", "datetimeoffsetfromparts", "datetrunc", "eomonth", "getdate", "getutcdate",
		"smalldatetimefromparts", "switchoffset", "sysdatetime", "sysdatetimeoffset", "sysutcdatetime",
		"todatetimeoffset")
	numberFuncs = set("ascii", "binary_checksum", "charindex", "checksum", "datalength", "datediff",
		"datediff_big", "datepart", "day", "dense_rank", "difference", "isdate", "isnumeric", "len",
		"month", "ntile", "patindex", "rank", "row_number", "unicode", "year")
	decimalFuncs = set("acos", "asin", "atan", "atn2", "cos", "cot", "cume_dist", "degrees", "exp",
		"log", "log10", "percent_rank", "pi", "power", "radians", "rand", "sin", "sqrt", "square", "tan")
	argTypedFuncs = set("abs", "ceiling", "floor", "round", "sign")
)

func set(names ...string) map[string]struct{} {
	out := make(map[string]struct{}, len(names))
	for _, n := range names {
		out[n] = struct{}{}
	}
	return out
}

func (inf *inferrer) arg(call *tsql.FuncCall, i int) (typed, error) {
	if i >= len(call.Args) {
		return textType, nil
	}
	return inf.expr(call.Args[i])
}

func (inf *inferrer) function(call *tsql.FuncCall) (typed, error) {
	name := strings.ToLower(call.Name)
	switch name {
	case "count", "count_big", "sum", "checksum_agg", "grouping", "grouping_id", "approx_count_distinct":
		return typed{Type: Number}, nil
	case "avg", "stdev", "stdevp", "var", "varp":
		return typed{Type: Decimal, Precision: DefaultPrecision, Scale: DefaultScale, hasScale: true}, nil
	case "min", "max":
		return inf.arg(call, 0)
	case "coalesce", "isnull", "nullif":
		return inf.arg(call, 0)
	case "iif", "choose":
		return inf.arg(call, 1)
	case "string_agg":
		return typed{Type: Text, function: true}, nil
	}
	if _, ok := argTypedFuncs[name]; ok {
		t, err := inf.arg(call, 0)
		if err != nil {
			return typed{}, err
		}
		if t.Type == Number || t.Type == Decimal {
			return t, nil
		}
		return typed{Type: Decimal}, nil
	}
	switch {
	case has(stringFuncs, name):
		return typed{Type: Text, function: true}, nil
	case has(dateFuncs, name):
		return typed{Type: Date}, nil
	case has(numberFuncs, name):
		return typed{Type: Number}, nil
	case has(decimalFuncs, name):
		return typed{Type: Decimal}, nil
	}
	return typed{Type: Text, function: true}, nil
}

func has(m map[string]struct{}, key string) bool {
	_, ok := m[key]
	return ok
}

func castType(dt tsql.DataType) typed {
	switch dt.Name {
	case "char", "varchar", "nchar", "nvarchar", "sysname":
		t := typed{Type: Text}
		switch {
		case dt.Max:
			t.MaxLength = MaxTextLength
		case len(dt.Args) > 0:
			t.MaxLength = dt.Args[0]
		}
		return t
	case "text", "ntext":
		return typed{Type: Text, MaxLength: MaxTextLength}
	case "int", "bigint", "smallint", "tinyint":
		return typed{Type: Number}
	case "decimal", "numeric":
		t := typed{Type: Decimal}
		if len(dt.Args) > 0 {
			t.Precision = dt.Args[0]
			t.hasScale = true
		}
		if len(dt.Args) > 1 {
			t.Scale = dt.Args[1]
		}
		return t
	case "money", "smallmoney", "float", "real", "double precision":
		return typed{Type: Decimal}
	case "date", "datetime", "datetime2", "smalldatetime", "datetimeoffset", "time":
		return typed{Type: Date}
	case "bit":
		return typed{Type: Boolean}
	default:
		return textType
	}
}

// normalize applies the storage defaults of each field type.
func normalize(t typed) Column {
	switch t.Type {
	case Text:
		length := t.MaxLength
		switch {
		case length <= 0 && t.function:
			length = FunctionTextLength
		case length <= 0:
			length = DefaultTextLength
		case length > MaxTextLength:
			length = MaxTextLength
		}
		return Column{Type: Text, MaxLength: length}
	case Decimal:
		precision, scale := t.Precision, t.Scale
		if precision <= 0 {
			precision = DefaultPrecision
		}
		if !t.hasScale {
			scale = DefaultScale
		}
		if scale > precision {
			scale = precision
		}
		return Column{Type: Decimal, Precision: precision, Scale: scale}
	case Number, Date, Boolean, EmailAddress, Phone:
		return Column{Type: t.Type}
	default:
		return Column{Type: Text, MaxLength: DefaultTextLength}
	}
}
