package schema

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/querystudio/querystudio/internal/tsql"
)

type replacement struct {
	pos  tsql.Pos
	text string
}

func apply(sql string, edits []replacement) string {
	sort.Slice(edits, func(i, j int) bool { return edits[i].pos.Start > edits[j].pos.Start })
	for _, e := range edits {
		sql = sql[:e.pos.Start] + e.text + sql[e.pos.End:]
	}
	return sql
}

// ExpandStars replaces * and table.* select items with explicit field
// lists read from md. An unqualified star over more than one table is
// rejected rather than guessed.
func ExpandStars(ctx context.Context, sql string, md Metadata) (string, error) {
	stmt, err := tsql.Parse(sql)
	if err != nil {
		return "", &InferenceError{Reason: "query could not be parsed", Err: err}
	}
	var edits []replacement
	for sel := stmt; sel != nil; sel = sel.Next {
		for _, item := range sel.Items {
			if !item.Star {
				continue
			}
			text, err := expandStar(ctx, sel, item, md)
			if err != nil {
				return "", err
			}
			edits = append(edits, replacement{pos: item.Pos, text: text})
		}
	}
	if len(edits) == 0 {
		return sql, nil
	}
	return apply(sql, edits), nil
}

func expandStar(ctx context.Context, sel *tsql.Select, item *tsql.SelectItem, md Metadata) (string, error) {
	tables := sel.Tables()
	var target *tsql.TableName
	prefix := ""
	if item.StarQualifier == "" {
		if len(tables) != 1 {
			return "", &InferenceError{Reason: "SELECT * over more than one table cannot be expanded; list the fields or use table.*"}
		}
		name, ok := tables[0].(*tsql.TableName)
		if !ok {
			return "", &InferenceError{Reason: "SELECT * over a derived table cannot be expanded"}
		}
		target = name
	} else {
		for _, t := range tables {
			name, ok := t.(*tsql.TableName)
			if ok && strings.EqualFold(name.RefName(), item.StarQualifier) {
				target = name
				break
			}
		}
		if target == nil {
			return "", &InferenceError{Reason: fmt.Sprintf("%s.* does not match a table in FROM", item.StarQualifier)}
		}
		prefix = tsql.QuoteIdent(item.StarQualifier) + "."
	}

	if md == nil {
		return "", &InferenceError{Reason: fmt.Sprintf("fields of %s are unknown", target.Name())}
	}
	fields, found, err := md.TableFields(ctx, target.Name())
	if err != nil {
		return "", fmt.Errorf("lookup fields of %s: %w", target.Name(), err)
	}
	if !found || len(fields) == 0 {
		return "", &InferenceError{Reason: fmt.Sprintf("fields of %s are unknown", target.Name())}
	}
	parts := make([]string, 0, len(fields))
	for _, f := range fields {
		parts = append(parts, prefix+tsql.QuoteIdent(f.Name))
	}
	return strings.Join(parts, ", "), nil
}

// Alias rewrites the select list of the first query so each item reads
// "<expr> AS <name>", with names taken from cols in order. The output then
// lines up with the staging table fields.
func Alias(sql string, cols []Column) (string, error) {
	stmt, err := tsql.Parse(sql)
	if err != nil {
		return "", &InferenceError{Reason: "query could not be parsed", Err: err}
	}
	if len(stmt.Items) != len(cols) {
		return "", &InferenceError{Reason: fmt.Sprintf("query has %d columns but %d were inferred", len(stmt.Items), len(cols))}
	}
	edits := make([]replacement, 0, len(cols))
	for i, item := range stmt.Items {
		if item.Star {
			return "", &InferenceError{Reason: "SELECT * must be expanded to a field list first"}
		}
		expr := tsql.Text(sql, item.ExprPos)
		edits = append(edits, replacement{pos: item.Pos, text: expr + " AS " + tsql.QuoteIdent(cols[i].Name)})
	}
	return apply(sql, edits), nil
}
