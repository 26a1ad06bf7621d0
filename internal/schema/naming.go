package schema

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/querystudio/querystudio/internal/tsql"
)

const fallbackName = "Expr"

// itemName derives the output name of a select item before truncation
// and deduplication.
func itemName(item *tsql.SelectItem) string {
	if name := strings.TrimSpace(item.Alias); name != "" {
		return name
	}
	return exprName(item.Expr)
}

func exprName(e tsql.Expr) string {
	switch n := tsql.Unparen(e).(type) {
	case *tsql.ColumnRef:
		return n.Name()
	case *tsql.FuncCall:
		return n.Name
	case *tsql.Cast:
		if inner := exprName(n.Expr); inner != fallbackName {
			return inner
		}
		return n.Func
	}
	return fallbackName
}

// uniqueNames truncates long names and appends _1, _2, ... to names that
// repeat case-insensitively. Names a bracketed identifier cannot carry
// fail the inference.
func uniqueNames(names []string) ([]string, error) {
	out := make([]string, len(names))
	taken := make(map[string]struct{}, len(names))
	for i, name := range names {
		if strings.Contains(name, "]") {
			return nil, &InferenceError{Reason: fmt.Sprintf("column name %q contains ']' which cannot be used in a field name", name)}
		}
		name = truncate(name)
		candidate := name
		for n := 1; ; n++ {
			if _, dup := taken[strings.ToLower(candidate)]; !dup {
				break
			}
			candidate = fmt.Sprintf("%s_%d", name, n)
		}
		taken[strings.ToLower(candidate)] = struct{}{}
		out[i] = candidate
	}
	return out, nil
}

func truncate(name string) string {
	if utf8.RuneCountInString(name) <= MaxNameLength {
		return name
	}
	runes := []rune(name)
	return string(runes[:TruncatedNameLength])
}
