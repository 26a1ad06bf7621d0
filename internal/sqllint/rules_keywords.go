package sqllint

import (
	"fmt"
	"strings"

	"github.com/querystudio/querystudio/internal/tsql"
)

var prohibited = map[string]struct{}{
	// DML
	"insert": {}, "update": {}, "delete": {}, "merge": {}, "truncate": {},
	// DDL and permissions
	"create": {}, "alter": {}, "drop": {}, "grant": {}, "revoke": {}, "deny": {},
	// procedural and session
	"declare": {}, "set": {}, "while": {}, "if": {}, "exec": {}, "execute": {}, "begin": {},
	"try": {}, "catch": {}, "cursor": {}, "print": {}, "return": {}, "goto": {}, "waitfor": {},
	"open": {}, "close": {}, "deallocate": {}, "use": {}, "backup": {}, "restore": {}, "bulk": {},
}

// prohibitedKeywords flags statements other than SELECT. Member names
// such as t.[Open] or t.Open are not keywords.
func prohibitedKeywords(in *Input) []Diagnostic {
	var out []Diagnostic
	for i, tok := range in.Tokens {
		if tok.Kind != tsql.Word {
			continue
		}
		if in.tok(i-1).IsSymbol(".") || in.tok(i+1).IsSymbol(".") {
			continue
		}
		word := strings.ToLower(tok.Text)
		if word == "into" {
			out = append(out, tokenDiag(SeverityError, tok,
				"Unsupported statement: SELECT INTO is not allowed; query results are written to the run's data extension"))
			continue
		}
		if _, ok := prohibited[word]; ok {
			out = append(out, tokenDiag(SeverityError, tok, fmt.Sprintf(
				"Unsupported statement: %s is not allowed; only SELECT queries can run as query activities",
				strings.ToUpper(word))))
		}
	}
	return out
}

func tempTablesAndCTE(in *Input) []Diagnostic {
	var out []Diagnostic
	for i, tok := range in.Tokens {
		if tok.Kind == tsql.TempName {
			out = append(out, tokenDiag(SeverityWarning, tok, fmt.Sprintf(
				"Temporary table %s is not available to query activities", tok.Text)))
			continue
		}
		if !tok.Is("WITH") || !in.tok(i+1).IsIdent() {
			continue
		}
		j := i + 2
		if in.tok(j).IsSymbol("(") {
			j = in.closing(j) + 1
		}
		if in.tok(j).Is("AS") && in.tok(j+1).IsSymbol("(") {
			out = append(out, diag(SeverityError, tok.Start, in.tok(j+1).End,
				"Common table expressions (WITH ... AS) are not supported; use a subquery in FROM instead"))
		}
	}
	return out
}

// closing returns the index of the ")" matching the "(" at open, or the
// last token index when it is never closed.
func (in *Input) closing(open int) int {
	depth := 0
	for i := open; i < len(in.Tokens); i++ {
		switch {
		case in.Tokens[i].IsSymbol("("):
			depth++
		case in.Tokens[i].IsSymbol(")"):
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return len(in.Tokens) - 1
}

type paginationScope struct {
	orderBy bool
	offsets []tsql.Token
	fetches []tsql.Token
}

func limitOffsetFetch(in *Input) []Diagnostic {
	var out []Diagnostic
	scopes := map[int]*paginationScope{}
	var order []int
	get := func(id int) *paginationScope {
		s, ok := scopes[id]
		if !ok {
			s = &paginationScope{}
			scopes[id] = s
			order = append(order, id)
		}
		return s
	}

	for i, tok := range in.Tokens {
		if tok.Kind != tsql.Word {
			continue
		}
		switch {
		case tok.Is("LIMIT"):
			out = append(out, tokenDiag(SeverityError, tok,
				"LIMIT is not supported; use TOP (n) or ORDER BY ... OFFSET ... FETCH NEXT"))
		case tok.Is("ORDER") && in.tok(i+1).Is("BY"):
			get(in.Scope[i]).orderBy = true
		case tok.Is("OFFSET"):
			s := get(in.Scope[i])
			s.offsets = append(s.offsets, tok)
		case tok.Is("FETCH") && in.tok(i+1).IsAny("NEXT", "FIRST"):
			s := get(in.Scope[i])
			s.fetches = append(s.fetches, tok)
		}
	}

	for _, id := range order {
		s := scopes[id]
		if len(s.offsets) > 0 && !s.orderBy {
			out = append(out, tokenDiag(SeverityError, s.offsets[0],
				"OFFSET ... FETCH requires an ORDER BY clause in the same query"))
		}
		if len(s.fetches) > 0 && len(s.offsets) == 0 {
			if !s.orderBy {
				out = append(out, tokenDiag(SeverityError, s.fetches[0],
					"FETCH NEXT requires ORDER BY ... OFFSET n ROWS before it"))
			} else {
				out = append(out, tokenDiag(SeverityError, s.fetches[0],
					"FETCH NEXT requires OFFSET n ROWS before it"))
			}
		}
	}
	return out
}

var unsupportedFunctionHints = map[string]string{
	"string_split":   "Use CHARINDEX and SUBSTRING to extract parts of a value",
	"string_agg":     "Concatenate a fixed set of values with + or CONCAT instead",
	"try_cast":       "Use CAST guarded by ISNUMERIC or ISDATE",
	"try_convert":    "Use CONVERT guarded by ISNUMERIC or ISDATE",
	"try_parse":      "Use CONVERT with a style code",
	"parse":          "Use CONVERT with a style code",
	"openjson":       "JSON is not available; store the values in separate fields",
	"isjson":         "JSON is not available; store the values in separate fields",
	"json_value":     "JSON is not available; store the values in separate fields",
	"json_query":     "JSON is not available; store the values in separate fields",
	"json_modify":    "JSON is not available; store the values in separate fields",
	"openrowset":     "",
	"openquery":      "",
	"opendatasource": "",
}

func unsupportedFunctions(in *Input) []Diagnostic {
	var out []Diagnostic
	for i, tok := range in.Tokens {
		if tok.Kind != tsql.Word || !in.tok(i+1).IsSymbol("(") {
			continue
		}
		name := strings.ToLower(tok.Text)
		hint, ok := unsupportedFunctionHints[name]
		if !ok {
			continue
		}
		msg := fmt.Sprintf("%s() is not supported by the platform query engine", strings.ToUpper(name))
		if hint != "" {
			msg += ". " + hint
		}
		out = append(out, tokenDiag(SeverityError, tok, msg))
	}
	return out
}
