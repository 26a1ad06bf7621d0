package sqllint

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withMessage(diags []Diagnostic, fragment string) []Diagnostic {
	var out []Diagnostic
	for _, d := range diags {
		if strings.Contains(d.Message, fragment) {
			out = append(out, d)
		}
	}
	return out
}

func TestLint_DeleteAfterSelectIsUnsupported(t *testing.T) {
	diags := Lint("SELECT * FROM Subscribers DELETE FROM Users", Context{})
	found := withMessage(diags, "Unsupported statement")
	require.NotEmpty(t, found)
	assert.Equal(t, SeverityError, found[0].Severity)
	assert.True(t, Blocking(diags))
}

func TestLint_ProhibitedKeywordsOutsideOpaqueRegions(t *testing.T) {
	for word := range prohibited {
		diags := Lint("SELECT Name FROM t "+word, Context{})
		assert.NotEmpty(t, withMessage(diags, "Unsupported statement"), word)

		quoted := Lint("SELECT '"+word+"' AS v, ["+word+"] AS b FROM t -- "+word, Context{})
		assert.Empty(t, withMessage(quoted, "Unsupported statement"), word)
	}
}

func TestLint_CleanQueryHasNoDiagnostics(t *testing.T) {
	diags := Lint("SELECT [delete] AS d, 'drop table' AS x FROM t -- update\n/* insert */", Context{})
	assert.Empty(t, diags)
}

func TestLint_MissingFromIsPrereq(t *testing.T) {
	diags := Lint("SELECT EmailAddress", Context{})
	found := withMessage(diags, "FROM clause")
	require.Len(t, found, 1)
	assert.Equal(t, SeverityPrereq, found[0].Severity)
	assert.True(t, Blocking(diags))
}

func TestLint_EmptyAndNonSelect(t *testing.T) {
	empty := Lint("   ", Context{})
	require.Len(t, empty, 1)
	assert.Equal(t, SeverityPrereq, empty[0].Severity)

	diags := Lint("SELECT FROM Subscribers", Context{})
	assert.NotEmpty(t, withMessage(diags, "at least one field"))
}

func TestLint_DelimiterBalance(t *testing.T) {
	unbalanced := map[string]string{
		"SELECT [Name FROM t":        "Unclosed bracket",
		"SELECT (a FROM t":           "Unclosed parenthesis",
		"SELECT ((a) AS x FROM t":    "Unclosed parenthesis",
		"SELECT a) AS x FROM t":      "Unmatched parenthesis",
		"SELECT 'abc AS x FROM t":    "Unterminated string",
		"SELECT a FROM t /* comment": "Unterminated block comment",
	}
	for sql, fragment := range unbalanced {
		diags := delimiterBalance(newInput(sql, Context{}))
		require.Len(t, diags, 1, sql)
		assert.Contains(t, diags[0].Message, fragment, sql)
	}

	for _, sql := range []string{"SELECT ((a)) AS x FROM t", "SELECT [a]]b] FROM t", "SELECT ISNULL((SELECT MAX(x) FROM u), 0) AS m FROM t"} {
		assert.Empty(t, delimiterBalance(newInput(sql, Context{})), sql)
	}
	assert.Empty(t, Lint("SELECT ((a)) AS x FROM t", Context{}))
}

func TestLint_LimitAndPagination(t *testing.T) {
	assert.NotEmpty(t, withMessage(Lint("SELECT Name FROM t LIMIT 10", Context{}), "LIMIT is not supported"))

	missingOrder := Lint("SELECT Name FROM t OFFSET 10 ROWS FETCH NEXT 5 ROWS ONLY", Context{})
	assert.Len(t, withMessage(missingOrder, "requires an ORDER BY"), 1)

	assert.Empty(t, Lint("SELECT Name FROM t ORDER BY Name OFFSET 0 ROWS FETCH NEXT 5 ROWS ONLY", Context{}))

	fetchOnly := Lint("SELECT Name FROM t ORDER BY Name FETCH NEXT 5 ROWS ONLY", Context{})
	assert.NotEmpty(t, withMessage(fetchOnly, "requires OFFSET"))
}

func TestLint_TempTablesAndCTE(t *testing.T) {
	cte := Lint("WITH c AS (SELECT Name FROM t) SELECT Name FROM c", Context{})
	found := withMessage(cte, "Common table expressions")
	require.Len(t, found, 1)
	assert.Equal(t, SeverityError, found[0].Severity)

	temp := Lint("SELECT Name FROM #staging", Context{})
	found = withMessage(temp, "Temporary table")
	require.Len(t, found, 1)
	assert.Equal(t, SeverityWarning, found[0].Severity)
}

func TestLint_StarUsage(t *testing.T) {
	joined := Lint("SELECT * FROM a JOIN b ON a.Id = b.Id", Context{})
	assert.NotEmpty(t, withMessage(joined, "SELECT * cannot be combined"))

	qualified := Lint("SELECT a.* FROM a JOIN b ON a.Id = b.Id", Context{})
	assert.Empty(t, withMessage(qualified, "SELECT *"))

	single := Lint("SELECT * FROM Subscribers", Context{})
	require.Len(t, single, 1)
	assert.Equal(t, SeverityWarning, single[0].Severity)
	assert.False(t, Blocking(single))

	assert.Empty(t, Lint("SELECT COUNT(*) AS n FROM Subscribers", Context{}))
}

func TestLint_JoinWithoutOn(t *testing.T) {
	diags := Lint("SELECT a.Id FROM a JOIN b WHERE a.Id = 1", Context{})
	assert.Len(t, withMessage(diags, "missing its ON"), 1)

	assert.Empty(t, withMessage(Lint("SELECT a.Id FROM a CROSS JOIN b", Context{}), "missing its ON"))

	typing := "SELECT a.Id FROM a JOIN Sub"
	cursor := utf8.RuneCountInString(typing)
	assert.Empty(t, withMessage(Lint(typing, Context{Cursor: &cursor}), "missing its ON"))
	assert.NotEmpty(t, withMessage(Lint(typing, Context{}), "missing its ON"))

	elsewhere := 3
	assert.NotEmpty(t, withMessage(Lint(typing, Context{Cursor: &elsewhere}), "missing its ON"))
}

func TestLint_AmbiguousFields(t *testing.T) {
	ctx := Context{Tables: []TableMetadata{
		{Name: "Subscribers", Fields: []Field{{Name: "Id"}, {Name: "Email"}}},
		{Name: "Orders", Fields: []Field{{Name: "Id"}, {Name: "Total"}}},
	}}
	diags := Lint("SELECT Id, s.Email FROM Subscribers s JOIN Orders o ON s.Id = o.Id", ctx)
	found := withMessage(diags, "ambiguous")
	require.Len(t, found, 1)
	assert.Contains(t, found[0].Message, "Subscribers")
	assert.Contains(t, found[0].Message, "Orders")
	assert.Equal(t, 7, found[0].Start)
	assert.Equal(t, 9, found[0].End)

	assert.Empty(t, Lint("SELECT s.Id, Email, Total FROM Subscribers s JOIN Orders o ON s.Id = o.Id", ctx))
}

func TestLint_UnsupportedFunctions(t *testing.T) {
	diags := Lint("SELECT STRING_SPLIT(Name, ',') AS p FROM t", Context{})
	found := withMessage(diags, "STRING_SPLIT() is not supported")
	require.Len(t, found, 1)
	assert.Contains(t, found[0].Message, "CHARINDEX")

	assert.Empty(t, Lint("SELECT 'string_split(' AS s FROM t", Context{}))
}

func TestLint_GroupByConsistency(t *testing.T) {
	diags := Lint("SELECT Region, COUNT(*) AS n FROM t", Context{})
	found := withMessage(diags, "must appear in GROUP BY")
	require.Len(t, found, 1)
	assert.Contains(t, found[0].Message, "Region")

	assert.Empty(t, Lint("SELECT Region, COUNT(*) AS n FROM t GROUP BY t.Region", Context{}))
	assert.Empty(t, Lint("SELECT Region, ROW_NUMBER() OVER (ORDER BY Region) AS rn FROM t", Context{}))
	assert.Empty(t, Lint("SELECT 'x' AS tag, MAX(Age) AS oldest FROM t", Context{}))
}

func TestLint_CommaHygiene(t *testing.T) {
	assert.NotEmpty(t, withMessage(Lint("SELECT a,, b FROM t", Context{}), "Doubled comma"))
	assert.NotEmpty(t, withMessage(Lint("SELECT a, FROM t", Context{}), "Trailing comma before FROM"))
	assert.NotEmpty(t, withMessage(Lint("SELECT , a FROM t", Context{}), "Leading comma"))
	assert.NotEmpty(t, withMessage(Lint("SELECT a FROM t ORDER BY a,", Context{}), "Trailing comma at end"))
	assert.Empty(t, Lint("SELECT a, LEFT(b, 2) AS c FROM t", Context{}))
}

func TestLint_UnaliasedLiteral(t *testing.T) {
	diags := Lint("SELECT 1 FROM t", Context{})
	assert.Len(t, withMessage(diags, "needs an alias"), 1)
	assert.Empty(t, Lint("SELECT 1 AS One, -2 AS Two FROM t", Context{}))
}

func TestLint_ParseFailureIsAdvisory(t *testing.T) {
	diags := Lint("SELECT a FROM t FOR XML PATH", Context{})
	require.NotEmpty(t, diags)
	assert.NotEmpty(t, withMessage(diags, "could not be fully analyzed"))
	assert.False(t, Blocking(diags))
}

func TestLint_OffsetsAreCharacterBased(t *testing.T) {
	sql := "SELECT 'ñ' AS x FROM t LIMIT 5"
	found := withMessage(Lint(sql, Context{}), "LIMIT")
	require.Len(t, found, 1)
	assert.Equal(t, 23, found[0].Start)
	assert.Equal(t, 28, found[0].End)

	for _, probe := range []string{sql, "SELECT [é", "SELECT 'a", "", "DROP TABLE ü"} {
		length := utf8.RuneCountInString(probe)
		for _, d := range Lint(probe, Context{}) {
			assert.True(t, 0 <= d.Start && d.Start <= d.End && d.End <= length, "%q: %+v", probe, d)
		}
	}
}

func TestFinalizeMergesIdenticalSpans(t *testing.T) {
	out := finalize("abcdef", []Diagnostic{
		{Message: "short", Severity: SeverityWarning, Start: 0, End: 3},
		{Message: "stricter", Severity: SeverityError, Start: 0, End: 3},
		{Message: "a", Severity: SeverityError, Start: 4, End: 5},
		{Message: "more specific", Severity: SeverityError, Start: 4, End: 5},
		{Message: "clamped", Severity: SeverityWarning, Start: -4, End: 99},
	})
	require.Len(t, out, 3)
	assert.Equal(t, "stricter", out[0].Message)
	assert.Equal(t, SeverityError, out[0].Severity)
	assert.Equal(t, "clamped", out[1].Message)
	assert.Equal(t, 0, out[1].Start)
	assert.Equal(t, 6, out[1].End)
	assert.Equal(t, "more specific", out[2].Message)
}
