package tsql

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenize_OpaqueRegions(t *testing.T) {
	tokens := Tokenize("SELECT [a]]b], 'it''s' -- drop\n/* delete */ N'y'")
	require.Len(t, tokens, 7)

	assert.Equal(t, Word, tokens[0].Kind)
	assert.Equal(t, BracketIdent, tokens[1].Kind)
	assert.Equal(t, "a]b", tokens[1].Ident())
	assert.True(t, tokens[2].IsSymbol(","))
	assert.Equal(t, String, tokens[3].Kind)
	assert.Equal(t, "it's", tokens[3].StringValue())
	assert.Equal(t, LineComment, tokens[4].Kind)
	assert.Equal(t, BlockComment, tokens[5].Kind)
	assert.Equal(t, String, tokens[6].Kind)
	assert.Equal(t, "y", tokens[6].StringValue())
}

func TestTokenize_Offsets(t *testing.T) {
	tokens := Tokenize("SELECT  a.b")
	require.Len(t, tokens, 4)
	assert.Equal(t, 8, tokens[1].Start)
	assert.Equal(t, 9, tokens[1].End)
	assert.True(t, tokens[2].IsSymbol("."))
	assert.Equal(t, 11, tokens[3].End)
}

func TestTokenize_Unterminated(t *testing.T) {
	for _, sql := range []string{"SELECT 'abc", "SELECT [abc", `SELECT "abc`, "SELECT /* abc"} {
		tokens := Tokenize(sql)
		require.NotEmpty(t, tokens, sql)
		last := tokens[len(tokens)-1]
		assert.True(t, last.Unterminated, sql)
		assert.Equal(t, len(sql), last.End, sql)
	}
}

func TestTokenize_NestedBlockComment(t *testing.T) {
	tokens := Tokenize("/* a /* b */ c */ SELECT")
	require.Len(t, tokens, 2)
	assert.Equal(t, BlockComment, tokens[0].Kind)
	assert.False(t, tokens[0].Unterminated)
	assert.True(t, tokens[1].Is("select"))
}

func TestTokenize_VariablesTempNamesAndOperators(t *testing.T) {
	tokens := Tokenize("@id ##global #local <> >= 1.5e3")
	require.Len(t, tokens, 6)
	assert.Equal(t, Variable, tokens[0].Kind)
	assert.Equal(t, TempName, tokens[1].Kind)
	assert.Equal(t, "##global", tokens[1].Text)
	assert.Equal(t, TempName, tokens[2].Kind)
	assert.True(t, tokens[3].IsSymbol("<>"))
	assert.True(t, tokens[4].IsSymbol(">="))
	assert.Equal(t, Number, tokens[5].Kind)
	assert.Equal(t, "1.5e3", tokens[5].Text)
}

func TestSignificantDropsComments(t *testing.T) {
	tokens := Significant(Tokenize("SELECT -- x\n a /* y */"))
	require.Len(t, tokens, 2)
	assert.True(t, tokens[1].IsIdent())
}

func TestQuoteIdent(t *testing.T) {
	assert.Equal(t, "Email", QuoteIdent("Email"))
	assert.Equal(t, "[First Name]", QuoteIdent("First Name"))
	assert.Equal(t, "[1st]", QuoteIdent("1st"))
	assert.Equal(t, "[Order]", QuoteIdent("Order"))
}
