package schema

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var subscribers = StaticMetadata{
	"Subscribers": {
		{Name: "SubscriberKey", Type: Text, MaxLength: 100},
		{Name: "EmailAddress", Type: EmailAddress},
		{Name: "Age", Type: Number},
		{Name: "Balance", Type: Decimal, Precision: 10, Scale: 4},
		{Name: "JoinedAt", Type: Date},
	},
	"Orders": {
		{Name: "OrderID", Type: Number},
		{Name: "SubscriberKey", Type: Text, MaxLength: 100},
		{Name: "Total", Type: Decimal, Precision: 12, Scale: 2},
	},
}

func TestInferFieldTypesFromMetadata(t *testing.T) {
	cols, err := Infer(context.Background(), "SELECT SubscriberKey, EmailAddress, s.Age, Balance, JoinedAt FROM Subscribers s", subscribers)
	require.NoError(t, err)
	assert.Equal(t, []Column{
		{Name: "SubscriberKey", Type: Text, MaxLength: 100},
		{Name: "EmailAddress", Type: EmailAddress},
		{Name: "Age", Type: Number},
		{Name: "Balance", Type: Decimal, Precision: 10, Scale: 4},
		{Name: "JoinedAt", Type: Date},
	}, cols)
}

func TestInferUnknownFieldDefaultsToText(t *testing.T) {
	cols, err := Infer(context.Background(), "SELECT Mystery FROM Subscribers", subscribers)
	require.NoError(t, err)
	assert.Equal(t, []Column{{Name: "Mystery", Type: Text, MaxLength: DefaultTextLength}}, cols)
}

func TestInferFunctions(t *testing.T) {
	sql := `SELECT COUNT(*) AS Total, AVG(Age) AS AvgAge, UPPER(SubscriberKey) AS Upper,
		GETDATE() AS Now, MIN(JoinedAt) AS FirstJoin, LEN(SubscriberKey) AS KeyLength
		FROM Subscribers`
	cols, err := Infer(context.Background(), sql, subscribers)
	require.NoError(t, err)
	assert.Equal(t, []Column{
		{Name: "Total", Type: Number},
		{Name: "AvgAge", Type: Decimal, Precision: DefaultPrecision, Scale: DefaultScale},
		{Name: "Upper", Type: Text, MaxLength: FunctionTextLength},
		{Name: "Now", Type: Date},
		{Name: "FirstJoin", Type: Date},
		{Name: "KeyLength", Type: Number},
	}, cols)
}

func TestInferCasts(t *testing.T) {
	sql := `SELECT CAST(Age AS VARCHAR(10)) AS AgeText, CAST(Age AS NVARCHAR(MAX)) AS Long,
		CONVERT(DECIMAL(8, 3), Age) AS Precise, CAST(Balance AS DECIMAL) AS Plain,
		CAST(JoinedAt AS DATE) AS Joined, CAST(1 AS BIT) AS Flag
		FROM Subscribers`
	cols, err := Infer(context.Background(), sql, subscribers)
	require.NoError(t, err)
	assert.Equal(t, []Column{
		{Name: "AgeText", Type: Text, MaxLength: 10},
		{Name: "Long", Type: Text, MaxLength: MaxTextLength},
		{Name: "Precise", Type: Decimal, Precision: 8, Scale: 3},
		{Name: "Plain", Type: Decimal, Precision: DefaultPrecision, Scale: DefaultScale},
		{Name: "Joined", Type: Date},
		{Name: "Flag", Type: Boolean},
	}, cols)
}

func TestInferCaseLiteralsAndArithmetic(t *testing.T) {
	sql := `SELECT CASE WHEN Age > 30 THEN Age ELSE 0 END AS Bucket, 'x' AS Tag, 1.5 AS Ratio,
		Age + 1 AS NextAge, Balance * 2 AS Doubled
		FROM Subscribers`
	cols, err := Infer(context.Background(), sql, subscribers)
	require.NoError(t, err)
	assert.Equal(t, []Column{
		{Name: "Bucket", Type: Number},
		{Name: "Tag", Type: Text, MaxLength: DefaultTextLength},
		{Name: "Ratio", Type: Decimal, Precision: DefaultPrecision, Scale: DefaultScale},
		{Name: "NextAge", Type: Number},
		{Name: "Doubled", Type: Decimal, Precision: DefaultPrecision, Scale: DefaultScale},
	}, cols)
}

func TestInferDerivedTable(t *testing.T) {
	sql := "SELECT d.Age FROM (SELECT Age FROM Subscribers) d"
	cols, err := Infer(context.Background(), sql, subscribers)
	require.NoError(t, err)
	assert.Equal(t, []Column{{Name: "Age", Type: Number}}, cols)
}

func TestInferJoinQualifiedColumns(t *testing.T) {
	sql := "SELECT s.SubscriberKey, o.SubscriberKey, o.Total FROM Subscribers s INNER JOIN Orders o ON o.SubscriberKey = s.SubscriberKey"
	cols, err := Infer(context.Background(), sql, subscribers)
	require.NoError(t, err)
	require.Len(t, cols, 3)
	assert.Equal(t, "SubscriberKey", cols[0].Name)
	assert.Equal(t, "SubscriberKey_1", cols[1].Name)
	assert.Equal(t, Column{Name: "Total", Type: Decimal, Precision: 12, Scale: 2}, cols[2])
}

func TestInferDedupesCaseInsensitively(t *testing.T) {
	cols, err := Infer(context.Background(), "SELECT Age, age, AGE AS Age_1 FROM Subscribers", subscribers)
	require.NoError(t, err)
	names := []string{cols[0].Name, cols[1].Name, cols[2].Name}
	assert.Equal(t, []string{"Age", "age_1", "Age_1_1"}, names)
}

func TestInferTruncatesLongNames(t *testing.T) {
	long := strings.Repeat("a", 51)
	sql := "SELECT 1 AS " + long + ", 2 AS " + long + " FROM Subscribers"
	cols, err := Infer(context.Background(), sql, subscribers)
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("a", 45), cols[0].Name)
	assert.Equal(t, strings.Repeat("a", 45)+"_1", cols[1].Name)
}

func TestInferUnnamedExpressions(t *testing.T) {
	cols, err := Infer(context.Background(), "SELECT Age + 1, UPPER(SubscriberKey) FROM Subscribers", subscribers)
	require.NoError(t, err)
	assert.Equal(t, "Expr", cols[0].Name)
	assert.Equal(t, "UPPER", cols[1].Name)
}

func TestInferFailures(t *testing.T) {
	cases := map[string]string{
		"parse":   "SELECT FROM",
		"star":    "SELECT * FROM Subscribers",
		"bracket": "SELECT 1 AS [a]]b] FROM Subscribers",
	}
	for name, sql := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Infer(context.Background(), sql, subscribers)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInferenceFailed))
			var inf *InferenceError
			assert.True(t, errors.As(err, &inf))
		})
	}
}

type failingMetadata struct{ err error }

func (f failingMetadata) TableFields(context.Context, string) ([]Column, bool, error) {
	return nil, false, f.err
}

func TestInferLookupErrorsAreNotInferenceFailures(t *testing.T) {
	boom := errors.New("platform unavailable")
	_, err := Infer(context.Background(), "SELECT Age FROM Subscribers", failingMetadata{err: boom})
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.False(t, errors.Is(err, ErrInferenceFailed))
}

func TestInferIsDeterministic(t *testing.T) {
	sql := "SELECT SubscriberKey, COUNT(*) AS N FROM Subscribers GROUP BY SubscriberKey"
	first, err := Infer(context.Background(), sql, subscribers)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := Infer(context.Background(), sql, subscribers)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestExpandStars(t *testing.T) {
	out, err := ExpandStars(context.Background(), "SELECT * FROM Orders WHERE Total > 10", subscribers)
	require.NoError(t, err)
	assert.Equal(t, "SELECT OrderID, SubscriberKey, Total FROM Orders WHERE Total > 10", out)

	out, err = ExpandStars(context.Background(), "SELECT o.*, s.Age FROM Orders o JOIN Subscribers s ON s.SubscriberKey = o.SubscriberKey", subscribers)
	require.NoError(t, err)
	assert.Equal(t, "SELECT o.OrderID, o.SubscriberKey, o.Total, s.Age FROM Orders o JOIN Subscribers s ON s.SubscriberKey = o.SubscriberKey", out)

	out, err = ExpandStars(context.Background(), "SELECT Age FROM Subscribers", subscribers)
	require.NoError(t, err)
	assert.Equal(t, "SELECT Age FROM Subscribers", out)
}

func TestExpandStarsRejectsAmbiguousOrUnknown(t *testing.T) {
	for _, sql := range []string{
		"SELECT * FROM Orders o JOIN Subscribers s ON s.SubscriberKey = o.SubscriberKey",
		"SELECT * FROM Unknown",
		"SELECT x.* FROM Orders",
	} {
		_, err := ExpandStars(context.Background(), sql, subscribers)
		assert.ErrorIs(t, err, ErrInferenceFailed, sql)
	}
}

func TestAlias(t *testing.T) {
	sql := "SELECT Age + 1, [Select] FROM Subscribers"
	out, err := Alias(sql, []Column{{Name: "Expr"}, {Name: "Select"}})
	require.NoError(t, err)
	assert.Equal(t, "SELECT Age + 1 AS Expr, [Select] AS [Select] FROM Subscribers", out)

	_, err = Alias(sql, []Column{{Name: "Expr"}})
	assert.ErrorIs(t, err, ErrInferenceFailed)
}
