package selector

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var props = Map{
	"filter":   String("true"),
	"region":   String("eu-west"),
	"count":    Int(7),
	"ratio":    Float(0.25),
	"urgent":   Bool(true),
	"archived": Bool(false),
	"quote":    String("it's"),
	"path":     String("a*b"),
}

func TestMatches(t *testing.T) {
	tests := []struct {
		selector string
		want     bool
	}{
		{"filter = 'true'", true},
		{"filter = 'false'", false},
		{"filter <> 'false'", true},
		{"count = 7", true},
		{"count = 7.0", true},
		{"count > 5 AND count < 10", true},
		{"count >= 8 OR ratio <= 0.25", true},
		{"count BETWEEN 1 AND 7", true},
		{"count NOT BETWEEN 1 AND 7", false},
		{"ratio > -1", true},
		{"urgent", true},
		{"archived", false},
		{"NOT archived", true},
		{"urgent = TRUE", true},
		{"TRUE", true},
		{"FALSE OR urgent", true},
		{"(filter = 'true' OR count = 1) AND region = 'eu-west'", true},
		{"filter = 'true' AND (count = 1 OR region = 'us')", false},
		{"quote = 'it''s'", true},
		{"region LIKE 'eu-%'", true},
		{"region LIKE 'eu-_est'", true},
		{"region NOT LIKE 'us%'", true},
		{"path LIKE 'a\\*b' ESCAPE '\\'", true},
		{"path LIKE 'a*b'", true},
		{"region LIKE 'EU%'", false},
		{"region IN ('us', 'eu-west')", true},
		{"region NOT IN ('us', 'eu-west')", false},
		{"missing IS NULL", true},
		{"region IS NOT NULL", true},
		{"and_or = 1 or filter = 'true'", true},
	}

	for _, tc := range tests {
		t.Run(tc.selector, func(t *testing.T) {
			expr, err := Parse(tc.selector)
			require.NoError(t, err)
			assert.Equal(t, tc.want, Matches(props, expr))
		})
	}
}

func TestMatches_FailsClosed(t *testing.T) {
	tests := []string{
		"missing = 'x'",
		"missing <> 'x'",
		"NOT (missing = 'x')",
		"filter = 1",
		"count = 'seven'",
		"urgent = 1",
		"missing",
		"region",
		"missing LIKE '%'",
		"count IN ('7')",
		"missing BETWEEN 1 AND 2",
		"region > count",
		"filter > region",
	}

	for _, selector := range tests {
		t.Run(selector, func(t *testing.T) {
			expr, err := Parse(selector)
			require.NoError(t, err)
			assert.False(t, Matches(props, expr))
		})
	}
}

func TestMatches_ThreeValuedLogic(t *testing.T) {
	// unknown OR true is true, unknown AND false is false
	expr, err := Parse("missing = 1 OR count = 7")
	require.NoError(t, err)
	assert.True(t, Matches(props, expr))

	expr, err = Parse("NOT (missing = 1 AND count = 0)")
	require.NoError(t, err)
	assert.True(t, Matches(props, expr))

	expr, err = Parse("NOT (missing = 1 AND count = 7)")
	require.NoError(t, err)
	assert.False(t, Matches(props, expr))
}

func TestMatches_NilExpressionMatchesAll(t *testing.T) {
	expr, err := Parse("   ")
	require.NoError(t, err)
	assert.Nil(t, expr)
	assert.True(t, Matches(props, expr))
	assert.True(t, Matches(nil, nil))
}

func TestParse_Errors(t *testing.T) {
	tests := []string{
		"filter =",
		"filter = 'open",
		"(filter = 'a'",
		"filter = 'a')",
		"filter == 'a'",
		"'a' > 'b'",
		"count > TRUE",
		"'a' = 1",
		"filter IS 'x'",
		"'x' IS NULL",
		"filter LIKE 5",
		"filter LIKE 'a' ESCAPE 'ab'",
		"filter IN ()",
		"filter IN (1, 2)",
		"count BETWEEN 'a' AND 'b'",
		"x = NULL",
		"filter # 1",
		"12abc = 1",
		"1e = 1",
		"5",
		"AND",
	}

	for _, selector := range tests {
		t.Run(selector, func(t *testing.T) {
			expr, err := Parse(selector)
			require.Error(t, err)
			assert.Nil(t, expr)

			var selErr *Error
			require.True(t, errors.As(err, &selErr))
			assert.Equal(t, selector, selErr.Selector)
		})
	}
}

func TestParse_ErrorNamesExpectedToken(t *testing.T) {
	tests := map[string]string{
		"(filter = 'a'":     "expected ')'",
		"filter IS 'x'":     "expected NULL",
		"filter LIKE 5":     "expected pattern string",
		"count BETWEEN 1 2": "expected AND",
	}

	for sel, want := range tests {
		t.Run(sel, func(t *testing.T) {
			_, err := Parse(sel)
			var selErr *Error
			require.ErrorAs(t, err, &selErr)
			assert.Contains(t, selErr.Msg, want)
		})
	}
}

func TestParse_KeywordsCaseInsensitive(t *testing.T) {
	expr, err := Parse("count between 1 and 10 and not archived or region like 'x%'")
	require.NoError(t, err)
	assert.True(t, Matches(props, expr))
}

func TestExpr_String(t *testing.T) {
	expr, err := Parse("quote = 'it''s' AND NOT count IN ('a')")
	require.NoError(t, err)
	assert.Equal(t, "(quote = 'it''s' AND NOT count IN ('a'))", expr.String())
}

func TestCache(t *testing.T) {
	c, err := NewCache(2)
	require.NoError(t, err)

	a, err := c.Parse("filter = 'true'")
	require.NoError(t, err)
	b, err := c.Parse("  filter = 'true'  ")
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Equal(t, 1, c.Len())

	_, err = c.Parse("filter =")
	require.Error(t, err)
	assert.Equal(t, 1, c.Len())

	none, err := c.Parse("")
	require.NoError(t, err)
	assert.Nil(t, none)
}
