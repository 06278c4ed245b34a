package selector

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fields map[string]any

func (f fields) Lookup(name string) (any, bool) {
	v, ok := f[name]
	return v, ok
}

func TestSelector(t *testing.T) {
	msg := fields{
		"JMSCorrelationID":  "C1",
		"JMSXDeliveryCount": int32(1),
		"region":            "eu-west",
		"amount":            int64(250),
		"urgent":            true,
	}

	tests := []struct {
		expr string
		want bool
	}{
		{"", true},
		{"FALSE", false},
		{"TRUE", true},
		{"JMSCorrelationID = 'C1'", true},
		{"JMSCorrelationID = 'C2'", false},
		{"JMSXDeliveryCount = 1", true},
		{"JMSXDeliveryCount <> 1", false},
		{"(region = 'eu-west' ) AND JMSCorrelationID = 'C1'", true},
		{"region = 'us' OR amount > 100", true},
		{"NOT urgent", false},
		{"amount >= 250 AND amount <= 250", true},
		{"amount < 10", false},
		{"missing = 'x'", false},
		{"missing IS NULL", true},
		{"region IS NOT NULL", true},
		{"region IN ('eu-west', 'us')", true},
		{"region NOT IN ('us')", true},
		{"region LIKE 'eu%'", true},
		{"region LIKE 'e_'", false},
		{"urgent = TRUE", true},
		{"amount = '250'", false},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			s, err := Parse(tt.expr)
			require.NoError(t, err)
			assert.Equal(t, tt.want, s.Matches(msg))
		})
	}
}

func TestSelectorQuotedStrings(t *testing.T) {
	s, err := Parse("name = " + Quote("O'Brien"))
	require.NoError(t, err)
	assert.True(t, s.Matches(fields{"name": "O'Brien"}))
	assert.Equal(t, "'O''Brien'", Quote("O'Brien"))
}

func TestParseErrors(t *testing.T) {
	for _, expr := range []string{
		"a = ",
		"a = 'open",
		"(a = 1",
		"a = 1 b",
		"a IS 1",
		"a # 1",
		"a NOT 1",
	} {
		t.Run(expr, func(t *testing.T) {
			_, err := Parse(expr)
			assert.Error(t, err)
		})
	}
}

func TestNilSelectorMatches(t *testing.T) {
	var s *Selector
	assert.True(t, s.Matches(fields{}))
}
