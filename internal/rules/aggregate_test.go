package rules

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/y001j/logwatch/internal/model"
)

func withValue(v interface{}) model.LogEntry {
	return model.LogEntry{Message: "m", Metadata: map[string]interface{}{model.MetadataValueKey: v}}
}

func TestAggregateEmptyIsZero(t *testing.T) {
	for _, kind := range []Aggregation{AggCount, AggRate, AggAvg, AggSum, AggMin, AggMax} {
		t.Run(string(kind), func(t *testing.T) {
			v, err := Aggregate(nil, kind, 5)
			require.NoError(t, err)
			assert.Equal(t, 0.0, v)
			assert.False(t, math.IsNaN(v))
		})
	}
}

func TestAggregateValues(t *testing.T) {
	entries := []model.LogEntry{
		withValue(4),
		withValue("6"),
		withValue(2.5),
		withValue("n/a"),
		{Message: "no metadata"},
	}

	cases := []struct {
		kind Aggregation
		want float64
	}{
		{AggCount, 5},
		{AggRate, 1},
		{AggSum, 12.5},
		{AggAvg, 12.5 / 3},
		{AggMin, 2.5},
		{AggMax, 6},
	}
	for _, tc := range cases {
		t.Run(string(tc.kind), func(t *testing.T) {
			v, err := Aggregate(entries, tc.kind, 5)
			require.NoError(t, err)
			assert.InDelta(t, tc.want, v, 1e-9)
		})
	}
}

func TestAggregateAllNonNumeric(t *testing.T) {
	entries := []model.LogEntry{withValue("x"), {Message: "none"}}
	for _, kind := range []Aggregation{AggAvg, AggSum, AggMin, AggMax} {
		v, err := Aggregate(entries, kind, 1)
		require.NoError(t, err)
		assert.Equal(t, 0.0, v, string(kind))
	}
}

func TestAggregateRateUsesRuleWindow(t *testing.T) {
	entries := make([]model.LogEntry, 30)
	v, err := Aggregate(entries, AggRate, 10)
	require.NoError(t, err)
	assert.Equal(t, 3.0, v)

	v, err = Aggregate(entries, AggRate, 0)
	require.NoError(t, err)
	assert.Equal(t, 0.0, v)
}

func TestAggregateUnknownKind(t *testing.T) {
	_, err := Aggregate(nil, Aggregation("p99"), 5)
	require.Error(t, err)
	assert.Equal(t, ErrorTypeCondition, GetErrorType(err))
}

func TestCompare(t *testing.T) {
	cases := []struct {
		value, threshold float64
		op               Operator
		want             bool
	}{
		{5, 5, "==", true},
		{5, 5, "!=", false},
		{6, 5, ">", true},
		{5, 5, ">", false},
		{5, 5, ">=", true},
		{4, 5, "<", true},
		{5, 5, "<=", true},
		{6, 5, "<=", false},
		{0.1 + 0.2, 0.3, "==", true},
		{6, 5, "gt", true},
		{5, 5, "eq", true},
		{5, 5, "~", false},
		{5, 5, "", false},
		{math.NaN(), 5, "!=", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Compare(tc.value, tc.threshold, tc.op), "%v %s %v", tc.value, tc.op, tc.threshold)
	}
}
