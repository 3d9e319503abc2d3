package helpers

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tesseradb/src/models"
)

func TestCompareNumbers(t *testing.T) {
	cases := []struct {
		left  interface{}
		op    string
		right interface{}
		want  bool
	}{
		{3, "=", 3.0, true},
		{int64(3), "!=", 4, true},
		{2.5, "<", 3, true},
		{float32(3), "<=", 3, true},
		{uint64(10), ">", 9.99, true},
		{3, ">=", 4, false},
	}
	for _, tc := range cases {
		got, err := CompareValues(tc.left, tc.op, tc.right)
		require.NoError(t, err)
		assert.Equal(t, tc.want, got, "%v %s %v", tc.left, tc.op, tc.right)
	}
}

func TestCompareStrings(t *testing.T) {
	got, err := CompareValues("apple", "<", "banana")
	require.NoError(t, err)
	assert.True(t, got)

	got, err = CompareValues("hello world", "CONTAINS", "lo wo")
	require.NoError(t, err)
	assert.True(t, got)

	got, err = CompareValues("hello", "CONTAINS", "bye")
	require.NoError(t, err)
	assert.False(t, got)
}

func TestCompareBooleans(t *testing.T) {
	got, err := CompareValues(true, "=", true)
	require.NoError(t, err)
	assert.True(t, got)

	got, err = CompareValues(true, "!=", false)
	require.NoError(t, err)
	assert.True(t, got)

	_, err = CompareValues(true, "<", false)
	require.Error(t, err)
}

func TestCompareTimes(t *testing.T) {
	earlier := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	later := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	got, err := CompareValues(earlier, "<", later)
	require.NoError(t, err)
	assert.True(t, got)

	// A timestamp compares against its string forms.
	got, err = CompareValues(later, ">", "2024-01-01")
	require.NoError(t, err)
	assert.True(t, got)

	got, err = CompareValues("2024-01-01 12:00:00", ">=", earlier)
	require.NoError(t, err)
	assert.True(t, got)
}

func TestCompareMetricPoints(t *testing.T) {
	slow := models.MetricPoint{Timestamp: time.Now(), Value: float64(500)}
	fast := models.MetricPoint{Timestamp: time.Now(), Value: float64(5)}

	// The sample wrapper is transparent; the predicate sees the value.
	got, err := CompareValues(slow, ">", 100)
	require.NoError(t, err)
	assert.True(t, got)

	got, err = CompareValues(fast, ">", 100)
	require.NoError(t, err)
	assert.False(t, got)

	got, err = CompareValues(slow, ">=", fast)
	require.NoError(t, err)
	assert.True(t, got)
}

func TestCompareMixedFallsBackToStrings(t *testing.T) {
	// A number against a non-numeric string compares textually.
	got, err := CompareValues(42, "=", "42")
	require.NoError(t, err)
	assert.True(t, got)
}

func TestCompareUnknownOperator(t *testing.T) {
	_, err := CompareValues(1, "LIKE", 2)
	require.Error(t, err)
}
