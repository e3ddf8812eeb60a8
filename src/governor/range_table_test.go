package governor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Two-entry table with a 10 unit hysteresis band
func newTwoStepEvaluator(t *testing.T) *RangeEvaluator {
	table, err := NewRangeTable([]Range{
		{Low: 0, High: 50, Value: 100},
		{Low: 51, High: 120, Value: 200},
	})
	require.NoError(t, err)
	return NewRangeEvaluator(table, 10)
}

// JEITA-like current table keyed by tenths of a degree
func newJeitaEvaluator(t *testing.T) *RangeEvaluator {
	table, err := NewRangeTable([]Range{
		{Low: -200, High: 0, Value: 0},
		{Low: 1, High: 150, Value: 600},
		{Low: 151, High: 450, Value: 3000},
		{Low: 451, High: 550, Value: 1200},
		{Low: 551, High: 800, Value: 0},
	})
	require.NoError(t, err)
	return NewRangeEvaluator(table, 20)
}

func TestResolveHysteresis(t *testing.T) {
	t.Run("falling input holds the upper entry inside the band", func(t *testing.T) {
		e := newTwoStepEvaluator(t)

		idx, val, ok := e.Resolve(52)
		require.True(t, ok)
		assert.Equal(t, 1, idx)
		assert.Equal(t, 200, val)

		for _, in := range []int{51, 50, 45, 41} {
			idx, val, _ = e.Resolve(in)
			assert.Equal(t, 1, idx, "input %d", in)
			assert.Equal(t, 200, val, "input %d", in)
		}

		idx, val, _ = e.Resolve(40)
		assert.Equal(t, 0, idx)
		assert.Equal(t, 100, val)
	})

	t.Run("rising input holds the lower entry inside the band", func(t *testing.T) {
		e := newTwoStepEvaluator(t)

		idx, _, _ := e.Resolve(30)
		assert.Equal(t, 0, idx)

		for _, in := range []int{51, 55, 60} {
			idx, _, _ = e.Resolve(in)
			assert.Equal(t, 0, idx, "input %d", in)
		}

		idx, _, _ = e.Resolve(61)
		assert.Equal(t, 1, idx)
	})

	t.Run("first resolve has no hysteresis", func(t *testing.T) {
		e := newTwoStepEvaluator(t)
		idx, _, _ := e.Resolve(51)
		assert.Equal(t, 1, idx)
	})

	t.Run("jumps across several entries are immediate", func(t *testing.T) {
		e := newJeitaEvaluator(t)
		idx, _, _ := e.Resolve(250)
		assert.Equal(t, 2, idx)

		idx, val, _ := e.Resolve(600)
		assert.Equal(t, 4, idx)
		assert.Equal(t, 0, val)

		idx, _, _ = e.Resolve(100)
		assert.Equal(t, 1, idx)
	})

	t.Run("reset clears the remembered index", func(t *testing.T) {
		e := newTwoStepEvaluator(t)
		e.Resolve(52)
		e.Reset()
		assert.Equal(t, -1, e.Index)

		idx, _, _ := e.Resolve(45)
		assert.Equal(t, 0, idx)
	})
}

func TestResolveClamping(t *testing.T) {
	t.Run("below the table clamps to the first entry", func(t *testing.T) {
		e := newJeitaEvaluator(t)
		idx, val, ok := e.Resolve(-400)
		assert.True(t, ok)
		assert.Equal(t, 0, idx)
		assert.Equal(t, 0, val)
	})

	t.Run("above the table clamps to the last entry", func(t *testing.T) {
		e := newTwoStepEvaluator(t)
		idx, val, ok := e.Resolve(5000)
		assert.True(t, ok)
		assert.Equal(t, 1, idx)
		assert.Equal(t, 200, val)
	})

	t.Run("gaps resolve to the entry below", func(t *testing.T) {
		table, err := NewRangeTable([]Range{
			{Low: 3000, High: 3800, Value: 3000},
			{Low: 4000, High: 4200, Value: 2000},
		})
		require.NoError(t, err)
		e := NewRangeEvaluator(table, 0)

		idx, val, _ := e.Resolve(3900)
		assert.Equal(t, 0, idx)
		assert.Equal(t, 3000, val)
	})

	t.Run("empty table is the only failure", func(t *testing.T) {
		e := NewRangeEvaluator(nil, 10)
		idx, val, ok := e.Resolve(25)
		assert.False(t, ok)
		assert.Equal(t, -1, idx)
		assert.Equal(t, 0, val)
		assert.Equal(t, -1, e.Index)
	})
}

func TestNewRangeTable(t *testing.T) {
	t.Run("zero sentinel terminates the table", func(t *testing.T) {
		table, err := NewRangeTable([]Range{
			{Low: 3000, High: 4100, Value: 3000},
			{Low: 4101, High: 4400, Value: 1500},
			{},
			{Low: 5000, High: 6000, Value: 9},
		})
		require.NoError(t, err)
		assert.Len(t, table, 2)
	})

	t.Run("rejects overlapping entries", func(t *testing.T) {
		_, err := NewRangeTable([]Range{
			{Low: 0, High: 60, Value: 1},
			{Low: 50, High: 100, Value: 2},
		})
		assert.ErrorIs(t, err, ErrOverlap)
	})

	t.Run("rejects unsorted entries", func(t *testing.T) {
		_, err := NewRangeTable([]Range{
			{Low: 51, High: 100, Value: 2},
			{Low: 0, High: 50, Value: 1},
		})
		assert.ErrorIs(t, err, ErrOverlap)
	})

	t.Run("rejects inverted entries", func(t *testing.T) {
		_, err := NewRangeTable([]Range{{Low: 10, High: 5, Value: 1}})
		assert.ErrorIs(t, err, ErrInverted)
	})

	t.Run("rejects oversized tables", func(t *testing.T) {
		entries := make([]Range, MaxRangeEntries+1)
		for i := range entries {
			entries[i] = Range{Low: i * 10, High: i*10 + 9, Value: i + 1}
		}
		_, err := NewRangeTable(entries)
		assert.ErrorIs(t, err, ErrTooLarge)
	})

	t.Run("rejects empty tables", func(t *testing.T) {
		_, err := NewRangeTable([]Range{{}})
		assert.ErrorIs(t, err, ErrEmptyTable)
	})

	t.Run("shared boundaries are allowed", func(t *testing.T) {
		table, err := NewRangeTable([]Range{
			{Low: 0, High: 50, Value: 1},
			{Low: 50, High: 100, Value: 2},
		})
		require.NoError(t, err)

		// First containing entry wins on a shared boundary
		e := NewRangeEvaluator(table, 0)
		idx, _, _ := e.Resolve(50)
		assert.Equal(t, 0, idx)
	})
}

func TestMinValue(t *testing.T) {
	e := newJeitaEvaluator(t)
	assert.Equal(t, 0, e.Table().MinValue())
	assert.Equal(t, 0, RangeTable(nil).MinValue())
}
