package presence

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIndicator_TransitionsAreIdempotent(t *testing.T) {
	i := New()
	var changes []bool
	i.OnChange(func(v bool) { changes = append(changes, v) })

	require.False(t, i.Visible())
	require.False(t, i.Hide())
	require.True(t, i.Show())
	require.False(t, i.Show())
	require.True(t, i.Visible())
	require.True(t, i.Hide())
	require.False(t, i.Visible())

	require.Equal(t, []bool{true, false}, changes)
}

func TestIndicator_NilIsSafe(t *testing.T) {
	var i *Indicator
	require.False(t, i.Show())
	require.False(t, i.Visible())
	i.OnChange(func(bool) {})
}
