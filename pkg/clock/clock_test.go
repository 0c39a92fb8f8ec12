package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNowTicks(t *testing.T) {
	t.Parallel()

	c, mock := NewMock()
	require.EqualValues(t, 0, c.NowTicks())

	mock.Add(5 * time.Millisecond)
	require.EqualValues(t, 50, c.NowTicks())
	require.EqualValues(t, 5, c.NowMs())

	mock.Add(time.Second)
	require.EqualValues(t, 10050, c.NowTicks())
}

func TestTicksIsAfter(t *testing.T) {
	t.Parallel()

	require.True(t, TicksIsAfter(100, 100))
	require.True(t, TicksIsAfter(101, 100))
	require.False(t, TicksIsAfter(99, 100))

	// Wraparound: a tick just past the wrap is after one just before it.
	require.True(t, TicksIsAfter(5, ^uint32(0)-5))
	require.False(t, TicksIsAfter(^uint32(0)-5, 5))
}

func TestConversions(t *testing.T) {
	t.Parallel()

	require.EqualValues(t, 2000, MsToTicks(200))
	require.EqualValues(t, 200, TicksToMs(2000))
	require.EqualValues(t, 0, TicksToMs(9))
}
