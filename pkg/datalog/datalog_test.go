package datalog

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bezineb5/go-lego-motion/pkg/clock"
)

func TestLoggerCapturesRowsWithTime(t *testing.T) {
	t.Parallel()

	clk, mock := clock.NewMock()
	l := New(clk)

	// Inactive loggers drop rows.
	l.AddRow(1, 2, 3)
	require.Empty(t, l.Rows())

	l.Start(10)
	mock.Add(5 * time.Millisecond)
	l.AddRow(1, 2, 3)
	mock.Add(5 * time.Millisecond)
	l.AddRow(4, 5, 6)
	l.Stop()
	l.AddRow(7, 8, 9)

	rows := l.Rows()
	require.Len(t, rows, 2)
	require.Equal(t, []int32{50, 1, 2, 3}, rows[0])
	require.Equal(t, []int32{100, 4, 5, 6}, rows[1])
}

func TestLoggerStopsAtCapacity(t *testing.T) {
	t.Parallel()

	clk, _ := clock.NewMock()
	l := New(clk)
	l.Start(3)
	for i := int32(0); i < 10; i++ {
		l.AddRow(i)
	}
	require.Len(t, l.Rows(), 3)
	require.False(t, l.IsActive())
}
