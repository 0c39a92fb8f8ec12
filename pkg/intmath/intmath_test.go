package intmath

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClamp(t *testing.T) {
	t.Parallel()

	require.EqualValues(t, 10, Clamp(15, 10))
	require.EqualValues(t, -10, Clamp(-15, 10))
	require.EqualValues(t, 7, Clamp(7, 10))
}

func TestSign(t *testing.T) {
	t.Parallel()

	require.EqualValues(t, 1, Sign(42))
	require.EqualValues(t, -1, Sign(-42))
	require.EqualValues(t, 0, Sign(0))
}

func TestBindInt64(t *testing.T) {
	t.Parallel()

	require.EqualValues(t, math.MaxInt32, BindInt64(math.MaxInt64))
	require.EqualValues(t, math.MinInt32, BindInt64(math.MinInt64))
	require.EqualValues(t, 1234, BindInt64(1234))
	require.EqualValues(t, -1234, BindInt64(-1234))
}

func TestSqrt32(t *testing.T) {
	t.Parallel()

	require.EqualValues(t, 0, Sqrt32(-4))
	require.EqualValues(t, 0, Sqrt32(0))
	require.EqualValues(t, 1, Sqrt32(1))
	require.EqualValues(t, 1, Sqrt32(3))
	require.EqualValues(t, 2, Sqrt32(4))
	require.EqualValues(t, 447213, Sqrt32(200000000000))
	require.EqualValues(t, 46340, Sqrt32(2147483647))

	for v := int64(0); v < 3000; v++ {
		r := int64(Sqrt32(v))
		require.LessOrEqual(t, r*r, v)
		require.Greater(t, (r+1)*(r+1), v)
	}
}
