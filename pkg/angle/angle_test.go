package angle

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFromMdegNormalizes(t *testing.T) {
	t.Parallel()

	a := FromMdeg(725000)
	require.EqualValues(t, 2, a.Rotations)
	require.EqualValues(t, 5000, a.Millidegrees)

	a = FromMdeg(-5000)
	require.EqualValues(t, -1, a.Rotations)
	require.EqualValues(t, 355000, a.Millidegrees)

	require.EqualValues(t, -5000, a.TotalMdeg())
}

func TestDiffMdeg(t *testing.T) {
	t.Parallel()

	a := FromMdeg(360500)
	b := FromMdeg(-1500)
	require.EqualValues(t, 362000, a.DiffMdeg(b))
	require.EqualValues(t, -362000, b.DiffMdeg(a))
}

func TestDiffSaturates(t *testing.T) {
	t.Parallel()

	a := Angle{Rotations: 2000000000 / 360}
	b := Angle{Rotations: -2000000000 / 360}
	require.EqualValues(t, int32(1<<31-1), a.DiffMdeg(b))
	require.False(t, a.DiffIsSmall(b))
	require.True(t, FromMdeg(100).DiffIsSmall(FromMdeg(-100)))
}

func TestAddMdegWraps(t *testing.T) {
	t.Parallel()

	a := FromMdeg(359000)
	a = a.AddMdeg(2000)
	require.EqualValues(t, 1, a.Rotations)
	require.EqualValues(t, 1000, a.Millidegrees)

	a = a.AddMdeg(-2000)
	require.EqualValues(t, 0, a.Rotations)
	require.EqualValues(t, 359000, a.Millidegrees)
}

func TestSumNeg(t *testing.T) {
	t.Parallel()

	a := FromMdeg(100000)
	b := FromMdeg(-40000)
	require.EqualValues(t, 60000, a.Sum(b).TotalMdeg())
	require.EqualValues(t, -100000, a.Neg().TotalMdeg())
	require.EqualValues(t, 0, a.Sum(a.Neg()).TotalMdeg())
}

func TestUserConversion(t *testing.T) {
	t.Parallel()

	// A 1:1 servo has 1000 control steps (mdeg) per user degree.
	a := FromUser(90, 1000)
	require.EqualValues(t, 90000, a.TotalMdeg())
	require.EqualValues(t, 90, a.ToUser(1000))

	// A 5:1 gear train multiplies motor rotation per output degree.
	a = FromUser(90, 5000)
	require.EqualValues(t, 450000, a.TotalMdeg())
	require.EqualValues(t, 90, a.ToUser(5000))
}
