package config

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bezineb5/go-lego-motion/pkg/control"
	"github.com/bezineb5/go-lego-motion/pkg/lego"
)

const sample = `
motors:
  gripper:
    speed_max: 300
    acceleration: 1000
    deceleration: 500
    torque_limit: 150
  arm:
    position_tolerance: 20
    kp: 30000
`

func TestLoadAndApply(t *testing.T) {
	t.Parallel()

	profiles, err := Load(strings.NewReader(sample))
	require.NoError(t, err)
	require.Len(t, profiles.Motors, 2)

	s := control.Settings{
		SpeedMax:          1000000,
		Acceleration:      2000000,
		Deceleration:      2000000,
		PositionTolerance: 9000,
		ActuationMax:      500000,
		PidKp:             48000,
	}

	require.NoError(t, profiles.Apply("gripper", &s))
	require.EqualValues(t, 300000, s.SpeedMax)
	require.EqualValues(t, 1000000, s.Acceleration)
	require.EqualValues(t, 500000, s.Deceleration)
	require.EqualValues(t, 150000, s.ActuationMax)
	require.EqualValues(t, 150000, s.ActuationMaxTemporary)
	// Untouched fields keep their values.
	require.EqualValues(t, 9000, s.PositionTolerance)
	require.EqualValues(t, 48000, s.PidKp)

	require.NoError(t, profiles.Apply("arm", &s))
	require.EqualValues(t, 20000, s.PositionTolerance)
	require.EqualValues(t, 30000, s.PidKp)
}

func TestApplyUnknownProfile(t *testing.T) {
	t.Parallel()

	profiles, err := Load(strings.NewReader(sample))
	require.NoError(t, err)

	var s control.Settings
	require.ErrorIs(t, profiles.Apply("missing", &s), lego.ErrInvalidArg)
}

func TestLoadRejectsBadYAML(t *testing.T) {
	t.Parallel()

	_, err := Load(strings.NewReader("motors: ["))
	require.Error(t, err)
}
