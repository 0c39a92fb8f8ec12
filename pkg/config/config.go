// Package config loads optional motor profile overrides from YAML. The
// built-in per-motor-type defaults are right for bare motors; profiles let
// an application tune geared mechanisms without recompiling.
package config

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/bezineb5/go-lego-motion/pkg/control"
	"github.com/bezineb5/go-lego-motion/pkg/lego"
)

// MotorProfile overrides selected control settings. Angles, speeds and
// accelerations are in degrees of the motor shaft (deg, deg/s, deg/s²),
// converted at a fixed 1000 control units per degree; the servo gear ratio
// is not applied. TorqueLimit is in mNm. Kp, Ki and Kd are copied into the
// controller settings without conversion. Nil fields keep the defaults.
type MotorProfile struct {
	SpeedMax          *int32 `yaml:"speed_max"`
	Acceleration      *int32 `yaml:"acceleration"`
	Deceleration      *int32 `yaml:"deceleration"`
	PositionTolerance *int32 `yaml:"position_tolerance"`
	SpeedTolerance    *int32 `yaml:"speed_tolerance"`
	TorqueLimit       *int32 `yaml:"torque_limit"`
	Kp                *int32 `yaml:"kp"`
	Ki                *int32 `yaml:"ki"`
	Kd                *int32 `yaml:"kd"`
}

// Profiles maps profile names to their overrides.
type Profiles struct {
	Motors map[string]MotorProfile `yaml:"motors"`
}

// Load reads profiles from YAML.
func Load(r io.Reader) (*Profiles, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read profiles: %w", err)
	}
	var p Profiles
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse profiles: %w", err)
	}
	return &p, nil
}

// LoadFile reads profiles from a YAML file.
func LoadFile(path string) (*Profiles, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open profiles: %w", err)
	}
	defer f.Close()
	return Load(f)
}

const mdegPerDeg = 1000

// Apply overlays a named profile on top of loaded control settings.
func (p *Profiles) Apply(name string, s *control.Settings) error {
	profile, ok := p.Motors[name]
	if !ok {
		return fmt.Errorf("profile %q: %w", name, lego.ErrInvalidArg)
	}

	if profile.SpeedMax != nil {
		s.SpeedMax = *profile.SpeedMax * mdegPerDeg
	}
	if profile.Acceleration != nil {
		s.Acceleration = *profile.Acceleration * mdegPerDeg
	}
	if profile.Deceleration != nil {
		s.Deceleration = *profile.Deceleration * mdegPerDeg
	}
	if profile.PositionTolerance != nil {
		s.PositionTolerance = *profile.PositionTolerance * mdegPerDeg
	}
	if profile.SpeedTolerance != nil {
		s.SpeedTolerance = *profile.SpeedTolerance * mdegPerDeg
	}
	if profile.TorqueLimit != nil {
		s.ActuationMax = *profile.TorqueLimit * 1000
		s.ActuationMaxTemporary = s.ActuationMax
	}
	if profile.Kp != nil {
		s.PidKp = *profile.Kp
	}
	if profile.Ki != nil {
		s.PidKi = *profile.Ki
	}
	if profile.Kd != nil {
		s.PidKd = *profile.Kd
	}
	return nil
}
