package opb

import (
	"context"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Profile is an on-disk set of channel names and current limits. Applying it
// pushes the values to the device, which stores them in its own memory; the
// profile file is a convenience, not a local persistence layer.
type Profile struct {
	Channels []ChannelName `yaml:"channels"`
	Limits   LimitsSpec    `yaml:"limits"`
}

// ChannelName assigns a name to a physical switch index.
type ChannelName struct {
	Index int    `yaml:"index"`
	Name  string `yaml:"name"`
}

// LimitsSpec holds the class-level current limits to push, in amps. Nil
// fields are left untouched on the device.
type LimitsSpec struct {
	DC       *float64 `yaml:"dc"`
	PWM      *float64 `yaml:"pwm"`
	Bank     *float64 `yaml:"bank"`
	TotalDC  *float64 `yaml:"total_dc"`
	TotalPWM *float64 `yaml:"total_pwm"`
	Global   *float64 `yaml:"global"`
}

func (l LimitsSpec) each(fn func(Limit, float64)) {
	fields := [NumLimits]*float64{l.DC, l.PWM, l.Bank, l.TotalDC, l.TotalPWM, l.Global}
	for i, f := range fields {
		if f != nil {
			fn(Limit(i), *f)
		}
	}
}

// LoadProfile reads and parses a profile file.
func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profile: %w", err)
	}
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse profile: %w", err)
	}
	return &p, nil
}

// ApplyProfile pushes the profile's names and limits to the device. Failures
// are collected per entry so one rejected value does not stop the rest.
func (s *Session) ApplyProfile(ctx context.Context, p *Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSessionClosed
	}

	var errs []error
	for _, ch := range p.Channels {
		if err := s.setNameLocked(ctx, ch.Index, ch.Name); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			errs = append(errs, fmt.Errorf("name %d: %w", ch.Index, err))
		}
	}
	p.Limits.each(func(l Limit, amps float64) {
		if ctx.Err() != nil {
			return
		}
		if err := s.setLimitLocked(ctx, l, amps); err != nil {
			errs = append(errs, fmt.Errorf("limit %s: %w", l, err))
		}
	})
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return errors.Join(errs...)
}
