package control

import "fmt"

// Default policy values.
const (
	DefaultDistanceThreshold = 50 // cm
	DefaultHysteresis        = 5  // cm, stored only
)

// Config holds the policy parameters. It can be changed at runtime and takes
// effect on the next reading or detection evaluation.
type Config struct {
	// DistanceThreshold is the inclusive cutoff, in cm, at or below which a
	// detected person turns the fan on.
	DistanceThreshold int `json:"distanceThreshold" yaml:"distance_threshold"`

	// Hysteresis is accepted and reported but not applied to the comparison.
	Hysteresis int `json:"hysteresis" yaml:"hysteresis"`
}

// DefaultConfig returns the default policy.
func DefaultConfig() Config {
	return Config{
		DistanceThreshold: DefaultDistanceThreshold,
		Hysteresis:        DefaultHysteresis,
	}
}

// Validate checks the policy values.
func (c Config) Validate() error {
	if c.DistanceThreshold <= 0 {
		return fmt.Errorf("%w: distanceThreshold must be positive, got %d", ErrInvalidConfig, c.DistanceThreshold)
	}
	if c.Hysteresis < 0 {
		return fmt.Errorf("%w: hysteresis must not be negative, got %d", ErrInvalidConfig, c.Hysteresis)
	}
	return nil
}

// ConfigPatch is a partial config update. Nil fields are left unchanged.
type ConfigPatch struct {
	DistanceThreshold *int `json:"distanceThreshold,omitempty"`
	Hysteresis        *int `json:"hysteresis,omitempty"`
}

// apply returns c with the patch applied.
func (p ConfigPatch) apply(c Config) Config {
	if p.DistanceThreshold != nil {
		c.DistanceThreshold = *p.DistanceThreshold
	}
	if p.Hysteresis != nil {
		c.Hysteresis = *p.Hysteresis
	}
	return c
}
