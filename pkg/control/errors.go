package control

import "errors"

// Sentinel errors for rejected requests. The request surface reports these
// to the caller; nothing is mutated when one is returned.
var (
	// ErrInvalidMode indicates a mode other than AUTO or MANUAL.
	ErrInvalidMode = errors.New("control: invalid mode, use AUTO or MANUAL")

	// ErrInvalidAction indicates a fan action other than ON or OFF.
	ErrInvalidAction = errors.New("control: invalid action, use ON or OFF")

	// ErrNotManual indicates direct fan control outside MANUAL mode.
	ErrNotManual = errors.New("control: fan can only be controlled manually in MANUAL mode")

	// ErrInvalidConfig indicates a non-positive threshold or negative hysteresis.
	ErrInvalidConfig = errors.New("control: invalid config")
)

// IsRejected returns true if err is a request validation failure.
func IsRejected(err error) bool {
	return errors.Is(err, ErrInvalidMode) ||
		errors.Is(err, ErrInvalidAction) ||
		errors.Is(err, ErrNotManual) ||
		errors.Is(err, ErrInvalidConfig)
}
