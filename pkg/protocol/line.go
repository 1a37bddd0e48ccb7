package protocol

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/teslashibe/fanbridge/pkg/state"
)

// =============================================================================
// Device → Bridge lines
// =============================================================================

// Line prefixes sent by the device firmware, one message per line.
const (
	PrefixDistance = "DIST:"   // distance in cm
	PrefixTime     = "TIME:"   // echo round-trip time in µs
	PrefixFan      = "FAN:"    // fan status echo (ON/OFF)
	PrefixMode     = "MODE:"   // firmware mode echo, never applied
	PrefixSystem   = "SYSTEM:" // informational notice
)

// ErrMalformedLine is wrapped by every ParseLine error.
var ErrMalformedLine = errors.New("protocol: malformed device line")

// EventKind classifies a parsed device line.
type EventKind int

const (
	// KindUnrecognized is any line without a known prefix.
	KindUnrecognized EventKind = iota
	// KindReading is a valid, positive distance reading.
	KindReading
	// KindFanEcho is the device reporting its own fan status.
	KindFanEcho
	// KindModeEcho is the device reporting its mode.
	KindModeEcho
	// KindNotice is a SYSTEM: line.
	KindNotice
)

func (k EventKind) String() string {
	switch k {
	case KindReading:
		return "reading"
	case KindFanEcho:
		return "fan_echo"
	case KindModeEcho:
		return "mode_echo"
	case KindNotice:
		return "notice"
	default:
		return "unrecognized"
	}
}

// Reading is a validated sensor measurement. Distance is always > 0.
type Reading struct {
	Distance int  // cm
	RawTime  *int // µs, set for TIME: lines only
}

// Event is a typed device line.
type Event struct {
	Kind    EventKind
	Reading Reading         // KindReading
	Fan     state.FanStatus // KindFanEcho
	Payload string          // KindModeEcho, KindNotice
	Line    string          // the trimmed input line
}

// Sound travels 343 m/s; the echo covers the distance twice.
// cm = µs * 0.01715, kept in integers as µs*1715/100000.
const (
	echoNumerator   = 1715
	echoDenominator = 100000
)

// DistanceFromEchoTime converts an echo round-trip time in µs to cm,
// rounded to the nearest centimetre.
func DistanceFromEchoTime(us int) (int, error) {
	if us <= 0 {
		return 0, fmt.Errorf("%w: echo time %d must be positive", ErrMalformedLine, us)
	}
	if us > (math.MaxInt-echoDenominator/2)/echoNumerator {
		return 0, fmt.Errorf("%w: echo time %d out of range", ErrMalformedLine, us)
	}
	return (us*echoNumerator + echoDenominator/2) / echoDenominator, nil
}

// ParseLine classifies one device line. Readings that are not positive
// integers, and fan echoes other than ON/OFF, return an error wrapping
// ErrMalformedLine. Unknown prefixes are not an error.
func ParseLine(raw string) (Event, error) {
	line := strings.TrimSpace(raw)
	ev := Event{Line: line}

	switch {
	case strings.HasPrefix(line, PrefixDistance):
		cm, err := parsePositive(line[len(PrefixDistance):])
		if err != nil {
			return ev, err
		}
		ev.Kind = KindReading
		ev.Reading = Reading{Distance: cm}

	case strings.HasPrefix(line, PrefixTime):
		us, err := parsePositive(line[len(PrefixTime):])
		if err != nil {
			return ev, err
		}
		cm, err := DistanceFromEchoTime(us)
		if err != nil {
			return ev, err
		}
		if cm == 0 {
			return ev, fmt.Errorf("%w: echo time %dµs rounds to 0cm", ErrMalformedLine, us)
		}
		ev.Kind = KindReading
		ev.Reading = Reading{Distance: cm, RawTime: &us}

	case strings.HasPrefix(line, PrefixFan):
		status := state.FanStatus(strings.TrimSpace(line[len(PrefixFan):]))
		if !status.Valid() {
			return ev, fmt.Errorf("%w: fan status %q", ErrMalformedLine, status)
		}
		ev.Kind = KindFanEcho
		ev.Fan = status

	case strings.HasPrefix(line, PrefixMode):
		ev.Kind = KindModeEcho
		ev.Payload = strings.TrimSpace(line[len(PrefixMode):])

	case strings.HasPrefix(line, PrefixSystem):
		ev.Kind = KindNotice
		ev.Payload = strings.TrimSpace(line[len(PrefixSystem):])

	default:
		ev.Kind = KindUnrecognized
	}

	return ev, nil
}

func parsePositive(payload string) (int, error) {
	payload = strings.TrimSpace(payload)
	v, err := strconv.Atoi(payload)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not an integer", ErrMalformedLine, payload)
	}
	if v <= 0 {
		return 0, fmt.Errorf("%w: reading %d must be positive", ErrMalformedLine, v)
	}
	return v, nil
}

// =============================================================================
// Bridge → Device commands
// =============================================================================

// Command is an outbound device command. Fan control is always sent as a
// single two-byte burst; the firmware treats the F prefix and the following
// digit as one command.
type Command string

const (
	CmdManual Command = "M"  // enter MANUAL
	CmdAuto   Command = "O"  // enter AUTO (override)
	CmdFanOn  Command = "F1" // fan ON
	CmdFanOff Command = "F0" // fan OFF
)

// FanCommand returns the command that drives the fan to status.
func FanCommand(status state.FanStatus) Command {
	if status == state.FanOn {
		return CmdFanOn
	}
	return CmdFanOff
}

// ModeCommand returns the command that selects mode on the device.
func ModeCommand(mode state.Mode) Command {
	if mode == state.ModeManual {
		return CmdManual
	}
	return CmdAuto
}

// Bytes returns the wire bytes of c.
func (c Command) Bytes() []byte {
	return []byte(c)
}
