// Package state holds the single authoritative record of the fan system.
//
// The Store is the only owner of SystemState. Callers read through Snapshot
// and write through Update; every Update produces exactly one broadcast of
// the full state.
package state

import (
	"sync"
	"time"
)

// FanStatus is the actuator status.
type FanStatus string

const (
	FanOn  FanStatus = "ON"
	FanOff FanStatus = "OFF"
)

// Valid reports whether s is ON or OFF.
func (s FanStatus) Valid() bool {
	return s == FanOn || s == FanOff
}

// Mode selects who may change the fan status.
type Mode string

const (
	// ModeAuto lets the control engine drive the fan from distance and detection.
	ModeAuto Mode = "AUTO"
	// ModeManual leaves the fan to explicit operator commands.
	ModeManual Mode = "MANUAL"
)

// Valid reports whether m is AUTO or MANUAL.
func (m Mode) Valid() bool {
	return m == ModeAuto || m == ModeManual
}

// SystemState is the state pushed to every subscriber.
type SystemState struct {
	Distance      int       `json:"distance"`                // cm, 0 = no valid reading yet
	RawSensorTime *int      `json:"rawSensorTime,omitempty"` // µs, only for TIME: readings
	FanStatus     FanStatus `json:"fanStatus"`
	HumanDetected bool      `json:"humanDetected"`
	Mode          Mode      `json:"mode"`
	Timestamp     int64     `json:"timestamp"` // Unix milliseconds of the last mutation
}

// UpdatedAt returns Timestamp as a time.Time.
func (s SystemState) UpdatedAt() time.Time {
	return time.UnixMilli(s.Timestamp)
}

// HasDistance reports whether a valid reading has been recorded.
func (s SystemState) HasDistance() bool {
	return s.Distance > 0
}

// clone copies s, including the optional raw time.
func (s SystemState) clone() SystemState {
	if s.RawSensorTime != nil {
		v := *s.RawSensorTime
		s.RawSensorTime = &v
	}
	return s
}

// Initial returns the power-on state.
func Initial(now time.Time) SystemState {
	return SystemState{
		Distance:      0,
		FanStatus:     FanOff,
		HumanDetected: false,
		Mode:          ModeAuto,
		Timestamp:     now.UnixMilli(),
	}
}

// Broadcaster receives the full state after every mutation.
// Implementations must not block.
type Broadcaster interface {
	BroadcastState(SystemState)
}

// BroadcasterFunc adapts a function to Broadcaster.
type BroadcasterFunc func(SystemState)

// BroadcastState calls f(s).
func (f BroadcasterFunc) BroadcastState(s SystemState) {
	f(s)
}

// Broadcasters fans a state out to several targets in order.
type Broadcasters []Broadcaster

// BroadcastState forwards s to every non-nil target.
func (bs Broadcasters) BroadcastState(s SystemState) {
	for _, b := range bs {
		if b != nil {
			b.BroadcastState(s.clone())
		}
	}
}

// Store holds SystemState with synchronization.
// Use the provided methods; callers never take the lock directly.
type Store struct {
	mu    sync.RWMutex
	state SystemState
	out   Broadcaster
}

// NewStore creates a store holding the power-on state.
// out may be nil, in which case updates are not broadcast.
func NewStore(now time.Time, out Broadcaster) *Store {
	return &Store{
		state: Initial(now),
		out:   out,
	}
}

// Snapshot returns a copy safe for concurrent use.
func (s *Store) Snapshot() SystemState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.clone()
}

// Update applies fn to the state, stamps the mutation time, and broadcasts
// the result. It returns the new snapshot.
func (s *Store) Update(at time.Time, fn func(*SystemState)) SystemState {
	s.mu.Lock()
	fn(&s.state)
	s.state.Timestamp = at.UnixMilli()
	snap := s.state.clone()
	out := s.out
	s.mu.Unlock()

	if out != nil {
		out.BroadcastState(snap)
	}
	return snap
}
