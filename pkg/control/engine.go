// Package control implements the fan control policy.
//
// The Engine is the only writer of the state store. Every inbound event
// (device line, operator request, detection signal) runs the same sequence
// under one mutex: read the current state, decide, emit the device command,
// write the state, broadcast. Commands are edge-triggered: the fan command
// is sent only when the decided status differs from the current one.
//
// Policy (AUTO mode): the fan is ON when a person is detected and the last
// valid distance is at or below the threshold, OFF otherwise. No decision is
// made before the first valid distance. In MANUAL mode only SetFan changes
// the fan status; readings and detections are recorded but never act.
package control

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/teslashibe/fanbridge/internal/log"
	"github.com/teslashibe/fanbridge/pkg/protocol"
	"github.com/teslashibe/fanbridge/pkg/state"
)

// CommandSender delivers commands to the device. Send must not block;
// a failed send is logged by the engine and never retried.
type CommandSender interface {
	Send(cmd protocol.Command) error
}

// Detection is a presence signal from an external detector.
type Detection struct {
	Detected   bool
	Confidence *float64   // optional, logged only
	Timestamp  *time.Time // optional, overrides the mutation time
}

// Stats contains engine counters.
type Stats struct {
	LinesReceived  uint64 `json:"lines_received"`
	LinesMalformed uint64 `json:"lines_malformed"`
	CommandsSent   uint64 `json:"commands_sent"`
	CommandsFailed uint64 `json:"commands_failed"`
	StateUpdates   uint64 `json:"state_updates"`
}

// Engine applies events to the state store.
type Engine struct {
	mu     sync.Mutex
	store  *state.Store
	link   CommandSender
	cfg    Config
	now    func() time.Time
	logger *slog.Logger

	linesReceived  atomic.Uint64
	linesMalformed atomic.Uint64
	commandsSent   atomic.Uint64
	commandsFailed atomic.Uint64
	stateUpdates   atomic.Uint64
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock sets the time source used for state timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// New creates an engine over store. link may be nil, in which case every
// command is dropped as if the device were disconnected. An invalid cfg is
// replaced by DefaultConfig.
func New(store *state.Store, link CommandSender, cfg Config, opts ...Option) *Engine {
	e := &Engine{
		store: store,
		link:  link,
		cfg:   cfg,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = log.Component("control")
	}
	if err := cfg.Validate(); err != nil {
		e.logger.Warn("invalid control config, using defaults", "error", err)
		e.cfg = DefaultConfig()
	}
	return e
}

// State returns the current state snapshot.
func (e *Engine) State() state.SystemState {
	return e.store.Snapshot()
}

// Config returns the current policy.
func (e *Engine) Config() Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg
}

// UpdateConfig applies a partial policy change. The new values are used from
// the next reading or detection on; the fan is not re-evaluated immediately.
func (e *Engine) UpdateConfig(p ConfigPatch) (Config, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	next := p.apply(e.cfg)
	if err := next.Validate(); err != nil {
		return e.cfg, err
	}
	e.cfg = next
	e.logger.Info("control config updated",
		"distance_threshold", next.DistanceThreshold,
		"hysteresis", next.Hysteresis)
	return next, nil
}

// HandleLine parses one device line and applies it. Malformed and
// unrecognized lines are logged and dropped.
func (e *Engine) HandleLine(line string) {
	e.linesReceived.Add(1)

	ev, err := protocol.ParseLine(line)
	if err != nil {
		e.linesMalformed.Add(1)
		e.logger.Debug("discarding device line", "line", ev.Line, "error", err)
		return
	}

	switch ev.Kind {
	case protocol.KindReading:
		e.ApplyReading(ev.Reading)
	case protocol.KindFanEcho:
		e.ApplyFanEcho(ev.Fan)
	case protocol.KindModeEcho:
		// The bridge owns the mode; applying the echo would let the device
		// revert an operator's choice.
		e.logger.Info("ignoring device mode echo", "payload", ev.Payload)
	case protocol.KindNotice:
		e.logger.Info("device notice", "message", ev.Payload)
	default:
		e.logger.Debug("unrecognized device line", "line", ev.Line)
	}
}

// Consume applies lines until ctx is done or lines is closed.
func (e *Engine) Consume(ctx context.Context, lines <-chan string) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			e.HandleLine(line)
		}
	}
}

// ApplyReading records a valid distance and, in AUTO mode, re-evaluates the
// fan. Non-positive distances are ignored.
func (e *Engine) ApplyReading(r protocol.Reading) {
	if r.Distance <= 0 {
		e.logger.Debug("ignoring sentinel reading", "distance", r.Distance)
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	next := e.store.Snapshot()
	next.Distance = r.Distance
	next.RawSensorTime = nil
	if r.RawTime != nil {
		raw := *r.RawTime
		next.RawSensorTime = &raw
	}
	e.reconcileLocked(&next, "reading")
	e.commitLocked(e.now(), next)
}

// ApplyFanEcho records the fan status reported by the device. The device is
// the ground truth for what the fan is actually doing, in either mode.
func (e *Engine) ApplyFanEcho(status state.FanStatus) {
	if !status.Valid() {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	next := e.store.Snapshot()
	if next.FanStatus != status {
		e.logger.Info("device reported fan status", "fan", status, "previous", next.FanStatus)
	}
	next.FanStatus = status
	e.commitLocked(e.now(), next)
}

// ApplyDetection records a presence signal and, in AUTO mode with a valid
// distance, re-evaluates the fan.
func (e *Engine) ApplyDetection(d Detection) {
	e.mu.Lock()
	defer e.mu.Unlock()

	next := e.store.Snapshot()
	next.HumanDetected = d.Detected
	if d.Confidence != nil {
		e.logger.Debug("detection signal", "detected", d.Detected, "confidence", *d.Confidence)
	}

	if next.Mode == state.ModeManual {
		e.logger.Debug("detection recorded, fan control suppressed in MANUAL mode",
			"detected", d.Detected)
	} else {
		e.reconcileLocked(&next, "detection")
	}

	at := e.now()
	if d.Timestamp != nil {
		at = *d.Timestamp
	}
	e.commitLocked(at, next)
}

// SetMode switches between AUTO and MANUAL and tells the device. The fan
// status is left as it is.
func (e *Engine) SetMode(mode state.Mode) error {
	if !mode.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidMode, mode)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	next := e.store.Snapshot()
	e.sendLocked(protocol.ModeCommand(mode))
	e.logger.Info("mode changed", "mode", mode, "previous", next.Mode)
	next.Mode = mode
	e.commitLocked(e.now(), next)
	return nil
}

// SetFan drives the fan directly. Only allowed in MANUAL mode. The command is
// always sent, even when the fan already has the requested status.
func (e *Engine) SetFan(action state.FanStatus) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	next := e.store.Snapshot()
	if next.Mode != state.ModeManual {
		return ErrNotManual
	}
	if !action.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidAction, action)
	}

	e.sendLocked(protocol.FanCommand(action))
	e.logger.Info("manual fan control", "fan", action)
	next.FanStatus = action
	e.commitLocked(e.now(), next)
	return nil
}

// Stats returns engine counters.
func (e *Engine) Stats() Stats {
	return Stats{
		LinesReceived:  e.linesReceived.Load(),
		LinesMalformed: e.linesMalformed.Load(),
		CommandsSent:   e.commandsSent.Load(),
		CommandsFailed: e.commandsFailed.Load(),
		StateUpdates:   e.stateUpdates.Load(),
	}
}

// decide returns the fan status the AUTO policy wants for s, and false when
// the policy does not apply (MANUAL mode, or no valid distance yet).
func (e *Engine) decide(s state.SystemState) (state.FanStatus, bool) {
	if s.Mode != state.ModeAuto || !s.HasDistance() {
		return "", false
	}
	if s.HumanDetected && s.Distance <= e.cfg.DistanceThreshold {
		return state.FanOn, true
	}
	return state.FanOff, true
}

// reconcileLocked applies the policy to next, sending a fan command only when
// the decision differs from the current status.
func (e *Engine) reconcileLocked(next *state.SystemState, cause string) {
	want, ok := e.decide(*next)
	if !ok || want == next.FanStatus {
		return
	}

	e.sendLocked(protocol.FanCommand(want))
	e.logger.Info("auto fan decision",
		"fan", want,
		"cause", cause,
		"detected", next.HumanDetected,
		"distance_cm", next.Distance,
		"threshold_cm", e.cfg.DistanceThreshold)
	next.FanStatus = want
}

func (e *Engine) sendLocked(cmd protocol.Command) {
	if e.link == nil {
		e.commandsFailed.Add(1)
		e.logger.Warn("no device link, dropping command", "command", cmd)
		return
	}
	if err := e.link.Send(cmd); err != nil {
		e.commandsFailed.Add(1)
		e.logger.Warn("device command dropped", "command", cmd, "error", err)
		return
	}
	e.commandsSent.Add(1)
	e.logger.Debug("sent device command", "command", cmd)
}

func (e *Engine) commitLocked(at time.Time, next state.SystemState) {
	e.store.Update(at, func(s *state.SystemState) {
		*s = next
	})
	e.stateUpdates.Add(1)
}
