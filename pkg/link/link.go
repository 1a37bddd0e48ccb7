// Package link connects the bridge to the device.
//
// A link delivers newline-delimited device lines on Lines and accepts
// commands through Send. Send never blocks: commands are queued for a
// writer goroutine and rejected when no device is attached or the queue
// is full. Two transports exist, a serial port and a device dialing in
// over WebSocket.
package link

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/teslashibe/fanbridge/pkg/protocol"
)

// Errors returned by Send.
var (
	ErrNotConnected = errors.New("link: device not connected")
	ErrQueueFull    = errors.New("link: command queue full")
)

// DefaultQueueSize is the command queue depth when none is configured.
const DefaultQueueSize = 16

// Link is a device connection.
type Link interface {
	// Send queues cmd for the device.
	Send(cmd protocol.Command) error
	// Lines delivers device lines with the trailing newline removed.
	// The channel is never closed; consumers stop on their own context.
	Lines() <-chan string
	// Connected reports whether a device is attached.
	Connected() bool
	// Transport names the transport ("serial", "websocket").
	Transport() string
	// Close detaches the device.
	Close() error
}

// Stats contains link counters.
type Stats struct {
	Connected       bool   `json:"connected"`
	Connections     uint64 `json:"connections"`
	LinesRead       uint64 `json:"lines_read"`
	CommandsWritten uint64 `json:"commands_written"`
	WriteErrors     uint64 `json:"write_errors"`
}

// stream pumps lines and commands over whichever io.ReadWriteCloser is
// currently attached. At most one device is attached at a time.
type stream struct {
	lines    chan string
	commands chan protocol.Command
	logger   *slog.Logger

	mu     sync.Mutex
	active *session
	gen    uint64

	connections     atomic.Uint64
	linesRead       atomic.Uint64
	commandsWritten atomic.Uint64
	writeErrors     atomic.Uint64
}

type session struct {
	id   uint64
	rw   io.ReadWriteCloser
	done chan struct{}
}

func newStream(queueSize int, logger *slog.Logger) *stream {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &stream{
		lines:    make(chan string, 64),
		commands: make(chan protocol.Command, queueSize),
		logger:   logger,
	}
}

func (s *stream) Send(cmd protocol.Command) error {
	if !s.Connected() {
		return ErrNotConnected
	}
	select {
	case s.commands <- cmd:
		return nil
	default:
		return ErrQueueFull
	}
}

func (s *stream) Lines() <-chan string {
	return s.lines
}

func (s *stream) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active != nil
}

func (s *stream) stats() Stats {
	return Stats{
		Connected:       s.Connected(),
		Connections:     s.connections.Load(),
		LinesRead:       s.linesRead.Load(),
		CommandsWritten: s.commandsWritten.Load(),
		WriteErrors:     s.writeErrors.Load(),
	}
}

// attach makes rw the active device, closing any previous one.
func (s *stream) attach(rw io.ReadWriteCloser) *session {
	s.mu.Lock()
	prev := s.active
	s.gen++
	sess := &session{id: s.gen, rw: rw, done: make(chan struct{})}
	s.active = sess
	s.mu.Unlock()

	if prev != nil {
		s.logger.Info("replacing attached device", "previous", prev.id, "session", sess.id)
		prev.rw.Close()
	}

	// Commands queued for a previous device are stale.
drain:
	for {
		select {
		case cmd := <-s.commands:
			s.logger.Debug("discarding stale command", "command", cmd)
		default:
			break drain
		}
	}

	s.connections.Add(1)
	return sess
}

// detach clears sess if it is still the active device.
func (s *stream) detach(sess *session) {
	s.mu.Lock()
	if s.active == sess {
		s.active = nil
	}
	s.mu.Unlock()
	sess.rw.Close()
}

// closeActive closes the attached device, if any.
func (s *stream) closeActive() error {
	s.mu.Lock()
	sess := s.active
	s.active = nil
	s.mu.Unlock()
	if sess == nil {
		return nil
	}
	return sess.rw.Close()
}

// serve attaches rw and pumps it until it fails or ctx is done.
// It returns nil on a clean EOF or cancellation. No goroutine touches rw
// once serve has returned.
func (s *stream) serve(ctx context.Context, rw io.ReadWriteCloser) error {
	sess := s.attach(rw)
	defer s.detach(sess)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		<-ctx.Done()
		rw.Close()
	}()
	go func() {
		defer wg.Done()
		s.writeLoop(ctx, sess)
	}()

	err := s.readLoop(ctx, sess)
	stopped := ctx.Err() != nil
	close(sess.done)
	cancel()
	wg.Wait()

	s.mu.Lock()
	superseded := s.active != sess
	s.mu.Unlock()
	if superseded || stopped || errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func (s *stream) readLoop(ctx context.Context, sess *session) error {
	scan := bufio.NewScanner(sess.rw)
	for scan.Scan() {
		line := scan.Text()
		if line == "" {
			continue
		}
		s.linesRead.Add(1)
		select {
		case s.lines <- line:
		case <-ctx.Done():
			return nil
		}
	}
	if err := scan.Err(); err != nil {
		return err
	}
	return io.EOF
}

func (s *stream) writeLoop(ctx context.Context, sess *session) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sess.done:
			return
		case cmd := <-s.commands:
			if _, err := sess.rw.Write(cmd.Bytes()); err != nil {
				s.writeErrors.Add(1)
				s.logger.Warn("device write failed", "command", cmd, "session", sess.id, "error", err)
				continue
			}
			s.commandsWritten.Add(1)
		}
	}
}

var (
	_ Link = (*Serial)(nil)
	_ Link = (*WebSocket)(nil)
)
