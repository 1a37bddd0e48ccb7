package web

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/teslashibe/fanbridge/pkg/control"
	"github.com/teslashibe/fanbridge/pkg/protocol"
	"github.com/teslashibe/fanbridge/pkg/state"
)

// errMissingDetected rejects a vision update without humanDetected.
var errMissingDetected = errors.New("humanDetected is required")

// handleStatus returns the current state
func (s *Server) handleStatus(c *fiber.Ctx) error {
	return c.JSON(s.ctrl.State())
}

// handleMode switches between AUTO and MANUAL
func (s *Server) handleMode(c *fiber.Ctx) error {
	var req protocol.ModeRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, err)
	}
	if err := s.ctrl.SetMode(state.Mode(req.Mode)); err != nil {
		return badRequest(c, err)
	}
	return c.JSON(fiber.Map{
		"success": true,
		"mode":    req.Mode,
	})
}

// handleFan drives the fan in MANUAL mode
func (s *Server) handleFan(c *fiber.Ctx) error {
	var req protocol.FanRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, err)
	}
	if err := s.ctrl.SetFan(state.FanStatus(req.Action)); err != nil {
		return badRequest(c, err)
	}
	return c.JSON(fiber.Map{
		"success":   true,
		"fanStatus": req.Action,
	})
}

// handleVisionUpdate accepts a detection signal from an external detector
func (s *Server) handleVisionUpdate(c *fiber.Ctx) error {
	var req protocol.VisionUpdate
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, err)
	}
	d, err := detectionFrom(req)
	if err != nil {
		return badRequest(c, err)
	}
	s.ctrl.ApplyDetection(d)
	return c.JSON(fiber.Map{"success": true})
}

// handleGetConfig returns the control policy
func (s *Server) handleGetConfig(c *fiber.Ctx) error {
	return c.JSON(s.ctrl.Config())
}

// handleUpdateConfig applies a partial policy change
func (s *Server) handleUpdateConfig(c *fiber.Ctx) error {
	var patch control.ConfigPatch
	if err := c.BodyParser(&patch); err != nil {
		return badRequest(c, err)
	}
	cfg, err := s.ctrl.UpdateConfig(patch)
	if err != nil {
		return badRequest(c, err)
	}
	return c.JSON(fiber.Map{
		"success": true,
		"config":  cfg,
	})
}

// handleHealth reports liveness and device link status
func (s *Server) handleHealth(c *fiber.Ctx) error {
	open, transport := false, "none"
	if s.device != nil {
		open, transport = s.device.Connected(), s.device.Transport()
	}
	return c.JSON(fiber.Map{
		"status":         "ok",
		"version":        s.cfg.Version,
		"serialPortOpen": open,
		"transport":      transport,
		"subscribers":    s.hub.ClientCount(),
		"timestamp":      time.Now().UnixMilli(),
	})
}

// handleMetrics writes counters in the Prometheus text format
func (s *Server) handleMetrics(c *fiber.Ctx) error {
	st := s.ctrl.State()
	es := s.ctrl.Stats()
	hs := s.hub.GetStats()

	var b strings.Builder
	gauge(&b, "fanbridge_distance_cm", "Last valid distance reading", st.Distance)
	gauge(&b, "fanbridge_fan_on", "Fan status (1 = ON)", boolInt(st.FanStatus == state.FanOn))
	gauge(&b, "fanbridge_human_detected", "Presence detection flag", boolInt(st.HumanDetected))
	gauge(&b, "fanbridge_mode_manual", "Control mode (1 = MANUAL)", boolInt(st.Mode == state.ModeManual))
	gauge(&b, "fanbridge_device_connected", "Device link attached", boolInt(s.device != nil && s.device.Connected()))
	gauge(&b, "fanbridge_subscribers", "Connected WebSocket subscribers", hs.Clients)
	counter(&b, "fanbridge_device_lines_total", "Device lines received", es.LinesReceived)
	counter(&b, "fanbridge_device_lines_malformed_total", "Device lines discarded as malformed", es.LinesMalformed)
	counter(&b, "fanbridge_commands_sent_total", "Device commands queued", es.CommandsSent)
	counter(&b, "fanbridge_commands_failed_total", "Device commands dropped", es.CommandsFailed)
	counter(&b, "fanbridge_state_updates_total", "State mutations broadcast", es.StateUpdates)
	counter(&b, "fanbridge_ws_messages_sent_total", "WebSocket messages sent", hs.MessagesSent)
	counter(&b, "fanbridge_ws_messages_received_total", "WebSocket messages received", hs.MessagesReceived)
	counter(&b, "fanbridge_ws_slow_clients_total", "Subscribers dropped for falling behind", hs.SlowClients)
	if s.LinkStats != nil {
		ls := s.LinkStats()
		counter(&b, "fanbridge_link_connections_total", "Device connections", ls.Connections)
		counter(&b, "fanbridge_link_write_errors_total", "Device write errors", ls.WriteErrors)
	}
	if s.TelemetryStats != nil {
		ts := s.TelemetryStats()
		counter(&b, "fanbridge_telemetry_published_total", "State events published to sinks", ts.Published)
		counter(&b, "fanbridge_telemetry_failed_total", "State events that failed to publish", ts.Failed)
		counter(&b, "fanbridge_telemetry_dropped_total", "State events dropped on a full queue", ts.Dropped)
	}

	c.Set(fiber.HeaderContentType, "text/plain; version=0.0.4")
	return c.SendString(b.String())
}

func gauge(b *strings.Builder, name, help string, v int) {
	fmt.Fprintf(b, "# HELP %s %s\n# TYPE %s gauge\n%s %d\n\n", name, help, name, name, v)
}

func counter(b *strings.Builder, name, help string, v uint64) {
	fmt.Fprintf(b, "# HELP %s %s\n# TYPE %s counter\n%s %d\n\n", name, help, name, name, v)
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

// detectionFrom converts a wire vision update to an engine detection.
func detectionFrom(u protocol.VisionUpdate) (control.Detection, error) {
	if u.HumanDetected == nil {
		return control.Detection{}, errMissingDetected
	}
	d := control.Detection{
		Detected:   *u.HumanDetected,
		Confidence: u.Confidence,
	}
	if u.Timestamp != nil && *u.Timestamp > 0 {
		at := time.UnixMilli(*u.Timestamp)
		d.Timestamp = &at
	}
	return d, nil
}

func badRequest(c *fiber.Ctx, err error) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
		"success": false,
		"error":   err.Error(),
	})
}
