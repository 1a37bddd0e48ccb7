// Package web is the bridge's HTTP and WebSocket request surface.
package web

import (
	"context"
	"log/slog"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"

	"github.com/teslashibe/fanbridge/internal/log"
	"github.com/teslashibe/fanbridge/pkg/control"
	"github.com/teslashibe/fanbridge/pkg/hub"
	"github.com/teslashibe/fanbridge/pkg/link"
	"github.com/teslashibe/fanbridge/pkg/state"
	"github.com/teslashibe/fanbridge/pkg/telemetry"
)

// Controller is the control engine as seen by the request surface.
type Controller interface {
	State() state.SystemState
	Config() control.Config
	UpdateConfig(p control.ConfigPatch) (control.Config, error)
	SetMode(mode state.Mode) error
	SetFan(action state.FanStatus) error
	ApplyDetection(d control.Detection)
	Stats() control.Stats
}

// Device reports the device link status.
type Device interface {
	Connected() bool
	Transport() string
}

// Config configures the server.
type Config struct {
	AppName      string
	Version      string
	AllowOrigins string
	RequestLog   bool
}

// Server is the fiber application serving the bridge API.
type Server struct {
	app    *fiber.App
	ctrl   Controller
	hub    *hub.Hub
	device Device
	cfg    Config
	logger *slog.Logger

	// Optional counters for /metrics
	LinkStats      func() link.Stats
	TelemetryStats func() telemetry.Stats
}

// NewServer creates the server and registers its routes. device may be nil
// when the bridge runs without a device.
func NewServer(ctrl Controller, h *hub.Hub, device Device, cfg Config) *Server {
	if cfg.AppName == "" {
		cfg.AppName = "fanbridge"
	}
	if cfg.AllowOrigins == "" {
		cfg.AllowOrigins = "*"
	}

	s := &Server{
		ctrl:   ctrl,
		hub:    h,
		device: device,
		cfg:    cfg,
		logger: log.Component("web"),
	}

	app := fiber.New(fiber.Config{
		AppName:               cfg.AppName,
		DisableStartupMessage: true,
	})

	// Middleware
	app.Use(recover.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: cfg.AllowOrigins,
		AllowMethods: "GET,POST,OPTIONS",
		AllowHeaders: "Content-Type",
	}))
	if cfg.RequestLog {
		app.Use(logger.New())
	}

	// API routes
	api := app.Group("/api")
	api.Get("/status", s.handleStatus)
	api.Post("/mode", s.handleMode)
	api.Post("/fan", s.handleFan)
	api.Post("/vision-update", s.handleVisionUpdate)
	api.Get("/config", s.handleGetConfig)
	api.Post("/config", s.handleUpdateConfig)

	app.Get("/health", s.handleHealth)
	app.Get("/metrics", s.handleMetrics)

	// State subscription and control events
	app.Get("/ws", requireUpgrade, h.Handler())

	h.OnRegister(s.greet)
	h.OnMessage(s.handleClientMessage)

	s.app = app
	return s
}

// App returns the underlying fiber app so other components can mount routes.
func (s *Server) App() *fiber.App {
	return s.app
}

// Listen serves on addr until Shutdown.
func (s *Server) Listen(addr string) error {
	s.logger.Info("listening", "addr", addr)
	return s.app.Listen(addr)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

func (s *Server) greet() (hub.Message, bool) {
	msg, err := hub.StateMessage(s.ctrl.State())
	if err != nil {
		s.logger.Error("encode greeting", "error", err)
		return hub.Message{}, false
	}
	return msg, true
}

func requireUpgrade(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}
