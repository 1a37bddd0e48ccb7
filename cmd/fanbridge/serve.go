package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/teslashibe/fanbridge/internal/config"
	"github.com/teslashibe/fanbridge/internal/log"
	"github.com/teslashibe/fanbridge/pkg/control"
	"github.com/teslashibe/fanbridge/pkg/hub"
	"github.com/teslashibe/fanbridge/pkg/link"
	"github.com/teslashibe/fanbridge/pkg/state"
	"github.com/teslashibe/fanbridge/pkg/telemetry"
	"github.com/teslashibe/fanbridge/pkg/web"
)

// serveOptions holds flags for the serve command. Only flags set on the
// command line override the file and environment.
type serveOptions struct {
	configPath string
	port       int
	serialPort string
	baudRate   int
	transport  string
	threshold  int
	debug      bool
	logLevel   string
	logFormat  string
}

func newServeCommand() *cobra.Command {
	opts := &serveOptions{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the bridge",
		Long: `Run the bridge: open the device link, serve the HTTP API on /api and the
state stream on /ws.

Settings come from, highest priority first: flags, environment
(PORT, SERIAL_PORT, BAUD_RATE, DEVICE_TRANSPORT, DISTANCE_THRESHOLD,
HYSTERESIS, LOG_LEVEL, LOG_FORMAT, MQTT_BROKER, MQTT_TOPIC, KAFKA_BROKERS,
KAFKA_TOPIC), the --config file, defaults.

Example:
  fanbridge serve --serial-port /dev/ttyACM0 --threshold 80
  fanbridge serve --transport websocket --debug`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load(cmd.Flags())
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}

	opts.bindFlags(cmd.Flags())

	return cmd
}

func (o *serveOptions) bindFlags(f *pflag.FlagSet) {
	f.StringVarP(&o.configPath, "config", "c", "", "YAML config file")
	f.IntVarP(&o.port, "port", "p", config.DefaultPort, "HTTP port")
	f.StringVar(&o.serialPort, "serial-port", config.DefaultSerialPort, "serial device path")
	f.IntVar(&o.baudRate, "baud", config.DefaultBaudRate, "serial baud rate")
	f.StringVar(&o.transport, "transport", config.TransportSerial, "device transport: serial, websocket, none")
	f.IntVar(&o.threshold, "threshold", control.DefaultDistanceThreshold, "distance threshold in cm")
	f.BoolVar(&o.debug, "debug", false, "debug logging and request log")
	f.StringVar(&o.logLevel, "log-level", "info", "log level: debug, info, warn, error")
	f.StringVar(&o.logFormat, "log-format", "", "log format: text, json")
}

// load builds the configuration: defaults, file, environment, then flags.
func (o *serveOptions) load(flags *pflag.FlagSet) (config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return cfg, err
	}
	if err := cfg.ApplyEnv(); err != nil {
		return cfg, err
	}
	o.apply(flags, &cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (o *serveOptions) apply(flags *pflag.FlagSet, cfg *config.Config) {
	if flags.Changed("port") {
		cfg.HTTP.Port = o.port
	}
	if flags.Changed("serial-port") {
		cfg.Device.Port = o.serialPort
	}
	if flags.Changed("baud") {
		cfg.Device.BaudRate = o.baudRate
	}
	if flags.Changed("transport") {
		cfg.Device.Transport = o.transport
	}
	if flags.Changed("threshold") {
		cfg.Control.DistanceThreshold = o.threshold
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = o.logLevel
	}
	if flags.Changed("log-format") {
		cfg.Log.Format = o.logFormat
	}
	if o.debug {
		cfg.Log.Level = "debug"
		cfg.HTTP.RequestLog = true
	}
}

// device is a link the process runs and reports on.
type device interface {
	link.Link
	Run(ctx context.Context) error
	Stats() link.Stats
}

func serve(ctx context.Context, cfg config.Config) error {
	log.Init(cfg.Log.Level, cfg.Log.Format)
	logger := log.Component("main")

	var dev device
	var wsLink *link.WebSocket
	switch cfg.Device.Transport {
	case config.TransportSerial:
		dev = link.NewSerial(link.SerialConfig{
			Port:      cfg.Device.Port,
			BaudRate:  cfg.Device.BaudRate,
			QueueSize: cfg.Device.QueueSize,
		})
	case config.TransportWebSocket:
		wsLink = link.NewWebSocket(cfg.Device.QueueSize)
		dev = wsLink
	}

	h := hub.New("state")
	pub := telemetry.NewPublisher(hostname(), cfg.Telemetry.QueueSize, sinks(cfg.Telemetry, logger)...)

	out := state.Broadcasters{h}
	if pub.Enabled() {
		out = append(out, pub)
	}
	store := state.NewStore(time.Now(), out)

	// Interfaces stay nil when no device is configured.
	var sender control.CommandSender
	var webDevice web.Device
	if dev != nil {
		sender = dev
		webDevice = dev
	}
	engine := control.New(store, sender, cfg.Control)

	srv := web.NewServer(engine, h, webDevice, web.Config{
		Version:      version,
		AllowOrigins: cfg.HTTP.AllowOrigins,
		RequestLog:   cfg.HTTP.RequestLog,
	})
	if dev != nil {
		srv.LinkStats = dev.Stats
	}
	if pub.Enabled() {
		srv.TelemetryStats = pub.Stats
	}
	if wsLink != nil {
		wsLink.RegisterRoutes(srv.App())
	}

	var wg sync.WaitGroup
	run := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil && ctx.Err() == nil {
				logger.Error(name+" stopped", "error", err)
			}
		}()
	}

	run("hub", func(ctx context.Context) error {
		h.Run(ctx)
		return nil
	})
	if pub.Enabled() {
		run("telemetry", pub.Run)
	}
	if dev != nil {
		run("engine", func(ctx context.Context) error {
			return engine.Consume(ctx, dev.Lines())
		})
		run("device link", dev.Run)
	}

	listenErr := make(chan error, 1)
	go func() {
		listenErr <- srv.Listen(cfg.Addr())
	}()

	logger.Info("fanbridge started",
		"version", version,
		"addr", cfg.Addr(),
		"transport", cfg.Device.Transport,
		"serial_port", cfg.Device.Port,
		"threshold_cm", cfg.Control.DistanceThreshold)

	var err error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err = <-listenErr:
		err = fmt.Errorf("listen %s: %w", cfg.Addr(), err)
	}

	if dev != nil {
		if cerr := dev.Close(); cerr != nil {
			logger.Warn("device close failed", "error", cerr)
		}
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		logger.Warn("http shutdown failed", "error", serr)
	}

	if err == nil {
		wg.Wait()
		logger.Info("goodbye")
	}
	return err
}

// sinks connects the configured telemetry sinks. An unreachable MQTT broker
// disables that sink only.
func sinks(cfg config.TelemetryConfig, logger *slog.Logger) []telemetry.Sink {
	var out []telemetry.Sink
	if cfg.MQTTBroker != "" {
		sink, err := telemetry.NewMQTTSink(telemetry.MQTTConfig{
			Broker:   cfg.MQTTBroker,
			Topic:    cfg.MQTTTopic,
			ClientID: cfg.MQTTClientID,
			QoS:      1,
			Retained: true,
		})
		if err != nil {
			logger.Warn("mqtt sink disabled", "error", err)
		} else {
			out = append(out, sink)
			logger.Info("mqtt sink enabled", "broker", cfg.MQTTBroker, "topic", cfg.MQTTTopic)
		}
	}
	if len(cfg.KafkaBrokers) > 0 {
		out = append(out, telemetry.NewKafkaSink(telemetry.KafkaConfig{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.KafkaTopic,
			Key:     hostname(),
		}))
		logger.Info("kafka sink enabled", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)
	}
	return out
}

func hostname() string {
	name, err := os.Hostname()
	if err != nil || name == "" {
		return "fanbridge"
	}
	return name
}
