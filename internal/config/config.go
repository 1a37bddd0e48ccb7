// Package config holds fanbridge configuration.
// Flag parsing is done in cmd/; this package is data, file loading and
// environment overrides only.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/teslashibe/fanbridge/pkg/control"
)

// Default configuration values.
const (
	DefaultPort       = 3001
	DefaultSerialPort = "/dev/ttyUSB0"
	DefaultBaudRate   = 9600
	DefaultMQTTTopic  = "fanbridge/state"
	DefaultKafkaTopic = "fanbridge.state"
)

// Device transports.
const (
	TransportSerial    = "serial"
	TransportWebSocket = "websocket"
	TransportNone      = "none"
)

// Config is the bridge configuration.
type Config struct {
	HTTP      HTTPConfig      `yaml:"http"`
	Device    DeviceConfig    `yaml:"device"`
	Control   control.Config  `yaml:"control"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Log       LogConfig       `yaml:"log"`
}

// HTTPConfig configures the request surface.
type HTTPConfig struct {
	Port            int           `yaml:"port"`
	AllowOrigins    string        `yaml:"allow_origins"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	RequestLog      bool          `yaml:"request_log"`
}

// DeviceConfig configures the device link.
type DeviceConfig struct {
	Transport string `yaml:"transport"` // serial, websocket or none
	Port      string `yaml:"port"`
	BaudRate  int    `yaml:"baud_rate"`
	QueueSize int    `yaml:"queue_size"`
}

// TelemetryConfig configures the optional state sinks. A sink with no
// broker is disabled.
type TelemetryConfig struct {
	MQTTBroker   string   `yaml:"mqtt_broker"`
	MQTTTopic    string   `yaml:"mqtt_topic"`
	MQTTClientID string   `yaml:"mqtt_client_id"`
	KafkaBrokers []string `yaml:"kafka_brokers"`
	KafkaTopic   string   `yaml:"kafka_topic"`
	QueueSize    int      `yaml:"queue_size"`
}

// LogConfig configures internal/log.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the default bridge configuration.
func Default() Config {
	return Config{
		HTTP: HTTPConfig{
			Port:            DefaultPort,
			AllowOrigins:    "*",
			ShutdownTimeout: 5 * time.Second,
		},
		Device: DeviceConfig{
			Transport: TransportSerial,
			Port:      DefaultSerialPort,
			BaudRate:  DefaultBaudRate,
			QueueSize: 16,
		},
		Control: control.DefaultConfig(),
		Telemetry: TelemetryConfig{
			MQTTTopic:    DefaultMQTTTopic,
			MQTTClientID: "fanbridge",
			KafkaTopic:   DefaultKafkaTopic,
			QueueSize:    64,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load returns the defaults overlaid with the YAML file at path.
// An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overrides values from environment variables. Unparseable numbers
// are reported and leave the current value in place.
func (c *Config) ApplyEnv() error {
	return c.applyEnv(os.Getenv)
}

func (c *Config) applyEnv(getenv func(string) string) error {
	var errs []error
	setInt := func(key string, dst *int) {
		v := getenv(key)
		if v == "" {
			return
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, &ConfigError{Field: key, Message: fmt.Sprintf("%s must be an integer, got %q", key, v)})
			return
		}
		*dst = n
	}
	setString := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}

	setInt("PORT", &c.HTTP.Port)
	setString("SERIAL_PORT", &c.Device.Port)
	setInt("BAUD_RATE", &c.Device.BaudRate)
	setString("DEVICE_TRANSPORT", &c.Device.Transport)
	setInt("DISTANCE_THRESHOLD", &c.Control.DistanceThreshold)
	setInt("HYSTERESIS", &c.Control.Hysteresis)
	setString("LOG_LEVEL", &c.Log.Level)
	setString("LOG_FORMAT", &c.Log.Format)
	setString("MQTT_BROKER", &c.Telemetry.MQTTBroker)
	setString("MQTT_TOPIC", &c.Telemetry.MQTTTopic)
	setString("KAFKA_TOPIC", &c.Telemetry.KafkaTopic)
	if v := getenv("KAFKA_BROKERS"); v != "" {
		c.Telemetry.KafkaBrokers = splitList(v)
	}

	return errors.Join(errs...)
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return &ConfigError{Field: "HTTP.Port", Message: fmt.Sprintf("port %d out of range", c.HTTP.Port)}
	}
	switch c.Device.Transport {
	case TransportSerial:
		if c.Device.Port == "" {
			return &ConfigError{Field: "Device.Port", Message: "serial port is required for the serial transport"}
		}
		if c.Device.BaudRate <= 0 {
			return &ConfigError{Field: "Device.BaudRate", Message: fmt.Sprintf("baud rate must be positive, got %d", c.Device.BaudRate)}
		}
	case TransportWebSocket, TransportNone:
	default:
		return &ConfigError{Field: "Device.Transport", Message: fmt.Sprintf("unknown transport %q, use serial, websocket or none", c.Device.Transport)}
	}
	if err := c.Control.Validate(); err != nil {
		return &ConfigError{Field: "Control", Message: err.Error()}
	}
	if c.Telemetry.MQTTBroker != "" && c.Telemetry.MQTTTopic == "" {
		return &ConfigError{Field: "Telemetry.MQTTTopic", Message: "mqtt topic is required when a broker is set"}
	}
	if len(c.Telemetry.KafkaBrokers) > 0 && c.Telemetry.KafkaTopic == "" {
		return &ConfigError{Field: "Telemetry.KafkaTopic", Message: "kafka topic is required when brokers are set"}
	}
	return nil
}

// Addr returns the HTTP listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.HTTP.Port)
}

// ConfigError represents a configuration validation error.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return "config: " + e.Message
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
