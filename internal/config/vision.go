package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// MaxFPS bounds the relay sampling rate.
const MaxFPS = 120

// VisionConfig configures the camera relay (cmd/fan-vision). The keys match
// the vision_config.json files of earlier deployments; JSON is valid YAML, so
// those files load unchanged.
type VisionConfig struct {
	BridgeURL          string        `yaml:"dashboard_url"`
	CameraIndex        int           `yaml:"camera_index"`
	Width              int           `yaml:"frame_width"`
	Height             int           `yaml:"frame_height"`
	FPS                int           `yaml:"fps"`
	CascadePath        string        `yaml:"cascade_path"`
	CloseRangeFaceSize int           `yaml:"close_range_face_size"` // px, faces at least this large count as a person in range
	ReportInterval     time.Duration `yaml:"report_interval"`       // how often a detection is posted to the bridge
	ShowPreview        bool          `yaml:"show_preview"`
	Debug              bool          `yaml:"debug"`
}

// DefaultVision returns the relay defaults.
func DefaultVision() VisionConfig {
	return VisionConfig{
		BridgeURL:          fmt.Sprintf("http://localhost:%d", DefaultPort),
		CameraIndex:        0,
		Width:              640,
		Height:             480,
		FPS:                30,
		CascadePath:        "haarcascade_frontalface_default.xml",
		CloseRangeFaceSize: 100,
		ReportInterval:     500 * time.Millisecond,
	}
}

// LoadVision returns the relay defaults overlaid with the file at path.
// Keys missing from the file keep their defaults. An empty path returns the
// defaults.
func LoadVision(path string) (VisionConfig, error) {
	cfg := DefaultVision()
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

// Validate checks the relay configuration.
func (c *VisionConfig) Validate() error {
	if c.BridgeURL == "" {
		return &ConfigError{Field: "BridgeURL", Message: "bridge URL is required"}
	}
	if c.FPS <= 0 || c.FPS > MaxFPS {
		return &ConfigError{Field: "FPS", Message: fmt.Sprintf("fps must be between 1 and %d, got %d", MaxFPS, c.FPS)}
	}
	if c.Width <= 0 || c.Height <= 0 {
		return &ConfigError{Field: "Width", Message: fmt.Sprintf("frame size must be positive, got %dx%d", c.Width, c.Height)}
	}
	if c.CloseRangeFaceSize <= 0 {
		return &ConfigError{Field: "CloseRangeFaceSize", Message: "close range face size must be positive"}
	}
	if c.ReportInterval <= 0 {
		return &ConfigError{Field: "ReportInterval", Message: "report interval must be positive"}
	}
	return nil
}
