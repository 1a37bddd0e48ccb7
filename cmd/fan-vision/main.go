// fan-vision watches a camera for faces and reports presence to a running
// fanbridge.
//
// Usage:
//
//	fan-vision --bridge http://localhost:3001 --camera 0
//	fan-vision --cascade /usr/share/opencv4/haarcascades/haarcascade_frontalface_default.xml --debug
//	fan-vision --config vision_config.json --preview
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/teslashibe/fanbridge/internal/config"
	"github.com/teslashibe/fanbridge/internal/log"
	"github.com/teslashibe/fanbridge/pkg/vision"
	"github.com/teslashibe/fanbridge/pkg/vision/haar"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, err := parseFlags(args)
	if errors.Is(err, pflag.ErrHelp) {
		return nil
	}
	if err != nil {
		return err
	}

	level := "info"
	if cfg.Debug {
		level = "debug"
	}
	log.Init(level, "")
	logger := log.Component("main")

	camera, err := haar.Open(cfg)
	if err != nil {
		return err
	}
	defer camera.Close()
	logger.Info("camera opened",
		"index", cfg.CameraIndex,
		"size", fmt.Sprintf("%dx%d", cfg.Width, cfg.Height),
		"fps", cfg.FPS)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return vision.NewRelay(cfg, camera).Run(ctx)
}

// parseFlags builds the relay configuration: defaults, then the --config
// file, then FANBRIDGE_URL, then flags set on the command line.
func parseFlags(args []string) (config.VisionConfig, error) {
	var configPath string
	fl := config.DefaultVision()

	flagSet := pflag.NewFlagSet("fan-vision", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", "", "YAML or JSON config file")
	flagSet.StringVar(&fl.BridgeURL, "bridge", fl.BridgeURL, "fanbridge base URL")
	flagSet.IntVar(&fl.CameraIndex, "camera", fl.CameraIndex, "camera index")
	flagSet.IntVar(&fl.Width, "width", fl.Width, "frame width")
	flagSet.IntVar(&fl.Height, "height", fl.Height, "frame height")
	flagSet.IntVar(&fl.FPS, "fps", fl.FPS, "frames sampled per second")
	flagSet.StringVar(&fl.CascadePath, "cascade", fl.CascadePath, "Haar cascade XML file")
	flagSet.IntVar(&fl.CloseRangeFaceSize, "close-range", fl.CloseRangeFaceSize, "face size in px that counts as a person in range")
	flagSet.DurationVar(&fl.ReportInterval, "interval", fl.ReportInterval, "report interval")
	flagSet.BoolVar(&fl.ShowPreview, "preview", false, "show the camera with detected faces in a window")
	flagSet.BoolVar(&fl.Debug, "debug", false, "log every detected face")

	if err := flagSet.Parse(args); err != nil {
		return fl, err
	}

	cfg, err := config.LoadVision(configPath)
	if err != nil {
		return cfg, err
	}
	if v := os.Getenv("FANBRIDGE_URL"); v != "" {
		cfg.BridgeURL = v
	}
	flagSet.Visit(func(f *pflag.Flag) {
		switch f.Name {
		case "bridge":
			cfg.BridgeURL = fl.BridgeURL
		case "camera":
			cfg.CameraIndex = fl.CameraIndex
		case "width":
			cfg.Width = fl.Width
		case "height":
			cfg.Height = fl.Height
		case "fps":
			cfg.FPS = fl.FPS
		case "cascade":
			cfg.CascadePath = fl.CascadePath
		case "close-range":
			cfg.CloseRangeFaceSize = fl.CloseRangeFaceSize
		case "interval":
			cfg.ReportInterval = fl.ReportInterval
		case "preview":
			cfg.ShowPreview = fl.ShowPreview
		case "debug":
			cfg.Debug = fl.Debug
		}
	})

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}
