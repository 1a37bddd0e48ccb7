// Package haar finds frontal faces on a local camera with OpenCV's Haar
// cascade classifier.
package haar

import (
	"fmt"
	"image"
	"image/color"
	"os"
	"sync"

	"gocv.io/x/gocv"

	"github.com/teslashibe/fanbridge/internal/config"
)

// Detector parameters for detectMultiScale.
const (
	scaleFactor  = 1.1
	minNeighbors = 5
	minFace      = 30 // px
)

var (
	inRange    = color.RGBA{0, 255, 0, 0}
	outOfRange = color.RGBA{255, 0, 0, 0}
)

// Camera reads frames from a capture device and detects faces in them.
// It implements vision.FaceSource.
type Camera struct {
	capture    *gocv.VideoCapture
	classifier gocv.CascadeClassifier
	frame      gocv.Mat
	gray       gocv.Mat
	window     *gocv.Window // nil unless ShowPreview
	closeRange int
	mu         sync.Mutex // Protects capture, Mats and window
}

// Open opens the camera and loads the cascade file.
func Open(cfg config.VisionConfig) (*Camera, error) {
	if _, err := os.Stat(cfg.CascadePath); os.IsNotExist(err) {
		return nil, fmt.Errorf("haar: cascade file not found: %s", cfg.CascadePath)
	}

	classifier := gocv.NewCascadeClassifier()
	if !classifier.Load(cfg.CascadePath) {
		classifier.Close()
		return nil, fmt.Errorf("haar: failed to load cascade %s", cfg.CascadePath)
	}

	capture, err := gocv.OpenVideoCapture(cfg.CameraIndex)
	if err != nil {
		classifier.Close()
		return nil, fmt.Errorf("haar: open camera %d: %w", cfg.CameraIndex, err)
	}
	if !capture.IsOpened() {
		capture.Close()
		classifier.Close()
		return nil, fmt.Errorf("haar: camera %d not accessible", cfg.CameraIndex)
	}
	capture.Set(gocv.VideoCaptureFrameWidth, float64(cfg.Width))
	capture.Set(gocv.VideoCaptureFrameHeight, float64(cfg.Height))
	capture.Set(gocv.VideoCaptureFPS, float64(cfg.FPS))

	c := &Camera{
		capture:    capture,
		classifier: classifier,
		frame:      gocv.NewMat(),
		gray:       gocv.NewMat(),
		closeRange: cfg.CloseRangeFaceSize,
	}
	if cfg.ShowPreview {
		c.window = gocv.NewWindow("fan-vision")
	}
	return c, nil
}

// Faces grabs one frame and returns the face boxes in pixels.
func (c *Camera) Faces() ([]image.Rectangle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ok := c.capture.Read(&c.frame); !ok || c.frame.Empty() {
		return nil, fmt.Errorf("haar: failed to read frame")
	}

	gocv.CvtColor(c.frame, &c.gray, gocv.ColorBGRToGray)
	faces := c.classifier.DetectMultiScaleWithParams(
		c.gray,
		scaleFactor,
		minNeighbors,
		0,
		image.Pt(minFace, minFace),
		image.Pt(0, 0),
	)
	if c.window != nil {
		c.preview(faces)
	}
	return faces, nil
}

// preview draws the faces on the frame and shows it. Faces in range are
// green, others red.
func (c *Camera) preview(faces []image.Rectangle) {
	for _, f := range faces {
		col := outOfRange
		if max(f.Dx(), f.Dy()) >= c.closeRange {
			col = inRange
		}
		gocv.Rectangle(&c.frame, f, col, 2)
	}
	c.window.IMShow(c.frame)
	c.window.WaitKey(1)
}

// Close releases the camera and classifier.
func (c *Camera) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frame.Close()
	c.gray.Close()
	c.classifier.Close()
	if c.window != nil {
		c.window.Close()
	}
	return c.capture.Close()
}
