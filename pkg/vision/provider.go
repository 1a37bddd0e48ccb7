package vision

import "image"

// FaceSource captures a frame and returns the faces found in it, in pixel
// coordinates.
type FaceSource interface {
	Faces() ([]image.Rectangle, error)
	Close() error
}
