// Package vision turns camera face detections into presence signals for the
// bridge.
//
// A person counts as present when the largest face in the frame is at
// least CloseRangeFaceSize pixels on its longer side, which puts them close
// to the fan. Confidence grows linearly with face size up to that point.
package vision

import "image"

// Result is the presence evaluation of one frame.
type Result struct {
	Detected   bool
	Confidence float64
	FaceSize   int // px, longer side of the largest face; 0 when none
}

// Evaluate picks the largest face by area and scores it against
// closeRange.
func Evaluate(faces []image.Rectangle, closeRange int) Result {
	if len(faces) == 0 || closeRange <= 0 {
		return Result{}
	}

	largest := faces[0]
	for _, f := range faces[1:] {
		if area(f) > area(largest) {
			largest = f
		}
	}

	size := max(largest.Dx(), largest.Dy())
	return Result{
		Detected:   size >= closeRange,
		Confidence: min(1.0, float64(size)/float64(closeRange)),
		FaceSize:   size,
	}
}

func area(r image.Rectangle) int {
	return r.Dx() * r.Dy()
}
