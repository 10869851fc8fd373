/*
Package camera describes the camera collaborator of the acquisition pipeline.

Camera contains only what speckle work needs: exposure, frame rate, and
single frame reads.  Implementations live in subpackages: uvc drives a
USB video class camera through OpenCV, replay plays back an image sequence
from disk.
*/
package camera

import (
	"errors"
	"image"
)

var (
	// ErrDeviceUnavailable is generated when a camera cannot be opened
	ErrDeviceUnavailable = errors.New("camera unavailable")

	// ErrCaptureFailed is generated when a single frame could not be read.
	// It is recoverable; the caller skips the frame and carries on.
	ErrCaptureFailed = errors.New("frame capture failed")
)

// Camera is the minimal camera the pipeline drives
type Camera interface {
	// SetExposure sets the exposure in the camera's own units, which for
	// UVC devices is a log2 step (-4 is 1/16 s) and for others milliseconds
	SetExposure(float64) error

	// SetFrameRate sets the requested frame rate in Hz
	SetFrameRate(float64) error

	// Frame reads one frame.  The image is owned by the caller.
	Frame() (image.Image, error)

	// Close releases the device
	Close() error
}
