// Package uvc drives a USB video class camera through OpenCV.
package uvc

import (
	"fmt"
	"image"
	"strconv"
	"sync"

	"gocv.io/x/gocv"

	"github.com/specklab/dsca/camera"
	"github.com/specklab/dsca/comm"
)

var _ camera.Camera = (*Camera)(nil)

// Camera is an OpenCV video capture.  Frames are converted to 8-bit gray.
type Camera struct {
	mu      sync.Mutex
	vc      *gocv.VideoCapture
	raw     gocv.Mat
	gray    gocv.Mat
	release func()
}

// Open opens the camera at index.  width and height are requested of the
// driver when non-zero; the driver may pick something else.  An index
// already held by another owner is refused with comm.ErrInUse.
func Open(index, width, height int) (*Camera, error) {
	release, err := comm.Acquire("uvc:" + strconv.Itoa(index))
	if err != nil {
		return nil, err
	}
	vc, err := gocv.OpenVideoCapture(index)
	if err != nil {
		release()
		return nil, fmt.Errorf("%w: index %d: %v", camera.ErrDeviceUnavailable, index, err)
	}
	if !vc.IsOpened() {
		vc.Close()
		release()
		return nil, fmt.Errorf("%w: index %d", camera.ErrDeviceUnavailable, index)
	}
	if width > 0 && height > 0 {
		vc.Set(gocv.VideoCaptureFrameWidth, float64(width))
		vc.Set(gocv.VideoCaptureFrameHeight, float64(height))
	}
	return &Camera{vc: vc, raw: gocv.NewMat(), gray: gocv.NewMat(), release: release}, nil
}

// SetExposure disables auto exposure and sets the exposure
func (c *Camera) SetExposure(e float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.vc == nil {
		return camera.ErrDeviceUnavailable
	}
	// 0.25 is "manual" for the V4L2 backend
	c.vc.Set(gocv.VideoCaptureAutoExposure, 0.25)
	c.vc.Set(gocv.VideoCaptureExposure, e)
	return nil
}

// SetFrameRate sets the requested frame rate
func (c *Camera) SetFrameRate(fps float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.vc == nil {
		return camera.ErrDeviceUnavailable
	}
	c.vc.Set(gocv.VideoCaptureFPS, fps)
	return nil
}

// Frame reads one frame as an *image.Gray
func (c *Camera) Frame() (image.Image, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.vc == nil {
		return nil, camera.ErrDeviceUnavailable
	}
	if ok := c.vc.Read(&c.raw); !ok || c.raw.Empty() {
		return nil, camera.ErrCaptureFailed
	}
	src := c.raw
	if c.raw.Channels() > 1 {
		gocv.CvtColor(c.raw, &c.gray, gocv.ColorBGRToGray)
		src = c.gray
	}
	img, err := src.ToImage()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", camera.ErrCaptureFailed, err)
	}
	return img, nil
}

// Close releases the capture and the index
func (c *Camera) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.vc == nil {
		return nil
	}
	err := c.vc.Close()
	c.raw.Close()
	c.gray.Close()
	c.vc = nil
	c.release()
	return err
}
