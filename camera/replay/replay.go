// Package replay plays back a numbered image sequence from disk as a camera.
//
// Files are ordered by the number in their name (2.png before 10.png); names
// without a number sort after numbered ones, lexically.  PNG, JPEG, BMP and
// TIFF are understood.
package replay

import (
	"fmt"
	"image"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	_ "image/jpeg" // register decoder
	_ "image/png"  // register decoder

	_ "golang.org/x/image/bmp"  // register decoder
	_ "golang.org/x/image/tiff" // register decoder

	"github.com/specklab/dsca/camera"
)

var extensions = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".bmp": true, ".tif": true, ".tiff": true}

// Camera replays files.  It is not a device; SetExposure and SetFrameRate
// only record what was asked.
type Camera struct {
	// Loop restarts the sequence when it runs out
	Loop bool

	mu       sync.Mutex
	files    []string
	next     int
	exposure float64
	fps      float64
}

// number extracts the integer in a file's base name, "frame_0012.png" -> 12
func number(fn string) (int, bool) {
	base := strings.TrimSuffix(filepath.Base(fn), filepath.Ext(fn))
	start := strings.IndexAny(base, "0123456789")
	if start < 0 {
		return 0, false
	}
	end := start
	for end < len(base) && base[end] >= '0' && base[end] <= '9' {
		end++
	}
	n, err := strconv.Atoi(base[start:end])
	return n, err == nil
}

// Open lists the images in dir
func Open(dir string) (*Camera, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", camera.ErrDeviceUnavailable, err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || !extensions[strings.ToLower(filepath.Ext(e.Name()))] {
			continue
		}
		files = append(files, filepath.Join(dir, e.Name()))
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%w: no images in %s", camera.ErrDeviceUnavailable, dir)
	}
	sort.SliceStable(files, func(i, j int) bool {
		ni, oki := number(files[i])
		nj, okj := number(files[j])
		switch {
		case oki && okj && ni != nj:
			return ni < nj
		case oki != okj:
			return oki
		default:
			return files[i] < files[j]
		}
	})
	return &Camera{files: files}, nil
}

// Len is the number of frames in the sequence
func (c *Camera) Len() int {
	return len(c.files)
}

// SetExposure records e
func (c *Camera) SetExposure(e float64) error {
	c.mu.Lock()
	c.exposure = e
	c.mu.Unlock()
	return nil
}

// Exposure returns the last exposure set
func (c *Camera) Exposure() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exposure
}

// SetFrameRate records fps
func (c *Camera) SetFrameRate(fps float64) error {
	c.mu.Lock()
	c.fps = fps
	c.mu.Unlock()
	return nil
}

// Frame decodes the next file in the sequence.  Past the last file of a
// sequence that does not loop, the error wraps both ErrCaptureFailed and
// io.EOF.
func (c *Camera) Frame() (image.Image, error) {
	c.mu.Lock()
	if c.next >= len(c.files) {
		if !c.Loop {
			c.mu.Unlock()
			return nil, fmt.Errorf("%w: end of sequence: %w", camera.ErrCaptureFailed, io.EOF)
		}
		c.next = 0
	}
	fn := c.files[c.next]
	c.next++
	c.mu.Unlock()

	f, err := os.Open(fn)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", camera.ErrCaptureFailed, err)
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", camera.ErrCaptureFailed, fn, err)
	}
	return img, nil
}

// Close is a no-op
func (c *Camera) Close() error {
	return nil
}
