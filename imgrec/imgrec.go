// Package imgrec archives captured frames to disk as FITS files.
package imgrec

import (
	"fmt"
	"image"
	"image/color"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/astrogo/fitsio"

	"github.com/specklab/dsca/sweep"
)

// Recorder writes frames with incrementing filenames in yyyy-mm-dd
// subfolders of Root.  It is not thread safe.
type Recorder struct {
	// Root is the root path
	Root string

	// Prefix is the prefix for the filenames
	Prefix string

	// Enabled gates Record; a disabled recorder discards frames
	Enabled bool

	counter  int
	timeFldr string
	last     string
}

// New returns an enabled recorder
func New(root, prefix string) *Recorder {
	return &Recorder{Root: root, Prefix: prefix, Enabled: true}
}

// updateFolder moves to today's folder, rescanning the counter when the
// day changes
func (r *Recorder) updateFolder() error {
	fldr := time.Now().Format("2006-01-02")
	if fldr == r.timeFldr {
		return nil
	}
	r.timeFldr = fldr
	return r.Incr()
}

func (r *Recorder) dir() string {
	return filepath.Join(r.Root, r.timeFldr)
}

// Incr sets the counter one past the highest numbered file already in the
// current folder, so a restarted process does not overwrite frames
func (r *Recorder) Incr() error {
	dn := r.dir()
	if err := os.MkdirAll(dn, 0o777); err != nil {
		return err
	}
	entries, err := os.ReadDir(dn)
	if err != nil {
		return err
	}
	count := 0
	for _, e := range entries {
		fn := e.Name()
		if e.IsDir() || !strings.HasSuffix(fn, ".fits") || !strings.HasPrefix(fn, r.Prefix) {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(fn, r.Prefix), ".fits"))
		if err != nil {
			continue
		}
		if n > count {
			count = n
		}
	}
	r.counter = count + 1
	return nil
}

// Last is the path of the most recently written file
func (r *Recorder) Last() string {
	return r.last
}

// Record writes one frame captured at exposure index i under setting s
func (r *Recorder) Record(i int, s sweep.Setting, frame image.Image) error {
	if !r.Enabled {
		return nil
	}
	if err := r.updateFolder(); err != nil {
		return err
	}
	fn := filepath.Join(r.dir(), fmt.Sprintf("%s%06d.fits", r.Prefix, r.counter))
	f, err := os.Create(fn)
	if err != nil {
		return err
	}
	meta := []fitsio.Card{
		{Name: "EXPINDEX", Value: i, Comment: "index in the exposure sweep"},
		{Name: "EXPOSURE", Value: s.Exposure, Comment: "camera exposure setting"},
		{Name: "EXPTIME", Value: s.FitTime(), Comment: "exposure time, ms"},
		{Name: "LASERPWR", Value: s.Power, Comment: "commanded laser power, mW"},
		{Name: "DATE-OBS", Value: time.Now().UTC().Format(time.RFC3339)},
	}
	err = WriteFits(f, meta, frame)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("imgrec: writing %s: %w", fn, err)
	}
	r.last = fn
	r.counter++
	return nil
}

// WriteFits encodes img as a single 16-bit FITS image with the usual
// unsigned offset.  Images that are not Gray16 are converted.
func WriteFits(w io.Writer, metadata []fitsio.Card, img image.Image) error {
	metadata = append(metadata, fitsio.Card{Name: "BZERO", Value: 32768}, fitsio.Card{Name: "BSCALE", Value: 1.0})
	b := img.Bounds()
	width, height := b.Dx(), b.Dy()
	fits, err := fitsio.Create(w)
	if err != nil {
		return err
	}
	defer fits.Close()
	im := fitsio.NewImage(16, []int{width, height})
	defer im.Close()
	if err := im.Header().Append(metadata...); err != nil {
		return err
	}

	ints := make([]int16, 0, width*height)
	g16, native := img.(*image.Gray16)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			var v uint16
			if native {
				v = g16.Gray16At(x, y).Y
			} else {
				v = color.Gray16Model.Convert(img.At(x, y)).(color.Gray16).Y
			}
			ints = append(ints, int16(int32(v)-32768))
		}
	}
	if err := im.Write(ints); err != nil {
		return err
	}
	return fits.Write(im)
}
