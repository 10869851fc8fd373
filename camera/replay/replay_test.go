package replay_test

import (
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/image/bmp"

	"github.com/specklab/dsca/camera"
	"github.com/specklab/dsca/camera/replay"
)

func flat(level uint8) *image.Gray {
	im := image.NewGray(image.Rect(0, 0, 8, 8))
	for i := range im.Pix {
		im.Pix[i] = level
	}
	return im
}

func writeImage(t *testing.T, fn string, im image.Image) {
	t.Helper()
	f, err := os.Create(fn)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if filepath.Ext(fn) == ".bmp" {
		err = bmp.Encode(f, im)
	} else {
		err = png.Encode(f, im)
	}
	if err != nil {
		t.Fatal(err)
	}
}

func TestReplayOrdersNumerically(t *testing.T) {
	dir := t.TempDir()
	writeImage(t, filepath.Join(dir, "10.png"), flat(30))
	writeImage(t, filepath.Join(dir, "2.bmp"), flat(20))
	writeImage(t, filepath.Join(dir, "0.png"), flat(10))
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	cam, err := replay.Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	if cam.Len() != 3 {
		t.Fatalf("expected 3 frames, got %d", cam.Len())
	}
	for _, want := range []uint8{10, 20, 30} {
		img, err := cam.Frame()
		if err != nil {
			t.Fatal(err)
		}
		got := color.GrayModel.Convert(img.At(4, 4)).(color.Gray).Y
		if got != want {
			t.Errorf("expected level %d, got %d", want, got)
		}
	}
	if _, err := cam.Frame(); !errors.Is(err, camera.ErrCaptureFailed) || !errors.Is(err, io.EOF) {
		t.Errorf("expected ErrCaptureFailed and io.EOF at end of sequence, got %v", err)
	}
	cam.Loop = true
	if _, err := cam.Frame(); err != nil {
		t.Errorf("expected a looping replay to start over, got %v", err)
	}
}

func TestReplayEmptyDir(t *testing.T) {
	_, err := replay.Open(t.TempDir())
	if !errors.Is(err, camera.ErrDeviceUnavailable) {
		t.Errorf("expected ErrDeviceUnavailable, got %v", err)
	}
}

var _ camera.Camera = (*replay.Camera)(nil)
