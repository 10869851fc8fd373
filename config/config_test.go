package config_test

import (
	"bytes"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/specklab/dsca/config"
)

func TestLoadDefaults(t *testing.T) {
	c, err := config.Load(filepath.Join(t.TempDir(), "missing.yml"))
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(c, config.Default()) {
		t.Errorf("loaded %+v\nwant %+v", c, config.Default())
	}
}

func TestLoadFileOverrides(t *testing.T) {
	fn := filepath.Join(t.TempDir(), "dsca.yml")
	yml := "laser:\n  addr: COM6\nsweep:\n  samples: 25\n  powers: [100, 90]\n"
	if err := os.WriteFile(fn, []byte(yml), 0o644); err != nil {
		t.Fatal(err)
	}
	c, err := config.Load(fn)
	if err != nil {
		t.Fatal(err)
	}
	if c.Laser.Addr != "COM6" || c.Sweep.Samples != 25 {
		t.Errorf("file values not applied: %+v %+v", c.Laser, c.Sweep)
	}
	if !reflect.DeepEqual(c.Sweep.Powers, []int{100, 90}) {
		t.Errorf("powers = %v", c.Sweep.Powers)
	}
	if c.Laser.Tolerance != 5 {
		t.Errorf("unset key lost its default: %d", c.Laser.Tolerance)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("DSCA_CAMERA_FPS", "30")
	t.Setenv("DSCA_LASER_SETTLE", "250ms")
	t.Setenv("DSCA_STREAM_FORMULA", "negmean")
	c, err := config.Load("")
	if err != nil {
		t.Fatal(err)
	}
	if c.Camera.FPS != 30 {
		t.Errorf("fps = %g", c.Camera.FPS)
	}
	if c.Laser.Settle != 250*time.Millisecond {
		t.Errorf("settle = %v", c.Laser.Settle)
	}
	if c.Stream.Formula != "negmean" {
		t.Errorf("formula = %q", c.Stream.Formula)
	}
}

func TestLoadBadFile(t *testing.T) {
	fn := filepath.Join(t.TempDir(), "dsca.yml")
	if err := os.WriteFile(fn, []byte("laser: [unterminated"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := config.Load(fn); err == nil {
		t.Error("malformed YAML accepted")
	}
}

func TestEncode(t *testing.T) {
	var buf bytes.Buffer
	if err := config.Encode(&buf, config.Default()); err != nil {
		t.Fatal(err)
	}
	if !bytes.Contains(buf.Bytes(), []byte("addr: /dev/ttyACM0")) {
		t.Errorf("encoded config:\n%s", buf.String())
	}
}
