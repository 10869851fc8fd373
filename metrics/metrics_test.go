package metrics_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/specklab/dsca/metrics"
)

func TestNilInstrumentsAreInert(t *testing.T) {
	var m *metrics.Instruments
	m.FrameCaptured()
	m.PowerCommanded(100)
	m.Gap()
	if err := m.WriteTextfile(filepath.Join(t.TempDir(), "x.prom")); err != nil {
		t.Errorf("expected nil instruments to write nothing, got %v", err)
	}
}

func TestCountersAndTextfile(t *testing.T) {
	m := metrics.New()
	m.FrameCaptured()
	m.FrameCaptured()
	m.FrameFailed()
	m.PowerCommanded(250)
	m.PowerObserved(248)

	n, err := testutil.GatherAndCount(m.Registry, "dsca_frames_captured_total")
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("expected one frames captured series, got %d", n)
	}

	fn := filepath.Join(t.TempDir(), "dsca.prom")
	if err := m.WriteTextfile(fn); err != nil {
		t.Fatal(err)
	}
	b, err := os.ReadFile(fn)
	if err != nil {
		t.Fatal(err)
	}
	txt := string(b)
	for _, want := range []string{
		"dsca_frames_captured_total 2",
		"dsca_frames_failed_total 1",
		"dsca_laser_commanded_power_milliwatts 250",
		"dsca_laser_observed_power_milliwatts 248",
	} {
		if !strings.Contains(txt, want) {
			t.Errorf("expected textfile to contain %q, got\n%s", want, txt)
		}
	}
}
