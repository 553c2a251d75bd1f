package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/glint-instrument/glintlab/segment"
)

func TestNilCollectorIsSafe(t *testing.T) {
	var c *Collector
	c.MirrorFault("M5")
	c.Acquisition("ok")
	c.Saturated()
	c.ScanStarted()
	c.ScanFinished("tiptilt", "completed", time.Second)
	c.Position(1, segment.Position{Piston: 1})
}

func TestPosition(t *testing.T) {
	c, err := New(prometheus.NewRegistry())
	if err != nil {
		t.Fatal(err)
	}
	c.Position(29, segment.Position{Piston: 0.5, Tip: -1, Tilt: 2})
	for axis, want := range map[string]float64{"piston": 0.5, "tip": -1, "tilt": 2} {
		if got := testutil.ToFloat64(c.Positions.WithLabelValues("29", axis)); got != want {
			t.Errorf("glint_segment_position{segment=29,axis=%s} = %v, want %v", axis, got, want)
		}
	}
}

func TestRecording(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := New(reg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c.MirrorFault("M3")
	c.MirrorFault("M3")
	c.ScanStarted()
	if got := testutil.ToFloat64(c.ScanRunning); got != 1 {
		t.Errorf("glint_scan_running = %v, want 1", got)
	}
	c.ScanFinished("null", "aborted", 3*time.Second)

	if got := testutil.ToFloat64(c.MirrorFaults.WithLabelValues("M3")); got != 2 {
		t.Errorf("glint_mirror_faults_total{kind=M3} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.Scans.WithLabelValues("null", "aborted")); got != 1 {
		t.Errorf("glint_scans_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.ScanRunning); got != 0 {
		t.Errorf("glint_scan_running = %v, want 0", got)
	}

	w := httptest.NewRecorder()
	c.Handler().ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	if !strings.Contains(w.Body.String(), "glint_scan_duration_seconds_count") {
		t.Error("/metrics does not expose the scan histogram")
	}
}

func TestRegisterTwiceReusesCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	a, err := New(reg)
	if err != nil {
		t.Fatal(err)
	}
	b, err := New(reg)
	if err != nil {
		t.Fatal(err)
	}
	a.Saturated()
	if got := testutil.ToFloat64(b.Saturations); got != 1 {
		t.Errorf("second collector should share counters, got %v", got)
	}
}
