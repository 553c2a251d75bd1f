package camera_test

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/astrogo/fitsio"
	"github.com/glint-instrument/glintlab/camera"
	"github.com/google/go-cmp/cmp"
)

func constant(rows, cols int, v float64) camera.Sim {
	return camera.Sim{Rows: rows, Cols: cols, Render: func(f *camera.Frame) error {
		for i := range f.Data {
			f.Data[i] = v
		}
		return nil
	}}
}

func TestFrameArithmetic(t *testing.T) {
	a := camera.NewFrame(2, 2)
	a.Set(1, 0, 4)
	b := a.Clone()
	b.Scale(0.5)
	if err := a.Sub(b); err != nil {
		t.Fatal(err)
	}
	if a.At(1, 0) != 2 || b.At(1, 0) != 2 {
		t.Errorf("unexpected values %v %v", a.Data, b.Data)
	}
	if err := a.Add(camera.NewFrame(3, 2)); !errors.Is(err, camera.ErrShape) {
		t.Errorf("expected ErrShape, got %v", err)
	}
	if a.Saturated(camera.SaturationLevel) {
		t.Error("frame should not be saturated")
	}
	a.Set(0, 1, camera.SaturationLevel)
	if !a.Saturated(camera.SaturationLevel) {
		t.Error("frame at the saturation level should be saturated")
	}
}

func TestAveragedExposureSubtractsDark(t *testing.T) {
	var calls int64
	src := camera.Sim{Rows: 2, Cols: 3, Render: func(f *camera.Frame) error {
		n := atomic.AddInt64(&calls, 1)
		for i := range f.Data {
			f.Data[i] = float64(10 * n)
		}
		return nil
	}}
	p := camera.NewPort(src, time.Second)
	dark := camera.NewFrame(2, 3)
	for i := range dark.Data {
		dark.Data[i] = 5
	}
	p.SetDark(dark)

	exp, err := p.AcquireAveraged(context.Background(), 3)
	if err != nil {
		t.Fatal(err)
	}
	if exp.At(0, 0) != 20 {
		t.Errorf("dark disabled: expected mean 20, got %v", exp.At(0, 0))
	}
	p.SetDarkEnabled(true)
	exp, err = p.AcquireAveraged(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}
	if exp.At(1, 2) != 35 {
		t.Errorf("dark enabled: expected 40-5, got %v", exp.At(1, 2))
	}
}

func TestSaturationUsesRawFrames(t *testing.T) {
	p := camera.NewPort(constant(1, 1, camera.SaturationLevel+10), time.Second)
	dark := camera.NewFrame(1, 1)
	dark.Data[0] = 100
	p.SetDark(dark)
	p.SetDarkEnabled(true)
	exp, err := p.AcquireAveraged(context.Background(), 2)
	if err != nil {
		t.Fatal(err)
	}
	if !exp.Saturated {
		t.Error("expected a saturated exposure even after dark subtraction")
	}
}

func TestAcquisitionErrorIsWrapped(t *testing.T) {
	src := camera.Sim{Rows: 1, Cols: 1, Render: func(*camera.Frame) error { return errors.New("half written") }}
	_, err := camera.NewPort(src, time.Second).Acquire(context.Background())
	if !errors.Is(err, camera.ErrAcquisition) {
		t.Errorf("expected ErrAcquisition, got %v", err)
	}
}

func TestAcquireTimeout(t *testing.T) {
	src := camera.Sim{Rows: 1, Cols: 1, Render: func(*camera.Frame) error {
		time.Sleep(300 * time.Millisecond)
		return nil
	}}
	_, err := camera.NewPort(src, 20*time.Millisecond).Acquire(context.Background())
	if !errors.Is(err, camera.ErrTimeout) {
		t.Errorf("expected ErrTimeout, got %v", err)
	}
}

func TestAccumulateDark(t *testing.T) {
	p := camera.NewPort(constant(2, 2, 7), time.Second)
	var progress []int
	d, err := p.AccumulateDark(context.Background(), 4, time.Millisecond, func(done, total int) {
		progress = append(progress, done)
	})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]float64{7, 7, 7, 7}, d.Data); diff != "" {
		t.Errorf("dark mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int{1, 2, 3, 4}, progress); diff != "" {
		t.Errorf("progress mismatch (-want +got):\n%s", diff)
	}
	if p.Dark() == nil {
		t.Error("dark was not installed")
	}
}

func TestAbortedDarkKeepsPrevious(t *testing.T) {
	p := camera.NewPort(constant(1, 2, 9), time.Second)
	old := camera.NewFrame(1, 2)
	old.Data[0], old.Data[1] = 1, 2
	p.SetDark(old)

	ctx, cancel := context.WithCancel(context.Background())
	_, err := p.AccumulateDark(ctx, 10, 50*time.Millisecond, func(done, total int) {
		if done == 2 {
			cancel()
		}
	})
	if !errors.Is(err, camera.ErrAborted) {
		t.Fatalf("expected ErrAborted, got %v", err)
	}
	if diff := cmp.Diff(old, p.Dark()); diff != "" {
		t.Errorf("previous dark was not retained (-want +got):\n%s", diff)
	}
}

func TestFitsRoundTrip(t *testing.T) {
	layers := []camera.Layer{
		{Name: "ON", Shape: []int{4, 3}, Data: []float64{0, 1, 2, 3, 4, 5, -2.5, 2.5, 0.1, 1e-9, 7, 8},
			Cards: []fitsio.Card{{Name: "TIPOPT", Value: 1.25}}},
		{Name: "OFF", Shape: []int{4, 3}, Data: make([]float64, 12)},
		{Name: "CUBE", Shape: []int{2, 1, 2}, Data: []float64{1, 2, 3, 4}},
	}
	var buf bytes.Buffer
	if err := camera.WriteFits(&buf, layers); err != nil {
		t.Fatal(err)
	}
	got, err := camera.ReadFits(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 layers, got %d", len(got))
	}
	for i, l := range layers {
		if got[i].Name != l.Name {
			t.Errorf("layer %d: name %q, want %q", i, got[i].Name, l.Name)
		}
		if diff := cmp.Diff(l.Shape, got[i].Shape); diff != "" {
			t.Errorf("layer %s shape (-want +got):\n%s", l.Name, diff)
		}
		if diff := cmp.Diff(l.Data, got[i].Data); diff != "" {
			t.Errorf("layer %s data (-want +got):\n%s", l.Name, diff)
		}
	}
	c := got[0].Card("TIPOPT")
	if c == nil || c.Value != 1.25 {
		t.Errorf("header card lost: %+v", c)
	}
}

func TestWriteFitsRejectsBadShape(t *testing.T) {
	var buf bytes.Buffer
	err := camera.WriteFits(&buf, []camera.Layer{{Name: "X", Shape: []int{2, 2}, Data: []float64{1}}})
	if err == nil {
		t.Error("expected a shape error")
	}
}

func TestFitsPoller(t *testing.T) {
	path := filepath.Join(t.TempDir(), "frame.fits")
	poller := camera.FitsPoller{Path: path}
	if _, err := poller.Read(); !errors.Is(err, camera.ErrAcquisition) {
		t.Fatalf("missing file should be an acquisition error, got %v", err)
	}
	f := camera.NewFrame(3, 2)
	copy(f.Data, []float64{1, 2, 3, 4, 5, 6})
	if err := camera.WriteFitsFile(path, []camera.Layer{camera.FrameLayer("", f)}); err != nil {
		t.Fatal(err)
	}
	got, err := poller.Read()
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(f, got); diff != "" {
		t.Errorf("polled frame mismatch (-want +got):\n%s", diff)
	}
}
