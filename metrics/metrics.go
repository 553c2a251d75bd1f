// Package metrics bundles the Prometheus collectors of the bench.  A nil
// *Collector is valid and records nothing.
package metrics

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/glint-instrument/glintlab/segment"
)

// Collector holds the bench metrics
type Collector struct {
	gatherer prometheus.Gatherer

	MirrorFaults  *prometheus.CounterVec
	Acquisitions  *prometheus.CounterVec
	Saturations   prometheus.Counter
	Scans         *prometheus.CounterVec
	ScanDurations *prometheus.HistogramVec
	ScanRunning   prometheus.Gauge
	Positions     *prometheus.GaugeVec
}

// New registers the bench metrics against reg, defaulting to the global
// registry when nil
func New(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	faults, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "glint_mirror_faults_total",
		Help: "Mirror faults captured at the port, labeled by kind (M1..M5).",
	}, []string{"kind"}), "glint_mirror_faults_total")
	if err != nil {
		return nil, err
	}
	acqs, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "glint_acquisitions_total",
		Help: "Detector acquisitions, labeled by result (ok, error, timeout).",
	}, []string{"result"}), "glint_acquisitions_total")
	if err != nil {
		return nil, err
	}
	sat, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "glint_saturated_exposures_total",
		Help: "Exposures in which at least one raw pixel saturated.",
	}), "glint_saturated_exposures_total")
	if err != nil {
		return nil, err
	}
	scans, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "glint_scans_total",
		Help: "Finished scans, labeled by protocol and outcome.",
	}, []string{"protocol", "outcome"}), "glint_scans_total")
	if err != nil {
		return nil, err
	}
	durations, err := registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "glint_scan_duration_seconds",
		Help:    "Wall time of finished scans.",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1200},
	}, []string{"protocol"}), "glint_scan_duration_seconds")
	if err != nil {
		return nil, err
	}
	running, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "glint_scan_running",
		Help: "1 while a scan job is active.",
	}), "glint_scan_running")
	if err != nil {
		return nil, err
	}
	positions, err := registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "glint_segment_position",
		Help: "Last read-back position of each segment, labeled by segment and axis.",
	}, []string{"segment", "axis"}), "glint_segment_position")
	if err != nil {
		return nil, err
	}
	return &Collector{
		gatherer:      gatherer,
		MirrorFaults:  faults,
		Acquisitions:  acqs,
		Saturations:   sat,
		Scans:         scans,
		ScanDurations: durations,
		ScanRunning:   running,
		Positions:     positions,
	}, nil
}

// Handler exposes a ready-to-use /metrics handler
func (c *Collector) Handler() http.Handler {
	if c == nil || c.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}

// MirrorFault counts one mirror fault
func (c *Collector) MirrorFault(kind string) {
	if c == nil {
		return
	}
	c.MirrorFaults.WithLabelValues(kind).Inc()
}

// Acquisition counts one acquisition with the given result
func (c *Collector) Acquisition(result string) {
	if c == nil {
		return
	}
	c.Acquisitions.WithLabelValues(result).Inc()
}

// Saturated counts one saturated exposure
func (c *Collector) Saturated() {
	if c == nil {
		return
	}
	c.Saturations.Inc()
}

// ScanStarted marks a scan as running
func (c *Collector) ScanStarted() {
	if c == nil {
		return
	}
	c.ScanRunning.Set(1)
}

// ScanFinished records the outcome and duration of a scan
func (c *Collector) ScanFinished(protocol, outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.ScanRunning.Set(0)
	c.Scans.WithLabelValues(protocol, outcome).Inc()
	c.ScanDurations.WithLabelValues(protocol).Observe(d.Seconds())
}

// Position records the read-back position of segment id
func (c *Collector) Position(id int, p segment.Position) {
	if c == nil {
		return
	}
	seg := strconv.Itoa(id)
	c.Positions.WithLabelValues(seg, "piston").Set(p.Piston)
	c.Positions.WithLabelValues(seg, "tip").Set(p.Tip)
	c.Positions.WithLabelValues(seg, "tilt").Set(p.Tilt)
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogramVec(reg prometheus.Registerer, vec *prometheus.HistogramVec, name string) (*prometheus.HistogramVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerCounter(reg prometheus.Registerer, c prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return c, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}

func registerGaugeVec(reg prometheus.Registerer, vec *prometheus.GaugeVec, name string) (*prometheus.GaugeVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.GaugeVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}
