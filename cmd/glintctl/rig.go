package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/glint-instrument/glintlab/bench"
	"github.com/glint-instrument/glintlab/camera"
	"github.com/glint-instrument/glintlab/config"
	"github.com/glint-instrument/glintlab/generichttp"
	"github.com/glint-instrument/glintlab/imgrec"
	"github.com/glint-instrument/glintlab/live"
	"github.com/glint-instrument/glintlab/mems"
	"github.com/glint-instrument/glintlab/metrics"
	"github.com/glint-instrument/glintlab/positions"
	"github.com/glint-instrument/glintlab/preset"
	"github.com/glint-instrument/glintlab/scan"
	"github.com/glint-instrument/glintlab/server"
	"github.com/glint-instrument/glintlab/server/middleware/locker"
	"github.com/glint-instrument/glintlab/sim"
	"github.com/glint-instrument/glintlab/status"
	"github.com/glint-instrument/glintlab/util"
)

// shutdownTimeout bounds the wait for open requests on exit
const shutdownTimeout = 5 * time.Second

// rig is the assembled instrument
type rig struct {
	cfg      config.Config
	status   *status.Log
	metrics  *metrics.Collector
	bench    *bench.Bench
	darks    *camera.HTTPWrapper
	recorder *imgrec.Recorder
	scans    *scan.Controller
	display  *live.Display
	presets  *preset.Bank
	lock     *locker.Locker
}

// mirror returns the mirror backend.  The hardware link must answer at
// startup or the program exits.
func mirror(c config.Config) (mems.Mirror, camera.Source) {
	if c.Mock {
		mock := mems.NewMock(c.Mirror.Segments, c.Mirror.Limits)
		scene := sim.NewScene(mock, c.ROIs, c.Scan.Calibration)
		return mock, scene.Source()
	}
	remote := mems.NewRemote(c.Mirror.Addr, c.Mirror.Serial, c.Mirror.Segments, c.Mirror.Transport())
	if err := remote.Connect(); err != nil {
		log.Fatalf("connecting to mirror at %s: %v", c.Mirror.Addr, err)
	}
	return remote, camera.FitsPoller{Path: c.Camera.Path}
}

func buildRig(c config.Config) *rig {
	if err := c.Validate(); err != nil {
		log.Fatal(err)
	}
	reg := prometheus.NewRegistry()
	mc, err := metrics.New(reg)
	if err != nil {
		log.Fatal(err)
	}
	mirr, src := mirror(c)
	cam := camera.NewPort(src, util.SecsToDuration(c.Camera.Timeout))
	cam.SaturationLevel = c.Camera.Saturation

	r := &rig{cfg: c, status: status.New(c.StatusCapacity), metrics: mc, lock: locker.New()}
	r.bench = &bench.Bench{
		Mirror:  mems.NewPort(mirr, util.SecsToDuration(c.Mirror.Timeout)),
		Camera:  cam,
		Store:   positions.New(c.Mirror.Segments, c.Mirror.Limits),
		ROIs:    c.ROIs,
		Status:  r.status,
		Metrics: mc,
		Average: c.Camera.Average,
	}
	r.bench.Store.Subscribe(func(ch positions.Change) {
		for i, id := range ch.IDs {
			if i < len(ch.Positions) {
				mc.Position(id, ch.Positions[i])
			}
		}
	})
	r.darks = camera.NewHTTPWrapper(cam, util.SecsToDuration(c.Camera.DarkInterval))
	r.darks.Notify = func(msg string, failed bool) {
		if failed {
			r.status.Error(msg)
			return
		}
		r.status.Add(msg)
	}
	r.recorder = imgrec.New(c.Results.Root)
	r.recorder.SetPrefix(c.Results.Prefix)
	r.recorder.SetEnabled(c.Results.Enabled)

	r.display = live.New(r.bench, c.Live.FPS, c.Live.Width, c.Live.RefChannel)
	r.scans = scan.NewController(r.bench, r.recorder, c.Scan)
	r.scans.Display = r.display
	r.scans.Interlock = r.lock
	r.lock.Busy = func() bool { return r.scans.State() != scan.Idle }
	r.presets = preset.NewBank(c.Mirror.Segments)

	if c.Mock {
		r.status.Add("Mirror and detector simulated")
	} else {
		r.status.Addf("Connected to mirror at %s", c.Mirror.Addr)
	}
	return r
}

func (r *rig) routes() server.Routes {
	return server.Routes{
		Open: []generichttp.HTTPer{
			scan.NewHTTPWrapper(r.scans),
			status.NewHTTPWrapper(r.status),
			imgrec.NewHTTPWrapper(r.recorder),
		},
		Protected: []generichttp.HTTPer{
			bench.NewHTTPWrapper(r.bench),
			r.darks,
			preset.NewHTTPWrapper(r.presets, r.bench, r.cfg.Presets),
			live.NewHTTPWrapper(r.display),
		},
		Lock:    r.lock,
		Metrics: r.metrics.Handler(),
	}
}

// release stops everything driving the mirror and hands it back to its
// driver.  A fault is reported to the status history.
func (r *rig) release() {
	r.scans.Abort()
	r.scans.Wait(context.Background())
	r.display.Stop()
	if err := r.bench.Release(); err != nil {
		log.Println(err)
		return
	}
	r.status.Add("Mirror released")
}

// serve answers HTTP at the configured address until ctx ends, then
// releases the mirror
func (r *rig) serve(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: server.BuildMux(r.routes())}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		srv.Shutdown(sctx)
	}()
	err := srv.ListenAndServe()
	r.release()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
