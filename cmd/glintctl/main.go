package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/theckman/yacspin"
	yml "gopkg.in/yaml.v2"

	"github.com/glint-instrument/glintlab/config"
	"github.com/glint-instrument/glintlab/scan"
)

var (
	// Version is the version number.  Typically injected via ldflags with git build
	Version = "1"

	// ConfigFileName is what it sounds like
	ConfigFileName = "glintctl.yml"
)

func root() {
	str := `glintctl calibrates the segmented mirror of the glint bench.  It drives the
mirror and reads the detector, and exposes both over HTTP along with the
tip/tilt and null scans.

Usage:
	glintctl <command>

Commands:
	run
	tiptilt [-loops n] [-settle s] [segment ...]
	null [-loops n] [-settle s] <null> <coupler>
	help
	mkconf
	conf
	version`
	fmt.Println(str)
}

func help() {
	str := `glintctl is amenable to configuration via its .yaml file, glintctl.yml in the
working directory.  For a primer on YAML, see https://yaml.org/start.html

Every key can be overridden by an environment variable named after its path,
prefixed GLINT_, e.g. GLINT_MIRROR_ADDR or GLINT_SCAN_SETTLE.

With Mock: true the mirror and the detector are simulated and nothing needs to
be connected.  Otherwise the mirror driver bridge must answer at Mirror.Addr
and the acquisition software must keep overwriting Camera.Path.

run serves the HTTP interface at Addr; GET /endpoints lists the routes.  Manual
moves answer 423 (locked) while a scan runs.

tiptilt and null run one scan in the foreground and exit.  Ctrl-C aborts the
scan and restores the mirror.`
	fmt.Println(str)
}

func load() config.Config {
	c, err := config.Load(ConfigFileName)
	if err != nil {
		log.Fatalf("error loading config: %v", err)
	}
	return c
}

func mkconf() {
	c := load()
	f, err := os.Create(ConfigFileName)
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()
	err = yml.NewEncoder(f).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func printconf() {
	c := load()
	err := yml.NewEncoder(os.Stdout).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func pversion() {
	fmt.Printf("glintctl version %v\n", Version)
}

func run() {
	r := buildRig(load())
	if r.cfg.Live.Autostart {
		if err := r.display.Start(); err != nil {
			log.Println(err)
		}
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	log.Println("now listening for requests at ", r.cfg.Addr)
	if err := r.serve(ctx, r.cfg.Addr); err != nil {
		log.Fatal(err)
	}
}

// scanFlags parses the overrides shared by both scans
func scanFlags(name string, args []string) (*flag.FlagSet, *int, *float64) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	loops := fs.Int("loops", 0, "number of sweeps to average, 0 uses the configured value")
	settle := fs.Float64("settle", -1, "seconds to wait after each move, negative uses the configured value")
	fs.Parse(args)
	return fs, loops, settle
}

func override(loops *int, settle *float64) (*int, *float64) {
	var (
		l *int
		s *float64
	)
	if *loops > 0 {
		l = loops
	}
	if *settle >= 0 {
		s = settle
	}
	return l, s
}

func tiptilt(args []string) {
	fs, loops, settle := scanFlags("tiptilt", args)
	req := scan.TipTiltRequest{}
	req.Loops, req.Settle = override(loops, settle)
	for _, a := range fs.Args() {
		var id int
		if _, err := fmt.Sscan(a, &id); err != nil {
			log.Fatalf("segment %q is not a number", a)
		}
		req.Segments = append(req.Segments, id)
	}
	r := buildRig(load())
	foreground(r, "tip/tilt", func(ctx context.Context) (scan.Result, error) {
		return r.scans.RunTipTilt(ctx, req)
	})
}

func null(args []string) {
	fs, loops, settle := scanFlags("null", args)
	if fs.NArg() != 2 {
		log.Fatal("null needs a null number and a coupler number")
	}
	req := scan.NullRequest{}
	if _, err := fmt.Sscan(fs.Arg(0), &req.Null); err != nil {
		log.Fatalf("null %q is not a number", fs.Arg(0))
	}
	if _, err := fmt.Sscan(fs.Arg(1), &req.Coupler); err != nil {
		log.Fatalf("coupler %q is not a number", fs.Arg(1))
	}
	req.Loops, req.Settle = override(loops, settle)
	r := buildRig(load())
	foreground(r, "null", func(ctx context.Context) (scan.Result, error) {
		return r.scans.RunNull(ctx, req)
	})
}

// foreground runs one scan behind a spinner showing the status messages
func foreground(r *rig, name string, fcn func(context.Context) (scan.Result, error)) {
	spinner, err := yacspin.New(yacspin.Config{
		Frequency:         100 * time.Millisecond,
		CharSet:           yacspin.CharSets[11],
		Suffix:            " " + name + " scan",
		SuffixAutoColon:   true,
		StopCharacter:     "✓",
		StopColors:        []string{"fgGreen"},
		StopFailCharacter: "✗",
		StopFailColors:    []string{"fgRed"},
	})
	if err != nil {
		log.Fatal(err)
	}
	events, cancel := r.status.Subscribe(16)
	defer cancel()
	go func() {
		for ev := range events {
			spinner.Message(ev.Text)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err = spinner.Start(); err != nil {
		log.Fatal(err)
	}
	res, err := fcn(ctx)
	r.release()
	if err != nil || res.Outcome != scan.OutcomeDone {
		msg := res.Outcome
		if err != nil {
			msg = err.Error()
		} else if res.Error != "" {
			msg += ": " + res.Error
		}
		spinner.StopFailMessage(msg)
		spinner.StopFail()
		if errors.Is(err, scan.ErrParams) {
			os.Exit(2)
		}
		os.Exit(1)
	}
	spinner.StopMessage(summary(res))
	spinner.Stop()
}

func summary(res scan.Result) string {
	if res.Null != nil {
		n := res.Null
		return fmt.Sprintf("null %d: segment %d best at %.3f um, flux %.4g", n.Null, n.Segment, n.Best, n.BestFlux)
	}
	parts := make([]string, 0, len(res.TipTilt))
	for _, o := range res.TipTilt {
		parts = append(parts, fmt.Sprintf("seg %d (%.2f, %.2f)", o.Segment, o.Tip, o.Tilt))
	}
	return "tip/tilt: " + strings.Join(parts, ", ")
}

func main() {
	var cmd string
	args := os.Args
	if len(args) == 1 {
		root()
		return
	}
	cmd = args[1]
	cmd = strings.ToLower(cmd)
	switch cmd {
	case "help":
		help()
	case "mkconf":
		mkconf()
	case "conf":
		printconf()
	case "version":
		pversion()
	case "run":
		run()
	case "tiptilt":
		tiptilt(args[2:])
	case "null":
		null(args[2:])
	default:
		log.Fatal("unknown command")
	}
}
