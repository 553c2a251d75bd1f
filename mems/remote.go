package mems

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/glint-instrument/glintlab/comm"
	"github.com/glint-instrument/glintlab/segment"
	"github.com/glint-instrument/glintlab/util"
)

/*
Remote talks to the vendor driver bridge that owns the mirror electronics.
The bridge speaks one line per request:

	SEG?                      -> N
	MOV id p t t [id p t t]   -> OK
	POS? id[,id...]           -> p t t [p t t ...]
	FLAT                      -> OK
	REL                       -> OK

and answers ERR <text> on failure.
*/
type Remote struct {
	dev      *comm.RemoteDevice
	segments int
}

// ErrBridge is generated when the bridge answers ERR
var ErrBridge = errors.New("driver bridge error")

// NewRemote returns a Remote mirror with n segments reached at addr
func NewRemote(addr string, serial bool, n int, s comm.Settings) *Remote {
	return &Remote{dev: comm.NewRemoteDevice(addr, serial, s), segments: n}
}

// Connect checks that the bridge answers and drives the expected number of segments
func (r *Remote) Connect() error {
	resp, err := r.exchange("SEG?")
	if err != nil {
		return &Error{Kind: KindConnection, Err: err}
	}
	n, err := strconv.Atoi(strings.TrimSpace(resp))
	if err != nil {
		return &Error{Kind: KindConnection, Err: fmt.Errorf("bad segment count %q", resp)}
	}
	if n != r.segments {
		return &Error{Kind: KindConnection, Err: fmt.Errorf("bridge drives %d segments, configured for %d", n, r.segments)}
	}
	return nil
}

// Segments returns the number of segments on the mirror
func (r *Remote) Segments() int {
	return r.segments
}

// SetPositions sends a single MOV command for all segments
func (r *Remote) SetPositions(ids []int, pos []segment.Position) error {
	var b strings.Builder
	b.WriteString("MOV")
	for i, id := range ids {
		fmt.Fprintf(&b, " %d %g %g %g", id, pos[i].Piston, pos[i].Tip, pos[i].Tilt)
	}
	_, err := r.exchange(b.String())
	return err
}

// GetPositions reads the achieved positions of segments ids
func (r *Remote) GetPositions(ids []int) ([]segment.Position, error) {
	resp, err := r.exchange("POS? " + util.IntSliceToCSV(ids))
	if err != nil {
		return nil, err
	}
	fields := strings.Fields(resp)
	if len(fields) != 3*len(ids) {
		return nil, fmt.Errorf("expected %d values, got %d", 3*len(ids), len(fields))
	}
	vals := make([]float64, len(fields))
	for i, f := range fields {
		vals[i], err = strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, err
		}
	}
	m, err := segment.FromRows(vals)
	return []segment.Position(m), err
}

// Flatten applies the flat calibration held by the driver
func (r *Remote) Flatten() error {
	_, err := r.exchange("FLAT")
	return err
}

// Release terminates the connection with the mirror
func (r *Remote) Release() error {
	_, err := r.exchange("REL")
	r.dev.Close()
	return err
}

func (r *Remote) exchange(cmd string) (string, error) {
	resp, err := r.dev.SendRecv([]byte(cmd))
	if err != nil {
		return "", err
	}
	s := string(resp)
	if strings.HasPrefix(s, "ERR") {
		return "", fmt.Errorf("%w: %s", ErrBridge, strings.TrimSpace(strings.TrimPrefix(s, "ERR")))
	}
	return s, nil
}
