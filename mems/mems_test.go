package mems_test

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/glint-instrument/glintlab/comm"
	"github.com/glint-instrument/glintlab/mems"
	"github.com/glint-instrument/glintlab/segment"
	"github.com/google/go-cmp/cmp"
)

var lim = segment.Limits{Min: -2.5, Max: 2.5}

func TestMoveThenReadReturnsDeviceValue(t *testing.T) {
	port := mems.NewPort(mems.NewMock(4, lim), time.Second)
	err := port.Move([]int{2}, []segment.Position{{Piston: 4, Tip: -1, Tilt: 0.5}})
	if err != nil {
		t.Fatal(err)
	}
	got, err := port.Read([]int{2})
	if err != nil {
		t.Fatal(err)
	}
	want := []segment.Position{{Piston: 2.5, Tip: -1, Tilt: 0.5}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("read-back mismatch (-want +got):\n%s", diff)
	}
}

func TestFaultsAreCapturedWithKind(t *testing.T) {
	m := mems.NewMock(4, lim)
	m.Faults = func(k mems.Kind, ids []int) error {
		return fmt.Errorf("injected %v", k)
	}
	port := mems.NewPort(m, time.Second)
	cases := []struct {
		kind mems.Kind
		call func() error
	}{
		{mems.KindSend, func() error { return port.Move([]int{1}, []segment.Position{{}}) }},
		{mems.KindRead, func() error { _, err := port.Read([]int{1}); return err }},
		{mems.KindFlatten, port.Flatten},
		{mems.KindRelease, port.Release},
	}
	for _, c := range cases {
		err := c.call()
		if err == nil {
			t.Fatalf("%v: expected an error", c.kind)
		}
		if k := mems.KindOf(err); k != c.kind {
			t.Errorf("expected kind %v, got %v", c.kind, k)
		}
	}
}

func TestFailedReadReturnsZeros(t *testing.T) {
	m := mems.NewMock(4, lim)
	port := mems.NewPort(m, time.Second)
	port.Move([]int{1, 2}, []segment.Position{{Piston: 1}, {Piston: 2}})
	m.Faults = func(k mems.Kind, ids []int) error { return errors.New("bus error") }
	pos, err := port.Read([]int{1, 2})
	if err == nil {
		t.Fatal("expected read to fail")
	}
	if len(pos) != 2 || pos[0] != (segment.Position{}) || pos[1] != (segment.Position{}) {
		t.Errorf("expected two zero positions, got %+v", pos)
	}
}

type panicky struct{ mems.Mirror }

func (panicky) Flatten() error { panic("segfault in driver") }

func TestPanicIsCaptured(t *testing.T) {
	port := mems.NewPort(panicky{mems.NewMock(1, lim)}, time.Second)
	err := port.Flatten()
	if mems.KindOf(err) != mems.KindFlatten {
		t.Fatalf("expected a flatten error, got %v", err)
	}
}

func TestTimeout(t *testing.T) {
	m := mems.NewMock(1, lim)
	m.Latency = 500 * time.Millisecond
	port := mems.NewPort(m, 20*time.Millisecond)
	_, err := port.Read([]int{1})
	if !errors.Is(err, mems.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if mems.KindOf(err) != mems.KindRead {
		t.Errorf("expected read kind, got %v", mems.KindOf(err))
	}
}

func TestReleasedMirrorRefusesCommands(t *testing.T) {
	port := mems.NewPort(mems.NewMock(1, lim), time.Second)
	if err := port.Release(); err != nil {
		t.Fatal(err)
	}
	err := port.Move([]int{1}, []segment.Position{{}})
	if !errors.Is(err, mems.ErrReleased) {
		t.Errorf("expected ErrReleased, got %v", err)
	}
}

func TestErrorText(t *testing.T) {
	err := &mems.Error{Kind: mems.KindSend, Segments: []int{29}, Err: errors.New("nak")}
	if !strings.HasPrefix(err.Error(), "Err M5: Error sending positions") {
		t.Errorf("unexpected error text %q", err.Error())
	}
}

// bridge is a fake driver bridge backed by a Mock
func bridge(t *testing.T, m *mems.Mock) string {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				r := bufio.NewReader(conn)
				for {
					line, err := r.ReadString('\n')
					if err != nil {
						return
					}
					fmt.Fprintf(conn, "%s\n", answer(m, strings.TrimSpace(line)))
				}
			}()
		}
	}()
	return ln.Addr().String()
}

func answer(m *mems.Mock, line string) string {
	f := strings.Fields(line)
	switch f[0] {
	case "SEG?":
		return fmt.Sprint(m.Segments())
	case "MOV":
		var ids []int
		var pos []segment.Position
		for i := 1; i+3 < len(f)+1; i += 4 {
			var id int
			var p segment.Position
			fmt.Sscan(f[i], &id)
			fmt.Sscan(f[i+1], &p.Piston)
			fmt.Sscan(f[i+2], &p.Tip)
			fmt.Sscan(f[i+3], &p.Tilt)
			ids = append(ids, id)
			pos = append(pos, p)
		}
		if err := m.SetPositions(ids, pos); err != nil {
			return "ERR " + err.Error()
		}
		return "OK"
	case "POS?":
		var ids []int
		for _, s := range strings.Split(f[1], ",") {
			var id int
			fmt.Sscan(s, &id)
			ids = append(ids, id)
		}
		pos, err := m.GetPositions(ids)
		if err != nil {
			return "ERR " + err.Error()
		}
		var out []string
		for _, p := range pos {
			out = append(out, fmt.Sprintf("%g %g %g", p.Piston, p.Tip, p.Tilt))
		}
		return strings.Join(out, " ")
	case "FLAT":
		m.Flatten()
		return "OK"
	case "REL":
		return "OK"
	}
	return "ERR unknown command"
}

func TestRemoteAgainstBridge(t *testing.T) {
	addr := bridge(t, mems.NewMock(37, lim))
	r := mems.NewRemote(addr, false, 37, comm.Settings{Timeout: time.Second})
	if err := r.Connect(); err != nil {
		t.Fatal(err)
	}
	port := mems.NewPort(r, 2*time.Second)
	ids := []int{29, 35}
	if err := port.Move(ids, []segment.Position{{Piston: 0.25, Tip: 1}, {Tilt: -3}}); err != nil {
		t.Fatal(err)
	}
	got, err := port.Read(ids)
	if err != nil {
		t.Fatal(err)
	}
	want := []segment.Position{{Piston: 0.25, Tip: 1}, {Tilt: -2.5}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("remote read-back mismatch (-want +got):\n%s", diff)
	}
	_, err = port.Read([]int{99})
	if !errors.Is(err, mems.ErrBridge) {
		t.Errorf("expected a bridge error for a bad segment, got %v", err)
	}
}

func TestRemoteConnectWrongSize(t *testing.T) {
	addr := bridge(t, mems.NewMock(169, lim))
	r := mems.NewRemote(addr, false, 37, comm.Settings{Timeout: time.Second})
	err := r.Connect()
	if mems.KindOf(err) != mems.KindConnection {
		t.Errorf("expected a connection error, got %v", err)
	}
}
