/*Package comm provides transport to line-oriented lab hardware over TCP or RS-232.

A RemoteDevice owns a small Pool of connections that are dialed on demand
(with exponential backoff, drivers behind terminal servers do not like being
connection thrashed) and reclaimed after a period of disuse.  Every exchange is
a single request line followed by a single response line.

	dev := comm.NewRemoteDevice("192.168.100.123:2006", false, comm.Settings{})
	resp, err := dev.SendRecv([]byte("SEG?"))
*/
package comm

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/tarm/serial"
)

var (
	// ErrNotConnected is generated when a connection could not be obtained from the pool
	ErrNotConnected = errors.New("not connected to remote")

	// ErrTerminatorNotFound is generated when the termination byte is not found in a response
	ErrTerminatorNotFound = errors.New("termination byte not found")
)

// Settings holds the transport parameters of a RemoteDevice.  Zero values are replaced by defaults.
type Settings struct {
	// Baud is the serial baud rate, ignored for TCP
	Baud int

	// Timeout bounds each dial, write and read
	Timeout time.Duration

	// Terminator ends every transmitted and received line
	Terminator byte

	// PoolSize is the maximum number of simultaneous connections
	PoolSize int

	// Idle is how long unused connections are kept open
	Idle time.Duration

	// MaxElapsed bounds the total time spent retrying a dial
	MaxElapsed time.Duration
}

func (s Settings) withDefaults() Settings {
	if s.Baud == 0 {
		s.Baud = 115200
	}
	if s.Timeout == 0 {
		s.Timeout = 3 * time.Second
	}
	if s.Terminator == 0 {
		s.Terminator = '\n'
	}
	if s.PoolSize == 0 {
		s.PoolSize = 1
	}
	if s.Idle == 0 {
		s.Idle = time.Minute
	}
	if s.MaxElapsed == 0 {
		s.MaxElapsed = 3 * time.Second
	}
	return s
}

// RemoteDevice has an address and exchanges terminated lines with it.
// it is concurrent safe; the pool serializes access to each connection.
type RemoteDevice struct {
	Addr     string
	IsSerial bool

	settings Settings
	pool     *Pool
}

// NewRemoteDevice creates a new RemoteDevice instance.  No connection is made until the first exchange.
func NewRemoteDevice(addr string, serial bool, s Settings) *RemoteDevice {
	s = s.withDefaults()
	rd := &RemoteDevice{Addr: addr, IsSerial: serial, settings: s}
	rd.pool = NewPool(s.PoolSize, s.Idle, Dialer(addr, serial, s))
	return rd
}

// Dialer returns a CreationFunc that opens a TCP or serial connection,
// retrying with exponential backoff until s.MaxElapsed has passed
func Dialer(addr string, isSerial bool, s Settings) CreationFunc {
	s = s.withDefaults()
	return func() (io.ReadWriteCloser, error) {
		var conn io.ReadWriteCloser
		op := func() error {
			var err error
			if isSerial {
				conn, err = serial.OpenPort(&serial.Config{Name: addr, Baud: s.Baud, ReadTimeout: s.Timeout})
			} else {
				conn, err = net.DialTimeout("tcp", addr, s.Timeout)
			}
			return err
		}
		err := backoff.Retry(op, &backoff.ExponentialBackOff{
			InitialInterval:     25 * time.Millisecond,
			RandomizationFactor: 0.,
			Multiplier:          2.,
			MaxInterval:         1 * time.Second,
			MaxElapsedTime:      s.MaxElapsed,
			Clock:               backoff.SystemClock})
		if err != nil {
			return nil, fmt.Errorf("connection to %s failed: %w", addr, err)
		}
		return conn, nil
	}
}

// SendRecv sends a buffer after appending the terminator,
// then returns the response with the terminator stripped.
// a connection which fails mid-exchange is destroyed rather than returned to the pool
func (rd *RemoteDevice) SendRecv(b []byte) ([]byte, error) {
	conn, err := rd.pool.Get()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	if d, ok := conn.(interface{ SetDeadline(time.Time) error }); ok {
		d.SetDeadline(time.Now().Add(rd.settings.Timeout))
	}
	resp, err := exchange(conn, b, rd.settings.Terminator)
	if err != nil {
		rd.pool.Destroy(conn)
		return nil, err
	}
	rd.pool.Put(conn)
	return resp, nil
}

// Close frees every idle connection held by the device
func (rd *RemoteDevice) Close() error {
	rd.pool.Drain()
	return nil
}

func exchange(rw io.ReadWriter, b []byte, term byte) ([]byte, error) {
	msg := make([]byte, 0, len(b)+1)
	msg = append(msg, b...)
	msg = append(msg, term)
	if _, err := rw.Write(msg); err != nil {
		return nil, err
	}
	buf, err := bufio.NewReader(rw).ReadBytes(term)
	if err != nil {
		if err == io.EOF {
			return nil, ErrTerminatorNotFound
		}
		return nil, err
	}
	buf = bytes.TrimSuffix(buf, []byte{term})
	return bytes.TrimRight(buf, "\r"), nil
}
