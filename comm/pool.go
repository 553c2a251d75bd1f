package comm

import (
	"io"
	"sync"
	"time"
)

// CreationFunc is a function which returns a new "connection" to something
// a closure should be used to encapsulate the variables and functions needed
type CreationFunc func() (io.ReadWriteCloser, error)

// Pool is a communication pool which holds one or more connections to a device
// that will be closed if they are not in use, and re-opened as needed.
// it is concurrent safe.  Pools must be created with NewPool.
type Pool struct {
	maxSize int                     // maximum number of connections, == cap(conns)
	timeout time.Duration           // idle time after which returned connections are closed
	conns   chan io.ReadWriteCloser // connections available for lease
	slots   chan struct{}           // one token per connection that exists or may be made
	maker   CreationFunc

	mu    sync.Mutex
	timer *time.Timer
}

// NewPool returns a pool holding up to maxSize connections made by maker
func NewPool(maxSize int, timeout time.Duration, maker CreationFunc) *Pool {
	p := &Pool{
		maxSize: maxSize,
		timeout: timeout,
		conns:   make(chan io.ReadWriteCloser, maxSize),
		slots:   make(chan struct{}, maxSize),
		maker:   maker,
	}
	return p
}

// Get retrieves a connection, blocking until one is available if all are in use.
// It is guaranteed that there is no contention for the ReadWriter.
//
// When done with the connection, return it with Put(), or discard it with
// Destroy() if it has become no good (e.g., all calls error).
//
// If the error from Get is not nil, you must not return it to the pool.
func (p *Pool) Get() (io.ReadWriter, error) {
	p.stopReclaim()
	// short circuit: if a connection is available, immediately return it
	select {
	case c := <-p.conns:
		return c, nil
	default:
	}
	select {
	case c := <-p.conns:
		return c, nil
	case p.slots <- struct{}{}:
		// room to make a new one
		c, err := p.maker()
		if err != nil {
			<-p.slots
			return nil, err
		}
		return c, nil
	}
}

// Put restores a connection to the pool.  It may be reused, or will be
// automatically freed after the pool has been idle for the timeout.
func (p *Pool) Put(rw io.ReadWriter) {
	p.conns <- rw.(io.ReadWriteCloser)
	p.startReclaim()
}

// Destroy immediately frees a connection from the pool.  This should be used
// instead of Put if the connection has gone bad.
func (p *Pool) Destroy(rw io.ReadWriter) {
	rw.(io.ReadWriteCloser).Close()
	<-p.slots
}

// Size returns the number of connections in the pool, or given out from it
func (p *Pool) Size() int {
	return len(p.slots)
}

// Active returns the number of connections owned by the pool that are currently given out
func (p *Pool) Active() int {
	return len(p.slots) - len(p.conns)
}

// Drain closes every connection not currently given out
func (p *Pool) Drain() {
	for {
		select {
		case c := <-p.conns:
			c.Close()
			<-p.slots
		default:
			return
		}
	}
}

func (p *Pool) startReclaim() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.timer != nil {
		p.timer.Stop()
	}
	p.timer = time.AfterFunc(p.timeout, p.Drain)
}

func (p *Pool) stopReclaim() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}
