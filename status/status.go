// Package status keeps the operator-facing history of what the bench did
package status

import (
	"fmt"
	"log"
	"sync"
	"time"
)

// Level distinguishes normal messages from errors
type Level int

const (
	// Normal is an informational message
	Normal Level = iota
	// Error is a failure the operator should see
	Error
)

func (l Level) String() string {
	if l == Error {
		return "error"
	}
	return "normal"
}

// MarshalText encodes the level as its name
func (l Level) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// UnmarshalText decodes a level name
func (l *Level) UnmarshalText(b []byte) error {
	switch string(b) {
	case "error":
		*l = Error
	case "normal":
		*l = Normal
	default:
		return fmt.Errorf("unknown level %q", b)
	}
	return nil
}

// Event is one entry of the history
type Event struct {
	Time  time.Time `json:"time"`
	Text  string    `json:"text"`
	Level Level     `json:"level"`
}

func (e Event) String() string {
	return e.Time.Format("15:04:05") + " " + e.Text
}

// DefaultCapacity is the number of events kept when none is given
const DefaultCapacity = 200

// Log is a bounded, append-only event history with subscribers
type Log struct {
	mu     sync.Mutex
	events []Event
	cap    int
	subs   map[chan Event]struct{}

	// Now is the clock, replaceable in tests
	Now func() time.Time
}

// New returns a log holding at most capacity events
func New(capacity int) *Log {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Log{cap: capacity, subs: map[chan Event]struct{}{}, Now: time.Now}
}

// Add records a normal message
func (l *Log) Add(text string) {
	l.append(Normal, text)
}

// Addf records a formatted normal message
func (l *Log) Addf(format string, args ...interface{}) {
	l.append(Normal, fmt.Sprintf(format, args...))
}

// Error records an error message
func (l *Log) Error(text string) {
	l.append(Error, text)
}

// Errorf records a formatted error message
func (l *Log) Errorf(format string, args ...interface{}) {
	l.append(Error, fmt.Sprintf(format, args...))
}

// Report records err as an error message if it is not nil, and returns it
func (l *Log) Report(err error) error {
	if err != nil {
		l.Error(err.Error())
	}
	return err
}

func (l *Log) append(level Level, text string) {
	if l == nil {
		log.Println(text)
		return
	}
	e := Event{Time: l.Now(), Text: text, Level: level}
	if level == Error {
		log.Println("ERROR", text)
	} else {
		log.Println(text)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.events) == l.cap {
		copy(l.events, l.events[1:])
		l.events = l.events[:l.cap-1]
	}
	l.events = append(l.events, e)
	for ch := range l.subs {
		select {
		case ch <- e:
		default:
			// slow subscriber, drop
		}
	}
}

// Events returns a copy of the history, oldest first
func (l *Log) Events() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Event(nil), l.events...)
}

// Last returns the most recent event
func (l *Log) Last() (Event, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.events) == 0 {
		return Event{}, false
	}
	return l.events[len(l.events)-1], true
}

// Subscribe returns a channel receiving every new event.  Events are
// dropped for a subscriber that falls more than buffer events behind.
// Call cancel to unsubscribe; the channel is then closed.
func (l *Log) Subscribe(buffer int) (events <-chan Event, cancel func()) {
	ch := make(chan Event, buffer)
	l.mu.Lock()
	l.subs[ch] = struct{}{}
	l.mu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.subs, ch)
			l.mu.Unlock()
			close(ch)
		})
	}
}
