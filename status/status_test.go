package status_test

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/glint-instrument/glintlab/status"
	"github.com/go-chi/chi"
	"github.com/gorilla/websocket"
)

func TestHistoryIsBounded(t *testing.T) {
	l := status.New(3)
	for i := 0; i < 5; i++ {
		l.Addf("event %d", i)
	}
	ev := l.Events()
	if len(ev) != 3 {
		t.Fatalf("expected 3 events, got %d", len(ev))
	}
	if ev[0].Text != "event 2" || ev[2].Text != "event 4" {
		t.Errorf("unexpected history %v", ev)
	}
}

func TestLevels(t *testing.T) {
	l := status.New(0)
	l.Add("fine")
	if err := l.Report(errors.New("Err M3: Error reading position")); err == nil {
		t.Fatal("Report should return its argument")
	}
	l.Report(nil)
	ev := l.Events()
	if len(ev) != 2 || ev[0].Level != status.Normal || ev[1].Level != status.Error {
		t.Errorf("unexpected history %+v", ev)
	}
	last, ok := l.Last()
	if !ok || !strings.HasPrefix(last.Text, "Err M3") {
		t.Errorf("unexpected last event %+v", last)
	}
}

func TestSubscribe(t *testing.T) {
	l := status.New(10)
	ch, cancel := l.Subscribe(1)
	l.Add("one")
	l.Add("two") // dropped, buffer is full
	e := <-ch
	if e.Text != "one" {
		t.Errorf("got %q", e.Text)
	}
	cancel()
	cancel()
	if _, ok := <-ch; ok {
		t.Error("channel should be closed after cancel")
	}
	l.Add("three") // must not panic on the closed channel
}

func TestWebsocketStream(t *testing.T) {
	l := status.New(10)
	r := chi.NewRouter()
	status.NewHTTPWrapper(l).RT().Bind(r)
	srv := httptest.NewServer(r)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/status/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	// the subscription is made after the upgrade; retry until it lands
	deadline := time.Now().Add(2 * time.Second)
	got := make(chan status.Event, 1)
	go func() {
		var e status.Event
		if err := conn.ReadJSON(&e); err == nil {
			got <- e
		}
	}()
	for {
		l.Error("scan aborted")
		select {
		case e := <-got:
			if e.Text != "scan aborted" {
				t.Errorf("unexpected event %+v", e)
			}
			return
		case <-time.After(20 * time.Millisecond):
		}
		if time.Now().After(deadline) {
			t.Fatal("no event received")
		}
	}
}
