package channel

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{}

type chanSink struct {
	ch chan Event
}

func (s *chanSink) OnEvent(_ context.Context, ev Event) {
	s.ch <- ev
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func testConfig(url string) Config {
	return Config{
		URL:            url,
		InitialBackoff: 20 * time.Millisecond,
		MaxBackoff:     500 * time.Millisecond,
		BackoffFactor:  2,
		// keepalive off: tests control the connection lifetime directly
		PingInterval: 0,
	}
}

func TestChannelDeliversParsedEvents(t *testing.T) {
	frames := []string{
		`{"type":"job_update","ts":100,"payload":{"id":"j1","status":"running","progress":10,"run_id":1}}`,
		`{"type":"shiny_new_thing","ts":101,"payload":{}}`, // unknown kind: dropped, not fatal
		`not even json`,                                    // parse error: dropped, not fatal
		`{"type":"upload_progress","ts":102,"payload":{"id":"u1","progress":55}}`,
		`{"type":"system_alert","ts":103,"payload":{"id":"a1","severity":"warning","message":"disk almost full"}}`,
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("bad auth header %q", got)
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		for _, f := range frames {
			conn.WriteMessage(websocket.TextMessage, []byte(f))
		}
		// hold the connection open until the client goes away
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	sink := &chanSink{ch: make(chan Event, 16)}
	ch := New(testConfig(wsURL(srv)), func() string { return "tok" }, sink, nil, nil)
	if err := ch.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	var got []Event
	for len(got) < 3 {
		select {
		case ev := <-sink.ch:
			got = append(got, ev)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out, got %d events", len(got))
		}
	}
	if ju, ok := got[0].(*JobUpdate); !ok || ju.ID != "j1" || !ju.HasProgress || ju.Progress != 10 {
		t.Errorf("event 0 wrong: %#v", got[0])
	}
	if up, ok := got[1].(*UploadProgress); !ok || up.ID != "u1" || up.Progress != 55 {
		t.Errorf("event 1 wrong: %#v", got[1])
	}
	if sa, ok := got[2].(*SystemAlert); !ok || sa.Severity != "warning" {
		t.Errorf("event 2 wrong: %#v", got[2])
	}

	ch.Stop()
	if st := ch.State(); st != StateIdle {
		t.Errorf("state after Stop = %s, want idle", st)
	}
	// no further deliveries after Stop returns
	select {
	case ev := <-sink.ch:
		t.Errorf("event delivered after Stop: %#v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestChannelReconnectBackoffAndReset(t *testing.T) {
	var mu sync.Mutex
	var attempts []time.Time
	connected := make(chan *websocket.Conn, 4)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		attempts = append(attempts, time.Now())
		n := len(attempts)
		mu.Unlock()
		if n <= 3 {
			http.Error(w, "nope", http.StatusInternalServerError)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		connected <- conn
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	sink := &chanSink{ch: make(chan Event, 1)}
	ch := New(testConfig(wsURL(srv)), func() string { return "" }, sink, nil, nil)
	if err := ch.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer ch.Stop()

	var serverConn *websocket.Conn
	select {
	case serverConn = <-connected:
	case <-time.After(5 * time.Second):
		t.Fatalf("never connected")
	}

	mu.Lock()
	if len(attempts) != 4 {
		mu.Unlock()
		t.Fatalf("got %d attempts want 4", len(attempts))
	}
	gap1 := attempts[1].Sub(attempts[0])
	gap2 := attempts[2].Sub(attempts[1])
	gap3 := attempts[3].Sub(attempts[2])
	mu.Unlock()
	if !(gap2 > gap1 && gap3 > gap2) {
		t.Errorf("backoff delays not strictly increasing: %v %v %v", gap1, gap2, gap3)
	}

	// a successful open must reset the backoff: after a drop, the next
	// attempt arrives within roughly the initial delay, not the grown one
	dropAt := time.Now()
	serverConn.Close()
	select {
	case <-connected:
	case <-time.After(5 * time.Second):
		t.Fatalf("never reconnected after drop")
	}
	mu.Lock()
	redialGap := attempts[4].Sub(dropAt)
	mu.Unlock()
	if redialGap >= 100*time.Millisecond {
		t.Errorf("backoff was not reset after successful open: redial took %v", redialGap)
	}
}

func TestChannelUnauthorizedHandshake(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	unauthorized := make(chan struct{}, 4)
	sink := &chanSink{ch: make(chan Event, 1)}
	ch := New(testConfig(wsURL(srv)), func() string { return "expired" }, sink, nil, func() {
		unauthorized <- struct{}{}
	})
	if err := ch.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	select {
	case <-unauthorized:
	case <-time.After(2 * time.Second):
		t.Fatalf("onUnauthorized never fired")
	}
	ch.Stop()
	if st := ch.State(); st != StateIdle {
		t.Errorf("state after unauthorized stop = %s", st)
	}
	select {
	case <-unauthorized:
		t.Errorf("onUnauthorized fired more than once")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestChannelStartWhileRunning(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	sink := &chanSink{ch: make(chan Event, 1)}
	ch := New(testConfig(wsURL(srv)), func() string { return "" }, sink, nil, nil)
	if err := ch.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := ch.Start(context.Background()); err == nil {
		t.Errorf("second Start did not error")
	}
	ch.Stop()
	// after a full stop the channel may be started again (next login)
	if err := ch.Start(context.Background()); err != nil {
		t.Errorf("restart after Stop: %v", err)
	}
	ch.Stop()
}

func TestParseMessageVariants(t *testing.T) {
	ev, err := parseMessage([]byte(`{"type":"metrics_update","ts":5,"payload":{"cpu":0.5,"queue_depth":3}}`))
	if err != nil {
		t.Fatalf("metrics_update: %v", err)
	}
	mu, ok := ev.(*MetricsUpdate)
	if !ok || len(mu.Values) != 2 || mu.TS != 5 {
		t.Errorf("metrics parsed wrong: %#v", ev)
	}

	if _, err := parseMessage([]byte(`{"type":"job_update","payload":{"status":"running"}}`)); err == nil {
		t.Errorf("job_update without id should be a parse error")
	}

	ev, err = parseMessage([]byte(`{"type":"error","payload":{"message":"boom"}}`))
	if err != nil {
		t.Fatalf("error frame: %v", err)
	}
	if se, ok := ev.(*ServerError); !ok || se.Message != "boom" {
		t.Errorf("error parsed wrong: %#v", ev)
	}

	ev, err = parseMessage([]byte(`{"type":"v2_experimental","payload":{}}`))
	if err != nil {
		t.Fatalf("unknown kind should not error: %v", err)
	}
	if u, ok := ev.(*Unknown); !ok || u.RawKind != "v2_experimental" {
		t.Errorf("unknown parsed wrong: %#v", ev)
	}
}
