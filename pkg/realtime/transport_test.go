package realtime

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// pushServer is a minimal WebSocket push endpoint. It records accepted
// connections, the access token each one presented, and every message a
// client sent.
type pushServer struct {
	srv *httptest.Server

	mu       sync.Mutex
	conns    []*websocket.Conn
	tokens   []string
	received [][]byte
	mutePong bool
}

func newPushServer(t *testing.T) *pushServer {
	t.Helper()
	s := &pushServer{}
	s.srv = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *pushServer) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := testUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.conns = append(s.conns, conn)
	s.tokens = append(s.tokens, r.URL.Query().Get("access_token"))
	mute := s.mutePong
	s.mu.Unlock()

	if mute {
		conn.SetPingHandler(func(string) error { return nil })
	}
	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			s.mu.Lock()
			s.received = append(s.received, data)
			s.mu.Unlock()
		}
	}()
}

func (s *pushServer) url() string { return s.srv.URL }

// dropPings makes the server swallow pings so clients never see a pong.
// Call before the client dials.
func (s *pushServer) dropPings() {
	s.mu.Lock()
	s.mutePong = true
	s.mu.Unlock()
}

func (s *pushServer) connCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// conn waits for the i-th accepted connection.
func (s *pushServer) conn(t *testing.T, i int) *websocket.Conn {
	t.Helper()
	waitFor(t, 3*time.Second, func() bool { return s.connCount() > i }, "server-side connection")
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns[i]
}

func (s *pushServer) push(t *testing.T, i int, frame string) {
	t.Helper()
	conn := s.conn(t, i)
	if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		t.Fatalf("push: %v", err)
	}
}

func (s *pushServer) token(t *testing.T, i int) string {
	t.Helper()
	s.conn(t, i)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tokens[i]
}

func (s *pushServer) messages() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.received))
	copy(out, s.received)
	return out
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out after %s waiting for %s", timeout, what)
}

func TestTransportConnectAndReceive(t *testing.T) {
	srv := newPushServer(t)

	c := NewWSConn(TransportConfig{URL: buildTransportURL(srv.url(), "tok one")})
	todo := make(chan any, 1)
	member := make(chan any, 1)
	c.OnServerEvent("todoUpdated", func(data any) { todo <- data })
	c.OnServerEvent("memberAdded", func(data any) { member <- data })

	if err := c.Start(t.Context()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer func() { _ = c.Stop() }()

	if got := srv.token(t, 0); got != "tok one" {
		t.Errorf("server saw access_token %q, want %q", got, "tok one")
	}
	if !c.Connected() {
		t.Error("expected Connected() after start")
	}
	if c.ID() == "" {
		t.Error("expected a connection ID after start")
	}

	srv.push(t, 0, `{"type":"todoUpdated","arguments":[{"id":"t1"}]}`)
	select {
	case data := <-todo:
		args, ok := data.([]any)
		if !ok || len(args) != 1 {
			t.Fatalf("expected arguments slice, got %#v", data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for todoUpdated")
	}

	srv.push(t, 0, `{"target":"memberAdded","payload":{"userId":"u1"}}`)
	select {
	case data := <-member:
		obj, ok := data.(map[string]any)
		if !ok || obj["userId"] != "u1" {
			t.Fatalf("expected payload object, got %#v", data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for memberAdded")
	}
}

func TestDispatchShapes(t *testing.T) {
	cases := []struct {
		name    string
		frame   string
		event   string
		deliver bool
		check   func(any) bool
	}{
		{
			name:    "arguments value",
			frame:   `{"type":"todoUpdated","arguments":[{"id":"t1"},{"id":"t2"}]}`,
			event:   "todoUpdated",
			deliver: true,
			check: func(v any) bool {
				args, ok := v.([]any)
				return ok && len(args) == 2
			},
		},
		{
			name:    "payload value",
			frame:   `{"type":"presenceChanged","payload":{"users":[]}}`,
			event:   "presenceChanged",
			deliver: true,
			check: func(v any) bool {
				m, ok := v.(map[string]any)
				return ok && m["users"] != nil
			},
		},
		{
			name:    "bare frame",
			frame:   `{"type":"systemNotification","text":"maintenance at noon"}`,
			event:   "systemNotification",
			deliver: true,
			check: func(v any) bool {
				m, ok := v.(map[string]any)
				return ok && m["text"] == "maintenance at noon"
			},
		},
		{
			name:    "target wins over type",
			frame:   `{"target":"memberAdded","type":"ignored","arguments":["x"]}`,
			event:   "memberAdded",
			deliver: true,
			check: func(v any) bool {
				args, ok := v.([]any)
				return ok && len(args) == 1 && args[0] == "x"
			},
		},
		{
			name:    "unnamed frame dropped",
			frame:   `{"arguments":[1]}`,
			event:   "todoUpdated",
			deliver: false,
		},
		{
			name:    "invalid json dropped",
			frame:   `{"type":`,
			event:   "todoUpdated",
			deliver: false,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := NewWSConn(TransportConfig{URL: "https://push.example.test/realtime"})
			got := make(chan any, 1)
			c.OnServerEvent(tc.event, func(data any) { got <- data })

			c.dispatch([]byte(tc.frame))

			select {
			case data := <-got:
				if !tc.deliver {
					t.Fatalf("expected no delivery, got %#v", data)
				}
				if !tc.check(data) {
					t.Errorf("unexpected payload: %#v", data)
				}
			default:
				if tc.deliver {
					t.Fatal("expected a delivery")
				}
			}
		})
	}
}

func TestTransportSend(t *testing.T) {
	srv := newPushServer(t)
	c := NewWSConn(TransportConfig{URL: buildTransportURL(srv.url(), "tok")})
	if err := c.Start(t.Context()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer func() { _ = c.Stop() }()

	msg := map[string]any{"type": "joinProject", "projectId": "p1"}
	if err := c.Send(t.Context(), msg); err != nil {
		t.Fatalf("send: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return len(srv.messages()) == 1 }, "message at server")
	var got map[string]any
	if err := json.Unmarshal(srv.messages()[0], &got); err != nil {
		t.Fatalf("unmarshal server message: %v", err)
	}
	if got["type"] != "joinProject" || got["projectId"] != "p1" {
		t.Errorf("unexpected message at server: %v", got)
	}
}

func TestTransportRedialAfterDrop(t *testing.T) {
	srv := newPushServer(t)
	c := NewWSConn(TransportConfig{
		URL:         buildTransportURL(srv.url(), "tok"),
		RetryDelays: []time.Duration{0, 50 * time.Millisecond},
	})
	reconnecting := make(chan int, 4)
	reconnected := make(chan string, 4)
	todo := make(chan any, 1)
	c.OnReconnecting(func(attempt int, _ time.Duration) { reconnecting <- attempt })
	c.OnReconnected(func(id string) { reconnected <- id })
	c.OnServerEvent("todoUpdated", func(data any) { todo <- data })

	if err := c.Start(t.Context()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer func() { _ = c.Stop() }()

	first := c.ID()
	_ = srv.conn(t, 0).Close()

	select {
	case attempt := <-reconnecting:
		if attempt != 1 {
			t.Errorf("first retry attempt = %d, want 1", attempt)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for retry notification")
	}

	var second string
	select {
	case second = <-reconnected:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for the link to come back")
	}
	if second == "" || second == first {
		t.Errorf("redial should mint a fresh connection ID, got %q then %q", first, second)
	}
	if !c.Connected() {
		t.Error("expected Connected() after redial")
	}

	srv.push(t, 1, `{"type":"todoUpdated","arguments":[{"id":"t9"}]}`)
	select {
	case <-todo:
	case <-time.After(2 * time.Second):
		t.Fatal("listeners should survive a redial")
	}
}

func TestTransportLadderExhausted(t *testing.T) {
	srv := newPushServer(t)
	c := NewWSConn(TransportConfig{
		URL:         buildTransportURL(srv.url(), "tok"),
		RetryDelays: []time.Duration{0, 20 * time.Millisecond},
	})
	closed := make(chan error, 1)
	c.OnClose(func(err error) { closed <- err })

	if err := c.Start(t.Context()); err != nil {
		t.Fatalf("start: %v", err)
	}
	conn := srv.conn(t, 0)
	// Close the listener before dropping the link: hijacked websocket
	// connections outlive Server.Close, and the first ladder rung would
	// otherwise redial straight back in.
	srv.srv.Close()
	_ = conn.Close()

	select {
	case err := <-closed:
		if err == nil {
			t.Fatal("exhausted ladder should close with an error")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for close")
	}
	if got := c.State(); got != Disconnected {
		t.Errorf("state = %s, want disconnected", got)
	}
}

func TestTransportStopReportsCleanClose(t *testing.T) {
	srv := newPushServer(t)
	c := NewWSConn(TransportConfig{URL: buildTransportURL(srv.url(), "tok")})
	closed := make(chan error, 1)
	c.OnClose(func(err error) { closed <- err })

	if err := c.Start(t.Context()); err != nil {
		t.Fatalf("start: %v", err)
	}
	srv.conn(t, 0)

	if err := c.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	select {
	case err := <-closed:
		if err != nil {
			t.Errorf("intentional stop should close with nil, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for close")
	}
	if got := c.State(); got != Disconnected {
		t.Errorf("state = %s, want disconnected", got)
	}
	if err := c.Stop(); err != nil {
		t.Errorf("second stop: %v", err)
	}
}

func TestTransportStartDialFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(srv.Close)

	c := NewWSConn(TransportConfig{URL: buildTransportURL(srv.URL, "tok")})
	closed := make(chan error, 1)
	c.OnClose(func(err error) { closed <- err })

	if err := c.Start(t.Context()); err == nil {
		t.Fatal("expected start to fail against a non-websocket endpoint")
	}
	select {
	case <-closed:
		t.Fatal("close callback must not fire for a failed initial dial")
	case <-time.After(100 * time.Millisecond):
	}
	if got := c.State(); got != Disconnected {
		t.Errorf("state = %s, want disconnected", got)
	}
}

func TestTransportNotConnectedErrors(t *testing.T) {
	c := NewWSConn(TransportConfig{URL: "https://push.example.test/realtime"})
	if err := c.Send(t.Context(), "x"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Send before start: got %v, want ErrNotConnected", err)
	}
	if err := c.Invoke(t.Context(), "JoinProject", "p1"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Invoke before start: got %v, want ErrNotConnected", err)
	}
}

func TestTransportInvokeUnsupported(t *testing.T) {
	srv := newPushServer(t)
	c := NewWSConn(TransportConfig{URL: buildTransportURL(srv.url(), "tok")})
	if err := c.Start(t.Context()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer func() { _ = c.Stop() }()

	err := c.Invoke(t.Context(), "JoinProject", map[string]any{"projectId": "p1"})
	if !errors.Is(err, ErrRPCUnsupported) {
		t.Errorf("Invoke on plain endpoint: got %v, want ErrRPCUnsupported", err)
	}
}

func TestTransportKeepaliveDropsDeadLink(t *testing.T) {
	srv := newPushServer(t)
	srv.dropPings()

	c := NewWSConn(TransportConfig{
		URL:          buildTransportURL(srv.url(), "tok"),
		RetryDelays:  []time.Duration{},
		PingInterval: 30 * time.Millisecond,
		PongWait:     120 * time.Millisecond,
	})
	closed := make(chan error, 1)
	c.OnClose(func(err error) { closed <- err })

	if err := c.Start(t.Context()); err != nil {
		t.Fatalf("start: %v", err)
	}
	select {
	case err := <-closed:
		if err == nil {
			t.Fatal("missed pongs should close the link with an error")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for keepalive to give up")
	}
}

func TestRedactURL(t *testing.T) {
	cases := []struct{ in, want string }{
		{"wss://push.example.test/realtime?access_token=secret", "wss://push.example.test/realtime?access_token=redacted"},
		{"wss://push.example.test/realtime", "wss://push.example.test/realtime"},
		{"://bad", "<invalid url>"},
	}
	for _, tc := range cases {
		if got := redactURL(tc.in); got != tc.want {
			t.Errorf("redactURL(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
