package agent

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/nlink/agent/internal/protocol"
)

var _test_upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// _start_relay runs a fake relay: it records each handshake request
// and hands the upgraded connection to script.
func _start_relay(t *testing.T, script func(conn *websocket.Conn)) (host string, handshakes chan *http.Request) {
	t.Helper()
	handshakes = make(chan *http.Request, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clone := r.Clone(context.Background())
		select {
		case handshakes <- clone:
		default:
		}
		conn, err := _test_upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		script(conn)
	}))
	t.Cleanup(srv.Close)
	return strings.TrimPrefix(srv.URL, "http://"), handshakes
}

func _session_config(host string) *Config {
	cfg := &Config{
		Tunnels:   []TunnelDescriptor{{RemoteName: "app", Label: "My App", LocalTarget: "http://127.0.0.1:1"}},
		APIKey:    "secret",
		Hostname:  host,
		Secure:    false,
		UserAgent: "agent-test/1",
		ClientID:  "cid123",
	}
	if err := cfg.Validate(); err != nil {
		panic(err)
	}
	return cfg
}

func Test_dial_registers_and_authenticates(t *testing.T) {
	hold := make(chan struct{})
	defer close(hold)
	host, handshakes := _start_relay(t, func(conn *websocket.Conn) { <-hold })

	session, err := DialSession(context.Background(), _session_config(host), nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer session.Close()

	r := <-handshakes
	if r.URL.Path != "/api/tunnel" {
		t.Errorf("path %q", r.URL.Path)
	}
	if got := r.Header.Get("Authorization"); got != "Bearer secret" {
		t.Errorf("authorization %q", got)
	}
	if got := r.Header.Get("User-Agent"); got != "agent-test/1" {
		t.Errorf("user-agent %q", got)
	}
	q := r.URL.Query()
	if got := q["s"]; len(got) != 1 || got[0] != "app|My App" {
		t.Errorf("s params %v", got)
	}
	if got := q.Get("c"); got != "cid123" {
		t.Errorf("c param %q", got)
	}
}

func Test_dial_follows_redirect(t *testing.T) {
	hold := make(chan struct{})
	defer close(hold)
	host, handshakes := _start_relay(t, func(conn *websocket.Conn) { <-hold })

	front := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "http://"+host+"/api/tunnel?"+r.URL.RawQuery, http.StatusFound)
	}))
	defer front.Close()

	cfg := _session_config(strings.TrimPrefix(front.URL, "http://"))
	session, err := DialSession(context.Background(), cfg, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("dial through redirect failed: %v", err)
	}
	defer session.Close()

	r := <-handshakes
	if got := r.URL.Query().Get("c"); got != "cid123" {
		t.Errorf("query lost across redirect: c=%q", got)
	}
}

func Test_read_loop_routes_frames_and_reports_close(t *testing.T) {
	host, _ := _start_relay(t, func(conn *websocket.Conn) {
		// a text message and a malformed frame, both dropped
		conn.WriteMessage(websocket.TextMessage, []byte("ignore me"))
		conn.WriteMessage(websocket.BinaryMessage, []byte{9, 9, 9})
		// a real request frame
		f := &protocol.Frame{Type: protocol.TypeHTTP, Payload: []byte(`{"url":"/x"}`)}
		f.RequestID[0] = 7
		conn.WriteMessage(websocket.BinaryMessage, protocol.MarshalFrame(f))
		time.Sleep(50 * time.Millisecond)
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "boom"),
			time.Now().Add(time.Second))
	})

	session, err := DialSession(context.Background(), _session_config(host), nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer session.Close()

	started := make(chan *PerRequest, 1)
	reg := NewRegistry(zerolog.Nop(), func(pr *PerRequest) {
		started <- pr
		<-pr.Done()
	}, func(protocol.IdleDescriptor) {})

	runErr := make(chan error, 1)
	go func() { runErr <- session.Run(reg) }()

	select {
	case pr := <-started:
		if pr.ID[0] != 7 {
			t.Errorf("request id %v", pr.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("request frame never routed")
	}

	select {
	case err := <-runErr:
		if err == nil || !strings.Contains(err.Error(), "1011 - boom") {
			t.Errorf("close error %v, want code - reason", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("read loop never returned")
	}
}

func Test_send_delivers_one_binary_frame(t *testing.T) {
	echoed := make(chan *protocol.Frame, 1)
	host, _ := _start_relay(t, func(conn *websocket.Conn) {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.BinaryMessage {
			return
		}
		if f, ok := protocol.UnmarshalFrame(data); ok {
			echoed <- f
		}
	})

	session, err := DialSession(context.Background(), _session_config(host), nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer session.Close()

	out := &protocol.Frame{Type: protocol.TypeData, Payload: []byte("chunk")}
	out.RequestID[5] = 1
	if err := session.Send(out); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	select {
	case f := <-echoed:
		if f.Type != protocol.TypeData || string(f.Payload) != "chunk" || f.RequestID != out.RequestID {
			t.Errorf("relay saw %+v", f)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("frame never reached the relay")
	}
}

func Test_close_makes_run_return_nil(t *testing.T) {
	hold := make(chan struct{})
	defer close(hold)
	host, _ := _start_relay(t, func(conn *websocket.Conn) { <-hold })

	session, err := DialSession(context.Background(), _session_config(host), nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}

	reg := NewRegistry(zerolog.Nop(), func(*PerRequest) {}, func(protocol.IdleDescriptor) {})
	runErr := make(chan error, 1)
	go func() { runErr <- session.Run(reg) }()

	time.Sleep(20 * time.Millisecond)
	session.Close()

	select {
	case err := <-runErr:
		if err != nil {
			t.Errorf("deliberate close reported error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("read loop never returned")
	}
}
