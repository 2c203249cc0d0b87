package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sirosfoundation/go-socket-server/internal/events"
	"github.com/sirosfoundation/go-socket-server/internal/protocol"
	"github.com/sirosfoundation/go-socket-server/internal/session"
	"github.com/sirosfoundation/go-socket-server/internal/transport"
	"github.com/sirosfoundation/go-socket-server/pkg/config"
	"github.com/sirosfoundation/go-socket-server/pkg/logging"
)

const closedStatus = `["onStatus",{"code":"NetConnection.Connect.Closed","description":"Connection closed."}]`

// testConfig disables every listener; tests enable what they need.
func testConfig() *config.Config {
	return &config.Config{
		Name:    "test-server",
		XMLS:    config.TransportConfig{Bind: "127.0.0.1", Ping: 60, PingTimeout: 1},
		WS:      config.TransportConfig{Bind: "127.0.0.1", Path: "/", Ping: 60, PingTimeout: 1},
		WSS:     config.TransportConfig{Bind: "127.0.0.1", Path: "/", Ping: 60, PingTimeout: 1},
		Logging: logging.DefaultConfig(),
		Admin:   config.AdminConfig{Bind: "127.0.0.1"},
		Policy:  config.PolicyConfig{Domain: "*"},
		Limits:  config.LimitsConfig{MaxFrameBytes: 1 << 16, ListenerTimeout: 1},
	}
}

func newTestServer(t *testing.T, cfg *config.Config) *Server {
	t.Helper()
	srv := New(cfg, zap.NewNop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Stop(ctx)
	})
	return srv
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

// pipeClient is the peer end of a raw connection handed to Server.Accept.
type pipeClient struct {
	conn net.Conn

	mu   sync.Mutex
	buf  bytes.Buffer
	done chan struct{}
}

func dialPipe(t *testing.T, srv *Server) *pipeClient {
	t.Helper()
	server, client := net.Pipe()
	pc := &pipeClient{conn: client, done: make(chan struct{})}
	go pc.readLoop()
	go srv.Accept(transport.NewTCPConn(server))
	t.Cleanup(func() { _ = client.Close() })
	return pc
}

func (p *pipeClient) readLoop() {
	defer close(p.done)
	buf := make([]byte, 4096)
	for {
		n, err := p.conn.Read(buf)
		p.mu.Lock()
		p.buf.Write(buf[:n])
		p.mu.Unlock()
		if err != nil {
			return
		}
	}
}

func (p *pipeClient) send(t *testing.T, frames ...string) {
	t.Helper()
	var b strings.Builder
	for _, f := range frames {
		b.WriteString(f)
		b.WriteByte(0)
	}
	_, err := p.conn.Write([]byte(b.String()))
	require.NoError(t, err)
}

func (p *pipeClient) frames() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	parts := strings.Split(p.buf.String(), "\x00")
	return parts[:len(parts)-1]
}

func (p *pipeClient) received(frame string) bool {
	for _, f := range p.frames() {
		if f == frame {
			return true
		}
	}
	return false
}

func TestServer_ConnectLifecycle(t *testing.T) {
	srv := newTestServer(t, testConfig())

	post := make(chan events.Event, 1)
	_, err := srv.On(events.PostConnect, func(ev events.Event) { post <- ev })
	require.NoError(t, err)

	client := dialPipe(t, srv)
	client.send(t, `["connect",{"app":"test"}]`)

	var ev events.Event
	select {
	case ev = <-post:
	case <-time.After(2 * time.Second):
		t.Fatal("postConnect not published")
	}

	sess, err := srv.Session(ev.SessionID)
	require.NoError(t, err)
	assert.Equal(t, session.KindRawTCP, sess.Kind())
	assert.Equal(t, session.StateActive, sess.State())
	assert.Len(t, srv.Sessions(), 1)
	assert.Equal(t, 1, srv.Registry().Len())
}

func TestServer_OnInvalidKind(t *testing.T) {
	srv := newTestServer(t, testConfig())
	_, err := srv.On(events.Kind("nope"), func(events.Event) {})
	assert.Error(t, err)
}

func TestServer_Off(t *testing.T) {
	srv := newTestServer(t, testConfig())
	sub, err := srv.On(events.LS, func(events.Event) {})
	require.NoError(t, err)
	assert.Equal(t, 1, srv.Bus().Count(events.LS))

	srv.Off(sub)
	assert.Equal(t, 0, srv.Bus().Count(events.LS))
}

func echoHandler() protocol.CommandHandler {
	return protocol.CommandHandlerFunc(func(e *protocol.Engine, msg protocol.Message) error {
		args := make([]any, len(msg.Args))
		for i, a := range msg.Args {
			args[i] = a
		}
		return e.Call(msg.Token, args...)
	})
}

func TestServer_RegisterCommand(t *testing.T) {
	srv := newTestServer(t, testConfig())

	// Dialed before any registration; it must pick up both commands.
	existing := dialPipe(t, srv)
	require.Eventually(t, func() bool { return srv.Registry().Len() == 1 },
		2*time.Second, 5*time.Millisecond)

	srv.RegisterCommand("shout", echoHandler())
	existing.send(t, `["shout","hey"]`)
	assert.Eventually(t, func() bool { return existing.received(`["shout","hey"]`) },
		2*time.Second, 5*time.Millisecond)

	srv.RegisterCommand("echo", echoHandler())
	future := dialPipe(t, srv)
	future.send(t, `["echo",1]`, `["shout","ok"]`)
	assert.Eventually(t, func() bool {
		return future.received(`["echo",1]`) && future.received(`["shout","ok"]`)
	}, 2*time.Second, 5*time.Millisecond)

	existing.send(t, `["echo",2]`)
	assert.Eventually(t, func() bool { return existing.received(`["echo",2]`) },
		2*time.Second, 5*time.Millisecond)
}

func TestServer_RegisterCommandWhileAccepting(t *testing.T) {
	srv := newTestServer(t, testConfig())

	const n = 20
	clients := make([]*pipeClient, n)
	registered := make(chan struct{})
	go func() {
		defer close(registered)
		srv.RegisterCommand("late", echoHandler())
	}()
	for i := range clients {
		clients[i] = dialPipe(t, srv)
	}
	<-registered

	for _, c := range clients {
		c.send(t, `["late","x"]`)
	}
	for i, c := range clients {
		assert.Eventually(t, func() bool { return c.received(`["late","x"]`) },
			2*time.Second, 5*time.Millisecond, "client %d: %v", i, c.frames())
	}
}

func TestServer_PolicyOverRawSocket(t *testing.T) {
	cfg := testConfig()
	cfg.XMLS.Port = 1935
	srv := newTestServer(t, cfg)

	client := dialPipe(t, srv)
	client.send(t, `<policy-file-request/>`)

	select {
	case <-client.done:
	case <-time.After(2 * time.Second):
		t.Fatal("connection not closed after policy file")
	}
	require.Len(t, client.frames(), 1)
	assert.Contains(t, client.frames()[0], `to-ports="1935"`)
	assert.Equal(t, 0, srv.Registry().Len())
}

func TestServer_StopBroadcastsClose(t *testing.T) {
	srv := New(testConfig(), zap.NewNop())

	var doneCount sync.WaitGroup
	doneCount.Add(3)
	_, err := srv.On(events.DoneConnect, func(events.Event) { doneCount.Done() })
	require.NoError(t, err)

	clients := make([]*pipeClient, 3)
	for i := range clients {
		clients[i] = dialPipe(t, srv)
		clients[i].send(t, `["connect"]`)
	}
	require.Eventually(t, func() bool {
		all := srv.Sessions()
		if len(all) != 3 {
			return false
		}
		for _, s := range all {
			if s.State() != session.StateActive {
				return false
			}
		}
		return true
	}, 2*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, srv.Stop(ctx))

	for _, c := range clients {
		<-c.done
		assert.True(t, c.received(closedStatus), "frames: %v", c.frames())
	}
	doneCount.Wait()
	assert.Equal(t, 0, srv.Registry().Len())

	// Stop is idempotent and later connections are refused.
	require.NoError(t, srv.Stop(ctx))
	late := dialPipe(t, srv)
	select {
	case <-late.done:
	case <-time.After(2 * time.Second):
		t.Fatal("late connection not closed")
	}
	assert.Empty(t, late.frames())
}

func TestServer_StartIndependentTransports(t *testing.T) {
	cfg := testConfig()
	cfg.XMLS.Port = freePort(t)
	cfg.WSS.Port = freePort(t)
	cfg.WSS.Cert = "/nonexistent/cert.pem"
	cfg.WSS.Key = "/nonexistent/key.pem"
	srv := newTestServer(t, cfg)

	require.NoError(t, srv.Start(context.Background()))

	listeners := srv.Listeners()
	require.Len(t, listeners, 1)
	assert.Equal(t, session.KindRawTCP, listeners[0].Kind())

	conn, err := net.Dial("tcp", listeners[0].Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte("[\"connect\"]\x00"))
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		for _, s := range srv.Sessions() {
			if s.State() == session.StateActive && s.IsLocal() {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
}

func TestServer_WebSocketEndToEnd(t *testing.T) {
	srv := newTestServer(t, testConfig())

	_, err := srv.On(events.LG, func(ev events.Event) {
		var uid string
		_ = ev.Arg(0, &uid)
		_ = ev.Reply("v", uid)
	})
	require.NoError(t, err)

	ln := transport.NewWebSocketListener(transport.WebSocketOptions{Kind: session.KindWS, Path: "/"}, srv.Accept, zap.NewNop())
	ts := httptest.NewServer(ln.Handler())
	defer ts.Close()

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/", nil)
	require.NoError(t, err)
	defer ws.Close()

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("[\"connect\"]\x00[\"_LG\",\"u1\"]\x00")))

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, `["_B",{"0":"v","length":1,"callback_uid":"u1"}]`, strings.TrimSuffix(string(data), "\x00"))

	sessions := srv.Sessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, session.KindWS, sessions[0].Kind())
}

func TestServer_AdminAPI(t *testing.T) {
	cfg := testConfig()
	cfg.Admin.Port = freePort(t)
	cfg.Admin.Token = "secret"
	srv := newTestServer(t, cfg)

	require.NoError(t, srv.Start(context.Background()))
	require.NotNil(t, srv.AdminAddr())
	base := "http://" + srv.AdminAddr().String()

	client := dialPipe(t, srv)
	client.send(t, `["connect"]`)
	require.Eventually(t, func() bool { return srv.Registry().Len() == 1 },
		2*time.Second, 5*time.Millisecond)

	resp, err := http.Get(base + "/admin/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var status struct {
		Service  string `json:"service"`
		Sessions int    `json:"sessions"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.Equal(t, "test-server", status.Service)
	assert.Equal(t, 1, status.Sessions)

	req, err := http.NewRequest(http.MethodGet, base+"/admin/sessions", nil)
	require.NoError(t, err)
	resp2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp2.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp2.StatusCode)

	req.Header.Set("Authorization", "Bearer secret")
	resp3, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp3.Body.Close()
	assert.Equal(t, http.StatusOK, resp3.StatusCode)
}

func TestServer_AdminPortInUse(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	cfg := testConfig()
	cfg.Admin.Port = ln.Addr().(*net.TCPAddr).Port
	cfg.Admin.Token = "secret"
	srv := newTestServer(t, cfg)

	assert.Error(t, srv.Start(context.Background()))
}
