package websocket_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HMasataka/tether/internal/logging"
	"github.com/HMasataka/tether/pkg/domain"
	"github.com/HMasataka/tether/pkg/heartbeat"
	"github.com/HMasataka/tether/pkg/manager"
	"github.com/HMasataka/tether/pkg/transport/websocket"
)

func startServer(t *testing.T, cfg manager.Config) (*manager.Manager, *httptest.Server) {
	t.Helper()
	m := manager.New(cfg, manager.WithLogger(logging.Discard().Logger))
	srv := httptest.NewServer(websocket.NewServer(m))
	t.Cleanup(func() {
		_ = m.Shutdown(context.Background())
		srv.Close()
	})
	return m, srv
}

func dial(t *testing.T, srv *httptest.Server, query string) *gws.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?" + query
	conn, _, err := gws.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readType(t *testing.T, conn *gws.Conn) string {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg struct {
		Type string `json:"type"`
	}
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg.Type
}

func TestServer_RejectsAnonymousUpgrade(t *testing.T) {
	_, srv := startServer(t, manager.DefaultConfig())

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/"
	_, resp, err := gws.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestServer_EstablishesAndAnswersPing(t *testing.T) {
	m, srv := startServer(t, manager.DefaultConfig())

	conn := dial(t, srv, "user_id=u1&run_id=r1")
	assert.Equal(t, string(domain.MessageTypeConnectionEstablished), readType(t, conn))
	assert.Len(t, m.UserConnections("u1"), 1)

	require.NoError(t, conn.WriteMessage(gws.TextMessage, []byte(`{"type":"ping"}`)))
	assert.Equal(t, string(domain.MessageTypePong), readType(t, conn))

	assert.Equal(t, 1, m.SendAgentUpdate(context.Background(), "r1", "planner", map[string]string{"step": "1"}))
	assert.Equal(t, string(domain.MessageTypeAgentUpdate), readType(t, conn))
}

func TestServer_ProtocolPongsKeepConnectionAlive(t *testing.T) {
	mon := heartbeat.New(heartbeat.ConfigForEnvironment("testing"))
	m := manager.New(manager.DefaultConfig(), manager.WithMonitor(mon), manager.WithLogger(logging.Discard().Logger))
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, m.Start(ctx))

	opts := websocket.DefaultClientOptions()
	opts.PingInterval = 50 * time.Millisecond
	srv := httptest.NewServer(websocket.NewServer(m, websocket.WithClientOptions(opts)))
	t.Cleanup(func() {
		cancel()
		_ = m.Shutdown(context.Background())
		srv.Close()
	})

	// never sends an application frame, only answers protocol pings
	conn := dial(t, srv, "user_id=u1")
	pings := make(chan struct{}, 128)
	conn.SetPingHandler(func(data string) error {
		select {
		case pings <- struct{}{}:
		default:
		}
		return conn.WriteControl(gws.PongMessage, []byte(data), time.Now().Add(time.Second))
	})
	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				readErr <- err
				return
			}
		}
	}()

	time.Sleep(2 * time.Second)

	select {
	case err := <-readErr:
		t.Fatalf("connection dropped: %v", err)
	default:
	}
	assert.Len(t, m.UserConnections("u1"), 1)
	assert.Zero(t, m.GetStats().HeartbeatDeaths)
	assert.GreaterOrEqual(t, len(pings), 5)
}

func TestServer_ClientCloseUnregisters(t *testing.T) {
	m, srv := startServer(t, manager.DefaultConfig())

	conn := dial(t, srv, "user_id=u1")
	readType(t, conn)

	require.NoError(t, conn.WriteMessage(gws.CloseMessage, gws.FormatCloseMessage(gws.CloseNormalClosure, "bye")))
	require.Eventually(t, func() bool {
		return len(m.UserConnections("u1")) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestServer_EvictedConnectionGetsPolicyClose(t *testing.T) {
	cfg := manager.DefaultConfig()
	cfg.MaxConnectionsPerUser = 1
	m, srv := startServer(t, cfg)

	first := dial(t, srv, "user_id=u1")
	readType(t, first)
	second := dial(t, srv, "user_id=u1")
	readType(t, second)

	require.NoError(t, first.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := first.ReadMessage()
	require.Error(t, err)
	assert.True(t, gws.IsCloseError(err, domain.ClosePolicyViolation), "got %v", err)
	assert.Len(t, m.UserConnections("u1"), 1)
}

func TestServer_ShutdownClosesWithServiceRestart(t *testing.T) {
	m, srv := startServer(t, manager.DefaultConfig())

	conn := dial(t, srv, "user_id=u1")
	readType(t, conn)

	require.NoError(t, m.Shutdown(context.Background()))
	assert.Equal(t, string(domain.MessageTypeSystemShutdown), readType(t, conn))

	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, gws.IsCloseError(err, domain.CloseServiceRestart), "got %v", err)
}

func TestServer_RejectsAfterShutdown(t *testing.T) {
	m, srv := startServer(t, manager.DefaultConfig())
	require.NoError(t, m.Shutdown(context.Background()))

	conn := dial(t, srv, "user_id=u1")
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, gws.IsCloseError(err, domain.CloseServiceRestart), "got %v", err)
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.0.0.1:5555"
	assert.Equal(t, "10.0.0.1", websocket.ClientIP(r))

	r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	assert.Equal(t, "203.0.113.9", websocket.ClientIP(r))
}

func TestHeaderAuthenticator(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws?thread_id=t1&tier=pro", nil)
	_, err := websocket.HeaderAuthenticator(r)
	require.Error(t, err)

	r.Header.Set("X-User-ID", "u9")
	req, err := websocket.HeaderAuthenticator(r)
	require.NoError(t, err)
	assert.Equal(t, "u9", req.UserID)
	assert.Equal(t, "t1", req.ThreadID)
	assert.Equal(t, "pro", req.Tier)
}
