package websocket

import (
	"context"
	stderrors "errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/HMasataka/tether/internal/eventbus"
	"github.com/HMasataka/tether/internal/logging"
	"github.com/HMasataka/tether/pkg/domain"
	"github.com/HMasataka/tether/pkg/errors"
	"github.com/HMasataka/tether/pkg/manager"
)

// Manager is the part of manager.Manager the server drives
type Manager interface {
	Connect(ctx context.Context, req manager.ConnectRequest, t domain.Transport) (string, error)
	HandleInbound(ctx context.Context, connID string, data []byte) error
	RecordActivity(connID string)
	DisconnectByID(ctx context.Context, id string, code int, reason string) bool
}

// Authenticator resolves the identity of an upgrade request. Returning an
// error rejects the request with 401 before the upgrade.
type Authenticator func(r *http.Request) (manager.ConnectRequest, error)

var errMissingUser = errors.New(errors.ErrorTypeValidation, "MISSING_USER", "user id is required")

// HeaderAuthenticator takes the user id from the X-User-ID header or the
// user_id query parameter.
func HeaderAuthenticator(r *http.Request) (manager.ConnectRequest, error) {
	q := r.URL.Query()
	userID := r.Header.Get("X-User-ID")
	if userID == "" {
		userID = q.Get("user_id")
	}
	if userID == "" {
		return manager.ConnectRequest{}, errMissingUser
	}

	return manager.ConnectRequest{
		UserID:   userID,
		ThreadID: q.Get("thread_id"),
		RunID:    q.Get("run_id"),
		Tier:     q.Get("tier"),
		ClientIP: ClientIP(r),
		Metadata: map[string]string{
			"user_agent": r.UserAgent(),
		},
	}, nil
}

// ClientIP returns the first X-Forwarded-For hop, or the host of RemoteAddr
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Server represents a WebSocket server
type Server struct {
	upgrader websocket.Upgrader
	manager  Manager
	logger   *logging.Logger
	eventBus eventbus.Bus
	options  ServerOptions
}

// NewServer creates a new WebSocket server
func NewServer(m Manager, opts ...ServerOption) *Server {
	options := ServerOptions{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
		Authenticator: HeaderAuthenticator,
		Client:        DefaultClientOptions(),
	}

	for _, opt := range opts {
		opt(&options)
	}
	if options.Logger == nil {
		options.Logger = logging.Discard()
	}

	return &Server{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  options.ReadBufferSize,
			WriteBufferSize: options.WriteBufferSize,
			CheckOrigin:     options.CheckOrigin,
		},
		manager:  m,
		logger:   options.Logger.Component("websocket-server"),
		eventBus: options.EventBus,
		options:  options,
	}
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	req, err := s.options.Authenticator(r)
	if err != nil {
		s.logger.Warn("websocket authentication failed",
			"error", err,
			"remote_addr", r.RemoteAddr,
		)
		if s.eventBus != nil {
			s.eventBus.PublishAsync(eventbus.NewEvent(
				eventbus.EventConnectionRejected,
				"websocket-server",
				eventbus.ConnectionData{Reason: err.Error()},
			))
		}
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade error",
			"error", err,
			"remote_addr", r.RemoteAddr,
		)
		return
	}

	logger := s.logger.WithFields(map[string]any{
		"user_id":     req.UserID,
		"remote_addr": r.RemoteAddr,
	})
	client := NewClient(conn, logger, s.options.Client)
	client.Start()

	ctx := context.WithoutCancel(r.Context())
	connID, err := s.manager.Connect(ctx, req, client)
	if err != nil {
		code := domain.CloseInternalError
		switch errors.TypeOf(err) {
		case errors.ErrorTypeRateLimited, errors.ErrorTypeCapacity:
			code = domain.CloseTryAgainLater
		case errors.ErrorTypeUnavailable:
			code = domain.CloseServiceRestart
		}
		logger.Warn("connection rejected", "error", err, "code", code)
		closeCtx, cancel := context.WithTimeout(ctx, s.options.Client.WriteTimeout)
		_ = client.Close(closeCtx, code, rejectReason(err))
		cancel()
		return
	}

	logger = logger.WithFields(map[string]any{"connection_id": connID})
	logger.Info("client connected")
	ctx = logging.WithLogger(ctx, logger)

	client.OnPong(func() {
		s.manager.RecordActivity(connID)
	})
	client.ReadLoop(func(message []byte) {
		if err := s.manager.HandleInbound(ctx, connID, message); err != nil {
			logger.Debug("inbound message rejected", "error", err)
		}
	})

	closeCtx, cancel := context.WithTimeout(ctx, s.options.Client.WriteTimeout)
	defer cancel()
	s.manager.DisconnectByID(closeCtx, connID, domain.CloseNormal, domain.ReasonClientClosed)
	<-waitDone(client, 100*time.Millisecond)

	logger.Info("client disconnected")
}

func rejectReason(err error) string {
	var e *errors.Error
	if stderrors.As(err, &e) {
		if e.Type == errors.ErrorTypeCapacity {
			return domain.ReasonServerCapacity
		}
		if e.Details != "" {
			return e.Details
		}
		return e.Message
	}
	return err.Error()
}

// waitDone closes its result once client is done or d has elapsed
func waitDone(client *Client, d time.Duration) <-chan struct{} {
	out := make(chan struct{})
	go func() {
		defer close(out)
		select {
		case <-client.Done():
		case <-time.After(d):
		}
	}()
	return out
}
