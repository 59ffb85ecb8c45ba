// Package gateway serves the block extension over HTTP and WebSocket.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker/v2"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"f503i-bridge/analytics"
	"f503i-bridge/ble"
	"f503i-bridge/blocks"
	"f503i-bridge/device"
	"f503i-bridge/eventbus"
)

// ErrMethodNotFound is returned for an unknown RPC method.
var ErrMethodNotFound = errors.New("method not found")

// DefaultOrigins are the WebSocket and CORS origins allowed when none are configured.
var DefaultOrigins = []string{
	"localhost",
	"localhost:*",
	"127.0.0.1",
	"127.0.0.1:*",
	"[::1]",
	"[::1]:*",
}

// Executor runs block opcodes.
type Executor interface {
	Execute(ctx context.Context, opcode string, args blocks.Args) (any, error)
}

// Session exposes analytics session control.
type Session interface {
	GetState() *analytics.SessionState
	StartSession()
	ResetSession()
}

// EventSource delivers every bus event.
type EventSource interface {
	SubscribeAll(handler eventbus.Handler) func()
}

// Options configures a Server.
type Options struct {
	Addr           string
	RequestsPerMin int
	Burst          int
	Origins        []string
}

type clientConn struct {
	ws        *websocket.Conn
	sendCh    chan Frame
	done      chan struct{}
	closeOnce sync.Once
}

func (cc *clientConn) close() {
	cc.closeOnce.Do(func() { close(cc.done) })
}

// Server is the HTTP and WebSocket gateway.
type Server struct {
	exec    Executor
	session Session
	events  EventSource
	opts    Options
	logger  *slog.Logger

	clients sync.Map // uint64 -> *clientConn
	nextID  atomic.Uint64

	mu        sync.Mutex
	httpSrv   *http.Server
	boundAddr string
	unsubAll  func()
	ready     chan struct{}
}

// NewServer creates a gateway server.
func NewServer(exec Executor, session Session, events EventSource, opts Options, logger *slog.Logger) *Server {
	if len(opts.Origins) == 0 {
		opts.Origins = DefaultOrigins
	}
	return &Server{
		exec:    exec,
		session: session,
		events:  events,
		opts:    opts,
		logger:  logger.With("component", "gateway"),
		ready:   make(chan struct{}),
	}
}

// Handler returns the gateway routes. ctx bounds the rate limiter's cleanup.
func (s *Server) Handler(ctx context.Context) http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("GET /api/extension", s.handleExtension)
	api.HandleFunc("POST /api/blocks/{opcode}", s.handleExecute)
	api.HandleFunc("GET /api/analytics", s.handleAnalytics)
	api.HandleFunc("POST /api/session/start", s.handleSession(s.session.StartSession))
	api.HandleFunc("POST /api/session/reset", s.handleSession(s.session.ResetSession))

	limit := RateLimit(ctx, s.opts.RequestsPerMin, s.opts.Burst)

	mux := http.NewServeMux()
	mux.Handle("/api/", CORS(s.opts.Origins)(limit(api)))
	mux.HandleFunc("GET /ws", s.handleUpgrade)
	return mux
}

// Start listens and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("gateway listen: %w", err)
	}

	srv := &http.Server{
		Handler:           s.Handler(ctx),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.mu.Lock()
	s.httpSrv = srv
	s.boundAddr = listener.Addr().String()
	s.unsubAll = s.events.SubscribeAll(s.forward)
	s.mu.Unlock()
	close(s.ready)

	s.logger.Info("gateway started", "addr", listener.Addr().String())

	go func() {
		<-ctx.Done()
		_ = s.Stop(context.Background())
	}()

	if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("gateway serve: %w", err)
	}
	return nil
}

// Ready is closed once the listener is bound.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// BoundAddr returns the listening address. Only valid after Ready.
func (s *Server) BoundAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.boundAddr
}

// Port returns the bound TCP port, or 0 before Ready.
func (s *Server) Port() int {
	addr, err := net.ResolveTCPAddr("tcp", s.BoundAddr())
	if err != nil {
		return 0
	}
	return addr.Port
}

// Stop closes client connections and shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	unsub := s.unsubAll
	s.unsubAll = nil
	srv := s.httpSrv
	s.mu.Unlock()

	if unsub != nil {
		unsub()
	}

	s.clients.Range(func(key, value any) bool {
		cc := value.(*clientConn)
		cc.close()
		cc.ws.Close(websocket.StatusGoingAway, "server shutting down")
		s.clients.Delete(key)
		return true
	})

	if srv == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// forward pushes a bus event to every WebSocket client.
func (s *Server) forward(_ context.Context, event eventbus.Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	frame := Frame{Type: FrameTypeEvent, Payload: payload}
	s.clients.Range(func(_, value any) bool {
		cc := value.(*clientConn)
		select {
		case cc.sendCh <- frame:
		default:
			s.logger.Warn("dropped event for slow client", "event", string(event.Type))
		}
		return true
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps block errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, blocks.ErrUnknownOpcode):
		return http.StatusNotFound
	case errors.Is(err, blocks.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, device.ErrNotConnected), errors.Is(err, ble.ErrLinkClosed):
		return http.StatusConflict
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func (s *Server) handleExtension(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, blocks.Extension())
}

func (s *Server) handleAnalytics(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.session.GetState())
}

func (s *Server) handleSession(action func()) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		action()
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	}
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	opcode := r.PathValue("opcode")

	var args map[string]any
	if r.ContentLength != 0 {
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10))
		if err := dec.Decode(&args); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
			return
		}
	}

	result, err := s.exec.Execute(r.Context(), opcode, args)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, ExecuteResult{Result: result})
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.opts.Origins,
	})
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}

	connID := s.nextID.Add(1)
	cc := &clientConn{
		ws:     ws,
		sendCh: make(chan Frame, 64),
		done:   make(chan struct{}),
	}
	s.clients.Store(connID, cc)
	s.logger.Info("client connected", "conn_id", connID, "remote", r.RemoteAddr)

	go s.writeLoop(cc)
	s.readLoop(r.Context(), cc)

	cc.close()
	s.clients.Delete(connID)
	ws.Close(websocket.StatusNormalClosure, "")
	s.logger.Info("client disconnected", "conn_id", connID)
}

func (s *Server) readLoop(ctx context.Context, cc *clientConn) {
	for {
		select {
		case <-cc.done:
			return
		default:
		}

		var frame Frame
		if err := wsjson.Read(ctx, cc.ws, &frame); err != nil {
			return
		}
		if frame.Type != FrameTypeRequest {
			continue
		}
		go s.dispatchRPC(ctx, cc, frame)
	}
}

func (s *Server) writeLoop(cc *clientConn) {
	for {
		select {
		case <-cc.done:
			return
		case frame := <-cc.sendCh:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := wsjson.Write(ctx, cc.ws, frame)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func (s *Server) dispatchRPC(ctx context.Context, cc *clientConn, req Frame) {
	result, err := s.call(ctx, req)
	resp := Frame{Type: FrameTypeResponse, ID: req.ID}
	if err != nil {
		resp.Error = err.Error()
	} else if resp.Payload, err = json.Marshal(result); err != nil {
		resp.Payload = nil
		resp.Error = fmt.Sprintf("encode result: %v", err)
	}

	select {
	case cc.sendCh <- resp:
	case <-cc.done:
	default:
		s.logger.Warn("dropped response for slow client", "frame_id", req.ID)
	}
}

func (s *Server) call(ctx context.Context, req Frame) (any, error) {
	switch req.Method {
	case MethodBlockExecute:
		var p ExecuteRequest
		if len(req.Payload) > 0 {
			if err := json.Unmarshal(req.Payload, &p); err != nil {
				return nil, fmt.Errorf("%w: %w", blocks.ErrInvalidArgument, err)
			}
		}
		result, err := s.exec.Execute(ctx, p.Opcode, p.Args)
		if err != nil {
			return nil, err
		}
		return ExecuteResult{Result: result}, nil
	case MethodExtension:
		return blocks.Extension(), nil
	case MethodAnalytics:
		return s.session.GetState(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrMethodNotFound, req.Method)
	}
}
