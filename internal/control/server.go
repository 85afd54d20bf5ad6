package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/tiroq/obsoutput/internal/diaglog"
	"github.com/tiroq/obsoutput/internal/engine"
	"github.com/tiroq/obsoutput/internal/output"
)

const (
	handshakeTimeout = 10 * time.Second
	writeTimeout     = 5 * time.Second
	sendBuffer       = 64
)

// Engine is the part of *engine.Engine the server drives.
type Engine interface {
	Kinds(locale string) []engine.KindInfo
	Snapshot() []output.Snapshot
	Get(name string) (*output.Instance, error)
	Start(ctx context.Context, name string) error
	Stop(ctx context.Context, name string) error
	Pause(ctx context.Context, name string) error
	Unpause(ctx context.Context, name string) error
	Subscribe(fn func(output.Event)) (cancel func())
}

// Server exposes an Engine over the websocket protocol, next to /metrics
// and /healthz.
type Server struct {
	eng      Engine
	password string
	version  string
	logger   zerolog.Logger
	diag     *diaglog.Logger
	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[*session]struct{}
	unsub    func()
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithPassword requires clients to authenticate.
func WithPassword(p string) ServerOption {
	return func(s *Server) { s.password = p }
}

func WithServerLogger(l zerolog.Logger) ServerOption {
	return func(s *Server) { s.logger = l }
}

func WithServerDiag(d *diaglog.Logger) ServerOption {
	return func(s *Server) { s.diag = d }
}

// WithVersion sets the version announced in Hello.
func WithVersion(v string) ServerOption {
	return func(s *Server) { s.version = v }
}

// NewServer creates a server and subscribes it to eng's lifecycle events.
func NewServer(eng Engine, opts ...ServerOption) *Server {
	s := &Server{
		eng:      eng,
		version:  "dev",
		logger:   zerolog.Nop(),
		diag:     diaglog.NewNoOp(),
		sessions: make(map[*session]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.unsub = eng.Subscribe(s.broadcast)
	return s
}

// Router returns the HTTP handler: /ws, /outputs, /metrics and /healthz.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("ok\n"))
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/outputs", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(s.eng.Snapshot())
	})
	r.Get("/ws", s.handleWS)
	return r
}

// ListenAndServe serves on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("control listen: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done, then closes every session.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	handler := otelhttp.NewHandler(s.Router(), "obsoutput.control",
		otelhttp.WithFilter(func(r *http.Request) bool {
			return r.URL.Path != "/healthz" && r.URL.Path != "/metrics"
		}),
	)
	srv := &http.Server{Handler: handler, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	s.logger.Info().Str("event", "control.listening").Str("addr", ln.Addr().String()).Msg("control server listening")

	select {
	case err := <-errCh:
		s.Close()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	s.Close()
	<-errCh
	return err
}

// Close ends every session and drops the engine subscription.
func (s *Server) Close() {
	s.mu.Lock()
	if s.unsub != nil {
		s.unsub()
		s.unsub = nil
	}
	sessions := make([]*session, 0, len(s.sessions))
	for sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.close(websocket.CloseGoingAway, "server shutting down")
	}
}

// Sessions returns the number of identified clients.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

type session struct {
	conn   *websocket.Conn
	send   chan Message
	done   chan struct{}
	once   sync.Once
	events int
	remote string
}

func (sess *session) enqueue(msg Message) bool {
	select {
	case sess.send <- msg:
		return true
	case <-sess.done:
		return false
	}
}

func (sess *session) tryEnqueue(msg Message) bool {
	select {
	case sess.send <- msg:
		return true
	default:
		return false
	}
}

func (sess *session) writeLoop() {
	for {
		select {
		case <-sess.done:
			return
		case msg := <-sess.send:
			_ = sess.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := sess.conn.WriteJSON(msg); err != nil {
				sess.close(websocket.CloseAbnormalClosure, "")
				return
			}
		}
	}
}

func (sess *session) close(code int, text string) {
	sess.once.Do(func() {
		close(sess.done)
		if code != websocket.CloseAbnormalClosure {
			_ = sess.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(code, text), time.Now().Add(time.Second))
		}
		_ = sess.conn.Close()
	})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Str("event", "control.upgrade_failed").Msg("websocket upgrade failed")
		return
	}
	sess := &session{
		conn:   conn,
		send:   make(chan Message, sendBuffer),
		done:   make(chan struct{}),
		remote: r.RemoteAddr,
	}
	go sess.writeLoop()
	defer sess.close(websocket.CloseNormalClosure, "")

	if err := s.handshake(sess); err != nil {
		s.logger.Warn().Err(err).Str("event", "control.handshake_failed").Str("remote", sess.remote).Msg("client handshake failed")
		return
	}

	s.mu.Lock()
	s.sessions[sess] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.sessions, sess)
		s.mu.Unlock()
		s.diag.Log(diaglog.LogEntry{
			Component: diaglog.ComponentControl,
			Event:     diaglog.EventControlDisconnect,
			Payload:   map[string]interface{}{"remote": sess.remote},
		})
	}()

	s.logger.Info().Str("event", "control.connected").Str("remote", sess.remote).Msg("control client identified")
	s.diag.Log(diaglog.LogEntry{
		Component: diaglog.ComponentControl,
		Event:     diaglog.EventControlConnect,
		Payload:   map[string]interface{}{"remote": sess.remote},
	})

	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		if msg.Op != OpRequest {
			continue
		}
		var req Request
		if err := json.Unmarshal(msg.D, &req); err != nil {
			continue
		}
		resp := s.dispatch(r.Context(), &req)
		out, err := encode(OpRequestResponse, resp)
		if err != nil {
			continue
		}
		if !sess.enqueue(out) {
			return
		}
	}
}

func (s *Server) handshake(sess *session) error {
	hello := HelloData{ServerVersion: s.version, RPCVersion: RPCVersion}
	if s.password != "" {
		hello.Authentication = &Authentication{Challenge: uuid.NewString(), Salt: uuid.NewString()}
	}
	msg, err := encode(OpHello, hello)
	if err != nil {
		return err
	}
	sess.enqueue(msg)

	_ = sess.conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	var in Message
	if err := sess.conn.ReadJSON(&in); err != nil {
		return fmt.Errorf("read identify: %w", err)
	}
	_ = sess.conn.SetReadDeadline(time.Time{})

	if in.Op != OpIdentify {
		sess.close(CloseNotIdentified, "expected Identify")
		return fmt.Errorf("unexpected op %d before identify", in.Op)
	}
	var id IdentifyData
	if err := json.Unmarshal(in.D, &id); err != nil {
		sess.close(CloseNotIdentified, "malformed Identify")
		return fmt.Errorf("decode identify: %w", err)
	}
	if id.RPCVersion != RPCVersion {
		sess.close(CloseUnsupportedRPC, "unsupported rpc version")
		return fmt.Errorf("unsupported rpc version %d", id.RPCVersion)
	}
	if hello.Authentication != nil && id.Authentication != AuthResponse(s.password, *hello.Authentication) {
		sess.close(CloseAuthenticationFailed, "authentication failed")
		return errors.New("authentication failed")
	}
	sess.events = id.EventSubscriptions

	msg, err = encode(OpIdentified, IdentifiedData{NegotiatedRPCVersion: RPCVersion})
	if err != nil {
		return err
	}
	if !sess.enqueue(msg) {
		return errors.New("session closed during handshake")
	}
	return nil
}

// broadcast runs under the instance lock; delivery never blocks.
func (s *Server) broadcast(ev output.Event) {
	data := OutputStateChanged{
		OutputName: ev.Name,
		OutputKind: ev.Kind,
		Op:         ev.Op,
		From:       string(ev.From),
		To:         string(ev.To),
		Result:     ev.Result,
	}
	if ev.Err != nil {
		data.Error = ev.Err.Error()
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return
	}
	msg, err := encode(OpEvent, Event{EventType: EventOutputStateChanged, EventData: raw})
	if err != nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for sess := range s.sessions {
		if sess.events&EventSubscriptionOutputs == 0 {
			continue
		}
		if !sess.tryEnqueue(msg) {
			s.logger.Warn().
				Str("event", "control.event_dropped").
				Str("remote", sess.remote).
				Msg("client too slow; event dropped")
		}
	}
}
