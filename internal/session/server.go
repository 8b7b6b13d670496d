package session

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/thingsboard/thingsboard-sub059/internal/dispatcher"
	"github.com/thingsboard/thingsboard-sub059/internal/entity"
	"github.com/thingsboard/thingsboard-sub059/internal/wire"
)

const (
	DefaultAckTimeout       = 10 * time.Second
	DefaultWriteTimeout     = 10 * time.Second
	DefaultHandshakeTimeout = 10 * time.Second
)

// Config holds session timeouts.
type Config struct {
	AckTimeout       time.Duration
	WriteTimeout     time.Duration
	HandshakeTimeout time.Duration
}

// DefaultConfig returns the default timeouts.
func DefaultConfig() Config {
	return Config{
		AckTimeout:       DefaultAckTimeout,
		WriteTimeout:     DefaultWriteTimeout,
		HandshakeTimeout: DefaultHandshakeTimeout,
	}
}

// Runner delivers pending events to a connected edge until ctx is done.
type Runner interface {
	Run(ctx context.Context, sess dispatcher.Session) error
}

var _ dispatcher.Session = (*Conn)(nil)

// Server accepts edge connections. An edge connects with the query parameters
// tenantId, edgeId and optionally edgeVersion.
type Server struct {
	ctx      context.Context
	edges    entity.EdgeService
	uplinks  UplinkHandler
	runner   Runner
	cfg      Config
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[uuid.UUID]*Conn
	wg    sync.WaitGroup
}

// NewServer creates a Server. Sessions live until ctx is done or Close is called.
func NewServer(ctx context.Context, edges entity.EdgeService, uplinks UplinkHandler, runner Runner, cfg Config) *Server {
	return &Server{
		ctx:      ctx,
		edges:    edges,
		uplinks:  uplinks,
		runner:   runner,
		cfg:      cfg,
		upgrader: websocket.Upgrader{HandshakeTimeout: cfg.HandshakeTimeout},
		conns:    make(map[uuid.UUID]*Conn),
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	tenantID, err := uuid.Parse(q.Get("tenantId"))
	if err != nil {
		http.Error(w, "invalid tenantId", http.StatusBadRequest)
		return
	}
	edgeID, err := uuid.Parse(q.Get("edgeId"))
	if err != nil {
		http.Error(w, "invalid edgeId", http.StatusBadRequest)
		return
	}
	announced, err := wire.ParseEdgeVersion(q.Get("edgeVersion"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	edge, err := s.edges.FindEdgeByID(r.Context(), tenantID, edgeID)
	if err != nil {
		slog.Error("Failed to load edge", "tenant_id", tenantID, "edge_id", edgeID, "error", err)
		http.Error(w, "failed to load edge", http.StatusInternalServerError)
		return
	}
	if edge == nil {
		http.Error(w, "unknown edge", http.StatusNotFound)
		return
	}
	if q.Get("edgeVersion") != "" {
		edge.Version = announced
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("Failed to upgrade edge connection", "edge_id", edgeID, "error", err)
		return
	}

	conn := newConn(ws, *edge, s.cfg)
	s.register(conn)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.serve(conn)
	}()
}

// register tracks conn, replacing an older connection of the same edge.
func (s *Server) register(conn *Conn) {
	s.mu.Lock()
	old := s.conns[conn.EdgeID()]
	s.conns[conn.EdgeID()] = conn
	s.mu.Unlock()

	if old != nil {
		slog.Info("Edge reconnected, closing previous session", "edge_id", conn.EdgeID())
		_ = old.Close()
	}
}

func (s *Server) unregister(conn *Conn) {
	s.mu.Lock()
	if s.conns[conn.EdgeID()] == conn {
		delete(s.conns, conn.EdgeID())
	}
	s.mu.Unlock()
}

func (s *Server) serve(conn *Conn) {
	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()

	slog.Info("Edge connected",
		"tenant_id", conn.TenantID(),
		"edge_id", conn.EdgeID(),
		"edge_version", conn.Version().String(),
	)

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		defer cancel()
		if err := conn.readLoop(ctx, s.uplinks); err != nil && !isClosure(err) {
			slog.Warn("Edge read loop failed", "edge_id", conn.EdgeID(), "error", err)
		}
	}()

	if err := s.runner.Run(ctx, conn); err != nil {
		slog.Error("Edge dispatcher failed",
			"tenant_id", conn.TenantID(),
			"edge_id", conn.EdgeID(),
			"error", err,
		)
	}

	cancel()
	_ = conn.Close()
	<-readDone
	s.unregister(conn)

	slog.Info("Edge disconnected", "tenant_id", conn.TenantID(), "edge_id", conn.EdgeID())
}

func isClosure(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
		errors.Is(err, websocket.ErrCloseSent) ||
		errors.Is(err, net.ErrClosed)
}

// connected reports whether the edge has a live session.
func (s *Server) connected(edgeID uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.conns[edgeID]
	return ok
}

// Close closes every session and waits for them to finish.
func (s *Server) Close() {
	s.mu.Lock()
	conns := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
	s.wg.Wait()
}
