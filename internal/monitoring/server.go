package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/xdhiru/ark-curser/internal/post"
	"github.com/xdhiru/ark-curser/internal/session"
	"github.com/xdhiru/ark-curser/internal/waitmodel"
)

// StatusSource provides the live snapshots the API serves
type StatusSource struct {
	RunID        string
	StartedAt    time.Time
	Posts        func() []post.Snapshot
	SessionState func() session.State
	Waits        func() []waitmodel.KindStats
}

// Server exposes metrics, status JSON, and the live event feed
type Server struct {
	logger  *zap.Logger
	metrics *Metrics
	hub     *EventHub
	source  StatusSource

	httpServer *http.Server
	upgrader   websocket.Upgrader
}

// NewServer builds the HTTP surface on the given address
func NewServer(logger *zap.Logger, addr string, metrics *Metrics, hub *EventHub, source StatusSource) *Server {
	s := &Server{
		logger:  logger.Named("monitoring"),
		metrics: metrics,
		hub:     hub,
		source:  source,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}

	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{}))
	router.HandleFunc("/api/status", s.handleStatus).Methods("GET")
	router.HandleFunc("/api/posts", s.handlePosts).Methods("GET")
	router.HandleFunc("/api/waits", s.handleWaits).Methods("GET")
	router.HandleFunc("/api/events", s.handleEvents)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Start serves until Shutdown
func (s *Server) Start() {
	go func() {
		s.logger.Info("Monitoring server listening", zap.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Monitoring server error", zap.Error(err))
		}
	}()
}

// Shutdown stops the server gracefully
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	uptime := time.Since(s.source.StartedAt)
	writeJSON(w, map[string]interface{}{
		"run_id":        s.source.RunID,
		"started_at":    s.source.StartedAt,
		"uptime":        uptime.String(),
		"uptime_human":  humanize.RelTime(s.source.StartedAt, time.Now(), "ago", ""),
		"session_state": s.source.SessionState(),
		"posts":         s.source.Posts(),
	})
}

func (s *Server) handlePosts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.source.Posts())
}

func (s *Server) handleWaits(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.source.Waits())
}

// handleEvents upgrades to a websocket and streams the event feed,
// replaying the retained tail first.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("Websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	for _, event := range s.hub.Recent() {
		if err := conn.WriteJSON(event); err != nil {
			return
		}
	}

	ch := s.hub.Subscribe()
	defer s.hub.Unsubscribe(ch)

	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			if err := conn.WriteJSON(event); err != nil {
				return
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
