package apihttp

import (
	"context"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"torrentstream/internal/domain"
	domainports "torrentstream/internal/domain/ports"
	"torrentstream/internal/usecase"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

type CreateTorrentUseCase interface {
	Execute(ctx context.Context, input usecase.CreateTorrentInput) (usecase.CreateTorrentResult, error)
}

type DeleteTorrentUseCase interface {
	Execute(ctx context.Context, id domain.TorrentID, deleteFiles bool) error
}

type StreamTorrentUseCase interface {
	Execute(ctx context.Context, id domain.TorrentID, fileIndex int) (usecase.StreamResult, error)
}

type GetTorrentStateUseCase interface {
	Execute(ctx context.Context, id domain.TorrentID) (domain.SessionState, error)
}

type ListTorrentStatesUseCase interface {
	Execute(ctx context.Context) ([]domain.SessionState, error)
}

type WatchHistoryStore interface {
	Upsert(ctx context.Context, wp domain.WatchPosition) error
	Get(ctx context.Context, torrentID domain.TorrentID, fileIndex int) (domain.WatchPosition, error)
	ListRecent(ctx context.Context, limit int) ([]domain.WatchPosition, error)
}

type MediaProbe interface {
	Probe(ctx context.Context, filePath string) (domain.MediaInfo, error)
}

type Server struct {
	createTorrent CreateTorrentUseCase
	deleteTorrent DeleteTorrentUseCase
	streamTorrent StreamTorrentUseCase
	getState      GetTorrentStateUseCase
	listStates    ListTorrentStatesUseCase
	repo          domainports.TorrentRepository
	engine        domainports.Engine
	watchHistory  WatchHistoryStore
	mediaProbe    MediaProbe

	hls       *hlsSupervisor
	hlsConfig *HLSConfig
	dataDir   string
	hlsDir    string

	logger  *slog.Logger
	handler http.Handler
	wsHub   *wsHub
}

type ServerOption func(*Server)

func WithRepository(repo domainports.TorrentRepository) ServerOption {
	return func(s *Server) {
		s.repo = repo
	}
}

func WithEngine(engine domainports.Engine) ServerOption {
	return func(s *Server) {
		s.engine = engine
	}
}

func WithDeleteTorrent(uc DeleteTorrentUseCase) ServerOption {
	return func(s *Server) {
		s.deleteTorrent = uc
	}
}

func WithStreamTorrent(uc StreamTorrentUseCase) ServerOption {
	return func(s *Server) {
		s.streamTorrent = uc
	}
}

func WithGetTorrentState(uc GetTorrentStateUseCase) ServerOption {
	return func(s *Server) {
		s.getState = uc
	}
}

func WithListTorrentStates(uc ListTorrentStatesUseCase) ServerOption {
	return func(s *Server) {
		s.listStates = uc
	}
}

func WithWatchHistory(store WatchHistoryStore) ServerOption {
	return func(s *Server) {
		s.watchHistory = store
	}
}

func WithMediaProbe(probe MediaProbe) ServerOption {
	return func(s *Server) {
		s.mediaProbe = probe
	}
}

func WithHLS(cfg HLSConfig) ServerOption {
	return func(s *Server) {
		s.hlsConfig = &cfg
	}
}

func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

func NewServer(create CreateTorrentUseCase, opts ...ServerOption) *Server {
	s := &Server{createTorrent: create}
	for _, opt := range opts {
		opt(s)
	}

	if s.logger == nil {
		s.logger = slog.Default()
	}

	if s.hlsConfig != nil {
		s.hlsConfig.applyDefaults()
		s.dataDir = cleanAbs(s.hlsConfig.DataDir)
		s.hlsDir = cleanAbs(s.hlsConfig.BaseDir)
		s.hls = newHLSSupervisor(*s.hlsConfig, s.engine, s.repo, s.logger)
	}

	s.wsHub = newWSHub(s.logger)
	go s.wsHub.run()

	mux := http.NewServeMux()
	mux.HandleFunc("/api/torrents", s.handleTorrents)
	mux.HandleFunc("/api/torrents/", s.handleTorrentByID)
	mux.HandleFunc("/api/stream/", s.handleStream)
	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/watch-history", s.handleWatchHistory)
	mux.HandleFunc("/api/watch-history/", s.handleWatchHistoryByID)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ws", s.handleWS)

	traced := otelhttp.NewHandler(loggingMiddleware(s.logger, mux), "torrent-gateway",
		otelhttp.WithFilter(func(r *http.Request) bool {
			p := r.URL.Path
			return p != "/metrics" && p != "/api/health"
		}),
	)
	s.handler = recoveryMiddleware(s.logger, rateLimitMiddleware(100, 200, metricsMiddleware(corsMiddleware(traced))))
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// SetDeleteTorrent wires the removal path after construction; it depends on
// the supervisor the server owns.
func (s *Server) SetDeleteTorrent(uc DeleteTorrentUseCase) {
	s.deleteTorrent = uc
}

// StreamSupervisor exposes the transmux supervisor for wiring into the
// reaper and the removal path. Nil when HLS is not configured.
func (s *Server) StreamSupervisor() usecase.StreamSupervisor {
	if s.hls == nil {
		return nil
	}
	return s.hls
}

// Close shuts down the WebSocket hub and reaps every running transmux.
func (s *Server) Close() {
	if s.wsHub != nil {
		s.wsHub.Close()
	}
	if s.hls != nil {
		s.hls.Close()
	}
}

// BroadcastStates pushes live session states to all WebSocket clients.
func (s *Server) BroadcastStates(states []domain.SessionState) {
	if s.wsHub != nil {
		s.wsHub.BroadcastStates(states)
	}
}

// BroadcastTorrents pushes the current status list to all WebSocket clients.
func (s *Server) BroadcastTorrents(ctx context.Context) {
	if s.wsHub == nil || s.repo == nil {
		return
	}
	listCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	statuses, err := s.collectStatuses(listCtx)
	if err != nil {
		s.logger.Debug("ws broadcast torrents failed", slog.String("error", err.Error()))
		return
	}
	s.wsHub.Broadcast("torrents", statuses)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.wsHub == nil {
		http.Error(w, "websocket not available", http.StatusServiceUnavailable)
		return
	}
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("ws upgrade failed", slog.String("error", err.Error()))
		return
	}
	client := &wsClient{
		hub:  s.wsHub,
		conn: conn,
		send: make(chan []byte, 16),
	}
	s.wsHub.register <- client
	go client.writePump()
	go client.readPump()
}

func (s *Server) hlsCfg() HLSConfig {
	if s.hlsConfig != nil {
		return *s.hlsConfig
	}
	cfg := HLSConfig{}
	cfg.applyDefaults()
	return cfg
}

func cleanAbs(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return ""
	}
	if abs, err := filepath.Abs(p); err == nil {
		p = abs
	}
	return filepath.Clean(p)
}
