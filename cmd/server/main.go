package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	apihttp "torrentstream/internal/api/http"
	"torrentstream/internal/app"
	"torrentstream/internal/domain"
	"torrentstream/internal/metrics"
	mongorepo "torrentstream/internal/repository/mongo"
	sessionmongo "torrentstream/internal/services/session/repository/mongo"
	"torrentstream/internal/services/torrent/engine/anacrolix"
	"torrentstream/internal/services/torrent/engine/ffprobe"
	"torrentstream/internal/telemetry"
	"torrentstream/internal/usecase"

	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.opentelemetry.io/contrib/instrumentation/go.mongodb.org/mongo-driver/mongo/otelmongo"
)

func main() {
	cfg := app.LoadConfig()
	logger := newLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)
	metrics.Register(prometheus.DefaultRegisterer)

	shutdownTracer, err := telemetry.Init(context.Background(), "torrent-gateway")
	if err != nil {
		logger.Warn("otel init failed", slog.String("error", err.Error()))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	logger.Info("configuration loaded",
		slog.String("service", "torrent-gateway"),
		slog.String("httpAddr", cfg.HTTPAddr()),
		slog.Int("sessionPort", cfg.SessionListenPort()),
		slog.String("downloadPath", cfg.DownloadPath),
		slog.String("hlsPath", cfg.HLSPath),
		slog.Int64("warmCacheSizeMB", cfg.WarmCacheSizeMB),
		slog.Int64("idleTimeoutMinutes", cfg.WarmCacheTimeoutMin),
	)

	for _, dir := range []string{cfg.DownloadPath, cfg.HLSPath} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			logger.Error("directory create failed", slog.String("path", dir), slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ctx, cancel := context.WithTimeout(rootCtx, 10*time.Second)
	defer cancel()

	mongoMonitor := otelmongo.NewMonitor()
	mongoClient, err := mongorepo.Connect(ctx, cfg.MongoURI, options.Client().SetMonitor(mongoMonitor))
	if err != nil {
		logger.Error("mongo connect failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if err := mongoClient.Ping(ctx, readpref.Primary()); err != nil {
		logger.Error("mongo ping failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	repo := mongorepo.NewRepository(mongoClient, cfg.MongoDatabase, cfg.MongoCollection)
	watchHistoryRepo := sessionmongo.NewWatchHistoryRepository(mongoClient, cfg.MongoDatabase)

	if err := repo.EnsureIndexes(ctx); err != nil {
		logger.Warn("mongo ensure indexes failed", slog.String("error", err.Error()))
	}

	engine, err := anacrolix.New(anacrolix.Config{
		DataDir:     cfg.DownloadPath,
		ListenPort:  cfg.SessionListenPort(),
		MaxConns:    cfg.MaxConnectionsPerTorrent,
		MaxSessions: cfg.MaxSessions,
	})
	if err != nil {
		logger.Error("torrent engine init failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	warmCacheBytes := cfg.WarmCacheSizeMB << 20
	idleTimeout := time.Duration(cfg.WarmCacheTimeoutMin) * time.Minute

	createUC := usecase.CreateTorrent{Engine: engine, Repo: repo, WarmCacheBytes: warmCacheBytes, Now: time.Now}
	streamUC := &usecase.StreamTorrent{Engine: engine, Repo: repo, Logger: logger}
	stateUC := usecase.GetTorrentState{Engine: engine}
	listStateUC := usecase.ListActiveTorrentStates{Engine: engine}
	mediaProbe := ffprobe.New(cfg.FFProbePath)

	handler := apihttp.NewServer(createUC,
		apihttp.WithRepository(repo),
		apihttp.WithEngine(engine),
		apihttp.WithLogger(logger),
		apihttp.WithStreamTorrent(streamUC),
		apihttp.WithGetTorrentState(stateUC),
		apihttp.WithListTorrentStates(listStateUC),
		apihttp.WithWatchHistory(watchHistoryRepo),
		apihttp.WithMediaProbe(mediaProbe),
		apihttp.WithHLS(apihttp.HLSConfig{
			FFmpegPath: cfg.FFMPEGPath,
			BaseDir:    cfg.HLSPath,
			DataDir:    cfg.DownloadPath,
		}),
	)

	// The delete path needs the supervisor the server owns, so it is wired
	// after server construction.
	deleteUC := usecase.DeleteTorrent{
		Engine:     engine,
		Repo:       repo,
		Supervisor: handler.StreamSupervisor(),
		DataDir:    cfg.DownloadPath,
		HLSDir:     cfg.HLSPath,
	}
	handler.SetDeleteTorrent(deleteUC)

	// Restore previously admitted torrents in the background so the HTTP
	// server starts immediately.
	go restoreTorrents(rootCtx, engine, repo, logger)

	alertLoop := usecase.AlertLoop{
		Engine:         engine,
		Repo:           repo,
		Logger:         logger,
		WarmCacheBytes: warmCacheBytes,
	}
	go alertLoop.Run(rootCtx)

	reaper := usecase.Reaper{
		Supervisor: handler.StreamSupervisor(),
		Engine:     engine,
		Repo:       repo,
		Logger:     logger,
		IdleAfter:  idleTimeout,
	}
	go reaper.Run(rootCtx)

	if cfg.MinDiskSpaceBytes > 0 {
		diskUC := usecase.DiskPressure{
			Engine:       engine,
			Repo:         repo,
			Logger:       logger,
			DataDir:      cfg.DownloadPath,
			MinFreeBytes: cfg.MinDiskSpaceBytes,
		}
		go diskUC.Run(rootCtx)
	}

	go updateEngineMetrics(rootCtx, engine, handler)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      0,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	logger.Info("server started", slog.String("addr", cfg.HTTPAddr()))

	select {
	case <-rootCtx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	handler.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown error", slog.String("error", err.Error()))
	}
	if err := engine.Close(); err != nil {
		logger.Warn("engine close error", slog.String("error", err.Error()))
	}
	if err := mongoClient.Disconnect(context.Background()); err != nil {
		logger.Warn("mongo disconnect error", slog.String("error", err.Error()))
	}

	logger.Info("server stopped")
}

func updateEngineMetrics(ctx context.Context, engine *anacrolix.Engine, handler *apihttp.Server) {
	stateTicker := time.NewTicker(5 * time.Second)
	torrentTicker := time.NewTicker(15 * time.Second)
	defer stateTicker.Stop()
	defer torrentTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stateTicker.C:
			ids, err := engine.ListActiveSessions(ctx)
			if err != nil {
				continue
			}
			metrics.ActiveSessions.Set(float64(len(ids)))
			var dlTotal, ulTotal int64
			var peersTotal int64
			var states []domain.SessionState
			for _, id := range ids {
				state, err := engine.GetSessionState(ctx, id)
				if err != nil {
					continue
				}
				dlTotal += state.DownloadSpeed
				ulTotal += state.UploadSpeed
				peersTotal += int64(state.Peers)
				states = append(states, state)
			}
			metrics.DownloadSpeedBytes.Set(float64(dlTotal))
			metrics.UploadSpeedBytes.Set(float64(ulTotal))
			metrics.PeersConnected.Set(float64(peersTotal))
			handler.BroadcastStates(states)
		case <-torrentTicker.C:
			handler.BroadcastTorrents(ctx)
		}
	}
}

// restoreTorrents reopens every admitted torrent that is not removing or
// errored against the engine on boot, the counterpart to the best-effort
// state flush at shutdown.
func restoreTorrents(ctx context.Context, engine *anacrolix.Engine, repo *mongorepo.Repository, logger *slog.Logger) {
	records, err := repo.List(ctx, domain.TorrentFilter{})
	if err != nil {
		logger.Warn("restore: list failed", slog.String("error", err.Error()))
		return
	}

	var restorable []domain.TorrentRecord
	for _, rec := range records {
		if rec.State == domain.StateRemoving || rec.State == domain.StateErrored {
			continue
		}
		restorable = append(restorable, rec)
	}
	if len(restorable) == 0 {
		return
	}

	logger.Info("restoring torrents", slog.Int("count", len(restorable)))

	for _, rec := range restorable {
		src := rec.Source
		if strings.TrimSpace(src.Magnet) == "" && strings.TrimSpace(src.Torrent) == "" {
			logger.Warn("restore: no source", slog.String("id", string(rec.ID)))
			continue
		}

		session, err := engine.Open(ctx, src)
		if err != nil {
			logger.Warn("restore: open failed", slog.String("id", string(rec.ID)), slog.String("error", err.Error()))
			continue
		}

		// Restored torrents come back parked; a stream request or the
		// alert loop wakes them as needed.
		if rec.State == domain.StateIdle || rec.State == domain.StateStreaming {
			_ = session.Stop()
			if rec.State == domain.StateStreaming {
				_ = repo.UpdateProgress(ctx, rec.ID, domain.ProgressUpdate{State: domain.StateIdle})
			}
		} else if err := session.Start(); err != nil {
			logger.Warn("restore: start failed", slog.String("id", string(rec.ID)), slog.String("error", err.Error()))
		}

		logger.Info("restored torrent", slog.String("id", string(rec.ID)), slog.String("name", rec.Name))
	}
}

func newLogger(levelRaw, formatRaw string) *slog.Logger {
	level := parseLogLevel(levelRaw)
	options := &slog.HandlerOptions{Level: level}
	format := strings.ToLower(strings.TrimSpace(formatRaw))
	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, options))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, options))
}

func parseLogLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
