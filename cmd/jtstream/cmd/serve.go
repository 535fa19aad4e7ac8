package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jmylchreest/jtstream/internal/config"
	"github.com/jmylchreest/jtstream/internal/ffmpeg"
	"github.com/jmylchreest/jtstream/internal/history"
	internalhttp "github.com/jmylchreest/jtstream/internal/http"
	"github.com/jmylchreest/jtstream/internal/http/handlers"
	"github.com/jmylchreest/jtstream/internal/ingest"
	"github.com/jmylchreest/jtstream/internal/metrics"
	"github.com/jmylchreest/jtstream/internal/observability"
	"github.com/jmylchreest/jtstream/internal/scheduler"
	"github.com/jmylchreest/jtstream/internal/session"
	"github.com/jmylchreest/jtstream/internal/storage"
	"github.com/jmylchreest/jtstream/internal/transcoder"
	"github.com/jmylchreest/jtstream/internal/version"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the ingest and HTTP servers",
	Long: `Run the JT/T 1078 TCP acceptor and the HTTP republisher.

Each device connection gets its own FFmpeg process writing HLS under
storage.base_dir/<device_id>/. The output is served at
/streams/<device_id>/playlist.m3u8 and removed when the device disconnects.`,
	PreRunE: func(cmd *cobra.Command, _ []string) error {
		return loadConfig(cmd.Flags())
	},
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg, slog.Default())
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	logger.Info("starting "+version.ApplicationName,
		slog.String("version", version.Version),
		slog.String("ingest_addr", cfg.Ingest.Address()),
		slog.String("http_addr", cfg.HTTP.Address()))

	ffmpegInfo, err := ffmpeg.NewBinaryDetector(cfg.Transcoder.BinaryPath).Detect(ctx)
	if err != nil {
		return fmt.Errorf("detecting ffmpeg: %w", err)
	}
	if !ffmpegInfo.CanMux("hls") {
		return errors.New("ffmpeg at " + ffmpegInfo.FFmpegPath + " cannot mux hls")
	}
	logger.Info("ffmpeg detected",
		slog.String("path", ffmpegInfo.FFmpegPath),
		slog.String("version", ffmpegInfo.Version))

	layout, err := storage.NewLayout(cfg.Storage.BaseDir)
	if err != nil {
		return err
	}
	// No session is live yet, so every device directory is a leftover.
	if n, err := layout.SweepOrphans(observability.WithComponent(logger, "storage"), 0, nil); err != nil {
		logger.Warn("startup sweep failed", slog.String("error", err.Error()))
	} else if n > 0 {
		logger.Info("removed output left by a previous run", slog.Int("directories", n))
	}

	factory, err := transcoder.New(transcoder.Config{
		Transport:       transcoder.Transport(cfg.Transcoder.Transport),
		FFmpegPath:      ffmpegInfo.FFmpegPath,
		LogLevel:        cfg.Transcoder.LogLevel,
		Realtime:        cfg.Transcoder.Realtime,
		HLSInitTime:     cfg.Transcoder.HLSInitTime,
		HLSTime:         cfg.Transcoder.HLSTime,
		HLSListSize:     cfg.Transcoder.HLSListSize,
		HLSFlags:        cfg.Transcoder.HLSFlags,
		SegmentPattern:  cfg.Transcoder.SegmentPattern,
		ShutdownTimeout: cfg.Transcoder.ShutdownTimeout,
		StartupDelay:    cfg.Transcoder.StartupDelay,
		DialTimeout:     cfg.Transcoder.DialTimeout,
		StderrLogDir:    cfg.Transcoder.StderrLogDir,
		Logger:          logger,
	})
	if err != nil {
		return err
	}

	m := metrics.New()
	manager := session.NewManager(
		session.Config{InputFormat: cfg.Transcoder.InputFormat, LeaseTimeout: cfg.Session.LeaseTimeout},
		layout, factory,
		session.WithLogger(logger),
		session.WithMetrics(m),
	)
	m.MustRegister(metrics.NewExporter(manager.Samples))

	var store *history.Store
	if cfg.History.Enabled {
		store, err = history.Open(cfg.History, observability.WithComponent(logger, "history"))
		if err != nil {
			return err
		}
		defer store.Close()
		// Sessions closing during shutdown are still recorded.
		manager.OnClose(store.Hook(context.WithoutCancel(ctx)))
	}

	sched := scheduler.New(logger)
	if err := sched.Register(scheduler.JobOrphanSweep, cfg.Scheduler.SweepCron, &scheduler.OrphanSweepHandler{
		Layout: layout,
		MaxAge: cfg.Storage.OrphanMaxAge.Duration(),
		Active: manager.Registry().Held,
		Logger: observability.WithComponent(logger, "storage"),
	}); err != nil {
		return err
	}
	if store != nil {
		if err := sched.Register(scheduler.JobHistoryRetention, cfg.Scheduler.RetentionCron, &scheduler.RetentionHandler{
			Store:     store,
			Retention: cfg.History.Retention.Duration(),
		}); err != nil {
			return err
		}
	}

	ingestSrv := ingest.NewServer(ingest.Config{
		Addr:                     cfg.Ingest.Address(),
		QueueCapacity:            cfg.Ingest.QueueCapacity,
		Resync:                   cfg.Ingest.Resync,
		MaxPayload:               int(cfg.Ingest.MaxPayload.Bytes()),
		CancelSessionsOnShutdown: cfg.Ingest.CancelSessionsOnShutdown,
		DrainTimeout:             cfg.Ingest.DrainTimeout,
	}, func(remoteAddr string) ingest.Pipeline {
		return manager.NewPipeline(remoteAddr)
	}, logger, ingest.WithMetrics(m))

	httpSrv := internalhttp.NewServer(internalhttp.ServerConfig{
		Addr:            cfg.HTTP.Address(),
		ReadTimeout:     cfg.HTTP.ReadTimeout,
		WriteTimeout:    cfg.HTTP.WriteTimeout,
		IdleTimeout:     cfg.HTTP.IdleTimeout,
		ShutdownTimeout: cfg.HTTP.ShutdownTimeout,
		CORSOrigins:     cfg.HTTP.CORSOrigins,
	}, logger, version.Version)

	health := handlers.NewHealthHandler(version.Version, manager.Registry().Len)
	httpSrv.Mount(health, handlers.NewStreamsHandler(layout, logger))
	if cfg.HTTP.Metrics {
		httpSrv.Handle("/metrics", m.Handler())
	}
	if cfg.HTTP.API {
		if store != nil {
			health.WithDB(store)
			httpSrv.Register(handlers.NewHistoryHandler(store))
		}
		httpSrv.Register(
			health,
			handlers.NewSessionsHandler(manager.Registry(), logger),
			handlers.NewJobsHandler(sched),
		)
	}

	// Bind both ports up front so a conflict fails before anything runs.
	if err := ingestSrv.Listen(); err != nil {
		return err
	}
	if err := httpSrv.Listen(); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ingestSrv.Serve(gctx) })
	g.Go(func() error { return httpSrv.Serve(gctx) })
	g.Go(func() error { return sched.Run(gctx) })

	err = g.Wait()
	logger.Info(version.ApplicationName+" stopped", slog.Int("sessions_still_running", ingestSrv.Tracker().Active()))
	return err
}
