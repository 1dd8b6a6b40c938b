package main

import (
	"context"
	stderrors "errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/joeysapp/axi-server-sub001/pkg/api"
	"github.com/joeysapp/axi-server-sub001/pkg/channel"
	"github.com/joeysapp/axi-server-sub001/pkg/config"
	"github.com/joeysapp/axi-server-sub001/pkg/device"
	"github.com/joeysapp/axi-server-sub001/pkg/errors"
	"github.com/joeysapp/axi-server-sub001/pkg/log"
	"github.com/joeysapp/axi-server-sub001/pkg/metrics"
	"github.com/joeysapp/axi-server-sub001/pkg/queue"
	"github.com/joeysapp/axi-server-sub001/pkg/serial"
	"github.com/joeysapp/axi-server-sub001/pkg/spatial"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the control server",
	Long:  `Opens the plotter link and serves the REST API, the websocket stream and /metrics until interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		setupLogging(cfg.Log)
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg)
	},
}

func init() {
	serveCmd.Flags().String("port", "", "Board port: device path or tcp://host:port (default: discover)")
	serveCmd.Flags().String("addr", "", "HTTP listen address (default from config)")
	rootCmd.AddCommand(serveCmd)
}

// historyStore picks Redis when an address is configured.
func historyStore(ctx context.Context, cfg config.QueueConfig, logger *log.Logger) (queue.HistoryStore, func(), error) {
	if cfg.Redis.Addr == "" {
		return queue.NewMemoryHistory(cfg.HistorySize), func() {}, nil
	}
	h := queue.NewRedisHistory(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB,
		queue.WithKey(cfg.Redis.Key), queue.WithLimit(cfg.HistorySize))
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := h.Ping(pingCtx); err != nil {
		h.Close()
		return nil, nil, errors.Wrap(err, errors.ErrConfig, "redis "+cfg.Redis.Addr+" unreachable")
	}
	logger.WithFields(log.Fields{"addr": cfg.Redis.Addr, "key": cfg.Redis.Key}).Info("job history in redis")
	return h, func() { h.Close() }, nil
}

func serve(ctx context.Context, cfg config.Config) error {
	logger := log.GetLogger("server")
	m := metrics.New()

	ch := channel.New(
		channel.WithSerialConfig(serial.Config{ReadTimeout: cfg.Device.ReadTimeout, DTROnConnect: true}),
		channel.WithProbeTimeout(cfg.Device.ProbeTimeout),
		channel.WithMetrics(m),
	)
	dev, err := device.New(ch, cfg.DeviceConfig(), device.WithMetrics(m))
	if err != nil {
		return err
	}

	history, closeHistory, err := historyStore(ctx, cfg.Queue, logger)
	if err != nil {
		return err
	}
	defer closeHistory()

	jobs := queue.New(dev, queue.WithHistory(history), queue.WithMetrics(m))
	proc, err := spatial.New(dev, cfg.Spatial, spatial.WithMetrics(m))
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	jobs.Start(runCtx)
	go proc.Run(runCtx)
	dev.StartHeartbeat()

	if cfg.Device.Port != "" {
		go func() {
			if err := dev.Initialize(runCtx); err != nil {
				logger.WithError(err).Warn("initial connect failed, will retry on first operation")
				return
			}
			proc.SyncPosition()
		}()
	}

	srv := api.New(api.Config{
		Device:         dev,
		Queue:          jobs,
		Spatial:        proc,
		Metrics:        m,
		Version:        Version,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	})
	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.WithFields(log.Fields{"addr": cfg.Server.Addr, "port": cfg.Device.Port, "model": cfg.Device.Model}).Info("listening")
		serverErrors <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if !stderrors.Is(err, http.ErrServerClosed) {
			shutdown(logger, cfg, httpServer, srv, jobs, dev, cancel)
			return err
		}
	case <-ctx.Done():
		logger.Info("shutting down")
	}
	shutdown(logger, cfg, httpServer, srv, jobs, dev, cancel)
	return nil
}

// shutdown stops accepting requests, then stops background work, then
// releases the board.
func shutdown(logger *log.Logger, cfg config.Config, httpServer *http.Server, srv *api.Server, jobs *queue.Queue, dev *device.Controller, cancel context.CancelFunc) {
	ctx, done := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer done()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.WithError(err).Warn("graceful shutdown incomplete")
		httpServer.Close()
	}
	srv.Close()
	jobs.Stop()
	cancel()
	dev.StopHeartbeat()
	if err := dev.Disconnect(ctx); err != nil && !errors.Is(err, errors.ErrNotConnected) {
		logger.WithError(err).Warn("disconnect failed")
	}
	logger.Info("stopped")
}
