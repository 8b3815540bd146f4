package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"codeberg.org/mutker/orinwatch/internal/config"
	"codeberg.org/mutker/orinwatch/internal/errors"
	"codeberg.org/mutker/orinwatch/internal/exporter"
	"codeberg.org/mutker/orinwatch/internal/logger"
	"codeberg.org/mutker/orinwatch/internal/metrics"
	"codeberg.org/mutker/orinwatch/internal/pid"
	"codeberg.org/mutker/orinwatch/internal/sensor"
	"codeberg.org/mutker/orinwatch/internal/telemetry"
	"codeberg.org/mutker/orinwatch/internal/watcher"
	"golang.org/x/sync/errgroup"
)

var cfg *config.Config

func main() {
	var err error
	cfg, err = config.Load()
	if err != nil {
		fmt.Printf("failed to load config: %v\n", err)
		os.Exit(1)
	}

	logFile := initLogger(cfg)
	logger.Debug().Str("role", cfg.Role).Str("shm", cfg.SHM.Name).Msg("Config loaded")

	ctx, cancel := context.WithCancel(context.Background())
	go handleSignals(cancel)

	err = run(ctx)
	cancel()
	if err != nil {
		logger.Error().Err(err).Msg("error in main loop")
		logFile.Close()
		os.Exit(1)
	}

	logger.Info().Msg("Exiting...")
	logFile.Close()
}

func initLogger(cfg *config.Config) io.Closer {
	var opts []logger.Option
	if cfg.Log.File != "" {
		opts = append(opts, logger.WithFile(cfg.Log.File, cfg.Log.MaxSizeMB, cfg.Log.MaxBackups))
	}

	return logger.Init(logLevel(cfg), logger.IsService(), opts...)
}

// logLevel applies the debug and verbose switches on top of log_level.
func logLevel(cfg *config.Config) logger.LogLevel {
	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logger.WarnLevel
	}

	if cfg.Verbose && level > logger.InfoLevel {
		level = logger.InfoLevel
	}
	if cfg.Debug {
		level = logger.DebugLevel
	}

	return level
}

func handleSignals(cancel context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs
	logger.Info().Msg("Received termination signal.")
	cancel()
}

func run(ctx context.Context) error {
	role := config.Role(cfg.Role)
	channel := telemetry.Options{Name: cfg.SHM.Name}

	var (
		producer *watcher.Producer
		consumer *watcher.Consumer
		exp      *exporter.Exporter
	)

	if role.Produces() {
		p, cleanup, err := newProducer(ctx, channel)
		if err != nil {
			return err
		}
		defer cleanup()
		producer = p
	}

	if role.Consumes() {
		c, e, cleanup, err := newConsumer(channel)
		if err != nil {
			return err
		}
		defer cleanup()
		consumer, exp = c, e
	}

	g, gctx := errgroup.WithContext(ctx)

	if producer != nil {
		logger.Info().Str("shm", channel.Name).Int("interval", cfg.Interval).Msg("Producer started")
		g.Go(func() error { return producer.Run(gctx) })
	}
	if consumer != nil {
		logger.Info().Str("shm", channel.Name).Int("poll_interval", cfg.PollInterval).Msg("Consumer started")
		g.Go(func() error { return consumer.Run(gctx) })
	}
	if exp != nil {
		g.Go(func() error { return exp.ListenAndServe(gctx) })
	}

	if err := g.Wait(); err != nil {
		return errors.New().Wrap(errors.ErrMainLoop, err)
	}

	return nil
}

func newProducer(ctx context.Context, channel telemetry.Options) (*watcher.Producer, func(), error) {
	errFactory := errors.New()

	guard := pid.New(channel.Name)
	if err := guard.Write(); err != nil {
		return nil, nil, err
	}

	source, err := sensor.Open(sensor.Config{
		Backend:   cfg.Sensor.Backend,
		SysfsRoot: cfg.Sensor.SysfsRoot,
		PowerChip: cfg.Sensor.PowerChip,
	})
	if err != nil {
		removePID(guard)
		return nil, nil, errFactory.Wrap(errors.ErrOpenSensor, err)
	}

	publisher, err := telemetry.NewPublisher(ctx, channel)
	if err != nil {
		closeSource(source)
		removePID(guard)
		return nil, nil, errFactory.Wrap(errors.ErrInitApp, err)
	}

	cleanup := func() {
		if err := publisher.Close(); err != nil {
			logger.Error().Err(err).Msg("failed to close channel")
		}
		closeSource(source)
		removePID(guard)
	}

	thresholds := watcher.Thresholds{PowerMW: cfg.Thresholds.PowerMW, TempC: cfg.Thresholds.TempC}

	return watcher.NewProducer(publisher, source, thresholds, cfg.IntervalDuration()), cleanup, nil
}

func newConsumer(channel telemetry.Options) (*watcher.Consumer, *exporter.Exporter, func(), error) {
	recorder, err := metrics.NewService(metrics.Config{
		Enabled:      cfg.Metrics.Enabled,
		DBPath:       cfg.Metrics.DBPath,
		BatchSize:    cfg.Metrics.BatchSize,
		BatchTimeout: cfg.Metrics.BatchTimeout,
	}, logger.Component("history"))
	if err != nil {
		return nil, nil, nil, errors.New().Wrap(errors.ErrInitApp, err)
	}

	handlers := []watcher.Handler{watcher.LogHandler(), historyHandler(recorder)}

	var exp *exporter.Exporter
	if cfg.Exporter.Listen != "" {
		exp = exporter.New(exporter.Config{
			Listen:     cfg.Exporter.Listen,
			StaleAfter: cfg.Exporter.StaleAfter,
		})
		handlers = append(handlers, exp)
	}

	cleanup := func() {
		if err := recorder.Close(); err != nil {
			logger.Error().Err(err).Msg("failed to close history recorder")
		}
	}

	attach := watcher.RetryAttach(channel, cfg.Attach.MaxWait)

	return watcher.NewConsumer(attach, cfg.PollDuration(), handlers...), exp, cleanup, nil
}

// historyHandler stores every update through rec.
func historyHandler(rec metrics.Recorder) watcher.Handler {
	return watcher.HandlerFunc(func(ctx context.Context, u watcher.Update) error {
		return rec.Record(ctx, &metrics.Snapshot{
			Timestamp: u.Received,
			Marker:    u.Marker,
			Record:    u.Record,
		})
	})
}

func closeSource(source sensor.Source) {
	if err := source.Close(); err != nil {
		logger.Error().Err(err).Msg("failed to close sensor")
	}
}

func removePID(guard *pid.File) {
	if err := guard.Remove(); err != nil {
		logger.Error().Err(err).Msg("failed to remove PID file")
	}
}
