package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/airbalance/dabctl/buffer"
	"github.com/airbalance/dabctl/config"
	"github.com/airbalance/dabctl/cycle"
	"github.com/airbalance/dabctl/devices"
	"github.com/airbalance/dabctl/diag"
	"github.com/airbalance/dabctl/metrics"
	"github.com/airbalance/dabctl/profiling"
	"github.com/airbalance/dabctl/rates"
	"github.com/airbalance/dabctl/sched"
	"github.com/airbalance/dabctl/solver"
	"github.com/airbalance/dabctl/store"
	"github.com/airbalance/dabctl/telemetry"
	"github.com/airbalance/dabctl/types"
)

func main() {
	configPath := flag.String("c", "config.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := config.NewLogger(&cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("starting airflow balancing service")
	cfg.PrintConfig(logger)

	profiler, err := profiling.Start(&cfg.Profiling, logger)
	if err != nil {
		logger.Error("failed to initialize profiler", zap.Error(err))
		os.Exit(1)
	}
	defer func() {
		if profiler != nil {
			if err := profiler.Stop(); err != nil {
				logger.Error("failed to shutdown profiler", zap.Error(err))
			}
		}
	}()

	ctx := context.Background()
	otelProviders, err := telemetry.InitProviders(ctx, &cfg.OpenTelemetry, logger)
	if err != nil {
		logger.Error("failed to initialize OpenTelemetry providers", zap.Error(err))
		os.Exit(1)
	}
	defer func() {
		if otelProviders != nil {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer shutdownCancel()
			if err := otelProviders.Shutdown(shutdownCtx); err != nil {
				logger.Error("failed to shutdown OpenTelemetry providers", zap.Error(err))
			}
		}
	}()

	tracer := otel.Tracer("main")
	ctx, mainSpan := tracer.Start(ctx, "main.run")
	defer mainSpan.End()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("service failed", zap.Error(err))
		os.Exit(1)
	}

	logger.Info("airflow balancing service stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ringBuffer := buffer.New[types.Reading](cfg.BufferSize, logger)
	logger.Info("ring buffer created", zap.Int("capacity", cfg.BufferSize))

	pusher := metrics.New(cfg.Prometheus, metrics.CombineBuilders(
		metrics.BuildRoomTimeSeries,
		metrics.BuildVentTimeSeries,
		metrics.BuildCycleEventTimeSeries,
	), ringBuffer, logger)
	logger.Info("prometheus pusher initialized", zap.String("url", cfg.Prometheus.URL))

	fileStore, err := store.NewFileStore(cfg.StateDir, logger)
	if err != nil {
		return fmt.Errorf("failed to open state store: %w", err)
	}

	history := rates.NewHistory()
	if err := fileStore.Load("rate_history", history); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("failed to load rate history: %w", err)
	}
	rateStore := rates.NewStore(cfg.Rates, history, logger)

	ventSolver := solver.New(cfg.Solver, logger)

	if !cfg.Simulator.Enabled {
		return fmt.Errorf("no device controller configured: enable the simulator or wire real hardware")
	}
	simRooms := make([]devices.SimRoom, len(cfg.Rooms))
	for i, room := range cfg.Rooms {
		simRooms[i] = devices.SimRoom{
			RoomID:         room.ID,
			RoomName:       room.Name,
			VentID:         room.VentID,
			TempC:          cfg.Simulator.InitialTempC,
			SetpointC:      room.SetpointC,
			Active:         room.Active,
			CoolRatePerMin: cfg.Simulator.CoolRatePerMin,
			DriftPerMin:    cfg.Simulator.DriftPerMin,
		}
	}
	controller := devices.NewSimController(simRooms, cfg.Simulator.Granularity, logger)
	logger.Info("simulated device controller started", zap.Int("room_count", len(simRooms)))

	scheduler := sched.New(logger)
	defer scheduler.Stop()

	orchCfg := cfg.Orchestrator
	if len(orchCfg.VentWeights) == 0 {
		orchCfg.VentWeights = cfg.VentWeights()
	}
	orchestrator, err := cycle.New(orchCfg, cycle.Deps{
		Controller: controller,
		Solver:     ventSolver,
		Rates:      rateStore,
		Scheduler:  scheduler,
		Store:      fileStore,
		Readings:   ringBuffer,
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create orchestrator: %w", err)
	}

	if err := scheduler.Every("tick", cfg.PollInterval, func() {
		orchestrator.Tick(ctx)
	}); err != nil {
		return fmt.Errorf("failed to schedule control loop: %w", err)
	}
	logger.Info("control loop scheduled", zap.Duration("poll_interval", cfg.PollInterval))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	var wg sync.WaitGroup

	if cfg.Diag.Enabled {
		diagServer := diag.NewServer(cfg.Diag, orchestrator, rateStore, scheduler, cfg.RoomMeta(), ringBuffer, logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := diagServer.Run(ctx); err != nil {
				logger.Error("diagnostics server failed", zap.Error(err))
				cancel()
			}
		}()
	} else {
		logger.Info("diagnostics server disabled")
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		pusher.Start(ctx)
	}()

	select {
	case sig := <-sigChan:
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
	case <-ctx.Done():
		logger.Info("context cancelled")
	}

	cancel()
	scheduler.Stop()

	logger.Info("performing final metrics push")
	readings := ringBuffer.GetAllAndClear()
	if len(readings) > 0 {
		finalCtx, finalCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer finalCancel()
		if err := pusher.Push(finalCtx, readings); err != nil {
			logger.Error("failed final metrics push", zap.Error(err))
		} else {
			logger.Info("final metrics push successful", zap.Int("reading_count", len(readings)))
		}
	}

	logger.Info("waiting for goroutines to finish")
	wg.Wait()
	return nil
}
