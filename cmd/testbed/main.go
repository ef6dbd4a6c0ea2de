package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/signalsfoundry/cubesat-testbed/core"
	"github.com/signalsfoundry/cubesat-testbed/internal/config"
	"github.com/signalsfoundry/cubesat-testbed/internal/logging"
	"github.com/signalsfoundry/cubesat-testbed/internal/observability"
	"github.com/signalsfoundry/cubesat-testbed/internal/recorder"
	"github.com/signalsfoundry/cubesat-testbed/internal/stream"
	"github.com/signalsfoundry/cubesat-testbed/timectrl"
)

func main() {
	configPath := flag.String("config", "", "Path to a JSON configuration file (defaults apply when empty)")
	listenAddr := flag.String("listen-addr", "", "Override the WebSocket listen address")
	metricsAddr := flag.String("metrics-addr", "", "Override the Prometheus /metrics address")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		// The logger is configured by the config; a broken config goes to
		// stderr directly.
		os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(1)
	}
	if *listenAddr != "" {
		cfg.Server.ListenAddr = *listenAddr
	}
	if *metricsAddr != "" {
		cfg.Server.MetricsAddr = *metricsAddr
	}

	log := logging.New(logging.Config{
		Level:  cfg.General.LogLevel,
		Format: cfg.General.LogFormat,
	})
	ctx := context.Background()

	collector, err := observability.NewKernelCollector(nil)
	if err != nil {
		log.Error(ctx, "failed to initialise metrics collector", logging.Err(err))
		os.Exit(1)
	}

	shutdownTracing, err := observability.InitTracing(ctx, observability.TracingConfigFromEnv(), log)
	if err != nil {
		log.Error(ctx, "failed to initialise tracing", logging.Err(err))
		os.Exit(1)
	}

	opts := []core.Option{core.WithMetrics(collector)}

	var flightLog *recorder.Recorder
	if cfg.Recorder.Path != "" {
		flightLog, err = recorder.New(cfg.Recorder.Path, log)
		if err != nil {
			log.Error(ctx, "failed to open flight log", logging.Err(err))
			os.Exit(1)
		}
		opts = append(opts, core.WithSink(flightLog))
		log.Info(ctx, "recording flight log", logging.String("path", cfg.Recorder.Path))
	}

	kernel, err := core.NewKernel(cfg, log, opts...)
	if err != nil {
		log.Error(ctx, "failed to initialise kernel", logging.Err(err))
		os.Exit(1)
	}

	hub := stream.NewHub(kernel, cfg.Server.SendBuffer, log, collector)
	kernel.AddSink(hub)

	wsSrv := serveWS(cfg.Server.ListenAddr, hub, log)
	metricsSrv := serveMetrics(cfg.Server.MetricsAddr, collector, log)

	mode := timectrl.RealTime
	if cfg.Simulation.Accelerated {
		mode = timectrl.Accelerated
	}
	pacer := timectrl.NewPacer(cfg.TickInterval(), cfg.Simulation.TimeWarpFactor, mode)
	pacer.OnLag(func(behind time.Duration) {
		collector.IncTickLag()
		log.Warn(ctx, "tick overran its interval", logging.Duration("behind", behind))
	})
	hub.SetWarpController(pacer)

	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	log.Info(ctx, "starting tick loop",
		logging.Duration("interval", cfg.TickInterval()),
		logging.Float64("time_warp", cfg.Simulation.TimeWarpFactor),
		logging.String("listen_addr", cfg.Server.ListenAddr),
	)
	pacer.Run(runCtx, kernel.Step)

	// The in-flight tick has committed by the time Run returns.
	log.Info(ctx, "shutting down", logging.Float64("sim_time", pacer.SimTime()))
	hub.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = wsSrv.Shutdown(shutdownCtx)
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	if flightLog != nil {
		if err := flightLog.Close(); err != nil {
			log.Warn(ctx, "flight log close failed", logging.Err(err))
		}
	}
	observability.ShutdownWithTimeout(context.Background(), shutdownTracing, log)
}

func serveWS(addr string, hub *stream.Hub, log logging.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/ws", hub)

	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error(context.Background(), "websocket server exited", logging.Err(err))
		}
	}()

	log.Info(context.Background(), "serving state stream", logging.String("addr", addr))
	return srv
}

func serveMetrics(addr string, collector *observability.KernelCollector, log logging.Logger) *http.Server {
	if collector == nil {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())

	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn(context.Background(), "metrics server exited", logging.Err(err))
		}
	}()

	log.Info(context.Background(), "serving Prometheus metrics", logging.String("addr", addr))
	return srv
}
