package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"stress-sentry/internal/alerts"
	"stress-sentry/internal/api"
	"stress-sentry/internal/collector"
	"stress-sentry/internal/config"
	"stress-sentry/internal/hub"
	"stress-sentry/internal/journal"
	"stress-sentry/internal/logging"
	"stress-sentry/internal/probe"
	"stress-sentry/internal/procstats"
	"stress-sentry/internal/registry"
	"stress-sentry/internal/sampler"
	"stress-sentry/internal/simulation"
	"stress-sentry/internal/worker"
)

const shutdownTimeout = 10 * time.Second

var errStopSignal = errors.New("stop signal")

var (
	configPath  string
	printConfig bool
	uiDir       string
)

var rootCmd = &cobra.Command{
	Use:   "stress-sentry",
	Short: "Induce resource pressure and watch it live",
	Long: "stress-sentry runs CPU, memory and worker-pool starvation simulations on demand " +
		"while streaming process telemetry and request latency that keep flowing under load.",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return errors.Wrap(err, "loading configuration")
		}
		if printConfig {
			out, err := cfg.YAML()
			if err != nil {
				return errors.Wrap(err, "rendering configuration")
			}
			fmt.Print(string(out))
			return nil
		}
		return run(cfg)
	},
}

func init() {
	rootCmd.Flags().StringVar(&configPath, "config", "", "Path to a YAML configuration file (SENTRY_* environment variables override it)")
	rootCmd.Flags().BoolVar(&printConfig, "print-config", false, "Print the effective configuration and exit")
	rootCmd.Flags().StringVar(&uiDir, "ui-dir", "", "Directory of dashboard assets to serve at / (disabled when empty)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// mountUI serves dashboard assets from dir at /. An empty dir leaves / unrouted.
func mountUI(mux *http.ServeMux, dir string) {
	if dir == "" {
		return
	}
	log.Infof("Serving dashboard from %s", dir)
	mux.Handle("/", http.FileServer(http.Dir(dir)))
}

func run(cfg *config.Config) error {
	// 1. Logging
	if err := logging.Configure(cfg.Log.Level, cfg.Log.Format); err != nil {
		return errors.Wrap(err, "configuring logging")
	}
	instance := uuid.NewString()
	log.Infof("Starting Stress Sentry on port %d (instance %s)", cfg.Port, instance)

	// 2. Core components
	h := hub.New(cfg.Hub.BufferSize)
	reg := registry.New(nil, h)

	pool := worker.NewPool(cfg.Pool.Workers, cfg.Pool.QueueSize)
	pool.Start()

	stats, err := procstats.NewProcessReader()
	if err != nil {
		return errors.Wrap(err, "opening process counters")
	}
	smp := sampler.New(sampler.Options{
		Interval:  cfg.Sampler.Interval,
		Stats:     stats,
		Pool:      pool,
		Active:    reg,
		Publisher: h,
		Instance:  instance,
	})
	smp.Register(prometheus.DefaultRegisterer)

	prb := probe.New(probe.Options{
		Interval:    cfg.Probe.Interval,
		Timeout:     cfg.Probe.Timeout,
		MaxInFlight: cfg.Probe.MaxInFlight,
		Call:        probe.NewHTTPCall(&http.Client{}, cfg.ProbeURL()),
		Publisher:   h,
	})
	prb.Register(prometheus.DefaultRegisterer)
	log.Infof("Probe: %s every %s (timeout %s)", cfg.ProbeURL(), cfg.Probe.Interval, cfg.Probe.Timeout)

	coll := collector.NewTelemetryCollector()
	coll.Register(prometheus.DefaultRegisterer)

	// 3. Alerting and journal
	hostname, _ := os.Hostname()
	alerter := alerts.NewDispatcher(cfg.Alerts.WebhookURL, cfg.Alerts.Cooldown, "stress-sentry@"+hostname, nil)
	defer alerter.Wait()

	var jrnl *journal.Journal
	if cfg.Journal.Path != "" {
		jrnl, err = journal.Open(cfg.Journal.Path, instance, nil)
		if err != nil {
			return errors.Wrap(err, "opening journal")
		}
		defer jrnl.Close()
		log.Infof("Journal: %s", jrnl.Path())
		if prev := jrnl.PreviousInstance(); prev != "" {
			alerter.Send("Service restarted",
				fmt.Sprintf("Instance %s replaced %s.", instance, prev),
				alerts.SeverityInfo)
		}
	}

	g, ctx := errgroup.WithContext(context.Background())

	// Cancel the errgroup context on SIGINT and SIGTERM,
	// which shuts everything down gracefully.
	stopSignal := make(chan os.Signal, 1)
	signal.Notify(stopSignal, syscall.SIGINT, syscall.SIGTERM)
	g.Go(func() error {
		select {
		case <-ctx.Done():
			return nil
		case sig := <-stopSignal:
			// Returning an error cancels the errgroup.
			return errors.Wrapf(errStopSignal, "received signal %v", sig)
		}
	})

	// 4. HTTP surface
	launcher := simulation.NewLauncher(context.Background(), reg)
	apiHandler := api.NewAPI(cfg, reg, launcher, pool, h, smp)
	apiHandler.Instance = instance

	mux := http.NewServeMux()
	apiHandler.RegisterRoutes(mux)
	mux.Handle("/metrics", promhttp.Handler())
	mountUI(mux, uiDir)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// 5. Background loops
	g.Go(func() error { smp.Run(ctx); return nil })
	g.Go(func() error { prb.Run(ctx); return nil })
	g.Go(func() error { coll.Run(ctx, h); return nil })
	g.Go(func() error { alerter.Run(ctx, h); return nil })
	if jrnl != nil {
		g.Go(func() error { jrnl.Run(ctx, h); return nil })
	}

	g.Go(func() error {
		log.Infof("HTTP server listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "http server")
		}
		return nil
	})

	// 6. Shutdown: stop simulations first so blocked workers drain
	g.Go(func() error {
		<-ctx.Done()
		n := reg.CancelAll()
		log.Infof("Shutting down, cancelled %d simulations", n)
		apiHandler.Close()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warnf("HTTP shutdown: %v", err)
		}
		launcher.Wait()
		pool.Stop()
		return nil
	})

	err = g.Wait()
	if errors.Is(err, errStopSignal) {
		log.Info(err)
		return nil
	}
	return err
}
