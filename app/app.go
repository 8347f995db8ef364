// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/soothill/dvfs-coordinator/api"
	"github.com/soothill/dvfs-coordinator/backend"
	"github.com/soothill/dvfs-coordinator/config"
	"github.com/soothill/dvfs-coordinator/devfreq"
	"github.com/soothill/dvfs-coordinator/governor"
	"github.com/soothill/dvfs-coordinator/opp"
	"github.com/soothill/dvfs-coordinator/pkg/logger"
	"github.com/soothill/dvfs-coordinator/storage"
)

const (
	signalChannelSize = 1
	shutdownTimeout   = 5 * time.Second
)

// App represents the main application
type App struct {
	cfg           *config.Config
	manager       *devfreq.Manager
	backends      map[string]*backend.Simulated
	userspace     *governor.Userspace
	recorder      *storage.TransitionRecorder
	apiServer     *api.Server
	metricsServer *http.Server
	configWatcher *config.Watcher
	configChan    chan *config.Config
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
}

// New creates a new application instance
func New(cfg *config.Config, configPath string) (*App, error) {
	app := &App{
		cfg:       cfg,
		manager:   devfreq.NewManager(),
		backends:  make(map[string]*backend.Simulated),
		userspace: governor.NewUserspace(),
	}

	if err := app.registerGovernors(); err != nil {
		return nil, fmt.Errorf("failed to register governors: %w", err)
	}

	if cfg.InfluxDB.Enabled {
		recorder, err := storage.NewTransitionRecorder(
			cfg.InfluxDB.URL,
			cfg.InfluxDB.Token,
			cfg.InfluxDB.Organization,
			cfg.InfluxDB.Bucket,
			cfg.InfluxDB.BufferSize,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize transition recorder: %w", err)
		}
		app.recorder = recorder
	}

	if err := app.registerDevices(); err != nil {
		if app.recorder != nil {
			app.recorder.Close()
		}
		app.manager.Close()
		return nil, fmt.Errorf("failed to register devices: %w", err)
	}

	app.apiServer = api.New(app.manager, app.userspace, cfg.Governors.AllowList, cfg.Server.APIPort)
	app.metricsServer = newMetricsServer(cfg.Server.MetricsPort)

	app.configChan = make(chan *config.Config, 1)
	app.configWatcher = config.NewWatcher(configPath, app.configChan)

	return app, nil
}

// registerGovernors installs the built-in governor set: the static
// performance and powersave policies, direct userspace control, and a
// polling demand governor that scales simulated devices with their load.
func (a *App) registerGovernors() error {
	govs := []devfreq.Governor{
		governor.NewPerformance(),
		governor.NewPowersave(),
		a.userspace,
		governor.NewPolling("demand", demandTarget),
	}
	for _, g := range govs {
		if err := a.manager.RegisterGovernor(g); err != nil {
			return err
		}
	}
	return nil
}

// demandTarget scales the target linearly between the device bounds with the
// simulated device's load fraction.
func demandTarget(state devfreq.DeviceState) (devfreq.Frequency, error) {
	sim, ok := state.Data.(*backend.Simulated)
	if !ok {
		return state.PreviousFreq, nil
	}
	span := float64(state.MaxFreq - state.MinFreq)
	return state.MinFreq + devfreq.Frequency(sim.Demand()*span), nil
}

// registerDevices builds a simulated device per config entry and attaches it
// to its governor.
func (a *App) registerDevices() error {
	for _, dc := range a.cfg.Devices {
		points := make([]opp.OperatingPoint, len(dc.OperatingPoints))
		for i, p := range dc.OperatingPoints {
			points[i] = opp.OperatingPoint{
				Freq:    devfreq.Frequency(p.Freq),
				Voltage: p.Voltage,
			}
		}
		table, err := opp.New(points)
		if err != nil {
			return fmt.Errorf("device %s: %w", dc.ID, err)
		}

		initial := devfreq.Frequency(dc.InitialFreq)
		if initial == 0 {
			initial = points[0].Freq
		}
		sim, err := backend.NewSimulated(dc.ID, table, initial)
		if err != nil {
			return fmt.Errorf("device %s: %w", dc.ID, err)
		}
		cur, err := sim.CurrentFrequency()
		if err != nil {
			return fmt.Errorf("device %s: %w", dc.ID, err)
		}

		d, err := a.manager.AddDevice(dc.ID, devfreq.Profile{
			InitialFreq:  cur,
			PollInterval: dc.PollInterval,
			FreqTable:    table.AllFrequencies(),
			Backend:      sim,
		}, dc.Governor, sim)
		if err != nil {
			return err
		}
		a.backends[dc.ID] = sim

		if dc.MinFreq != 0 {
			if err := d.SetMinFreq(devfreq.Frequency(dc.MinFreq)); err != nil {
				return fmt.Errorf("device %s: %w", dc.ID, err)
			}
		}
		if dc.MaxFreq != 0 {
			if err := d.SetMaxFreq(devfreq.Frequency(dc.MaxFreq)); err != nil {
				return fmt.Errorf("device %s: %w", dc.ID, err)
			}
		}

		// Vacate disabled operating points as soon as they disappear.
		opp.NotifyDevice(table, d)

		if a.recorder != nil {
			d.Subscribe(a.recorder.SubscriberFor())
		}
	}
	return nil
}

// Backend returns the simulated backend of a configured device, or nil.
// Demand injection tooling uses it to drive load scenarios.
func (a *App) Backend(deviceID string) *backend.Simulated {
	return a.backends[deviceID]
}

// Run starts the application and blocks until shutdown
func (a *App) Run() {
	ctx, cancel := context.WithCancel(context.Background())
	a.ctx = ctx
	a.cancel = cancel
	defer a.cancel()

	a.startMetricsServer()
	a.startAPIServer()
	a.setupSignalHandler()
	a.startConfigWatcher()

	<-ctx.Done()
	a.performCleanup()
}

// newMetricsServer builds the localhost-only metrics and health listener.
func newMetricsServer(port int) *http.Server {
	healthLimiter := rate.NewLimiter(10, 20)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", rateLimitMiddleware(healthLimiter, healthCheckHandler))

	return &http.Server{
		Addr:    fmt.Sprintf("localhost:%d", port),
		Handler: mux,
	}
}

// startMetricsServer starts the HTTP server for metrics and health checks
func (a *App) startMetricsServer() {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		logger.Info().Str("addr", a.metricsServer.Addr).Msg("Starting metrics and health check server (localhost only)")
		if err := a.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("Metrics server failed")
		}
	}()
}

// startAPIServer starts the device control API
func (a *App) startAPIServer() {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.apiServer.Start(); err != nil {
			logger.Error().Err(err).Msg("API server failed")
		}
	}()
}

// setupSignalHandler sets up graceful shutdown on interrupt signals
func (a *App) setupSignalHandler() {
	sigChan := make(chan os.Signal, signalChannelSize)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		a.cancel()
	}()
}

// startConfigWatcher starts a goroutine to apply configuration reloads
func (a *App) startConfigWatcher() {
	a.configWatcher.Start(a.ctx)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		for {
			select {
			case <-a.ctx.Done():
				logger.Info().Msg("Config watcher goroutine shutting down")
				return
			case cfg := <-a.configChan:
				a.applyConfigReload(cfg)
			}
		}
	}()
}

// applyConfigReload pushes the reloadable settings of a new configuration
// into the running system. Only per-device polling intervals and bounds are
// dynamic; everything else requires a restart.
func (a *App) applyConfigReload(cfg *config.Config) {
	a.cfg = cfg
	logger.Info().Msg("Application configuration updated")

	for _, dc := range cfg.Devices {
		d, err := a.manager.Device(dc.ID)
		if err != nil {
			logger.Warn().Str("device_id", dc.ID).Msg("Reloaded config names unknown device, restart required")
			continue
		}
		if err := d.SetPollInterval(dc.PollInterval); err != nil {
			logger.Error().Err(err).Str("device_id", dc.ID).Msg("Failed to apply new poll interval")
		}
		if dc.MinFreq != 0 {
			if err := d.SetMinFreq(devfreq.Frequency(dc.MinFreq)); err != nil {
				logger.Error().Err(err).Str("device_id", dc.ID).Msg("Failed to apply new min bound")
			}
		}
		if dc.MaxFreq != 0 {
			if err := d.SetMaxFreq(devfreq.Frequency(dc.MaxFreq)); err != nil {
				logger.Error().Err(err).Str("device_id", dc.ID).Msg("Failed to apply new max bound")
			}
		}
	}
}

// performCleanup shuts all components down in dependency order
func (a *App) performCleanup() {
	logger.Info().Msg("Initiating graceful shutdown...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := a.apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("API server shutdown error")
	}
	if err := a.metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Metrics server shutdown error")
	}

	a.configWatcher.Stop()
	a.manager.Close()
	if a.recorder != nil {
		a.recorder.Close()
	}

	logger.Info().Msg("Waiting for goroutines to finish...")
	a.wg.Wait()
	logger.Info().Msg("All goroutines finished, exiting")
}

// DumpApplicationState dumps current application state to logs
func (a *App) DumpApplicationState() {
	logger.Info().Msg("=== APPLICATION STATE DUMP (SIGUSR1) ===")

	devices := a.manager.Devices()
	logger.Info().
		Int("devices", len(devices)).
		Strs("governors", a.manager.Governors()).
		Msg("Coordination state")

	for _, d := range devices {
		logger.Info().
			Str("device_id", d.ID()).
			Str("governor", d.GovernorName()).
			Uint64("cur_freq", uint64(d.PreviousFreq())).
			Uint64("min_freq", uint64(d.MinFreq())).
			Uint64("max_freq", uint64(d.MaxFreq())).
			Dur("poll_interval", d.PollInterval()).
			Msg("Managed device")
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	logger.Info().
		Uint64("alloc_mb", m.Alloc/1024/1024).
		Uint64("total_alloc_mb", m.TotalAlloc/1024/1024).
		Uint32("num_gc", m.NumGC).
		Int("num_goroutines", runtime.NumGoroutine()).
		Msg("Runtime statistics")

	logger.Info().Msg("=== END STATE DUMP ===")
}

// DumpGoroutineStackTraces dumps all goroutine stack traces to logs
func DumpGoroutineStackTraces() {
	logger.Info().Msg("=== GOROUTINE STACK TRACES (SIGUSR2) ===")
	logger.Info().Int("num_goroutines", runtime.NumGoroutine()).Msg("Current goroutine count")

	buf := make([]byte, 1024*1024) // 1MB buffer
	stackLen := runtime.Stack(buf, true)
	logger.Info().Str("stack_traces", string(buf[:stackLen])).Msg("Full stack trace")

	logger.Info().Msg("=== END STACK TRACES ===")
}

// rateLimitMiddleware wraps an HTTP handler with rate limiting
func rateLimitMiddleware(limiter *rate.Limiter, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !limiter.Allow() {
			logger.Warn().
				Str("path", r.URL.Path).
				Str("remote_addr", r.RemoteAddr).
				Msg("Rate limit exceeded for health endpoint")
			http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next(w, r)
	}
}

// healthCheckHandler handles health check requests
func healthCheckHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, writeErr := w.Write([]byte("OK")); writeErr != nil {
		logger.Error().Err(writeErr).Msg("Failed to write health check response")
	}
}
