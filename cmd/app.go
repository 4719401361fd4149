package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"iccagent/app/handler"
	"iccagent/app/router"
	"iccagent/internal/alerts"
	"iccagent/internal/controlchannel"
	"iccagent/internal/healthsignals"
	"iccagent/internal/iccclient"
	"iccagent/internal/jobs"
	"iccagent/internal/model"
	"iccagent/internal/profiling"
	"iccagent/internal/runtimeadapter"
	"iccagent/internal/scaling"
	"iccagent/pkg/config"
	"iccagent/pkg/deploy"
	"iccagent/pkg/interfaces"
	"iccagent/pkg/logger"
	"iccagent/pkg/monitoring"
)

// Application manages the lifecycle of the entire agent
type Application struct {
	// Infrastructure components
	config    *config.Config
	collector *monitoring.Collector

	// Boundaries
	deploymentProvider interfaces.DeploymentProvider
	runtimeAdapter     interfaces.RuntimeAdapter
	iccClient          *iccclient.Client

	// Control loops
	scalingController   *scaling.Controller
	batcher             *healthsignals.Batcher
	profilingController *profiling.Controller
	alertEngine         *alerts.Engine
	controlChannel      *controlchannel.Channel

	// HTTP server
	httpServer *http.Server
	ginEngine  *gin.Engine

	// Background tasks
	jobsManager *jobs.Manager

	// Context management
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewApplication creates a new Application instance
func NewApplication() *Application {
	ctx, cancel := context.WithCancel(context.Background())
	return &Application{
		ctx:    ctx,
		cancel: cancel,
	}
}

// Initialize initializes all agent components
func (app *Application) Initialize() error {
	var err error

	// Initialize components in order
	steps := []struct {
		name string
		fn   func() error
	}{
		{"Configuration", app.initConfig},
		{"Logging", app.initLogger},
		{"Deployment Provider", app.initDeploymentProvider},
		{"Runtime Adapter", app.initRuntimeAdapter},
		{"ICC Client", app.initICCClient},
		{"Control Loops", app.initControlLoops},
		{"Background Tasks", app.initJobs},
		{"HTTP Server", app.initHTTPServer},
	}

	for _, step := range steps {
		logger.InfoCtx(app.ctx, "Initializing %s...", step.name)
		if err = step.fn(); err != nil {
			return fmt.Errorf("failed to initialize %s: %w", step.name, err)
		}
		logger.InfoCtx(app.ctx, "%s initialized successfully", step.name)
	}

	logger.InfoCtx(app.ctx, "Agent initialization completed")
	return nil
}

func (app *Application) initConfig() error {
	if err := config.Init(); err != nil {
		return err
	}
	app.config = config.GlobalConfig
	app.collector = monitoring.NewCollector(app.config.Standalone())
	return nil
}

func (app *Application) initLogger() error {
	return logger.Init()
}

func (app *Application) initDeploymentProvider() error {
	provider, err := deploy.CreateDeploymentProvider(app.config)
	if err != nil {
		return err
	}
	app.deploymentProvider = provider
	return nil
}

func (app *Application) initRuntimeAdapter() error {
	app.runtimeAdapter = runtimeadapter.New(app.config.Runtime.BaseURL, app.config.Runtime.WSURL, app.deploymentProvider)
	return nil
}

func (app *Application) initICCClient() error {
	if app.config.Standalone() {
		logger.Warn("no ICC URL configured, running standalone: nothing will be posted")
		return nil
	}
	app.iccClient = iccclient.New(app.config.ICC.URL, authHeaders)
	return nil
}

// authHeaders builds the authorization headers for one outbound
// request. The token is read fresh on every call; nothing caches it.
func authHeaders(ctx context.Context) (http.Header, error) {
	h := http.Header{}
	if key := os.Getenv("ICC_API_KEY"); key != "" {
		h.Set("Authorization", "Bearer "+key)
	}
	return h, nil
}

func (app *Application) initControlLoops() error {
	cfg := app.config
	standalone := cfg.Standalone()

	// The vertical autoscaler runs even standalone; it only needs the
	// runtime.
	app.scalingController = scaling.NewController(scaling.Config{
		MaxWorkers:    cfg.Scaler.MaxWorkers,
		ScaleUpELU:    cfg.Scaler.ScaleUpELU,
		ScaleDownELU:  cfg.Scaler.ScaleDownELU,
		MinELUDiff:    cfg.Scaler.MinELUDiff,
		TimeWindowSec: cfg.Scaler.TimeWindowSec,
		CooldownSec:   cfg.Scaler.CooldownSec,
	}, app.runtimeAdapter)

	podID := cfg.ICC.PodID
	if podID == "" {
		podID = os.Getenv("HOSTNAME")
	}

	if !cfg.Flamegraphs.Disabled && !standalone {
		app.profilingController = profiling.NewController(profiling.Config{
			Disabled:       false,
			DurationMillis: cfg.Flamegraphs.DurationSec * 1000,
			SourceMaps:     cfg.Flamegraphs.SourceMaps,
			PodID:          podID,
			ApplicationID:  cfg.ICC.ApplicationID,
		}, app.runtimeAdapter, app.iccClient, app.collector.ProfileRequestDroppedPaused)
	}

	switch {
	case standalone:
		logger.Warn("standalone mode: health-signal and alert posting disabled")
	case cfg.Scaler.Version == "v2":
		app.batcher = healthsignals.NewBatcher(healthsignals.Config{
			ELUThreshold:     cfg.Health.ELUThreshold,
			HeapThresholdMiB: cfg.Health.HeapThresholdMiB,
			BatchShortMillis: cfg.Health.BatchShortMillis,
			BatchLongMillis:  cfg.Health.BatchLongMillis,
		}, cfg.ICC.ApplicationID, uuid.NewString(), app.iccClient, app.onScalerAlert)
	default:
		app.alertEngine = alerts.NewEngine(alerts.Config{
			GracePeriod:          time.Duration(cfg.Alerts.GracePeriodSec) * time.Second,
			PodHealthWindow:      time.Duration(cfg.Alerts.PodHealthWindowMs) * time.Millisecond,
			AlertRetentionWindow: time.Duration(cfg.Alerts.AlertRetentionWindowMs) * time.Millisecond,
			MaxHeapUsedRatio:     cfg.Alerts.MaxHeapUsedRatio,
			PauseELUThreshold:    cfg.Flamegraphs.PauseEluThreshold,
			PauseTimeoutMillis:   cfg.Flamegraphs.PauseTimeoutMillis,
		}, cfg.ICC.ApplicationID, app.runtimeAdapter.SupportsHealthMetrics, app.iccClient, app.profilingOrNoop(), app.runtimeAdapter)
	}

	if !standalone {
		app.controlChannel = controlchannel.New(
			controlchannel.EndpointURL(cfg.ICC.URL, cfg.ICC.ApplicationID),
			authHeaders,
			time.Duration(cfg.ICC.ReconnectIntervalMillis)*time.Millisecond,
			controlchannel.Callbacks{
				TriggerProfile: app.onTriggerProfile,
				ConfigUpdated:  app.onConfigUpdated,
			},
		)
	}

	return nil
}

// onScalerAlert turns an alert raised by the remote scaler algorithm
// into a CPU flamegraph request.
func (app *Application) onScalerAlert(alert iccclient.SignalAlert) {
	if app.profilingController == nil {
		return
	}
	if err := app.profilingController.RequestProfile(app.ctx, alert.ServiceID, model.ProfileCPU, alert.AlertID); err != nil {
		logger.WarnCtx(app.ctx, "failed to request flamegraph for scaler alert %s: %v", alert.AlertID, err)
	}
}

func (app *Application) onTriggerProfile(ctx context.Context, profileType model.ProfileType) {
	if app.profilingController == nil {
		return
	}
	app.profilingController.RequestProfileForAll(ctx, profileType)
}

// onConfigUpdated applies an ICC configuration update to the global
// config. Threshold changes take effect on the next loop start; a
// restart picks up everything else.
func (app *Application) onConfigUpdated(ctx context.Context, topic string, data json.RawMessage) {
	updated, err := config.ApplyUpdate(app.config, data)
	if err != nil {
		logger.WarnCtx(ctx, "ignoring bad config update on %s: %v", topic, err)
		return
	}
	app.config = updated
	config.GlobalConfig = updated
	logger.InfoCtx(ctx, "configuration updated from ICC (topic %s)", topic)
}

// profilingOrNoop hands the alert engine a profiling surface even when
// flamegraphs are disabled.
func (app *Application) profilingOrNoop() alerts.Profiling {
	if app.profilingController != nil {
		return app.profilingController
	}
	return noopProfiling{}
}

type noopProfiling struct{}

func (noopProfiling) RequestProfile(ctx context.Context, serviceID string, profileType model.ProfileType, alertID string) error {
	logger.InfoCtx(ctx, "flamegraphs disabled, ignoring %s profile request for %s", profileType, serviceID)
	return nil
}

func (noopProfiling) PauseProfiling(ctx context.Context, serviceID string, timeoutMillis int) {}

func (app *Application) initJobs() error {
	app.jobsManager = jobs.NewManager(app.ctx)
	if app.profilingController != nil && app.iccClient != nil {
		podID := app.config.ICC.PodID
		if podID == "" {
			podID = os.Getenv("HOSTNAME")
		}
		app.jobsManager.Register(&profilerStatesJob{
			interval:      time.Duration(app.config.Flamegraphs.StatesRefreshIntervalSec) * time.Second,
			client:        app.iccClient,
			profiling:     app.profilingController,
			applicationID: app.config.ICC.ApplicationID,
			podID:         podID,
		})
	}
	return nil
}

func (app *Application) initHTTPServer() error {
	if app.config.Server.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}
	app.ginEngine = gin.New()

	var scalingSnapshot func() []scaling.AppInfo
	if app.scalingController != nil {
		scalingSnapshot = app.scalingController.Snapshot
	}
	var profilerStates func() []profiling.StateItem
	if app.profilingController != nil {
		profilerStates = app.profilingController.States
	}
	agentHandler := handler.NewAgentHandler(app.collector, scalingSnapshot, profilerStates)
	router.NewRouter(agentHandler).Setup(app.ginEngine)

	app.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", app.config.Server.Port),
		Handler: app.ginEngine,
	}
	return nil
}

// Start starts all agent components
func (app *Application) Start() error {
	logger.InfoCtx(app.ctx, "Starting agent components...")

	if err := app.scalingController.Start(app.ctx); err != nil {
		return err
	}
	app.collector.SetComponent("scaling", true, true)

	if app.batcher != nil {
		if err := app.batcher.Start(app.ctx); err != nil {
			return err
		}
	}
	app.collector.SetComponent("healthsignals", app.batcher != nil, app.batcher != nil)
	app.collector.SetComponent("alerts", app.alertEngine != nil, app.alertEngine != nil)
	app.collector.SetComponent("profiling", app.profilingController != nil, app.profilingController != nil)

	if app.controlChannel != nil {
		app.controlChannel.Start(app.ctx)
	}
	app.collector.SetComponent("controlchannel", app.controlChannel != nil, app.controlChannel != nil)

	// Fan health samples out to the loops in arrival order.
	app.wg.Add(1)
	go func() {
		defer app.wg.Done()
		app.dispatchHealthEvents()
	}()

	app.jobsManager.Start()
	app.wg.Add(1)
	go func() {
		defer app.wg.Done()
		app.jobsManager.Wait()
	}()

	app.wg.Add(1)
	go func() {
		defer app.wg.Done()
		addr := app.httpServer.Addr
		logger.InfoCtx(app.ctx, "HTTP server listening on: %s", addr)
		if err := app.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.FatalCtx(app.ctx, "HTTP server error: %v", err)
		}
	}()

	logger.InfoCtx(app.ctx, "All components started successfully")
	return nil
}

// dispatchHealthEvents drains the runtime's health stream. Every loop
// observes the same arrival order.
func (app *Application) dispatchHealthEvents() {
	for {
		select {
		case <-app.ctx.Done():
			return
		case sample, ok := <-app.runtimeAdapter.Events():
			if !ok {
				return
			}
			app.scalingController.OnHealthSample(sample)
			// The batcher needs the richer health-metrics event; the
			// runtime announces that capability on its hello frame.
			if app.batcher != nil && app.runtimeAdapter.SupportsHealthMetrics() {
				app.batcher.OnHealthSample(sample)
			}
			if app.alertEngine != nil {
				app.alertEngine.OnHealthSample(app.ctx, sample)
			}
		}
	}
}

// Shutdown gracefully shuts down the agent: the control channel first
// so no reconnect races teardown, then the profilers with their
// best-effort stopProfiling, then the runtime adapter.
func (app *Application) Shutdown(timeout time.Duration) error {
	logger.InfoCtx(app.ctx, "Starting graceful shutdown (timeout: %v)...", timeout)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if app.controlChannel != nil {
		app.controlChannel.Close()
	}

	if app.profilingController != nil {
		app.profilingController.StopAll(shutdownCtx)
	}

	if app.batcher != nil {
		app.batcher.Stop()
	}
	app.scalingController.Stop()
	app.jobsManager.Stop()
	app.cancel()

	if err := app.httpServer.Shutdown(shutdownCtx); err != nil {
		logger.ErrorCtx(app.ctx, "HTTP server shutdown error: %v", err)
	}

	app.runtimeAdapter.Close()

	done := make(chan struct{})
	go func() {
		app.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.InfoCtx(app.ctx, "All background tasks completed")
	case <-shutdownCtx.Done():
		logger.WarnCtx(app.ctx, "Shutdown timeout, some tasks may not have completed")
	}

	logger.Sync()
	logger.Info("Graceful shutdown completed")
	return nil
}
