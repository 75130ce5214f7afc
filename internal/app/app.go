// Package app wires configuration into a running engine.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	consulapi "github.com/hashicorp/consul/api"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/fleetwarden/internal/alert"
	"github.com/fleetwarden/internal/api"
	"github.com/fleetwarden/internal/clock"
	"github.com/fleetwarden/internal/config"
	"github.com/fleetwarden/internal/cooldown"
	"github.com/fleetwarden/internal/database"
	"github.com/fleetwarden/internal/logging"
	"github.com/fleetwarden/internal/metrics"
	"github.com/fleetwarden/internal/models"
	"github.com/fleetwarden/internal/monitor"
	"github.com/fleetwarden/internal/notify"
	"github.com/fleetwarden/internal/probe"
	"github.com/fleetwarden/internal/registry"
	"github.com/fleetwarden/internal/remediation"
	"github.com/fleetwarden/internal/runtime"
)

const pruneInterval = time.Hour

type App struct {
	Config       *config.Config
	Logger       *slog.Logger
	Registry     *registry.Registry
	Runtime      runtime.Runtime
	Engine       *probe.Engine
	Cooldowns    cooldown.Store
	Dispatcher   *alert.Dispatcher
	Orchestrator *remediation.Orchestrator
	Loop         *monitor.Loop
	// Store is nil when no history database is configured.
	Store *database.Store

	clock   clock.Clock
	closers []func() error
}

type options struct {
	logger    *slog.Logger
	clock     clock.Clock
	confirmer remediation.Confirmer
	runtime   runtime.Runtime
	source    probe.MetricSource
	notifier  notify.Notifier
}

type Option func(*options)

func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithConfirmer enables interactive remediation requests.
func WithConfirmer(c remediation.Confirmer) Option {
	return func(o *options) { o.confirmer = c }
}

// WithRuntime replaces the docker runtime.
func WithRuntime(rt runtime.Runtime) Option {
	return func(o *options) { o.runtime = rt }
}

// WithMetricSource replaces the host metric source.
func WithMetricSource(src probe.MetricSource) Option {
	return func(o *options) { o.source = src }
}

// WithNotifier replaces the notifiers built from the alert section.
func WithNotifier(n notify.Notifier) Option {
	return func(o *options) { o.notifier = n }
}

// New builds every component described by cfg. Close releases them.
func New(cfg *config.Config, opts ...Option) (_ *App, err error) {
	o := options{clock: clock.System{}, source: probe.HostSource{}}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = logging.New(cfg.Logging.Level, cfg.Logging.JSON)
	}

	a := &App{Config: cfg, Logger: o.logger, clock: o.clock}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.Registry, err = registry.New(cfg.Targets, cfg.Loop.HistorySize)
	if err != nil {
		return nil, err
	}

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}
	observer := metrics.Observer{}

	if cfg.Database.Path != "" {
		a.Store, err = database.Open(cfg.Database.Path)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		a.closers = append(a.closers, a.Store.Close)
	}

	a.Cooldowns, err = a.cooldownStore()
	if err != nil {
		return nil, err
	}

	a.Runtime = o.runtime
	if a.Runtime == nil {
		docker, err := runtime.NewDocker(cfg.Docker.Host,
			runtime.WithStopTimeout(cfg.Docker.StopTimeout),
			runtime.WithStats(cfg.Docker.Stats),
		)
		if err != nil {
			return nil, fmt.Errorf("docker client: %w", err)
		}
		a.Runtime = docker
		a.closers = append(a.closers, docker.Close)
	}

	var consul *consulapi.Client
	if cfg.Consul.Address != "" {
		consulCfg := consulapi.DefaultConfig()
		consulCfg.Address = cfg.Consul.Address
		consul, err = consulapi.NewClient(consulCfg)
		if err != nil {
			return nil, fmt.Errorf("consul client: %w", err)
		}
	}

	httpClient := &http.Client{}
	a.Engine = probe.NewEngine(
		probe.WithChecker(models.KindHTTP, probe.NewHTTPChecker(httpClient)),
		probe.WithChecker(models.KindContainer, probe.NewContainerChecker(a.Runtime, o.clock)),
		probe.WithChecker(models.KindClusterService, probe.NewClusterChecker(httpClient, consul)),
		probe.WithChecker(models.KindSystemMetric, probe.NewMetricChecker(o.source, o.clock)),
		probe.WithTimeout(models.KindHTTP, cfg.Probe.HTTPTimeout),
		probe.WithTimeout(models.KindContainer, cfg.Probe.ContainerTimeout),
		probe.WithTimeout(models.KindClusterService, cfg.Probe.ClusterTimeout),
		probe.WithTimeout(models.KindSystemMetric, cfg.Probe.MetricTimeout),
		probe.WithConcurrency(cfg.Loop.Concurrency),
		probe.WithClock(o.clock),
		probe.WithLogger(o.logger),
		probe.WithObserver(observer),
	)

	notifier := o.notifier
	if notifier == nil {
		notifier = buildNotifier(cfg.Alert, o.logger)
	}
	dispatchOpts := []alert.Option{
		alert.WithWindow(cfg.Alert.Window),
		alert.WithSendTimeout(cfg.Alert.SendTimeout),
		alert.WithClock(o.clock),
		alert.WithLogger(o.logger),
		alert.WithObserver(observer),
	}
	for prefix, window := range cfg.Alert.Windows {
		dispatchOpts = append(dispatchOpts, alert.WithKeyWindow(prefix, window))
	}
	if a.Store != nil {
		dispatchOpts = append(dispatchOpts, alert.WithRecorder(a.Store))
	}
	a.Dispatcher, err = alert.NewDispatcher(a.Cooldowns, notifier, dispatchOpts...)
	if err != nil {
		return nil, err
	}

	orchOpts := []remediation.Option{
		remediation.WithServiceManager(&runtime.ExecServiceManager{Command: cfg.Remediation.ServiceCommand}),
		remediation.WithProber(a.Engine),
		remediation.WithSamples(a.Registry),
		remediation.WithObserver(observer),
		remediation.WithClock(o.clock),
		remediation.WithLogger(o.logger),
		remediation.WithDefaults(cfg.RemediationDefaults()),
	}
	if o.confirmer != nil {
		orchOpts = append(orchOpts, remediation.WithConfirmer(o.confirmer))
	}
	if a.Store != nil {
		orchOpts = append(orchOpts, remediation.WithRecorder(a.Store))
	}
	a.Orchestrator = remediation.New(a.Runtime, orchOpts...)

	loopOpts := []monitor.Option{
		monitor.WithRemediator(a.Orchestrator),
		monitor.WithObserver(observer),
		monitor.WithPolicy(cfg.Policy),
		monitor.WithInterval(cfg.Loop.Interval),
		monitor.WithClock(o.clock),
		monitor.WithLogger(o.logger),
	}
	if a.Store != nil {
		loopOpts = append(loopOpts, monitor.WithSampleRecorder(a.Store))
	}
	a.Loop, err = monitor.NewLoop(a.Registry, a.Engine, a.Dispatcher, loopOpts...)
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (a *App) cooldownStore() (cooldown.Store, error) {
	switch a.Config.State.Backend {
	case config.BackendSQLite:
		if a.Store == nil {
			return nil, errors.New("sqlite cooldown backend requires database.path")
		}
		return database.NewCooldownStore(a.Store)
	default:
		store, err := cooldown.NewFileStore(a.Config.State.Path)
		if err != nil {
			return nil, fmt.Errorf("open cooldown file: %w", err)
		}
		return store, nil
	}
}

func buildNotifier(cfg config.AlertConfig, logger *slog.Logger) notify.Notifier {
	var notifiers []notify.Notifier
	if cfg.Slack.Token != "" {
		notifiers = append(notifiers, notify.NewSlack(cfg.Slack.Token, cfg.Slack.Channel))
	}
	if cfg.Slack.WebhookURL != "" {
		notifiers = append(notifiers, notify.NewSlackWebhook(cfg.Slack.WebhookURL, cfg.Slack.Channel, cfg.Slack.Username))
	}
	if cfg.Email.SMTPHost != "" {
		notifiers = append(notifiers, notify.NewEmail(cfg.Email.SMTPHost, cfg.Email.SMTPPort,
			cfg.Email.Username, cfg.Email.Password, cfg.Email.From, cfg.Email.Receivers))
	}
	if cfg.Webhook.URL != "" {
		notifiers = append(notifiers, notify.NewWebhook(cfg.Webhook.URL, cfg.Webhook.Headers))
	}
	if len(notifiers) == 0 {
		logger.Warn("no notifier configured, alerts go to the log")
		return notify.NewLog(logger)
	}
	return notify.NewMulti(notifiers...)
}

// Check runs one reconciliation cycle.
func (a *App) Check(ctx context.Context) monitor.CycleReport {
	return a.Loop.RunCycle(ctx)
}

// Probe checks every target once and records the samples without alerting
// or remediating.
func (a *App) Probe(ctx context.Context) []models.HealthSample {
	samples := a.Engine.ProbeAll(ctx, a.Registry.List())
	for _, s := range samples {
		if err := a.Registry.Record(s); err != nil {
			a.Logger.Warn("record sample", "target", s.TargetID, "error", err)
		}
	}
	return samples
}

// Serve runs the loop, the API server and history pruning until ctx ends.
func (a *App) Serve(ctx context.Context) error {
	if err := a.Loop.Start(ctx); err != nil {
		return err
	}
	defer a.Loop.Stop()

	g, ctx := errgroup.WithContext(ctx)

	if a.Store != nil && a.Config.Database.RetentionDays > 0 {
		g.Go(func() error {
			a.prune(ctx)
			return nil
		})
	}

	if a.Config.Server.Enabled {
		srv, err := a.APIServer()
		if err != nil {
			return err
		}
		g.Go(func() error {
			return srv.Start(ctx, fmt.Sprintf(":%d", a.Config.Server.Port))
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		return nil
	})
	return g.Wait()
}

// APIServer builds the HTTP API over the app's components.
func (a *App) APIServer() (*api.Server, error) {
	opts := []api.Option{
		api.WithMonitor(a.Loop),
		api.WithCooldowns(a.Dispatcher),
		api.WithRemediator(a.Orchestrator),
		api.WithSecret(a.Config.Server.JWTSecret),
		api.WithClock(a.clock),
		api.WithLogger(a.Logger),
	}
	if a.Store != nil {
		opts = append(opts, api.WithHistory(a.Store))
	}
	return api.NewServer(a.Registry, opts...)
}

func (a *App) prune(ctx context.Context) {
	retention := time.Duration(a.Config.Database.RetentionDays) * 24 * time.Hour
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		removed, err := a.Store.Prune(ctx, a.clock.Now().Add(-retention))
		if err != nil {
			a.Logger.Warn("prune history", "error", err)
		} else if removed > 0 {
			a.Logger.Info("pruned history", "rows", removed)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Close releases the database and runtime clients.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
