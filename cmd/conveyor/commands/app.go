package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/openfroyo/conveyor/pkg/api"
	"github.com/openfroyo/conveyor/pkg/config"
	"github.com/openfroyo/conveyor/pkg/dataflow"
	"github.com/openfroyo/conveyor/pkg/dispatch"
	"github.com/openfroyo/conveyor/pkg/edr"
	"github.com/openfroyo/conveyor/pkg/engine"
	"github.com/openfroyo/conveyor/pkg/housekeeping"
	"github.com/openfroyo/conveyor/pkg/policy"
	"github.com/openfroyo/conveyor/pkg/provision"
	"github.com/openfroyo/conveyor/pkg/stores"
	"github.com/openfroyo/conveyor/pkg/telemetry"
	amqptransport "github.com/openfroyo/conveyor/pkg/transports/amqp"
	"github.com/openfroyo/conveyor/pkg/transports/sftp"
	"github.com/openfroyo/conveyor/pkg/vault"
)

// processStore is what every store driver provides.
type processStore interface {
	engine.TransferProcessStore
	housekeeping.StateCounter
}

// app is one fully wired conveyor instance.
type app struct {
	cfg    *config.Config
	tel    *telemetry.Telemetry
	logger *telemetry.Logger

	store     processStore
	vault     engine.Vault
	guard     *policy.RegoGuard
	dataFlow  *dataflow.Manager
	refs      *edr.Registry
	manager   *engine.Manager
	broker    *amqptransport.Connection
	consumer  *amqptransport.CommandConsumer
	scheduler *housekeeping.Scheduler
	server    *http.Server

	closers []func() error
}

// loadConfig reads the configuration named by --config and stamps the
// build version into the telemetry settings.
func loadConfig(version string) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if cfg.Telemetry.ServiceVersion == "" {
		cfg.Telemetry.ServiceVersion = version
	}
	if jsonOutput {
		cfg.Telemetry.Logging.Format = "json"
	}
	if cfg.Engine.InstanceID == "" {
		cfg.Engine.InstanceID = stores.DefaultOwner()
	}
	return cfg, nil
}

// newApp builds every component from cfg. Call close when done, also when
// newApp fails half way.
func newApp(ctx context.Context, cfg *config.Config) (a *app, err error) {
	a = &app{cfg: cfg}
	defer func() {
		if err != nil {
			a.close()
			a = nil
		}
	}()

	a.tel, err = telemetry.NewTelemetry(&cfg.Telemetry)
	if err != nil {
		return a, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	a.closers = append(a.closers, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return a.tel.Shutdown(ctx)
	})
	a.logger = a.tel.Logger.WithField("instance", cfg.Engine.InstanceID)

	if a.store, err = openStore(ctx, cfg, a.logger); err != nil {
		return a, err
	}
	if c, ok := a.store.(io.Closer); ok {
		a.closers = append(a.closers, c.Close)
	}

	if a.vault, err = openVault(cfg.Vault); err != nil {
		return a, err
	}

	manifests := provision.NewManifestRegistry()
	if cfg.Provision.ManifestFile != "" {
		templates, err := provision.LoadManifestTemplates(cfg.Provision.ManifestFile)
		if err != nil {
			return a, err
		}
		templates.Register(manifests)
	}

	provisioners := provision.NewRegistry(a.logger)
	provisioners.Register(provision.TypeAddress, provision.NewAddressProvisioner())
	if cfg.SFTP.Enabled {
		sftpConfig := cfg.SFTP.Config
		files, err := sftp.NewProvisioner(&sftpConfig, nil)
		if err != nil {
			return a, fmt.Errorf("invalid sftp config: %w", err)
		}
		provisioners.Register(sftp.TypeSFTP, files)
	}

	var publisher *amqptransport.Publisher
	if cfg.AMQP.Enabled {
		a.broker, err = amqptransport.Dial(cfg.AMQP.URL, cfg.Dispatch.Timeout)
		if err != nil {
			return a, err
		}
		a.closers = append(a.closers, a.broker.Close)

		publisher = amqptransport.NewPublisher(a.broker, a.logger)
		if cfg.AMQP.RequestExchange != "" {
			async := provision.NewAsyncProvisioner(amqptransport.NewRequestPublisher(publisher, cfg.AMQP.RequestExchange))
			for _, t := range cfg.AMQP.AsyncTypes {
				provisioners.Register(t, async)
			}
		}
	}

	dispatchers := dispatch.NewRegistry(a.logger)
	dispatchers.Register(cfg.Dispatch.Protocol, dispatch.NewHTTPDispatcher(dispatch.HTTPConfig{
		Timeout:       cfg.Dispatch.Timeout,
		RatePerSecond: cfg.Dispatch.RatePerSecond,
		Burst:         cfg.Dispatch.Burst,
		AuthToken:     cfg.Dispatch.AuthToken,
	}))

	a.dataFlow = dataflow.NewManager(dataflow.Config{
		PublicEndpoint: publicEndpoint(cfg),
		Processes:      a.store,
	}, a.vault, a.logger)

	a.guard, err = policy.NewRegoGuard(ctx, cfg.Policy, a.logger.Zerolog(), nil)
	if err != nil {
		return a, fmt.Errorf("failed to load pending policies: %w", err)
	}
	a.closers = append(a.closers, a.guard.Close)

	a.manager, err = engine.NewManager(cfg.Engine.ManagerConfig(), engine.Dependencies{
		Store:       a.store,
		Manifests:   manifests,
		Provisioner: provisioners,
		Dispatcher:  dispatchers,
		DataFlow:    a.dataFlow,
		Vault:       a.vault,
		Guard:       a.guard,
		Logger:      a.logger,
		Metrics:     a.tel.Metrics,
		Tracer:      a.tel.Tracer,
	})
	if err != nil {
		return a, err
	}

	a.refs = edr.NewRegistry(a.vault, a.logger)
	a.manager.Observable().Register("edr", a.refs)
	if cfg.Telemetry.Events.Enabled {
		a.manager.Observable().Register("event-router", engine.NewEventRouterListener(a.tel.Events))
	}

	if publisher != nil && cfg.AMQP.EventExchange != "" {
		a.manager.Observable().Register("amqp-events",
			amqptransport.NewEventListener(publisher, cfg.AMQP.EventExchange, cfg.Dispatch.Timeout))
	}

	if a.broker != nil {
		a.consumer = amqptransport.NewCommandConsumer(a.broker, amqptransport.ConsumerConfig{
			Queue:    cfg.AMQP.CommandQueue,
			Exchange: cfg.AMQP.CommandExchange,
			Prefetch: cfg.AMQP.Prefetch,
		}, a.manager, a.logger)
	}

	a.scheduler = housekeeping.NewScheduler(a.logger, 0)
	if err = a.scheduler.Add(housekeeping.JobProcessGauges, cfg.Housekeeping.Schedule,
		housekeeping.ProcessGauges(a.store, a.tel.Metrics)); err != nil {
		return a, err
	}
	if checker, ok := a.store.(housekeeping.HealthChecker); ok {
		if err = a.scheduler.Add(housekeeping.JobStoreHealth, cfg.Housekeeping.Schedule,
			housekeeping.StoreHealth(checker, a.tel.Metrics)); err != nil {
			return a, err
		}
	}

	if cfg.HTTP.Enabled {
		a.server = &http.Server{
			Addr:         cfg.HTTP.Address,
			Handler:      api.NewRouter(a.routerOptions()),
			ReadTimeout:  cfg.HTTP.ReadTimeout,
			WriteTimeout: cfg.HTTP.WriteTimeout,
		}
	}
	return a, nil
}

func (a *app) routerOptions() api.Options {
	health := map[string]api.HealthChecker{}
	if checker, ok := a.store.(api.HealthChecker); ok {
		health["store"] = checker
	}

	opts := api.Options{
		Service:         a.manager,
		DataPlane:       a.dataFlow,
		References:      a.refs,
		Health:          health,
		ManagementToken: a.cfg.HTTP.ManagementToken,
		ProtocolToken:   a.cfg.HTTP.ProtocolToken,
		AllowedOrigins:  a.cfg.HTTP.AllowedOrigins,
		Logger:          a.logger,
	}
	if a.cfg.Telemetry.Metrics.Enabled {
		opts.Metrics = a.tel.Metrics
		opts.MetricsPath = a.cfg.Telemetry.Metrics.Path
	}
	return opts
}

// run starts the engine and its surfaces and blocks until ctx is cancelled
// or one of them fails, then shuts everything down.
func (a *app) run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	if err := a.manager.Start(gctx); err != nil {
		return err
	}
	a.scheduler.Start()

	if a.cfg.Policy.Watch {
		if err := a.guard.Watch(gctx); err != nil {
			a.logger.WithError(err).Warn("Policy hot reload disabled")
		}
	}

	if a.consumer != nil {
		g.Go(func() error { return a.consume(gctx) })
	}

	if a.server != nil {
		g.Go(func() error {
			a.logger.WithField("address", a.server.Addr).Info("HTTP server listening")
			if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server failed: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		return a.shutdown()
	})

	return g.Wait()
}

// consume keeps the command consumer running, reopening the channel after
// broker failures.
func (a *app) consume(ctx context.Context) error {
	for {
		err := a.consumer.Run(ctx)
		if ctx.Err() != nil {
			return nil
		}
		a.logger.WithError(err).Warn("Command consumer stopped, reconnecting")

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(5 * time.Second):
		}
		if _, err := a.broker.Reopen(); err != nil {
			a.logger.WithError(err).Warn("Failed to reopen broker channel")
		}
	}
}

func (a *app) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.HTTP.ShutdownTimeout)
	defer cancel()

	var errs []error
	if a.server != nil {
		if err := a.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
	}
	if err := a.scheduler.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := a.manager.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// close releases resources in reverse order of acquisition.
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			log.Warn().Err(err).Msg("Failed to release resource")
		}
	}
	a.closers = nil
}

// openStore opens and, where supported, migrates the configured store.
func openStore(ctx context.Context, cfg *config.Config, logger *telemetry.Logger) (processStore, error) {
	opts := stores.Options{
		Owner:         cfg.Engine.InstanceID,
		LeaseDuration: cfg.Engine.LeaseDuration,
	}
	db := cfg.Database

	switch db.Driver {
	case "memory":
		logger.Warn("Using the in-memory store, processes are lost on restart")
		return stores.NewMemoryStore(opts), nil

	case "sqlite":
		store, err := stores.NewSQLiteStore(stores.Config{
			Path:            db.Path,
			MaxOpenConns:    db.MaxOpenConns,
			MaxIdleConns:    db.MaxIdleConns,
			ConnMaxLifetime: db.ConnMaxLifetime,
			Options:         opts,
		})
		if err != nil {
			return nil, err
		}
		if err := store.Init(ctx); err != nil {
			_ = store.Close()
			return nil, err
		}
		if db.AutoMigrate {
			if err := store.Migrate(ctx); err != nil {
				_ = store.Close()
				return nil, err
			}
		}
		return store, nil

	case "postgres":
		store, err := stores.NewPostgresStore(ctx, stores.PostgresConfig{
			DSN:      db.DSN,
			MaxConns: int32(db.MaxOpenConns),
			Options:  opts,
		})
		if err != nil {
			return nil, err
		}
		if db.AutoMigrate {
			if err := store.Migrate(ctx); err != nil {
				_ = store.Close()
				return nil, err
			}
		}
		return store, nil

	default:
		return nil, fmt.Errorf("unknown database driver %q", db.Driver)
	}
}

func openVault(cfg config.VaultConfig) (engine.Vault, error) {
	switch cfg.Type {
	case "memory":
		return vault.NewMemoryVault(), nil
	case "file":
		v, err := vault.OpenFileVault(cfg.Path, cfg.Passphrase)
		if err != nil {
			return nil, err
		}
		return v, nil
	default:
		return nil, fmt.Errorf("unknown vault type %q", cfg.Type)
	}
}

// publicEndpoint is the configured data plane URL, or the public path next
// to the protocol path of the callback address.
func publicEndpoint(cfg *config.Config) string {
	if cfg.DataFlow.PublicEndpoint != "" {
		return cfg.DataFlow.PublicEndpoint
	}
	base := strings.TrimSuffix(cfg.Engine.CallbackAddress, "/")
	if base == "" {
		base = "http://localhost" + cfg.HTTP.Address
		if !strings.HasPrefix(cfg.HTTP.Address, ":") {
			base = "http://" + cfg.HTTP.Address
		}
	}
	return strings.TrimSuffix(base, api.ProtocolPath) + api.PublicPath
}
