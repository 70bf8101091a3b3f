package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/cortexsys/dispatcher/internal/adapter/amqp"
	"github.com/cortexsys/dispatcher/internal/adapter/filesystem"
	"github.com/cortexsys/dispatcher/internal/adapter/postgres"
	sftpadapter "github.com/cortexsys/dispatcher/internal/adapter/sftp"
	"github.com/cortexsys/dispatcher/internal/adapter/sqlite"
	"github.com/cortexsys/dispatcher/internal/config"
	"github.com/cortexsys/dispatcher/internal/dispatcher"
	"github.com/cortexsys/dispatcher/internal/eventbus"
	sftpexecutor "github.com/cortexsys/dispatcher/internal/executor/sftp"
	"github.com/cortexsys/dispatcher/internal/logger"
	"github.com/cortexsys/dispatcher/internal/metrics"
	"github.com/cortexsys/dispatcher/internal/port"
	"github.com/cortexsys/dispatcher/internal/service/maintenance"
	"github.com/cortexsys/dispatcher/internal/service/server"
	"github.com/cortexsys/dispatcher/internal/source/directory"
	"github.com/cortexsys/dispatcher/internal/supervisor"
)

const version = "0.1.0"

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	devStackRoot := flag.String("dev-stack-root", "", "Resolve relative storage/database paths under this root instead of the system defaults, for local development without a provisioned /cortex tree")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if *devStackRoot != "" {
		applyDevStackRoot(cfg, *devStackRoot)
	}

	if err := logger.Init(cfg.Logging.Level, cfg.Logging.Format); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	log := logger.Log
	log.Infow("starting cortex-dispatcher", "version", version, "config", *configPath)

	fs, err := filesystem.NewManager(cfg.Storage.Directory)
	if err != nil {
		log.Fatalw("failed to create filesystem manager", "error", err)
	}

	registry, err := openRegistry(context.Background(), cfg, log)
	if err != nil {
		log.Fatalw("failed to open registry store", "error", err)
	}

	gateway, err := amqp.New(context.Background(), amqp.Config{
		URL:            cfg.CommandQueue.Address,
		ConfirmTimeout: cfg.CommandQueue.GetConfirmTimeout(),
		Log:            log.Named("amqp"),
	})
	if err != nil {
		log.Fatalw("failed to connect to amqp broker", "error", err)
	}

	bus := eventbus.New(256)

	targets, err := buildTargets(cfg)
	if err != nil {
		log.Fatalw("failed to build dispatch targets", "error", err)
	}

	engine := dispatcher.New(dispatcher.Config{
		Targets:  targets,
		Registry: registry,
		Gateway:  gateway,
		FS:       fs,
		Bus:      bus,
		Log:      log.Named("dispatcher"),
	})

	sup := supervisor.New(supervisor.Config{
		Log:           log.Named("supervisor"),
		ShutdownDrain: cfg.Shutdown.GetDrainTimeout(),
		Bus:           bus,
	})

	sup.AddTask(supervisor.Task{
		Name:   "dispatcher-engine",
		Phase:  supervisor.PhaseCore,
		Policy: supervisor.Fatal,
		Run:    engine.Run,
	})

	if err := wireDirectorySources(cfg, sup, bus, registry, log); err != nil {
		log.Fatalw("failed to configure directory sources", "error", err)
	}

	if err := wireSftpSources(cfg, sup, bus, registry, gateway, fs, log); err != nil {
		log.Fatalw("failed to configure sftp sources", "error", err)
	}

	maintenanceSvc := maintenance.New(maintenance.DefaultConfig(), fs, log.Named("maintenance"))
	sup.AddTask(supervisor.Task{
		Name:   "maintenance",
		Phase:  supervisor.PhaseCore,
		Policy: supervisor.Transient,
		Run:    maintenanceSvc.Run,
	})

	var pusher *metrics.Pusher
	if cfg.PrometheusPush != nil && cfg.PrometheusPush.Gateway != "" {
		pusher = metrics.NewPusher(cfg.PrometheusPush.Gateway, cfg.PrometheusPush.GetInterval(), log.Named("metrics-pusher"))
		sup.AddTask(supervisor.Task{
			Name:   "metrics-pusher",
			Phase:  supervisor.PhaseCore,
			Policy: supervisor.Transient,
			Run:    pusher.Run,
		})
	}

	httpServer := server.New(&server.Config{
		BindAddr:     fmt.Sprintf("0.0.0.0:%d", cfg.HTTPServer.Port),
		ReadTimeout:  cfg.HTTPServer.GetReadTimeout(),
		WriteTimeout: cfg.HTTPServer.GetWriteTimeout(),
		IdleTimeout:  cfg.HTTPServer.GetIdleTimeout(),
		HealthCheck:  sup.Healthy,
	}, log.Named("http"))

	sup.AddCloser("amqp-gateway", gateway)
	sup.AddCloser("registry-store", registry)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := httpServer.Start(); err != nil {
			log.Errorw("http admin/metrics server failed", "error", err)
		}
	}()

	runErrCh := make(chan error, 1)
	go func() {
		runErrCh <- sup.Run(ctx)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	log.Infow("cortex-dispatcher started", "http_addr", fmt.Sprintf(":%d", cfg.HTTPServer.Port), "storage_root", cfg.Storage.Directory)

	exitCode := 0
	select {
	case sig := <-sigCh:
		log.Infow("shutdown signal received", "signal", sig.String())
	case err := <-runErrCh:
		log.Errorw("supervisor reported a fatal task failure", "error", err)
		exitCode = 2
	}

	go func() {
		<-sigCh
		log.Warn("second shutdown signal received, forcing immediate shutdown")
		sup.ForceKill()
	}()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Shutdown.GetDrainTimeout()+5*time.Second)
	if err := sup.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error during supervisor shutdown", "error", err)
		if exitCode == 0 {
			exitCode = 2
		}
	}
	shutdownCancel()
	cancel()

	if pusher != nil {
		pusher.PushNow()
	}

	httpShutdownCtx, httpShutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := httpServer.Stop(httpShutdownCtx); err != nil {
		log.Errorw("failed to stop http admin/metrics server gracefully", "error", err)
	}
	httpShutdownCancel()

	log.Info("cortex-dispatcher stopped")
	os.Exit(exitCode)
}

// applyDevStackRoot resolves relative storage/database paths under root,
// matching the original source's dev_stack.rs convenience for running
// against a local stack instead of a provisioned /cortex tree.
func applyDevStackRoot(cfg *config.Config, root string) {
	if !filepath.IsAbs(cfg.Storage.Directory) {
		cfg.Storage.Directory = filepath.Join(root, cfg.Storage.Directory)
	}
	if cfg.SQLite != nil && cfg.SQLite.Path != "" && !filepath.IsAbs(cfg.SQLite.Path) {
		cfg.SQLite.Path = filepath.Join(root, cfg.SQLite.Path)
	}
}

func openRegistry(ctx context.Context, cfg *config.Config, log *zap.SugaredLogger) (port.Registry, error) {
	if cfg.SQLite != nil {
		log.Infow("opening sqlite registry", "path", cfg.SQLite.Path)
		return sqlite.Open(cfg.SQLite.Path)
	}
	log.Infow("opening postgresql registry", "host", cfg.PostgreSQL.Host, "dbname", cfg.PostgreSQL.DBName)
	return postgres.Open(ctx, cfg.PostgreSQL)
}

func buildTargets(cfg *config.Config) ([]dispatcher.Target, error) {
	targets := make([]dispatcher.Target, 0, len(cfg.Targets))
	for _, t := range cfg.Targets {
		match, err := t.MatchRegexp()
		if err != nil {
			return nil, fmt.Errorf("target %q: %w", t.Name, err)
		}
		targets = append(targets, dispatcher.Target{Name: t.Name, Match: match, Queue: t.Queue})
	}
	return targets, nil
}

func wireDirectorySources(cfg *config.Config, sup *supervisor.Supervisor, bus *eventbus.Bus, registry port.Registry, log *zap.SugaredLogger) error {
	for _, ds := range cfg.DirectorySources {
		filter, err := ds.FilterRegexp()
		if err != nil {
			return fmt.Errorf("directory source %q: %w", ds.Name, err)
		}

		src := directory.New(directory.Config{
			Name:      ds.Name,
			Root:      ds.Directory,
			Recursive: ds.Recursive,
			Filter:    filter,
			DwellTime: ds.GetDwellTime(),
			Targets:   ds.Targets,
		}, bus, registry, log.Named("source." + ds.Name))

		sup.AddTask(supervisor.Task{
			Name:   "directory-source." + ds.Name,
			Phase:  supervisor.PhaseProducer,
			Policy: supervisor.Transient,
			Run:    src.Run,
		})
	}
	return nil
}

func wireSftpSources(cfg *config.Config, sup *supervisor.Supervisor, bus *eventbus.Bus, registry port.Registry, gateway port.Gateway, fs port.FileSystem, log *zap.SugaredLogger) error {
	if len(cfg.SftpSources) == 0 {
		return nil
	}

	sources := make(map[string]sftpadapter.SourceConfig, len(cfg.SftpSources))
	for _, ss := range cfg.SftpSources {
		sources[ss.Name] = sftpadapter.SourceConfig{
			Address:        ss.Address,
			Username:       ss.Username,
			Password:       ss.Password,
			KeyFile:        ss.KeyFile,
			Compress:       ss.Compress,
			ConnectTimeout: ss.GetConnectTimeout(),
		}
	}
	dialer := sftpadapter.NewDialer(sources)

	for _, ss := range cfg.SftpSources {
		exec := sftpexecutor.New(sftpexecutor.Config{
			SourceName: ss.Name,
			JobQueue:   ss.JobQueue,
			Prefetch:   ss.ThreadCount,
			MaxRetries: ss.GetMaxRetries(),
			Dialer:     dialer,
			FS:         fs,
			Registry:   registry,
			Gateway:    gateway,
			Bus:        bus,
			Log:        log.Named("sftp." + ss.Name),
		})

		sup.AddTask(supervisor.Task{
			Name:   "sftp-executor." + ss.Name,
			Phase:  supervisor.PhaseProducer,
			Policy: supervisor.Transient,
			Run:    exec.Run,
		})
	}
	return nil
}
