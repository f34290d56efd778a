// Package app assembles the services from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapio"

	"github.com/melih/mlflow-ami/internal/adapters/aws"
	"github.com/melih/mlflow-ami/internal/adapters/docker"
	"github.com/melih/mlflow-ami/internal/adapters/gitrepo"
	"github.com/melih/mlflow-ami/internal/adapters/natsclient"
	"github.com/melih/mlflow-ami/internal/adapters/storage"
	"github.com/melih/mlflow-ami/internal/config"
	"github.com/melih/mlflow-ami/internal/core/ports"
	"github.com/melih/mlflow-ami/internal/core/service"
	"github.com/melih/mlflow-ami/internal/telemetry"
)

// Backend is the set of ports one provider implements.
type Backend struct {
	Locator  ports.SourceLocator
	Builder  ports.ImageBuilder
	Catalog  ports.ImageCatalog
	Launcher ports.InstanceLauncher
}

// App holds the wired services and what has to be closed afterwards.
type App struct {
	Config   *config.Config
	Log      *zap.Logger
	Builds   *service.BuildService
	Deploys  *service.DeployService
	Registry *prometheus.Registry

	closers []func(context.Context) error
}

// NewBackend connects to the provider cfg.Backend names.
func NewBackend(cfg *config.Config, log *zap.Logger) (*Backend, error) {
	switch cfg.Backend {
	case config.BackendAWS:
		client, err := aws.NewClient(cfg.AWSOptions(), log.Named("aws"))
		if err != nil {
			return nil, err
		}
		catalog := aws.NewCatalog(client, log.Named("aws"))
		return &Backend{
			Locator:  catalog,
			Builder:  aws.NewBuilder(client, cfg.Build.Instance, log.Named("aws")),
			Catalog:  catalog,
			Launcher: aws.NewLauncher(client, log.Named("aws")),
		}, nil

	case config.BackendDocker:
		cli, err := docker.NewClient(cfg.Docker.Host)
		if err != nil {
			return nil, err
		}
		dlog := log.Named("docker")
		progress := &zapio.Writer{Log: dlog, Level: zap.DebugLevel}
		return &Backend{
			Locator:  docker.NewSource(cli, cfg.Docker, progress, dlog),
			Builder:  docker.NewBuilder(cli, cfg.Docker, progress, dlog),
			Catalog:  docker.NewCatalog(cli, cfg.Docker, dlog),
			Launcher: docker.NewLauncher(cli, dlog),
		}, nil
	}
	return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
}

// New wires the services for cfg. A nil backend is created from cfg.
func New(cfg *config.Config, log *zap.Logger, backend *Backend) (*App, error) {
	a := &App{Config: cfg, Log: log, Registry: prometheus.NewRegistry()}

	if backend == nil {
		b, err := NewBackend(cfg, log)
		if err != nil {
			return nil, err
		}
		backend = b
	}

	var (
		store *storage.Store
		err   error
	)
	if cfg.Store.InMemory {
		store, err = storage.NewInMemoryStore()
	} else {
		store, err = storage.NewStore(cfg.Store.Path)
	}
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func(context.Context) error { return store.Close() })

	var publisher ports.EventPublisher
	if cfg.NATS.URL != "" {
		p, err := natsclient.NewPublisher(cfg.NATS.URL, log.Named("nats"))
		if err != nil {
			_ = a.Close(context.Background())
			return nil, err
		}
		publisher = p
		a.closers = append(a.closers, func(context.Context) error { p.Close(); return nil })
	}

	shutdown, err := telemetry.SetupTracing(cfg.Tracing.Enabled, os.Stderr)
	if err != nil {
		_ = a.Close(context.Background())
		return nil, err
	}
	a.closers = append(a.closers, shutdown)

	a.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := telemetry.NewMetrics(a.Registry)

	a.Builds = service.NewBuildService(service.BuildDeps{
		Backend:   cfg.Backend,
		Locator:   backend.Locator,
		Builder:   backend.Builder,
		Catalog:   backend.Catalog,
		Fetcher:   gitrepo.NewFetcher(log.Named("git"), &zapio.Writer{Log: log.Named("git"), Level: zap.DebugLevel}),
		Store:     store,
		Publisher: publisher,
		Metrics:   metrics,
		Logger:    log,
	})
	a.Deploys = service.NewDeployService(service.DeployDeps{
		Backend:   cfg.Backend,
		Catalog:   backend.Catalog,
		Launcher:  backend.Launcher,
		Store:     store,
		Publisher: publisher,
		Metrics:   metrics,
		Logger:    log,
	})
	return a, nil
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
