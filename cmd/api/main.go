package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/melih/mlflow-ami/internal/app"
	"github.com/melih/mlflow-ami/internal/cli"
	"github.com/melih/mlflow-ami/internal/config"
	"github.com/melih/mlflow-ami/internal/logging"
)

// serverFlags holds the command line of the API server.
type serverFlags struct {
	set        *pflag.FlagSet
	configPath string
	addr       string
}

func parseFlags(args []string) (*serverFlags, error) {
	f := &serverFlags{set: pflag.NewFlagSet("api", pflag.ContinueOnError)}
	f.set.StringVarP(&f.configPath, "config", "c", "", "config file (default ./mlflow-ami.yaml)")
	f.set.StringVar(&f.addr, "addr", "", "listen address (overrides server.addr)")
	f.set.String("backend", "", "provider backend: aws or docker")
	f.set.String("region", "", "AWS region")
	f.set.String("log-level", "", "log level")
	if err := f.set.Parse(args); err != nil {
		return nil, err
	}
	return f, nil
}

// load reads the configuration with the flags applied on top.
func (f *serverFlags) load() (*config.Config, error) {
	cfg, err := config.Load(f.configPath, f.set)
	if err != nil {
		return nil, err
	}
	if f.addr != "" {
		cfg.Server.Addr = f.addr
	}
	return cfg, nil
}

func main() {
	flags, err := parseFlags(os.Args[1:])
	if err != nil {
		log.Fatalf("Failed to parse flags: %v", err)
	}

	// 1. Configuration and logging
	cfg, err := flags.load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	// 2. Adapters and services for the configured backend
	a, err := app.New(cfg, logger, nil)
	if err != nil {
		logger.Fatal("failed to initialize", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 3. Serve until interrupted
	err = cli.RunServer(ctx, a, cfg.Server.Addr)
	if cerr := a.Close(context.Background()); cerr != nil {
		logger.Warn("failed to close", zap.Error(cerr))
	}
	if err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}
