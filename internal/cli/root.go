// Package cli implements the mlflow-ami command line.
package cli

import (
	"context"
	"errors"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/melih/mlflow-ami/internal/app"
	"github.com/melih/mlflow-ami/internal/config"
	"github.com/melih/mlflow-ami/internal/core/domain"
	"github.com/melih/mlflow-ami/internal/logging"
	"github.com/melih/mlflow-ami/internal/provision"
)

// Exit codes.
const (
	ExitFailure   = 1
	ExitNotFound  = 3
	ExitConflict  = 4
	ExitProvision = 5
)

// ExitCode maps an error returned by a command to the process exit status.
func ExitCode(err error) int {
	var exitErr *provision.ExitError
	switch {
	case err == nil:
		return 0
	case errors.As(err, &exitErr):
		return int(exitErr.Status)
	case errors.Is(err, domain.ErrNoImage),
		errors.Is(err, domain.ErrInstanceNotFound),
		errors.Is(err, domain.ErrNotFound):
		return ExitNotFound
	case errors.Is(err, domain.ErrAmbiguousImage),
		errors.Is(err, domain.ErrImageExists):
		return ExitConflict
	case errors.Is(err, domain.ErrProvisionFailed):
		return ExitProvision
	}
	return ExitFailure
}

// Options lets tests replace the backend.
type Options struct {
	Out     io.Writer
	Err     io.Writer
	Backend func(cfg *config.Config, log *zap.Logger) (*app.Backend, error)
}

type root struct {
	opts       Options
	configPath string
	output     string
	cmd        *cobra.Command
}

// NewRootCommand returns the mlflow-ami command tree.
func NewRootCommand(opts Options) *cobra.Command {
	r := &root{opts: opts}
	cmd := &cobra.Command{
		Use:   "mlflow-ami",
		Short: "Build and deploy MLflow tracking server images",
		Long: `mlflow-ami builds a machine image with an MLflow tracking server installed
on Ubuntu 20.04, publishes it under a fixed name, and launches instances from
the most recent image of that name.

Backends:
  aws     EC2 images (AMIs) and instances
  docker  local images and containers, for rehearsing builds`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	if opts.Out != nil {
		cmd.SetOut(opts.Out)
	}
	if opts.Err != nil {
		cmd.SetErr(opts.Err)
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&r.configPath, "config", "", "config file (default ./mlflow-ami.yaml)")
	flags.String("backend", "", "backend to use: aws or docker")
	flags.String("region", "", "cloud region")
	flags.String("log-level", "", "log level: debug, info, warn, error")
	flags.StringVarP(&r.output, "output", "o", "yaml", "output format: yaml or json")
	r.cmd = cmd

	cmd.AddCommand(
		r.buildCmd(),
		r.deployCmd(),
		r.imagesCmd(),
		r.instancesCmd(),
		r.terminateCmd(),
		r.outputCmd(),
		r.scriptCmd(),
		r.historyCmd(),
		r.serveCmd(),
	)
	return cmd
}

func (r *root) load() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(r.configPath, r.cmd.PersistentFlags())
	if err != nil {
		return nil, nil, err
	}
	log, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, nil, err
	}
	return cfg, log, nil
}

// withApp loads the configuration, wires the services and runs fn.
func (r *root) withApp(ctx context.Context, fn func(a *app.App) error) error {
	cfg, log, err := r.load()
	if err != nil {
		return err
	}
	defer log.Sync() //nolint:errcheck

	var backend *app.Backend
	if r.opts.Backend != nil {
		if backend, err = r.opts.Backend(cfg, log); err != nil {
			return err
		}
	}
	a, err := app.New(cfg, log, backend)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.Close(context.WithoutCancel(ctx)); cerr != nil {
			log.Warn("failed to close", zap.Error(cerr))
		}
	}()
	return fn(a)
}
