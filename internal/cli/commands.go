package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapio"

	"github.com/melih/mlflow-ami/internal/adapters/gitrepo"
	httpadapter "github.com/melih/mlflow-ami/internal/adapters/http"
	"github.com/melih/mlflow-ami/internal/app"
	"github.com/melih/mlflow-ami/internal/core/service"
	"github.com/melih/mlflow-ami/internal/provision"
)

func (r *root) buildCmd() *cobra.Command {
	var (
		name    string
		noForce bool
	)
	cmd := &cobra.Command{
		Use:   "build",
		Short: "Build and publish the MLflow image",
		Long: `Build runs the provisioning script on a host started from the newest
Ubuntu 20.04 source image and captures the result as a public image. An image
of the same name is deregistered first, together with its snapshots.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return r.withApp(cmd.Context(), func(a *app.App) error {
				spec := a.Config.BuildSpec()
				if name != "" {
					spec.Image.Name = name
				}
				if noForce {
					spec.ForceDeregister = false
				}
				res, err := a.Builds.Build(cmd.Context(), spec)
				if err != nil {
					return err
				}
				return render(cmd.OutOrStdout(), r.output, res)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "image name (default from config)")
	cmd.Flags().BoolVar(&noForce, "no-force-deregister", false, "fail instead of replacing an existing image")
	return cmd
}

func (r *root) deployCmd() *cobra.Command {
	var (
		instanceType string
		groups       []string
	)
	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Launch an instance from the most recent image",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return r.withApp(cmd.Context(), func(a *app.App) error {
				spec := a.Config.DeploySpec()
				if instanceType != "" {
					spec.Launch.InstanceType = instanceType
				}
				if cmd.Flags().Changed("security-group") {
					spec.Launch.SecurityGroupIDs = groups
				}
				inst, err := a.Deploys.Deploy(cmd.Context(), spec)
				if err != nil {
					return err
				}
				return render(cmd.OutOrStdout(), r.output, inst)
			})
		},
	}
	cmd.Flags().StringVar(&instanceType, "instance-type", "", "instance type (default from config)")
	cmd.Flags().StringSliceVar(&groups, "security-group", nil, "security group to attach (repeatable)")
	return cmd
}

func (r *root) imagesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "images",
		Short: "List the images deploy chooses from, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return r.withApp(cmd.Context(), func(a *app.App) error {
				images, err := a.Deploys.Images(cmd.Context(), a.Config.DeploySpec())
				if err != nil {
					return err
				}
				return render(cmd.OutOrStdout(), r.output, images)
			})
		},
	}
}

func (r *root) instancesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "instances",
		Short: "List deployed instances",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return r.withApp(cmd.Context(), func(a *app.App) error {
				instances, err := a.Deploys.Instances(cmd.Context(), a.Config.DeploySpec())
				if err != nil {
					return err
				}
				return render(cmd.OutOrStdout(), r.output, instances)
			})
		},
	}
}

func (r *root) terminateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "terminate <instance-id>",
		Short: "Terminate a deployed instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return r.withApp(cmd.Context(), func(a *app.App) error {
				if err := a.Deploys.Terminate(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "terminated %s\n", args[0])
				return nil
			})
		},
	}
}

func (r *root) outputCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "output <instance-id>",
		Short: "Print the console output of an instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return r.withApp(cmd.Context(), func(a *app.App) error {
				out, err := a.Deploys.Output(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				_, err = fmt.Fprint(cmd.OutOrStdout(), out)
				return err
			})
		},
	}
}

func (r *root) scriptCmd() *cobra.Command {
	var (
		runLocal bool
		dir      string
	)
	cmd := &cobra.Command{
		Use:   "script",
		Short: "Print the provisioning script",
		Long: `Script prints the provisioning script a build would run. With --run-local
the script is executed on this host instead, which needs root on an Ubuntu
20.04 machine.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := r.load()
			if err != nil {
				return err
			}
			defer log.Sync() //nolint:errcheck

			builds := service.NewBuildService(service.BuildDeps{
				Fetcher: gitrepo.NewFetcher(log.Named("git"), &zapio.Writer{Log: log.Named("git"), Level: zap.DebugLevel}),
				Logger:  log,
			})
			script, err := builds.Script(cmd.Context(), cfg.BuildSpec())
			if err != nil {
				return err
			}
			if !runLocal {
				_, err = fmt.Fprint(cmd.OutOrStdout(), script)
				return err
			}
			log.Info("running provisioning script locally", zap.String("dir", dir))
			return provision.RunLocal(cmd.Context(), script, dir, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
	cmd.Flags().BoolVar(&runLocal, "run-local", false, "run the script on this host")
	cmd.Flags().StringVar(&dir, "dir", "", "working directory for --run-local")
	return cmd
}

func (r *root) historyCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "history [builds|deploys]",
		Short:     "Show recorded builds and deploys",
		Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"builds", "deploys"},
		RunE: func(cmd *cobra.Command, args []string) error {
			kind := ""
			if len(args) == 1 {
				kind = args[0]
			}
			return r.withApp(cmd.Context(), func(a *app.App) error {
				out := map[string]interface{}{}
				if kind == "" || kind == "builds" {
					builds, err := a.Builds.Builds(cmd.Context())
					if err != nil {
						return err
					}
					out["builds"] = builds
				}
				if kind == "" || kind == "deploys" {
					deploys, err := a.Deploys.Deploys(cmd.Context())
					if err != nil {
						return err
					}
					out["deploys"] = deploys
				}
				return render(cmd.OutOrStdout(), r.output, out)
			})
		},
	}
}

func (r *root) serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return r.withApp(ctx, func(a *app.App) error {
				if addr == "" {
					addr = a.Config.Server.Addr
				}
				return RunServer(ctx, a, addr)
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	return cmd
}

// RunServer serves the API for a until ctx is done.
func RunServer(ctx context.Context, a *app.App, addr string) error {
	build, deploy := a.Config.BuildSpec(), a.Config.DeploySpec()
	handler := httpadapter.NewHandler(a.Builds, a.Deploys, build, deploy, a.Log.Named("http"))
	proxy := httpadapter.NewProxyHandler(a.Deploys, deploy)
	server := httpadapter.NewApp(handler, proxy, a.Registry, fiber.Config{
		ReadTimeout:           a.Config.Server.ReadTimeout,
		WriteTimeout:          a.Config.Server.WriteTimeout,
		DisableStartupMessage: true,
	})

	a.Log.Info("server starting", zap.String("addr", addr), zap.String("backend", a.Config.Backend))
	return httpadapter.Serve(ctx, server, addr)
}
