// Package http exposes the build and deploy services over a fiber API.
package http

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewApp builds the fiber app with every route registered.
func NewApp(h *Handler, p *ProxyHandler, gatherer prometheus.Gatherer, cfg fiber.Config) *fiber.App {
	if cfg.AppName == "" {
		cfg.AppName = "mlflow-ami"
	}
	app := fiber.New(cfg)
	app.Use(recover.New())

	app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	api := app.Group("/api")
	v1 := api.Group("/v1")

	images := v1.Group("/images")
	images.Get("/", h.ListImages)
	images.Post("/", h.BuildImage)

	instances := v1.Group("/instances")
	instances.Get("/", h.ListInstances)
	instances.Post("/", h.DeployInstance)
	instances.Delete("/:id", h.TerminateInstance)
	instances.Get("/:id/output", h.InstanceOutput)

	v1.Get("/builds", h.ListBuilds)
	v1.Get("/deploys", h.ListDeploys)
	v1.Get("/script", h.Script)

	app.All("/proxy/:id/*", p.ProxyRequest)
	return app
}

// Serve listens on addr until ctx is done, then shuts the app down.
func Serve(ctx context.Context, app *fiber.App, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- app.Listen(addr)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}
