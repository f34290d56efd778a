package http

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/melih/mlflow-ami/internal/core/domain"
	"github.com/melih/mlflow-ami/internal/core/service"
)

// Builder is the part of service.BuildService the API exposes.
type Builder interface {
	Build(ctx context.Context, spec service.BuildSpec) (*service.BuildResult, error)
	Script(ctx context.Context, spec service.BuildSpec) (string, error)
	Builds(ctx context.Context) ([]domain.BuildRecord, error)
}

// Deployer is the part of service.DeployService the API exposes.
type Deployer interface {
	Images(ctx context.Context, spec service.DeploySpec) ([]domain.MachineImage, error)
	Deploy(ctx context.Context, spec service.DeploySpec) (*domain.Instance, error)
	Instances(ctx context.Context, spec service.DeploySpec) ([]domain.Instance, error)
	Terminate(ctx context.Context, id string) error
	Output(ctx context.Context, id string) (string, error)
	Deploys(ctx context.Context) ([]domain.DeployRecord, error)
}

// Handler serves the image and instance API. Requests start from the
// configured build and deploy specs and may override a few fields.
type Handler struct {
	builds  Builder
	deploys Deployer
	build   service.BuildSpec
	deploy  service.DeploySpec
	log     *zap.Logger
}

func NewHandler(builds Builder, deploys Deployer, build service.BuildSpec, deploy service.DeploySpec, log *zap.Logger) *Handler {
	return &Handler{builds: builds, deploys: deploys, build: build, deploy: deploy, log: log}
}

// BuildRequest overrides parts of the configured build.
type BuildRequest struct {
	ImageName       string            `json:"image_name"`
	ForceDeregister *bool             `json:"force_deregister"`
	Tags            map[string]string `json:"tags"`
	RepoURL         string            `json:"repo_url"`
	RepoRef         string            `json:"repo_ref"`
}

// DeployRequest overrides parts of the configured deploy.
type DeployRequest struct {
	InstanceType     string   `json:"instance_type"`
	SecurityGroupIDs []string `json:"security_group_ids"`
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrNoImage),
		errors.Is(err, domain.ErrInstanceNotFound),
		errors.Is(err, domain.ErrNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, domain.ErrAmbiguousImage),
		errors.Is(err, domain.ErrImageExists):
		return fiber.StatusConflict
	case errors.Is(err, domain.ErrProvisionFailed):
		return fiber.StatusUnprocessableEntity
	}
	return fiber.StatusInternalServerError
}

func (h *Handler) fail(c *fiber.Ctx, err error) error {
	status := statusFor(err)
	if status == fiber.StatusInternalServerError {
		h.log.Error("request failed", zap.String("path", c.Path()), zap.Error(err))
	}
	return c.Status(status).JSON(fiber.Map{
		"error": err.Error(),
	})
}

func badRequest(c *fiber.Ctx, msg string) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
		"error": msg,
	})
}

func (h *Handler) ListImages(c *fiber.Ctx) error {
	images, err := h.deploys.Images(c.Context(), h.deploy)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(images)
}

// BuildImage runs a build to completion. Builds take minutes; clients need
// a generous timeout.
func (h *Handler) BuildImage(c *fiber.Ctx) error {
	var req BuildRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return badRequest(c, "Invalid request body")
		}
	}

	spec := h.build
	if req.ImageName != "" {
		if err := service.ValidateImageName(req.ImageName); err != nil {
			return badRequest(c, err.Error())
		}
		spec.Image.Name = req.ImageName
	}
	if req.ForceDeregister != nil {
		spec.ForceDeregister = *req.ForceDeregister
	}
	if len(req.Tags) > 0 {
		tags := make(map[string]string, len(spec.Image.Tags)+len(req.Tags))
		for k, v := range spec.Image.Tags {
			tags[k] = v
		}
		for k, v := range req.Tags {
			tags[k] = v
		}
		spec.Image.Tags = tags
	}
	if req.RepoURL != "" {
		spec.Repo.URL = req.RepoURL
		spec.Repo.Ref = req.RepoRef
	}

	res, err := h.builds.Build(c.Context(), spec)
	if err != nil {
		return h.fail(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(res)
}

func (h *Handler) ListInstances(c *fiber.Ctx) error {
	instances, err := h.deploys.Instances(c.Context(), h.deploy)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(instances)
}

func (h *Handler) DeployInstance(c *fiber.Ctx) error {
	var req DeployRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return badRequest(c, "Invalid request body")
		}
	}

	spec := h.deploy
	if req.InstanceType != "" {
		spec.Launch.InstanceType = req.InstanceType
	}
	if req.SecurityGroupIDs != nil {
		spec.Launch.SecurityGroupIDs = req.SecurityGroupIDs
	}

	inst, err := h.deploys.Deploy(c.Context(), spec)
	if err != nil {
		return h.fail(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(inst)
}

func (h *Handler) TerminateInstance(c *fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Instance ID is required")
	}
	if err := h.deploys.Terminate(c.Context(), id); err != nil {
		return h.fail(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *Handler) InstanceOutput(c *fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Instance ID is required")
	}
	out, err := h.deploys.Output(c.Context(), id)
	if err != nil {
		return h.fail(c, err)
	}
	c.Set(fiber.HeaderContentType, fiber.MIMETextPlainCharsetUTF8)
	return c.SendString(out)
}

func (h *Handler) ListBuilds(c *fiber.Ctx) error {
	records, err := h.builds.Builds(c.Context())
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(records)
}

func (h *Handler) ListDeploys(c *fiber.Ctx) error {
	records, err := h.deploys.Deploys(c.Context())
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(records)
}

// Script returns the provisioning script a build would run.
func (h *Handler) Script(c *fiber.Ctx) error {
	script, err := h.builds.Script(c.Context(), h.build)
	if err != nil {
		return h.fail(c, err)
	}
	c.Set(fiber.HeaderContentType, "text/x-shellscript; charset=utf-8")
	return c.SendString(script)
}
