package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/melih/mlflow-ami/internal/core/domain"
	"github.com/melih/mlflow-ami/internal/core/ports"
	"github.com/melih/mlflow-ami/internal/telemetry"
)

// DeploySpec describes which image to launch and how.
type DeploySpec struct {
	Region string
	Image  domain.ImageFilter
	Launch domain.LaunchSpec
}

// DeployService launches instances from the most recent published image.
type DeployService struct {
	backend   string
	catalog   ports.ImageCatalog
	launcher  ports.InstanceLauncher
	store     ports.RecordStore
	publisher ports.EventPublisher
	metrics   *telemetry.Metrics
	log       *zap.Logger
	now       func() time.Time
}

// DeployDeps groups the collaborators of a DeployService. Publisher and
// Metrics are optional.
type DeployDeps struct {
	Backend   string
	Catalog   ports.ImageCatalog
	Launcher  ports.InstanceLauncher
	Store     ports.RecordStore
	Publisher ports.EventPublisher
	Metrics   *telemetry.Metrics
	Logger    *zap.Logger
}

func NewDeployService(d DeployDeps) *DeployService {
	log := d.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &DeployService{
		backend:   d.Backend,
		catalog:   d.Catalog,
		launcher:  d.Launcher,
		store:     d.Store,
		publisher: d.Publisher,
		metrics:   d.Metrics,
		log:       log.Named("deploy"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Images lists the images the deploy filter matches, newest first.
func (s *DeployService) Images(ctx context.Context, spec DeploySpec) ([]domain.MachineImage, error) {
	images, err := s.catalog.ListImages(ctx, spec.Image)
	if err != nil {
		return nil, fmt.Errorf("failed to list images: %w", err)
	}
	domain.SortNewestFirst(images)
	return images, nil
}

// Resolve returns the image a deploy would launch right now.
func (s *DeployService) Resolve(ctx context.Context, spec DeploySpec) (domain.MachineImage, error) {
	filter := spec.Image
	filter.MostRecent = true
	images, err := s.catalog.ListImages(ctx, filter)
	if err != nil {
		return domain.MachineImage{}, fmt.Errorf("failed to list images: %w", err)
	}
	img, err := domain.SelectImage(filter, images)
	if err != nil {
		return domain.MachineImage{}, fmt.Errorf("image %q: %w", filter.NamePattern, err)
	}
	return img, nil
}

// Deploy launches one instance from whichever matching image is newest at
// this moment. The binding is not stored anywhere, so later rebuilds leave
// the instance alone.
func (s *DeployService) Deploy(ctx context.Context, spec DeploySpec) (*domain.Instance, error) {
	if spec.Launch.StartupCommand == "" {
		return nil, errors.New("startup command required")
	}

	ctx, span := telemetry.Tracer().Start(ctx, "instance.deploy")
	defer span.End()
	span.SetAttributes(attribute.String("instance.name", spec.Launch.Name), attribute.String("backend", s.backend))

	rec := &domain.DeployRecord{
		ID:        uuid.NewString(),
		Status:    domain.StatusRunning,
		Backend:   s.backend,
		StartedAt: s.now(),
	}
	if err := s.store.SaveDeploy(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to save deploy record: %w", err)
	}
	log := s.log.With(zap.String("deploy_id", rec.ID), zap.String("region", spec.Region))

	inst, err := s.deploy(ctx, log, spec, rec)

	rec.FinishedAt = s.now()
	if err != nil {
		rec.Status = domain.StatusFailed
		rec.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Error("deploy failed", zap.Error(err))
	} else {
		rec.Status = domain.StatusSucceeded
	}
	if serr := s.store.SaveDeploy(context.WithoutCancel(ctx), rec); serr != nil {
		log.Warn("failed to save deploy record", zap.Error(serr))
	}
	s.metrics.ObserveDeploy(telemetry.Result(err))
	if err != nil {
		return nil, err
	}

	if s.publisher != nil {
		publish(ctx, log, s.publisher, SubjectInstanceLaunched, map[string]interface{}{
			"event":       "instance.launched",
			"deploy_id":   rec.ID,
			"instance_id": inst.ID,
			"image_id":    inst.ImageID,
			"name":        inst.Name,
			"time":        rec.FinishedAt.Unix(),
		})
	}
	return &inst, nil
}

func (s *DeployService) deploy(ctx context.Context, log *zap.Logger, spec DeploySpec, rec *domain.DeployRecord) (domain.Instance, error) {
	img, err := s.Resolve(ctx, spec)
	if err != nil {
		return domain.Instance{}, err
	}
	rec.ImageID = img.ID
	log.Info("image resolved", zap.String("image_id", img.ID), zap.Time("image_created", img.CreatedAt))

	inst, err := s.launcher.LaunchInstance(ctx, img, spec.Launch)
	if err != nil {
		return domain.Instance{}, fmt.Errorf("failed to launch instance: %w", err)
	}
	rec.InstanceID = inst.ID
	log.Info("instance launched",
		zap.String("instance_id", inst.ID),
		zap.String("instance_type", inst.InstanceType),
		zap.String("public_address", inst.PublicAddress))

	if len(spec.Launch.SecurityGroupIDs) == 0 {
		log.Warn("no security group attached; the service port stays unreachable until one allowing it is attached",
			zap.String("instance_id", inst.ID),
			zap.Int("port", spec.Launch.ServicePort))
	}
	return inst, nil
}

// Instances lists instances carrying the deploy name tag.
func (s *DeployService) Instances(ctx context.Context, spec DeploySpec) ([]domain.Instance, error) {
	instances, err := s.launcher.ListInstances(ctx, spec.Launch.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to list instances: %w", err)
	}
	return instances, nil
}

// Terminate destroys one instance.
func (s *DeployService) Terminate(ctx context.Context, id string) error {
	if id == "" {
		return errors.New("instance id required")
	}
	if err := s.launcher.TerminateInstance(ctx, id); err != nil {
		return fmt.Errorf("failed to terminate %s: %w", id, err)
	}
	s.metrics.IncTerminated()
	s.log.Info("instance terminated", zap.String("instance_id", id))
	if s.publisher != nil {
		publish(ctx, s.log, s.publisher, SubjectInstanceTerminate, map[string]interface{}{
			"event":       "instance.terminated",
			"instance_id": id,
			"time":        s.now().Unix(),
		})
	}
	return nil
}

// Output returns what the instance printed so far (console output on EC2,
// container logs on docker).
func (s *DeployService) Output(ctx context.Context, id string) (string, error) {
	out, err := s.launcher.InstanceOutput(ctx, id)
	if err != nil {
		return "", fmt.Errorf("failed to read output of %s: %w", id, err)
	}
	return out, nil
}

// Deploys returns the deploy history, newest first.
func (s *DeployService) Deploys(ctx context.Context) ([]domain.DeployRecord, error) {
	return s.store.ListDeploys(ctx)
}
