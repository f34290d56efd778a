package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/melih/mlflow-ami/internal/core/domain"
	"github.com/melih/mlflow-ami/internal/core/ports"
	"github.com/melih/mlflow-ami/internal/logging"
	"github.com/melih/mlflow-ami/internal/provision"
	"github.com/melih/mlflow-ami/internal/telemetry"
)

// Event subjects.
const (
	SubjectImageBuilt        = "mlflowami.image.built"
	SubjectInstanceLaunched  = "mlflowami.instance.launched"
	SubjectInstanceTerminate = "mlflowami.instance.terminated"
)

// ScriptRepo points at a provisioning script kept in git. An empty URL means
// the script is rendered from the provisioning options instead.
type ScriptRepo struct {
	URL  string `mapstructure:"repo_url"`
	Ref  string `mapstructure:"repo_ref"`
	Path string `mapstructure:"script_path"`
}

// BuildSpec describes one image build.
type BuildSpec struct {
	Region          string
	Source          domain.ImageFilter
	Image           domain.ImageSpec
	ForceDeregister bool
	Provision       provision.Options
	Repo            ScriptRepo
}

// BuildResult is what a successful build produced.
type BuildResult struct {
	Record       domain.BuildRecord  `json:"record"`
	Source       domain.MachineImage `json:"source"`
	Image        domain.MachineImage `json:"image"`
	Deregistered []string            `json:"deregistered,omitempty"`
}

// BuildService produces machine images.
type BuildService struct {
	backend   string
	locator   ports.SourceLocator
	builder   ports.ImageBuilder
	catalog   ports.ImageCatalog
	fetcher   ports.ScriptFetcher
	store     ports.RecordStore
	publisher ports.EventPublisher
	metrics   *telemetry.Metrics
	log       *zap.Logger
	now       func() time.Time
}

// BuildDeps groups the collaborators of a BuildService. Fetcher, Publisher
// and Metrics are optional.
type BuildDeps struct {
	Backend   string
	Locator   ports.SourceLocator
	Builder   ports.ImageBuilder
	Catalog   ports.ImageCatalog
	Fetcher   ports.ScriptFetcher
	Store     ports.RecordStore
	Publisher ports.EventPublisher
	Metrics   *telemetry.Metrics
	Logger    *zap.Logger
}

func NewBuildService(d BuildDeps) *BuildService {
	log := d.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &BuildService{
		backend:   d.Backend,
		locator:   d.Locator,
		builder:   d.Builder,
		catalog:   d.Catalog,
		fetcher:   d.Fetcher,
		store:     d.Store,
		publisher: d.Publisher,
		metrics:   d.Metrics,
		log:       log.Named("build"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Script returns the provisioning script a build with spec would run.
func (s *BuildService) Script(ctx context.Context, spec BuildSpec) (string, error) {
	var script string
	if spec.Repo.URL != "" {
		if s.fetcher == nil {
			return "", errors.New("script repository configured but no fetcher available")
		}
		fetched, err := s.fetcher.FetchScript(ctx, spec.Repo.URL, spec.Repo.Ref, spec.Repo.Path)
		if err != nil {
			return "", fmt.Errorf("failed to fetch provisioning script: %w", err)
		}
		script = fetched
	} else {
		plan, err := provision.NewPlan(spec.Provision)
		if err != nil {
			return "", err
		}
		script = plan.Render()
	}

	if err := provision.Validate(script); err != nil {
		return "", err
	}
	return script, nil
}

// Build runs the whole image pipeline: pick the source image, provision a
// build host, replace any image registered under the same name, and capture
// the host as the new image.
func (s *BuildService) Build(ctx context.Context, spec BuildSpec) (*BuildResult, error) {
	if err := ValidateImageName(spec.Image.Name); err != nil {
		return nil, err
	}

	ctx, span := telemetry.Tracer().Start(ctx, "image.build")
	defer span.End()
	span.SetAttributes(attribute.String("image.name", spec.Image.Name), attribute.String("backend", s.backend))

	rec := &domain.BuildRecord{
		ID:        uuid.NewString(),
		Status:    domain.StatusRunning,
		Backend:   s.backend,
		ImageName: spec.Image.Name,
		StartedAt: s.now(),
	}
	if err := s.store.SaveBuild(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to save build record: %w", err)
	}

	log := s.log.With(zap.String("build_id", rec.ID), zap.String("image", spec.Image.Name), logging.Sensitive("region", spec.Region))
	log.Info("build started")

	res, err := s.build(ctx, log, spec, rec)

	rec.FinishedAt = s.now()
	if err != nil {
		rec.Status = domain.StatusFailed
		rec.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Error("build failed", zap.Error(err))
	} else {
		rec.Status = domain.StatusSucceeded
		log.Info("build finished", zap.String("image_id", res.Image.ID), zap.Strings("deregistered", res.Deregistered))
	}
	if serr := s.store.SaveBuild(context.WithoutCancel(ctx), rec); serr != nil {
		log.Warn("failed to save build record", zap.Error(serr))
	}
	s.metrics.ObserveBuild(telemetry.Result(err), rec.FinishedAt.Sub(rec.StartedAt))

	if err != nil {
		return nil, err
	}
	res.Record = *rec
	s.publish(ctx, log, SubjectImageBuilt, map[string]interface{}{
		"event":    "image.built",
		"build_id": rec.ID,
		"image_id": res.Image.ID,
		"name":     res.Image.Name,
		"source":   res.Source.ID,
		"time":     rec.FinishedAt.Unix(),
	})
	return res, nil
}

func (s *BuildService) build(ctx context.Context, log *zap.Logger, spec BuildSpec, rec *domain.BuildRecord) (res *BuildResult, err error) {
	candidates, err := s.locator.LocateSources(ctx, spec.Source)
	if err != nil {
		return nil, fmt.Errorf("failed to look up source image: %w", err)
	}
	source, err := domain.SelectImage(spec.Source, candidates)
	if err != nil {
		return nil, fmt.Errorf("source image %q: %w", spec.Source.NamePattern, err)
	}
	rec.SourceImageID = source.ID
	log.Info("source image selected", zap.String("source_id", source.ID), zap.String("source_name", source.Name), zap.Int("candidates", len(candidates)))

	script, err := s.Script(ctx, spec)
	if err != nil {
		return nil, err
	}

	// Refuse early when the name is taken and nothing may replace it, so no
	// build host is paid for.
	existing, err := s.existing(ctx, spec.Image.Name)
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 && !spec.ForceDeregister {
		return nil, fmt.Errorf("image %q (%s): %w", spec.Image.Name, existing[0].ID, domain.ErrImageExists)
	}

	host, err := s.builder.Provision(ctx, source, script)
	defer func() {
		if host.ID == "" {
			return
		}
		if cerr := s.builder.Cleanup(context.WithoutCancel(ctx), host); cerr != nil {
			log.Warn("failed to clean up build host", zap.String("host", host.ID), zap.Error(cerr))
		}
	}()
	if err != nil {
		return nil, fmt.Errorf("failed to provision build host: %w", err)
	}
	log.Info("build host provisioned", zap.String("host", host.ID))

	// Re-list right before registering: another build may have landed while
	// this one was provisioning.
	existing, err = s.existing(ctx, spec.Image.Name)
	if err != nil {
		return nil, err
	}
	var removed []string
	for _, img := range existing {
		if !spec.ForceDeregister {
			return nil, fmt.Errorf("image %q (%s): %w", spec.Image.Name, img.ID, domain.ErrImageExists)
		}
		if err := s.catalog.DeregisterImage(ctx, img); err != nil {
			return nil, fmt.Errorf("failed to deregister image %s: %w", img.ID, err)
		}
		removed = append(removed, img.ID)
		log.Info("deregistered previous image", zap.String("image_id", img.ID), zap.Strings("snapshots", img.SnapshotIDs))
	}
	rec.Deregistered = removed
	s.metrics.AddDeregistered(len(removed))

	img, err := s.builder.Capture(ctx, host, spec.Image)
	if err != nil {
		return nil, fmt.Errorf("failed to capture image: %w", err)
	}
	rec.ImageID = img.ID

	return &BuildResult{Source: source, Image: img, Deregistered: removed}, nil
}

// existing lists our own images registered under exactly name.
func (s *BuildService) existing(ctx context.Context, name string) ([]domain.MachineImage, error) {
	images, err := s.catalog.ListImages(ctx, domain.ImageFilter{
		NamePattern: name,
		Owners:      []string{domain.OwnerSelf},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list images named %q: %w", name, err)
	}
	exact := images[:0]
	for _, img := range images {
		if img.Name == name {
			exact = append(exact, img)
		}
	}
	return exact, nil
}

// Builds returns the build history, newest first.
func (s *BuildService) Builds(ctx context.Context) ([]domain.BuildRecord, error) {
	return s.store.ListBuilds(ctx)
}

func (s *BuildService) publish(ctx context.Context, log *zap.Logger, subject string, ev map[string]interface{}) {
	if s.publisher == nil {
		return
	}
	publish(ctx, log, s.publisher, subject, ev)
}

func publish(ctx context.Context, log *zap.Logger, p ports.EventPublisher, subject string, ev map[string]interface{}) {
	payload, err := json.Marshal(ev)
	if err != nil {
		log.Warn("failed to encode event", zap.String("subject", subject), zap.Error(err))
		return
	}
	if err := p.Publish(ctx, subject, payload); err != nil {
		log.Warn("publish failed", zap.String("subject", subject), zap.Error(err))
	}
}

// ValidateImageName rejects names that would act as patterns when looked up.
func ValidateImageName(name string) error {
	if name == "" {
		return errors.New("image name required")
	}
	if strings.ContainsAny(name, "*?") {
		return fmt.Errorf("image name %q must not contain '*' or '?'", name)
	}
	return nil
}
