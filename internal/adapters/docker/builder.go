package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/archive"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/melih/mlflow-ami/internal/core/domain"
)

const (
	buildRepository = "mlflow-ami-build"
	scriptName      = "provision.sh"
)

const dockerfile = `FROM %s
COPY %s /tmp/%s
RUN bash /tmp/%s && rm -f /tmp/%s
`

// Builder implements ports.ImageBuilder with the Docker Engine. The script
// runs as a single build step on top of the source image; the result is
// committed under the image name with the backend's labels.
type Builder struct {
	cli       API
	accountID string
	progress  io.Writer
	log       *zap.Logger
	now       func() time.Time
}

func NewBuilder(cli API, opts Options, progress io.Writer, log *zap.Logger) *Builder {
	if progress == nil {
		progress = io.Discard
	}
	return &Builder{cli: cli, accountID: opts.AccountID, progress: progress, log: log, now: time.Now}
}

func buildTag(id string) string       { return buildRepository + ":" + id }
func buildContainer(id string) string { return buildRepository + "-" + id }

// Provision builds an intermediate image tagged mlflow-ami-build:<id>.
func (b *Builder) Provision(ctx context.Context, source domain.MachineImage, script string) (domain.BuildHost, error) {
	// 1. Create temporary build context
	tmpDir, err := os.MkdirTemp("", "mlflow-ami-build-*")
	if err != nil {
		return domain.BuildHost{}, fmt.Errorf("failed to create temp dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	from := source.Name
	if from == "" {
		from = source.ID
	}
	files := map[string]string{
		"Dockerfile": fmt.Sprintf(dockerfile, from, scriptName, scriptName, scriptName, scriptName),
		scriptName:   script,
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(tmpDir, name), []byte(content), 0o644); err != nil {
			return domain.BuildHost{}, fmt.Errorf("failed to write %s: %w", name, err)
		}
	}

	// 2. Create build context (tar)
	tar, err := archive.TarWithOptions(tmpDir, &archive.TarOptions{})
	if err != nil {
		return domain.BuildHost{}, fmt.Errorf("failed to create build context: %w", err)
	}
	defer tar.Close()

	// 3. Build
	host := domain.BuildHost{ID: uuid.NewString()[:12], SourceID: source.ID}
	b.log.Info("building image", zap.String("tag", buildTag(host.ID)), zap.String("from", from))
	resp, err := b.cli.ImageBuild(ctx, tar, types.ImageBuildOptions{
		Tags:        []string{buildTag(host.ID)},
		Dockerfile:  "Dockerfile",
		Remove:      true,
		ForceRemove: true,
	})
	if err != nil {
		return domain.BuildHost{}, fmt.Errorf("failed to build image: %w", err)
	}
	defer resp.Body.Close()

	// The build only finishes once the body is drained.
	if err := jsonmessage.DisplayJSONMessagesStream(resp.Body, b.progress, 0, false, nil); err != nil {
		var jerr *jsonmessage.JSONError
		if errors.As(err, &jerr) {
			return host, fmt.Errorf("%w: %s", domain.ErrProvisionFailed, jerr.Message)
		}
		return host, fmt.Errorf("failed to read build output: %w", err)
	}
	return host, nil
}

// Capture commits a container of the intermediate image as <name>:latest.
func (b *Builder) Capture(ctx context.Context, host domain.BuildHost, spec domain.ImageSpec) (domain.MachineImage, error) {
	resp, err := b.cli.ContainerCreate(ctx, &container.Config{Image: buildTag(host.ID)}, nil, nil, nil, buildContainer(host.ID))
	if err != nil {
		return domain.MachineImage{}, fmt.Errorf("failed to create container: %w", err)
	}

	labels := imageLabels(spec, b.accountID, "hvm", b.now())
	changes := make([]string, 0, len(labels))
	for k, v := range labels {
		changes = append(changes, fmt.Sprintf("LABEL %q=%q", k, v))
	}
	committed, err := b.cli.ContainerCommit(ctx, resp.ID, container.CommitOptions{
		Reference: reference(spec.Name),
		Comment:   spec.Description,
		Author:    "mlflow-ami",
		Changes:   changes,
	})
	if err != nil {
		return domain.MachineImage{}, fmt.Errorf("failed to commit %s: %w", resp.ID, err)
	}
	b.log.Info("image committed", zap.String("image_id", committed.ID), zap.String("name", spec.Name))
	return fromLabels(committed.ID, labels), nil
}

// Cleanup removes the build container and the intermediate tag.
func (b *Builder) Cleanup(ctx context.Context, host domain.BuildHost) error {
	err := b.cli.ContainerRemove(ctx, buildContainer(host.ID), container.RemoveOptions{Force: true})
	if err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to remove build container: %w", err)
	}
	_, err = b.cli.ImageRemove(ctx, buildTag(host.ID), types.ImageRemoveOptions{PruneChildren: true})
	if err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to remove build image: %w", err)
	}
	return nil
}
