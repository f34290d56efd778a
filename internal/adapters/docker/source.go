package docker

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/pkg/jsonmessage"
	"go.uber.org/zap"

	"github.com/melih/mlflow-ami/internal/core/domain"
)

// Source implements ports.SourceLocator by pulling the configured base
// image. The filter is not consulted: the base image is the only source a
// local build can start from.
type Source struct {
	cli       API
	baseImage string
	progress  io.Writer
	log       *zap.Logger
}

func NewSource(cli API, opts Options, progress io.Writer, log *zap.Logger) *Source {
	if progress == nil {
		progress = io.Discard
	}
	return &Source{cli: cli, baseImage: opts.BaseImage, progress: progress, log: log}
}

func (s *Source) LocateSources(ctx context.Context, _ domain.ImageFilter) ([]domain.MachineImage, error) {
	reader, err := s.cli.ImagePull(ctx, s.baseImage, types.ImagePullOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to pull image: %w", err)
	}
	defer reader.Close()
	if err := jsonmessage.DisplayJSONMessagesStream(reader, s.progress, 0, false, nil); err != nil {
		return nil, fmt.Errorf("failed to pull %s: %w", s.baseImage, err)
	}

	inspect, _, err := s.cli.ImageInspectWithRaw(ctx, s.baseImage)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect %s: %w", s.baseImage, err)
	}
	img := domain.MachineImage{
		ID:      inspect.ID,
		Name:    s.baseImage,
		OwnerID: "docker",
		State:   "available",
	}
	if created, err := time.Parse(time.RFC3339Nano, inspect.Created); err == nil {
		img.CreatedAt = created.UTC()
	}
	s.log.Info("base image ready", zap.String("image", s.baseImage), zap.String("image_id", img.ID))
	return []domain.MachineImage{img}, nil
}
