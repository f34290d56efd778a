package docker

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"go.uber.org/zap"

	"github.com/melih/mlflow-ami/internal/core/domain"
)

// Labels the backend stamps on committed images and launched containers.
const (
	LabelManaged            = "io.mlflow-ami.managed"
	LabelName               = "io.mlflow-ami.name"
	LabelOwner              = "io.mlflow-ami.owner"
	LabelVirtualizationType = "io.mlflow-ami.virtualization-type"
	LabelRootDeviceType     = "io.mlflow-ami.root-device-type"
	LabelCreated            = "io.mlflow-ami.created"
	LabelPublic             = "io.mlflow-ami.public"
	LabelTagPrefix          = "io.mlflow-ami.tag."
	LabelInstanceName       = "io.mlflow-ami.instance-name"
	LabelIngress            = "io.mlflow-ami.ingress"
)

// Options configures the docker backend.
type Options struct {
	Host string `mapstructure:"host"`
	// BaseImage is what builds start from.
	BaseImage string `mapstructure:"base_image"`
	// AccountID is recorded as the owner of committed images and is what
	// the "self" owner resolves to.
	AccountID string `mapstructure:"account_id"`
}

// Catalog implements ports.ImageCatalog on the local image store. An image is
// registered while it carries the <name>:latest tag; deregistering removes
// the tag, and the image data goes away once no container uses it.
type Catalog struct {
	cli       API
	accountID string
	log       *zap.Logger
}

func NewCatalog(cli API, opts Options, log *zap.Logger) *Catalog {
	return &Catalog{cli: cli, accountID: opts.AccountID, log: log}
}

func imageListOptions(f domain.ImageFilter) types.ImageListOptions {
	args := filters.NewArgs(filters.Arg("label", LabelManaged+"=true"))
	if f.NamePattern != "" && !strings.ContainsAny(f.NamePattern, "*?") {
		args.Add("label", LabelName+"="+f.NamePattern)
	}
	return types.ImageListOptions{Filters: args}
}

// ListImages returns the registered images matching f.
func (c *Catalog) ListImages(ctx context.Context, f domain.ImageFilter) ([]domain.MachineImage, error) {
	summaries, err := c.cli.ImageList(ctx, imageListOptions(f))
	if err != nil {
		return nil, fmt.Errorf("failed to list images: %w", err)
	}

	var images []domain.MachineImage
	for _, s := range summaries {
		if !registered(s) {
			continue
		}
		img := fromLabels(s.ID, s.Labels)
		if img.CreatedAt.IsZero() {
			img.CreatedAt = time.Unix(s.Created, 0).UTC()
		}
		if f.Matches(img, c.accountID) {
			images = append(images, img)
		}
	}
	return images, nil
}

// DeregisterImage untags img. Containers started from it keep running.
func (c *Catalog) DeregisterImage(ctx context.Context, img domain.MachineImage) error {
	_, err := c.cli.ImageRemove(ctx, reference(img.Name), types.ImageRemoveOptions{Force: true, PruneChildren: true})
	if err != nil {
		return fmt.Errorf("failed to remove image %s: %w", img.ID, err)
	}
	c.log.Debug("image untagged", zap.String("image_id", img.ID), zap.String("name", img.Name))
	return nil
}

func registered(s image.Summary) bool {
	ref := reference(s.Labels[LabelName])
	for _, tag := range s.RepoTags {
		if tag == ref {
			return true
		}
	}
	return false
}

// reference is the tag a registered image is known by.
func reference(name string) string {
	return name + ":latest"
}

func fromLabels(id string, labels map[string]string) domain.MachineImage {
	img := domain.MachineImage{
		ID:                 id,
		Name:               labels[LabelName],
		OwnerID:            labels[LabelOwner],
		VirtualizationType: labels[LabelVirtualizationType],
		RootDeviceType:     labels[LabelRootDeviceType],
		State:              "available",
	}
	img.Public, _ = strconv.ParseBool(labels[LabelPublic])
	if created, err := time.Parse(time.RFC3339Nano, labels[LabelCreated]); err == nil {
		img.CreatedAt = created.UTC()
	}
	for k, v := range labels {
		if strings.HasPrefix(k, LabelTagPrefix) {
			if img.Tags == nil {
				img.Tags = map[string]string{}
			}
			img.Tags[strings.TrimPrefix(k, LabelTagPrefix)] = v
		}
	}
	return img
}

func imageLabels(spec domain.ImageSpec, accountID, virtualization string, created time.Time) map[string]string {
	labels := map[string]string{
		LabelManaged:            "true",
		LabelName:               spec.Name,
		LabelOwner:              accountID,
		LabelVirtualizationType: virtualization,
		LabelRootDeviceType:     "ebs",
		LabelCreated:            created.UTC().Format(time.RFC3339Nano),
	}
	for _, g := range spec.Groups {
		if g == domain.GroupAll {
			labels[LabelPublic] = "true"
		}
	}
	for k, v := range spec.Tags {
		labels[LabelTagPrefix+k] = v
	}
	return labels
}
