package ports

import (
	"context"

	"github.com/melih/mlflow-ami/internal/core/domain"
)

// ImageCatalog lists and removes registered images.
type ImageCatalog interface {
	// ListImages returns the images matching filter, in no particular order.
	ListImages(ctx context.Context, filter domain.ImageFilter) ([]domain.MachineImage, error)
	// DeregisterImage removes the image and deletes its backing snapshots.
	DeregisterImage(ctx context.Context, img domain.MachineImage) error
}
