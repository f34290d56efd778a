package ports

import (
	"context"

	"github.com/melih/mlflow-ami/internal/core/domain"
)

// RecordStore persists build and deploy history.
type RecordStore interface {
	SaveBuild(ctx context.Context, r *domain.BuildRecord) error
	GetBuild(ctx context.Context, id string) (*domain.BuildRecord, error)
	ListBuilds(ctx context.Context) ([]domain.BuildRecord, error)
	SaveDeploy(ctx context.Context, r *domain.DeployRecord) error
	GetDeploy(ctx context.Context, id string) (*domain.DeployRecord, error)
	ListDeploys(ctx context.Context) ([]domain.DeployRecord, error)
	Close() error
}

// EventPublisher announces completed builds and deploys.
type EventPublisher interface {
	Publish(ctx context.Context, subject string, payload []byte) error
}
