package ports

import (
	"context"

	"github.com/melih/mlflow-ami/internal/core/domain"
)

// InstanceLauncher creates and tears down compute instances.
// This interface allows the deployer to target EC2 or a local Docker daemon
// without changing the deploy logic.
type InstanceLauncher interface {
	LaunchInstance(ctx context.Context, img domain.MachineImage, spec domain.LaunchSpec) (domain.Instance, error)
	ListInstances(ctx context.Context, name string) ([]domain.Instance, error)
	TerminateInstance(ctx context.Context, id string) error
	// InstanceOutput returns the console or log output of an instance.
	InstanceOutput(ctx context.Context, id string) (string, error)
}
