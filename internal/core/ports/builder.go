package ports

import (
	"context"

	"github.com/melih/mlflow-ami/internal/core/domain"
)

// SourceLocator finds the base images a build may start from.
type SourceLocator interface {
	LocateSources(ctx context.Context, filter domain.ImageFilter) ([]domain.MachineImage, error)
}

// ImageBuilder turns a source image plus a provisioning script into a new
// machine image. A build is Provision, then Capture, then Cleanup. Cleanup
// runs for every host that got an ID, even when Provision or Capture fail, so
// Provision returns the host alongside its error once something is allocated.
type ImageBuilder interface {
	// Provision starts a build host from source and runs script on it once.
	// It returns after the script has finished; a failing script is an error.
	Provision(ctx context.Context, source domain.MachineImage, script string) (domain.BuildHost, error)
	// Capture registers the provisioned host as a new image.
	Capture(ctx context.Context, host domain.BuildHost, spec domain.ImageSpec) (domain.MachineImage, error)
	// Cleanup releases whatever Provision allocated.
	Cleanup(ctx context.Context, host domain.BuildHost) error
}

// ScriptFetcher loads a provisioning script kept in a source repository.
type ScriptFetcher interface {
	FetchScript(ctx context.Context, repoURL, ref, path string) (string, error)
}
