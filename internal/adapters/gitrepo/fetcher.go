package gitrepo

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"go.uber.org/zap"
)

// Fetcher implements ports.ScriptFetcher by shallow-cloning a repository.
type Fetcher struct {
	log      *zap.Logger
	progress io.Writer
}

func NewFetcher(log *zap.Logger, progress io.Writer) *Fetcher {
	return &Fetcher{log: log, progress: progress}
}

// FetchScript clones repoURL at ref (a branch name or a full reference;
// empty means the remote HEAD) and returns the file at path.
func (f *Fetcher) FetchScript(ctx context.Context, repoURL, ref, path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("script path required")
	}
	if !filepath.IsLocal(path) {
		return "", fmt.Errorf("script path %q must stay inside the repository", path)
	}

	tmpDir, err := os.MkdirTemp("", "mlflow-ami-script-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	opts := &git.CloneOptions{
		URL:      repoURL,
		Progress: f.progress,
		Depth:    1,
	}
	if ref != "" {
		opts.ReferenceName = referenceName(ref)
		opts.SingleBranch = true
	}

	f.log.Info("cloning provisioning repository", zap.String("url", repoURL), zap.String("ref", ref))
	if _, err := git.PlainCloneContext(ctx, tmpDir, false, opts); err != nil {
		return "", fmt.Errorf("failed to clone repo: %w", err)
	}

	data, err := os.ReadFile(filepath.Join(tmpDir, path))
	if err != nil {
		return "", fmt.Errorf("failed to read %s from %s: %w", path, repoURL, err)
	}
	return string(data), nil
}

func referenceName(ref string) plumbing.ReferenceName {
	if strings.HasPrefix(ref, "refs/") {
		return plumbing.ReferenceName(ref)
	}
	return plumbing.NewBranchReferenceName(ref)
}
