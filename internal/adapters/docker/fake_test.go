package docker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

type createCall struct {
	config     *container.Config
	hostConfig *container.HostConfig
	name       string
}

// fakeDocker records calls and serves canned responses.
type fakeDocker struct {
	mu sync.Mutex

	pulled     []string
	buildCtx   []byte
	buildOpts  types.ImageBuildOptions
	buildBody  string
	images     []image.Summary
	listOpts   []types.ImageListOptions
	removed    []string
	creates    []createCall
	started    []string
	stopped    []string
	rmContainr []string
	commits    []container.CommitOptions
	containers []types.Container
	logs       []byte
	missing    map[string]bool
}

func newFakeDocker() *fakeDocker {
	return &fakeDocker{missing: map[string]bool{}}
}

func (f *fakeDocker) notFound(id string) error {
	if f.missing[id] {
		return errdefs.NotFound(errors.New("No such object: " + id))
	}
	return nil
}

func (f *fakeDocker) ImagePull(ctx context.Context, ref string, _ types.ImagePullOptions) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pulled = append(f.pulled, ref)
	return io.NopCloser(strings.NewReader(`{"status":"Pulling from library/ubuntu"}` + "\n")), nil
}

func (f *fakeDocker) ImageInspectWithRaw(ctx context.Context, id string) (types.ImageInspect, []byte, error) {
	return types.ImageInspect{ID: "sha256:base", RepoTags: []string{id}, Created: "2024-01-12T08:00:00.123456789Z"}, nil, nil
}

func (f *fakeDocker) ImageBuild(ctx context.Context, buildContext io.Reader, options types.ImageBuildOptions) (types.ImageBuildResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, err := io.ReadAll(buildContext)
	if err != nil {
		return types.ImageBuildResponse{}, err
	}
	f.buildCtx = data
	f.buildOpts = options
	body := f.buildBody
	if body == "" {
		body = `{"stream":"Step 1/3 : FROM ubuntu:20.04\n"}` + "\n" + `{"stream":"Successfully built abc\n"}` + "\n"
	}
	return types.ImageBuildResponse{Body: io.NopCloser(strings.NewReader(body))}, nil
}

func (f *fakeDocker) ImageList(ctx context.Context, options types.ImageListOptions) ([]image.Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listOpts = append(f.listOpts, options)
	return f.images, nil
}

func (f *fakeDocker) ImageRemove(ctx context.Context, id string, _ types.ImageRemoveOptions) ([]image.DeleteResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.notFound(id); err != nil {
		return nil, err
	}
	f.removed = append(f.removed, id)
	return []image.DeleteResponse{{Untagged: id}}, nil
}

func (f *fakeDocker) ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, _ *network.NetworkingConfig, _ *ocispec.Platform, name string) (container.CreateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates = append(f.creates, createCall{config: config, hostConfig: hostConfig, name: name})
	return container.CreateResponse{ID: fmt.Sprintf("c%d", len(f.creates))}, nil
}

func (f *fakeDocker) ContainerStart(ctx context.Context, id string, _ container.StartOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, id)
	return nil
}

func (f *fakeDocker) ContainerStop(ctx context.Context, id string, _ container.StopOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.notFound(id); err != nil {
		return err
	}
	f.stopped = append(f.stopped, id)
	return nil
}

func (f *fakeDocker) ContainerRemove(ctx context.Context, id string, _ container.RemoveOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.notFound(id); err != nil {
		return err
	}
	f.rmContainr = append(f.rmContainr, id)
	return nil
}

func (f *fakeDocker) ContainerList(ctx context.Context, _ container.ListOptions) ([]types.Container, error) {
	return f.containers, nil
}

func (f *fakeDocker) ContainerInspect(ctx context.Context, id string) (types.ContainerJSON, error) {
	return types.ContainerJSON{
		ContainerJSONBase: &types.ContainerJSONBase{
			ID:    id,
			State: &types.ContainerState{Status: "running", Running: true},
		},
	}, nil
}

func (f *fakeDocker) ContainerCommit(ctx context.Context, id string, options container.CommitOptions) (types.IDResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commits = append(f.commits, options)
	return types.IDResponse{ID: "sha256:committed"}, nil
}

func (f *fakeDocker) ContainerLogs(ctx context.Context, id string, _ container.LogsOptions) (io.ReadCloser, error) {
	if err := f.notFound(id); err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(f.logs)), nil
}

// muxed frames p the way the daemon does for containers without a TTY.
func muxed(p string) []byte {
	var buf bytes.Buffer
	w := stdcopy.NewStdWriter(&buf, stdcopy.Stdout)
	_, _ = w.Write([]byte(p))
	return buf.Bytes()
}
