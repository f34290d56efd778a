package docker

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	"go.uber.org/zap"

	"github.com/melih/mlflow-ami/internal/core/domain"
)

// Launcher implements ports.InstanceLauncher with containers. Containers run
// the startup command once: the restart policy is "no".
type Launcher struct {
	cli API
	log *zap.Logger
}

func NewLauncher(cli API, log *zap.Logger) *Launcher {
	return &Launcher{cli: cli, log: log}
}

func containerConfig(img domain.MachineImage, spec domain.LaunchSpec) (*container.Config, *container.HostConfig, error) {
	config := &container.Config{
		Image: img.ID,
		Cmd:   []string{"/bin/sh", "-c", spec.StartupCommand},
		Labels: map[string]string{
			LabelManaged:      "true",
			LabelInstanceName: spec.Name,
		},
	}
	hostConfig := &container.HostConfig{
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyDisabled},
	}

	// Without ingress the port stays closed, like an instance without
	// security groups.
	if len(spec.SecurityGroupIDs) > 0 && spec.ServicePort > 0 {
		port, err := nat.NewPort("tcp", strconv.Itoa(spec.ServicePort))
		if err != nil {
			return nil, nil, fmt.Errorf("invalid service port: %w", err)
		}
		config.ExposedPorts = nat.PortSet{port: struct{}{}}
		hostConfig.PortBindings = nat.PortMap{port: []nat.PortBinding{{HostPort: port.Port()}}}
		config.Labels[LabelIngress] = strings.Join(spec.SecurityGroupIDs, ",")
	}
	return config, hostConfig, nil
}

// LaunchInstance creates and starts a container from img.
func (l *Launcher) LaunchInstance(ctx context.Context, img domain.MachineImage, spec domain.LaunchSpec) (domain.Instance, error) {
	config, hostConfig, err := containerConfig(img, spec)
	if err != nil {
		return domain.Instance{}, err
	}

	resp, err := l.cli.ContainerCreate(ctx, config, hostConfig, nil, nil, "")
	if err != nil {
		return domain.Instance{}, fmt.Errorf("failed to create container: %w", err)
	}
	if err := l.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return domain.Instance{}, fmt.Errorf("failed to start container: %w", err)
	}

	inst := domain.Instance{
		ID:             resp.ID,
		ImageID:        img.ID,
		InstanceType:   spec.InstanceType,
		Name:           spec.Name,
		StartupCommand: spec.StartupCommand,
		State:          domain.InstancePending,
		SecurityGroups: spec.SecurityGroupIDs,
		LaunchedAt:     time.Now().UTC(),
	}
	if info, err := l.cli.ContainerInspect(ctx, resp.ID); err == nil && info.ContainerJSONBase != nil {
		if info.State != nil {
			inst.State = info.State.Status
		}
		if info.NetworkSettings != nil {
			inst.PrivateAddress = info.NetworkSettings.IPAddress
		}
	}
	return inst, nil
}

// ListInstances returns the containers launched under name, stopped ones
// included.
func (l *Launcher) ListInstances(ctx context.Context, name string) ([]domain.Instance, error) {
	containers, err := l.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", LabelInstanceName+"="+name)),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	result := make([]domain.Instance, 0, len(containers))
	for _, c := range containers {
		result = append(result, toInstance(c))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].LaunchedAt.Before(result[j].LaunchedAt) })
	return result, nil
}

func toInstance(c types.Container) domain.Instance {
	inst := domain.Instance{
		ID:             c.ID,
		ImageID:        c.ImageID,
		InstanceType:   "container",
		Name:           c.Labels[LabelInstanceName],
		StartupCommand: c.Command,
		State:          c.State,
		LaunchedAt:     time.Unix(c.Created, 0).UTC(),
	}
	if sg := c.Labels[LabelIngress]; sg != "" {
		inst.SecurityGroups = strings.Split(sg, ",")
	}
	if c.NetworkSettings != nil {
		for _, n := range c.NetworkSettings.Networks {
			if n != nil && n.IPAddress != "" {
				inst.PrivateAddress = n.IPAddress
				break
			}
		}
	}
	for _, p := range c.Ports {
		if p.PublicPort > 0 {
			inst.PublicAddress = "127.0.0.1"
		}
	}
	return inst
}

// TerminateInstance stops and removes the container.
func (l *Launcher) TerminateInstance(ctx context.Context, id string) error {
	timeout := 10
	if err := l.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeout}); err != nil {
		if errdefs.IsNotFound(err) {
			return domain.ErrInstanceNotFound
		}
		return fmt.Errorf("failed to stop container: %w", err)
	}
	if err := l.cli.ContainerRemove(ctx, id, container.RemoveOptions{}); err != nil {
		if errdefs.IsNotFound(err) {
			return domain.ErrInstanceNotFound
		}
		return fmt.Errorf("failed to remove container: %w", err)
	}
	return nil
}

// InstanceOutput returns what the startup command printed so far.
func (l *Launcher) InstanceOutput(ctx context.Context, id string) (string, error) {
	logs, err := l.cli.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Timestamps: true,
	})
	if err != nil {
		if errdefs.IsNotFound(err) {
			return "", domain.ErrInstanceNotFound
		}
		return "", fmt.Errorf("failed to read logs: %w", err)
	}
	defer logs.Close()

	var out strings.Builder
	if _, err := stdcopy.StdCopy(&out, &out, logs); err != nil {
		return "", fmt.Errorf("failed to read logs: %w", err)
	}
	return out.String(), nil
}
