package docker

import (
	"context"
	"testing"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/go-connections/nat"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/melih/mlflow-ami/internal/core/domain"
)

func testLaunchSpec() domain.LaunchSpec {
	return domain.LaunchSpec{
		InstanceType:   "t2.micro",
		Name:           "MLflow UI & Tracking Server",
		StartupCommand: "mlflow server --host 0.0.0.0",
		ServicePort:    5000,
	}
}

func TestLaunchRunsStartupOnce(t *testing.T) {
	cli := newFakeDocker()
	l := NewLauncher(cli, zap.NewNop())

	inst, err := l.LaunchInstance(context.Background(), domain.MachineImage{ID: "sha256:new"}, testLaunchSpec())
	require.NoError(t, err)
	require.Equal(t, "c1", inst.ID)
	require.Equal(t, "running", inst.State)
	require.Equal(t, []string{"c1"}, cli.started)

	call := cli.creates[0]
	require.Equal(t, "sha256:new", call.config.Image)
	require.Equal(t, []string{"/bin/sh", "-c", "mlflow server --host 0.0.0.0"}, []string(call.config.Cmd))
	require.Equal(t, container.RestartPolicyDisabled, call.hostConfig.RestartPolicy.Name)
	require.Equal(t, "MLflow UI & Tracking Server", call.config.Labels[LabelInstanceName])
	require.Empty(t, call.hostConfig.PortBindings)
}

func TestLaunchPublishesPortWithIngress(t *testing.T) {
	cli := newFakeDocker()
	spec := testLaunchSpec()
	spec.SecurityGroupIDs = []string{"sg-mlflow"}

	_, err := NewLauncher(cli, zap.NewNop()).LaunchInstance(context.Background(), domain.MachineImage{ID: "sha256:new"}, spec)
	require.NoError(t, err)

	bindings := cli.creates[0].hostConfig.PortBindings[nat.Port("5000/tcp")]
	require.Len(t, bindings, 1)
	require.Equal(t, "5000", bindings[0].HostPort)
	require.Equal(t, "sg-mlflow", cli.creates[0].config.Labels[LabelIngress])
}

func TestListInstances(t *testing.T) {
	cli := newFakeDocker()
	cli.containers = []types.Container{
		{
			ID:      "c2",
			ImageID: "sha256:new",
			Created: 200,
			State:   "running",
			Labels:  map[string]string{LabelInstanceName: "MLflow UI & Tracking Server", LabelIngress: "sg-1"},
			Ports:   []types.Port{{PrivatePort: 5000, PublicPort: 5000, Type: "tcp"}},
			NetworkSettings: &types.SummaryNetworkSettings{Networks: map[string]*network.EndpointSettings{
				"bridge": {IPAddress: "172.17.0.3"},
			}},
		},
		{ID: "c1", ImageID: "sha256:old", Created: 100, State: "exited"},
	}

	instances, err := NewLauncher(cli, zap.NewNop()).ListInstances(context.Background(), "MLflow UI & Tracking Server")
	require.NoError(t, err)
	require.Len(t, instances, 2)
	require.Equal(t, "c1", instances[0].ID)
	require.Equal(t, "c2", instances[1].ID)
	require.Equal(t, "172.17.0.3", instances[1].PrivateAddress)
	require.Equal(t, "127.0.0.1", instances[1].PublicAddress)
	require.Equal(t, []string{"sg-1"}, instances[1].SecurityGroups)
}

func TestTerminateInstance(t *testing.T) {
	cli := newFakeDocker()
	cli.missing["gone"] = true
	l := NewLauncher(cli, zap.NewNop())

	require.NoError(t, l.TerminateInstance(context.Background(), "c1"))
	require.Equal(t, []string{"c1"}, cli.stopped)
	require.Equal(t, []string{"c1"}, cli.rmContainr)

	require.ErrorIs(t, l.TerminateInstance(context.Background(), "gone"), domain.ErrInstanceNotFound)
}

func TestInstanceOutput(t *testing.T) {
	cli := newFakeDocker()
	cli.logs = muxed("[INFO] Listening at: http://0.0.0.0:5000\n")
	l := NewLauncher(cli, zap.NewNop())

	out, err := l.InstanceOutput(context.Background(), "c1")
	require.NoError(t, err)
	require.Contains(t, out, "Listening at")

	cli.missing["gone"] = true
	_, err = l.InstanceOutput(context.Background(), "gone")
	require.ErrorIs(t, err, domain.ErrInstanceNotFound)
}
