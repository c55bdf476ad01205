package pod

import (
	"bytes"
	"context"
	"fmt"
	"strconv"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"go.uber.org/zap"

	"github.com/sibyldev/sibyl/internal/common/logger"
)

// Docker approximates the pod runtime with one container per pod. Meant
// for single-host deployments and local development; the container name
// doubles as the pod name.
type Docker struct {
	cli    *client.Client
	logger *logger.Logger
}

var _ Runtime = (*Docker)(nil)

// NewDocker connects to the local Docker daemon.
func NewDocker(host string, log *logger.Logger) (*Docker, error) {
	opts := []client.Opt{client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &Docker{
		cli:    cli,
		logger: log.WithFields(zap.String("component", "pod-runtime-docker")),
	}, nil
}

// Close closes the underlying Docker client.
func (d *Docker) Close() error {
	return d.cli.Close()
}

func (d *Docker) CreatePod(ctx context.Context, spec *Spec) error {
	command := spec.Command
	if len(command) == 0 {
		command = DefaultCommand()
	}

	cfg := &container.Config{
		Image:  spec.Image,
		Cmd:    command,
		Labels: spec.Labels(),
	}
	resp, err := d.cli.ContainerCreate(ctx, cfg, &container.HostConfig{}, nil, nil, spec.Name)
	if err != nil {
		return fmt.Errorf("failed to create container %s: %w", spec.Name, err)
	}
	if err := d.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return fmt.Errorf("failed to start container %s: %w", spec.Name, err)
	}
	d.logger.Info("Container created", zap.String("pod", spec.Name), zap.String("sandbox_id", spec.SandboxID))
	return nil
}

func (d *Docker) GetPod(ctx context.Context, name string) (*Status, error) {
	inspect, err := d.cli.ContainerInspect(ctx, name)
	if client.IsErrNotFound(err) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to inspect container %s: %w", name, err)
	}

	status := &Status{Name: name, Phase: PhaseUnknown}
	if inspect.State != nil {
		status.Phase = mapContainerState(inspect.State.Status, inspect.State.ExitCode)
		status.Message = inspect.State.Error
	}
	return status, nil
}

func (d *Docker) DeletePod(ctx context.Context, name string) error {
	err := d.cli.ContainerRemove(ctx, name, container.RemoveOptions{
		Force:         true,
		RemoveVolumes: true,
	})
	if client.IsErrNotFound(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to remove container %s: %w", name, err)
	}
	d.logger.Info("Container removed", zap.String("pod", name))
	return nil
}

func (d *Docker) PodLogs(ctx context.Context, name string, tailLines int) (string, error) {
	reader, err := d.cli.ContainerLogs(ctx, name, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       strconv.Itoa(tailLines),
	})
	if client.IsErrNotFound(err) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return "", fmt.Errorf("failed to read logs of container %s: %w", name, err)
	}
	defer func() { _ = reader.Close() }()

	// Non-TTY containers multiplex stdout and stderr into one stream.
	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, reader); err != nil {
		return "", fmt.Errorf("failed to demux logs of container %s: %w", name, err)
	}
	if stderr.Len() > 0 {
		stdout.Write(stderr.Bytes())
	}
	return stdout.String(), nil
}

func mapContainerState(state string, exitCode int) Phase {
	switch state {
	case "running", "paused":
		return PhaseRunning
	case "created", "restarting":
		return PhasePending
	case "exited":
		if exitCode == 0 {
			return PhaseSucceeded
		}
		return PhaseFailed
	case "dead":
		return PhaseFailed
	default:
		return PhaseUnknown
	}
}
