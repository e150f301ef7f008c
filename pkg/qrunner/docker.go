package qrunner

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

const dockerBackend = "docker"

// dockerAPI is the part of the docker engine client the runner uses.
type dockerAPI interface {
	ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	Close() error
}

// DockerRunner executes each dispatch as a container on the local docker
// engine. It is the single-host stand-in for the Kubernetes runner.
type DockerRunner struct {
	api            dockerAPI
	config         ContainerConfig
	pull           bool
	keepContainers bool
}

type DockerRunnerOption func(*DockerRunner)

// WithDockerContainerConfig sets the default image, resources and network.
func WithDockerContainerConfig(cfg ContainerConfig) DockerRunnerOption {
	return func(r *DockerRunner) { r.config = cfg }
}

// WithPull controls whether the image is pulled before every dispatch.
func WithPull(pull bool) DockerRunnerOption {
	return func(r *DockerRunner) { r.pull = pull }
}

// WithKeepContainers leaves finished containers in place for inspection.
func WithKeepContainers(keep bool) DockerRunnerOption {
	return func(r *DockerRunner) { r.keepContainers = keep }
}

// NewDockerRunner connects to the docker engine configured in the environment
// (DOCKER_HOST and friends).
func NewDockerRunner(opts ...DockerRunnerOption) (*DockerRunner, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}
	return newDockerRunner(cli, opts...), nil
}

func newDockerRunner(api dockerAPI, opts ...DockerRunnerOption) *DockerRunner {
	r := &DockerRunner{
		api:    api,
		config: DefaultContainerConfig(),
		pull:   true,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Close releases the docker client.
func (r *DockerRunner) Close() error {
	return r.api.Close()
}

func (r *DockerRunner) Submit(ctx context.Context, req JobRequest) (*JobHandle, error) {
	img := req.Image
	if img == "" {
		img = r.config.Image
	}
	if img == "" {
		return nil, fmt.Errorf("job %s has no image", req.Job)
	}

	resources, err := r.config.Resources.docker()
	if err != nil {
		return nil, err
	}

	if r.pull {
		rc, err := r.api.ImagePull(ctx, img, image.PullOptions{})
		if err != nil {
			return nil, fmt.Errorf("pulling %s: %w", img, err)
		}
		// The pull only completes once the progress stream is drained.
		_, err = io.Copy(io.Discard, rc)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("pulling %s: %w", img, err)
		}
	}

	env := make([]string, 0, len(req.Env)+2)
	for _, e := range req.Env {
		env = append(env, e.Name+"="+e.Value)
	}
	env = append(env, "QBATCH_RUN_ID="+req.RunID, "QBATCH_JOB="+req.Job)

	labels := map[string]string{
		LabelRunID: req.RunID,
		LabelJob:   req.Job,
	}
	for k, v := range req.Labels {
		labels[k] = v
	}

	name := fmt.Sprintf("qbatch-%s-%s", k8sName(req.Job), uuid.New().String()[:8])
	created, err := r.api.ContainerCreate(ctx,
		&container.Config{
			Image:  img,
			Cmd:    append([]string(nil), req.Command...),
			Env:    env,
			Labels: labels,
		},
		&container.HostConfig{
			NetworkMode: container.NetworkMode(r.config.NetworkMode),
			Resources:   resources,
		},
		nil, nil, name)
	if err != nil {
		return nil, fmt.Errorf("creating container: %w", err)
	}

	if err := r.api.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		r.api.ContainerRemove(context.WithoutCancel(ctx), created.ID, container.RemoveOptions{Force: true})
		return nil, fmt.Errorf("starting container: %w", err)
	}

	return &JobHandle{
		ID:      created.ID,
		Job:     req.Job,
		Backend: dockerBackend,
		Metadata: map[string]string{
			"container_name": name,
			"image":          img,
		},
	}, nil
}

func (r *DockerRunner) Await(ctx context.Context, h *JobHandle, timeout time.Duration) (*Result, error) {
	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	statusCh, errCh := r.api.ContainerWait(waitCtx, h.ID, container.WaitConditionNotRunning)

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	var res *Result
	select {
	case status := <-statusCh:
		finished := time.Now()
		code := int(status.StatusCode)
		res = &Result{Status: RunStatusSucceeded, ExitCode: &code, FinishedAt: &finished}
		if code != 0 {
			res.Status = RunStatusFailed
			res.Reason = fmt.Sprintf("container exited with code %d", code)
		}
		if status.Error != nil && status.Error.Message != "" {
			res.Status = RunStatusFailed
			res.Reason = status.Error.Message
		}
	case err := <-errCh:
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if cerrdefs.IsNotFound(err) {
			return &Result{Status: RunStatusCancelled, Reason: "container removed"}, nil
		}
		return nil, fmt.Errorf("waiting for container %s: %w", h.ID, err)
	case <-expired:
		return &Result{Status: RunStatusTimedOut, Reason: fmt.Sprintf("exceeded %s", timeout)}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if !r.keepContainers {
		if err := r.api.ContainerRemove(ctx, h.ID, container.RemoveOptions{}); err != nil && !cerrdefs.IsNotFound(err) {
			return res, fmt.Errorf("removing container %s: %w", h.ID, err)
		}
	}
	return res, nil
}

// Cancel stops and removes the container.
func (r *DockerRunner) Cancel(ctx context.Context, h *JobHandle) error {
	if err := r.api.ContainerStop(ctx, h.ID, container.StopOptions{}); err != nil && !cerrdefs.IsNotFound(err) {
		return fmt.Errorf("stopping container %s: %w", h.ID, err)
	}
	if err := r.api.ContainerRemove(ctx, h.ID, container.RemoveOptions{Force: true}); err != nil && !cerrdefs.IsNotFound(err) {
		return fmt.Errorf("removing container %s: %w", h.ID, err)
	}
	return nil
}

// GetLogs returns stdout followed by stderr of a container that still exists.
func (r *DockerRunner) GetLogs(ctx context.Context, h *JobHandle) (string, error) {
	rc, err := r.api.ContainerLogs(ctx, h.ID, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return "", fmt.Errorf("getting container logs: %w", err)
	}
	defer rc.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, rc); err != nil {
		return "", fmt.Errorf("reading container logs: %w", err)
	}
	return stdout.String() + stderr.String(), nil
}

var (
	_ JobRunner = (*DockerRunner)(nil)
	_ LogSource = (*DockerRunner)(nil)
	_ dockerAPI = (*client.Client)(nil)
)
