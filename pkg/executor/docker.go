package executor

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"
	"github.com/gosimple/slug"
)

const (
	// ContainerWorkDir is where the job workspace is mounted inside
	// step containers.
	ContainerWorkDir = "/app"

	dockerSocket = "/var/run/docker.sock"
	stopTimeout  = 10 // seconds
)

// DockerOptions configures container step execution.
type DockerOptions struct {
	ShowImagePull bool
	// MountDockerSocket exposes the host docker socket inside step
	// containers, for steps that build or push images.
	MountDockerSocket bool
	Username          string
	Password          string
	MaxOutputBytes    int
}

// DockerExecutor runs steps inside containers: the step command through
// the image's shell, the workspace bind-mounted at ContainerWorkDir.
type DockerExecutor struct {
	opts DockerOptions
}

func NewDockerExecutor(opts DockerOptions) *DockerExecutor {
	return &DockerExecutor{opts: opts}
}

func (d *DockerExecutor) Execute(ctx context.Context, spec Spec) (Result, error) {
	runCtx := ctx
	if spec.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	name := slug.Make(spec.Name) + "-" + uuid.NewString()

	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return Result{}, fmt.Errorf("unable to create docker client for step %s: %w", spec.Name, err)
	}
	defer cli.Close()

	start := time.Now()
	if err := d.pullImage(runCtx, cli, spec); err != nil {
		return Result{Duration: time.Since(start)}, err
	}

	// bind mount sources must be absolute
	workDir, err := filepath.Abs(spec.WorkDir)
	if err != nil {
		return Result{}, fmt.Errorf("unable to resolve workspace for step %s: %w", spec.Name, err)
	}
	mounts := []mount.Mount{
		{
			Type:   mount.TypeBind,
			Source: workDir,
			Target: ContainerWorkDir,
		},
	}
	if d.opts.MountDockerSocket {
		mounts = append(mounts, mount.Mount{
			Type:   mount.TypeBind,
			Source: dockerSocket,
			Target: dockerSocket,
		})
	}

	// an empty command leaves the image entrypoint in charge, which is
	// how action steps parameterized only through env are expected to run
	var cmd []string
	if spec.Command != "" {
		cmd = []string{"/bin/sh", "-c", spec.Command}
	}
	resp, err := cli.ContainerCreate(ctx, &container.Config{
		Image:      spec.Image,
		Env:        spec.Env,
		Cmd:        cmd,
		WorkingDir: ContainerWorkDir,
	}, &container.HostConfig{Mounts: mounts}, nil, nil, name)
	if err != nil {
		return Result{Duration: time.Since(start)}, fmt.Errorf("unable to create container for step %s: %w", spec.Name, err)
	}
	defer cli.ContainerRemove(context.Background(), resp.ID, types.ContainerRemoveOptions{Force: true})

	if err := cli.ContainerStart(ctx, resp.ID, types.ContainerStartOptions{}); err != nil {
		return Result{Duration: time.Since(start)}, fmt.Errorf("unable to start container for step %s: %w", spec.Name, err)
	}

	stdout := newCapWriter(d.opts.MaxOutputBytes)
	stderr := newCapWriter(d.opts.MaxOutputBytes)
	logsDone, err := d.tailLogs(ctx, cli, resp.ID, spec, stdout, stderr)
	if err != nil {
		return Result{Duration: time.Since(start)}, fmt.Errorf("unable to attach logs for step %s: %w", spec.Name, err)
	}

	res := Result{}
	statusCh, errCh := cli.ContainerWait(ctx, resp.ID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		res.Duration = time.Since(start)
		return res, fmt.Errorf("error waiting for step %s: %w", spec.Name, err)
	case status := <-statusCh:
		res.ExitCode = int(status.StatusCode)
	case <-runCtx.Done():
		timeout := stopTimeout
		_ = cli.ContainerStop(context.Background(), resp.ID, container.StopOptions{Timeout: &timeout})
		// the log goroutine writes to the capture buffers until the
		// stream EOFs; stopping the container ends it, but only
		// asynchronously, so wait before reading
		select {
		case <-logsDone:
		case <-time.After(stopTimeout * time.Second):
		}
		res.Duration = time.Since(start)
		res.Stdout = stdout.String()
		res.Stderr = stderr.String()
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		return res, &TimeoutError{Step: spec.Name, Limit: spec.Timeout}
	}

	<-logsDone
	res.Duration = time.Since(start)
	res.Stdout = stdout.String()
	res.Stderr = stderr.String()
	return res, nil
}

func (d *DockerExecutor) pullImage(ctx context.Context, cli *client.Client, spec Spec) error {
	pullOpts := types.ImagePullOptions{}
	if d.opts.Username != "" {
		auth, err := json.Marshal(registry.AuthConfig{
			Username: d.opts.Username,
			Password: d.opts.Password,
		})
		if err != nil {
			return fmt.Errorf("unable to encode registry credentials: %w", err)
		}
		pullOpts.RegistryAuth = base64.URLEncoding.EncodeToString(auth)
	}

	reader, err := cli.ImagePull(ctx, spec.Image, pullOpts)
	if err != nil {
		return fmt.Errorf("unable to pull image %s for step %s: %w", spec.Image, spec.Name, err)
	}
	defer reader.Close()

	sink := io.Discard
	if d.opts.ShowImagePull {
		sink = discardIfNil(spec.Stdout)
	}
	if _, err := io.Copy(sink, reader); err != nil {
		return fmt.Errorf("unable to read image pull logs for step %s: %w", spec.Name, err)
	}
	return nil
}

func (d *DockerExecutor) tailLogs(ctx context.Context, cli *client.Client, id string, spec Spec, stdout, stderr io.Writer) (<-chan struct{}, error) {
	logs, err := cli.ContainerLogs(ctx, id, types.ContainerLogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		return nil, err
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer logs.Close()
		// docker multiplexes both streams over one connection
		_, _ = stdcopy.StdCopy(
			io.MultiWriter(discardIfNil(spec.Stdout), stdout),
			io.MultiWriter(discardIfNil(spec.Stderr), stderr),
			logs,
		)
	}()
	return done, nil
}
