package sandbox

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"

	"github.com/acontexthq/acontext/internal/apperr"
	"github.com/acontexthq/acontext/internal/config"
	"github.com/acontexthq/acontext/internal/observability"
)

// dockerBackend runs sandboxes as local containers. One sandbox maps
// to one container kept alive by a blocking entrypoint.
type dockerBackend struct {
	client  *client.Client
	image   string
	network string
	logger  *observability.Logger
}

func newDockerBackend(cfg config.SandboxConfig, logger *observability.Logger) (Backend, error) {
	cli, err := client.NewClientWithOpts(
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, apperr.Unavailable(err, "create docker client")
	}
	if _, err := cli.Ping(context.Background()); err != nil {
		_ = cli.Close()
		return nil, apperr.Unavailable(err, "ping docker daemon")
	}
	return &dockerBackend{
		client:  cli,
		image:   cfg.Docker.Image,
		network: cfg.Docker.Network,
		logger:  logger,
	}, nil
}

func (d *dockerBackend) Name() string { return "docker" }

func (d *dockerBackend) Start(ctx context.Context) (string, error) {
	name := "acontext-sbx-" + uuid.NewString()
	var hostConfig *container.HostConfig
	if d.network != "" {
		hostConfig = &container.HostConfig{NetworkMode: container.NetworkMode(d.network)}
	}
	resp, err := d.client.ContainerCreate(ctx, &container.Config{
		Image: d.image,
		Cmd:   []string{"sleep", "infinity"},
	}, hostConfig, nil, nil, name)
	if err != nil {
		return "", fmt.Errorf("create container: %w", err)
	}
	if err := d.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = d.client.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return "", fmt.Errorf("start container: %w", err)
	}
	return resp.ID, nil
}

func (d *dockerBackend) Kill(ctx context.Context, backendID string) error {
	err := d.client.ContainerRemove(ctx, backendID, container.RemoveOptions{Force: true})
	if errdefs.IsNotFound(err) {
		return apperr.NotFound("container %s", backendID)
	}
	return err
}

func (d *dockerBackend) Get(ctx context.Context, backendID string) (*Instance, error) {
	inspect, err := d.client.ContainerInspect(ctx, backendID)
	if errdefs.IsNotFound(err) {
		return nil, apperr.NotFound("container %s", backendID)
	}
	if err != nil {
		return nil, fmt.Errorf("inspect container: %w", err)
	}
	return &Instance{BackendID: backendID, Running: inspect.State.Running}, nil
}

func (d *dockerBackend) Exec(ctx context.Context, backendID string, req ExecRequest) (*ExecResult, error) {
	var env []string
	for k, v := range req.Env {
		env = append(env, k+"="+v)
	}
	exec, err := d.client.ContainerExecCreate(ctx, backendID, container.ExecOptions{
		Cmd:          req.Command,
		Env:          env,
		WorkingDir:   req.WorkingDir,
		AttachStdin:  len(req.Stdin) > 0,
		AttachStdout: true,
		AttachStderr: true,
	})
	if errdefs.IsNotFound(err) {
		return nil, apperr.NotFound("container %s", backendID)
	}
	if err != nil {
		return nil, fmt.Errorf("create exec: %w", err)
	}

	attach, err := d.client.ContainerExecAttach(ctx, exec.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, fmt.Errorf("attach exec: %w", err)
	}
	defer attach.Close()

	if len(req.Stdin) > 0 {
		if _, err := attach.Conn.Write(req.Stdin); err != nil {
			return nil, fmt.Errorf("write stdin: %w", err)
		}
		if err := attach.CloseWrite(); err != nil {
			d.logger.Warn(ctx, "close exec stdin failed", "error", err)
		}
	}

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader); err != nil && err != io.EOF {
		return nil, fmt.Errorf("read exec output: %w", err)
	}

	inspect, err := d.client.ContainerExecInspect(ctx, exec.ID)
	if err != nil {
		return nil, fmt.Errorf("inspect exec: %w", err)
	}

	return &ExecResult{
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		ExitCode: inspect.ExitCode,
	}, nil
}

func (d *dockerBackend) UploadFile(ctx context.Context, backendID, filePath string, data []byte) error {
	dir, name := path.Split(filePath)
	if dir == "" {
		dir = "/"
	}
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	hdr := &tar.Header{Name: name, Mode: 0o644, Size: int64(len(data))}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("write tar header: %w", err)
	}
	if _, err := tw.Write(data); err != nil {
		return fmt.Errorf("write tar body: %w", err)
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("close tar: %w", err)
	}

	err := d.client.CopyToContainer(ctx, backendID, dir, &buf, container.CopyToContainerOptions{})
	if errdefs.IsNotFound(err) {
		return apperr.NotFound("container %s", backendID)
	}
	return err
}

func (d *dockerBackend) DownloadFile(ctx context.Context, backendID, filePath string) ([]byte, error) {
	reader, _, err := d.client.CopyFromContainer(ctx, backendID, filePath)
	if errdefs.IsNotFound(err) {
		return nil, apperr.NotFound("container %s", backendID)
	}
	if err != nil {
		return nil, fmt.Errorf("copy from container: %w", err)
	}
	defer reader.Close()

	// The daemon wraps the file in a single-entry tar stream.
	tr := tar.NewReader(reader)
	want := path.Base(filePath)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read tar: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		if path.Base(strings.TrimSuffix(hdr.Name, "/")) != want {
			continue
		}
		return io.ReadAll(tr)
	}
	return nil, apperr.NotFound("file %s in container %s", filePath, backendID)
}

func (d *dockerBackend) Close() error {
	return d.client.Close()
}
