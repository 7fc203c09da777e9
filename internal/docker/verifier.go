package docker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/shinji-kodama/release-pipeline/internal/model"
	"github.com/shinji-kodama/release-pipeline/internal/verify"
)

// DefaultMountPath is where the work tree is bind-mounted in the container.
const DefaultMountPath = "/workspace"

// cleanupTimeout bounds container removal, which runs even after the
// stage context is done.
const cleanupTimeout = 30 * time.Second

// tailSize bounds how much container output is kept for the failure
// message.
const tailSize = 2048

// ContainerAPI is the subset of the Docker SDK client used by Verifier.
// *client.Client satisfies it; tests substitute a fake.
type ContainerAPI interface {
	ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error)
	ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerKill(ctx context.Context, containerID, signal string) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
}

// Verifier runs the verification script inside a container with the work
// tree bind-mounted. It gives the same result shape as verify.Script: nil
// on exit status 0, *verify.Error on a failed, timed out or cancelled run.
type Verifier struct {
	API ContainerAPI

	// Image is the toolchain image, for example "rust:1.85".
	Image string

	// Script is run with `sh -lc` inside the container.
	Script string

	// Pull pulls Image before every run when true.
	Pull bool

	// MountPath overrides DefaultMountPath.
	MountPath string

	// Env holds extra KEY=VALUE entries for the container.
	Env []string

	// LogDir receives <run id>/verify.log when set.
	LogDir string

	now func() time.Time
}

// Verify implements the pipeline's verifier contract.
func (v *Verifier) Verify(ctx context.Context, workDir string, a model.ReleaseArtifact) error {
	if v.Image == "" || strings.TrimSpace(v.Script) == "" {
		return fmt.Errorf("docker verify: image and script are required")
	}
	mount := v.MountPath
	if mount == "" {
		mount = DefaultMountPath
	}
	absWorkDir, err := filepath.Abs(workDir)
	if err != nil {
		return fmt.Errorf("docker verify: %w", err)
	}

	// Step 1: Pull the image if requested.
	if v.Pull {
		if err := v.pull(ctx); err != nil {
			return err
		}
	}

	// Step 2: Remove containers left behind by an earlier attempt of the
	// same run, so the deterministic name is free.
	if err := v.RemoveRunContainers(ctx, a.RunID); err != nil {
		return err
	}

	// Step 3: Create and start the container.
	env := append([]string{}, v.Env...)
	env = append(env,
		"RELEASE_RUN_ID="+a.RunID,
		"RELEASE_VERSION="+a.Version.String(),
		"RELEASE_TAG="+a.Version.Tag(),
	)
	created, err := v.API.ContainerCreate(ctx,
		&container.Config{
			Image:      v.Image,
			Cmd:        []string{"sh", "-lc", v.Script},
			WorkingDir: mount,
			Env:        env,
			Labels:     BuildLabels(a, v.clock()),
		},
		&container.HostConfig{
			Binds: []string{absWorkDir + ":" + mount},
		},
		nil, nil, ContainerName(a.RunID),
	)
	if err != nil {
		return model.WrapCLIError(model.ExitDockerNotRunning, "failed to create verification container", err)
	}
	defer v.remove(created.ID)

	if err := v.API.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return model.WrapCLIError(model.ExitDockerNotRunning, "failed to start verification container", err)
	}

	// Step 4: Wait for exit, the stage deadline or cancellation.
	verr := &verify.Error{ExitCode: -1}
	waitCh, errCh := v.API.ContainerWait(ctx, created.ID, container.WaitConditionNotRunning)
	select {
	case resp := <-waitCh:
		if resp.Error != nil && resp.Error.Message != "" {
			return fmt.Errorf("docker verify: wait: %s", resp.Error.Message)
		}
		verr.ExitCode = int(resp.StatusCode)
	case err := <-errCh:
		if ctx.Err() == nil {
			return fmt.Errorf("docker verify: wait: %w", err)
		}
		v.kill(created.ID)
		markInterrupted(ctx, verr)
	case <-ctx.Done():
		v.kill(created.ID)
		markInterrupted(ctx, verr)
	}

	// Step 5: Collect the output for the log file and failure message.
	output := v.logs(created.ID)
	logPath, err := v.writeLog(a, output)
	if err != nil {
		return err
	}

	if verr.ExitCode == 0 && !verr.TimedOut && !verr.Cancelled {
		return nil
	}
	verr.LogPath = logPath
	if len(output) > tailSize {
		output = output[len(output)-tailSize:]
	}
	verr.Tail = string(output)
	return verr
}

// RemoveRunContainers force-removes every managed container of runID.
func (v *Verifier) RemoveRunContainers(ctx context.Context, runID string) error {
	args := filters.NewArgs()
	for _, f := range FilterLabels(runID) {
		args.Add("label", f)
	}
	containers, err := v.API.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		return model.WrapCLIError(model.ExitDockerNotRunning, "failed to list Docker containers", err)
	}
	for _, c := range containers {
		if err := v.API.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true}); err != nil {
			return model.WrapCLIError(model.ExitDockerNotRunning,
				fmt.Sprintf("failed to remove stale container %s", c.ID), err)
		}
	}
	return nil
}

func (v *Verifier) pull(ctx context.Context) error {
	rc, err := v.API.ImagePull(ctx, v.Image, image.PullOptions{})
	if err != nil {
		return model.WrapCLIError(model.ExitDockerNotRunning, fmt.Sprintf("failed to pull image %s", v.Image), err)
	}
	defer rc.Close()
	// The pull only completes once the progress stream is drained.
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("docker verify: pull %s: %w", v.Image, err)
	}
	return nil
}

func (v *Verifier) kill(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	_ = v.API.ContainerKill(ctx, id, "SIGKILL")
}

func (v *Verifier) remove(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	_ = v.API.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
}

// logs returns the container's demultiplexed stdout and stderr. Errors
// yield whatever was read so far.
func (v *Verifier) logs(id string) []byte {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	rc, err := v.API.ContainerLogs(ctx, id, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return nil
	}
	defer rc.Close()

	var buf bytes.Buffer
	_, _ = stdcopy.StdCopy(&buf, &buf, rc)
	return buf.Bytes()
}

func (v *Verifier) writeLog(a model.ReleaseArtifact, output []byte) (string, error) {
	if v.LogDir == "" {
		return "", nil
	}
	logPath := filepath.Join(v.LogDir, a.RunID, "verify.log")
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return "", fmt.Errorf("docker verify: create log directory: %w", err)
	}

	var b bytes.Buffer
	fmt.Fprintf(&b, "# release-pipeline verify log\n")
	fmt.Fprintf(&b, "# run: %s version: %s\n", a.RunID, a.Version)
	fmt.Fprintf(&b, "# image: %s\n", v.Image)
	fmt.Fprintf(&b, "# command: sh -lc %s\n", v.Script)
	fmt.Fprintf(&b, "# ---\n\n")
	b.Write(output)

	if err := os.WriteFile(logPath, b.Bytes(), 0o644); err != nil {
		return "", fmt.Errorf("docker verify: write log: %w", err)
	}
	return logPath, nil
}

func (v *Verifier) clock() time.Time {
	if v.now != nil {
		return v.now()
	}
	return time.Now()
}

func markInterrupted(ctx context.Context, verr *verify.Error) {
	verr.Signal = "SIGKILL"
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		verr.TimedOut = true
		return
	}
	verr.Cancelled = true
}
