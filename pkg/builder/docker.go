// Package builder materializes platform wheels from source distributions by
// running pip inside ephemeral container sandboxes, captures their logs and
// metadata and persists the resulting artifacts.
package builder

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// RunSpec describes one container execution.
type RunSpec struct {
	Image   string
	Command string
	// Binds maps host paths to container paths, mounted read-write.
	Binds map[string]string
}

// RunResult is the outcome of a container execution. Log combines the pull
// output with the container's stdout and stderr in order.
type RunResult struct {
	ExitCode int
	Log      string
	Started  time.Time
	Finished time.Time
}

// Runner executes build commands in a sandbox. DockerRunner is the real
// implementation; tests substitute fakes.
type Runner interface {
	Run(ctx context.Context, spec RunSpec) (*RunResult, error)
	Close() error
}

// DockerRunner implements Runner against a Docker daemon.
type DockerRunner struct {
	client *client.Client

	mu     sync.Mutex
	pulled map[string]bool

	cleanupMu  sync.Mutex
	cleanupIDs []string
}

// NewDockerRunner connects to the daemon at dsn. Supported schemes are
// unix://, tcp:// and https://; an empty dsn falls back to the environment.
func NewDockerRunner(dsn string) (*DockerRunner, error) {
	opts := []client.Opt{client.WithAPIVersionNegotiation()}
	if dsn == "" {
		opts = append(opts, client.FromEnv)
	} else {
		host, err := dockerHost(dsn)
		if err != nil {
			return nil, err
		}
		opts = append(opts, client.WithHost(host))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := cli.Ping(ctx); err != nil {
		return nil, fmt.Errorf("docker daemon unreachable: %w", err)
	}

	return &DockerRunner{client: cli, pulled: map[string]bool{}}, nil
}

func dockerHost(dsn string) (string, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return "", fmt.Errorf("invalid docker DSN: %w", err)
	}
	switch u.Scheme {
	case "unix":
		return dsn, nil
	case "tcp":
		return dsn, nil
	case "https":
		return "tcp://" + u.Host, nil
	default:
		return "", fmt.Errorf("unsupported docker DSN scheme: %q", u.Scheme)
	}
}

// ensureImage pulls the image unless a previous run already did.
func (r *DockerRunner) ensureImage(ctx context.Context, imageRef string, log *bytes.Buffer) error {
	r.mu.Lock()
	cached := r.pulled[imageRef]
	r.mu.Unlock()
	if cached {
		return nil
	}

	if _, err := r.client.ImageInspect(ctx, imageRef); err == nil {
		r.mu.Lock()
		r.pulled[imageRef] = true
		r.mu.Unlock()
		return nil
	}

	pullCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()
	reader, err := r.client.ImagePull(pullCtx, imageRef, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", imageRef, err)
	}
	defer reader.Close()
	io.Copy(log, reader)

	r.mu.Lock()
	r.pulled[imageRef] = true
	r.mu.Unlock()
	return nil
}

func (r *DockerRunner) Run(ctx context.Context, spec RunSpec) (*RunResult, error) {
	var log bytes.Buffer
	if err := r.ensureImage(ctx, spec.Image, &log); err != nil {
		return nil, err
	}

	binds := make([]string, 0, len(spec.Binds))
	for host, inside := range spec.Binds {
		binds = append(binds, fmt.Sprintf("%s:%s", host, inside))
	}

	created, err := r.client.ContainerCreate(ctx,
		&container.Config{
			Image:      spec.Image,
			Cmd:        []string{"sh", "-c", spec.Command},
			WorkingDir: "/",
		},
		&container.HostConfig{Binds: binds},
		nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}
	containerID := created.ID
	r.track(containerID)
	defer r.remove(containerID)

	started := time.Now().UTC()
	if err := r.client.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("failed to start container: %w", err)
	}

	exitCode := 0
	statusCh, errCh := r.client.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if err != nil {
			return nil, fmt.Errorf("failed to wait for container: %w", err)
		}
	case status := <-statusCh:
		exitCode = int(status.StatusCode)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	finished := time.Now().UTC()

	logs, err := r.client.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err == nil {
		// Interleave stdout and stderr the way the terminal would have.
		stdcopy.StdCopy(&log, &log, logs)
		logs.Close()
	}

	return &RunResult{
		ExitCode: exitCode,
		Log:      log.String(),
		Started:  started,
		Finished: finished,
	}, nil
}

func (r *DockerRunner) track(containerID string) {
	r.cleanupMu.Lock()
	r.cleanupIDs = append(r.cleanupIDs, containerID)
	r.cleanupMu.Unlock()
}

func (r *DockerRunner) remove(containerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	r.client.ContainerRemove(ctx, containerID, container.RemoveOptions{
		Force:         true,
		RemoveVolumes: true,
	})

	r.cleanupMu.Lock()
	for i, id := range r.cleanupIDs {
		if id == containerID {
			r.cleanupIDs = append(r.cleanupIDs[:i], r.cleanupIDs[i+1:]...)
			break
		}
	}
	r.cleanupMu.Unlock()
}

// Close removes any containers still tracked (in-flight builds during
// shutdown) and releases the client.
func (r *DockerRunner) Close() error {
	r.cleanupMu.Lock()
	ids := append([]string(nil), r.cleanupIDs...)
	r.cleanupMu.Unlock()
	for _, id := range ids {
		r.remove(id)
	}
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

// shellQuote single-quotes a string for inclusion in a sh -c command line.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}
