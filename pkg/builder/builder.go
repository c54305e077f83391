package builder

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/divio/ac-wheelsproxy/pkg/artifacts"
	"github.com/divio/ac-wheelsproxy/pkg/catalog"
	"github.com/divio/ac-wheelsproxy/pkg/observability"
	"github.com/divio/ac-wheelsproxy/pkg/pypi"
)

// ErrBuildFailed means the sandbox ran but produced no usable wheel. The
// build log is persisted on the row for inspection.
var ErrBuildFailed = errors.New("builder: build failed")

// Builder drives the whole build recipe: sandbox execution, artifact
// enumeration, digesting, metadata extraction and persistence.
type Builder struct {
	runner    Runner
	store     catalog.Store
	blobs     artifacts.Storage
	logger    *observability.Logger
	tempRoot  string
	cacheRoot string
}

// New assembles a builder.
func New(runner Runner, store catalog.Store, blobs artifacts.Storage, logger *observability.Logger, tempRoot, cacheRoot string) *Builder {
	if tempRoot == "" {
		tempRoot = os.TempDir()
	}
	if cacheRoot == "" {
		cacheRoot = "/cache"
	}
	return &Builder{
		runner:    runner,
		store:     store,
		blobs:     blobs,
		logger:    logger,
		tempRoot:  tempRoot,
		cacheRoot: cacheRoot,
	}
}

// buildCommand joins the per-build setup commands with the pip wheel
// invocation into a single shell pipeline.
func buildCommand(setupCommands, sourceURL string) string {
	commands := make([]string, 0, 4)
	for _, line := range strings.Split(setupCommands, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			commands = append(commands, line)
		}
	}
	commands = append(commands, strings.Join([]string{
		"pip", "wheel",
		"--no-deps",
		"--no-clean",
		"--no-index",
		"--wheel-dir", "/wheelhouse",
		shellQuote(sourceURL),
	}, " "))
	return strings.Join(commands, " && ")
}

// runWheelBuild executes the recipe common to internal and external builds
// and returns the populated result. A failed build returns a result with an
// empty artifact plus ErrBuildFailed; the caller persists either way.
func (b *Builder) runWheelBuild(ctx context.Context, image, sourceURL, setupCommands, artifactPathPrefix string) (*catalog.BuildResult, error) {
	wheelhouse, err := os.MkdirTemp(b.tempRoot, "wheelsproxy-build-")
	if err != nil {
		return nil, fmt.Errorf("failed to create build directory: %w", err)
	}
	defer os.RemoveAll(wheelhouse)

	command := buildCommand(setupCommands, sourceURL)
	run, err := b.runner.Run(ctx, RunSpec{
		Image:   image,
		Command: command,
		Binds:   map[string]string{wheelhouse: "/wheelhouse"},
	})
	if err != nil {
		return nil, err
	}

	now := run.Finished
	result := &catalog.BuildResult{
		BuildTimestamp: &now,
		BuildDuration:  run.Finished.Sub(run.Started),
		BuildLog:       command + "\n" + run.Log,
	}

	entries, err := os.ReadDir(wheelhouse)
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate wheelhouse: %w", err)
	}
	if len(entries) != 1 {
		return result, fmt.Errorf("%w: expected exactly one output file, got %d (exit code %d)",
			ErrBuildFailed, len(entries), run.ExitCode)
	}

	filename := entries[0].Name()
	wheelPath := filepath.Join(wheelhouse, filename)

	fh, err := os.Open(wheelPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open built wheel: %w", err)
	}
	defer fh.Close()

	info, err := fh.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat built wheel: %w", err)
	}

	digest := md5.New()
	if _, err := io.Copy(digest, fh); err != nil {
		return nil, fmt.Errorf("failed to digest built wheel: %w", err)
	}
	result.MD5Digest = hex.EncodeToString(digest.Sum(nil))

	meta, err := pypi.ExtractWheelMetadata(fh, info.Size())
	if err != nil {
		return result, fmt.Errorf("%w: %v", ErrBuildFailed, err)
	}
	result.Metadata = meta

	if _, err := fh.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("failed to rewind built wheel: %w", err)
	}
	blobPath := artifactPathPrefix + filename
	size, err := b.blobs.Save(ctx, blobPath, fh)
	if err != nil {
		return nil, fmt.Errorf("failed to store built wheel: %w", err)
	}
	result.Artifact = blobPath
	result.FileSize = size
	return result, nil
}

// BuildRelease builds the wheel for a catalog build row.
func (b *Builder) BuildRelease(ctx context.Context, buildID int64) error {
	detail, err := b.store.GetBuildDetail(ctx, buildID)
	if err != nil {
		return err
	}
	if detail.Release.URL == "" {
		return fmt.Errorf("%w: release %s has no source URL", ErrBuildFailed, detail.Release.Version)
	}

	logger := b.logger.WithField("package", detail.Package.Slug).
		WithField("version", detail.Release.Version).
		WithField("platform", detail.Platform.Slug)
	logger.Info("Building wheel")

	prefix := detail.ArtifactPath("")
	result, buildErr := b.runWheelBuild(ctx,
		detail.Platform.Spec.Image, detail.Release.URL, detail.Build.SetupCommands, prefix)
	if result != nil {
		if err := b.store.SaveBuildResult(ctx, buildID, result); err != nil {
			return err
		}
	}
	if buildErr != nil {
		logger.WithError(buildErr).Error("Build failed")
		return buildErr
	}
	logger.Infof("Built %s in %s", result.Artifact, result.BuildDuration)
	return nil
}

// BuildExternal builds the wheel for an external (URL requirement) build.
func (b *Builder) BuildExternal(ctx context.Context, buildID int64) error {
	build, err := b.store.GetExternalBuild(ctx, buildID)
	if err != nil {
		return err
	}
	platform, err := catalog.PlatformByID(ctx, b.store, build.PlatformID)
	if err != nil {
		return err
	}

	logger := b.logger.WithField("url", build.ExternalURL).
		WithField("platform", platform.Slug)
	logger.Info("Building external wheel")

	prefix := artifacts.ExternalBuildPath(platform.Slug, build.ExternalURL, "")
	result, buildErr := b.runWheelBuild(ctx,
		platform.Spec.Image, build.ExternalURL, build.SetupCommands, prefix)
	if result != nil {
		if err := b.store.SaveExternalBuildResult(ctx, buildID, result); err != nil {
			return err
		}
	}
	if buildErr != nil {
		logger.WithError(buildErr).Error("External build failed")
		return buildErr
	}
	return nil
}

// environmentCommand prints the marker environment of the sandbox's Python
// as JSON on stdout.
const environmentCommand = `python -c '` +
	`import sys, json; ` +
	`from pkg_resources.extern.packaging.markers import default_environment; ` +
	`json.dump(default_environment(), sys.stdout)'`

// CaptureEnvironment launches a short-lived container, reads the marker
// environment it prints and stores it on the platform row.
func (b *Builder) CaptureEnvironment(ctx context.Context, platform *catalog.Platform) error {
	run, err := b.runner.Run(ctx, RunSpec{
		Image:   platform.Spec.Image,
		Command: environmentCommand,
	})
	if err != nil {
		return err
	}
	if run.ExitCode != 0 {
		return fmt.Errorf("environment capture exited with code %d: %s", run.ExitCode, run.Log)
	}

	env := map[string]string{}
	// The log may include pull progress before the JSON document.
	payload := run.Log
	if idx := strings.Index(payload, "{"); idx >= 0 {
		payload = payload[idx:]
	}
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		return fmt.Errorf("failed to decode marker environment: %w", err)
	}

	if err := b.store.SetPlatformEnvironment(ctx, platform.ID, env); err != nil {
		return err
	}
	platform.Environment = env
	return nil
}

// PipCompile runs the pip-based compilation track inside the platform
// sandbox, with the persistent per-platform pip cache mounted, and records
// the result on the compiled requirements row.
func (b *Builder) PipCompile(ctx context.Context, reqs *catalog.CompiledRequirements, platform *catalog.Platform, force bool) error {
	workspace, err := os.MkdirTemp(b.tempRoot, "wheelsproxy-compile-")
	if err != nil {
		return fmt.Errorf("failed to create compile workspace: %w", err)
	}
	defer os.RemoveAll(workspace)

	if err := os.WriteFile(filepath.Join(workspace, "requirements.in"), []byte(reqs.Requirements), 0o644); err != nil {
		return fmt.Errorf("failed to write requirements.in: %w", err)
	}

	cacheDir := filepath.Join(b.cacheRoot, platform.Slug)
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return fmt.Errorf("failed to create compile cache: %w", err)
	}

	command := strings.Join([]string{
		"pip-compile",
		"--verbose",
		"--no-index",
		"--index-url", shellQuote(reqs.IndexURL),
		"/workspace/requirements.in",
	}, " ")

	started := time.Now().UTC()
	run, err := b.runner.Run(ctx, RunSpec{
		Image:   platform.Spec.Image,
		Command: command,
		Binds: map[string]string{
			workspace: "/workspace",
			cacheDir:  "/root/.cache",
		},
	})
	if err != nil {
		return err
	}
	finished := time.Now().UTC()

	track := &catalog.CompilationTrack{
		Timestamp: &finished,
		Duration:  finished.Sub(started),
		Log:       run.Log,
	}

	compiled, err := os.ReadFile(filepath.Join(workspace, "requirements.txt"))
	if err == nil {
		track.Status = catalog.CompilationDone
		track.Requirements = string(compiled)
	} else {
		track.Status = catalog.CompilationFailed
	}

	if err := b.store.SetCompilationResult(ctx, reqs.ID, "pip", track, force); err != nil {
		return err
	}
	if track.Status == catalog.CompilationFailed {
		return fmt.Errorf("%w: pip-compile produced no requirements.txt", ErrBuildFailed)
	}
	return nil
}
