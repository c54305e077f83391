package resolver

import (
	"context"
	"errors"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/divio/ac-wheelsproxy/pkg/catalog"
	"github.com/divio/ac-wheelsproxy/pkg/observability"
)

// Compile tracks and authority values.
const (
	TrackPip      = "pip"
	TrackInternal = "internal"
)

// PipCompiler runs the pip-compile track inside the platform sandbox.
// builder.Builder implements it.
type PipCompiler interface {
	PipCompile(ctx context.Context, reqs *catalog.CompiledRequirements, platform *catalog.Platform, force bool) error
}

// EnvironmentCapturer populates a platform's marker environment on demand.
type EnvironmentCapturer interface {
	CaptureEnvironment(ctx context.Context, platform *catalog.Platform) error
}

// HeaderComment is the banner written on top of internally compiled lock
// files; the %s is the index URL clients compile against.
const HeaderComment = "# This file is autogenerated by wheelsproxy.\n" +
	"# Make changes in requirements.in, then submit it to the\n" +
	"# wheelsproxy to update:\n" +
	"#\n" +
	"#    pip-reqs -w %s compile\n" +
	"#\n"

// Service runs compile jobs: both the internal resolver track and, when a
// sandbox is available, the pip track.
type Service struct {
	store   catalog.Store
	builder Builder
	pip     PipCompiler
	env     EnvironmentCapturer
	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewService assembles a compile service. pip and env may be nil when no
// sandbox is configured.
func NewService(store catalog.Store, builder Builder, pip PipCompiler, env EnvironmentCapturer, logger *observability.Logger, metrics *observability.Metrics) *Service {
	return &Service{
		store:   store,
		builder: builder,
		pip:     pip,
		env:     env,
		logger:  logger,
		metrics: metrics,
	}
}

func (s *Service) observe(track, outcome string, duration time.Duration) {
	if s.metrics == nil {
		return
	}
	s.metrics.CompilationsTotal.WithLabelValues(track, outcome).Inc()
	if duration > 0 {
		s.metrics.CompilationDuration.WithLabelValues(track).Observe(duration.Seconds())
	}
}

// Compile runs both tracks for a stored compile job and returns the
// refreshed row. Track failures are recorded on the row, not returned;
// only infrastructure errors surface.
func (s *Service) Compile(ctx context.Context, id int64, force bool) (*catalog.CompiledRequirements, error) {
	reqs, err := s.store.GetCompiledRequirements(ctx, id)
	if err != nil {
		return nil, err
	}
	platform, err := catalog.PlatformByID(ctx, s.store, reqs.PlatformID)
	if err != nil {
		return nil, err
	}
	if platform.Environment == nil {
		if s.env == nil {
			return nil, errors.New("platform has no captured environment")
		}
		if err := s.env.CaptureEnvironment(ctx, platform); err != nil {
			return nil, err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.InternalCompile(gctx, reqs, platform, force)
	})
	if s.pip != nil {
		g.Go(func() error {
			start := time.Now()
			err := s.pip.PipCompile(gctx, reqs, platform, force)
			if err != nil {
				s.observe(TrackPip, "failed", time.Since(start))
				s.logger.WithError(err).Warn("pip compilation track failed")
				return nil
			}
			s.observe(TrackPip, "succeeded", time.Since(start))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return s.store.GetCompiledRequirements(ctx, id)
}

// InternalCompile runs the internal resolver track and records its result.
// Resolution failures (unsatisfied, merge conflicts, build failures) are
// stored as a failed track; only storage errors are returned.
func (s *Service) InternalCompile(ctx context.Context, reqs *catalog.CompiledRequirements, platform *catalog.Platform, force bool) error {
	indexes, err := s.store.GetIndexes(ctx, reqs.IndexSlugs)
	if err != nil {
		return err
	}

	start := time.Now()
	graph := NewGraph(s.store, s.builder, indexes, platform)
	compileErr := graph.Compile(ctx, reqs.Requirements)

	finished := time.Now().UTC()
	track := &catalog.CompilationTrack{
		Timestamp: &finished,
		Duration:  time.Since(start),
		Log:       graph.Log(),
	}
	if compileErr != nil {
		track.Status = catalog.CompilationFailed
		track.Log += compileErr.Error() + "\n"
		s.observe(TrackInternal, "failed", track.Duration)
	} else {
		formatter := Formatter{HeaderComment: headerFor(reqs.IndexURL)}
		track.Status = catalog.CompilationDone
		track.Requirements = formatter.Format(graph)
		s.observe(TrackInternal, "succeeded", track.Duration)
	}

	return s.store.SetCompilationResult(ctx, reqs.ID, TrackInternal, track, force)
}

func headerFor(indexURL string) string {
	if indexURL == "" {
		return ""
	}
	return strings.Replace(HeaderComment, "%s", indexURL, 1)
}
