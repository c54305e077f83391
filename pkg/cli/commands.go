package cli

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/divio/ac-wheelsproxy/pkg/bootstrap"
	"github.com/divio/ac-wheelsproxy/pkg/catalog"
	"github.com/divio/ac-wheelsproxy/pkg/resolver"
)

func newSyncIndexCommand() *Command {
	return &Command{
		Name:        "sync-index",
		Description: "Sync an index from its upstream (full sweep with --initial)",
		Run: func(args []string) error {
			fs := newFlagSet("sync-index")
			initial := fs.Bool("initial", false, "perform the initial sync (not using diffs)")
			if err := fs.Parse(args); err != nil {
				return err
			}
			if fs.NArg() != 1 {
				return fmt.Errorf("usage: sync-index [--initial] <index-slug>")
			}

			ctx := context.Background()
			rt, err := newRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.close()

			index, err := rt.store.GetIndex(ctx, fs.Arg(0))
			if err != nil {
				return err
			}
			return rt.synchronizer().Sync(ctx, index, *initial)
		},
	}
}

func newSyncPackageCommand() *Command {
	return &Command{
		Name:        "sync-package",
		Description: "Force a single package refresh from its upstream",
		Run: func(args []string) error {
			fs := newFlagSet("sync-package")
			if err := fs.Parse(args); err != nil {
				return err
			}
			if fs.NArg() != 2 {
				return fmt.Errorf("usage: sync-package <index-slug> <package>")
			}

			ctx := context.Background()
			rt, err := newRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.close()

			index, err := rt.store.GetIndex(ctx, fs.Arg(0))
			if err != nil {
				return err
			}
			client, err := rt.clientFactory()(index)
			if err != nil {
				return err
			}
			sync := rt.synchronizer()
			_, imported, err := sync.ImportPackage(ctx, index, client, fs.Arg(1))
			if err != nil {
				return err
			}
			if !imported {
				// No acceptable release upstream: mirror the deletion.
				return rt.store.DeletePackage(ctx, index.ID, fs.Arg(1))
			}
			return nil
		},
	}
}

func newCompileReqsCommand() *Command {
	return &Command{
		Name:        "compile-reqs",
		Description: "Compile a requirements.in into a pinned lock file offline",
		Run: func(args []string) error {
			fs := newFlagSet("compile-reqs")
			platformSlug := fs.String("platform", "", "target platform slug")
			if err := fs.Parse(args); err != nil {
				return err
			}
			if fs.NArg() < 3 || *platformSlug == "" {
				return fmt.Errorf("usage: compile-reqs --platform <slug> <index-slug>... <in-file> <out-file>")
			}
			indexSlugs := fs.Args()[:fs.NArg()-2]
			inFile := fs.Arg(fs.NArg() - 2)
			outFile := fs.Arg(fs.NArg() - 1)

			ctx := context.Background()
			rt, err := newRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.close()
			if err := rt.withBuilds(ctx); err != nil {
				return err
			}

			indexes, err := rt.store.GetIndexes(ctx, indexSlugs)
			if err != nil {
				return err
			}
			platform, err := rt.store.GetPlatform(ctx, *platformSlug)
			if err != nil {
				return err
			}
			if platform.Environment == nil {
				if err := rt.builder.CaptureEnvironment(ctx, platform); err != nil {
					return err
				}
			}

			requirements, err := os.ReadFile(inFile)
			if err != nil {
				return err
			}

			graph := resolver.NewGraph(rt.store, schedulerBuilder{rt.sched}, indexes, platform)
			if err := graph.Compile(ctx, string(requirements)); err != nil {
				fmt.Fprint(os.Stderr, graph.Log())
				return err
			}
			output := resolver.Formatter{}.Format(graph)
			return os.WriteFile(outFile, []byte(output), 0o644)
		},
	}
}

func newRebuildCommand() *Command {
	return &Command{
		Name:        "rebuild",
		Description: "Force a wheel rebuild by build id",
		Run: func(args []string) error {
			fs := newFlagSet("rebuild")
			external := fs.Bool("external", false, "the id refers to an external (URL) build")
			if err := fs.Parse(args); err != nil {
				return err
			}
			if fs.NArg() != 1 {
				return fmt.Errorf("usage: rebuild [--external] <build-id>")
			}
			id, err := strconv.ParseInt(fs.Arg(0), 10, 64)
			if err != nil {
				return fmt.Errorf("invalid build id: %w", err)
			}

			ctx := context.Background()
			rt, err := newRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.close()
			if err := rt.withBuilds(ctx); err != nil {
				return err
			}

			if *external {
				return rt.sched.ScheduleExternalBuild(ctx, id, true)
			}
			return rt.sched.ScheduleBuild(ctx, id, true)
		},
	}
}

func newRecompileCommand() *Command {
	return &Command{
		Name:        "recompile",
		Description: "Force both tracks of a stored compile job to run again",
		Run: func(args []string) error {
			fs := newFlagSet("recompile")
			if err := fs.Parse(args); err != nil {
				return err
			}
			if fs.NArg() != 1 {
				return fmt.Errorf("usage: recompile <compiled-requirements-id>")
			}
			id, err := strconv.ParseInt(fs.Arg(0), 10, 64)
			if err != nil {
				return fmt.Errorf("invalid compiled requirements id: %w", err)
			}

			ctx := context.Background()
			rt, err := newRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.close()
			if err := rt.withBuilds(ctx); err != nil {
				return err
			}

			result, err := rt.compileService().Compile(ctx, id, true)
			if err != nil {
				return err
			}
			if result.Internal.Status == catalog.CompilationFailed {
				fmt.Fprint(os.Stderr, result.Internal.Log)
				return fmt.Errorf("internal compilation failed")
			}
			fmt.Print(result.Internal.Requirements)
			return nil
		},
	}
}

func newCaptureEnvCommand() *Command {
	return &Command{
		Name:        "capture-env",
		Description: "Capture a platform's marker environment from its sandbox",
		Run: func(args []string) error {
			fs := newFlagSet("capture-env")
			force := fs.Bool("force", false, "re-capture even when an environment is stored")
			if err := fs.Parse(args); err != nil {
				return err
			}
			if fs.NArg() != 1 {
				return fmt.Errorf("usage: capture-env [--force] <platform-slug>")
			}

			ctx := context.Background()
			rt, err := newRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.close()
			if err := rt.withBuilds(ctx); err != nil {
				return err
			}

			platform, err := rt.store.GetPlatform(ctx, fs.Arg(0))
			if err != nil {
				return err
			}
			if platform.Environment != nil && !*force {
				rt.logger.Infof("Platform %s already has an environment; use --force to re-capture", platform.Slug)
				return nil
			}
			return rt.builder.CaptureEnvironment(ctx, platform)
		},
	}
}

func newBootstrapCommand() *Command {
	return &Command{
		Name:        "bootstrap",
		Description: "Create indexes and platforms from a YAML seed file",
		Run: func(args []string) error {
			fs := newFlagSet("bootstrap")
			if err := fs.Parse(args); err != nil {
				return err
			}
			if fs.NArg() != 1 {
				return fmt.Errorf("usage: bootstrap <seed-file>")
			}

			ctx := context.Background()
			rt, err := newRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.close()

			seed, err := bootstrap.Load(fs.Arg(0))
			if err != nil {
				return err
			}
			return bootstrap.Apply(ctx, rt.store, seed, rt.logger)
		},
	}
}
