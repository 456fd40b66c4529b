package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"tigdiff/internal/api"
	"tigdiff/internal/buffer"
	"tigdiff/internal/diff"
	"tigdiff/internal/engine/tigrepo"
	"tigdiff/internal/gitvcs"
	"tigdiff/internal/middleware"
	"tigdiff/internal/project"
	"tigdiff/internal/scan"
	"tigdiff/internal/vcs"
)

const contextLines = 3

// app is the long-lived wiring shared by the project commands: one
// container per root, the repository store over it and the backend
// selector in front of Tig and git.
type app struct {
	containers *scan.Set
	container  *scan.Container
	store      *project.Store
	backend    vcs.Backend
}

func newApp(root string) (*app, error) {
	containers := scan.NewSet(scan.Options{
		Enabled:         cfg.Tig.Enabled,
		ControlDirNames: cfg.Tig.ControlDirNames,
		Ignore:          cfg.Scan.Ignore,
	}, logger.Logger)

	c, err := containers.Add(root)
	if err != nil {
		return nil, fmt.Errorf("scanning %s: %w", root, err)
	}

	store, err := project.NewStore(containers, tigrepo.Opener(repoOptions()), project.Options{
		Workers:      cfg.Workers,
		ContextLines: contextLines,
		Logger:       logger.Logger,
	})
	if err != nil {
		return nil, err
	}
	tig := vcs.NewTigBackend(store)

	git := gitvcs.New(gitvcs.Options{
		Workers:      cfg.Workers,
		ContextLines: contextLines,
		Logger:       logger.Logger,
	})
	if _, err := git.AddRepository(root); err != nil {
		logger.Debug("no git repository at root", zap.String("root", root), zap.Error(err))
	}

	backend, err := vcs.NewProjectBackend(git, tig, func() bool { return cfg.Tig.Enabled }, logger.Logger)
	if err != nil {
		store.Close()
		return nil, err
	}
	return &app{containers: containers, container: c, store: store, backend: backend}, nil
}

func (a *app) Close() error {
	return a.store.Close()
}

func rootArg(args []string) (string, error) {
	if len(args) > 0 {
		return filepath.Abs(args[0])
	}
	return os.Getwd()
}

func newReposCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "repos [dir]",
		Short: "List the repositories found under a directory",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := rootArg(args)
			if err != nil {
				return err
			}
			a, err := newApp(root)
			if err != nil {
				return err
			}
			defer a.Close()

			cyan := color.New(color.FgCyan).SprintFunc()
			repos := a.store.Repositories()
			for _, r := range repos {
				rel, err := filepath.Rel(root, r.Path)
				if err != nil {
					rel = r.Path
				}
				fmt.Printf("%s\t%s\t%s\n", cyan(r.ID), "tig", rel)
			}
			for _, r := range a.backend.Repositories() {
				if r.Kind != "tig" {
					fmt.Printf("%s\t%s\t%s\n", cyan("-"), r.Kind, r.Path)
				}
			}
			if len(repos) == 0 {
				fmt.Println("No Tig repositories found under", root)
			}
			return nil
		},
	}
}

func newDiffCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "diff <paths...>",
		Short: "Show changes between files on disk and their base revision",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			unstaged, _ := cmd.Flags().GetBool("unstaged")
			statOnly, _ := cmd.Flags().GetBool("stat")

			cwd, err := os.Getwd()
			if err != nil {
				return fmt.Errorf("getting current directory: %w", err)
			}
			root, err := findRepoRoot(cwd)
			if err != nil {
				// Fall back to git-only operation.
				root = cwd
			}
			a, err := newApp(root)
			if err != nil {
				return err
			}
			defer a.Close()

			for _, path := range args {
				buf, err := buffer.Open(a.container.ID(), path)
				if err != nil {
					return err
				}
				open := a.backend.OpenUncommittedDiff
				if unstaged {
					open = a.backend.OpenUnstagedDiff
				}
				d, err := open(cmd.Context(), buf).Await(cmd.Context())
				if err != nil {
					return fmt.Errorf("diffing %s: %w", path, err)
				}
				printDiff(root, buf, d, statOnly)
				d.Release()
			}
			return nil
		},
	}
	cmd.Flags().Bool("unstaged", false, "diff against the index for git files")
	cmd.Flags().Bool("stat", false, "only print line counts")
	return cmd
}

func printDiff(root string, buf *buffer.Buffer, d *diff.BufferDiff, statOnly bool) {
	rel, err := filepath.Rel(root, buf.File().AbsPath)
	if err != nil {
		rel = buf.File().AbsPath
	}
	rel = filepath.ToSlash(rel)
	result := d.Result()

	if statOnly {
		green := color.New(color.FgGreen).SprintFunc()
		red := color.New(color.FgRed).SprintFunc()
		fmt.Printf("%s | %s %s\n", rel, green(fmt.Sprintf("+%d", result.Stats.Additions)), red(fmt.Sprintf("-%d", result.Stats.Deletions)))
		return
	}
	if result.Empty() {
		return
	}
	if _, found := d.BaseText(); !found {
		fmt.Printf("\ndiff --tig a/%s b/%s (new file)\n", rel, rel)
	} else {
		fmt.Printf("\ndiff --tig a/%s b/%s\n", rel, rel)
	}
	printColoredDiff(result.Format())
}

func newWatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch [dir]",
		Short: "Follow repositories as they change and keep file diffs fresh",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			follow, _ := cmd.Flags().GetStringSlice("follow")

			root, err := rootArg(args)
			if err != nil {
				return err
			}
			a, err := newApp(root)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			var mu sync.Mutex
			var bufs []*buffer.Buffer
			var diffs []*diff.BufferDiff
			for _, path := range follow {
				buf, err := buffer.Open(a.container.ID(), path)
				if err != nil {
					return err
				}
				d, err := a.backend.OpenUncommittedDiff(ctx, buf).Await(ctx)
				if err != nil {
					logger.Warn("cannot diff followed file", zap.String("path", path), zap.Error(err))
					continue
				}
				bufs = append(bufs, buf)
				diffs = append(diffs, d)
				printDiff(root, buf, d, true)
			}

			green := color.New(color.FgGreen).SprintFunc()
			red := color.New(color.FgRed).SprintFunc()
			yellow := color.New(color.FgYellow).SprintFunc()

			unsubscribe := a.containers.Subscribe(func(ev scan.Event) {
				if ev.Kind != scan.RepositoriesUpdated {
					return
				}
				for _, ch := range ev.Changes {
					switch {
					case ch.IsAddition():
						fmt.Printf("%s %s\n", green("+"), *ch.NewPath)
					case ch.IsRemoval():
						fmt.Printf("%s %s\n", red("-"), *ch.OldPath)
					case ch.PathChanged():
						fmt.Printf("%s %s -> %s\n", yellow("~"), *ch.OldPath, *ch.NewPath)
					}
				}
				go refresh(ctx, a, root, &mu, bufs, diffs)
			})
			defer unsubscribe()

			w, err := scan.NewWatcher(a.containers, cfg.Scan.Debounce.Duration, logger.Logger)
			if err != nil {
				return err
			}
			fmt.Println("Watching", root, "(Ctrl-C to stop)")
			if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringSlice("follow", nil, "files whose diff stats are reprinted on every change")
	return cmd
}

// refresh reloads the followed files from disk and recalculates their diffs.
func refresh(ctx context.Context, a *app, root string, mu *sync.Mutex, bufs []*buffer.Buffer, diffs []*diff.BufferDiff) {
	if len(bufs) == 0 {
		return
	}
	mu.Lock()
	defer mu.Unlock()

	for _, buf := range bufs {
		text, err := os.ReadFile(buf.File().AbsPath)
		if err != nil && !os.IsNotExist(err) {
			logger.Warn("reloading followed file", zap.String("path", buf.File().AbsPath), zap.Error(err))
			continue
		}
		buf.SetText(text)
	}
	if _, err := a.backend.RecalculateBufferDiffs(ctx, bufs).Await(ctx); err != nil {
		logger.Warn("recalculating diffs", zap.Error(err))
		return
	}
	for i, buf := range bufs {
		printDiff(root, buf, diffs[i], true)
	}
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve [dir]",
		Short: "Serve repositories, changes and diffs over HTTP",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := rootArg(args)
			if err != nil {
				return err
			}
			a, err := newApp(root)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			w, err := scan.NewWatcher(a.containers, cfg.Scan.Debounce.Duration, logger.Logger)
			if err != nil {
				return err
			}
			go func() {
				if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
					logger.Error("watcher stopped", zap.Error(err))
				}
			}()

			h := api.NewHandler(a.store, a.backend, a.containers, cfg.Tig.RecentLimit, logger)
			handler := middleware.Chain(
				h.Routes(),
				middleware.Recover(logger),
				middleware.Logger(logger),
				middleware.RequestID,
			)

			addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()

			logger.Info("starting server", zap.String("address", addr), zap.String("root", root))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("serving: %w", err)
			}
			return nil
		},
	}
}
