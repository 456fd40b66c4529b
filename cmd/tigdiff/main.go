// cmd/tigdiff/main.go
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"tigdiff/internal/config"
	"tigdiff/internal/engine/tigrepo"
	"tigdiff/internal/logging"
	"tigdiff/internal/safe"
)

var (
	configPath string
	cfg        = config.Default()
	logger     = logging.Nop()
)

var rootCmd = &cobra.Command{
	Use:   "tigdiff",
	Short: "Track Tig repositories and diff files against their base revision",
	Long: `tigdiff finds the Tig repositories under a directory, keeps track of them
as they appear, move and disappear, and diffs files against the revision their
working copy is based on. Git repositories are served too, with blame, status
and permalinks.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		cfg = loaded

		l, err := logging.NewDevelopment(cfg.LogLevel)
		if err != nil {
			return fmt.Errorf("initializing logger: %w", err)
		}
		logger = l
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Sync()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "tigdiff.json", "path to the JSON config file")

	rootCmd.AddCommand(
		newInitCmd(),
		newSnapshotCmd(),
		newLogCmd(),
		newEditCmd(),
		newDescribeCmd(),
		newReposCmd(),
		newDiffCmd(),
		newWatchCmd(),
		newServeCmd(),
	)
}

// repoOptions builds the engine options from the loaded config.
func repoOptions() tigrepo.Options {
	opts := tigrepo.DefaultOptions()
	if user := os.Getenv("USER"); user != "" {
		opts.Author = user
	}
	opts.Ignore = cfg.Scan.Ignore
	opts.Safe = safe.Options{
		CacheSize:        cfg.Storage.CacheSize,
		CompressionLevel: cfg.Storage.CompressionLevel,
		CompressMinSize:  cfg.Storage.CompressMinSize,
	}
	return opts
}

// findRepoRoot walks up from dir to the nearest directory holding a Tig
// control directory.
func findRepoRoot(dir string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolving %s: %w", dir, err)
	}
	for cur := abs; ; {
		if info, err := os.Stat(filepath.Join(cur, tigrepo.ControlDirName)); err == nil && info.IsDir() {
			return cur, nil
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return "", fmt.Errorf("not inside a Tig repository: %s", abs)
		}
		cur = parent
	}
}

// openRepo opens the repository containing the working directory.
func openRepo() (*tigrepo.Repo, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("getting current directory: %w", err)
	}
	root, err := findRepoRoot(cwd)
	if err != nil {
		return nil, err
	}
	logger.Debug("opening repository", zap.String("repo_root", root))
	return tigrepo.Open(root, repoOptions())
}

func printColoredDiff(diff string) {
	added := color.New(color.FgGreen)
	removed := color.New(color.FgRed)
	header := color.New(color.FgCyan)

	for _, line := range strings.Split(strings.TrimSuffix(diff, "\n"), "\n") {
		switch {
		case line == "":
			fmt.Println()
		case strings.HasPrefix(line, "@@"):
			header.Println(line)
		case strings.HasPrefix(line, "+"):
			added.Println(line)
		case strings.HasPrefix(line, "-"):
			removed.Println(line)
		default:
			fmt.Println(line)
		}
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		color.New(color.FgRed).Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
