package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"tigdiff/internal/engine"
	"tigdiff/internal/engine/tigrepo"
	tigerrors "tigdiff/internal/errors"
)

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init [dir]",
		Short: "Initialize a new Tig repository",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) == 1 {
				dir = args[0]
			}
			repo, err := tigrepo.Init(dir, repoOptions())
			if err != nil {
				return fmt.Errorf("initializing repository: %w", err)
			}
			defer repo.Close()

			fmt.Println("Initialized empty Tig repository in", repo.WorkDir())
			return nil
		},
	}
}

func newSnapshotCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Record the working copy and start a new change on top of it",
		RunE: func(cmd *cobra.Command, args []string) error {
			message, _ := cmd.Flags().GetString("message")

			repo, err := openRepo()
			if err != nil {
				return err
			}
			defer repo.Close()

			rev, err := repo.Snapshot(cmd.Context(), message)
			if err != nil {
				return fmt.Errorf("snapshotting working copy: %w", err)
			}
			yellow := color.New(color.FgYellow).SprintFunc()
			fmt.Printf("Recorded change %s (revision %s)\n", yellow(rev.ChangeID.Short()), rev.RevisionID.Short())
			return nil
		},
	}
	cmd.Flags().StringP("message", "m", "", "description of the recorded change")
	return cmd
}

func newLogCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Show recent changes, or the operation log with --ops",
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			showOps, _ := cmd.Flags().GetBool("ops")

			repo, err := openRepo()
			if err != nil {
				return err
			}
			defer repo.Close()

			if showOps {
				ops, err := repo.Operations()
				if err != nil {
					return fmt.Errorf("reading operation log: %w", err)
				}
				for _, op := range ops {
					fmt.Printf("%s  %s\n", op.Timestamp.Local().Format("2006-01-02 15:04:05"), op.Description)
				}
				return nil
			}

			if limit <= 0 {
				limit = cfg.Tig.RecentLimit
			}
			current, _, err := repo.CurrentChangeID(cmd.Context())
			if err != nil {
				return fmt.Errorf("reading working copy: %w", err)
			}
			revs, err := repo.RecentRevisions(cmd.Context(), limit)
			if err != nil {
				return fmt.Errorf("listing revisions: %w", err)
			}

			yellow := color.New(color.FgYellow).SprintFunc()
			green := color.New(color.FgGreen).SprintFunc()
			faint := color.New(color.Faint).SprintFunc()
			for _, r := range revs {
				marker := "○"
				if r.ChangeID == current {
					marker = green("@")
				}
				desc := firstLine(r.Description)
				if desc == "" {
					desc = faint("(no description)")
				}
				fmt.Printf("%s %s %s %s\n  %s\n", marker, yellow(r.ChangeID.Short()), r.Author,
					r.Timestamp.Local().Format("2006-01-02 15:04"), desc)
			}
			return nil
		},
	}
	cmd.Flags().IntP("limit", "n", 0, "number of changes to show")
	cmd.Flags().Bool("ops", false, "show the operation log instead")
	return cmd
}

func newEditCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "edit <change>",
		Short: "Make an existing change the working copy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, err := openRepo()
			if err != nil {
				return err
			}
			defer repo.Close()

			rev, err := resolveOne(cmd, repo, engine.ChangeID(args[0]))
			if err != nil {
				return err
			}
			if err := repo.StartChangeEdit(cmd.Context(), rev); err != nil {
				return fmt.Errorf("editing change: %w", err)
			}
			fmt.Println("Working copy now at", rev.Short())
			return nil
		},
	}
}

func newDescribeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "describe <change>",
		Short: "Replace the description of a change",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			message, _ := cmd.Flags().GetString("message")

			repo, err := openRepo()
			if err != nil {
				return err
			}
			defer repo.Close()

			rev, err := resolveOne(cmd, repo, engine.ChangeID(args[0]))
			if err != nil {
				return err
			}
			if err := repo.RewriteDescription(cmd.Context(), rev, message); err != nil {
				return fmt.Errorf("describing change: %w", err)
			}
			fmt.Println("Updated description of", engine.ChangeID(args[0]).Short())
			return nil
		},
	}
	cmd.Flags().StringP("message", "m", "", "new description")
	cmd.MarkFlagRequired("message")
	return cmd
}

func resolveOne(cmd *cobra.Command, repo *tigrepo.Repo, change engine.ChangeID) (engine.RevisionID, error) {
	revs, err := repo.ResolveChange(cmd.Context(), change)
	if err != nil {
		return "", err
	}
	if len(revs) == 0 {
		return "", tigerrors.RevisionNotFound(change.Short())
	}
	if len(revs) > 1 {
		fmt.Fprintf(os.Stderr, "change %s has %d revisions, using the newest\n", change.Short(), len(revs))
	}
	return revs[0], nil
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}
