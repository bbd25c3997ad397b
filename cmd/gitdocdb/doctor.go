package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/basalt-sync/gitdocdb/internal/gitrepo"
	"github.com/basalt-sync/gitdocdb/internal/netprobe"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check that the working tree and configured remotes are reachable",
	RunE:  runDoctor,
}

func runDoctor(cmd *cobra.Command, args []string) error {
	repo := gitrepo.Open(workingDir)

	gitDir, err := repo.GitDir()
	if err != nil {
		return fmt.Errorf("%s is not a Git working tree: %w", workingDir, err)
	}
	fmt.Printf("git dir: %s\n", gitDir)
	fmt.Printf("worktree: %v\n", repo.IsWorktree())

	head, err := repo.ResolveRef("HEAD")
	if err != nil {
		return err
	}
	if head == "" {
		fmt.Println("HEAD: (no commits yet)")
	} else {
		fmt.Printf("HEAD: %s\n", head)
	}

	originURL, err := repo.GetConfig("remote.origin.url")
	if err != nil {
		return err
	}
	if originURL == "" {
		fmt.Println("origin: (not configured)")
		return nil
	}
	fmt.Printf("origin: %s\n", originURL)

	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()
	reachable, err := netprobe.Probe(ctx, originURL, netprobe.Options{})
	if err != nil {
		fmt.Printf("origin reachability: probe skipped (%v)\n", err)
		return nil
	}
	fmt.Printf("origin reachability: %v\n", reachable)
	return nil
}
