package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/basalt-sync/gitdocdb/internal/gitconfig"
	"github.com/basalt-sync/gitdocdb/internal/gitrepo"
)

var remoteCmd = &cobra.Command{
	Use:   "remote",
	Short: "Manage registered sync remotes",
}

var remoteAddCmd = &cobra.Command{
	Use:   "add <url>",
	Short: "Derive a stable remote name and register it in .git/config",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		url := args[0]
		name, err := gitconfig.DeriveRemoteName(url)
		if err != nil {
			return err
		}
		repo := gitrepo.Open(workingDir)
		if err := gitconfig.Register(repo, name, url); err != nil {
			return err
		}
		fmt.Printf("registered remote %s -> %s\n", name, url)
		return nil
	},
}

func init() {
	remoteCmd.AddCommand(remoteAddCmd)
}
