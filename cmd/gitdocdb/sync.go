package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/basalt-sync/gitdocdb/internal/gitrepo"
	"github.com/basalt-sync/gitdocdb/internal/jsondiff"
	"github.com/basalt-sync/gitdocdb/internal/logging"
	"github.com/basalt-sync/gitdocdb/internal/remoteengine"
	"github.com/basalt-sync/gitdocdb/internal/synccfg"
	"github.com/basalt-sync/gitdocdb/internal/synccontroller"
)

var (
	remoteURL     string
	live          bool
	syncDirection string
	interval      time.Duration
	retryInterval time.Duration
	retry         int
	conflictStrat string
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run a single sync cycle (or start a live sync loop with --live)",
	RunE:  runSync,
}

func init() {
	syncCmd.Flags().StringVar(&remoteURL, "remote-url", "", "remote Git repository URL (required)")
	syncCmd.Flags().BoolVar(&live, "live", false, "keep syncing on a timer instead of exiting after one cycle")
	syncCmd.Flags().StringVar(&syncDirection, "direction", "both", "pull, push, or both")
	syncCmd.Flags().DurationVar(&interval, "interval", synccfg.DefaultInterval, "live sync timer period")
	syncCmd.Flags().DurationVar(&retryInterval, "retry-interval", synccfg.DefaultRetryInterval, "delay between retries")
	syncCmd.Flags().IntVar(&retry, "retry", synccfg.DefaultRetry, "maximum retry attempts")
	syncCmd.Flags().StringVar(&conflictStrat, "conflict-strategy", string(synccfg.ConflictOursDiff), "ours, theirs, ours-diff, or theirs-diff")
	_ = syncCmd.MarkFlagRequired("remote-url")

	_ = viper.BindPFlag("remote-url", syncCmd.Flags().Lookup("remote-url"))
}

func runSync(cmd *cobra.Command, args []string) error {
	opts := synccfg.WithDefaults(synccfg.Options{
		RemoteURL:                  viper.GetString("remote-url"),
		Live:                       live,
		SyncDirection:              synccfg.SyncDirection(syncDirection),
		Interval:                   interval,
		RetryInterval:              retryInterval,
		Retry:                      synccfg.Int(retry),
		ConflictResolutionStrategy: synccfg.ConflictStrategy(conflictStrat),
	})

	repo := gitrepo.Open(workingDir)
	engine := remoteengine.New(workingDir)

	ctrl, err := synccontroller.New(repo, engine, branch, opts, jsondiff.Options{}, logger)
	if err != nil {
		return fmt.Errorf("create sync controller: %w", err)
	}
	ctrl.On(synccontroller.EventComplete, func(evt synccontroller.EventPayload) {
		logger.Info("sync cycle complete", "task", evt.Meta.TaskID, "action", evt.Result.Action)
	}, "")
	ctrl.On(synccontroller.EventError, func(evt synccontroller.EventPayload) {
		logger.Error("sync cycle failed", "task", evt.Meta.TaskID, "err", evt.Err)
	}, "")

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	result, err := ctrl.Init(ctx)
	if err != nil {
		return fmt.Errorf("initial sync: %w", err)
	}
	fmt.Printf("%s\n", result.Action)

	if !live {
		ctrl.Close()
		return nil
	}

	logging.Component(logger, "cmd").Info("live sync running, press Ctrl+C to stop")
	<-ctx.Done()
	ctrl.Close()
	return nil
}
