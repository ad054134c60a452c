package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hackage-trust/tuf-client-go/localcache"
	"github.com/hackage-trust/tuf-client-go/repository/httprepo"
	"github.com/hackage-trust/tuf-client-go/updater"
)

var checkCmd = &cobra.Command{
	Use:     "check-for-updates",
	Aliases: []string{"check"},
	Short:   "Refresh and verify root, timestamp, snapshot, mirrors, index and targets",
	Args:    cobra.ExactArgs(0),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCheck(cmd)
	},
}

func init() {
	rootCmd.AddCommand(checkCmd)
}

func newUpdater() (*updater.Updater, error) {
	cache, err := localcache.Open(cfg.CacheDir)
	if err != nil {
		return nil, fmt.Errorf("opening cache: %w", err)
	}
	repo := httprepo.New(httprepo.NewDefaultHTTPClient(), cache, cfg.Mirrors, cfg.MaxBytesPerSecond)
	up := updater.New(repo, cache, nil)
	up.Bounds = cfg.Bounds
	up.MaxDelegations = cfg.MaxDelegations
	return up, nil
}

func runCheck(cmd *cobra.Command) error {
	up, err := newUpdater()
	if err != nil {
		return err
	}
	if err := up.CheckForUpdates(cmd.Context()); err != nil {
		return err
	}
	fmt.Println("check-for-updates: up to date")
	return nil
}
