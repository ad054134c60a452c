package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/hackage-trust/tuf-client-go/localcache"
	"github.com/hackage-trust/tuf-client-go/updater"
)

var (
	bootstrapRoot    string
	bootstrapMirrors []string
)

var bootstrapCmd = &cobra.Command{
	Use:   "bootstrap",
	Short: "Seed trust from a caller-supplied root.json (Trust-On-First-Use)",
	Args:  cobra.ExactArgs(0),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runBootstrap()
	},
}

func init() {
	bootstrapCmd.Flags().StringVar(&bootstrapRoot, "root", "", "path to the trusted root.json file")
	bootstrapCmd.Flags().StringArrayVar(&bootstrapMirrors, "mirror", nil, "out-of-band mirror URL (repeatable)")
	_ = bootstrapCmd.MarkFlagRequired("root")
	rootCmd.AddCommand(bootstrapCmd)
}

func runBootstrap() error {
	if bootstrapRoot == "" {
		return fail("bootstrap: --root is required")
	}

	cache, err := localcache.Open(cfg.CacheDir)
	if err != nil {
		return fmt.Errorf("bootstrap: opening cache: %w", err)
	}

	up := updater.New(nil, cache, nil)
	if err := up.Bootstrap(bootstrapRoot); err != nil {
		return err
	}

	mirrors := bootstrapMirrors
	if len(mirrors) == 0 {
		mirrors = cfg.Mirrors
	}
	if len(mirrors) == 0 {
		return fail("bootstrap: no mirrors given on the command line or in the config file")
	}
	cfg.Mirrors = mirrors

	// Persist the mirror list (and whatever bound/cache-dir defaults are
	// in play) so that check-for-updates and download-package, run as
	// separate process invocations later, find a usable config file
	// without needing --mirror repeated every time.
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("bootstrap: encoding config: %w", err)
	}
	if err := os.WriteFile(configPath, out, 0o644); err != nil {
		return fmt.Errorf("bootstrap: writing %s: %w", configPath, err)
	}

	fmt.Println("bootstrap complete")
	return nil
}
