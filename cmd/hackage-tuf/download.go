package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var downloadDest string

var downloadCmd = &cobra.Command{
	Use:     "download-package <name>-<version>",
	Aliases: []string{"download"},
	Short:   "Resolve and verify a package tarball by name-version",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDownload(cmd, args[0])
	},
}

func init() {
	downloadCmd.Flags().StringVarP(&downloadDest, "output", "o", "", "destination path for the downloaded tarball (default: ./<name>-<version>.tar.gz)")
	rootCmd.AddCommand(downloadCmd)
}

func runDownload(cmd *cobra.Command, pkgID string) error {
	up, err := newUpdater()
	if err != nil {
		return err
	}
	dest := downloadDest
	if dest == "" {
		dest = pkgID + ".tar.gz"
	}
	if err := up.DownloadPackage(cmd.Context(), pkgID, dest); err != nil {
		return err
	}
	fmt.Printf("downloaded %s to %s\n", pkgID, dest)
	return nil
}
