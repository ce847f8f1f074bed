package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/TheMichaelB/davsync/internal/client"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show pending conflicts and interrupted uploads",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

var unlockCmd = &cobra.Command{
	Use:   "unlock <remote-folder> <token>",
	Short: "Release the lock of an encrypted folder",
	Long: `Unlock releases a folder lock left behind by a client that stopped
while changing an encrypted folder. The token is the e2e token the
lock was taken with.`,
	Args: cobra.ExactArgs(2),
	RunE: runUnlock,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(unlockCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	// The cache alone answers this; keys are not needed.
	cfg.E2E.Enabled = false
	c, err := client.New(context.Background(), cfg, logger, client.Options{})
	if err != nil {
		return err
	}
	defer c.Close()

	status, err := c.Sync.Status()
	if err != nil {
		return err
	}

	if jsonOutput {
		printJSON(status)
		return nil
	}

	if len(status.Conflicts) == 0 && len(status.Uploads) == 0 {
		printSuccess("Nothing pending")
		return nil
	}

	if len(status.Conflicts) > 0 {
		printWarning("Conflicts (%d):", len(status.Conflicts))
		for _, conflict := range status.Conflicts {
			fmt.Printf("   %s  (server etag %s, since %s)\n",
				conflict.Path, conflict.ConflictEtag, conflict.DetectedAt.Local().Format(time.DateTime))
			if conflict.LocalPath != "" {
				fmt.Printf("      local copy: %s\n", conflict.LocalPath)
			}
		}
	}

	if len(status.Uploads) > 0 {
		printInfo("Interrupted uploads (%d):", len(status.Uploads))
		for _, u := range status.Uploads {
			fmt.Printf("   %s -> %s  chunk %d/%d, %s, %s\n",
				u.LocalPath, u.RemotePath, u.LastChunk, u.TotalChunks, formatBytes(u.Size), u.Status)
		}
	}
	return nil
}

func runUnlock(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext("Unlock")
	defer cancel()

	c, err := newClient(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.Sync.Unlock(ctx, args[0], args[1]); err != nil {
		return err
	}

	if jsonOutput {
		printJSON(map[string]interface{}{"success": true, "folder": args[0]})
		return nil
	}
	printSuccess("Unlocked %s", args[0])
	return nil
}
