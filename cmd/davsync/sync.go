package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/TheMichaelB/davsync/internal/client"
	"github.com/TheMichaelB/davsync/internal/models"
	"github.com/TheMichaelB/davsync/internal/services/sync"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Synchronize the account with the local folder",
	Long: `Sync walks the remote tree and reconciles every folder whose etag
changed since the last run. Downloads and uploads happen per file;
files changed on both sides are reported as conflicts and left alone.`,
	Example: `  davsync sync
  davsync sync --path /Photos --force
  davsync sync --metadata-only
  davsync sync --push`,
	Args: cobra.NoArgs,
	RunE: runSync,
}

var (
	syncPath         string
	syncForce        bool
	syncMetadataOnly bool
	syncPush         bool
)

func init() {
	rootCmd.AddCommand(syncCmd)

	syncCmd.Flags().StringVarP(&syncPath, "path", "p", "",
		"Remote folder to start from (default: sync.root_path)")
	syncCmd.Flags().BoolVarP(&syncForce, "force", "f", false,
		"List every folder even when its etag is unchanged")
	syncCmd.Flags().BoolVar(&syncMetadataOnly, "metadata-only", false,
		"Refresh properties only; transfer no file content")
	syncCmd.Flags().BoolVar(&syncPush, "push", false,
		"Upload local edits in folders unchanged on the server (default: sync.push_local)")
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext("Sync")
	defer cancel()

	c, err := newClient(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	opts := sync.SyncOptions{
		Path:         syncPath,
		Force:        syncForce,
		MetadataOnly: syncMetadataOnly,
		PushLocal:    syncPush,
	}

	if jsonOutput {
		return runSyncJSON(ctx, c, opts)
	}
	return runSyncInteractive(ctx, c, opts)
}

func runSyncInteractive(ctx context.Context, c *client.Client, opts sync.SyncOptions) error {
	progress := NewProgressDisplay()
	defer progress.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for event := range c.Sync.Events() {
			switch event.Type {
			case sync.EventStarted:
				progress.SetPhase("Listing " + event.Path)

			case sync.EventFolder:
				if p := c.Sync.GetProgress(); p != nil {
					progress.Update(p.ProcessedFolders, p.QueuedFolders, event.Path)
				}

			case sync.EventFileComplete:
				logger.WithFields(map[string]interface{}{
					"path":     event.Path,
					"decision": event.Decision.String(),
				}).Debug("File synced")

			case sync.EventConflict:
				progress.AddError(fmt.Sprintf("conflict: %s", event.Path))

			case sync.EventFileError:
				progress.AddError(fmt.Sprintf("%s: %v", event.Path, event.Error))

			case sync.EventRemoved:
				logger.WithField("path", event.Path).Info("Folder removed on server")

			case sync.EventCompleted:
				progress.SetPhase("Completed")

			case sync.EventFailed:
				progress.SetPhase("Failed")
			}
		}
	}()

	summary, err := c.Sync.Sync(ctx, opts)
	<-done
	progress.Close()

	if summary != nil {
		fmt.Printf("\nSync summary:\n")
		fmt.Printf("   Folders listed:  %d (%d changed)\n", summary.Folders, summary.Changed)
		fmt.Printf("   Downloads:       %d\n", summary.Downloads)
		fmt.Printf("   Uploads:         %d\n", summary.Uploads)
		if summary.Removed > 0 {
			fmt.Printf("   Removed folders: %d\n", summary.Removed)
		}
		if summary.Conflicts > 0 {
			printWarning("   Conflicts:       %d (see 'davsync status')", summary.Conflicts)
		}
		if summary.Failures > 0 {
			printWarning("   Failures:        %d", summary.Failures)
		}
		fmt.Printf("   Duration:        %s\n", summary.Duration.Round(time.Millisecond))
	}

	if err != nil {
		if models.IsCancelled(err) {
			printWarning("Sync cancelled; run again to continue")
		}
		return err
	}

	printSuccess("\nSync completed successfully")
	return nil
}

func runSyncJSON(ctx context.Context, c *client.Client, opts sync.SyncOptions) error {
	var collected []map[string]interface{}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for event := range c.Sync.Events() {
			if event.Type == sync.EventFolder || event.Type == sync.EventStarted {
				continue
			}
			eventData := map[string]interface{}{
				"type":      event.Type,
				"timestamp": event.Timestamp,
				"path":      event.Path,
			}
			if event.Type == sync.EventFileComplete || event.Type == sync.EventConflict {
				eventData["decision"] = event.Decision.String()
			}
			if event.Error != nil {
				eventData["error"] = event.Error.Error()
				eventData["code"] = models.ErrorCode(event.Error)
			}
			collected = append(collected, eventData)
		}
	}()

	summary, err := c.Sync.Sync(ctx, opts)
	<-done

	result := map[string]interface{}{
		"success": err == nil,
		"summary": summary,
		"events":  collected,
	}
	if err != nil {
		result["error"] = err.Error()
		result["code"] = models.ErrorCode(err)
	}
	printJSON(result)
	return err
}
