package main

import (
	"fmt"
	"path"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/TheMichaelB/davsync/internal/models"
	"github.com/TheMichaelB/davsync/internal/services/upload"
)

var uploadCmd = &cobra.Command{
	Use:   "upload <local-file> <remote-path>",
	Short: "Upload a local file",
	Long: `Upload sends a file to the server. Files larger than sync.chunk_size
are sent in chunks; an interrupted upload continues where it stopped
when the same command is run again.

A remote path ending in "/" uploads into that folder under the local
file name.`,
	Example: `  davsync upload ./video.mp4 /Videos/
  davsync upload report.pdf /Shared/2024/report-final.pdf`,
	Args: cobra.ExactArgs(2),
	RunE: runUpload,
}

func init() {
	rootCmd.AddCommand(uploadCmd)
}

func runUpload(cmd *cobra.Command, args []string) error {
	localPath, remotePath := args[0], args[1]
	if remotePath == "" || remotePath[len(remotePath)-1] == '/' {
		remotePath = path.Join(remotePath, filepath.Base(localPath))
	}

	ctx, cancel := signalContext("Upload")
	defer cancel()

	c, err := newClient(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	var progress *ProgressDisplay
	if !jsonOutput {
		progress = NewProgressDisplay()
		defer progress.Close()
		progress.SetPhase("Uploading " + remotePath)

		remove := c.Sync.AddUploadListener(upload.ListenerFunc(func(p upload.Progress) {
			progress.Update(p.Chunk, p.TotalChunks, fmt.Sprintf("%s %.0f%% (%s / %s)",
				models.BaseName(p.RemotePath), p.Percent(), formatBytes(p.BytesSent), formatBytes(p.TotalBytes)))
		}))
		defer remove()
	}

	result, err := c.Sync.Upload(ctx, localPath, remotePath)
	if err != nil {
		if jsonOutput {
			printJSON(map[string]interface{}{
				"success": false,
				"error":   err.Error(),
				"code":    models.ErrorCode(err),
			})
			return err
		}
		progress.Close()
		if models.IsCancelled(err) {
			printWarning("Upload cancelled; run the same command again to resume")
		}
		return err
	}

	if jsonOutput {
		printJSON(map[string]interface{}{
			"success": true,
			"remote":  result.RemotePath,
			"etag":    result.Etag,
			"size":    result.Size,
		})
		return nil
	}

	progress.Close()
	printSuccess("Uploaded %s to %s (%s)", localPath, remotePath, formatBytes(result.Size))
	return nil
}
