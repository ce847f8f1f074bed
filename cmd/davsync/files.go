package main

import (
	"github.com/spf13/cobra"

	"github.com/TheMichaelB/davsync/internal/models"
)

var mkdirCmd = &cobra.Command{
	Use:   "mkdir <remote-folder>",
	Short: "Create a folder on the server",
	Long: `Mkdir creates a folder. Inside an encrypted folder the new folder
is encrypted too and gets an obfuscated name on the server.`,
	Args: cobra.ExactArgs(1),
	RunE: runMkdir,
}

var rmCmd = &cobra.Command{
	Use:   "rm <remote-path>",
	Short: "Delete a synchronized file or folder",
	Long:  `Rm deletes a file or folder on the server and its local copy.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runRm,
}

func init() {
	rootCmd.AddCommand(mkdirCmd)
	rootCmd.AddCommand(rmCmd)
}

func runMkdir(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext("Mkdir")
	defer cancel()

	c, err := newClient(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	target := models.CleanPath(args[0])
	rec, err := c.Sync.Mkdir(ctx, models.ParentPath(target), models.BaseName(target))
	if err != nil {
		return err
	}

	if jsonOutput {
		printJSON(rec)
		return nil
	}
	printSuccess("Created %s", rec.DisplayPath())
	return nil
}

func runRm(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext("Remove")
	defer cancel()

	c, err := newClient(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.Sync.Remove(ctx, args[0]); err != nil {
		return err
	}

	if jsonOutput {
		printJSON(map[string]interface{}{"success": true, "path": args[0]})
		return nil
	}
	printSuccess("Removed %s", args[0])
	return nil
}
