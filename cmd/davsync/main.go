package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/term"

	"github.com/TheMichaelB/davsync/internal/client"
	"github.com/TheMichaelB/davsync/internal/config"
	"github.com/TheMichaelB/davsync/internal/events"
)

var (
	cfgFile    string
	jsonOutput bool

	v      = viper.New()
	cfg    *config.Config
	logger *events.Logger
)

var rootCmd = &cobra.Command{
	Use:   "davsync",
	Short: "Synchronize a WebDAV account with end-to-end encrypted folders",
	Long: `davsync mirrors a Nextcloud-style WebDAV account into a local folder.

Changed folders are found by etag and walked in parallel; files in
end-to-end encrypted folders are decrypted on the fly.`,
	SilenceUsage:      true,
	PersistentPreRunE: initConfig,
	PersistentPostRun: func(*cobra.Command, []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "Config file (default ./davsync.yaml or ~/.config/davsync/davsync.yaml)")
	flags.BoolVar(&jsonOutput, "json", false, "Print machine readable output")
	flags.String("server", "", "Server base URL")
	flags.String("user", "", "Account user name")
	flags.String("data-dir", "", "Directory for the local cache and files")
	flags.String("log-level", "", "Log level (debug, info, warn, error)")

	_ = v.BindPFlag("server.base_url", flags.Lookup("server"))
	_ = v.BindPFlag("server.user", flags.Lookup("user"))
	_ = v.BindPFlag("storage.data_dir", flags.Lookup("data-dir"))
	_ = v.BindPFlag("log.level", flags.Lookup("log-level"))
}

func initConfig(cmd *cobra.Command, _ []string) error {
	loader := config.NewLoaderWithViper(v, cfgFile)

	var err error
	cfg, err = loader.Load()
	if err != nil {
		return err
	}
	if jsonOutput {
		cfg.Log.Color = false
	}

	logger, err = events.NewLogger(&cfg.Log)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	if file := loader.ConfigFile(); file != "" {
		logger.WithField("file", file).Debug("Loaded config")
	}
	return nil
}

// newClient wires the account. The mnemonic is prompted for when the
// private key must be fetched from the server and none is configured.
func newClient(ctx context.Context) (*client.Client, error) {
	if cfg.E2E.Enabled && cfg.E2E.PrivateKeyFile == "" && cfg.E2E.Mnemonic == "" {
		mnemonic, err := promptPassword(fmt.Sprintf("End-to-end encryption mnemonic for %s: ", cfg.Server.User))
		if err != nil {
			return nil, fmt.Errorf("read mnemonic: %w", err)
		}
		cfg.E2E.Mnemonic = mnemonic
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}
	return client.New(ctx, cfg, logger, client.Options{})
}

// signalContext is cancelled on the first interrupt.
func signalContext(what string) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case <-sigChan:
			printWarning("\n%s interrupted, cancelling...", what)
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigChan)
	}()

	return ctx, cancel
}

func promptPassword(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)

	// Read without echo
	password, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)

	if err != nil {
		return "", err
	}
	return string(password), nil
}

func printJSON(data interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(data)
}

func printSuccess(format string, args ...interface{}) {
	color.New(color.FgGreen).Fprintf(os.Stdout, format+"\n", args...)
}

func printInfo(format string, args ...interface{}) {
	color.New(color.FgCyan).Fprintf(os.Stdout, format+"\n", args...)
}

func printWarning(format string, args ...interface{}) {
	color.New(color.FgYellow).Fprintf(os.Stderr, format+"\n", args...)
}

func printError(format string, args ...interface{}) {
	color.New(color.FgRed, color.Bold).Fprintf(os.Stderr, format+"\n", args...)
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		if !jsonOutput {
			printError("Error: %v", err)
		}
		os.Exit(1)
	}
}
