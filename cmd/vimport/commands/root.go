package commands

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	outputFormat string
	verbose      bool
)

var rootCmd = &cobra.Command{
	Use:   "vimport",
	Short: "Vendor disk image import - upload, scan and import reference platform ISOs",
	Long: `Uploads vendor ISO artifacts to an import server in resumable chunks,
scans them for device definitions and disk images, and imports the selected
images into the catalog.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if verbose {
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})))
		}
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "text", "Output format: text, json or yaml")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Debug logging")

	rootCmd.PersistentFlags().String("api-url", "http://localhost:8000/api", "Import server base URL")
	rootCmd.PersistentFlags().Duration("request-timeout", 5*time.Minute, "Timeout of a single server request")
	rootCmd.PersistentFlags().String("sqlite-path", ".artifacts/vimport.db", "SQLite database path")
	rootCmd.PersistentFlags().String("fsm-db-path", ".artifacts/fsm.db", "FSM BoltDB path")
	rootCmd.PersistentFlags().Int64("chunk-size", 10*1024*1024, "Proposed upload chunk size in bytes")
	rootCmd.PersistentFlags().Int64("upload-rate-limit", 0, "Upload bandwidth cap in bytes per second, 0 for none")
	rootCmd.PersistentFlags().Int64("max-artifact-size", 50*1024*1024*1024, "Max artifact size in bytes")
	rootCmd.PersistentFlags().Duration("poll-interval", time.Second, "Delay between import progress polls")
	rootCmd.PersistentFlags().Duration("poll-timeout", 30*time.Minute, "Give up after progress is unobservable this long, 0 for never")
	rootCmd.PersistentFlags().String("s3-region", "us-east-1", "S3 region for s3:// sources")
	rootCmd.PersistentFlags().String("s3-endpoint", "", "S3-compatible endpoint for s3:// sources")
	rootCmd.PersistentFlags().Bool("s3-anonymous", false, "Read s3:// sources without credentials")

	for _, name := range []string{
		"api-url", "request-timeout", "sqlite-path", "fsm-db-path", "chunk-size",
		"upload-rate-limit", "max-artifact-size", "poll-interval", "poll-timeout",
		"s3-region", "s3-endpoint", "s3-anonymous",
	} {
		viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}
