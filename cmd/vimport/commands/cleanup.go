package commands

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/netlab/vimport/pkg/db"
	"github.com/netlab/vimport/pkg/errors"
	"github.com/spf13/cobra"
)

var (
	cleanupUploadID string
	cleanupOrphaned bool
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Cancel unfinished upload sessions on the server",
	Long: `Cancels a single upload with --upload, or every upload left unfinished
by an interrupted run with --orphaned, and marks them cancelled locally.`,
	Args: cobra.NoArgs,
	RunE: runCleanup,
}

func init() {
	cleanupCmd.Flags().StringVar(&cleanupUploadID, "upload", "", "Upload id to cancel")
	cleanupCmd.Flags().BoolVar(&cleanupOrphaned, "orphaned", false, "Cancel every unfinished upload")
	rootCmd.AddCommand(cleanupCmd)
}

func runCleanup(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	if (cleanupUploadID == "") == !cleanupOrphaned {
		return fmt.Errorf("give exactly one of --upload or --orphaned")
	}

	e, err := newEnv(false)
	if err != nil {
		return err
	}
	defer e.Close()

	var ids []string
	if cleanupUploadID != "" {
		ids = []string{cleanupUploadID}
	} else {
		uploads, err := e.repo.ListUploads(ctx, db.UploadUploading)
		if err != nil {
			return errors.Wrap(err, "list failed")
		}
		for _, u := range uploads {
			ids = append(ids, u.UploadID)
		}
	}

	if len(ids) == 0 {
		fmt.Println("Nothing to clean up")
		return nil
	}

	var failed int
	for _, id := range ids {
		slog.Info("cleanup_upload", "upload_id", id)

		if err := e.client.CancelUpload(ctx, id); err != nil {
			slog.Error("cleanup_cancel_failed", "upload_id", id, "error", err)
			failed++
			continue
		}

		u, err := e.repo.GetUpload(ctx, id)
		if err != nil {
			slog.Warn("cleanup_lookup_failed", "upload_id", id, "error", err)
		} else if u != nil {
			if err := e.repo.FinishUpload(ctx, id, db.UploadCancelled, "", "cancelled by cleanup"); err != nil {
				slog.Warn("cleanup_record_failed", "upload_id", id, "error", err)
			}
		}
		fmt.Printf("Cancelled %s\n", id)
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d uploads could not be cancelled", failed, len(ids))
	}
	return nil
}
