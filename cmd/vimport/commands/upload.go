package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	"github.com/dustin/go-humanize"
	"github.com/netlab/vimport/pkg/errors"
	"github.com/netlab/vimport/pkg/scanner"
	"github.com/netlab/vimport/pkg/transfer"
	"github.com/spf13/cobra"
)

var uploadResume bool

var uploadCmd = &cobra.Command{
	Use:   "upload <path-or-s3-uri>",
	Short: "Upload an artifact in chunks, then scan it",
	Long: `Uploads a local ISO or an s3://bucket/key object to the import server in
chunks and scans the assembled artifact. Ctrl-C stops after the chunk in
flight and cancels the server session.`,
	Args: cobra.ExactArgs(1),
	RunE: runUpload,
}

func init() {
	uploadCmd.Flags().BoolVar(&uploadResume, "resume", false, "Continue an unfinished upload of the same source")
	rootCmd.AddCommand(uploadCmd)
}

func runUpload(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	source := args[0]

	e, err := newEnv(false)
	if err != nil {
		return err
	}
	defer e.Close()

	src, err := e.openSource(ctx, source)
	if err != nil {
		return err
	}
	defer src.Close()

	w := e.newWorkflow(source)
	defer w.Close(ctx)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt)
	defer signal.Stop(sigs)
	go func() {
		if _, ok := <-sigs; ok {
			slog.Info("upload_interrupted", "source", source)
			_ = w.CancelUpload()
		}
	}()

	onProgress := func(p transfer.Progress) {
		slog.Info("upload_progress",
			"chunk", fmt.Sprintf("%d/%d", p.ChunkIndex+1, p.TotalChunks),
			"received", humanize.Bytes(uint64(p.BytesReceived)),
			"total", humanize.Bytes(uint64(p.TotalSize)),
			"percent", fmt.Sprintf("%.1f", p.Percent))
	}

	var res *scanner.Result
	uploadID := ""
	if uploadResume {
		u, err := e.repo.FindResumableUpload(ctx, source, src.Size())
		if err != nil {
			return errors.Wrap(err, "resumable upload lookup failed")
		}
		if u != nil {
			uploadID = u.UploadID
		} else {
			slog.Info("no_resumable_upload", "source", source)
		}
	}

	if uploadID != "" {
		slog.Info("upload_resuming", "upload_id", uploadID)
		res, err = w.ResumeUpload(ctx, src, uploadID, onProgress)
	} else {
		res, err = w.Upload(ctx, src, onProgress)
	}
	if err != nil {
		return errors.Wrap(err, "upload failed")
	}

	return printScan(res)
}
