package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/netlab/vimport/pkg/errors"
	"github.com/spf13/cobra"
)

var (
	listUploads bool
	listStatus  string
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List import runs, or recorded uploads with --uploads",
	Args:  cobra.NoArgs,
	RunE:  runList,
}

func init() {
	listCmd.Flags().BoolVar(&listUploads, "uploads", false, "List upload checkpoints instead of import runs")
	listCmd.Flags().StringVar(&listStatus, "status", "", "Only uploads with this status")
	rootCmd.AddCommand(listCmd)
}

func runList(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	e, err := newEnv(false)
	if err != nil {
		return err
	}
	defer e.Close()

	if listUploads {
		return listUploadRows(ctx, e)
	}

	runs, err := e.repo.ListImports(ctx)
	if err != nil {
		return errors.Wrap(err, "list failed")
	}

	return render(runs, func() {
		if len(runs) == 0 {
			fmt.Println("No import runs found")
			return
		}

		fmt.Printf("%-36s %-10s %-40s %-14s %-6s\n", "RUN", "STATUS", "ARTIFACT", "SESSION", "IMAGES")
		fmt.Println(strings.Repeat("-", 110))
		for _, run := range runs {
			fmt.Printf("%-36s %-10s %-40s %-14s %-6d\n",
				run.RunID, run.Status, run.ArtifactPath, orDash(run.SessionID), len(run.ImageIDs))
		}
	})
}

func listUploadRows(ctx context.Context, e *env) error {
	uploads, err := e.repo.ListUploads(ctx, listStatus)
	if err != nil {
		return errors.Wrap(err, "list failed")
	}

	return render(uploads, func() {
		if len(uploads) == 0 {
			fmt.Println("No uploads found")
			return
		}

		fmt.Printf("%-14s %-10s %-30s %-10s %-10s %-8s\n", "UPLOAD", "STATUS", "FILENAME", "RECEIVED", "SIZE", "CHUNKS")
		fmt.Println(strings.Repeat("-", 88))
		for _, u := range uploads {
			fmt.Printf("%-14s %-10s %-30s %-10s %-10s %d/%d\n",
				u.UploadID, u.Status, u.Filename,
				humanize.Bytes(uint64(u.BytesReceived)), humanize.Bytes(uint64(u.TotalSize)),
				u.LastAckedChunk+1, u.TotalChunks)
		}
	})
}
