package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/netlab/vimport/pkg/errors"
	"github.com/spf13/cobra"
)

var browseS3 string

var browseCmd = &cobra.Command{
	Use:   "browse",
	Short: "List artifacts already on the server, or in an S3 bucket with --s3",
	Args:  cobra.NoArgs,
	RunE:  runBrowse,
}

func init() {
	browseCmd.Flags().StringVar(&browseS3, "s3", "", "List objects under s3://bucket/prefix instead")
	rootCmd.AddCommand(browseCmd)
}

func runBrowse(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	e, err := newEnv(false)
	if err != nil {
		return err
	}
	defer e.Close()

	if browseS3 != "" {
		return browseBucket(ctx, e, browseS3)
	}

	resp, err := e.client.Browse(ctx)
	if err != nil {
		return errors.Wrap(err, "browse failed")
	}

	return render(resp, func() {
		if len(resp.Files) == 0 {
			fmt.Printf("No artifacts in %s\n", resp.UploadDir)
			return
		}
		fmt.Printf("%-50s %-10s %-16s\n", "PATH", "SIZE", "MODIFIED")
		fmt.Println(strings.Repeat("-", 78))
		for _, f := range resp.Files {
			fmt.Printf("%-50s %-10s %-16s\n", f.Path, humanize.Bytes(uint64(f.SizeBytes)), humanize.Time(f.ModifiedAt))
		}
	})
}

func browseBucket(ctx context.Context, e *env, uri string) error {
	rest, ok := strings.CutPrefix(uri, "s3://")
	if !ok {
		return fmt.Errorf("invalid S3 URI %q, expected s3://bucket/prefix", uri)
	}
	bucket, prefix, _ := strings.Cut(rest, "/")
	if bucket == "" {
		return fmt.Errorf("invalid S3 URI %q, missing bucket", uri)
	}

	s3Client, err := e.s3(ctx, bucket)
	if err != nil {
		return err
	}
	objects, err := s3Client.ListObjects(ctx, prefix)
	if err != nil {
		return errors.Wrap(err, "S3 list failed")
	}

	return render(objects, func() {
		if len(objects) == 0 {
			fmt.Println("No objects found")
			return
		}
		fmt.Printf("%-60s %-10s %-16s\n", "URI", "SIZE", "MODIFIED")
		fmt.Println(strings.Repeat("-", 88))
		for _, o := range objects {
			fmt.Printf("%-60s %-10s %-16s\n", "s3://"+bucket+"/"+o.Key, humanize.Bytes(uint64(o.Size)), humanize.Time(o.LastModified))
		}
	})
}
