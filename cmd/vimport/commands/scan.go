package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/netlab/vimport/pkg/errors"
	"github.com/netlab/vimport/pkg/scanner"
	"github.com/spf13/cobra"
)

var scanCmd = &cobra.Command{
	Use:   "scan <server-path>",
	Short: "Scan an artifact already on the server and list its images",
	Args:  cobra.ExactArgs(1),
	RunE:  runScan,
}

func init() {
	rootCmd.AddCommand(scanCmd)
}

func runScan(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	e, err := newEnv(false)
	if err != nil {
		return err
	}
	defer e.Close()

	if err := e.validator.ValidateServerPath(args[0]); err != nil {
		return err
	}

	w := e.newWorkflow(args[0])
	defer w.Close(ctx)

	res, err := w.Scan(ctx, args[0])
	if err != nil {
		return errors.Wrap(err, "scan failed")
	}
	return printScan(res)
}

func printScan(res *scanner.Result) error {
	return render(res, func() {
		fmt.Printf("Session:  %s\n", res.SessionID)
		fmt.Printf("Artifact: %s (%s, %s)\n", res.ArtifactPath, orDash(res.Format), humanize.Bytes(uint64(res.SizeBytes)))
		fmt.Println()

		fmt.Printf("%-30s %-20s %-12s %-10s\n", "IMAGE", "DEVICE TYPE", "VERSION", "SIZE")
		fmt.Println(strings.Repeat("-", 76))
		for _, img := range res.Images {
			fmt.Printf("%-30s %-20s %-12s %-10s\n",
				img.ID, img.DeviceDefinitionID, orDash(img.Version), humanize.Bytes(uint64(img.SizeBytes)))
		}

		for _, w := range res.ParseErrors {
			fmt.Printf("warning: %s\n", w)
		}
	})
}
