package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"

	"github.com/netlab/vimport/pkg/errors"
	"github.com/netlab/vimport/pkg/monitor"
	"github.com/spf13/cobra"
)

var watchCmd = &cobra.Command{
	Use:   "watch <session-id>",
	Short: "Follow a running import job until it finishes",
	Long: `Polls the import job of a scan session. Ctrl-C stops watching; the job
keeps running on the server.`,
	Args: cobra.ExactArgs(1),
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	e, err := newEnv(false)
	if err != nil {
		return err
	}
	defer e.Close()

	job, err := e.monitor().Observe(ctx, args[0], func(j *monitor.Job) {
		slog.Info("import_progress", "session_id", j.SessionID, "status", j.Status, "percent", fmt.Sprintf("%.1f", j.ProgressPercent))
	})
	if ctx.Err() != nil {
		slog.Info("watch_detached", "session_id", args[0])
		return nil
	}
	if job != nil {
		if rerr := printJob(job); rerr != nil {
			return rerr
		}
	}
	if err != nil {
		return errors.Wrap(err, "import did not succeed")
	}
	return nil
}

func printJob(job *monitor.Job) error {
	return render(job, func() {
		fmt.Printf("Session: %s\n", job.SessionID)
		fmt.Printf("Status:  %s (%.1f%%)\n", job.Status, job.ProgressPercent)
		if job.ErrorMessage != "" {
			fmt.Printf("Error:   %s\n", job.ErrorMessage)
		}

		ids := make([]string, 0, len(job.Images))
		for id := range job.Images {
			ids = append(ids, id)
		}
		sort.Strings(ids)

		fmt.Println()
		fmt.Printf("%-30s %-12s %-8s %s\n", "IMAGE", "STATUS", "PERCENT", "ERROR")
		fmt.Println(strings.Repeat("-", 70))
		for _, id := range ids {
			p := job.Images[id]
			fmt.Printf("%-30s %-12s %-8.1f %s\n", id, p.Status, p.ProgressPercent, p.ErrorMessage)
		}
	})
}
