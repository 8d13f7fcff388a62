package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/netlab/vimport/pkg/errors"
	appfsm "github.com/netlab/vimport/pkg/fsm"
	"github.com/spf13/cobra"
	"github.com/superfly/fsm"
)

var (
	importArtifact        string
	importImages          []string
	importExclude         []string
	importNoCreateDevices bool
	importResume          bool
	importRunID           string
)

var importCmd = &cobra.Command{
	Use:   "import [path-or-s3-uri]",
	Short: "Upload, scan and import an artifact end to end",
	Long: `Runs the whole import as a durable state machine: upload the source (or
use --artifact for one already on the server), scan it, select images and
import them. Every run is recorded locally; see "vimport list".

Ctrl-C during the upload stops after the chunk in flight, cancels the server
session and fails the run. A second Ctrl-C exits at once; an upload left
behind that way is removed with "vimport cleanup --orphaned".`,
	Args: cobra.MaximumNArgs(1),
	RunE: runImport,
}

func init() {
	importCmd.Flags().StringVar(&importArtifact, "artifact", "", "Server path of an artifact to import without uploading")
	importCmd.Flags().StringSliceVar(&importImages, "images", nil, "Import only these image ids (default all)")
	importCmd.Flags().StringSliceVar(&importExclude, "exclude", nil, "Image ids to leave out")
	importCmd.Flags().BoolVar(&importNoCreateDevices, "no-create-devices", false, "Do not create missing device types")
	importCmd.Flags().BoolVar(&importResume, "resume", false, "Continue an unfinished upload of the same source")
	importCmd.Flags().StringVar(&importRunID, "run-id", "", "Run id (default random)")
	rootCmd.AddCommand(importCmd)
}

func runImport(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	source := ""
	if len(args) == 1 {
		source = args[0]
	}
	if (source == "") == (importArtifact == "") {
		return fmt.Errorf("give either a source or --artifact")
	}

	e, err := newEnv(true)
	if err != nil {
		return err
	}
	defer e.Close()

	if importArtifact != "" {
		if err := e.validator.ValidateServerPath(importArtifact); err != nil {
			return err
		}
	}

	manager, err := fsm.New(fsm.Config{DBPath: e.cfg.FSMDBPath})
	if err != nil {
		return errors.Wrap(err, "FSM manager failed")
	}
	defer manager.Shutdown(10 * time.Second)

	machine := appfsm.NewMachine(e.repo, e.newWorkflow, e.openSource, e.monitor(), e.cfg.FSMMaxRetries,
		appfsm.WithProgress(func(runID, stage string, percent float64) {
			slog.Info("import_progress", "run_id", runID, "stage", stage, "percent", fmt.Sprintf("%.1f", percent))
		}))
	start, _, err := machine.Register(ctx, manager)
	if err != nil {
		return errors.Wrap(err, "FSM register failed")
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt)
	defer signal.Stop(sigs)
	go func() {
		if _, ok := <-sigs; !ok {
			return
		}
		// Restore the default handler so a second interrupt exits
		signal.Stop(sigs)
		if n := machine.CancelUploads(); n > 0 {
			slog.Info("import_interrupted", "uploads_cancelled", n)
		} else {
			slog.Warn("import_interrupted_no_upload", "hint", "interrupt again to exit")
		}
	}()

	runID := importRunID
	if runID == "" {
		runID = uuid.NewString()
	}

	req := &appfsm.ImportRequest{
		RunID:         runID,
		Source:        source,
		ArtifactPath:  importArtifact,
		Resume:        importResume,
		ImageIDs:      importImages,
		ExcludeIDs:    importExclude,
		CreateDevices: !importNoCreateDevices,
	}
	resp := &appfsm.ImportResponse{}

	version, err := start(ctx, runID, fsm.NewRequest(req, resp))
	if err != nil {
		return errors.Wrap(err, "FSM start failed")
	}

	slog.Info("fsm started", "run_id", runID, "version", version)

	waitErr := manager.Wait(ctx, version)

	run, err := e.repo.GetImport(ctx, runID)
	if err != nil {
		return errors.Wrap(err, "import run lookup failed")
	}
	if run != nil {
		if err := render(run, func() {
			fmt.Printf("Run:      %s\n", run.RunID)
			fmt.Printf("Status:   %s\n", run.Status)
			fmt.Printf("Artifact: %s\n", run.ArtifactPath)
			fmt.Printf("Session:  %s\n", orDash(run.SessionID))
			fmt.Printf("Images:   %s\n", orDash(strings.Join(run.ImageIDs, ", ")))
			if run.ErrorMessage != "" {
				fmt.Printf("Error:    %s\n", run.ErrorMessage)
			}
		}); err != nil {
			return err
		}
	}

	if waitErr != nil {
		return errors.Wrap(waitErr, "FSM execution failed")
	}
	slog.Info("import completed", "run_id", runID, "status", resp.Status, "session_id", resp.SessionID, "images", len(resp.SelectedIDs))
	return nil
}
