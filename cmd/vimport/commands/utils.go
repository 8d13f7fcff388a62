package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/netlab/vimport/internal/config"
	"github.com/netlab/vimport/pkg/api"
	"github.com/netlab/vimport/pkg/db"
	"github.com/netlab/vimport/pkg/errors"
	"github.com/netlab/vimport/pkg/monitor"
	"github.com/netlab/vimport/pkg/scanner"
	"github.com/netlab/vimport/pkg/security"
	"github.com/netlab/vimport/pkg/storage"
	"github.com/netlab/vimport/pkg/transfer"
	"github.com/netlab/vimport/pkg/workflow"
	"gopkg.in/yaml.v3"
)

// ensureDirectories creates all necessary directories for the application
func ensureDirectories(sqlitePath, fsmDBPath string) error {
	if err := os.MkdirAll(filepath.Dir(sqlitePath), 0755); err != nil {
		return errors.Wrap(err, "failed to create database directory")
	}

	// Only needed for the import command
	if fsmDBPath != "" {
		if err := os.MkdirAll(fsmDBPath, 0755); err != nil {
			return errors.Wrap(err, "failed to create FSM directory")
		}
	}

	return nil
}

// env is what most commands need: validated config, a server client and the
// local database.
type env struct {
	cfg       *config.Config
	client    *api.Client
	repo      *db.Repository
	validator *security.Validator
}

func newEnv(fsmDBPath bool) (*env, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, errors.Wrap(err, "config load failed")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "config invalid")
	}

	fsmDir := ""
	if fsmDBPath {
		fsmDir = cfg.FSMDBPath
	}
	if err := ensureDirectories(cfg.SQLitePath, fsmDir); err != nil {
		return nil, err
	}

	client, err := api.NewClient(cfg.APIURL, cfg.RequestTimeout)
	if err != nil {
		return nil, errors.Wrap(err, "api client init failed")
	}

	repo, err := db.NewRepository(cfg.SQLitePath)
	if err != nil {
		return nil, errors.Wrap(err, "db init failed")
	}

	return &env{
		cfg:       cfg,
		client:    client,
		repo:      repo,
		validator: security.NewValidator(cfg.MaxArtifactSize, cfg.MinChunkSize, cfg.MaxChunkSize, cfg.AllowedExtensions),
	}, nil
}

func (e *env) Close() error {
	return e.repo.Close()
}

// openSource opens a local path or an s3://bucket/key URI.
func (e *env) openSource(ctx context.Context, source string) (transfer.Source, error) {
	bucket, key, ok := storage.ParseURI(source)
	if !ok {
		if strings.HasPrefix(source, "s3://") {
			return nil, fmt.Errorf("invalid S3 URI %q, expected s3://bucket/key", source)
		}
		return transfer.OpenFile(source)
	}

	s3Client, err := e.s3(ctx, bucket)
	if err != nil {
		return nil, err
	}
	return s3Client.OpenSource(ctx, key)
}

func (e *env) s3(ctx context.Context, bucket string) (*storage.Client, error) {
	c, err := storage.NewClient(ctx, bucket, storage.Options{
		Region:    e.cfg.S3Region,
		Endpoint:  e.cfg.S3Endpoint,
		Anonymous: e.cfg.S3Anonymous,
	})
	if err != nil {
		return nil, errors.Wrap(err, "S3 client failed")
	}
	return c, nil
}

func (e *env) monitor() *monitor.Monitor {
	return monitor.New(e.client, e.cfg.Monitor(), nil)
}

// newWorkflow builds a workflow whose upload checkpoints are recorded under
// source.
func (e *env) newWorkflow(source string) *workflow.Workflow {
	coordinator := transfer.NewCoordinator(e.client,
		transfer.WithValidator(e.validator),
		transfer.WithCheckpointer(e.repo.Checkpointer(source)),
		transfer.WithRateLimit(e.cfg.UploadRateLimit),
	)
	return workflow.New(workflow.Deps{
		Uploader:  coordinator,
		Scanner:   scanner.NewClient(e.client),
		Importer:  e.monitor(),
		Refresher: workflow.RefresherFunc(refreshCatalog),
		ChunkSize: e.cfg.ChunkSize,
	})
}

// refreshCatalog has nothing local to reload; the server owns the catalog.
func refreshCatalog(_ context.Context, sessionID string) error {
	slog.Info("catalog_refreshed", "session_id", sessionID)
	return nil
}

// render writes v as JSON or YAML when requested, otherwise calls text.
func render(v any, text func()) error {
	switch outputFormat {
	case "json":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		enc := yaml.NewEncoder(os.Stdout)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(v)
	case "text", "":
		text()
		return nil
	default:
		return fmt.Errorf("unknown output format %q", outputFormat)
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
