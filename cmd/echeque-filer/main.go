// Command echeque-filer runs the extraction-to-delivery pipeline over a
// batch of pending e-cheques: a GCS inbox prefix or a local directory.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"

	"cloud.google.com/go/storage"
	"github.com/joho/godotenv"

	"github.com/wmcube/echequeflow/internal/gcp"
	"github.com/wmcube/echequeflow/internal/models"
	"github.com/wmcube/echequeflow/internal/services"
	"github.com/wmcube/echequeflow/internal/source"
	"github.com/wmcube/echequeflow/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file loaded, relying on OS environment.", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		slog.Error("Batch run failed.", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	pipeline, err := services.NewPipeline(ctx)
	if err != nil {
		return err
	}
	defer pipeline.Close()

	processed, err := store.OpenSQLite(gcp.GetEnv("PROCESSED_DB_PATH", "echeque_processing.db"))
	if err != nil {
		return err
	}
	defer processed.Close()
	pipeline.Orchestrator.Processed = processed
	pipeline.Orchestrator.OnProgress = func(p models.Progress) {
		slog.Info("Progress.", "current", p.Current, "total", p.Total, "message", p.Message)
	}

	docs, err := loadDocuments(ctx)
	if err != nil {
		return err
	}
	if len(docs) == 0 {
		slog.Info("No pending documents found.")
		return nil
	}
	slog.Info("Starting batch.", "documents", len(docs))

	reports, failures := pipeline.Orchestrator.Run(ctx, docs)
	printSummary(reports, failures)

	// Partial failure is a normal terminal state; only cancellation makes
	// the run itself fail.
	if err := ctx.Err(); err != nil {
		return err
	}
	return nil
}

func loadDocuments(ctx context.Context) ([]models.Document, error) {
	if dir := gcp.GetEnv("LOCAL_INBOX_DIR", ""); dir != "" {
		return loadLocalDocuments(dir)
	}

	bucket := gcp.GetEnv("INBOX_BUCKET", "")
	if bucket == "" {
		return nil, fmt.Errorf("either LOCAL_INBOX_DIR or INBOX_BUCKET must be set")
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}
	inbox := source.NewGCSInbox(client, bucket, gcp.GetEnv("INBOX_PREFIX", ""))
	return inbox.Fetch(ctx)
}

func loadLocalDocuments(dir string) ([]models.Document, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read inbox directory %s: %w", dir, err)
	}

	var docs []models.Document
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", entry.Name(), err)
		}
		docs = append(docs, models.Document{SourceID: entry.Name(), Raw: raw})
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].SourceID < docs[j].SourceID })
	return docs, nil
}

func printSummary(reports []models.DeliveryReport, failures []models.Failure) {
	delivered, skipped := 0, 0
	for _, r := range reports {
		if r.Skipped {
			skipped++
			continue
		}
		delivered++
		slog.Info("Delivered.",
			"sourceId", r.SourceID,
			"filename", r.Filename,
			"folder", r.Folder,
			"nextStep", r.NextStep,
		)
	}
	for _, f := range failures {
		slog.Error("Document failed.", "sourceId", f.SourceID, "error", f.Err)
	}
	slog.Info("Batch complete.", "delivered", delivered, "skipped", skipped, "failed", len(failures))
}
