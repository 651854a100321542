// Command echeque-ingest is the cloud entrypoint: a GCS object-finalize
// event runs a single freshly-arrived e-cheque through the pipeline.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"cloud.google.com/go/storage"
	"github.com/GoogleCloudPlatform/functions-framework-go/functions"
	cloudevents "github.com/cloudevents/sdk-go/v2"

	"github.com/wmcube/echequeflow/internal/gcp"
	"github.com/wmcube/echequeflow/internal/models"
	"github.com/wmcube/echequeflow/internal/services"
	"github.com/wmcube/echequeflow/internal/source"
	"github.com/wmcube/echequeflow/internal/store"
)

// GCSEvent is the subset of the storage event payload we consume.
type GCSEvent struct {
	Bucket string `json:"bucket"`
	Name   string `json:"name"`
}

var (
	instance *ingestFunction
	once     sync.Once
	initErr  error
)

func init() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	functions.CloudEvent("FileEcheque", fileEcheque)
}

// main is required by the Go Functions Framework.
func main() {}

func fileEcheque(ctx context.Context, e cloudevents.Event) error {
	once.Do(func() {
		instance, initErr = newIngestFunction(context.Background())
	})
	if initErr != nil {
		slog.Error("Critical error during function initialization", "error", initErr)
		return initErr
	}

	var gcsEvent GCSEvent
	if err := json.Unmarshal(e.Data(), &gcsEvent); err != nil {
		slog.Error("Failed to unmarshal event data", "error", err, "data", string(e.Data()))
		return fmt.Errorf("json.Unmarshal: %w", err)
	}

	return instance.Process(ctx, gcsEvent)
}

type ingestFunction struct {
	pipeline      *services.Pipeline
	storageClient *storage.Client
}

func newIngestFunction(ctx context.Context) (*ingestFunction, error) {
	pipeline, err := services.NewPipeline(ctx)
	if err != nil {
		return nil, err
	}

	firestoreClient, err := gcp.NewFirestoreClient(ctx, pipeline.Config.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create firestore client: %w", err)
	}
	pipeline.Orchestrator.Processed = store.NewFirestoreSet(
		firestoreClient,
		gcp.GetEnv("FIRESTORE_COLLECTION", "processedEcheques"),
	)

	storageClient, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}

	slog.Info("E-cheque ingest logic initialized.")
	return &ingestFunction{pipeline: pipeline, storageClient: storageClient}, nil
}

// Process downloads the event's object and runs it through the pipeline as
// a single-document batch.
func (f *ingestFunction) Process(ctx context.Context, e GCSEvent) error {
	logCtx := slog.With("gcsBucket", e.Bucket, "gcsObject", e.Name)
	logCtx.Info("Processing new inbox object.")

	inbox := source.NewGCSInbox(f.storageClient, e.Bucket, "")
	doc, err := inbox.FetchObject(ctx, e.Name)
	if err != nil {
		logCtx.Error("Failed to download inbox object", "error", err)
		return err
	}

	reports, failures := f.pipeline.Orchestrator.Run(ctx, []models.Document{doc})
	if len(failures) > 0 {
		logCtx.Error("Document failed.", "error", failures[0].Err)
		return failures[0].Err
	}
	for _, r := range reports {
		if r.Skipped {
			logCtx.Info("Document already processed, skipping.")
			continue
		}
		logCtx.Info("Document filed.", "filename", r.Filename, "folder", r.Folder, "nextStep", r.NextStep)
	}
	return nil
}
