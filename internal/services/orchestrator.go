package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/wmcube/echequeflow/internal/models"
	"github.com/wmcube/echequeflow/internal/store"
)

// interDocumentDelay spreads extraction load across a batch, on top of the
// call controller's own pacing. It presupposes sequential processing.
const interDocumentDelay = 2 * time.Second

// FieldExtractor is the extraction stage as the orchestrator sees it.
type FieldExtractor interface {
	Extract(ctx context.Context, doc models.Document) (*models.ExtractedFields, error)
}

// Deliverer is the delivery stage as the orchestrator sees it.
type Deliverer interface {
	Deliver(ctx context.Context, payload []byte, filename string) (models.FolderClass, error)
}

// Orchestrator sequences documents through extraction, naming and delivery.
// Documents are independent units: a failure is recorded and the batch moves
// on. Only cancellation aborts the batch as a whole.
type Orchestrator struct {
	extractor FieldExtractor
	deliverer Deliverer
	aliases   AliasTable

	// Processed, when set, skips documents already carried through the
	// pipeline in a prior run and records new ones after delivery.
	Processed store.ProcessedSet
	// OnProgress, when set, is invoked synchronously after each document
	// regardless of outcome.
	OnProgress func(models.Progress)

	sleep func(ctx context.Context, d time.Duration) error
}

// NewOrchestrator builds a batch runner over the given stages. The alias
// table is read-only for the duration of every batch.
func NewOrchestrator(extractor FieldExtractor, deliverer Deliverer, aliases AliasTable) *Orchestrator {
	return &Orchestrator{
		extractor: extractor,
		deliverer: deliverer,
		aliases:   aliases,
		sleep: func(ctx context.Context, d time.Duration) error {
			select {
			case <-time.After(d):
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	}
}

// Run processes documents strictly in input order and returns one
// success-or-skip report or one failure per document. Partial success is a
// normal terminal state.
func (o *Orchestrator) Run(ctx context.Context, docs []models.Document) ([]models.DeliveryReport, []models.Failure) {
	total := len(docs)
	var reports []models.DeliveryReport
	var failures []models.Failure

	for i, doc := range docs {
		if i > 0 {
			if err := o.sleep(ctx, interDocumentDelay); err != nil {
				return reports, cancelRemaining(failures, docs[i:], err)
			}
		}

		report, err := o.processOne(ctx, doc)
		switch {
		case err == nil:
			reports = append(reports, *report)
			o.notify(i+1, total, fmt.Sprintf("Processed %s as %s", doc.SourceID, report.Filename))
		case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
			o.notify(i+1, total, fmt.Sprintf("Cancelled while processing %s", doc.SourceID))
			return reports, cancelRemaining(failures, docs[i:], err)
		default:
			failures = append(failures, models.Failure{SourceID: doc.SourceID, Err: err})
			o.notify(i+1, total, fmt.Sprintf("Failed %s: %v", doc.SourceID, err))
		}
	}
	return reports, failures
}

func (o *Orchestrator) processOne(ctx context.Context, doc models.Document) (*models.DeliveryReport, error) {
	if o.Processed != nil {
		seen, err := o.Processed.Contains(ctx, doc.SourceID)
		if err != nil {
			return nil, fmt.Errorf("processed-set lookup for %s: %w", doc.SourceID, err)
		}
		if seen {
			return &models.DeliveryReport{
				SourceID: doc.SourceID,
				Success:  true,
				Skipped:  true,
			}, nil
		}
	}

	fields, err := o.extractor.Extract(ctx, doc)
	if err != nil {
		return nil, fmt.Errorf("extraction: %w", err)
	}

	decision := Classify(fields, o.aliases)

	folder, err := o.deliverer.Deliver(ctx, doc.Raw, decision.Filename)
	if err != nil {
		return nil, fmt.Errorf("delivery of %s: %w", decision.Filename, err)
	}

	if o.Processed != nil {
		if err := o.Processed.Record(ctx, doc.SourceID, decision.Filename); err != nil {
			// The document is already delivered; a bookkeeping failure
			// must not turn it into a batch failure.
			slog.Warn("Failed to record processed document.", "sourceId", doc.SourceID, "error", err)
		}
	}

	return &models.DeliveryReport{
		SourceID: doc.SourceID,
		Filename: decision.Filename,
		Folder:   folder,
		NextStep: fields.NextStep,
		Success:  true,
	}, nil
}

func (o *Orchestrator) notify(current, total int, message string) {
	if o.OnProgress != nil {
		o.OnProgress(models.Progress{Current: current, Total: total, Message: message})
	}
}

// cancelRemaining records a Cancelled failure for the current document and
// every not-yet-started one. Already-delivered documents stay untouched.
func cancelRemaining(failures []models.Failure, remaining []models.Document, cause error) []models.Failure {
	for _, doc := range remaining {
		failures = append(failures, models.Failure{
			SourceID: doc.SourceID,
			Err:      fmt.Errorf("batch cancelled: %w", cause),
		})
	}
	return failures
}
