package store

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"

	"github.com/wmcube/echequeflow/internal/models"
)

// FirestoreSet is the cloud processed-set backend: one document per
// processed source identifier, queried by equality.
type FirestoreSet struct {
	client     *firestore.Client
	collection string
}

func NewFirestoreSet(client *firestore.Client, collection string) *FirestoreSet {
	return &FirestoreSet{client: client, collection: collection}
}

func (s *FirestoreSet) Contains(ctx context.Context, sourceID string) (bool, error) {
	docs, err := s.client.Collection(s.collection).
		Where("sourceIdentifier", "==", sourceID).
		Limit(1).
		Documents(ctx).
		GetAll()
	if err != nil {
		return false, fmt.Errorf("failed to query processed set: %w", err)
	}
	return len(docs) > 0, nil
}

func (s *FirestoreSet) Record(ctx context.Context, sourceID, filename string) error {
	record := models.ProcessedRecord{
		SourceID:      sourceID,
		Filename:      filename,
		ProcessedDate: time.Now(),
	}
	if _, _, err := s.client.Collection(s.collection).Add(ctx, record); err != nil {
		return fmt.Errorf("failed to record processed document: %w", err)
	}
	return nil
}
