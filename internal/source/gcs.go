// Package source supplies ordered document batches from a GCS inbox bucket.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"cloud.google.com/go/storage"
	"golang.org/x/sync/errgroup"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"

	"github.com/wmcube/echequeflow/internal/models"
)

// downloadConcurrency bounds parallel inbox downloads. Downloading is not
// subject to the pipeline's pacing constraints, only processing is.
const downloadConcurrency = 4

// GCSInbox lists and downloads pending documents under a bucket prefix.
type GCSInbox struct {
	client *storage.Client
	bucket string
	prefix string
}

func NewGCSInbox(client *storage.Client, bucket, prefix string) *GCSInbox {
	return &GCSInbox{client: client, bucket: bucket, prefix: prefix}
}

// Fetch returns every document under the prefix, ordered by object name.
// Objects deleted between listing and download are skipped, not fatal.
func (in *GCSInbox) Fetch(ctx context.Context) ([]models.Document, error) {
	var names []string
	it := in.client.Bucket(in.bucket).Objects(ctx, &storage.Query{Prefix: in.prefix})
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list gs://%s/%s: %w", in.bucket, in.prefix, err)
		}
		if strings.HasSuffix(attrs.Name, "/") {
			continue
		}
		names = append(names, attrs.Name)
	}

	docs := make([]models.Document, len(names))
	eg, gctx := errgroup.WithContext(ctx)
	eg.SetLimit(downloadConcurrency)
	for i, name := range names {
		eg.Go(func() error {
			doc, err := in.FetchObject(gctx, name)
			if err != nil {
				if isNotFound(err) {
					slog.Warn("Inbox object vanished between listing and download.", "object", name)
					return nil
				}
				return err
			}
			docs[i] = doc
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	// Drop slots left empty by vanished objects, preserving order.
	out := docs[:0]
	for _, doc := range docs {
		if doc.SourceID != "" {
			out = append(out, doc)
		}
	}
	return out, nil
}

// FetchObject downloads a single inbox object as a pipeline document. The
// source identifier is the object name with the inbox prefix removed.
func (in *GCSInbox) FetchObject(ctx context.Context, name string) (models.Document, error) {
	reader, err := in.client.Bucket(in.bucket).Object(name).NewReader(ctx)
	if err != nil {
		return models.Document{}, fmt.Errorf("failed to open gs://%s/%s: %w", in.bucket, name, err)
	}
	defer reader.Close()

	raw, err := io.ReadAll(reader)
	if err != nil {
		return models.Document{}, fmt.Errorf("failed to read gs://%s/%s: %w", in.bucket, name, err)
	}

	return models.Document{
		SourceID: strings.TrimPrefix(name, in.prefix),
		Raw:      raw,
	}, nil
}

func isNotFound(err error) bool {
	if errors.Is(err, storage.ErrObjectNotExist) {
		return true
	}
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == 404
}
