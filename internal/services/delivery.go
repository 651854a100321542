package services

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/wmcube/echequeflow/internal/models"
)

const (
	// Payloads strictly under this size go up in a single request.
	singleShotLimit = 4 * 1024 * 1024
	// Byte range carried by each upload-session chunk.
	chunkSize = 1 * 1024 * 1024

	// Remote names longer than this get truncated, extension preserved.
	maxRemoteNameLen = 240
)

var (
	// Filename patterns selecting the destination folder. Unmatched names
	// default to the WMC e-cheque folder, so resolution never fails.
	wmcEchequePattern     = regexp.MustCompile(`^\d+ WMC-.*\.pdf$`)
	nomineeEchequePattern = regexp.MustCompile(`^[A-Z]{3} \d+ .*\.pdf$`)

	// Characters the remote store rejects in item names.
	remoteInvalidChars = regexp.MustCompile(`["*:<>?/\\|#%{}~]`)
	leadingDots        = regexp.MustCompile(`^\.+`)
)

// ChunkUploadError reports the byte range whose session write failed. The
// partially-uploaded session is abandoned, not resumed; recovery is a fresh
// Deliver call, which the existence probe keeps idempotent.
type ChunkUploadError struct {
	Start int64
	End   int64
	Cause error
}

func (e *ChunkUploadError) Error() string {
	return fmt.Sprintf("error uploading chunk %d-%d: %v", e.Start, e.End, e.Cause)
}

func (e *ChunkUploadError) Unwrap() error { return e.Cause }

// DriveStore is the remote document store contract the delivery protocol
// depends on. *msgraph.Client satisfies it.
type DriveStore interface {
	ResolveDrive(ctx context.Context, groupID string) (string, error)
	FindChildByName(ctx context.Context, driveID, folderID, name string) (string, bool, error)
	PutContentByID(ctx context.Context, driveID, itemID string, data []byte) error
	PutContentByPath(ctx context.Context, driveID, folderID, name string, data []byte) error
	CreateSessionByID(ctx context.Context, driveID, itemID string) (string, error)
	CreateSessionByPath(ctx context.Context, driveID, folderID, name string) (string, error)
	UploadChunk(ctx context.Context, uploadURL string, start, total int64, chunk []byte) (done bool, err error)
}

// FolderTarget identifies one destination folder in the drive. ID addresses
// the folder in API calls; Path is the human-readable location for logs.
type FolderTarget struct {
	ID   string
	Path string
}

// Delivery uploads a named payload to its destination folder exactly once by
// content: same filename and payload converge to the same stored item no
// matter how many times Deliver runs.
type Delivery struct {
	store   DriveStore
	groupID string
	folders map[models.FolderClass]FolderTarget

	// OnProgress, when set, receives a monotonically increasing byte count
	// after each session chunk. Single-shot transfers report nothing.
	OnProgress func(uploaded, total int64)
}

// NewDelivery builds the protocol against a drive store and the folder
// targets for each folder class.
func NewDelivery(store DriveStore, groupID string, folders map[models.FolderClass]FolderTarget) *Delivery {
	return &Delivery{store: store, groupID: groupID, folders: folders}
}

// ResolveFolder maps a generated filename to its folder class by pattern,
// independent of content. There is always a default, so this never fails.
func ResolveFolder(filename string) models.FolderClass {
	switch {
	case wmcEchequePattern.MatchString(filename):
		return models.FolderWMCEcheque
	case nomineeEchequePattern.MatchString(filename):
		return models.FolderNomineeEcheque
	default:
		return models.FolderWMCEcheque
	}
}

// SanitizeRemoteName strips characters the remote store disallows, leading
// dots and surrounding whitespace, and truncates to the store's name limit
// while preserving the extension.
func SanitizeRemoteName(name string) string {
	s := remoteInvalidChars.ReplaceAllString(name, "")
	s = strings.TrimSpace(s)
	s = leadingDots.ReplaceAllString(s, "")
	if len(s) > maxRemoteNameLen {
		ext := filepath.Ext(s)
		cut := maxRemoteNameLen - len(ext)
		// Back up to a rune boundary so the cut never splits a multibyte
		// character.
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		s = s[:cut] + ext
	}
	return s
}

// Deliver uploads payload under filename to the folder its name resolves
// to. Repeating the call with the same inputs is safe: the existence probe
// turns the write into an update, and sessions declare conflict-replace.
func (d *Delivery) Deliver(ctx context.Context, payload []byte, filename string) (models.FolderClass, error) {
	folderClass := ResolveFolder(filename)
	target, ok := d.folders[folderClass]
	if !ok {
		return folderClass, fmt.Errorf("no folder target configured for class %s", folderClass)
	}

	// The sanitized name is the binding identity for the rest of this
	// attempt.
	name := SanitizeRemoteName(filename)
	if name != filename {
		slog.Info("Filename sanitized for remote store.", "original", filename, "sanitized", name)
	}

	driveID, err := d.store.ResolveDrive(ctx, d.groupID)
	if err != nil {
		return folderClass, err
	}

	existingID, exists, err := d.store.FindChildByName(ctx, driveID, target.ID, name)
	if err != nil {
		return folderClass, err
	}

	if int64(len(payload)) < singleShotLimit {
		err = d.singleShot(ctx, driveID, target.ID, existingID, exists, name, payload)
	} else {
		err = d.chunkedSession(ctx, driveID, target.ID, existingID, exists, name, payload)
	}
	if err != nil {
		return folderClass, err
	}

	slog.Info("Document delivered.", "name", name, "folder", target.Path, "bytes", len(payload))
	return folderClass, nil
}

func (d *Delivery) singleShot(ctx context.Context, driveID, folderID, existingID string, exists bool, name string, payload []byte) error {
	if exists {
		return d.store.PutContentByID(ctx, driveID, existingID, payload)
	}
	return d.store.PutContentByPath(ctx, driveID, folderID, name, payload)
}

// chunkedSession opens an upload session and writes sequential 1MiB ranges.
// The client never closes the session; closure is implied by the final chunk
// reaching the declared total.
func (d *Delivery) chunkedSession(ctx context.Context, driveID, folderID, existingID string, exists bool, name string, payload []byte) error {
	var uploadURL string
	var err error
	if exists {
		uploadURL, err = d.store.CreateSessionByID(ctx, driveID, existingID)
	} else {
		uploadURL, err = d.store.CreateSessionByPath(ctx, driveID, folderID, name)
	}
	if err != nil {
		return err
	}

	total := int64(len(payload))
	var uploaded int64
	for uploaded < total {
		end := uploaded + chunkSize
		if end > total {
			end = total
		}
		chunk := payload[uploaded:end]

		done, err := d.store.UploadChunk(ctx, uploadURL, uploaded, total, chunk)
		if err != nil {
			return &ChunkUploadError{Start: uploaded, End: end - 1, Cause: err}
		}

		uploaded = end
		if d.OnProgress != nil {
			d.OnProgress(uploaded, total)
		}
		if done {
			if uploaded != total {
				return fmt.Errorf("session completed early at %d of %d bytes", uploaded, total)
			}
			return nil
		}
	}
	return fmt.Errorf("upload completed but the session never acknowledged the final chunk")
}
