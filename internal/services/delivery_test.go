package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/wmcube/echequeflow/internal/models"
)

type chunkCall struct {
	start int64
	total int64
	size  int
}

type fakeStore struct {
	existingName string
	existingID   string

	failChunk int // 1-based index of the chunk to reject; 0 = never

	resolveCalls  int
	probes        []string
	putByIDCalls  []string
	putByPathName string
	sessionByID   string
	sessionByPath string
	chunks        []chunkCall
	content       []byte
}

func (f *fakeStore) ResolveDrive(ctx context.Context, groupID string) (string, error) {
	f.resolveCalls++
	return "drive-1", nil
}

func (f *fakeStore) FindChildByName(ctx context.Context, driveID, folderID, name string) (string, bool, error) {
	f.probes = append(f.probes, name)
	if name == f.existingName {
		return f.existingID, true, nil
	}
	return "", false, nil
}

func (f *fakeStore) PutContentByID(ctx context.Context, driveID, itemID string, data []byte) error {
	f.putByIDCalls = append(f.putByIDCalls, itemID)
	f.content = data
	return nil
}

func (f *fakeStore) PutContentByPath(ctx context.Context, driveID, folderID, name string, data []byte) error {
	f.putByPathName = name
	f.existingName = name
	f.existingID = "item-new"
	f.content = data
	return nil
}

func (f *fakeStore) CreateSessionByID(ctx context.Context, driveID, itemID string) (string, error) {
	f.sessionByID = itemID
	return "https://session.example/1", nil
}

func (f *fakeStore) CreateSessionByPath(ctx context.Context, driveID, folderID, name string) (string, error) {
	f.sessionByPath = name
	f.existingName = name
	f.existingID = "item-new"
	return "https://session.example/1", nil
}

func (f *fakeStore) UploadChunk(ctx context.Context, uploadURL string, start, total int64, chunk []byte) (bool, error) {
	if f.failChunk > 0 && len(f.chunks)+1 == f.failChunk {
		return false, fmt.Errorf("503 service unavailable")
	}
	f.chunks = append(f.chunks, chunkCall{start: start, total: total, size: len(chunk)})
	f.content = append(f.content, chunk...)
	return start+int64(len(chunk)) == total, nil
}

func testFolders() map[models.FolderClass]FolderTarget {
	return map[models.FolderClass]FolderTarget{
		models.FolderWMCEcheque:     {ID: "folder-wmc", Path: "Finance Staff/Bank/Cashflow/WMC E-cheque"},
		models.FolderNomineeEcheque: {ID: "folder-nominee", Path: "Finance Staff/Bank/E cheque WMC Nominee"},
	}
}

func TestDeliverSmallCreate(t *testing.T) {
	store := &fakeStore{}
	d := NewDelivery(store, "group-1", testFolders())
	payload := []byte("small cheque")

	folder, err := d.Deliver(context.Background(), payload, "000495 WMC-AAM Advisory.pdf")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if folder != models.FolderWMCEcheque {
		t.Errorf("expected WMC folder, got %s", folder)
	}
	if store.putByPathName != "000495 WMC-AAM Advisory.pdf" {
		t.Errorf("expected create-by-path with sanitized name, got %q", store.putByPathName)
	}
	if len(store.putByIDCalls) != 0 {
		t.Errorf("expected no update-in-place for a new item")
	}
	if !bytes.Equal(store.content, payload) {
		t.Errorf("stored content does not match payload")
	}
}

func TestDeliverSmallUpdateExisting(t *testing.T) {
	store := &fakeStore{existingName: "000495 WMC-AAM Advisory.pdf", existingID: "item-7"}
	d := NewDelivery(store, "group-1", testFolders())

	_, err := d.Deliver(context.Background(), []byte("v2"), "000495 WMC-AAM Advisory.pdf")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(store.putByIDCalls) != 1 || store.putByIDCalls[0] != "item-7" {
		t.Errorf("expected update-in-place against item-7, got %v", store.putByIDCalls)
	}
	if store.putByPathName != "" {
		t.Errorf("expected no create for an existing item, got %q", store.putByPathName)
	}
}

func TestDeliverIdempotentRepeat(t *testing.T) {
	store := &fakeStore{}
	d := NewDelivery(store, "group-1", testFolders())
	payload := []byte("same content")

	if _, err := d.Deliver(context.Background(), payload, "000495 WMC-AAM Advisory.pdf"); err != nil {
		t.Fatalf("first delivery failed: %v", err)
	}
	store.content = nil
	if _, err := d.Deliver(context.Background(), payload, "000495 WMC-AAM Advisory.pdf"); err != nil {
		t.Fatalf("second delivery failed: %v", err)
	}

	// The second call must converge on the same item, not create a twin.
	if store.putByPathName != "000495 WMC-AAM Advisory.pdf" {
		t.Errorf("expected exactly one create")
	}
	if len(store.putByIDCalls) != 1 || store.putByIDCalls[0] != "item-new" {
		t.Errorf("expected the repeat to update the existing item, got %v", store.putByIDCalls)
	}
	if !bytes.Equal(store.content, payload) {
		t.Errorf("repeat delivery did not converge on the same content")
	}
}

func TestDeliverChunkedFiveMiB(t *testing.T) {
	store := &fakeStore{}
	d := NewDelivery(store, "group-1", testFolders())

	var fractions []int64
	d.OnProgress = func(uploaded, total int64) {
		fractions = append(fractions, uploaded)
	}

	payload := bytes.Repeat([]byte{0xAB}, 5*1024*1024)
	_, err := d.Deliver(context.Background(), payload, "000495 WMC-AAM Advisory.pdf")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if store.sessionByPath != "000495 WMC-AAM Advisory.pdf" {
		t.Errorf("expected session created by path for a new item")
	}
	if len(store.chunks) != 5 {
		t.Fatalf("expected exactly 5 chunks, got %d", len(store.chunks))
	}
	for i, c := range store.chunks {
		if c.size != 1024*1024 {
			t.Errorf("chunk %d: expected 1MiB, got %d bytes", i, c.size)
		}
		if c.start != int64(i)*1024*1024 {
			t.Errorf("chunk %d: expected start %d, got %d", i, int64(i)*1024*1024, c.start)
		}
		if c.total != int64(len(payload)) {
			t.Errorf("chunk %d: expected total %d, got %d", i, len(payload), c.total)
		}
	}
	if !bytes.Equal(store.content, payload) {
		t.Errorf("reassembled session content does not match payload")
	}

	// Progress must increase monotonically and end at total.
	for i := 1; i < len(fractions); i++ {
		if fractions[i] <= fractions[i-1] {
			t.Errorf("progress not monotonically increasing: %v", fractions)
		}
	}
	if fractions[len(fractions)-1] != int64(len(payload)) {
		t.Errorf("expected final progress %d, got %d", len(payload), fractions[len(fractions)-1])
	}
}

func TestDeliverChunkedUpdateUsesExistingItem(t *testing.T) {
	store := &fakeStore{existingName: "000495 WMC-AAM Advisory.pdf", existingID: "item-9"}
	d := NewDelivery(store, "group-1", testFolders())

	payload := bytes.Repeat([]byte{0x01}, 4*1024*1024)
	if _, err := d.Deliver(context.Background(), payload, "000495 WMC-AAM Advisory.pdf"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if store.sessionByID != "item-9" {
		t.Errorf("expected session against the existing item, got %q", store.sessionByID)
	}
	if len(store.chunks) != 4 {
		t.Errorf("expected 4 chunks for a 4MiB payload, got %d", len(store.chunks))
	}
}

func TestDeliverChunkFailureAborts(t *testing.T) {
	store := &fakeStore{failChunk: 3}
	d := NewDelivery(store, "group-1", testFolders())

	payload := bytes.Repeat([]byte{0x02}, 5*1024*1024)
	_, err := d.Deliver(context.Background(), payload, "000495 WMC-AAM Advisory.pdf")

	var chunkErr *ChunkUploadError
	if !errors.As(err, &chunkErr) {
		t.Fatalf("expected ChunkUploadError, got %v", err)
	}
	if chunkErr.Start != 2*1024*1024 {
		t.Errorf("expected failed range to start at %d, got %d", 2*1024*1024, chunkErr.Start)
	}
	if chunkErr.End != 3*1024*1024-1 {
		t.Errorf("expected failed range to end at %d, got %d", 3*1024*1024-1, chunkErr.End)
	}
	if len(store.chunks) != 2 {
		t.Errorf("expected upload to stop after the failed chunk, got %d chunks", len(store.chunks))
	}
}

func TestSanitizeRemoteName(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{`cheque"*:<>?/\|#%{}~.pdf`, "cheque.pdf"},
		{"...hidden.pdf", "hidden.pdf"},
		{"  padded.pdf  ", "padded.pdf"},
		{"clean name.pdf", "clean name.pdf"},
	}
	for _, tc := range cases {
		if got := SanitizeRemoteName(tc.in); got != tc.want {
			t.Errorf("SanitizeRemoteName(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestSanitizeRemoteNameTruncatesPreservingExtension(t *testing.T) {
	long := strings.Repeat("a", 300) + ".pdf"
	got := SanitizeRemoteName(long)
	if len(got) > 240 {
		t.Errorf("expected name truncated to 240 characters, got %d", len(got))
	}
	if !strings.HasSuffix(got, ".pdf") {
		t.Errorf("expected extension preserved, got %q", got)
	}
}

func TestSanitizeRemoteNameTruncatesOnRuneBoundary(t *testing.T) {
	long := strings.Repeat("張", 100) + ".pdf"
	got := SanitizeRemoteName(long)
	if len(got) > 240 {
		t.Errorf("expected name truncated to 240 bytes, got %d", len(got))
	}
	if !utf8.ValidString(got) {
		t.Errorf("truncation split a multibyte character: %q", got)
	}
	if !strings.HasSuffix(got, ".pdf") {
		t.Errorf("expected extension preserved, got %q", got)
	}
}
