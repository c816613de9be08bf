package store

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/thomaker/blendforge/pkg/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "checkpoint.db")
	s, err := Open(path, testLogger())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, path
}

func acceptedRecord(identity string) *models.Record {
	return &models.Record{
		Identity:    identity,
		Description: "a " + identity,
		Code:        "import bpy",
		Image:       []byte("fake-png"),
		Status:      models.StatusAccepted,
		LastReason:  "strong_match",
		Confidence:  0.8,
	}
}

func TestUpsertAndGet(t *testing.T) {
	s, _ := openTestStore(t)

	if err := s.Upsert(acceptedRecord("wooden chair")); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	rec, err := s.Get("wooden chair")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if rec.Status != models.StatusAccepted || rec.LastReason != "strong_match" {
		t.Errorf("Unexpected record %+v", rec)
	}
	if string(rec.Image) != "fake-png" {
		t.Errorf("Image bytes not round-tripped: %q", rec.Image)
	}
	if rec.Seq != 1 {
		t.Errorf("Expected seq 1, got %d", rec.Seq)
	}

	if _, err := s.Get("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestIsAccepted(t *testing.T) {
	s, _ := openTestStore(t)

	ok, err := s.IsAccepted("wooden chair")
	if err != nil || ok {
		t.Errorf("Expected false for unknown identity, got %v/%v", ok, err)
	}

	if err := s.Upsert(acceptedRecord("wooden chair")); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	exhausted := acceptedRecord("coffee mug")
	exhausted.Status = models.StatusExhausted
	exhausted.LastReason = "wrong_object"
	exhausted.Image = nil
	if err := s.Upsert(exhausted); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	if ok, _ := s.IsAccepted("wooden chair"); !ok {
		t.Error("Expected accepted identity to report true")
	}
	// Exhausted entities are retried on re-runs, so they must not be skipped.
	if ok, _ := s.IsAccepted("coffee mug"); ok {
		t.Error("Expected exhausted identity to report false")
	}
}

func TestUpsertReassignsSeq(t *testing.T) {
	s, _ := openTestStore(t)

	first := acceptedRecord("table lamp")
	first.Status = models.StatusExhausted
	if err := s.Upsert(first); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	if err := s.Upsert(acceptedRecord("flower vase")); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	// A later successful re-run moves the record to the tail of the
	// completion order so the publisher picks it up past its cursor.
	if err := s.Upsert(acceptedRecord("table lamp")); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	rec, err := s.Get("table lamp")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if rec.Seq != 3 {
		t.Errorf("Expected reassigned seq 3, got %d", rec.Seq)
	}
}

func TestAcceptedAfter(t *testing.T) {
	s, _ := openTestStore(t)

	for _, name := range []string{"a", "b", "c", "d"} {
		if err := s.Upsert(acceptedRecord(name)); err != nil {
			t.Fatalf("Upsert failed: %v", err)
		}
	}
	exhausted := acceptedRecord("e")
	exhausted.Status = models.StatusExhausted
	if err := s.Upsert(exhausted); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	records, err := s.AcceptedAfter(1, 2)
	if err != nil {
		t.Fatalf("AcceptedAfter failed: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("Expected 2 records, got %d", len(records))
	}
	if records[0].Identity != "b" || records[1].Identity != "c" {
		t.Errorf("Expected oldest-first order b,c, got %s,%s", records[0].Identity, records[1].Identity)
	}

	// Exhausted records never appear in the publish stream.
	all, err := s.AcceptedAfter(0, 100)
	if err != nil {
		t.Fatalf("AcceptedAfter failed: %v", err)
	}
	if len(all) != 4 {
		t.Errorf("Expected 4 accepted records, got %d", len(all))
	}
}

func TestCounts(t *testing.T) {
	s, _ := openTestStore(t)

	accepted, exhausted, err := s.Counts()
	if err != nil || accepted != 0 || exhausted != 0 {
		t.Errorf("Expected empty counts, got %d/%d/%v", accepted, exhausted, err)
	}

	for _, name := range []string{"wooden chair", "table lamp"} {
		if err := s.Upsert(acceptedRecord(name)); err != nil {
			t.Fatalf("Upsert failed: %v", err)
		}
	}
	rec := acceptedRecord("coffee mug")
	rec.Status = models.StatusExhausted
	rec.Image = nil
	if err := s.Upsert(rec); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	accepted, exhausted, err = s.Counts()
	if err != nil {
		t.Fatalf("Counts failed: %v", err)
	}
	if accepted != 2 || exhausted != 1 {
		t.Errorf("Expected 2 accepted / 1 exhausted, got %d/%d", accepted, exhausted)
	}
}

func TestCursor(t *testing.T) {
	s, _ := openTestStore(t)

	pos, err := s.Cursor()
	if err != nil || pos != 0 {
		t.Errorf("Expected initial cursor 0, got %d/%v", pos, err)
	}

	if err := s.SetCursor(7); err != nil {
		t.Fatalf("SetCursor failed: %v", err)
	}
	if err := s.SetCursor(12); err != nil {
		t.Fatalf("SetCursor failed: %v", err)
	}

	pos, err = s.Cursor()
	if err != nil || pos != 12 {
		t.Errorf("Expected cursor 12, got %d/%v", pos, err)
	}
}

func TestReopenPreservesState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint.db")

	s, err := Open(path, testLogger())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := s.Upsert(acceptedRecord("wooden chair")); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	if err := s.SetCursor(1); err != nil {
		t.Fatalf("SetCursor failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	s, err = Open(path, testLogger())
	if err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}
	defer s.Close()

	if ok, _ := s.IsAccepted("wooden chair"); !ok {
		t.Error("Accepted record lost across reopen")
	}
	pos, _ := s.Cursor()
	if pos != 1 {
		t.Errorf("Cursor lost across reopen, got %d", pos)
	}

	accepted, exhausted, err := s.Counts()
	if err != nil || accepted != 1 || exhausted != 0 {
		t.Errorf("Unexpected counts %d/%d/%v", accepted, exhausted, err)
	}
}
