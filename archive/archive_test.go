package archive

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func tempDir(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "archive")
}

func TestNewWriterInitializesEmptyDir(t *testing.T) {
	dir := tempDir(t)
	w, err := NewWriter(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	if w.activeID != 1 {
		t.Fatalf("expected activeID 1, got %d", w.activeID)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name() != "segment-0001.snap" {
		t.Fatalf("unexpected dir contents: %v", entries)
	}
}

func TestWriteSnapshotRoundTrip(t *testing.T) {
	dir := tempDir(t)
	w, err := NewWriter(dir)
	if err != nil {
		t.Fatal(err)
	}

	image := []byte("pretend-flash-image-bytes")
	if err := w.WriteSnapshot(image); err != nil {
		t.Fatal(err)
	}
	w.Close()

	snaps, err := ReadSnapshots(dir, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(snaps) != 1 || !bytes.Equal(snaps[0], image) {
		t.Fatalf("got %v, want [%v]", snaps, image)
	}
}

func TestWriteSnapshotRotatesOnOverflow(t *testing.T) {
	dir := tempDir(t)
	w, err := NewWriter(dir, WithMaxSegmentSize(4+10))
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	for i := 0; i < 3; i++ {
		if err := w.WriteSnapshot([]byte("0123456789")); err != nil {
			t.Fatal(err)
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 segments, got %d: %v", len(entries), entries)
	}
}

func TestNewWriterResumesNewestSegment(t *testing.T) {
	dir := tempDir(t)
	w, err := NewWriter(dir, WithMaxSegmentSize(4+10))
	if err != nil {
		t.Fatal(err)
	}
	if err := w.WriteSnapshot([]byte("0123456789")); err != nil {
		t.Fatal(err)
	}
	if err := w.WriteSnapshot([]byte("0123456789")); err != nil {
		t.Fatal(err)
	}
	w.Close()

	w2, err := NewWriter(dir, WithMaxSegmentSize(4+10))
	if err != nil {
		t.Fatal(err)
	}
	defer w2.Close()
	if w2.activeID != 2 {
		t.Fatalf("expected to resume at segment 2, got %d", w2.activeID)
	}
}

func TestWriteSnapshotRejectsOversizedRecord(t *testing.T) {
	dir := tempDir(t)
	w, err := NewWriter(dir, WithMaxSegmentSize(8))
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	if err := w.WriteSnapshot([]byte("too-big-for-one-segment")); err == nil {
		t.Fatal("expected error for oversized snapshot")
	}
}
