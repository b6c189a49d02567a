package blob

import (
	"bytes"
	"strings"
	"testing"
)

func TestWriteReadRoundTrip(t *testing.T) {
	store := NewStore(t.TempDir())

	data := []byte("[00:00] hello\n[00:05] world\n")
	if err := store.Write(TranscriptContainer, "vid-1/transcript.txt", data); err != nil {
		t.Fatal(err)
	}

	got, err := store.Read(TranscriptContainer, "vid-1/transcript.txt")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("Read = %q, want %q", got, data)
	}
}

func TestWriteOverwrites(t *testing.T) {
	store := NewStore(t.TempDir())

	if err := store.Write(TranscriptContainer, "vid-1/transcript.txt", []byte("first")); err != nil {
		t.Fatal(err)
	}
	if err := store.Write(TranscriptContainer, "vid-1/transcript.txt", []byte("second")); err != nil {
		t.Fatal(err)
	}

	got, err := store.Read(TranscriptContainer, "vid-1/transcript.txt")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "second" {
		t.Errorf("Read = %q, want overwritten content", got)
	}
}

func TestWriteCreatesContainer(t *testing.T) {
	store := NewStore(t.TempDir())

	// No container exists yet; the write creates it and retries.
	if err := store.Write("fresh-container", "a/b.txt", []byte("x")); err != nil {
		t.Fatal(err)
	}
	if !store.Exists("fresh-container", "a/b.txt") {
		t.Error("blob missing after container-creating write")
	}
}

func TestWriteRejectsOversizedBlob(t *testing.T) {
	store := NewStore(t.TempDir())

	big := bytes.Repeat([]byte("a"), MaxBlobSize+1)
	if err := store.Write(TranscriptContainer, "huge.txt", big); err == nil {
		t.Error("oversized blob accepted")
	}
}

func TestWriteRejectsInvalidUTF8(t *testing.T) {
	store := NewStore(t.TempDir())

	if err := store.Write(TranscriptContainer, "bin.txt", []byte{0xff, 0xfe}); err == nil {
		t.Error("non-UTF-8 blob accepted")
	}
}

func TestPathValidation(t *testing.T) {
	store := NewStore(t.TempDir())

	for _, path := range []string{"", "../escape.txt", "a/../../escape.txt", "/absolute.txt"} {
		if err := store.Write(TranscriptContainer, path, []byte("x")); err == nil {
			t.Errorf("Write accepted path %q", path)
		}
		if _, err := store.Read(TranscriptContainer, path); err == nil {
			t.Errorf("Read accepted path %q", path)
		}
		if store.Exists(TranscriptContainer, path) {
			t.Errorf("Exists reported true for path %q", path)
		}
	}
}

func TestReadMissingBlob(t *testing.T) {
	store := NewStore(t.TempDir())

	_, err := store.Read(TranscriptContainer, "absent/transcript.txt")
	if err == nil {
		t.Fatal("Read of missing blob succeeded")
	}
	if !strings.Contains(err.Error(), "absent/transcript.txt") {
		t.Errorf("read error %q does not identify the blob", err)
	}
}

func TestExists(t *testing.T) {
	store := NewStore(t.TempDir())

	if store.Exists(TranscriptContainer, "vid-1/transcript.txt") {
		t.Error("Exists = true before write")
	}
	if err := store.Write(TranscriptContainer, "vid-1/transcript.txt", []byte("x")); err != nil {
		t.Fatal(err)
	}
	if !store.Exists(TranscriptContainer, "vid-1/transcript.txt") {
		t.Error("Exists = false after write")
	}
}
