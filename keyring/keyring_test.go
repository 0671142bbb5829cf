package keyring

import (
	"os"
	"path/filepath"
	"testing"
)

func TestAddLookup(t *testing.T) {
	kr := New()
	var serial [12]byte
	copy(serial[:], "abcdefghijkl")
	var key [32]byte
	for i := range key {
		key[i] = byte(i)
	}
	kr.Add(serial, key)

	got, ok := kr.Lookup(serial)
	if !ok {
		t.Fatalf("expected entry to be found")
	}
	if got != key {
		t.Fatalf("got %v want %v", got, key)
	}
}

func TestLookupMiss(t *testing.T) {
	kr := New()
	var serial [12]byte
	if _, ok := kr.Lookup(serial); ok {
		t.Fatalf("expected no entry in an empty keyring")
	}
}

func TestWriteLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	fname := filepath.Join(dir, "keyring")

	kr := New()
	var serial [12]byte
	copy(serial[:], "abcdefghijkl")
	var key [32]byte
	for i := range key {
		key[i] = byte(i * 3)
	}
	kr.Add(serial, key)

	if err := kr.Write(fname); err != nil {
		t.Fatalf("Write: %v", err)
	}

	loaded, err := Load(fname)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Len() != 1 {
		t.Fatalf("Len = %d, want 1", loaded.Len())
	}
	got, ok := loaded.Lookup(serial)
	if !ok || got != key {
		t.Fatalf("round trip mismatch: ok=%v got=%v want=%v", ok, got, key)
	}
}

func TestWriteIsAtomicNoTempLeftBehind(t *testing.T) {
	dir := t.TempDir()
	fname := filepath.Join(dir, "keyring")

	kr := New()
	if err := kr.Write(fname); err != nil {
		t.Fatalf("Write: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != "keyring" {
		t.Fatalf("expected only the final keyring file, got %v", entries)
	}
}

func TestLoadIgnoresCommentLines(t *testing.T) {
	dir := t.TempDir()
	fname := filepath.Join(dir, "keyring")
	if err := os.WriteFile(fname, []byte("# a comment\nnotavalidline\n"), 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	kr, err := Load(fname)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if kr.Len() != 0 {
		t.Fatalf("Len = %d, want 0", kr.Len())
	}
}
