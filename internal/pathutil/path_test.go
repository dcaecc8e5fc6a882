package pathutil

import (
	"os"
	"path/filepath"
	"testing"
)

func TestCheckDirectoryWritable_CreatesMissing(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "cache", "nested")

	if err := CheckDirectoryWritable(dir); err != nil {
		t.Fatalf("expected missing directory to be created, got %v", err)
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		t.Fatalf("directory was not created: %v", err)
	}
}

func TestCheckDirectoryWritable_Existing(t *testing.T) {
	if err := CheckDirectoryWritable(t.TempDir()); err != nil {
		t.Fatalf("writable directory rejected: %v", err)
	}
}

func TestCheckDirectoryWritable_FileInTheWay(t *testing.T) {
	file := filepath.Join(t.TempDir(), "not-a-dir")
	if err := os.WriteFile(file, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := CheckDirectoryWritable(file); err == nil {
		t.Fatal("expected error for a plain file")
	}
}

func TestCheckDirectoryWritable_Empty(t *testing.T) {
	if err := CheckDirectoryWritable(""); err == nil {
		t.Fatal("expected error for empty path")
	}
}
