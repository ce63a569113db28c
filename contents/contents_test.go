package contents

import (
	"os"
	"path/filepath"
	"testing"
)

func TestGetContents_Directory(t *testing.T) {
	root := t.TempDir()
	os.WriteFile(filepath.Join(root, "b.txt"), []byte("b"), 0o644)
	os.Mkdir(filepath.Join(root, "a-dir"), 0o755)

	result, err := GetContents(root, "")
	if err != nil {
		t.Fatalf("GetContents failed: %v", err)
	}
	if !result.IsDir() {
		t.Fatal("expected directory result")
	}
	if len(result.Entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(result.Entries))
	}
	if !result.Entries[0].IsDir || result.Entries[0].Name != "a-dir" {
		t.Fatalf("expected directories sorted first, got %+v", result.Entries)
	}
}

func TestGetContents_File(t *testing.T) {
	root := t.TempDir()
	os.WriteFile(filepath.Join(root, "hello.txt"), []byte("hello world"), 0o644)

	result, err := GetContents(root, "hello.txt")
	if err != nil {
		t.Fatalf("GetContents failed: %v", err)
	}
	if result.IsDir() {
		t.Fatal("expected file result")
	}
	if result.File.Content != "hello world" {
		t.Fatalf("unexpected content: %q", result.File.Content)
	}
}

func TestGetContents_BinaryFile(t *testing.T) {
	root := t.TempDir()
	os.WriteFile(filepath.Join(root, "bin.dat"), []byte{0x00, 0x01, 0xff, 0xfe}, 0o644)

	result, err := GetContents(root, "bin.dat")
	if err != nil {
		t.Fatalf("GetContents failed: %v", err)
	}
	if !result.File.Binary {
		t.Fatal("expected binary detection")
	}
}

func TestGetContents_NotFound(t *testing.T) {
	root := t.TempDir()
	if _, err := GetContents(root, "missing.txt"); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestValidatePath_RejectsEscape(t *testing.T) {
	root := t.TempDir()
	if err := ValidatePath(root, "../../etc/passwd"); err == nil {
		t.Fatal("expected ErrInvalidPath for path traversal")
	}
	if err := ValidatePath(root, "safe/path.txt"); err != nil {
		t.Fatalf("expected no error for safe relative path, got %v", err)
	}
}
