package staging

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSafeName(t *testing.T) {
	tests := []struct{ in, want string }{
		{"report.pdf", "report.pdf"},
		{"my photo (1).png", "my_photo__1_.png"},
		{"../../etc/passwd", ".._.._etc_passwd"},
		{"..", "upload"},
		{"", "upload"},
		{"naïve-file_v2.txt", "na_ve-file_v2.txt"},
	}
	for _, tt := range tests {
		if got := SafeName(tt.in); got != tt.want {
			t.Errorf("SafeName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSave(t *testing.T) {
	root := filepath.Join(t.TempDir(), "workspace", "uploads")
	d := New(root)

	path, err := d.Save("notes 1.txt", []byte("hello"))
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if path != filepath.Join(root, "notes_1.txt") {
		t.Errorf("path = %s", path)
	}
	data, err := os.ReadFile(path)
	if err != nil || string(data) != "hello" {
		t.Errorf("read back %q, %v", data, err)
	}

	if _, err := d.Save("notes 1.txt", []byte("again")); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	data, _ = os.ReadFile(path)
	if string(data) != "again" {
		t.Errorf("overwrite left %q", data)
	}
}

func TestSaveStaysInDir(t *testing.T) {
	root := t.TempDir()
	path, err := New(root).Save("../escape", []byte("x"))
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if filepath.Dir(path) != root {
		t.Errorf("file written outside staging dir: %s", path)
	}
}

func TestSaveUnconfigured(t *testing.T) {
	if _, err := (&Dir{}).Save("a.txt", nil); err == nil {
		t.Error("expected error for empty staging path")
	}
}
