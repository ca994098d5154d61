package netsync

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestLoggerRotates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log", "latest.txt")

	var out bytes.Buffer
	l, err := NewLogger(&out, path)
	if err != nil {
		t.Fatal(err)
	}
	l.Write([]byte("first run\n"))
	l.Close()

	l, err = NewLogger(&out, path)
	if err != nil {
		t.Fatal(err)
	}
	l.Write([]byte("second run\n"))
	l.Close()

	last, err := os.ReadFile(filepath.Join(filepath.Dir(path), "last.txt"))
	if err != nil {
		t.Fatal(err)
	}
	latest, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}

	if string(last) != "first run\n" || string(latest) != "second run\n" {
		t.Fatalf("last = %q, latest = %q", last, latest)
	}
	if out.String() != "first run\nsecond run\n" {
		t.Fatalf("console = %q", out.String())
	}
}
