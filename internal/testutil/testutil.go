package testutil

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func WriteFile(t *testing.T, path string, content []byte) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		t.Fatalf("create parent directory for %s: %v", path, err)
	}
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func MustReadFile(t *testing.T, path string) []byte {
	t.Helper()
	content, err := os.ReadFile(path) // #nosec G304 -- test helper for controlled paths.
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return content
}

// ReplaceInFile rewrites the first occurrence of old with replacement. Tests use it
// to tamper with persisted documents; a missing match fails the test.
func ReplaceInFile(t *testing.T, path string, old string, replacement string) {
	t.Helper()
	content := MustReadFile(t, path)
	if !bytes.Contains(content, []byte(old)) {
		t.Fatalf("%s does not contain %q", path, old)
	}
	WriteFile(t, path, bytes.Replace(content, []byte(old), []byte(replacement), 1))
}
