package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/nugget/quill-agent/internal/defaults"
)

// runInit prepares a Quill working directory: a data directory, an
// annotated config.yaml, and a .env.example listing the secrets Quill
// reads. Existing files are never overwritten.
func runInit(w io.Writer, dir string) error {
	fmt.Fprintf(w, "Initializing Quill workspace in %s\n", dir)

	dataDir := filepath.Join(dir, "data")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dataDir, err)
	}

	files := []struct {
		name    string
		content []byte
		perm    os.FileMode
	}{
		// config.yaml may hold API keys.
		{"config.yaml", defaults.ConfigYAML, 0o600},
		{".env.example", defaults.EnvExample, 0o644},
	}
	for _, f := range files {
		path := filepath.Join(dir, f.name)
		written, err := writeIfMissing(path, f.content, f.perm)
		if err != nil {
			return err
		}
		if written {
			fmt.Fprintf(w, "  ✓ %s\n", path)
		} else {
			fmt.Fprintf(w, "  - %s (exists, kept)\n", path)
		}
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Copy .env.example to .env and add your API keys, then run: quill serve")
	return nil
}

// writeIfMissing writes content to path only if the file does not
// already exist, and reports whether it wrote.
func writeIfMissing(path string, content []byte, perm os.FileMode) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	}
	if err := os.WriteFile(path, content, perm); err != nil {
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	return true, nil
}
