// Package pathutil provides path validation utilities.
package pathutil

import (
	"fmt"
	"os"
	"path/filepath"
)

// CheckDirectoryWritable checks that a directory exists and is writable,
// creating it if absent. The cache root is verified this way before any
// sparse image is materialized, so a misconfigured path fails at startup
// instead of degrading every read.
func CheckDirectoryWritable(path string) error {
	if path == "" {
		return fmt.Errorf("path cannot be empty")
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		absPath = path
	}

	info, err := os.Stat(absPath)
	if err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("cannot access directory %s: %w", absPath, err)
		}
		if err := os.MkdirAll(absPath, 0o755); err != nil {
			return fmt.Errorf("directory %s does not exist and cannot be created: %w", absPath, err)
		}
	} else if !info.IsDir() {
		return fmt.Errorf("path %s exists but is not a directory", absPath)
	}

	// Probe write permissions with a throwaway file.
	testFile := filepath.Join(absPath, ".bookstream-write-test")
	file, err := os.Create(testFile)
	if err != nil {
		return fmt.Errorf("directory %s is not writable: %w", absPath, err)
	}
	_, writeErr := file.Write([]byte("test"))
	file.Close()
	os.Remove(testFile)

	if writeErr != nil {
		return fmt.Errorf("directory %s is not writable: %w", absPath, writeErr)
	}

	return nil
}
