package memory

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	IdentityFile = "SOUL.md"
	ProfileFile  = "USER.md"
	NotesFile    = "MEMORY.md"
	NotesDir     = "memory"
)

// EnsureMemoryDirectory creates <base>/memory if it does not exist.
func EnsureMemoryDirectory(basePath string) (string, error) {
	memoryPath := filepath.Join(basePath, NotesDir)

	info, err := os.Stat(memoryPath)
	if err == nil {
		if !info.IsDir() {
			return "", fmt.Errorf("memory path exists but is not a directory: %s", memoryPath)
		}
		return memoryPath, nil
	}
	if !os.IsNotExist(err) {
		return "", fmt.Errorf("failed to stat memory directory: %w", err)
	}

	if err := os.MkdirAll(memoryPath, 0o755); err != nil {
		return "", fmt.Errorf("failed to create memory directory: %w", err)
	}
	return memoryPath, nil
}

// ValidateMemoryPath checks that a model-supplied path is a plain relative
// markdown file name.
func ValidateMemoryPath(path string) error {
	if path == "" {
		return fmt.Errorf("path cannot be empty")
	}
	if filepath.IsAbs(path) {
		return fmt.Errorf("path must be relative, got absolute path: %s", path)
	}
	cleanPath := filepath.Clean(path)
	if cleanPath != path {
		return fmt.Errorf("path contains invalid components: %s", path)
	}
	if cleanPath == ".." || strings.HasPrefix(cleanPath, ".."+string(filepath.Separator)) {
		return fmt.Errorf("path cannot reference parent directories: %s", path)
	}
	if filepath.Ext(cleanPath) != ".md" {
		return fmt.Errorf("path must end with .md: %s", path)
	}
	return nil
}

// GetMemoryFilePath joins a validated relative path onto basePath.
func GetMemoryFilePath(basePath, relativePath string) (string, error) {
	if err := ValidateMemoryPath(relativePath); err != nil {
		return "", err
	}

	absBase, err := filepath.Abs(basePath)
	if err != nil {
		return "", fmt.Errorf("failed to get absolute base path: %w", err)
	}
	absFull, err := filepath.Abs(filepath.Join(basePath, relativePath))
	if err != nil {
		return "", fmt.Errorf("failed to get absolute full path: %w", err)
	}
	if !strings.HasPrefix(absFull, absBase+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes base directory: %s", relativePath)
	}
	return absFull, nil
}

func readOptional(path string) (string, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return string(data), nil
}
