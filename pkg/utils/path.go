package utils

import (
	"fmt"
	"path/filepath"
	"strings"
)

// SecureJoin joins elements onto base and rejects results that escape base.
//
//	dir, err := SecureJoin(outputDir, run, sample)
func SecureJoin(base string, elements ...string) (string, error) {
	if base == "" {
		return "", fmt.Errorf("base path cannot be empty")
	}

	cleanBase := filepath.Clean(base)
	fullPath := filepath.Join(append([]string{cleanBase}, elements...)...)

	if fullPath != cleanBase && !strings.HasPrefix(fullPath, cleanBase+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes base directory %s", filepath.Join(elements...), base)
	}
	return fullPath, nil
}
