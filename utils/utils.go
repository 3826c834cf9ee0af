package utils

import (
	"path/filepath"
)

// AbsPath resolves path against the working directory, returning it
// unchanged when it is already absolute or cannot be resolved.
func AbsPath(path string) string {
	if !filepath.IsAbs(path) {
		b, err := filepath.Abs(path)
		if err == nil {
			path = b
		}
	}
	return path
}
