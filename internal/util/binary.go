// Package util holds small helpers shared across packages: bit field
// extraction and executable lookup.
package util

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
)

// ErrBinaryNotFound is returned when no candidate location holds an executable.
var ErrBinaryNotFound = errors.New("binary not found")

// FindBinary locates an executable by name. Candidates, in order:
//  1. the path in envVar, when envVar is non-empty and set
//  2. ./name
//  3. name on PATH
func FindBinary(name string, envVar string) (string, error) {
	var candidates []string
	if envVar != "" {
		if p := os.Getenv(envVar); p != "" {
			candidates = append(candidates, p)
		}
	}
	candidates = append(candidates, "./"+name)

	for _, p := range candidates {
		if isExecutable(p) {
			return p, nil
		}
	}

	if p, err := exec.LookPath(name); err == nil {
		return p, nil
	}

	return "", fmt.Errorf("%w: %s", ErrBinaryNotFound, name)
}

// isExecutable reports whether path is a regular file with any execute bit set.
func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	return info.Mode()&0o111 != 0
}
