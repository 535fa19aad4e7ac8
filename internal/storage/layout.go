// Package storage manages the on-disk HLS output tree. Every device owns
// {base}/{device_id}/ holding playlist.m3u8 and a streams/ directory of
// MPEG-TS segments. All paths resolve inside the base directory.
package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Fixed names inside a device directory.
const (
	StreamsDirName = "streams"
	PlaylistName   = "playlist.m3u8"
	SegmentExt     = ".ts"
)

// Errors.
var (
	ErrInvalidDeviceID = errors.New("invalid device id")
	ErrInvalidSegment  = errors.New("invalid segment name")
	ErrEscapesBase     = errors.New("path escapes base directory")
)

var deviceIDPattern = regexp.MustCompile(`^[0-9A-F]{12}$`)

// ValidDeviceID reports whether id is a 12 digit uppercase hex terminal serial.
func ValidDeviceID(id string) bool {
	return deviceIDPattern.MatchString(id)
}

// Paths locates one device's output.
type Paths struct {
	Dir          string
	StreamsDir   string
	PlaylistPath string
}

// Layout resolves device paths under a base directory.
type Layout struct {
	baseDir string
}

// NewLayout creates a Layout rooted at baseDir, creating it if needed.
func NewLayout(baseDir string) (*Layout, error) {
	abs, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("getting absolute path: %w", err)
	}
	if err := os.MkdirAll(abs, 0o750); err != nil {
		return nil, fmt.Errorf("creating base directory: %w", err)
	}
	return &Layout{baseDir: abs}, nil
}

// BaseDir returns the absolute base directory.
func (l *Layout) BaseDir() string {
	return l.baseDir
}

// Paths returns the locations for deviceID without touching the filesystem.
func (l *Layout) Paths(deviceID string) (Paths, error) {
	if !ValidDeviceID(deviceID) {
		return Paths{}, fmt.Errorf("%w: %q", ErrInvalidDeviceID, deviceID)
	}
	dir, err := l.resolve(deviceID)
	if err != nil {
		return Paths{}, err
	}
	return Paths{
		Dir:          dir,
		StreamsDir:   filepath.Join(dir, StreamsDirName),
		PlaylistPath: filepath.Join(dir, PlaylistName),
	}, nil
}

// Create makes {device}/streams/ and returns the device paths.
func (l *Layout) Create(deviceID string) (Paths, error) {
	p, err := l.Paths(deviceID)
	if err != nil {
		return Paths{}, err
	}
	if err := os.MkdirAll(p.StreamsDir, 0o750); err != nil {
		return Paths{}, fmt.Errorf("creating streams directory: %w", err)
	}
	return p, nil
}

// Remove deletes the whole device tree. A missing tree is not an error.
func (l *Layout) Remove(deviceID string) error {
	p, err := l.Paths(deviceID)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(p.Dir); err != nil {
		return fmt.Errorf("removing %s: %w", p.Dir, err)
	}
	return nil
}

// SegmentPath resolves a segment file name (without directories) for deviceID.
func (l *Layout) SegmentPath(deviceID, segment string) (string, error) {
	p, err := l.Paths(deviceID)
	if err != nil {
		return "", err
	}
	if segment == "" || segment != filepath.Base(segment) || strings.HasPrefix(segment, ".") {
		return "", fmt.Errorf("%w: %q", ErrInvalidSegment, segment)
	}
	if !strings.HasSuffix(segment, SegmentExt) {
		segment += SegmentExt
	}
	return filepath.Join(p.StreamsDir, segment), nil
}

// Devices lists device directories currently present under the base.
func (l *Layout) Devices() ([]string, error) {
	entries, err := os.ReadDir(l.baseDir)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() && ValidDeviceID(e.Name()) {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}

func (l *Layout) resolve(rel string) (string, error) {
	full := filepath.Join(l.baseDir, filepath.Clean(rel))
	if !strings.HasPrefix(full, l.baseDir+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrEscapesBase, rel)
	}
	return full, nil
}
