// Package ffmpeg locates the FFmpeg binary and runs it as a managed child
// process with stderr capture and resource monitoring.
package ffmpeg

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jmylchreest/jtstream/internal/util"
)

// BinaryEnvVar overrides the ffmpeg lookup.
const BinaryEnvVar = "JTSTREAM_FFMPEG_BINARY"

// BinaryInfo contains information about the FFmpeg installation.
type BinaryInfo struct {
	FFmpegPath    string       `json:"ffmpeg_path"`
	Version       string       `json:"version"`
	MajorVersion  int          `json:"major_version"`
	MinorVersion  int          `json:"minor_version"`
	BuildDate     string       `json:"build_date,omitempty"`
	Configuration string       `json:"configuration,omitempty"`
	Formats       []FormatInfo `json:"formats,omitempty"`
}

// FormatInfo represents format/container information from FFmpeg.
type FormatInfo struct {
	Name     string `json:"name"`
	LongName string `json:"long_name,omitempty"`
	CanMux   bool   `json:"can_mux"`
	CanDemux bool   `json:"can_demux"`
}

// FindFFmpeg resolves the ffmpeg executable. A non-empty configured path
// wins; otherwise the search order is BinaryEnvVar, ./ffmpeg, PATH.
func FindFFmpeg(configured string) (string, error) {
	if configured != "" {
		path, err := exec.LookPath(configured)
		if err != nil {
			return "", fmt.Errorf("ffmpeg not found at %s: %w", configured, err)
		}
		return path, nil
	}
	path, err := util.FindBinary("ffmpeg", BinaryEnvVar)
	if err != nil {
		return "", fmt.Errorf("ffmpeg not found: %w", err)
	}
	return path, nil
}

// BinaryDetector handles detection and caching of FFmpeg capabilities.
type BinaryDetector struct {
	configured string

	mu           sync.RWMutex
	info         *BinaryInfo
	lastDetected time.Time
	cacheTTL     time.Duration
}

// NewBinaryDetector creates a detector. configured may be empty.
func NewBinaryDetector(configured string) *BinaryDetector {
	return &BinaryDetector{
		configured: configured,
		cacheTTL:   5 * time.Minute,
	}
}

// WithCacheTTL sets the cache TTL for binary detection.
func (d *BinaryDetector) WithCacheTTL(ttl time.Duration) *BinaryDetector {
	d.cacheTTL = ttl
	return d
}

// Detect finds the FFmpeg binary and queries its version and formats.
func (d *BinaryDetector) Detect(ctx context.Context) (*BinaryInfo, error) {
	d.mu.RLock()
	if d.info != nil && time.Since(d.lastDetected) < d.cacheTTL {
		info := d.info
		d.mu.RUnlock()
		return info, nil
	}
	d.mu.RUnlock()

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.info != nil && time.Since(d.lastDetected) < d.cacheTTL {
		return d.info, nil
	}

	info, err := d.detect(ctx)
	if err != nil {
		return nil, err
	}

	d.info = info
	d.lastDetected = time.Now()
	return info, nil
}

// Clear clears the cached binary information.
func (d *BinaryDetector) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.info = nil
}

func (d *BinaryDetector) detect(ctx context.Context) (*BinaryInfo, error) {
	path, err := FindFFmpeg(d.configured)
	if err != nil {
		return nil, err
	}

	out, err := exec.CommandContext(ctx, path, "-version").Output()
	if err != nil {
		return nil, fmt.Errorf("getting ffmpeg version: %w", err)
	}
	info, err := parseVersion(string(out))
	if err != nil {
		return nil, err
	}
	info.FFmpegPath = path

	if out, err := exec.CommandContext(ctx, path, "-formats", "-hide_banner").Output(); err == nil {
		info.Formats = parseFormats(string(out))
	}

	return info, nil
}

var versionRegex = regexp.MustCompile(`^n?(\d+)\.(\d+)`)

// parseVersion reads the output of "ffmpeg -version".
func parseVersion(output string) (*BinaryInfo, error) {
	info := &BinaryInfo{}

	for _, line := range strings.Split(output, "\n") {
		switch {
		case strings.HasPrefix(line, "ffmpeg version"):
			parts := strings.Fields(line)
			if len(parts) >= 3 {
				info.Version = parts[2]
				if m := versionRegex.FindStringSubmatch(parts[2]); len(m) >= 3 {
					info.MajorVersion, _ = strconv.Atoi(m[1])
					info.MinorVersion, _ = strconv.Atoi(m[2])
				}
			}
		case strings.HasPrefix(line, "built with"):
			info.BuildDate = strings.TrimPrefix(line, "built with ")
		case strings.HasPrefix(line, "configuration:"):
			info.Configuration = strings.TrimPrefix(line, "configuration: ")
		}
	}

	if info.Version == "" {
		return nil, fmt.Errorf("failed to parse ffmpeg version")
	}
	return info, nil
}

// parseFormats reads the output of "ffmpeg -formats".
func parseFormats(output string) []FormatInfo {
	var formats []FormatInfo
	inList := false

	for _, line := range strings.Split(output, "\n") {
		if strings.Contains(line, "--") {
			inList = true
			continue
		}
		if !inList || len(line) < 4 {
			continue
		}

		flags := line[:4]
		parts := strings.SplitN(strings.TrimSpace(line[4:]), " ", 2)
		if parts[0] == "" {
			continue
		}

		f := FormatInfo{
			Name:     parts[0],
			CanDemux: strings.Contains(flags, "D"),
			CanMux:   strings.Contains(flags, "E"),
		}
		if len(parts) > 1 {
			f.LongName = strings.TrimSpace(parts[1])
		}
		formats = append(formats, f)
	}

	return formats
}

// CanMux reports whether the named muxer is available.
func (info *BinaryInfo) CanMux(name string) bool {
	for _, f := range info.Formats {
		if f.CanMux && formatNameHas(f.Name, name) {
			return true
		}
	}
	return false
}

// CanDemux reports whether the named demuxer is available.
func (info *BinaryInfo) CanDemux(name string) bool {
	for _, f := range info.Formats {
		if f.CanDemux && formatNameHas(f.Name, name) {
			return true
		}
	}
	return false
}

// formatNameHas handles comma separated aliases such as "mov,mp4,m4a".
func formatNameHas(list, name string) bool {
	for _, n := range strings.Split(list, ",") {
		if n == name {
			return true
		}
	}
	return false
}

// JSON returns the binary info as JSON string.
func (info *BinaryInfo) JSON() string {
	data, _ := json.MarshalIndent(info, "", "  ")
	return string(data)
}

// SupportsMinVersion returns true if FFmpeg version meets minimum requirement.
func (info *BinaryInfo) SupportsMinVersion(major, minor int) bool {
	if info.MajorVersion != major {
		return info.MajorVersion > major
	}
	return info.MinorVersion >= minor
}
