package version

import (
	"encoding/json"
	"runtime"
	"runtime/debug"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetInfo(t *testing.T) {
	info := GetInfo()
	assert.NotEmpty(t, info.Version)
	assert.Equal(t, runtime.Version(), info.GoVersion)
	assert.Equal(t, runtime.GOOS+"/"+runtime.GOARCH, info.Platform)
}

func TestApplyBuildSettings(t *testing.T) {
	settings := []debug.BuildSetting{
		{Key: "vcs.revision", Value: "0123456789abcdef"},
		{Key: "vcs.time", Value: "2024-05-01T10:00:00Z"},
		{Key: "vcs.modified", Value: "true"},
	}

	info := Info{Commit: "unknown", Date: "unknown"}
	applyBuildSettings(&info, settings)
	assert.Equal(t, "0123456789abcdef", info.Commit)
	assert.Equal(t, "2024-05-01T10:00:00Z", info.Date)
	assert.True(t, info.Modified)

	// Link time values win.
	info = Info{Commit: "fedcba9876543210", Date: "2025-01-01T00:00:00Z"}
	applyBuildSettings(&info, settings)
	assert.Equal(t, "fedcba9876543210", info.Commit)
	assert.Equal(t, "2025-01-01T00:00:00Z", info.Date)
}

func TestString(t *testing.T) {
	assert.Contains(t, String(), ApplicationName+" version")
}

func TestShort(t *testing.T) {
	orig, origCommit := Version, Commit
	t.Cleanup(func() { Version, Commit = orig, origCommit })

	Version = "1.4.0"
	Commit = "abcdef0123456789"
	assert.Equal(t, "1.4.0 (abcdef01)", Short())
}

func TestIsSnapshot(t *testing.T) {
	orig := Version
	t.Cleanup(func() { Version = orig })

	tests := []struct {
		version string
		want    bool
	}{
		{"dev", true},
		{"1.0.0", false},
		{"1.0.1-SNAPSHOT.abc1234", true},
		{"1.2.3-alpha.1", false},
	}
	for _, tt := range tests {
		Version = tt.version
		assert.Equal(t, tt.want, IsSnapshot(), tt.version)
	}
}

func TestInfoJSON(t *testing.T) {
	data, err := json.Marshal(GetInfo())
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	for _, key := range []string{"version", "commit", "date", "go_version", "platform"} {
		assert.Contains(t, decoded, key)
	}
}
