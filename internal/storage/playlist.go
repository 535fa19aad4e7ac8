package storage

import (
	"fmt"
	"os"
	"time"

	"github.com/bluenviron/gohlslib/v2/pkg/playlist"
)

// PlaylistInfo summarises a media playlist written by the transcoder.
type PlaylistInfo struct {
	TargetDuration int           `json:"target_duration"`
	MediaSequence  int           `json:"media_sequence"`
	Ended          bool          `json:"ended"`
	Segments       []SegmentInfo `json:"segments"`
	TotalDuration  time.Duration `json:"total_duration"`
	ModTime        time.Time     `json:"mod_time"`
}

// SegmentInfo is one playlist entry.
type SegmentInfo struct {
	URI      string        `json:"uri"`
	Duration time.Duration `json:"duration"`
}

// InspectPlaylist parses the playlist at path.
func InspectPlaylist(path string) (*PlaylistInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	info, err := parseMediaPlaylist(data)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if st, err := os.Stat(path); err == nil {
		info.ModTime = st.ModTime()
	}
	return info, nil
}

func parseMediaPlaylist(data []byte) (*PlaylistInfo, error) {
	pl, err := playlist.Unmarshal(data)
	if err != nil {
		return nil, err
	}

	media, ok := pl.(*playlist.Media)
	if !ok {
		return nil, fmt.Errorf("expected media playlist, got multivariant")
	}

	info := &PlaylistInfo{
		TargetDuration: media.TargetDuration,
		MediaSequence:  media.MediaSequence,
		Ended:          media.Endlist,
		Segments:       make([]SegmentInfo, 0, len(media.Segments)),
	}
	for _, seg := range media.Segments {
		if seg == nil {
			continue
		}
		info.Segments = append(info.Segments, SegmentInfo{URI: seg.URI, Duration: seg.Duration})
		info.TotalDuration += seg.Duration
	}
	return info, nil
}
