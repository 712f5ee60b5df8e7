package playlist

import "fmt"

// Format is the container hint for a media playlist, computed once at parse
// time. Everything downstream consults this instead of re-sniffing URLs.
type Format int

const (
	FormatUnknown Format = iota
	FormatTS
	FormatFMP4
)

func (f Format) String() string {
	switch f {
	case FormatTS:
		return "ts"
	case FormatFMP4:
		return "fmp4"
	}
	return "unknown"
}

// Extension returns the output file extension for this container.
func (f Format) Extension() string {
	if f == FormatFMP4 {
		return ".mp4"
	}
	return ".ts"
}

// Variant is one rendition listed in a master playlist.
type Variant struct {
	URL       string
	Bandwidth int
	Width     int
	Height    int
}

// Label is the human-readable rendition name, e.g. "1080p".
func (v Variant) Label() string {
	if v.Height > 0 {
		return fmt.Sprintf("%dp", v.Height)
	}
	if v.Bandwidth > 0 {
		return fmt.Sprintf("%dkbps", v.Bandwidth/1000)
	}
	return ""
}

// SegmentRef is an absolute segment URL plus its ordinal position in the
// media playlist. The index is the segment's identity through the whole
// pipeline.
type SegmentRef struct {
	Index int
	URL   string
}

type Playlist struct {
	// Master playlists carry Variants, ordered by descending bandwidth.
	Master   bool
	Variants []Variant

	// Media playlists carry Segments in play order, an optional init
	// segment, and the container hint.
	Segments []SegmentRef
	Init     *SegmentRef
	Format   Format

	// Quality is the label of the rendition chosen from the master
	// playlist; empty when the input was already a media playlist.
	Quality string
}
