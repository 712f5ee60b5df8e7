package playlist

import (
	"fmt"

	"github.com/grafov/m3u8"
)

// Encode serializes a parsed playlist back into M3U8 text. Used for the
// resolved-manifest debug dump and to keep parsing round-trippable.
func Encode(p *Playlist) (string, error) {
	if p.Master {
		master := m3u8.NewMasterPlaylist()
		for _, v := range p.Variants {
			params := m3u8.VariantParams{Bandwidth: uint32(v.Bandwidth)}
			if v.Width > 0 && v.Height > 0 {
				params.Resolution = fmt.Sprintf("%dx%d", v.Width, v.Height)
			}
			master.Append(v.URL, &m3u8.MediaPlaylist{}, params)
		}
		return master.String(), nil
	}

	media, err := m3u8.NewMediaPlaylist(uint(len(p.Segments)), uint(len(p.Segments)))
	if err != nil {
		return "", fmt.Errorf("failed to create media playlist: %w", err)
	}
	for _, seg := range p.Segments {
		if err := media.Append(seg.URL, 0, ""); err != nil {
			return "", fmt.Errorf("failed to append segment %d: %w", seg.Index, err)
		}
	}
	if p.Init != nil {
		media.SetDefaultMap(p.Init.URL, 0, 0)
	}
	media.Close()
	return media.String(), nil
}
