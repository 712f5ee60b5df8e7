package assemble

import (
	"bytes"
	"encoding/binary"
)

const (
	moovScanLimit  = 500 << 10
	moovFallbackAt = 200 << 10
)

// SynthesizeInit splits a leading fragmented-MP4 segment that carries its own
// initialization data. Some origins omit the EXT-X-MAP tag and prepend the
// ftyp/moov boxes to the first media segment instead; the split point is the
// end of the moov box. Returns the synthesized init and the remaining media
// bytes. If no moov box is found in the scan window the head of the segment
// is taken as a best-effort init.
func SynthesizeInit(seg []byte) (init, rest []byte) {
	limit := len(seg)
	if limit > moovScanLimit {
		limit = moovScanLimit
	}
	idx := bytes.Index(seg[:limit], []byte("moov"))
	if idx >= 4 {
		size := int(binary.BigEndian.Uint32(seg[idx-4 : idx]))
		end := idx - 4 + size
		if size > 8 && end <= len(seg) {
			return seg[:end], seg[end:]
		}
	}

	cut := moovFallbackAt
	if cut >= len(seg) {
		return seg, nil
	}
	return seg[:cut], seg[cut:]
}
