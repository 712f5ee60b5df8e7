package validate

import (
	"github.com/hlsget/hlsget/config"
	xerrors "github.com/hlsget/hlsget/errors"
	"github.com/hlsget/hlsget/fetch"
	"github.com/hlsget/hlsget/log"
	"github.com/hlsget/hlsget/playlist"
)

// TSSyncByte starts every MPEG-TS packet.
const TSSyncByte = 0x47

// Report summarizes the fetch phase for logging and diagnostics.
type Report struct {
	Total                 int
	Delivered             int
	SuccessRate           float64
	Missing               []int
	MaxConsecutiveMissing int
}

// Check enforces the post-fetch integrity rules: the success-rate floor, no
// missing leading segments, no long consecutive gaps, and no truncated
// payloads. A small number of interior gaps is tolerated with a warning.
func Check(jobID string, total int, res *fetch.Result) (*Report, error) {
	report := &Report{
		Total:                 total,
		Delivered:             len(res.Payloads),
		Missing:               res.Missing,
		MaxConsecutiveMissing: res.MaxConsecutiveMissing(),
	}
	if total > 0 {
		report.SuccessRate = float64(report.Delivered) / float64(total)
	}

	if report.SuccessRate < config.MinSuccessRate {
		return report, xerrors.New(xerrors.KindFetchFloor,
			"success_rate=%.3f below floor %.2f", report.SuccessRate, config.MinSuccessRate)
	}

	leading := config.LeadingWindow
	if leading > total {
		leading = total
	}
	for _, idx := range res.Missing {
		if idx < leading {
			return report, xerrors.New(xerrors.KindFetchFloor, "missing leading segment %d", idx)
		}
	}

	if report.MaxConsecutiveMissing > config.MaxConsecutiveMissing {
		return report, xerrors.New(xerrors.KindFetchFloor,
			"max_consecutive_missing=%d exceeds %d", report.MaxConsecutiveMissing, config.MaxConsecutiveMissing)
	}

	if len(res.Payloads) == 0 || res.Payloads[0].Index != 0 {
		return report, xerrors.New(xerrors.KindFetchFloor, "first delivered segment is not index 0")
	}
	for _, p := range res.Payloads {
		if p.Index > 0 && len(p.Bytes) == 0 {
			return report, xerrors.New(xerrors.KindFetchFloor, "segment %d is empty", p.Index)
		}
	}

	if len(res.Missing) > 0 {
		log.Log(jobID, "proceeding with missing segments",
			"missing", len(res.Missing), "success_rate", report.SuccessRate)
	}
	return report, nil
}

// CheckContainer verifies the assembled output's container markers. A bad
// TS sync byte is tolerated with a warning; a fragmented MP4 without ftyp
// is fatal.
func CheckContainer(jobID string, format playlist.Format, head []byte) error {
	switch format {
	case playlist.FormatTS:
		if len(head) == 0 || head[0] != TSSyncByte {
			log.Log(jobID, "TS output does not start with sync byte, accepting anyway")
		}
	case playlist.FormatFMP4:
		if !HasFtyp(head) {
			return xerrors.New(xerrors.KindFormatInvalid, "fMP4 output missing ftyp marker")
		}
	}
	return nil
}

func HasFtyp(b []byte) bool {
	return len(b) >= 8 && string(b[4:8]) == "ftyp"
}
