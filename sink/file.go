package sink

import (
	"os"
	"path/filepath"

	"github.com/google/renameio/v2"
)

// FileSink writes outputs into Dir via a temp file that is atomically
// renamed into place on Commit, so a crashed or aborted job never leaves a
// partial file behind.
type FileSink struct {
	Dir string

	// When non-zero, Begin refuses single files larger than this and the
	// engine falls back to part mode.
	MaxFileBytes int64
}

func (s *FileSink) Begin(name string, expectedSize int64) (Handle, error) {
	if s.MaxFileBytes > 0 && expectedSize > s.MaxFileBytes {
		return nil, ErrWantParts
	}
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return nil, err
	}
	pf, err := renameio.NewPendingFile(filepath.Join(s.Dir, name), renameio.WithPermissions(0o644))
	if err != nil {
		return nil, err
	}
	return &fileHandle{pf: pf}, nil
}

type fileHandle struct {
	pf *renameio.PendingFile
}

func (h *fileHandle) Write(p []byte) (int, error) {
	return h.pf.Write(p)
}

func (h *fileHandle) Commit() error {
	return h.pf.CloseAtomicallyReplace()
}

func (h *fileHandle) Abort() error {
	return h.pf.Cleanup()
}
