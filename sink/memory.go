package sink

import (
	"bytes"
	"sync"
)

// MemorySink captures committed outputs in memory. Used by tests and as a
// stub sink when wiring pipelines without disk access.
type MemorySink struct {
	mu        sync.Mutex
	committed map[string][]byte
	aborted   int

	// When non-zero, Begin refuses single files larger than this.
	MaxFileBytes int64
}

func NewMemorySink() *MemorySink {
	return &MemorySink{committed: make(map[string][]byte)}
}

func (s *MemorySink) Begin(name string, expectedSize int64) (Handle, error) {
	if s.MaxFileBytes > 0 && expectedSize > s.MaxFileBytes {
		return nil, ErrWantParts
	}
	return &memoryHandle{sink: s, name: name}, nil
}

// Committed returns the bytes committed under name, or nil.
func (s *MemorySink) Committed(name string) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.committed[name]
}

func (s *MemorySink) CommittedNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.committed))
	for k := range s.committed {
		names = append(names, k)
	}
	return names
}

func (s *MemorySink) Aborted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aborted
}

type memoryHandle struct {
	sink *MemorySink
	name string
	buf  bytes.Buffer
}

func (h *memoryHandle) Write(p []byte) (int, error) {
	return h.buf.Write(p)
}

func (h *memoryHandle) Commit() error {
	h.sink.mu.Lock()
	defer h.sink.mu.Unlock()
	h.sink.committed[h.name] = h.buf.Bytes()
	return nil
}

func (h *memoryHandle) Abort() error {
	h.sink.mu.Lock()
	defer h.sink.mu.Unlock()
	h.sink.aborted++
	return nil
}
