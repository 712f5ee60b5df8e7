/*
Package assemble turns fetched segment payloads into final output files. Small
downloads are concatenated in memory; anything larger is spilled to the blob
store in fixed-size chunks and streamed back out. When the sink refuses a
single file the engine splits the stream into numbered parts, keeping part
boundaries packet-aligned for MPEG-TS.
*/
package assemble

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/hlsget/hlsget/config"
	xerrors "github.com/hlsget/hlsget/errors"
	"github.com/hlsget/hlsget/fetch"
	"github.com/hlsget/hlsget/log"
	"github.com/hlsget/hlsget/playlist"
	"github.com/hlsget/hlsget/sink"
	"github.com/hlsget/hlsget/store"
	"github.com/hlsget/hlsget/validate"
)

type Engine struct {
	Store store.BlobStore
	JobID string

	// Called once, right before the first byte reaches the sink.
	OnWriting func()
}

// Assemble writes the init segment followed by every payload in index order
// to the sink under name. Payload buffers are released as they are consumed.
func (e *Engine) Assemble(ctx context.Context, format playlist.Format, init []byte,
	payloads []fetch.Payload, out sink.Sink, name string) error {

	total := int64(len(init))
	for _, p := range payloads {
		total += int64(len(p.Bytes))
	}
	if total == 0 {
		return xerrors.New(xerrors.KindNoSegments, "nothing to assemble")
	}

	head := init
	if len(head) == 0 && len(payloads) > 0 {
		head = payloads[0].Bytes
	}
	if err := validate.CheckContainer(e.JobID, format, head); err != nil {
		return err
	}

	if total <= config.SmallRegimeMaxBytes {
		return e.assembleSmall(ctx, format, init, payloads, out, name, total)
	}
	return e.assembleSpilled(ctx, format, init, payloads, out, name, total)
}

func (e *Engine) assembleSmall(ctx context.Context, format playlist.Format, init []byte,
	payloads []fetch.Payload, out sink.Sink, name string, total int64) error {

	buf := make([]byte, 0, total)
	buf = append(buf, init...)
	for i := range payloads {
		buf = append(buf, payloads[i].Bytes...)
		payloads[i].Bytes = nil
	}
	log.Log(e.JobID, "assembled in memory", "bytes", len(buf))

	return e.deliver(ctx, out, name, format, total, 1, func(int) ([]byte, error) {
		return buf, nil
	})
}

// assembleSpilled stages the output in the blob store so the full stream
// never lives in memory at once. The spilled chunks are dropped on return,
// success or not.
func (e *Engine) assembleSpilled(ctx context.Context, format playlist.Format, init []byte,
	payloads []fetch.Payload, out sink.Sink, name string, total int64) error {

	defer func() {
		if err := e.Store.DeletePrefix(store.ChunkPrefix(e.JobID)); err != nil {
			log.LogError(e.JobID, "failed to drop spill chunks", err)
		}
	}()

	nChunks := 0
	buf := make([]byte, 0, config.SpillChunkBytes)
	flush := func() error {
		if len(buf) == 0 {
			return nil
		}
		if err := e.Store.Put(store.ChunkKey(e.JobID, nChunks), buf); err != nil {
			return xerrors.Wrap(xerrors.KindSinkFailure, err, "failed to spill chunk %d", nChunks)
		}
		nChunks++
		buf = buf[:0]
		return nil
	}

	buf = append(buf, init...)
	for i := range payloads {
		if err := ctx.Err(); err != nil {
			return xerrors.Wrap(xerrors.KindCancelled, err, "assembly cancelled")
		}
		buf = append(buf, payloads[i].Bytes...)
		payloads[i].Bytes = nil
		if int64(len(buf)) >= config.SpillChunkBytes {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := flush(); err != nil {
		return err
	}
	log.Log(e.JobID, "spilled output to blob store", "chunks", nChunks, "bytes", total)

	return e.deliver(ctx, out, name, format, total, nChunks, func(i int) ([]byte, error) {
		return e.Store.Get(store.ChunkKey(e.JobID, i))
	})
}

// deliver streams nChunks chunks to the sink as a single file, falling back
// to numbered parts when the sink refuses the size.
func (e *Engine) deliver(ctx context.Context, out sink.Sink, name string, format playlist.Format,
	total int64, nChunks int, getChunk func(i int) ([]byte, error)) error {

	if e.OnWriting != nil {
		e.OnWriting()
	}

	h, err := out.Begin(name, total)
	if errors.Is(err, sink.ErrWantParts) {
		return e.deliverParts(ctx, out, name, format, total, nChunks, getChunk)
	}
	if err != nil {
		return xerrors.Wrap(xerrors.KindSinkFailure, err, "failed to open output %s", name)
	}

	for i := 0; i < nChunks; i++ {
		if err := ctx.Err(); err != nil {
			h.Abort()
			return xerrors.Wrap(xerrors.KindCancelled, err, "write cancelled")
		}
		chunk, err := getChunk(i)
		if err != nil {
			h.Abort()
			return xerrors.Wrap(xerrors.KindSinkFailure, err, "failed to read back chunk %d", i)
		}
		if _, err := h.Write(chunk); err != nil {
			h.Abort()
			return xerrors.Wrap(xerrors.KindSinkFailure, err, "write to %s failed", name)
		}
	}
	if err := h.Commit(); err != nil {
		return xerrors.Wrap(xerrors.KindSinkFailure, err, "failed to commit %s", name)
	}
	log.Log(e.JobID, "output committed", "name", name, "bytes", total)
	return nil
}

// deliverParts splits the stream into <base>_partK<ext> files of at most the
// configured part size. For MPEG-TS the per-part capacity is rounded down to
// a whole number of 188-byte packets so every part starts on a sync byte.
func (e *Engine) deliverParts(ctx context.Context, out sink.Sink, name string, format playlist.Format,
	total int64, nChunks int, getChunk func(i int) ([]byte, error)) error {

	ext := path.Ext(name)
	base := strings.TrimSuffix(name, ext)

	capPart := config.OutputPartBytes
	if format == playlist.FormatTS {
		capPart -= capPart % config.TSPacketSize
	}

	var (
		h       sink.Handle
		written int64
		partNum int
	)
	abort := func() {
		if h != nil {
			h.Abort()
		}
	}

	for i := 0; i < nChunks; i++ {
		if err := ctx.Err(); err != nil {
			abort()
			return xerrors.Wrap(xerrors.KindCancelled, err, "write cancelled")
		}
		chunk, err := getChunk(i)
		if err != nil {
			abort()
			return xerrors.Wrap(xerrors.KindSinkFailure, err, "failed to read back chunk %d", i)
		}
		for len(chunk) > 0 {
			if h == nil {
				partNum++
				partName := fmt.Sprintf("%s_part%d%s", base, partNum, ext)
				h, err = out.Begin(partName, capPart)
				if err != nil {
					return xerrors.Wrap(xerrors.KindSinkFailure, err, "failed to open part %s", partName)
				}
				written = 0
			}
			room := capPart - written
			w := int64(len(chunk))
			if w > room {
				w = room
			}
			if _, err := h.Write(chunk[:w]); err != nil {
				abort()
				return xerrors.Wrap(xerrors.KindSinkFailure, err, "write to part %d failed", partNum)
			}
			written += w
			chunk = chunk[w:]
			if written == capPart {
				if err := h.Commit(); err != nil {
					return xerrors.Wrap(xerrors.KindSinkFailure, err, "failed to commit part %d", partNum)
				}
				h = nil
			}
		}
	}
	if h != nil {
		if err := h.Commit(); err != nil {
			return xerrors.Wrap(xerrors.KindSinkFailure, err, "failed to commit part %d", partNum)
		}
	}
	log.Log(e.JobID, "output committed in parts", "name", name, "parts", partNum, "bytes", total)
	return nil
}
