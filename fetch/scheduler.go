package fetch

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hlsget/hlsget/config"
	xerrors "github.com/hlsget/hlsget/errors"
	"github.com/hlsget/hlsget/log"
	"github.com/hlsget/hlsget/metrics"
	"github.com/hlsget/hlsget/playlist"
)

// Payload is one fetched segment body, identified by its playlist index.
type Payload struct {
	Index int
	Bytes []byte
}

// Result is what the scheduler hands to validation and assembly: successful
// payloads in ascending index order, the init segment bytes when the
// playlist carries one, and the indices that stayed missing after the
// recovery pass.
type Result struct {
	Payloads []Payload
	Init     []byte
	Missing  []int
}

// MaxConsecutiveMissing returns the longest run of consecutive missing
// indices.
func (r *Result) MaxConsecutiveMissing() int {
	var longest, run int
	for i, idx := range r.Missing {
		if i > 0 && idx == r.Missing[i-1]+1 {
			run++
		} else {
			run = 1
		}
		if run > longest {
			longest = run
		}
	}
	return longest
}

// Scheduler drives bounded-parallel fetching of a media playlist's segments
// in batches, with per-segment retries and a final recovery pass.
type Scheduler struct {
	Client *Client
	JobID  string

	// Swapped in tests to record computed delays without sleeping.
	delayFn func(class ErrorClass, attempt int) time.Duration

	completed atomic.Int64
}

func NewScheduler(client *Client, jobID string) *Scheduler {
	return &Scheduler{
		Client:  client,
		JobID:   jobID,
		delayFn: Delay,
	}
}

// FetchAll downloads the init segment plus every media segment. onProgress
// is invoked with (completed, total) as segments land; completions from the
// recovery pass arrive concurrently.
func (s *Scheduler) FetchAll(ctx context.Context, refs []playlist.SegmentRef, init *playlist.SegmentRef,
	format playlist.Format, onProgress func(done, total int)) (*Result, error) {

	n := len(refs)
	if n == 0 {
		return nil, xerrors.New(xerrors.KindNoSegments, "no segments to fetch")
	}

	result := &Result{}
	if init != nil {
		initBytes, err := s.fetchInit(ctx, init.URL, format)
		if err != nil {
			return nil, err
		}
		result.Init = initBytes
	}

	batchSize := config.DefaultBatchSize
	if n > config.ReducedBatchAbove {
		batchSize = config.ReducedBatchSize
	}
	pause := config.DefaultBatchPause
	if n > config.ExtendedPauseAbove {
		pause = config.ExtendedBatchPause
	}
	log.Log(s.JobID, "starting segment fetch", "segments", n, "batch_size", batchSize, "pause", pause)

	payloads := make([][]byte, n)
	for start := 0; start < n; start += batchSize {
		end := start + batchSize
		if end > n {
			end = n
		}
		if err := s.fetchBatch(ctx, refs[start:end], payloads, n, onProgress); err != nil {
			return nil, err
		}
		// pacing applies after every batch regardless of outcome
		if err := SleepInterruptible(ctx, pause); err != nil {
			return nil, s.terminal(ctx)
		}
	}

	failed := missingIndices(payloads)
	if len(failed) > 0 {
		if err := s.recoveryPass(ctx, refs, failed, payloads, n, onProgress); err != nil {
			return nil, err
		}
	}

	for i, b := range payloads {
		if b == nil {
			result.Missing = append(result.Missing, i)
		} else {
			result.Payloads = append(result.Payloads, Payload{Index: i, Bytes: b})
		}
	}

	rate := float64(n-len(result.Missing)) / float64(n)
	if rate < config.MinSuccessRate {
		if run := result.MaxConsecutiveMissing(); run > config.MaxConsecutiveMissing {
			return nil, xerrors.New(xerrors.KindFetchFloor,
				"success rate %.3f below %.2f floor after recovery (missing %d of %d segments, max_consecutive_missing=%d)",
				rate, config.MinSuccessRate, len(result.Missing), n, run)
		}
		return nil, xerrors.New(xerrors.KindFetchFloor,
			"success rate %.3f below %.2f floor after recovery (missing %d of %d segments)",
			rate, config.MinSuccessRate, len(result.Missing), n)
	}
	return result, nil
}

// fetchBatch issues one batch concurrently and waits for every request to
// settle, probing for cancellation on a short interval. On cancellation the
// batch's partial results are discarded.
func (s *Scheduler) fetchBatch(ctx context.Context, batch []playlist.SegmentRef, payloads [][]byte,
	total int, onProgress func(done, total int)) error {

	staging := make([][]byte, len(batch))
	g, gctx := errgroup.WithContext(ctx)
	for i, ref := range batch {
		i, ref := i, ref
		g.Go(func() error {
			b, err := s.fetchSegment(gctx, ref, config.PrimaryAttempts)
			if err != nil {
				if Classify(err) == ClassCancelled {
					return err
				}
				// left for the recovery pass
				log.Log(s.JobID, "segment failed primary pass", "index", ref.Index, "err", err)
				return nil
			}
			staging[i] = b
			return nil
		})
	}

	waitErr := make(chan error, 1)
	go func() { waitErr <- g.Wait() }()
	ticker := time.NewTicker(config.CancelProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case err := <-waitErr:
			if err != nil {
				return s.terminal(ctx)
			}
			for i, b := range staging {
				if b != nil {
					payloads[batch[i].Index] = b
					done := s.completed.Add(1)
					if onProgress != nil {
						onProgress(int(done), total)
					}
				}
			}
			return nil
		case <-ticker.C:
			if ctx.Err() != nil {
				// in-flight requests abort through the context
				<-waitErr
				return s.terminal(ctx)
			}
		}
	}
}

// recoveryPass retries every segment that exhausted its primary attempts,
// with an extended budget and staggered starts to avoid hammering a hot
// origin in lockstep.
func (s *Scheduler) recoveryPass(ctx context.Context, refs []playlist.SegmentRef, failed []int,
	payloads [][]byte, total int, onProgress func(done, total int)) error {

	log.Log(s.JobID, "entering recovery pass", "failed", len(failed))
	g, gctx := errgroup.WithContext(ctx)
	for pos, idx := range failed {
		pos, idx := pos, idx
		g.Go(func() error {
			if err := SleepInterruptible(gctx, time.Duration(pos)*config.RecoveryStagger); err != nil {
				return err
			}
			b, err := s.fetchSegment(gctx, refs[idx], config.RecoveryAttempts)
			if err != nil {
				if Classify(err) == ClassCancelled {
					return err
				}
				log.Log(s.JobID, "segment failed recovery pass", "index", idx, "err", err)
				return nil
			}
			payloads[idx] = b
			done := s.completed.Add(1)
			if onProgress != nil {
				onProgress(int(done), total)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return s.terminal(ctx)
	}
	return nil
}

// fetchSegment runs the per-segment retry loop. Fatal classes fail
// immediately; everything else sleeps per the backoff table and tries again
// until the attempt budget runs out.
func (s *Scheduler) fetchSegment(ctx context.Context, ref playlist.SegmentRef, attempts int) ([]byte, error) {
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		b, err := s.Client.FetchBytes(ctx, ref.URL)
		if err == nil {
			metrics.Metrics.SegmentsDownloaded.Inc()
			return b, nil
		}
		lastErr = err
		class := Classify(err)
		if class == ClassClientFatal || class == ClassCancelled {
			return nil, err
		}
		if attempt == attempts {
			break
		}
		metrics.Metrics.SegmentRetries.WithLabelValues(class.String()).Inc()
		if err := SleepInterruptible(ctx, s.delayFn(class, attempt)); err != nil {
			return nil, err
		}
	}
	return nil, lastErr
}

// fetchInit downloads the initialization segment and, for fragmented MP4,
// verifies the ftyp marker before any media segment is requested.
func (s *Scheduler) fetchInit(ctx context.Context, url string, format playlist.Format) ([]byte, error) {
	b, err := s.fetchSegment(ctx, playlist.SegmentRef{Index: -1, URL: url}, config.InitSegmentAttempts)
	if err != nil {
		if Classify(err) == ClassCancelled {
			return nil, s.terminal(ctx)
		}
		return nil, xerrors.Wrap(xerrors.KindFetchFloor, err, "init segment could not be fetched")
	}
	if format != playlist.FormatTS {
		if len(b) < 8 || string(b[4:8]) != "ftyp" {
			return nil, xerrors.New(xerrors.KindFormatInvalid, "init segment missing ftyp marker (%d bytes)", len(b))
		}
	}
	return b, nil
}

// terminal converts the context state into the job's terminal error: the
// fetch-phase deadline maps to a stall timeout, everything else to
// cancellation.
func (s *Scheduler) terminal(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return xerrors.Wrap(xerrors.KindStallTimeout, ctx.Err(), "fetch phase exceeded soft ceiling")
	}
	return xerrors.Wrap(xerrors.KindCancelled, ctx.Err(), "fetch cancelled")
}

func missingIndices(payloads [][]byte) []int {
	var missing []int
	for i, b := range payloads {
		if b == nil {
			missing = append(missing, i)
		}
	}
	return missing
}
