/*
Package pipeline drives a download from playlist URL to committed output. The
Coordinator schedules jobs in the background and owns admission control: a
bounded number of jobs run at once, and a very large job holds the pipeline
exclusively until it finishes.
*/
package pipeline

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hlsget/hlsget/assemble"
	"github.com/hlsget/hlsget/cache"
	"github.com/hlsget/hlsget/clients"
	"github.com/hlsget/hlsget/config"
	xerrors "github.com/hlsget/hlsget/errors"
	"github.com/hlsget/hlsget/fetch"
	"github.com/hlsget/hlsget/log"
	"github.com/hlsget/hlsget/metrics"
	"github.com/hlsget/hlsget/playlist"
	"github.com/hlsget/hlsget/sink"
	"github.com/hlsget/hlsget/store"
	"github.com/hlsget/hlsget/validate"
)

// DownloadJobPayload is the required payload to start a download job.
type DownloadJobPayload struct {
	ID          string
	SourceURL   string
	OutputName  string
	Cookie      string
	CallbackURL string
}

// JobStatus is the externally visible snapshot of a job.
type JobStatus struct {
	ID           string  `json:"id"`
	Phase        string  `json:"phase"`
	Percent      float64 `json:"percent"`
	Filename     string  `json:"filename,omitempty"`
	Quality      string  `json:"quality,omitempty"`
	SegmentCount int     `json:"segment_count,omitempty"`
	Error        string  `json:"error,omitempty"`
}

// JobInfo represents the state of a single download job.
type JobInfo struct {
	mu sync.Mutex
	DownloadJobPayload

	Phase        Phase
	Percent      float64
	Filename     string
	Quality      string
	SegmentCount int
	Error        string
	StartTime    int64

	publisher clients.ProgressPublisher
	cancel    context.CancelFunc
	result    chan bool
}

// setProgress moves the job to phase at percent. Percent never goes
// backwards even when fetch completions race the phase transition.
func (j *JobInfo) setProgress(phase Phase, percent float64) {
	j.mu.Lock()
	if percent < j.Percent {
		percent = j.Percent
	}
	j.Phase = phase
	j.Percent = percent
	phaseStr, pct := string(j.Phase), j.Percent
	j.mu.Unlock()

	j.publisher.SetProgress(j.ID, phaseStr, pct)
}

func (j *JobInfo) Status() JobStatus {
	j.mu.Lock()
	defer j.mu.Unlock()
	return JobStatus{
		ID:           j.ID,
		Phase:        string(j.Phase),
		Percent:      j.Percent,
		Filename:     j.Filename,
		Quality:      j.Quality,
		SegmentCount: j.SegmentCount,
		Error:        j.Error,
	}
}

func (j *JobInfo) terminal() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.Phase.Terminal()
}

// Coordinator provides the main interface to run download jobs. It should be
// called directly from the API handlers and never blocks on execution, but
// rather schedules routines to do the actual work in background.
type Coordinator struct {
	Publisher     clients.ProgressPublisher
	Sink          sink.Sink
	Store         store.BlobStore
	Cookie        string
	DumpManifests bool

	Jobs *cache.Cache[*JobInfo]

	// startMu serializes the admission check with job registration so
	// concurrent submissions cannot all pass the cap check.
	startMu sync.Mutex

	// Swapped in tests to avoid real network fetches.
	newResolver func(jobID string, client *fetch.Client) resolver
	newFetcher  func(jobID string, client *fetch.Client) segmentFetcher
}

type resolver interface {
	Resolve(ctx context.Context, rawURL string) (*playlist.Playlist, error)
}

type segmentFetcher interface {
	FetchAll(ctx context.Context, refs []playlist.SegmentRef, init *playlist.SegmentRef,
		format playlist.Format, onProgress func(done, total int)) (*fetch.Result, error)
}

func NewCoordinator(publisher clients.ProgressPublisher, out sink.Sink, blobs store.BlobStore) *Coordinator {
	if publisher == nil {
		publisher = clients.LogPublisher{}
	}
	return &Coordinator{
		Publisher: publisher,
		Sink:      out,
		Store:     blobs,
		Jobs:      cache.New[*JobInfo](),
		newResolver: func(jobID string, client *fetch.Client) resolver {
			return &playlist.Resolver{Fetcher: client, JobID: jobID}
		},
		newFetcher: func(jobID string, client *fetch.Client) segmentFetcher {
			return fetch.NewScheduler(client, jobID)
		},
	}
}

// StartDownloadJob admits and schedules a new job. It returns immediately;
// the pipeline runs in a background goroutine.
func (c *Coordinator) StartDownloadJob(p DownloadJobPayload) (*JobInfo, error) {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.Cookie == "" {
		p.Cookie = c.Cookie
	}

	pub := c.Publisher
	if p.CallbackURL != "" {
		pub = clients.NewCallbackClient(p.CallbackURL)
	}

	ctx, cancel := context.WithCancel(context.Background())
	job := &JobInfo{
		DownloadJobPayload: p,
		Phase:              PhaseResolving,
		StartTime:          config.Clock.GetTimestampUTC(),
		publisher:          pub,
		cancel:             cancel,
		result:             make(chan bool, 1),
	}

	c.startMu.Lock()
	if err := c.admit(p.ID); err != nil {
		c.startMu.Unlock()
		cancel()
		return nil, err
	}
	c.Jobs.Store(p.ID, job)
	c.startMu.Unlock()

	log.AddContext(p.ID, "source_url", p.SourceURL)
	log.Log(p.ID, "wrote to jobs cache")

	go func() {
		err := recovered(func() error { return c.runJob(ctx, job) })
		c.finishJob(job, err)
	}()
	return job, nil
}

// admit enforces the concurrency rules: a bounded number of live jobs, and
// no new admissions while a very large job is running.
func (c *Coordinator) admit(jobID string) error {
	active := 0
	for _, j := range c.Jobs.GetAll() {
		if j.terminal() {
			continue
		}
		active++
		j.mu.Lock()
		large := j.SegmentCount > config.LargeJobSegmentCount
		j.mu.Unlock()
		if large {
			return xerrors.New(xerrors.KindConcurrency,
				"job %s rejected: a large download is running exclusively", jobID)
		}
	}
	if active >= config.MaxConcurrentJobs {
		return xerrors.New(xerrors.KindConcurrency,
			"job %s rejected: %d jobs already running", jobID, active)
	}
	return nil
}

func (c *Coordinator) runJob(ctx context.Context, job *JobInfo) error {
	start := time.Now()
	client := fetch.NewClient(job.Cookie)

	job.setProgress(PhaseResolving, 0)
	pl, err := c.newResolver(job.ID, client).Resolve(ctx, job.SourceURL)
	if err != nil {
		return err
	}

	job.mu.Lock()
	job.SegmentCount = len(pl.Segments)
	job.Quality = pl.Quality
	job.Filename = outputName(job.OutputName, job.ID, pl.Format)
	filename, quality := job.Filename, job.Quality
	job.mu.Unlock()
	log.Log(job.ID, "playlist resolved", "segments", len(pl.Segments),
		"format", pl.Format.String(), "quality", quality)

	job.publisher.SetInfo(job.ID, clients.JobInfoEvent{
		Filename:     filename,
		QualityLabel: quality,
		SourceURL:    job.SourceURL,
		StartTime:    job.StartTime,
	})

	if c.DumpManifests {
		c.dumpManifest(job.ID, pl, filename)
	}

	job.setProgress(PhaseFetching, 0)
	fetchCtx, cancelFetch := context.WithTimeout(ctx, config.FetchStallTimeout)
	defer cancelFetch()
	res, err := c.newFetcher(job.ID, client).FetchAll(fetchCtx, pl.Segments, pl.Init, pl.Format,
		func(done, total int) {
			job.setProgress(PhaseFetching, float64(done)/float64(total)*percentFetchDone)
		})
	metrics.Metrics.FetchDurationSec.Observe(time.Since(start).Seconds())
	if err != nil {
		return err
	}

	job.setProgress(PhaseValidating, percentFetchDone)
	report, err := validate.Check(job.ID, len(pl.Segments), res)
	if err != nil {
		return err
	}
	log.Log(job.ID, "integrity check passed",
		"delivered", report.Delivered, "success_rate", report.SuccessRate)

	// Some fMP4 origins ship no EXT-X-MAP at all and embed the init boxes
	// in the first media segment instead.
	if pl.Format == playlist.FormatFMP4 && len(res.Init) == 0 && len(res.Payloads) > 0 {
		init, rest := assemble.SynthesizeInit(res.Payloads[0].Bytes)
		if !validate.HasFtyp(init) {
			return xerrors.New(xerrors.KindFormatInvalid,
				"no init segment and first segment carries no ftyp box")
		}
		res.Init = init
		res.Payloads[0].Bytes = rest
		log.Log(job.ID, "synthesized init segment from first media segment", "bytes", len(init))
	}

	job.setProgress(PhaseAssembling, percentValidateDone)
	engine := &assemble.Engine{
		Store: c.Store,
		JobID: job.ID,
		OnWriting: func() {
			job.setProgress(PhaseWriting, percentAssembleDone)
		},
	}
	if err := engine.Assemble(ctx, pl.Format, res.Init, res.Payloads, c.Sink, filename); err != nil {
		return err
	}

	job.setProgress(PhaseDone, 100)
	return nil
}

// dumpManifest writes the re-serialized media playlist next to the output,
// for debugging producer quirks. Failures are logged, never fatal.
func (c *Coordinator) dumpManifest(jobID string, pl *playlist.Playlist, filename string) {
	doc, err := playlist.Encode(pl)
	if err != nil {
		log.LogError(jobID, "failed to encode resolved manifest", err)
		return
	}
	name := filename + ".m3u8"
	h, err := c.Sink.Begin(name, int64(len(doc)))
	if err != nil {
		log.LogError(jobID, "failed to open manifest dump", err)
		return
	}
	if _, err := h.Write([]byte(doc)); err != nil {
		h.Abort()
		return
	}
	if err := h.Commit(); err != nil {
		log.LogError(jobID, "failed to commit manifest dump", err)
	}
}

func (c *Coordinator) finishJob(job *JobInfo, err error) {
	defer close(job.result)
	success := err == nil

	switch {
	case err == nil:
		job.publisher.SetStatus(job.ID, string(PhaseDone), nil)
	case xerrors.IsCancelled(err):
		job.mu.Lock()
		job.Phase = PhaseCancelled
		job.Error = err.Error()
		job.mu.Unlock()
		job.publisher.SetCancelled(job.ID)
		// a cancelled job may have spilled chunks already
		if dropErr := c.Store.DeletePrefix(store.ChunkPrefix(job.ID)); dropErr != nil {
			log.LogError(job.ID, "failed to drop spill chunks after cancel", dropErr)
		}
	default:
		job.mu.Lock()
		job.Phase = PhaseFailed
		job.Error = err.Error()
		job.mu.Unlock()
		job.publisher.SetStatus(job.ID, string(PhaseFailed), err)
	}

	kind := ""
	if err != nil {
		kind = string(xerrors.KindOf(err))
	}
	metrics.Metrics.JobResults.WithLabelValues(resultLabel(job), kind).Inc()
	metrics.Metrics.DownloadPipelineDurationSec.
		WithLabelValues(strconv.FormatBool(success)).
		Observe(float64(config.Clock.GetTimestampUTC() - job.StartTime))

	log.Log(job.ID, "finished job", "success", success, "phase", string(job.Status().Phase))
	job.result <- success
}

func resultLabel(job *JobInfo) string {
	switch job.Status().Phase {
	case string(PhaseDone):
		return "success"
	case string(PhaseCancelled):
		return "cancelled"
	default:
		return "failure"
	}
}

// Cancel requests cooperative cancellation of a running job.
func (c *Coordinator) Cancel(jobID string) error {
	job := c.Jobs.Get(jobID)
	if job == nil {
		return xerrors.New(xerrors.KindCancelled, "unknown job %s", jobID)
	}
	if job.terminal() {
		return xerrors.New(xerrors.KindCancelled, "job %s already finished", jobID)
	}
	log.Log(jobID, "cancel requested")
	job.cancel()
	return nil
}

// Status returns the snapshot of a job, or nil when the job is unknown.
func (c *Coordinator) Status(jobID string) *JobStatus {
	job := c.Jobs.Get(jobID)
	if job == nil {
		return nil
	}
	st := job.Status()
	return &st
}

// Wait blocks until the job reaches a terminal phase and reports success.
func (c *Coordinator) Wait(jobID string) bool {
	job := c.Jobs.Get(jobID)
	if job == nil {
		return false
	}
	return <-job.result
}

// Shutdown cancels every live job and waits for them to unwind, bounded by
// the context.
func (c *Coordinator) Shutdown(ctx context.Context) {
	var live []*JobInfo
	for _, j := range c.Jobs.GetAll() {
		if !j.terminal() {
			j.cancel()
			live = append(live, j)
		}
	}
	for _, j := range live {
		select {
		case <-j.result:
		case <-ctx.Done():
			return
		}
	}
}

func outputName(requested, jobID string, format playlist.Format) string {
	if requested == "" {
		return jobID + format.Extension()
	}
	ext := format.Extension()
	if len(requested) > len(ext) && requested[len(requested)-len(ext):] == ext {
		return requested
	}
	return requested + ext
}

func recovered(f func() error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			log.LogNoJobID("panic in pipeline background goroutine, recovering", "err", rec)
			err = fmt.Errorf("panic in pipeline: %v", rec)
		}
	}()
	return f()
}
