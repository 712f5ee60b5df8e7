package config

import (
	"os"
	"time"

	"github.com/go-kit/log"
)

var Version string

// Global variable, but easier than passing a logger around throughout the system
var Logger log.Logger = log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))

func init() {
	Logger = log.With(Logger, "ts", log.DefaultTimestampUTC)
}

// Scheduler tunables. Large catalogs get smaller batches and longer pauses
// to stay under origin rate limits.
var (
	DefaultBatchSize     = 10
	ReducedBatchSize     = 5
	ReducedBatchAbove    = 800
	DefaultBatchPause    = 100 * time.Millisecond
	ExtendedBatchPause   = 200 * time.Millisecond
	ExtendedPauseAbove   = 500
	CancelProbeInterval  = 50 * time.Millisecond
	PrimaryAttempts      = 5
	RecoveryAttempts     = 7
	RecoveryStagger      = 200 * time.Millisecond
	InitSegmentAttempts  = 4
	BackoffProbeInterval = 100 * time.Millisecond
)

// The fetch phase as a whole gets this long before the job is failed with a
// stall timeout.
var FetchStallTimeout = 600 * time.Second

// Integrity thresholds applied after the recovery pass.
var (
	MinSuccessRate        = 0.98
	LeadingWindow         = 10
	MaxConsecutiveMissing = 3
)

// Assembly thresholds. Outputs above SmallRegimeMaxBytes are spilled to the
// blob store in SpillChunkBytes chunks instead of being buffered in memory.
var (
	SmallRegimeMaxBytes int64 = 1 << 30
	SpillChunkBytes     int64 = 32 << 20
	OutputPartBytes     int64 = 500 << 20
)

// MPEG-TS packet size. Part boundaries are aligned down to a multiple of
// this so every emitted part starts on a packet boundary.
const TSPacketSize = 188

// Job admission limits: at most MaxConcurrentJobs run at once, and no new
// job is admitted while any active job is above LargeJobSegmentCount.
var (
	MaxConcurrentJobs    = 2
	LargeJobSegmentCount = 1000
)
