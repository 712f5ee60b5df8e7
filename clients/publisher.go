/*
Package clients publishes job progress to whoever asked for the download: a
callback URL for API-driven jobs, or the log stream when no callback is set.
*/
package clients

import (
	"github.com/hlsget/hlsget/log"
)

// JobInfoEvent carries the one-time metadata announcement made as soon as a
// job's playlist has been resolved.
type JobInfoEvent struct {
	Filename     string `json:"filename"`
	QualityLabel string `json:"quality_label,omitempty"`
	SourceURL    string `json:"source_url"`
	StartTime    int64  `json:"start_time"`
}

// ProgressPublisher receives job lifecycle updates. Implementations must be
// safe for concurrent use; updates for different jobs arrive from different
// goroutines.
type ProgressPublisher interface {
	SetInfo(jobID string, info JobInfoEvent)
	SetProgress(jobID, phase string, percent float64)
	SetStatus(jobID, phase string, err error)
	SetCancelled(jobID string)
}

// LogPublisher writes every update to the job log. It is the default
// publisher for CLI-driven downloads.
type LogPublisher struct{}

func (LogPublisher) SetInfo(jobID string, info JobInfoEvent) {
	log.Log(jobID, "job info", "filename", info.Filename, "quality", info.QualityLabel)
}

func (LogPublisher) SetProgress(jobID, phase string, percent float64) {
	log.Log(jobID, "progress", "phase", phase, "percent", percent)
}

func (LogPublisher) SetStatus(jobID, phase string, err error) {
	if err != nil {
		log.LogError(jobID, "job failed", err, "phase", phase)
		return
	}
	log.Log(jobID, "job status", "phase", phase)
}

func (LogPublisher) SetCancelled(jobID string) {
	log.Log(jobID, "job cancelled")
}
