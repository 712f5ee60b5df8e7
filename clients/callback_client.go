package clients

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/hlsget/hlsget/config"
	"github.com/hlsget/hlsget/log"
)

// CallbackClient posts job status messages to an external URL. Sends run in
// the background so a slow receiver never stalls the pipeline.
type CallbackClient struct {
	url        string
	httpClient *retryablehttp.Client
}

func NewCallbackClient(url string) CallbackClient {
	client := retryablehttp.NewClient()
	client.RetryMax = 2                          // Retry a maximum of this+1 times
	client.RetryWaitMin = 200 * time.Millisecond // Wait at least this long between retries
	client.RetryWaitMax = 1 * time.Second        // Wait at most this long between retries (exponential backoff)
	client.Logger = nil
	client.HTTPClient = &http.Client{
		Timeout: 5 * time.Second, // Give up on requests that take more than this long
	}

	return CallbackClient{
		url:        url,
		httpClient: client,
	}
}

type StatusMessage struct {
	JobID        string  `json:"job_id"`
	Status       string  `json:"status"`
	Percent      float64 `json:"percent"`
	Error        string  `json:"error,omitempty"`
	Filename     string  `json:"filename,omitempty"`
	QualityLabel string  `json:"quality_label,omitempty"`
	SourceURL    string  `json:"source_url,omitempty"`
	Timestamp    int64   `json:"timestamp"`
}

func (c CallbackClient) SetInfo(jobID string, info JobInfoEvent) {
	c.send(StatusMessage{
		JobID:        jobID,
		Status:       "resolved",
		Filename:     info.Filename,
		QualityLabel: info.QualityLabel,
		SourceURL:    info.SourceURL,
		Timestamp:    config.Clock.GetTimestampUTC(),
	})
}

func (c CallbackClient) SetProgress(jobID, phase string, percent float64) {
	c.send(StatusMessage{
		JobID:     jobID,
		Status:    phase,
		Percent:   percent,
		Timestamp: config.Clock.GetTimestampUTC(),
	})
}

func (c CallbackClient) SetStatus(jobID, phase string, err error) {
	msg := StatusMessage{
		JobID:     jobID,
		Status:    phase,
		Timestamp: config.Clock.GetTimestampUTC(),
	}
	if err != nil {
		msg.Error = err.Error()
	}
	c.send(msg)
}

func (c CallbackClient) SetCancelled(jobID string) {
	c.send(StatusMessage{
		JobID:     jobID,
		Status:    "cancelled",
		Timestamp: config.Clock.GetTimestampUTC(),
	})
}

func (c CallbackClient) send(msg StatusMessage) {
	j, err := json.Marshal(msg)
	if err != nil {
		log.LogError(msg.JobID, "failed to marshal callback", err)
		return
	}

	r, err := retryablehttp.NewRequest(http.MethodPost, c.url, bytes.NewReader(j))
	if err != nil {
		log.LogError(msg.JobID, "failed to build callback request", err)
		return
	}

	// Caller may be mid-pipeline. Run in background, otherwise we introduce latency in the current phase.
	go func() {
		if err := c.doWithRetries(r); err != nil {
			log.LogError(msg.JobID, "failed to send callback", err)
		}
	}()
}

func (c CallbackClient) doWithRetries(r *retryablehttp.Request) error {
	resp, err := c.httpClient.Do(r)
	if err != nil {
		return fmt.Errorf("failed to send callback to %q: %w", r.URL.String(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("failed to send callback to %q. HTTP Code: %d", r.URL.String(), resp.StatusCode)
	}

	return nil
}
