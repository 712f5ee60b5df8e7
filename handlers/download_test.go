package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/cenkalti/backoff/v4"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	xerrors "github.com/hlsget/hlsget/errors"
	"github.com/hlsget/hlsget/pipeline"
	"github.com/hlsget/hlsget/playlist"
	"github.com/hlsget/hlsget/sink"
	"github.com/hlsget/hlsget/store"
)

// noRetries makes playlist resolution fail fast so jobs against unreachable
// hosts reach a terminal phase quickly.
func noRetries(t *testing.T) {
	t.Helper()
	prev := playlist.PlaylistRetryBackoff
	playlist.PlaylistRetryBackoff = func() backoff.BackOff { return &backoff.StopBackOff{} }
	t.Cleanup(func() { playlist.PlaylistRetryBackoff = prev })
}

func testRouter() (*httprouter.Router, *pipeline.Coordinator) {
	engine := pipeline.NewCoordinator(nil, sink.NewMemorySink(), store.NewMemoryStore())
	h := &DownloaderAPIHandlersCollection{Engine: engine}

	router := httprouter.New()
	router.POST("/api/download", h.Download())
	router.GET("/api/download/:id", h.Status())
	router.DELETE("/api/download/:id", h.Cancel())
	router.GET("/ok", h.Ok())
	return router, engine
}

func postJSON(router *httprouter.Router, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/download", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func TestDownloadRequiresJSONContentType(t *testing.T) {
	router, _ := testRouter()
	req := httptest.NewRequest(http.MethodPost, "/api/download", bytes.NewReader([]byte("{}")))
	req.Header.Set("Content-Type", "text/plain")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	require.Equal(t, http.StatusUnsupportedMediaType, rr.Code)
}

func TestDownloadRejectsInvalidPayloads(t *testing.T) {
	router, _ := testRouter()

	tests := []struct {
		name string
		body string
	}{
		{"missing url", `{}`},
		{"non-http url", `{"url": "ftp://example.com/index.m3u8"}`},
		{"unknown field", `{"url": "https://example.com/index.m3u8", "extra": true}`},
		{"empty output name", `{"url": "https://example.com/index.m3u8", "output_name": ""}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := postJSON(router, tt.body)
			require.Equal(t, http.StatusBadRequest, rr.Code)
		})
	}
}

func TestDownloadAcceptsValidRequest(t *testing.T) {
	noRetries(t)
	router, engine := testRouter()

	rr := postJSON(router, `{"url": "https://cdn.example.com/hls/index.m3u8", "output_name": "movie"}`)
	require.Equal(t, http.StatusOK, rr.Code)

	var resp DownloadResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.JobID)

	// the job exists, even though resolution fails against the fake CDN
	require.NotNil(t, engine.Status(resp.JobID))
}

func downloadRequestDurationSamples(t *testing.T) uint64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)

	var total uint64
	for _, family := range families {
		if family.GetName() != "download_request_duration_seconds" {
			continue
		}
		for _, m := range family.GetMetric() {
			total += m.GetSummary().GetSampleCount()
		}
	}
	return total
}

func TestDownloadObservesRequestDuration(t *testing.T) {
	router, _ := testRouter()
	before := downloadRequestDurationSamples(t)

	rr := postJSON(router, `{}`)
	require.Equal(t, http.StatusBadRequest, rr.Code)

	require.Greater(t, downloadRequestDurationSamples(t), before)
}

func TestStatusUnknownJob(t *testing.T) {
	router, _ := testRouter()
	req := httptest.NewRequest(http.MethodGet, "/api/download/does-not-exist", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	require.Equal(t, http.StatusNotFound, rr.Code)
}

func TestStatusReturnsJobSnapshot(t *testing.T) {
	noRetries(t)
	router, engine := testRouter()
	rr := postJSON(router, `{"url": "https://cdn.example.com/hls/index.m3u8"}`)
	require.Equal(t, http.StatusOK, rr.Code)

	var resp DownloadResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	engine.Wait(resp.JobID)

	req := httptest.NewRequest(http.MethodGet, "/api/download/"+resp.JobID, nil)
	srr := httptest.NewRecorder()
	router.ServeHTTP(srr, req)
	require.Equal(t, http.StatusOK, srr.Code)

	var status pipeline.JobStatus
	require.NoError(t, json.Unmarshal(srr.Body.Bytes(), &status))
	require.Equal(t, resp.JobID, status.ID)
	require.Equal(t, string(pipeline.PhaseFailed), status.Phase)
	require.Contains(t, status.Error, string(xerrors.KindNetworkPlaylist))
}

func TestCancelUnknownJob(t *testing.T) {
	router, _ := testRouter()
	req := httptest.NewRequest(http.MethodDelete, "/api/download/does-not-exist", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	require.Equal(t, http.StatusNotFound, rr.Code)
}

func TestOkEndpoint(t *testing.T) {
	router, _ := testRouter()
	req := httptest.NewRequest(http.MethodGet, "/ok", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "OK", rr.Body.String())
}
