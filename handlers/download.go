package handlers

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/xeipuuv/gojsonschema"

	"github.com/hlsget/hlsget/errors"
	"github.com/hlsget/hlsget/log"
	"github.com/hlsget/hlsget/metrics"
	"github.com/hlsget/hlsget/pipeline"
)

type DownloadRequest struct {
	Url         string `json:"url"`
	OutputName  string `json:"output_name"`
	CallbackUrl string `json:"callback_url"`
	Cookie      string `json:"cookie"`
}

type DownloadResponse struct {
	JobID string `json:"job_id"`
}

func (d *DownloaderAPIHandlersCollection) Download() httprouter.Handle {
	schema := inputSchemasCompiled["Download"]

	return func(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
		start := time.Now()
		metrics.Metrics.DownloadRequestCount.Inc()

		status := d.handleDownload(w, req, schema)
		metrics.Metrics.DownloadRequestDurationSec.
			WithLabelValues(strconv.FormatBool(status == http.StatusOK), strconv.Itoa(status)).
			Observe(time.Since(start).Seconds())
	}
}

func (d *DownloaderAPIHandlersCollection) handleDownload(w http.ResponseWriter, req *http.Request, schema *gojsonschema.Schema) int {
	var downloadRequest DownloadRequest
	if !HasContentType(req, "application/json") {
		return errors.WriteHTTPUnsupportedMediaType(w, "Requires application/json content type", nil).Status
	} else if payload, err := io.ReadAll(req.Body); err != nil {
		return errors.WriteHTTPInternalServerError(w, "Cannot read payload", err).Status
	} else if result, err := schema.Validate(gojsonschema.NewBytesLoader(payload)); err != nil {
		return errors.WriteHTTPInternalServerError(w, "Cannot validate payload", err).Status
	} else if !result.Valid() {
		return errors.WriteHTTPBadRequest(w, "Invalid request payload", fmt.Errorf("%s", result.Errors())).Status
	} else if err := json.Unmarshal(payload, &downloadRequest); err != nil {
		return errors.WriteHTTPBadRequest(w, "Invalid request payload", err).Status
	}

	job, err := d.Engine.StartDownloadJob(pipeline.DownloadJobPayload{
		SourceURL:   downloadRequest.Url,
		OutputName:  downloadRequest.OutputName,
		CallbackURL: downloadRequest.CallbackUrl,
		Cookie:      downloadRequest.Cookie,
	})
	if err != nil {
		if errors.KindOf(err) == errors.KindConcurrency {
			return errors.WriteHTTPTooManyRequests(w, "Pipeline at capacity", err).Status
		}
		return errors.WriteHTTPInternalServerError(w, "Cannot start download job", err).Status
	}

	log.Log(job.ID, "accepted download request")
	respondJSON(w, DownloadResponse{JobID: job.ID})
	return http.StatusOK
}

func (d *DownloaderAPIHandlersCollection) Status() httprouter.Handle {
	return func(w http.ResponseWriter, req *http.Request, ps httprouter.Params) {
		id := ps.ByName("id")
		status := d.Engine.Status(id)
		if status == nil {
			errors.WriteHTTPNotFound(w, "Unknown job", fmt.Errorf("no job with id %s", id))
			return
		}
		respondJSON(w, status)
	}
}

func (d *DownloaderAPIHandlersCollection) Cancel() httprouter.Handle {
	return func(w http.ResponseWriter, req *http.Request, ps httprouter.Params) {
		id := ps.ByName("id")
		if d.Engine.Status(id) == nil {
			errors.WriteHTTPNotFound(w, "Unknown job", fmt.Errorf("no job with id %s", id))
			return
		}
		if err := d.Engine.Cancel(id); err != nil {
			errors.WriteHTTPBadRequest(w, "Cannot cancel job", err)
			return
		}
		respondJSON(w, map[string]string{"job_id": id, "status": "cancelling"})
	}
}

func respondJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.LogNoJobID("failed to write JSON response", "err", err)
	}
}
