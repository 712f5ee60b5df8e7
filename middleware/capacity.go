package middleware

import (
	"net/http"
	"sync/atomic"

	"github.com/julienschmidt/httprouter"

	"github.com/hlsget/hlsget/config"
	"github.com/hlsget/hlsget/metrics"
	"github.com/hlsget/hlsget/pipeline"
)

type CapacityMiddleware struct {
	downloadRequestsInFlight atomic.Int64
}

// HasCapacity rejects new download requests early when the pipeline is
// already at its job cap. The coordinator re-checks on admission; this just
// keeps doomed requests from reading and validating their payloads.
func (c *CapacityMiddleware) HasCapacity(engine *pipeline.Coordinator, next httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		// Keep a gauge of HTTP requests in flight
		metrics.Metrics.HTTPRequestsInFlight.Add(1)
		defer metrics.Metrics.HTTPRequestsInFlight.Add(-1)

		activeJobs := 0
		for _, id := range engine.Jobs.GetKeys() {
			if st := engine.Status(id); st != nil && !pipeline.Phase(st.Phase).Terminal() {
				activeJobs++
			}
		}

		inFlight := c.downloadRequestsInFlight.Add(1)
		defer c.downloadRequestsInFlight.Add(-1)

		if activeJobs+int(inFlight)-1 >= config.MaxConcurrentJobs {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}

		next(w, r, ps)
	}
}
