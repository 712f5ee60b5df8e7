package api

import (
	"context"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hlsget/hlsget/config"
	"github.com/hlsget/hlsget/handlers"
	"github.com/hlsget/hlsget/log"
	"github.com/hlsget/hlsget/middleware"
	"github.com/hlsget/hlsget/pipeline"
)

func ListenAndServe(ctx context.Context, cli config.Cli, engine *pipeline.Coordinator) error {
	router := NewDownloaderAPIRouter(engine, cli.APIToken)
	server := http.Server{Addr: cli.HTTPAddress, Handler: router}
	ctx, cancel := context.WithCancel(ctx)

	log.LogNoJobID(
		"Starting downloader API",
		"version", config.Version,
		"host", cli.HTTPAddress,
	)

	var err error
	go func() {
		err = server.ListenAndServe()
		cancel()
	}()

	<-ctx.Done()
	if err != nil {
		return err
	}

	ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(ctx)
}

func NewDownloaderAPIRouter(engine *pipeline.Coordinator, apiToken string) *httprouter.Router {
	router := httprouter.New()
	withLogging := middleware.LogRequest(log.NewRequestLogger())
	withAuth := middleware.IsAuthorized
	capacity := &middleware.CapacityMiddleware{}

	apiHandlers := &handlers.DownloaderAPIHandlersCollection{Engine: engine}

	// Simple endpoint for healthchecks
	router.GET("/ok", withLogging(apiHandlers.Ok()))
	router.Handler("GET", "/metrics", promhttp.Handler())

	// Public downloader API
	router.POST("/api/download",
		withLogging(
			withAuth(
				apiToken,
				capacity.HasCapacity(
					engine,
					apiHandlers.Download(),
				),
			),
		),
	)
	router.GET("/api/download/:id",
		withLogging(
			withAuth(
				apiToken,
				apiHandlers.Status(),
			),
		),
	)
	router.DELETE("/api/download/:id",
		withLogging(
			withAuth(
				apiToken,
				apiHandlers.Cancel(),
			),
		),
	)

	return router
}
