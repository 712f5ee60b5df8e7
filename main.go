package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/peterbourgon/ff/v3"
	"golang.org/x/sync/errgroup"

	"github.com/hlsget/hlsget/api"
	"github.com/hlsget/hlsget/clients"
	"github.com/hlsget/hlsget/config"
	"github.com/hlsget/hlsget/log"
	"github.com/hlsget/hlsget/pipeline"
	"github.com/hlsget/hlsget/sink"
	"github.com/hlsget/hlsget/store"
)

func main() {
	fs := flag.NewFlagSet("hlsget", flag.ExitOnError)
	cli := config.Cli{}

	version := fs.Bool("version", false, "print application version")

	fs.StringVar(&cli.HTTPAddress, "http-addr", "0.0.0.0:8989", "Address to bind the downloader API to")
	fs.StringVar(&cli.APIToken, "api-token", "IAmAuthorized", "Auth header value for API access")
	fs.StringVar(&cli.DataDir, "data-dir", "data", "Directory for the spill blob store")
	fs.StringVar(&cli.OutputDir, "output-dir", ".", "Directory committed downloads are written to")
	config.URLVarFlag(fs, &cli.CallbackURL, "callback-url", "", "URL to POST job status updates to")
	fs.StringVar(&cli.Cookie, "cookie", "", "Opaque Cookie header value sent on every outbound request")
	fs.BoolVar(&cli.DumpManifests, "dump-manifests", false, "Write the resolved media playlist next to the output file")
	fs.IntVar(&config.MaxConcurrentJobs, "max-concurrent-jobs", config.MaxConcurrentJobs, "Maximum number of simultaneous download jobs")
	_ = fs.String("config", "", "config file (optional)")

	if err := ff.Parse(fs, os.Args[1:],
		ff.WithConfigFileFlag("config"),
		ff.WithConfigFileParser(ff.PlainParser),
		ff.WithEnvVarPrefix("HLSGET"),
	); err != nil {
		fatalf("error parsing cli: %s", err)
	}

	if *version {
		fmt.Printf("hlsget version: %s\n", config.Version)
		return
	}

	var publisher clients.ProgressPublisher = clients.LogPublisher{}
	if cli.CallbackURL != nil {
		publisher = clients.NewCallbackClient(cli.CallbackURL.String())
	}

	blobs := store.NewBadgerStore(filepath.Join(cli.DataDir, "spill"))
	defer blobs.Close()

	out := &sink.FileSink{Dir: cli.OutputDir, MaxFileBytes: config.OutputPartBytes}

	engine := pipeline.NewCoordinator(publisher, out, blobs)
	engine.Cookie = cli.Cookie
	engine.DumpManifests = cli.DumpManifests

	// A positional playlist URL means one-shot CLI mode: run the single
	// download and exit without starting the API server.
	if args := fs.Args(); len(args) > 0 {
		runOnce(engine, args)
		return
	}

	group, ctx := errgroup.WithContext(context.Background())

	group.Go(func() error {
		return handleSignals(ctx)
	})

	group.Go(func() error {
		return api.ListenAndServe(ctx, cli, engine)
	})

	err := group.Wait()
	log.LogNoJobID("shutting down", "reason", err)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	engine.Shutdown(shutdownCtx)
}

func runOnce(engine *pipeline.Coordinator, args []string) {
	sourceURL := args[0]
	outputName := ""
	if len(args) > 1 {
		outputName = args[1]
	}

	job, err := engine.StartDownloadJob(pipeline.DownloadJobPayload{
		SourceURL:  sourceURL,
		OutputName: outputName,
	})
	if err != nil {
		fatalf("cannot start download: %s", err)
	}

	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		<-c
		_ = engine.Cancel(job.ID)
	}()

	if !engine.Wait(job.ID) {
		status := engine.Status(job.ID)
		fatalf("download failed: %s", status.Error)
	}
}

func handleSignals(ctx context.Context) error {
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGQUIT, syscall.SIGTERM, syscall.SIGINT)
	select {
	case s := <-c:
		return fmt.Errorf("caught signal=%v", s)
	case <-ctx.Done():
		return nil
	}
}

func fatalf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
