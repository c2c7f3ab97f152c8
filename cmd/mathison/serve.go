package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/default-user/mathison/pkg/api"
	"github.com/default-user/mathison/pkg/config"
)

// runServeCmd runs the HTTP surface spec §6 names until an interrupt or
// terminate signal arrives, then drains the telemetry provider before
// exiting. A boot failure (any prerequisite unverified) is fatal — the
// listener never binds on a partially governed Runtime.
func runServeCmd(stdout, stderr io.Writer) int {
	fmt.Fprintf(stdout, "%smathison%s starting\n", colorBold+colorBlue, colorReset)

	cfg := config.Load()
	rt, err := bootRuntime(cfg)
	if err != nil {
		fmt.Fprintf(stderr, "%sboot failed:%s %v\n", colorRed, colorReset, err)
		return 1
	}

	srv := api.NewServer(rt, "http-actor")
	mux := http.NewServeMux()
	mux.HandleFunc("/health", srv.HandleHealth)
	mux.HandleFunc("/genome", srv.HandleGenome)
	mux.HandleFunc("/jobs/run", srv.HandleJobsRun)
	mux.HandleFunc("/jobs/status", srv.HandleJobsStatus)
	mux.HandleFunc("/jobs/resume", srv.HandleJobsResume)
	mux.HandleFunc("/jobs/logs", srv.HandleJobsLogs)
	mux.HandleFunc("/memory/nodes", srv.HandleMemoryNodes)
	mux.HandleFunc("/memory/edges", srv.HandleMemoryEdges)
	mux.HandleFunc("/memory/hyperedges", srv.HandleMemoryHyperedges)

	limiter := api.NewGlobalRateLimiter(50, 100)
	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: limiter.Middleware(mux),
	}

	serveErrCh := make(chan error, 1)
	go func() { serveErrCh <- httpServer.ListenAndServe() }()

	fmt.Fprintf(stdout, "%sready:%s %s\n", colorGreen+colorBold, colorReset, cfg.HTTPAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		fmt.Fprintf(stdout, "shutting down (%s)\n", sig)
	case err := <-serveErrCh:
		if err != nil && err != http.ErrServerClosed {
			fmt.Fprintf(stderr, "%sserver error:%s %v\n", colorRed, colorReset, err)
			return 1
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintf(stderr, "%shttp shutdown error:%s %v\n", colorRed, colorReset, err)
	}
	if err := rt.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintf(stderr, "%stelemetry shutdown error:%s %v\n", colorRed, colorReset, err)
	}
	return 0
}
