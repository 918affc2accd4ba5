// Command api serves the thin enqueue HTTP surface: accepting, listing and
// cancelling queue items and scheduled emails. Delivery itself happens in
// cmd/worker; the two processes share the same database and config.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shanani/mailpipe/config"
	"github.com/shanani/mailpipe/internal/app"
	mailhttp "github.com/shanani/mailpipe/internal/http"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading configuration: %v\n", err)
		os.Exit(1)
	}

	a, err := app.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "building application: %v\n", err)
		os.Exit(1)
	}
	defer a.Close()

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := mailhttp.NewServer(addr, "*", a.Log, a.QueueHandler, a.ScheduleHandler)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		a.Log.WithField("addr", addr).Info("enqueue API listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.Log.WithField("error", err.Error()).Fatal("http server exited unexpectedly")
		}
	}()

	<-ctx.Done()
	a.Log.Info("shutting down enqueue API")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		a.Log.WithField("error", err.Error()).Error("error during http shutdown")
	}
}
