package http

import (
	"net/http"
	"time"

	"github.com/shanani/mailpipe/internal/http/middleware"
	"github.com/shanani/mailpipe/pkg/logger"
)

// RouteRegistrar is implemented by every handler group this server mounts.
type RouteRegistrar interface {
	RegisterRoutes(mux *http.ServeMux)
}

// NewServer builds the *http.Server backing the enqueue API, wiring every
// registrar behind request logging, panic recovery and CORS, in the
// teacher's RegisterRoutes-per-handler composition style.
func NewServer(addr, corsOrigin string, log logger.Logger, registrars ...RouteRegistrar) *http.Server {
	mux := http.NewServeMux()
	for _, r := range registrars {
		r.RegisterRoutes(mux)
	}

	handler := middleware.Chain(
		middleware.Recover(log),
		middleware.RequestLogger(log),
		middleware.CORS(corsOrigin),
	)(mux)

	return &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}
