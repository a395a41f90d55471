package api

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
)

// NewHTTPServer creates an HTTP server with the bridge's timeouts. Restores
// and runs can take a while, so WriteTimeout is generous.
func NewHTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      15 * time.Minute,
		IdleTimeout:       120 * time.Second,
	}
}

// SetupSignalHandler sets up OS signal handling for SIGINT and SIGTERM.
func SetupSignalHandler() chan os.Signal {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	return ch
}

// Shutdownable is a component stopped after the HTTP server.
type Shutdownable interface {
	Shutdown(ctx context.Context) error
}

// ShutdownFunc adapts a function to Shutdownable.
type ShutdownFunc func(ctx context.Context) error

func (f ShutdownFunc) Shutdown(ctx context.Context) error { return f(ctx) }
