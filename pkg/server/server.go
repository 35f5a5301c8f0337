// Package server wires the proxy's HTTP surface together.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/stacklok/vaultbridge/pkg/flow"
	"github.com/stacklok/vaultbridge/pkg/forwarder"
	"github.com/stacklok/vaultbridge/pkg/logger"
	"github.com/stacklok/vaultbridge/pkg/meta"
)

const (
	middlewareTimeout = 60 * time.Second
	readHeaderTimeout = 10 * time.Second
)

// Deps are the handlers the server mounts.
type Deps struct {
	Flow      *flow.Orchestrator
	Forwarder *forwarder.Forwarder
	Meta      *meta.Handler
}

// Router builds the proxy's route table.
func Router(deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		middleware.Timeout(middlewareTimeout),
	)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	// Discovery endpoints answer GET and OPTIONS (CORS preflight).
	r.HandleFunc("/.well-known/oauth-protected-resource/{tenant}", deps.Meta.ProtectedResource)
	r.HandleFunc("/.well-known/oauth-protected-resource/{tenant}/*", deps.Meta.ProtectedResource)
	r.HandleFunc("/.well-known/oauth-authorization-server/{tenant}", deps.Meta.AuthorizationServer)
	r.HandleFunc("/.well-known/oauth-authorization-server/{tenant}/*", deps.Meta.AuthorizationServer)

	r.Post("/register", deps.Meta.Register)

	r.Get("/authorize/{tenant}", deps.Flow.Authorize)
	r.Get("/callback", deps.Flow.Callback)
	r.Get("/connected_account_callback", deps.Flow.LinkCallback)
	r.Post("/token", deps.Flow.Token)

	// Everything else is tenant traffic.
	r.HandleFunc("/{tenant}", deps.Forwarder.ServeHTTP)
	r.HandleFunc("/{tenant}/*", deps.Forwarder.ServeHTTP)

	return r
}

// Serve runs the HTTP server until ctx is cancelled. The caller sets up
// signal handling.
func Serve(ctx context.Context, address string, deps Deps) error {
	srv := &http.Server{
		BaseContext:       func(net.Listener) context.Context { return ctx },
		Addr:              address,
		Handler:           Router(deps),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	logger.Infof("starting http server on %s", srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Panicf("server stopped with error: %v", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	logger.Infof("http server stopped")
	return nil
}
