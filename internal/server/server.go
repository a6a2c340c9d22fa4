// Package server is the operator-facing admin HTTP surface of the gateway.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/danmuck/realmgate/internal/auth"
	"github.com/danmuck/realmgate/internal/gateway"
	"github.com/danmuck/realmgate/internal/observability"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

const Version = "0.1.0"

// SessionSource lists live gateway sessions.
type SessionSource interface {
	Snapshot() []gateway.SessionInfo
	Len() int
}

// BackendStatus reports whether the world server link is up.
type BackendStatus interface {
	Connected() bool
}

// Admin serves /health, /ready, /sessions and /metrics.
type Admin struct {
	Name string

	sessions SessionSource
	backend  BackendStatus
	guard    auth.Validator
	started  time.Time
	log      zerolog.Logger
	router   *gin.Engine
}

// NewAdmin builds the admin router. A non-nil guard protects the session
// routes with a bearer token; health, readiness and metrics stay open.
func NewAdmin(name string, sessions SessionSource, backend BackendStatus, guard auth.Validator) *Admin {
	gin.SetMode(gin.ReleaseMode)
	a := &Admin{
		Name:     name,
		sessions: sessions,
		backend:  backend,
		guard:    guard,
		started:  time.Now(),
		log:      observability.ComponentLogger("admin"),
		router:   gin.New(),
	}
	observability.RegisterMetrics()
	a.router.Use(gin.Recovery(), observability.RequestLogger(a.log), observability.RequestMetricsMiddleware(name))
	a.registerRoutes()
	return a
}

func (a *Admin) Handler() http.Handler { return a.router }

// Serve runs the admin listener on ln until ctx is done.
func (a *Admin) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           a.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	a.log.Info().Str("addr", ln.Addr().String()).Msg("admin listening")

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}

// ListenAndServe binds addr and calls Serve.
func (a *Admin) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return a.Serve(ctx, ln)
}
