// Package server wires the FileMirrorSync protocol engines (DiffEngine,
// UploadSession, MergeEngine, DeleteEngine, AuthGate) to a gin HTTP server,
// following the bootstrap/lifecycle shape of the server this project was
// adapted from: errgroup-driven start, context-cancellation shutdown.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/openmined/filemirrorsync/internal/authgate"
	"github.com/openmined/filemirrorsync/internal/deleteengine"
	"github.com/openmined/filemirrorsync/internal/diffengine"
	"github.com/openmined/filemirrorsync/internal/mergeengine"
	"github.com/openmined/filemirrorsync/internal/uploadsession"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

// Services bundles the engines a handler set needs.
type Services struct {
	Auth     *authgate.Gate
	Sessions *uploadsession.Manager
	Diff     *diffengine.Engine
	Merge    *mergeengine.Engine
	Delete   *deleteengine.Engine
}

func NewServices(cfg *Config) *Services {
	sessions := uploadsession.New(cfg.TempRoot)
	policy := diffengine.DeletePolicy(cfg.DeleteStrategy)

	return &Services{
		Auth:     authgate.New(authgate.Config{DatasetKeys: cfg.ApiKeys.DatasetKeys, ClientKeys: cfg.ApiKeys.ClientKeys}),
		Sessions: sessions,
		Diff:     diffengine.New(cfg.InboundRoot, policy, sessions),
		Merge:    mergeengine.New(cfg.InboundRoot, cfg.TempRoot, sessions, cfg.MaxParallelUploads),
		Delete:   deleteengine.New(cfg.InboundRoot, policy),
	}
}

// Server owns the HTTP listener and the background session GC loop.
type Server struct {
	config *Config
	http   *http.Server
	svc    *Services
}

func New(config *Config) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	svc := NewServices(config)
	engine := SetupRoutes(svc)

	return &Server{
		config: config,
		svc:    svc,
		http: &http.Server{
			Addr:              config.BindAddr,
			Handler:           engine,
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      0, // uploads can run long; bounded by client cancellation instead
			IdleTimeout:       120 * time.Second,
			ReadHeaderTimeout: 10 * time.Second,
			MaxHeaderBytes:    1 << 20,
		},
	}, nil
}

func (s *Server) Start(ctx context.Context) error {
	slog.Info("filemirrorsync server start", "config", s.config.LogValue())

	eg, egCtx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		slog.Info("http server stopped")
		return nil
	})

	eg.Go(func() error {
		s.runSessionGC(egCtx)
		return nil
	})

	eg.Go(func() error {
		<-egCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.Stop(shutdownCtx); err != nil {
			slog.Error("graceful shutdown failed", "error", err)
			return err
		}
		return nil
	})

	if err := eg.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("filemirrorsync server failure", "error", err)
		return err
	}

	slog.Info("filemirrorsync server stop")
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) runSessionGC(ctx context.Context) {
	ticker := time.NewTicker(s.config.SessionGCHorizon / 4)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.svc.Sessions.GC(s.config.SessionGCHorizon); err != nil {
				slog.Warn("session gc failed", "error", err)
			}
		}
	}
}
