// Package app assembles the timeprof bot: storage, scheduler, conversation
// handler, and the Matrix client.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fwerpers/timeprof/common/trace"
	"github.com/fwerpers/timeprof/common/version"
	"github.com/fwerpers/timeprof/internal/timeprof/bot"
	"github.com/fwerpers/timeprof/internal/timeprof/config"
	"github.com/fwerpers/timeprof/internal/timeprof/matrix"
	"github.com/fwerpers/timeprof/internal/timeprof/sample"
	"github.com/fwerpers/timeprof/internal/timeprof/scheduler"
	"github.com/fwerpers/timeprof/internal/timeprof/store"
	"github.com/fwerpers/timeprof/internal/timeprof/user"
)

// App is the assembled timeprof application.
type App struct {
	config    *config.Config
	store     *store.Store
	users     *user.Store
	samples   *sample.Log
	scheduler *scheduler.Scheduler
	handler   *bot.Handler
	matrix    *matrix.Client
}

// New wires the application from cfg. Nothing starts running until Run.
func New(cfg *config.Config) (*App, error) {
	slog.Info("opening database", "path", cfg.DatabasePath)
	st, err := store.New(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("initialize database: %w", err)
	}

	users, err := user.Open(filepath.Join(cfg.DataDir, "users.json"))
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("initialize user store: %w", err)
	}
	slog.Info("loaded user state", "users", users.Len())

	samples, err := sample.NewLog(filepath.Join(cfg.DataDir, "samples"))
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("initialize sample log: %w", err)
	}

	slog.Info("connecting to Matrix", "homeserver", cfg.Homeserver, "user", cfg.UserID)
	matrixClient, err := matrix.New(&matrix.Config{
		Homeserver:  cfg.Homeserver,
		UserID:      cfg.UserID,
		AccessToken: cfg.AccessToken,
		DB:          st.DB(),
	})
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("initialize Matrix client: %w", err)
	}

	sched := scheduler.New()
	handler := bot.NewHandler(bot.Config{
		Users:       users,
		Samples:     samples,
		Timers:      sched,
		Gateway:     matrixClient,
		DefaultRate: cfg.DefaultRate,
	})

	return &App{
		config:    cfg,
		store:     st,
		users:     users,
		samples:   samples,
		scheduler: sched,
		handler:   handler,
		matrix:    matrixClient,
	}, nil
}

// Run reconciles persisted state, starts the scheduler and the Matrix sync
// loop, and blocks until an interrupt or termination signal arrives.
func (a *App) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Backfill missed prompts and re-arm timers before any events flow, so a
	// message replayed by the homeserver never races an unarmed schedule.
	reconcileCtx := trace.WithTraceID(ctx, trace.GenerateID())
	if err := a.handler.Reconcile(reconcileCtx); err != nil {
		return fmt.Errorf("reconcile persisted state: %w", err)
	}
	a.scheduler.Start()

	slog.Info("starting Matrix sync")
	err := a.matrix.Start(ctx, matrix.Events{
		OnMessage: func(ctx context.Context, sender, roomID, body string) {
			a.handler.HandleMessage(trace.WithTraceID(ctx, trace.GenerateID()), sender, roomID, body)
		},
		OnJoined: func(ctx context.Context, sender, roomID string) {
			a.handler.HandleJoined(trace.WithTraceID(ctx, trace.GenerateID()), sender, roomID)
		},
		OnLeave: func(ctx context.Context, userID, roomID string) {
			a.handler.HandleLeave(trace.WithTraceID(ctx, trace.GenerateID()), userID, roomID)
		},
	})
	if err != nil {
		return fmt.Errorf("start Matrix client: %w", err)
	}

	slog.Info("timeprof is running; press Ctrl+C to stop",
		"version", version.Info(), "users", a.users.Len())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	slog.Info("shutting down")
	return nil
}

// Stop shuts down the Matrix sync, the scheduler, and the database.
func (a *App) Stop() {
	slog.Info("stopping Matrix client")
	a.matrix.Stop()

	slog.Info("stopping scheduler")
	a.scheduler.Stop()

	slog.Info("closing database")
	if err := a.store.Close(); err != nil {
		slog.Warn("close database", "err", err)
	}
}
