package api

import (
	"context"
	"net/http"
	"time"

	"vettrack/internal/auth"
	"vettrack/internal/tracking"
	"vettrack/internal/ws"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// Engine is the tracking engine as seen by the local API
type Engine interface {
	View() tracking.View
	Subscribe() (<-chan tracking.View, func())
	ConfirmArrival(ctx context.Context) error
	ExpandSearch(ctx context.Context) error
	Cancel(ctx context.Context, reason, reasonCode string) error
	MarkChatRead(ctx context.Context) error
}

type Dependencies struct {
	Engine      Engine
	EmergencyID string
	Hub         *ws.Hub
	Log         *zap.Logger
	// JWTSecret enables bearer auth on every route when set
	JWTSecret string
	// AwaitTimeout bounds how long a command request waits for its outcome
	// before answering 202
	AwaitTimeout time.Duration
}

func Routes(d Dependencies) http.Handler {
	if d.AwaitTimeout <= 0 {
		d.AwaitTimeout = 20 * time.Second
	}

	r := chi.NewRouter()
	r.Use(RequestLogger(d.Log))

	if d.JWTSecret != "" {
		r.Use(auth.NewJWTConfig(d.JWTSecret).Middleware)
	}

	r.Get("/emergency", d.getView)
	r.Post("/emergency/confirm-arrival", d.confirmArrival)
	r.Post("/emergency/expand-search", d.expandSearch)
	r.Post("/emergency/cancel", d.cancel)
	r.Post("/emergency/chat/read", d.markChatRead)

	r.Get("/ws", d.wsHandler)

	return r
}
