// Package httpapi exposes the matching core's public operations over HTTP.
// Requester and runner devices are untrusted: every handler delegates to
// the engine's guarded operations and internal failure reasons are never
// surfaced raw. Lost races come back as machine-readable 409s with the
// user-facing "offer no longer available" style messages.
package httpapi

import (
	"context"
	"errors"
	"time"

	"gofer/pkg/match"
	"gofer/pkg/presence"
	"gofer/pkg/protocol"
	"gofer/pkg/store"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

// Server wires the engine and presence recorder into a Fiber app.
type Server struct {
	engine   *match.Engine
	presence presence.Recorder
	store    *store.Store
	log      *zap.Logger
	app      *fiber.App

	// nowFunc allows tests to control time.
	nowFunc func() time.Time
}

// New creates the HTTP server and registers all routes.
func New(engine *match.Engine, rec presence.Recorder, st *store.Store, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		engine:   engine,
		presence: rec,
		store:    st,
		log:      log,
		nowFunc:  time.Now,
	}

	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler:          s.errorHandler,
	})

	v1 := app.Group("/v1")
	v1.Post("/tasks", s.handleCreateTask)
	v1.Get("/tasks/:id", s.handleGetTask)
	v1.Post("/tasks/:id/accept", s.handleAccept)
	v1.Post("/tasks/:id/decline", s.handleDecline)
	v1.Post("/tasks/:id/cancel", s.handleCancel)
	v1.Post("/tasks/:id/offer-timeout", s.handleOfferTimeout)
	v1.Post("/tasks/:id/complete", s.handleComplete)
	v1.Post("/tasks/:id/deliver", s.handleDeliver)
	v1.Post("/tasks/:id/ack-exhaustion", s.handleAckExhaustion)
	v1.Post("/runners/:id/heartbeat", s.handleHeartbeat)
	v1.Get("/changes", s.handleChanges)

	s.app = app
	return s
}

// App returns the underlying Fiber app (used by tests via app.Test).
func (s *Server) App() *fiber.App {
	return s.app
}

// Listen serves until Shutdown is called.
func (s *Server) Listen(addr string) error {
	s.log.Info("http api listening", zap.String("addr", addr))
	return s.app.Listen(addr)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

// errorResponse is the wire shape for all handler failures.
type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// writeErr maps domain errors onto status codes and user-safe messages.
func (s *Server) writeErr(c *fiber.Ctx, err error) error {
	var (
		rejected *protocol.AcceptRejectedError
		invalid  *protocol.ValidationError
		conflict *protocol.ConflictError
		notFound *protocol.TaskNotFoundError
		storeErr *protocol.StoreError
	)
	switch {
	case errors.As(err, &rejected):
		return c.Status(fiber.StatusConflict).JSON(errorResponse{
			Code:    string(rejected.Reason),
			Message: "offer no longer available",
		})
	case errors.As(err, &invalid):
		return c.Status(fiber.StatusBadRequest).JSON(errorResponse{
			Code:    "invalid_request",
			Message: invalid.Error(),
		})
	case errors.As(err, &conflict):
		return c.Status(fiber.StatusConflict).JSON(errorResponse{
			Code:    "conflict",
			Message: "request no longer applies",
		})
	case errors.As(err, &notFound):
		return c.Status(fiber.StatusNotFound).JSON(errorResponse{
			Code:    "not_found",
			Message: "task not found",
		})
	case errors.As(err, &storeErr):
		s.log.Error("store failure", zap.Error(err))
		return c.Status(fiber.StatusServiceUnavailable).JSON(errorResponse{
			Code:    "unavailable",
			Message: "try again shortly",
		})
	default:
		s.log.Error("unhandled api error", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(errorResponse{
			Code:    "internal",
			Message: "internal error",
		})
	}
}

func (s *Server) errorHandler(c *fiber.Ctx, err error) error {
	var fe *fiber.Error
	if errors.As(err, &fe) {
		return c.Status(fe.Code).JSON(errorResponse{Code: "http_error", Message: fe.Message})
	}
	return s.writeErr(c, err)
}
