package httpapi

import (
	"strconv"

	"gofer/pkg/protocol"
	"gofer/pkg/store"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

// createTaskRequest is the POST /v1/tasks body.
type createTaskRequest struct {
	Kind        string   `json:"kind"`
	RequesterID string   `json:"requester_id"`
	Lat         *float64 `json:"lat,omitempty"`
	Lng         *float64 `json:"lng,omitempty"`
}

func (s *Server) handleCreateTask(c *fiber.Ctx) error {
	var req createTaskRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(errorResponse{Code: "invalid_request", Message: "malformed body"})
	}

	t, err := s.engine.CreateTask(c.Context(), store.CreateParams{
		Kind:        protocol.TaskKind(req.Kind),
		RequesterID: req.RequesterID,
		Lat:         req.Lat,
		Lng:         req.Lng,
	})
	if err != nil {
		return s.writeErr(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(t)
}

func (s *Server) handleGetTask(c *fiber.Ctx) error {
	t, err := s.engine.GetTask(c.Context(), c.Params("id"))
	if err != nil {
		return s.writeErr(c, err)
	}
	return c.JSON(t)
}

// runnerRequest carries the acting runner for runner-initiated operations.
type runnerRequest struct {
	RunnerID string `json:"runner_id"`
}

// requesterRequest carries the acting requester for requester-initiated
// operations.
type requesterRequest struct {
	RequesterID string `json:"requester_id"`
}

func (s *Server) handleAccept(c *fiber.Ctx) error {
	var req runnerRequest
	if err := c.BodyParser(&req); err != nil || req.RunnerID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(errorResponse{Code: "invalid_request", Message: "runner_id required"})
	}

	t, err := s.engine.TryAccept(c.Context(), c.Params("id"), req.RunnerID)
	if err != nil {
		return s.writeErr(c, err)
	}
	return c.JSON(t)
}

func (s *Server) handleDecline(c *fiber.Ctx) error {
	var req runnerRequest
	if err := c.BodyParser(&req); err != nil || req.RunnerID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(errorResponse{Code: "invalid_request", Message: "runner_id required"})
	}

	if err := s.engine.Decline(c.Context(), c.Params("id"), req.RunnerID); err != nil {
		return s.writeErr(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) handleCancel(c *fiber.Ctx) error {
	var req requesterRequest
	if err := c.BodyParser(&req); err != nil || req.RequesterID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(errorResponse{Code: "invalid_request", Message: "requester_id required"})
	}

	t, err := s.engine.RequestCancel(c.Context(), c.Params("id"), req.RequesterID)
	if err != nil {
		return s.writeErr(c, err)
	}
	return c.JSON(t)
}

// handleOfferTimeout is the best-effort client trigger: the offered runner's
// device calls it when its local clock passes offer_expires_at. The engine
// operation is idempotent, so racing the authoritative sweep is harmless.
func (s *Server) handleOfferTimeout(c *fiber.Ctx) error {
	var req runnerRequest
	if err := c.BodyParser(&req); err != nil || req.RunnerID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(errorResponse{Code: "invalid_request", Message: "runner_id required"})
	}

	if err := s.engine.HandleOfferTimeout(c.Context(), c.Params("id"), req.RunnerID); err != nil {
		return s.writeErr(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) handleComplete(c *fiber.Ctx) error {
	var req requesterRequest
	if err := c.BodyParser(&req); err != nil || req.RequesterID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(errorResponse{Code: "invalid_request", Message: "requester_id required"})
	}

	t, err := s.engine.Complete(c.Context(), c.Params("id"), req.RequesterID)
	if err != nil {
		return s.writeErr(c, err)
	}
	return c.JSON(t)
}

func (s *Server) handleDeliver(c *fiber.Ctx) error {
	var req runnerRequest
	if err := c.BodyParser(&req); err != nil || req.RunnerID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(errorResponse{Code: "invalid_request", Message: "runner_id required"})
	}

	t, err := s.engine.Deliver(c.Context(), c.Params("id"), req.RunnerID)
	if err != nil {
		return s.writeErr(c, err)
	}
	return c.JSON(t)
}

func (s *Server) handleAckExhaustion(c *fiber.Ctx) error {
	var req requesterRequest
	if err := c.BodyParser(&req); err != nil || req.RequesterID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(errorResponse{Code: "invalid_request", Message: "requester_id required"})
	}

	if err := s.engine.AcknowledgeExhaustion(c.Context(), c.Params("id"), req.RequesterID); err != nil {
		return s.writeErr(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// heartbeatRequest is the runner heartbeat body. Location is optional; when
// present, location_updated_at advances alongside last_seen_at.
type heartbeatRequest struct {
	IsAvailable bool     `json:"is_available"`
	Lat         *float64 `json:"lat,omitempty"`
	Lng         *float64 `json:"lng,omitempty"`
}

func (s *Server) handleHeartbeat(c *fiber.Ctx) error {
	var req heartbeatRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(errorResponse{Code: "invalid_request", Message: "malformed body"})
	}

	now := s.nowFunc()
	p := protocol.Presence{
		RunnerID:    c.Params("id"),
		Role:        protocol.RoleRunner,
		IsAvailable: req.IsAvailable,
		LastSeenAt:  now,
	}
	if req.Lat != nil && req.Lng != nil {
		p.Lat = req.Lat
		p.Lng = req.Lng
		p.LocationUpdatedAt = now
	}

	if err := s.presence.Beat(c.Context(), p); err != nil {
		s.log.Error("heartbeat", zap.Error(err))
		return c.Status(fiber.StatusServiceUnavailable).JSON(errorResponse{Code: "unavailable", Message: "try again shortly"})
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// changesResponse pages the change feed for polling clients.
type changesResponse struct {
	Changes []protocol.TaskChange `json:"changes"`
	Cursor  int64                 `json:"cursor"`
}

func (s *Server) handleChanges(c *fiber.Ctx) error {
	cursor, err := strconv.ParseInt(c.Query("cursor", "0"), 10, 64)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(errorResponse{Code: "invalid_request", Message: "cursor must be an integer"})
	}
	limit, err := strconv.Atoi(c.Query("limit", "100"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(errorResponse{Code: "invalid_request", Message: "limit must be an integer"})
	}

	changes, next, err := s.store.ListChangesSince(c.Context(), cursor, c.Query("requester"), limit)
	if err != nil {
		return s.writeErr(c, err)
	}
	return c.JSON(changesResponse{Changes: changes, Cursor: next})
}
