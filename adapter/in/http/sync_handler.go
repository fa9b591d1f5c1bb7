package http

import (
	"github.com/gofiber/fiber/v2"

	"history_server/core/service/offline"
	"history_server/pkg/response"
)

// SyncHandler exposes the offline queue over HTTP.
type SyncHandler struct {
	sync *offline.SyncManager
}

func NewSyncHandler(sync *offline.SyncManager) *SyncHandler {
	return &SyncHandler{sync: sync}
}

// Register registers sync routes.
func (h *SyncHandler) Register(router fiber.Router) {
	sync := router.Group("/sync")

	sync.Get("/status", h.GetStatus)
	sync.Get("/pending", h.GetPending)
	sync.Get("/failed", h.GetFailed)
	sync.Post("/force", h.ForceSync)
	sync.Post("/retry-failed", h.RetryFailed)
}

func (h *SyncHandler) GetStatus(c *fiber.Ctx) error {
	return response.OK(c, h.sync.GetStatus())
}

func (h *SyncHandler) GetPending(c *fiber.Ctx) error {
	return response.OK(c, h.sync.PendingOperations())
}

func (h *SyncHandler) GetFailed(c *fiber.Ctx) error {
	return response.OK(c, h.sync.FailedOperations())
}

func (h *SyncHandler) ForceSync(c *fiber.Ctx) error {
	if err := h.sync.ForceSync(c.Context()); err != nil {
		return err
	}
	return response.OK(c, h.sync.GetStatus())
}

func (h *SyncHandler) RetryFailed(c *fiber.Ctx) error {
	moved := h.sync.RetryFailedOperations(c.Context())
	return response.OK(c, fiber.Map{"requeued": moved})
}
