package http

import (
	"github.com/gofiber/fiber/v2"

	"history_server/core/domain"
	"history_server/core/service/migration"
	"history_server/pkg/apperr"
	"history_server/pkg/response"
)

// MigrationHandler exposes the migration engine over HTTP.
type MigrationHandler struct {
	engine *migration.Engine
}

func NewMigrationHandler(engine *migration.Engine) *MigrationHandler {
	return &MigrationHandler{engine: engine}
}

// Register registers migration routes.
func (h *MigrationHandler) Register(router fiber.Router) {
	mig := router.Group("/migration")

	mig.Get("/status", h.GetStatus)
	mig.Get("/logs", h.GetLogs)
	mig.Post("/run", h.Run)
}

type runMigrationRequest struct {
	DryRun bool   `json:"dry_run"`
	Policy string `json:"policy"`
}

func (h *MigrationHandler) GetStatus(c *fiber.Ctx) error {
	ownerID := c.Locals("user_id").(string)
	return response.OK(c, fiber.Map{
		"needs_migration": h.engine.NeedsMigration(c.Context(), ownerID),
	})
}

func (h *MigrationHandler) Run(c *fiber.Ctx) error {
	ownerID := c.Locals("user_id").(string)

	var req runMigrationRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return response.Error(c, fiber.StatusBadRequest, apperr.CodeBadRequest, "invalid request body")
		}
	}

	result, err := h.engine.Run(c.Context(), ownerID, migration.Options{
		DryRun: req.DryRun,
		Policy: domain.ConflictPolicy(req.Policy),
	})
	if err != nil {
		// A backup failure still produced a partial result worth returning.
		if result != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(response.Response{
				Success: false,
				Data:    result,
				Error:   &response.ErrorInfo{Code: apperr.CodeMigrationFailed, Message: err.Error()},
			})
		}
		return err
	}
	return response.OK(c, result)
}

func (h *MigrationHandler) GetLogs(c *fiber.Ctx) error {
	logs, err := h.engine.GetLogs(c.Context())
	if err != nil {
		return err
	}
	if logs == nil {
		logs = []*domain.MigrationLogEntry{}
	}
	return response.OK(c, logs)
}
