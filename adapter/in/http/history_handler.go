package http

import (
	"github.com/gofiber/fiber/v2"

	"history_server/core/domain"
	"history_server/core/service/history"
	"history_server/core/service/offline"
	"history_server/pkg/apperr"
	"history_server/pkg/response"
)

// HistoryHandler handles HTTP requests for analysis history.
type HistoryHandler struct {
	sync  *offline.SyncManager
	cache *history.CacheManager
}

func NewHistoryHandler(sync *offline.SyncManager, cache *history.CacheManager) *HistoryHandler {
	return &HistoryHandler{sync: sync, cache: cache}
}

// Register registers history routes.
func (h *HistoryHandler) Register(router fiber.Router) {
	hist := router.Group("/history")

	hist.Get("/", h.List)
	hist.Post("/", h.Create)
	hist.Get("/stats", h.GetStats)
	hist.Post("/preload", h.Preload)
	hist.Delete("/", h.Clear)
	hist.Get("/:id", h.Get)
	hist.Put("/:id", h.Update)
	hist.Delete("/:id", h.Delete)
}

// =============================================================================
// History CRUD
// =============================================================================

// List returns the owner's recent history. Plain requests are served from
// the cache tiers; type or offset filters always go to the remote store.
func (h *HistoryHandler) List(c *fiber.Ctx) error {
	ownerID := c.Locals("user_id").(string)
	limit := c.QueryInt("limit", 50)
	offset := c.QueryInt("offset", 0)

	var items []*domain.AnalysisHistoryItem
	if typ := c.Query("type"); typ != "" || offset > 0 {
		filter := &domain.HistoryFilter{
			OwnerID: ownerID,
			Limit:   limit,
			Offset:  offset,
		}
		if typ != "" {
			at := domain.AnalysisType(typ)
			if !at.Valid() {
				return response.Error(c, fiber.StatusBadRequest, apperr.CodeInvalidInput, "unknown analysis type: "+typ)
			}
			filter.Type = &at
		}
		items = h.cache.GetFromRemote(c.Context(), filter)
	} else {
		items = h.cache.ListItems(c.Context(), ownerID, limit)
	}

	return response.OKWithMeta(c, items, &response.Meta{
		Total:  len(items),
		Limit:  limit,
		Offset: offset,
	})
}

func (h *HistoryHandler) Get(c *fiber.Ctx) error {
	ownerID := c.Locals("user_id").(string)

	item := h.cache.GetItem(c.Context(), c.Params("id"), ownerID)
	if item == nil {
		return response.Error(c, fiber.StatusNotFound, apperr.CodeNotFound, "history item not found")
	}
	return response.OK(c, item)
}

func (h *HistoryHandler) Create(c *fiber.Ctx) error {
	ownerID := c.Locals("user_id").(string)

	var item domain.AnalysisHistoryItem
	if err := c.BodyParser(&item); err != nil {
		return response.Error(c, fiber.StatusBadRequest, apperr.CodeBadRequest, "invalid request body")
	}

	if err := h.sync.AddItem(c.Context(), &item, ownerID); err != nil {
		return err
	}
	return response.Created(c, &item)
}

func (h *HistoryHandler) Update(c *fiber.Ctx) error {
	ownerID := c.Locals("user_id").(string)

	var item domain.AnalysisHistoryItem
	if err := c.BodyParser(&item); err != nil {
		return response.Error(c, fiber.StatusBadRequest, apperr.CodeBadRequest, "invalid request body")
	}
	item.ID = c.Params("id")

	if err := h.sync.UpdateItem(c.Context(), &item, ownerID); err != nil {
		return err
	}
	return response.OK(c, &item)
}

func (h *HistoryHandler) Delete(c *fiber.Ctx) error {
	ownerID := c.Locals("user_id").(string)

	if err := h.sync.RemoveItem(c.Context(), c.Params("id"), ownerID); err != nil {
		return err
	}
	return response.NoContent(c)
}

// Clear wipes the owner's cached history. include_remote=true also deletes
// the remote copies.
func (h *HistoryHandler) Clear(c *fiber.Ctx) error {
	ownerID := c.Locals("user_id").(string)
	includeRemote := c.QueryBool("include_remote", false)

	if err := h.cache.ClearAll(c.Context(), ownerID, includeRemote); err != nil {
		return err
	}
	return response.NoContent(c)
}

// =============================================================================
// Cache Operations
// =============================================================================

func (h *HistoryHandler) Preload(c *fiber.Ctx) error {
	ownerID := c.Locals("user_id").(string)
	limit := c.QueryInt("limit", 50)

	if err := h.cache.PreloadCache(c.Context(), ownerID, limit); err != nil {
		return err
	}
	return response.OK(c, fiber.Map{"preloaded": true})
}

func (h *HistoryHandler) GetStats(c *fiber.Ctx) error {
	return response.OK(c, h.cache.Stats())
}
