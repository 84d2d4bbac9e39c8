package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"strconv"

	"github.com/cuongbtq/reviewbot/internal/api/dto"
	"github.com/gin-gonic/gin"
)

const (
	defaultPageSize        = 20
	maxPageSize            = 100
	defaultDeadLetterLimit = 50
	defaultSearchLimit     = 10
)

// Health handles GET /health
func (h *ReviewHandler) Health(service string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if h.database != nil {
			if err := h.database.HealthCheck(c.Request.Context()); err != nil {
				h.logger.Error("Health check failed", slog.String("error", err.Error()))
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"status":  "unhealthy",
					"service": service,
				})
				return
			}
		}

		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": service,
		})
	}
}

// ListQueues handles GET /api/v1/queues
// Returns the number of waiting entries in every queue
func (h *ReviewHandler) ListQueues(c *gin.Context) {
	names := make([]string, 0, len(h.queues))
	for name := range h.queues {
		names = append(names, name)
	}
	sort.Strings(names)

	resp := dto.QueuesResponse{Queues: make([]dto.QueueSummary, 0, len(names))}
	for _, name := range names {
		size, err := h.queues[name].Size(c.Request.Context())
		if err != nil {
			h.logger.Error("Failed to read queue size",
				slog.String("queue", name),
				slog.String("error", err.Error()),
			)
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to read queue size",
			})
			return
		}
		resp.Queues = append(resp.Queues, dto.QueueSummary{Name: name, Size: size})
	}

	c.JSON(http.StatusOK, resp)
}

// ListItems handles GET /api/v1/queues/:queue/items
// Lists waiting entries in dequeue order with cursor pagination
func (h *ReviewHandler) ListItems(c *gin.Context) {
	name := c.Param("queue")
	view, ok := h.queues[name]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "Queue not found",
		})
		return
	}

	var req dto.ListItemsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.logger.Error("Invalid query parameters", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}

	if req.PageSize <= 0 {
		req.PageSize = defaultPageSize
	}
	if req.PageSize > maxPageSize {
		req.PageSize = maxPageSize
	}

	offset, err := DecodeItemCursor(req.Cursor)
	if err != nil {
		h.logger.Error("Invalid cursor", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid cursor",
		})
		return
	}

	items, err := view.Items(c.Request.Context())
	if err != nil {
		h.logger.Error("Failed to list queue items",
			slog.String("queue", name),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list queue items",
		})
		return
	}

	resp := dto.ListItemsResponse{Queue: name, Items: []any{}}
	if offset < len(items) {
		end := min(offset+req.PageSize, len(items))
		resp.Items = items[offset:end]
		if end < len(items) {
			resp.NextCursor = EncodeItemCursor(end)
		}
	}

	c.JSON(http.StatusOK, resp)
}

// GetItem handles GET /api/v1/queues/:queue/items/:id
func (h *ReviewHandler) GetItem(c *gin.Context) {
	name := c.Param("queue")
	view, ok := h.queues[name]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "Queue not found",
		})
		return
	}

	id := c.Param("id")
	item, found, err := view.Find(c.Request.Context(), id)
	if err != nil {
		h.logger.Error("Failed to find queue item",
			slog.String("queue", name),
			slog.String("id", id),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to find queue item",
		})
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "Item not found",
		})
		return
	}

	c.JSON(http.StatusOK, item)
}

// GetFingerprint handles GET /api/v1/fingerprints/:request_id
func (h *ReviewHandler) GetFingerprint(c *gin.Context) {
	requestID, err := strconv.ParseInt(c.Param("request_id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "request_id must be an integer",
		})
		return
	}

	rec, ok, err := h.fingerprints.Get(c.Request.Context(), requestID)
	if err != nil {
		h.logger.Error("Failed to get fingerprint",
			slog.Int64("request_id", requestID),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to get fingerprint",
		})
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "Fingerprint not found",
		})
		return
	}

	c.JSON(http.StatusOK, dto.FingerprintDTO{
		RequestID:             rec.RequestID,
		LastReviewedUpdatedAt: rec.LastReviewedUpdatedAt,
		LastTriggerComment:    rec.LastTriggerComment,
		RecordedAt:            rec.RecordedAt,
	})
}

// ListDeadLetters handles GET /api/v1/dead-letters
// Only available when dead letters are kept in the database
func (h *ReviewHandler) ListDeadLetters(c *gin.Context) {
	if h.deadLetters == nil {
		c.JSON(http.StatusNotImplemented, gin.H{
			"error": "Dead letters are not stored in the database",
		})
		return
	}

	var req dto.ListDeadLettersRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}
	if req.Limit <= 0 {
		req.Limit = defaultDeadLetterLimit
	}
	if req.Limit > maxPageSize {
		req.Limit = maxPageSize
	}

	letters, err := h.deadLetters.List(c.Request.Context(), req.Limit)
	if err != nil {
		h.logger.Error("Failed to list dead letters", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list dead letters",
		})
		return
	}

	out := make([]dto.DeadLetterDTO, len(letters))
	for i, l := range letters {
		out[i] = dto.DeadLetterDTO{
			RequestID: l.RequestID,
			Stage:     l.Stage,
			Reason:    l.Reason,
			Payload:   json.RawMessage(l.Payload),
			CreatedAt: l.CreatedAt,
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"dead_letters": out,
	})
}

// Search handles GET /api/v1/search
// Runs the same semantic search the reviewer uses for prompt context
func (h *ReviewHandler) Search(c *gin.Context) {
	if h.searcher == nil {
		c.JSON(http.StatusNotImplemented, gin.H{
			"error": "Search is not enabled",
		})
		return
	}

	var req dto.SearchRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "q is required",
		})
		return
	}
	if req.Repository == "" {
		req.Repository = h.repository
	}
	if req.Limit <= 0 {
		req.Limit = defaultSearchLimit
	}
	if req.Limit > maxPageSize {
		req.Limit = maxPageSize
	}

	snippets, err := h.searcher.Search(c.Request.Context(), req.Repository, req.Query, req.Limit)
	if err != nil {
		h.logger.Error("Search failed",
			slog.String("repository", req.Repository),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Search failed",
		})
		return
	}
	if snippets == nil {
		snippets = []string{}
	}

	c.JSON(http.StatusOK, dto.SearchResponse{Repository: req.Repository, Snippets: snippets})
}
