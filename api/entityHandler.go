package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/kychandar/changecast/common"
	"github.com/kychandar/changecast/ds"
	"github.com/kychandar/changecast/services"
	resourcestore "github.com/kychandar/changecast/services/resourceStore"
	slogctx "github.com/veqryn/slog-context"
)

// OutcomeHeader reports what happened to the change notification of a mutation.
const OutcomeHeader = "X-Notify-Outcome"

type idParam struct {
	ID uint64 `uri:"id" binding:"required"`
}

// EntityHandler serves CRUD for one entity kind and notifies connected clients after
// every successful mutation.
type EntityHandler struct {
	entity   string
	store    services.ResourceStore
	notifier services.Notifier
}

func NewEntityHandler(entity string, store services.ResourceStore, notifier services.Notifier) *EntityHandler {
	return &EntityHandler{entity: entity, store: store, notifier: notifier}
}

// CollectionPath is where the kind is mounted: "resource" -> "/resources", "news" -> "/news".
func CollectionPath(entity string) string {
	if strings.HasSuffix(entity, "s") {
		return "/" + entity
	}
	return "/" + entity + "s"
}

func (h *EntityHandler) RegisterRoutes(rg *gin.RouterGroup) {
	g := rg.Group(CollectionPath(h.entity))
	g.GET("", h.List)
	g.GET("/:id", h.Get)
	g.POST("", h.Create)
	g.PUT("/:id", h.Update)
	g.DELETE("/:id", h.Delete)
}

func (h *EntityHandler) List(c *gin.Context) {
	records, err := h.store.List(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, records)
}

func (h *EntityHandler) Get(c *gin.Context) {
	var p idParam
	if err := c.ShouldBindUri(&p); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}
	rec, err := h.store.Get(c.Request.Context(), p.ID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h *EntityHandler) Create(c *gin.Context) {
	var in ds.RecordInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	rec := ds.Record{Title: in.Title, Description: in.Description}
	if err := h.store.Create(c.Request.Context(), &rec); err != nil {
		h.fail(c, err)
		return
	}
	h.notify(c, common.ActionCreated, rec)
	c.JSON(http.StatusCreated, rec)
}

func (h *EntityHandler) Update(c *gin.Context) {
	var p idParam
	if err := c.ShouldBindUri(&p); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}
	var in ds.RecordInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	rec := ds.Record{ID: p.ID, Title: in.Title, Description: in.Description}
	if err := h.store.Update(c.Request.Context(), &rec); err != nil {
		h.fail(c, err)
		return
	}
	h.notify(c, common.ActionUpdated, rec)
	c.JSON(http.StatusOK, rec)
}

func (h *EntityHandler) Delete(c *gin.Context) {
	var p idParam
	if err := c.ShouldBindUri(&p); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}
	if err := h.store.Delete(c.Request.Context(), p.ID); err != nil {
		h.fail(c, err)
		return
	}
	h.notify(c, common.ActionDeleted, p.ID)
	c.Status(http.StatusNoContent)
}

// notify runs after the write succeeded. Its outcome never changes the response status.
func (h *EntityHandler) notify(c *gin.Context, action common.Action, value any) {
	outcome := h.send(c.Request.Context(), action, value)
	c.Header(OutcomeHeader, outcome.String())
}

func (h *EntityHandler) send(ctx context.Context, action common.Action, value any) common.Outcome {
	if h.entity == common.EntityResource {
		switch action {
		case common.ActionCreated:
			return h.notifier.NotifyCreated(ctx, value)
		case common.ActionUpdated:
			return h.notifier.NotifyUpdated(ctx, value)
		default:
			return h.notifier.NotifyDeleted(ctx, value)
		}
	}
	return h.notifier.Notify(ctx, common.EntityEvent(h.entity, action), ds.EntityPayload(h.entity, action, value))
}

func (h *EntityHandler) fail(c *gin.Context, err error) {
	if errors.Is(err, resourcestore.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	ctx := c.Request.Context()
	slogctx.FromCtx(ctx).ErrorContext(ctx, "store error", "entity", h.entity, "err", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}
