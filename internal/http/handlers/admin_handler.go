// Admin HTTP handlers.
//
// REST endpoints for the operator dashboard:
//   - GET  /api/v1/bots                (list bots with live runner state)
//   - POST /api/v1/bots/control        (start / stop / sync)
//   - GET  /api/v1/bots/{id}/logs      (paginated audit log)
//   - GET  /api/v1/orders              (paginated, optional status filter)
//   - POST /api/v1/orders/{id}/approve (manual settlement / delivery retry)
//   - GET  /api/v1/delivery/info       (provider account balance)
//
// Handlers are transport-thin: they validate input, call the lifecycle
// manager, orchestrator, or repository, and translate results into HTTP
// responses.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/passflow/go-bot-backend/internal/domain"
	"github.com/passflow/go-bot-backend/internal/repo"
	"github.com/passflow/go-bot-backend/internal/utils"
)

// BotController exposes the lifecycle operations the control endpoint needs.
// Implemented by the manager.
type BotController interface {
	Start(ctx context.Context, botID string) error
	Stop(ctx context.Context, botID string) error
	Sync(ctx context.Context) (int, error)
	IsRunning(botID string) bool
}

// StockProvider reports the delivery provider account state.
type StockProvider interface {
	Balance(ctx context.Context) (json.RawMessage, error)
}

// Handlers groups the HTTP endpoints and their injected dependencies.
type Handlers struct {
	db         *gorm.DB
	bots       BotController
	settler    Settler
	dispatcher Dispatcher
	stock      StockProvider
}

// New constructs a Handlers instance bound to the given dependencies.
func New(db *gorm.DB, bots BotController, settler Settler, dispatcher Dispatcher, stock StockProvider) *Handlers {
	return &Handlers{db: db, bots: bots, settler: settler, dispatcher: dispatcher, stock: stock}
}

//
// DTOs
//

// BotView is a bot row decorated with this process's runner state.
type BotView struct {
	domain.Bot
	Running bool `json:"running"`
}

// ControlRequest is the JSON payload for bot lifecycle actions.
type ControlRequest struct {
	// BotID selects the target bot; unused for "sync".
	BotID string `json:"bot_id" example:"0f8fad5b-d9cb-469f-a165-70867728950e"`
	// Action is one of "start", "stop", "sync".
	Action string `json:"action" binding:"required" example:"start"`
}

// Pagination carries pagination metadata for list responses.
type Pagination struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
	HasNext    bool  `json:"has_next"`
}

// ListOrdersResponse wraps a page of orders and pagination information.
type ListOrdersResponse struct {
	Orders     []domain.Order `json:"orders"`
	Pagination Pagination     `json:"pagination"`
}

// ListLogsResponse wraps a page of bot log lines.
type ListLogsResponse struct {
	Logs       []domain.BotLog `json:"logs"`
	Pagination Pagination      `json:"pagination"`
}

func pageOf(c *gin.Context) utils.Page {
	return utils.ParsePage(c.Query("page"), c.Query("page_size"), 20, 100)
}

func paginationFor(p utils.Page, total int64) Pagination {
	totalPages := utils.TotalPages(total, p.Size)
	return Pagination{
		Page:       p.Page,
		PageSize:   p.Size,
		Total:      total,
		TotalPages: totalPages,
		HasNext:    p.Page < totalPages,
	}
}

//
// Handlers
//

// ListBots godoc
// @ID          listBots
// @Summary     List bots
// @Description Returns all bots with their persisted status and whether this process holds a live runner for them.
// @Tags        Bots
// @Produce     json
// @Success     200  {array}   handlers.BotView
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /bots [get]
func (h *Handlers) ListBots(c *gin.Context) {
	bots, err := repo.ListBots(c.Request.Context(), h.db)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, err.Error())
		return
	}
	views := make([]BotView, 0, len(bots))
	for _, b := range bots {
		views = append(views, BotView{Bot: b, Running: h.bots.IsRunning(b.ID)})
	}
	ok(c, http.StatusOK, views)
}

// ControlBot godoc
// @ID          controlBot
// @Summary     Start, stop, or sync bots
// @Description start/stop target one bot; sync restarts every bot persisted as active and returns the count.
// @Tags        Bots
// @Accept      json
// @Produce     json
// @Param       body  body  handlers.ControlRequest  true  "Control payload"
// @Success     200  {object}  map[string]any
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     404  {object}  handlers.ErrorResponse  "Unknown bot"
// @Failure     500  {object}  handlers.ErrorResponse  "Action failed"
// @Router      /bots/control [post]
func (h *Handlers) ControlBot(c *gin.Context) {
	var req ControlRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}
	ctx := c.Request.Context()

	switch strings.ToLower(strings.TrimSpace(req.Action)) {
	case "start":
		if req.BotID == "" {
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "bot_id is required")
			return
		}
		if err := h.bots.Start(ctx, req.BotID); err != nil {
			h.controlError(c, err)
			return
		}
		ok(c, http.StatusOK, gin.H{"status": "started", "bot_id": req.BotID})
	case "stop":
		if req.BotID == "" {
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "bot_id is required")
			return
		}
		if err := h.bots.Stop(ctx, req.BotID); err != nil {
			h.controlError(c, err)
			return
		}
		ok(c, http.StatusOK, gin.H{"status": "stopped", "bot_id": req.BotID})
	case "sync":
		started, err := h.bots.Sync(ctx)
		if err != nil {
			fail(c, http.StatusInternalServerError, ErrCodeControlFailed, err.Error())
			return
		}
		ok(c, http.StatusOK, gin.H{"status": "synced", "started": started})
	default:
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "action must be start, stop, or sync")
	}
}

func (h *Handlers) controlError(c *gin.Context, err error) {
	if errors.Is(err, repo.ErrNotFound) {
		fail(c, http.StatusNotFound, ErrCodeNotFound, "bot not found")
		return
	}
	fail(c, http.StatusInternalServerError, ErrCodeControlFailed, err.Error())
}

// BotLogs godoc
// @ID          botLogs
// @Summary     List bot audit logs (paginated)
// @Tags        Bots
// @Produce     json
// @Param       id         path   string  true  "Bot ID"
// @Param       page       query  int     false "Page number"     minimum(1) default(1)
// @Param       page_size  query  int     false "Items per page"  minimum(1) maximum(100) default(20)
// @Success     200  {object}  handlers.ListLogsResponse
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /bots/{id}/logs [get]
func (h *Handlers) BotLogs(c *gin.Context) {
	ctx := c.Request.Context()
	botID := c.Param("id")
	p := pageOf(c)

	total, err := repo.CountBotLogs(ctx, h.db, botID)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, err.Error())
		return
	}
	logs, err := repo.ListBotLogsPage(ctx, h.db, botID, p.Offset, p.Size)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, err.Error())
		return
	}
	ok(c, http.StatusOK, ListLogsResponse{Logs: logs, Pagination: paginationFor(p, total)})
}

// ListOrders godoc
// @ID          listOrders
// @Summary     List orders (paginated)
// @Description Returns a page of orders, newest first, optionally filtered by status.
// @Tags        Orders
// @Produce     json
// @Param       status     query  string  false "Filter by status (pending|paid|delivered|failed)"
// @Param       page       query  int     false "Page number"     minimum(1) default(1)
// @Param       page_size  query  int     false "Items per page"  minimum(1) maximum(100) default(20)
// @Success     200  {object}  handlers.ListOrdersResponse
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /orders [get]
func (h *Handlers) ListOrders(c *gin.Context) {
	ctx := c.Request.Context()
	status := strings.TrimSpace(c.Query("status"))
	p := pageOf(c)

	total, err := repo.CountOrders(ctx, h.db, status)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, err.Error())
		return
	}
	orders, err := repo.ListOrdersPage(ctx, h.db, status, p.Offset, p.Size)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, err.Error())
		return
	}
	ok(c, http.StatusOK, ListOrdersResponse{Orders: orders, Pagination: paginationFor(p, total)})
}

// ApproveOrder godoc
// @ID          approveOrder
// @Summary     Approve an order manually
// @Description Settles a pending order as if the gateway had confirmed it, or retries delivery for a paid order whose fulfillment failed. Delivered orders are a no-op.
// @Tags        Orders
// @Produce     json
// @Param       id  path  string  true  "Order ID"
// @Success     200  {object}  map[string]string
// @Failure     404  {object}  handlers.ErrorResponse  "Unknown order"
// @Failure     500  {object}  handlers.ErrorResponse  "Approval failed"
// @Router      /orders/{id}/approve [post]
func (h *Handlers) ApproveOrder(c *gin.Context) {
	orderID := c.Param("id")
	if err := h.settler.Approve(c.Request.Context(), orderID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			fail(c, http.StatusNotFound, ErrCodeNotFound, "order not found")
			return
		}
		fail(c, http.StatusInternalServerError, ErrCodeApproveFailed, err.Error())
		return
	}
	ok(c, http.StatusOK, gin.H{"status": "approved", "order_id": orderID})
}

// DeliveryInfo godoc
// @ID          deliveryInfo
// @Summary     Delivery provider account info
// @Description Proxies the provider's account/balance endpoint using the configured credentials.
// @Tags        Delivery
// @Produce     json
// @Success     200  {object}  object
// @Failure     502  {object}  handlers.ErrorResponse  "Provider unreachable"
// @Router      /delivery/info [get]
func (h *Handlers) DeliveryInfo(c *gin.Context) {
	raw, err := h.stock.Balance(c.Request.Context())
	if err != nil {
		fail(c, http.StatusBadGateway, ErrCodeBalanceFailed, err.Error())
		return
	}
	c.Data(http.StatusOK, "application/json", raw)
}
