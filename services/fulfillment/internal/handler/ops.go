package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"example.com/bouquet-shop/pkg/logger"
	"example.com/bouquet-shop/services/fulfillment/internal/domain"
	"example.com/bouquet-shop/services/fulfillment/internal/middleware"
)

// OpsHandler — операционные эндпоинты для персонала.
type OpsHandler struct {
	svc OpsService
}

// NewOpsHandler создаёт обработчик.
func NewOpsHandler(svc OpsService) *OpsHandler {
	return &OpsHandler{svc: svc}
}

// TaskResponse — задача побочного эффекта.
type TaskResponse struct {
	ID             string  `json:"id"`
	OrderID        string  `json:"order_id"`
	Kind           string  `json:"kind"`
	IdempotencyKey string  `json:"idempotency_key"`
	Status         string  `json:"status"`
	Attempts       int     `json:"attempts"`
	LastError      *string `json:"last_error,omitempty"`
	UpdatedAt      int64   `json:"updated_at"`
}

// AnomalyResponse — событие, отмеченное для разбора.
type AnomalyResponse struct {
	Provider  string  `json:"provider"`
	EventID   string  `json:"event_id"`
	Kind      string  `json:"kind"`
	OrderID   string  `json:"order_id,omitempty"`
	Outcome   *string `json:"outcome,omitempty"`
	CreatedAt int64   `json:"created_at"`
}

// NotificationResponse — уведомление персонала.
type NotificationResponse struct {
	ID        string  `json:"id"`
	Kind      string  `json:"kind"`
	OrderID   *string `json:"order_id,omitempty"`
	Title     string  `json:"title"`
	Body      string  `json:"body"`
	Read      bool    `json:"read"`
	CreatedAt int64   `json:"created_at"`
}

func queryLimit(c *gin.Context) int {
	limit, _ := strconv.Atoi(c.Query("limit"))
	return limit
}

// Fulfill отмечает заказ собранным.
// POST /api/v1/ops/orders/:id/fulfill
func (h *OpsHandler) Fulfill(c *gin.Context) {
	order, err := h.svc.Fulfill(c.Request.Context(), c.Param("id"))
	if err != nil {
		HandleError(c, err, "Fulfill")
		return
	}

	log := logger.FromContext(c.Request.Context())

	log.Info().
		Str("order_id", order.ID).
		Str("staff_id", c.GetString(middleware.ContextStaffID)).
		Msg("Сборка заказа подтверждена сотрудником")

	c.JSON(http.StatusOK, toOrderResponse(order))
}

// FailedTasks возвращает задачи, выведенные из очереди.
// GET /api/v1/ops/tasks/failed
func (h *OpsHandler) FailedTasks(c *gin.Context) {
	tasks, err := h.svc.FailedTasks(c.Request.Context(), queryLimit(c))
	if err != nil {
		HandleError(c, err, "FailedTasks")
		return
	}

	out := make([]TaskResponse, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, TaskResponse{
			ID:             t.ID,
			OrderID:        t.OrderID,
			Kind:           string(t.Kind),
			IdempotencyKey: t.IdempotencyKey,
			Status:         string(t.Status),
			Attempts:       t.Attempts,
			LastError:      t.LastError,
			UpdatedAt:      t.UpdatedAt.Unix(),
		})
	}
	c.JSON(http.StatusOK, gin.H{"tasks": out})
}

// RetryTask возвращает задачу в очередь.
// POST /api/v1/ops/tasks/:id/retry
func (h *OpsHandler) RetryTask(c *gin.Context) {
	if err := h.svc.RetryTask(c.Request.Context(), c.Param("id")); err != nil {
		HandleError(c, err, "RetryTask")
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": string(domain.TaskPending)})
}

// Anomalies возвращает события, требующие разбора.
// GET /api/v1/ops/anomalies
func (h *OpsHandler) Anomalies(c *gin.Context) {
	claims, err := h.svc.Anomalies(c.Request.Context(), queryLimit(c))
	if err != nil {
		HandleError(c, err, "Anomalies")
		return
	}

	out := make([]AnomalyResponse, 0, len(claims))
	for _, cl := range claims {
		a := AnomalyResponse{
			Provider:  string(cl.Provider),
			EventID:   cl.EventID,
			Kind:      string(cl.Kind),
			OrderID:   cl.OrderID,
			CreatedAt: cl.CreatedAt.Unix(),
		}
		if cl.Outcome != nil {
			o := string(*cl.Outcome)
			a.Outcome = &o
		}
		out = append(out, a)
	}
	c.JSON(http.StatusOK, gin.H{"anomalies": out})
}

// Notifications возвращает уведомления персонала.
// GET /api/v1/ops/notifications?unread=true
func (h *OpsHandler) Notifications(c *gin.Context) {
	unread := c.Query("unread") == "true"

	notes, err := h.svc.Notifications(c.Request.Context(), unread, queryLimit(c))
	if err != nil {
		HandleError(c, err, "Notifications")
		return
	}

	out := make([]NotificationResponse, 0, len(notes))
	for _, n := range notes {
		out = append(out, NotificationResponse{
			ID:        n.ID,
			Kind:      n.Kind,
			OrderID:   n.OrderID,
			Title:     n.Title,
			Body:      n.Body,
			Read:      n.Read,
			CreatedAt: n.CreatedAt.Unix(),
		})
	}
	c.JSON(http.StatusOK, gin.H{"notifications": out})
}
