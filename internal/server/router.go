package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/vendalink/fieldsync/internal/engine"
	"github.com/vendalink/fieldsync/internal/notify"
	"github.com/vendalink/fieldsync/internal/queue"
)

var (
	errMissingEngine = errors.New("sync engine dependency required")
	errMissingStore  = errors.New("mutation store dependency required")
)

// SyncEngine is the orchestrator surface the API depends on.
type SyncEngine interface {
	CreateMutation(ctx context.Context, draft queue.Draft, violations []string) (queue.PendingMutation, error)
	Drain(ctx context.Context) error
	RetryOne(ctx context.Context, localID string) (queue.PendingMutation, error)
	CurrentStatus(ctx context.Context) (engine.Status, error)
}

// ApprovalResolver applies human approval decisions.
type ApprovalResolver interface {
	Resolve(ctx context.Context, localID string, approved bool, reason string) error
}

// Dependencies wires the device-local HTTP surface.
type Dependencies struct {
	Engine     SyncEngine
	Approvals  ApprovalResolver
	Store      *queue.Store
	Notifier   *notify.Buffered
	AgentToken string
	Logger     *zap.Logger
}

// NewHTTPHandler builds the gin handler the device UI talks to.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Engine == nil {
		return nil, errMissingEngine
	}
	if deps.Store == nil {
		return nil, errMissingStore
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		engine:     deps.Engine,
		approvals:  deps.Approvals,
		store:      deps.Store,
		notifier:   deps.Notifier,
		agentToken: deps.AgentToken,
		logger:     logger,
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api")
	api.Use(handler.authorizeRequest)
	api.POST("/orders", handler.handleCreateOrder)
	api.POST("/visits/checkin", handler.handleCheckIn)
	api.POST("/visits/checkout", handler.handleCheckOut)
	api.GET("/queue", handler.handleListQueue)
	api.POST("/queue/:id/retry", handler.handleRetry)
	api.POST("/approvals/:id/resolve", handler.handleResolveApproval)
	api.POST("/sync", handler.handleSync)
	api.GET("/status", handler.handleStatus)
	api.GET("/notifications", handler.handleNotifications)

	return router, nil
}

type httpHandler struct {
	engine     SyncEngine
	approvals  ApprovalResolver
	store      *queue.Store
	notifier   *notify.Buffered
	agentToken string
	logger     *zap.Logger
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	if h.agentToken == "" {
		c.Next()
		return
	}
	header := c.GetHeader("Authorization")
	token := strings.TrimPrefix(header, "Bearer ")
	if header == token || token != h.agentToken {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Next()
}

type orderRequestPayload struct {
	Payload       json.RawMessage `json:"payload" binding:"required"`
	Violations    []string        `json:"violations"`
	Justification string          `json:"justification"`
}

type visitRequestPayload struct {
	Payload        json.RawMessage `json:"payload" binding:"required"`
	CheckinLocalID string          `json:"checkin_local_id"`
	VisitRemoteID  string          `json:"visit_remote_id"`
}

type resolvePayload struct {
	Approved bool   `json:"approved"`
	Reason   string `json:"reason"`
}

type mutationPayload struct {
	LocalID       string `json:"local_id"`
	Kind          string `json:"kind"`
	State         string `json:"state"`
	ApprovalState string `json:"approval_state"`
	RemoteID      string `json:"remote_id,omitempty"`
	AttemptCount  int    `json:"attempt_count"`
	CreatedAtS    int64  `json:"created_at_s"`
	LastAttemptS  int64  `json:"last_attempt_at_s,omitempty"`
	ErrorKind     string `json:"error_kind,omitempty"`
	ErrorMessage  string `json:"error_message,omitempty"`
}

func toMutationPayload(mutation queue.PendingMutation) mutationPayload {
	return mutationPayload{
		LocalID:       mutation.LocalID,
		Kind:          string(mutation.Kind),
		State:         string(mutation.State),
		ApprovalState: string(mutation.ApprovalState),
		RemoteID:      mutation.RemoteID,
		AttemptCount:  mutation.AttemptCount,
		CreatedAtS:    mutation.CreatedAtSeconds,
		LastAttemptS:  mutation.LastAttemptAtS,
		ErrorKind:     string(mutation.ErrorKind),
		ErrorMessage:  mutation.ErrorMessage,
	}
}

func (h *httpHandler) handleCreateOrder(c *gin.Context) {
	var request orderRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	draft := queue.Draft{
		Kind:          queue.KindOrder,
		PayloadJSON:   string(request.Payload),
		Justification: request.Justification,
	}
	mutation, err := h.engine.CreateMutation(c.Request.Context(), draft, request.Violations)
	if err != nil {
		h.logger.Error("order creation failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "order_create_failed"})
		return
	}
	c.JSON(http.StatusAccepted, toMutationPayload(mutation))
}

func (h *httpHandler) handleCheckIn(c *gin.Context) {
	var request visitRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	draft := queue.Draft{
		Kind:        queue.KindVisitCheckIn,
		PayloadJSON: string(request.Payload),
	}
	mutation, err := h.engine.CreateMutation(c.Request.Context(), draft, nil)
	if err != nil {
		h.logger.Error("check-in creation failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "checkin_create_failed"})
		return
	}
	c.JSON(http.StatusAccepted, toMutationPayload(mutation))
}

func (h *httpHandler) handleCheckOut(c *gin.Context) {
	var request visitRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	draft := queue.Draft{
		Kind:             queue.KindVisitCheckOut,
		PayloadJSON:      string(request.Payload),
		DependsOnLocalID: request.CheckinLocalID,
		VisitRemoteID:    request.VisitRemoteID,
	}
	mutation, err := h.engine.CreateMutation(c.Request.Context(), draft, nil)
	if err != nil {
		if errors.Is(err, queue.ErrMissingDependency) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "missing_visit_reference"})
			return
		}
		h.logger.Error("check-out creation failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "checkout_create_failed"})
		return
	}
	c.JSON(http.StatusAccepted, toMutationPayload(mutation))
}

func (h *httpHandler) handleListQueue(c *gin.Context) {
	mutations, err := h.store.ListAll(c.Request.Context())
	if err != nil {
		h.logger.Error("queue listing failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "queue_list_failed"})
		return
	}
	payload := make([]mutationPayload, 0, len(mutations))
	for _, mutation := range mutations {
		payload = append(payload, toMutationPayload(mutation))
	}
	c.JSON(http.StatusOK, gin.H{"mutations": payload})
}

func (h *httpHandler) handleRetry(c *gin.Context) {
	mutation, err := h.engine.RetryOne(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, queue.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "mutation_not_found"})
			return
		}
		var serviceErr *engine.ServiceError
		if errors.As(err, &serviceErr) {
			c.JSON(http.StatusConflict, gin.H{"error": serviceErr.Code()})
			return
		}
		h.logger.Error("manual retry failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "retry_failed"})
		return
	}
	c.JSON(http.StatusOK, toMutationPayload(mutation))
}

func (h *httpHandler) handleResolveApproval(c *gin.Context) {
	if h.approvals == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "approvals_unavailable"})
		return
	}
	var request resolvePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if err := h.approvals.Resolve(c.Request.Context(), c.Param("id"), request.Approved, request.Reason); err != nil {
		if errors.Is(err, queue.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "mutation_not_found"})
			return
		}
		h.logger.Error("approval resolution failed", zap.Error(err))
		c.JSON(http.StatusConflict, gin.H{"error": "resolution_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "resolved"})
}

func (h *httpHandler) handleSync(c *gin.Context) {
	go func() {
		if err := h.engine.Drain(context.Background()); err != nil {
			h.logger.Error("manual drain failed", zap.Error(err))
		}
	}()
	c.JSON(http.StatusAccepted, gin.H{"status": "drain_triggered"})
}

func (h *httpHandler) handleStatus(c *gin.Context) {
	status, err := h.engine.CurrentStatus(c.Request.Context())
	if err != nil {
		h.logger.Error("status query failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "status_failed"})
		return
	}
	c.JSON(http.StatusOK, status)
}

func (h *httpHandler) handleNotifications(c *gin.Context) {
	if h.notifier == nil {
		c.JSON(http.StatusOK, gin.H{"events": []notify.Event{}})
		return
	}
	events := h.notifier.Drain()
	if events == nil {
		events = []notify.Event{}
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "dropped": h.notifier.Dropped()})
}
