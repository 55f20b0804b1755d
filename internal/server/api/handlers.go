package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/bssahu/a2a-streaming/internal/models"
	"github.com/bssahu/a2a-streaming/internal/server/service"
	"github.com/bssahu/a2a-streaming/internal/stream"
	"github.com/bssahu/a2a-streaming/pkg/logger"
)

// JSON-RPC error codes, A2A conventions for the -32001.. range.
const (
	codeParseError        = -32700
	codeInvalidParams     = -32602
	codeInternalError     = -32603
	codeTaskNotFound      = -32001
	codeTaskNotCancelable = -32002
	codeHistoryTruncated  = -32005
)

// HealthChecker probes one backing dependency.
type HealthChecker func(ctx context.Context) error

// API provides handlers for the A2A task endpoints.
type API struct {
	service  *service.TaskService
	card     models.AgentCard
	checks   map[string]HealthChecker
	logger   *logger.Logger
	upgrader websocket.Upgrader
}

// NewAPI creates a new API handler.
func NewAPI(svc *service.TaskService, card models.AgentCard, checks map[string]HealthChecker, lg *logger.Logger) *API {
	return &API{
		service: svc,
		card:    card,
		checks:  checks,
		logger:  lg,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // In production, implement a proper origin check.
			},
		},
	}
}

// AgentCardHandler serves the agent identity document.
func (a *API) AgentCardHandler(c *gin.Context) {
	c.JSON(http.StatusOK, a.card)
}

// HealthHandler probes every backing dependency and reports per-dependency
// status. Any failing probe degrades the overall status to 503.
func (a *API) HealthHandler(c *gin.Context) {
	status := http.StatusOK
	deps := make(gin.H, len(a.checks))
	for name, check := range a.checks {
		if err := check(c.Request.Context()); err != nil {
			deps[name] = err.Error()
			status = http.StatusServiceUnavailable
		} else {
			deps[name] = "ok"
		}
	}
	overall := "ok"
	if status != http.StatusOK {
		overall = "degraded"
	}
	c.JSON(status, gin.H{"status": overall, "dependencies": deps})
}

// SendHandler handles tasks/send: run the task to completion and return the
// final snapshot in a single response.
func (a *API) SendHandler(c *gin.Context) {
	var req models.SendTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.NewRPCError(req.ID, codeParseError, "Invalid request payload"))
		return
	}
	task, err := a.service.SendTask(c.Request.Context(), req.Params)
	if err != nil {
		c.JSON(http.StatusOK, models.NewRPCError(req.ID, codeFor(err), err.Error()))
		return
	}
	c.JSON(http.StatusOK, models.NewRPCResult(req.ID, task))
}

// SendSubscribeHandler handles tasks/sendSubscribe: submit the task and
// stream its events over SSE until it finalizes or the client disconnects.
func (a *API) SendSubscribeHandler(c *gin.Context) {
	var req models.SendTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.NewRPCError(req.ID, codeParseError, "Invalid request payload"))
		return
	}
	_, session, err := a.service.StartTask(c.Request.Context(), req.Params)
	if err != nil {
		c.JSON(http.StatusOK, models.NewRPCError(req.ID, codeFor(err), err.Error()))
		return
	}
	a.streamSession(c, req.ID, session)
}

// ResubscribeHandler handles tasks/resubscribe: reattach to an existing task
// stream, replaying everything after params.fromSequence before going live.
func (a *API) ResubscribeHandler(c *gin.Context) {
	var req models.ResubscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.NewRPCError(req.ID, codeParseError, "Invalid request payload"))
		return
	}
	if req.Params.ID == "" {
		c.JSON(http.StatusBadRequest, models.NewRPCError(req.ID, codeInvalidParams, "Missing task ID"))
		return
	}
	session, err := a.service.Resubscribe(c.Request.Context(), req.Params.ID, req.Params.FromSequence)
	if err != nil {
		c.JSON(http.StatusOK, models.NewRPCError(req.ID, codeFor(err), err.Error()))
		return
	}
	a.streamSession(c, req.ID, session)
}

// GetHandler handles tasks/get, returning the snapshot plus the retained or
// archived event history.
func (a *API) GetHandler(c *gin.Context) {
	var req models.TaskIDRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.NewRPCError(req.ID, codeParseError, "Invalid request payload"))
		return
	}
	task, err := a.service.GetTask(c.Request.Context(), req.Params.ID)
	if err != nil {
		c.JSON(http.StatusOK, models.NewRPCError(req.ID, codeFor(err), err.Error()))
		return
	}
	history, err := a.service.TaskEvents(c.Request.Context(), req.Params.ID, 0)
	if err != nil {
		a.logger.WithTask(req.Params.ID).WithError(models.ErrorInfo{Message: err.Error()}).Warn("Failed to load task history")
		history = nil
	}
	c.JSON(http.StatusOK, models.NewRPCResult(req.ID, gin.H{"task": task, "history": history}))
}

// CancelHandler handles tasks/cancel.
func (a *API) CancelHandler(c *gin.Context) {
	var req models.TaskIDRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.NewRPCError(req.ID, codeParseError, "Invalid request payload"))
		return
	}
	task, err := a.service.CancelTask(c.Request.Context(), req.Params.ID)
	if err != nil {
		c.JSON(http.StatusOK, models.NewRPCError(req.ID, codeFor(err), err.Error()))
		return
	}
	c.JSON(http.StatusOK, models.NewRPCResult(req.ID, task))
}

// SubscribeWSHandler streams task events over a WebSocket as an alternative
// to SSE. Query params: task_id (required), from (last seen sequence).
func (a *API) SubscribeWSHandler(c *gin.Context) {
	taskID := c.Query("task_id")
	if taskID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing task_id"})
		return
	}
	from, err := strconv.ParseInt(c.DefaultQuery("from", "0"), 10, 64)
	if err != nil || from < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid from sequence"})
		return
	}

	conn, err := a.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		a.logger.WithError(models.ErrorInfo{Message: err.Error()}).Error("Failed to upgrade WebSocket connection")
		return
	}
	defer conn.Close()

	session, err := a.service.Resubscribe(context.Background(), taskID, from)
	if err != nil {
		_ = conn.WriteJSON(models.NewRPCError("", codeFor(err), err.Error()))
		return
	}
	defer session.Close()

	// Reader loop only to observe the peer closing.
	go func() {
		defer session.Close()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	for ev := range session.Events() {
		if err := conn.WriteJSON(ev); err != nil {
			return
		}
	}
	if err := session.Err(); err != nil {
		_ = conn.WriteJSON(models.NewRPCError("", codeFor(err), err.Error()))
	}
}

// streamSession writes the session's events as SSE frames until it ends. A
// session error is delivered as a final error frame so the client can tell a
// clean finalization from a torn stream.
func (a *API) streamSession(c *gin.Context, rpcID string, session *stream.Session) {
	defer session.Close()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Flush()

	for ev := range session.Events() {
		writeSSE(c, models.NewRPCResult(rpcID, ev))
	}
	if err := session.Err(); err != nil {
		writeSSE(c, models.NewRPCError(rpcID, codeFor(err), err.Error()))
	}
}

// writeSSE emits one data frame and flushes it to the client.
func writeSSE(c *gin.Context, resp models.RPCResponse) {
	data, err := json.Marshal(resp)
	if err != nil {
		return
	}
	fmt.Fprintf(c.Writer, "data: %s\n\n", data)
	c.Writer.Flush()
}

// codeFor maps service errors onto JSON-RPC error codes.
func codeFor(err error) int {
	switch {
	case errors.Is(err, stream.ErrTaskNotFound):
		return codeTaskNotFound
	case errors.Is(err, stream.ErrTaskAlreadyFinal):
		return codeTaskNotCancelable
	case errors.Is(err, stream.ErrTruncatedHistory):
		return codeHistoryTruncated
	default:
		return codeInternalError
	}
}
