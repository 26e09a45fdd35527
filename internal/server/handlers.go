package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"github.com/chrisk60331/slack-hitl-chat-sub000/internal/approval"
	"github.com/chrisk60331/slack-hitl-chat-sub000/internal/auth"
	"github.com/chrisk60331/slack-hitl-chat-sub000/internal/orchestrator"
)

type queryRequest struct {
	Query     string `json:"query"`
	SessionID string `json:"session_id,omitempty"`
}

func (s *Server) handleQuery(c echo.Context) error {
	var req queryRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if strings.TrimSpace(req.Query) == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "query is required"})
	}

	user := auth.UserFromContext(c)

	result, err := s.gate.Run(c.Request().Context(), orchestrator.Request{
		Query:     req.Query,
		Requester: user.Username,
		SessionID: req.SessionID,
	})
	if err != nil {
		log.Error().Err(err).Str("requester", user.Username).Msg("query failed")
		if errors.Is(err, orchestrator.ErrNoAllowedTools) {
			return c.JSON(http.StatusConflict, map[string]string{
				"error":      err.Error(),
				"request_id": result.RequestID,
			})
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "query execution failed"})
	}

	return c.JSON(http.StatusOK, result)
}

// handleQueryStream runs the same pipeline but relays agent events as SSE
// frames. Clients always receive exactly one terminal final or error event.
func (s *Server) handleQueryStream(c echo.Context) error {
	var req queryRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if strings.TrimSpace(req.Query) == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "query is required"})
	}

	user := auth.UserFromContext(c)

	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, "text/event-stream")
	resp.Header().Set("Cache-Control", "no-cache")
	resp.Header().Set("Connection", "keep-alive")
	resp.WriteHeader(http.StatusOK)

	events := s.gate.Stream(c.Request().Context(), orchestrator.Request{
		Query:     req.Query,
		Requester: user.Username,
		SessionID: req.SessionID,
	})

	for event := range events {
		payload, err := json.Marshal(event)
		if err != nil {
			log.Error().Err(err).Msg("failed to marshal stream event")
			continue
		}
		if _, err := fmt.Fprintf(resp, "data: %s\n\n", payload); err != nil {
			return nil
		}
		resp.Flush()
	}

	return nil
}

func (s *Server) handleListApprovals(c echo.Context) error {
	var status approval.Status
	switch q := c.QueryParam("status"); q {
	case "", "all":
	case string(approval.StatusPending), string(approval.StatusApproved), string(approval.StatusRejected):
		status = approval.Status(q)
	default:
		return c.JSON(http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("unknown status %q", q)})
	}

	items, err := s.approvals.List(c.Request().Context(), status)
	if err != nil {
		log.Error().Err(err).Msg("failed to list approvals")
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to list approvals"})
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"total":     len(items),
		"approvals": items,
	})
}

func (s *Server) handleGetApproval(c echo.Context) error {
	item, err := s.approvals.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, approval.ErrNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "approval not found"})
		}
		log.Error().Err(err).Msg("failed to get approval")
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to get approval"})
	}
	return c.JSON(http.StatusOK, item)
}

type decideRequest struct {
	Approve      bool     `json:"approve"`
	Reason       string   `json:"reason,omitempty"`
	AllowedTools []string `json:"allowed_tools,omitempty"`
}

func (s *Server) handleDecide(c echo.Context) error {
	var req decideRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	if req.Approve && len(req.AllowedTools) == 0 {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "approving requires a non-empty allowed_tools list",
		})
	}

	user := auth.UserFromContext(c)

	item, err := s.approvals.Decide(c.Request().Context(), c.Param("id"), approval.Verdict{
		Approve:      req.Approve,
		DecidedBy:    user.Username,
		Reason:       req.Reason,
		AllowedTools: req.AllowedTools,
	})
	if err != nil {
		if errors.Is(err, approval.ErrNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "approval not found"})
		}
		log.Error().Err(err).Str("request_id", c.Param("id")).Msg("failed to decide approval")
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to record decision"})
	}

	return c.JSON(http.StatusOK, item)
}

func (s *Server) handleAudit(c echo.Context) error {
	limit := 0
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "limit must be a non-negative integer"})
		}
		limit = n
	}

	entries, err := s.audit.Recent(c.Request().Context(), limit)
	if err != nil {
		log.Error().Err(err).Msg("failed to read audit log")
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to read audit log"})
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"total":   len(entries),
		"entries": entries,
	})
}
