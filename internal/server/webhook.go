package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/caevv/cronwatch/internal/inbox"
	"github.com/caevv/cronwatch/internal/logging"
	"github.com/caevv/cronwatch/internal/notify"
)

func (s *Server) handleHealth(c *gin.Context) {
	uptime := s.Uptime()
	resp := HealthResponse{
		Status:          "healthy",
		Version:         Version,
		Uptime:          formatUptime(uptime),
		UptimeSeconds:   uptime.Seconds(),
		WebhookMessages: s.inbox.Len(),
		Timestamp:       s.now().UTC(),
	}
	if s.monitor != nil {
		if last := s.monitor.LastTick(); last != nil {
			resp.LastTick = last.StartedAt
		}
	}
	c.JSON(http.StatusOK, resp)
}

// handleWebhook stores a message in the inbox and posts it to chat. A chat
// failure is logged and does not fail the request.
func (s *Server) handleWebhook(c *gin.Context) {
	var req WebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Message) == "" {
		s.abort(c, http.StatusBadRequest, "message is required")
		return
	}
	if req.Source == "" {
		req.Source = s.opts.WebhookSource
	}
	if req.Channel == "" {
		req.Channel = s.opts.WebhookChannel
	}

	msg := s.inbox.Add(inbox.Message{Text: req.Message, Source: req.Source, Channel: req.Channel})

	posted := false
	if s.poster != nil && req.Channel != "" {
		out := notify.WebhookMessage(req.Source, req.Message)
		out.Recipient = req.Channel
		if err := s.poster.Send(c.Request.Context(), out); err != nil {
			logging.FromContext(c.Request.Context()).Error("failed to post webhook message",
				"channel", req.Channel,
				"error", err,
			)
		} else {
			posted = s.inbox.MarkPosted(msg.ID)
		}
	}

	c.JSON(http.StatusOK, WebhookResponse{
		Success: true,
		Message: "webhook message received",
		ID:      msg.ID,
		Posted:  posted,
	})
}

func (s *Server) handleListWebhookMessages(c *gin.Context) {
	msgs := s.inbox.List()
	c.JSON(http.StatusOK, WebhookMessagesResponse{Messages: msgs, Count: len(msgs)})
}

func (s *Server) handleClearWebhookMessages(c *gin.Context) {
	n := s.inbox.Clear()
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "webhook messages cleared", "cleared": n})
}
