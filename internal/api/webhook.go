package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"gaswatch/internal/dispatch"
	"gaswatch/internal/eventbus"
	"gaswatch/internal/line"
	logx "gaswatch/pkg/logx"
)

const maxWebhookBody = 1 << 20 // 1 MiB

// handleWebhook receives inbound channel events. The body is verified
// against the channel secret before any parsing; a malformed body is
// rejected without touching token or recipient state.
func (s *Server) handleWebhook(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": "rejected", "detail": "unreadable body"})
		return
	}

	secret := s.cfg.Secret()
	sig := c.GetHeader("X-Line-Signature")
	if !line.ValidSignature(secret, body, sig) {
		s.log.Warn("webhook signature rejected",
			logx.Bool("signature_present", sig != ""))
		c.JSON(http.StatusForbidden, gin.H{"status": "rejected", "detail": "invalid signature"})
		return
	}

	var payload line.WebhookPayload
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": "rejected", "detail": "malformed payload"})
		return
	}

	handled := 0
	for _, ev := range payload.Events {
		if s.processEvent(c, ev) {
			handled++
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "handled": handled})
}

func (s *Server) processEvent(c *gin.Context, ev line.WebhookEvent) bool {
	ctx := c.Request.Context()
	at := time.UnixMilli(ev.Timestamp)
	if ev.Timestamp == 0 {
		at = time.Now()
	}

	if s.bus != nil {
		s.bus.Publish(eventbus.Event{
			Type: eventbus.TypeWebhookEvent,
			Time: time.Now(),
			Data: map[string]any{
				"event_type": ev.Type,
				"user_id":    ev.Source.UserID,
			},
		})
	}

	switch ev.Type {
	case "message":
		return s.processMessageEvent(c, ev, at)
	case "follow":
		if ev.Source.UserID == "" {
			return false
		}
		if err := s.recipients.Follow(ctx, ev.Source.UserID, at); err != nil {
			s.log.Warn("follow not recorded", logx.Err(err))
			return false
		}
		s.log.Info("recipient followed", logx.String("user_id", ev.Source.UserID))
		return true
	case "unfollow":
		if ev.Source.UserID == "" {
			return false
		}
		if err := s.recipients.Unfollow(ctx, ev.Source.UserID); err != nil {
			s.log.Warn("unfollow not recorded", logx.Err(err))
			return false
		}
		s.log.Info("recipient unfollowed", logx.String("user_id", ev.Source.UserID))
		return true
	default:
		s.log.Debug("webhook event ignored", logx.String("type", ev.Type))
		return false
	}
}

func (s *Server) processMessageEvent(c *gin.Context, ev line.WebhookEvent, at time.Time) bool {
	ctx := c.Request.Context()

	if ev.ReplyToken != "" {
		s.tokens.Issue(ev.ReplyToken, ev.Source.UserID)
	}
	// A message implies an active conversation, so the sender joins the
	// audience even without an explicit follow event.
	if ev.Source.UserID != "" {
		if err := s.recipients.Follow(ctx, ev.Source.UserID, at); err != nil {
			s.log.Warn("sender not recorded", logx.Err(err))
		}
	}

	enabled, prefix := s.cfg.AutoReply()
	if enabled && ev.ReplyToken != "" && ev.Message != nil && ev.Message.Type == "text" {
		if prefix == "" {
			prefix = "You said: "
		}
		res := s.dispatcher.Dispatch(ctx, dispatch.Request{
			Channel: dispatch.ChannelReply,
			Token:   ev.ReplyToken,
			Message: prefix + strings.TrimSpace(ev.Message.Text),
		})
		if !res.Accepted {
			s.log.Warn("auto-reply rejected",
				logx.String("reason", string(res.Reason)),
				logx.String("detail", res.Detail))
		}
	}
	return true
}
