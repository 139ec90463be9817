package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"gaswatch/internal/dispatch"
	logx "gaswatch/pkg/logx"
)

type sendRequest struct {
	To      string `json:"to" binding:"required"`
	Message string `json:"message" binding:"required"`
}

type broadcastRequest struct {
	Message string `json:"message" binding:"required"`
}

type multicastRequest struct {
	To      []string `json:"to" binding:"required"`
	Message string   `json:"message" binding:"required"`
}

type replyRequest struct {
	ReplyToken string `json:"reply_token" binding:"required"`
	Message    string `json:"message" binding:"required"`
}

func (s *Server) handleSend(c *gin.Context) {
	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	res := s.dispatcher.Dispatch(c.Request.Context(), dispatch.Request{
		Channel: dispatch.ChannelPush,
		Targets: []string{req.To},
		Message: req.Message,
	})
	writeResult(c, res)
}

func (s *Server) handleBroadcast(c *gin.Context) {
	var req broadcastRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	res := s.dispatcher.Dispatch(c.Request.Context(), dispatch.Request{
		Channel: dispatch.ChannelBroadcast,
		Message: req.Message,
	})
	writeResult(c, res)
}

func (s *Server) handleMulticast(c *gin.Context) {
	var req multicastRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	res := s.dispatcher.Dispatch(c.Request.Context(), dispatch.Request{
		Channel: dispatch.ChannelMulticast,
		Targets: req.To,
		Message: req.Message,
	})
	writeResult(c, res)
}

func (s *Server) handleReply(c *gin.Context) {
	var req replyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	res := s.dispatcher.Dispatch(c.Request.Context(), dispatch.Request{
		Channel: dispatch.ChannelReply,
		Token:   req.ReplyToken,
		Message: req.Message,
	})
	writeResult(c, res)
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{
		"status": "rejected",
		"reason": dispatch.ReasonInvalidRequest,
		"detail": err.Error(),
	})
}

// writeResult maps a dispatch result onto an HTTP response. Partial
// multicast failure stays a 200 with per-target detail.
func writeResult(c *gin.Context, res dispatch.Result) {
	if res.Accepted {
		body := gin.H{"status": "ok", "id": res.ID}
		if res.Detail != "" {
			body["detail"] = res.Detail
		}
		if len(res.Targets) > 0 {
			body["targets"] = res.Targets
		}
		c.JSON(http.StatusOK, body)
		return
	}

	code := http.StatusBadRequest
	switch res.Reason {
	case dispatch.ReasonQuotaExceeded:
		code = http.StatusTooManyRequests
	case dispatch.ReasonInvalidToken:
		code = http.StatusConflict
	case dispatch.ReasonDeliveryFailed:
		code = http.StatusBadGateway
	}
	body := gin.H{"status": "rejected", "id": res.ID, "reason": res.Reason}
	if res.Detail != "" {
		body["detail"] = res.Detail
	}
	if len(res.Targets) > 0 {
		body["targets"] = res.Targets
	}
	c.JSON(code, body)
}

func (s *Server) handleHealthz(c *gin.Context) {
	body := gin.H{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	}
	if s.cfg.Checks != nil {
		body["components"] = s.cfg.Checks()
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) handleStatus(c *gin.Context) {
	states := s.states.Snapshot()
	out := make([]gin.H, 0, len(states))
	for _, st := range states {
		h := gin.H{
			"metric": st.Metric,
			"status": st.Status,
			"value":  st.Value,
		}
		if !st.TriggeredAt.IsZero() {
			h["triggered_at"] = st.TriggeredAt.UTC().Format(time.RFC3339)
		}
		if !st.ObservedAt.IsZero() {
			h["observed_at"] = st.ObservedAt.UTC().Format(time.RFC3339)
		}
		out = append(out, h)
	}
	c.JSON(http.StatusOK, gin.H{"alerts": out})
}

// historyWindow reads the shared ?since=<duration>&limit=<n> query params.
func historyWindow(c *gin.Context) (time.Time, int, bool) {
	window := 24 * time.Hour
	if raw := strings.TrimSpace(c.Query("since")); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"status": "rejected",
				"detail": "since must be a positive duration like 1h",
			})
			return time.Time{}, 0, false
		}
		window = d
	}
	limit := 0
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"status": "rejected",
				"detail": "limit must be a positive integer",
			})
			return time.Time{}, 0, false
		}
		limit = n
	}
	return time.Now().Add(-window), limit, true
}

func (s *Server) handleHistoryReadings(c *gin.Context) {
	if s.store == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"status": "rejected", "detail": "history storage disabled"})
		return
	}
	since, limit, ok := historyWindow(c)
	if !ok {
		return
	}
	readings, err := s.store.ListReadings(c.Request.Context(), since, limit)
	if err != nil {
		s.log.Warn("history query failed", logx.Err(err))
		c.JSON(http.StatusInternalServerError, gin.H{"status": "rejected", "detail": "history query failed"})
		return
	}

	gasOnly := strings.HasSuffix(c.FullPath(), "/gas")
	out := make([]gin.H, 0, len(readings))
	for _, r := range readings {
		h := gin.H{"observed_at": r.ObservedAt.UTC().Format(time.RFC3339)}
		if gasOnly {
			h["gas_level"] = r.GasLevel
		} else {
			h["temperature"] = r.Temperature
			h["humidity"] = r.Humidity
		}
		out = append(out, h)
	}
	c.JSON(http.StatusOK, gin.H{"readings": out, "count": len(out)})
}

func (s *Server) handleHistoryAlarms(c *gin.Context) {
	if s.store == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"status": "rejected", "detail": "history storage disabled"})
		return
	}
	since, limit, ok := historyWindow(c)
	if !ok {
		return
	}
	alarms, err := s.store.ListAlarms(c.Request.Context(), strings.TrimSpace(c.Query("metric")), since, limit)
	if err != nil {
		s.log.Warn("alarm query failed", logx.Err(err))
		c.JSON(http.StatusInternalServerError, gin.H{"status": "rejected", "detail": "alarm query failed"})
		return
	}
	out := make([]gin.H, 0, len(alarms))
	for _, a := range alarms {
		out = append(out, gin.H{
			"id":      a.ID,
			"metric":  a.Metric,
			"status":  a.Status,
			"value":   a.Value,
			"message": a.Message,
			"at":      a.At.UTC().Format(time.RFC3339),
		})
	}
	c.JSON(http.StatusOK, gin.H{"alarms": out, "count": len(out)})
}

func (s *Server) handleStats(c *gin.Context) {
	if s.store == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"status": "rejected", "detail": "history storage disabled"})
		return
	}
	stats, err := s.store.Stats(c.Request.Context())
	if err != nil {
		s.log.Warn("stats query failed", logx.Err(err))
		c.JSON(http.StatusInternalServerError, gin.H{"status": "rejected", "detail": "stats query failed"})
		return
	}
	body := gin.H{
		"readings":         stats.Readings,
		"alarms":           stats.Alarms,
		"alarms_by_metric": stats.AlarmsByMetric,
		"recipients":       stats.Recipients,
		"gas_max":          stats.GasMax,
		"gas_avg":          stats.GasAvg,
		"temp_max":         stats.TempMax,
		"temp_avg":         stats.TempAvg,
	}
	if !stats.OldestReading.IsZero() {
		body["oldest_reading"] = stats.OldestReading.UTC().Format(time.RFC3339)
		body["newest_reading"] = stats.NewestReading.UTC().Format(time.RFC3339)
	}
	c.JSON(http.StatusOK, body)
}
