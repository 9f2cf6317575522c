package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"tgsender/internal/broadcast"
	"tgsender/internal/recipients"
	"tgsender/internal/transport"
	logx "tgsender/pkg/logx"
)

// messageReq is the shared body of run, schedule and test-send requests.
type messageReq struct {
	Message      string               `json:"message"`
	Buttons      [][]transport.Button `json:"buttons"`
	RecipientIDs []string             `json:"recipient_ids"`
	List         string               `json:"list"`
	All          bool                 `json:"all"`
	Definition   string               `json:"definition"`
	Delay        string               `json:"delay"`
}

type runReq struct {
	messageReq
	// Wait blocks until the run finishes and returns its record.
	Wait bool `json:"wait"`
}

func (m messageReq) message() broadcast.Message {
	return broadcast.Message{Text: m.Message, Buttons: m.Buttons}
}

// delay parses the optional pacing override. Empty selects the configured
// default.
func (m messageReq) delay() (time.Duration, error) {
	if strings.TrimSpace(m.Delay) == "" {
		return -1, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(m.Delay))
	if err != nil || d < 0 {
		return 0, &broadcast.ValidationError{Field: "delay", Msg: "must be a non-negative duration"}
	}
	return d, nil
}

// recipientIDs picks the audience: explicit IDs, a saved list or the whole
// directory, in that order.
func (h *Handlers) recipientIDs(m messageReq) ([]string, error) {
	switch {
	case len(m.RecipientIDs) > 0:
		return m.RecipientIDs, nil
	case strings.TrimSpace(m.List) != "":
		l, ok := h.dir.GetList(m.List)
		if !ok {
			return nil, recipients.ErrNoList
		}
		return l.RecipientIDs, nil
	case m.All:
		recs := h.dir.List()
		ids := make([]string, 0, len(recs))
		for _, r := range recs {
			ids = append(ids, r.ID)
		}
		return ids, nil
	}
	return nil, nil
}

func (h *Handlers) StartRun(c *gin.Context) {
	var req runReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	delay, err := req.delay()
	if err != nil {
		writeError(c, err)
		return
	}
	ids, err := h.recipientIDs(req.messageReq)
	if err != nil {
		writeError(c, err)
		return
	}
	ctx := c.Request.Context()
	run := broadcast.Request{
		Recipients: h.engine.ResolveRecipients(ctx, ids),
		Message:    req.message(),
		Definition: req.Definition,
		Delay:      delay,
		Trigger:    broadcast.TriggerManual,
	}
	if req.Wait {
		rec, err := h.engine.Start(ctx, run)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, rec)
		return
	}
	id, err := h.engine.Launch(ctx, run)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"run_id": id})
}

func (h *Handlers) CancelRun(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"cancelled": h.engine.Cancel()})
}

func (h *Handlers) Progress(c *gin.Context) {
	c.JSON(http.StatusOK, h.engine.Progress())
}

func (h *Handlers) ListRuns(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "0"))
	runs := h.engine.Runs().List(limit)
	if runs == nil {
		runs = []broadcast.RunRecord{}
	}
	c.JSON(http.StatusOK, runs)
}

func (h *Handlers) GetRun(c *gin.Context) {
	rec, ok := h.engine.Runs().Get(c.Param("id"))
	if !ok {
		writeError(c, broadcast.ErrRunNotFound)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h *Handlers) ExportRuns(c *gin.Context) {
	c.Header("Content-Type", "text/csv; charset=utf-8")
	c.Header("Content-Disposition", `attachment; filename="broadcast-history.csv"`)
	c.Status(http.StatusOK)
	if err := h.engine.Runs().WriteCSV(c.Writer); err != nil {
		h.log.Warn("csv export failed", logx.Err(err))
	}
}

func (h *Handlers) ClearRuns(c *gin.Context) {
	if h.fail(c, h.engine.Runs().Clear(c.Request.Context())) {
		return
	}
	c.Status(http.StatusNoContent)
}

type testSendReq struct {
	RecipientID string               `json:"recipient_id"`
	Message     string               `json:"message"`
	Buttons     [][]transport.Button `json:"buttons"`
}

func (h *Handlers) TestSend(c *gin.Context) {
	var req testSendReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	err := h.engine.TestSend(c.Request.Context(), req.RecipientID, broadcast.Message{Text: req.Message, Buttons: req.Buttons})
	if err != nil && (broadcast.IsBusy(err) || broadcast.IsInvalid(err)) {
		writeError(c, err)
		return
	}
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sent": true})
}
