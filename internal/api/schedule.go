package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"tgsender/internal/broadcast"
)

type scheduleReq struct {
	messageReq
	// Due accepts every form broadcast.ParseDue understands.
	Due string `json:"due"`
}

type scheduleResp struct {
	Scheduled bool                          `json:"scheduled"`
	Slot      *broadcast.ScheduledBroadcast `json:"slot,omitempty"`
}

func (h *Handlers) GetSchedule(c *gin.Context) {
	slot, ok := h.engine.Current()
	if !ok {
		c.JSON(http.StatusOK, scheduleResp{})
		return
	}
	c.JSON(http.StatusOK, scheduleResp{Scheduled: true, Slot: &slot})
}

func (h *Handlers) CreateSchedule(c *gin.Context) {
	var req scheduleReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	due, err := broadcast.ParseDue(req.Due, h.now(), h.engine.Settings().Location)
	if err != nil {
		writeError(c, err)
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
	slot, err := h.engine.Schedule(c.Request.Context(), broadcast.ScheduleRequest{
		Due:          due,
		Message:      req.message(),
		RecipientIDs: ids,
		Delay:        delay,
		Definition:   req.Definition,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, scheduleResp{Scheduled: true, Slot: &slot})
}

func (h *Handlers) CancelSchedule(c *gin.Context) {
	ok, err := h.engine.CancelSchedule(c.Request.Context())
	if h.fail(c, err) {
		return
	}
	if !ok {
		writeError(c, broadcast.ErrNotScheduled)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handlers) ExecuteSchedule(c *gin.Context) {
	id, err := h.engine.ExecuteNow(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"run_id": id})
}
