package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"tgsender/internal/broadcast"
	"tgsender/internal/recipients"
)

func (h *Handlers) ListDefinitions(c *gin.Context) {
	c.JSON(http.StatusOK, h.engine.Definitions().List())
}

func (h *Handlers) GetDefinition(c *gin.Context) {
	def, ok := h.engine.Definitions().Get(c.Param("name"))
	if !ok {
		writeError(c, broadcast.ErrDefinitionNotFound)
		return
	}
	c.JSON(http.StatusOK, def)
}

func (h *Handlers) CreateDefinition(c *gin.Context) {
	var def broadcast.Definition
	if err := c.ShouldBindJSON(&def); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	out, err := h.engine.Definitions().Create(c.Request.Context(), def)
	if h.fail(c, err) {
		return
	}
	c.JSON(http.StatusCreated, out)
}

// PutDefinition overwrites the named definition. The path name wins over
// any name in the body.
func (h *Handlers) PutDefinition(c *gin.Context) {
	var def broadcast.Definition
	if err := c.ShouldBindJSON(&def); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	def.Name = c.Param("name")
	out, err := h.engine.Definitions().Put(c.Request.Context(), def)
	if h.fail(c, err) {
		return
	}
	c.JSON(http.StatusOK, out)
}

func (h *Handlers) DeleteDefinition(c *gin.Context) {
	if h.fail(c, h.engine.Definitions().Delete(c.Request.Context(), c.Param("name"))) {
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handlers) GetLedger(c *gin.Context) {
	c.JSON(http.StatusOK, h.engine.Ledger().Snapshot())
}

func (h *Handlers) ResetLedger(c *gin.Context) {
	if h.fail(c, h.engine.Ledger().Reset(c.Request.Context())) {
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handlers) ResetLedgerRecipient(c *gin.Context) {
	ok, err := h.engine.Ledger().ResetRecipient(c.Request.Context(), c.Param("recipient"))
	if h.fail(c, err) {
		return
	}
	if !ok {
		writeError(c, errNotFound)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handlers) ListRecipients(c *gin.Context) {
	c.JSON(http.StatusOK, h.dir.List())
}

func (h *Handlers) GetRecipient(c *gin.Context) {
	rec, ok := h.dir.Get(c.Param("id"))
	if !ok {
		writeError(c, recipients.ErrNotFound)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h *Handlers) PutRecipient(c *gin.Context) {
	var r broadcast.Recipient
	if err := c.ShouldBindJSON(&r); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	r.ID = c.Param("id")
	rec, err := h.dir.Upsert(c.Request.Context(), r)
	if h.fail(c, err) {
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h *Handlers) DeleteRecipient(c *gin.Context) {
	if h.fail(c, h.dir.Delete(c.Request.Context(), c.Param("id"))) {
		return
	}
	c.Status(http.StatusNoContent)
}

// Eligibility reports whether the recipient may receive the definition
// named in the query right now.
func (h *Handlers) Eligibility(c *gin.Context) {
	def := strings.TrimSpace(c.Query("definition"))
	c.JSON(http.StatusOK, h.engine.IsEligible(c.Param("id"), def))
}

func (h *Handlers) ListLists(c *gin.Context) {
	c.JSON(http.StatusOK, h.dir.Lists())
}

func (h *Handlers) GetList(c *gin.Context) {
	l, ok := h.dir.GetList(c.Param("name"))
	if !ok {
		writeError(c, recipients.ErrNoList)
		return
	}
	c.JSON(http.StatusOK, l)
}

type listReq struct {
	RecipientIDs []string `json:"recipient_ids"`
}

func (h *Handlers) PutList(c *gin.Context) {
	var req listReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	l, err := h.dir.SaveList(c.Request.Context(), c.Param("name"), req.RecipientIDs)
	if h.fail(c, err) {
		return
	}
	c.JSON(http.StatusOK, l)
}

func (h *Handlers) DeleteList(c *gin.Context) {
	if h.fail(c, h.dir.DeleteList(c.Request.Context(), c.Param("name"))) {
		return
	}
	c.Status(http.StatusNoContent)
}
