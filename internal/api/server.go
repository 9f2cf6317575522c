// Package api exposes the broadcast engine and the recipient directory as a
// JSON HTTP API for the operator console.
package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"tgsender/internal/broadcast"
	"tgsender/internal/metrics"
	"tgsender/internal/recipients"
	logx "tgsender/pkg/logx"
)

type Handlers struct {
	engine  *broadcast.Engine
	dir     *recipients.Directory
	metrics *metrics.Metrics
	log     logx.Logger
	now     func() time.Time
}

func NewHandlers(eng *broadcast.Engine, dir *recipients.Directory, m *metrics.Metrics, log logx.Logger) *Handlers {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Handlers{engine: eng, dir: dir, metrics: m, log: log.With(logx.String("comp", "api")), now: time.Now}
}

// NewRouter builds the gin engine with every operator route.
func NewRouter(h *Handlers) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), Observability(h.log, h.metrics))

	r.GET("/healthz", h.Healthz)
	r.GET("/metrics", gin.WrapH(h.metrics.Handler()))

	v1 := r.Group("/api/v1")

	v1.POST("/runs", h.StartRun)
	v1.GET("/runs", h.ListRuns)
	v1.DELETE("/runs", h.ClearRuns)
	v1.GET("/runs/progress", h.Progress)
	v1.GET("/runs/export.csv", h.ExportRuns)
	v1.DELETE("/runs/current", h.CancelRun)
	v1.GET("/runs/:id", h.GetRun)
	v1.POST("/test-send", h.TestSend)

	v1.GET("/schedule", h.GetSchedule)
	v1.POST("/schedule", h.CreateSchedule)
	v1.DELETE("/schedule", h.CancelSchedule)
	v1.POST("/schedule/execute", h.ExecuteSchedule)

	v1.GET("/definitions", h.ListDefinitions)
	v1.POST("/definitions", h.CreateDefinition)
	v1.GET("/definitions/:name", h.GetDefinition)
	v1.PUT("/definitions/:name", h.PutDefinition)
	v1.DELETE("/definitions/:name", h.DeleteDefinition)

	v1.GET("/ledger", h.GetLedger)
	v1.DELETE("/ledger", h.ResetLedger)
	v1.DELETE("/ledger/:recipient", h.ResetLedgerRecipient)

	v1.GET("/recipients", h.ListRecipients)
	v1.GET("/recipients/:id", h.GetRecipient)
	v1.PUT("/recipients/:id", h.PutRecipient)
	v1.DELETE("/recipients/:id", h.DeleteRecipient)
	v1.GET("/recipients/:id/eligibility", h.Eligibility)

	v1.GET("/lists", h.ListLists)
	v1.GET("/lists/:name", h.GetList)
	v1.PUT("/lists/:name", h.PutList)
	v1.DELETE("/lists/:name", h.DeleteList)

	return r
}

func NewHTTPServer(addr string, h *Handlers) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           NewRouter(h),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func (h *Handlers) Healthz(c *gin.Context) {
	c.String(http.StatusOK, "ok")
}
