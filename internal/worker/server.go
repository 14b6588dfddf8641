package worker

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dreamware/halo/internal/cluster"
	cerror "github.com/dreamware/halo/internal/errors"
)

// NewHandler exposes w over HTTP. gatherer backs /metrics and may be nil.
// shutdown is called asynchronously by POST /shutdown and may be nil.
func NewHandler(w *Worker, gatherer prometheus.Gatherer, shutdown func()) http.Handler {
	router := cluster.NewRouter("worker")

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, w.Health())
	})

	router.POST("/configure", func(c *gin.Context) {
		var req cluster.ConfigureRequest
		if !cluster.BindJSON(c, &req) {
			return
		}
		if err := w.Configure(c.Request.Context(), &req); err != nil {
			_ = c.Error(err)
			return
		}
		c.Status(http.StatusNoContent)
	})

	router.POST("/turn", func(c *gin.Context) {
		var req cluster.TurnRequest
		if !cluster.BindJSON(c, &req) {
			return
		}
		ack, err := w.ExecuteTurn(c.Request.Context(), &req)
		if err != nil {
			_ = c.Error(err)
			return
		}
		c.JSON(http.StatusOK, ack)
	})

	router.POST("/halo", func(c *gin.Context) {
		var msg cluster.HaloMessage
		if !cluster.BindJSON(c, &msg) {
			return
		}
		if err := w.ReceiveHalo(&msg); err != nil {
			_ = c.Error(err)
			return
		}
		c.Status(http.StatusNoContent)
	})

	router.GET("/state", func(c *gin.Context) {
		turn := -1
		if raw := c.Query("turn"); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil {
				_ = c.Error(cerror.ErrInvalidRequest.GenWithStackByArgs("turn must be an integer"))
				return
			}
			turn = parsed
		}
		state, err := w.ReportState(turn)
		if err != nil {
			_ = c.Error(err)
			return
		}
		c.JSON(http.StatusOK, state)
	})

	router.GET("/progress", func(c *gin.Context) {
		c.JSON(http.StatusOK, w.Progress())
	})

	router.POST("/stop", func(c *gin.Context) {
		var req cluster.StopRequest
		if !cluster.BindJSON(c, &req) {
			return
		}
		w.Stop(c.Request.Context(), req.RunID)
		c.Status(http.StatusNoContent)
	})

	router.POST("/shutdown", func(c *gin.Context) {
		w.Stop(c.Request.Context(), "")
		c.Status(http.StatusAccepted)
		if shutdown != nil {
			go shutdown()
		}
	})

	if gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}
	return router
}
