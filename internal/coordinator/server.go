package coordinator

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dreamware/halo/internal/cluster"
	"github.com/dreamware/halo/internal/config"
	cerror "github.com/dreamware/halo/internal/errors"
)

const shutdownTimeout = 10 * time.Second

// RunConfigFromRequest turns a RunRequest into a run configuration. The grid
// size comes from the request's world.
func RunConfigFromRequest(req *cluster.RunRequest) config.RunConfig {
	cfg := config.DefaultRunConfig()
	cfg.BrokerAddr = ""
	cfg.WorkerAddrs = req.WorkerAddrs
	cfg.Workers = req.Workers
	cfg.Turns = req.Turns
	cfg.Width = req.World.Width
	cfg.Height = req.World.Height
	cfg.Boundary = req.Boundary
	cfg.HaloMode = req.HaloMode
	cfg.Parallelism = req.Parallelism
	if req.TurnTimeoutMs > 0 {
		cfg.TurnTimeout = time.Duration(req.TurnTimeoutMs) * time.Millisecond
	}
	return cfg
}

// NewHandler exposes b over HTTP. gatherer backs /metrics and may be nil.
// shutdown is called asynchronously by POST /shutdown after the workers were
// told to shut down, and may be nil.
//
// POST /runs blocks until the run ends and answers with the final world.
// The other run endpoints act on the current run while it executes.
func NewHandler(b *Broker, gatherer prometheus.Gatherer, shutdown func()) http.Handler {
	router := cluster.NewRouter("broker")

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})

	router.POST("/runs", func(c *gin.Context) {
		var req cluster.RunRequest
		if !cluster.BindJSON(c, &req) {
			return
		}
		world, err := cluster.DecodeGrid(req.World)
		if err != nil {
			_ = c.Error(err)
			return
		}
		ctx := c.Request.Context()
		run, err := b.StartRun(ctx, RunConfigFromRequest(&req), world)
		if err != nil {
			_ = c.Error(err)
			return
		}
		result, err := run.Execute(ctx)
		if err != nil {
			_ = c.Error(err)
			return
		}
		c.JSON(http.StatusOK, result.Response())
	})

	current := func(c *gin.Context) *Run {
		run, err := b.Current()
		if err != nil {
			_ = c.Error(err)
			return nil
		}
		return run
	}

	router.GET("/runs/current", func(c *gin.Context) {
		if run := current(c); run != nil {
			c.JSON(http.StatusOK, run.Status())
		}
	})

	router.GET("/runs/current/snapshot", func(c *gin.Context) {
		run := current(c)
		if run == nil {
			return
		}
		result, err := run.Snapshot(c.Request.Context())
		if err != nil {
			_ = c.Error(err)
			return
		}
		c.JSON(http.StatusOK, result.Response())
	})

	router.GET("/runs/current/workers", func(c *gin.Context) {
		if run := current(c); run != nil {
			c.JSON(http.StatusOK, run.Workers())
		}
	})

	router.GET("/runs/current/rows/:row", func(c *gin.Context) {
		run := current(c)
		if run == nil {
			return
		}
		row, err := strconv.Atoi(c.Param("row"))
		if err != nil {
			_ = c.Error(cerror.ErrInvalidRequest.GenWithStackByArgs("row must be an integer"))
			return
		}
		owner, err := run.RowOwner(row)
		if err != nil {
			_ = c.Error(err)
			return
		}
		c.JSON(http.StatusOK, owner)
	})

	router.POST("/runs/current/pause", func(c *gin.Context) {
		run := current(c)
		if run == nil {
			return
		}
		if _, err := run.Pause(); err != nil {
			_ = c.Error(err)
			return
		}
		c.JSON(http.StatusOK, run.Status())
	})

	router.POST("/runs/current/resume", func(c *gin.Context) {
		run := current(c)
		if run == nil {
			return
		}
		if _, err := run.Resume(); err != nil {
			_ = c.Error(err)
			return
		}
		c.JSON(http.StatusOK, run.Status())
	})

	router.POST("/runs/current/quit", func(c *gin.Context) {
		run := current(c)
		if run == nil {
			return
		}
		if err := run.Quit(); err != nil {
			_ = c.Error(err)
			return
		}
		c.JSON(http.StatusOK, run.Status())
	})

	router.POST("/runs/current/abort", func(c *gin.Context) {
		run := current(c)
		if run == nil {
			return
		}
		run.Abort()
		c.JSON(http.StatusOK, run.Status())
	})

	router.POST("/shutdown", func(c *gin.Context) {
		c.Status(http.StatusAccepted)
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			_ = b.Shutdown(ctx)
			if shutdown != nil {
				shutdown()
			}
		}()
	})

	if gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}
	return router
}
