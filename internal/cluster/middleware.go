package cluster

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pingcap/log"
	"go.uber.org/zap"

	cerror "github.com/dreamware/halo/internal/errors"
	"github.com/dreamware/halo/internal/logutil"
)

// ErrorHandleMiddleware turns the error a handler recorded with c.Error into
// an ErrorResponse with the matching status code.
func ErrorHandleMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		// handlers return right after recording an error, so there is at most one
		lastError := c.Errors.Last()
		if lastError == nil {
			return
		}
		err := lastError.Err
		c.JSON(cerror.HTTPStatus(err), NewErrorResponse(err))
		c.Abort()
	}
}

// LogMiddleware logs every request once it has been served.
func LogMiddleware(component string) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		c.Next()

		fields := []zap.Field{
			zap.String("component", component),
			zap.Int("status", c.Writer.Status()),
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.String("ip", c.ClientIP()),
			zap.Duration("duration", time.Since(start)),
		}
		if err := c.Errors.Last(); err != nil {
			fields = append(fields, zap.Error(err.Err))
		}
		// halo pushes and turns are high-frequency
		if c.Writer.Status() >= 400 {
			log.Warn("http request failed", fields...)
		} else {
			log.Debug("http request", fields...)
		}
	}
}

// NewRouter returns a gin engine with recovery, request logging and the error
// envelope installed.
func NewRouter(component string) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), LogMiddleware(component), ErrorHandleMiddleware())
	router.POST("/log", SetLogLevel)
	return router
}

// SetLogLevel changes the level of the process logger at runtime.
func SetLogLevel(c *gin.Context) {
	req := &LogLevelRequest{Level: "info"}
	if !BindJSON(c, req) {
		return
	}
	if err := logutil.SetLevel(req.Level); err != nil {
		_ = c.Error(cerror.WrapError(cerror.ErrInvalidRequest, err, err.Error()))
		return
	}
	c.Status(http.StatusOK)
}

// BindJSON decodes the request body into obj, recording ErrInvalidRequest
// on failure.
func BindJSON(c *gin.Context, obj any) bool {
	if err := c.ShouldBindJSON(obj); err != nil {
		_ = c.Error(cerror.WrapError(cerror.ErrInvalidRequest, err, err.Error()))
		return false
	}
	return true
}
