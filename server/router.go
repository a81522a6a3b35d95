package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/wailbentafat/employee-relay/subscriber"
	"github.com/wailbentafat/employee-relay/websocket"
)

// StatsSource reports subscriber counters for the health endpoint.
type StatsSource interface {
	Stats() subscriber.Stats
}

type RouterDeps struct {
	Hub        *websocket.Hub
	Handler    *websocket.Handler
	Subscriber StatsSource
}

// NewRouter wires the websocket endpoint and the health check.
func NewRouter(deps RouterDeps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestID())
	r.Use(AccessLog())

	r.GET("/ws", gin.WrapF(deps.Handler.HandleWebSocket))
	r.GET("/health", func(ctx *gin.Context) {
		body := gin.H{"status": "ok", "clients": deps.Hub.Count()}
		if deps.Subscriber != nil {
			body["subscriber"] = deps.Subscriber.Stats()
		}
		ctx.JSON(http.StatusOK, body)
	})

	return r
}

func RequestID() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		if ctx.GetHeader("X-Request-ID") == "" {
			ctx.Request.Header.Set("X-Request-ID", uuid.NewString())
		}
		ctx.Header("X-Request-ID", ctx.GetHeader("X-Request-ID"))
		ctx.Next()
	}
}

// AccessLog logs completed requests. Upgraded websocket requests are logged
// when the connection ends.
func AccessLog() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		start := time.Now()
		ctx.Next()
		log.WithField("request_id", ctx.GetHeader("X-Request-ID")).
			WithField("status", ctx.Writer.Status()).
			WithField("duration", time.Since(start)).
			Debugf("%s %s", ctx.Request.Method, ctx.Request.URL.Path)
	}
}

func init() {
	gin.SetMode(gin.ReleaseMode)
}
