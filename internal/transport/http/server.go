package http

import (
	stdhttp "net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/shardproxy/internal/config"
	"github.com/vovakirdan/shardproxy/internal/core"
	"github.com/vovakirdan/shardproxy/internal/metrics"
	"github.com/vovakirdan/shardproxy/internal/shard"
)

// StatusResponse is the body of GET /shards.
type StatusResponse struct {
	Shards   []shard.Status `json:"shards"`
	Sessions int            `json:"sessions"`
}

// NewServer builds the HTTP server: the gateway websocket on / and /gateway
// plus health, readiness, status and metrics routes. The websocket routes
// bypass gin: its response writer cannot be hijacked after the upgrade.
func NewServer(hub *core.Hub, shards *shard.Set, cfg *config.Config, m *metrics.Metrics, logger *zerolog.Logger) *stdhttp.Server {
	ws := NewWSHandler(hub, shards, WSConfig{
		HeartbeatInterval: cfg.HeartbeatInterval,
		Backpressure:      cfg.Backpressure,
	}, m, logger)

	mux := stdhttp.NewServeMux()
	mux.Handle("/{$}", ws)
	mux.Handle("/gateway", ws)
	mux.Handle("/", newStatusRouter(hub, shards, m, logger))

	return &stdhttp.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}

func newStatusRouter(hub *core.Hub, shards *shard.Set, m *metrics.Metrics, logger *zerolog.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), LoggerMiddleware(logger))

	router.GET("/health", func(c *gin.Context) {
		c.String(stdhttp.StatusOK, "ok")
	})
	router.GET("/ready", func(c *gin.Context) {
		if !shards.Ready() {
			c.String(stdhttp.StatusServiceUnavailable, "not ready")
			return
		}
		c.String(stdhttp.StatusOK, "ready")
	})
	router.GET("/shards", func(c *gin.Context) {
		c.JSON(stdhttp.StatusOK, StatusResponse{
			Shards:   shards.Statuses(),
			Sessions: hub.Count(),
		})
	})
	if m != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(m.Registry(), promhttp.HandlerOpts{})))
	}
	return router
}
