package http

import (
	"github.com/gin-gonic/gin"
	"github.com/kobopay/ledger-engine/internal/config"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	metricsprom "github.com/slok/go-http-metrics/metrics/prometheus"
	"github.com/slok/go-http-metrics/middleware"
	ginmiddleware "github.com/slok/go-http-metrics/middleware/gin"
	"go.uber.org/zap"
)

func NewRouter(s Services, rl config.RateLimitConfig, log *zap.SugaredLogger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(LoggingMiddleware(log))
	r.Use(RateLimitMiddleware(rl.RPS, rl.Burst))

	mdlw := middleware.New(middleware.Config{
		Recorder: metricsprom.NewRecorder(metricsprom.Config{}),
	})
	r.Use(ginmiddleware.Handler("", mdlw))
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	RegisterHandlers(r, s)
	return r
}
