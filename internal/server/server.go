package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gaspareduard/PlateifyAPP/internal/health"
	"github.com/gaspareduard/PlateifyAPP/internal/search"
	"github.com/gaspareduard/PlateifyAPP/internal/session"
)

// StatsProvider 个人统计的数据来源
type StatsProvider interface {
	Stats(ctx context.Context, user string) (*search.Stats, error)
}

// API 需要登录的接口依赖，为 nil 时只挂运维路由
type API struct {
	Verifier *session.Verifier
	Stats    StatsProvider
}

// NewRouter 运维路由：/health 返回各依赖状态，/ready 用于就绪探针，/metrics 暴露 prometheus 指标
// api 不为空时额外挂载 /v1 下需要令牌的接口
func NewRouter(checker *health.Checker, gatherer prometheus.Gatherer, api *API) *gin.Engine {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", func(c *gin.Context) {
		status := checker.Check(c.Request.Context())
		code := http.StatusOK
		if !status.Healthy {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, status)
	})
	r.GET("/ready", func(c *gin.Context) {
		if checker.IsHealthy(c.Request.Context()) {
			c.String(http.StatusOK, "OK")
			return
		}
		c.String(http.StatusServiceUnavailable, "Not Ready")
	})
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	if api != nil && api.Verifier != nil && api.Stats != nil {
		v1 := r.Group("/v1", Auth(api.Verifier))
		v1.GET("/me/stats", func(c *gin.Context) {
			stats, err := api.Stats.Stats(c.Request.Context(), GetUserID(c))
			if err != nil {
				abortWithError(c, err)
				return
			}
			c.JSON(http.StatusOK, stats)
		})
	}

	return r
}

// Server 运维 HTTP 服务
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// New 创建运维 HTTP 服务
func New(addr string, handler http.Handler) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:    addr,
			Handler: handler,
		},
		logger: slog.Default(),
	}
}

// Start 阻塞运行直到 Shutdown
func (s *Server) Start() error {
	s.logger.Info("Ops server started", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.logger.Error("Ops server failed", "error", err)
		return err
	}
	return nil
}

// Shutdown 优雅关闭
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
