package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"filler/internal/monitor"
)

func newMonitorRouter(svc *monitor.Service, status func() Status, logger *zap.Logger) *gin.Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/events", func(c *gin.Context) {
		limit := 200
		if qs := c.Query("limit"); qs != "" {
			if v, err := strconv.Atoi(qs); err == nil && v > 0 {
				if v > 1000 {
					v = 1000
				}
				limit = v
			}
		}

		eventType := monitor.EventType(strings.ToLower(strings.TrimSpace(c.Query("type"))))

		events, err := svc.ListEvents(c.Request.Context(), eventType, limit)
		if err != nil {
			logger.Warn("查询监控事件失败", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, events)
	})

	r.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, status())
	})

	return r
}

func listenMonitor(port int) (net.Listener, error) {
	addr := fmt.Sprintf(":%d", port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("监听 %s 失败: %w", addr, err)
	}
	return ln, nil
}

// serveMonitor 在 g 中运行监控服务，ctx 结束后优雅关闭；g.Wait 返回时所有请求均已处理完毕。
func serveMonitor(ctx context.Context, g *errgroup.Group, ln net.Listener, handler http.Handler, logger *zap.Logger) {
	srv := &http.Server{Handler: handler, ReadHeaderTimeout: 5 * time.Second}

	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("监控服务异常", zap.Error(err))
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("关闭监控服务失败", zap.Error(err))
		}
		logger.Info("监控接口已关闭")
		return nil
	})

	logger.Info("监控接口已启动", zap.String("addr", ln.Addr().String()))
}
