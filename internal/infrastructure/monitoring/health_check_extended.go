package monitoring

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"livestage/internal/core/ports"
)

// AddStorageCheck probes the repository backend (Redis when enabled).
func (h *HealthChecker) AddStorageCheck(ping func(ctx context.Context) error, interval, timeout time.Duration) {
	h.AddCheck("storage", func(ctx context.Context) (bool, error) {
		if err := ping(ctx); err != nil {
			return false, err
		}
		return true, nil
	}, interval, timeout)
}

// AddRepositoryCheck lists live streams as a probe of the stream store.
func (h *HealthChecker) AddRepositoryCheck(repo ports.StreamRepository, interval, timeout time.Duration) {
	h.AddCheck("repository", func(ctx context.Context) (bool, error) {
		if _, err := repo.ListLive(ctx); err != nil {
			return false, err
		}
		return true, nil
	}, interval, timeout)
}

// AddConnectionLimitCheck fails once the relay holds more than max parties.
func (h *HealthChecker) AddConnectionLimitCheck(connections func() int, max int, interval time.Duration) {
	h.AddCheck("connections", func(ctx context.Context) (bool, error) {
		if n := connections(); n > max {
			return false, fmt.Errorf("%d connections exceed limit %d", n, max)
		}
		return true, nil
	}, interval, time.Second)
}

// IsReady checks if the service is ready to accept traffic
func (h *HealthChecker) IsReady(ctx context.Context) bool {
	return h.CheckAll(ctx).Status == StatusHealthy
}

// RegisterRoutes mounts /health (liveness) and /ready (all checks).
func (h *HealthChecker) RegisterRoutes(r gin.IRouter) {
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": StatusHealthy})
	})
	r.GET("/ready", func(c *gin.Context) {
		status := h.CheckAll(c.Request.Context())
		code := http.StatusOK
		if status.Status != StatusHealthy {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, status)
	})
}
