package services

import (
	"context"
	"log/slog"
	"runtime"
	"time"

	"gorm.io/gorm"
)

// HealthService provides health check functionality
type HealthService struct {
	version   string
	db        *gorm.DB
	startTime time.Time
	logger    *slog.Logger
}

// HealthStatus represents the health status response
type HealthStatus struct {
	Status    string                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Version   string                 `json:"version"`
	Runtime   map[string]interface{} `json:"runtime,omitempty"`
	Services  map[string]interface{} `json:"services,omitempty"`
}

// NewHealthService creates a new health service with injected dependencies
func NewHealthService(version string, db *gorm.DB, logger *slog.Logger) *HealthService {
	if logger == nil {
		logger = slog.Default()
	}
	return &HealthService{
		version:   version,
		db:        db,
		startTime: time.Now(),
		logger:    logger.With(slog.String("service", "health")),
	}
}

// Check returns the overall service health. The store check pings the
// underlying database connection; a failed ping degrades the status
// rather than erroring so load balancers still get a body.
func (h *HealthService) Check(ctx context.Context) *HealthStatus {
	status := &HealthStatus{
		Status:    "healthy",
		Timestamp: time.Now().UTC(),
		Version:   h.version,
		Runtime: map[string]interface{}{
			"go_version":     runtime.Version(),
			"goroutines":     runtime.NumGoroutine(),
			"uptime_seconds": time.Since(h.startTime).Seconds(),
		},
		Services: map[string]interface{}{},
	}

	if err := h.pingStore(ctx); err != nil {
		h.logger.WarnContext(ctx, "store health check failed", slog.String("error", err.Error()))
		status.Status = "degraded"
		status.Services["store"] = map[string]string{"status": "unhealthy", "message": err.Error()}
	} else {
		status.Services["store"] = map[string]string{"status": "healthy"}
	}
	return status
}

func (h *HealthService) pingStore(ctx context.Context) error {
	sqlDB, err := h.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
