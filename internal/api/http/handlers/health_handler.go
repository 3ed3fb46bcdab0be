package handlers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/ticket-sync/internal/observability"
	"github.com/spec-kit/ticket-sync/internal/persistence"
	"github.com/spec-kit/ticket-sync/internal/store"
	"github.com/spec-kit/ticket-sync/internal/worker"
)

// HealthHandler reports service and dependency health.
type HealthHandler struct {
	serviceName string
	version     string
	pool        *persistence.Pool
	redis       *persistence.Redis
	workers     *worker.Pool
	metrics     *observability.Metrics
	stores      map[string]store.TicketStore
}

// NewHealthHandler returns a new handler instance.
func NewHealthHandler(serviceName, version string, pool *persistence.Pool, redis *persistence.Redis, workers *worker.Pool, metrics *observability.Metrics, stores map[string]store.TicketStore) *HealthHandler {
	return &HealthHandler{
		serviceName: serviceName,
		version:     version,
		pool:        pool,
		redis:       redis,
		workers:     workers,
		metrics:     metrics,
		stores:      stores,
	}
}

// Health handles GET /health.
func (h *HealthHandler) Health(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	depStatus := fiber.Map{}
	healthy := true

	if err := h.pool.Ping(ctx); err != nil {
		depStatus["postgres"] = err.Error()
		healthy = false
	} else {
		depStatus["postgres"] = "ok"
	}

	if err := h.redis.Ping(ctx); err != nil {
		depStatus["redis"] = err.Error()
		healthy = false
	} else {
		depStatus["redis"] = "ok"
	}

	counts := fiber.Map{}
	for name, st := range h.stores {
		n, err := st.Count(ctx)
		if err != nil {
			counts[name] = err.Error()
			healthy = false
			continue
		}
		counts[name] = n
	}

	body := fiber.Map{
		"status":  "ok",
		"service": h.serviceName,
		"version": h.version,
		"pool": fiber.Map{
			"available": h.pool.Available(),
			"capacity":  h.pool.Capacity(),
		},
		"workers": fiber.Map{
			"pending": h.workers.Pending(),
			"dropped": h.workers.Dropped(),
		},
		"sync":         h.metrics.SyncCounts(),
		"tickets":      counts,
		"dependencies": depStatus,
	}

	if !healthy {
		body["status"] = "degraded"
		return c.Status(fiber.StatusServiceUnavailable).JSON(body)
	}
	return c.JSON(body)
}
