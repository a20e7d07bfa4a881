package agent

import (
	"sync/atomic"
	"time"
)

type HealthStatus struct {
	redisConnected   atomic.Bool
	backendConnected atomic.Bool
	lastDeliveryAt   atomic.Int64
	deliveredPoints  atomic.Int64
}

func NewHealthStatus() *HealthStatus {
	return &HealthStatus{}
}

func (h *HealthStatus) SetRedisConnected(ok bool) {
	h.redisConnected.Store(ok)
}

func (h *HealthStatus) SetBackendConnected(ok bool) {
	h.backendConnected.Store(ok)
}

func (h *HealthStatus) MarkDelivery(ts time.Time, points int) {
	h.lastDeliveryAt.Store(ts.UnixNano())
	h.deliveredPoints.Add(int64(points))
}

// Healthy reports whether the store is reachable. A failing backend does not
// make the agent unhealthy; points stay queued until it recovers.
func (h *HealthStatus) Healthy() bool {
	return h.redisConnected.Load()
}

func (h *HealthStatus) Snapshot() map[string]any {
	out := map[string]any{
		"redis_connected":   h.redisConnected.Load(),
		"backend_connected": h.backendConnected.Load(),
		"delivered_points":  h.deliveredPoints.Load(),
	}
	if v := h.lastDeliveryAt.Load(); v > 0 {
		out["last_delivery_at"] = time.Unix(0, v).UTC()
	}
	return out
}
