package domain

import (
	"time"

	"github.com/google/uuid"
)

// QueueOverview summarizes the provisioning queue for operators.
type QueueOverview struct {
	Length          int64        `json:"length"`
	Pending         int64        `json:"pending"`
	LastDeliveredID string       `json:"last_delivered_id"`
	DeadLettered    int64        `json:"dead_lettered"`
	Workers         []WorkerInfo `json:"workers"`
}

// WorkerInfo is one provisioning worker as seen by the queue.
type WorkerInfo struct {
	Name    string `json:"name"`
	Pending int64  `json:"pending"`
	IdleMS  int64  `json:"idle_ms"`
}

// PendingJob is a delivered but unacknowledged provisioning job.
type PendingJob struct {
	MessageID  string    `json:"message_id"`
	TenantID   uuid.UUID `json:"tenant_id"`
	Worker     string    `json:"worker"`
	IdleMS     int64     `json:"idle_ms"`
	Deliveries int64     `json:"deliveries"`
}

// DeadLetter is a provisioning job the worker gave up on.
type DeadLetter struct {
	MessageID string    `json:"message_id"`
	TenantID  uuid.UUID `json:"tenant_id"`
	Attempts  int       `json:"attempts"`
	Reason    string    `json:"reason"`
	FailedAt  time.Time `json:"failed_at"`
}

// PoolStats is a point-in-time view of the tenant connection cache.
type PoolStats struct {
	Hits             uint64 `json:"hits"`
	Misses           uint64 `json:"misses"`
	Evictions        uint64 `json:"evictions"`
	Exhausted        uint64 `json:"exhausted"`
	TotalConnections int    `json:"total_connections"`
	ActiveEntries    int    `json:"active_entries"`
	InflightBuilds   int    `json:"inflight_builds"`
	LeasedHandles    int    `json:"leased_handles"`
}
