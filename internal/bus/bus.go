// Package bus provides the tenant-scoped progress bus. ETL and insight
// workers publish progress events; websocket sessions subscribe to the
// channel of their own tenant only.
//
// Two implementations exist: an in-memory bus for single-node
// deployments and tests, and a Redis-backed bus for multi-node
// deployments where the worker and the websocket server are separate
// processes.
package bus

import (
	"context"
	"encoding/json"
	"time"
)

// EventType classifies progress events.
type EventType string

// Sync completion and failure are phases of SyncProgress (status
// "success" at 100, status "failed" at 0), not separate types.
const (
	SyncProgress    EventType = "sync_progress"
	SyncAlert       EventType = "sync_alert"
	InsightProgress EventType = "ai_insight_progress"
	InsightUpdate   EventType = "ai_insight_update"
	InsightReady    EventType = "insight_ready"
	MetricsUpdate   EventType = "metrics_update"
	HealthUpdate    EventType = "health_update"
	ActivityUpdate  EventType = "activity_update"
)

// Event is one progress update on a tenant channel.
type Event struct {
	Type      EventType `json:"type"`
	SourceID  string    `json:"source_id,omitempty"`
	Percent   int       `json:"progress,omitempty"`
	Phase     string    `json:"status,omitempty"`
	Summary   string    `json:"message,omitempty"`
	Detail    any       `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// JSON returns the event as a JSON byte slice.
func (e Event) JSON() []byte {
	data, _ := json.Marshal(e)
	return data
}

// TenantChannel is the per-tenant channel keyed by tenant slug. The
// websocket hub and the workers both derive it from the tenant record.
func TenantChannel(slug string) string {
	return "telemetry_" + slug
}

// AdminHealthChannel carries platform-wide health updates for the
// admin console. Not tenant-scoped.
const AdminHealthChannel = "admin_health"

// Publisher is the producer side of the bus.
type Publisher interface {
	Publish(ctx context.Context, channel string, evt Event)
}

// Bus is a full bus: publish plus subscribe.
type Bus interface {
	Publisher
	// Subscribe returns a channel of events for one bus channel. The
	// returned cancel func must be called when done.
	Subscribe(ctx context.Context, channel string) (<-chan Event, func())
	Close() error
}
