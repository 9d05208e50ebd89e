// Package ws serves the dashboard websocket endpoints. Sessions
// authenticate before the upgrade and are pinned to their own tenant's
// bus channel; the admin health socket is platform-admin only.
package ws

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/shiplens/shiplens/internal/bus"
	"github.com/shiplens/shiplens/internal/metrics"
	"github.com/shiplens/shiplens/internal/store"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Dashboards connect from tenant portal hosts; auth happens before
	// the upgrade.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Principal is an authenticated session owner.
type Principal struct {
	UserID        string
	TenantID      string
	PlatformAdmin bool
}

// Authenticator validates a session token from the query string.
type Authenticator func(token string) (*Principal, error)

// Hub bridges bus channels to dashboard websocket sessions.
type Hub struct {
	store  *store.Store
	bus    bus.Bus
	auth   Authenticator
	logger *zap.Logger

	pingInterval   time.Duration
	healthInterval time.Duration
	started        time.Time
}

// NewHub creates a hub.
func NewHub(s *store.Store, b bus.Bus, auth Authenticator, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		store:          s,
		bus:            b,
		auth:           auth,
		logger:         logger,
		pingInterval:   30 * time.Second,
		healthInterval: 10 * time.Second,
		started:        time.Now().UTC(),
	}
}

// Routes registers the websocket endpoints on a mux.
func (h *Hub) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/ws/telemetry/", h.HandleTelemetry)
	mux.HandleFunc("/ws/admin/health", h.HandleAdminHealth)
}

func (h *Hub) authenticate(w http.ResponseWriter, r *http.Request) *Principal {
	token := r.URL.Query().Get("token")
	if token == "" {
		http.Error(w, `{"error":"missing token"}`, http.StatusUnauthorized)
		return nil
	}
	principal, err := h.auth(token)
	if err != nil || principal == nil {
		http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
		h.logger.Warn("websocket auth rejected", zap.String("remote_addr", r.RemoteAddr))
		return nil
	}
	return principal
}

// HandleTelemetry serves /ws/telemetry/{tenant_id}. A session may only
// watch its own tenant; platform admins may watch any.
func (h *Hub) HandleTelemetry(w http.ResponseWriter, r *http.Request) {
	tenantID := strings.TrimPrefix(r.URL.Path, "/ws/telemetry/")
	if tenantID == "" || strings.Contains(tenantID, "/") {
		http.Error(w, "missing tenant id", http.StatusBadRequest)
		return
	}

	principal := h.authenticate(w, r)
	if principal == nil {
		return
	}
	if principal.TenantID != tenantID && !principal.PlatformAdmin {
		http.Error(w, `{"error":"wrong tenant"}`, http.StatusForbidden)
		h.logger.Warn("cross-tenant websocket rejected",
			zap.String("user", principal.UserID),
			zap.String("requested_tenant", tenantID))
		return
	}

	tenant, err := h.store.GetTenant(tenantID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "unknown tenant", http.StatusNotFound)
			return
		}
		http.Error(w, "tenant lookup failed", http.StatusInternalServerError)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("upgrade failed", zap.Error(err))
		return
	}

	events, cancel := h.bus.Subscribe(r.Context(), bus.TenantChannel(tenant.Slug))
	defer cancel()
	h.logger.Info("telemetry session opened",
		zap.String("tenant", tenant.Slug), zap.String("user", principal.UserID))
	h.serve(conn, events, nil)
	h.logger.Info("telemetry session closed", zap.String("tenant", tenant.Slug))
}

// HandleAdminHealth serves /ws/admin/health: forwarded bus events plus
// a periodic platform snapshot.
func (h *Hub) HandleAdminHealth(w http.ResponseWriter, r *http.Request) {
	principal := h.authenticate(w, r)
	if principal == nil {
		return
	}
	if !principal.PlatformAdmin {
		http.Error(w, `{"error":"admin only"}`, http.StatusForbidden)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("upgrade failed", zap.Error(err))
		return
	}

	events, cancel := h.bus.Subscribe(r.Context(), bus.AdminHealthChannel)
	defer cancel()

	ticker := time.NewTicker(h.healthInterval)
	defer ticker.Stop()
	snapshots := make(chan bus.Event, 1)
	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				select {
				case snapshots <- h.healthSnapshot(r.Context()):
				default:
				}
			}
		}
	}()

	h.serve(conn, events, snapshots)
}

func (h *Hub) healthSnapshot(ctx context.Context) bus.Event {
	detail := map[string]any{
		"database":       "up",
		"bus":            "up",
		"uptime_seconds": int(time.Since(h.started).Seconds()),
	}
	if n, err := h.store.PendingJobCount(); err == nil {
		detail["pending_jobs"] = n
	} else {
		detail["database"] = "down"
	}
	if tenants, err := h.store.ListActiveTenants(); err == nil {
		detail["active_tenants"] = len(tenants)
	} else {
		detail["database"] = "down"
	}
	// The in-memory bus is always up; the Redis bus exposes Ping.
	if p, ok := h.bus.(interface{ Ping(context.Context) error }); ok {
		if err := p.Ping(ctx); err != nil {
			detail["bus"] = "down"
		}
	}
	return bus.Event{
		Type:      bus.HealthUpdate,
		Detail:    detail,
		Timestamp: time.Now().UTC(),
	}
}

// serve pumps bus events to the socket until either side goes away.
// The read loop only watches for the client closing.
func (h *Hub) serve(conn *websocket.Conn, events <-chan bus.Event, extra <-chan bus.Event) {
	defer conn.Close()
	metrics.WebsocketSessions.Inc()
	defer metrics.WebsocketSessions.Dec()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(h.pingInterval)
	defer ping.Stop()

	write := func(evt bus.Event) bool {
		if err := conn.WriteMessage(websocket.TextMessage, evt.JSON()); err != nil {
			return false
		}
		return true
	}

	for {
		select {
		case <-closed:
			return
		case evt, ok := <-events:
			if !ok || !write(evt) {
				return
			}
		case evt := <-extra:
			if !write(evt) {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
				return
			}
		}
	}
}
