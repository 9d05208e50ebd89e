package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/shiplens/shiplens/internal/bus"
	"github.com/shiplens/shiplens/internal/model"
	"github.com/shiplens/shiplens/internal/store"
)

type wsFixture struct {
	store  *store.Store
	tenant *model.Tenant
	bus    *bus.MemoryBus
	server *httptest.Server
}

func newWSFixture(t *testing.T, auth Authenticator) *wsFixture {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	tn := &model.Tenant{Name: "Acme", Slug: "acme", SchemaName: "tenant_acme", Status: model.TenantActive}
	if err := s.CreateTenant(tn); err != nil {
		t.Fatal(err)
	}

	mb := bus.NewMemoryBus(16)
	t.Cleanup(func() { _ = mb.Close() })

	hub := NewHub(s, mb, auth, nil)
	hub.healthInterval = 50 * time.Millisecond

	mux := http.NewServeMux()
	hub.Routes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return &wsFixture{store: s, tenant: tn, bus: mb, server: srv}
}

func (f *wsFixture) wsURL(path string) string {
	return "ws" + strings.TrimPrefix(f.server.URL, "http") + path
}

func dialOK(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("dial %s: %v (status %d)", url, err, status)
	}
	return conn
}

func dialStatus(t *testing.T, url string) int {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		conn.Close()
		t.Fatalf("dial %s unexpectedly succeeded", url)
	}
	if resp == nil {
		t.Fatalf("dial %s: no response: %v", url, err)
	}
	return resp.StatusCode
}

func allowTenant(tenantID string) Authenticator {
	return func(token string) (*Principal, error) {
		if token != "good" {
			return nil, errors.New("bad token")
		}
		return &Principal{UserID: "u1", TenantID: tenantID}, nil
	}
}

func TestTelemetryDeliversTenantEvents(t *testing.T) {
	var f *wsFixture
	f = newWSFixture(t, func(token string) (*Principal, error) {
		if token != "good" {
			return nil, errors.New("bad token")
		}
		return &Principal{UserID: "u1", TenantID: f.tenant.ID}, nil
	})

	conn := dialOK(t, f.wsURL("/ws/telemetry/"+f.tenant.ID+"?token=good"))
	defer conn.Close()

	// Publish until delivered: the subscription races the publish.
	go func() {
		for i := 0; i < 50; i++ {
			f.bus.Publish(context.Background(), bus.TenantChannel(f.tenant.Slug), bus.Event{
				Type: bus.SyncProgress, Percent: 45, Phase: "sprints synced", Timestamp: time.Now().UTC(),
			})
			time.Sleep(20 * time.Millisecond)
		}
	}()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	var evt bus.Event
	if err := json.Unmarshal(msg, &evt); err != nil {
		t.Fatal(err)
	}
	if evt.Type != bus.SyncProgress || evt.Percent != 45 {
		t.Fatalf("event: %+v", evt)
	}
}

func TestTelemetryRejectsWrongTenant(t *testing.T) {
	f := newWSFixture(t, allowTenant("someone-else"))
	status := dialStatus(t, f.wsURL("/ws/telemetry/"+f.tenant.ID+"?token=good"))
	if status != http.StatusForbidden {
		t.Fatalf("status: %d", status)
	}
}

func TestTelemetryRejectsMissingToken(t *testing.T) {
	f := newWSFixture(t, allowTenant("any"))
	if status := dialStatus(t, f.wsURL("/ws/telemetry/"+f.tenant.ID)); status != http.StatusUnauthorized {
		t.Fatalf("status: %d", status)
	}
	if status := dialStatus(t, f.wsURL("/ws/telemetry/"+f.tenant.ID+"?token=bad")); status != http.StatusUnauthorized {
		t.Fatalf("status: %d", status)
	}
}

func TestTelemetryUnknownTenant(t *testing.T) {
	f := newWSFixture(t, func(token string) (*Principal, error) {
		return &Principal{UserID: "root", PlatformAdmin: true}, nil
	})
	if status := dialStatus(t, f.wsURL("/ws/telemetry/nope?token=good")); status != http.StatusNotFound {
		t.Fatalf("status: %d", status)
	}
}

func TestTokenAuthenticator(t *testing.T) {
	auth := TokenAuthenticator("root-token", "secret-1")

	token := MintSessionToken("secret-1", "tenant-1", "user-1")
	p, err := auth(token)
	if err != nil {
		t.Fatal(err)
	}
	if p.TenantID != "tenant-1" || p.UserID != "user-1" || p.PlatformAdmin {
		t.Fatalf("principal: %+v", p)
	}

	if p, err := auth("root-token"); err != nil || !p.PlatformAdmin {
		t.Fatalf("admin token: %+v %v", p, err)
	}

	if _, err := auth(MintSessionToken("wrong-secret", "tenant-1", "user-1")); err == nil {
		t.Fatal("forged token accepted")
	}
	if _, err := auth("garbage"); err == nil {
		t.Fatal("malformed token accepted")
	}
}

func TestAdminHealthRequiresPlatformAdmin(t *testing.T) {
	f := newWSFixture(t, allowTenant("any"))
	if status := dialStatus(t, f.wsURL("/ws/admin/health?token=good")); status != http.StatusForbidden {
		t.Fatalf("status: %d", status)
	}
}

func TestAdminHealthEmitsSnapshots(t *testing.T) {
	f := newWSFixture(t, func(token string) (*Principal, error) {
		return &Principal{UserID: "root", PlatformAdmin: true}, nil
	})

	conn := dialOK(t, f.wsURL("/ws/admin/health?token=good"))
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	var evt bus.Event
	if err := json.Unmarshal(msg, &evt); err != nil {
		t.Fatal(err)
	}
	if evt.Type != bus.HealthUpdate {
		t.Fatalf("event type: %s", evt.Type)
	}
	detail, ok := evt.Detail.(map[string]any)
	if !ok {
		t.Fatalf("detail: %#v", evt.Detail)
	}
	if _, ok := detail["active_tenants"]; !ok {
		t.Fatalf("snapshot missing tenant count: %v", detail)
	}
	if detail["database"] != "up" || detail["bus"] != "up" {
		t.Fatalf("service probes: %v", detail)
	}
}
