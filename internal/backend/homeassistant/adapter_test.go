package homeassistant_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/2oby/orac-core/internal/backend"
	haadapter "github.com/2oby/orac-core/internal/backend/homeassistant"
	"github.com/2oby/orac-core/internal/fault"
	"github.com/coder/websocket"
)

// ---- test helpers ----

func ptr[T any](v T) *T { return &v }

// newAdapter spins up a test HA server, a file store holding one backend
// record that points at it, and an adapter on top.
func newAdapter(t *testing.T, handler http.Handler, opts ...haadapter.Option) (*haadapter.Adapter, backend.Store, string) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	store, err := backend.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	rec, err := store.Create(t.Context(), "Home", "homeassistant", backend.Connection{
		URL:   srv.URL,
		Token: "llat-test",
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	a, err := haadapter.New(rec, store, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a, store, rec.ID
}

// enable upserts an enabled, fully-mapped entity.
func enable(t *testing.T, store backend.Store, backendID, entityID, deviceType, location string) {
	t.Helper()
	_, err := store.UpsertEntity(t.Context(), backendID, entityID, backend.MappingPatch{
		Enabled:    ptr(true),
		DeviceType: ptr(deviceType),
		Location:   ptr(location),
	})
	if err != nil {
		t.Fatalf("UpsertEntity(%s): %v", entityID, err)
	}
}

// answerRegistry completes the auth handshake on one accepted WebSocket
// connection and replies to a single registry command from results.
func answerRegistry(t *testing.T, conn *websocket.Conn, results map[string]any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	send := func(v any) {
		data, _ := json.Marshal(v)
		if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
			t.Logf("registry write: %v", err)
		}
	}
	recv := func(v any) {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("registry read: %v", err)
		}
		if err := json.Unmarshal(data, v); err != nil {
			t.Fatalf("registry unmarshal: %v", err)
		}
	}

	send(map[string]any{"type": "auth_required"})
	var auth struct {
		AccessToken string `json:"access_token"`
	}
	recv(&auth)
	send(map[string]any{"type": "auth_ok"})

	var cmd struct {
		ID   int    `json:"id"`
		Type string `json:"type"`
	}
	recv(&cmd)
	result, ok := results[cmd.Type]
	if !ok {
		t.Errorf("unexpected registry command %q", cmd.Type)
	}
	send(map[string]any{"id": cmd.ID, "type": "result", "success": true, "result": result})
}

func TestFetchEntities(t *testing.T) {
	t.Parallel()
	var statesCalls atomic.Int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/states" {
			http.NotFound(w, r)
			return
		}
		statesCalls.Add(1)
		io.WriteString(w, `[
			{"entity_id": "switch.fan", "state": "off", "attributes": {}},
			{"entity_id": "light.kitchen", "state": "on", "attributes": {"friendly_name": "Kitchen Light"}},
			{"entity_id": "sensor.temperature", "state": "21.5", "attributes": {}},
			{"entity_id": "automation.night_mode", "state": "on", "attributes": {}}
		]`)
	})
	a, store, id := newAdapter(t, handler)

	descs, err := a.FetchEntities(t.Context())
	if err != nil {
		t.Fatalf("FetchEntities: %v", err)
	}
	if len(descs) != 2 {
		t.Fatalf("got %d entities, want 2 (sensor and automation filtered)", len(descs))
	}
	// Sorted by entity id.
	if descs[0].EntityID != "light.kitchen" || descs[1].EntityID != "switch.fan" {
		t.Errorf("entities = %+v, want light.kitchen then switch.fan", descs)
	}
	if descs[0].Name != "Kitchen Light" || descs[0].Domain != "light" {
		t.Errorf("descs[0] = %+v", descs[0])
	}

	rec, err := store.Get(t.Context(), id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	m, ok := rec.DeviceMappings["light.kitchen"]
	if !ok {
		t.Fatal("fetched entity was not merged into the mapping store")
	}
	if m.Enabled {
		t.Error("merged entity should start disabled")
	}
	if m.OriginalName != "Kitchen Light" || m.Domain != "light" {
		t.Errorf("mapping = %+v", m)
	}
	if !rec.Status.Connected {
		t.Error("successful fetch should mark the backend connected")
	}
	if rec.Statistics.FetchedEntities != 2 {
		t.Errorf("FetchedEntities = %d, want 2", rec.Statistics.FetchedEntities)
	}

	// Second call is served from cache.
	if _, err := a.FetchEntities(t.Context()); err != nil {
		t.Fatalf("FetchEntities (cached): %v", err)
	}
	if got := statesCalls.Load(); got != 1 {
		t.Errorf("states fetched %d times, want 1 (cached)", got)
	}

	a.Invalidate()
	if _, err := a.FetchEntities(t.Context()); err != nil {
		t.Fatalf("FetchEntities (after invalidate): %v", err)
	}
	if got := statesCalls.Load(); got != 2 {
		t.Errorf("states fetched %d times, want 2 after Invalidate", got)
	}
}

func TestFetchEntities_AreaHints(t *testing.T) {
	t.Parallel()
	registries := map[string]any{
		"config/entity_registry/list": []map[string]any{
			{"entity_id": "light.kitchen", "device_id": "dev1", "area_id": ""},
		},
		"config/device_registry/list": []map[string]any{
			{"id": "dev1", "area_id": "kitchen"},
		},
		"config/area_registry/list": []map[string]any{
			{"area_id": "kitchen", "name": "Kitchen"},
		},
	}
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/states":
			io.WriteString(w, `[{"entity_id": "light.kitchen", "state": "on", "attributes": {}}]`)
		case "/api/websocket":
			conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
			if err != nil {
				return
			}
			defer conn.Close(websocket.StatusNormalClosure, "done")
			answerRegistry(t, conn, registries)
		default:
			http.NotFound(w, r)
		}
	})
	a, store, id := newAdapter(t, handler)

	descs, err := a.FetchEntities(t.Context())
	if err != nil {
		t.Fatalf("FetchEntities: %v", err)
	}
	if len(descs) != 1 || descs[0].Area != "Kitchen" {
		t.Fatalf("descs = %+v, want area Kitchen via device registry", descs)
	}

	rec, err := store.Get(t.Context(), id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got := rec.DeviceMappings["light.kitchen"].Location; got != "Kitchen" {
		t.Errorf("merged location = %q, want area hint Kitchen", got)
	}
}

func TestFetchEntities_Unreachable(t *testing.T) {
	t.Parallel()
	a, store, id := newAdapter(t, http.NotFoundHandler())

	_, err := a.FetchEntities(t.Context())
	if err == nil {
		t.Fatal("FetchEntities should fail against a 404-only server")
	}
	if fault.KindOf(err) != fault.KindBackend {
		t.Errorf("kind = %v, want %v", fault.KindOf(err), fault.KindBackend)
	}

	rec, err := store.Get(t.Context(), id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Status.Connected {
		t.Error("failed fetch should not mark the backend connected")
	}
	if rec.Status.Error == "" {
		t.Error("failed fetch should record the connectivity error")
	}
}

func TestGenerateGrammar(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	a, store, id := newAdapter(t, http.NotFoundHandler(), haadapter.WithGrammarDir(dir))
	enable(t, store, id, "light.kitchen_ceiling", "lights", "kitchen")
	enable(t, store, id, "climate.living", "heating", "living room")

	res, err := a.GenerateGrammar(t.Context())
	if err != nil {
		t.Fatalf("GenerateGrammar: %v", err)
	}
	if res.Warning != "" {
		t.Errorf("unexpected warning %q", res.Warning)
	}
	if !strings.Contains(res.Text, `device ::= "heating" | "lights" | "UNKNOWN"`) {
		t.Errorf("grammar missing device rule:\n%s", res.Text)
	}
	if res.DeviceCount != 2 || res.LocationCount != 2 || res.PairCount != 2 {
		t.Errorf("counts = %d/%d/%d, want 2/2/2", res.DeviceCount, res.LocationCount, res.PairCount)
	}
	if res.Schema == "" {
		t.Error("schema should be set")
	}
	if res.Path == "" {
		t.Fatal("grammar path should be set when a grammar dir is configured")
	}
	data, err := os.ReadFile(res.Path)
	if err != nil {
		t.Fatalf("read grammar file: %v", err)
	}
	if string(data) != res.Text {
		t.Error("grammar file content differs from returned text")
	}
}

func TestGenerateGrammar_NoMappings(t *testing.T) {
	t.Parallel()
	a, _, _ := newAdapter(t, http.NotFoundHandler(), haadapter.WithGrammarDir(t.TempDir()))

	res, err := a.GenerateGrammar(t.Context())
	if err != nil {
		t.Fatalf("GenerateGrammar: %v", err)
	}
	if res.Warning == "" {
		t.Error("empty backend should produce a warning annotation")
	}
	if res.Text != "" || res.Path != "" {
		t.Errorf("empty backend should produce no grammar, got text %q path %q", res.Text, res.Path)
	}
}

func TestTestConnection(t *testing.T) {
	t.Parallel()
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/config" {
			http.NotFound(w, r)
			return
		}
		io.WriteString(w, `{"version": "2025.7.1", "location_name": "Home"}`)
	})
	a, store, id := newAdapter(t, handler)

	st, err := a.TestConnection(t.Context())
	if err != nil {
		t.Fatalf("TestConnection: %v", err)
	}
	if !st.Connected || st.Version != "2025.7.1" || st.Details != "Home" {
		t.Errorf("status = %+v", st)
	}

	rec, err := store.Get(t.Context(), id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !rec.Status.Connected {
		t.Error("probe success should be recorded on the backend status")
	}
}

func TestTestConnection_Unreachable(t *testing.T) {
	t.Parallel()
	a, store, id := newAdapter(t, http.NotFoundHandler())

	st, err := a.TestConnection(t.Context())
	if err != nil {
		t.Fatalf("TestConnection should not error on unreachable instance: %v", err)
	}
	if st.Connected {
		t.Error("unreachable instance reported connected")
	}
	if st.Details == "" {
		t.Error("failed probe should carry the error in details")
	}

	rec, err := store.Get(t.Context(), id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Status.Error == "" {
		t.Error("failed probe should record the error on the backend status")
	}
}

func TestStatistics(t *testing.T) {
	t.Parallel()
	a, store, id := newAdapter(t, http.NotFoundHandler())
	for range 2 {
		if err := store.RecordDispatch(t.Context(), id, true); err != nil {
			t.Fatalf("RecordDispatch: %v", err)
		}
	}
	if err := store.RecordDispatch(t.Context(), id, false); err != nil {
		t.Fatalf("RecordDispatch: %v", err)
	}

	rep, err := a.Statistics(t.Context())
	if err != nil {
		t.Fatalf("Statistics: %v", err)
	}
	if rep.Statistics.DispatchTotal != 3 || rep.Statistics.DispatchFailed != 1 {
		t.Errorf("report = %+v, want 3 total / 1 failed", rep.Statistics)
	}
}

func TestFactory(t *testing.T) {
	t.Parallel()
	store, err := backend.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	rec, err := store.Create(t.Context(), "Home", "homeassistant", backend.Connection{URL: "http://homeassistant.local:8123"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	reg := backend.NewRegistry()
	reg.Register("homeassistant", haadapter.Factory(haadapter.WithGrammarDir(t.TempDir())))
	adapter, err := reg.Create(rec, store)
	if err != nil {
		t.Fatalf("registry Create: %v", err)
	}
	defer adapter.Close()
	if _, ok := adapter.(*haadapter.Adapter); !ok {
		t.Fatalf("adapter is %T, want *homeassistant.Adapter", adapter)
	}
}
