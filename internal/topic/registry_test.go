package topic_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/2oby/orac-core/internal/fault"
	"github.com/2oby/orac-core/internal/topic"
)

func newRegistry(t *testing.T) (*topic.Registry, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "topics.json")
	r, err := topic.NewRegistry(path, topic.Defaults{
		Model: "qwen3-0.6b.gguf",
		Settings: topic.Settings{
			Temperature: 0.7,
			TopP:        0.9,
			TopK:        40,
			MaxTokens:   200,
		},
	}, 35*time.Second, 70*time.Second)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return r, path
}

// readTopicsFile decodes the on-disk document for direct assertions.
func readTopicsFile(t *testing.T, path string) map[string]topic.Topic {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read topics file: %v", err)
	}
	var doc struct {
		Topics map[string]topic.Topic `json:"topics"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("parse topics file: %v", err)
	}
	return doc.Topics
}

func TestNewRegistry_SeedsGeneral(t *testing.T) {
	t.Parallel()

	r, path := newRegistry(t)

	g, err := r.Get(topic.GeneralTopicID)
	if err != nil {
		t.Fatalf("Get(general): %v", err)
	}
	if !g.Enabled {
		t.Error("general topic should be enabled")
	}
	if g.AutoDiscovered {
		t.Error("general topic should not be flagged auto_discovered")
	}
	if g.Model != "qwen3-0.6b.gguf" {
		t.Errorf("model = %q, want default", g.Model)
	}

	// Seeding persists immediately.
	if _, ok := readTopicsFile(t, path)[topic.GeneralTopicID]; !ok {
		t.Error("general topic missing from the file on disk")
	}
}

func TestNewRegistry_LoadsExisting(t *testing.T) {
	t.Parallel()

	r, path := newRegistry(t)
	if _, _, err := r.GetOrCreate("lounge"); err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}

	reopened, err := topic.NewRegistry(path, topic.Defaults{Model: "other.gguf"}, 35*time.Second, 70*time.Second)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got, err := reopened.Get("lounge")
	if err != nil {
		t.Fatalf("Get after reopen: %v", err)
	}
	// The stored model wins over the new defaults.
	if got.Model != "qwen3-0.6b.gguf" {
		t.Errorf("model = %q, want stored value", got.Model)
	}
}

func TestNewRegistry_CorruptFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "topics.json")
	if err := os.WriteFile(path, []byte("{broken"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	_, err := topic.NewRegistry(path, topic.Defaults{}, 35*time.Second, 70*time.Second)
	if err == nil {
		t.Fatal("NewRegistry should fail on a corrupt topics file")
	}
	if fault.KindOf(err) != fault.KindConfiguration {
		t.Errorf("kind = %v, want configuration", fault.KindOf(err))
	}
}

func TestGetOrCreate_AutoDiscovers(t *testing.T) {
	t.Parallel()

	r, _ := newRegistry(t)

	created, wasCreated, err := r.GetOrCreate("bedroom")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if !wasCreated {
		t.Fatal("expected creation for unknown topic")
	}
	if !created.AutoDiscovered {
		t.Error("new topic should be flagged auto_discovered")
	}
	if !created.Enabled {
		t.Error("new topic should be enabled")
	}
	if created.Model != "qwen3-0.6b.gguf" {
		t.Errorf("model = %q, want default", created.Model)
	}
	if created.Settings.Temperature != 0.7 {
		t.Errorf("temperature = %v, want default 0.7", created.Settings.Temperature)
	}
	if created.FirstSeen.IsZero() {
		t.Error("first_seen should be stamped")
	}

	// Second call returns the same record without re-creating.
	again, wasCreated, err := r.GetOrCreate("bedroom")
	if err != nil {
		t.Fatalf("GetOrCreate second call: %v", err)
	}
	if wasCreated {
		t.Error("second GetOrCreate should not create")
	}
	if !again.FirstSeen.Equal(created.FirstSeen) {
		t.Error("first_seen changed on second GetOrCreate")
	}
}

func TestGetOrCreate_EmptyID(t *testing.T) {
	t.Parallel()

	r, _ := newRegistry(t)
	_, _, err := r.GetOrCreate("")
	if fault.KindOf(err) != fault.KindValidation {
		t.Errorf("kind = %v, want validation", fault.KindOf(err))
	}
}

func TestGet_NotFound(t *testing.T) {
	t.Parallel()

	r, _ := newRegistry(t)
	_, err := r.Get("nope")
	if fault.KindOf(err) != fault.KindNotFound {
		t.Errorf("kind = %v, want not_found", fault.KindOf(err))
	}
}

func TestUpdate_PreservesProtectedMetadata(t *testing.T) {
	t.Parallel()

	r, _ := newRegistry(t)
	orig, _, err := r.GetOrCreate("lounge")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}

	patch := orig
	patch.Model = "llama-3.2-1b.gguf"
	patch.Settings.Temperature = 0.2
	// A client trying to rewrite protected metadata gets ignored.
	patch.AutoDiscovered = false
	patch.FirstSeen = time.Time{}
	patch.ID = "something-else"

	updated, err := r.Update("lounge", patch)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if updated.Model != "llama-3.2-1b.gguf" {
		t.Errorf("model = %q, want updated value", updated.Model)
	}
	if updated.Settings.Temperature != 0.2 {
		t.Errorf("temperature = %v, want 0.2", updated.Settings.Temperature)
	}
	if updated.ID != "lounge" {
		t.Errorf("id = %q, must stay %q", updated.ID, "lounge")
	}
	if !updated.AutoDiscovered {
		t.Error("auto_discovered must be preserved across Update")
	}
	if !updated.FirstSeen.Equal(orig.FirstSeen) {
		t.Error("first_seen must be preserved across Update")
	}
}

func TestUpdate_NotFound(t *testing.T) {
	t.Parallel()

	r, _ := newRegistry(t)
	_, err := r.Update("nope", topic.Topic{})
	if fault.KindOf(err) != fault.KindNotFound {
		t.Errorf("kind = %v, want not_found", fault.KindOf(err))
	}
}

func TestUpdateHeartbeat_PreservesBackendLink(t *testing.T) {
	t.Parallel()

	r, path := newRegistry(t)
	if _, _, err := r.GetOrCreate("lounge"); err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if _, err := r.LinkBackend("lounge", "homeassistant_4f9a2c1b"); err != nil {
		t.Fatalf("LinkBackend: %v", err)
	}

	got, err := r.UpdateHeartbeat("lounge", topic.HeartbeatUpdate{
		Status:       "active",
		WakeWord:     "computer",
		TriggerCount: 7,
	})
	if err != nil {
		t.Fatalf("UpdateHeartbeat: %v", err)
	}

	if got.BackendID != "homeassistant_4f9a2c1b" {
		t.Errorf("backend_id = %q, heartbeat must never detach a backend", got.BackendID)
	}
	if got.Heartbeat.WakeWord != "computer" {
		t.Errorf("wake_word = %q, want %q", got.Heartbeat.WakeWord, "computer")
	}
	if got.Heartbeat.TriggerCount != 7 {
		t.Errorf("trigger_count = %d, want 7", got.Heartbeat.TriggerCount)
	}
	if got.Heartbeat.LastSeen.IsZero() {
		t.Error("last_seen should be stamped")
	}

	// The file on disk must also still record the link.
	onDisk := readTopicsFile(t, path)["lounge"]
	if onDisk.BackendID != "homeassistant_4f9a2c1b" {
		t.Errorf("backend_id on disk = %q, want preserved link", onDisk.BackendID)
	}
}

func TestUpdateHeartbeat_AutoCreates(t *testing.T) {
	t.Parallel()

	r, _ := newRegistry(t)

	got, err := r.UpdateHeartbeat("kitchen", topic.HeartbeatUpdate{Status: "active"})
	if err != nil {
		t.Fatalf("UpdateHeartbeat: %v", err)
	}
	if !got.AutoDiscovered {
		t.Error("heartbeat for unknown topic should auto-discover it")
	}
	if got.Model != "qwen3-0.6b.gguf" {
		t.Errorf("model = %q, want default", got.Model)
	}
}

func TestLinkBackend_DisablesStaticGrammar(t *testing.T) {
	t.Parallel()

	r, _ := newRegistry(t)
	orig, _, err := r.GetOrCreate("lounge")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	orig.Grammar = topic.Grammar{Enabled: true, File: "static.gbnf"}
	if _, err := r.Update("lounge", orig); err != nil {
		t.Fatalf("Update: %v", err)
	}

	linked, err := r.LinkBackend("lounge", "homeassistant_4f9a2c1b")
	if err != nil {
		t.Fatalf("LinkBackend: %v", err)
	}
	if linked.BackendID != "homeassistant_4f9a2c1b" {
		t.Errorf("backend_id = %q", linked.BackendID)
	}
	if linked.Grammar.Enabled {
		t.Error("static grammar must be disabled when a backend is attached")
	}

	// Detach clears the link without touching grammar.
	detached, err := r.LinkBackend("lounge", "")
	if err != nil {
		t.Fatalf("LinkBackend detach: %v", err)
	}
	if detached.BackendID != "" {
		t.Errorf("backend_id = %q, want empty after detach", detached.BackendID)
	}
}

func TestLinkBackend_NotFound(t *testing.T) {
	t.Parallel()

	r, _ := newRegistry(t)
	_, err := r.LinkBackend("nope", "homeassistant_4f9a2c1b")
	if fault.KindOf(err) != fault.KindNotFound {
		t.Errorf("kind = %v, want not_found", fault.KindOf(err))
	}
}

func TestMarkUsed(t *testing.T) {
	t.Parallel()

	r, _ := newRegistry(t)
	if _, _, err := r.GetOrCreate("lounge"); err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if err := r.MarkUsed("lounge"); err != nil {
		t.Fatalf("MarkUsed: %v", err)
	}
	got, err := r.Get("lounge")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.LastUsed.IsZero() {
		t.Error("last_used should be stamped")
	}
}

func TestDelete_GeneralRejected(t *testing.T) {
	t.Parallel()

	r, _ := newRegistry(t)
	err := r.Delete(topic.GeneralTopicID)
	if fault.KindOf(err) != fault.KindValidation {
		t.Errorf("kind = %v, want validation", fault.KindOf(err))
	}
	if _, err := r.Get(topic.GeneralTopicID); err != nil {
		t.Error("general topic must survive a delete attempt")
	}
}

func TestDelete(t *testing.T) {
	t.Parallel()

	r, _ := newRegistry(t)
	if _, _, err := r.GetOrCreate("lounge"); err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if err := r.Delete("lounge"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := r.Get("lounge"); fault.KindOf(err) != fault.KindNotFound {
		t.Error("topic should be gone after Delete")
	}
	if err := r.Delete("lounge"); fault.KindOf(err) != fault.KindNotFound {
		t.Errorf("second Delete kind = %v, want not_found", fault.KindOf(err))
	}
}

func TestList_SortedByID(t *testing.T) {
	t.Parallel()

	r, _ := newRegistry(t)
	for _, id := range []string{"zeta", "alpha", "lounge"} {
		if _, _, err := r.GetOrCreate(id); err != nil {
			t.Fatalf("GetOrCreate(%s): %v", id, err)
		}
	}

	list := r.List()
	if len(list) != 4 { // three created plus general
		t.Fatalf("len(List) = %d, want 4", len(list))
	}
	want := []string{"alpha", "general", "lounge", "zeta"}
	for i, tp := range list {
		if tp.ID != want[i] {
			t.Errorf("List[%d].ID = %q, want %q", i, tp.ID, want[i])
		}
	}
}
