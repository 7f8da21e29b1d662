package grammar_test

import (
	"slices"
	"testing"

	"github.com/2oby/orac-core/internal/backend"
	"github.com/2oby/orac-core/internal/grammar"
)

func TestParseLists_RoundTrip(t *testing.T) {
	t.Parallel()

	art, err := grammar.Generate(record(map[string]backend.DeviceMapping{
		"light.kitchen":   {Enabled: true, DeviceType: "lights", Location: "kitchen"},
		"cover.lounge":    {Enabled: true, DeviceType: "blinds", Location: "living room"},
		"climate.kitchen": {Enabled: true, DeviceType: "heating", Location: "kitchen"},
	}))
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	lists := grammar.ParseLists(art.Text)

	if want := []string{"blinds", "heating", "lights", "UNKNOWN"}; !slices.Equal(lists.Devices, want) {
		t.Errorf("devices = %v, want %v", lists.Devices, want)
	}
	if want := []string{"kitchen", "living room", "UNKNOWN"}; !slices.Equal(lists.Locations, want) {
		t.Errorf("locations = %v, want %v", lists.Locations, want)
	}

	// Quoted palette entries only; the set-pct and set-temp references are
	// rule names, not literals.
	if !slices.Contains(lists.Actions, "toggle") || !slices.Contains(lists.Actions, "UNKNOWN") {
		t.Errorf("actions = %v, want the simple palette", lists.Actions)
	}
	if slices.Contains(lists.Actions, "set-pct") || slices.Contains(lists.Actions, "set-temp") {
		t.Errorf("actions = %v, rule references should not appear", lists.Actions)
	}
	if len(lists.Actions) != 16 {
		t.Errorf("len(actions) = %d, want 16", len(lists.Actions))
	}
}

func TestParseLists_IgnoresUnrelatedText(t *testing.T) {
	t.Parallel()

	lists := grammar.ParseLists("# comment only\nroot ::= \"{\\\"device\\\":\\\"\" device\nnonsense\n")
	if lists.Devices != nil || lists.Actions != nil || lists.Locations != nil {
		t.Errorf("lists = %+v, want empty", lists)
	}
}

func TestParseLists_UnescapesLiterals(t *testing.T) {
	t.Parallel()

	lists := grammar.ParseLists(`location ::= "nook \"a\"" | "UNKNOWN"` + "\n")
	if want := []string{`nook "a"`, "UNKNOWN"}; !slices.Equal(lists.Locations, want) {
		t.Errorf("locations = %v, want %v", lists.Locations, want)
	}
}
