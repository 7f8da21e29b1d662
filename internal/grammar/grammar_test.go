package grammar_test

import (
	"errors"
	"slices"
	"strings"
	"testing"

	"github.com/2oby/orac-core/internal/backend"
	"github.com/2oby/orac-core/internal/fault"
	"github.com/2oby/orac-core/internal/grammar"
)

func record(mappings map[string]backend.DeviceMapping) *backend.Record {
	return &backend.Record{
		ID:             "homeassistant_4f9a2c1b",
		Name:           "Home",
		Type:           "homeassistant",
		DeviceMappings: mappings,
	}
}

const wantKitchenGrammar = `# Device grammar for backend homeassistant_4f9a2c1b.
# 2 device types, 1 locations, 2 valid pairs.

root ::= "{\"device\":\"" device "\",\"action\":\"" action "\",\"location\":\"" location "\"}"
device ::= "heating" | "lights" | "UNKNOWN"
location ::= "kitchen" | "UNKNOWN"
action ::= "on" | "off" | "toggle" | "open" | "close" | "up" | "down" | "high" | "low" | "medium" | "warm" | "cold" | "hot" | "loud" | "quiet" | "UNKNOWN" | set-pct | set-temp
set-pct ::= "set" ws pct "%"
set-temp ::= "set" ws temp "C"
pct ::= "0" | "10" | "20" | "30" | "40" | "50" | "60" | "70" | "80" | "90" | "100"
temp ::= "5" | "6" | "7" | "8" | "9" | "10" | "11" | "12" | "13" | "14" | "15" | "16" | "17" | "18" | "19" | "20" | "21" | "22" | "23" | "24" | "25" | "26" | "27" | "28" | "29" | "30"
ws ::= [ ]+
`

func TestGenerate_FullText(t *testing.T) {
	t.Parallel()

	art, err := grammar.Generate(record(map[string]backend.DeviceMapping{
		"light.kitchen":   {Enabled: true, DeviceType: "Lights", Location: "Kitchen"},
		"climate.kitchen": {Enabled: true, DeviceType: "heating", Location: "kitchen"},
	}))
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if art.Text != wantKitchenGrammar {
		t.Errorf("grammar text mismatch:\n--- got ---\n%s\n--- want ---\n%s", art.Text, wantKitchenGrammar)
	}
}

func TestGenerate_ByteIdenticalRegeneration(t *testing.T) {
	t.Parallel()

	rec := record(map[string]backend.DeviceMapping{
		"light.lounge":    {Enabled: true, DeviceType: "lights", Location: "lounge"},
		"cover.lounge":    {Enabled: true, DeviceType: "blinds", Location: "lounge"},
		"light.bathroom":  {Enabled: true, DeviceType: "lights", Location: "bathroom"},
		"climate.bedroom": {Enabled: true, DeviceType: "heating", Location: "bedroom"},
	})

	first, err := grammar.Generate(rec)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	for range 5 {
		again, err := grammar.Generate(rec)
		if err != nil {
			t.Fatalf("Generate: %v", err)
		}
		if again.Text != first.Text {
			t.Fatal("regeneration with unchanged mappings must be byte-identical")
		}
	}
}

func TestGenerate_ExcludesIneligibleMappings(t *testing.T) {
	t.Parallel()

	art, err := grammar.Generate(record(map[string]backend.DeviceMapping{
		"light.kitchen": {Enabled: true, DeviceType: "lights", Location: "kitchen"},
		"light.cellar":  {Enabled: false, DeviceType: "lights", Location: "cellar"},
		"light.strip":   {Enabled: true, DeviceType: "lights", Location: ""},
		"sensor.hall":   {Enabled: true, DeviceType: "", Location: "hall"},
	}))
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	for _, absent := range []string{"cellar", "hall"} {
		if strings.Contains(art.Text, absent) {
			t.Errorf("grammar should not mention %q", absent)
		}
	}
	if art.Stats.PairCount != 1 {
		t.Errorf("pair count = %d, want 1", art.Stats.PairCount)
	}
}

func TestGenerate_NoEligibleMappings(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		mappings map[string]backend.DeviceMapping
	}{
		{"empty store", map[string]backend.DeviceMapping{}},
		{"all disabled", map[string]backend.DeviceMapping{
			"light.kitchen": {Enabled: false, DeviceType: "lights", Location: "kitchen"},
		}},
		{"all incomplete", map[string]backend.DeviceMapping{
			"light.kitchen": {Enabled: true, DeviceType: "lights"},
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := grammar.Generate(record(tc.mappings))
			if !errors.Is(err, grammar.ErrNoMappings) {
				t.Errorf("err = %v, want ErrNoMappings", err)
			}
			if fault.KindOf(err) != fault.KindValidation {
				t.Errorf("kind = %v, want validation", fault.KindOf(err))
			}
		})
	}
}

func TestGenerate_Stats(t *testing.T) {
	t.Parallel()

	art, err := grammar.Generate(record(map[string]backend.DeviceMapping{
		"light.kitchen":   {Enabled: true, DeviceType: "lights", Location: "kitchen"},
		"light.island":    {Enabled: true, DeviceType: "lights", Location: "kitchen"},
		"climate.kitchen": {Enabled: true, DeviceType: "heating", Location: "kitchen"},
		"light.lounge":    {Enabled: true, DeviceType: "lights", Location: "lounge"},
	}))
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	if !slices.Equal(art.Stats.DeviceTypes, []string{"heating", "lights"}) {
		t.Errorf("device types = %v", art.Stats.DeviceTypes)
	}
	if !slices.Equal(art.Stats.Locations, []string{"kitchen", "lounge"}) {
		t.Errorf("locations = %v", art.Stats.Locations)
	}
	// Two entities sharing (lights, kitchen) yield one pair.
	want := []grammar.Pair{
		{DeviceType: "heating", Location: "kitchen"},
		{DeviceType: "lights", Location: "kitchen"},
		{DeviceType: "lights", Location: "lounge"},
	}
	if !slices.Equal(art.Stats.Pairs, want) {
		t.Errorf("pairs = %v, want %v", art.Stats.Pairs, want)
	}
	if art.Stats.DeviceCount != 2 || art.Stats.LocationCount != 2 || art.Stats.PairCount != 3 {
		t.Errorf("counts = %d/%d/%d", art.Stats.DeviceCount, art.Stats.LocationCount, art.Stats.PairCount)
	}
}

func TestGenerate_EscapesLabels(t *testing.T) {
	t.Parallel()

	art, err := grammar.Generate(record(map[string]backend.DeviceMapping{
		"light.odd": {Enabled: true, DeviceType: `lights`, Location: `nook "a"`},
	}))
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if !strings.Contains(art.Text, `"nook \"a\""`) {
		t.Errorf("quotes in labels should be escaped, got:\n%s", art.Text)
	}
}
