package types

import "testing"

func TestParseEventKind(t *testing.T) {
	tests := []struct {
		input   string
		want    EventKind
		wantErr bool
	}{
		{"health", EventHealth, false},
		{"  KILL ", EventKill, false},
		{"tf2_headshot", EventHeadshot, false},
		{"TF2_REVENGED", EventRevenge, false},
		{"flag_pickup", EventFlagPickup, false},
		{"deaths", EventDeath, false},
		{"", "", true},
		{"tf2_", "", true},
		{"bomb_plant", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseEventKind(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseEventKind(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseEventKind(%q) = %s, want %s", tt.input, got, tt.want)
			}
		})
	}
}

func TestCatalog(t *testing.T) {
	seen := make(map[EventKind]bool)
	numeric := 0

	for _, info := range Catalog() {
		if seen[info.Kind] {
			t.Errorf("duplicate kind %s in catalog", info.Kind)
		}
		seen[info.Kind] = true
		if info.Description == "" {
			t.Errorf("kind %s has no description", info.Kind)
		}
		if info.Numeric {
			numeric++
		}
	}

	if numeric != 3 {
		t.Errorf("expected 3 numeric kinds, got %d", numeric)
	}
	for _, k := range []EventKind{EventHealth, EventArmor, EventAmmo} {
		if !k.Numeric() {
			t.Errorf("%s should be numeric", k)
		}
	}
	if EventKill.Numeric() {
		t.Error("kill should not be numeric")
	}
	if EventKind("bogus").Valid() {
		t.Error("unknown kind should not be valid")
	}
}

func TestCatalogIsCopy(t *testing.T) {
	c := Catalog()
	c[0].Kind = "mutated"

	if Catalog()[0].Kind != EventHealth {
		t.Error("Catalog() must return a copy")
	}
}

func TestClassifiedEventHasValue(t *testing.T) {
	if (ClassifiedEvent{Kind: EventKill}).HasValue() {
		t.Error("kill without value reported HasValue")
	}
	ev := ClassifiedEvent{Kind: EventHealth, Value: IntPtr(85)}
	if !ev.HasValue() || *ev.Value != 85 {
		t.Errorf("unexpected value %+v", ev.Value)
	}
}
