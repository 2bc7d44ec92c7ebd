package hazard

import "testing"

func TestOrdinalMappingIsStable(t *testing.T) {
	expected := []string{"tsunami", "storm_surge", "high_waves", "flooding", "debris", "pollution", "erosion", "wildlife", "other"}
	if Count != len(expected) {
		t.Fatalf("expected %d classes, got %d", len(expected), Count)
	}
	for i, name := range expected {
		c, err := FromIndex(i)
		if err != nil {
			t.Fatalf("FromIndex(%d): %v", i, err)
		}
		if string(c) != name {
			t.Fatalf("index %d: expected %s, got %s", i, name, c)
		}
		if c.Index() != i {
			t.Fatalf("%s: expected index %d, got %d", c, i, c.Index())
		}
	}
	if _, err := FromIndex(Count); err == nil {
		t.Fatal("expected error for out of range index")
	}
}

func TestParseAcceptsFrontendSpellings(t *testing.T) {
	cases := map[string]Class{
		"storm-surge": StormSurge,
		"High-Waves":  HighWaves,
		" tsunami ":   Tsunami,
		"storm_surge": StormSurge,
		"high waves":  HighWaves,
		"WILDLIFE":    Wildlife,
	}
	for input, want := range cases {
		got, err := Parse(input)
		if err != nil {
			t.Fatalf("Parse(%q): %v", input, err)
		}
		if got != want {
			t.Fatalf("Parse(%q) = %s, want %s", input, got, want)
		}
	}
	if _, err := Parse("volcano"); err == nil {
		t.Fatal("expected error for unknown hazard type")
	}
}

func TestCoerceFallsBackToOther(t *testing.T) {
	if got := Coerce("volcano"); got != Other {
		t.Fatalf("expected other, got %s", got)
	}
	if got := Coerce(""); got != Other {
		t.Fatalf("expected other for empty name, got %s", got)
	}
	if got := Coerce("flooding"); got != Flooding {
		t.Fatalf("expected flooding, got %s", got)
	}
}
