package match

import "testing"

func TestNormalize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Hola", "hola"},
		{"  MENU  ", "menu"},
		{"Holá", "hola"},
		{"Café", "cafe"},
		{"ÀÉÎÕÜ", "aeiou"},
		{"already plain", "already plain"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := Normalize(tt.in); got != tt.want {
			t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
		}
		// Idempotence
		if got := Normalize(Normalize(tt.in)); got != tt.want {
			t.Errorf("Normalize(Normalize(%q)) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestTriggered(t *testing.T) {
	tests := []struct {
		trigger string
		mc      Context
		want    bool
	}{
		{"hola", Context{FullText: "hola"}, true},
		{"hola", Context{FullText: "HOLA amigo"}, true},
		{"hola", Context{FullText: "adios"}, false},
		{"default", Context{FullText: "anything at all"}, true},
		{"menu", Context{InteractiveTitle: "Main Menu"}, true},
		{"opt-1", Context{InteractiveID: "opt-1"}, true},
		{"", Context{FullText: "hola"}, false},
		{"café", Context{FullText: "CAFE por favor"}, true},
	}
	for _, tt := range tests {
		if got := Triggered(tt.trigger, tt.mc); got != tt.want {
			t.Errorf("Triggered(%q, %+v) = %v, want %v", tt.trigger, tt.mc, got, tt.want)
		}
	}
}

func TestBest(t *testing.T) {
	cands := []Candidate{
		{Trigger: "default", UpdatedAt: 1},
		{Trigger: "pedido", UpdatedAt: 2},
		{Trigger: "hola", UpdatedAt: 3},
	}

	tests := []struct {
		name string
		mc   Context
		want int
	}{
		{"exact keyword", Context{FullText: "hola"}, 2},
		{"keyword inside sentence", Context{FullText: "quiero hacer un pedido ya"}, 1},
		{"no match falls to default", Context{FullText: "zzz"}, 0},
		{"interactive id match", Context{InteractiveID: "pedido"}, 1},
		{"diacritics fold", Context{FullText: "HOLÁ"}, 2},
	}
	for _, tt := range tests {
		if got := Best(cands, tt.mc); got != tt.want {
			t.Errorf("%s: Best() = %d, want %d", tt.name, got, tt.want)
		}
	}
}

func TestBestTieBreak(t *testing.T) {
	// Both triggers match a token; the more recently updated wins.
	cands := []Candidate{
		{Trigger: "promo", UpdatedAt: 10},
		{Trigger: "code", UpdatedAt: 20},
	}
	if got := Best(cands, Context{FullText: "promo code"}); got != 1 {
		t.Errorf("Best(tie) = %d, want 1 (most recently updated)", got)
	}
	// Same tie with reversed recency.
	cands[0].UpdatedAt = 30
	if got := Best(cands, Context{FullText: "promo code"}); got != 0 {
		t.Errorf("Best(tie, reversed) = %d, want 0", got)
	}
}

func TestBestEdgeCases(t *testing.T) {
	if got := Best(nil, Context{FullText: "x"}); got != -1 {
		t.Errorf("Best(empty) = %d, want -1", got)
	}
	// All-blank triggers still resolve to the first candidate.
	cands := []Candidate{{Trigger: ""}, {Trigger: "  "}}
	if got := Best(cands, Context{FullText: "x"}); got != 0 {
		t.Errorf("Best(blank triggers) = %d, want 0", got)
	}
}
