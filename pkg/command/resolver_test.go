package command

import (
	"reflect"
	"testing"
)

func TestResolve(t *testing.T) {
	t.Parallel()

	r := NewResolver(nil)
	tests := []struct {
		name      string
		input     string
		isCommand bool
		key       Key
		args      []string
		prefix    string
	}{
		{name: "empty", input: "", isCommand: false},
		{name: "whitespace", input: "   \t\n", isCommand: false},
		{name: "plain text", input: "hello there", isCommand: false},
		{name: "primary with lot", input: "#up LOT-5", isCommand: true, key: KeyUpload, args: []string{"LOT-5"}, prefix: "#up"},
		{name: "upper case", input: "#VIEW  LOT-1   2026-10-01", isCommand: true, key: KeyView, args: []string{"LOT-1", "2026-10-01"}, prefix: "#view"},
		{name: "thai alias", input: "#ยกเลิก", isCommand: true, key: KeyCancel, args: []string{}, prefix: "#ยกเลิก"},
		{name: "slash alias", input: "/start", isCommand: true, key: KeyHelp, args: []string{}, prefix: "/start"},
		{name: "slash with bot mention", input: "/up@lot_bot A1", isCommand: true, key: KeyUpload, args: []string{"A1"}, prefix: "/up"},
		{name: "leading whitespace", input: "  #cancel", isCommand: true, key: KeyCancel, args: []string{}, prefix: "#cancel"},
		{name: "token must be first", input: "please #cancel", isCommand: false},
		{name: "hash mention not stripped", input: "#up@x", isCommand: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := r.Resolve(tt.input)
			if got.IsCommand != tt.isCommand {
				t.Fatalf("Resolve(%q).IsCommand = %v, want %v", tt.input, got.IsCommand, tt.isCommand)
			}
			if !tt.isCommand {
				return
			}
			if got.Key != tt.key {
				t.Fatalf("Resolve(%q).Key = %q, want %q", tt.input, got.Key, tt.key)
			}
			if !reflect.DeepEqual(got.Args, tt.args) {
				t.Fatalf("Resolve(%q).Args = %#v, want %#v", tt.input, got.Args, tt.args)
			}
			if got.Prefix != tt.prefix {
				t.Fatalf("Resolve(%q).Prefix = %q, want %q", tt.input, got.Prefix, tt.prefix)
			}
			if got.OriginalText != tt.input {
				t.Fatalf("Resolve(%q).OriginalText = %q", tt.input, got.OriginalText)
			}
		})
	}
}

func TestIsCancel(t *testing.T) {
	t.Parallel()

	r := NewResolver(nil)
	for _, input := range []string{"#cancel", "#ยกเลิก", "/cancel", "/CANCEL@bot"} {
		if !r.IsCancel(input) {
			t.Fatalf("IsCancel(%q) = false, want true", input)
		}
	}
	if r.IsCancel("#up") {
		t.Fatal("IsCancel(#up) = true, want false")
	}
}

func TestPendingArg(t *testing.T) {
	t.Parallel()

	p := Pending{Args: []string{"a"}}
	if p.Arg(0) != "a" || p.Arg(1) != "" || p.Arg(-1) != "" {
		t.Fatalf("unexpected Arg results for %#v", p)
	}
}

func TestTableCollisionLastRegisteredWins(t *testing.T) {
	t.Parallel()

	table := NewTable(
		AliasSet{Name: "primary", Entries: []Alias{{Key: KeyView, Tokens: []string{"#v"}}}},
		AliasSet{Name: "locale", Entries: []Alias{{Key: KeyCorrect, Tokens: []string{"#V"}}}},
	)

	key, ok := table.Lookup("#v")
	if !ok || key != KeyCorrect {
		t.Fatalf("Lookup(#v) = %q, %v; want %q", key, ok, KeyCorrect)
	}

	collisions := table.Collisions()
	if len(collisions) != 1 {
		t.Fatalf("collisions = %#v, want 1", collisions)
	}
	want := Collision{Token: "#v", Previous: KeyView, Winner: KeyCorrect, Set: "locale"}
	if collisions[0] != want {
		t.Fatalf("collision = %#v, want %#v", collisions[0], want)
	}
	if tokens := table.Tokens(KeyView); len(tokens) != 0 {
		t.Fatalf("Tokens(view) = %#v, want none", tokens)
	}
}

func TestDefaultTableHasNoCollisions(t *testing.T) {
	t.Parallel()

	if collisions := DefaultTable().Collisions(); len(collisions) != 0 {
		t.Fatalf("default table collisions = %#v", collisions)
	}
}

func TestTablePrimary(t *testing.T) {
	t.Parallel()

	table := DefaultTable()
	if got := table.Primary(KeyUpload); got != "#up" {
		t.Fatalf("Primary(upload) = %q, want #up", got)
	}
	if got := table.Primary(Key("nope")); got != "" {
		t.Fatalf("Primary(unknown) = %q, want empty", got)
	}
}
