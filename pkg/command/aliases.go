package command

import "strings"

// Key is the canonical identity of a command, independent of the surface
// token the user typed.
type Key string

const (
	KeyUpload  Key = "upload"
	KeyView    Key = "view"
	KeyDelete  Key = "delete"
	KeyCorrect Key = "correct"
	KeyHelp    Key = "help"
	KeyCancel  Key = "cancel"
	KeyStatus  Key = "status"
)

// Alias binds surface tokens to one command key.
type Alias struct {
	Key    Key
	Tokens []string
}

// AliasSet is one registration source, e.g. the primary prefix table or a
// locale table. Entries are applied in order.
type AliasSet struct {
	Name    string
	Entries []Alias
}

// Collision records a surface token registered twice. The later
// registration wins.
type Collision struct {
	Token    string
	Previous Key
	Winner   Key
	Set      string
}

// Table maps every surface token to one canonical key. It is built once at
// startup and read-only afterwards.
type Table struct {
	byToken    map[string]Key
	tokens     map[Key][]string
	collisions []Collision
}

// PrimarySet is the "#"-prefixed command table.
func PrimarySet() AliasSet {
	return AliasSet{
		Name: "primary",
		Entries: []Alias{
			{Key: KeyUpload, Tokens: []string{"#up", "#upload"}},
			{Key: KeyView, Tokens: []string{"#view", "#v"}},
			{Key: KeyDelete, Tokens: []string{"#delete", "#del"}},
			{Key: KeyCorrect, Tokens: []string{"#correct", "#fix"}},
			{Key: KeyHelp, Tokens: []string{"#help"}},
			{Key: KeyCancel, Tokens: []string{"#cancel"}},
			{Key: KeyStatus, Tokens: []string{"#status"}},
		},
	}
}

// ThaiSet is the Thai locale alias table.
func ThaiSet() AliasSet {
	return AliasSet{
		Name: "th",
		Entries: []Alias{
			{Key: KeyUpload, Tokens: []string{"#อัพ", "#อัปโหลด"}},
			{Key: KeyView, Tokens: []string{"#ดู"}},
			{Key: KeyDelete, Tokens: []string{"#ลบ"}},
			{Key: KeyCorrect, Tokens: []string{"#แก้", "#แก้ไข"}},
			{Key: KeyHelp, Tokens: []string{"#ช่วย", "#วิธีใช้"}},
			{Key: KeyCancel, Tokens: []string{"#ยกเลิก"}},
			{Key: KeyStatus, Tokens: []string{"#สถานะ"}},
		},
	}
}

// SlashSet is the Telegram-style slash command table.
func SlashSet() AliasSet {
	return AliasSet{
		Name: "slash",
		Entries: []Alias{
			{Key: KeyUpload, Tokens: []string{"/up", "/upload"}},
			{Key: KeyView, Tokens: []string{"/view"}},
			{Key: KeyDelete, Tokens: []string{"/delete"}},
			{Key: KeyCorrect, Tokens: []string{"/correct"}},
			{Key: KeyHelp, Tokens: []string{"/help", "/start"}},
			{Key: KeyCancel, Tokens: []string{"/cancel"}},
			{Key: KeyStatus, Tokens: []string{"/status"}},
		},
	}
}

// DefaultTable merges the primary, Thai and slash tables in that order.
func DefaultTable() *Table {
	return NewTable(PrimarySet(), ThaiSet(), SlashSet())
}

// NewTable merges alias sets. Tokens are lower-cased; a token registered
// twice maps to the last registration and is reported by Collisions.
func NewTable(sets ...AliasSet) *Table {
	t := &Table{
		byToken: make(map[string]Key),
		tokens:  make(map[Key][]string),
	}

	for _, set := range sets {
		for _, alias := range set.Entries {
			for _, raw := range alias.Tokens {
				token := strings.ToLower(strings.TrimSpace(raw))
				if token == "" {
					continue
				}

				if previous, ok := t.byToken[token]; ok {
					t.collisions = append(t.collisions, Collision{
						Token:    token,
						Previous: previous,
						Winner:   alias.Key,
						Set:      set.Name,
					})
					t.tokens[previous] = removeToken(t.tokens[previous], token)
				}

				t.byToken[token] = alias.Key
				t.tokens[alias.Key] = append(t.tokens[alias.Key], token)
			}
		}
	}

	return t
}

// Lookup returns the key for an already-normalized token.
func (t *Table) Lookup(token string) (Key, bool) {
	key, ok := t.byToken[token]
	return key, ok
}

// Primary returns the first registered token for key, used in help text.
func (t *Table) Primary(key Key) string {
	tokens := t.tokens[key]
	if len(tokens) == 0 {
		return ""
	}
	return tokens[0]
}

// Tokens returns every surface token currently mapped to key.
func (t *Table) Tokens(key Key) []string {
	return append([]string(nil), t.tokens[key]...)
}

// Collisions lists tokens that were registered more than once.
func (t *Table) Collisions() []Collision {
	return append([]Collision(nil), t.collisions...)
}

func removeToken(tokens []string, token string) []string {
	out := tokens[:0]
	for _, existing := range tokens {
		if existing != token {
			out = append(out, existing)
		}
	}
	return out
}
