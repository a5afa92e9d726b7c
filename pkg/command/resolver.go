package command

import "strings"

// Pending is a recognized command waiting to be dispatched.
type Pending struct {
	Key          Key
	Args         []string
	Prefix       string
	OriginalText string
}

// Result is the outcome of resolving one text message. A zero Result means
// "not a command", which is not an error.
type Result struct {
	IsCommand bool
	Pending
}

// Arg returns the i-th argument or "".
func (p Pending) Arg(i int) string {
	if i < 0 || i >= len(p.Args) {
		return ""
	}
	return p.Args[i]
}

// Resolver turns raw text into a command using an alias table.
type Resolver struct {
	table *Table
}

// NewResolver builds a resolver over table. A nil table uses DefaultTable.
func NewResolver(table *Table) *Resolver {
	if table == nil {
		table = DefaultTable()
	}
	return &Resolver{table: table}
}

// Table exposes the alias table for help rendering.
func (r *Resolver) Table() *Table {
	return r.table
}

// Resolve looks up the first whitespace-delimited token of text.
func (r *Resolver) Resolve(text string) Result {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return Result{}
	}

	token := normalizeToken(fields[0])
	key, ok := r.table.Lookup(token)
	if !ok {
		return Result{}
	}

	return Result{
		IsCommand: true,
		Pending: Pending{
			Key:          key,
			Args:         fields[1:],
			Prefix:       token,
			OriginalText: text,
		},
	}
}

// IsCancel reports whether text resolves to the cancel command.
func (r *Resolver) IsCancel(text string) bool {
	result := r.Resolve(text)
	return result.IsCommand && result.Key == KeyCancel
}

// normalizeToken lower-cases a token and drops a Telegram "@botname"
// mention from slash commands.
func normalizeToken(raw string) string {
	token := strings.ToLower(raw)
	if strings.HasPrefix(token, "/") {
		if at := strings.IndexByte(token, '@'); at > 0 {
			token = token[:at]
		}
	}
	return token
}
