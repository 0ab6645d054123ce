package backend

import (
	"strconv"
	"strings"
)

// Backend identifies a SQL engine. The set is closed; anything the lookup
// table does not know about is Unknown.
type Backend int

const (
	Unknown Backend = iota
	SQLite
	PostgreSQL
	MySQL
)

func (b Backend) String() string {
	switch b {
	case SQLite:
		return "sqlite"
	case PostgreSQL:
		return "postgresql"
	case MySQL:
		return "mysql"
	default:
		return "unknown"
	}
}

// PlaceholderStyle is the bind-parameter syntax a backend accepts.
type PlaceholderStyle int

const (
	// PlaceholderQuestion uses "?" for every parameter.
	PlaceholderQuestion PlaceholderStyle = iota
	// PlaceholderDollar uses "$1", "$2", ...
	PlaceholderDollar
)

// Capabilities describes the transactional and dialect features of a backend.
// The storage layer consults this descriptor instead of comparing driver names.
type Capabilities struct {
	Backend Backend

	// RowLocking reports whether SELECT ... FOR UPDATE can serialize a
	// read-modify-write of a single row inside a transaction.
	RowLocking bool

	// InlineThreshold is the largest payload, in bytes, kept inline in the
	// parts table before externalization is preferred.
	InlineThreshold int

	// MultiStatementTx reports whether several statements can share one
	// transaction.
	MultiStatementTx bool

	// ForUpdateClause is appended to a row read when RowLocking is set.
	ForUpdateClause string

	Placeholder PlaceholderStyle
}

var profiles = map[Backend]Capabilities{
	SQLite: {
		Backend:          SQLite,
		RowLocking:       false,
		InlineThreshold:  4096,
		MultiStatementTx: true,
		Placeholder:      PlaceholderQuestion,
	},
	PostgreSQL: {
		Backend:          PostgreSQL,
		RowLocking:       true,
		InlineThreshold:  4096,
		MultiStatementTx: true,
		ForUpdateClause:  " FOR UPDATE",
		Placeholder:      PlaceholderDollar,
	},
	MySQL: {
		Backend:          MySQL,
		RowLocking:       true,
		InlineThreshold:  4096,
		MultiStatementTx: true,
		ForUpdateClause:  " FOR UPDATE",
		Placeholder:      PlaceholderQuestion,
	},
	Unknown: {
		Backend:          Unknown,
		RowLocking:       false,
		InlineThreshold:  1024,
		MultiStatementTx: false,
		Placeholder:      PlaceholderQuestion,
	},
}

// driverBackends maps database/sql driver names (lower-cased) to backends.
var driverBackends = map[string]Backend{
	"sqlite3":    SQLite,
	"sqlite":     SQLite,
	"postgres":   PostgreSQL,
	"postgresql": PostgreSQL,
	"pgx":        PostgreSQL,
	"mysql":      MySQL,
	"mariadb":    MySQL,
}

// Lookup returns the capability profile for a driver identifier. Matching is
// case-insensitive; unrecognized identifiers get the Unknown profile.
func Lookup(driverName string) Capabilities {
	b, ok := driverBackends[strings.ToLower(strings.TrimSpace(driverName))]
	if !ok {
		b = Unknown
	}
	return profiles[b]
}

// ForBackend returns the profile for an already-identified backend.
func ForBackend(b Backend) Capabilities {
	p, ok := profiles[b]
	if !ok {
		return profiles[Unknown]
	}
	return p
}

// Rebind rewrites "?" placeholders in query to the backend's style.
// Question marks inside single-quoted literals are left alone.
func (c Capabilities) Rebind(query string) string {
	if c.Placeholder != PlaceholderDollar {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	inQuote := false
	for i := 0; i < len(query); i++ {
		ch := query[i]
		switch {
		case ch == '\'':
			inQuote = !inQuote
			b.WriteByte(ch)
		case ch == '?' && !inQuote:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteByte(ch)
		}
	}
	return b.String()
}

// LockClause returns the clause to append to a row read that must hold the
// row until commit, or "" when the backend cannot lock rows.
func (c Capabilities) LockClause() string {
	if !c.RowLocking {
		return ""
	}
	return c.ForUpdateClause
}
