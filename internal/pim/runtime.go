package pim

import (
	"time"

	"github.com/google/uuid"
)

// Clock is the engine's and session manager's only source of time.
type Clock interface {
	Now() time.Time
}

// RealClock reads the wall clock.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// IDGenerator names sessions and subscribers. Entity IDs come from the
// database, not from here.
type IDGenerator interface {
	New() string
}

// UUIDGenerator produces version 7 UUIDs, so IDs sort by creation time in
// logs. It falls back to a random version 4 UUID if v7 generation fails.
type UUIDGenerator struct{}

func (UUIDGenerator) New() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Logger is the structured logger every component takes. args alternate
// keys and values as in log/slog.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// NopLogger discards everything.
type NopLogger struct{}

func NewNopLogger() *NopLogger { return &NopLogger{} }

func (*NopLogger) Debug(string, ...any) {}
func (*NopLogger) Info(string, ...any)  {}
func (*NopLogger) Warn(string, ...any)  {}
func (*NopLogger) Error(string, ...any) {}
