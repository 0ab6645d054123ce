package testutil

import (
	"testing"

	"pimstore/internal/blob"
	"pimstore/internal/database"
	"pimstore/internal/payload"
	"pimstore/internal/pim"
)

// EngineEnv bundles an Engine with the collaborators tests inspect.
type EngineEnv struct {
	Engine   *pim.Engine
	DB       *database.SQLDatabase
	Blobs    *blob.MemoryBlobStore
	Payloads *payload.Store
	Events   *EventRecorder
	Clock    *StubClock
}

// NewTestEngine creates an Engine over an in-memory database and blob
// store. Payloads larger than threshold bytes are externalized with zstd.
func NewTestEngine(t *testing.T, threshold int) *EngineEnv {
	t.Helper()

	db := NewTestDatabase(t, "")
	blobs := blob.NewMemoryBlobStore()
	payloads, err := payload.NewStore(blobs, nil, pim.NewNopLogger(), payload.Options{
		Threshold:   threshold,
		Compression: "zstd",
	})
	if err != nil {
		t.Fatalf("failed to create payload store: %v", err)
	}

	env := &EngineEnv{
		DB:       db,
		Blobs:    blobs,
		Payloads: payloads,
		Events:   NewEventRecorder(),
		Clock:    FixedClock(),
	}
	env.Engine = pim.NewEngine(db, payloads, env.Events, pim.NewNopLogger(), env.Clock)
	return env
}
