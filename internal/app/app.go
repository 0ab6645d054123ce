// Package app wires the storage engine, payload tiers, sessions,
// notifications and background tasks together and exposes the
// session-scoped operations clients call.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"pimstore/internal/blob"
	"pimstore/internal/config"
	"pimstore/internal/database"
	"pimstore/internal/encryption"
	"pimstore/internal/notify"
	"pimstore/internal/payload"
	"pimstore/internal/pim"
	"pimstore/internal/session"
	"pimstore/internal/taskqueue"
)

// gcTimeout bounds how long CollectGarbage waits for the executor.
const gcTimeout = 5 * time.Minute

// Options tune an App beyond what the config file holds.
type Options struct {
	// Passphrase protects the age identity file. May be empty.
	Passphrase string

	// LogLevel is the lowest level written to the log.
	LogLevel slog.Level
}

// App owns every component and is the protocol boundary: operations take
// the caller's session cookie, validate it, and tag resulting change events
// with the session's ID.
type App struct {
	cfg      *config.Config
	db       *database.SQLDatabase
	blobs    pim.BlobStore
	payloads *payload.Store
	engine   *pim.Engine
	bus      *notify.Bus
	sessions *session.Manager
	tasks    *taskqueue.Queue
	logger   pim.Logger
	logFile  *os.File

	// Mutations hold the read side; garbage collection holds the write
	// side so it never sees a blob whose row is not committed yet.
	mutating sync.RWMutex
}

// NewApp creates a fully wired App from the given config. File databases
// must already be migrated. The caller must call Close when done.
func NewApp(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	runID := time.Now().UTC().Format("20060102T150405Z")
	l, logFile, err := newLogger(cfg.LogDir, runID, opts.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	logger := &slogAdapter{l: l}
	closeLog := func() {
		if logFile != nil {
			logFile.Close()
		}
	}

	blobs, err := blob.NewBlobStoreFromConfig(ctx, cfg.Blob)
	if err != nil {
		closeLog()
		return nil, fmt.Errorf("creating blob store: %w", err)
	}
	if err := blobs.ValidateSetup(); err != nil {
		closeLog()
		return nil, fmt.Errorf("validating blob store: %w", err)
	}

	enc, err := encryption.NewEncryptorFromConfig(cfg.Encryption, opts.Passphrase)
	if err != nil {
		closeLog()
		return nil, fmt.Errorf("creating encryptor: %w", err)
	}
	if enc != nil {
		if err := enc.Setup(); err != nil {
			closeLog()
			return nil, fmt.Errorf("setting up encryption: %w", err)
		}
	}

	db, err := database.NewDatabaseFromConfig(cfg.Database)
	if err != nil {
		closeLog()
		return nil, fmt.Errorf("creating database: %w", err)
	}
	if err := db.CheckMigrations(); err != nil {
		db.Close()
		closeLog()
		return nil, fmt.Errorf("database schema out of date: %w", err)
	}

	caps := db.Capabilities()
	threshold := cfg.Payload.InlineThreshold
	if threshold <= 0 {
		threshold = caps.InlineThreshold
	}
	payloads, err := payload.NewStore(blobs, enc, logger, payload.Options{
		Threshold:   threshold,
		Compression: cfg.Payload.Compression,
	})
	if err != nil {
		db.Close()
		closeLog()
		return nil, fmt.Errorf("creating payload store: %w", err)
	}

	bus := notify.NewBus(logger, cfg.Notify.QueueSize)
	sessions := session.NewManager(pim.RealClock{}, pim.UUIDGenerator{}, logger, cfg.Session.ValidFor.Duration)
	tasks := taskqueue.New(cfg.TaskQueue.Capacity, logger)
	engine := pim.NewEngine(db, payloads, bus, logger, pim.RealClock{})

	logger.Info("pimd started",
		"backend", caps.Backend.String(),
		"row_locking", caps.RowLocking,
		"inline_threshold", threshold,
		"blob_store", cfg.Blob.Type,
		"encrypted", enc != nil,
	)

	return &App{
		cfg:      cfg,
		db:       db,
		blobs:    blobs,
		payloads: payloads,
		engine:   engine,
		bus:      bus,
		sessions: sessions,
		tasks:    tasks,
		logger:   logger,
		logFile:  logFile,
	}, nil
}

// Run executes background work until ctx is done: the task executor, the
// session sweeper, and a garbage collection pass queued at startup.
func (a *App) Run(ctx context.Context) error {
	if err := a.tasks.Submit("collect-garbage", a.collectGarbage); err != nil {
		a.logger.Warn("startup garbage collection not queued", "error", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.tasks.Run(ctx) })
	g.Go(func() error { return a.sessions.RunSweeper(ctx, a.cfg.Session.SweepInterval.Duration) })
	return g.Wait()
}

// Close stops background work and releases the database and log file.
func (a *App) Close() error {
	a.tasks.Close()
	a.bus.Close()

	var firstErr error
	if err := a.db.Close(); err != nil {
		firstErr = fmt.Errorf("closing database: %w", err)
	}
	if a.logFile != nil {
		a.logFile.Close()
	}
	return firstErr
}

// Stats returns the notification bus counters.
func (a *App) Stats() notify.Stats {
	return a.bus.Stats()
}

// Handshake opens a session for resource and returns it with its cookie.
func (a *App) Handshake(resource string) (session.Session, error) {
	return a.sessions.Handshake(resource)
}

// Logout ends a session and drops its subscription.
func (a *App) Logout(cookie string) {
	s, err := a.sessions.Lookup(cookie)
	if err == nil {
		a.bus.Unsubscribe(s.ID)
	}
	a.sessions.Remove(cookie)
}

// session validates cookie and returns ctx tagged with the session's ID.
func (a *App) session(ctx context.Context, cookie string) (context.Context, session.Session, error) {
	s, err := a.sessions.Lookup(cookie)
	if err != nil {
		return nil, session.Session{}, err
	}
	return pim.WithSession(ctx, s.ID), s, nil
}

func (a *App) CreateCollection(ctx context.Context, cookie string, req pim.NewCollection) (*pim.Collection, error) {
	ctx, s, err := a.session(ctx, cookie)
	if err != nil {
		return nil, err
	}
	// Top-level collections belong to the calling agent; nested ones
	// inherit from their parent.
	if req.Resource == "" && req.ParentID == pim.RootID {
		req.Resource = s.Resource
	}
	a.mutating.RLock()
	defer a.mutating.RUnlock()
	return a.engine.CreateCollection(ctx, req)
}

func (a *App) ModifyCollection(ctx context.Context, cookie string, id int64, changes pim.CollectionChanges) (*pim.Collection, error) {
	ctx, _, err := a.session(ctx, cookie)
	if err != nil {
		return nil, err
	}
	a.mutating.RLock()
	defer a.mutating.RUnlock()
	return a.engine.ModifyCollection(ctx, id, changes)
}

func (a *App) MoveCollection(ctx context.Context, cookie string, id, parentID int64) (*pim.Collection, error) {
	ctx, _, err := a.session(ctx, cookie)
	if err != nil {
		return nil, err
	}
	a.mutating.RLock()
	defer a.mutating.RUnlock()
	return a.engine.MoveCollection(ctx, id, parentID)
}

func (a *App) DeleteCollection(ctx context.Context, cookie string, id int64) error {
	ctx, _, err := a.session(ctx, cookie)
	if err != nil {
		return err
	}
	a.mutating.RLock()
	defer a.mutating.RUnlock()
	return a.engine.DeleteCollection(ctx, id)
}

func (a *App) GetCollection(ctx context.Context, cookie string, id int64) (*pim.Collection, error) {
	ctx, _, err := a.session(ctx, cookie)
	if err != nil {
		return nil, err
	}
	return a.engine.GetCollection(ctx, id)
}

func (a *App) ListCollections(ctx context.Context, cookie string, parentID int64) ([]*pim.Collection, error) {
	ctx, _, err := a.session(ctx, cookie)
	if err != nil {
		return nil, err
	}
	return a.engine.ListCollections(ctx, parentID)
}

func (a *App) CreateItem(ctx context.Context, cookie string, req pim.NewItem) (*pim.Item, error) {
	ctx, _, err := a.session(ctx, cookie)
	if err != nil {
		return nil, err
	}
	a.mutating.RLock()
	defer a.mutating.RUnlock()
	return a.engine.CreateItem(ctx, req)
}

func (a *App) ModifyItem(ctx context.Context, cookie string, id int64, changes pim.ItemChanges) (*pim.Item, error) {
	ctx, _, err := a.session(ctx, cookie)
	if err != nil {
		return nil, err
	}
	a.mutating.RLock()
	defer a.mutating.RUnlock()
	return a.engine.ModifyItem(ctx, id, changes)
}

func (a *App) MoveItem(ctx context.Context, cookie string, id, collectionID int64) (*pim.Item, error) {
	ctx, _, err := a.session(ctx, cookie)
	if err != nil {
		return nil, err
	}
	a.mutating.RLock()
	defer a.mutating.RUnlock()
	return a.engine.MoveItem(ctx, id, collectionID)
}

func (a *App) DeleteItem(ctx context.Context, cookie string, id int64) error {
	ctx, _, err := a.session(ctx, cookie)
	if err != nil {
		return err
	}
	a.mutating.RLock()
	defer a.mutating.RUnlock()
	return a.engine.DeleteItem(ctx, id)
}

func (a *App) GetItem(ctx context.Context, cookie string, id int64) (*pim.Item, error) {
	ctx, _, err := a.session(ctx, cookie)
	if err != nil {
		return nil, err
	}
	return a.engine.GetItem(ctx, id)
}

func (a *App) ListItems(ctx context.Context, cookie string, collectionID int64) ([]*pim.Item, error) {
	ctx, _, err := a.session(ctx, cookie)
	if err != nil {
		return nil, err
	}
	return a.engine.ListItems(ctx, collectionID)
}

func (a *App) ItemParts(ctx context.Context, cookie string, itemID int64) ([]*pim.Part, error) {
	ctx, _, err := a.session(ctx, cookie)
	if err != nil {
		return nil, err
	}
	return a.engine.ItemParts(ctx, itemID)
}

// ReadPart returns one part's payload from whichever tier holds it.
func (a *App) ReadPart(ctx context.Context, cookie string, itemID int64, name string) ([]byte, error) {
	ctx, _, err := a.session(ctx, cookie)
	if err != nil {
		return nil, err
	}
	return a.engine.ReadPart(ctx, itemID, name)
}

// Subscribe registers sink for the session's change notifications. A
// session holds at most one subscription; subscribing again replaces its
// filter. With ignoreOwn set, changes made by this session are not
// delivered back to it. It returns the subscriber ID.
func (a *App) Subscribe(cookie string, filter notify.Filter, ignoreOwn bool, sink notify.Sink) (string, error) {
	s, err := a.sessions.Lookup(cookie)
	if err != nil {
		return "", err
	}
	if ignoreOwn {
		filter.IgnoreSession = s.ID
	}
	if err := a.bus.Subscribe(s.ID, filter, sink); err != nil {
		return "", err
	}
	a.logger.Info("subscribed", "subscriber", s.ID, "resource", s.Resource)
	return s.ID, nil
}

// Unsubscribe drops the session's subscription, if any.
func (a *App) Unsubscribe(cookie string) error {
	s, err := a.sessions.Lookup(cookie)
	if err != nil {
		return err
	}
	a.bus.Unsubscribe(s.ID)
	return nil
}

// CollectGarbage removes external blobs no committed part references. It
// runs on the task executor, so Run must be active, and waits for the
// result.
func (a *App) CollectGarbage(ctx context.Context) (int, error) {
	var removed atomic.Int64
	err := a.tasks.SubmitWait(ctx, gcTimeout, "collect-garbage", func(ctx context.Context) error {
		n, err := a.sweepBlobs(ctx)
		removed.Store(int64(n))
		return err
	})
	return int(removed.Load()), err
}

func (a *App) collectGarbage(ctx context.Context) error {
	_, err := a.sweepBlobs(ctx)
	return err
}

func (a *App) sweepBlobs(ctx context.Context) (int, error) {
	a.mutating.Lock()
	defer a.mutating.Unlock()

	n, err := a.payloads.CollectGarbage(ctx, a.db)
	if err != nil {
		return n, fmt.Errorf("collecting garbage: %w", err)
	}
	a.logger.Info("garbage collection finished", "removed", n)
	return n, nil
}
