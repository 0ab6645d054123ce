package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"pimstore/internal/backend"
	"pimstore/internal/pim"
)

// Compile-time interface checks.
var (
	_ pim.Database = (*SQLDatabase)(nil)
	_ pim.Tx       = (*sqlTx)(nil)
)

// querier is the part of *sql.DB and *sql.Tx the queries need.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLDatabase implements pim.Database over database/sql. Queries are written
// with "?" placeholders and rebound through the backend's capabilities.
type SQLDatabase struct {
	queries
	db     *sql.DB
	driver string
}

// NewSQLDatabase wraps an open connection pool. The caller is responsible
// for the connection's configuration and schema.
func NewSQLDatabase(db *sql.DB, driver string, caps backend.Capabilities) *SQLDatabase {
	return &SQLDatabase{
		queries: queries{q: db, caps: caps},
		db:      db,
		driver:  driver,
	}
}

func (s *SQLDatabase) Capabilities() backend.Capabilities { return s.caps }

// DB returns the underlying connection pool.
func (s *SQLDatabase) DB() *sql.DB { return s.db }

func (s *SQLDatabase) Close() error { return s.db.Close() }

func (s *SQLDatabase) Begin(ctx context.Context) (pim.Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("starting transaction: %w", err)
	}
	return &sqlTx{queries: queries{q: tx, caps: s.caps}, tx: tx}, nil
}

type sqlTx struct {
	queries
	tx *sql.Tx
}

func (t *sqlTx) Commit() error {
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func (t *sqlTx) Rollback() error {
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("rolling back transaction: %w", err)
	}
	return nil
}

// queries holds the statements shared by the pool and transactions.
type queries struct {
	q    querier
	caps backend.Capabilities
}

func (s *queries) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.q.ExecContext(ctx, s.caps.Rebind(query), args...)
}

func (s *queries) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.q.QueryContext(ctx, s.caps.Rebind(query), args...)
}

func (s *queries) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.q.QueryRowContext(ctx, s.caps.Rebind(query), args...)
}

// insert runs an INSERT and returns the new row's id.
func (s *queries) insert(ctx context.Context, query string, args ...any) (int64, error) {
	if s.caps.Backend == backend.PostgreSQL {
		var id int64
		if err := s.queryRow(ctx, query+" RETURNING id", args...).Scan(&id); err != nil {
			return 0, err
		}
		return id, nil
	}
	res, err := s.exec(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// update runs a statement expected to touch at most one row and reports
// whether it did.
func (s *queries) update(ctx context.Context, query string, args ...any) (bool, error) {
	res, err := s.exec(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *queries) count(ctx context.Context, query string, args ...any) (bool, error) {
	var n int64
	if err := s.queryRow(ctx, query, args...).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

func notFound(what string, id any) error {
	return fmt.Errorf("%s %v: %w", what, id, pim.ErrNotFound)
}

// Collection operations

const collectionColumns = "id, parent_id, name, remote_id, resource, revision"

type scanner interface {
	Scan(dest ...any) error
}

func scanCollection(row scanner) (*pim.Collection, error) {
	var c pim.Collection
	if err := row.Scan(&c.ID, &c.ParentID, &c.Name, &c.RemoteID, &c.Resource, &c.Revision); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *queries) mimeTypes(ctx context.Context, collectionID int64) ([]string, error) {
	rows, err := s.query(ctx, "SELECT mime_type FROM collection_mime_types WHERE collection_id = ? ORDER BY mime_type", collectionID)
	if err != nil {
		return nil, fmt.Errorf("reading mime types of %d: %w", collectionID, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			return nil, fmt.Errorf("scanning mime type: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *queries) setMimeTypes(ctx context.Context, collectionID int64, mimeTypes []string) error {
	if _, err := s.exec(ctx, "DELETE FROM collection_mime_types WHERE collection_id = ?", collectionID); err != nil {
		return fmt.Errorf("clearing mime types of %d: %w", collectionID, err)
	}
	for _, m := range mimeTypes {
		if _, err := s.exec(ctx, "INSERT INTO collection_mime_types (collection_id, mime_type) VALUES (?, ?)", collectionID, m); err != nil {
			return fmt.Errorf("inserting mime type %q: %w", m, err)
		}
	}
	return nil
}

func (s *queries) getCollection(ctx context.Context, id int64, lock string) (*pim.Collection, error) {
	c, err := scanCollection(s.queryRow(ctx, "SELECT "+collectionColumns+" FROM collections WHERE id = ?"+lock, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("collection", id)
	}
	if err != nil {
		return nil, fmt.Errorf("reading collection %d: %w", id, err)
	}
	if c.MimeTypes, err = s.mimeTypes(ctx, id); err != nil {
		return nil, err
	}
	return c, nil
}

func (s *queries) GetCollection(ctx context.Context, id int64) (*pim.Collection, error) {
	return s.getCollection(ctx, id, "")
}

func (s *queries) LockCollection(ctx context.Context, id int64) (*pim.Collection, error) {
	return s.getCollection(ctx, id, s.caps.LockClause())
}

func (s *queries) ListCollections(ctx context.Context, parentID int64) ([]*pim.Collection, error) {
	rows, err := s.query(ctx, "SELECT "+collectionColumns+" FROM collections WHERE parent_id = ? ORDER BY id", parentID)
	if err != nil {
		return nil, fmt.Errorf("listing collections under %d: %w", parentID, err)
	}
	var out []*pim.Collection
	for rows.Next() {
		c, err := scanCollection(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning collection: %w", err)
		}
		out = append(out, c)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, fmt.Errorf("listing collections under %d: %w", parentID, err)
	}

	// Mime types are read after the cursor is closed: a single-connection
	// pool cannot run a second query while rows are open.
	for _, c := range out {
		if c.MimeTypes, err = s.mimeTypes(ctx, c.ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *queries) CollectionNameTaken(ctx context.Context, parentID int64, name string, excludeID int64) (bool, error) {
	return s.count(ctx, "SELECT COUNT(*) FROM collections WHERE parent_id = ? AND name = ? AND id <> ?", parentID, name, excludeID)
}

func (s *queries) CollectionRemoteIDTaken(ctx context.Context, parentID int64, resource, remoteID string, excludeID int64) (bool, error) {
	return s.count(ctx, "SELECT COUNT(*) FROM collections WHERE parent_id = ? AND resource = ? AND remote_id = ? AND id <> ?",
		parentID, resource, remoteID, excludeID)
}

func (s *queries) InsertCollection(ctx context.Context, c *pim.Collection) error {
	id, err := s.insert(ctx, "INSERT INTO collections (parent_id, name, remote_id, resource, revision) VALUES (?, ?, ?, ?, ?)",
		c.ParentID, c.Name, c.RemoteID, c.Resource, c.Revision)
	if err != nil {
		return fmt.Errorf("inserting collection: %w", err)
	}
	c.ID = id
	return s.setMimeTypes(ctx, id, c.MimeTypes)
}

func (s *queries) UpdateCollection(ctx context.Context, c *pim.Collection, expectedRevision int64) (bool, error) {
	ok, err := s.update(ctx, "UPDATE collections SET parent_id = ?, name = ?, remote_id = ?, resource = ?, revision = ? WHERE id = ? AND revision = ?",
		c.ParentID, c.Name, c.RemoteID, c.Resource, c.Revision, c.ID, expectedRevision)
	if err != nil {
		return false, fmt.Errorf("updating collection %d: %w", c.ID, err)
	}
	if !ok {
		return false, nil
	}
	return true, s.setMimeTypes(ctx, c.ID, c.MimeTypes)
}

func (s *queries) DeleteCollection(ctx context.Context, id int64) error {
	if _, err := s.exec(ctx, "DELETE FROM collection_mime_types WHERE collection_id = ?", id); err != nil {
		return fmt.Errorf("deleting mime types of %d: %w", id, err)
	}
	ok, err := s.update(ctx, "DELETE FROM collections WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting collection %d: %w", id, err)
	}
	if !ok {
		return notFound("collection", id)
	}
	return nil
}

// Item operations

const itemColumns = "id, collection_id, mime_type, remote_id, revision, size, modified_at"

func scanItem(row scanner) (*pim.Item, error) {
	var it pim.Item
	var modified int64
	if err := row.Scan(&it.ID, &it.CollectionID, &it.MimeType, &it.RemoteID, &it.Revision, &it.Size, &modified); err != nil {
		return nil, err
	}
	it.ModifiedAt = time.Unix(0, modified).UTC()
	return &it, nil
}

func (s *queries) getItem(ctx context.Context, id int64, lock string) (*pim.Item, error) {
	it, err := scanItem(s.queryRow(ctx, "SELECT "+itemColumns+" FROM items WHERE id = ?"+lock, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("item", id)
	}
	if err != nil {
		return nil, fmt.Errorf("reading item %d: %w", id, err)
	}
	return it, nil
}

func (s *queries) GetItem(ctx context.Context, id int64) (*pim.Item, error) {
	return s.getItem(ctx, id, "")
}

func (s *queries) LockItem(ctx context.Context, id int64) (*pim.Item, error) {
	return s.getItem(ctx, id, s.caps.LockClause())
}

func (s *queries) ListItems(ctx context.Context, collectionID int64) ([]*pim.Item, error) {
	rows, err := s.query(ctx, "SELECT "+itemColumns+" FROM items WHERE collection_id = ? ORDER BY id", collectionID)
	if err != nil {
		return nil, fmt.Errorf("listing items of %d: %w", collectionID, err)
	}
	defer rows.Close()

	var out []*pim.Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning item: %w", err)
		}
		out = append(out, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing items of %d: %w", collectionID, err)
	}
	return out, nil
}

func (s *queries) ItemRemoteIDTaken(ctx context.Context, collectionID int64, remoteID string, excludeID int64) (bool, error) {
	return s.count(ctx, "SELECT COUNT(*) FROM items WHERE collection_id = ? AND remote_id = ? AND id <> ?", collectionID, remoteID, excludeID)
}

func (s *queries) InsertItem(ctx context.Context, it *pim.Item) error {
	id, err := s.insert(ctx, "INSERT INTO items (collection_id, mime_type, remote_id, revision, size, modified_at) VALUES (?, ?, ?, ?, ?, ?)",
		it.CollectionID, it.MimeType, it.RemoteID, it.Revision, it.Size, it.ModifiedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("inserting item: %w", err)
	}
	it.ID = id
	return nil
}

func (s *queries) UpdateItem(ctx context.Context, it *pim.Item, expectedRevision int64) (bool, error) {
	ok, err := s.update(ctx, "UPDATE items SET collection_id = ?, mime_type = ?, remote_id = ?, revision = ?, size = ?, modified_at = ? WHERE id = ? AND revision = ?",
		it.CollectionID, it.MimeType, it.RemoteID, it.Revision, it.Size, it.ModifiedAt.UnixNano(), it.ID, expectedRevision)
	if err != nil {
		return false, fmt.Errorf("updating item %d: %w", it.ID, err)
	}
	return ok, nil
}

func (s *queries) DeleteItem(ctx context.Context, id int64) error {
	if _, err := s.exec(ctx, "DELETE FROM parts WHERE item_id = ?", id); err != nil {
		return fmt.Errorf("deleting parts of %d: %w", id, err)
	}
	ok, err := s.update(ctx, "DELETE FROM items WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting item %d: %w", id, err)
	}
	if !ok {
		return notFound("item", id)
	}
	return nil
}

// Part operations

const partColumns = "id, item_id, name, data, external_ref, generation, size, encoding, checksum"

func scanPart(row scanner) (*pim.Part, error) {
	var p pim.Part
	var ref sql.NullString
	if err := row.Scan(&p.ID, &p.ItemID, &p.Name, &p.Data, &ref, &p.Generation, &p.Size, &p.Encoding, &p.Checksum); err != nil {
		return nil, err
	}
	p.External = ref.String
	return &p, nil
}

// payloadArgs maps a part to its data and external_ref columns, exactly one
// of which is non-NULL.
func payloadArgs(p *pim.Part) (data, ref any) {
	if p.IsExternal() {
		return nil, p.External
	}
	if p.Data == nil {
		return []byte{}, nil
	}
	return p.Data, nil
}

func (s *queries) GetPart(ctx context.Context, itemID int64, name string) (*pim.Part, error) {
	p, err := scanPart(s.queryRow(ctx, "SELECT "+partColumns+" FROM parts WHERE item_id = ? AND name = ?", itemID, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("part", fmt.Sprintf("%d/%s", itemID, name))
	}
	if err != nil {
		return nil, fmt.Errorf("reading part %d/%s: %w", itemID, name, err)
	}
	return p, nil
}

func (s *queries) ListParts(ctx context.Context, itemID int64) ([]*pim.Part, error) {
	rows, err := s.query(ctx, "SELECT "+partColumns+" FROM parts WHERE item_id = ? ORDER BY name", itemID)
	if err != nil {
		return nil, fmt.Errorf("listing parts of %d: %w", itemID, err)
	}
	defer rows.Close()

	var out []*pim.Part
	for rows.Next() {
		p, err := scanPart(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning part: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing parts of %d: %w", itemID, err)
	}
	return out, nil
}

func (s *queries) InsertPart(ctx context.Context, p *pim.Part) error {
	data, ref := payloadArgs(p)
	id, err := s.insert(ctx, "INSERT INTO parts (item_id, name, data, external_ref, generation, size, encoding, checksum) VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
		p.ItemID, p.Name, data, ref, p.Generation, p.Size, p.Encoding, p.Checksum)
	if err != nil {
		return fmt.Errorf("inserting part %q: %w", p.Name, err)
	}
	p.ID = id
	return nil
}

func (s *queries) UpdatePartPayload(ctx context.Context, p *pim.Part) error {
	data, ref := payloadArgs(p)
	ok, err := s.update(ctx, "UPDATE parts SET data = ?, external_ref = ?, generation = ?, size = ?, encoding = ?, checksum = ? WHERE id = ?",
		data, ref, p.Generation, p.Size, p.Encoding, p.Checksum, p.ID)
	if err != nil {
		return fmt.Errorf("updating part %d: %w", p.ID, err)
	}
	if !ok {
		return notFound("part", p.ID)
	}
	return nil
}

func (s *queries) DeletePart(ctx context.Context, partID int64) error {
	if _, err := s.exec(ctx, "DELETE FROM parts WHERE id = ?", partID); err != nil {
		return fmt.Errorf("deleting part %d: %w", partID, err)
	}
	return nil
}

// ExternalRefs returns the blob names referenced by committed part rows.
func (s *SQLDatabase) ExternalRefs(ctx context.Context) ([]string, error) {
	rows, err := s.query(ctx, "SELECT external_ref FROM parts WHERE external_ref IS NOT NULL ORDER BY external_ref")
	if err != nil {
		return nil, fmt.Errorf("listing external refs: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var ref string
		if err := rows.Scan(&ref); err != nil {
			return nil, fmt.Errorf("scanning external ref: %w", err)
		}
		out = append(out, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing external refs: %w", err)
	}
	return out, nil
}
