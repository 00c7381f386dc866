// Package sqlite implements remote.Store on an embedded SQLite database.
// It is the on-device stand-in for the cloud document store: one documents
// table with JSON payloads, live change fan-out to watchers, BEGIN IMMEDIATE
// transactions, and a composite-index registry that reproduces the cloud
// backend's missing-index precondition failures.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dart-technologies/storytime-sleep-sherpa-sub001/internal/model"
	"github.com/dart-technologies/storytime-sleep-sherpa-sub001/internal/remote"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS documents (
	collection TEXT NOT NULL,
	id         TEXT NOT NULL,
	data       TEXT NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	PRIMARY KEY (collection, id)
);`

// Backend implements remote.Store.
type Backend struct {
	db  *sql.DB
	log zerolog.Logger

	mu      sync.Mutex
	subs    map[int]*subscriber
	nextSub int
	indexes map[string]struct{}
}

var _ remote.Store = (*Backend)(nil)

// New opens (or creates) the document store at path.
func New(path string, log zerolog.Logger) (*Backend, error) {
	db, err := Open(path)
	if err != nil {
		return nil, err
	}
	return NewWithDB(db, log)
}

// NewWithDB wires a Backend onto an existing connection (tests use the
// in-memory opener).
func NewWithDB(db *sql.DB, log zerolog.Logger) (*Backend, error) {
	if _, err := db.Exec(schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	b := &Backend{
		db:      db,
		log:     log,
		subs:    make(map[int]*subscriber),
		indexes: make(map[string]struct{}),
	}
	if err := b.loadIndexes(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return b, nil
}

// Close tears down every subscription and closes the database.
func (b *Backend) Close() error {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[int]*subscriber)
	b.mu.Unlock()
	for _, s := range subs {
		s.stop()
	}
	return b.db.Close()
}

// NewID mints a fresh document ID.
func (b *Backend) NewID() string { return uuid.NewString() }

// --- Composite indexes ---

// A query ordering by more than one field needs a provisioned composite
// index, mirroring the cloud store's precondition. Single-field orders are
// always served.
func needsCompositeIndex(q remote.Query) bool {
	return len(q.OrderBy) >= 2
}

func indexKey(collection string, fields []string) string {
	return collection + "|" + strings.Join(fields, ",")
}

func queryIndexKey(q remote.Query) string {
	fields := make([]string, len(q.OrderBy))
	for i, o := range q.OrderBy {
		fields[i] = o.Field
	}
	return indexKey(q.Collection, fields)
}

// EnsureIndex provisions a composite index for ordered queries over the
// collection. Idempotent.
func (b *Backend) EnsureIndex(collection string, fields ...string) error {
	name := indexName(collection, fields)
	cols := make([]string, len(fields))
	for i, f := range fields {
		cols[i] = fmt.Sprintf("json_extract(data, '$.%s')", f)
	}
	ddl := fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON documents (%s) WHERE collection = %s",
		name, strings.Join(cols, ", "), quote(collection))
	if _, err := b.db.Exec(ddl); err != nil {
		return fmt.Errorf("create index %s: %w", name, err)
	}
	b.mu.Lock()
	b.indexes[indexKey(collection, fields)] = struct{}{}
	b.mu.Unlock()
	return nil
}

func (b *Backend) hasIndex(q remote.Query) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.indexes[queryIndexKey(q)]
	return ok
}

// loadIndexes repopulates the registry from sqlite_master so provisioned
// indexes survive reopen.
func (b *Backend) loadIndexes() error {
	rows, err := b.db.Query(`SELECT name FROM sqlite_master WHERE type = 'index' AND name LIKE 'docidx_%'`)
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return err
		}
		if key, ok := keyFromIndexName(name); ok {
			b.indexes[key] = struct{}{}
		}
	}
	return rows.Err()
}

// Index names encode their registry key: docidx_<collection>__<f1>__<f2>,
// with '/' in subcollection paths mapped to '.'.
func indexName(collection string, fields []string) string {
	c := strings.ReplaceAll(collection, "/", ".")
	return "docidx_" + c + "__" + strings.Join(fields, "__")
}

func keyFromIndexName(name string) (string, bool) {
	rest := strings.TrimPrefix(name, "docidx_")
	parts := strings.Split(rest, "__")
	if len(parts) < 2 {
		return "", false
	}
	collection := strings.ReplaceAll(parts[0], ".", "/")
	return indexKey(collection, parts[1:]), true
}

func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// --- Reads ---

// Fetch runs q once. Filtering and ordering happen over the decoded JSON
// payloads; the composite-index precondition is enforced before any row is
// read.
func (b *Backend) Fetch(ctx context.Context, q remote.Query) ([]remote.Doc, error) {
	if needsCompositeIndex(q) && !b.hasIndex(q) {
		return nil, fmt.Errorf("%w: %s", model.ErrIndexRequired, queryIndexKey(q))
	}
	return b.fetchLocked(ctx, q)
}

func (b *Backend) fetchLocked(ctx context.Context, q remote.Query) ([]remote.Doc, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT id, data FROM documents WHERE collection = ?`, q.Collection)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var docs []remote.Doc
	for rows.Next() {
		var id, raw string
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, err
		}
		var data map[string]any
		if err := json.Unmarshal([]byte(raw), &data); err != nil {
			b.log.Warn().Str("collection", q.Collection).Str("id", id).Err(err).Msg("skipping undecodable document")
			continue
		}
		if !matches(q, data) {
			continue
		}
		docs = append(docs, remote.Doc{ID: id, Data: data})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sortDocs(docs, q.OrderBy)
	if q.Limit > 0 && len(docs) > q.Limit {
		docs = docs[:q.Limit]
	}
	return docs, nil
}

func (b *Backend) get(ctx context.Context, p remote.Path) (map[string]any, error) {
	row := b.db.QueryRowContext(ctx, `SELECT data FROM documents WHERE collection = ? AND id = ?`, p.Collection, p.ID)
	var raw string
	if err := row.Scan(&raw); err != nil {
		if err == sql.ErrNoRows {
			return nil, model.ErrNotFound
		}
		return nil, err
	}
	var data map[string]any
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return nil, err
	}
	return data, nil
}

// Get reads one document; model.ErrNotFound when absent.
func (b *Backend) Get(ctx context.Context, p remote.Path) (map[string]any, error) {
	return b.get(ctx, p)
}

// --- Writes ---

// Set atomically replaces the document at p and fans the change out.
func (b *Backend) Set(ctx context.Context, p remote.Path, data map[string]any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.writeDoc(ctx, b.db, p, data); err != nil {
		return err
	}
	b.fanOutUpsert(p, data)
	return nil
}

// Merge applies the given fields over the existing document, creating it if
// absent.
func (b *Backend) Merge(ctx context.Context, p remote.Path, data map[string]any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	existing, err := b.get(ctx, p)
	if err != nil && err != model.ErrNotFound {
		return err
	}
	merged := mergeFields(existing, data)
	if err := b.writeDoc(ctx, b.db, p, merged); err != nil {
		return err
	}
	b.fanOutUpsert(p, merged)
	return nil
}

// Delete removes the document; deleting an absent document is a no-op.
func (b *Backend) Delete(ctx context.Context, p remote.Path) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	res, err := b.db.ExecContext(ctx, `DELETE FROM documents WHERE collection = ? AND id = ?`, p.Collection, p.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		b.fanOutDelete(p)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (b *Backend) writeDoc(ctx context.Context, ex execer, p remote.Path, data map[string]any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode document %s/%s: %w", p.Collection, p.ID, err)
	}
	_, err = ex.ExecContext(ctx,
		`INSERT INTO documents (collection, id, data, updated_at) VALUES (?,?,?,?)
		 ON CONFLICT (collection, id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		p.Collection, p.ID, string(raw), time.Now().UTC())
	return err
}

func mergeFields(existing, patch map[string]any) map[string]any {
	merged := make(map[string]any, len(existing)+len(patch))
	for k, v := range existing {
		merged[k] = v
	}
	for k, v := range patch {
		merged[k] = v
	}
	return merged
}

// --- Query evaluation ---

func matches(q remote.Query, data map[string]any) bool {
	for _, c := range q.Where {
		if !looselyEqual(data[c.Field], c.Value) {
			return false
		}
	}
	return true
}

func looselyEqual(a, b any) bool {
	if na, ok := asNumber(a); ok {
		nb, ok := asNumber(b)
		return ok && na == nb
	}
	return a == b
}

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func sortDocs(docs []remote.Doc, orders []remote.Order) {
	if len(orders) == 0 {
		sort.Slice(docs, func(i, j int) bool { return docs[i].ID < docs[j].ID })
		return
	}
	sort.SliceStable(docs, func(i, j int) bool {
		for _, o := range orders {
			c := compareField(docs[i].Data[o.Field], docs[j].Data[o.Field])
			if c == 0 {
				continue
			}
			if o.Desc {
				return c > 0
			}
			return c < 0
		}
		return docs[i].ID < docs[j].ID
	})
}

// compareField orders mixed payload values: missing last, then numbers,
// strings, bools.
func compareField(a, b any) int {
	if a == nil && b == nil {
		return 0
	}
	if a == nil {
		return 1
	}
	if b == nil {
		return -1
	}
	if na, ok := asNumber(a); ok {
		if nb, ok := asNumber(b); ok {
			switch {
			case na < nb:
				return -1
			case na > nb:
				return 1
			}
			return 0
		}
	}
	if sa, ok := a.(string); ok {
		if sb, ok := b.(string); ok {
			return strings.Compare(sa, sb)
		}
	}
	if ba, ok := a.(bool); ok {
		if bb, ok := b.(bool); ok {
			switch {
			case ba == bb:
				return 0
			case bb:
				return -1
			}
			return 1
		}
	}
	return 0
}
