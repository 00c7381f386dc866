package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/dart-technologies/storytime-sleep-sherpa-sub001/internal/model"
	"github.com/dart-technologies/storytime-sleep-sherpa-sub001/internal/remote"
)

const txAttempts = 3

// RunTransaction executes fn with read-then-conditional-write semantics.
// Writes buffer until commit; change fan-out happens only after a successful
// commit. Busy/locked conflicts retry a fixed number of times with linear
// backoff, the repo-wide idiom for transient external calls.
func (b *Backend) RunTransaction(ctx context.Context, fn func(remote.Tx) error) error {
	var lastErr error
	for attempt := 1; attempt <= txAttempts; attempt++ {
		err := b.runTransactionOnce(ctx, fn)
		if err == nil {
			return nil
		}
		if !isBusy(err) {
			return err
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * 50 * time.Millisecond):
		}
	}
	return lastErr
}

func (b *Backend) runTransactionOnce(ctx context.Context, fn func(remote.Tx) error) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	sqlTx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	t := &tx{ctx: ctx, sqlTx: sqlTx, backend: b}
	if err := fn(t); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return err
	}
	for _, w := range t.writes {
		b.fanOutUpsert(w.path, w.data)
	}
	return nil
}

type txWrite struct {
	path remote.Path
	data map[string]any
}

type tx struct {
	ctx     context.Context
	sqlTx   *sql.Tx
	backend *Backend
	writes  []txWrite
}

// Get reads inside the transaction snapshot, observing this transaction's
// own earlier merges.
func (t *tx) Get(p remote.Path) (map[string]any, error) {
	for i := len(t.writes) - 1; i >= 0; i-- {
		if t.writes[i].path == p {
			return t.writes[i].data, nil
		}
	}
	row := t.sqlTx.QueryRowContext(t.ctx, `SELECT data FROM documents WHERE collection = ? AND id = ?`, p.Collection, p.ID)
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

// Merge applies fields over the document, creating it if absent. The write
// lands atomically with the rest of the transaction on commit.
func (t *tx) Merge(p remote.Path, data map[string]any) error {
	existing, err := t.Get(p)
	if err != nil && err != model.ErrNotFound {
		return err
	}
	merged := mergeFields(existing, data)
	if err := t.backend.writeDoc(t.ctx, t.sqlTx, p, merged); err != nil {
		return err
	}
	t.writes = append(t.writes, txWrite{path: p, data: merged})
	return nil
}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "busy") || strings.Contains(msg, "locked")
}
