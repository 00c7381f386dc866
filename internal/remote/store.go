// Package remote defines the contract this engine expects from the remote
// document database: live change subscriptions, one-shot queries, atomic
// per-document writes, and read-then-write transactions. The engine consumes
// these capabilities; it never reimplements their consistency guarantees.
package remote

import (
	"context"

	"github.com/dart-technologies/storytime-sleep-sherpa-sub001/internal/model"
)

// Path addresses one document. Subcollections are flattened into the
// collection string (e.g. "users/u1/favorites").
type Path struct {
	Collection string
	ID         string
}

// StoryDoc addresses a story document in the shared stories collection.
func StoryDoc(storyID string) Path {
	return Path{Collection: model.CollectionStories, ID: storyID}
}

// UserDoc addresses a user's own document.
func UserDoc(userID string) Path {
	return Path{Collection: model.CollectionUsers, ID: userID}
}

// FavoritesCollection names the per-user favorites subcollection.
func FavoritesCollection(userID string) string {
	return model.CollectionUsers + "/" + userID + "/" + model.CollectionFavorites
}

// FavoriteDoc addresses one favorite entry under the user's namespace.
func FavoriteDoc(userID, storyID string) Path {
	return Path{Collection: FavoritesCollection(userID), ID: storyID}
}

// Cond is an equality filter on one field.
type Cond struct {
	Field string
	Value any
}

// Order sorts results by one field.
type Order struct {
	Field string
	Desc  bool
}

// Query selects documents from one collection. A query combining a filter
// with a multi-field order may require a composite index on the backend;
// absence of that index surfaces as model.ErrIndexRequired.
type Query struct {
	Collection string
	Where      []Cond
	OrderBy    []Order
	Limit      int
}

// ChangeKind is the type of a live subscription event.
type ChangeKind uint8

const (
	Added ChangeKind = iota
	Modified
	Removed
)

// Change is one document event from a live subscription. Data is nil for
// Removed events.
type Change struct {
	Kind ChangeKind
	ID   string
	Data map[string]any
}

// Doc is one fetched document.
type Doc struct {
	ID   string
	Data map[string]any
}

// Tx is the handle passed to a transaction body. Reads observe the
// transaction's snapshot; writes are applied atomically on commit.
type Tx interface {
	Get(p Path) (map[string]any, error)
	Merge(p Path, data map[string]any) error
}

// Store is the remote document database collaborator.
type Store interface {
	// Watch opens a live subscription for q and invokes fn with batches of
	// changes, starting with the current result set as one Added batch.
	// The returned func tears the subscription down. Watch returns
	// model.ErrIndexRequired when q needs an index that does not exist.
	Watch(ctx context.Context, q Query, fn func([]Change)) (func(), error)

	// Fetch runs q once and returns the matching documents. Subject to the
	// same index precondition as Watch.
	Fetch(ctx context.Context, q Query) ([]Doc, error)

	// Get reads one document; model.ErrNotFound when absent.
	Get(ctx context.Context, p Path) (map[string]any, error)

	// Set atomically replaces the document at p.
	Set(ctx context.Context, p Path, data map[string]any) error

	// Merge atomically applies the given fields over the document at p,
	// creating it if absent.
	Merge(ctx context.Context, p Path, data map[string]any) error

	// Delete atomically removes the document at p. Deleting an absent
	// document is not an error.
	Delete(ctx context.Context, p Path) error

	// RunTransaction executes fn with read-then-conditional-write
	// semantics; fn may be retried on contention.
	RunTransaction(ctx context.Context, fn func(Tx) error) error

	// NewID mints a fresh document ID.
	NewID() string
}
