package model

import (
	"errors"
	"strings"
)

var (
	// ErrNotFound is returned when a remote document or local row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAuthRequired is returned by mutating operations invoked without a
	// signed-in identity.
	ErrAuthRequired = errors.New("authentication required")

	// ErrPermissionDenied marks a remote rejection caused by security rules
	// rather than a transient fault.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrIndexRequired signals that a remote query needs a composite index
	// that has not been provisioned yet.
	ErrIndexRequired = errors.New("query requires a missing index")

	// ErrLimitReached is returned when the daily creation cap is exhausted.
	ErrLimitReached = errors.New("daily story limit reached")

	// ErrNotOwned is returned when an operation requires the story to be
	// present in the local owned-stories table.
	ErrNotOwned = errors.New("story is not in the local library")
)

// IsPermissionDenied reports whether err is a rules rejection, either our own
// sentinel or a backend error that carries the conventional code string.
func IsPermissionDenied(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrPermissionDenied) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "permission-denied") || strings.Contains(msg, "permission denied")
}
