package audiocache

import (
	"regexp"
	"strings"
)

// File names are a pure function of stable identity so repeated calls are
// idempotent and cache hits need no separate index.
const (
	favoritePrefix  = "favorite_"
	audioExt        = ".mp3"
	maxComponentLen = 60
)

var (
	unsafeChars = regexp.MustCompile(`[^A-Za-z0-9 _-]`)
	whitespace  = regexp.MustCompile(`\s+`)
)

// SanitizeComponent strips everything outside [A-Za-z0-9 _-], collapses
// whitespace runs to single underscores, and truncates to a fixed bound.
func SanitizeComponent(s string) string {
	s = unsafeChars.ReplaceAllString(s, "")
	s = whitespace.ReplaceAllString(strings.TrimSpace(s), "_")
	if len(s) > maxComponentLen {
		s = s[:maxComponentLen]
	}
	return s
}

// FavoriteFileName names an auto-downloaded favorite by story ID.
func FavoriteFileName(storyID string) string {
	return favoritePrefix + SanitizeComponent(storyID) + audioExt
}

// ExportFileName names a user-initiated export from narrator, title, and ID.
func ExportFileName(prefix, narrator, title, storyID string) string {
	parts := []string{
		SanitizeComponent(prefix),
		SanitizeComponent(narrator),
		SanitizeComponent(title),
		SanitizeComponent(storyID),
	}
	return strings.Join(parts, "_") + audioExt
}

// IsFavoriteFile reports whether name follows the favorites-cache naming
// convention. Manually exported files never do.
func IsFavoriteFile(name string) bool {
	return strings.HasPrefix(name, favoritePrefix) && strings.HasSuffix(name, audioExt)
}
