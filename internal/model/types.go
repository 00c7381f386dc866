package model

import "time"

// Table names used across both row-store partitions.
const (
	TableMyStories       = "myStories"
	TableFavorites       = "favorites"
	TableFeaturedStories = "featuredStories"
)

// Remote collection names. Favorites is a per-user subcollection under
// users/<id>.
const (
	CollectionStories   = "stories"
	CollectionUsers     = "users"
	CollectionFavorites = "favorites"
)

// Story is the logical record reconstructed from a story row plus membership
// in the favorites table. IsFavorite is derived, never stored on the row.
type Story struct {
	ID             string    `json:"id"`
	UserID         string    `json:"userId"`
	Title          string    `json:"title"`
	Summary        string    `json:"summary,omitempty"`
	Narrative      string    `json:"narrative,omitempty"`
	Narrator       string    `json:"narrator,omitempty"`
	AudioURL       string    `json:"audioUrl,omitempty"`
	CoverImageURL  string    `json:"coverImageUrl,omitempty"`
	PlayCount      int64     `json:"playCount"`
	RemixCount     int64     `json:"remixCount"`
	FavoritedCount int64     `json:"favoritedCount"`
	IsPublic       bool      `json:"isPublic"`
	IsFeatured     bool      `json:"isFeatured"`
	IsFavorite     bool      `json:"isFavorite"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Favorite marks a story as liked by the current user. Existence of the
// favorites row (keyed by story ID) is the source of truth; LikedAt only
// records when.
type Favorite struct {
	StoryID string    `json:"storyId"`
	LikedAt time.Time `json:"likedAt"`
}

// DailyCapRecord is the per-user usage record stored on the user document.
// Count is only meaningful while Day matches "today" in TimeZone.
type DailyCapRecord struct {
	TimeZone string `json:"timeZone"`
	Day      string `json:"dailyCreateDate"`
	Count    int64  `json:"dailyCreateCount"`
}
