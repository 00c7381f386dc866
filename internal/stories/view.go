package stories

import (
	"sort"
	"time"

	"github.com/dart-technologies/storytime-sleep-sherpa-sub001/internal/model"
	"github.com/dart-technologies/storytime-sleep-sherpa-sub001/internal/rowstore"
)

// StoryFromRow reconstructs the logical story from a raw row plus favorite
// membership. IsFavorite lives only in the favorites table, never on the
// story row.
func StoryFromRow(row rowstore.Row, isFavorite bool) model.Story {
	st := model.Story{
		ID:             row["id"].StringOr(""),
		UserID:         row["userId"].StringOr(""),
		Title:          row["title"].StringOr(""),
		Summary:        row["summary"].StringOr(""),
		Narrative:      row["narrative"].StringOr(""),
		Narrator:       row["narrator"].StringOr(""),
		AudioURL:       row["audioUrl"].StringOr(""),
		CoverImageURL:  row["coverImageUrl"].StringOr(""),
		PlayCount:      row["playCount"].IntOr(0),
		RemixCount:     row["remixCount"].IntOr(0),
		FavoritedCount: row["favoritedCount"].IntOr(0),
		IsPublic:       row["isPublic"].BoolOr(false),
		IsFeatured:     row["isFeatured"].BoolOr(false),
		IsFavorite:     isFavorite,
	}
	if raw, ok := row["createdAt"].AsString(); ok {
		if at, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			st.CreatedAt = at
		}
	}
	return st
}

// StoriesIn assembles every story in the given table, deriving IsFavorite
// from the favorites table of the personal partition.
func StoriesIn(store *rowstore.Store, table string, personal *rowstore.Store) []model.Story {
	rows := store.GetTable(table)
	out := make([]model.Story, 0, len(rows))
	for id, row := range rows {
		fav := personal.HasRow(model.TableFavorites, id)
		out = append(out, StoryFromRow(row, fav))
	}
	return out
}

// FavoriteFromRow reconstructs a favorite entry from its row. A missing or
// malformed likedAt leaves the zero time; membership alone carries meaning.
func FavoriteFromRow(id string, row rowstore.Row) model.Favorite {
	fav := model.Favorite{StoryID: id}
	if raw, ok := row["likedAt"].AsString(); ok {
		if at, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			fav.LikedAt = at
		}
	}
	return fav
}

// Favorites lists the user's favorites, most recently liked first.
func Favorites(personal *rowstore.Store) []model.Favorite {
	rows := personal.GetTable(model.TableFavorites)
	out := make([]model.Favorite, 0, len(rows))
	for id, row := range rows {
		out = append(out, FavoriteFromRow(id, row))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LikedAt.After(out[j].LikedAt) })
	return out
}
