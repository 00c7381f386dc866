package sync

import (
	"github.com/dart-technologies/storytime-sleep-sherpa-sub001/internal/model"
	"github.com/dart-technologies/storytime-sleep-sherpa-sub001/internal/remote"
)

// OwnedStoriesQuery selects the user's own stories, newest first.
func OwnedStoriesQuery(userID string) remote.Query {
	return remote.Query{
		Collection: model.CollectionStories,
		Where:      []remote.Cond{{Field: "userId", Value: userID}},
		OrderBy:    []remote.Order{{Field: "createdAt", Desc: true}},
	}
}

// FeaturedStoriesQuery selects the public featured feed ranked by popularity
// then recency. The two-field order needs a composite index on the backend.
func FeaturedStoriesQuery(pageSize int) remote.Query {
	return remote.Query{
		Collection: model.CollectionStories,
		Where: []remote.Cond{
			{Field: "isFeatured", Value: true},
			{Field: "isPublic", Value: true},
		},
		OrderBy: []remote.Order{
			{Field: "playCount", Desc: true},
			{Field: "createdAt", Desc: true},
		},
		Limit: pageSize,
	}
}

// FeaturedStoriesFallbackQuery drops the popularity ranking but keeps the
// correctness-preserving filters, for backends missing the ranked index.
func FeaturedStoriesFallbackQuery(pageSize int) remote.Query {
	return remote.Query{
		Collection: model.CollectionStories,
		Where: []remote.Cond{
			{Field: "isFeatured", Value: true},
			{Field: "isPublic", Value: true},
		},
		OrderBy: []remote.Order{{Field: "createdAt", Desc: true}},
		Limit:   pageSize,
	}
}

// FavoritesQuery selects everything under the user's favorites namespace.
func FavoritesQuery(userID string) remote.Query {
	return remote.Query{Collection: remote.FavoritesCollection(userID)}
}
