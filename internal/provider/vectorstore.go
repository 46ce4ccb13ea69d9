package provider

import "context"

// VectorStore narrows Gateway to just the search capability, for callers
// (the Cache/Memoizer's optional semantic-lookup mode) that only need
// nearest-neighbor search and should not depend on Complete/Embed.
type VectorStore interface {
	Search(ctx context.Context, req SearchRequest) ([]SearchResult, error)
}
