package catalog

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/case-crawler/internal/crawler"
)

func TestIndexScopedToVersion(t *testing.T) {
	t.Parallel()

	fx := newEngineFixture()
	ctx := context.Background()

	fx.feed.push(FeedResponse{Body: csvOf("Alpha,Civil,A1", "Beta,Criminal,B2")}, nil)
	first, err := fx.engine.Ingest(ctx, crawler.SourceUnreportedJudgments)
	require.NoError(t, err)
	fx.feed.push(FeedResponse{Body: csvOf("Beta,Criminal,B2", "Gamma,Civil,C3")}, nil)
	second, err := fx.engine.Ingest(ctx, crawler.SourceUnreportedJudgments)
	require.NoError(t, err)

	old, err := LoadIndex(ctx, fx.store, crawler.SourceUnreportedJudgments, first.VersionID)
	require.NoError(t, err)
	require.Equal(t, 2, old.Len())
	_, ok := old.Lookup("a-1")
	require.True(t, ok)
	_, ok = old.Lookup("C3")
	require.False(t, ok)

	cur, err := LoadIndex(ctx, fx.store, crawler.SourceUnreportedJudgments, second.VersionID)
	require.NoError(t, err)
	require.Equal(t, second.VersionID, cur.VersionID())
	require.Equal(t, 2, cur.Len())
	_, ok = cur.Lookup("A1")
	require.False(t, ok)
	beta, ok := cur.Lookup("b&#50;")
	require.True(t, ok)
	require.True(t, beta.Excluded)
	_, ok = cur.Lookup("   ")
	require.False(t, ok)
}
