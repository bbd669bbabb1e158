package catalog

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/case-crawler/internal/crawler"
	"github.com/JakeFAU/case-crawler/internal/hash/sha256"
	"github.com/JakeFAU/case-crawler/internal/progress"
	"github.com/JakeFAU/case-crawler/internal/storage/memory"
)

const feedURL = "https://example.test/judgments.csv"

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

type scriptedFeed struct {
	mu        sync.Mutex
	responses []FeedResponse
	errs      []error
	requests  []FeedRequest
}

func (f *scriptedFeed) push(resp FeedResponse, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses = append(f.responses, resp)
	f.errs = append(f.errs, err)
}

func (f *scriptedFeed) Fetch(_ context.Context, req FeedRequest) (FeedResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	resp, err := f.responses[0], f.errs[0]
	f.responses, f.errs = f.responses[1:], f.errs[1:]
	return resp, err
}

type eventLog struct {
	mu     sync.Mutex
	events []progress.Event
}

func (l *eventLog) Emit(evt progress.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, evt)
}

func (l *eventLog) notes() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.events))
	for _, e := range l.events {
		out = append(out, e.Note)
	}
	return out
}

type engineFixture struct {
	engine *Engine
	store  *memory.Store
	blobs  *memory.BlobStore
	feed   *scriptedFeed
	events *eventLog
}

func newEngineFixture() engineFixture {
	fx := engineFixture{
		store:  memory.NewStore(),
		blobs:  memory.NewBlobStore(),
		feed:   &scriptedFeed{},
		events: &eventLog{},
	}
	fx.engine = NewEngine(
		Config{Sources: map[string]string{crawler.SourceUnreportedJudgments: feedURL}},
		Deps{
			Store:  fx.store,
			Feed:   fx.feed,
			Parser: NewParser([]string{"Criminal"}),
			Blobs:  fx.blobs,
			Hasher: sha256.New(),
			Clock:  fixedClock{now: time.Date(2025, 3, 1, 9, 30, 0, 0, time.UTC)},
			Events: fx.events,
		},
	)
	return fx
}

func csvOf(rows ...string) []byte {
	return []byte("Title,Category,Actions\n" + strings.Join(rows, "\n") + "\n")
}

// TestIngestLifecycle ensures new, unchanged, not-modified and diffed feeds
// are reconciled correctly.
func TestIngestLifecycle(t *testing.T) {
	t.Parallel()

	fx := newEngineFixture()
	ctx := context.Background()

	fx.feed.push(FeedResponse{Body: csvOf("Alpha,Civil,A1", "Beta,Civil,B2"), ETag: `"e1"`}, nil)
	first, err := fx.engine.Ingest(ctx, "")
	require.NoError(t, err)
	require.True(t, first.IsNewVersion)
	require.Len(t, first.NewCaseIDs, 2)
	require.Equal(t, 2, first.RowCount)
	require.Empty(t, fx.feed.requests[0].ETag)

	v1, err := fx.store.GetVersion(ctx, first.VersionID)
	require.NoError(t, err)
	require.True(t, v1.Valid)
	require.True(t, strings.HasPrefix(v1.SnapshotURI, "memory://csv/unreported_judgments_20250301_093000_"))
	_, ok := fx.blobs.Get(strings.TrimPrefix(v1.SnapshotURI, "memory://"))
	require.True(t, ok)

	// Same bytes: no new version.
	fx.feed.push(FeedResponse{Body: csvOf("Alpha,Civil,A1", "Beta,Civil,B2"), ETag: `"e2"`}, nil)
	same, err := fx.engine.Ingest(ctx, crawler.SourceUnreportedJudgments)
	require.NoError(t, err)
	require.False(t, same.IsNewVersion)
	require.Equal(t, first.VersionID, same.VersionID)
	require.Equal(t, `"e1"`, fx.feed.requests[1].ETag)

	fx.feed.push(FeedResponse{NotModified: true}, nil)
	unchanged, err := fx.engine.Ingest(ctx, crawler.SourceUnreportedJudgments)
	require.NoError(t, err)
	require.False(t, unchanged.IsNewVersion)
	require.Equal(t, first.VersionID, unchanged.VersionID)

	versions, err := fx.store.ListVersions(ctx, crawler.SourceUnreportedJudgments, 0)
	require.NoError(t, err)
	require.Len(t, versions, 1)

	// Beta retitled, Alpha removed, Gamma added.
	fx.feed.push(FeedResponse{Body: csvOf("Beta v2,Civil,B2", "Gamma,Civil,C3")}, nil)
	second, err := fx.engine.Ingest(ctx, crawler.SourceUnreportedJudgments)
	require.NoError(t, err)
	require.True(t, second.IsNewVersion)
	require.Greater(t, second.VersionID, first.VersionID)
	require.Len(t, second.NewCaseIDs, 1)
	require.Len(t, second.ChangedCaseIDs, 1)
	require.Len(t, second.RemovedCaseIDs, 1)

	removed, err := fx.store.GetCase(ctx, second.RemovedCaseIDs[0])
	require.NoError(t, err)
	require.Equal(t, "A1", removed.TokenNorm)
	require.False(t, removed.Active)
	require.Equal(t, second.VersionID, removed.LastSeenVersionID)

	changed, err := fx.store.GetCase(ctx, second.ChangedCaseIDs[0])
	require.NoError(t, err)
	require.Equal(t, "Beta v2", changed.Title)
	require.Equal(t, first.VersionID, changed.FirstSeenVersionID)

	require.Equal(t, []string{resultNewVersion, resultUnchanged, resultNotModified, resultNewVersion}, fx.events.notes())
}

type steppingClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *steppingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *steppingClock) advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// TestIngestFailuresLeaveCatalogUntouched ensures failed fetches and invalid
// feeds only record invalid versions and never touch existing cases.
func TestIngestFailuresLeaveCatalogUntouched(t *testing.T) {
	t.Parallel()

	fx := newEngineFixture()
	clock := &steppingClock{now: time.Date(2025, 3, 1, 9, 30, 0, 0, time.UTC)}
	fx.engine.clock = clock
	ctx := context.Background()
	query := crawler.CaseQuery{Source: crawler.SourceUnreportedJudgments, IncludeExcluded: true}

	fx.feed.push(FeedResponse{Body: csvOf("Alpha,Civil,A1", "Beta,Civil,B2", "R v Gamma,Criminal,C3")}, nil)
	_, err := fx.engine.Ingest(ctx, crawler.SourceUnreportedJudgments)
	require.NoError(t, err)
	clock.advance(time.Hour)
	fx.feed.push(FeedResponse{Body: csvOf("Beta,Civil,B2", "R v Gamma,Criminal,C3")}, nil)
	valid, err := fx.engine.Ingest(ctx, crawler.SourceUnreportedJudgments)
	require.NoError(t, err)

	before, err := fx.store.ListCases(ctx, query)
	require.NoError(t, err)
	require.Len(t, before, 3)

	clock.advance(time.Hour)
	fx.feed.push(FeedResponse{}, errors.New("connection refused"))
	_, err = fx.engine.Ingest(ctx, crawler.SourceUnreportedJudgments)
	var feedErr *crawler.FeedError
	require.ErrorAs(t, err, &feedErr)
	require.ErrorIs(t, err, crawler.ErrFeedUnavailable)

	v, err := fx.store.GetVersion(ctx, feedErr.VersionID)
	require.NoError(t, err)
	require.False(t, v.Valid)
	require.Contains(t, v.Error, "connection refused")

	clock.advance(time.Hour)
	fx.feed.push(FeedResponse{Body: []byte("Title,Court\nA,B\n")}, nil)
	_, err = fx.engine.Ingest(ctx, crawler.SourceUnreportedJudgments)
	require.ErrorIs(t, err, crawler.ErrFeedInvalid)

	clock.advance(time.Hour)
	fx.feed.push(FeedResponse{Body: csvOf()}, nil)
	_, err = fx.engine.Ingest(ctx, crawler.SourceUnreportedJudgments)
	require.ErrorIs(t, err, crawler.ErrFeedInvalid)

	after, err := fx.store.ListCases(ctx, query)
	require.NoError(t, err)
	require.Equal(t, before, after)

	latest, err := fx.store.LatestValidVersion(ctx, crawler.SourceUnreportedJudgments)
	require.NoError(t, err)
	require.Equal(t, valid.VersionID, latest.ID)
	require.Equal(t, []string{resultNewVersion, resultNewVersion, resultUnavailable, resultInvalid, resultInvalid}, fx.events.notes())
}

func TestIngestUnknownSource(t *testing.T) {
	t.Parallel()

	fx := newEngineFixture()
	_, err := fx.engine.Ingest(context.Background(), crawler.SourcePublicRegisters)
	require.ErrorIs(t, err, crawler.ErrUnknownSource)

	_, err = fx.engine.Ingest(context.Background(), "gazette")
	require.ErrorIs(t, err, crawler.ErrUnknownSource)
}

// TestResolveFallsBack ensures a failed feed reuses the last valid version.
func TestResolveFallsBack(t *testing.T) {
	t.Parallel()

	fx := newEngineFixture()
	ctx := context.Background()

	fx.feed.push(FeedResponse{}, errors.New("timeout"))
	_, err := fx.engine.Resolve(ctx, crawler.SourceUnreportedJudgments)
	require.ErrorIs(t, err, crawler.ErrNoValidCatalog)
	require.ErrorIs(t, err, crawler.ErrFeedUnavailable)

	fx.feed.push(FeedResponse{Body: csvOf("Alpha,Civil,A1")}, nil)
	ok, err := fx.engine.Resolve(ctx, crawler.SourceUnreportedJudgments)
	require.NoError(t, err)
	require.NoError(t, ok.FeedErr)
	require.True(t, ok.IsNewVersion)

	fx.feed.push(FeedResponse{}, errors.New("timeout"))
	fallback, err := fx.engine.Resolve(ctx, crawler.SourceUnreportedJudgments)
	require.NoError(t, err)
	require.ErrorIs(t, fallback.FeedErr, crawler.ErrFeedUnavailable)
	require.False(t, fallback.IsNewVersion)
	require.Equal(t, ok.VersionID, fallback.VersionID)
}
