package catalog

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/case-crawler/internal/crawler"
	"github.com/JakeFAU/case-crawler/internal/progress"
)

// DefaultSnapshotPrefix is the blob prefix for archived feed payloads.
const DefaultSnapshotPrefix = "csv"

// Ingest results reported on CATALOG progress events.
const (
	resultNewVersion  = "new_version"
	resultNotModified = "not_modified"
	resultUnchanged   = "unchanged"
	resultUnavailable = "unavailable"
	resultInvalid     = "invalid"
)

// Config wires feed URLs per source.
type Config struct {
	// Sources maps a source name to its feed URL.
	Sources        map[string]string
	SnapshotPrefix string
}

// Engine ingests feeds and applies catalog diffs.
type Engine struct {
	cfg    Config
	store  crawler.CatalogStore
	feed   Feed
	parser *Parser
	blobs  crawler.BlobStore
	hasher crawler.Hasher
	clock  crawler.Clock
	events progress.Emitter
	logger *zap.Logger
}

// Deps groups the collaborators of an Engine.
type Deps struct {
	Store  crawler.CatalogStore
	Feed   Feed
	Parser *Parser
	Blobs  crawler.BlobStore
	Hasher crawler.Hasher
	Clock  crawler.Clock
	Events progress.Emitter
	Logger *zap.Logger
}

// NewEngine builds an Engine. Blobs, Events and Logger are optional.
func NewEngine(cfg Config, deps Deps) *Engine {
	if cfg.SnapshotPrefix == "" {
		cfg.SnapshotPrefix = DefaultSnapshotPrefix
	}
	if deps.Parser == nil {
		deps.Parser = NewParser(nil)
	}
	if deps.Events == nil {
		deps.Events = progress.Nop{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Engine{
		cfg:    cfg,
		store:  deps.Store,
		feed:   deps.Feed,
		parser: deps.Parser,
		blobs:  deps.Blobs,
		hasher: deps.Hasher,
		clock:  deps.Clock,
		events: deps.Events,
		logger: deps.Logger.Named("catalog"),
	}
}

// Ingest fetches the feed of source and reconciles the catalog. When the
// feed is unchanged (304 or identical digest) the latest valid version is
// returned with IsNewVersion=false. Fetch and parse failures are recorded
// as invalid versions and returned as *crawler.FeedError.
func (e *Engine) Ingest(ctx context.Context, source string) (crawler.DiffResult, error) {
	source, err := crawler.NormalizeSource(source)
	if err != nil {
		return crawler.DiffResult{}, err
	}
	feedURL, ok := e.cfg.Sources[source]
	if !ok || feedURL == "" {
		return crawler.DiffResult{}, fmt.Errorf("%w: no feed url for %q", crawler.ErrUnknownSource, source)
	}
	logger := e.logger.With(zap.String("source", source))

	latest, err := e.store.LatestValidVersion(ctx, source)
	hasLatest := err == nil
	if err != nil && !errors.Is(err, crawler.ErrVersionNotFound) {
		return crawler.DiffResult{}, fmt.Errorf("load latest version: %w", err)
	}

	req := FeedRequest{URL: feedURL}
	if hasLatest {
		req.ETag = latest.ETag
		req.LastModified = latest.LastModified
	}
	now := e.clock.Now()
	version := crawler.CatalogVersion{Source: source, FetchedAt: now, SourceURL: feedURL}

	resp, err := e.feed.Fetch(ctx, req)
	if err != nil {
		return crawler.DiffResult{}, e.reject(ctx, version, crawler.ErrFeedUnavailable, err)
	}
	if resp.NotModified {
		if !hasLatest {
			return crawler.DiffResult{}, e.reject(ctx, version, crawler.ErrFeedInvalid,
				errors.New("not modified without a prior valid version"))
		}
		logger.Info("feed not modified", zap.Int64("version_id", latest.ID))
		e.emit(source, latest.ID, resultNotModified)
		return unchangedResult(latest), nil
	}

	digest, err := e.hasher.Hash(resp.Body)
	if err != nil {
		return crawler.DiffResult{}, fmt.Errorf("hash feed: %w", err)
	}
	version.SHA256 = digest
	version.ETag = resp.ETag
	version.LastModified = resp.LastModified
	if hasLatest && digest == latest.SHA256 {
		logger.Info("feed digest unchanged", zap.Int64("version_id", latest.ID))
		e.emit(source, latest.ID, resultUnchanged)
		return unchangedResult(latest), nil
	}

	version.SnapshotURI = e.archive(ctx, logger, source, digest, resp.Body)
	records, rows, err := e.parser.Parse(source, resp.Body)
	version.RowCount = rows
	if err != nil {
		return crawler.DiffResult{}, e.reject(ctx, version, crawler.ErrFeedInvalid, err)
	}

	version.Valid = true
	id, err := e.store.RecordVersion(ctx, version)
	if err != nil {
		return crawler.DiffResult{}, fmt.Errorf("record version: %w", err)
	}
	diff, err := e.store.ApplyCatalogDiff(ctx, id, source, records, now)
	if err != nil {
		return crawler.DiffResult{}, fmt.Errorf("apply catalog diff: %w", err)
	}
	diff.RowCount = rows
	diff.IsNewVersion = true
	logger.Info("catalog ingested",
		zap.Int64("version_id", id),
		zap.Int("rows", rows),
		zap.Int("new", len(diff.NewCaseIDs)),
		zap.Int("changed", len(diff.ChangedCaseIDs)),
		zap.Int("removed", len(diff.RemovedCaseIDs)),
	)
	e.emit(source, id, resultNewVersion)
	return diff, nil
}

// Resolution is the catalog version a run should use.
type Resolution struct {
	crawler.DiffResult
	// FeedErr is set when ingestion failed and an earlier valid version
	// was substituted.
	FeedErr error
}

// Resolve ingests source and falls back to the latest valid version when
// the feed fails. Without any valid version it returns an error wrapping
// crawler.ErrNoValidCatalog.
func (e *Engine) Resolve(ctx context.Context, source string) (Resolution, error) {
	diff, err := e.Ingest(ctx, source)
	if err == nil {
		return Resolution{DiffResult: diff}, nil
	}
	var feedErr *crawler.FeedError
	if !errors.As(err, &feedErr) {
		return Resolution{}, err
	}
	latest, lerr := e.store.LatestValidVersion(ctx, feedErr.Source)
	if errors.Is(lerr, crawler.ErrVersionNotFound) {
		return Resolution{FeedErr: err}, fmt.Errorf("%w: %w", crawler.ErrNoValidCatalog, err)
	}
	if lerr != nil {
		return Resolution{FeedErr: err}, fmt.Errorf("load fallback version: %w", lerr)
	}
	e.logger.Warn("feed failed, using last valid version",
		zap.String("source", feedErr.Source),
		zap.Int64("version_id", latest.ID),
		zap.Error(err),
	)
	return Resolution{DiffResult: unchangedResult(latest), FeedErr: err}, nil
}

func (e *Engine) reject(ctx context.Context, version crawler.CatalogVersion, kind, cause error) error {
	version.Valid = false
	version.Error = cause.Error()
	id, err := e.store.RecordVersion(ctx, version)
	if err != nil {
		return fmt.Errorf("record invalid version: %w", errors.Join(err, cause))
	}
	result := resultInvalid
	if errors.Is(kind, crawler.ErrFeedUnavailable) {
		result = resultUnavailable
	}
	e.logger.Warn("catalog ingest failed",
		zap.String("source", version.Source),
		zap.Int64("version_id", id),
		zap.String("result", result),
		zap.Error(cause),
	)
	e.emit(version.Source, id, result)
	return &crawler.FeedError{Source: version.Source, VersionID: id, Kind: kind, Err: cause}
}

// archive stores the raw payload. Failures are logged and leave the
// snapshot URI empty.
func (e *Engine) archive(ctx context.Context, logger *zap.Logger, source, digest string, body []byte) string {
	if e.blobs == nil {
		return ""
	}
	short := digest
	if len(short) > 8 {
		short = short[:8]
	}
	name := fmt.Sprintf("%s_%s_%s.csv", source, e.clock.Now().UTC().Format("20060102_150405"), short)
	uri, err := e.blobs.PutObject(ctx, path.Join(strings.Trim(e.cfg.SnapshotPrefix, "/"), name), "text/csv", bytes.NewReader(body))
	if err != nil {
		logger.Warn("snapshot archive failed", zap.Error(err))
		return ""
	}
	return uri
}

func (e *Engine) emit(source string, versionID int64, result string) {
	e.events.Emit(progress.Event{
		TS:        e.clock.Now(),
		Stage:     progress.StageCatalog,
		Source:    source,
		VersionID: versionID,
		Note:      result,
	})
}

func unchangedResult(v crawler.CatalogVersion) crawler.DiffResult {
	return crawler.DiffResult{VersionID: v.ID, Source: v.Source, RowCount: v.RowCount}
}
