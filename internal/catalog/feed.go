package catalog

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	collyfetcher "github.com/JakeFAU/case-crawler/internal/fetcher/colly"
)

// FeedRequest carries the validators of the latest valid version.
type FeedRequest struct {
	URL          string
	ETag         string
	LastModified string
}

// FeedResponse is a fetched (or unchanged) feed.
type FeedResponse struct {
	NotModified  bool
	Body         []byte
	ETag         string
	LastModified string
}

// Feed fetches the raw case feed.
type Feed interface {
	Fetch(ctx context.Context, req FeedRequest) (FeedResponse, error)
}

// HTTPFeed performs conditional GETs through the shared colly client.
type HTTPFeed struct {
	client *collyfetcher.Client
}

// NewHTTPFeed builds an HTTPFeed.
func NewHTTPFeed(client *collyfetcher.Client) *HTTPFeed {
	return &HTTPFeed{client: client}
}

// Fetch implements Feed.
func (f *HTTPFeed) Fetch(ctx context.Context, req FeedRequest) (FeedResponse, error) {
	headers := http.Header{}
	headers.Set("Accept", "text/csv, */*;q=0.5")
	if req.ETag != "" {
		headers.Set("If-None-Match", req.ETag)
	}
	if req.LastModified != "" {
		headers.Set("If-Modified-Since", req.LastModified)
	}
	resp, err := f.client.Do(ctx, collyfetcher.Request{URL: req.URL, Headers: headers})
	var statusErr *collyfetcher.StatusError
	switch {
	case errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusNotModified:
		return FeedResponse{NotModified: true, ETag: req.ETag, LastModified: req.LastModified}, nil
	case err != nil:
		return FeedResponse{}, fmt.Errorf("fetch feed %s: %w", req.URL, err)
	case resp.Truncated:
		return FeedResponse{}, fmt.Errorf("fetch feed %s: body truncated at %d bytes", req.URL, len(resp.Body))
	}
	return FeedResponse{
		Body:         resp.Body,
		ETag:         resp.Headers.Get("ETag"),
		LastModified: resp.Headers.Get("Last-Modified"),
	}, nil
}
