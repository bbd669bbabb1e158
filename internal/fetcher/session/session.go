// Package session obtains and caches the AJAX security token the document
// endpoint requires. The token is scraped from the rendered listing page by
// a headless browser and shared by every download until it expires or the
// endpoint rejects it.
package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/case-crawler/internal/crawler"
	"github.com/JakeFAU/case-crawler/internal/metrics"
)

// DefaultTTL bounds how long a scraped token is reused.
const DefaultTTL = 30 * time.Minute

// Token is a scraped AJAX nonce plus the cookies issued with it.
type Token struct {
	Nonce     string
	Cookies   []*http.Cookie
	FetchedAt time.Time
}

// CookieHeader renders the cookies for a Cookie request header.
func (t Token) CookieHeader() string {
	parts := make([]string, 0, len(t.Cookies))
	for _, c := range t.Cookies {
		parts = append(parts, c.Name+"="+c.Value)
	}
	return strings.Join(parts, "; ")
}

// Source hands out tokens.
type Source interface {
	Token(ctx context.Context) (Token, error)
	// Invalidate drops the cached token after the endpoint rejected it.
	Invalidate()
}

// Page is a rendered listing page.
type Page struct {
	HTML    string
	Cookies []*http.Cookie
}

// Loader renders the listing page.
type Loader interface {
	Load(ctx context.Context) (Page, error)
}

// Cache is a Source that scrapes through a Loader and reuses the token
// for TTL.
type Cache struct {
	loader Loader
	ttl    time.Duration
	clock  crawler.Clock
	logger *zap.Logger

	mu  sync.Mutex
	cur *Token
}

// NewCache builds a Cache. A non-positive ttl uses DefaultTTL.
func NewCache(loader Loader, ttl time.Duration, clock crawler.Clock, logger *zap.Logger) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{loader: loader, ttl: ttl, clock: clock, logger: logger.Named("session")}
}

// Token returns the cached token or scrapes a fresh one. Concurrent
// callers share a single scrape.
func (c *Cache) Token(ctx context.Context) (Token, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clock.Now()
	if c.cur != nil && now.Sub(c.cur.FetchedAt) < c.ttl {
		return *c.cur, nil
	}
	page, err := c.loader.Load(ctx)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Token{}, fmt.Errorf("load listing page: %w", errors.Join(ctxErr, err))
		}
		metrics.ObserveSessionRefresh(string(crawler.CodeNetwork))
		return Token{}, crawler.NewFetchError(crawler.CodeNetwork, fmt.Errorf("load listing page: %w", err))
	}
	nonce, ok := ExtractNonce(page.HTML)
	if !ok {
		metrics.ObserveSessionRefresh(string(crawler.CodeSiteStructure))
		return Token{}, crawler.NewFetchError(crawler.CodeSiteStructure, errors.New("security token not found on listing page"))
	}
	c.cur = &Token{Nonce: nonce, Cookies: page.Cookies, FetchedAt: now}
	metrics.ObserveSessionRefresh("ok")
	c.logger.Info("session token refreshed", zap.Int("cookies", len(page.Cookies)))
	return *c.cur, nil
}

// Invalidate implements Source.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.cur = nil
	c.mu.Unlock()
}

// Static is a fixed token, for configured nonces and tests.
type Static struct {
	Value Token
}

// Token implements Source.
func (s Static) Token(context.Context) (Token, error) {
	if s.Value.Nonce == "" {
		return Token{}, crawler.NewFetchError(crawler.CodeInvalidToken, errors.New("static token is empty"))
	}
	return s.Value, nil
}

// Invalidate implements Source.
func (Static) Invalidate() {}
