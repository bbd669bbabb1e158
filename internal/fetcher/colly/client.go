// Package collyfetcher wraps gocolly as a small context-aware HTTP client
// used for the case feed, AJAX resolution and document downloads.
package collyfetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gocolly/colly/v2"
)

// Config controls collector behavior.
type Config struct {
	UserAgent string
	Timeout   time.Duration
	// MaxBodySize caps response bodies in bytes. Zero keeps colly's default.
	MaxBodySize int
}

// Request is one HTTP exchange. A non-nil Form makes it a POST.
type Request struct {
	URL     string
	Headers http.Header
	Form    map[string]string
}

// Response is the captured reply.
type Response struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
	// Truncated is set when the body hit the size cap or is shorter than
	// the declared Content-Length. colly cuts bodies silently.
	Truncated bool
}

// StatusError is returned for non-2xx replies. The Response is still filled.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http status %d", e.StatusCode)
}

// Client issues requests through per-call colly collectors.
type Client struct {
	cfg       Config
	transport http.RoundTripper
	base      *colly.Collector
}

// New builds a Client.
func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	base := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	if cfg.MaxBodySize > 0 {
		base.MaxBodySize = cfg.MaxBodySize
	}
	return &Client{cfg: cfg, transport: newHTTPTransport(), base: base}
}

// Do performs req. Non-2xx replies return the Response together with a
// *StatusError; transport failures return an empty Response.
func (c *Client) Do(ctx context.Context, req Request) (Response, error) {
	var (
		result  Response
		respErr error
	)
	start := time.Now()
	collector := c.base.Clone()
	collector.AllowURLRevisit = true
	if c.cfg.UserAgent != "" {
		collector.UserAgent = c.cfg.UserAgent
	}
	collector.SetRequestTimeout(c.cfg.Timeout)
	collector.WithTransport(&ctxTransport{ctx: ctx, base: c.transport})

	collector.OnRequest(func(r *colly.Request) {
		for key, values := range req.Headers {
			for _, v := range values {
				r.Headers.Add(key, v)
			}
		}
	})
	capture := func(r *colly.Response) {
		result = Response{
			StatusCode: r.StatusCode,
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
		}
		if r.Request != nil && r.Request.URL != nil {
			result.URL = r.Request.URL.String()
		}
		if r.Headers != nil {
			result.Headers = r.Headers.Clone()
		}
		result.Truncated = truncated(result, collector.MaxBodySize)
	}
	collector.OnResponse(capture)
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode > 0 {
			capture(r)
			respErr = &StatusError{StatusCode: r.StatusCode}
			return
		}
		respErr = err
	})

	done := make(chan error, 1)
	go func() {
		if req.Form != nil {
			done <- collector.Post(req.URL, req.Form)
			return
		}
		done <- collector.Visit(req.URL)
	}()

	select {
	case <-ctx.Done():
		return Response{}, fmt.Errorf("colly request canceled: %w", ctx.Err())
	case err := <-done:
		if respErr != nil {
			if _, ok := respErr.(*StatusError); ok {
				return result, respErr
			}
			return Response{}, fmt.Errorf("colly response failed: %w", respErr)
		}
		if err != nil {
			return Response{}, fmt.Errorf("colly visit failed: %w", err)
		}
		return result, nil
	}
}

// truncated reports whether colly cut the body short. A body exactly at the
// cap counts as truncated since the two cannot be told apart.
func truncated(resp Response, limit int) bool {
	if limit > 0 && len(resp.Body) >= limit {
		return true
	}
	if resp.Headers == nil || resp.Headers.Get("Content-Encoding") != "" {
		return false
	}
	declared, err := strconv.Atoi(resp.Headers.Get("Content-Length"))
	return err == nil && declared > len(resp.Body)
}

// ctxTransport binds outgoing requests to the caller's context so
// cancellation aborts the in-flight exchange.
type ctxTransport struct {
	ctx  context.Context
	base http.RoundTripper
}

func (t *ctxTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	return t.base.RoundTrip(r.WithContext(t.ctx))
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
