// Package document resolves a case to its signed download URL through the
// site's AJAX endpoint, downloads the PDF and stores it in the blob store.
package document

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/case-crawler/internal/crawler"
	collyfetcher "github.com/JakeFAU/case-crawler/internal/fetcher/colly"
	"github.com/JakeFAU/case-crawler/internal/fetcher/session"
	"github.com/JakeFAU/case-crawler/internal/metrics"
)

// Defaults for the judicial site.
const (
	DefaultAjaxURL          = "https://judicial.ky/wp-admin/admin-ajax.php"
	DefaultOrigin           = "https://judicial.ky"
	DefaultFallbackTemplate = "https://judicial.ky/wp-content/uploads/box_files/%s.pdf"
	DefaultPrefix           = "documents"
	DefaultMinSize          = 1024
)

var pdfMagic = []byte("%PDF")

// Config controls resolution and storage.
type Config struct {
	AjaxURL string
	Origin  string
	Referer string
	// FallbackTemplate is a fmt template taking the raw token, used when
	// the AJAX payload carries no URL.
	FallbackTemplate string
	Prefix           string
	MinSize          int
}

// Resolver implements crawler.Resolver.
type Resolver struct {
	cfg     Config
	client  *collyfetcher.Client
	session session.Source
	blobs   crawler.BlobStore
	logger  *zap.Logger

	mu sync.Mutex
	// claimed maps run ID to document URL key to the case that took it.
	claimed map[string]map[string]int64
}

var _ crawler.Resolver = (*Resolver)(nil)

// New builds a Resolver.
func New(cfg Config, client *collyfetcher.Client, src session.Source, blobs crawler.BlobStore, logger *zap.Logger) *Resolver {
	if cfg.AjaxURL == "" {
		cfg.AjaxURL = DefaultAjaxURL
	}
	if cfg.Origin == "" {
		cfg.Origin = DefaultOrigin
	}
	if cfg.FallbackTemplate == "" {
		cfg.FallbackTemplate = DefaultFallbackTemplate
	}
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	if cfg.MinSize <= 0 {
		cfg.MinSize = DefaultMinSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		cfg:     cfg,
		client:  client,
		session: src,
		blobs:   blobs,
		logger:  logger.Named("document"),
		claimed: make(map[string]map[string]int64),
	}
}

// ObjectPath is where the document of c is stored.
func (r *Resolver) ObjectPath(c crawler.Case) string {
	return path.Join(r.cfg.Prefix, c.Source, c.TokenNorm+".pdf")
}

// Fetch implements crawler.Resolver.
func (r *Resolver) Fetch(ctx context.Context, req crawler.FetchRequest) (crawler.Outcome, error) {
	out, err := r.fetch(ctx, req)
	site := out.ResolvedURL
	if site == "" {
		site = r.cfg.AjaxURL
	}
	result := string(out.Kind)
	if err != nil {
		result = string(crawler.CodeOf(err))
	}
	metrics.ObserveDocument(site, result, out.FileSize)
	return out, err
}

func (r *Resolver) fetch(ctx context.Context, req crawler.FetchRequest) (crawler.Outcome, error) {
	objectPath := r.ObjectPath(req.Case)
	exists, err := r.blobs.Exists(ctx, objectPath)
	if err != nil {
		return crawler.Outcome{}, crawler.NewFetchError(crawler.CodeInternal, fmt.Errorf("check existing: %w", err))
	}
	if exists {
		return crawler.Outcome{Kind: crawler.OutcomeExisting, FileRef: objectPath}, nil
	}

	target, err := r.resolve(ctx, req.Case)
	if err != nil {
		return crawler.Outcome{}, err
	}
	key := crawler.DocumentURLKey(target)
	if !r.claim(req.RunID, key, req.Case.ID) {
		return crawler.Outcome{Kind: crawler.OutcomeDuplicate, ResolvedURL: target}, nil
	}

	body, err := r.download(ctx, target)
	if err != nil {
		r.release(req.RunID, key)
		return crawler.Outcome{}, err
	}
	uri, err := r.blobs.PutObject(ctx, objectPath, "application/pdf", bytes.NewReader(body))
	if err != nil {
		r.release(req.RunID, key)
		if errors.Is(err, crawler.ErrDiskFull) {
			return crawler.Outcome{}, crawler.NewFetchError(crawler.CodeDiskFull, err)
		}
		return crawler.Outcome{}, crawler.NewFetchError(crawler.CodeInternal, fmt.Errorf("store document: %w", err))
	}
	r.logger.Debug("document stored",
		zap.String("run_id", req.RunID),
		zap.String("token", req.Case.TokenNorm),
		zap.Int("bytes", len(body)),
	)
	return crawler.Outcome{
		Kind:        crawler.OutcomeDownloaded,
		ResolvedURL: target,
		FileRef:     uri,
		FileSize:    int64(len(body)),
	}, nil
}

// Forget drops the in-run duplicate tracking of runID.
func (r *Resolver) Forget(runID string) {
	r.mu.Lock()
	delete(r.claimed, runID)
	r.mu.Unlock()
}

// resolve asks the AJAX endpoint for the signed URL of c.
func (r *Resolver) resolve(ctx context.Context, c crawler.Case) (string, error) {
	tok, err := r.session.Token(ctx)
	if err != nil {
		return "", err
	}
	headers := http.Header{}
	headers.Set("Accept", "*/*")
	headers.Set("Origin", r.cfg.Origin)
	headers.Set("X-Requested-With", "XMLHttpRequest")
	if r.cfg.Referer != "" {
		headers.Set("Referer", r.cfg.Referer)
	}
	if cookie := tok.CookieHeader(); cookie != "" {
		headers.Set("Cookie", cookie)
	}
	resp, err := r.client.Do(ctx, collyfetcher.Request{
		URL:     r.cfg.AjaxURL,
		Headers: headers,
		Form: map[string]string{
			"action":   "dl_bfile",
			"fid":      c.TokenRaw,
			"fname":    c.TokenNorm,
			"security": tok.Nonce,
		},
	})
	if err != nil {
		return "", classify(ctx, "resolve", err)
	}
	body := strings.TrimSpace(string(resp.Body))
	if body == "-1" || body == "0" {
		r.session.Invalidate()
		return "", crawler.NewFetchError(crawler.CodeInvalidToken, errors.New("ajax endpoint rejected security token"))
	}
	if u := signedURL(resp.Body); u != "" {
		return u, nil
	}
	fallback := fmt.Sprintf(r.cfg.FallbackTemplate, c.TokenRaw)
	r.logger.Info("ajax payload without url, using fallback",
		zap.String("token", c.TokenNorm),
		zap.String("url", fallback),
	)
	return fallback, nil
}

type ajaxPayload struct {
	Success bool `json:"success"`
	Data    struct {
		FID string `json:"fid"`
		URL string `json:"url"`
	} `json:"data"`
}

// signedURL extracts the download URL from the AJAX reply.
func signedURL(body []byte) string {
	var p ajaxPayload
	if err := json.Unmarshal(body, &p); err != nil || !p.Success {
		return ""
	}
	for _, candidate := range []string{p.Data.FID, p.Data.URL} {
		candidate = strings.ReplaceAll(strings.TrimSpace(candidate), `\/`, "/")
		if strings.HasPrefix(strings.ToLower(candidate), "http") {
			return candidate
		}
	}
	return ""
}

func (r *Resolver) download(ctx context.Context, target string) ([]byte, error) {
	resp, err := r.client.Do(ctx, collyfetcher.Request{URL: target})
	if err != nil {
		return nil, classify(ctx, "download", err)
	}
	if resp.Truncated {
		return nil, crawler.NewFetchError(crawler.CodeMalformedPDF, fmt.Errorf("%s: body truncated at %d bytes", target, len(resp.Body)))
	}
	if !bytes.HasPrefix(resp.Body, pdfMagic) {
		return nil, crawler.NewFetchError(crawler.CodeMalformedPDF, fmt.Errorf("%s: missing %%PDF header", target))
	}
	if len(resp.Body) < r.cfg.MinSize {
		return nil, crawler.NewFetchError(crawler.CodeMalformedPDF, fmt.Errorf("%s: %d bytes is below minimum %d", target, len(resp.Body), r.cfg.MinSize))
	}
	return resp.Body, nil
}

func (r *Resolver) claim(runID, key string, caseID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	byURL, ok := r.claimed[runID]
	if !ok {
		byURL = make(map[string]int64)
		r.claimed[runID] = byURL
	}
	if owner, taken := byURL[key]; taken && owner != caseID {
		return false
	}
	byURL[key] = caseID
	return true
}

func (r *Resolver) release(runID, key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.claimed[runID], key)
}

// classify maps a transport or status failure to a FetchError. Context
// errors pass through so the executor can tell timeouts from aborts.
func classify(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s: %w", op, errors.Join(ctxErr, err))
	}
	var statusErr *collyfetcher.StatusError
	if errors.As(err, &statusErr) {
		return crawler.NewFetchError(crawler.HTTPStatusCode(statusErr.StatusCode), fmt.Errorf("%s: %w", op, err))
	}
	return crawler.NewFetchError(crawler.CodeNetwork, fmt.Errorf("%s: %w", op, err))
}
