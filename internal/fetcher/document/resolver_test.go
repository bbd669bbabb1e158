package document

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/case-crawler/internal/crawler"
	collyfetcher "github.com/JakeFAU/case-crawler/internal/fetcher/colly"
	"github.com/JakeFAU/case-crawler/internal/fetcher/session"
	"github.com/JakeFAU/case-crawler/internal/storage/memory"
)

var pdfBody = append([]byte("%PDF-1.7\n"), bytes.Repeat([]byte("x"), 2048)...)

type spySession struct {
	session.Static
	invalidated atomic.Int32
}

func (s *spySession) Invalidate() { s.invalidated.Add(1) }

type fullDisk struct{ *memory.BlobStore }

func (fullDisk) PutObject(context.Context, string, string, io.Reader) (string, error) {
	return "", fmt.Errorf("write file: %w", crawler.ErrDiskFull)
}

func newSite(t *testing.T) *httptest.Server {
	t.Helper()
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/ajax":
			if err := r.ParseForm(); err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			if r.PostForm.Get("action") != "dl_bfile" || r.PostForm.Get("security") != "good" {
				_, _ = io.WriteString(w, "-1")
				return
			}
			file := map[string]string{
				"AB12":  "AB12.pdf",
				"DUP1":  "dup.pdf",
				"DUP2":  "dup.pdf",
				"BAD":   "notpdf",
				"SHORT": "short",
				"GONE":  "gone",
				"DOWN":  "down",
			}[r.PostForm.Get("fid")]
			if file == "" {
				_, _ = io.WriteString(w, `{"success":false}`)
				return
			}
			signed := strings.ReplaceAll(srv.URL+"/files/"+file, "/", `\/`)
			_, _ = fmt.Fprintf(w, `{"success":true,"data":{"fid":"%s"}}`, signed)
		case r.URL.Path == "/files/AB12.pdf", r.URL.Path == "/files/dup.pdf", r.URL.Path == "/box/FB1.pdf":
			_, _ = w.Write(pdfBody)
		case r.URL.Path == "/files/notpdf":
			_, _ = io.WriteString(w, "<html>login</html>"+strings.Repeat(" ", 2048))
		case r.URL.Path == "/files/short":
			_, _ = io.WriteString(w, "%PDF-1.4")
		case r.URL.Path == "/files/down":
			w.WriteHeader(http.StatusServiceUnavailable)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newResolver(srv *httptest.Server, src session.Source, blobs crawler.BlobStore) *Resolver {
	client := collyfetcher.New(collyfetcher.Config{Timeout: 2 * time.Second})
	return New(Config{
		AjaxURL:          srv.URL + "/ajax",
		Origin:           srv.URL,
		FallbackTemplate: srv.URL + "/box/%s.pdf",
	}, client, src, blobs, nil)
}

func caseOf(id int64, token string) crawler.Case {
	return crawler.Case{
		ID:         id,
		Source:     crawler.SourceUnreportedJudgments,
		CaseRecord: crawler.CaseRecord{TokenRaw: token, TokenNorm: token},
	}
}

func goodSession() *spySession {
	return &spySession{Static: session.Static{Value: session.Token{Nonce: "good"}}}
}

// TestFetchDownloadsThenReportsExisting ensures a stored document is not
// downloaded twice.
func TestFetchDownloadsThenReportsExisting(t *testing.T) {
	t.Parallel()

	srv := newSite(t)
	blobs := memory.NewBlobStore()
	r := newResolver(srv, goodSession(), blobs)
	ctx := context.Background()

	out, err := r.Fetch(ctx, crawler.FetchRequest{RunID: "run-1", Case: caseOf(1, "AB12"), Attempt: 1})
	require.NoError(t, err)
	require.Equal(t, crawler.OutcomeDownloaded, out.Kind)
	require.Equal(t, srv.URL+"/files/AB12.pdf", out.ResolvedURL)
	require.Equal(t, "memory://documents/unreported_judgments/AB12.pdf", out.FileRef)
	require.Equal(t, int64(len(pdfBody)), out.FileSize)

	stored, ok := blobs.Get("documents/unreported_judgments/AB12.pdf")
	require.True(t, ok)
	require.Equal(t, pdfBody, stored)

	out, err = r.Fetch(ctx, crawler.FetchRequest{RunID: "run-2", Case: caseOf(1, "AB12"), Attempt: 1})
	require.NoError(t, err)
	require.Equal(t, crawler.OutcomeExisting, out.Kind)
}

func TestFetchDetectsInRunDuplicate(t *testing.T) {
	t.Parallel()

	srv := newSite(t)
	r := newResolver(srv, goodSession(), memory.NewBlobStore())
	ctx := context.Background()

	out, err := r.Fetch(ctx, crawler.FetchRequest{RunID: "run-1", Case: caseOf(1, "DUP1")})
	require.NoError(t, err)
	require.Equal(t, crawler.OutcomeDownloaded, out.Kind)

	out, err = r.Fetch(ctx, crawler.FetchRequest{RunID: "run-1", Case: caseOf(2, "DUP2")})
	require.NoError(t, err)
	require.Equal(t, crawler.OutcomeDuplicate, out.Kind)

	r.Forget("run-1")
	out, err = r.Fetch(ctx, crawler.FetchRequest{RunID: "run-2", Case: caseOf(2, "DUP2")})
	require.NoError(t, err)
	require.Equal(t, crawler.OutcomeDownloaded, out.Kind)
}

func TestFetchFallsBackToDirectURL(t *testing.T) {
	t.Parallel()

	srv := newSite(t)
	r := newResolver(srv, goodSession(), memory.NewBlobStore())

	out, err := r.Fetch(context.Background(), crawler.FetchRequest{RunID: "run-1", Case: caseOf(3, "FB1")})
	require.NoError(t, err)
	require.Equal(t, crawler.OutcomeDownloaded, out.Kind)
	require.Equal(t, srv.URL+"/box/FB1.pdf", out.ResolvedURL)
}

func TestFetchInvalidTokenInvalidatesSession(t *testing.T) {
	t.Parallel()

	srv := newSite(t)
	src := &spySession{Static: session.Static{Value: session.Token{Nonce: "stale"}}}
	r := newResolver(srv, src, memory.NewBlobStore())

	_, err := r.Fetch(context.Background(), crawler.FetchRequest{RunID: "run-1", Case: caseOf(1, "AB12")})
	require.Equal(t, crawler.CodeInvalidToken, crawler.CodeOf(err))
	require.Equal(t, int32(1), src.invalidated.Load())
}

// TestFetchClassifiesFailures ensures every failure carries a retry code.
func TestFetchClassifiesFailures(t *testing.T) {
	t.Parallel()

	srv := newSite(t)
	r := newResolver(srv, goodSession(), memory.NewBlobStore())

	cases := map[string]crawler.ErrorCode{
		"BAD":   crawler.CodeMalformedPDF,
		"SHORT": crawler.CodeMalformedPDF,
		"GONE":  crawler.CodeHTTP404,
		"DOWN":  crawler.CodeHTTP5xx,
	}
	var id int64
	for token, want := range cases {
		id++
		_, err := r.Fetch(context.Background(), crawler.FetchRequest{RunID: "run-1", Case: caseOf(id, token)})
		require.Equal(t, want, crawler.CodeOf(err), token)
	}
}

func TestFetchReportsDiskFull(t *testing.T) {
	t.Parallel()

	srv := newSite(t)
	r := newResolver(srv, goodSession(), fullDisk{memory.NewBlobStore()})

	_, err := r.Fetch(context.Background(), crawler.FetchRequest{RunID: "run-1", Case: caseOf(1, "AB12")})
	require.Equal(t, crawler.CodeDiskFull, crawler.CodeOf(err))
	require.ErrorIs(t, err, crawler.ErrDiskFull)
}

func TestFetchPassesThroughDeadline(t *testing.T) {
	t.Parallel()

	srv := newSite(t)
	r := newResolver(srv, goodSession(), memory.NewBlobStore())

	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	time.Sleep(time.Millisecond)
	_, err := r.Fetch(ctx, crawler.FetchRequest{RunID: "run-1", Case: caseOf(1, "AB12")})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

// TestFetchRejectsTruncatedDocument ensures a body cut at the client's size
// cap is never stored as a download.
func TestFetchRejectsTruncatedDocument(t *testing.T) {
	t.Parallel()

	srv := newSite(t)
	blobs := memory.NewBlobStore()
	client := collyfetcher.New(collyfetcher.Config{Timeout: 2 * time.Second, MaxBodySize: 1500})
	r := New(Config{
		AjaxURL:          srv.URL + "/ajax",
		Origin:           srv.URL,
		FallbackTemplate: srv.URL + "/box/%s.pdf",
	}, client, goodSession(), blobs, nil)

	out, err := r.Fetch(context.Background(), crawler.FetchRequest{RunID: "run-1", Case: caseOf(1, "AB12"), Attempt: 1})
	require.Equal(t, crawler.CodeMalformedPDF, crawler.CodeOf(err))
	require.ErrorContains(t, err, "truncated")
	require.NotEqual(t, crawler.OutcomeDownloaded, out.Kind)

	_, ok := blobs.Get("documents/unreported_judgments/AB12.pdf")
	require.False(t, ok)
}
