package retry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/case-crawler/internal/crawler"
)

// TestDecideTransientHonoursCap ensures transient codes retry up to the cap only.
func TestDecideTransientHonoursCap(t *testing.T) {
	t.Parallel()

	p := New(Config{})
	for attempt := 1; attempt <= 3; attempt++ {
		d := p.Decide(crawler.CodeNetwork, attempt)
		require.True(t, d.Retry, "attempt %d", attempt)
		require.Equal(t, ClassTransient, d.Class)
		require.False(t, d.StopRun)
	}
	d := p.Decide(crawler.CodeNetwork, 4)
	require.False(t, d.Retry)
	require.Zero(t, d.Delay)
}

func TestDecideBackoffSchedule(t *testing.T) {
	t.Parallel()

	p := New(Config{})
	require.Equal(t, time.Second, p.Decide(crawler.CodeHTTP5xx, 1).Delay)
	require.Equal(t, 2*time.Second, p.Decide(crawler.CodeHTTP5xx, 2).Delay)
	require.Equal(t, 4*time.Second, p.Decide(crawler.CodeHTTP5xx, 3).Delay)

	wide := New(Config{MaxAttempts: 10})
	require.Equal(t, 16*time.Second, wide.Backoff(5))
	require.Equal(t, 30*time.Second, wide.Backoff(6))
	require.Equal(t, 30*time.Second, wide.Backoff(9))
}

func TestDecidePermanentAndUnclassified(t *testing.T) {
	t.Parallel()

	p := New(Config{})
	for _, code := range []crawler.ErrorCode{
		crawler.CodeHTTP404,
		crawler.CodeMalformedPDF,
		crawler.CodeInvalidToken,
		crawler.CodeAlreadyDownload,
	} {
		d := p.Decide(code, 1)
		require.False(t, d.Retry, "code %s", code)
		require.Equal(t, ClassPermanent, d.Class)
	}

	d := p.Decide("something_new", 1)
	require.False(t, d.Retry)
	require.Equal(t, ClassUnclassified, d.Class)
}

func TestDecideDiskFullStopsRun(t *testing.T) {
	t.Parallel()

	d := New(Config{}).Decide(crawler.CodeDiskFull, 1)
	require.True(t, d.StopRun)
	require.False(t, d.Retry)
	require.Equal(t, ClassRunFatal, d.Class)
}

func TestNewClampsConfig(t *testing.T) {
	t.Parallel()

	p := New(Config{MaxAttempts: 2, BaseDelay: 10 * time.Second, MaxDelay: time.Second})
	require.Equal(t, 2, p.MaxAttempts())
	require.Equal(t, 10*time.Second, p.Backoff(3))
	require.False(t, p.Decide(crawler.CodeRateLimited, 3).Retry)
}
