package ingest

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raphaelgruber/knowhow-ingest/internal/models"
	"github.com/raphaelgruber/knowhow-ingest/internal/retry"
)

const samplePage = `<!doctype html>
<html>
<head>
  <title> Ingestion Queues </title>
  <meta name="description" content="How crawl jobs are retried and escalated.">
  <style>body { color: red; }</style>
</head>
<body>
  <p>The scheduler claims pending work in priority order and runs it on a bounded pool.</p>
  <p>Failures are classified and retried with increasing delays before a person has to look at them.</p>
  <a href="/one">one</a> <a href="https://example.com/two">two</a>
  <script>var ignored = "do not count me";</script>
</body>
</html>`

func newTestFetcher() *Fetcher {
	return NewFetcher(nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func classOf(t *testing.T, err error) models.ErrorClass {
	t.Helper()
	var ce *retry.ClassifiedError
	require.True(t, errors.As(err, &ce), "expected ClassifiedError, got %T: %v", err, err)
	return ce.Class
}

func TestFetchExtractsPage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.Header.Get("User-Agent"), "knowhow-ingest")
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = io.WriteString(w, samplePage)
	}))
	defer srv.Close()

	page, err := newTestFetcher().Fetch(context.Background(), srv.URL)
	require.NoError(t, err)

	assert.Equal(t, "Ingestion Queues", page.Title)
	assert.Equal(t, "How crawl jobs are retried and escalated.", page.Description)
	assert.Equal(t, 2, page.Links)
	assert.Equal(t, "eng", page.Language)
	assert.False(t, page.NonHTML)
	assert.Equal(t, "html", page.Format)
	assert.Greater(t, page.Words, 20)
}

func TestExecuteSummarizesNonHTML(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/pdf")
		_, _ = w.Write([]byte("%PDF-1.4"))
	}))
	defer srv.Close()

	res, err := newTestFetcher().Execute(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, true, res.Summary["non_html"])
	assert.Equal(t, "other", res.Summary["format"])
	assert.Equal(t, srv.URL, res.Summary["url"])
}

func TestFetchClassifiesStatus(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   models.ErrorClass
	}{
		{"too many requests", http.StatusTooManyRequests, models.ErrorRateLimit},
		{"unavailable", http.StatusServiceUnavailable, models.ErrorRateLimit},
		{"gateway timeout", http.StatusGatewayTimeout, models.ErrorTimeout},
		{"server error", http.StatusInternalServerError, models.ErrorNetwork},
		{"not found", http.StatusNotFound, models.ErrorOther},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Retry-After", "120")
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			_, err := newTestFetcher().Fetch(context.Background(), srv.URL)
			require.Error(t, err)
			assert.Equal(t, tt.want, classOf(t, err))
			assert.Equal(t, tt.want, retry.Classify(err))

			detail := retry.Detail(err, 1)
			assert.Equal(t, tt.status, detail["http_status"])
		})
	}
}

func TestFetchRejectsNonHTTPReference(t *testing.T) {
	_, err := newTestFetcher().Fetch(context.Background(), "file:///etc/passwd")
	require.Error(t, err)
	assert.Equal(t, models.ErrorParse, classOf(t, err))
}

func TestFetchTimesOut(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := newTestFetcher().Fetch(ctx, srv.URL)
	require.Error(t, err)
	assert.Equal(t, models.ErrorTimeout, classOf(t, err))
}

func TestFetchConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := newTestFetcher().Fetch(context.Background(), url)
	require.Error(t, err)
	assert.Equal(t, models.ErrorNetwork, classOf(t, err))
}
