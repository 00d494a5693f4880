// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package capability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDownload(t *testing.T) {
	pdf := []byte("%PDF-1.5 fake body")
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/pdf")
		w.Write(pdf)
	}))
	defer ts.Close()

	f := &HTTPFetcher{Client: ts.Client(), UserAgent: "review-engine-test/0.1"}
	got, err := f.Download(context.Background(), ts.URL)
	require.NoError(t, err)
	assert.Equal(t, pdf, got)
}

func TestDownloadWrongContentType(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte("<html>Please log in</html>"))
	}))
	defer ts.Close()

	f := &HTTPFetcher{Client: ts.Client()}
	_, err := f.Download(context.Background(), ts.URL)
	var perm *PermanentError
	require.ErrorAs(t, err, &perm)
	assert.Equal(t, "wrong_content_type", perm.Code)
}

func TestDownloadPDFExtensionOverridesContentType(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Write([]byte("%PDF-1.5"))
	}))
	defer ts.Close()

	f := &HTTPFetcher{Client: ts.Client()}
	got, err := f.Download(context.Background(), ts.URL+"/paper.pdf")
	require.NoError(t, err)
	assert.NotEmpty(t, got)
}

func TestDownloadStatusMapping(t *testing.T) {
	tests := []struct {
		name       string
		statusCode int
		permanent  bool
		transient  bool
		rateLimit  bool
		wantCode   string
	}{
		{"dead link", http.StatusNotFound, true, false, false, "404"},
		{"paywall", http.StatusForbidden, true, false, false, "403"},
		{"unauthorized", http.StatusUnauthorized, true, false, false, "401"},
		{"server error", http.StatusInternalServerError, false, true, false, "500"},
		{"quota", http.StatusTooManyRequests, false, false, true, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.statusCode)
			}))
			defer ts.Close()

			f := &HTTPFetcher{Client: ts.Client()}
			_, err := f.Download(context.Background(), ts.URL)
			require.Error(t, err)

			switch {
			case tt.permanent:
				var perm *PermanentError
				require.ErrorAs(t, err, &perm)
				assert.Equal(t, tt.wantCode, perm.Code)
			case tt.transient:
				var tr *TransientError
				require.ErrorAs(t, err, &tr)
				assert.Equal(t, tt.wantCode, tr.Code)
			case tt.rateLimit:
				var rl *RateLimitedError
				require.ErrorAs(t, err, &rl)
			}
		})
	}
}

func TestDownloadRetryAfterHeader(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "3")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer ts.Close()

	f := &HTTPFetcher{Client: ts.Client()}
	_, err := f.Download(context.Background(), ts.URL)
	var rl *RateLimitedError
	require.ErrorAs(t, err, &rl)
	assert.Equal(t, 3*time.Second, rl.RetryAfter)
}

func TestDownloadEmptyBody(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/pdf")
	}))
	defer ts.Close()

	f := &HTTPFetcher{Client: ts.Client()}
	_, err := f.Download(context.Background(), ts.URL)
	var perm *PermanentError
	require.ErrorAs(t, err, &perm)
	assert.Equal(t, "empty_body", perm.Code)
}
