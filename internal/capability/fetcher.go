// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package capability

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// maxPDFBytes caps a single download at 100 MiB.
const maxPDFBytes = 100 << 20

// HTTPFetcher downloads PDFs over plain HTTP. The client follows redirects;
// publisher landing pages that answer with HTML instead of a PDF are a
// permanent failure, not a retry candidate.
type HTTPFetcher struct {
	Client    *http.Client
	UserAgent string
}

// Download fetches url and returns the body bytes after verifying the
// response looks like a PDF.
func (f *HTTPFetcher) Download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("User-Agent", f.UserAgent)
	req.Header.Set("Accept", "application/pdf")

	resp, err := f.Client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &TransientError{Code: "network", Err: err}
	}
	defer resp.Body.Close()

	if err := httpStatusError(resp.StatusCode, parseRetryAfter(resp)); err != nil {
		return nil, err
	}

	ctype := strings.ToLower(resp.Header.Get("Content-Type"))
	if !strings.Contains(ctype, "pdf") && !strings.HasSuffix(strings.ToLower(url), ".pdf") {
		return nil, &PermanentError{
			Code:   "wrong_content_type",
			Reason: fmt.Sprintf("expected PDF, got %q (login or landing page?)", ctype),
		}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxPDFBytes+1))
	if err != nil {
		return nil, &TransientError{Code: "read", Err: err}
	}
	if len(data) > maxPDFBytes {
		return nil, &PermanentError{Code: "too_large", Reason: "PDF exceeds size limit"}
	}
	if len(data) == 0 {
		return nil, &PermanentError{Code: "empty_body", Reason: "server returned an empty PDF"}
	}
	return data, nil
}
