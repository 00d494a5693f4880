// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
)

// unpaywallAPIBase is the Unpaywall REST endpoint. Declared as a var so
// tests can substitute an httptest server.
var unpaywallAPIBase = "https://api.unpaywall.org/v2/"

// UnpaywallResolver looks up open-access PDF locations by DOI.
type UnpaywallResolver struct {
	Client *http.Client
	// Email identifies the caller; Unpaywall requires it on every request.
	Email     string
	UserAgent string
}

// Resolve returns the best open-access PDF URL for the DOI. A DOI unknown
// to Unpaywall, or one with no open-access location, is a *PermanentError
// with code "not_found".
func (r *UnpaywallResolver) Resolve(ctx context.Context, doi string) (string, error) {
	if doi == "" {
		return "", &PermanentError{Code: "not_found", Reason: "no DOI to resolve"}
	}

	reqURL := unpaywallAPIBase + url.PathEscape(doi) + "?email=" + url.QueryEscape(r.Email)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("User-Agent", r.UserAgent)

	resp, err := r.Client.Do(req)
	if err != nil {
		return "", &TransientError{Code: "network", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", &PermanentError{Code: "not_found", Reason: "DOI not known to Unpaywall"}
	}
	if err := httpStatusError(resp.StatusCode, parseRetryAfter(resp)); err != nil {
		return "", fmt.Errorf("Unpaywall API: %w", err)
	}

	var ur unpaywallResponse
	if err := json.NewDecoder(resp.Body).Decode(&ur); err != nil {
		return "", &PermanentError{Code: "malformed_response", Reason: err.Error()}
	}

	if ur.BestOALocation == nil || ur.BestOALocation.URLForPDF == "" {
		return "", &PermanentError{Code: "not_found", Reason: "no open-access location"}
	}
	return ur.BestOALocation.URLForPDF, nil
}

// Unpaywall API JSON structures.
type unpaywallResponse struct {
	BestOALocation *unpaywallLocation `json:"best_oa_location"`
}

type unpaywallLocation struct {
	URLForPDF string `json:"url_for_pdf"`
}
