// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pdiddy/review-engine/pkg/types"
)

// openAlexSearchBase is the OpenAlex Works search endpoint. Declared as a
// var so tests can substitute an httptest server.
var openAlexSearchBase = "https://api.openalex.org/works"

const openAlexPageSize = 100

// OpenAlexSource queries the OpenAlex API for candidate papers.
type OpenAlexSource struct {
	Client *http.Client
	// Email is sent as mailto parameter for polite pool access.
	Email     string
	UserAgent string
}

// Query pages through OpenAlex search results until maxResults records are
// collected or the result set ends. Only works with abstracts are requested;
// records come back in StateDiscovered with DiscoveryOrder assigned.
func (s *OpenAlexSource) Query(ctx context.Context, query string, maxResults int) ([]types.Record, error) {
	if strings.TrimSpace(query) == "" {
		return nil, &PermanentError{Code: "empty_query", Reason: "search query is empty"}
	}
	if maxResults <= 0 {
		maxResults = 200
	}

	var records []types.Record
	for page := 1; len(records) < maxResults; page++ {
		works, more, err := s.fetchPage(ctx, query, page)
		if err != nil {
			return nil, err
		}

		for _, work := range works {
			if len(records) >= maxResults {
				break
			}
			rec := recordFromWork(work)
			rec.DiscoveryOrder = len(records)
			records = append(records, rec)
		}

		if !more {
			break
		}
	}
	return records, nil
}

func (s *OpenAlexSource) fetchPage(ctx context.Context, query string, page int) ([]openAlexWork, bool, error) {
	params := url.Values{
		"search":   {query},
		"filter":   {"has_abstract:true"},
		"per_page": {fmt.Sprintf("%d", openAlexPageSize)},
		"page":     {fmt.Sprintf("%d", page)},
	}
	if s.Email != "" {
		params.Set("mailto", s.Email)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, openAlexSearchBase+"?"+params.Encode(), nil)
	if err != nil {
		return nil, false, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("User-Agent", s.UserAgent)

	resp, err := s.Client.Do(req)
	if err != nil {
		return nil, false, &TransientError{Code: "network", Err: err}
	}
	defer resp.Body.Close()

	if err := httpStatusError(resp.StatusCode, parseRetryAfter(resp)); err != nil {
		return nil, false, fmt.Errorf("OpenAlex API: %w", err)
	}

	var oar openAlexResponse
	if err := json.NewDecoder(resp.Body).Decode(&oar); err != nil {
		return nil, false, &PermanentError{Code: "malformed_response", Reason: err.Error()}
	}

	more := len(oar.Results) == openAlexPageSize && page*openAlexPageSize < oar.Meta.Count
	return oar.Results, more, nil
}

// recordFromWork maps one OpenAlex work onto a Record in StateDiscovered.
func recordFromWork(work openAlexWork) types.Record {
	rec := types.Record{
		Title:    work.Title,
		Abstract: reconstructAbstract(work.AbstractInvertedIndex),
		Year:     work.PublicationYear,
		State:    types.StateDiscovered,
		PDFURL:   work.OpenAccess.OAURL,
	}

	for _, authorship := range work.Authorships {
		if authorship.Author.DisplayName != "" {
			rec.Authors = append(rec.Authors, authorship.Author.DisplayName)
		}
	}

	// Prefer the bare DOI as the stable identifier; OpenAlex is DOI-centric.
	if work.DOI != "" {
		rec.DOI = strings.TrimPrefix(work.DOI, "https://doi.org/")
		rec.ID = rec.DOI
	} else {
		rec.ID = strings.TrimPrefix(work.ID, "https://openalex.org/")
	}

	journal := ""
	if work.PrimaryLocation != nil && work.PrimaryLocation.Source != nil {
		journal = work.PrimaryLocation.Source.DisplayName
	}
	rec.Citation = FormatCitation(rec.Authors, rec.Year, rec.Title, journal)

	return rec
}

// FormatCitation builds an APA-style citation string. This string is
// permanent once assigned: it names the downloaded PDF and appears in the
// final dataset.
func FormatCitation(authors []string, year int, title, journal string) string {
	var auth string
	switch {
	case len(authors) == 0:
		auth = "Unknown Author"
	case len(authors) > 3:
		auth = authors[0] + " et al."
	case len(authors) > 1:
		auth = strings.Join(authors, " & ")
	default:
		auth = authors[0]
	}

	yearStr := "n.d."
	if year > 0 {
		yearStr = fmt.Sprintf("%d", year)
	}

	citation := fmt.Sprintf("%s (%s). %s.", auth, yearStr, title)
	if journal != "" {
		citation += " " + journal + "."
	}
	return citation
}

// reconstructAbstract converts OpenAlex's abstract_inverted_index back to
// plain text. The inverted index maps each word to a list of positions
// where that word appears.
func reconstructAbstract(invertedIndex map[string][]int) string {
	if len(invertedIndex) == 0 {
		return ""
	}

	type posWord struct {
		pos  int
		word string
	}
	var pairs []posWord
	for word, positions := range invertedIndex {
		for _, pos := range positions {
			pairs = append(pairs, posWord{pos: pos, word: word})
		}
	}

	sort.Slice(pairs, func(i, j int) bool {
		return pairs[i].pos < pairs[j].pos
	})

	words := make([]string, len(pairs))
	for i, p := range pairs {
		words[i] = p.word
	}
	return strings.Join(words, " ")
}

// parseRetryAfter reads the Retry-After header as seconds or an HTTP date.
func parseRetryAfter(resp *http.Response) time.Duration {
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 0
	}
	if seconds, err := strconv.ParseInt(v, 10, 64); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// OpenAlex API JSON structures.
type openAlexResponse struct {
	Meta    openAlexMeta   `json:"meta"`
	Results []openAlexWork `json:"results"`
}

type openAlexMeta struct {
	Count   int `json:"count"`
	PerPage int `json:"per_page"`
	Page    int `json:"page"`
}

type openAlexWork struct {
	ID                    string               `json:"id"`
	Title                 string               `json:"title"`
	DOI                   string               `json:"doi"`
	PublicationYear       int                  `json:"publication_year"`
	Authorships           []openAlexAuthorship `json:"authorships"`
	AbstractInvertedIndex map[string][]int     `json:"abstract_inverted_index"`
	OpenAccess            openAlexOpenAccess   `json:"open_access"`
	PrimaryLocation       *openAlexLocation    `json:"primary_location"`
}

type openAlexAuthorship struct {
	Author openAlexAuthor `json:"author"`
}

type openAlexAuthor struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
}

type openAlexOpenAccess struct {
	IsOA     bool   `json:"is_oa"`
	OAStatus string `json:"oa_status"`
	OAURL    string `json:"oa_url"`
}

type openAlexLocation struct {
	Source *openAlexLocationSource `json:"source"`
}

type openAlexLocationSource struct {
	DisplayName string `json:"display_name"`
}
