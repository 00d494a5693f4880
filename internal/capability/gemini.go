// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package capability

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"text/template"

	"github.com/pdiddy/review-engine/pkg/types"
)

// screenPromptTmpl is the prompt sent to the Gemini API for one abstract.
// It instructs the model to act as a strict systematic-review screener and
// answer with a single JSON object.
var screenPromptTmpl = template.Must(template.New("screen").Parse(`You are a strict research assistant conducting a systematic literature review.

INCLUSION CRITERIA (a paper must meet ALL of them):
{{.Criteria}}

TASK:
Decide whether the paper below meets every criterion based on its title and
abstract. Respond with a single JSON object and nothing else:
{"include": true or false, "reason": "one short sentence"}

PAPER
Title: {{.Title}}
Abstract: {{.Abstract}}
`))

// analyzePromptTmpl is the prompt sent alongside each PDF for full-text
// extraction. The instructions name the fields to extract; the model answers
// with a flat JSON object of string fields.
var analyzePromptTmpl = template.Must(template.New("analyze").Parse(`Analyze the attached research paper PDF.

{{.Instructions}}

Respond with a single JSON object and nothing else. Every value must be a
string; use the key "reason" for a one-sentence justification.
`))

// geminiAPIBase is the Generative Language API endpoint. Declared as a var
// so tests can substitute an httptest server.
var geminiAPIBase = "https://generativelanguage.googleapis.com/v1beta"

// maxAbstractChars truncates oversized abstracts before prompting.
const maxAbstractChars = 2000

// GeminiClient calls the Gemini generateContent API. It implements both
// Classifier (abstract screening) and Extractor (PDF analysis).
type GeminiClient struct {
	APIKey string
	Model  string
	Client *http.Client
}

// Screen classifies one record's abstract against the inclusion criteria.
func (g *GeminiClient) Screen(ctx context.Context, rec types.Record, criteria string) (types.Verdict, error) {
	abstract := rec.Abstract
	if len(abstract) > maxAbstractChars {
		abstract = abstract[:maxAbstractChars]
	}

	prompt, err := renderTemplate(screenPromptTmpl, map[string]string{
		"Criteria": criteria,
		"Title":    rec.Title,
		"Abstract": abstract,
	})
	if err != nil {
		return types.Verdict{}, fmt.Errorf("rendering screen prompt: %w", err)
	}

	text, err := g.generate(ctx, []geminiPart{{Text: prompt}})
	if err != nil {
		return types.Verdict{}, err
	}

	var verdict types.Verdict
	if err := json.Unmarshal(stripFences(text), &verdict); err != nil {
		return types.Verdict{}, &PermanentError{Code: "malformed_response", Reason: fmt.Sprintf("parsing verdict JSON: %v", err)}
	}
	return verdict, nil
}

// Analyze runs the extraction instructions over one PDF.
func (g *GeminiClient) Analyze(ctx context.Context, pdf []byte, instructions string) (*types.Extraction, error) {
	prompt, err := renderTemplate(analyzePromptTmpl, map[string]string{
		"Instructions": instructions,
	})
	if err != nil {
		return nil, fmt.Errorf("rendering analyze prompt: %w", err)
	}

	parts := []geminiPart{
		{Text: prompt},
		{InlineData: &geminiInlineData{
			MimeType: "application/pdf",
			Data:     base64.StdEncoding.EncodeToString(pdf),
		}},
	}

	text, err := g.generate(ctx, parts)
	if err != nil {
		return nil, err
	}

	var fields map[string]string
	if err := json.Unmarshal(stripFences(text), &fields); err != nil {
		return nil, &PermanentError{Code: "malformed_response", Reason: fmt.Sprintf("parsing extraction JSON: %v", err)}
	}
	if len(fields) == 0 {
		return nil, &PermanentError{Code: "malformed_response", Reason: "extractor returned no fields"}
	}
	return &types.Extraction{Fields: fields}, nil
}

// generate performs one generateContent call and returns the first text part.
func (g *GeminiClient) generate(ctx context.Context, parts []geminiPart) (string, error) {
	reqBody := geminiRequest{
		Contents: []geminiContent{{Role: "user", Parts: parts}},
	}

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}

	reqURL := fmt.Sprintf("%s/models/%s:generateContent", geminiAPIBase, g.Model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(bodyBytes))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", g.APIKey)

	client := g.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", &TransientError{Code: "network", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		switch {
		case resp.StatusCode == 429:
			return "", &RateLimitedError{RetryAfter: parseRetryAfter(resp)}
		case resp.StatusCode >= 500:
			return "", &TransientError{Code: fmt.Sprintf("%d", resp.StatusCode), Reason: string(body)}
		default:
			return "", &PermanentError{Code: fmt.Sprintf("%d", resp.StatusCode), Reason: strings.TrimSpace(string(body))}
		}
	}

	var gResp geminiResponse
	if err := json.NewDecoder(resp.Body).Decode(&gResp); err != nil {
		return "", &PermanentError{Code: "malformed_response", Reason: fmt.Sprintf("decoding response: %v", err)}
	}

	for _, cand := range gResp.Candidates {
		for _, part := range cand.Content.Parts {
			if part.Text != "" {
				return part.Text, nil
			}
		}
	}
	return "", &PermanentError{Code: "malformed_response", Reason: "no text content in response"}
}

// stripFences removes a Markdown code fence the model sometimes wraps JSON in.
func stripFences(text string) []byte {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	return []byte(strings.TrimSpace(text))
}

func renderTemplate(tmpl *template.Template, data any) (string, error) {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// Gemini generateContent API JSON structures.
type geminiRequest struct {
	Contents []geminiContent `json:"contents"`
}

type geminiContent struct {
	Role  string       `json:"role"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *geminiInlineData `json:"inline_data,omitempty"`
}

type geminiInlineData struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

type geminiResponse struct {
	Candidates []geminiCandidate `json:"candidates"`
}

type geminiCandidate struct {
	Content geminiContent `json:"content"`
}
