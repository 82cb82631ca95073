package bajassdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Bajas HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Case represents the API disposal case model (partial).
type Case struct {
	ID               string  `json:"id"`
	MunicipalityCode string  `json:"municipality_code"`
	FileNumber       string  `json:"file_number"`
	DisposalType     string  `json:"disposal_type"`
	Status           string  `json:"status"`
	ResolutionNumber *string `json:"resolution_number,omitempty"`
	Version          int64   `json:"version"`
}

// Link represents a case-asset link.
type Link struct {
	ID                 string  `json:"id"`
	CaseID             string  `json:"case_id"`
	AssetID            string  `json:"asset_id"`
	AssetCode          string  `json:"asset_code"`
	ConservationStatus string  `json:"conservation_status"`
	TechnicalOpinion   *string `json:"technical_opinion,omitempty"`
	Recommendation     *string `json:"recommendation,omitempty"`
	DisposedAt         *string `json:"disposed_at,omitempty"`
}

// CaseDetail is a case together with its links.
type CaseDetail struct {
	Case  Case   `json:"case"`
	Links []Link `json:"links"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	CaseID     string         `json:"case_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedCases wraps case listings with cursors.
type PaginatedCases struct {
	Items      []Case `json:"items"`
	NextCursor string `json:"next_cursor"`
}

// OpenCaseInput holds the fields for opening a case.
type OpenCaseInput struct {
	DisposalType          string  `json:"disposal_type"`
	Reason                string  `json:"reason"`
	ReasonDescription     string  `json:"reason_description"`
	Observations          string  `json:"observations,omitempty"`
	TechnicalReportAuthor string  `json:"technical_report_author_id"`
	RequiresDestruction   bool    `json:"requires_destruction,omitempty"`
	AllowsDonation        bool    `json:"allows_donation,omitempty"`
	RecoverableValue      float64 `json:"recoverable_value,omitempty"`
}

// OpenCase opens a disposal case.
func (c *Client) OpenCase(ctx context.Context, in OpenCaseInput) (Case, error) {
	var resp Case
	err := c.do(ctx, http.MethodPost, "v0/cases", in, &resp)
	return resp, err
}

// GetCase fetches a case with its links.
func (c *Client) GetCase(ctx context.Context, caseID string) (CaseDetail, error) {
	var resp CaseDetail
	err := c.do(ctx, http.MethodGet, c.casePath(caseID, ""), nil, &resp)
	return resp, err
}

// ListCases returns a page of cases.
func (c *Client) ListCases(ctx context.Context, status string, limit int, cursor string) (PaginatedCases, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "v0/cases"
	if enc := q.Encode(); enc != "" {
		endpoint += "?" + enc
	}
	var resp PaginatedCases
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// AttachAsset links an asset to a case.
func (c *Client) AttachAsset(ctx context.Context, caseID, assetID, conservationStatus string, version int64) (Link, error) {
	body := map[string]any{
		"asset_id":            assetID,
		"conservation_status": conservationStatus,
		"version":             version,
	}
	var resp Link
	err := c.do(ctx, http.MethodPost, c.casePath(caseID, "assets"), body, &resp)
	return resp, err
}

// StartEvaluation moves a case into evaluation.
func (c *Client) StartEvaluation(ctx context.Context, caseID string, version int64) (Case, error) {
	var resp Case
	err := c.do(ctx, http.MethodPost, c.casePath(caseID, "evaluation"), map[string]any{"version": version}, &resp)
	return resp, err
}

// RecordOpinion records a technical opinion on a link.
func (c *Client) RecordOpinion(ctx context.Context, caseID, linkID, opinion, recommendation string, version int64) (Link, error) {
	body := map[string]any{
		"technical_opinion": opinion,
		"recommendation":    recommendation,
		"version":           version,
	}
	var resp Link
	endpoint := c.casePath(caseID, fmt.Sprintf("assets/%s/opinion", url.PathEscape(linkID)))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// Resolve approves or rejects a case. Observations are required on rejection.
func (c *Client) Resolve(ctx context.Context, caseID string, approved bool, observations string, version int64) (Case, error) {
	body := map[string]any{
		"approved": approved,
		"version":  version,
	}
	if observations != "" {
		body["observations"] = observations
	}
	var resp Case
	err := c.do(ctx, http.MethodPost, c.casePath(caseID, "resolve"), body, &resp)
	return resp, err
}

// Finalize disposes every linked asset and executes the case.
func (c *Client) Finalize(ctx context.Context, caseID string, version int64) (Case, error) {
	var resp Case
	err := c.do(ctx, http.MethodPost, c.casePath(caseID, "finalize"), map[string]any{"version": version}, &resp)
	return resp, err
}

// Cancel cancels a case.
func (c *Client) Cancel(ctx context.Context, caseID, observations string, version int64) (Case, error) {
	body := map[string]any{"version": version}
	if observations != "" {
		body["observations"] = observations
	}
	var resp Case
	err := c.do(ctx, http.MethodPost, c.casePath(caseID, "cancel"), body, &resp)
	return resp, err
}

// Events returns recent events, optionally scoped to a case.
func (c *Client) Events(ctx context.Context, caseID string, limit int) ([]Event, error) {
	q := url.Values{}
	if caseID != "" {
		q.Set("case_id", caseID)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	endpoint := "v0/events"
	if enc := q.Encode(); enc != "" {
		endpoint += "?" + enc
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) casePath(caseID, suffix string) string {
	p := fmt.Sprintf("v0/cases/%s", url.PathEscape(caseID))
	if suffix != "" {
		p += "/" + strings.TrimLeft(suffix, "/")
	}
	return p
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
