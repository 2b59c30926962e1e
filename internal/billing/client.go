package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/avollmer/clockout/pkg/types"
)

const dateFormat = "2006-01-02"

// Client talks to the billing store's REST API. Every request carries a
// bearer token plus the organization id header pair.
type Client struct {
	httpClient *http.Client
	logger     *zap.Logger
	baseURL    string
}

// orgTransport injects the organization id header on every request.
type orgTransport struct {
	base  http.RoundTripper
	orgID string
}

func (t *orgTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	clone.Header.Set("X-Organization-Id", t.orgID)
	clone.Header.Set("Content-Type", "application/json")
	return t.base.RoundTrip(clone)
}

// NewClient creates a billing store client.
func NewClient(baseURL, token, organizationID string, logger *zap.Logger) *Client {
	ctx := context.Background()
	ts := oauth2.StaticTokenSource(
		&oauth2.Token{AccessToken: token},
	)
	tc := oauth2.NewClient(ctx, ts)
	tc.Transport = &orgTransport{base: tc.Transport, orgID: organizationID}
	tc.Timeout = 30 * time.Second

	return &Client{
		httpClient: tc,
		logger:     logger,
		baseURL:    strings.TrimSuffix(baseURL, "/"),
	}
}

// ListProjects returns one page of billing projects. Pages are 1-based; an
// empty slice means the scan is exhausted.
func (c *Client) ListProjects(page int) ([]types.BillingProject, error) {
	var out struct {
		Projects []struct {
			ID   int64  `json:"id"`
			Name string `json:"name"`
		} `json:"projects"`
	}
	q := url.Values{"page": {strconv.Itoa(page)}}
	if err := c.get("/projects", q, &out); err != nil {
		return nil, fmt.Errorf("billing store: %w", err)
	}

	projects := make([]types.BillingProject, 0, len(out.Projects))
	for _, p := range out.Projects {
		projects = append(projects, types.BillingProject{ID: p.ID, Name: p.Name})
	}
	return projects, nil
}

// ListServices returns all services visible to the organization. When
// projectID is non-zero the list is narrowed to services enabled for that
// project.
func (c *Client) ListServices(projectID int64) ([]types.BillingService, error) {
	var out struct {
		Services []struct {
			ID   int64  `json:"id"`
			Name string `json:"name"`
		} `json:"services"`
	}
	q := url.Values{}
	if projectID != 0 {
		q.Set("project_id", strconv.FormatInt(projectID, 10))
	}
	if err := c.get("/services", q, &out); err != nil {
		return nil, fmt.Errorf("billing store: %w", err)
	}

	services := make([]types.BillingService, 0, len(out.Services))
	for _, s := range out.Services {
		services = append(services, types.BillingService{ID: s.ID, Name: s.Name})
	}
	return services, nil
}

// GetTimeEntries returns existing entries matching the filter.
func (c *Client) GetTimeEntries(filter types.TimeEntryFilter) ([]types.TimeEntry, error) {
	var out struct {
		TimeEntries []struct {
			ID        int64  `json:"id"`
			Date      string `json:"date"`
			Minutes   int    `json:"minutes"`
			ServiceID int64  `json:"service_id"`
			ProjectID int64  `json:"project_id"`
			PersonID  int64  `json:"person_id"`
		} `json:"time_entries"`
	}

	q := url.Values{}
	if filter.PersonID != 0 {
		q.Set("person_id", strconv.FormatInt(filter.PersonID, 10))
	}
	if filter.ProjectID != 0 {
		q.Set("project_id", strconv.FormatInt(filter.ProjectID, 10))
	}
	if !filter.After.IsZero() {
		q.Set("after", filter.After.Format(dateFormat))
	}
	if !filter.Before.IsZero() {
		q.Set("before", filter.Before.Format(dateFormat))
	}

	if err := c.get("/time_entries", q, &out); err != nil {
		return nil, fmt.Errorf("billing store: %w", err)
	}

	entries := make([]types.TimeEntry, 0, len(out.TimeEntries))
	for _, e := range out.TimeEntries {
		date, _ := time.ParseInLocation(dateFormat, e.Date, time.Local)
		entries = append(entries, types.TimeEntry{
			ID:        e.ID,
			Date:      date,
			Minutes:   e.Minutes,
			ServiceID: e.ServiceID,
			ProjectID: e.ProjectID,
			PersonID:  e.PersonID,
		})
	}
	return entries, nil
}

// CreateTimeEntry submits a new entry and returns its id.
func (c *Client) CreateTimeEntry(entry types.NewTimeEntry) (int64, error) {
	body := map[string]any{
		"person_id":    entry.PersonID,
		"project_id":   entry.ProjectID,
		"service_id":   entry.ServiceID,
		"minutes":      entry.Minutes,
		"date":         entry.Date.Format(dateFormat),
		"note":         entry.Note,
		"external_ref": entry.ExternalRef,
	}

	var out struct {
		ID int64 `json:"id"`
	}
	if err := c.post("/time_entries", body, &out); err != nil {
		return 0, fmt.Errorf("billing store: %w", err)
	}

	c.logger.Info("created billing time entry",
		zap.Int64("entry_id", out.ID),
		zap.Int64("project_id", entry.ProjectID),
		zap.Int64("service_id", entry.ServiceID),
		zap.Int("minutes", entry.Minutes),
	)

	return out.ID, nil
}

// DeleteTimeEntry removes an entry. Deleting an already-deleted entry is
// not an error on the backend, which is what makes the permission probe
// safe.
func (c *Client) DeleteTimeEntry(id int64) error {
	req, err := http.NewRequest(http.MethodDelete, c.baseURL+"/time_entries/"+strconv.FormatInt(id, 10), nil)
	if err != nil {
		return fmt.Errorf("billing store: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("billing store: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("billing store: %w", apiError(resp))
	}
	return nil
}

func (c *Client) get(path string, query url.Values, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	resp, err := c.httpClient.Get(u)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return apiError(resp)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) post(path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Post(c.baseURL+path, "application/json", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return apiError(resp)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// apiError flattens a backend error response into a single message carrying
// the status code and whatever title/detail fields the body has.
func apiError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))

	var body struct {
		Title  string `json:"title"`
		Detail string `json:"detail"`
		Error  string `json:"error"`
	}
	if err := json.Unmarshal(raw, &body); err == nil {
		switch {
		case body.Title != "" && body.Detail != "":
			return fmt.Errorf("status %d: %s: %s", resp.StatusCode, body.Title, body.Detail)
		case body.Title != "":
			return fmt.Errorf("status %d: %s", resp.StatusCode, body.Title)
		case body.Error != "":
			return fmt.Errorf("status %d: %s", resp.StatusCode, body.Error)
		}
	}
	return fmt.Errorf("request failed with status %d", resp.StatusCode)
}
