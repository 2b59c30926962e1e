package jira

import (
	"fmt"
	"strings"
	"time"

	jira "github.com/andygrunwald/go-jira"
	"go.uber.org/zap"

	"github.com/avollmer/clockout/pkg/types"
)

// Client wraps the ticket store API used by the logging pipeline.
type Client struct {
	client  *jira.Client
	logger  *zap.Logger
	baseURL string
	email   string
}

// NewClient creates a ticket store client with basic auth.
func NewClient(baseURL, email, apiToken string, logger *zap.Logger) (*Client, error) {
	tp := jira.BasicAuthTransport{
		Username: email,
		Password: apiToken,
	}

	client, err := jira.NewClient(tp.Client(), baseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create jira client: %w", err)
	}

	return &Client{
		client:  client,
		logger:  logger,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		email:   email,
	}, nil
}

// BaseURL returns the configured ticket store base URL, used for the
// cross-reference field on billing entries.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// GetTicketDetails fetches a ticket and maps it to TicketInfo.
func (c *Client) GetTicketDetails(key string) (*types.TicketInfo, error) {
	issue, _, err := c.client.Issue.Get(key, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get issue %s: %w", key, err)
	}

	info := &types.TicketInfo{
		Key:         issue.Key,
		Summary:     issue.Fields.Summary,
		Status:      issue.Fields.Status.Name,
		Description: issue.Fields.Description,
		ProjectKey:  issue.Fields.Project.Key,
		ProjectName: issue.Fields.Project.Name,
	}
	if issue.Fields.Assignee != nil {
		info.Assignee = issue.Fields.Assignee.DisplayName
	}

	return info, nil
}

// VerifyTicketExists reports whether a ticket is visible to the current
// identity. A 401/403/404 response means "no match", not an error.
func (c *Client) VerifyTicketExists(key string) (bool, error) {
	_, resp, err := c.client.Issue.Get(key, nil)
	if err != nil {
		if resp != nil {
			switch resp.StatusCode {
			case 401, 403, 404:
				c.logger.Debug("ticket not accessible",
					zap.String("key", key),
					zap.Int("status", resp.StatusCode),
				)
				return false, nil
			}
		}
		return false, fmt.Errorf("failed to verify issue %s: %w", key, err)
	}
	return true, nil
}

// SubmitWorklog records minutes against a ticket.
func (c *Client) SubmitWorklog(key string, minutes int, comment string) error {
	started := jira.Time(time.Now())
	record := &jira.WorklogRecord{
		TimeSpentSeconds: minutes * 60,
		Comment:          comment,
		Started:          &started,
	}

	_, _, err := c.client.Issue.AddWorklogRecord(key, record)
	if err != nil {
		return fmt.Errorf("failed to add worklog to %s: %w", key, err)
	}

	c.logger.Info("submitted worklog",
		zap.String("key", key),
		zap.Int("minutes", minutes),
	)

	return nil
}

// ListProjectsForUser returns the projects visible to the current identity.
func (c *Client) ListProjectsForUser() ([]types.TicketProject, error) {
	list, _, err := c.client.Project.GetList()
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}

	projects := make([]types.TicketProject, 0, len(*list))
	for _, p := range *list {
		projects = append(projects, types.TicketProject{Key: p.Key, Name: p.Name})
	}
	return projects, nil
}

// SearchIssues runs a summary search within a project.
func (c *Client) SearchIssues(projectKey, term string) ([]types.IssueRef, error) {
	jql := fmt.Sprintf("project = %s AND summary ~ %q ORDER BY updated DESC", projectKey, term)

	issues, _, err := c.client.Issue.Search(jql, &jira.SearchOptions{MaxResults: 20})
	if err != nil {
		return nil, fmt.Errorf("failed to search issues: %w", err)
	}

	refs := make([]types.IssueRef, 0, len(issues))
	for _, issue := range issues {
		refs = append(refs, types.IssueRef{Key: issue.Key, Summary: issue.Fields.Summary})
	}
	return refs, nil
}

// CheckAuth reports whether the stored credentials are still accepted.
// Polled by the timer's liveness tick.
func (c *Client) CheckAuth() bool {
	_, resp, err := c.client.User.GetSelf()
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		c.logger.Warn("auth check failed",
			zap.String("email", c.email),
			zap.Int("status", status),
			zap.Error(err),
		)
		return false
	}
	return true
}
