package apiclient

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"alumni-sync/pkg/alumni"
)

// Job is one job posting.
type Job struct {
	ID            int64  `json:"id"`
	UserID        int64  `json:"user_id,omitempty"`
	Title         string `json:"title"`
	Company       string `json:"company,omitempty"`
	Description   string `json:"description,omitempty"`
	JobType       string `json:"job_type,omitempty"`
	Status        string `json:"status,omitempty"`
	Location      string `json:"location,omitempty"`
	IsRemote      bool   `json:"is_remote,omitempty"`
	SalaryRange   string `json:"salary_range,omitempty"`
	ViewsCount    int    `json:"views_count,omitempty"`
	RequestsCount int    `json:"requests_count,omitempty"`
	PosterName    string `json:"poster_name,omitempty"`
	CategoryName  string `json:"category_name,omitempty"`
	PublishedAt   string `json:"published_at,omitempty"`
	CreatedAt     string `json:"created_at,omitempty"`
	// Applied marks a posting the current user has sent a request for.
	Applied bool `json:"applied,omitempty"`
}

// JobPage is one page of the job listing.
type JobPage struct {
	Jobs    []Job `json:"jobs"`
	Total   int   `json:"total"`
	Page    int   `json:"page"`
	PerPage int   `json:"per_page"`
	Pages   int   `json:"pages"`
}

// JobQuery filters the job listing. Zero fields are omitted.
type JobQuery struct {
	CategoryID int64
	JobType    string
	Location   string
	Status     string
	Search     string
	Page       int
	PerPage    int
}

// Path renders the listing path; it doubles as the cache key.
func (q JobQuery) Path() string {
	values := url.Values{}
	if q.CategoryID > 0 {
		values.Set("category_id", strconv.FormatInt(q.CategoryID, 10))
	}
	if q.JobType != "" {
		values.Set("job_type", q.JobType)
	}
	if q.Location != "" {
		values.Set("location", q.Location)
	}
	if q.Status != "" {
		values.Set("status", q.Status)
	}
	if q.Search != "" {
		values.Set("search", q.Search)
	}
	if q.Page > 0 {
		values.Set("page", strconv.Itoa(q.Page))
	}
	if q.PerPage > 0 {
		values.Set("per_page", strconv.Itoa(q.PerPage))
	}

	if encoded := values.Encode(); encoded != "" {
		return JobsPath + "?" + encoded
	}

	return JobsPath
}

// JobRequest is a request to connect about a posting.
type JobRequest struct {
	ID          int64  `json:"id"`
	JobID       int64  `json:"job_id"`
	RequesterID int64  `json:"requester_id,omitempty"`
	Message     string `json:"message,omitempty"`
	Status      string `json:"status,omitempty"`
	CreatedAt   string `json:"created_at,omitempty"`
}

// Conversation is one direct-message thread.
type Conversation struct {
	ID            int64          `json:"id"`
	OtherUser     map[string]any `json:"other_user,omitempty"`
	LastMessage   string         `json:"last_message,omitempty"`
	LastMessageAt string         `json:"last_message_at,omitempty"`
	UnreadCount   int            `json:"unread_count"`
}

// ConversationPage is one page of the conversation listing.
type ConversationPage struct {
	Conversations []Conversation `json:"conversations"`
	Total         int            `json:"total"`
	Page          int            `json:"page"`
	PerPage       int            `json:"per_page"`
	Pages         int            `json:"pages"`
}

// LoginResult is the backend's answer to a successful login.
type LoginResult struct {
	AccessToken alumni.Credential `json:"access_token"`
	UserID      int64             `json:"user_id"`
	User        alumni.Identity   `json:"user"`
}

// Backend paths.
const (
	LoginPath              = "/api/v2/auth/login"
	LogoutPath             = "/api/v2/auth/logout"
	MePath                 = "/api/v2/auth/me"
	JobsPath               = "/api/v2/jobs"
	JobRequestsPath        = "/api/v2/job-requests"
	ConversationsPath      = "/api/v2/conversations"
	NotificationsCountPath = "/api/notifications/unread-count"
)

// JobPath is the cache key and REST path of one posting.
func JobPath(jobID int64) string {
	return JobsPath + "/" + strconv.FormatInt(jobID, 10)
}

// MessagesPath is the REST path of one conversation's messages.
func MessagesPath(conversationID int64) string {
	return ConversationsPath + "/" + strconv.FormatInt(conversationID, 10) + "/messages"
}

// Login exchanges credentials for a bearer token and identity.
func (c *Client) Login(ctx context.Context, email string, password string) (LoginResult, error) {
	var result LoginResult
	if err := c.Do(ctx, http.MethodPost, LoginPath, map[string]string{
		"email":    email,
		"password": password,
	}, &result); err != nil {
		return LoginResult{}, fmt.Errorf("login: %w", err)
	}
	if result.AccessToken.IsZero() {
		return LoginResult{}, fmt.Errorf("login: %w: missing access_token", alumni.ErrProtocol)
	}

	return result, nil
}

// Logout ends the backend session for the held credential.
func (c *Client) Logout(ctx context.Context) error {
	if err := c.Do(ctx, http.MethodPost, LogoutPath, nil, nil); err != nil {
		return fmt.Errorf("logout: %w", err)
	}

	return nil
}

// Me returns the authenticated identity.
func (c *Client) Me(ctx context.Context) (alumni.Identity, error) {
	var identity alumni.Identity
	if err := c.Do(ctx, http.MethodGet, MePath, nil, &identity); err != nil {
		return alumni.Identity{}, fmt.Errorf("me: %w", err)
	}

	return identity, nil
}

// Jobs lists postings matching query.
func (c *Client) Jobs(ctx context.Context, query JobQuery) (JobPage, error) {
	var page JobPage
	if err := c.Do(ctx, http.MethodGet, query.Path(), nil, &page); err != nil {
		return JobPage{}, fmt.Errorf("list jobs: %w", err)
	}

	return page, nil
}

// Job returns one posting.
func (c *Client) Job(ctx context.Context, jobID int64) (Job, error) {
	var job Job
	if err := c.Do(ctx, http.MethodGet, JobPath(jobID), nil, &job); err != nil {
		return Job{}, fmt.Errorf("get job %d: %w", jobID, err)
	}

	return job, nil
}

// ApplyJob sends a connection request for a posting.
func (c *Client) ApplyJob(ctx context.Context, jobID int64, message string) (JobRequest, error) {
	var response struct {
		JobRequest JobRequest `json:"job_request"`
	}
	if err := c.Do(ctx, http.MethodPost, JobRequestsPath, map[string]any{
		"job_id":  jobID,
		"message": message,
	}, &response); err != nil {
		return JobRequest{}, fmt.Errorf("apply job %d: %w", jobID, err)
	}

	return response.JobRequest, nil
}

// Conversations lists the caller's message threads.
func (c *Client) Conversations(ctx context.Context) (ConversationPage, error) {
	var page ConversationPage
	if err := c.Do(ctx, http.MethodGet, ConversationsPath, nil, &page); err != nil {
		return ConversationPage{}, fmt.Errorf("list conversations: %w", err)
	}

	return page, nil
}

// SendMessage posts content to a conversation.
func (c *Client) SendMessage(ctx context.Context, conversationID int64, content string) (alumni.Message, error) {
	var response struct {
		MessageData alumni.Message `json:"message_data"`
	}
	if err := c.Do(ctx, http.MethodPost, MessagesPath(conversationID), map[string]string{
		"content": content,
	}, &response); err != nil {
		return alumni.Message{}, fmt.Errorf("send message to %d: %w", conversationID, err)
	}

	return response.MessageData, nil
}

// UnreadNotificationCount returns the unread notification badge count.
func (c *Client) UnreadNotificationCount(ctx context.Context) (int, error) {
	var count alumni.NotificationCount
	if err := c.Do(ctx, http.MethodGet, NotificationsCountPath, nil, &count); err != nil {
		return 0, fmt.Errorf("unread notification count: %w", err)
	}

	return count.UnreadCount, nil
}
