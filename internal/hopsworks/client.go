// Package hopsworks is a client for the admin REST API of a shared backend cluster.
// Each cluster has its own base URL and API key; staging clusters may run with
// self-signed certificates, so TLS verification is configurable per cluster.
//
// Errors returned by the client are *APIError when the cluster answered with a
// non-2xx status, or transport errors otherwise. Use Retryable to decide whether
// a call is worth repeating.
package hopsworks

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mlplatform/console-backend/internal/telemetry"
)

// Account status codes in the backend's vocabulary.
const (
	StatusActivated   = 2
	StatusDeactivated = 3
)

const apiPrefix = "/hopsworks-api/api"

var (
	// ErrAlreadyExists is returned when the user being created is already registered.
	ErrAlreadyExists = errors.New("hopsworks: resource already exists")
	// ErrNotFound is returned when the requested user or project does not exist.
	ErrNotFound = errors.New("hopsworks: resource not found")
)

// APIError is a non-2xx response from the cluster.
type APIError struct {
	Op         string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("hopsworks %s: status %d: %s", e.Op, e.StatusCode, e.Message)
}

// Retryable reports whether repeating the call may succeed.
func (e *APIError) Retryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// Retryable classifies any error returned by the client. Transport failures and
// timeouts are retryable; ErrAlreadyExists, ErrNotFound and other 4xx are not.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrAlreadyExists) || errors.Is(err, ErrNotFound) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable()
	}
	return true
}

// Config describes how to reach one cluster.
type Config struct {
	BaseURL   string
	APIKey    string
	VerifyTLS bool
	Timeout   time.Duration
}

// Client talks to a single cluster
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a cluster client. A zero Timeout defaults to 30 seconds.
func NewClient(cfg Config) (*Client, error) {
	if err := ValidateBaseURL(cfg.BaseURL); err != nil {
		return nil, err
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("hopsworks: API key is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if !cfg.VerifyTLS {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} // #nosec G402 -- opt-in per cluster for self-signed staging deployments
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
	}, nil
}

// ValidateBaseURL checks that a cluster URL is absolute http(s) with a host
func ValidateBaseURL(baseURL string) error {
	if baseURL == "" {
		return fmt.Errorf("cluster URL cannot be empty")
	}
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("cluster URL must use http or https scheme")
	}
	if parsed.Host == "" {
		return fmt.Errorf("cluster URL must have a host")
	}
	return nil
}

// User is an account on the cluster.
type User struct {
	ID             int64  `json:"id"`
	Username       string `json:"username"`
	Email          string `json:"email"`
	FirstName      string `json:"firstname,omitempty"`
	LastName       string `json:"lastname,omitempty"`
	Status         int    `json:"status"`
	MaxNumProjects int    `json:"maxNumProjects"`
	NumActive      int    `json:"numActiveProjects,omitempty"`
}

// CreateUserRequest registers an account linked to the identity provider subject.
type CreateUserRequest struct {
	Email          string `json:"email"`
	FirstName      string `json:"firstName"`
	LastName       string `json:"lastName"`
	Subject        string `json:"subject"`
	ClientID       string `json:"clientId,omitempty"`
	AccountType    string `json:"accountType"`
	MaxNumProjects int    `json:"maxNumProjects"`
	Status         int    `json:"status"`
}

// Project is a project on the cluster.
type Project struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Owner string `json:"owner,omitempty"`
}

type itemsResponse[T any] struct {
	Count int `json:"count"`
	Items []T `json:"items"`
}

type updateUserRequest struct {
	MaxNumProjects *int `json:"maxNumProjects,omitempty"`
	Status         *int `json:"status,omitempty"`
}

// CreateOAuthUser creates the account. ErrAlreadyExists is returned on conflict.
func (c *Client) CreateOAuthUser(ctx context.Context, req CreateUserRequest) (*User, error) {
	if req.AccountType == "" {
		req.AccountType = "REMOTE_ACCOUNT_TYPE"
	}
	if req.Status == 0 {
		req.Status = StatusActivated
	}
	var user User
	if err := c.do(ctx, "create_user", http.MethodPost, apiPrefix+"/admin/users", req, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// GetUser fetches a user by external id
func (c *Client) GetUser(ctx context.Context, id int64) (*User, error) {
	var user User
	path := fmt.Sprintf("%s/admin/users/%d", apiPrefix, id)
	if err := c.do(ctx, "get_user", http.MethodGet, path, nil, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// GetUserByEmail fetches a user by email. ErrNotFound is returned when none matches.
func (c *Client) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	var resp itemsResponse[User]
	path := apiPrefix + "/admin/users?filter_by=" + url.QueryEscape("user_email:"+email)
	if err := c.do(ctx, "get_user_by_email", http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	for i := range resp.Items {
		if strings.EqualFold(resp.Items[i].Email, email) {
			return &resp.Items[i], nil
		}
	}
	return nil, ErrNotFound
}

// SetMaxProjects updates the user's project quota
func (c *Client) SetMaxProjects(ctx context.Context, userID int64, maxProjects int) error {
	path := fmt.Sprintf("%s/admin/users/%d", apiPrefix, userID)
	return c.do(ctx, "set_quota", http.MethodPut, path, updateUserRequest{MaxNumProjects: &maxProjects}, nil)
}

// SetStatus activates or deactivates the user
func (c *Client) SetStatus(ctx context.Context, userID int64, status int) error {
	if status != StatusActivated && status != StatusDeactivated {
		return fmt.Errorf("hopsworks: unsupported status %d", status)
	}
	path := fmt.Sprintf("%s/admin/users/%d", apiPrefix, userID)
	return c.do(ctx, "set_status", http.MethodPut, path, updateUserRequest{Status: &status}, nil)
}

// ListUserProjects lists the projects owned by username
func (c *Client) ListUserProjects(ctx context.Context, username string) ([]Project, error) {
	var resp itemsResponse[Project]
	path := apiPrefix + "/admin/projects?filter_by=" + url.QueryEscape("owner:"+username)
	if err := c.do(ctx, "list_projects", http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Items, nil
}

// AddProjectMember adds email to the project with role
func (c *Client) AddProjectMember(ctx context.Context, projectID int64, email, role string) error {
	path := fmt.Sprintf("%s/project/%d/projectMembers/%s?role=%s",
		apiPrefix, projectID, url.PathEscape(email), url.QueryEscape(role))
	return c.do(ctx, "add_member", http.MethodPost, path, nil, nil)
}

func (c *Client) do(ctx context.Context, op, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("hopsworks %s: encode request: %w", op, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("hopsworks %s: create request: %w", op, err)
	}
	req.Header.Set("Authorization", "ApiKey "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		telemetry.HopsworksRequestsTotal.WithLabelValues(op, "transport_error").Inc()
		return fmt.Errorf("hopsworks %s: %w", op, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusConflict:
		telemetry.HopsworksRequestsTotal.WithLabelValues(op, "conflict").Inc()
		return ErrAlreadyExists
	case resp.StatusCode == http.StatusNotFound:
		telemetry.HopsworksRequestsTotal.WithLabelValues(op, "not_found").Inc()
		return ErrNotFound
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		apiErr := &APIError{Op: op, StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
		outcome := "client_error"
		if apiErr.Retryable() {
			outcome = "retryable"
		}
		telemetry.HopsworksRequestsTotal.WithLabelValues(op, outcome).Inc()
		return apiErr
	}

	telemetry.HopsworksRequestsTotal.WithLabelValues(op, "ok").Inc()
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("hopsworks %s: decode response: %w", op, err)
	}
	return nil
}
