// Package hubspot looks up CRM deals to authorize corporate signups.
package hubspot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultBaseURL = "https://api.hubapi.com"

// ErrDealNotFound is returned when the deal id does not exist.
var ErrDealNotFound = errors.New("hubspot: deal not found")

// Client is a minimal CRM v3 client authenticated with a private-app token.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient returns a client. An empty baseURL uses the public API host.
func NewClient(baseURL, token string) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

// Deal is a CRM deal with the emails of its associated contacts.
type Deal struct {
	ID            string
	Name          string
	ContactEmails []string
}

type dealResponse struct {
	ID           string            `json:"id"`
	Properties   map[string]string `json:"properties"`
	Associations struct {
		Contacts struct {
			Results []struct {
				ID string `json:"id"`
			} `json:"results"`
		} `json:"contacts"`
	} `json:"associations"`
}

type batchReadRequest struct {
	Properties []string       `json:"properties"`
	Inputs     []batchReadRef `json:"inputs"`
}

type batchReadRef struct {
	ID string `json:"id"`
}

type batchReadResponse struct {
	Results []struct {
		ID         string            `json:"id"`
		Properties map[string]string `json:"properties"`
	} `json:"results"`
}

// GetDeal fetches a deal and the emails of its associated contacts.
func (c *Client) GetDeal(ctx context.Context, dealID string) (*Deal, error) {
	var deal dealResponse
	path := "/crm/v3/objects/deals/" + url.PathEscape(dealID) + "?associations=contacts&properties=dealname"
	if err := c.do(ctx, http.MethodGet, path, nil, &deal); err != nil {
		return nil, err
	}

	out := &Deal{ID: deal.ID, Name: deal.Properties["dealname"]}
	refs := deal.Associations.Contacts.Results
	if len(refs) == 0 {
		return out, nil
	}

	req := batchReadRequest{Properties: []string{"email"}}
	for _, r := range refs {
		req.Inputs = append(req.Inputs, batchReadRef{ID: r.ID})
	}
	var contacts batchReadResponse
	if err := c.do(ctx, http.MethodPost, "/crm/v3/objects/contacts/batch/read", req, &contacts); err != nil {
		return nil, err
	}
	for _, r := range contacts.Results {
		if email := r.Properties["email"]; email != "" {
			out.ContactEmails = append(out.ContactEmails, email)
		}
	}
	return out, nil
}

// IsContactOnDeal reports whether email is one of the deal's contacts.
func (c *Client) IsContactOnDeal(ctx context.Context, dealID, email string) (bool, error) {
	deal, err := c.GetDeal(ctx, dealID)
	if err != nil {
		return false, err
	}
	for _, e := range deal.ContactEmails {
		if strings.EqualFold(strings.TrimSpace(e), strings.TrimSpace(email)) {
			return true, nil
		}
	}
	return false, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("hubspot: encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("hubspot: create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("hubspot: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrDealNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("hubspot: unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("hubspot: decode response: %w", err)
	}
	return nil
}
