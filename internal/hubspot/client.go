// Package hubspot talks to the HubSpot API: OAuth installs, token refresh and
// contact lookups.
package hubspot

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/PratikDhanave/crm-client-sync/internal/models"
)

const (
	DefaultAPIBaseURL = "https://api.hubapi.com"
	DefaultAppURL     = "https://app.hubspot.com"
	DefaultScope      = "crm.objects.contacts.read"
)

// contactProperties are requested on every contact fetch.
var contactProperties = []string{"email", "firstname", "lastname"}

// APIError is a non-2xx response from HubSpot.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("hubspot: status %d: %s", e.StatusCode, e.Body)
}

type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPClient returns the instrumented client used for every HubSpot call.
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
}

func NewClient(baseURL string, httpClient *http.Client) *Client {
	if baseURL == "" {
		baseURL = DefaultAPIBaseURL
	}
	if httpClient == nil {
		httpClient = NewHTTPClient(0)
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), httpClient: httpClient}
}

type contactResponse struct {
	ID         string            `json:"id"`
	Properties map[string]string `json:"properties"`
}

// FetchContact reads the mirrored properties of one contact.
func (c *Client) FetchContact(ctx context.Context, contactID, accessToken string) (models.ContactDetails, error) {
	if contactID == "" || accessToken == "" {
		return models.ContactDetails{}, fmt.Errorf("hubspot: contact id and access token are required")
	}
	u := fmt.Sprintf("%s/crm/v3/objects/contacts/%s?properties=%s",
		c.baseURL, url.PathEscape(contactID), url.QueryEscape(strings.Join(contactProperties, ",")))

	var resp contactResponse
	if err := c.getJSON(ctx, u, accessToken, &resp); err != nil {
		return models.ContactDetails{}, err
	}
	return models.ContactDetails{
		Email:     resp.Properties["email"],
		FirstName: resp.Properties["firstname"],
		LastName:  resp.Properties["lastname"],
	}, nil
}

// TokenInfo is the metadata HubSpot returns for an access token.
type TokenInfo struct {
	HubID     models.ExternalID `json:"hub_id"`
	HubDomain string            `json:"hub_domain"`
	User      string            `json:"user"`
	AppID     models.ExternalID `json:"app_id"`
	ExpiresIn int64             `json:"expires_in"`
}

// TokenInfo resolves which portal an access token belongs to.
func (c *Client) TokenInfo(ctx context.Context, accessToken string) (TokenInfo, error) {
	u := fmt.Sprintf("%s/oauth/v1/access-tokens/%s", c.baseURL, url.PathEscape(accessToken))
	var info TokenInfo
	if err := c.getJSON(ctx, u, "", &info); err != nil {
		return TokenInfo{}, err
	}
	if info.HubID == "" {
		return TokenInfo{}, fmt.Errorf("hubspot: token info without hub_id")
	}
	return info, nil
}

func (c *Client) getJSON(ctx context.Context, u, bearer string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("hubspot: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("hubspot: decode response: %w", err)
	}
	return nil
}
