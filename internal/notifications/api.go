package notifications

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/classroom/realtime/internal/protocol"
	"github.com/MarcoPoloResearchLab/classroom/realtime/internal/realtime"
)

const (
	defaultRequestTimeout = 10 * time.Second
	defaultPageLimit      = 20
	maxErrorBodyBytes     = 4 << 10
)

var (
	ErrMissingBaseURL = errors.New("notifications api: base url required")
	ErrMissingToken   = errors.New("notifications api: token required")
)

// StatusError reports a non-2xx response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("notifications api: unexpected status %d: %s", e.StatusCode, e.Body)
}

// Page is one page of notification history.
type Page struct {
	Items       []realtime.Notification
	Page        int
	Limit       int
	HasMore     bool
	UnreadCount int
}

// PageResponse is the wire shape of GET /notifications.
type PageResponse struct {
	Items       []protocol.Notification `json:"items"`
	Page        int                     `json:"page"`
	Limit       int                     `json:"limit"`
	HasMore     bool                    `json:"hasMore"`
	UnreadCount int                     `json:"unreadCount"`
}

// UnreadCountResponse is the wire shape of GET /notifications/unread-count.
type UnreadCountResponse struct {
	UnreadCount int `json:"unreadCount"`
}

// APIConfig configures the HTTP collaborator.
type APIConfig struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

// APIClient reads notification history and the unread counter over HTTP.
type APIClient struct {
	baseURL    *url.URL
	token      string
	httpClient *http.Client
}

// NewAPIClient validates the configuration.
func NewAPIClient(cfg APIConfig) (*APIClient, error) {
	raw := strings.TrimSpace(cfg.BaseURL)
	if raw == "" {
		return nil, ErrMissingBaseURL
	}
	baseURL, err := url.Parse(strings.TrimRight(raw, "/"))
	if err != nil {
		return nil, fmt.Errorf("notifications api: parse base url: %w", err)
	}
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, ErrMissingToken
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultRequestTimeout}
	}
	return &APIClient{baseURL: baseURL, token: token, httpClient: httpClient}, nil
}

// UnreadCount fetches the authoritative unread counter used to bootstrap the relay.
func (c *APIClient) UnreadCount(ctx context.Context) (int, error) {
	var response UnreadCountResponse
	if err := c.get(ctx, "/notifications/unread-count", nil, &response); err != nil {
		return 0, err
	}
	return response.UnreadCount, nil
}

// List fetches one page of history, newest first. Pages start at 1.
func (c *APIClient) List(ctx context.Context, page, limit int) (Page, error) {
	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = defaultPageLimit
	}
	query := url.Values{}
	query.Set("page", strconv.Itoa(page))
	query.Set("limit", strconv.Itoa(limit))

	var response PageResponse
	if err := c.get(ctx, "/notifications", query, &response); err != nil {
		return Page{}, err
	}
	items := make([]realtime.Notification, 0, len(response.Items))
	for _, item := range response.Items {
		items = append(items, FromWire(item))
	}
	return Page{
		Items:       items,
		Page:        response.Page,
		Limit:       response.Limit,
		HasMore:     response.HasMore,
		UnreadCount: response.UnreadCount,
	}, nil
}

// Sync copies the first pages of history into the store and returns the
// server's unread count.
func (c *APIClient) Sync(ctx context.Context, store *Store, maxPages, limit int) (int, error) {
	unread := 0
	for page := 1; page <= maxPages; page++ {
		result, err := c.List(ctx, page, limit)
		if err != nil {
			return 0, err
		}
		if err := store.ApplyAll(result.Items); err != nil {
			return 0, err
		}
		unread = result.UnreadCount
		if !result.HasMore {
			break
		}
	}
	return unread, nil
}

func (c *APIClient) get(ctx context.Context, path string, query url.Values, target any) error {
	endpoint := c.baseURL.JoinPath(path)
	if query != nil {
		endpoint.RawQuery = query.Encode()
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), http.NoBody)
	if err != nil {
		return err
	}
	request.Header.Set("Authorization", "Bearer "+c.token)
	request.Header.Set("Accept", "application/json")

	response, err := c.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("notifications api: %s: %w", path, err)
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(response.Body, maxErrorBodyBytes))
		return &StatusError{StatusCode: response.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	if err := json.NewDecoder(response.Body).Decode(target); err != nil {
		return fmt.Errorf("notifications api: decode %s: %w", path, err)
	}
	return nil
}

// FromWire converts the wire notification into the relay's type.
func FromWire(item protocol.Notification) realtime.Notification {
	return realtime.Notification{
		ID:        item.ID.String(),
		Kind:      item.Kind,
		Title:     item.Title,
		Body:      item.Body,
		Link:      item.Link,
		CreatedAt: item.CreatedAt,
		Read:      item.Read,
	}
}
