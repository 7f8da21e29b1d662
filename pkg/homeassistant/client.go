// Package homeassistant provides a minimal client for the HomeAssistant
// REST and WebSocket APIs: entity states, service calls, instance config,
// and the area/entity/device registries.
//
// Only the calls ORAC needs are implemented. REST carries states, services
// and config; the registries are only reachable over the WebSocket API, so
// each registry read performs a short-lived authenticated WebSocket
// exchange.
//
// Typical usage:
//
//	c, err := homeassistant.New("http://homeassistant.local:8123", token,
//	    homeassistant.WithTimeout(10*time.Second),
//	)
//	states, err := c.States(ctx)
//	_, err = c.CallService(ctx, "light", "turn_on", map[string]any{
//	    "entity_id":  "light.kitchen",
//	    "brightness": 128,
//	})
package homeassistant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	statesEndpoint    = "/api/states"
	configEndpoint    = "/api/config"
	servicesEndpoint  = "/api/services"
	websocketEndpoint = "/api/websocket"

	defaultTimeout = 10 * time.Second
)

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithTimeout sets the per-request HTTP timeout for calls to HomeAssistant.
// Defaults to 10 s if not set.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.httpClient.Timeout = d
	}
}

// WithHTTPClient replaces the underlying HTTP client, e.g. to add custom TLS
// configuration for instances behind self-signed certificates.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// Client talks to one HomeAssistant instance. Safe for concurrent use.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// New creates a Client for the instance at baseURL. An empty token is
// allowed for instances behind an authenticating proxy; otherwise it should
// be a long-lived access token.
func New(baseURL, token string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("homeassistant: baseURL must not be empty")
	}
	c := &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// State is one entity state as returned by GET /api/states.
type State struct {
	EntityID    string         `json:"entity_id"`
	State       string         `json:"state"`
	Attributes  map[string]any `json:"attributes"`
	LastChanged time.Time      `json:"last_changed"`
	LastUpdated time.Time      `json:"last_updated"`
}

// Domain returns the part of the entity id before the first dot, e.g.
// "light" for "light.kitchen_ceiling".
func (s State) Domain() string {
	domain, _, _ := strings.Cut(s.EntityID, ".")
	return domain
}

// FriendlyName returns the friendly_name attribute, or "" when unset.
func (s State) FriendlyName() string {
	name, _ := s.Attributes["friendly_name"].(string)
	return name
}

// Config is the subset of GET /api/config ORAC surfaces.
type Config struct {
	Version      string `json:"version"`
	LocationName string `json:"location_name"`
}

// States retrieves all entity states.
func (c *Client) States(ctx context.Context) ([]State, error) {
	var states []State
	if err := c.getJSON(ctx, statesEndpoint, &states); err != nil {
		return nil, err
	}
	return states, nil
}

// Config retrieves the instance configuration. It doubles as the cheap
// reachability probe: a valid answer proves both connectivity and auth.
func (c *Client) Config(ctx context.Context) (Config, error) {
	var cfg Config
	if err := c.getJSON(ctx, configEndpoint, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// CallService invokes POST /api/services/<domain>/<service> with the given
// data (which includes entity_id). It returns the states HomeAssistant
// reports as changed by the call.
func (c *Client) CallService(ctx context.Context, domain, service string, data map[string]any) ([]State, error) {
	if domain == "" || service == "" {
		return nil, errors.New("homeassistant: domain and service must not be empty")
	}

	body, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("homeassistant: marshal service data: %w", err)
	}

	path := servicesEndpoint + "/" + domain + "/" + service
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("homeassistant: create service request: %w", err)
	}
	c.authorize(req)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("homeassistant: POST %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, httpError(http.MethodPost, path, resp)
	}

	var changed []State
	if err := json.NewDecoder(resp.Body).Decode(&changed); err != nil {
		return nil, fmt.Errorf("homeassistant: decode service response: %w", err)
	}
	return changed, nil
}

// getJSON performs an authorized GET and decodes the JSON response into out.
func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("homeassistant: create request: %w", err)
	}
	c.authorize(req)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("homeassistant: GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return httpError(http.MethodGet, path, resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("homeassistant: decode %s response: %w", path, err)
	}
	return nil
}

func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

// httpError renders a non-200 response, keeping a short body excerpt since
// HomeAssistant puts the actionable message there.
func httpError(method, path string, resp *http.Response) error {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
	msg := strings.TrimSpace(string(snippet))
	if msg == "" {
		return fmt.Errorf("homeassistant: %s %s returned status %d", method, path, resp.StatusCode)
	}
	return fmt.Errorf("homeassistant: %s %s returned status %d: %s", method, path, resp.StatusCode, msg)
}
