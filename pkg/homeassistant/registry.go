package homeassistant

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/coder/websocket"
)

// Area is one entry of the area registry.
type Area struct {
	AreaID string `json:"area_id"`
	Name   string `json:"name"`
}

// RegistryEntry is one entry of the entity registry: the linkage between an
// entity, its device and its area. AreaID is often empty here — many
// entities inherit their area from the device instead.
type RegistryEntry struct {
	EntityID     string `json:"entity_id"`
	DeviceID     string `json:"device_id"`
	AreaID       string `json:"area_id"`
	Name         string `json:"name"`
	OriginalName string `json:"original_name"`
}

// Device is one entry of the device registry.
type Device struct {
	ID     string `json:"id"`
	AreaID string `json:"area_id"`
	Name   string `json:"name"`
}

// Areas lists the area registry.
func (c *Client) Areas(ctx context.Context) ([]Area, error) {
	var out []Area
	if err := c.wsCommand(ctx, "config/area_registry/list", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// EntityRegistry lists the entity registry.
func (c *Client) EntityRegistry(ctx context.Context) ([]RegistryEntry, error) {
	var out []RegistryEntry
	if err := c.wsCommand(ctx, "config/entity_registry/list", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// DeviceRegistry lists the device registry.
func (c *Client) DeviceRegistry(ctx context.Context) ([]Device, error) {
	var out []Device
	if err := c.wsCommand(ctx, "config/device_registry/list", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// wsEnvelope covers every message shape exchanged during a registry read.
type wsEnvelope struct {
	ID        int             `json:"id,omitempty"`
	Type      string          `json:"type"`
	Success   bool            `json:"success,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Message   string          `json:"message,omitempty"`
	HAVersion string          `json:"ha_version,omitempty"`
	Error     *wsError        `json:"error,omitempty"`
}

type wsError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// wsCommand performs one authenticated command over a short-lived WebSocket
// connection and decodes its result into out. Registry reads are rare
// (operator-triggered fetches), so a connection per call beats keeping a
// socket alive across them.
func (c *Client) wsCommand(ctx context.Context, command string, out any) error {
	conn, _, err := websocket.Dial(ctx, c.websocketURL(), nil)
	if err != nil {
		return fmt.Errorf("homeassistant: dial websocket: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	var hello wsEnvelope
	if err := readEnvelope(ctx, conn, &hello); err != nil {
		return err
	}
	if hello.Type == "auth_required" {
		auth := map[string]string{"type": "auth", "access_token": c.token}
		if err := writeEnvelope(ctx, conn, auth); err != nil {
			return err
		}
		var resp wsEnvelope
		if err := readEnvelope(ctx, conn, &resp); err != nil {
			return err
		}
		if resp.Type != "auth_ok" {
			return fmt.Errorf("homeassistant: websocket auth failed: %s", resp.Message)
		}
	}

	if err := writeEnvelope(ctx, conn, map[string]any{"id": 1, "type": command}); err != nil {
		return err
	}
	for {
		var resp wsEnvelope
		if err := readEnvelope(ctx, conn, &resp); err != nil {
			return err
		}
		// Skip unrelated frames (pings, events) until our result arrives.
		if resp.Type != "result" || resp.ID != 1 {
			continue
		}
		if !resp.Success {
			msg := "unknown error"
			if resp.Error != nil {
				msg = resp.Error.Message
			}
			return fmt.Errorf("homeassistant: %s failed: %s", command, msg)
		}
		if out == nil {
			return nil
		}
		if err := json.Unmarshal(resp.Result, out); err != nil {
			return fmt.Errorf("homeassistant: decode %s result: %w", command, err)
		}
		return nil
	}
}

// websocketURL derives ws(s)://…/api/websocket from the base URL.
func (c *Client) websocketURL() string {
	u := c.baseURL
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + websocketEndpoint
}

func readEnvelope(ctx context.Context, conn *websocket.Conn, v *wsEnvelope) error {
	_, data, err := conn.Read(ctx)
	if err != nil {
		return fmt.Errorf("homeassistant: read websocket: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("homeassistant: decode websocket message: %w", err)
	}
	return nil
}

func writeEnvelope(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("homeassistant: marshal websocket message: %w", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("homeassistant: write websocket: %w", err)
	}
	return nil
}
