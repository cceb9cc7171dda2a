package bridge

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// RelayClient speaks JSON-RPC-ish frames to the device relay over a
// WebSocket. Each call dials, sends one request and reads one response; the
// relay holds the long-lived connections to the devices.
type RelayClient struct {
	relayURL  string
	authToken string
	timeout   time.Duration
	dialer    *websocket.Dialer
}

// NewRelayClient creates a bridge client for the given relay endpoint.
func NewRelayClient(relayURL, authToken string) *RelayClient {
	return &RelayClient{
		relayURL:  relayURL,
		authToken: authToken,
		timeout:   30 * time.Second,
		dialer:    websocket.DefaultDialer,
	}
}

type relayRequest struct {
	ID       string                 `json:"id"`
	Method   string                 `json:"method"`
	DeviceID string                 `json:"device_id,omitempty"`
	Params   map[string]interface{} `json:"params,omitempty"`
}

func (c *RelayClient) ListDevices(ctx context.Context) (*Result, error) {
	return c.send(ctx, relayRequest{Method: "devices.list"})
}

func (c *RelayClient) GetTabs(ctx context.Context, deviceID string) (*Result, error) {
	return c.send(ctx, relayRequest{Method: "tabs.list", DeviceID: deviceID})
}

func (c *RelayClient) TakeAction(ctx context.Context, deviceID string, actions []ActionRequest) (*Result, error) {
	return c.send(ctx, relayRequest{
		Method:   "page.action",
		DeviceID: deviceID,
		Params:   map[string]interface{}{"actions": actions},
	})
}

func (c *RelayClient) ExecuteScript(ctx context.Context, deviceID, script, tabID string) (*Result, error) {
	params := map[string]interface{}{"script": script}
	if tabID != "" {
		params["tab_id"] = tabID
	}
	return c.send(ctx, relayRequest{Method: "script.execute", DeviceID: deviceID, Params: params})
}

func (c *RelayClient) send(ctx context.Context, req relayRequest) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	header := http.Header{}
	if c.authToken != "" {
		header.Set("Authorization", "Bearer "+c.authToken)
	}

	conn, _, err := c.dialer.DialContext(ctx, c.relayURL, header)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBridgeUnavailable, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetWriteDeadline(deadline)
		conn.SetReadDeadline(deadline)
	}

	req.ID = fmt.Sprintf("%d", time.Now().UnixNano())
	if err := conn.WriteJSON(req); err != nil {
		return nil, fmt.Errorf("%w: write: %v", ErrBridgeUnavailable, err)
	}

	var envelope struct {
		ID string `json:"id"`
		Result
	}
	for {
		if err := conn.ReadJSON(&envelope); err != nil {
			return nil, fmt.Errorf("%w: read: %v", ErrBridgeUnavailable, err)
		}
		// The relay may interleave unrelated frames; wait for ours.
		if envelope.ID == "" || envelope.ID == req.ID {
			break
		}
	}

	result := envelope.Result
	return &result, nil
}

var _ PageActionBridge = (*RelayClient)(nil)
