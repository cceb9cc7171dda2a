// Package bridge is the control plane's view of the remote device transport:
// a relay that forwards page actions to a browser extension on a user-owned
// device and reports tab state back.
package bridge

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/browserpilot/backend/internal/models"
)

// ErrBridgeUnavailable indicates the relay could not be reached at all, as
// opposed to the bridge reaching the device and reporting a failure.
var ErrBridgeUnavailable = errors.New("bridge unavailable")

// Result is the uniform response envelope every bridge call returns. A nil
// transport error with Success=false means the device answered and refused.
type Result struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Err converts a failed envelope into an error, or nil on success.
func (r *Result) Err() error {
	if r.Success {
		return nil
	}
	if r.Error == "" {
		return errors.New("bridge call failed")
	}
	return errors.New(r.Error)
}

// ActionRequest is one page action forwarded to the extension.
type ActionRequest struct {
	TabID    string                 `json:"tab_id,omitempty"`
	ToolName string                 `json:"tool_name"`
	Args     map[string]interface{} `json:"args,omitempty"`
}

// PageActionBridge is the consumed device transport. Transport failures come
// back as Go errors (retryable during session creation); device-level
// failures come back inside the envelope.
type PageActionBridge interface {
	ListDevices(ctx context.Context) (*Result, error)
	GetTabs(ctx context.Context, deviceID string) (*Result, error)
	TakeAction(ctx context.Context, deviceID string, actions []ActionRequest) (*Result, error)
	ExecuteScript(ctx context.Context, deviceID, script, tabID string) (*Result, error)
}

// DecodeDevices unpacks a ListDevices envelope.
func DecodeDevices(result *Result) ([]models.DeviceInfo, error) {
	if err := result.Err(); err != nil {
		return nil, err
	}
	var devices []models.DeviceInfo
	if err := json.Unmarshal(result.Data, &devices); err != nil {
		return nil, err
	}
	return devices, nil
}

// DecodeTabs unpacks a GetTabs envelope.
func DecodeTabs(result *Result) ([]models.BrowserTab, error) {
	if err := result.Err(); err != nil {
		return nil, err
	}
	var tabs []models.BrowserTab
	if err := json.Unmarshal(result.Data, &tabs); err != nil {
		return nil, err
	}
	return tabs, nil
}
