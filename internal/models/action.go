package models

// ActionType identifies the kind of browser action being requested.
type ActionType string

const (
	ActionNavigate      ActionType = "navigate"
	ActionClick         ActionType = "click"
	ActionTypeText      ActionType = "type"
	ActionScroll        ActionType = "scroll"
	ActionScreenshot    ActionType = "screenshot"
	ActionWait          ActionType = "wait"
	ActionExecuteScript ActionType = "execute_script"
)

// BrowserAction is a single action to perform in a remote browser tab.
// Actions are ephemeral: they are validated and dispatched, never persisted.
type BrowserAction struct {
	Type      ActionType `json:"type" binding:"required"`
	URL       string     `json:"url,omitempty"`       // navigate
	Selector  string     `json:"selector,omitempty"`  // click, type
	Value     string     `json:"value,omitempty"`     // type
	Direction string     `json:"direction,omitempty"` // scroll: up, down
	WaitMs    int        `json:"wait_ms,omitempty"`   // wait
	Script    string     `json:"script,omitempty"`    // execute_script
	TabID     string     `json:"tab_id,omitempty"`
}

// RiskType categorizes why an action was classified as high risk.
type RiskType string

const (
	RiskPurchase RiskType = "purchase"
	RiskPayment  RiskType = "payment"
	RiskPublish  RiskType = "publish"
	RiskDelete   RiskType = "delete"
	RiskShare    RiskType = "share"
	RiskLogin    RiskType = "login"
)

// HighRiskTypes is the closed set of recognized risk categories.
var HighRiskTypes = []RiskType{RiskPurchase, RiskPayment, RiskPublish, RiskDelete, RiskShare, RiskLogin}

// ValidationResult is the output of static analysis over one BrowserAction.
type ValidationResult struct {
	IsValid    bool     `json:"is_valid"`
	IsHighRisk bool     `json:"is_high_risk"`
	RiskType   RiskType `json:"risk_type,omitempty"`
	Reason     string   `json:"reason,omitempty"`
	Warnings   []string `json:"warnings,omitempty"`
}
