// Package risk statically classifies browser actions before they are allowed
// anywhere near a real browser. It is pure: no state, no I/O, deterministic.
package risk

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/browserpilot/backend/internal/models"
)

// categoryPatterns associates a risk category with the selector substrings
// that betray it. Order matters: the first matching category wins, so the
// destructive-money categories come first.
type categoryPatterns struct {
	risk     models.RiskType
	patterns []string
}

var selectorPatterns = []categoryPatterns{
	{models.RiskPurchase, []string{"checkout", "buy-now", "buynow", "add-to-cart", "addtocart", "place-order", "purchase", "order-submit"}},
	{models.RiskPayment, []string{"payment", "pay-now", "paynow", "card-number", "cardnumber", "cvv", "cvc", "billing"}},
	{models.RiskDelete, []string{"delete", "remove", "trash", "destroy", "deactivate"}},
	{models.RiskPublish, []string{"publish", "post-submit", "tweet", "send-message", "submit-post"}},
	{models.RiskShare, []string{"share", "invite", "forward"}},
	{models.RiskLogin, []string{"login", "log-in", "signin", "sign-in", "password", "auth-submit"}},
}

var urlPatterns = []categoryPatterns{
	{models.RiskPurchase, []string{"/checkout", "/cart", "/order"}},
	{models.RiskPayment, []string{"stripe.com", "paypal.com", "/payment", "/billing", "/pay"}},
	{models.RiskLogin, []string{"/login", "/signin", "/auth"}},
}

// Sensitive-data shapes for typed values, checked after whitespace stripping.
var (
	cardNumberRe = regexp.MustCompile(`^\d{15,16}$`)
	cvvRe        = regexp.MustCompile(`^\d{3,4}$`)
	ssnLikeRe    = regexp.MustCompile(`^\d{9}$`)
)

// scriptWarning pairs a dangerous script pattern with its human explanation.
type scriptWarning struct {
	pattern string
	message string
}

var scriptWarnings = []scriptWarning{
	{"eval(", "script calls eval(), which can execute arbitrary code"},
	{"document.cookie", "script reads or writes document.cookie"},
	{"localStorage", "script accesses localStorage"},
	{"innerHTML=", "script injects markup via innerHTML assignment"},
}

// Validate performs structural validation and risk classification of a single
// action. currentURL is the URL of the page the action would run against and
// may be empty. Risk is the union of three independent signals; ties are
// broken by signal order (selector, then typed value, then URL). Script
// warnings are additive and always force the high-risk flag.
func Validate(action models.BrowserAction, currentURL string) models.ValidationResult {
	if reason, ok := structuralError(action); !ok {
		return models.ValidationResult{IsValid: false, Reason: reason}
	}

	result := models.ValidationResult{IsValid: true}

	if risk, ok := matchSelector(action.Selector); ok {
		result.IsHighRisk = true
		result.RiskType = risk
	}

	if action.Type == models.ActionTypeText {
		if risk, ok := matchTypedValue(action.Value); ok {
			if !result.IsHighRisk {
				result.RiskType = risk
			}
			result.IsHighRisk = true
		}
	}

	if currentURL != "" {
		if risk, ok := matchURL(currentURL); ok {
			if !result.IsHighRisk {
				result.RiskType = risk
			}
			result.IsHighRisk = true
		}
	}

	if action.Type == models.ActionExecuteScript {
		warnings := scanScript(action.Script)
		if len(warnings) > 0 {
			result.Warnings = warnings
			result.IsHighRisk = true
		}
	}

	return result
}

// structuralError checks required fields per action type. It returns a reason
// naming the missing field and ok=false on violation.
func structuralError(action models.BrowserAction) (string, bool) {
	switch action.Type {
	case models.ActionNavigate:
		if action.URL == "" {
			return "navigate action requires a url", false
		}
	case models.ActionClick:
		if action.Selector == "" {
			return "click action requires a selector", false
		}
	case models.ActionTypeText:
		if action.Selector == "" {
			return "type action requires a selector", false
		}
		if action.Value == "" {
			return "type action requires a value", false
		}
	case models.ActionExecuteScript:
		if strings.TrimSpace(action.Script) == "" {
			return "execute_script action requires a script", false
		}
	case models.ActionScroll, models.ActionScreenshot, models.ActionWait:
		// No required fields.
	default:
		return fmt.Sprintf("unknown action type %q", action.Type), false
	}
	return "", true
}

func matchSelector(selector string) (models.RiskType, bool) {
	if selector == "" {
		return "", false
	}
	lower := strings.ToLower(selector)
	for _, cat := range selectorPatterns {
		for _, p := range cat.patterns {
			if strings.Contains(lower, p) {
				return cat.risk, true
			}
		}
	}
	return "", false
}

func matchTypedValue(value string) (models.RiskType, bool) {
	stripped := strings.Join(strings.Fields(value), "")
	switch {
	case cardNumberRe.MatchString(stripped):
		return models.RiskPayment, true // card number shape
	case cvvRe.MatchString(stripped):
		return models.RiskPayment, true // CVV shape
	case ssnLikeRe.MatchString(stripped):
		return models.RiskShare, true // SSN-like
	}
	return "", false
}

func matchURL(url string) (models.RiskType, bool) {
	lower := strings.ToLower(url)
	for _, cat := range urlPatterns {
		for _, p := range cat.patterns {
			if strings.Contains(lower, p) {
				return cat.risk, true
			}
		}
	}
	return "", false
}

// scanScript looks for dangerous call patterns in a script body. Matches
// produce warnings without failing validation.
func scanScript(script string) []string {
	// Collapse whitespace so "innerHTML =" still matches "innerHTML=".
	collapsed := strings.Join(strings.Fields(script), "")
	var warnings []string
	for _, w := range scriptWarnings {
		if strings.Contains(collapsed, w.pattern) {
			warnings = append(warnings, w.message)
		}
	}
	return warnings
}

// DescribeAction renders a one-line human description of an action for audit
// logs and confirmation prompts. Typed values are always masked; leaking the
// literal value here is a privacy bug, not a formatting choice.
func DescribeAction(action models.BrowserAction) string {
	switch action.Type {
	case models.ActionNavigate:
		return fmt.Sprintf("Navigate to %s", action.URL)
	case models.ActionClick:
		return fmt.Sprintf("Click element %q", action.Selector)
	case models.ActionTypeText:
		return fmt.Sprintf("Type %q into %q", MaskValue(action.Value), action.Selector)
	case models.ActionScroll:
		if action.Direction != "" {
			return fmt.Sprintf("Scroll %s", action.Direction)
		}
		return "Scroll the page"
	case models.ActionScreenshot:
		return "Take a screenshot"
	case models.ActionWait:
		return fmt.Sprintf("Wait %dms", action.WaitMs)
	case models.ActionExecuteScript:
		return fmt.Sprintf("Run a script (%d chars)", len(action.Script))
	default:
		return fmt.Sprintf("Unknown action %q", action.Type)
	}
}

// MaskValue hides a typed value, keeping at most the first and last two
// characters. Values of four characters or fewer are masked entirely.
func MaskValue(value string) string {
	if len(value) <= 4 {
		return strings.Repeat("*", len(value))
	}
	return value[:2] + "***" + value[len(value)-2:]
}
