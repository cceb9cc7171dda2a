// Package permissions decides whether a user's action may touch a domain and
// runs the confirmation handshake for high-risk actions.
package permissions

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/browserpilot/backend/internal/models"
	"github.com/browserpilot/backend/internal/store"
)

// Common errors
var (
	// ErrConfirmationNotFound covers expired, consumed and unknown tokens
	// alike so callers cannot tell which case occurred.
	ErrConfirmationNotFound = errors.New("confirmation not found or expired")
	ErrDomainBlocked        = errors.New("domain is blocked")
)

// Domains that can never receive a non-blocked permission, no matter what is
// stored. Keywords match as substrings, full domains match as suffixes.
var (
	blockedKeywords = []string{"bank", "banking", "brokerage"}
	blockedDomains  = []string{
		"paypal.com",
		"venmo.com",
		"coinbase.com",
		"binance.com",
		"fidelity.com",
		"schwab.com",
		"robinhood.com",
		"chase.com",
		"wellsfargo.com",
		"irs.gov",
		"healthcare.gov",
	}
)

// Actions permitted under read-only access.
var readOnlyActions = map[models.ActionType]bool{
	models.ActionNavigate:   true,
	models.ActionScreenshot: true,
	models.ActionScroll:     true,
}

// Risk categories that always require a fresh confirmation, regardless of any
// stored preference.
var alwaysConfirm = map[models.RiskType]bool{
	models.RiskPurchase: true,
	models.RiskPayment:  true,
	models.RiskDelete:   true,
}

// CheckResult is the outcome of a permission check.
type CheckResult struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// GrantRequest describes a permission grant or update.
type GrantRequest struct {
	AccessLevel          models.AccessLevel  `json:"access_level" binding:"required"`
	AllowedActions       []models.ActionType `json:"allowed_actions"`
	RequiresConfirmation []models.RiskType   `json:"requires_confirmation"`
	TTL                  time.Duration       `json:"ttl,omitempty"`
}

// Guard enforces per-domain access control and owns pending confirmations.
type Guard struct {
	perms    store.PermissionStore
	confirms store.ConfirmationStore
	logger   zerolog.Logger
	nowFn    func() time.Time
}

// NewGuard creates a permission guard.
func NewGuard(perms store.PermissionStore, confirms store.ConfirmationStore, logger zerolog.Logger) *Guard {
	return &Guard{
		perms:    perms,
		confirms: confirms,
		logger:   logger.With().Str("component", "permissions").Logger(),
		nowFn:    time.Now,
	}
}

// NormalizeDomain reduces a URL or bare hostname to a canonical domain:
// lowercase, no port, no leading www.
func NormalizeDomain(raw string) string {
	host := raw
	if strings.Contains(raw, "://") {
		if u, err := url.Parse(raw); err == nil && u.Host != "" {
			host = u.Host
		}
	}
	if i := strings.IndexByte(host, '/'); i >= 0 {
		host = host[:i]
	}
	if i := strings.IndexByte(host, ':'); i >= 0 {
		host = host[:i]
	}
	host = strings.ToLower(strings.TrimSpace(host))
	return strings.TrimPrefix(host, "www.")
}

// IsBlockedDomain reports whether a normalized domain is on the hard-coded
// block list.
func IsBlockedDomain(domain string) bool {
	for _, kw := range blockedKeywords {
		if strings.Contains(domain, kw) {
			return true
		}
	}
	for _, blocked := range blockedDomains {
		if domain == blocked || strings.HasSuffix(domain, "."+blocked) {
			return true
		}
	}
	return false
}

// CheckPermission decides whether userID may perform the given action type on
// the page at rawURL. Expiry is evaluated here, on every read; a lapsed grant
// is revoked as a side effect.
func (g *Guard) CheckPermission(ctx context.Context, userID uuid.UUID, rawURL string, action models.ActionType) (CheckResult, error) {
	domain := NormalizeDomain(rawURL)
	if domain == "" {
		return CheckResult{Allowed: false, Reason: "could not determine domain"}, nil
	}

	if IsBlockedDomain(domain) {
		return CheckResult{Allowed: false, Reason: fmt.Sprintf("domain %s is blocked", domain)}, nil
	}

	perm, err := g.perms.Get(ctx, userID, domain)
	if errors.Is(err, store.ErrNotFound) {
		return CheckResult{Allowed: false, Reason: fmt.Sprintf("no permission granted for %s", domain)}, nil
	}
	if err != nil {
		return CheckResult{}, err
	}

	if perm.Expired(g.nowFn()) {
		// Revoke the stale grant so the next read is cheap.
		if delErr := g.perms.Delete(ctx, userID, domain); delErr != nil && !errors.Is(delErr, store.ErrNotFound) {
			g.logger.Warn().Err(delErr).Str("domain", domain).Msg("failed to revoke expired permission")
		}
		return CheckResult{Allowed: false, Reason: fmt.Sprintf("permission for %s has expired", domain)}, nil
	}

	switch perm.AccessLevel {
	case models.AccessBlocked:
		return CheckResult{Allowed: false, Reason: fmt.Sprintf("access to %s is blocked by user settings", domain)}, nil
	case models.AccessReadOnly:
		if readOnlyActions[action] {
			return CheckResult{Allowed: true}, nil
		}
		return CheckResult{Allowed: false, Reason: fmt.Sprintf("%s requires more than read-only access to %s", action, domain)}, nil
	default:
		if perm.AllowsAction(action) {
			return CheckResult{Allowed: true}, nil
		}
		return CheckResult{Allowed: false, Reason: fmt.Sprintf("action %s is not allowed on %s", action, domain)}, nil
	}
}

// RequireConfirmation mints a single-use confirmation token for a high-risk
// action when one is needed. It returns nil when the user's stored preference
// waives confirmation for this risk category; purchase, payment and delete
// can never be waived.
func (g *Guard) RequireConfirmation(ctx context.Context, userID uuid.UUID, action models.BrowserAction, riskType models.RiskType, domain, description string) (*models.PendingConfirmation, error) {
	domain = NormalizeDomain(domain)

	if !alwaysConfirm[riskType] {
		perm, err := g.perms.Get(ctx, userID, domain)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		if perm != nil && !perm.Expired(g.nowFn()) && !containsRisk(perm.RequiresConfirmation, riskType) {
			return nil, nil
		}
	}

	token, err := newToken()
	if err != nil {
		return nil, err
	}

	now := g.nowFn()
	pending := &models.PendingConfirmation{
		Token:       token,
		UserID:      userID,
		Action:      action,
		Domain:      domain,
		Description: description,
		CreatedAt:   now,
		ExpiresAt:   now.Add(models.ConfirmationTTL),
	}
	if err := g.confirms.Put(ctx, pending); err != nil {
		return nil, err
	}

	g.logger.Info().
		Str("user_id", userID.String()).
		Str("domain", domain).
		Str("risk_type", string(riskType)).
		Msg("confirmation required")

	return pending, nil
}

// ConfirmAction consumes a confirmation token and returns the approved
// pending action. A second call with the same token fails.
func (g *Guard) ConfirmAction(ctx context.Context, token string) (*models.PendingConfirmation, error) {
	pending, err := g.confirms.Take(ctx, token)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrConfirmationNotFound
	}
	if err != nil {
		return nil, err
	}
	// Expiry first: an expired token behaves exactly like an unknown one.
	if g.nowFn().After(pending.ExpiresAt) {
		return nil, ErrConfirmationNotFound
	}
	return pending, nil
}

// DenyAction consumes and discards a confirmation token. Only the user the
// confirmation belongs to may deny it; anyone else gets the same answer as
// for an unknown token.
func (g *Guard) DenyAction(ctx context.Context, userID uuid.UUID, token string) error {
	pending, err := g.confirms.Take(ctx, token)
	if errors.Is(err, store.ErrNotFound) {
		return ErrConfirmationNotFound
	}
	if err != nil {
		return err
	}
	if pending.UserID != userID {
		return ErrConfirmationNotFound
	}
	return nil
}

// GrantAccess creates or updates the permission for (userID, domain). Grants
// to blocked domains are rejected outright. On update the original GrantedAt
// is preserved by the store.
func (g *Guard) GrantAccess(ctx context.Context, userID uuid.UUID, rawDomain string, req GrantRequest) (*models.SitePermission, error) {
	domain := NormalizeDomain(rawDomain)
	if domain == "" {
		return nil, errors.New("invalid domain")
	}
	if IsBlockedDomain(domain) {
		return nil, fmt.Errorf("%w: %s", ErrDomainBlocked, domain)
	}

	now := g.nowFn()
	perm := &models.SitePermission{
		ID:                   uuid.New(),
		UserID:               userID,
		Domain:               domain,
		AccessLevel:          req.AccessLevel,
		AllowedActions:       req.AllowedActions,
		RequiresConfirmation: req.RequiresConfirmation,
		GrantedAt:            now,
	}
	if req.TTL > 0 {
		expires := now.Add(req.TTL)
		perm.ExpiresAt = &expires
	}

	if err := g.perms.Upsert(ctx, perm); err != nil {
		return nil, err
	}

	g.logger.Info().
		Str("user_id", userID.String()).
		Str("domain", domain).
		Str("access_level", string(req.AccessLevel)).
		Msg("permission granted")

	return perm, nil
}

// RevokeAccess removes the permission for (userID, domain).
func (g *Guard) RevokeAccess(ctx context.Context, userID uuid.UUID, rawDomain string) error {
	return g.perms.Delete(ctx, userID, NormalizeDomain(rawDomain))
}

// ListPermissions returns all of a user's grants.
func (g *Guard) ListPermissions(ctx context.Context, userID uuid.UUID) ([]models.SitePermission, error) {
	return g.perms.ListByUser(ctx, userID)
}

func containsRisk(set []models.RiskType, risk models.RiskType) bool {
	for _, r := range set {
		if r == risk {
			return true
		}
	}
	return false
}

func newToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
