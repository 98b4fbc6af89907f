package token

import (
	"strings"
	"time"
)

const (
	// DefaultQuota is the locally assumed budget for a fresh token.
	DefaultQuota = 80
	// FailThreshold is how many counted auth failures expire a token.
	FailThreshold = 5
	// AuthFailureStatus is the only upstream status that counts as an auth failure.
	AuthFailureStatus = 401
)

// Status is the lifecycle state of a token.
type Status string

const (
	StatusActive   Status = "active"
	StatusDisabled Status = "disabled" // operator-forced, never auto-revived
	StatusExpired  Status = "expired"  // credential judged invalid
	StatusCooling  Status = "cooling"  // quota exhausted, awaiting refresh
)

// Effort classifies how expensive a request is against the quota.
type Effort string

const (
	EffortLow  Effort = "low"
	EffortHigh Effort = "high"
)

// Cost maps an effort class to quota points.
func (e Effort) Cost() int {
	if e == EffortHigh {
		return 4
	}
	return 1
}

// TokenInfo is one credential with its bookkeeping. Field names and the
// millisecond epoch timestamps match the legacy token.json layout so existing
// snapshots load unchanged. All mutation goes through the Manager; TokenInfo
// itself is not safe for concurrent use.
type TokenInfo struct {
	Token            string   `json:"token"`
	Status           Status   `json:"status"`
	Quota            int      `json:"quota"`
	CreatedAt        int64    `json:"created_at,omitempty"`
	LastUsedAt       int64    `json:"last_used_at,omitempty"`
	UseCount         int      `json:"use_count"`
	FailCount        int      `json:"fail_count"`
	LastFailAt       int64    `json:"last_fail_at,omitempty"`
	LastFailReason   string   `json:"last_fail_reason,omitempty"`
	LastSyncAt       int64    `json:"last_sync_at,omitempty"`
	Tags             []string `json:"tags,omitempty"`
	Note             string   `json:"note,omitempty"`
	LastAssetClearAt int64    `json:"last_asset_clear_at,omitempty"`
}

// NewTokenInfo builds a fresh active token with the default quota.
func NewTokenInfo(secret string) *TokenInfo {
	return &TokenInfo{
		Token:     StripPrefix(secret),
		Status:    StatusActive,
		Quota:     DefaultQuota,
		CreatedAt: nowMillis(),
	}
}

// StripPrefix normalizes a secret that may arrive as a raw cookie pair.
func StripPrefix(secret string) string {
	return strings.TrimPrefix(strings.TrimSpace(secret), "sso=")
}

// IsAvailable reports whether the token can serve a request right now.
func (t *TokenInfo) IsAvailable() bool {
	return t.Status == StatusActive && t.Quota > 0
}

// Consume deducts the effort cost from the local quota estimate, clamped so
// the quota never goes negative, and returns the amount actually deducted.
func (t *TokenInfo) Consume(effort Effort) int {
	cost := effort.Cost()
	if cost > t.Quota {
		cost = t.Quota
	}
	t.Quota -= cost
	t.UseCount++
	t.FailCount = 0
	t.LastFailReason = ""
	t.LastUsedAt = nowMillis()
	t.applyQuotaTransition()
	return cost
}

// UpdateQuota replaces the local estimate with the authoritative value
// (clamped at zero) and applies the induced status transition.
func (t *TokenInfo) UpdateQuota(remaining int) {
	if remaining < 0 {
		remaining = 0
	}
	t.Quota = remaining
	t.applyQuotaTransition()
}

// applyQuotaTransition derives the lifecycle state from the quota: zero means
// cooling, anything else means active, even for a token previously judged
// expired. Disabled is operator intent and is never overridden here.
func (t *TokenInfo) applyQuotaTransition() {
	if t.Status == StatusDisabled {
		return
	}
	if t.Quota == 0 {
		t.Status = StatusCooling
		return
	}
	t.Status = StatusActive
}

// Reset restores the default quota and revives the token unless an operator
// disabled it.
func (t *TokenInfo) Reset() {
	t.Quota = DefaultQuota
	t.FailCount = 0
	t.LastFailReason = ""
	if t.Status != StatusDisabled {
		t.Status = StatusActive
	}
}

// RecordFail notes an upstream auth failure; crossing the threshold expires
// the token. Any other status code is a no-op so the failure bookkeeping only
// ever reflects credential problems.
func (t *TokenInfo) RecordFail(statusCode int, reason string) {
	if statusCode != AuthFailureStatus {
		return
	}
	t.LastFailAt = nowMillis()
	t.LastFailReason = reason
	t.FailCount++
	if t.FailCount >= FailThreshold {
		t.Status = StatusExpired
	}
}

// RecordSuccess clears the failure bookkeeping and re-derives the status from
// the quota; isUsage additionally counts the call as a served request.
func (t *TokenInfo) RecordSuccess(isUsage bool) {
	t.FailCount = 0
	t.LastFailAt = 0
	t.LastFailReason = ""
	t.LastUsedAt = nowMillis()
	if isUsage {
		t.UseCount++
	}
	t.applyQuotaTransition()
}

// NeedRefresh reports whether a cooling token is due for reconciliation
// against the upstream authority.
func (t *TokenInfo) NeedRefresh(interval time.Duration) bool {
	if t.Status != StatusCooling {
		return false
	}
	if t.LastSyncAt == 0 {
		return true
	}
	elapsed := time.Since(time.UnixMilli(t.LastSyncAt))
	return elapsed >= interval
}

// MarkSynced stamps the last reconciliation time.
func (t *TokenInfo) MarkSynced() {
	t.LastSyncAt = nowMillis()
}

// MarkAssetClear stamps the last online-asset purge time.
func (t *TokenInfo) MarkAssetClear() {
	t.LastAssetClearAt = nowMillis()
}

// Clone returns an independent copy for read-only callers.
func (t *TokenInfo) Clone() *TokenInfo {
	cp := *t
	if t.Tags != nil {
		cp.Tags = append([]string(nil), t.Tags...)
	}
	return &cp
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
