// Package wards implements the Policy Kernel (spec.md §4.3): fixed-window
// per-(tenant, capability) quota counters with strict-precedence
// configuration resolution. The counter is process-local by default
// (an in-memory fixed window) with an optional Redis-backed distributed
// counter substituted when DEMON_WARDS_REDIS_URL is configured, preserving
// the same decision contract either way.
package wards

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/demon-run/demon/internal/events"
)

// Quota describes a resolved {limit, windowSeconds} pair.
type Quota struct {
	Limit         int `json:"limit"`
	WindowSeconds int `json:"windowSeconds"`
}

// Decision is the outcome of a single quota evaluation.
type Decision struct {
	Allowed   bool
	Remaining int
	Reason    string
	Quota     Quota
}

// Counter increments and reads the fixed-window count for (tenant,
// capability) at the given window key, returning the post-increment count.
// Implementations must make the increment atomic with respect to concurrent
// callers sharing the same window key.
type Counter interface {
	Increment(ctx context.Context, tenant, capability string, windowKey int64, windowTTL time.Duration) (count int64, err error)
}

// Resolver resolves the effective quota for a (tenant, capability) pair
// using the strict precedence spec.md §4.3 requires: WARDS_CAP_QUOTAS >
// WARDS_QUOTAS > WARDS_GLOBAL_QUOTA.
type Resolver struct {
	global    *Quota
	perTenant map[string]Quota
	perCap    map[tenantCapKey]Quota
}

type tenantCapKey struct {
	tenant     string
	capability string
}

// NewResolver parses the three WARDS_* environment values. Each non-empty
// value is a JSON object: WARDS_GLOBAL_QUOTA is `{"limit":N,"windowSeconds":N}`;
// WARDS_QUOTAS is `{"<tenant>":{"limit":N,"windowSeconds":N}, ...}`;
// WARDS_CAP_QUOTAS is `{"<tenant>:<capability>":{"limit":N,"windowSeconds":N}, ...}`.
func NewResolver(globalRaw, tenantsRaw, capsRaw string) (*Resolver, error) {
	r := &Resolver{
		perTenant: make(map[string]Quota),
		perCap:    make(map[tenantCapKey]Quota),
	}

	if strings.TrimSpace(globalRaw) != "" {
		var q Quota
		if err := json.Unmarshal([]byte(globalRaw), &q); err != nil {
			return nil, fmt.Errorf("parse WARDS_GLOBAL_QUOTA: %w", err)
		}
		r.global = &q
	}

	if strings.TrimSpace(tenantsRaw) != "" {
		var m map[string]Quota
		if err := json.Unmarshal([]byte(tenantsRaw), &m); err != nil {
			return nil, fmt.Errorf("parse WARDS_QUOTAS: %w", err)
		}
		r.perTenant = m
	}

	if strings.TrimSpace(capsRaw) != "" {
		var m map[string]Quota
		if err := json.Unmarshal([]byte(capsRaw), &m); err != nil {
			return nil, fmt.Errorf("parse WARDS_CAP_QUOTAS: %w", err)
		}
		for k, q := range m {
			parts := strings.SplitN(k, ":", 2)
			if len(parts) != 2 {
				return nil, fmt.Errorf("parse WARDS_CAP_QUOTAS key %q: want \"tenant:capability\"", k)
			}
			r.perCap[tenantCapKey{tenant: parts[0], capability: parts[1]}] = q
		}
	}

	return r, nil
}

// Resolve returns the narrowest matching quota, or ok=false when no scope
// configures a quota for (tenant, capability).
func (r *Resolver) Resolve(tenant, capability string) (Quota, bool) {
	if q, ok := r.perCap[tenantCapKey{tenant: tenant, capability: capability}]; ok {
		return q, true
	}
	if q, ok := r.perTenant[tenant]; ok {
		return q, true
	}
	if r.global != nil {
		return *r.global, true
	}
	return Quota{}, false
}

// Kernel evaluates capability invocations against resolved quotas and
// produces policy.decision:v1 events (spec.md §4.3).
type Kernel struct {
	resolver *Resolver
	counter  Counter
	now      func() time.Time
}

// New constructs a Kernel. now defaults to time.Now when nil.
func New(resolver *Resolver, counter Counter, now func() time.Time) *Kernel {
	if now == nil {
		now = time.Now
	}
	return &Kernel{resolver: resolver, counter: counter, now: now}
}

// Evaluate resolves the quota, atomically increments the window counter,
// and returns the resulting decision. An unconfigured (tenant, capability)
// pair is always allowed with an unlimited decision.
func (k *Kernel) Evaluate(ctx context.Context, tenant, capability string) Decision {
	quota, configured := k.resolver.Resolve(tenant, capability)
	if !configured {
		return Decision{Allowed: true, Remaining: -1}
	}

	windowKey := k.now().Unix() / int64(quota.WindowSeconds)
	windowTTL := time.Duration(quota.WindowSeconds) * time.Second

	count, err := k.counter.Increment(ctx, tenant, capability, windowKey, windowTTL)
	if err != nil {
		return Decision{Allowed: false, Remaining: 0, Reason: "policy_error", Quota: quota}
	}

	if int(count) <= quota.Limit {
		return Decision{Allowed: true, Remaining: quota.Limit - int(count), Quota: quota}
	}
	return Decision{Allowed: false, Remaining: 0, Reason: "limit_exceeded", Quota: quota}
}

// ToEvent renders a Decision as the policy.decision:v1 payload (spec.md §4.3
// "camelCase quota block"; reason is omitted when allowed).
func (d Decision) ToEvent(tenant, capability string) *events.PolicyDecision {
	pd := &events.PolicyDecision{
		Tenant:     tenant,
		Capability: capability,
		Allowed:    d.Allowed,
		Quota: events.QuotaInfo{
			Limit:         d.Quota.Limit,
			WindowSeconds: d.Quota.WindowSeconds,
			Remaining:     d.Remaining,
		},
	}
	if !d.Allowed {
		pd.Reason = d.Reason
	}
	return pd
}
