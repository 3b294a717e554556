// Package filter evaluates candidate commands against tenant- and
// host-scoped whitelist/blacklist rules.
//
// Matching semantics are deliberately simple and deterministic: patterns
// are case-insensitive substrings of the whitespace-trimmed command. The
// first matching pattern, in rule order, is reported as the reason.
// Admins who want to allow specific subpaths should write more precise
// patterns, e.g. "rm -rf / " (trailing space) instead of "rm -rf /".
package filter

import (
	"context"
	"fmt"
	"log"
	"strings"
)

// Mode selects how a rule's patterns are interpreted.
type Mode string

const (
	// ModeBlacklist denies the command when any pattern matches.
	ModeBlacklist Mode = "blacklist"

	// ModeWhitelist denies the command unless some pattern matches.
	ModeWhitelist Mode = "whitelist"
)

// FailMode controls the verdict when the rule store is unavailable.
type FailMode string

const (
	// FailOpen allows commands through on internal error.
	FailOpen FailMode = "open"

	// FailClosed denies every command while the rule store is down.
	FailClosed FailMode = "closed"
)

// Rule is one filtering policy. HostID nil denotes the tenant-global rule,
// which applies to a host only when no active host-specific rule exists —
// the two are never merged.
type Rule struct {
	TenantID  int64
	HostID    *int64
	Mode      Mode
	Whitelist []string
	Blacklist []string
	IsActive  bool
}

// Decision is the outcome of a single check. Reason is empty when allowed.
type Decision struct {
	Allowed bool
	Reason  string
}

// RuleStore resolves filter rules. Implementations must be safe for
// concurrent use. A nil rule with nil error means "no rule configured".
type RuleStore interface {
	HostRule(ctx context.Context, tenantID, hostID int64) (*Rule, error)
	GlobalRule(ctx context.Context, tenantID int64) (*Rule, error)
}

// Engine is the one-shot policy gate consulted at command submit time.
// It holds no state beyond the store reference; a command is never
// re-evaluated after being forwarded.
type Engine struct {
	store    RuleStore
	failMode FailMode
}

// NewEngine creates an Engine. failMode decides the verdict when the rule
// store errors — a deliberate, configuration-level policy choice.
func NewEngine(store RuleStore, failMode FailMode) *Engine {
	if failMode != FailClosed {
		failMode = FailOpen
	}
	return &Engine{store: store, failMode: failMode}
}

// Check evaluates command for (tenantID, hostID). Lookup order: active
// host-specific rule, else active tenant-global rule, else default-allow.
func (e *Engine) Check(ctx context.Context, tenantID, hostID int64, command string) Decision {
	cmd := strings.TrimSpace(command)
	if cmd == "" {
		return Decision{Allowed: true}
	}

	rule, err := e.lookup(ctx, tenantID, hostID)
	if err != nil {
		log.Printf("[FILTER] rule lookup failed for tenant=%d host=%d: %v (fail-%s)",
			tenantID, hostID, err, e.failMode)
		if e.failMode == FailClosed {
			return Decision{Allowed: false, Reason: "policy store unavailable"}
		}
		return Decision{Allowed: true}
	}
	if rule == nil {
		return Decision{Allowed: true}
	}

	return evaluate(rule, cmd)
}

// lookup resolves the effective rule for (tenant, host). A present, active
// host-specific rule always overrides the global one.
func (e *Engine) lookup(ctx context.Context, tenantID, hostID int64) (*Rule, error) {
	hostRule, err := e.store.HostRule(ctx, tenantID, hostID)
	if err != nil {
		return nil, fmt.Errorf("host rule: %w", err)
	}
	if hostRule != nil && hostRule.IsActive {
		return hostRule, nil
	}

	global, err := e.store.GlobalRule(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("global rule: %w", err)
	}
	if global != nil && global.IsActive {
		return global, nil
	}

	return nil, nil
}

// evaluate applies the rule's mode to the trimmed command.
func evaluate(rule *Rule, cmd string) Decision {
	lower := strings.ToLower(cmd)

	switch rule.Mode {
	case ModeWhitelist:
		for _, pat := range rule.Whitelist {
			if pat == "" {
				continue
			}
			if strings.Contains(lower, strings.ToLower(pat)) {
				return Decision{Allowed: true}
			}
		}
		return Decision{Allowed: false, Reason: "command not in whitelist"}

	case ModeBlacklist:
		for _, pat := range rule.Blacklist {
			if pat == "" {
				continue
			}
			if strings.Contains(lower, strings.ToLower(pat)) {
				return Decision{Allowed: false, Reason: fmt.Sprintf("blacklisted pattern %q", pat)}
			}
		}
		return Decision{Allowed: true}

	default:
		// Unknown mode in the store — treat as no rule rather than
		// inventing semantics.
		return Decision{Allowed: true}
	}
}
