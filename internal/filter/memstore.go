package filter

import (
	"context"
	"sync"
)

// MemoryRuleStore is an in-process RuleStore used in tests and in dev mode
// when no database is configured. Safe for concurrent use.
type MemoryRuleStore struct {
	mu    sync.RWMutex
	rules []Rule

	// Err, when set, is returned by every lookup — used to exercise the
	// engine's fail-open / fail-closed paths.
	Err error
}

// NewMemoryRuleStore creates an empty MemoryRuleStore.
func NewMemoryRuleStore() *MemoryRuleStore {
	return &MemoryRuleStore{}
}

// Put adds or replaces the rule with the same (tenant, host) scope.
func (m *MemoryRuleStore) Put(rule Rule) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, r := range m.rules {
		if r.TenantID == rule.TenantID && sameHost(r.HostID, rule.HostID) {
			m.rules[i] = rule
			return
		}
	}
	m.rules = append(m.rules, rule)
}

// HostRule returns the host-specific rule for (tenant, host), or nil.
func (m *MemoryRuleStore) HostRule(_ context.Context, tenantID, hostID int64) (*Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.Err != nil {
		return nil, m.Err
	}
	for _, r := range m.rules {
		if r.TenantID == tenantID && r.HostID != nil && *r.HostID == hostID {
			rule := r
			return &rule, nil
		}
	}
	return nil, nil
}

// GlobalRule returns the tenant-global rule (host id null), or nil.
func (m *MemoryRuleStore) GlobalRule(_ context.Context, tenantID int64) (*Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.Err != nil {
		return nil, m.Err
	}
	for _, r := range m.rules {
		if r.TenantID == tenantID && r.HostID == nil {
			rule := r
			return &rule, nil
		}
	}
	return nil, nil
}

func sameHost(a, b *int64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
