package multitenant

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/liamcoop/autotag/autotag"
	"github.com/liamcoop/autotag/internal/logger"
	"github.com/liamcoop/autotag/internal/metrics"
	"github.com/liamcoop/autotag/store"
)

// pipeline is everything one tenant needs to tag transactions: its rule
// store, tag store, rule cache, engine, and batch coordinator. Pipelines
// never share stores, so cross-tenant leakage is impossible by
// construction.
type pipeline struct {
	tenantID    string
	rules       store.RuleStore
	tags        store.TagStore
	cache       store.RulesCache
	engine      *autotag.Engine
	coordinator *autotag.Coordinator
}

// Manager owns one tagging pipeline per tenant.
type Manager struct {
	pipelines map[string]*pipeline
	db        *sql.DB
	mu        sync.RWMutex

	workers      int
	chunkSize    int
	cacheTTL     time.Duration
	scriptLimits autotag.ScriptLimits
}

// Option configures a Manager.
type Option func(*Manager)

// WithBatchShape sets the worker count and chunk size used by every
// tenant's batch coordinator.
func WithBatchShape(workers, chunkSize int) Option {
	return func(m *Manager) {
		m.workers = workers
		m.chunkSize = chunkSize
	}
}

// WithCacheTTL sets the TTL for each tenant's rule cache. Zero means
// the cache only refreshes when a rule is written.
func WithCacheTTL(ttl time.Duration) Option {
	return func(m *Manager) { m.cacheTTL = ttl }
}

// WithScriptLimits sets the sandbox limits applied to script rules.
func WithScriptLimits(limits autotag.ScriptLimits) Option {
	return func(m *Manager) { m.scriptLimits = limits }
}

// NewManager creates a manager. db may be nil when every tenant is added
// with explicit stores (AddTenant); CreateTenant and LoadAllTenants
// require it.
func NewManager(db *sql.DB, opts ...Option) *Manager {
	m := &Manager{
		pipelines:    make(map[string]*pipeline),
		db:           db,
		workers:      8,
		chunkSize:    100,
		scriptLimits: autotag.DefaultScriptLimits(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// AddTenant wires a pipeline for tenantID around the given stores.
func (m *Manager) AddTenant(tenantID string, rules store.RuleStore, tags store.TagStore) error {
	engine, err := autotag.NewEngine(autotag.WithScriptLimits(m.scriptLimits))
	if err != nil {
		return fmt.Errorf("failed to create engine for tenant %s: %w", tenantID, err)
	}

	p := &pipeline{
		tenantID:    tenantID,
		rules:       rules,
		tags:        tags,
		cache:       store.NewInMemoryRulesCache(store.CacheConfig{TTL: m.cacheTTL}),
		engine:      engine,
		coordinator: autotag.NewCoordinator(engine, m.workers, m.chunkSize),
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.pipelines[tenantID]; exists {
		return fmt.Errorf("tenant %s already loaded", tenantID)
	}
	m.pipelines[tenantID] = p
	return nil
}

// CreateTenant wires a database-backed pipeline for tenantID.
func (m *Manager) CreateTenant(tenantID string) error {
	if m.db == nil {
		return fmt.Errorf("manager has no database connection")
	}
	return m.AddTenant(tenantID,
		store.NewPostgresRuleStore(m.db, tenantID),
		store.NewPostgresTagStore(m.db, tenantID))
}

// LoadAllTenants loads every active tenant from the database and wires
// a pipeline for each.
func (m *Manager) LoadAllTenants() error {
	if m.db == nil {
		return fmt.Errorf("manager has no database connection")
	}

	rows, err := m.db.Query(`SELECT id FROM tenants WHERE active = true`)
	if err != nil {
		return fmt.Errorf("failed to fetch tenants: %w", err)
	}
	defer rows.Close()

	loaded := 0
	for rows.Next() {
		var tenantID string
		if err := rows.Scan(&tenantID); err != nil {
			return fmt.Errorf("failed to scan tenant row: %w", err)
		}
		if err := m.CreateTenant(tenantID); err != nil {
			return fmt.Errorf("failed to initialize tenant %s: %w", tenantID, err)
		}
		loaded++
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating tenant rows: %w", err)
	}

	logger.Info("tenants loaded", "count", loaded)
	return nil
}

// ListTenants returns all loaded tenant IDs
func (m *Manager) ListTenants() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tenants := make([]string, 0, len(m.pipelines))
	for tenantID := range m.pipelines {
		tenants = append(tenants, tenantID)
	}
	return tenants
}

// RemoveTenant drops a tenant's pipeline. The tenant's data stays in
// the database.
func (m *Manager) RemoveTenant(tenantID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.pipelines[tenantID]; !exists {
		return fmt.Errorf("tenant %s not found", tenantID)
	}
	delete(m.pipelines, tenantID)
	return nil
}

func (m *Manager) pipeline(tenantID string) (*pipeline, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, exists := m.pipelines[tenantID]
	if !exists {
		return nil, fmt.Errorf("tenant %s not found", tenantID)
	}
	return p, nil
}

// activeRules returns the tenant's active rule snapshot, from cache when
// valid.
func (p *pipeline) activeRules() ([]*autotag.Rule, error) {
	if cached := p.cache.Get(); cached != nil {
		return cached, nil
	}

	rules, err := p.rules.ListActive()
	if err != nil {
		return nil, fmt.Errorf("failed to load rules for tenant %s: %w", p.tenantID, err)
	}
	p.cache.Set(rules)
	return rules, nil
}

// TaggedRecord pairs a transaction identity with its evaluation view,
// so batch outcomes can be persisted against the right row.
type TaggedRecord struct {
	TransactionID string
	Record        *autotag.Record
}

// TagTransaction evaluates one record against the tenant's active rules
// and persists the decision. The outcome is returned with its full
// trace; an unmatched record is persisted untagged.
func (m *Manager) TagTransaction(ctx context.Context, tenantID, transactionID string, rec *autotag.Record) (*autotag.EvaluationOutcome, error) {
	p, err := m.pipeline(tenantID)
	if err != nil {
		return nil, err
	}
	if rec.TenantID != tenantID {
		return nil, fmt.Errorf("record belongs to tenant %s, not %s", rec.TenantID, tenantID)
	}

	rules, err := p.activeRules()
	if err != nil {
		return nil, err
	}

	outcome, err := p.engine.Evaluate(ctx, rec, rules)
	if err != nil {
		return nil, err
	}

	recordOutcomeMetrics(tenantID, outcome)

	if err := persistOutcome(p.tags, transactionID, outcome); err != nil {
		return nil, err
	}
	return outcome, nil
}

// TagBatch evaluates a batch of records and persists every produced
// outcome. Records skipped by cancellation are not written.
func (m *Manager) TagBatch(ctx context.Context, tenantID string, items []TaggedRecord) (*autotag.BatchResult, error) {
	p, err := m.pipeline(tenantID)
	if err != nil {
		return nil, err
	}

	records := make([]*autotag.Record, len(items))
	for i, item := range items {
		if item.Record.TenantID != tenantID {
			return nil, fmt.Errorf("record %s belongs to tenant %s, not %s",
				item.TransactionID, item.Record.TenantID, tenantID)
		}
		records[i] = item.Record
	}

	rules, err := p.activeRules()
	if err != nil {
		return nil, err
	}

	start := time.Now()
	result, err := p.coordinator.Run(ctx, records, rules)
	if err != nil {
		return nil, err
	}
	metrics.BatchDuration.WithLabelValues(tenantID).Observe(time.Since(start).Seconds())
	metrics.BatchRecords.WithLabelValues(tenantID, "matched").Add(float64(result.Summary.Matched))
	metrics.BatchRecords.WithLabelValues(tenantID, "unmatched").Add(float64(result.Summary.Unmatched))
	metrics.BatchRecords.WithLabelValues(tenantID, "errored").Add(float64(result.Summary.Errored))
	metrics.BatchRecords.WithLabelValues(tenantID, "skipped").Add(float64(result.Summary.Skipped))

	for i, outcome := range result.Outcomes {
		if outcome == nil {
			continue
		}
		recordOutcomeMetrics(tenantID, outcome)
		if err := persistOutcome(p.tags, items[i].TransactionID, outcome); err != nil {
			return nil, err
		}
	}

	logger.Info("batch tagged",
		"tenant", tenantID,
		"records", len(items),
		"matched", result.Summary.Matched,
		"unmatched", result.Summary.Unmatched,
		"errored", result.Summary.Errored,
		"skipped", result.Summary.Skipped)

	return result, nil
}

func recordOutcomeMetrics(tenantID string, outcome *autotag.EvaluationOutcome) {
	switch {
	case outcome.Tag != nil:
		metrics.EvaluationsTotal.WithLabelValues(tenantID, metrics.ResultMatched).Inc()
	case outcome.Errored():
		metrics.EvaluationsTotal.WithLabelValues(tenantID, metrics.ResultErrored).Inc()
	default:
		metrics.EvaluationsTotal.WithLabelValues(tenantID, metrics.ResultUnmatched).Inc()
	}
	for _, entry := range outcome.Trace {
		if entry.Err != nil {
			metrics.RuleErrorsTotal.WithLabelValues(tenantID, string(entry.Err.Kind)).Inc()
		}
	}
}

func persistOutcome(tags store.TagStore, transactionID string, outcome *autotag.EvaluationOutcome) error {
	tag := &store.TransactionTag{
		TransactionID:   transactionID,
		ProcessingNotes: processingNotes(outcome.Trace),
	}
	if outcome.Tag != nil {
		tag.TagCode = outcome.Tag.Value
		tag.Confidence = 1.0
	}
	if err := tags.Upsert(tag); err != nil {
		return fmt.Errorf("failed to persist tag for transaction %s: %w", transactionID, err)
	}
	return nil
}

func processingNotes(trace []autotag.TraceEntry) string {
	var notes []string
	for _, entry := range trace {
		switch {
		case entry.Err != nil:
			notes = append(notes, fmt.Sprintf("rule %q failed: %s", entry.RuleName, entry.Err.Message))
		case entry.Matched:
			notes = append(notes, fmt.Sprintf("rule %q matched: %s", entry.RuleName, entry.Tag))
		}
	}
	return strings.Join(notes, "\n")
}

// AddRule validates a rule, writes it to the tenant's store, and
// invalidates the rule cache.
func (m *Manager) AddRule(tenantID string, rule *autotag.Rule) error {
	p, err := m.pipeline(tenantID)
	if err != nil {
		return err
	}
	if rule.TenantID != tenantID {
		return fmt.Errorf("rule belongs to tenant %s, not %s", rule.TenantID, tenantID)
	}
	if err := autotag.ValidateRule(rule); err != nil {
		return err
	}
	if err := p.rules.Add(rule); err != nil {
		return err
	}
	p.cache.Invalidate()
	return nil
}

// UpdateRule validates and replaces a rule, invalidating the cache.
func (m *Manager) UpdateRule(tenantID string, rule *autotag.Rule) error {
	p, err := m.pipeline(tenantID)
	if err != nil {
		return err
	}
	if rule.TenantID != tenantID {
		return fmt.Errorf("rule belongs to tenant %s, not %s", rule.TenantID, tenantID)
	}
	if err := autotag.ValidateRule(rule); err != nil {
		return err
	}
	if err := p.rules.Update(rule); err != nil {
		return err
	}
	p.cache.Invalidate()
	return nil
}

// DeleteRule removes a rule and invalidates the cache.
func (m *Manager) DeleteRule(tenantID, ruleID string) error {
	p, err := m.pipeline(tenantID)
	if err != nil {
		return err
	}
	if err := p.rules.Delete(ruleID); err != nil {
		return err
	}
	p.cache.Invalidate()
	return nil
}

// GetRule retrieves one rule from the tenant's store.
func (m *Manager) GetRule(tenantID, ruleID string) (*autotag.Rule, error) {
	p, err := m.pipeline(tenantID)
	if err != nil {
		return nil, err
	}
	return p.rules.Get(ruleID)
}

// ListRules lists every rule in the tenant's store, active or not.
func (m *Manager) ListRules(tenantID string) ([]*autotag.Rule, error) {
	p, err := m.pipeline(tenantID)
	if err != nil {
		return nil, err
	}
	return p.rules.List()
}

// ExportCatalog serializes the tenant's rules into a portable catalog.
func (m *Manager) ExportCatalog(tenantID string) (*store.Catalog, error) {
	p, err := m.pipeline(tenantID)
	if err != nil {
		return nil, err
	}
	return store.ExportCatalog(tenantID, p.rules)
}

// ImportCatalog loads a catalog into the tenant's store and invalidates
// the cache.
func (m *Manager) ImportCatalog(tenantID string, data []byte) (*store.ImportResult, error) {
	p, err := m.pipeline(tenantID)
	if err != nil {
		return nil, err
	}
	result, err := store.ImportCatalog(tenantID, p.rules, data)
	if err != nil {
		return nil, err
	}
	p.cache.Invalidate()
	return result, nil
}
