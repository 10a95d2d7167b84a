package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/liamcoop/autotag/autotag"
)

// PostgresRuleStore implements RuleStore backed by PostgreSQL.
// Every query is scoped to a single tenant; a store handle can never
// see another tenant's rules.
type PostgresRuleStore struct {
	db       *sql.DB
	tenantID string
}

// NewPostgresRuleStore creates a new PostgreSQL-backed RuleStore for a specific tenant
func NewPostgresRuleStore(db *sql.DB, tenantID string) *PostgresRuleStore {
	return &PostgresRuleStore{
		db:       db,
		tenantID: tenantID,
	}
}

const ruleColumns = `id, tenant_id, name, dialect, config, priority, active, created_at, updated_at`

func scanRule(scan func(dest ...any) error) (*autotag.Rule, error) {
	var r autotag.Rule
	var dialect string
	var config []byte
	if err := scan(&r.ID, &r.TenantID, &r.Name, &dialect, &config,
		&r.Priority, &r.Active, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.Dialect = autotag.Dialect(dialect)
	r.Config = config
	return &r, nil
}

// Add inserts a new rule into the database
func (s *PostgresRuleStore) Add(rule *autotag.Rule) error {
	var exists bool
	err := s.db.QueryRow(`
		SELECT EXISTS(SELECT 1 FROM rules WHERE id = $1 AND tenant_id = $2)
	`, rule.ID, s.tenantID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check rule existence: %w", err)
	}
	if exists {
		return fmt.Errorf("rule with ID %s already exists", rule.ID)
	}

	now := time.Now()
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = now
	}
	rule.UpdatedAt = now

	_, err = s.db.Exec(`
		INSERT INTO rules (id, tenant_id, name, dialect, config, priority, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, rule.ID, s.tenantID, rule.Name, string(rule.Dialect), []byte(rule.Config),
		rule.Priority, rule.Active, rule.CreatedAt, rule.UpdatedAt)

	if err != nil {
		return fmt.Errorf("failed to insert rule: %w", err)
	}

	return nil
}

// Get retrieves a rule by ID
func (s *PostgresRuleStore) Get(id string) (*autotag.Rule, error) {
	row := s.db.QueryRow(`
		SELECT `+ruleColumns+`
		FROM rules
		WHERE id = $1 AND tenant_id = $2
	`, id, s.tenantID)

	rule, err := scanRule(row.Scan)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("rule %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rule: %w", err)
	}

	return rule, nil
}

// List returns every rule for the tenant, active or not
func (s *PostgresRuleStore) List() ([]*autotag.Rule, error) {
	return s.list(`
		SELECT ` + ruleColumns + `
		FROM rules
		WHERE tenant_id = $1
		ORDER BY priority DESC, id ASC
	`)
}

// ListActive returns all active rules for the tenant
func (s *PostgresRuleStore) ListActive() ([]*autotag.Rule, error) {
	return s.list(`
		SELECT ` + ruleColumns + `
		FROM rules
		WHERE tenant_id = $1 AND active = true
		ORDER BY priority DESC, id ASC
	`)
}

func (s *PostgresRuleStore) list(query string) ([]*autotag.Rule, error) {
	rows, err := s.db.Query(query, s.tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	defer rows.Close()

	var rulesList []*autotag.Rule
	for rows.Next() {
		rule, err := scanRule(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		rulesList = append(rulesList, rule)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rules: %w", err)
	}

	return rulesList, nil
}

// Update modifies an existing rule
func (s *PostgresRuleStore) Update(rule *autotag.Rule) error {
	rule.UpdatedAt = time.Now()

	result, err := s.db.Exec(`
		UPDATE rules
		SET name = $1, dialect = $2, config = $3, priority = $4, active = $5, updated_at = $6
		WHERE id = $7 AND tenant_id = $8
	`, rule.Name, string(rule.Dialect), []byte(rule.Config), rule.Priority,
		rule.Active, rule.UpdatedAt, rule.ID, s.tenantID)

	if err != nil {
		return fmt.Errorf("failed to update rule: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("rule %s not found", rule.ID)
	}

	return nil
}

// Delete removes a rule from the database
func (s *PostgresRuleStore) Delete(id string) error {
	result, err := s.db.Exec(`
		DELETE FROM rules
		WHERE id = $1 AND tenant_id = $2
	`, id, s.tenantID)

	if err != nil {
		return fmt.Errorf("failed to delete rule: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("rule %s not found", id)
	}

	return nil
}
