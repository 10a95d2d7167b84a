package store

import (
	"database/sql"
	"fmt"
	"sync"
	"time"
)

// TransactionTag is the persisted outcome of tagging one transaction for
// one tenant. There is at most one row per (transaction, tenant); re-tagging
// overwrites the previous decision.
type TransactionTag struct {
	TransactionID   string
	TenantID        string
	TagCode         string
	Confidence      float64
	ManualOverride  bool
	ProcessingNotes string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// TagStore persists tagging decisions.
type TagStore interface {
	// Upsert writes the tag for (transaction, tenant), replacing any
	// previous decision
	Upsert(tag *TransactionTag) error

	// Get retrieves the tag for a transaction
	Get(transactionID string) (*TransactionTag, error)

	// Delete removes a transaction's tag
	Delete(transactionID string) error
}

// InMemoryTagStore implements TagStore using an in-memory map.
// Thread-safe for concurrent access.
type InMemoryTagStore struct {
	tags     map[string]*TransactionTag
	tenantID string
	mu       sync.RWMutex
}

// NewInMemoryTagStore creates a new in-memory tag store for a tenant
func NewInMemoryTagStore(tenantID string) *InMemoryTagStore {
	return &InMemoryTagStore{
		tags:     make(map[string]*TransactionTag),
		tenantID: tenantID,
	}
}

// Upsert writes or replaces the tag for a transaction
func (s *InMemoryTagStore) Upsert(tag *TransactionTag) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if existing, ok := s.tags[tag.TransactionID]; ok {
		tag.CreatedAt = existing.CreatedAt
	} else {
		tag.CreatedAt = now
	}
	tag.UpdatedAt = now
	tag.TenantID = s.tenantID
	s.tags[tag.TransactionID] = tag
	return nil
}

// Get retrieves the tag for a transaction
func (s *InMemoryTagStore) Get(transactionID string) (*TransactionTag, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tag, ok := s.tags[transactionID]
	if !ok {
		return nil, fmt.Errorf("no tag for transaction %s", transactionID)
	}
	return tag, nil
}

// Delete removes a transaction's tag
func (s *InMemoryTagStore) Delete(transactionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tags[transactionID]; !ok {
		return fmt.Errorf("no tag for transaction %s", transactionID)
	}
	delete(s.tags, transactionID)
	return nil
}

// PostgresTagStore implements TagStore backed by PostgreSQL, scoped
// to a single tenant.
type PostgresTagStore struct {
	db       *sql.DB
	tenantID string
}

// NewPostgresTagStore creates a new PostgreSQL-backed TagStore for a specific tenant
func NewPostgresTagStore(db *sql.DB, tenantID string) *PostgresTagStore {
	return &PostgresTagStore{
		db:       db,
		tenantID: tenantID,
	}
}

// Upsert writes the tag for (transaction, tenant), replacing any previous decision
func (s *PostgresTagStore) Upsert(tag *TransactionTag) error {
	now := time.Now()
	_, err := s.db.Exec(`
		INSERT INTO transaction_tags
			(transaction_id, tenant_id, tag_code, confidence_score, is_manual_override, processing_notes, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		ON CONFLICT (transaction_id, tenant_id) DO UPDATE SET
			tag_code = EXCLUDED.tag_code,
			confidence_score = EXCLUDED.confidence_score,
			is_manual_override = EXCLUDED.is_manual_override,
			processing_notes = EXCLUDED.processing_notes,
			updated_at = EXCLUDED.updated_at
	`, tag.TransactionID, s.tenantID, tag.TagCode, tag.Confidence,
		tag.ManualOverride, tag.ProcessingNotes, now)

	if err != nil {
		return fmt.Errorf("failed to upsert tag: %w", err)
	}
	return nil
}

// Get retrieves the tag for a transaction
func (s *PostgresTagStore) Get(transactionID string) (*TransactionTag, error) {
	var tag TransactionTag
	err := s.db.QueryRow(`
		SELECT transaction_id, tenant_id, tag_code, confidence_score, is_manual_override, processing_notes, created_at, updated_at
		FROM transaction_tags
		WHERE transaction_id = $1 AND tenant_id = $2
	`, transactionID, s.tenantID).Scan(
		&tag.TransactionID,
		&tag.TenantID,
		&tag.TagCode,
		&tag.Confidence,
		&tag.ManualOverride,
		&tag.ProcessingNotes,
		&tag.CreatedAt,
		&tag.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("no tag for transaction %s", transactionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get tag: %w", err)
	}

	return &tag, nil
}

// Delete removes a transaction's tag
func (s *PostgresTagStore) Delete(transactionID string) error {
	result, err := s.db.Exec(`
		DELETE FROM transaction_tags
		WHERE transaction_id = $1 AND tenant_id = $2
	`, transactionID, s.tenantID)
	if err != nil {
		return fmt.Errorf("failed to delete tag: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("no tag for transaction %s", transactionID)
	}

	return nil
}
