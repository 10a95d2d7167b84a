package store

import (
	"fmt"
	"sync"
	"time"

	"github.com/liamcoop/autotag/autotag"
)

// RuleStore manages rule persistence and retrieval for a single tenant.
type RuleStore interface {
	// Add a new rule
	Add(rule *autotag.Rule) error

	// Get a rule by ID
	Get(id string) (*autotag.Rule, error)

	// List all rules, active or not
	List() ([]*autotag.Rule, error)

	// List all active rules
	ListActive() ([]*autotag.Rule, error)

	// Update an existing rule
	Update(rule *autotag.Rule) error

	// Delete a rule
	Delete(id string) error
}

// InMemoryRuleStore implements RuleStore using an in-memory map.
// Thread-safe for concurrent access.
type InMemoryRuleStore struct {
	rules map[string]*autotag.Rule
	mu    sync.RWMutex
}

// NewInMemoryRuleStore creates a new in-memory rule store
func NewInMemoryRuleStore() *InMemoryRuleStore {
	return &InMemoryRuleStore{
		rules: make(map[string]*autotag.Rule),
	}
}

// Add adds a new rule to the store. Rule IDs are unique; the store
// sets CreatedAt and UpdatedAt.
func (s *InMemoryRuleStore) Add(rule *autotag.Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.rules[rule.ID]; exists {
		return fmt.Errorf("rule with ID %s already exists", rule.ID)
	}

	now := time.Now()
	rule.CreatedAt = now
	rule.UpdatedAt = now
	s.rules[rule.ID] = rule
	return nil
}

// Get retrieves a rule by ID
func (s *InMemoryRuleStore) Get(id string) (*autotag.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rule, exists := s.rules[id]
	if !exists {
		return nil, fmt.Errorf("rule with ID %s not found", id)
	}
	return rule, nil
}

// List returns every rule in the store
func (s *InMemoryRuleStore) List() ([]*autotag.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := make([]*autotag.Rule, 0, len(s.rules))
	for _, rule := range s.rules {
		all = append(all, rule)
	}
	return all, nil
}

// ListActive returns all active rules
func (s *InMemoryRuleStore) ListActive() ([]*autotag.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var active []*autotag.Rule
	for _, rule := range s.rules {
		if rule.Active {
			active = append(active, rule)
		}
	}
	return active, nil
}

// Update updates an existing rule, preserving the original CreatedAt
func (s *InMemoryRuleStore) Update(rule *autotag.Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.rules[rule.ID]
	if !exists {
		return fmt.Errorf("rule with ID %s not found", rule.ID)
	}

	rule.CreatedAt = existing.CreatedAt
	rule.UpdatedAt = time.Now()
	s.rules[rule.ID] = rule
	return nil
}

// Delete removes a rule from the store
func (s *InMemoryRuleStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.rules[id]; !exists {
		return fmt.Errorf("rule with ID %s not found", id)
	}

	delete(s.rules, id)
	return nil
}
