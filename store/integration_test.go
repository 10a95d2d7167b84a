//go:build integration
// +build integration

package store_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/liamcoop/autotag/autotag"
	"github.com/liamcoop/autotag/store"

	_ "github.com/lib/pq"
)

// setupTestDB creates a PostgreSQL container and returns a connection
func setupTestDB(t *testing.T) (*sql.DB, func()) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:15-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "test",
			"POSTGRES_PASSWORD": "test",
			"POSTGRES_DB":       "autotag_test",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").WithStartupTimeout(60 * time.Second),
	}

	postgresContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start PostgreSQL container: %v", err)
	}

	host, err := postgresContainer.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}

	port, err := postgresContainer.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	connStr := fmt.Sprintf("host=%s port=%s user=test password=test dbname=autotag_test sslmode=disable", host, port.Port())

	var db *sql.DB
	for i := 0; i < 30; i++ {
		db, err = sql.Open("postgres", connStr)
		if err == nil {
			err = db.Ping()
			if err == nil {
				break
			}
		}
		time.Sleep(time.Second)
	}
	if err != nil {
		t.Fatalf("Failed to connect to database: %v", err)
	}

	migrationSQL, err := os.ReadFile(filepath.Join("..", "migrations", "000001_initial_schema.up.sql"))
	if err != nil {
		t.Fatalf("Failed to read migration file: %v", err)
	}

	if _, err = db.Exec(string(migrationSQL)); err != nil {
		t.Fatalf("Failed to run migrations: %v", err)
	}

	cleanup := func() {
		db.Close()
		postgresContainer.Terminate(ctx)
	}

	return db, cleanup
}

// createTenant helper function to create a tenant in the database
func createTenant(t *testing.T, db *sql.DB, name string) string {
	var tenantID string
	err := db.QueryRow(`
		INSERT INTO tenants (name) VALUES ($1) RETURNING id
	`, name).Scan(&tenantID)
	if err != nil {
		t.Fatalf("Failed to create tenant: %v", err)
	}
	return tenantID
}

func newMappingRule(tenantID, name string) *autotag.Rule {
	return &autotag.Rule{
		ID:       uuid.New().String(),
		TenantID: tenantID,
		Name:     name,
		Dialect:  autotag.DialectMapping,
		Config:   json.RawMessage(`{"mappings": [{"source": "product_code", "match": "PROD_A", "tag": "TAG_001"}]}`),
		Priority: 100,
		Active:   true,
	}
}

func TestPostgresRuleStore_BasicCRUD(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	tenantID := createTenant(t, db, "test-tenant")
	s := store.NewPostgresRuleStore(db, tenantID)

	rule := newMappingRule(tenantID, "test-rule")
	if err := s.Add(rule); err != nil {
		t.Fatalf("Failed to add rule: %v", err)
	}

	retrieved, err := s.Get(rule.ID)
	if err != nil {
		t.Fatalf("Failed to get rule: %v", err)
	}
	if retrieved.Name != "test-rule" {
		t.Errorf("Expected name 'test-rule', got '%s'", retrieved.Name)
	}
	if retrieved.Dialect != autotag.DialectMapping {
		t.Errorf("Expected dialect mapping, got '%s'", retrieved.Dialect)
	}

	activeRules, err := s.ListActive()
	if err != nil {
		t.Fatalf("Failed to list active rules: %v", err)
	}
	if len(activeRules) != 1 {
		t.Errorf("Expected 1 active rule, got %d", len(activeRules))
	}

	rule.Name = "updated-rule"
	rule.Active = false
	if err := s.Update(rule); err != nil {
		t.Fatalf("Failed to update rule: %v", err)
	}

	activeRules, err = s.ListActive()
	if err != nil {
		t.Fatalf("Failed to list active rules after update: %v", err)
	}
	if len(activeRules) != 0 {
		t.Errorf("Expected 0 active rules after deactivation, got %d", len(activeRules))
	}

	if err := s.Delete(rule.ID); err != nil {
		t.Fatalf("Failed to delete rule: %v", err)
	}
	if _, err := s.Get(rule.ID); err == nil {
		t.Error("Get after delete should fail")
	}
}

func TestPostgresRuleStore_TenantIsolation(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	tenantA := createTenant(t, db, "tenant-a")
	tenantB := createTenant(t, db, "tenant-b")

	storeA := store.NewPostgresRuleStore(db, tenantA)
	storeB := store.NewPostgresRuleStore(db, tenantB)

	ruleA := newMappingRule(tenantA, "rule-a")
	if err := storeA.Add(ruleA); err != nil {
		t.Fatalf("Failed to add rule for tenant A: %v", err)
	}

	// Tenant B must not see, update, or delete tenant A's rule
	if _, err := storeB.Get(ruleA.ID); err == nil {
		t.Error("Tenant B should not see tenant A's rule")
	}
	if err := storeB.Delete(ruleA.ID); err == nil {
		t.Error("Tenant B should not delete tenant A's rule")
	}

	rulesB, err := storeB.ListActive()
	if err != nil {
		t.Fatalf("Failed to list rules for tenant B: %v", err)
	}
	if len(rulesB) != 0 {
		t.Errorf("Tenant B should have no rules, got %d", len(rulesB))
	}
}

func TestPostgresRuleStore_DeterministicListOrder(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	tenantID := createTenant(t, db, "order-tenant")
	s := store.NewPostgresRuleStore(db, tenantID)

	ids := []string{"b-" + uuid.New().String(), "a-" + uuid.New().String()}
	for i, id := range ids {
		rule := newMappingRule(tenantID, fmt.Sprintf("rule-%d", i))
		rule.ID = id
		rule.Priority = 50
		if err := s.Add(rule); err != nil {
			t.Fatalf("Failed to add rule: %v", err)
		}
	}

	high := newMappingRule(tenantID, "high")
	high.Priority = 90
	if err := s.Add(high); err != nil {
		t.Fatalf("Failed to add rule: %v", err)
	}

	listed, err := s.ListActive()
	if err != nil {
		t.Fatalf("Failed to list rules: %v", err)
	}
	if len(listed) != 3 {
		t.Fatalf("Expected 3 rules, got %d", len(listed))
	}
	if listed[0].ID != high.ID {
		t.Errorf("Highest priority rule should list first, got %s", listed[0].ID)
	}
	if listed[1].ID > listed[2].ID {
		t.Errorf("Equal-priority rules should list in id order: %s before %s", listed[1].ID, listed[2].ID)
	}
}

func TestPostgresTagStore_Upsert(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	tenantID := createTenant(t, db, "tag-tenant")
	tags := store.NewPostgresTagStore(db, tenantID)

	txnID := uuid.New().String()
	if err := tags.Upsert(&store.TransactionTag{
		TransactionID: txnID,
		TagCode:       "TAG_001",
		Confidence:    1.0,
	}); err != nil {
		t.Fatalf("Failed to upsert tag: %v", err)
	}

	retrieved, err := tags.Get(txnID)
	if err != nil {
		t.Fatalf("Failed to get tag: %v", err)
	}
	if retrieved.TagCode != "TAG_001" {
		t.Errorf("Expected TAG_001, got %s", retrieved.TagCode)
	}

	// Re-tagging the same transaction replaces the decision
	if err := tags.Upsert(&store.TransactionTag{
		TransactionID:   txnID,
		TagCode:         "TAG_002",
		Confidence:      1.0,
		ProcessingNotes: "re-tagged",
	}); err != nil {
		t.Fatalf("Failed to re-upsert tag: %v", err)
	}

	retrieved, err = tags.Get(txnID)
	if err != nil {
		t.Fatalf("Failed to get tag after re-upsert: %v", err)
	}
	if retrieved.TagCode != "TAG_002" {
		t.Errorf("Expected TAG_002 after re-tag, got %s", retrieved.TagCode)
	}
	if retrieved.ProcessingNotes != "re-tagged" {
		t.Errorf("Expected processing notes, got %q", retrieved.ProcessingNotes)
	}
}
