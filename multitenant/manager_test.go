package multitenant

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/liamcoop/autotag/autotag"
	"github.com/liamcoop/autotag/store"
)

func testManager(t *testing.T, tenants ...string) (*Manager, map[string]*store.InMemoryTagStore) {
	t.Helper()
	m := NewManager(nil, WithBatchShape(4, 10))
	tagStores := make(map[string]*store.InMemoryTagStore)
	for _, tenant := range tenants {
		tags := store.NewInMemoryTagStore(tenant)
		tagStores[tenant] = tags
		if err := m.AddTenant(tenant, store.NewInMemoryRuleStore(), tags); err != nil {
			t.Fatalf("AddTenant(%s) failed: %v", tenant, err)
		}
	}
	return m, tagStores
}

func tenantRecord(tenant, productCode string) *autotag.Record {
	return &autotag.Record{
		TenantID: tenant,
		Transaction: autotag.Transaction{
			ProductCode: productCode,
			ProduceRate: decimal.NewFromInt(1500),
			LedgerType:  "sales",
			Source:      "online",
			CreatedAt:   time.Now(),
		},
		Metadata: map[string]any{"customer_tier": "gold"},
	}
}

func tenantMappingRule(tenant, id, match, tag string) *autotag.Rule {
	cfg, _ := json.Marshal(map[string]any{
		"mappings": []map[string]any{
			{"source": "product_code", "match": match, "tag": tag},
		},
	})
	return &autotag.Rule{
		ID:       id,
		TenantID: tenant,
		Name:     id,
		Dialect:  autotag.DialectMapping,
		Config:   cfg,
		Priority: 100,
		Active:   true,
	}
}

func TestManagerTagTransactionPersistsTag(t *testing.T) {
	m, tags := testManager(t, "tenant-1")

	if err := m.AddRule("tenant-1", tenantMappingRule("tenant-1", "rule-1", "PROD_A", "TAG_001")); err != nil {
		t.Fatalf("AddRule failed: %v", err)
	}

	outcome, err := m.TagTransaction(context.Background(), "tenant-1", "txn-1", tenantRecord("tenant-1", "PROD_A"))
	if err != nil {
		t.Fatalf("TagTransaction failed: %v", err)
	}
	if outcome.Tag == nil || outcome.Tag.Value != "TAG_001" {
		t.Fatalf("expected TAG_001, got %+v", outcome.Tag)
	}

	persisted, err := tags["tenant-1"].Get("txn-1")
	if err != nil {
		t.Fatalf("tag was not persisted: %v", err)
	}
	if persisted.TagCode != "TAG_001" || persisted.Confidence != 1.0 {
		t.Errorf("persisted tag = %+v", persisted)
	}
	if persisted.ProcessingNotes == "" {
		t.Error("persisted tag should carry processing notes")
	}
}

func TestManagerTagTransactionUnmatchedPersistsUntagged(t *testing.T) {
	m, tags := testManager(t, "tenant-1")

	if err := m.AddRule("tenant-1", tenantMappingRule("tenant-1", "rule-1", "OTHER", "NOPE")); err != nil {
		t.Fatalf("AddRule failed: %v", err)
	}

	outcome, err := m.TagTransaction(context.Background(), "tenant-1", "txn-1", tenantRecord("tenant-1", "PROD_A"))
	if err != nil {
		t.Fatalf("TagTransaction failed: %v", err)
	}
	if outcome.Tag != nil {
		t.Fatalf("expected no match, got %+v", outcome.Tag)
	}

	persisted, err := tags["tenant-1"].Get("txn-1")
	if err != nil {
		t.Fatalf("unmatched record should still be persisted: %v", err)
	}
	if persisted.TagCode != "" || persisted.Confidence != 0 {
		t.Errorf("unmatched record should persist untagged, got %+v", persisted)
	}
}

func TestManagerRuleWritesInvalidateCache(t *testing.T) {
	m, _ := testManager(t, "tenant-1")

	// First evaluation primes the cache with an empty rule set.
	outcome, err := m.TagTransaction(context.Background(), "tenant-1", "txn-1", tenantRecord("tenant-1", "PROD_A"))
	if err != nil {
		t.Fatalf("TagTransaction failed: %v", err)
	}
	if outcome.Tag != nil {
		t.Fatal("no rules yet, nothing should match")
	}

	if err := m.AddRule("tenant-1", tenantMappingRule("tenant-1", "rule-1", "PROD_A", "TAG_001")); err != nil {
		t.Fatalf("AddRule failed: %v", err)
	}

	outcome, err = m.TagTransaction(context.Background(), "tenant-1", "txn-2", tenantRecord("tenant-1", "PROD_A"))
	if err != nil {
		t.Fatalf("TagTransaction failed: %v", err)
	}
	if outcome.Tag == nil || outcome.Tag.Value != "TAG_001" {
		t.Fatalf("new rule should apply immediately after AddRule, got %+v", outcome.Tag)
	}

	if err := m.DeleteRule("tenant-1", "rule-1"); err != nil {
		t.Fatalf("DeleteRule failed: %v", err)
	}
	outcome, err = m.TagTransaction(context.Background(), "tenant-1", "txn-3", tenantRecord("tenant-1", "PROD_A"))
	if err != nil {
		t.Fatalf("TagTransaction failed: %v", err)
	}
	if outcome.Tag != nil {
		t.Fatalf("deleted rule must stop applying, got %+v", outcome.Tag)
	}
}

func TestManagerTenantIsolation(t *testing.T) {
	m, tags := testManager(t, "tenant-1", "tenant-2")

	if err := m.AddRule("tenant-1", tenantMappingRule("tenant-1", "rule-1", "PROD_A", "T1_TAG")); err != nil {
		t.Fatalf("AddRule failed: %v", err)
	}

	// Tenant 2 has no rules; tenant 1's rules must not apply.
	outcome, err := m.TagTransaction(context.Background(), "tenant-2", "txn-1", tenantRecord("tenant-2", "PROD_A"))
	if err != nil {
		t.Fatalf("TagTransaction failed: %v", err)
	}
	if outcome.Tag != nil {
		t.Fatalf("tenant-1's rule leaked into tenant-2: %+v", outcome.Tag)
	}
	if _, err := tags["tenant-1"].Get("txn-1"); err == nil {
		t.Error("tenant-2's outcome must not land in tenant-1's tag store")
	}

	// A record that claims another tenant is rejected outright.
	if _, err := m.TagTransaction(context.Background(), "tenant-1", "txn-2", tenantRecord("tenant-2", "PROD_A")); err == nil {
		t.Fatal("tagging another tenant's record should fail")
	}

	// So is a rule that claims another tenant.
	if err := m.AddRule("tenant-1", tenantMappingRule("tenant-2", "rule-x", "A", "T")); err == nil {
		t.Fatal("adding another tenant's rule should fail")
	}
}

func TestManagerRejectsInvalidRule(t *testing.T) {
	m, _ := testManager(t, "tenant-1")

	bad := &autotag.Rule{
		ID:       "bad-1",
		TenantID: "tenant-1",
		Name:     "bad",
		Dialect:  autotag.DialectExpression,
		Config:   json.RawMessage(`{"expression": "transaction.source =="}`),
		Active:   true,
	}
	if err := m.AddRule("tenant-1", bad); err == nil {
		t.Fatal("a rule that fails validation must not enter the store")
	}
	if _, err := m.GetRule("tenant-1", "bad-1"); err == nil {
		t.Error("rejected rule should not be stored")
	}
}

func TestManagerUnknownTenant(t *testing.T) {
	m, _ := testManager(t, "tenant-1")

	if _, err := m.TagTransaction(context.Background(), "ghost", "txn-1", tenantRecord("ghost", "PROD_A")); err == nil {
		t.Fatal("unknown tenant should fail")
	}
	if err := m.AddRule("ghost", tenantMappingRule("ghost", "r", "A", "T")); err == nil {
		t.Fatal("unknown tenant should fail")
	}
}

func TestManagerTagBatch(t *testing.T) {
	m, tags := testManager(t, "tenant-1")

	if err := m.AddRule("tenant-1", tenantMappingRule("tenant-1", "rule-1", "PROD_A", "TAG_001")); err != nil {
		t.Fatalf("AddRule failed: %v", err)
	}

	items := make([]TaggedRecord, 12)
	for i := range items {
		code := "PROD_A"
		if i%3 == 0 {
			code = "PROD_X"
		}
		items[i] = TaggedRecord{
			TransactionID: fmt.Sprintf("txn-%d", i),
			Record:        tenantRecord("tenant-1", code),
		}
	}

	result, err := m.TagBatch(context.Background(), "tenant-1", items)
	if err != nil {
		t.Fatalf("TagBatch failed: %v", err)
	}
	if result.Summary.Matched != 8 || result.Summary.Unmatched != 4 {
		t.Errorf("summary = %+v, want 8 matched / 4 unmatched", result.Summary)
	}

	// Every record, matched or not, gets a persisted decision.
	for i := range items {
		persisted, err := tags["tenant-1"].Get(items[i].TransactionID)
		if err != nil {
			t.Fatalf("missing persisted tag for %s: %v", items[i].TransactionID, err)
		}
		if i%3 == 0 && persisted.TagCode != "" {
			t.Errorf("record %d should be untagged, got %s", i, persisted.TagCode)
		}
		if i%3 != 0 && persisted.TagCode != "TAG_001" {
			t.Errorf("record %d should carry TAG_001, got %q", i, persisted.TagCode)
		}
	}
}

func TestManagerCatalogRoundTrip(t *testing.T) {
	m, _ := testManager(t, "tenant-1")

	data, _ := json.Marshal(store.SampleCatalog("tenant-1"))
	result, err := m.ImportCatalog("tenant-1", data)
	if err != nil {
		t.Fatalf("ImportCatalog failed: %v", err)
	}
	if len(result.Errors) != 0 {
		t.Fatalf("sample catalog should import cleanly: %v", result.Errors)
	}

	exported, err := m.ExportCatalog("tenant-1")
	if err != nil {
		t.Fatalf("ExportCatalog failed: %v", err)
	}
	if len(exported.Rules) != result.Imported {
		t.Errorf("exported %d rules, imported %d", len(exported.Rules), result.Imported)
	}

	// The imported rules actually evaluate.
	outcome, err := m.TagTransaction(context.Background(), "tenant-1", "txn-1", tenantRecord("tenant-1", "PROD_A"))
	if err != nil {
		t.Fatalf("TagTransaction failed: %v", err)
	}
	if outcome.Tag == nil {
		t.Fatal("sample rules should tag a PROD_A gold-tier record")
	}
}

func TestManagerTenantLifecycle(t *testing.T) {
	m, _ := testManager(t, "tenant-1", "tenant-2")

	if got := len(m.ListTenants()); got != 2 {
		t.Fatalf("ListTenants returned %d, want 2", got)
	}

	if err := m.AddTenant("tenant-1", store.NewInMemoryRuleStore(), store.NewInMemoryTagStore("tenant-1")); err == nil {
		t.Fatal("adding an existing tenant should fail")
	}

	if err := m.RemoveTenant("tenant-2"); err != nil {
		t.Fatalf("RemoveTenant failed: %v", err)
	}
	if err := m.RemoveTenant("tenant-2"); err == nil {
		t.Fatal("removing an unknown tenant should fail")
	}
	if got := len(m.ListTenants()); got != 1 {
		t.Errorf("ListTenants returned %d, want 1", got)
	}
}
