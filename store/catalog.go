package store

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/liamcoop/autotag/autotag"
)

// Catalog is the portable JSON form of a tenant's rule set, used for
// export, backup, and seeding new environments.
type Catalog struct {
	TenantID string        `json:"tenant_id"`
	Rules    []CatalogRule `json:"rules"`
}

// CatalogRule is one rule in a catalog. IDs are not carried: rules are
// keyed by name on import, so a catalog can be re-imported into any
// environment without colliding.
type CatalogRule struct {
	Name     string          `json:"name"`
	Dialect  autotag.Dialect `json:"dialect"`
	Priority int             `json:"priority"`
	Config   json.RawMessage `json:"config"`
	Active   bool            `json:"active"`
}

// ImportResult reports what an import did. Individual rule failures do
// not abort the import; they are collected here.
type ImportResult struct {
	Imported int      `json:"imported"`
	Updated  int      `json:"updated"`
	Errors   []string `json:"errors,omitempty"`
}

// ExportCatalog serializes every rule in the store into a catalog.
func ExportCatalog(tenantID string, rules RuleStore) (*Catalog, error) {
	all, err := rules.List()
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}

	catalog := &Catalog{
		TenantID: tenantID,
		Rules:    make([]CatalogRule, 0, len(all)),
	}
	for _, r := range all {
		catalog.Rules = append(catalog.Rules, CatalogRule{
			Name:     r.Name,
			Dialect:  r.Dialect,
			Priority: r.Priority,
			Config:   r.Config,
			Active:   r.Active,
		})
	}
	return catalog, nil
}

// ImportCatalog loads a catalog into the store. Each rule is validated
// before it is written; rules that already exist (by name) are updated
// in place, the rest are created with fresh IDs. A rule that fails
// validation is skipped and reported, the import continues.
func ImportCatalog(tenantID string, rules RuleStore, data []byte) (*ImportResult, error) {
	var catalog Catalog
	if err := json.Unmarshal(data, &catalog); err != nil {
		return nil, fmt.Errorf("invalid catalog JSON: %w", err)
	}
	if catalog.TenantID == "" {
		return nil, fmt.Errorf("catalog has no tenant_id")
	}
	if catalog.TenantID != tenantID {
		return nil, fmt.Errorf("catalog is for tenant %s, not %s", catalog.TenantID, tenantID)
	}

	existing, err := rules.List()
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	byName := make(map[string]*autotag.Rule, len(existing))
	for _, r := range existing {
		byName[r.Name] = r
	}

	result := &ImportResult{}
	for _, cr := range catalog.Rules {
		if cr.Name == "" {
			result.Errors = append(result.Errors, "rule with no name skipped")
			continue
		}

		rule := &autotag.Rule{
			ID:       uuid.New().String(),
			TenantID: tenantID,
			Name:     cr.Name,
			Dialect:  cr.Dialect,
			Priority: cr.Priority,
			Config:   cr.Config,
			Active:   cr.Active,
		}
		if prev, ok := byName[cr.Name]; ok {
			rule.ID = prev.ID
		}

		if err := autotag.ValidateRule(rule); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("rule %q: %v", cr.Name, err))
			continue
		}

		if _, ok := byName[cr.Name]; ok {
			if err := rules.Update(rule); err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("rule %q: %v", cr.Name, err))
				continue
			}
			result.Updated++
		} else {
			if err := rules.Add(rule); err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("rule %q: %v", cr.Name, err))
				continue
			}
			result.Imported++
		}
	}

	return result, nil
}

// SampleCatalog returns an importable catalog with one rule per dialect,
// useful for seeding a fresh tenant.
func SampleCatalog(tenantID string) *Catalog {
	return &Catalog{
		TenantID: tenantID,
		Rules: []CatalogRule{
			{
				Name:     "Simple Product Mapping",
				Dialect:  autotag.DialectMapping,
				Priority: 100,
				Config: json.RawMessage(`{
					"mappings": [
						{"source": "product_code", "match": "PROD_A", "tag": "TAG_001"},
						{"source": "product_code", "match": "PROD_B", "tag": "TAG_002"},
						{"source": "product_code", "match": "PROD_C", "tag": "TAG_003"}
					]
				}`),
				Active: true,
			},
			{
				Name:     "High Value Online Transactions",
				Dialect:  autotag.DialectConditional,
				Priority: 150,
				Config: json.RawMessage(`{
					"tag": "HIGH_VALUE_ONLINE",
					"root": {
						"op": "and",
						"children": [
							{"field": "source", "operator": "eq", "value": "online"},
							{"field": "metadata.amount", "operator": "gt", "value": 1000}
						]
					}
				}`),
				Active: true,
			},
			{
				Name:     "Premium Product Expression",
				Dialect:  autotag.DialectExpression,
				Priority: 175,
				Config: json.RawMessage(`{
					"expression": "transaction.product_code.startsWith('PREMIUM') ? 'GOLD' : 'STANDARD'"
				}`),
				Active: true,
			},
			{
				Name:     "Premium Customer Script",
				Dialect:  autotag.DialectScript,
				Priority: 200,
				Config: json.RawMessage(`{
					"script": "def get_tag(transaction, metadata):\n    customer_tier = metadata.get('customer_tier', '')\n    if customer_tier == 'gold' and transaction['produce_rate'] > 100:\n        return 'GOLD_PREMIUM'\n    elif customer_tier == 'silver' and transaction['produce_rate'] > 50:\n        return 'SILVER_PREMIUM'\n    return None\n"
				}`),
				Active: true,
			},
		},
	}
}
