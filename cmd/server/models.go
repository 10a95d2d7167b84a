package main

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/liamcoop/autotag/autotag"
)

// API request and response models

// TransactionPayload is the wire form of a transaction. produce_rate
// accepts a JSON number or a quoted decimal string.
type TransactionPayload struct {
	ProductCode  string          `json:"product_code"`
	ProduceRate  decimal.Decimal `json:"produce_rate"`
	LedgerType   string          `json:"ledger_type"`
	Source       string          `json:"source"`
	Jurisdiction string          `json:"jurisdiction"`
	CreatedAt    time.Time       `json:"created_at"`
}

func (p TransactionPayload) toTransaction() autotag.Transaction {
	return autotag.Transaction{
		ProductCode:  p.ProductCode,
		ProduceRate:  p.ProduceRate,
		LedgerType:   p.LedgerType,
		Source:       p.Source,
		Jurisdiction: p.Jurisdiction,
		CreatedAt:    p.CreatedAt,
	}
}

// TagRequest is the request body for tagging a single transaction
type TagRequest struct {
	TransactionID string             `json:"transaction_id"`
	Transaction   TransactionPayload `json:"transaction"`
	Metadata      map[string]any     `json:"metadata,omitempty"`
}

func (r TagRequest) toRecord(tenantID string) *autotag.Record {
	return &autotag.Record{
		TenantID:    tenantID,
		Transaction: r.Transaction.toTransaction(),
		Metadata:    r.Metadata,
	}
}

// BatchTagRequest is the request body for tagging a batch of transactions
type BatchTagRequest struct {
	Records []TagRequest `json:"records"`
}

// TagResponse is the response for a single tagging call
type TagResponse struct {
	TransactionID string                     `json:"transaction_id"`
	Outcome       *autotag.EvaluationOutcome `json:"outcome"`
}

// BatchTagResponse is the response for a batch tagging call
type BatchTagResponse struct {
	Outcomes []TagResponse        `json:"outcomes"`
	Summary  autotag.BatchSummary `json:"summary"`
	Duration string               `json:"duration"`
}

// CreateRuleRequest is the request body for creating a rule
type CreateRuleRequest struct {
	Name     string          `json:"name"`
	Dialect  string          `json:"dialect"`
	Config   json.RawMessage `json:"config"`
	Priority int             `json:"priority"`
	Active   *bool           `json:"active,omitempty"`
}

// UpdateRuleRequest is the request body for updating a rule
type UpdateRuleRequest struct {
	Name     string          `json:"name"`
	Dialect  string          `json:"dialect"`
	Config   json.RawMessage `json:"config"`
	Priority int             `json:"priority"`
	Active   *bool           `json:"active,omitempty"`
}

// CreateTenantRequest is the request body for creating a tenant
type CreateTenantRequest struct {
	Name string `json:"name"`
}

// TenantResponse represents a tenant in API responses
type TenantResponse struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
