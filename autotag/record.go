package autotag

import (
	"time"

	"github.com/shopspring/decimal"
)

// Transaction is the typed view of a financial transaction as the
// evaluators see it. ProduceRate is a decimal because the upstream ledger
// stores it with four fractional digits and string-float round trips lose
// precision.
type Transaction struct {
	ProductCode  string
	ProduceRate  decimal.Decimal
	LedgerType   string
	Source       string
	Jurisdiction string
	CreatedAt    time.Time
}

// Record is the immutable input to one evaluation: a transaction, its
// free-form metadata bag, and the tenant it belongs to. Records are never
// mutated by the engine or any dialect evaluator.
type Record struct {
	TenantID    string
	Transaction Transaction
	Metadata    map[string]any
}

// Field resolves a field path against the record. Paths prefixed with
// "metadata." look into the metadata bag; bare names resolve to the
// transaction fields. The second return is false when the path names
// nothing, which evaluators treat as a non-match rather than an error.
func (r *Record) Field(path string) (any, bool) {
	const metaPrefix = "metadata."
	if len(path) > len(metaPrefix) && path[:len(metaPrefix)] == metaPrefix {
		v, ok := r.Metadata[path[len(metaPrefix):]]
		return v, ok
	}

	switch path {
	case "product_code":
		return r.Transaction.ProductCode, true
	case "produce_rate":
		return r.Transaction.ProduceRate, true
	case "ledger_type":
		return r.Transaction.LedgerType, true
	case "source":
		return r.Transaction.Source, true
	case "jurisdiction":
		return r.Transaction.Jurisdiction, true
	case "created_at":
		return r.Transaction.CreatedAt, true
	}

	// Unqualified names may still refer to metadata keys. The original
	// mapping rules relied on this fallback.
	v, ok := r.Metadata[path]
	return v, ok
}

// celContext converts the record into the activation map handed to CEL
// programs. now is injected by the engine so a rule set sees one
// consistent timestamp per evaluation.
func (r *Record) celContext(now time.Time) map[string]any {
	rate, _ := r.Transaction.ProduceRate.Float64()
	return map[string]any{
		"transaction": map[string]any{
			"product_code": r.Transaction.ProductCode,
			"produce_rate": rate,
			"ledger_type":  r.Transaction.LedgerType,
			"source":       r.Transaction.Source,
			"jurisdiction": r.Transaction.Jurisdiction,
			"created_at":   r.Transaction.CreatedAt.Format(time.RFC3339),
		},
		"metadata": r.Metadata,
		"now":      now.Format(time.RFC3339),
	}
}
