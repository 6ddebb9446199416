package pricing

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// ExplainInput identifies one priced unit of ledger work.
type ExplainInput struct {
	TaskID   string          `json:"task_id"`
	RateCode string          `json:"rate_code"`
	Qty      decimal.Decimal `json:"qty"`
	At       time.Time       `json:"at"`
}

// Explanation is a reproducible breakdown of how an amount was reached.
type Explanation struct {
	Input        ExplainInput    `json:"input"`
	RulesVersion int             `json:"rules_version"`
	RulesHash    string          `json:"rules_hash"`
	Rate         decimal.Decimal `json:"rate"`
	Base         decimal.Decimal `json:"base"`
	Steps        []Step          `json:"steps"`
	Total        decimal.Decimal `json:"total"`
	PricingSHA   string          `json:"pricing_sha"`
}

// Explain prices in against rs and fingerprints the result. The same
// input and rule hash always produce the same PricingSHA.
func Explain(rs *RuleSet, in ExplainInput) (*Explanation, error) {
	base, total, steps, err := rs.Price(in.RateCode, in.Qty, in.At)
	if err != nil {
		return nil, err
	}
	rate, _ := rs.Rate(in.RateCode)
	in.At = in.At.UTC()

	ex := &Explanation{
		Input:        in,
		RulesVersion: rs.Version,
		RulesHash:    rs.Hash,
		Rate:         rate,
		Base:         base,
		Steps:        steps,
		Total:        total,
	}

	fingerprint := struct {
		Input     ExplainInput `json:"input"`
		RulesHash string       `json:"rules_hash"`
		Steps     []Step       `json:"steps"`
		Total     string       `json:"total"`
	}{in, rs.Hash, steps, total.StringFixed(rs.Precision)}

	raw, err := json.Marshal(fingerprint)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(raw)
	ex.PricingSHA = hex.EncodeToString(sum[:])
	return ex, nil
}
