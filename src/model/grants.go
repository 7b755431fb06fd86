package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type Grant struct {
	GrantID     string
	Token       string
	PromotionID string
	Status      GrantStatus
	BatchID     string
}

// GrantContent - the decoded payload of a grant token
type GrantContent struct {
	GrantID      string          `json:"grantId"`
	PromotionID  string          `json:"promotionId"`
	Altcurrency  string          `json:"altcurrency"`
	Probi        decimal.Decimal `json:"probi"`
	MaturityTime int64           `json:"maturityTime"`
	ExpiryTime   int64           `json:"expiryTime"`
}

type Promotion struct {
	PromotionID string
	Priority    int
	Active      bool
	Count       int64
	BatchID     string
	Timestamp   time.Time
}

// ClaimResult is empty when the wallet already held a grant for the promotion
type ClaimResult struct {
	Altcurrency string
	Probi       decimal.Decimal
}

func (cr ClaimResult) Empty() bool {
	return cr.Altcurrency == ""
}
