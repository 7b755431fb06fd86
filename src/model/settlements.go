package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type SettlementType string

const ( // needs to match `settlement_type` in pg
	SettlementTypeReferral     SettlementType = "referral"
	SettlementTypeContribution SettlementType = "contribution"
)

type Settlement struct {
	SettlementID string
	Hash         string
	Publisher    string
	Owner        string
	Altcurrency  string
	Probi        decimal.Decimal
	Currency     string
	Amount       decimal.Decimal
	Fees         decimal.Decimal
	Commission   decimal.Decimal
	Type         SettlementType
	Address      string
	Created      time.Time
}

// SettlementSummary - referral settlements grouped by (publisher, currency)
type SettlementSummary struct {
	Publisher  string
	Currency   string
	Amount     decimal.Decimal
	Probi      decimal.Decimal
	Fees       decimal.Decimal
	Commission decimal.Decimal
}

type Referral struct {
	TransactionID string
	DownloadID    string
	Publisher     string
	Owner         string
	Platform      string
	Altcurrency   string
	Probi         decimal.Decimal
	Finalized     time.Time
	Exclude       bool
}

// ReferralSummary - referral credits grouped by publisher
type ReferralSummary struct {
	Publisher   string
	Altcurrency string
	Probi       decimal.Decimal
}

// ReferralStatement - derived per publisher, never persisted
type ReferralStatement struct {
	Publisher   string
	Referrals   ReferralSummary
	Settlements []SettlementSummary
	Balance     decimal.Decimal
}

// ReferralPayment - one entry of a payout batch
type ReferralPayment struct {
	Publisher   string
	Owner       string
	Altcurrency string
	Probi       decimal.Decimal
	Fees        decimal.Decimal
	Currency    string
	Amount      decimal.Decimal
	Address     string
	Authority   string
	Transaction string
	Type        SettlementType
}

type Publisher struct {
	Publisher  string
	Owner      string
	Authorized bool
	Verified   bool
}

// Owner - a publisher owner and the wallet it is paid through
type Owner struct {
	Owner      string
	Provider   ProviderKind
	Parameters map[string]string
	Wallet     *Wallet
}
