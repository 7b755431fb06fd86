package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type ProviderKind string

const (
	ProviderCard      ProviderKind = "uphold"
	ProviderSignature ProviderKind = "mockHttpSignature"
	ProviderChain     ProviderKind = "kaspa"
)

type GrantStatus string

const ( // needs to match `grant_status` in pg
	GrantStatusActive    GrantStatus = "active"
	GrantStatusCompleted GrantStatus = "completed"
)

type TxStatus string

const (
	TxStatusAccepted  TxStatus = "accepted"
	TxStatusPending   TxStatus = "pending"
	TxStatusCompleted TxStatus = "completed"
)

func (s TxStatus) Settled() bool {
	return s == TxStatusAccepted || s == TxStatusPending || s == TxStatusCompleted
}

type Balances struct {
	Balance     decimal.Decimal
	Spendable   decimal.Decimal
	Confirmed   decimal.Decimal
	Unconfirmed decimal.Decimal
}

type WalletGrant struct {
	Token          string
	GrantID        string
	PromotionID    string
	Status         GrantStatus
	ClaimTimestamp time.Time
	ClaimIP        string
}

type Wallet struct {
	PaymentID         string
	Altcurrency       string
	Provider          ProviderKind
	ProviderID        string
	Addresses         map[string]string
	HTTPSigningPubKey string
	Balances          *Balances
	Grants            []WalletGrant
	UnsignedTx        *UnsignedTx
	Cohort            string
	PaymentStamp      int64
	DefaultCurrency   string
	// provider specific values, ie the custodial access token
	Parameters map[string]string
}

// ActiveGrants returns the grants not yet redeemed, in claim order
func (w *Wallet) ActiveGrants() []WalletGrant {
	var out []WalletGrant
	for _, g := range w.Grants {
		if g.Status == GrantStatusActive {
			out = append(out, g)
		}
	}
	return out
}

func (w *Wallet) HasPromotion(promotionID string) bool {
	for _, g := range w.Grants {
		if g.PromotionID == promotionID {
			return true
		}
	}
	return false
}

type Denomination struct {
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
}

// UnsignedTx - a pending transfer proposal. Card and signature wallets use
// Denomination/Destination, chain wallets carry the raw transaction json.
type UnsignedTx struct {
	RequestType  string        `json:"requestType"`
	Denomination *Denomination `json:"denomination,omitempty"`
	Destination  string        `json:"destination,omitempty"`
	Transaction  string        `json:"transaction,omitempty"`
}

// SignedTx - the client supplied signature envelope
type SignedTx struct {
	Headers     map[string]string `json:"headers,omitempty"`
	Octets      string            `json:"octets,omitempty"`
	Transaction string            `json:"transaction,omitempty"`
}

type TxResult struct {
	Status      TxStatus
	ID          string
	Probi       decimal.Decimal
	Altcurrency string
	Fee         decimal.Decimal
	Destination string
	GrantIDs    []string
}

// WalletStatus - what a provider knows about an owner's account
type WalletStatus struct {
	Provider         ProviderKind
	Authorized       bool
	Status           string
	DefaultCurrency  string
	Address          string
	PossibleCurrency []string
}

// CreateRequest - a client's wallet registration. Headers and Octets are
// the signed request forwarded to a custodial backend untouched.
type CreateRequest struct {
	Kind       string
	APIVersion int
	Currency   string
	PublicKey  string
	Address    string
	Headers    map[string]string
	Octets     string
}
