package wallet

import (
	"context"
	"encoding/hex"

	"github.com/onemorebsmith/probi-settlement/src/model"
	"github.com/onemorebsmith/probi-settlement/src/probi"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"golang.org/x/crypto/ed25519"
)

// SignatureProvider is the self-custody backend: the client holds the key
// and authorizes each transfer with a detached http-signature
type SignatureProvider struct {
	settlementAddress string
	currency          Currency
}

func NewSignatureProvider(settlementAddress string, currency Currency) *SignatureProvider {
	return &SignatureProvider{settlementAddress: settlementAddress, currency: currency}
}

func (sp *SignatureProvider) Kind() model.ProviderKind {
	return model.ProviderSignature
}

func (sp *SignatureProvider) Create(ctx context.Context, req model.CreateRequest) (*model.Wallet, error) {
	if req.Kind != "httpSignature" || req.Currency != "BAT" {
		return nil, errors.Wrapf(model.ErrUnsupported, "self-custody create %s for %s", req.Kind, req.Currency)
	}
	key, err := hex.DecodeString(req.PublicKey)
	if err != nil || len(key) != ed25519.PublicKeySize {
		return nil, errors.Wrap(model.ErrValidation, "publicKey must be a hex encoded ed25519 key")
	}
	return &model.Wallet{
		Altcurrency:       "BAT",
		Provider:          model.ProviderSignature,
		Addresses:         map[string]string{"BAT": sp.settlementAddress},
		HTTPSigningPubKey: req.PublicKey,
	}, nil
}

// Balances are whatever was last recorded for the wallet
func (sp *SignatureProvider) Balances(ctx context.Context, w *model.Wallet) (*model.Balances, error) {
	if w.Balances != nil {
		b := *w.Balances
		return &b, nil
	}
	return &model.Balances{}, nil
}

func (sp *SignatureProvider) UnsignedTx(ctx context.Context, w *model.Wallet, amount decimal.Decimal, currency string, balance decimal.Decimal) (*model.UnsignedTx, error) {
	if w.Altcurrency != "BAT" {
		return nil, errors.Wrapf(model.ErrUnsupported, "self-custody unsignedTx for %s", w.Altcurrency)
	}
	desired, scale, err := desiredProbi(sp.currency, w.Altcurrency, amount, currency)
	if err != nil {
		return nil, err
	}
	return &model.UnsignedTx{
		RequestType: "httpSignature",
		Denomination: &model.Denomination{
			Amount:   probi.ToAlt(desired.Floor(), scale).String(),
			Currency: "BAT",
		},
		Destination: sp.settlementAddress,
	}, nil
}

func (sp *SignatureProvider) SubmitTx(ctx context.Context, w *model.Wallet, tx *model.UnsignedTx, signed *model.SignedTx) (*model.TxResult, error) {
	if tx.Denomination == nil {
		return nil, errors.Wrap(model.ErrValidation, "transaction has no denomination")
	}
	amount, err := decimal.NewFromString(tx.Denomination.Amount)
	if err != nil {
		return nil, errors.Wrap(model.ErrValidation, "invalid denomination amount")
	}
	scale, err := sp.currency.Alt2Scale(w.Altcurrency)
	if err != nil {
		return nil, err
	}
	return &model.TxResult{
		Status:      model.TxStatusAccepted,
		Probi:       probi.FromAlt(amount, scale),
		Altcurrency: tx.Denomination.Currency,
		Fee:         decimal.Zero,
		Destination: tx.Destination,
	}, nil
}

func (sp *SignatureProvider) Status(ctx context.Context, owner *model.Owner) (*model.WalletStatus, error) {
	return nil, errors.Wrap(model.ErrUnsupported, "self-custody status")
}

func (sp *SignatureProvider) Ping(ctx context.Context) error {
	return nil
}

func (sp *SignatureProvider) AddAddress(ctx context.Context, w *model.Wallet, altcoin string) error {
	return errors.Wrap(model.ErrUnsupported, "self-custody addAddress")
}
