package wallet

import (
	"context"

	"github.com/kaspanet/kaspad/domain/consensus/model/externalapi"
	"github.com/kaspanet/kaspad/domain/consensus/utils/txscript"
	"github.com/kaspanet/kaspad/util"
	"github.com/onemorebsmith/probi-settlement/src/model"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Redeemer applies a wallet's unused grants to a transfer. A nil result
// means grants were not needed or not available.
type Redeemer interface {
	Redeem(ctx context.Context, w *model.Wallet, tx *model.UnsignedTx, signed *model.SignedTx, meta RequestMeta) (*model.TxResult, error)
}

type Facade struct {
	registry    *Registry
	currency    Currency
	redeemer    Redeemer
	settlements map[string]string
	prefix      util.Bech32Prefix
	logger      *zap.Logger
}

// NewFacade takes the settlement address for each altcurrency. redeemer may be nil.
func NewFacade(registry *Registry, currency Currency, redeemer Redeemer, settlements map[string]string, logger *zap.Logger) *Facade {
	return &Facade{
		registry:    registry,
		currency:    currency,
		redeemer:    redeemer,
		settlements: settlements,
		prefix:      util.Bech32PrefixKaspa,
		logger:      logger.With(zap.String("component", "wallet_facade")),
	}
}

func (f *Facade) Registry() *Registry {
	return f.registry
}

func (f *Facade) Create(ctx context.Context, kind model.ProviderKind, req model.CreateRequest) (*model.Wallet, error) {
	p, err := f.registry.Provider(kind)
	if err != nil {
		return nil, err
	}
	return p.Create(ctx, req)
}

func (f *Facade) Balances(ctx context.Context, w *model.Wallet) (*model.Balances, error) {
	return f.registry.Balances(ctx, w)
}

func (f *Facade) UnsignedTx(ctx context.Context, w *model.Wallet, amount decimal.Decimal, currency string, balance decimal.Decimal) (*model.UnsignedTx, error) {
	p, err := f.registry.Provider(w.Provider)
	if err != nil {
		return nil, err
	}
	return p.UnsignedTx(ctx, w, amount, currency, balance)
}

func (f *Facade) SubmitTx(ctx context.Context, w *model.Wallet, tx *model.UnsignedTx, signed *model.SignedTx) (*model.TxResult, error) {
	p, err := f.registry.Provider(w.Provider)
	if err != nil {
		return nil, err
	}
	return p.SubmitTx(ctx, w, tx, signed)
}

func (f *Facade) Status(ctx context.Context, owner *model.Owner) (*model.WalletStatus, error) {
	p, err := f.registry.Provider(owner.Provider)
	if err != nil {
		return nil, err
	}
	return p.Status(ctx, owner)
}

func (f *Facade) Ping(ctx context.Context, kind model.ProviderKind) error {
	p, err := f.registry.Provider(kind)
	if err != nil {
		return err
	}
	return p.Ping(ctx)
}

func (f *Facade) AddAddress(ctx context.Context, w *model.Wallet, altcoin string) error {
	p, err := f.registry.Provider(w.Provider)
	if err != nil {
		return err
	}
	return p.AddAddress(ctx, w, altcoin)
}

func isChain(w *model.Wallet) bool {
	return w.Altcurrency == "KAS" && w.Provider == model.ProviderChain
}

func isHTTPSignature(w *model.Wallet) bool {
	return w.Altcurrency == "BAT" && (w.Provider == model.ProviderCard || w.Provider == model.ProviderSignature)
}

// GetTxProbi reads how much of the transaction pays the settlement address
func (f *Facade) GetTxProbi(w *model.Wallet, tx *model.UnsignedTx) (decimal.Decimal, error) {
	switch {
	case isChain(w):
		return f.chainTxProbi(tx.Transaction)
	case isHTTPSignature(w):
		if tx.Denomination == nil {
			return decimal.Zero, errors.Wrap(model.ErrValidation, "transaction has no denomination")
		}
		amount, err := decimal.NewFromString(tx.Denomination.Amount)
		if err != nil {
			return decimal.Zero, errors.Wrap(model.ErrValidation, "invalid denomination amount")
		}
		scale, err := f.currency.Alt2Scale(w.Altcurrency)
		if err != nil {
			return decimal.Zero, err
		}
		return amount.Mul(scale), nil
	}
	return decimal.Zero, errors.Wrapf(model.ErrUnsupported, "getTxProbi not supported for %s at %s", w.Altcurrency, w.Provider)
}

// chainTxProbi scans outputs newest first, the first one paying the
// settlement address wins
func (f *Facade) chainTxProbi(raw string) (decimal.Decimal, error) {
	tx, err := decodeChainTx(raw)
	if err != nil {
		return decimal.Zero, err
	}
	script, err := payToScript(f.settlements["KAS"], f.prefix)
	if err != nil {
		return decimal.Zero, err
	}
	return paidTo(tx, script), nil
}

func payToScript(address string, prefix util.Bech32Prefix) (*externalapi.ScriptPublicKey, error) {
	addr, err := util.DecodeAddress(address, prefix)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid settlement address %s", address)
	}
	script, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return nil, errors.Wrapf(err, "failed building script for %s", address)
	}
	return script, nil
}

// ValidateTxSignature checks a client signed transaction against the
// unsigned one it was issued, by structure for chain wallets and by
// http-signature for custodial and self-custody wallets
func (f *Facade) ValidateTxSignature(w *model.Wallet, tx *model.UnsignedTx, signed *model.SignedTx) error {
	switch {
	case isChain(w):
		return validateStructural(tx, signed)
	case isHTTPSignature(w):
		return validateHTTPSignature(w, tx, signed)
	}
	return errors.Wrapf(model.ErrUnsupported, "validateTxSignature not supported for %s at %s", w.Altcurrency, w.Provider)
}

// Transfer settles a signed transaction, funding it from grants when the
// wallet holds any, otherwise through the wallet's provider
func (f *Facade) Transfer(ctx context.Context, w *model.Wallet, tx *model.UnsignedTx, signed *model.SignedTx, meta RequestMeta) (*model.TxResult, error) {
	if f.redeemer != nil {
		result, err := f.redeemer.Redeem(ctx, w, tx, signed, meta)
		if err != nil {
			return nil, errors.Wrap(err, "failed redeeming grants")
		}
		if result != nil {
			f.logger.Info("transfer funded by grants", zap.String("paymentId", w.PaymentID), zap.Strings("grants", result.GrantIDs))
			return result, nil
		}
	}
	return f.SubmitTx(ctx, w, tx, signed)
}
