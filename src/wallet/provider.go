package wallet

import (
	"context"

	"github.com/onemorebsmith/probi-settlement/src/model"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// Provider is one wallet backend. Every implementation answers every
// method, returning model.ErrUnsupported for what the backend cannot do.
type Provider interface {
	Kind() model.ProviderKind
	Create(ctx context.Context, req model.CreateRequest) (*model.Wallet, error)
	Balances(ctx context.Context, w *model.Wallet) (*model.Balances, error)
	// UnsignedTx returns nil when the balance cannot cover the request
	UnsignedTx(ctx context.Context, w *model.Wallet, amount decimal.Decimal, currency string, balance decimal.Decimal) (*model.UnsignedTx, error)
	SubmitTx(ctx context.Context, w *model.Wallet, tx *model.UnsignedTx, signed *model.SignedTx) (*model.TxResult, error)
	Status(ctx context.Context, owner *model.Owner) (*model.WalletStatus, error)
	Ping(ctx context.Context) error
	AddAddress(ctx context.Context, w *model.Wallet, altcoin string) error
}

// Currency is the slice of the currency service providers need
type Currency interface {
	Alt2Scale(alt string) (decimal.Decimal, error)
	Rate(alt, fiat string) (decimal.Decimal, bool)
}

// RequestMeta carries caller details forwarded to outbound services
type RequestMeta struct {
	ClientIP  string
	UserAgent string
}

// Registry maps provider kinds to their implementation. It is built once at
// startup and never mutated afterwards.
type Registry struct {
	providers   map[model.ProviderKind]Provider
	defaultKind model.ProviderKind
}

func NewRegistry(defaultKind model.ProviderKind, providers ...Provider) *Registry {
	r := &Registry{
		providers:   make(map[model.ProviderKind]Provider, len(providers)),
		defaultKind: defaultKind,
	}
	for _, p := range providers {
		r.providers[p.Kind()] = p
	}
	return r
}

func (r *Registry) Provider(kind model.ProviderKind) (Provider, error) {
	p, ok := r.providers[kind]
	if !ok {
		return nil, errors.Wrapf(model.ErrUnsupported, "provider %s", kind)
	}
	return p, nil
}

func (r *Registry) Default() (Provider, error) {
	return r.Provider(r.defaultKind)
}

func (r *Registry) Kinds() []model.ProviderKind {
	out := make([]model.ProviderKind, 0, len(r.providers))
	for k := range r.providers {
		out = append(out, k)
	}
	return out
}

// Balances reads live balances through the wallet's provider
func (r *Registry) Balances(ctx context.Context, w *model.Wallet) (*model.Balances, error) {
	p, err := r.Provider(w.Provider)
	if err != nil {
		return nil, err
	}
	return p.Balances(ctx, w)
}

// desiredProbi prices amount of currency in probi of alt, converting through
// the fiat rate when the request is not denominated in alt
func desiredProbi(cur Currency, alt string, amount decimal.Decimal, currency string) (decimal.Decimal, decimal.Decimal, error) {
	scale, err := cur.Alt2Scale(alt)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	desired := amount.Mul(scale)
	if currency != alt {
		rate, ok := cur.Rate(alt, currency)
		if !ok {
			return decimal.Zero, decimal.Zero, model.Retryable("no conversion rate for "+currency+" to "+alt, rateRetry, nil)
		}
		desired = desired.Div(rate)
	}
	return desired, scale, nil
}
