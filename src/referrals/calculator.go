package referrals

import (
	"context"
	"sort"

	"github.com/onemorebsmith/probi-settlement/src/model"
	"github.com/onemorebsmith/probi-settlement/src/notify"
	"github.com/onemorebsmith/probi-settlement/src/probi"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type Store interface {
	SumReferrals(ctx context.Context, altcurrency, owner string) ([]model.ReferralSummary, error)
	SumSettlements(ctx context.Context, kind model.SettlementType, altcurrency, owner string) ([]model.SettlementSummary, error)
	GetPublishers(ctx context.Context, publishers []string) ([]model.Publisher, error)
	GetOwner(ctx context.Context, owner string) (*model.Owner, error)
}

// WalletStatus resolves where an owner is paid, satisfied by *wallet.Facade
type WalletStatus interface {
	Status(ctx context.Context, owner *model.Owner) (*model.WalletStatus, error)
}

type Calculator struct {
	store       Store
	wallets     WalletStatus
	sink        notify.Sink
	altcurrency string
	logger      *zap.Logger
}

func NewCalculator(store Store, wallets WalletStatus, sink notify.Sink, altcurrency string, logger *zap.Logger) *Calculator {
	return &Calculator{
		store:       store,
		wallets:     wallets,
		sink:        sink,
		altcurrency: altcurrency,
		logger:      logger.With(zap.String("component", "referrals")),
	}
}

// Statements derives the referral balance of every publisher, or of one
// owner's publishers when owner is set. Any negative balance aborts the run.
func (c *Calculator) Statements(ctx context.Context, owner string) ([]model.ReferralStatement, error) {
	credits, err := c.store.SumReferrals(ctx, c.altcurrency, owner)
	if err != nil {
		return nil, errors.Wrap(err, "failed summing referrals")
	}
	paid, err := c.store.SumSettlements(ctx, model.SettlementTypeReferral, c.altcurrency, owner)
	if err != nil {
		return nil, errors.Wrap(err, "failed summing referral settlements")
	}

	statements := map[string]*model.ReferralStatement{}
	statement := func(publisher string) *model.ReferralStatement {
		st, ok := statements[publisher]
		if !ok {
			st = &model.ReferralStatement{
				Publisher: publisher,
				Referrals: model.ReferralSummary{Publisher: publisher, Altcurrency: c.altcurrency},
			}
			statements[publisher] = st
		}
		return st
	}
	for _, credit := range credits {
		statement(credit.Publisher).Referrals = credit
	}
	for _, summary := range paid {
		st := statement(summary.Publisher)
		st.Settlements = append(st.Settlements, summary)
	}

	out := make([]model.ReferralStatement, 0, len(statements))
	for publisher, st := range statements {
		balance := st.Referrals.Probi
		for _, summary := range st.Settlements {
			balance = balance.Sub(summary.Probi)
		}
		if balance.IsNegative() {
			c.logger.Error("FATAL: publisher overpaid", zap.String("publisher", publisher), zap.String("balance", balance.String()))
			c.sink.Notify(ctx, notify.EventFatal, map[string]any{
				"reason":    model.ErrOverpaid.Error(),
				"publisher": publisher,
				"balance":   balance.String(),
			})
			return nil, errors.Wrapf(model.ErrOverpaid, "publisher %s balance %s", publisher, balance)
		}
		st.Balance = balance
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Publisher < out[j].Publisher })
	return out, nil
}

// PreparePayout builds the payout batch for every authorized, verified
// publisher owed more than threshold. Publishers without a usable wallet are
// left out and reported.
func (c *Calculator) PreparePayout(ctx context.Context, authority, reportID string, threshold decimal.Decimal) ([]model.ReferralPayment, error) {
	statements, err := c.Statements(ctx, "")
	if err != nil {
		return nil, err
	}
	balances := map[string]decimal.Decimal{}
	var over []string
	for _, st := range statements {
		if st.Balance.GreaterThan(threshold) {
			over = append(over, st.Publisher)
			balances[st.Publisher] = st.Balance
		}
	}
	if len(over) == 0 {
		return nil, nil
	}
	publishers, err := c.store.GetPublishers(ctx, over)
	if err != nil {
		return nil, errors.Wrap(err, "failed reading publishers")
	}
	sort.Slice(publishers, func(i, j int) bool { return publishers[i].Publisher < publishers[j].Publisher })

	var payments []model.ReferralPayment
	for _, pub := range publishers {
		if !pub.Authorized || !pub.Verified {
			continue
		}
		balance := balances[pub.Publisher]
		fees := balance.Mul(probi.FeePercent).Truncate(0)
		payment := model.ReferralPayment{
			Publisher:   pub.Publisher,
			Owner:       pub.Owner,
			Altcurrency: c.altcurrency,
			Probi:       balance.Sub(fees),
			Fees:        fees,
			Authority:   authority,
			Transaction: reportID,
			Type:        model.SettlementTypeReferral,
		}

		owner, err := c.store.GetOwner(ctx, pub.Owner)
		if err != nil && !errors.Is(err, model.ErrNotFound) {
			return nil, errors.Wrapf(err, "failed reading owner %s", pub.Owner)
		}
		if owner == nil || owner.Provider == "" || owner.Parameters == nil {
			c.noWallet(ctx, notify.EventVerifiedNoWallet, pub)
			continue
		}
		status, err := c.wallets.Status(ctx, owner)
		if err != nil {
			c.logger.Warn("owner wallet status failed", zap.String("owner", pub.Owner), zap.Error(err))
			c.noWallet(ctx, notify.EventVerifiedInvalidWallet, pub)
			continue
		}
		if status == nil || status.Address == "" || status.DefaultCurrency == "" {
			c.noWallet(ctx, notify.EventVerifiedNoWallet, pub)
			continue
		}
		payment.Address = status.Address
		payment.Currency = status.DefaultCurrency
		payments = append(payments, payment)
	}
	c.logger.Info("prepared referral payout", zap.String("report", reportID), zap.Int("eligible", len(over)), zap.Int("payments", len(payments)))
	return payments, nil
}

func (c *Calculator) noWallet(ctx context.Context, event string, pub model.Publisher) {
	c.sink.Notify(ctx, event, map[string]any{
		"owner":     pub.Owner,
		"publisher": pub.Publisher,
	})
}
