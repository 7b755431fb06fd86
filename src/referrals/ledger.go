package referrals

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/onemorebsmith/probi-settlement/src/model"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type LedgerStore interface {
	InsertReferrals(ctx context.Context, refs []model.Referral) error
	FindReferrals(ctx context.Context, transactionID string) ([]model.Referral, error)
	GetPublishers(ctx context.Context, publishers []string) ([]model.Publisher, error)
}

type Converter interface {
	Fiat2Alt(fiat string, amount decimal.Decimal, alt string) (decimal.Decimal, error)
}

// Config prices every referral at a flat fiat amount
type Config struct {
	Currency string `yaml:"currency"`
	Amount   string `yaml:"amount"`
}

type ReferralInput struct {
	ChannelID  string    `json:"channelId"`
	DownloadID string    `json:"downloadId"`
	Platform   string    `json:"platform"`
	Finalized  time.Time `json:"finalized"`
}

// Ledger records finalized referral downloads as credits
type Ledger struct {
	store       LedgerStore
	currency    Converter
	fiat        string
	amount      decimal.Decimal
	altcurrency string
	logger      *zap.Logger
}

func NewLedger(cfg Config, store LedgerStore, currency Converter, altcurrency string, logger *zap.Logger) (*Ledger, error) {
	amount, err := decimal.NewFromString(cfg.Amount)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid referral amount %q", cfg.Amount)
	}
	return &Ledger{
		store:       store,
		currency:    currency,
		fiat:        cfg.Currency,
		amount:      amount,
		altcurrency: altcurrency,
		logger:      logger.With(zap.String("component", "referral_ledger")),
	}, nil
}

func validate(transactionID string, inputs []ReferralInput) error {
	if _, err := uuid.Parse(transactionID); err != nil {
		return errors.Wrapf(model.ErrValidation, "transaction id %q is not a uuid", transactionID)
	}
	if len(inputs) == 0 {
		return errors.Wrap(model.ErrValidation, "no referrals given")
	}
	for _, in := range inputs {
		if _, err := uuid.Parse(in.DownloadID); err != nil {
			return errors.Wrapf(model.ErrValidation, "download id %q is not a uuid", in.DownloadID)
		}
		if in.ChannelID == "" || in.Platform == "" || strings.ContainsAny(in.Platform, " \t") || in.Finalized.IsZero() {
			return errors.Wrapf(model.ErrValidation, "incomplete referral %s", in.DownloadID)
		}
	}
	return nil
}

// Record credits a batch of referrals under one transaction id. A repeated
// transaction id or download id rejects the whole batch.
func (l *Ledger) Record(ctx context.Context, transactionID string, inputs []ReferralInput) error {
	if err := validate(transactionID, inputs); err != nil {
		return err
	}
	existing, err := l.store.FindReferrals(ctx, transactionID)
	if err != nil {
		return errors.Wrapf(err, "failed reading transaction %s", transactionID)
	}
	if len(existing) > 0 {
		return errors.Wrapf(model.ErrConflict, "existing transaction-identifier: %s", transactionID)
	}

	probi, err := l.currency.Fiat2Alt(l.fiat, l.amount, l.altcurrency)
	if err != nil {
		return err
	}

	channels := make([]string, 0, len(inputs))
	for _, in := range inputs {
		channels = append(channels, in.ChannelID)
	}
	found, err := l.store.GetPublishers(ctx, channels)
	if err != nil {
		return errors.Wrap(err, "failed reading publishers")
	}
	owners := make(map[string]string, len(found))
	for _, p := range found {
		owners[p.Publisher] = p.Owner
	}

	refs := make([]model.Referral, 0, len(inputs))
	for _, in := range inputs {
		owner, ok := owners[in.ChannelID]
		if !ok {
			return errors.Wrapf(model.ErrValidation, "no such channelId: %s", in.ChannelID)
		}
		refs = append(refs, model.Referral{
			TransactionID: transactionID,
			DownloadID:    in.DownloadID,
			Publisher:     in.ChannelID,
			Owner:         owner,
			Platform:      in.Platform,
			Altcurrency:   l.altcurrency,
			Probi:         probi,
			Finalized:     in.Finalized.UTC(),
		})
	}
	if err := l.store.InsertReferrals(ctx, refs); err != nil {
		return errors.Wrapf(err, "failed recording transaction %s", transactionID)
	}
	l.logger.Info("recorded referrals", zap.String("transactionId", transactionID), zap.Int("count", len(refs)),
		zap.String("probi", probi.String()))
	return nil
}

func (l *Ledger) Find(ctx context.Context, transactionID string) ([]model.Referral, error) {
	refs, err := l.store.FindReferrals(ctx, transactionID)
	if err != nil {
		return nil, errors.Wrapf(err, "failed reading transaction %s", transactionID)
	}
	if len(refs) == 0 {
		return nil, errors.Wrapf(model.ErrNotFound, "no such transaction-identifier: %s", transactionID)
	}
	return refs, nil
}
