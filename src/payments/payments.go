package payments

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/onemorebsmith/probi-settlement/src/model"
	"github.com/onemorebsmith/probi-settlement/src/notify"
	"github.com/onemorebsmith/probi-settlement/src/wallet"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const rateRetry = 5 * time.Second

// cohorts a contribution surveyor must be able to hand voting surveyors out for
var voteCohorts = []string{model.DefaultCohort, "grant"}

type Store interface {
	GetWallet(ctx context.Context, paymentID string) (*model.Wallet, error)
	UpdateWalletBalances(ctx context.Context, paymentID string, balances model.Balances) error
	SetUnsignedTx(ctx context.Context, paymentID string, tx *model.UnsignedTx) error
	SetPaymentStamp(ctx context.Context, paymentID string, stamp int64) error
	GetSurveyor(ctx context.Context, surveyorID string) (*model.Surveyor, error)
	InsertViewing(ctx context.Context, v model.Viewing) error
	InsertContribution(ctx context.Context, c model.Contribution) error
}

// Wallets is satisfied by *wallet.Facade
type Wallets interface {
	Balances(ctx context.Context, w *model.Wallet) (*model.Balances, error)
	UnsignedTx(ctx context.Context, w *model.Wallet, amount decimal.Decimal, currency string, balance decimal.Decimal) (*model.UnsignedTx, error)
	ValidateTxSignature(w *model.Wallet, tx *model.UnsignedTx, signed *model.SignedTx) error
	GetTxProbi(w *model.Wallet, tx *model.UnsignedTx) (decimal.Decimal, error)
	Transfer(ctx context.Context, w *model.Wallet, tx *model.UnsignedTx, signed *model.SignedTx, meta wallet.RequestMeta) (*model.TxResult, error)
}

// Grants is satisfied by *grants.Engine
type Grants interface {
	ActiveValue(w *model.Wallet) (decimal.Decimal, error)
	Complete(ctx context.Context, paymentID string, grantIDs []string) error
}

// Guard is satisfied by *cache.SubmissionGuard
type Guard interface {
	Reserve(ctx context.Context, submission string) (bool, error)
	Release(ctx context.Context, submission string) error
}

type Currency interface {
	Rate(alt, fiat string) (decimal.Decimal, bool)
}

type Service struct {
	store    Store
	wallets  Wallets
	grants   Grants
	guard    Guard
	currency Currency
	sink     notify.Sink
	logger   *zap.Logger

	now     func() time.Time
	shuffle func(n int, swap func(i, j int))
}

// NewService wires the contribution flow. grants and guard may be nil.
func NewService(store Store, wallets Wallets, grants Grants, guard Guard, currency Currency, sink notify.Sink, logger *zap.Logger) *Service {
	return &Service{
		store:    store,
		wallets:  wallets,
		grants:   grants,
		guard:    guard,
		currency: currency,
		sink:     sink,
		logger:   logger.With(zap.String("component", "payments")),
		now:      time.Now,
		shuffle:  rand.Shuffle,
	}
}

type QuoteRequest struct {
	Amount      string
	Currency    string
	Altcurrency string
	// Balance asks for balances, fetched only when none are stored yet
	Balance bool
	// Refresh always refetches balances and is required to build a transaction
	Refresh bool
}

type Quote struct {
	PaymentID    string
	Altcurrency  string
	Balances     *model.Balances
	Rates        map[string]decimal.Decimal
	UnsignedTx   *model.UnsignedTx
	PaymentStamp int64
}

// Quote reports a wallet's balances and, given an amount, prepares the
// unsigned transaction the client must sign to contribute it
func (s *Service) Quote(ctx context.Context, paymentID string, req QuoteRequest) (*Quote, error) {
	w, err := s.store.GetWallet(ctx, paymentID)
	if err != nil {
		return nil, errors.Wrapf(err, "failed reading wallet %s", paymentID)
	}
	if req.Altcurrency != "" && req.Altcurrency != w.Altcurrency {
		return nil, errors.Wrapf(model.ErrValidation, "wallet %s holds %s not %s", paymentID, w.Altcurrency, req.Altcurrency)
	}

	quote := &Quote{
		PaymentID:    paymentID,
		Altcurrency:  w.Altcurrency,
		PaymentStamp: w.PaymentStamp,
		Rates:        map[string]decimal.Decimal{},
	}

	balances := w.Balances
	if req.Refresh || (req.Balance && balances == nil) {
		fetched, err := s.wallets.Balances(ctx, w)
		if err != nil {
			return nil, errors.Wrapf(err, "failed reading balances for %s", paymentID)
		}
		if balances == nil || !sameBalances(*balances, *fetched) {
			if err := s.store.UpdateWalletBalances(ctx, paymentID, *fetched); err != nil {
				return nil, errors.Wrapf(err, "failed storing balances for %s", paymentID)
			}
			s.sink.Notify(ctx, notify.EventWalletReport, map[string]any{
				"paymentId": paymentID,
				"balances":  balanceReport(*fetched),
			})
		}
		balances = fetched
	}

	if balances != nil {
		reported := *balances
		if s.grants != nil {
			extra, err := s.grants.ActiveValue(w)
			if err != nil {
				return nil, err
			}
			reported.Confirmed = reported.Confirmed.Add(extra)
		}
		quote.Balances = &reported
	}

	if req.Amount == "" || !req.Refresh {
		return quote, nil
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil || !amount.IsPositive() {
		return nil, errors.Wrapf(model.ErrValidation, "invalid amount %q", req.Amount)
	}
	currency := req.Currency
	if currency == "" {
		currency = req.Altcurrency
	}
	if currency == "" {
		return nil, errors.Wrap(model.ErrValidation, "must specify either altcurrency or currency")
	}
	rate, ok := s.currency.Rate(w.Altcurrency, currency)
	if !ok {
		return nil, model.Retryable("no conversion rate yet for "+currency, rateRetry, nil)
	}
	quote.Rates[currency] = rate

	confirmed := decimal.Zero
	if quote.Balances != nil {
		confirmed = quote.Balances.Confirmed
	}
	tx, err := s.wallets.UnsignedTx(ctx, w, amount, currency, confirmed)
	if err != nil {
		return nil, errors.Wrapf(err, "failed preparing transaction for %s", paymentID)
	}
	if tx != nil {
		if err := s.store.SetUnsignedTx(ctx, paymentID, tx); err != nil {
			return nil, errors.Wrapf(err, "failed storing transaction for %s", paymentID)
		}
		quote.UnsignedTx = tx
	}
	return quote, nil
}

type ContributeRequest struct {
	ViewingID  string
	SurveyorID string
	SignedTx   model.SignedTx
}

type ContributeResult struct {
	PaymentStamp int64
	Votes        int64
	Probi        decimal.Decimal
	Altcurrency  string
}

// Contribute settles the wallet's pending transaction and hands the viewing
// its share of voting surveyors
func (s *Service) Contribute(ctx context.Context, paymentID string, req ContributeRequest, meta wallet.RequestMeta) (*ContributeResult, error) {
	if _, err := uuid.Parse(req.ViewingID); err != nil {
		return nil, errors.Wrapf(model.ErrValidation, "viewing id %q is not a uuid", req.ViewingID)
	}
	w, err := s.store.GetWallet(ctx, paymentID)
	if err != nil {
		return nil, errors.Wrapf(err, "failed reading wallet %s", paymentID)
	}
	if w.UnsignedTx == nil {
		return nil, errors.Wrapf(model.ErrValidation, "no unsignedTx found for %s", paymentID)
	}
	if err := s.wallets.ValidateTxSignature(w, w.UnsignedTx, &req.SignedTx); err != nil {
		return nil, errors.Wrapf(model.ErrValidation, "signature check failed: %s", err)
	}

	surveyor, err := s.store.GetSurveyor(ctx, req.SurveyorID)
	if err != nil {
		return nil, errors.Wrapf(err, "failed reading surveyor %s", req.SurveyorID)
	}
	if surveyor.SurveyorType != model.SurveyorTypeContribution || surveyor.AdFree == nil {
		return nil, errors.Wrapf(model.ErrValidation, "surveyor %s does not take contributions", req.SurveyorID)
	}
	if surveyor.Cohorts == nil {
		if len(surveyor.LegacySurveyorIDs) > 0 {
			return nil, errors.Wrapf(model.ErrValidation, "cannot perform a contribution using a legacy surveyor %s", req.SurveyorID)
		}
		return nil, model.Retryable("surveyor "+req.SurveyorID+" is not yet populated", rateRetry, nil)
	}

	txProbi, err := s.wallets.GetTxProbi(w, w.UnsignedTx)
	if err != nil {
		return nil, err
	}
	votes := sizeVotes(txProbi, surveyor.AdFree)
	for _, cohort := range voteCohorts {
		if int64(len(surveyor.Cohorts[cohort])) < votes {
			s.logger.Warn("insufficient surveyors", zap.String("surveyorId", req.SurveyorID),
				zap.String("cohort", cohort), zap.Int64("votes", votes))
			return nil, model.Retryable("insufficient surveyors", rateRetry, nil)
		}
	}

	submission := submissionKey(paymentID, &req.SignedTx)
	if s.guard != nil {
		fresh, err := s.guard.Reserve(ctx, submission)
		if err != nil {
			return nil, model.Retryable("submission guard unavailable", rateRetry, err)
		}
		if !fresh {
			return nil, errors.Wrapf(model.ErrDuplicateSubmission, "payment %s", paymentID)
		}
	}
	result, err := s.transfer(ctx, w, &req.SignedTx, meta)
	if err != nil {
		if s.guard != nil {
			if rerr := s.guard.Release(ctx, submission); rerr != nil {
				s.logger.Warn("failed releasing submission", zap.String("paymentId", paymentID), zap.Error(rerr))
			}
		}
		return nil, err
	}

	cohort := model.DefaultCohort
	if len(result.GrantIDs) > 0 {
		cohort = w.Cohort
		if cohort == "" {
			cohort = "grant"
		}
		if s.grants != nil {
			if err := s.grants.Complete(ctx, paymentID, result.GrantIDs); err != nil {
				return nil, err
			}
		}
		s.sink.Notify(ctx, notify.EventRedeemReport, map[string]any{
			"grantIds": result.GrantIDs,
			"redeemed": true,
		})
	}

	stamp := s.now().UnixMilli()
	if err := s.store.SetPaymentStamp(ctx, paymentID, stamp); err != nil {
		return nil, errors.Wrapf(err, "failed stamping wallet %s", paymentID)
	}

	pool, fallback := votingPool(surveyor, cohort, votes)
	if fallback {
		s.logger.Warn("wallet cohort short of surveyors, voting from the grant cohort",
			zap.String("surveyorId", req.SurveyorID), zap.String("cohort", cohort), zap.Int64("votes", votes))
	}
	s.shuffle(len(pool), func(i, j int) { pool[i], pool[j] = pool[j], pool[i] })
	viewing := model.Viewing{
		ViewingID:   req.ViewingID,
		UserID:      paymentID,
		SurveyorID:  req.SurveyorID,
		SurveyorIDs: pool[:votes],
		Altcurrency: w.Altcurrency,
		Probi:       result.Probi,
		Count:       votes,
	}
	if err := s.store.InsertViewing(ctx, viewing); err != nil {
		return nil, errors.Wrapf(err, "failed storing viewing %s", req.ViewingID)
	}
	if err := s.store.InsertContribution(ctx, model.Contribution{
		ViewingID:   req.ViewingID,
		PaymentID:   paymentID,
		SurveyorID:  req.SurveyorID,
		Altcurrency: w.Altcurrency,
		Probi:       result.Probi,
		Fee:         result.Fee,
		Votes:       votes,
		Cohort:      cohort,
	}); err != nil {
		return nil, errors.Wrapf(err, "failed storing contribution for viewing %s", req.ViewingID)
	}

	contributions.WithLabelValues(cohort).Inc()
	s.sink.Notify(ctx, notify.EventContributionReport, map[string]any{
		"paymentId":   paymentID,
		"address":     result.Destination,
		"surveyorId":  req.SurveyorID,
		"viewingId":   req.ViewingID,
		"fee":         result.Fee.String(),
		"votes":       votes,
		"cohort":      cohort,
		"probi":       result.Probi.String(),
		"altcurrency": w.Altcurrency,
	})
	s.logger.Info("contribution settled", zap.String("paymentId", paymentID), zap.String("surveyorId", req.SurveyorID),
		zap.Int64("votes", votes), zap.String("cohort", cohort), zap.String("probi", result.Probi.String()))

	return &ContributeResult{
		PaymentStamp: stamp,
		Votes:        votes,
		Probi:        result.Probi,
		Altcurrency:  w.Altcurrency,
	}, nil
}

func (s *Service) transfer(ctx context.Context, w *model.Wallet, signed *model.SignedTx, meta wallet.RequestMeta) (*model.TxResult, error) {
	result, err := s.wallets.Transfer(ctx, w, w.UnsignedTx, signed, meta)
	if err != nil {
		transferFailures.Inc()
		return nil, err
	}
	if result == nil || !result.Status.Settled() {
		transferFailures.Inc()
		status := model.TxStatus("")
		if result != nil {
			status = result.Status
		}
		return nil, errors.Wrapf(model.ErrValidation, "transfer for %s ended %q", w.PaymentID, status)
	}
	return result, nil
}

// sizeVotes scales the ad-free vote count by the share of the ad-free price
// the transaction pays, never below one vote
func sizeVotes(txProbi decimal.Decimal, adFree *model.AdFree) int64 {
	if !adFree.Probi.IsPositive() {
		return 1
	}
	votes := txProbi.Div(adFree.Probi).Mul(decimal.NewFromInt(adFree.Votes)).Round(0).IntPart()
	if votes < 1 {
		return 1
	}
	return votes
}

// votingPool copies the surveyors a viewing in cohort votes with. Wallet
// cohorts outside voteCohorts fall back to the grant pool, which Contribute
// checks holds enough surveyors before any funds move.
func votingPool(surveyor *model.Surveyor, cohort string, votes int64) ([]string, bool) {
	pool, fallback := surveyor.Cohorts[cohort], false
	if int64(len(pool)) < votes {
		pool, fallback = surveyor.Cohorts["grant"], true
	}
	return append([]string(nil), pool...), fallback
}

func submissionKey(paymentID string, signed *model.SignedTx) string {
	h := sha256.New()
	h.Write([]byte(signed.Octets))
	h.Write([]byte(signed.Transaction))
	return paymentID + ":" + hex.EncodeToString(h.Sum(nil))
}

func sameBalances(a, b model.Balances) bool {
	return a.Balance.Equal(b.Balance) && a.Spendable.Equal(b.Spendable) &&
		a.Confirmed.Equal(b.Confirmed) && a.Unconfirmed.Equal(b.Unconfirmed)
}

func balanceReport(b model.Balances) map[string]string {
	return map[string]string{
		"balance":     b.Balance.String(),
		"spendable":   b.Spendable.String(),
		"confirmed":   b.Confirmed.String(),
		"unconfirmed": b.Unconfirmed.String(),
	}
}
