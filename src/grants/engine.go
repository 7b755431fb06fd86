package grants

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/onemorebsmith/probi-settlement/src/model"
	"github.com/onemorebsmith/probi-settlement/src/notify"
	"github.com/onemorebsmith/probi-settlement/src/redeemer"
	"github.com/onemorebsmith/probi-settlement/src/wallet"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type Store interface {
	GetWallet(ctx context.Context, paymentID string) (*model.Wallet, error)
	AttachGrant(ctx context.Context, paymentID string, grant model.WalletGrant) (bool, error)
	CompleteGrants(ctx context.Context, paymentID string, grantIDs []string) error
	AssignCohorts(ctx context.Context, cohort string, paymentIDs []string) (int, error)
	InsertGrants(ctx context.Context, grants []model.Grant) error
	PopGrant(ctx context.Context, promotionID string) (*model.Grant, error)
	ReturnGrant(ctx context.Context, grant model.Grant) error
	GetPromotion(ctx context.Context, promotionID string) (*model.Promotion, error)
	ListPromotions(ctx context.Context) ([]model.Promotion, error)
	UpsertPromotion(ctx context.Context, promo model.Promotion, added int64) error
	DecrementPromotion(ctx context.Context, promotionID string) error
}

// Backend is the redemption service, satisfied by *redeemer.Client
type Backend interface {
	Redeem(ctx context.Context, req redeemer.RedeemRequest, clientIP, userAgent string) (*redeemer.RedeemResponse, error)
	Claim(ctx context.Context, grantID string, w redeemer.WalletInfo, clientIP, userAgent string) error
}

type Balancer interface {
	Balances(ctx context.Context, w *model.Wallet) (*model.Balances, error)
}

type Scaler interface {
	Alt2Scale(alt string) (decimal.Decimal, error)
}

type Config struct {
	// wallets in these cohorts redeem without contacting the backend
	TestingCohorts []string `yaml:"testing_cohorts"`
	VerifyKey      string   `yaml:"verify_key"`
}

// Engine owns the promotional grant pool: claiming grants into wallets and
// spending them on transfers
type Engine struct {
	store    Store
	backend  Backend
	balances Balancer
	scales   Scaler
	tokens   *TokenDecoder
	sink     notify.Sink
	cfg      Config
	logger   *zap.Logger
	now      func() time.Time
}

// NewEngine - backend may be nil, in which case promotions are disabled
func NewEngine(cfg Config, store Store, backend Backend, balances Balancer, scales Scaler, sink notify.Sink, logger *zap.Logger) (*Engine, error) {
	tokens, err := NewTokenDecoder(cfg.VerifyKey, func(alt string) error {
		_, err := scales.Alt2Scale(alt)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &Engine{
		store:    store,
		backend:  backend,
		balances: balances,
		scales:   scales,
		tokens:   tokens,
		sink:     sink,
		cfg:      cfg,
		logger:   logger.With(zap.String("component", "grants")),
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

func (e *Engine) testingCohort(cohort string) bool {
	if cohort == "" {
		return false
	}
	for _, c := range e.cfg.TestingCohorts {
		if c == cohort {
			return true
		}
	}
	return false
}

// Redeem tops up a transfer from the wallet's unused grants, oldest claim
// first, stopping once the confirmed balance covers it. nil when grants are
// not configured, not held or not needed.
func (e *Engine) Redeem(ctx context.Context, w *model.Wallet, tx *model.UnsignedTx, signed *model.SignedTx, meta wallet.RequestMeta) (*model.TxResult, error) {
	if e.backend == nil {
		return nil, nil
	}
	active := w.ActiveGrants()
	if len(active) == 0 || tx == nil || tx.Denomination == nil {
		return nil, nil
	}

	balances := w.Balances
	if balances == nil {
		fetched, err := e.balances.Balances(ctx, w)
		if err != nil {
			return nil, errors.Wrapf(err, "failed reading balances for %s", w.PaymentID)
		}
		balances = fetched
	}
	amount, err := decimal.NewFromString(tx.Denomination.Amount)
	if err != nil {
		return nil, errors.Wrap(model.ErrValidation, "invalid denomination amount")
	}
	scale, err := e.scales.Alt2Scale(w.Altcurrency)
	if err != nil {
		return nil, err
	}
	desired := amount.Mul(scale)
	balance := balances.Confirmed
	if balance.GreaterThanOrEqual(desired) {
		return nil, nil
	}

	var tokens, grantIDs []string
	for _, g := range active {
		content, err := e.tokens.Decode(g.Token)
		if err != nil {
			return nil, errors.Wrapf(err, "wallet %s holds a bad grant %s", w.PaymentID, g.GrantID)
		}
		tokens = append(tokens, g.Token)
		grantIDs = append(grantIDs, g.GrantID)
		balance = balance.Add(content.Probi)
		if balance.GreaterThanOrEqual(desired) {
			break
		}
	}

	if e.testingCohort(w.Cohort) {
		grantRedemptions.WithLabelValues("testing").Inc()
		return &model.TxResult{
			Status:      model.TxStatusAccepted,
			Probi:       desired,
			Altcurrency: w.Altcurrency,
			Fee:         decimal.Zero,
			Destination: tx.Destination,
			GrantIDs:    grantIDs,
		}, nil
	}

	if signed == nil {
		return nil, errors.Wrap(model.ErrValidation, "grants can only fund a signed transfer")
	}
	envelope, err := json.Marshal(model.SignedTx{Headers: signed.Headers, Octets: signed.Octets})
	if err != nil {
		return nil, errors.Wrap(err, "failed encoding signed transaction")
	}
	resp, err := e.backend.Redeem(ctx, redeemer.RedeemRequest{
		Grants:      tokens,
		Wallet:      redeemer.WalletInfoFor(w, true),
		Transaction: base64.StdEncoding.EncodeToString(envelope),
	}, meta.ClientIP, meta.UserAgent)
	if err != nil {
		return nil, err
	}
	grantRedemptions.WithLabelValues("backend").Inc()
	destination := resp.Address
	if destination == "" {
		destination = tx.Destination
	}
	return &model.TxResult{
		Status:      model.TxStatus(resp.Status),
		ID:          resp.ID,
		Probi:       resp.Probi,
		Altcurrency: resp.Altcurrency,
		Fee:         resp.Fee,
		Destination: destination,
		GrantIDs:    grantIDs,
	}, nil
}

// Claim hands one grant of the promotion to the wallet. A wallet holds at
// most one grant per promotion; repeat claims return an empty result.
func (e *Engine) Claim(ctx context.Context, paymentID, promotionID string, meta wallet.RequestMeta) (*model.ClaimResult, error) {
	if e.backend == nil {
		return nil, errors.Wrap(model.ErrUnsupported, "not configured for promotions")
	}
	promo, err := e.store.GetPromotion(ctx, promotionID)
	if err != nil {
		return nil, err
	}
	if !promo.Active {
		return nil, errors.Wrapf(model.ErrValidation, "promotion is not active: %s", promotionID)
	}
	w, err := e.store.GetWallet(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if w.HasPromotion(promotionID) {
		claimOutcomes.WithLabelValues("repeat").Inc()
		return &model.ClaimResult{}, nil
	}

	grant, err := e.store.PopGrant(ctx, promotionID)
	if errors.Is(err, model.ErrNotFound) {
		claimOutcomes.WithLabelValues("exhausted").Inc()
		return nil, errors.Wrapf(model.ErrPromotionUnavailable, "promotion %s", promotionID)
	} else if err != nil {
		return nil, errors.Wrap(err, "failed popping grant")
	}
	content, err := e.tokens.Decode(grant.Token)
	if err != nil {
		if rerr := e.store.ReturnGrant(ctx, *grant); rerr != nil {
			e.logger.Error("failed returning grant", zap.String("grantId", grant.GrantID), zap.Error(rerr))
		}
		return nil, err
	}

	attached, err := e.store.AttachGrant(ctx, paymentID, model.WalletGrant{
		Token:          grant.Token,
		GrantID:        grant.GrantID,
		PromotionID:    promotionID,
		Status:         model.GrantStatusActive,
		ClaimTimestamp: e.now(),
		ClaimIP:        meta.ClientIP,
	})
	if err != nil || !attached {
		// lost the race to another claim for this promotion, put the grant back
		if rerr := e.store.ReturnGrant(ctx, *grant); rerr != nil {
			e.logger.Error("failed returning grant", zap.String("grantId", grant.GrantID), zap.Error(rerr))
		}
		if err != nil {
			return nil, errors.Wrapf(err, "failed attaching grant to %s", paymentID)
		}
		claimOutcomes.WithLabelValues("repeat").Inc()
		return &model.ClaimResult{}, nil
	}

	if err := e.backend.Claim(ctx, grant.GrantID, redeemer.WalletInfoFor(w, false), meta.ClientIP, meta.UserAgent); err != nil {
		e.logger.Warn("claim not registered with redeemer", zap.String("grantId", grant.GrantID), zap.Error(err))
	}
	if err := e.store.DecrementPromotion(ctx, promotionID); err != nil {
		e.logger.Error("failed decrementing promotion", zap.String("promotionId", promotionID), zap.Error(err))
	}
	claimOutcomes.WithLabelValues("claimed").Inc()

	e.sink.Notify(ctx, notify.EventGrantReport, map[string]any{
		"grantId":     content.GrantID,
		"paymentId":   paymentID,
		"promotionId": promotionID,
		"altcurrency": content.Altcurrency,
		"probi":       content.Probi.String(),
	})
	return &model.ClaimResult{Altcurrency: content.Altcurrency, Probi: content.Probi}, nil
}

// ListPromotions returns every promotion in priority order
func (e *Engine) ListPromotions(ctx context.Context) ([]model.Promotion, error) {
	all, err := e.store.ListPromotions(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed listing promotions")
	}
	out := make([]model.Promotion, 0, len(all))
	for _, p := range all {
		if p.PromotionID == "" {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// AvailablePromotion picks an open promotion of the best (lowest) priority the
// wallet has not claimed yet, ties broken at random. paymentID may be empty.
func (e *Engine) AvailablePromotion(ctx context.Context, paymentID string) (*model.Promotion, error) {
	var w *model.Wallet
	if paymentID != "" {
		var err error
		if w, err = e.store.GetWallet(ctx, paymentID); err != nil {
			return nil, err
		}
	}
	all, err := e.ListPromotions(ctx)
	if err != nil {
		return nil, err
	}
	var candidates []model.Promotion
	for _, p := range all {
		if !p.Active || p.Count <= 0 || (w != nil && w.HasPromotion(p.PromotionID)) {
			continue
		}
		if len(candidates) > 0 && p.Priority > candidates[0].Priority {
			continue
		}
		if len(candidates) > 0 && p.Priority < candidates[0].Priority {
			candidates = candidates[:0]
		}
		candidates = append(candidates, p)
	}
	if len(candidates) == 0 {
		return nil, errors.Wrap(model.ErrNotFound, "no promotions available")
	}
	picked := candidates[rand.Intn(len(candidates))]
	return &picked, nil
}

type PromotionInput struct {
	PromotionID string `json:"promotionId"`
	Priority    int    `json:"priority"`
	Active      *bool  `json:"active,omitempty"`
}

type Upload struct {
	Grants     []string         `json:"grants"`
	Promotions []PromotionInput `json:"promotions"`
}

// Upload loads a batch of grant tokens and the promotions they belong to.
// Nothing is written unless every token is valid.
func (e *Engine) Upload(ctx context.Context, upload Upload) (string, error) {
	batchID := uuid.NewString()
	counts := map[string]int64{}
	grants := make([]model.Grant, 0, len(upload.Grants))
	for _, token := range upload.Grants {
		content, err := e.tokens.Decode(token)
		if err != nil {
			return "", err
		}
		grants = append(grants, model.Grant{
			GrantID:     content.GrantID,
			Token:       token,
			PromotionID: content.PromotionID,
			Status:      model.GrantStatusActive,
			BatchID:     batchID,
		})
		counts[content.PromotionID]++
	}
	for _, p := range upload.Promotions {
		if p.Priority < 0 {
			return "", errors.Wrapf(model.ErrValidation, "promotion %s has a negative priority", p.PromotionID)
		}
	}

	if len(grants) > 0 {
		if err := e.store.InsertGrants(ctx, grants); err != nil {
			return "", errors.Wrapf(err, "failed inserting batch %s", batchID)
		}
	}
	for _, p := range upload.Promotions {
		active := true
		if p.Active != nil {
			active = *p.Active
		}
		promo := model.Promotion{PromotionID: p.PromotionID, Priority: p.Priority, Active: active, BatchID: batchID}
		if err := e.store.UpsertPromotion(ctx, promo, counts[p.PromotionID]); err != nil {
			return "", errors.Wrapf(err, "failed upserting promotion %s", p.PromotionID)
		}
	}
	e.logger.Info("uploaded grants", zap.String("batchId", batchID), zap.Int("grants", len(grants)),
		zap.Int("promotions", len(upload.Promotions)))
	return batchID, nil
}

func (e *Engine) AssignCohorts(ctx context.Context, cohort string, paymentIDs []string) (int, error) {
	if cohort == "" {
		return 0, errors.Wrap(model.ErrValidation, "cohort is required")
	}
	n, err := e.store.AssignCohorts(ctx, cohort, paymentIDs)
	if err != nil {
		return 0, errors.Wrapf(err, "failed assigning cohort %s", cohort)
	}
	if n != len(paymentIDs) {
		e.logger.Warn("some wallets were not found", zap.String("cohort", cohort), zap.Int("requested", len(paymentIDs)), zap.Int("updated", n))
	}
	return n, nil
}

// Complete marks grants spent by a settled transfer
func (e *Engine) Complete(ctx context.Context, paymentID string, grantIDs []string) error {
	if len(grantIDs) == 0 {
		return nil
	}
	return errors.Wrapf(e.store.CompleteGrants(ctx, paymentID, grantIDs), "failed completing grants for %s", paymentID)
}

// ActiveValue sums the probi of the wallet's unredeemed grants
func (e *Engine) ActiveValue(w *model.Wallet) (decimal.Decimal, error) {
	total := decimal.Zero
	for _, g := range w.ActiveGrants() {
		content, err := e.tokens.Decode(g.Token)
		if err != nil {
			return decimal.Zero, errors.Wrapf(err, "wallet %s holds a bad grant %s", w.PaymentID, g.GrantID)
		}
		total = total.Add(content.Probi)
	}
	return total, nil
}
