package payments

import (
	"context"
	"encoding/hex"
	"fmt"
	"net/http"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-fed/httpsig"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/onemorebsmith/probi-settlement/src/cache"
	"github.com/onemorebsmith/probi-settlement/src/common"
	"github.com/onemorebsmith/probi-settlement/src/currency"
	"github.com/onemorebsmith/probi-settlement/src/memstore"
	"github.com/onemorebsmith/probi-settlement/src/model"
	"github.com/onemorebsmith/probi-settlement/src/notify"
	"github.com/onemorebsmith/probi-settlement/src/wallet"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/ed25519"
)

var logger = common.ConfigureZap(zap.ErrorLevel)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

const surveyorID = "sv-1"

type harness struct {
	store   *memstore.Store
	events  *notify.Recorder
	facade  *wallet.Facade
	guard   *cache.SubmissionGuard
	service *Service
	priv    ed25519.PrivateKey
}

func newHarness(t *testing.T) *harness {
	rates, err := currency.NewService(currency.Config{Rates: map[string]map[string]string{"BAT": {"USD": "0.25"}}})
	require.NoError(t, err)
	registry := wallet.NewRegistry(model.ProviderSignature, wallet.NewSignatureProvider("settlement-card", rates))
	facade := wallet.NewFacade(registry, rates, nil, nil, logger)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	h := &harness{
		store:  memstore.New(),
		events: &notify.Recorder{},
		facade: facade,
		guard:  cache.NewSubmissionGuard(client, "test_submissions"),
	}
	h.service = NewService(h.store, facade, nil, h.guard, rates, h.events, logger)

	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	h.priv = priv
	require.NoError(t, h.store.PutWallet(context.Background(), model.Wallet{
		PaymentID:         "p1",
		Altcurrency:       "BAT",
		Provider:          model.ProviderSignature,
		HTTPSigningPubKey: hex.EncodeToString(pub),
		Balances:          &model.Balances{Confirmed: d("25e18"), Balance: d("25e18")},
	}))
	return h
}

func surveyor(cohortSize int) model.Surveyor {
	ids := func(prefix string) []string {
		out := make([]string, cohortSize)
		for i := range out {
			out[i] = fmt.Sprintf("%s-%d", prefix, i)
		}
		return out
	}
	return model.Surveyor{
		SurveyorID:   surveyorID,
		SurveyorType: model.SurveyorTypeContribution,
		Active:       true,
		AdFree:       &model.AdFree{Currency: "USD", Probi: d("10e18"), Votes: 5, Altcurrency: "BAT"},
		Cohorts: map[string][]string{
			model.DefaultCohort: ids("control"),
			"grant":             ids("grant"),
		},
	}
}

func (h *harness) quote(t *testing.T) *model.UnsignedTx {
	quote, err := h.service.Quote(context.Background(), "p1", QuoteRequest{Amount: "5", Currency: "USD", Refresh: true})
	require.NoError(t, err)
	require.NotNil(t, quote.UnsignedTx)
	return quote.UnsignedTx
}

func (h *harness) sign(t *testing.T, tx *model.UnsignedTx) model.SignedTx {
	octets, err := wallet.Octets(tx)
	require.NoError(t, err)
	signer, _, err := httpsig.NewSigner([]httpsig.Algorithm{httpsig.ED25519}, httpsig.DigestSha256,
		[]string{"digest"}, httpsig.Signature, 0)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPut, "/", nil)
	require.NoError(t, err)
	require.NoError(t, signer.SignRequest(h.priv, "primary", req, []byte(octets)))
	return model.SignedTx{
		Headers: map[string]string{"digest": req.Header.Get("Digest"), "signature": req.Header.Get("Signature")},
		Octets:  octets,
	}
}

func TestQuote(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	quote, err := h.service.Quote(ctx, "p1", QuoteRequest{Balance: true})
	require.NoError(t, err)
	require.Nil(t, quote.UnsignedTx)
	require.True(t, quote.Balances.Confirmed.Equal(d("25e18")))

	tx := h.quote(t)
	require.Equal(t, "20", tx.Denomination.Amount)
	require.Equal(t, "settlement-card", tx.Destination)
	stored, err := h.store.GetWallet(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, tx, stored.UnsignedTx)
	// balances did not move
	require.Empty(t, h.events.OfType(notify.EventWalletReport))

	quote, err = h.service.Quote(ctx, "p1", QuoteRequest{Amount: "20", Altcurrency: "BAT", Refresh: true})
	require.NoError(t, err)
	require.Equal(t, "20", quote.UnsignedTx.Denomination.Amount)
	require.True(t, quote.Rates["BAT"].Equal(decimal.NewFromInt(1)))

	_, err = h.service.Quote(ctx, "p1", QuoteRequest{Amount: "5", Currency: "EUR", Refresh: true})
	require.True(t, model.IsRetryable(err))
	_, err = h.service.Quote(ctx, "p1", QuoteRequest{Amount: "5", Refresh: true})
	require.ErrorIs(t, err, model.ErrValidation)
	_, err = h.service.Quote(ctx, "p1", QuoteRequest{Altcurrency: "KAS"})
	require.ErrorIs(t, err, model.ErrValidation)
	_, err = h.service.Quote(ctx, "nobody", QuoteRequest{})
	require.ErrorIs(t, err, model.ErrNotFound)
}

func TestQuoteReportsNewBalances(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	require.NoError(t, h.store.PutWallet(ctx, model.Wallet{
		PaymentID: "p2", Altcurrency: "BAT", Provider: model.ProviderSignature,
	}))

	quote, err := h.service.Quote(ctx, "p2", QuoteRequest{Balance: true})
	require.NoError(t, err)
	require.True(t, quote.Balances.Confirmed.IsZero())
	reports := h.events.OfType(notify.EventWalletReport)
	require.Len(t, reports, 1)
	require.Equal(t, "p2", reports[0].Payload["paymentId"])

	stored, err := h.store.GetWallet(ctx, "p2")
	require.NoError(t, err)
	require.NotNil(t, stored.Balances)
}

type grantValue struct {
	value     decimal.Decimal
	completed []string
}

func (gv *grantValue) ActiveValue(w *model.Wallet) (decimal.Decimal, error) {
	return gv.value, nil
}

func (gv *grantValue) Complete(ctx context.Context, paymentID string, grantIDs []string) error {
	gv.completed = append(gv.completed, grantIDs...)
	return nil
}

func TestQuoteAddsGrantValue(t *testing.T) {
	h := newHarness(t)
	h.service.grants = &grantValue{value: d("30e18")}
	quote, err := h.service.Quote(context.Background(), "p1", QuoteRequest{Balance: true})
	require.NoError(t, err)
	require.True(t, quote.Balances.Confirmed.Equal(d("55e18")), quote.Balances.Confirmed.String())
}

func TestContribute(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	require.NoError(t, h.store.PutSurveyor(ctx, surveyor(12)))
	signed := h.sign(t, h.quote(t))

	viewingID := uuid.NewString()
	result, err := h.service.Contribute(ctx, "p1", ContributeRequest{ViewingID: viewingID, SurveyorID: surveyorID, SignedTx: signed}, wallet.RequestMeta{})
	require.NoError(t, err)
	// 20 BAT against an ad-free price of 10 BAT for 5 votes
	require.Equal(t, int64(10), result.Votes)
	require.True(t, result.Probi.Equal(d("20e18")))
	require.NotZero(t, result.PaymentStamp)

	viewing, err := h.store.GetViewing(ctx, viewingID)
	require.NoError(t, err)
	require.Len(t, viewing.SurveyorIDs, 10)
	for _, id := range viewing.SurveyorIDs {
		require.Contains(t, id, "control-")
	}

	sums, err := h.store.SumContributions(ctx, "BAT", surveyorID, nil)
	require.NoError(t, err)
	require.Len(t, sums, 1)
	require.Equal(t, int64(10), sums[0].Votes)

	reports := h.events.OfType(notify.EventContributionReport)
	require.Len(t, reports, 1)
	require.Equal(t, model.DefaultCohort, reports[0].Payload["cohort"])
	require.Equal(t, "settlement-card", reports[0].Payload["address"])
	require.Empty(t, h.events.OfType(notify.EventRedeemReport))

	// a replayed submission never reaches the provider
	_, err = h.service.Contribute(ctx, "p1", ContributeRequest{ViewingID: uuid.NewString(), SurveyorID: surveyorID, SignedTx: signed}, wallet.RequestMeta{})
	require.ErrorIs(t, err, model.ErrDuplicateSubmission)
}

func TestContributeRejections(t *testing.T) {
	ctx := context.Background()
	contribute := func(h *harness, signed model.SignedTx) error {
		_, err := h.service.Contribute(ctx, "p1", ContributeRequest{ViewingID: uuid.NewString(), SurveyorID: surveyorID, SignedTx: signed}, wallet.RequestMeta{})
		return err
	}

	t.Run("no unsigned tx", func(t *testing.T) {
		h := newHarness(t)
		require.NoError(t, h.store.PutSurveyor(ctx, surveyor(12)))
		require.ErrorIs(t, contribute(h, model.SignedTx{}), model.ErrValidation)
	})
	t.Run("bad signature", func(t *testing.T) {
		h := newHarness(t)
		require.NoError(t, h.store.PutSurveyor(ctx, surveyor(12)))
		signed := h.sign(t, h.quote(t))
		signed.Octets = `{"denomination":{"amount":"1","currency":"BAT"},"destination":"settlement-card"}`
		require.ErrorIs(t, contribute(h, signed), model.ErrValidation)
	})
	t.Run("legacy surveyor", func(t *testing.T) {
		h := newHarness(t)
		sv := surveyor(12)
		sv.Cohorts = nil
		sv.LegacySurveyorIDs = []string{"old-1"}
		require.NoError(t, h.store.PutSurveyor(ctx, sv))
		require.ErrorIs(t, contribute(h, h.sign(t, h.quote(t))), model.ErrValidation)
	})
	t.Run("unpopulated surveyor", func(t *testing.T) {
		h := newHarness(t)
		sv := surveyor(12)
		sv.Cohorts = nil
		require.NoError(t, h.store.PutSurveyor(ctx, sv))
		require.True(t, model.IsRetryable(contribute(h, h.sign(t, h.quote(t)))))
	})
	t.Run("insufficient surveyors", func(t *testing.T) {
		h := newHarness(t)
		require.NoError(t, h.store.PutSurveyor(ctx, surveyor(9)))
		require.True(t, model.IsRetryable(contribute(h, h.sign(t, h.quote(t)))))
	})
}

// flakyWallets fails the first transfer
type flakyWallets struct {
	*wallet.Facade
	failed bool
	grants []string
}

func (fw *flakyWallets) Transfer(ctx context.Context, w *model.Wallet, tx *model.UnsignedTx, signed *model.SignedTx, meta wallet.RequestMeta) (*model.TxResult, error) {
	if !fw.failed {
		fw.failed = true
		return nil, model.Retryable("card api unavailable", 0, errors.New("eof"))
	}
	result, err := fw.Facade.Transfer(ctx, w, tx, signed, meta)
	if err != nil {
		return nil, err
	}
	result.GrantIDs = fw.grants
	return result, nil
}

func TestContributeRetriesAfterFailedTransfer(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	require.NoError(t, h.store.PutSurveyor(ctx, surveyor(12)))
	flaky := &flakyWallets{Facade: h.facade}
	h.service.wallets = flaky
	signed := h.sign(t, h.quote(t))

	req := ContributeRequest{ViewingID: uuid.NewString(), SurveyorID: surveyorID, SignedTx: signed}
	_, err := h.service.Contribute(ctx, "p1", req, wallet.RequestMeta{})
	require.True(t, model.IsRetryable(err))

	count, err := h.guard.Count(ctx)
	require.NoError(t, err)
	require.Zero(t, count)

	_, err = h.service.Contribute(ctx, "p1", req, wallet.RequestMeta{})
	require.NoError(t, err)
}

func TestContributeWithGrants(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	require.NoError(t, h.store.PutSurveyor(ctx, surveyor(12)))
	grants := &grantValue{}
	h.service.grants = grants
	h.service.wallets = &flakyWallets{Facade: h.facade, failed: true, grants: []string{"g1", "g2"}}
	signed := h.sign(t, h.quote(t))

	viewingID := uuid.NewString()
	_, err := h.service.Contribute(ctx, "p1", ContributeRequest{ViewingID: viewingID, SurveyorID: surveyorID, SignedTx: signed}, wallet.RequestMeta{})
	require.NoError(t, err)
	require.Equal(t, []string{"g1", "g2"}, grants.completed)

	redeemed := h.events.OfType(notify.EventRedeemReport)
	require.Len(t, redeemed, 1)
	require.Equal(t, []string{"g1", "g2"}, redeemed[0].Payload["grantIds"])

	viewing, err := h.store.GetViewing(ctx, viewingID)
	require.NoError(t, err)
	for _, id := range viewing.SurveyorIDs {
		require.Contains(t, id, "grant-")
	}
}

func TestContributeFromUnlistedCohort(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	require.NoError(t, h.store.PutSurveyor(ctx, surveyor(12)))
	require.NoError(t, h.store.SetWalletCohort(ctx, "p1", "test"))
	grants := &grantValue{}
	h.service.grants = grants
	h.service.wallets = &flakyWallets{Facade: h.facade, failed: true, grants: []string{"g1"}}
	signed := h.sign(t, h.quote(t))

	viewingID := uuid.NewString()
	result, err := h.service.Contribute(ctx, "p1", ContributeRequest{ViewingID: viewingID, SurveyorID: surveyorID, SignedTx: signed}, wallet.RequestMeta{})
	require.NoError(t, err)
	require.Equal(t, int64(10), result.Votes)
	require.Equal(t, []string{"g1"}, grants.completed)

	// the surveyor has no "test" cohort, the viewing votes from the grant pool
	viewing, err := h.store.GetViewing(ctx, viewingID)
	require.NoError(t, err)
	require.Len(t, viewing.SurveyorIDs, 10)
	for _, id := range viewing.SurveyorIDs {
		require.Contains(t, id, "grant-")
	}

	sums, err := h.store.SumContributions(ctx, "BAT", surveyorID, []string{"test"})
	require.NoError(t, err)
	require.Len(t, sums, 1)
	require.Equal(t, int64(10), sums[0].Votes)
	require.True(t, sums[0].Probi.Equal(result.Probi))
}

func TestSizeVotes(t *testing.T) {
	adFree := &model.AdFree{Probi: d("10e18"), Votes: 5}
	require.Equal(t, int64(1), sizeVotes(d("1e18"), adFree))
	require.Equal(t, int64(3), sizeVotes(d("5e18"), adFree))
	require.Equal(t, int64(10), sizeVotes(d("20e18"), adFree))
}
