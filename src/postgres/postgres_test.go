package postgres

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/onemorebsmith/probi-settlement/src/model"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// set PROBI_TEST_POSTGRES to a connection string of a scratch database to run these
func testStore(t *testing.T) *Store {
	conn := os.Getenv("PROBI_TEST_POSTGRES")
	if conn == "" {
		t.Skip("PROBI_TEST_POSTGRES not set")
	}
	ctx := context.Background()
	store, err := New(ctx, conn)
	require.NoError(t, err)
	t.Cleanup(store.Close)
	require.NoError(t, store.Migrate(ctx))
	return store
}

func TestNumericRoundTrip(t *testing.T) {
	for _, v := range []string{"0", "1", "123456789012345678901234567890", "0.000000001", "-42.5"} {
		require.True(t, fromNumeric(numeric(d(v))).Equal(d(v)), v)
	}
	require.False(t, fromNullNumeric(nullNumeric(decimal.NullDecimal{})).Valid)
}

func TestSurveyorsAndVotes(t *testing.T) {
	ctx := context.Background()
	store := testStore(t)
	id := uuid.NewString()

	require.NoError(t, store.PutSurveyor(ctx, model.Surveyor{
		SurveyorID:   id,
		SurveyorType: model.SurveyorTypeContribution,
		Active:       true,
		AdFree:       &model.AdFree{Currency: "USD", Probi: d("10e18"), Votes: 5, Altcurrency: "BAT"},
		Cohorts:      map[string][]string{model.DefaultCohort: {"a", "b"}},
	}))
	sv, err := store.GetSurveyor(ctx, id)
	require.NoError(t, err)
	require.Nil(t, sv.Counts)
	require.False(t, sv.Quantum.Valid)
	require.Equal(t, []string{"a", "b"}, sv.Cohorts[model.DefaultCohort])
	require.True(t, sv.AdFree.Probi.Equal(d("10e18")))

	_, err = store.UpsertSurveyorQuantum(ctx, model.SurveyorQuantum{
		SurveyorID: id, Counts: 4, Inputs: d("100"), Fee: d("5"), Quantum: d("23.75"),
	})
	require.NoError(t, err)
	sv, err = store.GetSurveyor(ctx, id)
	require.NoError(t, err)
	require.Equal(t, int64(4), *sv.Counts)
	require.True(t, sv.Quantum.Decimal.Equal(d("23.75")))

	require.NoError(t, store.PutVoteSlice(ctx, model.VoteSlice{SurveyorID: id, Publisher: "a.com", Counts: 3}))
	require.NoError(t, store.PutVoteSlice(ctx, model.VoteSlice{SurveyorID: id, Publisher: "b.com", Counts: 1, Cohort: "grant"}))
	require.NoError(t, store.PutVoteSlice(ctx, model.VoteSlice{SurveyorID: id, Publisher: "c.com", Counts: 9, Exclude: true}))

	counts, err := store.SumVoteCounts(ctx, id, nil)
	require.NoError(t, err)
	require.Equal(t, int64(4), counts[id])
	counts, err = store.SumVoteCounts(ctx, id, []string{model.DefaultCohort})
	require.NoError(t, err)
	require.Equal(t, int64(3), counts[id])

	require.NoError(t, store.UpdateVoteSlice(ctx, model.VoteSlice{
		SurveyorID: id, Publisher: "a.com", Altcurrency: "BAT",
		Probi: decimal.NewNullDecimal(d("71.25")), Fees: decimal.NewNullDecimal(d("3.75")),
	}))
	slices, err := store.GetVoteSlices(ctx, id, []string{model.DefaultCohort})
	require.NoError(t, err)
	require.Len(t, slices, 1)
	require.Equal(t, int64(3), slices[0].Counts)
	require.True(t, slices[0].Probi.Decimal.Equal(d("71.25")))

	_, err = store.GetSurveyor(ctx, uuid.NewString())
	require.ErrorIs(t, err, model.ErrNotFound)
}

func TestContributions(t *testing.T) {
	ctx := context.Background()
	store := testStore(t)
	sv := uuid.NewString()
	viewing := uuid.NewString()
	c := model.Contribution{ViewingID: viewing, PaymentID: "p1", SurveyorID: sv, Altcurrency: "BAT",
		Probi: d("20e18"), Fee: d("1e18"), Votes: 10, Cohort: model.DefaultCohort}
	require.NoError(t, store.InsertContribution(ctx, c))
	require.ErrorIs(t, store.InsertContribution(ctx, c), model.ErrConflict)

	c.ViewingID = uuid.NewString()
	c.Votes = 2
	require.NoError(t, store.InsertContribution(ctx, c))

	sums, err := store.SumContributions(ctx, "BAT", sv, nil)
	require.NoError(t, err)
	require.Len(t, sums, 1)
	require.Equal(t, int64(12), sums[0].Votes)
	require.True(t, sums[0].Probi.Equal(d("40e18")))

	c.ViewingID = uuid.NewString()
	c.Cohort = "grant"
	c.Probi = d("5e18")
	c.Fee = decimal.Zero
	c.Votes = 1
	require.NoError(t, store.InsertContribution(ctx, c))
	sums, err = store.SumContributions(ctx, "BAT", sv, []string{"grant"})
	require.NoError(t, err)
	require.Len(t, sums, 1)
	require.Equal(t, int64(1), sums[0].Votes)
	require.True(t, sums[0].Probi.Equal(d("5e18")))
	sums, err = store.SumContributions(ctx, "BAT", sv, []string{model.DefaultCohort})
	require.NoError(t, err)
	require.Equal(t, int64(12), sums[0].Votes)

	require.NoError(t, store.InsertViewing(ctx, model.Viewing{ViewingID: viewing, UserID: "p1", SurveyorID: sv,
		SurveyorIDs: []string{"x", "y"}, Altcurrency: "BAT", Probi: d("20e18"), Count: 2}))
	v, err := store.GetViewing(ctx, viewing)
	require.NoError(t, err)
	require.Equal(t, []string{"x", "y"}, v.SurveyorIDs)
}

func TestWalletGrants(t *testing.T) {
	ctx := context.Background()
	store := testStore(t)
	paymentID := uuid.NewString()
	require.NoError(t, store.PutWallet(ctx, model.Wallet{
		PaymentID:   paymentID,
		Altcurrency: "BAT",
		Provider:    model.ProviderSignature,
		Addresses:   map[string]string{"BAT": "settlement"},
	}))
	require.NoError(t, store.UpdateWalletBalances(ctx, paymentID, model.Balances{Confirmed: d("25e18")}))
	require.NoError(t, store.SetUnsignedTx(ctx, paymentID, &model.UnsignedTx{
		RequestType: "httpSignature", Denomination: &model.Denomination{Amount: "20", Currency: "BAT"}}))

	promotion := uuid.NewString()
	first := model.WalletGrant{GrantID: uuid.NewString(), PromotionID: promotion, Token: "t1", Status: model.GrantStatusActive}
	second := model.WalletGrant{GrantID: uuid.NewString(), PromotionID: promotion, Token: "t2", Status: model.GrantStatusActive}

	// only one grant of a promotion sticks, however many race for it
	var wg sync.WaitGroup
	results := make([]bool, 2)
	for i, g := range []model.WalletGrant{first, second} {
		wg.Add(1)
		go func(i int, g model.WalletGrant) {
			defer wg.Done()
			ok, err := store.AttachGrant(ctx, paymentID, g)
			require.NoError(t, err)
			results[i] = ok
		}(i, g)
	}
	wg.Wait()
	require.NotEqual(t, results[0], results[1])

	w, err := store.GetWallet(ctx, paymentID)
	require.NoError(t, err)
	require.Len(t, w.Grants, 1)
	require.True(t, w.Balances.Confirmed.Equal(d("25e18")))
	require.Equal(t, "20", w.UnsignedTx.Denomination.Amount)

	require.NoError(t, store.CompleteGrants(ctx, paymentID, []string{w.Grants[0].GrantID}))
	w, err = store.GetWallet(ctx, paymentID)
	require.NoError(t, err)
	require.Empty(t, w.ActiveGrants())

	n, err := store.AssignCohorts(ctx, "grant", []string{paymentID, uuid.NewString()})
	require.NoError(t, err)
	require.Equal(t, 1, n)

	_, err = store.AttachGrant(ctx, uuid.NewString(), first)
	require.ErrorIs(t, err, model.ErrNotFound)
}

func TestGrantPool(t *testing.T) {
	ctx := context.Background()
	store := testStore(t)
	promotion := uuid.NewString()
	var grants []model.Grant
	for i := 0; i < 10; i++ {
		grants = append(grants, model.Grant{GrantID: uuid.NewString(), Token: "t", PromotionID: promotion, Status: model.GrantStatusActive})
	}
	require.NoError(t, store.InsertGrants(ctx, grants))
	require.ErrorIs(t, store.InsertGrants(ctx, grants[:1]), model.ErrConflict)
	require.NoError(t, store.UpsertPromotion(ctx, model.Promotion{PromotionID: promotion, Active: true}, 10))

	var mu sync.Mutex
	popped := map[string]bool{}
	var wg sync.WaitGroup
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g, err := store.PopGrant(ctx, promotion)
			if err != nil {
				require.ErrorIs(t, err, model.ErrNotFound)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			require.False(t, popped[g.GrantID], "grant handed out twice")
			popped[g.GrantID] = true
		}()
	}
	wg.Wait()
	require.Len(t, popped, 10)

	require.NoError(t, store.ReturnGrant(ctx, grants[0]))
	n, err := store.CountGrants(ctx, promotion)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	require.NoError(t, store.DecrementPromotion(ctx, promotion))
	p, err := store.GetPromotion(ctx, promotion)
	require.NoError(t, err)
	require.Equal(t, int64(9), p.Count)
	require.ErrorIs(t, store.DecrementPromotion(ctx, uuid.NewString()), model.ErrNotFound)
}

func TestReferralLedger(t *testing.T) {
	ctx := context.Background()
	store := testStore(t)
	owner := uuid.NewString()
	publisher := uuid.NewString() + ".com"
	tx := uuid.NewString()
	finalized := time.Date(2018, 3, 22, 23, 26, 1, 0, time.UTC)

	ref := model.Referral{TransactionID: tx, DownloadID: uuid.NewString(), Publisher: publisher, Owner: owner,
		Platform: "android", Altcurrency: "BAT", Probi: d("20e18"), Finalized: finalized}
	require.NoError(t, store.InsertReferrals(ctx, []model.Referral{ref}))
	require.ErrorIs(t, store.InsertReferrals(ctx, []model.Referral{ref}), model.ErrConflict)

	found, err := store.FindReferrals(ctx, tx)
	require.NoError(t, err)
	require.Len(t, found, 1)
	require.True(t, found[0].Finalized.Equal(finalized))

	settlement := model.Settlement{SettlementID: uuid.NewString(), Publisher: publisher, Owner: owner, Altcurrency: "BAT",
		Probi: d("15e18"), Currency: "USD", Amount: d("3.75"), Type: model.SettlementTypeReferral}
	require.NoError(t, store.InsertSettlements(ctx, []model.Settlement{settlement}))
	require.NoError(t, store.InsertSettlements(ctx, []model.Settlement{settlement}))

	credits, err := store.SumReferrals(ctx, "BAT", owner)
	require.NoError(t, err)
	require.Len(t, credits, 1)
	require.True(t, credits[0].Probi.Equal(d("20e18")))

	paid, err := store.SumSettlements(ctx, model.SettlementTypeReferral, "BAT", owner)
	require.NoError(t, err)
	require.Len(t, paid, 1)
	require.True(t, paid[0].Probi.Equal(d("15e18")))

	require.NoError(t, store.PutPublisher(ctx, model.Publisher{Publisher: publisher, Owner: owner, Verified: true}))
	pubs, err := store.GetPublishers(ctx, []string{publisher, "unknown.com"})
	require.NoError(t, err)
	require.Len(t, pubs, 1)

	require.NoError(t, store.PutOwner(ctx, model.Owner{Owner: owner, Provider: model.ProviderCard,
		Parameters: map[string]string{"access_token": "t"}}))
	o, err := store.GetOwner(ctx, owner)
	require.NoError(t, err)
	require.Equal(t, model.ProviderCard, o.Provider)
	require.Equal(t, "t", o.Parameters["access_token"])
}
