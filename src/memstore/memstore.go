// Package memstore is an in-process ledger used by tests and mock mode. A
// single mutex stands in for the row level atomicity postgres provides.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/onemorebsmith/probi-settlement/src/model"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

type sliceKey struct {
	surveyorID, publisher, cohort string
}

type Store struct {
	mu sync.Mutex

	surveyors     map[string]*model.Surveyor
	contributions []model.Contribution
	viewings      map[string]model.Viewing
	slices        map[sliceKey]*model.VoteSlice
	sliceOrder    []sliceKey
	wallets       map[string]*model.Wallet
	grants        []model.Grant
	promotions    map[string]*model.Promotion
	referrals     []model.Referral
	settlements   []model.Settlement
	publishers    map[string]model.Publisher
	owners        map[string]*model.Owner

	writes int
	now    func() time.Time
}

func New() *Store {
	return &Store{
		surveyors:  map[string]*model.Surveyor{},
		viewings:   map[string]model.Viewing{},
		slices:     map[sliceKey]*model.VoteSlice{},
		wallets:    map[string]*model.Wallet{},
		promotions: map[string]*model.Promotion{},
		publishers: map[string]model.Publisher{},
		owners:     map[string]*model.Owner{},
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Writes counts surveyor and vote slice mutations made by the aggregator
func (s *Store) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

func (s *Store) Ping(ctx context.Context) error {
	return nil
}

func cohortMatch(cohort string, cohorts []string) bool {
	if cohorts == nil {
		return true
	}
	if cohort == "" {
		cohort = model.DefaultCohort
	}
	for _, c := range cohorts {
		if c == cohort {
			return true
		}
	}
	return false
}

// surveyors

func (s *Store) PutSurveyor(ctx context.Context, surveyor model.Surveyor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if surveyor.Created.IsZero() {
		surveyor.Created = s.now()
	}
	if surveyor.Modified.IsZero() {
		surveyor.Modified = surveyor.Created
	}
	s.surveyors[surveyor.SurveyorID] = &surveyor
	return nil
}

func (s *Store) GetSurveyor(ctx context.Context, surveyorID string) (*model.Surveyor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sv, ok := s.surveyors[surveyorID]
	if !ok {
		return nil, errors.Wrapf(model.ErrNotFound, "surveyor %s", surveyorID)
	}
	cp := *sv
	if sv.Counts != nil {
		counts := *sv.Counts
		cp.Counts = &counts
	}
	return &cp, nil
}

func (s *Store) UpsertSurveyorQuantum(ctx context.Context, q model.SurveyorQuantum) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes++
	now := s.now()
	sv, ok := s.surveyors[q.SurveyorID]
	if !ok {
		sv = &model.Surveyor{SurveyorID: q.SurveyorID, Created: now}
		s.surveyors[q.SurveyorID] = sv
	}
	counts := q.Counts
	sv.Counts = &counts
	sv.Inputs = decimal.NewNullDecimal(q.Inputs)
	sv.Fee = decimal.NewNullDecimal(q.Fee)
	sv.Quantum = decimal.NewNullDecimal(q.Quantum)
	sv.Modified = now
	return now, nil
}

// contributions

func (s *Store) InsertContribution(ctx context.Context, c model.Contribution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.contributions {
		if existing.ViewingID == c.ViewingID {
			return errors.Wrapf(model.ErrConflict, "contribution for viewing %s", c.ViewingID)
		}
	}
	if c.Created.IsZero() {
		c.Created = s.now()
	}
	s.contributions = append(s.contributions, c)
	return nil
}

func (s *Store) SumContributions(ctx context.Context, altcurrency, surveyorID string, cohorts []string) ([]model.ContributionSum, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sums := map[string]*model.ContributionSum{}
	var order []string
	for _, c := range s.contributions {
		if c.Altcurrency != altcurrency || !c.Probi.IsPositive() || c.Votes <= 0 || !cohortMatch(c.Cohort, cohorts) {
			continue
		}
		if surveyorID != "" && c.SurveyorID != surveyorID {
			continue
		}
		sum, ok := sums[c.SurveyorID]
		if !ok {
			sum = &model.ContributionSum{SurveyorID: c.SurveyorID}
			sums[c.SurveyorID] = sum
			order = append(order, c.SurveyorID)
		}
		sum.Probi = sum.Probi.Add(c.Probi)
		sum.Fee = sum.Fee.Add(c.Fee)
		sum.Votes += c.Votes
	}
	out := make([]model.ContributionSum, 0, len(order))
	for _, id := range order {
		out = append(out, *sums[id])
	}
	return out, nil
}

func (s *Store) InsertViewing(ctx context.Context, v model.Viewing) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.viewings[v.ViewingID] = v
	return nil
}

func (s *Store) GetViewing(ctx context.Context, viewingID string) (*model.Viewing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.viewings[viewingID]
	if !ok {
		return nil, errors.Wrapf(model.ErrNotFound, "viewing %s", viewingID)
	}
	return &v, nil
}

// vote slices

func (s *Store) PutVoteSlice(ctx context.Context, slice model.VoteSlice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	slice.Cohort = slice.CohortOrDefault()
	key := sliceKey{slice.SurveyorID, slice.Publisher, slice.Cohort}
	if _, ok := s.slices[key]; !ok {
		s.sliceOrder = append(s.sliceOrder, key)
	}
	if slice.Timestamp.IsZero() {
		slice.Timestamp = s.now()
	}
	s.slices[key] = &slice
	return nil
}

func (s *Store) SumVoteCounts(ctx context.Context, surveyorID string, cohorts []string) (map[string]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[string]int64{}
	for _, key := range s.sliceOrder {
		slice := s.slices[key]
		if slice.Exclude || slice.Counts <= 0 || !cohortMatch(slice.Cohort, cohorts) {
			continue
		}
		if surveyorID != "" && slice.SurveyorID != surveyorID {
			continue
		}
		out[slice.SurveyorID] += slice.Counts
	}
	return out, nil
}

func (s *Store) GetVoteSlices(ctx context.Context, surveyorID string, cohorts []string) ([]model.VoteSlice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.VoteSlice
	for _, key := range s.sliceOrder {
		slice := s.slices[key]
		if slice.SurveyorID != surveyorID || slice.Exclude || !cohortMatch(slice.Cohort, cohorts) {
			continue
		}
		out = append(out, *slice)
	}
	return out, nil
}

func (s *Store) UpdateVoteSlice(ctx context.Context, slice model.VoteSlice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes++
	key := sliceKey{slice.SurveyorID, slice.Publisher, slice.CohortOrDefault()}
	existing, ok := s.slices[key]
	if !ok {
		slice.Cohort = key.cohort
		slice.Timestamp = s.now()
		s.slices[key] = &slice
		s.sliceOrder = append(s.sliceOrder, key)
		return nil
	}
	existing.Altcurrency = slice.Altcurrency
	existing.Probi = slice.Probi
	existing.Fees = slice.Fees
	existing.Timestamp = s.now()
	return nil
}

// wallets

func copyWallet(w *model.Wallet) *model.Wallet {
	cp := *w
	cp.Grants = append([]model.WalletGrant(nil), w.Grants...)
	cp.Addresses = map[string]string{}
	for k, v := range w.Addresses {
		cp.Addresses[k] = v
	}
	cp.Parameters = map[string]string{}
	for k, v := range w.Parameters {
		cp.Parameters[k] = v
	}
	if w.Balances != nil {
		b := *w.Balances
		cp.Balances = &b
	}
	if w.UnsignedTx != nil {
		tx := *w.UnsignedTx
		cp.UnsignedTx = &tx
	}
	return &cp
}

func (s *Store) PutWallet(ctx context.Context, w model.Wallet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wallets[w.PaymentID] = copyWallet(&w)
	return nil
}

func (s *Store) GetWallet(ctx context.Context, paymentID string) (*model.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.wallets[paymentID]
	if !ok {
		return nil, errors.Wrapf(model.ErrNotFound, "wallet %s", paymentID)
	}
	return copyWallet(w), nil
}

func (s *Store) withWallet(paymentID string, fn func(w *model.Wallet)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.wallets[paymentID]
	if !ok {
		return errors.Wrapf(model.ErrNotFound, "wallet %s", paymentID)
	}
	fn(w)
	return nil
}

func (s *Store) UpdateWalletBalances(ctx context.Context, paymentID string, balances model.Balances) error {
	return s.withWallet(paymentID, func(w *model.Wallet) { w.Balances = &balances })
}

func (s *Store) SetUnsignedTx(ctx context.Context, paymentID string, tx *model.UnsignedTx) error {
	return s.withWallet(paymentID, func(w *model.Wallet) { w.UnsignedTx = tx })
}

func (s *Store) SetPaymentStamp(ctx context.Context, paymentID string, stamp int64) error {
	return s.withWallet(paymentID, func(w *model.Wallet) { w.PaymentStamp = stamp })
}

func (s *Store) SetWalletCohort(ctx context.Context, paymentID string, cohort string) error {
	return s.withWallet(paymentID, func(w *model.Wallet) { w.Cohort = cohort })
}

func (s *Store) AttachGrant(ctx context.Context, paymentID string, grant model.WalletGrant) (bool, error) {
	attached := false
	err := s.withWallet(paymentID, func(w *model.Wallet) {
		if w.HasPromotion(grant.PromotionID) {
			return
		}
		w.Grants = append(w.Grants, grant)
		attached = true
	})
	return attached, err
}

func (s *Store) CompleteGrants(ctx context.Context, paymentID string, grantIDs []string) error {
	done := map[string]bool{}
	for _, id := range grantIDs {
		done[id] = true
	}
	return s.withWallet(paymentID, func(w *model.Wallet) {
		for i := range w.Grants {
			if done[w.Grants[i].GrantID] {
				w.Grants[i].Status = model.GrantStatusCompleted
			}
		}
	})
}

func (s *Store) AssignCohorts(ctx context.Context, cohort string, paymentIDs []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, id := range paymentIDs {
		if w, ok := s.wallets[id]; ok {
			w.Cohort = cohort
			n++
		}
	}
	return n, nil
}

// grants and promotions

func (s *Store) InsertGrants(ctx context.Context, grants []model.Grant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := map[string]bool{}
	for _, g := range s.grants {
		seen[g.GrantID] = true
	}
	for _, g := range grants {
		if seen[g.GrantID] {
			return errors.Wrapf(model.ErrConflict, "grant %s", g.GrantID)
		}
	}
	s.grants = append(s.grants, grants...)
	return nil
}

func (s *Store) PopGrant(ctx context.Context, promotionID string) (*model.Grant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, g := range s.grants {
		if g.PromotionID == promotionID && g.Status == model.GrantStatusActive {
			s.grants = append(s.grants[:i], s.grants[i+1:]...)
			return &g, nil
		}
	}
	return nil, errors.Wrapf(model.ErrNotFound, "no active grant for promotion %s", promotionID)
}

func (s *Store) ReturnGrant(ctx context.Context, grant model.Grant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.grants = append(s.grants, grant)
	return nil
}

func (s *Store) CountGrants(ctx context.Context, promotionID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := int64(0)
	for _, g := range s.grants {
		if g.PromotionID == promotionID && g.Status == model.GrantStatusActive {
			n++
		}
	}
	return n, nil
}

func (s *Store) GetPromotion(ctx context.Context, promotionID string) (*model.Promotion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.promotions[promotionID]
	if !ok {
		return nil, errors.Wrapf(model.ErrNotFound, "promotion %s", promotionID)
	}
	cp := *p
	return &cp, nil
}

func (s *Store) ListPromotions(ctx context.Context) ([]model.Promotion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Promotion, 0, len(s.promotions))
	for _, p := range s.promotions {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].PromotionID < out[j].PromotionID
	})
	return out, nil
}

func (s *Store) UpsertPromotion(ctx context.Context, promo model.Promotion, added int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.promotions[promo.PromotionID]
	if !ok {
		promo.Count = added
		promo.Timestamp = s.now()
		s.promotions[promo.PromotionID] = &promo
		return nil
	}
	existing.Priority = promo.Priority
	existing.Active = promo.Active
	existing.BatchID = promo.BatchID
	existing.Count += added
	existing.Timestamp = s.now()
	return nil
}

func (s *Store) DecrementPromotion(ctx context.Context, promotionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.promotions[promotionID]
	if !ok {
		return errors.Wrapf(model.ErrNotFound, "promotion %s", promotionID)
	}
	p.Count--
	return nil
}

// referrals and settlements

func (s *Store) InsertReferrals(ctx context.Context, refs []model.Referral) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.referrals {
		for _, r := range refs {
			if existing.TransactionID == r.TransactionID {
				return errors.Wrapf(model.ErrConflict, "referral transaction %s", r.TransactionID)
			}
			if existing.DownloadID == r.DownloadID {
				return errors.Wrapf(model.ErrConflict, "referral download %s", r.DownloadID)
			}
		}
	}
	s.referrals = append(s.referrals, refs...)
	return nil
}

func (s *Store) FindReferrals(ctx context.Context, transactionID string) ([]model.Referral, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Referral
	for _, r := range s.referrals {
		if r.TransactionID == transactionID {
			out = append(out, r)
		}
	}
	return out, nil
}

// SumReferrals groups positive, non-excluded referral credits by publisher.
// An empty owner sums every owner.
func (s *Store) SumReferrals(ctx context.Context, altcurrency, owner string) ([]model.ReferralSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sums := map[string]*model.ReferralSummary{}
	var order []string
	for _, r := range s.referrals {
		if r.Exclude || r.Altcurrency != altcurrency || !r.Probi.IsPositive() {
			continue
		}
		if owner != "" && r.Owner != owner {
			continue
		}
		sum, ok := sums[r.Publisher]
		if !ok {
			sum = &model.ReferralSummary{Publisher: r.Publisher, Altcurrency: r.Altcurrency}
			sums[r.Publisher] = sum
			order = append(order, r.Publisher)
		}
		sum.Probi = sum.Probi.Add(r.Probi)
	}
	out := make([]model.ReferralSummary, 0, len(order))
	for _, p := range order {
		out = append(out, *sums[p])
	}
	return out, nil
}

func (s *Store) InsertSettlements(ctx context.Context, settlements []model.Settlement) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range settlements {
		if st.Created.IsZero() {
			st.Created = s.now()
		}
		s.settlements = append(s.settlements, st)
	}
	return nil
}

// SumSettlements groups positive settlements of one kind by (publisher, currency)
func (s *Store) SumSettlements(ctx context.Context, kind model.SettlementType, altcurrency, owner string) ([]model.SettlementSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	type key struct{ publisher, currency string }
	sums := map[key]*model.SettlementSummary{}
	var order []key
	for _, st := range s.settlements {
		if st.Type != kind || st.Altcurrency != altcurrency || !st.Probi.IsPositive() {
			continue
		}
		if owner != "" && st.Owner != owner {
			continue
		}
		k := key{st.Publisher, st.Currency}
		sum, ok := sums[k]
		if !ok {
			sum = &model.SettlementSummary{Publisher: st.Publisher, Currency: st.Currency}
			sums[k] = sum
			order = append(order, k)
		}
		sum.Amount = sum.Amount.Add(st.Amount)
		sum.Probi = sum.Probi.Add(st.Probi)
		sum.Fees = sum.Fees.Add(st.Fees)
		sum.Commission = sum.Commission.Add(st.Commission)
	}
	out := make([]model.SettlementSummary, 0, len(order))
	for _, k := range order {
		out = append(out, *sums[k])
	}
	return out, nil
}

func (s *Store) PutPublisher(ctx context.Context, p model.Publisher) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.publishers[p.Publisher] = p
	return nil
}

func (s *Store) GetPublishers(ctx context.Context, publishers []string) ([]model.Publisher, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Publisher
	for _, id := range publishers {
		if p, ok := s.publishers[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *Store) PutOwner(ctx context.Context, o model.Owner) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.owners[o.Owner] = &o
	return nil
}

func (s *Store) GetOwner(ctx context.Context, owner string) (*model.Owner, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.owners[owner]
	if !ok {
		return nil, errors.Wrapf(model.ErrNotFound, "owner %s", owner)
	}
	cp := *o
	return &cp, nil
}
