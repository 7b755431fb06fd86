package settlement

import (
	"context"
	"time"

	"github.com/onemorebsmith/probi-settlement/src/model"
	"github.com/onemorebsmith/probi-settlement/src/probi"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type Store interface {
	SumContributions(ctx context.Context, altcurrency, surveyorID string, cohorts []string) ([]model.ContributionSum, error)
	SumVoteCounts(ctx context.Context, surveyorID string, cohorts []string) (map[string]int64, error)
	GetSurveyor(ctx context.Context, surveyorID string) (*model.Surveyor, error)
	UpsertSurveyorQuantum(ctx context.Context, q model.SurveyorQuantum) (time.Time, error)
	GetVoteSlices(ctx context.Context, surveyorID string, cohorts []string) ([]model.VoteSlice, error)
	UpdateVoteSlice(ctx context.Context, slice model.VoteSlice) error
}

// Filter narrows an aggregation pass. A nil Cohorts applies no cohort filter,
// an empty non-nil Cohorts selects only the control cohort.
type Filter struct {
	SurveyorID string
	Cohorts    []string
}

func (f Filter) cohorts() []string {
	if f.Cohorts != nil && len(f.Cohorts) == 0 {
		return []string{model.DefaultCohort}
	}
	return f.Cohorts
}

// Quanta recomputes the probi-per-vote quantum of every surveyor with funded
// contributions and persists the surveyor row when the result moved. The
// cohort filter narrows contributions and votes alike.
func Quanta(ctx context.Context, store Store, altcurrency string, filter Filter, logger *zap.Logger) ([]model.SurveyorQuantum, error) {
	sums, err := store.SumContributions(ctx, altcurrency, filter.SurveyorID, filter.cohorts())
	if err != nil {
		return nil, errors.Wrap(err, "failed summing contributions")
	}
	counts, err := store.SumVoteCounts(ctx, filter.SurveyorID, filter.cohorts())
	if err != nil {
		return nil, errors.Wrap(err, "failed summing vote counts")
	}

	results := make([]model.SurveyorQuantum, 0, len(sums))
	for _, sum := range sums {
		inputs := sum.Probi.Sub(sum.Fee)
		quantum := model.SurveyorQuantum{
			SurveyorID: sum.SurveyorID,
			Probi:      sum.Probi,
			Fee:        sum.Fee,
			Inputs:     inputs,
			Votes:      sum.Votes,
			Quantum:    probi.Quantum(inputs, sum.Votes),
			Counts:     counts[sum.SurveyorID],
		}
		if err := dice(ctx, store, &quantum, logger); err != nil {
			if errors.Is(err, model.ErrNotFound) {
				logger.Warn("missing surveyor, skipping", zap.String("surveyor", sum.SurveyorID))
			} else {
				logger.Error("failed updating surveyor quantum", zap.String("surveyor", sum.SurveyorID), zap.Error(err))
			}
			surveyorErrors.Inc()
			continue
		}
		results = append(results, quantum)
	}
	return results, nil
}

// dice merges the stored surveyor row into q and writes q back only when
// counts, inputs, fee or quantum changed
func dice(ctx context.Context, store Store, q *model.SurveyorQuantum, logger *zap.Logger) error {
	surveyor, err := store.GetSurveyor(ctx, q.SurveyorID)
	if err != nil {
		return err
	}
	q.Created = surveyor.Created
	q.Modified = surveyor.Modified

	update := false
	if surveyor.Counts == nil {
		logger.Warn("surveyor missing counts", zap.String("surveyor", q.SurveyorID))
		missingFields.WithLabelValues("counts").Inc()
		update = true
	} else if *surveyor.Counts != q.Counts {
		update = true
	}
	for _, f := range []struct {
		stored  decimal.NullDecimal
		current decimal.Decimal
	}{
		{surveyor.Inputs, q.Inputs},
		{surveyor.Fee, q.Fee},
		{surveyor.Quantum, q.Quantum},
	} {
		if !f.stored.Valid || !probi.TruncEqual(f.stored.Decimal, f.current) {
			update = true
		}
	}
	if !update {
		return nil
	}

	modified, err := store.UpsertSurveyorQuantum(ctx, *q)
	if err != nil {
		return errors.Wrapf(err, "failed writing surveyor %s", q.SurveyorID)
	}
	q.Modified = modified
	surveyorWrites.Inc()
	return nil
}
