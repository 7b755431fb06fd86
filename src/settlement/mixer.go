package settlement

import (
	"context"

	"github.com/onemorebsmith/probi-settlement/src/model"
	"github.com/onemorebsmith/probi-settlement/src/probi"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Mixer runs Quanta and then spreads each surveyor's quantum over its vote
// slices. publishers, when non-nil, restricts the totals to those publishers.
// Slice rows are only rewritten when their probi moved beyond the rounding
// tolerance.
func Mixer(ctx context.Context, store Store, altcurrency string, publishers []string, filter Filter, logger *zap.Logger) (model.PublisherTotals, error) {
	quanta, err := Quanta(ctx, store, altcurrency, filter, logger)
	if err != nil {
		return nil, err
	}

	var allow map[string]bool
	if publishers != nil {
		allow = make(map[string]bool, len(publishers))
		for _, p := range publishers {
			allow[p] = true
		}
	}

	totals := model.PublisherTotals{}
	for _, q := range quanta {
		if err := slicer(ctx, store, altcurrency, q, allow, filter, totals); err != nil {
			logger.Error("failed slicing surveyor", zap.String("surveyor", q.SurveyorID), zap.Error(err))
			surveyorErrors.Inc()
		}
	}
	return totals, nil
}

func slicer(ctx context.Context, store Store, altcurrency string, q model.SurveyorQuantum,
	allow map[string]bool, filter Filter, totals model.PublisherTotals) error {
	slices, err := store.GetVoteSlices(ctx, q.SurveyorID, filter.cohorts())
	if err != nil {
		return errors.Wrap(err, "failed fetching vote slices")
	}
	for _, slice := range slices {
		if slice.Counts <= 0 {
			continue
		}
		if allow != nil && !allow[slice.Publisher] {
			continue
		}
		payable, fees := probi.SplitFee(q.Quantum, slice.Counts)
		if !probi.SameWithin(slice.Probi, payable) {
			slice.Cohort = slice.CohortOrDefault()
			slice.Altcurrency = altcurrency
			slice.Probi = decimal.NewNullDecimal(payable)
			slice.Fees = decimal.NewNullDecimal(fees)
			if err := store.UpdateVoteSlice(ctx, slice); err != nil {
				return errors.Wrapf(err, "failed updating slice for publisher %s", slice.Publisher)
			}
			sliceWrites.Inc()
		}
		// slices of a drained surveyor are zeroed above but owed nothing
		if !payable.IsPositive() {
			continue
		}

		total, ok := totals[slice.Publisher]
		if !ok {
			total = &model.PublisherTotal{Altcurrency: altcurrency}
			totals[slice.Publisher] = total
		}
		total.Probi = total.Probi.Add(payable)
		total.Fees = total.Fees.Add(fees)
		total.Votes = append(total.Votes, model.PublisherVote{
			SurveyorID:  q.SurveyorID,
			Timestamp:   slice.Timestamp,
			Counts:      slice.Counts,
			Altcurrency: altcurrency,
			Probi:       payable,
			Fees:        fees,
			Cohort:      slice.CohortOrDefault(),
		})
	}
	return nil
}
