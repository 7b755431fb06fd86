package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/onemorebsmith/probi-settlement/src/model"
	"github.com/pkg/errors"
)

func (s *Store) PutSurveyor(ctx context.Context, sv model.Surveyor) error {
	now := time.Now().UTC()
	if sv.Created.IsZero() {
		sv.Created = now
	}
	if sv.Modified.IsZero() {
		sv.Modified = sv.Created
	}
	err := s.DoExec(ctx, `INSERT INTO surveyors (surveyor_id, surveyor_type, active, ad_free, cohorts,
			legacy_surveyor_ids, counts, inputs, fee, quantum, created, modified)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (surveyor_id) DO UPDATE SET surveyor_type = EXCLUDED.surveyor_type,
			active = EXCLUDED.active, ad_free = EXCLUDED.ad_free, cohorts = EXCLUDED.cohorts,
			legacy_surveyor_ids = EXCLUDED.legacy_surveyor_ids, modified = EXCLUDED.modified`,
		sv.SurveyorID, string(sv.SurveyorType), sv.Active, sv.AdFree, sv.Cohorts, sv.LegacySurveyorIDs,
		sv.Counts, nullNumeric(sv.Inputs), nullNumeric(sv.Fee), nullNumeric(sv.Quantum), sv.Created, sv.Modified)
	return errors.Wrapf(err, "failed to write surveyor %s", sv.SurveyorID)
}

func (s *Store) GetSurveyor(ctx context.Context, surveyorID string) (*model.Surveyor, error) {
	sv := &model.Surveyor{}
	var kind string
	var inputs, fee, quantum pgtype.Numeric
	err := s.DoQuery(ctx, func(conn *pgx.Conn) error {
		err := conn.QueryRow(ctx, `SELECT surveyor_id, surveyor_type::text, active, ad_free, cohorts,
				legacy_surveyor_ids, counts, inputs, fee, quantum, created, modified
			FROM surveyors WHERE surveyor_id = $1`, surveyorID).
			Scan(&sv.SurveyorID, &kind, &sv.Active, &sv.AdFree, &sv.Cohorts, &sv.LegacySurveyorIDs,
				&sv.Counts, &inputs, &fee, &quantum, &sv.Created, &sv.Modified)
		if errors.Is(err, pgx.ErrNoRows) {
			return errors.Wrapf(model.ErrNotFound, "surveyor %s", surveyorID)
		}
		if err != nil {
			return errors.Wrapf(err, "failed to fetch surveyor %s", surveyorID)
		}
		sv.SurveyorType = model.SurveyorType(kind)
		sv.Inputs = fromNullNumeric(inputs)
		sv.Fee = fromNullNumeric(fee)
		sv.Quantum = fromNullNumeric(quantum)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sv, nil
}

// UpsertSurveyorQuantum writes the aggregator's fields only, creating the row
// when the surveyor has never been seen
func (s *Store) UpsertSurveyorQuantum(ctx context.Context, q model.SurveyorQuantum) (time.Time, error) {
	var modified time.Time
	err := s.DoQuery(ctx, func(conn *pgx.Conn) error {
		now := time.Now().UTC()
		err := conn.QueryRow(ctx, `INSERT INTO surveyors (surveyor_id, surveyor_type, counts, inputs, fee, quantum, created, modified)
			VALUES ($1, 'contribution', $2, $3, $4, $5, $6, $6)
			ON CONFLICT (surveyor_id) DO UPDATE SET counts = EXCLUDED.counts, inputs = EXCLUDED.inputs,
				fee = EXCLUDED.fee, quantum = EXCLUDED.quantum, modified = EXCLUDED.modified
			RETURNING modified`,
			q.SurveyorID, q.Counts, numeric(q.Inputs), numeric(q.Fee), numeric(q.Quantum), now).Scan(&modified)
		return errors.Wrapf(err, "failed to write quantum for surveyor %s", q.SurveyorID)
	})
	return modified, err
}

func (s *Store) InsertContribution(ctx context.Context, c model.Contribution) error {
	if c.Created.IsZero() {
		c.Created = time.Now().UTC()
	}
	err := s.DoExec(ctx, `INSERT INTO contributions (viewing_id, payment_id, surveyor_id, altcurrency,
			probi, fee, votes, cohort, created)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		c.ViewingID, c.PaymentID, c.SurveyorID, c.Altcurrency, numeric(c.Probi), numeric(c.Fee), c.Votes, c.Cohort, c.Created)
	if isUniqueViolation(err) {
		return errors.Wrapf(model.ErrConflict, "contribution for viewing %s", c.ViewingID)
	}
	return errors.Wrapf(err, "failed to record contribution for viewing %s", c.ViewingID)
}

// SumContributions groups funded contributions by surveyor. An empty
// surveyorID sums every surveyor, nil cohorts sums every cohort.
func (s *Store) SumContributions(ctx context.Context, altcurrency, surveyorID string, cohorts []string) ([]model.ContributionSum, error) {
	var sums []model.ContributionSum
	err := s.DoQuery(ctx, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, `SELECT surveyor_id, SUM(probi), SUM(fee), SUM(votes)::bigint
			FROM contributions
			WHERE altcurrency = $1 AND probi > 0 AND votes > 0 AND ($2 = '' OR surveyor_id = $2)
				AND ($3::text[] IS NULL OR COALESCE(NULLIF(cohort, ''), 'control') = ANY($3))
			GROUP BY surveyor_id ORDER BY MIN(created), surveyor_id`, altcurrency, surveyorID, cohorts)
		if err != nil {
			return errors.Wrap(err, "failed to sum contributions")
		}
		defer rows.Close()
		for rows.Next() {
			var sum model.ContributionSum
			var probi, fee pgtype.Numeric
			if err := rows.Scan(&sum.SurveyorID, &probi, &fee, &sum.Votes); err != nil {
				return errors.Wrap(err, "failed unmarshalling contribution sum")
			}
			sum.Probi = fromNumeric(probi)
			sum.Fee = fromNumeric(fee)
			sums = append(sums, sum)
		}
		return rows.Err()
	})
	return sums, err
}

func (s *Store) InsertViewing(ctx context.Context, v model.Viewing) error {
	err := s.DoExec(ctx, `INSERT INTO viewings (viewing_id, user_id, surveyor_id, surveyor_ids, altcurrency, probi, count)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (viewing_id) DO UPDATE SET surveyor_ids = EXCLUDED.surveyor_ids, probi = EXCLUDED.probi,
			count = EXCLUDED.count`,
		v.ViewingID, v.UserID, v.SurveyorID, v.SurveyorIDs, v.Altcurrency, numeric(v.Probi), v.Count)
	return errors.Wrapf(err, "failed to write viewing %s", v.ViewingID)
}

func (s *Store) GetViewing(ctx context.Context, viewingID string) (*model.Viewing, error) {
	v := &model.Viewing{}
	err := s.DoQuery(ctx, func(conn *pgx.Conn) error {
		var probi pgtype.Numeric
		err := conn.QueryRow(ctx, `SELECT viewing_id, user_id, surveyor_id, surveyor_ids, altcurrency, probi, count
			FROM viewings WHERE viewing_id = $1`, viewingID).
			Scan(&v.ViewingID, &v.UserID, &v.SurveyorID, &v.SurveyorIDs, &v.Altcurrency, &probi, &v.Count)
		if errors.Is(err, pgx.ErrNoRows) {
			return errors.Wrapf(model.ErrNotFound, "viewing %s", viewingID)
		}
		if err != nil {
			return errors.Wrapf(err, "failed to fetch viewing %s", viewingID)
		}
		v.Probi = fromNumeric(probi)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return v, nil
}

// vote slices

func (s *Store) PutVoteSlice(ctx context.Context, slice model.VoteSlice) error {
	if slice.Timestamp.IsZero() {
		slice.Timestamp = time.Now().UTC()
	}
	err := s.DoExec(ctx, `INSERT INTO votes (surveyor_id, publisher, cohort, counts, altcurrency, probi, fees, exclude, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (surveyor_id, publisher, cohort) DO UPDATE SET counts = EXCLUDED.counts,
			exclude = EXCLUDED.exclude, timestamp = EXCLUDED.timestamp`,
		slice.SurveyorID, slice.Publisher, slice.CohortOrDefault(), slice.Counts, slice.Altcurrency,
		nullNumeric(slice.Probi), nullNumeric(slice.Fees), slice.Exclude, slice.Timestamp)
	return errors.Wrapf(err, "failed to write votes for %s on %s", slice.Publisher, slice.SurveyorID)
}

// SumVoteCounts totals non-excluded votes per surveyor. A nil cohorts
// applies no cohort filter.
func (s *Store) SumVoteCounts(ctx context.Context, surveyorID string, cohorts []string) (map[string]int64, error) {
	counts := map[string]int64{}
	return counts, s.DoQuery(ctx, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, `SELECT surveyor_id, SUM(counts)::bigint FROM votes
			WHERE NOT exclude AND counts > 0 AND ($1 = '' OR surveyor_id = $1)
				AND ($2::text[] IS NULL OR cohort = ANY($2))
			GROUP BY surveyor_id`, surveyorID, cohorts)
		if err != nil {
			return errors.Wrap(err, "failed to sum votes")
		}
		defer rows.Close()
		for rows.Next() {
			var id string
			var n int64
			if err := rows.Scan(&id, &n); err != nil {
				return errors.Wrap(err, "failed unmarshalling vote count")
			}
			counts[id] = n
		}
		return rows.Err()
	})
}

func (s *Store) GetVoteSlices(ctx context.Context, surveyorID string, cohorts []string) ([]model.VoteSlice, error) {
	var slices []model.VoteSlice
	err := s.DoQuery(ctx, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, `SELECT surveyor_id, publisher, cohort, counts, altcurrency, probi, fees, exclude, timestamp
			FROM votes
			WHERE surveyor_id = $1 AND NOT exclude AND ($2::text[] IS NULL OR cohort = ANY($2))
			ORDER BY timestamp, publisher, cohort`, surveyorID, cohorts)
		if err != nil {
			return errors.Wrapf(err, "failed to fetch votes for %s", surveyorID)
		}
		defer rows.Close()
		for rows.Next() {
			var slice model.VoteSlice
			var probi, fees pgtype.Numeric
			if err := rows.Scan(&slice.SurveyorID, &slice.Publisher, &slice.Cohort, &slice.Counts,
				&slice.Altcurrency, &probi, &fees, &slice.Exclude, &slice.Timestamp); err != nil {
				return errors.Wrap(err, "failed unmarshalling vote slice")
			}
			slice.Probi = fromNullNumeric(probi)
			slice.Fees = fromNullNumeric(fees)
			slices = append(slices, slice)
		}
		return rows.Err()
	})
	return slices, err
}

// UpdateVoteSlice writes the mixer's fields, leaving counts alone on an existing slice
func (s *Store) UpdateVoteSlice(ctx context.Context, slice model.VoteSlice) error {
	err := s.DoExec(ctx, `INSERT INTO votes (surveyor_id, publisher, cohort, counts, altcurrency, probi, fees, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (surveyor_id, publisher, cohort) DO UPDATE SET altcurrency = EXCLUDED.altcurrency,
			probi = EXCLUDED.probi, fees = EXCLUDED.fees, timestamp = EXCLUDED.timestamp`,
		slice.SurveyorID, slice.Publisher, slice.CohortOrDefault(), slice.Counts, slice.Altcurrency,
		nullNumeric(slice.Probi), nullNumeric(slice.Fees), time.Now().UTC())
	return errors.Wrapf(err, "failed to update votes for %s on %s", slice.Publisher, slice.SurveyorID)
}
