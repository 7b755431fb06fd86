package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/onemorebsmith/probi-settlement/src/model"
	"github.com/pkg/errors"
)

// InsertReferrals copies a referral batch in one statement. Any repeated
// download id aborts the whole copy.
func (s *Store) InsertReferrals(ctx context.Context, refs []model.Referral) error {
	return s.DoQuery(ctx, func(conn *pgx.Conn) error {
		rows := make([][]any, 0, len(refs))
		for _, r := range refs {
			rows = append(rows, []any{
				r.DownloadID, r.TransactionID, r.Publisher, r.Owner, r.Platform,
				r.Altcurrency, numeric(r.Probi), r.Finalized.UTC(), r.Exclude,
			})
		}
		_, err := conn.CopyFrom(ctx, pgx.Identifier{"referrals"},
			[]string{"download_id", "transaction_id", "publisher", "owner", "platform", "altcurrency", "probi", "finalized", "exclude"},
			pgx.CopyFromRows(rows))
		if isUniqueViolation(err) {
			return errors.Wrap(model.ErrConflict, "referral download already recorded")
		}
		return errors.Wrap(err, "failed to write referrals")
	})
}

func (s *Store) FindReferrals(ctx context.Context, transactionID string) ([]model.Referral, error) {
	var refs []model.Referral
	err := s.DoQuery(ctx, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, `SELECT download_id, transaction_id, publisher, owner, platform, altcurrency,
				probi, finalized, exclude
			FROM referrals WHERE transaction_id = $1 ORDER BY finalized, download_id`, transactionID)
		if err != nil {
			return errors.Wrapf(err, "failed to fetch referrals of %s", transactionID)
		}
		defer rows.Close()
		for rows.Next() {
			var r model.Referral
			var probi pgtype.Numeric
			if err := rows.Scan(&r.DownloadID, &r.TransactionID, &r.Publisher, &r.Owner, &r.Platform,
				&r.Altcurrency, &probi, &r.Finalized, &r.Exclude); err != nil {
				return errors.Wrap(err, "failed unmarshalling referral")
			}
			r.Probi = fromNumeric(probi)
			refs = append(refs, r)
		}
		return rows.Err()
	})
	return refs, err
}

// SumReferrals groups positive, non-excluded credits by publisher. An empty
// owner sums every owner.
func (s *Store) SumReferrals(ctx context.Context, altcurrency, owner string) ([]model.ReferralSummary, error) {
	var sums []model.ReferralSummary
	err := s.DoQuery(ctx, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, `SELECT publisher, SUM(probi) FROM referrals
			WHERE NOT exclude AND altcurrency = $1 AND probi > 0 AND ($2 = '' OR owner = $2)
			GROUP BY publisher ORDER BY publisher`, altcurrency, owner)
		if err != nil {
			return errors.Wrap(err, "failed to sum referrals")
		}
		defer rows.Close()
		for rows.Next() {
			sum := model.ReferralSummary{Altcurrency: altcurrency}
			var probi pgtype.Numeric
			if err := rows.Scan(&sum.Publisher, &probi); err != nil {
				return errors.Wrap(err, "failed unmarshalling referral sum")
			}
			sum.Probi = fromNumeric(probi)
			sums = append(sums, sum)
		}
		return rows.Err()
	})
	return sums, err
}

// InsertSettlements records a payout batch. Replaying a batch is a no-op.
func (s *Store) InsertSettlements(ctx context.Context, settlements []model.Settlement) error {
	return s.DoTx(ctx, func(tx pgx.Tx) error {
		now := time.Now().UTC()
		batch := &pgx.Batch{}
		for _, st := range settlements {
			created := st.Created
			if created.IsZero() {
				created = now
			}
			batch.Queue(`INSERT INTO settlements (settlement_id, hash, publisher, owner, altcurrency, probi,
					currency, amount, fees, commission, type, address, created)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
				ON CONFLICT (settlement_id, publisher) DO NOTHING`,
				st.SettlementID, st.Hash, st.Publisher, st.Owner, st.Altcurrency, numeric(st.Probi),
				st.Currency, numeric(st.Amount), numeric(st.Fees), numeric(st.Commission), string(st.Type), st.Address, created)
		}
		return errors.Wrap(tx.SendBatch(ctx, batch).Close(), "failed to write settlements")
	})
}

// SumSettlements groups positive settlements of one kind by (publisher, currency)
func (s *Store) SumSettlements(ctx context.Context, kind model.SettlementType, altcurrency, owner string) ([]model.SettlementSummary, error) {
	var sums []model.SettlementSummary
	err := s.DoQuery(ctx, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, `SELECT publisher, currency, SUM(amount), SUM(probi), SUM(fees), SUM(commission)
			FROM settlements
			WHERE type = $1 AND altcurrency = $2 AND probi > 0 AND ($3 = '' OR owner = $3)
			GROUP BY publisher, currency ORDER BY publisher, currency`, string(kind), altcurrency, owner)
		if err != nil {
			return errors.Wrap(err, "failed to sum settlements")
		}
		defer rows.Close()
		for rows.Next() {
			var sum model.SettlementSummary
			var amount, probi, fees, commission pgtype.Numeric
			if err := rows.Scan(&sum.Publisher, &sum.Currency, &amount, &probi, &fees, &commission); err != nil {
				return errors.Wrap(err, "failed unmarshalling settlement sum")
			}
			sum.Amount = fromNumeric(amount)
			sum.Probi = fromNumeric(probi)
			sum.Fees = fromNumeric(fees)
			sum.Commission = fromNumeric(commission)
			sums = append(sums, sum)
		}
		return rows.Err()
	})
	return sums, err
}

func (s *Store) PutPublisher(ctx context.Context, p model.Publisher) error {
	err := s.DoExec(ctx, `INSERT INTO publishers (publisher, owner, authorized, verified) VALUES ($1, $2, $3, $4)
		ON CONFLICT (publisher) DO UPDATE SET owner = EXCLUDED.owner, authorized = EXCLUDED.authorized,
			verified = EXCLUDED.verified`,
		p.Publisher, p.Owner, p.Authorized, p.Verified)
	return errors.Wrapf(err, "failed to write publisher %s", p.Publisher)
}

// GetPublishers returns the known publishers among ids, unknown ids are skipped
func (s *Store) GetPublishers(ctx context.Context, ids []string) ([]model.Publisher, error) {
	var publishers []model.Publisher
	err := s.DoQuery(ctx, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, `SELECT publisher, owner, authorized, verified FROM publishers
			WHERE publisher = ANY($1) ORDER BY publisher`, ids)
		if err != nil {
			return errors.Wrap(err, "failed to fetch publishers")
		}
		defer rows.Close()
		for rows.Next() {
			var p model.Publisher
			if err := rows.Scan(&p.Publisher, &p.Owner, &p.Authorized, &p.Verified); err != nil {
				return errors.Wrap(err, "failed unmarshalling publisher")
			}
			publishers = append(publishers, p)
		}
		return rows.Err()
	})
	return publishers, err
}

func (s *Store) PutOwner(ctx context.Context, o model.Owner) error {
	err := s.DoExec(ctx, `INSERT INTO owners (owner, provider, parameters) VALUES ($1, $2, $3)
		ON CONFLICT (owner) DO UPDATE SET provider = EXCLUDED.provider, parameters = EXCLUDED.parameters`,
		o.Owner, string(o.Provider), o.Parameters)
	return errors.Wrapf(err, "failed to write owner %s", o.Owner)
}

func (s *Store) GetOwner(ctx context.Context, owner string) (*model.Owner, error) {
	o := &model.Owner{}
	err := s.DoQuery(ctx, func(conn *pgx.Conn) error {
		var provider string
		err := conn.QueryRow(ctx, `SELECT owner, provider, parameters FROM owners WHERE owner = $1`, owner).
			Scan(&o.Owner, &provider, &o.Parameters)
		if errors.Is(err, pgx.ErrNoRows) {
			return errors.Wrapf(model.ErrNotFound, "owner %s", owner)
		}
		if err != nil {
			return errors.Wrapf(err, "failed to fetch owner %s", owner)
		}
		o.Provider = model.ProviderKind(provider)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return o, nil
}
