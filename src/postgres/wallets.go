package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/onemorebsmith/probi-settlement/src/model"
	"github.com/pkg/errors"
)

func (s *Store) PutWallet(ctx context.Context, w model.Wallet) error {
	return s.DoTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `INSERT INTO wallets (payment_id, altcurrency, provider, provider_id, addresses,
				http_signing_pub_key, balances, unsigned_tx, cohort, payment_stamp, default_currency, parameters)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			ON CONFLICT (payment_id) DO UPDATE SET altcurrency = EXCLUDED.altcurrency, provider = EXCLUDED.provider,
				provider_id = EXCLUDED.provider_id, addresses = EXCLUDED.addresses,
				http_signing_pub_key = EXCLUDED.http_signing_pub_key, balances = EXCLUDED.balances,
				unsigned_tx = EXCLUDED.unsigned_tx, cohort = EXCLUDED.cohort, payment_stamp = EXCLUDED.payment_stamp,
				default_currency = EXCLUDED.default_currency, parameters = EXCLUDED.parameters`,
			w.PaymentID, w.Altcurrency, string(w.Provider), w.ProviderID, w.Addresses, w.HTTPSigningPubKey,
			w.Balances, w.UnsignedTx, w.Cohort, w.PaymentStamp, w.DefaultCurrency, w.Parameters)
		if err != nil {
			return errors.Wrapf(err, "failed to write wallet %s", w.PaymentID)
		}
		for _, g := range w.Grants {
			if _, err := insertWalletGrant(ctx, tx, w.PaymentID, g); err != nil {
				return err
			}
		}
		return nil
	})
}

func insertWalletGrant(ctx context.Context, tx pgx.Tx, paymentID string, g model.WalletGrant) (bool, error) {
	if g.ClaimTimestamp.IsZero() {
		g.ClaimTimestamp = time.Now().UTC()
	}
	tag, err := tx.Exec(ctx, `INSERT INTO wallet_grants (payment_id, grant_id, promotion_id, token, status, claim_timestamp, claim_ip)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (payment_id, promotion_id) DO NOTHING`,
		paymentID, g.GrantID, g.PromotionID, g.Token, string(g.Status), g.ClaimTimestamp, g.ClaimIP)
	if err != nil {
		return false, errors.Wrapf(err, "failed to attach grant %s to %s", g.GrantID, paymentID)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) GetWallet(ctx context.Context, paymentID string) (*model.Wallet, error) {
	w := &model.Wallet{}
	err := s.DoQuery(ctx, func(conn *pgx.Conn) error {
		var provider string
		err := conn.QueryRow(ctx, `SELECT payment_id, altcurrency, provider, provider_id, addresses,
				http_signing_pub_key, balances, unsigned_tx, cohort, payment_stamp, default_currency, parameters
			FROM wallets WHERE payment_id = $1`, paymentID).
			Scan(&w.PaymentID, &w.Altcurrency, &provider, &w.ProviderID, &w.Addresses, &w.HTTPSigningPubKey,
				&w.Balances, &w.UnsignedTx, &w.Cohort, &w.PaymentStamp, &w.DefaultCurrency, &w.Parameters)
		if errors.Is(err, pgx.ErrNoRows) {
			return errors.Wrapf(model.ErrNotFound, "wallet %s", paymentID)
		}
		if err != nil {
			return errors.Wrapf(err, "failed to fetch wallet %s", paymentID)
		}
		w.Provider = model.ProviderKind(provider)

		rows, err := conn.Query(ctx, `SELECT grant_id, promotion_id, token, status::text, claim_timestamp, claim_ip
			FROM wallet_grants WHERE payment_id = $1 ORDER BY claim_timestamp, id`, paymentID)
		if err != nil {
			return errors.Wrapf(err, "failed to fetch grants of wallet %s", paymentID)
		}
		defer rows.Close()
		for rows.Next() {
			var g model.WalletGrant
			var status string
			if err := rows.Scan(&g.GrantID, &g.PromotionID, &g.Token, &status, &g.ClaimTimestamp, &g.ClaimIP); err != nil {
				return errors.Wrap(err, "failed unmarshalling wallet grant")
			}
			g.Status = model.GrantStatus(status)
			w.Grants = append(w.Grants, g)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return w, nil
}

// updateWallet sets one column, a missing wallet is ErrNotFound
func (s *Store) updateWallet(ctx context.Context, paymentID, column string, value any) error {
	return s.DoQuery(ctx, func(conn *pgx.Conn) error {
		tag, err := conn.Exec(ctx, `UPDATE wallets SET `+column+` = $2 WHERE payment_id = $1`, paymentID, value)
		if err != nil {
			return errors.Wrapf(err, "failed to update %s of wallet %s", column, paymentID)
		}
		if tag.RowsAffected() == 0 {
			return errors.Wrapf(model.ErrNotFound, "wallet %s", paymentID)
		}
		return nil
	})
}

func (s *Store) UpdateWalletBalances(ctx context.Context, paymentID string, balances model.Balances) error {
	return s.updateWallet(ctx, paymentID, "balances", balances)
}

func (s *Store) SetUnsignedTx(ctx context.Context, paymentID string, tx *model.UnsignedTx) error {
	return s.updateWallet(ctx, paymentID, "unsigned_tx", tx)
}

func (s *Store) SetPaymentStamp(ctx context.Context, paymentID string, stamp int64) error {
	return s.updateWallet(ctx, paymentID, "payment_stamp", stamp)
}

func (s *Store) SetWalletCohort(ctx context.Context, paymentID string, cohort string) error {
	return s.updateWallet(ctx, paymentID, "cohort", cohort)
}

// AttachGrant adds a grant unless the wallet already holds one of the same
// promotion. The unique (payment_id, promotion_id) key makes this atomic
// across concurrent claims.
func (s *Store) AttachGrant(ctx context.Context, paymentID string, grant model.WalletGrant) (bool, error) {
	attached := false
	err := s.DoTx(ctx, func(tx pgx.Tx) error {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM wallets WHERE payment_id = $1)`, paymentID).Scan(&exists); err != nil {
			return errors.Wrapf(err, "failed to fetch wallet %s", paymentID)
		}
		if !exists {
			return errors.Wrapf(model.ErrNotFound, "wallet %s", paymentID)
		}
		var err error
		attached, err = insertWalletGrant(ctx, tx, paymentID, grant)
		return err
	})
	return attached, err
}

func (s *Store) CompleteGrants(ctx context.Context, paymentID string, grantIDs []string) error {
	err := s.DoExec(ctx, `UPDATE wallet_grants SET status = 'completed'
		WHERE payment_id = $1 AND grant_id = ANY($2)`, paymentID, grantIDs)
	return errors.Wrapf(err, "failed to complete grants of wallet %s", paymentID)
}

func (s *Store) AssignCohorts(ctx context.Context, cohort string, paymentIDs []string) (int, error) {
	n := 0
	err := s.DoQuery(ctx, func(conn *pgx.Conn) error {
		tag, err := conn.Exec(ctx, `UPDATE wallets SET cohort = $1 WHERE payment_id = ANY($2)`, cohort, paymentIDs)
		if err != nil {
			return errors.Wrapf(err, "failed to assign cohort %s", cohort)
		}
		n = int(tag.RowsAffected())
		return nil
	})
	return n, err
}
