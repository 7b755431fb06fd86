package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/onemorebsmith/probi-settlement/src/model"
	"github.com/pkg/errors"
)

// InsertGrants loads a batch into the pool, all or nothing
func (s *Store) InsertGrants(ctx context.Context, grants []model.Grant) error {
	return s.DoTx(ctx, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, g := range grants {
			batch.Queue(`INSERT INTO grants (grant_id, token, promotion_id, status, batch_id) VALUES ($1, $2, $3, $4, $5)`,
				g.GrantID, g.Token, g.PromotionID, string(g.Status), g.BatchID)
		}
		res := tx.SendBatch(ctx, batch)
		for _, g := range grants {
			if _, err := res.Exec(); err != nil {
				res.Close()
				if isUniqueViolation(err) {
					return errors.Wrapf(model.ErrConflict, "grant %s", g.GrantID)
				}
				return errors.Wrapf(err, "failed to load grant %s", g.GrantID)
			}
		}
		return errors.Wrap(res.Close(), "failed to load grants")
	})
}

// PopGrant removes one active grant of the promotion from the pool. Rows
// locked by a concurrent pop are skipped, so no grant is handed out twice.
func (s *Store) PopGrant(ctx context.Context, promotionID string) (*model.Grant, error) {
	g := &model.Grant{}
	err := s.DoQuery(ctx, func(conn *pgx.Conn) error {
		var status string
		err := conn.QueryRow(ctx, `DELETE FROM grants WHERE grant_id = (
				SELECT grant_id FROM grants WHERE promotion_id = $1 AND status = 'active'
				ORDER BY grant_id LIMIT 1 FOR UPDATE SKIP LOCKED)
			RETURNING grant_id, token, promotion_id, status::text, batch_id`, promotionID).
			Scan(&g.GrantID, &g.Token, &g.PromotionID, &status, &g.BatchID)
		if errors.Is(err, pgx.ErrNoRows) {
			return errors.Wrapf(model.ErrNotFound, "no active grant for promotion %s", promotionID)
		}
		if err != nil {
			return errors.Wrapf(err, "failed to pop grant of promotion %s", promotionID)
		}
		g.Status = model.GrantStatus(status)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return g, nil
}

func (s *Store) ReturnGrant(ctx context.Context, g model.Grant) error {
	err := s.DoExec(ctx, `INSERT INTO grants (grant_id, token, promotion_id, status, batch_id)
		VALUES ($1, $2, $3, $4, $5) ON CONFLICT (grant_id) DO NOTHING`,
		g.GrantID, g.Token, g.PromotionID, string(g.Status), g.BatchID)
	return errors.Wrapf(err, "failed to return grant %s", g.GrantID)
}

func (s *Store) CountGrants(ctx context.Context, promotionID string) (int64, error) {
	var n int64
	err := s.DoQuery(ctx, func(conn *pgx.Conn) error {
		return conn.QueryRow(ctx, `SELECT COUNT(*) FROM grants WHERE promotion_id = $1 AND status = 'active'`, promotionID).Scan(&n)
	})
	return n, errors.Wrapf(err, "failed to count grants of promotion %s", promotionID)
}

const promotionColumns = `promotion_id, priority, active, count, batch_id, timestamp`

func scanPromotion(row pgx.Row) (model.Promotion, error) {
	var p model.Promotion
	err := row.Scan(&p.PromotionID, &p.Priority, &p.Active, &p.Count, &p.BatchID, &p.Timestamp)
	return p, err
}

func (s *Store) GetPromotion(ctx context.Context, promotionID string) (*model.Promotion, error) {
	var p model.Promotion
	err := s.DoQuery(ctx, func(conn *pgx.Conn) error {
		var err error
		p, err = scanPromotion(conn.QueryRow(ctx, `SELECT `+promotionColumns+` FROM promotions WHERE promotion_id = $1`, promotionID))
		if errors.Is(err, pgx.ErrNoRows) {
			return errors.Wrapf(model.ErrNotFound, "promotion %s", promotionID)
		}
		return errors.Wrapf(err, "failed to fetch promotion %s", promotionID)
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) ListPromotions(ctx context.Context) ([]model.Promotion, error) {
	var promotions []model.Promotion
	err := s.DoQuery(ctx, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, `SELECT `+promotionColumns+` FROM promotions ORDER BY priority, promotion_id`)
		if err != nil {
			return errors.Wrap(err, "failed to fetch promotions")
		}
		defer rows.Close()
		for rows.Next() {
			p, err := scanPromotion(rows)
			if err != nil {
				return errors.Wrap(err, "failed unmarshalling promotion")
			}
			promotions = append(promotions, p)
		}
		return rows.Err()
	})
	return promotions, err
}

// UpsertPromotion adds `added` grants to the promotion's count, creating it
// on first sight
func (s *Store) UpsertPromotion(ctx context.Context, promo model.Promotion, added int64) error {
	err := s.DoExec(ctx, `INSERT INTO promotions (`+promotionColumns+`) VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (promotion_id) DO UPDATE SET priority = EXCLUDED.priority, active = EXCLUDED.active,
			count = promotions.count + EXCLUDED.count, batch_id = EXCLUDED.batch_id, timestamp = EXCLUDED.timestamp`,
		promo.PromotionID, promo.Priority, promo.Active, added, promo.BatchID, time.Now().UTC())
	return errors.Wrapf(err, "failed to write promotion %s", promo.PromotionID)
}

func (s *Store) DecrementPromotion(ctx context.Context, promotionID string) error {
	return s.DoQuery(ctx, func(conn *pgx.Conn) error {
		tag, err := conn.Exec(ctx, `UPDATE promotions SET count = count - 1 WHERE promotion_id = $1`, promotionID)
		if err != nil {
			return errors.Wrapf(err, "failed to decrement promotion %s", promotionID)
		}
		if tag.RowsAffected() == 0 {
			return errors.Wrapf(model.ErrNotFound, "promotion %s", promotionID)
		}
		return nil
	})
}
