package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"catalog-ingest/internal/store"
)

// upsertChunk bounds the statements queued per pgx.Batch.
const upsertChunk = 200

// UpsertTemplates writes every template in one transaction and returns the
// id of each, in input order.
func (s *Store) UpsertTemplates(ctx context.Context, in []store.Template) ([]store.TemplateRef, error) {
	if len(in) == 0 {
		return nil, nil
	}
	var out []store.TemplateRef
	err := s.withRetry(ctx, "upsert_templates", func() error {
		out = make([]store.TemplateRef, 0, len(in))
		return runInTx(ctx, s.pool, func(tx pgx.Tx) error {
			for i := 0; i < len(in); i += upsertChunk {
				j := min(i+upsertChunk, len(in))
				b := &pgx.Batch{}
				for _, t := range in[i:j] {
					images := t.Images
					if images == nil {
						images = []string{}
					}
					b.Queue(`INSERT INTO `+s.templates+`
						(item_id, marketplace, title, brand, images, category, updated_at)
						VALUES ($1,$2,$3,$4,$5,$6, now())
						ON CONFLICT (item_id, marketplace) DO UPDATE SET
						  title = EXCLUDED.title,
						  brand = EXCLUDED.brand,
						  images = EXCLUDED.images,
						  category = EXCLUDED.category,
						  updated_at = now()
						RETURNING id`,
						t.ItemID, t.Marketplace, t.Title, t.Brand, images, t.Category)
				}
				br := tx.SendBatch(ctx, b)
				for _, t := range in[i:j] {
					var id int64
					if err := br.QueryRow().Scan(&id); err != nil {
						_ = br.Close()
						return fmt.Errorf("template %s: %w", t.Key(), err)
					}
					out = append(out, store.TemplateRef{TemplateKey: t.Key(), ID: id})
				}
				if err := br.Close(); err != nil {
					return err
				}
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("upsert templates: %w", err)
	}
	return out, nil
}

// UpsertLinks writes every link in one transaction; any failure writes none.
func (s *Store) UpsertLinks(ctx context.Context, in []store.Link) (int, error) {
	for _, l := range in {
		if l.TemplateID == 0 {
			return 0, fmt.Errorf("link %s/%s: missing template id", l.SellerID, l.ItemID)
		}
	}
	if len(in) == 0 {
		return 0, nil
	}
	total := 0
	err := s.withRetry(ctx, "upsert_links", func() error {
		total = 0
		return runInTx(ctx, s.pool, func(tx pgx.Tx) error {
			for i := 0; i < len(in); i += upsertChunk {
				j := min(i+upsertChunk, len(in))
				b := &pgx.Batch{}
				for _, l := range in[i:j] {
					var price *string
					if l.Price.Valid {
						p := l.Price.Decimal.StringFixed(2)
						price = &p
					}
					b.Queue(`INSERT INTO `+s.links+`
						(seller_id, item_id, marketplace, template_id, price, currency, sales_rank, in_stock, fetched_at)
						VALUES ($1,$2,$3,$4,$5::numeric,$6,$7,$8,$9)
						ON CONFLICT (seller_id, item_id, marketplace) DO UPDATE SET
						  template_id = EXCLUDED.template_id,
						  price = EXCLUDED.price,
						  currency = EXCLUDED.currency,
						  sales_rank = EXCLUDED.sales_rank,
						  in_stock = EXCLUDED.in_stock,
						  fetched_at = EXCLUDED.fetched_at`,
						l.SellerID, l.ItemID, l.Marketplace, l.TemplateID, price, l.Currency, l.Rank, l.InStock, l.FetchedAt)
				}
				br := tx.SendBatch(ctx, b)
				for k := i; k < j; k++ {
					tag, err := br.Exec()
					if err != nil {
						_ = br.Close()
						return err
					}
					total += int(tag.RowsAffected())
				}
				if err := br.Close(); err != nil {
					return err
				}
			}
			return nil
		})
	})
	if err != nil {
		return 0, fmt.Errorf("upsert links: %w", err)
	}
	return total, nil
}

func (s *Store) PersistedItems(ctx context.Context, sellerID, marketplace string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT item_id FROM `+s.links+`
		WHERE seller_id = $1 AND ($2 = '' OR marketplace = $2)
		ORDER BY item_id`, sellerID, marketplace)
	if err != nil {
		return nil, fmt.Errorf("persisted items %s: %w", sellerID, err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (s *Store) GetSeller(ctx context.Context, id string) (store.Seller, error) {
	var sl store.Seller
	err := s.pool.QueryRow(ctx, `SELECT id, external_id, marketplace, last_checked_at
		FROM `+s.sellers+` WHERE id = $1`, id).
		Scan(&sl.ID, &sl.ExternalID, &sl.Marketplace, &sl.LastCheckedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.Seller{}, fmt.Errorf("seller %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return store.Seller{}, fmt.Errorf("seller %s: %w", id, err)
	}
	return sl, nil
}

// UpsertSeller keeps the stored last_checked_at when sl carries none.
func (s *Store) UpsertSeller(ctx context.Context, sl store.Seller) error {
	if strings.TrimSpace(sl.ID) == "" {
		return fmt.Errorf("upsert seller: id is required")
	}
	_, err := s.pool.Exec(ctx, `INSERT INTO `+s.sellers+` AS cur
		(id, external_id, marketplace, last_checked_at) VALUES ($1,$2,$3,$4)
		ON CONFLICT (id) DO UPDATE SET
		  external_id = EXCLUDED.external_id,
		  marketplace = EXCLUDED.marketplace,
		  last_checked_at = coalesce(EXCLUDED.last_checked_at, cur.last_checked_at)`,
		sl.ID, sl.ExternalID, sl.Marketplace, sl.LastCheckedAt)
	if err != nil {
		return fmt.Errorf("upsert seller %s: %w", sl.ID, err)
	}
	return nil
}

func (s *Store) TouchChecked(ctx context.Context, id string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `UPDATE `+s.sellers+` SET last_checked_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("touch seller %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("touch seller %s: %w", id, store.ErrNotFound)
	}
	return nil
}
